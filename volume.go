// Mounting and the per-volume state. A Volume's parameters are fixed once
// Mount returns; what still changes is the inode registry, which grows as
// entries are instantiated, and the panic flag that corruption detection
// raises.

package exfat

import (
	"io"
	"sync"

	"sync/atomic"

	bmap "github.com/boljen/go-bitmap"
	"github.com/dsoprea/go-logging"
)

var (
	exfatLogger = log.NewLogger("exfat")
)

// Volume is one mounted exFAT filesystem.
type Volume struct {
	dev  *blockDevice
	opts MountOptions

	exsb Superblock

	blockBits uint8
	blockSize uint32

	fatBlocknr     uint64
	fatBlockCounts uint32
	fpb            uint32
	fpbBits        uint8

	clusBits uint8
	bpcBits  uint8
	bpc      uint32
	clusSize uint32

	clusBlocknr   uint64
	rootdirClusnr uint32
	totalClusters uint32
	freeClusters  uint32

	state        VolumeState
	serialNumber uint32
	label        string

	root        *Inode
	bitmapInode *Inode
	bitmap      bmap.Bitmap
	upcase      *upcaseTable

	inodeHashLock sync.Mutex
	inodeHash     map[inodeKey]*Inode
	lastIno       uint64

	panicked uint32
}

// Mount validates the boot region of the device and initializes the
// volume: both boot-checksum copies are verified, the root directory is
// measured and scanned for the system entries, and the free-space bitmap
// and upper-case table are loaded.
func Mount(r io.ReaderAt, optionString string) (vol *Volume, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	opts, err := ParseMountOptions(optionString)
	log.PanicIf(err)

	vol = &Volume{
		opts: opts,
	}

	// Read block 0 at the minimum-supported block size and validate it.

	vol.dev = newBlockDevice(r, MinBlockBits)

	raw, err := vol.dev.ReadBlock(0)
	log.PanicIf(err)

	exsb, err := ParseSuperblock(raw)
	log.PanicIf(err)

	err = exsb.validate()
	log.PanicIf(err)

	vol.exsb = *exsb

	vol.fatBlocknr = uint64(exsb.FatBlocknr)
	vol.fatBlockCounts = exsb.FatBlockCounts
	vol.clusBlocknr = uint64(exsb.ClusBlocknr)
	vol.totalClusters = exsb.TotalClusters
	vol.rootdirClusnr = exsb.RootdirClusnr
	vol.state = exsb.State
	vol.serialNumber = exsb.SerialNumber

	// Move to the declared block size. An io.ReaderAt has no sector size
	// of its own, so the reset cannot be refused.

	vol.blockBits = exsb.BlocksizeBits
	vol.blockSize = uint32(1) << vol.blockBits
	vol.dev = newBlockDevice(r, vol.blockBits)

	vol.bpcBits = exsb.BlockPerClusBits
	vol.bpc = uint32(1) << vol.bpcBits
	vol.clusBits = vol.blockBits + vol.bpcBits
	vol.clusSize = vol.blockSize << vol.bpcBits
	vol.fpb = vol.blockSize >> entBits
	vol.fpbBits = vol.blockBits - entBits

	vol.hashInit()

	err = vol.verifyBootChecksum()
	log.PanicIf(err)

	// Build the root inode and discover the system entries.

	root, err := vol.rootdirIget()
	log.PanicIf(err)

	vol.root = root

	err = vol.readRootdir(root)
	log.PanicIf(err)

	if vol.state.IsDirty() == true {
		exfatLogger.Warningf(nil, "filesystem is not clean")
	}

	return vol, nil
}

// readRootdir scans the root directory for the bitmap and upper-case
// entries and initializes both subsystems.
func (vol *Volume) readRootdir(root *Inode) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	var rp rootdirParseData

	pos := int64(0)

	err = vol.parseDir(root, &pos, &rp)
	log.PanicIf(err)

	vol.label = rp.label

	err = vol.setupBitmap(rp.bitmapClusnr, rp.bitmapSize)
	log.PanicIf(err)

	err = vol.setupUpcase(rp.upcaseChecksum, rp.upcaseClusnr, rp.upcaseSize)
	log.PanicIf(err)

	return nil
}

// fsPanic records a structural-corruption diagnosis. The first call emits
// the diagnostic; every core operation afterwards fails fast.
func (vol *Volume) fsPanic(format string, args ...interface{}) error {
	if atomic.CompareAndSwapUint32(&vol.panicked, 0, 1) == true {
		exfatLogger.Warningf(nil, "panic: "+format, args...)
	}

	return ErrCorrupted
}

func (vol *Volume) isPanicked() bool {
	return atomic.LoadUint32(&vol.panicked) > 0
}

// Panicked indicates whether structural corruption was detected since
// mount.
func (vol *Volume) Panicked() bool {
	return vol.isPanicked()
}

// Root returns the root directory's inode.
func (vol *Volume) Root() *Inode {
	return vol.root
}

// Superblock returns a copy of the parsed superblock.
func (vol *Volume) Superblock() Superblock {
	return vol.exsb
}

// Label returns the volume label from the root directory, if present.
func (vol *Volume) Label() string {
	return vol.label
}

// SerialNumber returns the volume serial number.
func (vol *Volume) SerialNumber() uint32 {
	return vol.serialNumber
}

// ClusterSize returns the allocation-unit size in bytes.
func (vol *Volume) ClusterSize() uint32 {
	return vol.clusSize
}

// TotalClusters returns the size of the cluster heap.
func (vol *Volume) TotalClusters() uint32 {
	return vol.totalClusters
}

// Stats is the statfs-equivalent summary of the volume.
type Stats struct {
	// BlockSize is the fundamental allocation unit (the cluster size).
	BlockSize uint32

	// Blocks is the total cluster count; BFree and BAvail the free count.
	Blocks uint64
	BFree  uint64
	BAvail uint64

	// NameLenMax is the name-length limit in code units.
	NameLenMax int

	// FSID identifies the volume (serial number, zero).
	FSID [2]uint32
}

// Stats reports the volume statistics.
func (vol *Volume) Stats() Stats {
	return Stats{
		BlockSize:  vol.clusSize,
		Blocks:     uint64(vol.totalClusters),
		BFree:      uint64(vol.freeClusters),
		BAvail:     uint64(vol.freeClusters),
		NameLenMax: MaxNameLen,
		FSID:       [2]uint32{vol.serialNumber, 0},
	}
}

// Unmount releases the per-volume state. The volume must not be used
// afterwards.
func (vol *Volume) Unmount() (err error) {
	vol.inodeHashLock.Lock()
	vol.inodeHash = nil
	vol.inodeHashLock.Unlock()

	vol.bitmapInode = nil
	vol.bitmap = nil
	vol.upcase = nil
	vol.root = nil

	return nil
}
