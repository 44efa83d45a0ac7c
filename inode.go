// Inode instantiation and identity, and the file-block to device-block
// mapper. Inodes are identified by the device location of their primary
// directory chunk, which is stable for the whole lifetime of a read-only
// volume.

package exfat

import (
	"sync"
	"time"

	"container/list"
	"sync/atomic"

	"github.com/dsoprea/go-logging"
)

// Inode is one instantiated filesystem object.
type Inode struct {
	vol *Volume

	ino      uint64
	attrib   FileAttributes
	dataFlag uint8
	clusnr   uint32

	size      int64
	validSize int64
	physSize  int64

	mtime time.Time
	atime time.Time

	// Location of the primary chunk and the device blocks spanned by the
	// whole entry set.
	deBlocknr []uint64
	deOffset  int
	deSize    int

	cacheMutex   sync.Mutex
	cacheLru     *list.List
	nrCaches     int
	cacheValidID uint32
}

// Ino returns the inode number. Numbers 1..3 are reserved for the root
// directory, the allocation bitmap and the upper-case table.
func (ino *Inode) Ino() uint64 {
	return ino.ino
}

// Size returns the logical data length in bytes.
func (ino *Inode) Size() int64 {
	return ino.size
}

// Attributes returns the entry's attribute word.
func (ino *Inode) Attributes() FileAttributes {
	return ino.attrib
}

// IsDirectory indicates whether the inode is a directory.
func (ino *Inode) IsDirectory() bool {
	return ino.attrib.IsDirectory()
}

// IsContiguous indicates whether the inode's clusters are guaranteed
// adjacent on disk, making the FAT irrelevant for it.
func (ino *Inode) IsContiguous() bool {
	return ino.dataFlag&dataFlagContiguous > 0
}

// StartCluster returns the first cluster of the inode's data, or zero for
// an empty inode.
func (ino *Inode) StartCluster() uint32 {
	return ino.clusnr
}

// ModTime returns the last-modification timestamp.
func (ino *Inode) ModTime() time.Time {
	return ino.mtime
}

// AccessTime returns the last-access timestamp (2-second granularity).
func (ino *Inode) AccessTime() time.Time {
	return ino.atime
}

type inodeKey struct {
	blocknr uint64
	offset  int
}

func (vol *Volume) hashInit() {
	vol.inodeHash = make(map[inodeKey]*Inode)
	vol.lastIno = reservedIno
}

// iunique hands out an inode number that was never used on this volume.
func (vol *Volume) iunique() uint64 {
	return atomic.AddUint64(&vol.lastIno, 1)
}

// ilookup finds a live inode by the device location of its primary chunk.
func (vol *Volume) ilookup(blocknr uint64, offset int) *Inode {
	vol.inodeHashLock.Lock()
	defer vol.inodeHashLock.Unlock()

	return vol.inodeHash[inodeKey{blocknr, offset}]
}

// attach registers the inode under its primary-chunk location. When another
// instantiation won the race, the registered winner is returned instead.
func (vol *Volume) attach(ino *Inode, pd *parseData) *Inode {
	vol.inodeHashLock.Lock()
	defer vol.inodeHashLock.Unlock()

	key := inodeKey{pd.blocknrs[0], pd.bufOffset}

	if existing := vol.inodeHash[key]; existing != nil {
		return existing
	}

	ino.deBlocknr = append([]uint64(nil), pd.blocknrs...)
	ino.deOffset = pd.bufOffset
	ino.deSize = pd.size

	vol.inodeHash[key] = ino

	return ino
}

// Detach removes the inode from the registry. The location key is cleared;
// the inode itself stays usable for reads already holding it.
func (vol *Volume) Detach(ino *Inode) {
	vol.inodeHashLock.Lock()
	defer vol.inodeHashLock.Unlock()

	if len(ino.deBlocknr) > 0 {
		delete(vol.inodeHash, inodeKey{ino.deBlocknr[0], ino.deOffset})
	}

	ino.deBlocknr = nil
	ino.deOffset = -1
	ino.deSize = -1
}

func (vol *Volume) fillInode(ino *Inode, inoNr uint64, dirent *chunkDirent, data *chunkData) {
	ino.ino = inoNr
	ino.size = int64(data.Size)
	ino.validSize = int64(data.ValidSize)
	ino.physSize = int64(data.Size)
	ino.clusnr = data.Clusnr
	ino.attrib = dirent.Attrib
	ino.dataFlag = data.Flag
	ino.mtime = dirent.ModifiedTimestamp()
	ino.atime = dirent.AccessedTimestamp()

	ino.deBlocknr = nil
	ino.deOffset = -1
	ino.deSize = -1
}

func (vol *Volume) newInode() *Inode {
	ino := &Inode{
		vol: vol,
	}
	ino.cacheInodeInit()

	return ino
}

// iget returns the inode for a parsed entry, instantiating it when the
// location is not already registered.
func (vol *Volume) iget(pd *parseData, dirent *chunkDirent, data *chunkData) *Inode {
	if ino := vol.ilookup(pd.blocknrs[0], pd.bufOffset); ino != nil {
		return ino
	}

	ino := vol.newInode()
	vol.fillInode(ino, vol.iunique(), dirent, data)

	return vol.attach(ino, pd)
}

// newInternalInode builds an inode for an object that has no directory
// entry of its own (the root directory, the bitmap, the upper-case table).
// It is not registered.
func (vol *Volume) newInternalInode(inoNr uint64, attrib FileAttributes, clusnr uint32, size uint64) *Inode {
	dirent := chunkDirent{
		Attrib: attrib,
	}

	data := chunkData{
		Flag:      dataFlagAllocPossible,
		Clusnr:    clusnr,
		ValidSize: size,
		Size:      size,
	}

	ino := vol.newInode()
	vol.fillInode(ino, inoNr, &dirent, &data)

	return ino
}

// rootdirIget builds the root inode. The superblock does not record the
// root directory's size, so its cluster chain is walked once to measure it.
func (vol *Volume) rootdirIget() (root *Inode, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	root = vol.newInternalInode(RootIno, AttrDirectory, vol.rootdirClusnr, 0)

	// Resolving one-past-any-cluster yields the EOF cmap, whose iclusnr is
	// the chain length.
	var cmap clusMap

	err = vol.getCluster(root, entEOF, 0, &cmap)
	log.PanicIf(err)

	if cmap.clusnr != entEOF {
		exfatLogger.Warningf(nil, "found invalid FAT entry 0x%08x for root directory", cmap.clusnr)
		log.Panic(ErrIO)
	}

	root.size = int64(cmap.iclusnr) << vol.clusBits
	root.validSize = root.size
	root.physSize = root.size

	return root, nil
}

// getBlock translates a file-relative block index into a run of device
// blocks: at most maxBlocks, never past the end of the file, and never
// crossing a discontiguity in the cluster chain.
func (vol *Volume) getBlock(ino *Inode, iblock, maxBlocks uint64) (blocknr, mappedBlocks uint64, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	lastIBlock := (uint64(ino.size) + uint64(vol.blockSize) - 1) >> vol.blockBits
	if iblock >= lastIBlock {
		log.Panic(ErrIO)
	}

	iclusnr := uint32(iblock >> vol.bpcBits)
	offset := uint64(iblock & uint64(vol.bpc-1))

	clusLen := uint32((maxBlocks + uint64(vol.bpc) - 1) >> vol.bpcBits)

	var cmap clusMap

	err = vol.getCluster(ino, iclusnr, clusLen, &cmap)
	log.PanicIf(err)

	if vol.validClusnr(cmap.clusnr) == false {
		exfatLogger.Warningf(nil, "unexpected FAT entry (start cluster 0x%08x, entry 0x%08x)",
			ino.clusnr, cmap.clusnr)
		log.Panic(ErrIO)
	}

	blocknr = vol.clusToBlocknr(cmap.clusnr) + offset

	mappedBlocks = uint64(cmap.len)<<vol.bpcBits - offset
	mappedBlocks = minUint64(mappedBlocks, lastIBlock-iblock)
	mappedBlocks = minUint64(mappedBlocks, maxBlocks)

	return blocknr, mappedBlocks, nil
}

// clusToBlocknr maps a data cluster number to its first device block.
func (vol *Volume) clusToBlocknr(clusnr uint32) uint64 {
	return vol.clusBlocknr + uint64(clusnr-startEnt)<<vol.bpcBits
}
