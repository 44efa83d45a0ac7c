// This file manages the low-level, statically-located on-disk structures:
// the superblock (boot sector) and the two-copy boot-region checksum.

package exfat

import (
	"bytes"
	"fmt"
	"io"

	"encoding/binary"

	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"
	"github.com/hashicorp/go-multierror"
)

var (
	defaultEncoding = binary.LittleEndian
)

const (
	superblockSize = 512
)

var (
	requiredOemID         = []byte("EXFAT   ")
	requiredBootSignature = uint16(0xaa55)
)

// Superblock describes the main set of filesystem parameters, occupying the
// first 512 bytes of the volume (and of the backup boot region).
type Superblock struct {
	// JumpBoot contains the jump instruction for the boot-strapping code.
	JumpBoot [3]byte

	// OemID identifies the filesystem. The only valid value is
	// "EXFAT   ", with three trailing spaces.
	OemID [8]byte

	// MustBeZero corresponds to the packed BIOS parameter block of
	// FAT12/16/32 volumes and prevents those implementations from
	// mistakenly mounting an exFAT volume. Every byte must be zero.
	MustBeZero [53]byte

	// PartitionOffset is the media-relative sector offset of the hosting
	// partition. Zero means the field is to be ignored.
	PartitionOffset uint64

	// NrSectors is the size of the volume in sectors.
	NrSectors uint64

	// FatBlocknr is the volume-relative sector offset of the first FAT.
	// At least 24, to account for the two boot regions.
	FatBlocknr uint32

	// FatBlockCounts is the length of each FAT in sectors.
	FatBlockCounts uint32

	// ClusBlocknr is the volume-relative sector offset of the cluster
	// heap.
	ClusBlocknr uint32

	// TotalClusters is the number of clusters in the cluster heap.
	TotalClusters uint32

	// RootdirClusnr is the first cluster of the root directory. At least
	// 2, the first cluster number in the heap.
	RootdirClusnr uint32

	// SerialNumber distinguishes volumes from each other.
	SerialNumber uint32

	// Revision is the minor and major revision numbers (low-order byte
	// first on disk).
	Revision [2]uint8

	// State carries the volume flags. Not included in the boot-region
	// checksum.
	State VolumeState

	// BlocksizeBits is log2 of the sector size, within [9, 12].
	BlocksizeBits uint8

	// BlockPerClusBits is log2 of the sectors per cluster, bounded so that
	// BlocksizeBits + BlockPerClusBits never exceeds 25.
	BlockPerClusBits uint8

	// NrFats is 1, or 2 for TexFAT volumes.
	NrFats uint8

	// DriveSelect is the extended INT 13h drive number.
	DriveSelect uint8

	// AllocatedPercent is the percentage of allocated clusters, or 0xff
	// when unavailable. Not included in the boot-region checksum.
	AllocatedPercent uint8

	// Reserved is reserved.
	Reserved [7]byte

	// BootCode holds boot-strapping instructions.
	BootCode [390]byte

	// Signature must be 0xaa55 for the sector to be a boot sector at all.
	Signature uint16
}

// VolumeState represents the state flags of the filesystem.
type VolumeState uint16

const (
	// VolumeStateActiveFat selects the second FAT and allocation bitmap
	// when set (TexFAT only).
	VolumeStateActiveFat VolumeState = 1

	// VolumeStateDirty indicates the volume is probably inconsistent.
	VolumeStateDirty VolumeState = 2

	// VolumeStateMediaFailure indicates the hosting media has reported
	// failed read or write operations.
	VolumeStateMediaFailure VolumeState = 4
)

// UseFirstFat indicates whether the first FAT and bitmap are the active
// ones.
func (vs VolumeState) UseFirstFat() bool {
	return vs&VolumeStateActiveFat == 0
}

// IsDirty indicates whether the volume was left in a possibly-inconsistent
// state.
func (vs VolumeState) IsDirty() bool {
	return vs&VolumeStateDirty > 0
}

// HasMediaFailures indicates whether media errors have been recorded.
func (vs VolumeState) HasMediaFailures() bool {
	return vs&VolumeStateMediaFailure > 0
}

// String returns a descriptive string.
func (vs VolumeState) String() string {
	return fmt.Sprintf("VolumeState<USE-FIRST-FAT=[%v] IS-DIRTY=[%v] MEDIA-FAILURES=[%v]>",
		vs.UseFirstFat(), vs.IsDirty(), vs.HasMediaFailures())
}

// ParseSuperblock unpacks the first 512 bytes of the volume. No validation
// is performed here.
func ParseSuperblock(raw []byte) (exsb *Superblock, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if len(raw) < superblockSize {
		log.Panicf("superblock buffer too small: (%d)", len(raw))
	}

	exsb = new(Superblock)

	err = restruct.Unpack(raw[:superblockSize], defaultEncoding, exsb)
	log.PanicIf(err)

	return exsb, nil
}

// ReadSuperblock reads and unpacks the superblock from the front of a
// volume.
func ReadSuperblock(r io.ReaderAt) (exsb *Superblock, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	raw := make([]byte, superblockSize)

	_, err = r.ReadAt(raw, 0)
	log.PanicIf(err)

	exsb, err = ParseSuperblock(raw)
	log.PanicIf(err)

	return exsb, nil
}

// SectorSize returns the effective sector size.
func (exsb *Superblock) SectorSize() uint32 {
	return uint32(1) << exsb.BlocksizeBits
}

// SectorsPerCluster returns the effective sectors-per-cluster count.
func (exsb *Superblock) SectorsPerCluster() uint32 {
	return uint32(1) << exsb.BlockPerClusBits
}

// ClusterSize returns the allocation-unit size in bytes.
func (exsb *Superblock) ClusterSize() uint32 {
	return exsb.SectorSize() << exsb.BlockPerClusBits
}

// validate checks every statically-checkable constraint on the superblock
// and reports all violations at once.
func (exsb *Superblock) validate() (err error) {
	var result *multierror.Error

	if bytes.Equal(exsb.OemID[:], requiredOemID) != true {
		result = multierror.Append(result, fmt.Errorf("invalid OEM ID"))
	}

	for _, c := range exsb.MustBeZero {
		if c != 0 {
			result = multierror.Append(result, fmt.Errorf("invalid garbage found in boot sector"))
			break
		}
	}

	if exsb.BlocksizeBits < MinBlockBits || MaxBlockBits < exsb.BlocksizeBits {
		result = multierror.Append(result, fmt.Errorf("invalid blocksize"))
	}

	if exsb.BlocksizeBits+exsb.BlockPerClusBits > MaxClusBits {
		result = multierror.Append(result, fmt.Errorf("cluster size is too large"))
	}

	if exsb.NrSectors == 0 {
		result = multierror.Append(result, fmt.Errorf("invalid total sectors count"))
	}

	if exsb.FatBlocknr < reservedBlocks {
		result = multierror.Append(result, fmt.Errorf("invalid block number of FAT"))
	}

	if exsb.FatBlockCounts == 0 {
		result = multierror.Append(result, fmt.Errorf("invalid FAT blocks count"))
	}

	if exsb.ClusBlocknr < reservedBlocks {
		result = multierror.Append(result, fmt.Errorf("invalid block number of start cluster"))
	}

	if exsb.TotalClusters == 0 ||
		uint64(exsb.TotalClusters)<<exsb.BlockPerClusBits > exsb.NrSectors {
		result = multierror.Append(result, fmt.Errorf("invalid total clusters count"))
	}

	if exsb.RootdirClusnr < startEnt {
		result = multierror.Append(result, fmt.Errorf("invalid cluster number of root directory"))
	}

	if exsb.Signature != requiredBootSignature {
		result = multierror.Append(result, fmt.Errorf("invalid boot block signature"))
	}

	return result.ErrorOrNil()
}

// Dump prints all of the superblock parameters along with the common
// calculated ones.
func (exsb *Superblock) Dump() {
	fmt.Printf("Superblock\n")
	fmt.Printf("==========\n")
	fmt.Printf("\n")

	fmt.Printf("OemID: [%s]\n", string(exsb.OemID[:]))
	fmt.Printf("PartitionOffset: (%d)\n", exsb.PartitionOffset)
	fmt.Printf("NrSectors: (%d)\n", exsb.NrSectors)
	fmt.Printf("FatBlocknr: (%d)\n", exsb.FatBlocknr)
	fmt.Printf("FatBlockCounts: (%d)\n", exsb.FatBlockCounts)
	fmt.Printf("ClusBlocknr: (%d)\n", exsb.ClusBlocknr)
	fmt.Printf("TotalClusters: (%d)\n", exsb.TotalClusters)
	fmt.Printf("RootdirClusnr: (%d)\n", exsb.RootdirClusnr)
	fmt.Printf("SerialNumber: (0x%08x)\n", exsb.SerialNumber)
	fmt.Printf("Revision: (0x%02x) (0x%02x)\n", exsb.Revision[0], exsb.Revision[1])
	fmt.Printf("BlocksizeBits: (%d)\n", exsb.BlocksizeBits)
	fmt.Printf("-> Sector-size: 2^(%d) -> %d\n", exsb.BlocksizeBits, exsb.SectorSize())
	fmt.Printf("BlockPerClusBits: (%d)\n", exsb.BlockPerClusBits)
	fmt.Printf("-> Cluster-size: %d\n", exsb.ClusterSize())
	fmt.Printf("NrFats: (%d)\n", exsb.NrFats)
	fmt.Printf("DriveSelect: (%d)\n", exsb.DriveSelect)
	fmt.Printf("AllocatedPercent: (%d)\n", exsb.AllocatedPercent)
	fmt.Printf("State: %s\n", exsb.State)
	fmt.Printf("\n")
}

// String returns a description of the superblock.
func (exsb *Superblock) String() string {
	return fmt.Sprintf("Superblock<SN=(0x%08x) REVISION=(0x%02x)-(0x%02x)>",
		exsb.SerialNumber, exsb.Revision[0], exsb.Revision[1])
}

// verifyBootChecksum recomputes the checksum of both boot regions and
// compares it to every 32-bit word of each region's checksum block. The
// volume-state and allocated-percent fields of the first block are excluded.
func (vol *Volume) verifyBootChecksum() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	for i := 0; i < 2; i++ {
		startBlocknr := uint64(i * bootRegionBlocks)

		sum := uint32(0)
		for blocknr := 0; blocknr < bootDataBlocks; blocknr++ {
			data, err := vol.dev.ReadBlock(startBlocknr + uint64(blocknr))
			log.PanicIf(err)

			sum = bootBlockChecksum(sum, data, blocknr == 0)
		}

		data, err := vol.dev.ReadBlock(startBlocknr + bootCksumBlock)
		log.PanicIf(err)

		for n := 0; n+4 <= len(data); n += 4 {
			if defaultEncoding.Uint32(data[n:]) != sum {
				log.Panicf("checksum failed for super block (region %d, word %d)", i, n/4)
			}
		}
	}

	return nil
}
