// On-disk directory record ("chunk") structures. A directory is a stream of
// fixed 32-byte chunks; a logical entry is one primary chunk followed by the
// number of secondary chunks the primary declares.

package exfat

import (
	"fmt"
	"time"

	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"
	"github.com/google/uuid"
)

// Chunk type values consumed on the read path. The high bit is "in use",
// the next bit down is "secondary".
const (
	typeEOD    = 0x00
	typeBitmap = 0x81
	typeUpcase = 0x82
	typeLabel  = 0x83
	typeDirent = 0x85
	typeGUID   = 0xa0
	typeData   = 0xc0
	typeName   = 0xc1

	typeValidBit    = 0x80
	typeSubchunkBit = 0x40
)

// EntryType decomposes a chunk's type byte.
type EntryType uint8

// IsEndOfDirectory indicates that this chunk terminates the directory; no
// chunk after it is meaningful.
func (et EntryType) IsEndOfDirectory() bool {
	return et == typeEOD
}

// IsInUse indicates that the chunk describes a live entry. Chunks with the
// bit clear are skipped on the read path.
func (et EntryType) IsInUse() bool {
	return et&typeValidBit > 0
}

// IsSecondary indicates that the chunk accompanies a preceding primary
// chunk.
func (et EntryType) IsSecondary() bool {
	return et&typeSubchunkBit > 0
}

// TypeCode is the low type bits; unique only in combination with the
// importance and category flags.
func (et EntryType) TypeCode() int {
	return int(et & 31)
}

// IsBenign indicates whether the entry may be ignored by implementations
// that do not understand it.
func (et EntryType) IsBenign() bool {
	return et&32 > 0
}

// String returns a descriptive string.
func (et EntryType) String() string {
	return fmt.Sprintf("EntryType<TYPE-CODE=(%d) IS-IN-USE=[%v] IS-SECONDARY=[%v] IS-BENIGN=[%v]>",
		et.TypeCode(), et.IsInUse(), et.IsSecondary(), et.IsBenign())
}

// FileAttributes decomposes the attribute word of a DIRENT chunk. These are
// presentational; the core attaches no semantics to any of them except
// AttrDirectory.
type FileAttributes uint16

const (
	// AttrReadOnly marks the file read-only.
	AttrReadOnly FileAttributes = 1

	// AttrHidden excludes the file from standard listings by default.
	AttrHidden FileAttributes = 2

	// AttrSystem marks the file as belonging to the operating system.
	AttrSystem FileAttributes = 4

	// AttrDirectory marks the entry as a directory.
	AttrDirectory FileAttributes = 16

	// AttrArchive marks the file as changed since the last backup.
	AttrArchive FileAttributes = 32
)

// IsReadOnly returns whether the file should be read-only.
func (fa FileAttributes) IsReadOnly() bool {
	return fa&AttrReadOnly > 0
}

// IsHidden returns whether the file should be hidden from standard
// listings.
func (fa FileAttributes) IsHidden() bool {
	return fa&AttrHidden > 0
}

// IsSystem returns the system flag.
func (fa FileAttributes) IsSystem() bool {
	return fa&AttrSystem > 0
}

// IsDirectory returns whether the entry is a directory.
func (fa FileAttributes) IsDirectory() bool {
	return fa&AttrDirectory > 0
}

// IsArchive returns the archive flag.
func (fa FileAttributes) IsArchive() bool {
	return fa&AttrArchive > 0
}

// String returns a descriptive string.
func (fa FileAttributes) String() string {
	return fmt.Sprintf("FileAttributes<IS-READONLY=[%v] IS-HIDDEN=[%v] IS-SYSTEM=[%v] IS-DIRECTORY=[%v] IS-ARCHIVE=[%v]>",
		fa.IsReadOnly(), fa.IsHidden(), fa.IsSystem(), fa.IsDirectory(), fa.IsArchive())
}

// DumpBareIndented prints the attribute states preceded by arbitrary
// indentation.
func (fa FileAttributes) DumpBareIndented(indent string) {
	fmt.Printf("%sRead Only? [%v]\n", indent, fa.IsReadOnly())
	fmt.Printf("%sHidden? [%v]\n", indent, fa.IsHidden())
	fmt.Printf("%sSystem? [%v]\n", indent, fa.IsSystem())
	fmt.Printf("%sDirectory? [%v]\n", indent, fa.IsDirectory())
	fmt.Printf("%sArchive? [%v]\n", indent, fa.IsArchive())
}

// Data-flag bits of a DATA chunk.
const (
	dataFlagAllocPossible = 1

	// dataFlagContiguous asserts the allocation is one contiguous series
	// of clusters whose FAT entries are invalid and must not be walked.
	dataFlagContiguous = 2
)

// chunkDirent is the primary record of a file or directory entry
// (type 0x85).
type chunkDirent struct {
	Type      EntryType
	SubChunks uint8

	// Checksum covers the whole entry set, with these two bytes skipped.
	Checksum uint16

	Attrib    FileAttributes
	Reserved1 uint16

	CrtTime uint16
	CrtDate uint16
	MTime   uint16
	MDate   uint16
	ATime   uint16
	ADate   uint16

	CrtTimeCS uint8
	MTimeCS   uint8

	CrtTZ uint8
	MTZ   uint8
	ATZ   uint8

	Reserved2 [7]byte
}

// ModifiedTimestamp returns the decoded mtime.
func (cd *chunkDirent) ModifiedTimestamp() time.Time {
	return decodeTimestamp(cd.MDate, cd.MTime, cd.MTimeCS, cd.MTZ)
}

// AccessedTimestamp returns the decoded atime (2-second granularity; no
// centisecond field exists for it).
func (cd *chunkDirent) AccessedTimestamp() time.Time {
	return decodeTimestamp(cd.ADate, cd.ATime, 0, cd.ATZ)
}

// String returns a descriptive string.
func (cd *chunkDirent) String() string {
	return fmt.Sprintf("ChunkDirent<SUB-CHUNKS=(%d) CHECKSUM=(0x%04x) ATTRIB=%s>",
		cd.SubChunks, cd.Checksum, cd.Attrib)
}

// chunkData is the stream-extension secondary record (type 0xc0) carrying
// the entry's allocation and name metadata.
type chunkData struct {
	Type EntryType
	Flag uint8

	Reserved1 uint8

	// NameLen is the name length in UCS-2 code units.
	NameLen uint8

	// Hash is nameHash() of the upper-cased name.
	Hash uint16

	Reserved2 uint16

	// ValidSize is how far into the stream data has actually been
	// written; bytes between it and Size read as zeros.
	ValidSize uint64

	Reserved3 uint32

	// Clusnr is the first cluster of the data.
	Clusnr uint32

	// Size is the logical (and allocated) data length.
	Size uint64
}

// IsContiguous indicates that the entry's clusters are adjacent on disk and
// the FAT is to be bypassed.
func (cd *chunkData) IsContiguous() bool {
	return cd.Flag&dataFlagContiguous > 0
}

// String returns a descriptive string.
func (cd *chunkData) String() string {
	return fmt.Sprintf("ChunkData<FLAG=(%08b) NAME-LEN=(%d) HASH=(0x%04x) VALID-SIZE=(%d) CLUSNR=(%d) SIZE=(%d)>",
		cd.Flag, cd.NameLen, cd.Hash, cd.ValidSize, cd.Clusnr, cd.Size)
}

// chunkNameUnits is the number of UCS-2 code units each NAME chunk carries.
const chunkNameUnits = 15

// chunkName is the file-name secondary record (type 0xc1), 15 code units of
// the name per chunk.
type chunkName struct {
	Type EntryType
	Flag uint8

	Name [chunkNameUnits]uint16
}

// chunkBitmap is the allocation-bitmap record (type 0x81), found only in
// the root directory.
type chunkBitmap struct {
	Type EntryType
	Flag uint8

	Reserved [18]byte

	Clusnr uint32
	Size   uint64
}

// chunkUpcase is the upper-case table record (type 0x82), found only in the
// root directory.
type chunkUpcase struct {
	Type EntryType

	Reserved1 [3]byte

	Checksum uint32

	Reserved2 [12]byte

	Clusnr uint32
	Size   uint64
}

// chunkLabel is the volume-label record (type 0x83). The label proper is 22
// bytes; in practice tools spill into the reserved tail, so both are
// decoded together.
type chunkLabel struct {
	Type EntryType

	CharacterCount uint8

	Label [30]byte
}

// DecodedLabel returns the label as a string.
func (cl *chunkLabel) DecodedLabel() string {
	n := int(cl.CharacterCount)
	if n > len(cl.Label)/2 {
		n = len(cl.Label) / 2
	}

	return ucs2String(cl.Label[:], n)
}

// chunkGUID is the benign-primary volume GUID record (type 0xa0).
type chunkGUID struct {
	Type      EntryType
	SubChunks uint8

	Checksum uint16
	Flags    uint16

	Guid [16]byte

	Reserved [10]byte
}

// GUID returns the volume GUID.
func (cg *chunkGUID) GUID() (guid uuid.UUID, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	guid, err = uuid.FromBytes(cg.Guid[:])
	log.PanicIf(err)

	return guid, nil
}

// parseChunk unpacks one 32-byte chunk into the given structure.
func parseChunk(raw []byte, x interface{}) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if len(raw) < chunkSize {
		log.Panicf("chunk buffer too small: (%d)", len(raw))
	}

	err = restruct.Unpack(raw[:chunkSize], defaultEncoding, x)
	log.PanicIf(err)

	return nil
}

// decodeTimestamp unpacks the packed exFAT date and time words, plus the
// 10ms-increment byte where the field has one. The timezone byte, when
// valid (high bit set), carries in its low seven bits a signed
// (two's-complement) count of 15-minute increments from UTC.
func decodeTimestamp(date, timeval uint16, cs uint8, tz uint8) time.Time {
	day := int(date & 31)
	month := int(date>>5) & 15
	year := 1980 + int(date>>9)

	sec := int(timeval&31) * 2
	min := int(timeval>>5) & 63
	hour := int(timeval >> 11)

	sec += int(cs) / 100
	nsec := (int(cs) % 100) * 10 * int(time.Millisecond)

	loc := time.UTC
	if tz&0x80 > 0 {
		offset := (int(int8(tz<<1)) / 2) * 15 * 60
		loc = time.FixedZone(fmt.Sprintf("(off=%d)", offset), offset)
	}

	return time.Date(year, time.Month(month), day, hour, min, sec, nsec, loc)
}
