package exfat

import (
	"bytes"
	"sync"

	"unicode/utf16"
)

// volumeBuilder assembles a synthetic exFAT image in memory: boot regions
// with correct checksums, a FAT, an allocation bitmap, an upper-case table
// and directories populated chunk by chunk.
type volumeBuilder struct {
	blockBits     uint8
	bpcBits       uint8
	totalClusters uint32

	serialNumber uint32

	fat  []uint32
	used map[uint32]bool

	clusterData map[uint32][]byte

	nextClusnr uint32

	rootdir *testDir
	dirs    []*testDir

	bitmapClusnr uint32

	// Applied to the finished image right before packaging.
	corrupt func(img []byte)
}

func newVolumeBuilder() *volumeBuilder {
	vb := &volumeBuilder{
		blockBits:     9,
		bpcBits:       0,
		totalClusters: 64,

		serialNumber: 0x3d51a058,

		used:        make(map[uint32]bool),
		clusterData: make(map[uint32][]byte),

		nextClusnr: startEnt,
	}

	vb.fat = make([]uint32, vb.totalClusters+startEnt)

	return vb
}

func (vb *volumeBuilder) blockSize() uint32 {
	return uint32(1) << vb.blockBits
}

func (vb *volumeBuilder) clusterSize() uint32 {
	return vb.blockSize() << vb.bpcBits
}

// alloc reserves n consecutive clusters from the cursor. With chain set,
// the FAT links them and terminates the run with EOF.
func (vb *volumeBuilder) alloc(n int, chain bool) []uint32 {
	clusnrs := make([]uint32, n)
	for i := 0; i < n; i++ {
		clusnrs[i] = vb.nextClusnr
		vb.used[vb.nextClusnr] = true
		vb.nextClusnr++
	}

	if chain == true {
		vb.chain(clusnrs...)
	}

	return clusnrs
}

// chain marks the given clusters used and links them through the FAT in the
// given order, EOF-terminated.
func (vb *volumeBuilder) chain(clusnrs ...uint32) {
	for i, clusnr := range clusnrs {
		vb.used[clusnr] = true

		if clusnr >= vb.nextClusnr {
			vb.nextClusnr = clusnr + 1
		}

		if i+1 < len(clusnrs) {
			vb.fat[clusnr] = clusnrs[i+1]
		} else {
			vb.fat[clusnr] = entEOF
		}
	}
}

// writeClusters spreads data across the given clusters.
func (vb *volumeBuilder) writeClusters(clusnrs []uint32, data []byte) {
	clusterSize := int(vb.clusterSize())

	for i, clusnr := range clusnrs {
		start := i * clusterSize
		if start >= len(data) {
			break
		}

		end := minInt(start+clusterSize, len(data))
		vb.clusterData[clusnr] = data[start:end]
	}
}

// addChainedFile allocates a FAT-chained file with sequential clusters.
func (vb *volumeBuilder) addChainedFile(dir *testDir, name string, data []byte) []uint32 {
	nclusters := (len(data) + int(vb.clusterSize()) - 1) / int(vb.clusterSize())
	if nclusters == 0 {
		nclusters = 1
	}

	clusnrs := vb.alloc(nclusters, true)
	vb.writeClusters(clusnrs, data)

	dir.addFileEntry(name, 0, dataFlagAllocPossible, clusnrs[0], uint64(len(data)), uint64(len(data)))

	return clusnrs
}

// addContiguousFile allocates a file whose clusters are adjacent on disk
// and whose FAT entries are left invalid (free) on purpose.
func (vb *volumeBuilder) addContiguousFile(dir *testDir, name string, data []byte) []uint32 {
	nclusters := (len(data) + int(vb.clusterSize()) - 1) / int(vb.clusterSize())
	if nclusters == 0 {
		nclusters = 1
	}

	clusnrs := vb.alloc(nclusters, false)
	vb.writeClusters(clusnrs, data)

	dir.addFileEntry(name, 0, dataFlagAllocPossible|dataFlagContiguous, clusnrs[0],
		uint64(len(data)), uint64(len(data)))

	return clusnrs
}

// testDir accumulates directory chunks over a pre-reserved cluster chain.
type testDir struct {
	vb *volumeBuilder

	clusnrs []uint32
	chunks  []byte
}

// newDirectory reserves nclusters FAT-chained clusters for a directory.
func (vb *volumeBuilder) newDirectory(nclusters int) *testDir {
	td := &testDir{
		vb:      vb,
		clusnrs: vb.alloc(nclusters, true),
	}

	vb.dirs = append(vb.dirs, td)

	return td
}

func (td *testDir) sizeBytes() uint64 {
	return uint64(len(td.clusnrs)) * uint64(td.vb.clusterSize())
}

func (td *testDir) append(chunk []byte) {
	if len(chunk) != chunkSize {
		panic("bad chunk size in test builder")
	}

	td.chunks = append(td.chunks, chunk...)
}

// pad appends n skippable (not-in-use) chunks.
func (td *testDir) pad(n int) {
	for i := 0; i < n; i++ {
		chunk := make([]byte, chunkSize)
		chunk[0] = 0x05

		td.append(chunk)
	}
}

func (td *testDir) addBitmapEntry(clusnr uint32, size uint64) {
	chunk := make([]byte, chunkSize)
	chunk[0] = typeBitmap
	defaultEncoding.PutUint32(chunk[20:], clusnr)
	defaultEncoding.PutUint64(chunk[24:], size)

	td.append(chunk)
}

func (td *testDir) addUpcaseEntry(checksum, clusnr uint32, size uint64) {
	chunk := make([]byte, chunkSize)
	chunk[0] = typeUpcase
	defaultEncoding.PutUint32(chunk[4:], checksum)
	defaultEncoding.PutUint32(chunk[20:], clusnr)
	defaultEncoding.PutUint64(chunk[24:], size)

	td.append(chunk)
}

func (td *testDir) addLabelEntry(label string) {
	units := utf16.Encode([]rune(label))

	chunk := make([]byte, chunkSize)
	chunk[0] = typeLabel
	chunk[1] = byte(len(units))
	for i, u := range units {
		defaultEncoding.PutUint16(chunk[2+i*2:], u)
	}

	td.append(chunk)
}

// buildFileEntrySet constructs the chunk set for one file or directory
// entry, with a correct name hash and set checksum.
func buildFileEntrySet(name string, attrib FileAttributes, flag uint8, clusnr uint32, size, validSize uint64) []byte {
	units := utf16.Encode([]rune(name))

	nameChunks := (len(units) + chunkNameUnits - 1) / chunkNameUnits
	subChunks := 1 + nameChunks

	set := make([]byte, (1+subChunks)*chunkSize)

	// Primary DIRENT chunk.
	dirent := set[0:chunkSize]
	dirent[0] = typeDirent
	dirent[1] = byte(subChunks)
	defaultEncoding.PutUint16(dirent[4:], uint16(attrib))

	// DATA chunk. The hash is over the name folded the way the fixture's
	// upper-case table folds: ASCII letters only.
	upper := make([]uint16, len(units))
	for i, u := range units {
		if u >= 'a' && u <= 'z' {
			u -= 'a' - 'A'
		}

		upper[i] = u
	}

	data := set[chunkSize : 2*chunkSize]
	data[0] = typeData
	data[1] = flag
	data[3] = byte(len(units))
	defaultEncoding.PutUint16(data[4:], nameHash(upper))
	defaultEncoding.PutUint64(data[8:], validSize)
	defaultEncoding.PutUint32(data[20:], clusnr)
	defaultEncoding.PutUint64(data[24:], size)

	// NAME chunks.
	for i := 0; i < nameChunks; i++ {
		chunk := set[(2+i)*chunkSize : (3+i)*chunkSize]
		chunk[0] = typeName

		for j := 0; j < chunkNameUnits; j++ {
			at := i*chunkNameUnits + j
			if at >= len(units) {
				break
			}

			defaultEncoding.PutUint16(chunk[2+j*2:], units[at])
		}
	}

	csum := uint16(0)
	for i := 0; i <= subChunks; i++ {
		csum = entrySetChecksum16(csum, set[i*chunkSize:], i == 0)
	}

	defaultEncoding.PutUint16(dirent[2:], csum)

	return set
}

func (td *testDir) addFileEntry(name string, attrib FileAttributes, flag uint8, clusnr uint32, size, validSize uint64) {
	set := buildFileEntrySet(name, attrib, flag, clusnr, size, validSize)

	for i := 0; i < len(set); i += chunkSize {
		td.append(set[i : i+chunkSize])
	}
}

func (td *testDir) addDirectoryEntry(name string, sub *testDir) {
	td.addFileEntry(name, AttrDirectory, dataFlagAllocPossible, sub.clusnrs[0],
		sub.sizeBytes(), sub.sizeBytes())
}

// defaultUpcaseUnits is an identity map through 0x60 followed directly by
// the lower-case letters folded to upper case: one contiguous range.
func defaultUpcaseUnits() []uint16 {
	units := make([]uint16, 0, 0x7b)
	for u := uint16(0); u <= 0x60; u++ {
		units = append(units, u)
	}

	for u := uint16('A'); u <= 'Z'; u++ {
		units = append(units, u)
	}

	return units
}

func unitsToBytes(units []uint16) []byte {
	raw := make([]byte, len(units)*2)
	for i, u := range units {
		defaultEncoding.PutUint16(raw[i*2:], u)
	}

	return raw
}

// addDefaultSystemEntries wires an upper-case table and reserves the bitmap
// cluster, appending both root entries. The bitmap contents are computed at
// build time, once every allocation is known.
func (vb *volumeBuilder) addDefaultSystemEntries(upcaseUnits []uint16) {
	raw := unitsToBytes(upcaseUnits)

	upcaseClusnrs := vb.alloc((len(raw)+int(vb.clusterSize())-1)/int(vb.clusterSize()), true)
	vb.writeClusters(upcaseClusnrs, raw)

	vb.rootdir.addUpcaseEntry(checksum32(0, raw), upcaseClusnrs[0], uint64(len(raw)))

	vb.bitmapClusnr = vb.alloc(1, true)[0]
	vb.rootdir.addBitmapEntry(vb.bitmapClusnr, uint64((vb.totalClusters+7)/8))
}

// build packages the image.
func (vb *volumeBuilder) build() *bytes.Reader {
	blockSize := int(vb.blockSize())
	clusterSize := int(vb.clusterSize())

	fatBytes := int(vb.totalClusters+startEnt) * 4
	fatBlocks := (fatBytes + blockSize - 1) / blockSize

	fatBlocknr := reservedBlocks
	clusBlocknr := fatBlocknr + fatBlocks
	nrSectors := uint64(clusBlocknr) + uint64(vb.totalClusters)<<vb.bpcBits

	img := make([]byte, int(nrSectors)*blockSize)

	// Superblock.
	sb := img[0:superblockSize]
	copy(sb[3:], requiredOemID)
	defaultEncoding.PutUint64(sb[72:], nrSectors)
	defaultEncoding.PutUint32(sb[80:], uint32(fatBlocknr))
	defaultEncoding.PutUint32(sb[84:], uint32(fatBlocks))
	defaultEncoding.PutUint32(sb[88:], uint32(clusBlocknr))
	defaultEncoding.PutUint32(sb[92:], vb.totalClusters)
	defaultEncoding.PutUint32(sb[96:], vb.rootdir.clusnrs[0])
	defaultEncoding.PutUint32(sb[100:], vb.serialNumber)
	sb[104] = 0
	sb[105] = 1
	sb[108] = vb.blockBits
	sb[109] = vb.bpcBits
	sb[110] = 1
	sb[111] = 0x80
	sb[112] = 0xff
	defaultEncoding.PutUint16(sb[510:], requiredBootSignature)

	// Boot-region checksum block, then the backup copy of the region.
	sum := uint32(0)
	for blocknr := 0; blocknr < bootDataBlocks; blocknr++ {
		sum = bootBlockChecksum(sum, img[blocknr*blockSize:(blocknr+1)*blockSize], blocknr == 0)
	}

	cksumBlock := img[bootCksumBlock*blockSize : (bootCksumBlock+1)*blockSize]
	for n := 0; n+4 <= len(cksumBlock); n += 4 {
		defaultEncoding.PutUint32(cksumBlock[n:], sum)
	}

	copy(img[bootRegionBlocks*blockSize:2*bootRegionBlocks*blockSize],
		img[0:bootRegionBlocks*blockSize])

	// FAT.
	fat := img[fatBlocknr*blockSize:]
	defaultEncoding.PutUint32(fat[0:], 0xfffffff8)
	defaultEncoding.PutUint32(fat[4:], 0xffffffff)
	for clusnr := uint32(startEnt); clusnr < vb.totalClusters+startEnt; clusnr++ {
		defaultEncoding.PutUint32(fat[clusnr*4:], vb.fat[clusnr])
	}

	// Directory chunk streams.
	for _, td := range vb.dirs {
		vb.writeClusters(td.clusnrs, td.chunks)
	}

	// Bitmap contents.
	if vb.bitmapClusnr != 0 {
		bmap := make([]byte, (vb.totalClusters+7)/8)
		for clusnr := range vb.used {
			bit := clusnr - startEnt
			bmap[bit/8] |= 1 << (bit % 8)
		}

		vb.clusterData[vb.bitmapClusnr] = bmap
	}

	// Cluster payloads.
	for clusnr, data := range vb.clusterData {
		offset := clusBlocknr*blockSize + int(clusnr-startEnt)*clusterSize
		copy(img[offset:], data)
	}

	if vb.corrupt != nil {
		vb.corrupt(img)
	}

	return bytes.NewReader(img)
}

// getTestVolumeBuilder builds the common fixture: a label, the system entries and
// nothing else. Additional content is added by each test before build().
func getTestVolumeBuilder() *volumeBuilder {
	vb := newVolumeBuilder()

	vb.rootdir = vb.newDirectory(1)
	vb.rootdir.addLabelEntry("testvolumelabel")
	vb.addDefaultSystemEntries(defaultUpcaseUnits())

	return vb
}

func mountTestVolume(vb *volumeBuilder) (*Volume, error) {
	return Mount(vb.build(), "")
}

// countingReader counts ReadAt calls that land inside a byte range,
// serving the no-FAT-reads assertions.
type countingReader struct {
	r *bytes.Reader

	mutex sync.Mutex

	rangeStart int64
	rangeEnd   int64
	count      int
}

func (cr *countingReader) ReadAt(p []byte, off int64) (n int, err error) {
	cr.mutex.Lock()
	if off < cr.rangeEnd && off+int64(len(p)) > cr.rangeStart {
		cr.count++
	}
	cr.mutex.Unlock()

	return cr.r.ReadAt(p, off)
}

func (cr *countingReader) resetCount() {
	cr.mutex.Lock()
	cr.count = 0
	cr.mutex.Unlock()
}

func (cr *countingReader) reads() int {
	cr.mutex.Lock()
	defer cr.mutex.Unlock()

	return cr.count
}
