// Directory parsing: a single streaming driver that reassembles multi-chunk
// entry sets across block boundaries and hands each complete set to a
// consumer, plus the three consumers built on it (rootdir scan, lookup,
// readdir).

package exfat

import (
	"github.com/dsoprea/go-logging"
)

// parseData is one complete entry set: size bytes starting at bufOffset in
// bufs[0], continuing through the following buffers. blocknrs records the
// device block behind each buffer; blocknrs[0] plus bufOffset is the
// entry's identity.
type parseData struct {
	size int

	bufs      [][]byte
	blocknrs  []uint64
	bufOffset int
}

// parseIter walks an entry set chunk by chunk.
type parseIter struct {
	pd *parseData

	left      int
	bufIndex  int
	bufOffset int
}

// firstChunk positions the iterator on the primary chunk and returns it.
func (pd *parseData) firstChunk(it *parseIter) []byte {
	it.pd = pd
	it.left = pd.size - chunkSize
	it.bufIndex = 0
	it.bufOffset = pd.bufOffset

	return pd.bufs[0][pd.bufOffset : pd.bufOffset+chunkSize]
}

// nextChunk returns the following chunk, crossing into the next buffer when
// the current one is exhausted, or nil after the last chunk.
func (it *parseIter) nextChunk() []byte {
	if it.left < chunkSize {
		return nil
	}

	it.left -= chunkSize
	it.bufOffset += chunkSize

	if it.bufOffset >= len(it.pd.bufs[it.bufIndex]) {
		it.bufIndex++
		it.bufOffset = 0
	}

	return it.pd.bufs[it.bufIndex][it.bufOffset : it.bufOffset+chunkSize]
}

type parseResult int

const (
	parseNext parseResult = iota
	parseStop
)

// parseConsumer receives complete entry sets. pos is the directory-relative
// byte position of the primary chunk.
type parseConsumer interface {
	parse(dir *Inode, pos int64, pd *parseData) (parseResult, error)
}

// parseDir streams the directory at *ppos through the consumer, advancing
// *ppos as entry sets are consumed. On parseStop, *ppos is left at the
// primary chunk of the set that stopped the scan.
func (vol *Volume) parseDir(dir *Inode, ppos *int64, consumer parseConsumer) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if vol.isPanicked() == true {
		log.Panic(ErrIO)
	}

	blocksize := int64(vol.blockSize)
	lastIBlock := uint64(dir.size) >> vol.blockBits

	if dir.size&(blocksize-1) != 0 {
		log.Panic(vol.fsPanic("invalid directory size (size %d)", dir.size))
	}

	pos := *ppos

	var pd parseData
	var blocknr uint64

	blocks := uint64(0)
	deLeft := 0
	stopped := false

	for stopped == false && pos < dir.size {
		if blocks == 0 {
			iblock := uint64(pos) >> vol.blockBits

			blocknr, blocks, err = vol.getBlock(dir, iblock, lastIBlock-iblock)
			log.PanicIf(err)
		}

		data, err := vol.dev.ReadBlock(blocknr)
		log.PanicIf(err)

		offset := int(pos & (blocksize - 1))

		if deLeft > 0 {
			// Tail of an entry set that began in an earlier block. The
			// set's start is block-aligned-out, so offset is zero here.
			pd.bufs = append(pd.bufs, data)
			pd.blocknrs = append(pd.blocknrs, blocknr)

			n := minInt(deLeft, int(blocksize))
			deLeft -= n
			offset = n
			pos += int64(n)

			if deLeft > 0 {
				*ppos = pos
				blocknr++
				blocks--

				continue
			}

			ret, cerr := consumer.parse(dir, pos-int64(pd.size), &pd)
			if ret != parseNext || cerr != nil {
				pos -= int64(pd.size)
				stopped = true

				log.PanicIf(cerr)
			}

			pd = parseData{}
		}

		for stopped == false && offset < int(blocksize) && pos < dir.size {
			entryType := EntryType(data[offset])

			if entryType.IsEndOfDirectory() == true {
				pos = dir.size
				break
			} else if entryType.IsInUse() == false {
				offset += chunkSize
				pos += chunkSize

				continue
			}

			chunks := 1
			if entryType == typeDirent {
				chunks = 1 + int(data[offset+1])
			}

			deLeft = chunks << chunkBits

			pd = parseData{
				size:      deLeft,
				bufs:      [][]byte{data},
				blocknrs:  []uint64{blocknr},
				bufOffset: offset,
			}

			n := minInt(deLeft, int(blocksize)-offset)
			deLeft -= n
			offset += n
			pos += int64(n)

			if deLeft > 0 {
				// The set continues into the next block.
				break
			}

			ret, cerr := consumer.parse(dir, pos-int64(pd.size), &pd)
			if ret != parseNext || cerr != nil {
				pos -= int64(pd.size)
				stopped = true

				log.PanicIf(cerr)
			}

			pd = parseData{}
		}

		*ppos = pos

		blocknr++
		blocks--
	}

	*ppos = pos

	return nil
}

// rootdirParseData collects the locations of the system entries that only
// the root directory carries.
type rootdirParseData struct {
	bitmapClusnr uint32
	bitmapSize   uint64

	upcaseChecksum uint32
	upcaseClusnr   uint32
	upcaseSize     uint64

	label string
}

func (rp *rootdirParseData) parse(dir *Inode, pos int64, pd *parseData) (result parseResult, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	var it parseIter
	chunk := pd.firstChunk(&it)

	switch EntryType(chunk[0]) {
	case typeBitmap:
		if rp.bitmapClusnr != 0 {
			exfatLogger.Warningf(nil, "found another free space bitmap, ignored")
			break
		}

		var bitmap chunkBitmap

		err = parseChunk(chunk, &bitmap)
		log.PanicIf(err)

		rp.bitmapClusnr = bitmap.Clusnr
		rp.bitmapSize = bitmap.Size

	case typeUpcase:
		if rp.upcaseClusnr != 0 {
			exfatLogger.Warningf(nil, "found another upper-case table, ignored")
			break
		}

		var upcase chunkUpcase

		err = parseChunk(chunk, &upcase)
		log.PanicIf(err)

		rp.upcaseChecksum = upcase.Checksum
		rp.upcaseClusnr = upcase.Clusnr
		rp.upcaseSize = upcase.Size

	case typeLabel:
		var label chunkLabel

		err = parseChunk(chunk, &label)
		log.PanicIf(err)

		rp.label = label.DecodedLabel()
	}

	return parseNext, nil
}

// lookupParseData matches entry sets against an already upper-cased and
// hashed UCS-2 query.
type lookupParseData struct {
	vol *Volume

	units []uint16
	hash  uint16

	inode *Inode
}

func (lp *lookupParseData) parse(dir *Inode, pos int64, pd *parseData) (result parseResult, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	vol := lp.vol

	var it parseIter
	chunk := pd.firstChunk(&it)

	if EntryType(chunk[0]) != typeDirent {
		return parseNext, nil
	}

	var dirent chunkDirent

	err = parseChunk(chunk, &dirent)
	log.PanicIf(err)

	csum := entrySetChecksum16(0, chunk, true)

	chunk = it.nextChunk()
	if chunk == nil || EntryType(chunk[0]) != typeData {
		return parseNext, nil
	}

	var data chunkData

	err = parseChunk(chunk, &data)
	log.PanicIf(err)

	if int(data.NameLen) != len(lp.units) {
		return parseNext, nil
	}

	if data.Hash != lp.hash {
		return parseNext, nil
	}

	csum = entrySetChecksum16(csum, chunk, false)

	// The name itself, 15 code units per chunk, upper-cased on the fly.

	wpos := 0
	for nameLeft := int(data.NameLen); nameLeft > 0; {
		chunk = it.nextChunk()
		if chunk == nil || EntryType(chunk[0]) != typeName {
			return parseNext, nil
		}

		n := minInt(nameLeft, chunkNameUnits)
		for i := 0; i < n; i++ {
			uc := defaultEncoding.Uint16(chunk[2+i*2:])
			if lp.units[wpos+i] != vol.towupper(uc) {
				return parseNext, nil
			}
		}

		wpos += n
		nameLeft -= n

		csum = entrySetChecksum16(csum, chunk, false)
	}

	// Checksum of the remaining chunks (not necessarily NAME chunks).
	for {
		chunk = it.nextChunk()
		if chunk == nil {
			break
		}

		if EntryType(chunk[0]).IsSecondary() == false {
			return parseNext, nil
		}

		csum = entrySetChecksum16(csum, chunk, false)
	}

	if dirent.Checksum != csum {
		log.Panic(vol.fsPanic("checksum failed for directory entry in lookup (0x%04x != 0x%04x)",
			dirent.Checksum, csum))
	}

	lp.inode = vol.iget(pd, &dirent, &data)

	return parseStop, nil
}

// FillFunc receives one directory entry per call during ReadDir. offset is
// the directory-relative position of the entry, usable to resume a listing.
// Returning false stops the enumeration.
type FillFunc func(name string, ino uint64, offset int64, isDir bool) bool

// readdirParseData decodes every valid entry set and forwards it to the
// user's fill callback.
type readdirParseData struct {
	vol *Volume

	fill FillFunc
}

func (rp *readdirParseData) parse(dir *Inode, pos int64, pd *parseData) (result parseResult, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	vol := rp.vol

	var it parseIter
	chunk := pd.firstChunk(&it)

	if EntryType(chunk[0]) != typeDirent {
		return parseNext, nil
	}

	var dirent chunkDirent

	err = parseChunk(chunk, &dirent)
	log.PanicIf(err)

	csum := entrySetChecksum16(0, chunk, true)

	chunk = it.nextChunk()
	if chunk == nil || EntryType(chunk[0]) != typeData {
		return parseNext, nil
	}

	var data chunkData

	err = parseChunk(chunk, &data)
	log.PanicIf(err)

	csum = entrySetChecksum16(csum, chunk, false)

	units := make([]uint16, 0, data.NameLen)
	for nameLeft := int(data.NameLen); nameLeft > 0; {
		chunk = it.nextChunk()
		if chunk == nil || EntryType(chunk[0]) != typeName {
			return parseNext, nil
		}

		n := minInt(nameLeft, chunkNameUnits)
		for i := 0; i < n; i++ {
			units = append(units, defaultEncoding.Uint16(chunk[2+i*2:]))
		}

		nameLeft -= n

		csum = entrySetChecksum16(csum, chunk, false)
	}

	for {
		chunk = it.nextChunk()
		if chunk == nil {
			break
		}

		if EntryType(chunk[0]).IsSecondary() == false {
			return parseNext, nil
		}

		csum = entrySetChecksum16(csum, chunk, false)
	}

	if dirent.Checksum != csum {
		log.Panic(vol.fsPanic("checksum failed for directory entry in readdir (0x%04x != 0x%04x)",
			dirent.Checksum, csum))
	}

	name, err := vol.opts.nls.fromUCS2(units)
	log.PanicIf(err)

	var inoNr uint64
	if ino := vol.ilookup(pd.blocknrs[0], pd.bufOffset); ino != nil {
		inoNr = ino.ino
	} else {
		inoNr = vol.iunique()
	}

	if rp.fill(name, inoNr, pos, dirent.Attrib.IsDirectory()) == false {
		return parseStop, nil
	}

	return parseNext, nil
}

// Lookup resolves one name within the directory. The comparison is
// case-insensitive when the volume carries a usable upper-case table.
func (vol *Volume) Lookup(dir *Inode, name string) (ino *Inode, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if dir.IsDirectory() == false {
		log.Panic(ErrInvalidArgument)
	}

	units, err := vol.opts.nls.toUCS2(name)
	log.PanicIf(err)

	for i := range units {
		units[i] = vol.towupper(units[i])
	}

	lp := lookupParseData{
		vol:   vol,
		units: units,
		hash:  nameHash(units),
	}

	pos := int64(0)

	err = vol.parseDir(dir, &pos, &lp)
	log.PanicIf(err)

	if lp.inode == nil {
		log.Panic(ErrNotFound)
	}

	return lp.inode, nil
}

// ReadDir enumerates the directory from pos, which must be chunk-aligned
// (zero, or an offset previously handed to the fill callback). It returns
// the position the enumeration stopped at.
func (vol *Volume) ReadDir(dir *Inode, pos int64, fill FillFunc) (nextPos int64, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if dir.IsDirectory() == false {
		log.Panic(ErrInvalidArgument)
	}

	if pos&(chunkSize-1) != 0 {
		log.Panic(ErrInvalidArgument)
	}

	rp := readdirParseData{
		vol:  vol,
		fill: fill,
	}

	err = vol.parseDir(dir, &pos, &rp)
	log.PanicIf(err)

	return pos, nil
}
