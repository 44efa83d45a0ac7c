// The upper-case table: a run-length-encoded UCS-2 → UCS-2 case-folding
// map. The on-disk stream is 16-bit units; 0xffff introduces a hole and the
// following unit is the hole's length. Code points outside every decoded
// range fold to themselves.
//
// A volume whose table is missing or corrupt still mounts: names are then
// compared as stored. A broken table prevents correct writes, not reads.

package exfat

import (
	"github.com/dsoprea/go-logging"
)

const (
	maxUpcaseSize = 0x10000 * 2
	maxCode       = 0xffff
	upcaseHole    = 0xffff
)

type upcaseRange struct {
	start uint16
	end   uint16

	tbl []uint16
}

type upcaseTable struct {
	table []uint16

	ranges []upcaseRange
}

// towupper folds one code unit through the volume's upper-case table.
func (vol *Volume) towupper(wc uint16) uint16 {
	upcase := vol.upcase
	if upcase == nil {
		return wc
	}

	// The ranges are start-sorted and few; a linear scan with the early
	// break beats a binary search at these sizes.
	for i := range upcase.ranges {
		if wc < upcase.ranges[i].start {
			break
		}

		if wc > upcase.ranges[i].end {
			continue
		}

		return upcase.ranges[i].tbl[wc-upcase.ranges[i].start]
	}

	return wc
}

type upcaseSpan struct {
	start uint16
	len   uint16
}

// parseUpcaseTable decodes the RLE stream and verifies its checksum. Every
// failure is a downgrade: a warning, and the volume continues without case
// folding.
func (vol *Volume) parseUpcaseTable(ino *Inode, checksum uint32) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	raw, err := ino.readAll()
	log.PanicIf(err)

	csum := checksum32(0, raw)

	tbl := make([]uint16, 0, len(raw)/2)
	spans := make([]upcaseSpan, 0, 8)

	srcStart := uint16(0)
	srcLen := uint16(0)
	isHole := false
	overflow := false

	for i := 0; i+2 <= len(raw); i += 2 {
		uc := defaultEncoding.Uint16(raw[i:])
		left := len(raw) - i - 2

		if isHole == true {
			skipLen := uc

			if int(srcStart)+int(srcLen)+int(skipLen) > maxCode {
				overflow = true
				break
			}

			// A bogus empty range is dropped.
			if srcLen > 0 {
				spans = append(spans, upcaseSpan{srcStart, srcLen})
			}

			isHole = false

			srcStart += srcLen + skipLen
			srcLen = 0
		} else if uc == upcaseHole && left >= 2 {
			// The sentinel itself is not stored.
			isHole = true
		} else {
			tbl = append(tbl, uc)
			srcLen++
		}
	}

	if overflow == true {
		exfatLogger.Warningf(nil, "invalid upper-case table")
		return nil
	} else if checksum != csum {
		exfatLogger.Warningf(nil, "checksum failed for upper-case table (0x%08x != 0x%08x)",
			checksum, csum)
		return nil
	} else if len(spans) == 0 && srcLen == 0 {
		exfatLogger.Warningf(nil, "upper-case table is empty")
		return nil
	}

	if srcLen > 0 {
		spans = append(spans, upcaseSpan{srcStart, srcLen})
	}

	upcase := &upcaseTable{
		table:  tbl,
		ranges: make([]upcaseRange, len(spans)),
	}

	tblPos := uint32(0)
	for i, span := range spans {
		upcase.ranges[i] = upcaseRange{
			start: span.start,
			end:   span.start + span.len - 1,
			tbl:   tbl[tblPos : tblPos+uint32(span.len)],
		}

		tblPos += uint32(span.len)
	}

	vol.upcase = upcase

	return nil
}

// setupUpcase builds the case-folding table from the root directory's
// UPCASE entry.
func (vol *Volume) setupUpcase(checksum uint32, clusnr uint32, size uint64) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if clusnr == 0 {
		exfatLogger.Warningf(nil, "couldn't find upper-case table")
		return nil
	}

	if size > maxUpcaseSize {
		exfatLogger.Warningf(nil, "upper-case table size is too big")
		return nil
	}

	// A strange odd size is rounded down.
	size &^= 1

	if size == 0 {
		exfatLogger.Warningf(nil, "upper-case table size is zero")
		return nil
	}

	ino := vol.newInternalInode(upcaseIno, 0, clusnr, size)

	err = vol.parseUpcaseTable(ino, checksum)
	log.PanicIf(err)

	return nil
}
