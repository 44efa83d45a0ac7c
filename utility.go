package exfat

import (
	"unicode/utf16"
)

// ucs2String decodes little-endian UCS-2 data. The unit count may include
// trailing NULs, which are skipped.
func ucs2String(raw []byte, unitCount int) string {
	units := make([]uint16, 0, unitCount)
	for i := 0; i < unitCount && i*2+1 < len(raw); i++ {
		u := uint16(raw[i*2]) | uint16(raw[i*2+1])<<8
		if u == 0 {
			continue
		}

		units = append(units, u)
	}

	return string(utf16.Decode(units))
}
