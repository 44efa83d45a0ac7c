// Conversion between the caller's character set and the UCS-2 code units
// stored on disk. The tables come from golang.org/x/text; UTF-8 needs no
// table at all.

package exfat

import (
	"unicode/utf16"
	"unicode/utf8"

	"github.com/dsoprea/go-logging"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

type nlsTable struct {
	name string

	// enc is nil for UTF-8.
	enc encoding.Encoding
}

var nlsEncodings = map[string]encoding.Encoding{
	"utf8":       nil,
	"iso8859-1":  charmap.ISO8859_1,
	"iso8859-2":  charmap.ISO8859_2,
	"iso8859-15": charmap.ISO8859_15,
	"cp437":      charmap.CodePage437,
	"cp850":      charmap.CodePage850,
	"cp866":      charmap.CodePage866,
	"cp1251":     charmap.Windows1251,
	"cp1252":     charmap.Windows1252,
}

const defaultNlsName = "utf8"

func loadNls(name string) (nls *nlsTable, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	enc, found := nlsEncodings[name]
	if found == false {
		exfatLogger.Warningf(nil, "couldn't load nls [%s]", name)
		log.Panic(ErrInvalidArgument)
	}

	nls = &nlsTable{
		name: name,
		enc:  enc,
	}

	return nls, nil
}

// toUCS2 converts a name from the mounted character set into UCS-2 code
// units, bounded by the on-disk name-length limit.
func (nls *nlsTable) toUCS2(name string) (units []uint16, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if len(name) == 0 {
		log.Panic(ErrInvalidName)
	}

	decoded := name
	if nls.enc != nil {
		decoded, err = nls.enc.NewDecoder().String(name)
		if err != nil {
			log.Panic(ErrInvalidName)
		}
	}

	if utf8.ValidString(decoded) == false {
		log.Panic(ErrInvalidName)
	}

	units = utf16.Encode([]rune(decoded))
	if len(units) > MaxNameLen {
		log.Panic(ErrNameTooLong)
	}

	return units, nil
}

// fromUCS2 converts stored code units back into the mounted character set.
func (nls *nlsTable) fromUCS2(units []uint16) (name string, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	decoded := string(utf16.Decode(units))

	if nls.enc == nil {
		return decoded, nil
	}

	name, err = nls.enc.NewEncoder().String(decoded)
	if err != nil {
		exfatLogger.Warningf(nil, "invalid char in file name for nls [%s]", nls.name)
		log.Panic(ErrInvalidName)
	}

	return name, nil
}
