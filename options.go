// Mount options. They arrive as a comma-separated option string and are
// immutable for the life of the mount; remount may only toggle read-only,
// which is meaningless here since no write support exists.

package exfat

import (
	"os"
	"strconv"
	"strings"

	"github.com/dsoprea/go-logging"
)

// MountOptions are the per-mount presentation settings.
type MountOptions struct {
	// UID and GID are reported as the owner of every object.
	UID uint32
	GID uint32

	// FMode and DMode are the permission bits reported for files and
	// directories.
	FMode os.FileMode
	DMode os.FileMode

	// NLS names the character set names are converted to and from.
	NLS string

	nls *nlsTable
}

func defaultMountOptions() MountOptions {
	return MountOptions{
		FMode: 0644,
		DMode: 0755,
		NLS:   defaultNlsName,
	}
}

// ParseMountOptions parses "uid=0,gid=0,fmode=0644,dmode=0755,nls=utf8".
// Missing keys take their defaults; anything unrecognized or malformed is
// ErrInvalidArgument.
func ParseMountOptions(optionString string) (opts MountOptions, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	opts = defaultMountOptions()

	if optionString == "" {
		opts.nls, err = loadNls(opts.NLS)
		log.PanicIf(err)

		return opts, nil
	}

	for _, p := range strings.Split(optionString, ",") {
		if p == "" {
			continue
		}

		key, value, found := strings.Cut(p, "=")
		if found == false {
			exfatLogger.Warningf(nil, "unrecognized mount option [%s] or missing value", p)
			log.Panic(ErrInvalidArgument)
		}

		switch key {
		case "uid":
			parsed, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				log.Panic(ErrInvalidArgument)
			}

			opts.UID = uint32(parsed)
		case "gid":
			parsed, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				log.Panic(ErrInvalidArgument)
			}

			opts.GID = uint32(parsed)
		case "fmode":
			parsed, err := strconv.ParseUint(value, 8, 32)
			if err != nil {
				log.Panic(ErrInvalidArgument)
			}

			opts.FMode = os.FileMode(parsed) & os.ModePerm
		case "dmode":
			parsed, err := strconv.ParseUint(value, 8, 32)
			if err != nil {
				log.Panic(ErrInvalidArgument)
			}

			opts.DMode = os.FileMode(parsed) & os.ModePerm
		case "nls":
			opts.NLS = value
		default:
			exfatLogger.Warningf(nil, "unrecognized mount option [%s] or missing value", p)
			log.Panic(ErrInvalidArgument)
		}
	}

	opts.nls, err = loadNls(opts.NLS)
	log.PanicIf(err)

	return opts, nil
}

// Remount revalidates an option string against the mounted options. No
// option may change across remount; the only permitted state change is the
// read-only toggle, and this volume is always read-only.
func (vol *Volume) Remount(optionString string) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	opts, err := ParseMountOptions(optionString)
	log.PanicIf(err)

	if opts.UID != vol.opts.UID || opts.GID != vol.opts.GID ||
		opts.FMode != vol.opts.FMode || opts.DMode != vol.opts.DMode ||
		opts.NLS != vol.opts.NLS {
		exfatLogger.Warningf(nil, "cannot change options on remount")
		log.Panic(ErrInvalidArgument)
	}

	return nil
}
