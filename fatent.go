// FAT entry access. A walker holds one cached block and reuses it across
// successive reads that land in the same FAT block; anything smarter is the
// block layer's business.

package exfat

import (
	"github.com/dsoprea/go-logging"
)

type fatEnt struct {
	vol *Volume

	buf     []byte
	blocknr uint64
	loaded  bool
}

func (fe *fatEnt) release() {
	fe.buf = nil
	fe.loaded = false
}

// read returns FAT[clusnr] as a 32-bit value.
func (fe *fatEnt) read(clusnr uint32) (next uint32, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	vol := fe.vol
	blocknr := vol.fatBlocknr + uint64(clusnr>>vol.fpbBits)

	if fe.loaded == false || fe.blocknr != blocknr {
		if fe.buf == nil {
			fe.buf = make([]byte, vol.blockSize)
		}

		err = vol.dev.ReadBlockInto(fe.buf, blocknr)
		log.PanicIf(err)

		fe.blocknr = blocknr
		fe.loaded = true
	}

	slot := clusnr & (vol.fpb - 1)

	return defaultEncoding.Uint32(fe.buf[slot<<entBits:]), nil
}

// validClusnr indicates whether clusnr addresses a data cluster of this
// volume.
func (vol *Volume) validClusnr(clusnr uint32) bool {
	return clusnr-startEnt < vol.totalClusters
}
