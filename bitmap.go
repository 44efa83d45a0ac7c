// The free-space bitmap: one bit per cluster, little-endian bit order
// within each byte, read once at mount to compute the free-cluster count.
// It is never written here.

package exfat

import (
	"math/bits"

	bmap "github.com/boljen/go-bitmap"
	"github.com/dsoprea/go-logging"
)

// countUsedBits counts the set bits among the first nbits bits of the
// little-endian bit array.
func countUsedBits(data []byte, nbits uint32) uint32 {
	used := uint32(0)

	whole := nbits / 8
	for _, b := range data[:whole] {
		used += uint32(bits.OnesCount8(b))
	}

	if rem := nbits % 8; rem > 0 {
		used += uint32(bits.OnesCount8(data[whole] & (1<<rem - 1)))
	}

	return used
}

// setupBitmap loads the allocation bitmap found by the rootdir scan and
// derives the free-cluster count. A missing or undersized bitmap fails the
// mount.
func (vol *Volume) setupBitmap(clusnr uint32, size uint64) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if clusnr == 0 {
		exfatLogger.Warningf(nil, "free space bitmap isn't available")
		log.Panic(ErrCorrupted)
	}

	if size < uint64((vol.totalClusters+7)/8) {
		exfatLogger.Warningf(nil, "free space bitmap is too small")
		log.Panic(ErrCorrupted)
	}

	ino := vol.newInternalInode(bitmapIno, 0, clusnr, size)

	data, err := ino.readAll()
	log.PanicIf(err)

	usedBits := countUsedBits(data, vol.totalClusters)

	vol.freeClusters = vol.totalClusters - usedBits
	vol.bitmapInode = ino
	vol.bitmap = bmap.Bitmap(data)

	return nil
}

// IsClusterInUse reports the allocation state of one data cluster, straight
// from the bitmap loaded at mount.
func (vol *Volume) IsClusterInUse(clusnr uint32) (inUse bool, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if vol.validClusnr(clusnr) == false {
		log.Panic(ErrInvalidArgument)
	}

	return vol.bitmap.Get(int(clusnr - startEnt)), nil
}

// FreeClusters returns the free-cluster count computed at mount.
func (vol *Volume) FreeClusters() uint32 {
	return vol.freeClusters
}
