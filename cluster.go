// Cluster-chain resolution: translating a file-relative cluster index into
// a contiguous run of on-disk clusters, through the extent cache and the
// FAT.

package exfat

import (
	"github.com/dsoprea/go-logging"
)

// clusMap is the result of a resolution: file clusters iclusnr..+len-1 are
// stored in disk clusters clusnr..+len-1. A len of zero with clusnr ==
// entEOF means the requested index is past the end of the chain, and
// iclusnr reports the chain's length.
type clusMap struct {
	iclusnr uint32
	clusnr  uint32
	len     uint32
}

func calcCmap(cmap *clusMap, cid *cacheID, iclusnr uint32) {
	offset := iclusnr - cid.iclusnr

	cmap.iclusnr = iclusnr
	cmap.clusnr = cid.clusnr + offset
	cmap.len = cid.len - offset
}

// getCluster resolves (iclusnr, clusLen) for the inode into cmap. The
// caller must guarantee the range is not being truncated concurrently.
func (vol *Volume) getCluster(ino *Inode, iclusnr, clusLen uint32, cmap *clusMap) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if vol.isPanicked() == true {
		log.Panic(ErrIO)
	}

	if ino.clusnr == 0 {
		log.Panicf("inode (%d) has no start cluster", ino.ino)
	}

	if ino.IsContiguous() == true {
		// The chain is guaranteed contiguous on disk and the FAT entries
		// for it are not valid; never walk them.
		cmap.iclusnr = iclusnr
		cmap.clusnr = ino.clusnr + iclusnr
		cmap.len = clusLen

		return nil
	}

	// Set up the start cluster to walk from.

	var cid cacheID

	if ino.cacheLookup(iclusnr, &cid) == false {
		cid.init(0, ino.clusnr)
	}

	clusnr := cid.clusnr + cid.len - 1

	// Walk the cluster chain.

	foundTarget := false

	fe := fatEnt{vol: vol}
	defer fe.release()

	for cid.iclusnr+cid.len < iclusnr+clusLen {
		// Once the target iclusnr is inside the run, keep walking only to
		// collect contiguous clusters.
		if foundTarget == false && iclusnr < cid.iclusnr+cid.len {
			foundTarget = true
		}

		clusnr, err = fe.read(clusnr)
		log.PanicIf(err)

		if clusnr == entEOF {
			ino.cacheAdd(&cid)

			// Special cmap: past end of chain.
			cmap.iclusnr = cid.iclusnr + cid.len
			cmap.clusnr = clusnr
			cmap.len = 0

			return nil
		} else if clusnr == entBad {
			exfatLogger.Warningf(nil, "found bad cluster entry (start cluster 0x%08x)", ino.clusnr)
			log.Panic(ErrIO)
		} else if vol.validClusnr(clusnr) == false {
			log.Panic(vol.fsPanic("found invalid cluster chain (start cluster 0x%08x, entry 0x%08x)",
				ino.clusnr, clusnr))
		}

		if cid.contiguous(clusnr) == true {
			cid.len++
		} else {
			if foundTarget == true {
				// The run covering the target ended at a discontiguity.
				calcCmap(cmap, &cid, iclusnr)
				ino.cacheAdd(&cid)

				cid.init(cid.iclusnr+cid.len, clusnr)
				ino.cacheAdd(&cid)

				return nil
			}

			cid.init(cid.iclusnr+cid.len, clusnr)
		}

		// Prevent the infinite loop of a cyclic cluster chain.
		if cid.iclusnr+cid.len > vol.totalClusters {
			log.Panic(vol.fsPanic("detected a cluster chain loop (start cluster 0x%08x)",
				ino.clusnr))
		}
	}

	calcCmap(cmap, &cid, iclusnr)
	ino.cacheAdd(&cid)

	return nil
}
