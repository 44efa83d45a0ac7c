// Per-inode extent cache: a small LRU of contiguous cluster runs, guarded
// by a generation id so that a future truncate path can invalidate
// in-flight resolver results without additional locking.

package exfat

import (
	"container/list"
)

// maxExtentCaches bounds the number of cached extents per inode. This must
// be > 0.
const maxExtentCaches = 8

// cacheIDValid is the sentinel generation: a cacheID stamped with it is
// accepted unconditionally. The inode's live generation never equals it.
const cacheIDValid = 0

// extent is one cached run: file clusters iclusnr..iclusnr+len-1 live in
// disk clusters clusnr..clusnr+len-1.
type extent struct {
	iclusnr uint32
	clusnr  uint32
	len     uint32
}

// cacheID is a caller-held snapshot of an extent plus the generation it was
// taken under.
type cacheID struct {
	id      uint32
	iclusnr uint32
	clusnr  uint32
	len     uint32
}

func (cid *cacheID) init(iclusnr, clusnr uint32) {
	cid.id = cacheIDValid
	cid.iclusnr = iclusnr
	cid.clusnr = clusnr
	cid.len = 1
}

// contiguous indicates whether clusnr directly extends the run.
func (cid *cacheID) contiguous(clusnr uint32) bool {
	return cid.clusnr+cid.len == clusnr
}

func (ino *Inode) cacheInodeInit() {
	ino.cacheLru = list.New()
	ino.nrCaches = 0
	ino.cacheValidID = cacheIDValid + 1
}

// cacheLookup finds the cached extent with the greatest iclusnr at or below
// the requested one. The search short-circuits on a covering hit. The hit
// is promoted to the LRU head and snapshotted, together with the inode's
// current generation, into cid.
func (ino *Inode) cacheLookup(iclusnr uint32, cid *cacheID) bool {
	ino.cacheMutex.Lock()
	defer ino.cacheMutex.Unlock()

	var hit *list.Element

	for e := ino.cacheLru.Front(); e != nil; e = e.Next() {
		p := e.Value.(*extent)

		// Find the cache of iclusnr, or the nearest one below it.
		if p.iclusnr <= iclusnr {
			if hit == nil || hit.Value.(*extent).iclusnr < p.iclusnr {
				hit = e
				if iclusnr < p.iclusnr+p.len {
					break
				}
			}
		}
	}

	if hit == nil {
		return false
	}

	ino.cacheLru.MoveToFront(hit)

	p := hit.Value.(*extent)

	cid.id = ino.cacheValidID
	cid.iclusnr = p.iclusnr
	cid.clusnr = p.clusnr
	cid.len = p.len

	return true
}

// cacheMerge finds an entry describing the same part of the chain as newID
// and widens it. Caller holds the cache lock.
func (ino *Inode) cacheMerge(newID *cacheID) *list.Element {
	for e := ino.cacheLru.Front(); e != nil; e = e.Next() {
		p := e.Value.(*extent)
		if p.iclusnr == newID.iclusnr && p.clusnr == newID.clusnr {
			if newID.len > p.len {
				p.len = newID.len
			}

			return e
		}
	}

	return nil
}

// cacheAdd inserts the extent described by newID, evicting the LRU tail
// when the cache is full. An extent stamped with a generation other than
// the inode's current one was captured before an invalidation and is
// dropped silently. The head of the chain with fewer than two clusters is
// never cached; reseeding from the inode is as cheap as the lookup would
// be.
func (ino *Inode) cacheAdd(newID *cacheID) {
	if newID.iclusnr == 0 && newID.len < 2 {
		return
	}

	ino.cacheMutex.Lock()
	defer ino.cacheMutex.Unlock()

	if newID.id != cacheIDValid && newID.id != ino.cacheValidID {
		// This cache was invalidated.
		return
	}

	if e := ino.cacheMerge(newID); e != nil {
		ino.cacheLru.MoveToFront(e)
		return
	}

	var p *extent

	if ino.nrCaches < maxExtentCaches {
		ino.nrCaches++

		p = new(extent)
		ino.cacheLru.PushFront(p)
	} else {
		e := ino.cacheLru.Back()
		ino.cacheLru.MoveToFront(e)

		p = e.Value.(*extent)
	}

	p.iclusnr = newID.iclusnr
	p.clusnr = newID.clusnr
	p.len = newID.len
}

// cacheInval drops every cached extent and advances the generation, so that
// any snapshot taken before now is refused by cacheAdd.
func (ino *Inode) cacheInval() {
	ino.cacheMutex.Lock()
	defer ino.cacheMutex.Unlock()

	ino.cacheLru.Init()
	ino.nrCaches = 0

	ino.cacheValidID++
	if ino.cacheValidID == cacheIDValid {
		ino.cacheValidID++
	}
}
