package ftln

import (
	"github.com/zhukovaskychina/goftl/internal/driver"
	"github.com/zhukovaskychina/goftl/logger"
)

// GarbageCollect runs one recycle pass even if the free pool is above its
// low-water mark, for callers that want to proactively reclaim space or
// level wear ahead of a write burst (spec.md §6.2 GarbageCollect).
func (v *Volume) GarbageCollect() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.mounted {
		return wrap("GarbageCollect", ErrNotMounted)
	}
	if v.readOnly {
		return wrap("GarbageCollect", ErrReadOnly)
	}
	return v.recycleOnce()
}

// FormatAndLevel raises lagging blocks' wear toward the device's current
// high-water mark without discarding volume contents, unlike Format (which
// reinitializes the device from scratch and so trivially starts every
// block at equal wear). It repeatedly relocates and erases whichever
// in-use, non-open block lags the high-water mark the most, until no
// in-use block lags by more than one erase cycle (spec.md §6.2 FormatAndLevel,
// §8.3 scenario 8 "format resets wear"). Each levelled block is erased once
// and goes to the free list, and free blocks are never considered, so free
// blocks and blocks levelled in this call can still lag by more than one
// erase cycle when it returns.
func (v *Volume) FormatAndLevel() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.mounted {
		return wrap("FormatAndLevel", ErrNotMounted)
	}
	if v.readOnly {
		return wrap("FormatAndLevel", ErrReadOnly)
	}
	const tolerance = 1
	for {
		target, lag, ok := v.worstLaggingBlock()
		if !ok || lag <= tolerance {
			return nil
		}
		if err := v.levelBlock(target); err != nil {
			return wrap("FormatAndLevel", err)
		}
	}
}

// worstLaggingBlock finds the mounted, non-open block furthest behind the
// device's wear high-water mark.
func (v *Volume) worstLaggingBlock() (int, uint32, bool) {
	best := -1
	var bestLag uint32
	for b, rec := range v.blocks {
		if rec.st.Free() || b == v.curVolBlk || b == v.curMapBlk {
			continue
		}
		if v.meta.highWear <= rec.wear {
			continue
		}
		lag := v.meta.highWear - rec.wear
		if best == -1 || lag > bestLag {
			best, bestLag = b, lag
		}
	}
	if best == -1 {
		return 0, 0, false
	}
	return best, bestLag, true
}

// levelBlock relocates a lagging block's live contents and erases it, the
// same underlying erase-and-return-to-free-list step recycleOnce performs,
// but chosen purely by wear lag rather than by GC dead-page score.
func (v *Volume) levelBlock(b int) error {
	if v.blocks[b].st.NumUsedPages() > 0 {
		if err := v.relocateBlockContents(b); err != nil {
			return err
		}
	}
	if err := v.eng.EraseBlock(b); err != nil {
		return err
	}
	v.blocks[b].wear++
	if v.blocks[b].wear > v.meta.highWear {
		v.meta.highWear = v.blocks[b].wear
	}
	v.blocks[b].st = newFreeErasedBlock()
	v.freeList = append(v.freeList, b)
	v.metaDirty = true
	v.counters.Recycles++
	return nil
}

// recycleOnce selects the single best recycle victim, relocates any pages
// in it that are still live, erases it, and returns it to the free pool
// (spec.md §4.5). It is both FTL-N's garbage collector and its wear
// leveler: the victim-selection score is a block's dead-page count scaled
// up by how far its wear count lags the device high water mark, so cold
// data eventually migrates off low-wear blocks.
func (v *Volume) recycleOnce() error {
	victim, ok := v.pickVictim()
	if !ok {
		return nil
	}

	wasMap := v.blocks[victim].st.IsMapBlock()
	if v.blocks[victim].st.NumUsedPages() > 0 {
		if err := v.relocateBlockContents(victim); err != nil {
			return wrap("recycleOnce", err)
		}
	}

	if err := v.eng.EraseBlock(victim); err != nil {
		return wrap("recycleOnce", err)
	}

	v.blocks[victim].wear++
	if v.blocks[victim].wear > v.meta.highWear {
		v.meta.highWear = v.blocks[victim].wear
	}
	v.blocks[victim].st = newFreeErasedBlock()
	v.freeList = append(v.freeList, victim)
	v.metaDirty = true

	v.counters.Recycles++
	if wasMap {
		v.counters.MapRecycles++
	} else {
		v.counters.VolumeRecycles++
	}
	return nil
}

// pickVictim scores every non-open, non-free block and returns the
// highest scorer. A block with zero live pages scores as an immediate,
// zero-cost win since erasing it requires no relocation.
func (v *Volume) pickVictim() (int, bool) {
	best := -1
	var bestScore float64
	for b, rec := range v.blocks {
		if rec.st.Free() || b == v.curVolBlk || b == v.curMapBlk {
			continue
		}
		used := rec.st.NumUsedPages()
		if used == 0 {
			return b, true
		}
		dead := float64(v.lay.pagesPerBlock - used)
		wearFactor := 1.0
		if v.meta.highWear > 0 {
			lag := float64(v.meta.highWear) - float64(rec.wear)
			if lag < 0 {
				lag = 0
			}
			wearFactor = 1.0 + lag/float64(v.meta.highWear+1)
		}
		score := dead * wearFactor
		if best == -1 || score > bestScore {
			best = b
			bestScore = score
		}
	}
	if best == -1 {
		return 0, false
	}
	return best, true
}

// relocateBlockContents copies every page in block b that is still the
// current, live copy of its owning vpn or map page to a fresh location,
// leaving b with num_used_pages == 0 (spec.md §4.5 steps 2-4).
func (v *Volume) relocateBlockContents(b int) error {
	for off := 0; off < v.lay.pagesPerBlock; off++ {
		addr := pageAddr{vbn: b, off: off}
		data, spare, res, err := v.readPageRaw(addr)
		if err != nil {
			return err
		}
		if res == driver.ResultFatal {
			err := wrapFatal("relocateBlockContents", ErrFatal)
			v.fatal = true
			v.fatalErr = err
			return err
		}
		if spare == nil || isErasedSpare(spare) {
			continue
		}
		vpnField := spare.VirtualPage()
		if vpnField&mapFlag != 0 {
			if err := v.relocateLiveMapPage(vpnField&^mapFlag, addr); err != nil {
				return err
			}
			continue
		}
		if res == driver.ResultUncorrectable {
			logger.Warnf("ftln: dropping uncorrectable live page vpn=%d during recycle of block %d", vpnField, b)
			continue
		}
		if err := v.relocateLiveDataPage(vpnField, addr, data); err != nil {
			return err
		}
	}
	v.blocks[b].st.SetNumUsedPages(0)
	return nil
}

func isErasedSpare(s driver.SpareArea) bool {
	for _, bb := range s {
		if bb != 0xFF {
			return false
		}
	}
	return true
}

// relocateLiveDataPage moves vpn's data page if addr is still its
// authoritative location; a stale copy (superseded by a later write that
// hasn't reached this block yet in scan order) is silently dropped.
func (v *Volume) relocateLiveDataPage(vpn uint32, addr pageAddr, data []byte) error {
	mp, entry := v.lay.mpnOf(int(vpn))
	entries, err := v.cache.Get(mp)
	if err != nil {
		return err
	}
	if entries.Values[entry] != v.encodeAddr(addr) {
		return nil // superseded, dead
	}

	if err := v.ensureFreeBlocksForRecycle(); err != nil {
		return err
	}
	newAddr, err := v.allocPage(false)
	if err != nil {
		return err
	}
	if err := v.writePageRaw(newAddr, vpn, v.nextSeq(), data); err != nil {
		return err
	}

	entries.Values[entry] = v.encodeAddr(newAddr)
	if err := v.cache.Put(mp, entries); err != nil {
		return err
	}
	v.blocks[newAddr.vbn].st.IncUsed()
	return nil
}

// relocateLiveMapPage moves a map page if it is still its owner's
// authoritative copy. The canonical contents always come from the cache
// (which may hold a newer, not-yet-flushed version) rather than the bytes
// read off the victim block.
func (v *Volume) relocateLiveMapPage(mapPage uint32, addr pageAddr) error {
	mp := int(mapPage)
	if v.mapLoc[mp] != addr {
		return nil // superseded, dead
	}
	if err := v.ensureFreeBlocksForRecycle(); err != nil {
		return err
	}

	if mp == v.lay.metaMapPage() {
		newAddr, err := v.allocPage(true)
		if err != nil {
			return err
		}
		if err := v.writePageRaw(newAddr, mapFlag|mapPage, v.nextSeq(), v.encodeMeta()); err != nil {
			return err
		}
		old := v.mapLoc[mp]
		v.mapLoc[mp] = newAddr
		v.blocks[newAddr.vbn].st.IncUsed()
		if old.valid() {
			v.blocks[old.vbn].st.DecUsed()
		}
		return nil
	}

	entries, err := v.cache.Get(mp)
	if err != nil {
		return err
	}
	newAddr, err := v.allocPage(true)
	if err != nil {
		return err
	}
	seq := v.nextSeq()
	entries.Sequence = seq
	if err := v.writePageRaw(newAddr, mapFlag|mapPage, seq, v.encodeMapEntries(entries)); err != nil {
		return err
	}
	old := v.mapLoc[mp]
	v.mapLoc[mp] = newAddr
	v.blocks[newAddr.vbn].st.IncUsed()
	if old.valid() {
		v.blocks[old.vbn].st.DecUsed()
	}
	v.cache.MarkClean(mp)
	return nil
}

// ensureFreeBlocksForRecycle is ensureFreeBlocks without the recursive
// recycle call: when the free list is empty it returns ErrBlockRecycleBug
// instead of starting a second, nested recycle pass. recycleOnce does not
// check the free list before it starts (popFreeBlock calls it once the list
// is already empty), so a relocation in that state fails with this error.
func (v *Volume) ensureFreeBlocksForRecycle() error {
	if len(v.freeList) == 0 {
		return wrap("ensureFreeBlocksForRecycle", ErrBlockRecycleBug)
	}
	return nil
}
