package ftln

import (
	"encoding/binary"

	"github.com/OneOfOne/xxhash"

	"github.com/zhukovaskychina/goftl/internal/driver"
	"github.com/zhukovaskychina/goftl/internal/ftln/mapcache"
	"github.com/zhukovaskychina/goftl/logger"
)

// nextSeq returns the next monotonic write sequence number, used to
// disambiguate the newest copy of a map page (or the meta-page) when more
// than one physical copy survives a scan (spec.md §4.6 step 5).
func (v *Volume) nextSeq() uint32 {
	v.meta.sequence++
	return v.meta.sequence
}

// allocPage returns a fresh page address to write to, opening a new block
// from the free list when the current one (of the requested kind) is full
// or doesn't exist yet (spec.md §4.4 "block allocation").
func (v *Volume) allocPage(isMap bool) (pageAddr, error) {
	curBlk, curPage := &v.curVolBlk, &v.curVolPage
	if isMap {
		curBlk, curPage = &v.curMapBlk, &v.curMapPage
	}
	if *curBlk < 0 || *curPage >= v.lay.pagesPerBlock {
		b, err := v.popFreeBlock()
		if err != nil {
			return pageAddr{}, err
		}
		if err := v.eng.EraseBlock(b); err != nil {
			return pageAddr{}, wrap("allocPage", err)
		}
		v.blocks[b].wear++
		if v.blocks[b].wear > v.meta.highWear {
			v.meta.highWear = v.blocks[b].wear
		}
		v.blocks[b].st = newUsedBlock(isMap)
		*curBlk = b
		*curPage = 0
		v.metaDirty = true
	}
	addr := pageAddr{vbn: *curBlk, off: *curPage}
	*curPage++
	return addr, nil
}

// popFreeBlock pulls the head of the free-block FIFO, running the recycler
// if the pool has run dry (spec.md §4.5 "low space trigger").
func (v *Volume) popFreeBlock() (int, error) {
	if len(v.freeList) == 0 {
		if err := v.recycleOnce(); err != nil {
			return 0, err
		}
	}
	if len(v.freeList) == 0 {
		return 0, wrap("popFreeBlock", ErrNoFreeSpace)
	}
	b := v.freeList[0]
	v.freeList = v.freeList[1:]
	return b, nil
}

// ensureFreeBlocks tops up the free pool above the low-water mark before a
// write, so a single write never needs more than one recycle pass
// (spec.md §4.5).
func (v *Volume) ensureFreeBlocks() error {
	for len(v.freeList) < recycleHighWaterBlocks {
		before := len(v.freeList)
		if err := v.recycleOnce(); err != nil {
			if len(v.freeList) > 0 {
				return nil
			}
			return err
		}
		if len(v.freeList) == before {
			break
		}
	}
	return nil
}

// writePageRaw stamps a page's spare area and issues the write through the
// NDM engine, transparently surviving a relocation (spec.md §4.1.6 /
// §4.4).
func (v *Volume) writePageRaw(addr pageAddr, vpnField uint32, seq uint32, data []byte) error {
	spare := driver.NewSpareArea(v.cfg.NDM.Geometry.SpareSize)
	spare.SetVirtualPage(vpnField)
	spare.SetBlockCount(seq)
	spare.SetWearCount(v.blocks[addr.vbn].wear)
	spare.SetValidityMarker(driver.ValidMarker)
	spare.SetControlMark(driver.RegularPageMark)

	res, err := v.eng.WritePage(addr.vbn, addr.off, data, spare)
	if err != nil {
		v.fatal = true
		return err
	}
	if res == driver.ResultFatal {
		err := wrapFatal("writePageRaw", ErrFatal)
		v.fatal = true
		v.fatalErr = err
		return err
	}
	return nil
}

func (v *Volume) readPageRaw(addr pageAddr) ([]byte, driver.SpareArea, driver.PageResult, error) {
	data := make([]byte, v.cfg.NDM.Geometry.PageSize)
	spare := driver.NewSpareArea(v.cfg.NDM.Geometry.SpareSize)
	res, err := v.eng.ReadPage(addr.vbn, addr.off, data, spare)
	if err != nil {
		v.fatal = true
		return nil, nil, res, err
	}
	if res == driver.ResultFatal {
		err := wrapFatal("readPageRaw", ErrFatal)
		v.fatal = true
		v.fatalErr = err
		return nil, nil, res, err
	}
	return data, spare, res, nil
}

// encodeMapEntries / decodeMapEntries pack a map page's logical contents
// (a sequence header, an xxhash64 checksum of the entry table, then
// mappingsPerMpg little-endian uint32 entries) into/out of a raw page
// buffer.
func (v *Volume) encodeMapEntries(e mapcache.Entries) []byte {
	buf := make([]byte, v.lay.pageSize)
	binary.LittleEndian.PutUint32(buf, e.Sequence)
	off := entryHeaderBytes
	for _, val := range e.Values {
		binary.LittleEndian.PutUint32(buf[off:], val)
		off += mapEntrySize
	}
	binary.LittleEndian.PutUint64(buf[seqHeaderBytes:], xxhash.Checksum64(buf[entryHeaderBytes:]))
	return buf
}

// decodeMapEntries decodes buf's entry table and verifies its checksum,
// returning ErrUncorrectable if the stored and computed checksums disagree
// (a corruption the driver's own ECC didn't catch).
func (v *Volume) decodeMapEntries(buf []byte) (mapcache.Entries, error) {
	e := mapcache.Entries{
		Sequence: binary.LittleEndian.Uint32(buf),
		Values:   make([]uint32, v.lay.mappingsPerMpg),
	}
	want := binary.LittleEndian.Uint64(buf[seqHeaderBytes:])
	got := xxhash.Checksum64(buf[entryHeaderBytes:])
	if want != got {
		return mapcache.Entries{}, wrap("decodeMapEntries", ErrUncorrectable)
	}
	off := entryHeaderBytes
	for i := range e.Values {
		e.Values[i] = binary.LittleEndian.Uint32(buf[off:])
		off += mapEntrySize
	}
	return e, nil
}

func unmappedEntries(lay layout) mapcache.Entries {
	e := mapcache.Entries{Values: make([]uint32, lay.mappingsPerMpg)}
	for i := range e.Values {
		e.Values[i] = unmapped
	}
	return e
}

// loadMapPage is the mapcache.Cache LoadFunc: a never-written map page
// decodes to all-unmapped, matching a freshly formatted volume.
func (v *Volume) loadMapPage(mapPage int) (mapcache.Entries, error) {
	addr := v.mapLoc[mapPage]
	if !addr.valid() {
		return unmappedEntries(v.lay), nil
	}
	data, _, res, err := v.readPageRaw(addr)
	if err != nil {
		return mapcache.Entries{}, err
	}
	if res == driver.ResultUncorrectable {
		logger.Warnf("ftln: uncorrectable ECC on map page %d at vbn=%d off=%d", mapPage, addr.vbn, addr.off)
		return mapcache.Entries{}, wrap("loadMapPage", ErrUncorrectable)
	}
	entries, err := v.decodeMapEntries(data)
	if err != nil {
		logger.Warnf("ftln: checksum mismatch on map page %d at vbn=%d off=%d", mapPage, addr.vbn, addr.off)
		return mapcache.Entries{}, err
	}
	return entries, nil
}

// flushMapPage is the mapcache.Cache FlushFunc: it writes the page to a
// fresh location (log-structured, never in place) and retires the old
// copy's liveness both by dropping the stale mapLoc reference and by
// decrementing the old location's block used-page count, so a map block
// holding only superseded copies becomes reclaimable (spec.md §3.3/§8.1
// num_used_pages invariant).
func (v *Volume) flushMapPage(mapPage int, entries mapcache.Entries) error {
	if err := v.ensureFreeBlocks(); err != nil {
		return err
	}
	addr, err := v.allocPage(true)
	if err != nil {
		return err
	}
	seq := v.nextSeq()
	entries.Sequence = seq
	if err := v.writePageRaw(addr, mapFlag|uint32(mapPage), seq, v.encodeMapEntries(entries)); err != nil {
		return err
	}
	old := v.mapLoc[mapPage]
	v.mapLoc[mapPage] = addr
	v.blocks[addr.vbn].st.IncUsed()
	if old.valid() {
		v.blocks[old.vbn].st.DecUsed()
	}
	return nil
}
