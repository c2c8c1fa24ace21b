package ftln

import (
	"github.com/zhukovaskychina/goftl/internal/driver"
	"github.com/zhukovaskychina/goftl/logger"
)

// readWearLimit is the per-block read count above which a live page is
// proactively copied to a fresh block rather than left to accumulate more
// read disturb (spec.md §4.3 "read-disturb wear leveling").
const readWearLimit = 3000

// Read copies the current contents of count consecutive virtual pages
// starting at firstVPN into buf, one page's worth per vpn in order
// (spec.md §4.3 read_pages(first_vpn, count, out_buffer)). A vpn that has
// never been written reads back as an erased (all 0xFF) page, matching the
// NAND erase pattern rather than zero (spec.md §8.2 "unmapped read").
func (v *Volume) Read(firstVPN, count int, buf []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.mounted {
		return wrap("Read", ErrNotMounted)
	}
	if v.fatal {
		return wrap("Read", ErrFatal)
	}
	if count <= 0 || firstVPN < 0 || firstVPN+count > v.lay.numVpages {
		return wrap("Read", ErrOutOfRange)
	}
	if len(buf) < count*v.lay.pageSize {
		return wrap("Read", ErrOutOfRange)
	}

	for i := 0; i < count; i++ {
		page := buf[i*v.lay.pageSize : (i+1)*v.lay.pageSize]
		if err := v.readOne(firstVPN+i, page); err != nil {
			return err
		}
	}
	return nil
}

// readOne performs the single-vpage core of Read.
func (v *Volume) readOne(vpn int, buf []byte) error {
	mp, entry := v.lay.mpnOf(vpn)
	entries, err := v.cache.Get(mp)
	if err != nil {
		return wrap("Read", err)
	}
	ppnField := entries.Values[entry]
	if ppnField == unmapped {
		for i := range buf {
			buf[i] = 0xFF
		}
		return nil
	}
	addr := v.decodeAddr(ppnField)
	data, _, res, err := v.readPageRaw(addr)
	if err != nil {
		return wrap("Read", err)
	}
	v.counters.Reads++
	switch res {
	case driver.ResultUncorrectable:
		v.counters.UncorrectableECC++
		return wrap("Read", ErrUncorrectable)
	case driver.ResultUnsafeECC:
		v.counters.UnsafeECC++
		logger.Warnf("ftln: unsafe ECC on vpn=%d at vbn=%d off=%d, scheduling wear move", vpn, addr.vbn, addr.off)
		v.scheduleReadWearMove(addr)
	}
	copy(buf, data)

	v.blocks[addr.vbn].st.BumpReadCount()
	if v.blocks[addr.vbn].st.ReadCount() >= readWearLimit {
		v.scheduleReadWearMove(addr)
	}
	return nil
}

// scheduleReadWearMove relocates every still-live page out of a block that
// has accumulated too many reads, then lets it re-enter the free pool
// through the normal recycle path on its next turn (spec.md §4.3). The
// move happens synchronously since the module has no background worker.
func (v *Volume) scheduleReadWearMove(at pageAddr) {
	if v.readOnly {
		return
	}
	b := at.vbn
	if v.blocks[b].st.Free() || b == v.curVolBlk || b == v.curMapBlk {
		return
	}
	if err := v.relocateBlockContents(b); err != nil {
		logger.Warnf("ftln: read-wear relocation of block %d failed: %v", b, err)
		return
	}
	v.counters.ReadWearMoves++
	v.blocks[b].st.SetReadCount(0)
}
