package ftln

// Write copies data into a run of count consecutive virtual pages starting
// at firstVPN; data holds count*PageSize() bytes laid out back-to-back, one
// page's worth per vpn in order (spec.md §4.4 write_pages(first_vpn, count,
// in_buffer)). Writes are never in place: each previous physical copy (if
// any) is simply abandoned and reclaimed later by the garbage collector.
func (v *Volume) Write(firstVPN, count int, data []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.mounted {
		return wrap("Write", ErrNotMounted)
	}
	if v.readOnly {
		return wrap("Write", ErrReadOnly)
	}
	if v.fatal {
		return wrap("Write", ErrFatal)
	}
	if count <= 0 || firstVPN < 0 || firstVPN+count > v.lay.numVpages {
		return wrap("Write", ErrOutOfRange)
	}
	if len(data) < count*v.lay.pageSize {
		return wrap("Write", ErrOutOfRange)
	}

	for i := 0; i < count; i++ {
		page := data[i*v.lay.pageSize : (i+1)*v.lay.pageSize]
		if err := v.writeOne(firstVPN+i, page); err != nil {
			return err
		}
	}
	return nil
}

// writeOne performs the single-vpage core of Write: allocate a fresh
// physical page, write it, and retire the vpn's previous physical copy.
func (v *Volume) writeOne(vpn int, data []byte) error {
	if err := v.ensureFreeBlocks(); err != nil {
		return wrap("Write", err)
	}

	mp, entry := v.lay.mpnOf(vpn)
	entries, err := v.cache.Get(mp)
	if err != nil {
		return wrap("Write", err)
	}

	addr, err := v.allocPage(false)
	if err != nil {
		return wrap("Write", err)
	}
	if err := v.writePageRaw(addr, uint32(vpn), v.nextSeq(), data); err != nil {
		return wrap("Write", err)
	}

	old := entries.Values[entry]
	entries.Values[entry] = v.encodeAddr(addr)
	if err := v.cache.Put(mp, entries); err != nil {
		return wrap("Write", err)
	}

	v.blocks[addr.vbn].st.IncUsed()
	if old != unmapped {
		oldAddr := v.decodeAddr(old)
		v.blocks[oldAddr.vbn].st.DecUsed()
	}
	v.counters.Writes++
	return nil
}

// Trim marks count consecutive virtual pages starting at firstVPN as
// unmapped without writing anything, releasing their physical pages for
// reclaim (spec.md §4.4 "Trim").
func (v *Volume) Trim(firstVPN, count int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.mounted {
		return wrap("Trim", ErrNotMounted)
	}
	if v.readOnly {
		return wrap("Trim", ErrReadOnly)
	}
	if count <= 0 || firstVPN < 0 || firstVPN+count > v.lay.numVpages {
		return wrap("Trim", ErrOutOfRange)
	}

	for vpn := firstVPN; vpn < firstVPN+count; vpn++ {
		if err := v.trimOne(vpn); err != nil {
			return err
		}
	}
	return nil
}

func (v *Volume) trimOne(vpn int) error {
	mp, entry := v.lay.mpnOf(vpn)
	entries, err := v.cache.Get(mp)
	if err != nil {
		return wrap("Trim", err)
	}
	old := entries.Values[entry]
	if old == unmapped {
		return nil
	}
	entries.Values[entry] = unmapped
	if err := v.cache.Put(mp, entries); err != nil {
		return wrap("Trim", err)
	}
	oldAddr := v.decodeAddr(old)
	v.blocks[oldAddr.vbn].st.DecUsed()
	v.counters.Trims++
	return nil
}
