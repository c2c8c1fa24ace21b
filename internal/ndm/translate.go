package ndm

// xlateEntry is one slot of the two-slot virtual->physical translation
// cache (spec.md §4.1.5).
type xlateEntry struct {
	valid bool
	vbn   int
	pbn   int
}

// PhysicalBlockOf resolves a virtual block number to its current physical
// block (spec.md §4.1.5). It is invalidated whenever running_bad changes.
func (e *Engine) PhysicalBlockOf(v int) int {
	if e.readCache.valid && e.readCache.vbn == v {
		return e.readCache.pbn
	}
	p := e.physicalBlockOfUncached(v)
	e.readCache = xlateEntry{valid: true, vbn: v, pbn: p}
	return p
}

// PhysicalBlockOfForWrite is identical to PhysicalBlockOf but uses (and
// updates) the write-side cache slot, matching the spec's "last-read-vbn
// and last-write-vbn" two-slot design.
func (e *Engine) PhysicalBlockOfForWrite(v int) int {
	if e.writeCache.valid && e.writeCache.vbn == v {
		return e.writeCache.pbn
	}
	p := e.physicalBlockOfUncached(v)
	e.writeCache = xlateEntry{valid: true, vbn: v, pbn: p}
	return p
}

func (e *Engine) physicalBlockOfUncached(v int) int {
	p := v
	for i, ib := range e.state.InitialBad {
		if ib <= p+i {
			p++
		} else {
			break
		}
	}
	// A single linear pass resolves chains because entries are appended in
	// creation order: if A->B then B->C, the B->C entry appears later in
	// the slice and is still seen once p has advanced to B (spec.md
	// §4.1.5 step 3).
	for _, entry := range e.state.RunningBad {
		if entry.From == p {
			p = entry.To
		}
	}
	return p
}

// invalidateXlateCache clears both cache slots; called whenever
// running_bad[] changes (spec.md §4.1.6 step 1).
func (e *Engine) invalidateXlateCache() {
	e.readCache = xlateEntry{}
	e.writeCache = xlateEntry{}
}
