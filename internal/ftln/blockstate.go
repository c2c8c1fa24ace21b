// Package ftln implements FTL-N, the log-structured translation layer
// built on top of ndm (spec.md §4.2-§4.6). It maps virtual pages to
// physical pages through a map-page hierarchy, performs copy-on-write
// updates, reclaims dirty space through a garbage collector that doubles
// as a wear leveler, caches map pages, and survives unexpected power loss.
package ftln

// blockState packs the four bdata[] bitfields into one 32-bit word
// (spec.md §3.3): bit 31 free, bit 30 erased-when-free/is-map-block-when-
// used, bits 29..20 num_used_pages, bits 19..0 read_count. Grounded on the
// teacher's buffer_state.go enum-based page state, generalized here to the
// spec's literal packed-bitfield layout per the §9 design note.
type blockState uint32

const (
	bitFree       = 31
	bitSecondFlag = 30 // erased (if free) / is_map_block (if used)
	usedShift     = 20
	usedMask      = 0x3FF // 10 bits: 29..20
	readCountMask = 0xFFFFF // 20 bits: 19..0
)

func (b blockState) Free() bool { return b&(1<<bitFree) != 0 }

func (b *blockState) SetFree(v bool) {
	if v {
		*b |= 1 << bitFree
	} else {
		*b &^= 1 << bitFree
	}
}

// Erased is only meaningful when Free() is true.
func (b blockState) Erased() bool { return b&(1<<bitSecondFlag) != 0 }

func (b *blockState) SetErased(v bool) {
	if v {
		*b |= 1 << bitSecondFlag
	} else {
		*b &^= 1 << bitSecondFlag
	}
}

// IsMapBlock is only meaningful when Free() is false.
func (b blockState) IsMapBlock() bool { return b&(1<<bitSecondFlag) != 0 }

func (b *blockState) SetIsMapBlock(v bool) {
	if v {
		*b |= 1 << bitSecondFlag
	} else {
		*b &^= 1 << bitSecondFlag
	}
}

func (b blockState) NumUsedPages() int {
	return int((b >> usedShift) & usedMask)
}

func (b *blockState) SetNumUsedPages(n int) {
	*b = (*b &^ (usedMask << usedShift)) | blockState((n&usedMask)<<usedShift)
}

// IncUsed increments the live-page count. free=1 excludes num_used>0 (§9
// design note); a free block must never have its used count bumped.
func (b *blockState) IncUsed() {
	if b.Free() {
		panic("ftln: IncUsed on a free block")
	}
	b.SetNumUsedPages(b.NumUsedPages() + 1)
}

// DecUsed decrements the live-page count, tolerating an already-empty
// block as a no-op rather than asserting (spec.md §9 open question: the
// source's FtlnDecUsed assertion is violated in the recycle-of-empty-block
// path; we tolerate it here instead of panicking).
func (b *blockState) DecUsed() {
	n := b.NumUsedPages()
	if n == 0 {
		return
	}
	b.SetNumUsedPages(n - 1)
}

func (b blockState) ReadCount() int {
	return int(b & readCountMask)
}

func (b *blockState) SetReadCount(n int) {
	if n > readCountMask {
		n = readCountMask
	}
	*b = (*b &^ readCountMask) | blockState(n)
}

func (b *blockState) BumpReadCount() {
	b.SetReadCount(b.ReadCount() + 1)
}

func newFreeErasedBlock() blockState {
	var b blockState
	b.SetFree(true)
	b.SetErased(true)
	return b
}

func newUsedBlock(isMap bool) blockState {
	var b blockState
	b.SetFree(false)
	b.SetIsMapBlock(isMap)
	return b
}
