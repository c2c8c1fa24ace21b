package ftln

import (
	"sync"

	"github.com/zhukovaskychina/goftl/internal/driver"
	"github.com/zhukovaskychina/goftl/internal/ftln/mapcache"
	"github.com/zhukovaskychina/goftl/internal/ndm"
	"github.com/zhukovaskychina/goftl/logger"
)

// mapFlag marks a spare area's virtual-page field as addressing a map page
// (or the meta-page) rather than a volume data page (spec.md §4.2, "map
// pages and volume pages share one log"). Set on the top bit since no
// realistic device geometry needs the full 31 remaining bits for either a
// page index or a map-page index.
const mapFlag uint32 = 0x80000000

// pageAddr is a location in NDM's virtual block address space: a block
// number the FTL-N layer addresses through ndm.Engine, plus a page offset
// within it.
type pageAddr struct {
	vbn int
	off int
}

func (p pageAddr) valid() bool { return p.vbn >= 0 }

var noAddr = pageAddr{vbn: -1, off: -1}

func (v *Volume) encodeAddr(a pageAddr) uint32 {
	return uint32(a.vbn*v.lay.pagesPerBlock + a.off)
}

func (v *Volume) decodeAddr(x uint32) pageAddr {
	return pageAddr{vbn: int(x) / v.lay.pagesPerBlock, off: int(x) % v.lay.pagesPerBlock}
}

// blockRec is the in-RAM per-block record (spec.md §3.3 bdata[] plus the
// wear count the source keeps in a parallel array).
type blockRec struct {
	st   blockState
	wear uint32
}

// Counters are cumulative operation counts surfaced through GetCounters
// (spec.md §6.2), grounded on the teacher's stats helper idiom.
type Counters struct {
	Reads            uint64
	Writes           uint64
	Trims            uint64
	Recycles         uint64
	VolumeRecycles   uint64
	MapRecycles      uint64
	ReadWearMoves    uint64
	UncorrectableECC uint64
	UnsafeECC        uint64
}

// Volume is the mounted FTL-N translator: the exposed client API of
// spec.md §6.2 (Mount/Unmount/Read/Write/Trim/GarbageCollect/...; there is
// no Init method, Format and Mount are package functions that return a Volume).
// One Volume wraps exactly one ndm.Engine.
type Volume struct {
	mu sync.Mutex

	eng *ndm.Engine
	cfg VolumeConfig
	lay layout

	blocks   []blockRec
	mapLoc   []pageAddr
	freeList []int

	curVolBlk, curVolPage int
	curMapBlk, curMapPage int

	meta  metaState
	cache *mapcache.Cache

	readOnly  bool
	mounted   bool
	fatal     bool
	fatalErr  error // the wrapFatal'd error that first tripped fatal, kept for diagnostics
	metaDirty bool  // wear table or free list changed since the meta-page was last persisted

	counters Counters
}

// metaState is the aggregate bookkeeping that cannot be recovered from a
// single page's spare area alone; it is refreshed into the meta-page on
// Flush/Unmount, and at Mount both fields are always rebuilt from the full
// page scan rather than read back from the meta-page (spec.md §4.6 step 6).
type metaState struct {
	sequence uint32
	highWear uint32
}

func newVolume(eng *ndm.Engine, cfg VolumeConfig) *Volume {
	geo := eng.Config().Geometry
	lay := computeLayout(geo.PagesPerBlock, geo.PageSize, eng.NumVirtualBlocks())
	v := &Volume{
		eng:       eng,
		cfg:       cfg,
		lay:       lay,
		blocks:    make([]blockRec, lay.numVirtualBlocks),
		mapLoc:    make([]pageAddr, lay.numMapPages),
		curVolBlk: -1,
		curMapBlk: -1,
	}
	for i := range v.mapLoc {
		v.mapLoc[i] = noAddr
	}
	v.cache = mapcache.New(cacheCapacity(lay), v.loadMapPage, v.flushMapPage)
	return v
}

// cacheCapacity bounds the map-page cache well under the device's total
// map-page count so the cache genuinely acts as a cache (spec.md §4.2).
func cacheCapacity(lay layout) int {
	c := lay.numMapPages / 8
	if c < 4 {
		c = 4
	}
	if c > lay.numMapPages-1 {
		c = lay.numMapPages - 1
	}
	if c < 1 {
		c = 1
	}
	return c
}

// Format erases the device via ndm.Format and initializes a brand-new,
// empty FTL-N volume (spec.md §4.6 "Format").
func Format(drv driver.Driver, cfg VolumeConfig, initialBad []int) (*Volume, error) {
	geo := cfg.NDM.Geometry
	name := cfg.Name
	if name == "" {
		name = "ftln"
	}
	eng, err := ndm.Format(drv, cfg.NDM, initialBad, []ndm.Partition{
		{FirstBlock: 0, NumBlocks: cfg.NDM.NumVirtualBlocks(), Name: name},
	})
	if err != nil {
		return nil, wrap("Format", err)
	}
	v := newVolume(eng, cfg)
	for b := range v.blocks {
		v.blocks[b].st = newFreeErasedBlock()
		v.freeList = append(v.freeList, b)
	}
	v.mounted = true
	v.metaDirty = true // nothing persisted yet; the first Flush/Unmount must write it
	logger.Infof("ftln: formatted volume %q: %d device blocks, %d usable pages, %d map pages",
		name, geo.NumDeviceBlocks, v.lay.numVpages, v.lay.numMapPages)
	return v, nil
}

// Mount discovers the NDM control record and rebuilds FTL-N's in-RAM state
// by scanning every page's spare area (spec.md §4.6 "Mount / power-fail
// resume").
func Mount(drv driver.Driver, cfg VolumeConfig, readOnly bool) (*Volume, error) {
	eng, err := ndm.Mount(drv, cfg.NDM, readOnly)
	if err != nil {
		return nil, wrap("Mount", err)
	}
	v := newVolume(eng, cfg)
	v.readOnly = readOnly
	if err := v.scanAndRebuild(); err != nil {
		return nil, wrap("Mount", err)
	}
	v.mounted = true
	v.metaDirty = true // scan just rebuilt state that has never been flushed under this mount
	return v, nil
}

// ReAttach simulates a power-cycle-and-remount without disturbing the
// underlying driver (spec.md §8.2 "Remount transparency").
func (v *Volume) ReAttach() (*Volume, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	eng, err := v.eng.ReAttach()
	if err != nil {
		return nil, wrap("ReAttach", err)
	}
	nv := newVolume(eng, v.cfg)
	nv.readOnly = v.readOnly
	if err := nv.scanAndRebuild(); err != nil {
		return nil, wrap("ReAttach", err)
	}
	nv.mounted = true
	nv.metaDirty = true
	return nv, nil
}

// Unmount flushes every dirty map page and the meta-page, leaving the
// device in a state mountable without replay (spec.md §4.6 "clean
// unmount").
func (v *Volume) Unmount() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.mounted {
		return wrap("Unmount", ErrNotMounted)
	}
	if !v.readOnly {
		if err := v.flushLocked(); err != nil {
			return wrap("Unmount", err)
		}
	}
	v.mounted = false
	return nil
}

// Flush writes back all dirty map pages and the meta-page without
// unmounting (spec.md §6.2).
func (v *Volume) Flush() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.flushLocked()
}

// flushLocked writes back dirty map-cache pages and, if anything meta-page
// relevant (wear table or free list) changed since the last flush, a fresh
// meta-page. A second consecutive call with no intervening writes finds the
// cache clean and metaDirty false, and so issues neither a page write nor a
// block erase (spec.md §8.2 "Flush idempotence").
func (v *Volume) flushLocked() error {
	if v.readOnly {
		return nil
	}
	if err := v.cache.FlushAll(); err != nil {
		return wrap("Flush", err)
	}
	if v.metaDirty {
		if err := v.writeMetaPage(); err != nil {
			return wrap("Flush", err)
		}
		v.metaDirty = false
	}
	return nil
}

func (v *Volume) NumVpages() int { return v.lay.numVpages }
func (v *Volume) PageSize() int  { return v.lay.pageSize }
func (v *Volume) IsFatal() bool  { return v.fatal || v.eng.IsFatal() }

func (v *Volume) GetCounters() Counters {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.counters
}

// wearHistogramBuckets is the bucket count spec.md §6.2/§8.3 scenario 5
// names explicitly ("wear_histogram[20]", "the lowest 5 of 20 ... buckets").
const wearHistogramBuckets = 20

// Stats is a point-in-time summary of free space, wear distribution, and
// driver activity (spec.md §6.2 GetStats: "ram_used, wear_count,
// garbage_level, num_blocks, wear_histogram[20], driver-call counters").
type Stats struct {
	NumVpages      int
	NumBlocks      int
	FreeBlocks     int
	RAMUsed        int    // approximate bytes held by in-RAM bookkeeping tables
	HighWearCount  uint32 // highest wear count across all blocks
	LowWearCount   uint32
	GarbageLevel   int // percent of total page capacity that is dead/reclaimable, 0..99
	WearHistogram  [wearHistogramBuckets]uint32
	MapCacheLen    int
	MapCacheHits   uint64
	MapCacheMisses uint64
	Driver         driver.DriverCounters
}

func (v *Volume) GetStats() Stats {
	v.mu.Lock()
	defer v.mu.Unlock()

	var lo uint32 = ^uint32(0)
	var hi uint32
	var deadPages int
	for _, rec := range v.blocks {
		if rec.wear < lo {
			lo = rec.wear
		}
		if rec.wear > hi {
			hi = rec.wear
		}
		if !rec.st.Free() {
			deadPages += v.lay.pagesPerBlock - rec.st.NumUsedPages()
		}
	}
	if lo == ^uint32(0) {
		lo = 0
	}

	totalPages := len(v.blocks) * v.lay.pagesPerBlock
	garbageLevel := 0
	if totalPages > 0 {
		garbageLevel = deadPages * 100 / totalPages
		if garbageLevel > 99 {
			garbageLevel = 99
		}
	}

	hits, misses := v.cache.Stats()
	var driverCounters driver.DriverCounters
	if cr, ok := v.eng.Driver().(driver.CounterReporter); ok {
		driverCounters = cr.Counters()
	}

	return Stats{
		NumVpages:      v.lay.numVpages,
		NumBlocks:      len(v.blocks),
		FreeBlocks:     len(v.freeList),
		RAMUsed:        v.ramUsed(),
		HighWearCount:  hi,
		LowWearCount:   lo,
		GarbageLevel:   garbageLevel,
		WearHistogram:  v.wearHistogram(lo, hi),
		MapCacheLen:    v.cache.Len(),
		MapCacheHits:   hits,
		MapCacheMisses: misses,
		Driver:         driverCounters,
	}
}

// wearHistogram buckets every block's wear count into wearHistogramBuckets
// equal-width buckets spanning [lo,hi], bucket 0 being the least-worn
// (spec.md §8.3 scenario 5: after wear leveling, the lowest buckets should
// be nearly empty since few blocks should remain far behind the pack).
func (v *Volume) wearHistogram(lo, hi uint32) [wearHistogramBuckets]uint32 {
	var hist [wearHistogramBuckets]uint32
	span := hi - lo
	for _, rec := range v.blocks {
		bucket := 0
		if span > 0 {
			bucket = int(uint64(rec.wear-lo) * wearHistogramBuckets / uint64(span+1))
			if bucket >= wearHistogramBuckets {
				bucket = wearHistogramBuckets - 1
			}
		}
		hist[bucket]++
	}
	return hist
}

// ramUsed approximates the bytes held by the translator's in-RAM
// bookkeeping: the per-block wear/state table, the map-page location
// table, and the decoded map pages currently resident in the cache.
// Grounded on the source's practice of reporting table sizes rather than a
// true allocator byte count, since Go's runtime doesn't expose per-object
// sizes directly.
func (v *Volume) ramUsed() int {
	const blockRecBytes = 8   // blockState uint32 + wear uint32
	const pageAddrBytes = 16  // two platform ints
	const mapEntryOverhead = 12 // per-cached-page bookkeeping (list element + dirty flag, rounded)
	perEntryBytes := v.lay.mappingsPerMpg*mapEntrySize + mapEntryOverhead
	return len(v.blocks)*blockRecBytes + len(v.mapLoc)*pageAddrBytes + v.cache.Len()*perEntryBytes
}
