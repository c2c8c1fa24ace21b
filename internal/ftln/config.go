package ftln

import "github.com/zhukovaskychina/goftl/internal/ndm"

// mapEntrySize is the width of one physical-page-number entry inside a map
// page. The source packs these into 3 bytes; we use a plain 4-byte
// little-endian word per entry (spec.md §9 design note: "an implementation
// may choose any entry width that fits the device's page-number range,
// provided it is applied consistently"), which keeps map-page (de)coding a
// single encoding/binary loop instead of an unaligned 3-byte packer.
const mapEntrySize = 4

// unmapped is the map-entry sentinel: "this virtual page has never been
// written" (spec.md §3.3, mpns[] initial state after Format).
const unmapped uint32 = 0xFFFFFFFF

// minFreeBlocks is the floor the recycler refuses to go below when
// choosing whether garbage collection must run before a write is allowed
// (spec.md §4.5 "low space" trigger). Grounded on the source's
// default of a small fixed reserve independent of device size.
const minFreeBlocks = 2

// recycleHighWaterBlocks triggers background-style recycling (invoked
// synchronously here, since the module exposes no background goroutine)
// once free blocks drop to this count above the hard floor.
const recycleHighWaterBlocks = minFreeBlocks + 1

// VolumeConfig is supplied at Format/Mount time, mirroring ndm.Config's
// role one layer up the stack.
type VolumeConfig struct {
	NDM  ndm.Config
	Name string // matched against ndm partition name at mount
}

// layout holds the derived, fixed-for-the-life-of-the-mount geometry
// figures computed once in computeLayout (spec.md §4.6 step 2, "compute
// num_vpages / map page count from device geometry").
type layout struct {
	pagesPerBlock int
	pageSize      int

	numVirtualBlocks int // from ndm, this volume's share of it
	numVpages        int // number of user-addressable virtual pages
	mappingsPerMpg   int // entries per map page, leaving room for the seq header
	numMapPages      int // including the trailing meta-page
}

// seqHeaderBytes reserves room at the front of every map page for a
// monotonic sequence number used to disambiguate the most recently written
// copy during mount-time recovery (spec.md §4.6 step 5).
const seqHeaderBytes = 4

// checksumHeaderBytes reserves room for an xxhash64 content checksum over
// the entry table, a software integrity layer above the driver's own ECC
// (grounded on the teacher's use of github.com/OneOfOne/xxhash for fast
// content hashing; a corrupted map page that still passes ECC but was
// torn by a non-atomic multi-page write is caught here instead of handing
// out a stale or scrambled translation).
const checksumHeaderBytes = 8

// entryHeaderBytes is the fixed prefix before a map page's entry table.
const entryHeaderBytes = seqHeaderBytes + checksumHeaderBytes

func computeLayout(pagesPerBlock, pageSize, numVirtualBlocks int) layout {
	mappingsPerMpg := (pageSize - entryHeaderBytes) / mapEntrySize

	usable := numVirtualBlocks - minFreeBlocks
	if usable < 1 {
		usable = 1
	}
	// First pass: assume every usable block holds user data, compute how
	// many map pages that would need, then carve map blocks out of the
	// usable pool and shrink numVpages accordingly. This slightly
	// over-provisions map-page capacity relative to the final, smaller
	// numVpages, which is safe: unused map-page slots are simply never
	// addressed.
	maxVpages := usable * pagesPerBlock
	numMapPages := ceilDiv(maxVpages, mappingsPerMpg) + 1 // +1 for the meta-page
	mapBlocks := ceilDiv(numMapPages, pagesPerBlock)
	if mapBlocks < 1 {
		mapBlocks = 1
	}
	volBlocks := usable - mapBlocks
	if volBlocks < 1 {
		volBlocks = 1
	}
	numVpages := volBlocks * pagesPerBlock

	return layout{
		pagesPerBlock:    pagesPerBlock,
		pageSize:         pageSize,
		numVirtualBlocks: numVirtualBlocks,
		numVpages:        numVpages,
		mappingsPerMpg:   mappingsPerMpg,
		numMapPages:      numMapPages,
	}
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// mpnOf returns which map page addresses virtual page vpn, and the index
// of its entry within that map page.
func (l layout) mpnOf(vpn int) (mapPage, entry int) {
	return vpn / l.mappingsPerMpg, vpn % l.mappingsPerMpg
}

// metaMapPage is the last map page index, reserved for the volume
// meta-data record (spec.md §4.6 step 6, "meta-page").
func (l layout) metaMapPage() int { return l.numMapPages - 1 }
