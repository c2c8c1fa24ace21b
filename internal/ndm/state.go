// Package ndm implements the NAND Device Manager: a bad-block remapping
// layer presenting a contiguous virtual block address space over a physical
// device with factory-bad and runtime-bad blocks (spec.md §4.1). It persists
// its remap tables redundantly in two control blocks and guarantees forward
// progress under power failure during bad-block relocation.
package ndm

import "github.com/zhukovaskychina/goftl/internal/driver"

// NoBlock is the "none" sentinel used for to_block, xfr_* fields, and the
// terminator of running_bad entries.
const NoBlock = -1

// FormatVersion selects the on-media control record layout (spec.md §4.1.4).
type FormatVersion int

const (
	V1 FormatVersion = 1
	V2 FormatVersion = 2
)

// BadEntry is one {from_block, to_block} pair in running_bad[] (spec.md
// §3.2). to_block is NoBlock when the replacement itself went bad before its
// transfer completed.
type BadEntry struct {
	From int
	To   int
}

// Partition describes one on-media partition entry (spec.md §4.1.1). FTL-N
// mounts a single partition spanning the whole virtual address space, but
// the control-record format supports more than one, matching the source
// layout.
type Partition struct {
	FirstBlock int
	NumBlocks  int
	Name       string
	Type       byte
	UserData   []byte // only ever populated/written under V2
}

const PartNameLen = 16

// Config is the immutable device geometry and NDM policy, supplied at
// Format and Mount time (spec.md §3.2).
type Config struct {
	Geometry      driver.Geometry
	FormatVersion FormatVersion
	UseNVRAMHint  bool
}

// State is NDM's persisted metadata (spec.md §3.2). It is the payload of
// the on-media control record and is rebuilt from it at mount, with
// HighBlockCount taken from the record's header sequence number and
// MaxBadBlocks taken from Config.
type State struct {
	NumDeviceBlocks int
	BlockSize       int
	MaxBadBlocks    int

	CtrlBlk0 int
	CtrlBlk1 int

	FreeReservePtr int
	FreeControlPtr int

	// Transfer-in-progress state; all three are NoBlock when idle.
	XfrFromBlock     int
	XfrToBlock       int
	XfrBadPageOffset int

	HighBlockCount uint32

	InitialBad []int
	RunningBad []BadEntry

	Partitions []Partition
}

// NumVirtualBlocks is num_device_blocks - max_bad_blocks - 2 (spec.md §3.2).
func (c Config) NumVirtualBlocks() int {
	return c.Geometry.NumDeviceBlocks - c.Geometry.MaxBadBlocks - 2
}

// FirstReserved is the first block number available as a reserve block: the
// block immediately past the virtual address space.
func (c Config) FirstReserved() int {
	return c.NumVirtualBlocks()
}

// NumBadBlocks returns the count of factory-bad blocks plus runtime-bad
// blocks whose replacement succeeded (spec.md §3.2 invariant).
func (s *State) NumBadBlocks() int {
	n := len(s.InitialBad)
	for _, e := range s.RunningBad {
		if e.To != NoBlock {
			n++
		}
	}
	return n
}

// TransferInProgress reports whether a relocation was interrupted.
func (s *State) TransferInProgress() bool {
	return s.XfrToBlock != NoBlock
}

func (s *State) clone() *State {
	cp := *s
	cp.InitialBad = append([]int(nil), s.InitialBad...)
	cp.RunningBad = append([]BadEntry(nil), s.RunningBad...)
	cp.Partitions = make([]Partition, len(s.Partitions))
	for i, p := range s.Partitions {
		cp.Partitions[i] = p
		cp.Partitions[i].UserData = append([]byte(nil), p.UserData...)
	}
	return &cp
}
