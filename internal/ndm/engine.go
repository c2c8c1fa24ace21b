package ndm

import (
	"sync"

	"github.com/zhukovaskychina/goftl/internal/driver"
	"github.com/zhukovaskychina/goftl/logger"
)

// locationHint records where the last control record was found or written
// (the optional hint of spec.md §4.1.3). Discovery never reads it: Mount
// and ReAttach always run the full scan.
type locationHint struct {
	block    int
	sequence uint32
}

// Engine is the NDM control-block engine plus virtual-block translation and
// bad-block relocation (spec.md §4.1). One Engine corresponds to one
// physical device.
type Engine struct {
	mu sync.Mutex

	drv      driver.Driver
	cfg      Config
	state    *State
	readOnly bool

	activeIsBlk0 bool
	hint         locationHint

	readCache  xlateEntry
	writeCache xlateEntry

	fatal bool
}

// Format writes a brand-new control record describing a clean device: all
// blocks free except the initial bad-block scan results, and the supplied
// partition table.
func Format(drv driver.Driver, cfg Config, initialBad []int, partitions []Partition) (*Engine, error) {
	geo := cfg.Geometry
	if geo.SpareSize < driver.MinSpareSize {
		return nil, wrap("Format", ErrBadMetaData)
	}

	e := &Engine{drv: drv, cfg: cfg}
	s := &State{
		NumDeviceBlocks: geo.NumDeviceBlocks,
		BlockSize:       geo.BlockSize(),
		MaxBadBlocks:    geo.MaxBadBlocks,
		InitialBad:      append([]int(nil), initialBad...),
		Partitions:      partitions,
	}
	if len(s.InitialBad) > geo.MaxBadBlocks {
		return nil, wrap("Format", ErrTooManyBad)
	}

	firstReserved := cfg.FirstReserved()
	// Choose the two highest good blocks as the control blocks, then the
	// free reserve/control pointers grow from there (spec.md §4.1, §3.2).
	top := geo.NumDeviceBlocks - 1
	ctrlBlk0 := nextGoodBlockDown(&top, s.InitialBad)
	ctrlBlk1 := nextGoodBlockDown(&top, s.InitialBad)
	s.CtrlBlk0 = ctrlBlk0
	s.CtrlBlk1 = ctrlBlk1
	s.FreeControlPtr = top
	s.FreeReservePtr = firstReserved
	s.XfrFromBlock = NoBlock
	s.XfrToBlock = NoBlock
	s.XfrBadPageOffset = NoBlock

	e.state = s
	e.activeIsBlk0 = false // first write flips to blk0-active
	if err := e.eraseControlBlock(s.CtrlBlk0); err != nil {
		return nil, err
	}
	if err := e.eraseControlBlock(s.CtrlBlk1); err != nil {
		return nil, err
	}
	if err := e.writeControlRecord(); err != nil {
		return nil, err
	}
	return e, nil
}

func nextGoodBlockDown(top *int, initialBad []int) int {
	for isFactoryBad(initialBad, *top) {
		*top--
	}
	b := *top
	*top--
	return b
}

// Mount discovers the control record and, if a relocation was interrupted,
// resumes it before returning (spec.md §4.1.3, "Resumption at mount").
func Mount(drv driver.Driver, cfg Config, readOnly bool) (*Engine, error) {
	e := &Engine{drv: drv, cfg: cfg, readOnly: readOnly}
	s, activeBlock, err := e.discoverControlRecord()
	if err != nil {
		return nil, err
	}
	e.state = s
	e.activeIsBlk0 = activeBlock == s.CtrlBlk0
	e.hint = locationHint{block: activeBlock, sequence: 0}

	if s.TransferInProgress() {
		if readOnly {
			return nil, wrap("Mount", ErrReadOnly)
		}
		logger.Warnf("ndm: resuming interrupted relocation %d -> %d", s.XfrFromBlock, s.XfrToBlock)
		if err := e.runRelocation(); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// ReAttach re-discovers the control record from scratch, simulating a
// power-cycle-and-remount without destroying the underlying driver state
// (spec.md §8.2 "Remount transparency").
func (e *Engine) ReAttach() (*Engine, error) {
	return Mount(e.drv, e.cfg, e.readOnly)
}

func (e *Engine) State() *State         { return e.state.clone() }
func (e *Engine) Config() Config        { return e.cfg }
func (e *Engine) IsFatal() bool         { return e.fatal }
func (e *Engine) Driver() driver.Driver { return e.drv }
func (e *Engine) NumVirtualBlocks() int {
	return e.cfg.NumVirtualBlocks()
}

// ReadPage reads a page addressed by virtual block + page offset, resolving
// the virtual block to its current physical location.
func (e *Engine) ReadPage(vbn, offset int, data, spare []byte) (driver.PageResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fatal {
		return driver.ResultFatal, wrap("ReadPage", ErrFatal)
	}
	pbn := e.PhysicalBlockOf(vbn)
	pn := e.cfg.Geometry.FirstPageOf(pbn) + driver.PageNumber(offset)
	res := e.drv.ReadPage(pn, data, spare)
	if res == driver.ResultFatal {
		e.fatal = true
	}
	return res, nil
}

// WritePage writes a page addressed by virtual block + page offset. On a
// block-failure result it transparently relocates the block and the caller
// does not need to retry the individual page write (spec.md §7 level 1).
func (e *Engine) WritePage(vbn, offset int, data, spare []byte) (driver.PageResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fatal {
		return driver.ResultFatal, wrap("WritePage", ErrFatal)
	}
	if e.readOnly {
		return driver.ResultFatal, wrap("WritePage", ErrReadOnly)
	}
	pbn := e.PhysicalBlockOfForWrite(vbn)
	pn := e.cfg.Geometry.FirstPageOf(pbn) + driver.PageNumber(offset)
	res := e.drv.WritePage(pn, data, spare)
	if res == driver.ResultFatal {
		e.fatal = true
		return res, wrap("WritePage", ErrFatal)
	}
	if res == driver.ResultBlockFailed {
		if err := e.MarkBad(pbn); err != nil {
			e.fatal = true
			return driver.ResultFatal, err
		}
		// Retry the page that triggered the relocation on the new
		// location so the caller sees a transparent success (spec.md §7
		// level 1: "operation retries -> caller sees success").
		newPbn := e.PhysicalBlockOfForWrite(vbn)
		newPn := e.cfg.Geometry.FirstPageOf(newPbn) + driver.PageNumber(offset)
		res = e.drv.WritePage(newPn, data, spare)
		if res == driver.ResultFatal {
			e.fatal = true
			return res, wrap("WritePage", ErrFatal)
		}
		return res, nil
	}
	return res, nil
}

// EraseBlock erases the block currently backing virtual block vbn,
// relocating transparently on failure.
func (e *Engine) EraseBlock(vbn int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fatal {
		return wrap("EraseBlock", ErrFatal)
	}
	if e.readOnly {
		return wrap("EraseBlock", ErrReadOnly)
	}
	pbn := e.PhysicalBlockOfForWrite(vbn)
	res := e.drv.EraseBlock(e.cfg.Geometry.FirstPageOf(pbn))
	if res == driver.ResultFatal {
		e.fatal = true
		return wrap("EraseBlock", ErrFatal)
	}
	if res == driver.ResultBlockFailed {
		return e.MarkBad(pbn)
	}
	return nil
}

// TransferPage copies a page from one virtual block+offset to another. On a
// block-failure result it relocates the destination block and retries the
// copy once on the new location. The FTL-N recycle path does not call it;
// it moves live pages with a read followed by WritePage.
func (e *Engine) TransferPage(srcVbn, srcOff, dstVbn, dstOff int, spare []byte) (driver.PageResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fatal {
		return driver.ResultFatal, wrap("TransferPage", ErrFatal)
	}
	srcPbn := e.PhysicalBlockOf(srcVbn)
	dstPbn := e.PhysicalBlockOfForWrite(dstVbn)
	srcPn := e.cfg.Geometry.FirstPageOf(srcPbn) + driver.PageNumber(srcOff)
	dstPn := e.cfg.Geometry.FirstPageOf(dstPbn) + driver.PageNumber(dstOff)
	res := e.drv.TransferPage(srcPn, dstPn, spare)
	if res == driver.ResultBlockFailed {
		if err := e.MarkBad(dstPbn); err != nil {
			e.fatal = true
			return driver.ResultFatal, err
		}
		dstPbn = e.PhysicalBlockOfForWrite(dstVbn)
		dstPn = e.cfg.Geometry.FirstPageOf(dstPbn) + driver.PageNumber(dstOff)
		res = e.drv.TransferPage(srcPn, dstPn, spare)
	}
	if res == driver.ResultFatal {
		e.fatal = true
	}
	return res, nil
}
