package ndm

import (
	"github.com/zhukovaskychina/goftl/internal/driver"
	"github.com/zhukovaskychina/goftl/logger"
)

// MarkBad performs bad-block relocation for virtual/physical block `from`
// (spec.md §4.1.6). Engine.WritePage, EraseBlock and TransferPage call it
// when the driver reports a block failure on a page write, erase or
// transfer; reads never trigger it.
func (e *Engine) MarkBad(from int) error {
	e.invalidateXlateCache()

	if e.state.NumBadBlocks()+1 > e.cfg.Geometry.MaxBadBlocks {
		return wrap("MarkBad", ErrTooManyBad)
	}

	to, err := e.allocateReserveBlock()
	if err != nil {
		return err
	}

	e.state.RunningBad = append(e.state.RunningBad, BadEntry{From: from, To: to})
	e.state.XfrFromBlock = from
	e.state.XfrToBlock = to
	e.state.XfrBadPageOffset = 0

	if err := e.writeControlRecord(); err != nil {
		return err
	}

	return e.runRelocation()
}

// allocateReserveBlock picks the lowest still-unused reserve block,
// skipping factory-bad blocks while advancing (spec.md §4.1.6 step 3).
func (e *Engine) allocateReserveBlock() (int, error) {
	b := e.state.FreeReservePtr
	for {
		if b >= e.cfg.Geometry.NumDeviceBlocks {
			return 0, wrap("allocateReserveBlock", ErrTooManyBad)
		}
		if b == e.state.CtrlBlk0 || b == e.state.CtrlBlk1 || isFactoryBad(e.state.InitialBad, b) {
			b++
			continue
		}
		break
	}
	e.state.FreeReservePtr = b + 1
	return b, nil
}

func isFactoryBad(initialBad []int, b int) bool {
	for _, ib := range initialBad {
		if ib == b {
			return true
		}
	}
	return false
}

// runRelocation performs (or resumes) the erase+copy of a relocation that
// is recorded as in-progress in e.state (spec.md §4.1.6 steps 6-8, and the
// mount-time resumption of §4.1.6 "Resumption at mount").
func (e *Engine) runRelocation() error {
	for {
		to := e.state.XfrToBlock
		from := e.state.XfrFromBlock
		if to == NoBlock {
			return nil
		}

		res := e.drv.EraseBlock(e.cfg.Geometry.FirstPageOf(to))
		if res == driver.ResultBlockFailed {
			logger.Warnf("ndm: relocation target block %d failed erase, reassigning", to)
			e.state.RunningBad = append(e.state.RunningBad, BadEntry{From: to, To: NoBlock})
			newTo, err := e.allocateReserveBlock()
			if err != nil {
				return err
			}
			for i := range e.state.RunningBad {
				if e.state.RunningBad[i].From == from && e.state.RunningBad[i].To == to {
					e.state.RunningBad[i].To = newTo
				}
			}
			e.state.XfrToBlock = newTo
			e.state.XfrBadPageOffset = 0
			if err := e.writeControlRecord(); err != nil {
				return err
			}
			continue
		}
		if res == driver.ResultFatal {
			return wrap("runRelocation", ErrFatal)
		}

		failed := false
		for o := e.state.XfrBadPageOffset; o < e.cfg.Geometry.PagesPerBlock; o++ {
			data := make([]byte, e.cfg.Geometry.PageSize)
			spare := driver.NewSpareArea(e.cfg.Geometry.SpareSize)
			srcPn := e.cfg.Geometry.FirstPageOf(from) + driver.PageNumber(o)
			rres := e.drv.ReadPage(srcPn, data, spare)
			if rres == driver.ResultFatal {
				return wrap("runRelocation", ErrFatal)
			}
			if e.drv.IsEmptyPage(data, spare) || rres == driver.ResultUncorrectable {
				continue
			}
			dstPn := e.cfg.Geometry.FirstPageOf(to) + driver.PageNumber(o)
			wres := e.drv.WritePage(dstPn, data, spare)
			if wres == driver.ResultBlockFailed {
				e.state.RunningBad = append(e.state.RunningBad, BadEntry{From: to, To: NoBlock})
				newTo, err := e.allocateReserveBlock()
				if err != nil {
					return err
				}
				for i := range e.state.RunningBad {
					if e.state.RunningBad[i].From == from && e.state.RunningBad[i].To == to {
						e.state.RunningBad[i].To = newTo
					}
				}
				e.state.XfrToBlock = newTo
				e.state.XfrBadPageOffset = 0
				if err := e.writeControlRecord(); err != nil {
					return err
				}
				failed = true
				break
			}
			if wres == driver.ResultFatal {
				return wrap("runRelocation", ErrFatal)
			}
		}
		if failed {
			continue
		}

		e.state.XfrFromBlock = NoBlock
		e.state.XfrToBlock = NoBlock
		e.state.XfrBadPageOffset = NoBlock
		return e.writeControlRecord()
	}
}
