package ndm

import (
	"github.com/zhukovaskychina/goftl/internal/driver"
	"github.com/zhukovaskychina/goftl/logger"
)

// writeControlRecord implements the rotation write protocol (spec.md
// §4.1.2). It always targets the control block that is not currently
// "active" (this engine never appends in place; simpler and still
// satisfies the spec, which permits but does not require append-in-place).
// On return, state.HighBlockCount has been advanced and the newly written
// block is the active one.
func (e *Engine) writeControlRecord() error {
	for attempt := 0; attempt < maxRelocationRetries; attempt++ {
		target := e.inactiveCtrlBlock()
		if err := e.eraseControlBlock(target); err != nil {
			return err
		}
		if target != e.inactiveCtrlBlock() {
			// eraseControlBlock relocated target on failure and updated
			// e.state's control block numbers; retry with the freshly
			// assigned block.
			continue
		}

		payload := encodePayload(e.state, e.cfg)
		hdrSize := headerSize(e.cfg.FormatVersion)
		pageBody := e.cfg.Geometry.PageSize - hdrSize
		numPages := (len(payload) + pageBody - 1) / pageBody
		if numPages == 0 {
			numPages = 1
		}

		seq := e.state.HighBlockCount + 1
		ok := true
		for i := 0; i < numPages; i++ {
			page := make([]byte, e.cfg.Geometry.PageSize)
			start := i * pageBody
			end := start + pageBody
			if end > len(payload) {
				end = len(payload)
			}
			copy(page[hdrSize:], payload[start:end])

			h := pageHeader{
				Version:        e.cfg.FormatVersion,
				CurrentPageNum: uint16(i + 1),
				LastPageNum:    uint16(numPages),
				SequenceNumber: seq,
			}
			if e.cfg.FormatVersion == V2 {
				h.MajorVersion = 2
				h.MinorVersion = 0
			}
			encodeHeader(page, h)
			h.CRC32 = crcOf(page)
			encodeHeader(page, h)

			spare := driver.NewSpareArea(e.cfg.Geometry.SpareSize)
			spare.SetCtrlSignature()

			pn := e.cfg.Geometry.FirstPageOf(target) + driver.PageNumber(i)
			res := e.drv.WritePage(pn, page, spare)
			if res == driver.ResultBlockFailed {
				logger.Warnf("ndm: control page write failed on block %d, relocating", target)
				if err := e.markControlBlockBad(target); err != nil {
					return err
				}
				ok = false
				break
			}
			if res == driver.ResultFatal {
				return wrap("writeControlRecord", ErrFatal)
			}
		}
		if !ok {
			continue // restart entire record from page 1 (spec.md §4.1.2 step 5)
		}

		e.state.HighBlockCount = seq
		e.activeIsBlk0 = !e.activeIsBlk0
		e.hint.block = target
		e.hint.sequence = seq
		return nil
	}
	return wrap("writeControlRecord", ErrFatal)
}

const maxRelocationRetries = 8

func (e *Engine) inactiveCtrlBlock() int {
	if e.activeIsBlk0 {
		return e.state.CtrlBlk1
	}
	return e.state.CtrlBlk0
}

func (e *Engine) activeCtrlBlock() int {
	if e.activeIsBlk0 {
		return e.state.CtrlBlk0
	}
	return e.state.CtrlBlk1
}

func (e *Engine) eraseControlBlock(block int) error {
	res := e.drv.EraseBlock(e.cfg.Geometry.FirstPageOf(block))
	if res == driver.ResultOK {
		return nil
	}
	if res == driver.ResultFatal {
		return wrap("eraseControlBlock", ErrFatal)
	}
	return e.markControlBlockBad(block)
}

// markControlBlockBad replaces a failed control block with the next free
// control block (free_control_ptr moves downward, spec.md §4.1.2 step 3/5).
func (e *Engine) markControlBlockBad(block int) error {
	repl := e.state.FreeControlPtr
	if repl < e.cfg.FirstReserved() {
		return wrap("markControlBlockBad", ErrTooManyBad)
	}
	e.state.FreeControlPtr--

	if block == e.state.CtrlBlk0 {
		e.state.CtrlBlk0 = repl
	} else if block == e.state.CtrlBlk1 {
		e.state.CtrlBlk1 = repl
	}
	e.state.RunningBad = append(e.state.RunningBad, BadEntry{From: block, To: NoBlock})
	return nil
}
