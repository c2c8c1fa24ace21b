// Package simdriver implements an in-memory driver.Driver used by the
// package's own tests and by client test suites, standing in for the raw
// NAND driver that spec.md leaves external (spec.md §9: "the RAM-backed
// simulator used in tests"). It supports injected faults so the power-fail
// and bad-block-relocation protocols can be exercised deterministically.
package simdriver

import (
	"sync"

	"github.com/zhukovaskychina/goftl/internal/driver"
)

// Simulator is a RAM-backed driver.Driver. Zero value is not usable; build
// with New.
type Simulator struct {
	mu sync.Mutex
	g  driver.Geometry

	data  [][]byte // per-page main area, nil until written or explicitly erased
	spare [][]byte // per-page spare area
	erased []bool  // per-block erased state

	badBlocks map[int]bool // blocks marked bad at "factory" (pre-seeded)

	// Fault injection knobs (spec.md §9).
	ECCErrorInterval               int // every Nth read of a written page, counted device-wide on the op counter BadBlockInterval also uses, returns unsafe_ecc (0 = disabled)
	BadBlockInterval                int // every Nth erase/write fails the block (0 = disabled)
	BadBlockBurst                   int // once triggered, this many consecutive ops on the block fail
	PowerFailureDelay                int // page writes remaining before a simulated crash; only WritePage counts down (-1 = disabled)
	EmulateHalfWriteOnPowerFailure   bool

	opCount      int
	writeCount   uint64
	readCount    uint64
	eraseCount   uint64
	readSpareCnt uint64
	transferCnt  uint64

	burstRemaining map[int]int
	crashed        bool
}

// New creates a Simulator with the given geometry. Every page starts in the
// "erased" (all-0xFF) state.
func New(g driver.Geometry) *Simulator {
	n := g.NumDeviceBlocks * g.PagesPerBlock
	s := &Simulator{
		g:              g,
		data:           make([][]byte, n),
		spare:          make([][]byte, n),
		erased:         make([]bool, g.NumDeviceBlocks),
		badBlocks:      make(map[int]bool),
		burstRemaining: make(map[int]int),
		PowerFailureDelay: -1,
	}
	for b := 0; b < g.NumDeviceBlocks; b++ {
		s.erased[b] = true
	}
	return s
}

func (s *Simulator) Geometry() driver.Geometry { return s.g }

// SeedBadBlock marks a block bad before any I/O, simulating a factory-bad
// block (spec.md §3.2 initial_bad[]).
func (s *Simulator) SeedBadBlock(block int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.badBlocks[block] = true
}

func (s *Simulator) maybeCrash() bool {
	if s.crashed {
		return true
	}
	if s.PowerFailureDelay < 0 {
		return false
	}
	if s.PowerFailureDelay == 0 {
		s.crashed = true
		return true
	}
	s.PowerFailureDelay--
	return false
}

func (s *Simulator) injectedBlockFailure(block int) bool {
	if s.BadBlockInterval <= 0 {
		return false
	}
	if remaining, ok := s.burstRemaining[block]; ok && remaining > 0 {
		s.burstRemaining[block] = remaining - 1
		return true
	}
	s.opCount++
	if s.opCount%s.BadBlockInterval == 0 {
		if s.BadBlockBurst > 0 {
			s.burstRemaining[block] = s.BadBlockBurst - 1
		}
		return true
	}
	return false
}

func (s *Simulator) ReadPage(pn driver.PageNumber, data, spare []byte) driver.PageResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readCount++
	if spare != nil {
		s.readSpareCnt++
	}
	idx := int(pn)
	if idx < 0 || idx >= len(s.data) {
		return driver.ResultFatal
	}
	if s.data[idx] == nil {
		if data != nil {
			fill(data, 0xFF)
		}
		if spare != nil {
			fill(spare, 0xFF)
		}
		return driver.ResultOK
	}
	if data != nil {
		copy(data, s.data[idx])
	}
	if spare != nil {
		copy(spare, s.spare[idx])
	}
	if s.ECCErrorInterval > 0 {
		s.opCount++
		if s.opCount%s.ECCErrorInterval == 0 {
			return driver.ResultUnsafeECC
		}
	}
	return driver.ResultOK
}

func (s *Simulator) WritePage(pn driver.PageNumber, data, spare []byte) driver.PageResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeCount++
	idx := int(pn)
	if idx < 0 || idx >= len(s.data) {
		return driver.ResultFatal
	}
	block := s.g.BlockOf(pn)
	if s.badBlocks[block] {
		return driver.ResultBlockFailed
	}
	if s.injectedBlockFailure(block) {
		s.badBlocks[block] = true
		return driver.ResultBlockFailed
	}
	if s.maybeCrash() {
		if s.EmulateHalfWriteOnPowerFailure {
			half := len(data) / 2
			buf := make([]byte, len(data))
			copy(buf, data[:half])
			s.data[idx] = buf
			s.spare[idx] = append([]byte(nil), spare...)
		}
		return driver.ResultFatal
	}
	s.data[idx] = append([]byte(nil), data...)
	s.spare[idx] = append([]byte(nil), spare...)
	s.erased[block] = false
	return driver.ResultOK
}

func (s *Simulator) EraseBlock(firstPage driver.PageNumber) driver.PageResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eraseCount++
	block := s.g.BlockOf(firstPage)
	if s.badBlocks[block] {
		return driver.ResultBlockFailed
	}
	if s.injectedBlockFailure(block) {
		s.badBlocks[block] = true
		return driver.ResultBlockFailed
	}
	start := block * s.g.PagesPerBlock
	for i := 0; i < s.g.PagesPerBlock; i++ {
		s.data[start+i] = nil
		s.spare[start+i] = nil
	}
	s.erased[block] = true
	return driver.ResultOK
}

func (s *Simulator) IsBadBlock(firstPage driver.PageNumber) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.badBlocks[s.g.BlockOf(firstPage)], nil
}

func (s *Simulator) IsEmptyPage(data, spare []byte) bool {
	return allFF(data) && allFF(spare)
}

func (s *Simulator) TransferPage(src, dst driver.PageNumber, spare []byte) driver.PageResult {
	s.mu.Lock()
	s.transferCnt++
	srcIdx := int(src)
	var srcData []byte
	if srcIdx >= 0 && srcIdx < len(s.data) {
		srcData = s.data[srcIdx]
	}
	s.mu.Unlock()
	if srcData == nil {
		srcData = make([]byte, s.g.PageSize)
		fill(srcData, 0xFF)
	}
	return s.WritePage(dst, srcData, spare)
}

// Counters implements driver.CounterReporter, exposing driver-call counts
// for Volume.GetStats/GetCounters (spec.md §6.2).
func (s *Simulator) Counters() driver.DriverCounters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return driver.DriverCounters{
		WritePage:    s.writeCount,
		ReadPage:     s.readCount,
		EraseBlock:   s.eraseCount,
		ReadSpare:    s.readSpareCnt,
		TransferPage: s.transferCnt,
	}
}

var _ driver.CounterReporter = (*Simulator)(nil)

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}

func allFF(b []byte) bool {
	for _, v := range b {
		if v != 0xFF {
			return false
		}
	}
	return true
}

var _ driver.Driver = (*Simulator)(nil)
