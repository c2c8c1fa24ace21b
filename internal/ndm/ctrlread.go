package ndm

import "github.com/zhukovaskychina/goftl/internal/driver"

type candidatePage struct {
	block   int
	offset  int
	header  pageHeader
	version FormatVersion
}

// discoverControlRecord implements the read/discover protocol (spec.md
// §4.1.3): scan the top region of blocks for control-page signatures, find
// the highest-sequence "last page", walk back to its matching first page,
// and reassemble the payload.
func (e *Engine) discoverControlRecord() (*State, int, error) {
	geo := e.cfg.Geometry
	ctrlBlocks := []int{}

	lowest := e.cfg.FirstReserved()
	for b := geo.NumDeviceBlocks - 1; b >= lowest; b-- {
		if bad, _ := e.drv.IsBadBlock(geo.FirstPageOf(b)); bad {
			continue
		}
		data := make([]byte, geo.PageSize)
		spare := driver.NewSpareArea(geo.SpareSize)
		res := e.drv.ReadPage(geo.FirstPageOf(b), data, spare)
		if res != driver.ResultOK {
			continue
		}
		if !spare.HasCtrlSignature() {
			continue
		}
		ctrlBlocks = append(ctrlBlocks, b)
		if len(ctrlBlocks) == 2 {
			break
		}
	}
	if len(ctrlBlocks) == 0 {
		return nil, 0, wrap("discoverControlRecord", ErrNoMetaBlock)
	}

	var lastPages []candidatePage
	for _, b := range ctrlBlocks {
		for o := geo.PagesPerBlock - 1; o >= 0; o-- {
			data := make([]byte, geo.PageSize)
			spare := driver.NewSpareArea(geo.SpareSize)
			pn := geo.FirstPageOf(b) + driver.PageNumber(o)
			res := e.drv.ReadPage(pn, data, spare)
			if res != driver.ResultOK || !spare.HasCtrlSignature() {
				continue
			}
			if crcOf(data) != decodeHeader(data, V1).CRC32 {
				// CRC check is version-independent (same offset), skip
				// corrupt pages.
				continue
			}
			h := decodeHeader(data, V1)
			if h.CurrentPageNum == h.LastPageNum && h.CurrentPageNum != 0 {
				lastPages = append(lastPages, candidatePage{block: b, offset: o, header: h})
			}
		}
	}
	if len(lastPages) == 0 {
		return nil, 0, wrap("discoverControlRecord", ErrNoMetaData)
	}

	best := lastPages[0]
	for _, c := range lastPages[1:] {
		if c.header.SequenceNumber > best.header.SequenceNumber {
			best = c
		}
	}

	firstOffset := best.offset - int(best.header.LastPageNum) + 1
	if firstOffset < 0 {
		return nil, 0, wrap("discoverControlRecord", ErrBadMetaData)
	}

	numPages := int(best.header.LastPageNum)
	pages := make([][]byte, numPages)
	for i := 0; i < numPages; i++ {
		data := make([]byte, geo.PageSize)
		spare := driver.NewSpareArea(geo.SpareSize)
		pn := geo.FirstPageOf(best.block) + driver.PageNumber(firstOffset+i)
		res := e.drv.ReadPage(pn, data, spare)
		if res != driver.ResultOK || !spare.HasCtrlSignature() {
			return nil, 0, wrap("discoverControlRecord", ErrBadMetaData)
		}
		h := decodeHeader(data, V1)
		if h.SequenceNumber != best.header.SequenceNumber || h.LastPageNum != best.header.LastPageNum ||
			int(h.CurrentPageNum) != i+1 {
			return nil, 0, wrap("discoverControlRecord", ErrBadMetaData)
		}
		if crcOf(data) != h.CRC32 {
			return nil, 0, wrap("discoverControlRecord", ErrBadMetaData)
		}
		pages[i] = data
	}

	// Try V2 layout first, then V1; accept whichever reproduces the known
	// device geometry. A record read with the wrong layout can index past
	// the payload inside decodePayload; that panic counts as a failed decode.
	for _, v := range []FormatVersion{V2, V1} {
		hdrSize := headerSize(v)
		payload := make([]byte, 0, numPages*(geo.PageSize-hdrSize))
		for _, p := range pages {
			payload = append(payload, p[hdrSize:]...)
		}
		cfg := e.cfg
		cfg.FormatVersion = v
		s, err := func() (s *State, err error) {
			defer func() {
				if r := recover(); r != nil {
					s, err = nil, ErrBadMetaData
				}
			}()
			return decodePayload(payload, cfg)
		}()
		if err != nil {
			continue
		}
		if s.NumDeviceBlocks == geo.NumDeviceBlocks {
			if s.NumBadBlocks() > e.cfg.Geometry.MaxBadBlocks {
				return nil, 0, wrap("discoverControlRecord", ErrBadMetaData)
			}
			s.MaxBadBlocks = e.cfg.Geometry.MaxBadBlocks
			s.HighBlockCount = best.header.SequenceNumber
			return s, best.block, nil
		}
	}
	return nil, 0, wrap("discoverControlRecord", ErrBadMetaData)
}
