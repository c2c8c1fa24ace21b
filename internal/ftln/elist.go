package ftln

import "encoding/binary"

// encodeELIST appends a count-prefixed list of block numbers to buf
// starting at off, returning the offset just past what was written (or
// off unchanged if there isn't room left in the page).
func encodeELIST(buf []byte, off int, blocks []int) int {
	if off+4 > len(buf) {
		return off
	}
	n := len(blocks)
	maxN := (len(buf) - off - 4) / 4
	if n > maxN {
		n = maxN
	}
	binary.LittleEndian.PutUint32(buf[off:], uint32(n))
	off += 4
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(buf[off:], uint32(blocks[i]))
		off += 4
	}
	return off
}

// decodeELIST reads back a list encoded by encodeELIST, starting right
// after the wear-count table (spec.md §3.3's legacy erased-block list).
func decodeELIST(buf []byte, off int) []int {
	if off+4 > len(buf) {
		return nil
	}
	n := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	blocks := make([]int, 0, n)
	for i := 0; i < n && off+4 <= len(buf); i++ {
		blocks = append(blocks, int(binary.LittleEndian.Uint32(buf[off:])))
		off += 4
	}
	return blocks
}

// elistOffset returns the byte offset in an encoded meta-page payload
// where the ELIST begins, i.e. right after the wear-count table.
func elistOffset(numBlocks int) int {
	return 12 + 4*numBlocks
}
