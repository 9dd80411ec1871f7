package nanocb

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

const emptySlot = -1

// PagedKVCache is the paged per-position store of a reference runner. Each
// slot keeps the token written at that position, standing in for the key
// and value vectors a real model would keep there. Positions are addressed
// through block tables exactly like a paged attention kernel does.
type PagedKVCache struct {
	blockSize int
	blocks    [][]int
}

// NewPagedKVCache creates a cache of numBlocks blocks of blockSize slots
func NewPagedKVCache(numBlocks, blockSize int) *PagedKVCache {
	blocks := make([][]int, numBlocks)
	for i := range blocks {
		blocks[i] = make([]int, blockSize)
		for j := range blocks[i] {
			blocks[i][j] = emptySlot
		}
	}
	return &PagedKVCache{blockSize: blockSize, blocks: blocks}
}

func (c *PagedKVCache) slot(table []int, pos int) (*int, error) {
	idx := pos / c.blockSize
	if idx >= len(table) {
		return nil, fmt.Errorf("position %d is outside a block table of %d blocks", pos, len(table))
	}
	id := table[idx]
	if id < 0 || id >= len(c.blocks) {
		return nil, fmt.Errorf("block id %d out of range", id)
	}
	return &c.blocks[id][pos%c.blockSize], nil
}

// Write stores tokens at positions [startPos, startPos+len(tokens)).
func (c *PagedKVCache) Write(table []int, startPos int, tokens []int) error {
	for i, tok := range tokens {
		s, err := c.slot(table, startPos+i)
		if err != nil {
			return err
		}
		*s = tok
	}
	return nil
}

// Gather reads back the first n positions of a sequence.
func (c *PagedKVCache) Gather(table []int, n int) ([]int, error) {
	out := make([]int, n)
	for pos := 0; pos < n; pos++ {
		s, err := c.slot(table, pos)
		if err != nil {
			return nil, err
		}
		if *s == emptySlot {
			return nil, fmt.Errorf("position %d was never written", pos)
		}
		out[pos] = *s
	}
	return out, nil
}

// ApplyCopies performs copy-on-write block copies in order.
func (c *PagedKVCache) ApplyCopies(copies []BlockCopy) error {
	for _, cp := range copies {
		if cp.Src < 0 || cp.Src >= len(c.blocks) || cp.Dst < 0 || cp.Dst >= len(c.blocks) {
			return fmt.Errorf("invalid block copy %d -> %d", cp.Src, cp.Dst)
		}
		copy(c.blocks[cp.Dst], c.blocks[cp.Src])
	}
	return nil
}

// hashTokens seeds the reference logits from a token window.
func hashTokens(tokens []int) uint64 {
	h := xxhash.New()
	buf := make([]byte, 4)
	for _, tok := range tokens {
		binary.LittleEndian.PutUint32(buf, uint32(tok))
		h.Write(buf)
	}
	return h.Sum64()
}
