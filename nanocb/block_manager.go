package nanocb

import "fmt"

// Block represents a KV cache block
type Block struct {
	BlockID  int
	RefCount int
}

// NewBlock creates a new block
func NewBlock(blockID int) *Block {
	return &Block{BlockID: blockID}
}

// IsShared reports whether more than one sequence references the block.
// Writes to a shared block go through copy-on-write.
func (b *Block) IsShared() bool {
	return b.RefCount > 1
}

// BlockCopy asks the model runner to duplicate a block before the step runs.
type BlockCopy struct {
	Src int `json:"src" msgpack:"src"`
	Dst int `json:"dst" msgpack:"dst"`
}

// BlockManager manages the pool of KV cache blocks with reference counting
// and copy-on-write for forked sequences.
type BlockManager struct {
	blockSize    int
	blocks       []*Block
	freeBlockIDs []int
	copies       []BlockCopy
}

// NewBlockManager creates a new block manager
func NewBlockManager(numBlocks int, blockSize int) *BlockManager {
	blocks := make([]*Block, numBlocks)
	for i := 0; i < numBlocks; i++ {
		blocks[i] = NewBlock(i)
	}

	// Stack of free ids, block 0 on top
	freeBlockIDs := make([]int, numBlocks)
	for i := 0; i < numBlocks; i++ {
		freeBlockIDs[i] = numBlocks - 1 - i
	}

	return &BlockManager{
		blockSize:    blockSize,
		blocks:       blocks,
		freeBlockIDs: freeBlockIDs,
	}
}

// BlockSize returns the number of token positions per block
func (bm *BlockManager) BlockSize() int {
	return bm.blockSize
}

// Capacity returns the total number of blocks in the pool
func (bm *BlockManager) Capacity() int {
	return len(bm.blocks)
}

// NumFreeBlocks returns the number of unreferenced blocks
func (bm *BlockManager) NumFreeBlocks() int {
	return len(bm.freeBlockIDs)
}

// NumUsedBlocks returns the number of referenced blocks
func (bm *BlockManager) NumUsedBlocks() int {
	return len(bm.blocks) - len(bm.freeBlockIDs)
}

// CanAllocate checks if numBlocks free blocks are available
func (bm *BlockManager) CanAllocate(numBlocks int) bool {
	return len(bm.freeBlockIDs) >= numBlocks
}

// BlocksNeeded returns how many free blocks writing the next n tokens of seq
// takes, counting the private copy of a shared last block.
func (bm *BlockManager) BlocksNeeded(seq *Sequence, n int) int {
	if n <= 0 {
		return 0
	}
	start := seq.NumComputedTokens
	need := ceilDiv(start+n, bm.blockSize) - len(seq.BlockTable)
	if need < 0 {
		need = 0
	}
	if idx := start / bm.blockSize; idx < len(seq.BlockTable) && seq.BlockTable[idx].IsShared() {
		need++
	}
	return need
}

// Allocate reserves slots for the n tokens of seq that follow its computed
// prefix. It fails with ErrOutOfBlocks without touching anything.
func (bm *BlockManager) Allocate(seq *Sequence, n int) error {
	if n <= 0 {
		return nil
	}
	if need := bm.BlocksNeeded(seq, n); need > len(bm.freeBlockIDs) {
		return fmt.Errorf("sequence %d needs %d blocks, %d free: %w", seq.SeqID, need, len(bm.freeBlockIDs), ErrOutOfBlocks)
	}

	start := seq.NumComputedTokens
	if idx := start / bm.blockSize; idx < len(seq.BlockTable) {
		if shared := seq.BlockTable[idx]; shared.IsShared() {
			private := bm.allocateBlock()
			bm.copies = append(bm.copies, BlockCopy{Src: shared.BlockID, Dst: private.BlockID})
			shared.RefCount--
			seq.BlockTable[idx] = private
		}
	}

	for len(seq.BlockTable) < ceilDiv(start+n, bm.blockSize) {
		seq.BlockTable = append(seq.BlockTable, bm.allocateBlock())
	}
	return nil
}

// Fork makes child share every block of parent. Nothing is copied until
// one of them writes into a shared block.
func (bm *BlockManager) Fork(parent, child *Sequence) {
	child.BlockTable = make([]*Block, len(parent.BlockTable))
	copy(child.BlockTable, parent.BlockTable)
	for _, b := range child.BlockTable {
		b.RefCount++
	}
}

// Free drops seq's references and reclaims blocks nobody else holds
func (bm *BlockManager) Free(seq *Sequence) {
	// Deallocate in reverse order
	for i := len(seq.BlockTable) - 1; i >= 0; i-- {
		block := seq.BlockTable[i]
		block.RefCount--
		if block.RefCount == 0 {
			bm.deallocateBlock(block)
		}
	}
	seq.BlockTable = nil
}

// DrainCopies returns the copy-on-write operations recorded since the last call.
func (bm *BlockManager) DrainCopies() []BlockCopy {
	copies := bm.copies
	bm.copies = nil
	return copies
}

// allocateBlock pops a free block
func (bm *BlockManager) allocateBlock() *Block {
	last := len(bm.freeBlockIDs) - 1
	block := bm.blocks[bm.freeBlockIDs[last]]
	bm.freeBlockIDs = bm.freeBlockIDs[:last]
	if block.RefCount != 0 {
		panic("block is already allocated")
	}
	block.RefCount = 1
	return block
}

// deallocateBlock returns a block to the free list
func (bm *BlockManager) deallocateBlock(block *Block) {
	if block.RefCount != 0 {
		panic("block still has references")
	}
	bm.freeBlockIDs = append(bm.freeBlockIDs, block.BlockID)
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
