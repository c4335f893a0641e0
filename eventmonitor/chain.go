package eventmonitor

import (
	"fmt"
	"sync"

	"github.com/evmrelay/relayer/chainmodel"
)

// Block is one fetched chain block, as reported by a Source. Events
// need not arrive pre-sorted; the monitor sorts them by
// chainmodel.Event.Less before publishing.
type Block struct {
	Height     uint64
	Hash       string
	ParentHash string
	Events     []chainmodel.Event
}

// canonicalChain is the sliding window of the last W accepted blocks,
// adapted from ethmonitor's Chain type: an oldest-first slice, trimmed
// from the front, used both to detect
// reorgs (by comparing a new block's ParentHash to the window head) and
// to bound memory, since blocks older than W are considered finalized.
type canonicalChain struct {
	mu      sync.Mutex
	window  int
	blocks  []Block // oldest first
}

func newCanonicalChain(window int) *canonicalChain {
	if window <= 0 {
		window = 64
	}
	return &canonicalChain{window: window}
}

// head returns the most recently accepted block, or false if empty.
func (c *canonicalChain) head() (Block, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.blocks) == 0 {
		return Block{}, false
	}
	return c.blocks[len(c.blocks)-1], true
}

// push appends b as the new head, trimming the window from the front.
func (c *canonicalChain) push(b Block) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocks = append(c.blocks, b)
	if len(c.blocks) > c.window {
		c.blocks = c.blocks[len(c.blocks)-c.window:]
	}
}

// pop removes and returns the current head, for reorg unwind.
func (c *canonicalChain) pop() (Block, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.blocks) == 0 {
		return Block{}, false
	}
	b := c.blocks[len(c.blocks)-1]
	c.blocks = c.blocks[:len(c.blocks)-1]
	return b, true
}

// oldestHeight reports the height of the oldest retained block: the
// finalization boundary. Restart resume does not use it; Run resumes
// from the persisted cursor via resumeHeight.
func (c *canonicalChain) oldestHeight() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.blocks) == 0 {
		return 0, false
	}
	return c.blocks[0].Height, true
}

func (b Block) String() string {
	return fmt.Sprintf("block#%d(%s<-%s)", b.Height, b.Hash, b.ParentHash)
}
