// Package cursor provides ordered, latch-coupled iteration over an off_map
// B+Tree, for range scans (pkg/query) and table dumps that need to walk
// keys in order without holding the whole tree locked at once.
package cursor

import (
	"github.com/bobboyms/storage-engine/pkg/btree"
	"github.com/bobboyms/storage-engine/pkg/types"
)

// Cursor walks a tree's leaves left to right, holding an RLock on at most
// one leaf at a time (latch coupling): Next acquires the following leaf's
// lock before releasing the current one, so a concurrent split never
// strands the cursor mid-traversal.
type Cursor struct {
	tree         *btree.BPlusTree
	currentNode  *btree.Node
	currentIndex int
}

func New(tree *btree.BPlusTree) *Cursor {
	return &Cursor{tree: tree}
}

// Close releases the currently held leaf lock, if any. Safe to call
// multiple times.
func (c *Cursor) Close() {
	if c.currentNode != nil {
		c.currentNode.RUnlock()
		c.currentNode = nil
	}
}

func (c *Cursor) Key() types.Comparable { return c.currentNode.Keys[c.currentIndex] }
func (c *Cursor) Value() int64          { return c.currentNode.DataPtrs[c.currentIndex] }
func (c *Cursor) Valid() bool           { return c.currentNode != nil && c.currentIndex < c.currentNode.N }

// Seek positions the cursor at key, or at the next key greater than it if
// key itself isn't present.
func (c *Cursor) Seek(key types.Comparable) {
	c.Close()

	leaf, idx := c.tree.FindLeafLowerBound(key)
	if leaf == nil {
		c.currentNode = nil
		c.currentIndex = 0
		return
	}

	if idx >= leaf.N {
		next := leaf.Next
		if next == nil {
			leaf.RUnlock()
			c.currentNode = nil
			return
		}
		next.RLock()
		leaf.RUnlock()
		leaf, idx = next, 0

		for leaf != nil && leaf.N == 0 {
			n := leaf.Next
			if n != nil {
				n.RLock()
			}
			leaf.RUnlock()
			leaf, idx = n, 0
		}
	}

	if leaf == nil {
		c.currentNode = nil
		return
	}
	c.currentNode = leaf
	c.currentIndex = idx
}

// Next advances to the following entry, returning false once exhausted.
func (c *Cursor) Next() bool {
	if c.currentNode == nil {
		return false
	}

	if c.currentIndex+1 < c.currentNode.N {
		c.currentIndex++
		return true
	}

	next := c.currentNode.Next
	if next != nil {
		next.RLock()
	}
	c.currentNode.RUnlock()
	c.currentNode = next
	c.currentIndex = 0

	for c.currentNode != nil && c.currentNode.N == 0 {
		n := c.currentNode.Next
		if n != nil {
			n.RLock()
		}
		c.currentNode.RUnlock()
		c.currentNode = n
		c.currentIndex = 0
	}

	return c.currentNode != nil
}
