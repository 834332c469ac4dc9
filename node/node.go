// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package node owns the in-memory tree of nodes the kernel has learned
// about: a parent-linked, reference-counted mirror of the paths visited
// through the mount, keyed by the 64-bit node id the kernel uses to name
// them in subsequent requests.
package node

import (
	"fmt"

	"github.com/googlecloudplatform/sdcardfs/internal/logger"
	"github.com/jacobsa/syncutil"
)

// ID is the stable identifier the kernel uses to name a node. 1 is reserved
// for the root.
type ID uint64

// RootID is the fixed id of the exported directory's root.
const RootID ID = 1

// Node represents one name the kernel has learned about in the exported
// tree. See the package doc and the data model in the design notes for the
// invariants a Node must uphold:
//
//   - sibling uniqueness: no two children of a parent share a name.
//   - reachability: every non-root node is reachable from the root by
//     repeated parent links.
//   - identifier stability: once reported with (id, gen), those values
//     never change for the lifetime of the node.
//   - refcount == 0 implies detached-and-destroyed; the root's refcount is
//     seeded above zero so it cannot reach zero in normal operation.
type Node struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	id ID

	// gen is assigned once, at creation, and returned alongside id on every
	// lookup-style reply so the kernel can detect id reuse.
	gen uint64

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu syncutil.InvariantMutex

	// name is the single path component under parent. For the root, name is
	// the absolute backing path of the exported directory.
	//
	// GUARDED_BY(mu)
	name string

	// parent is nil only for the root.
	//
	// GUARDED_BY(mu)
	parent *Node

	// children is unordered; lookups are a linear scan, matching the scale
	// this daemon runs at (a single removable-storage directory tree, not a
	// namespace sized for hashing to pay for itself).
	//
	// GUARDED_BY(mu)
	children []*Node

	// refcount counts outstanding kernel-lookup references: one per LOOKUP/
	// MKNOD/MKDIR reply that named this node, decremented by a FORGET's
	// nlookup. A node is minted in response to the reply that first names
	// it, so it starts at 1 for that reply — LookupOrCreate's caller must
	// not add a separate reference for the same reply (see its "created"
	// return value).
	//
	// GUARDED_BY(mu)
	refcount uint64
}

func (n *Node) checkInvariants() {
	seen := make(map[string]bool, len(n.children))
	for _, c := range n.children {
		if seen[c.name] {
			panic(fmt.Sprintf("duplicate child name %q under node %d", c.name, n.id))
		}
		seen[c.name] = true
	}
}

// ID returns the node's stable identifier. Does not require the lock.
func (n *Node) ID() ID { return n.id }

// Gen returns the node's generation counter. Does not require the lock.
func (n *Node) Gen() uint64 { return n.gen }

// Name returns the node's single path component (or, for the root, the
// absolute backing path).
//
// LOCKS_REQUIRED(n.mu) via caller convention; cheap enough that callers
// typically hold the cache lock rather than n.mu directly (see Cache).
func (n *Node) Name() string { return n.name }

// Parent returns the node's parent, or nil for the root.
func (n *Node) Parent() *Node { return n.parent }

// Lock/Unlock satisfy sync.Locker so Node can participate in the same
// invariant-mutex discipline as the rest of the tree.
func (n *Node) Lock()   { n.mu.Lock() }
func (n *Node) Unlock() { n.mu.Unlock() }

// Cache owns the tree of nodes rooted at Root, and the nid/gen allocators.
// The dispatcher's one goroutine is the only caller, but the
// InvariantMutex discipline is kept for the same documentation/defensive-
// check reasons gcsfuse keeps one on its inode map even though FUSE
// guarantees request ordering per inode.
type Cache struct {
	mu syncutil.InvariantMutex

	// GUARDED_BY(mu)
	root *Node

	// GUARDED_BY(mu)
	byID map[ID]*Node

	// GUARDED_BY(mu)
	nextID ID

	// GUARDED_BY(mu)
	nextGen uint64
}

func (c *Cache) checkInvariants() {
	if _, ok := c.byID[RootID]; !ok {
		panic("root missing from byID map")
	}
}

// NewCache creates a cache whose root node has the given backing path as its
// name, nid 1, and a refcount of 2 (the parent-link slot the root doesn't
// otherwise use, plus one implicit kernel reference) so it can never reach
// zero through ordinary FORGET traffic.
func NewCache(backingPath string) *Cache {
	root := &Node{
		id:       RootID,
		gen:      1,
		name:     backingPath,
		refcount: 2,
	}

	c := &Cache{
		root:    root,
		byID:    map[ID]*Node{RootID: root},
		nextID:  2,
		nextGen: 2,
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkInvariants()

	return c
}

// Root returns the cache's root node.
func (c *Cache) Root() *Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.root
}

// Resolve maps a node id to a node. Unknown ids return ok == false, which
// callers translate to ENOENT.
func (c *Cache) Resolve(id ID) (n *Node, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok = c.byID[id]
	return
}

// LookupChild does a linear scan of parent's children for name. Does not
// touch the backing filesystem; see LookupOrCreate for that.
func (c *Cache) LookupChild(parent *Node, name string) (child *Node, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ch := range parent.children {
		if ch.name == name {
			return ch, true
		}
	}
	return nil, false
}

// LookupOrCreate returns the existing child of parent named name if cached,
// or mints a new node with a fresh id and generation, attached to parent.
// The caller is responsible for having already confirmed the name exists on
// the backing filesystem (the dispatcher's job, not the cache's) before
// calling this.
//
// created reports whether this call minted the node. A fresh node's
// refcount starts at 1, already accounting for the lookup-style reply the
// caller is about to send — the caller must not call AddRef for that same
// reply (only for a cache hit, i.e. created == false, does the caller add a
// reference itself).
func (c *Cache) LookupOrCreate(parent *Node, name string) (child *Node, created bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ch := range parent.children {
		if ch.name == name {
			return ch, false
		}
	}

	child = &Node{
		id:       c.nextID,
		gen:      c.nextGen,
		name:     name,
		parent:   parent,
		refcount: 1,
	}
	c.nextID++
	c.nextGen++

	c.byID[child.id] = child
	parent.children = append(parent.children, child)
	c.checkInvariants()

	return child, true
}

// AddRef bumps a node's kernel-lookup refcount by one. Used after a
// lookup-style reply (LOOKUP, and the success path of MKNOD/MKDIR) names an
// already-cached node (LookupOrCreate's created == false); a reply that
// just minted the node must not call this, since the node's initial
// refcount already accounts for that reply. See Release's doc comment for
// the rollback path when the write fails instead.
func (c *Cache) AddRef(n *Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n.refcount++
}

// Rename detaches target from its current parent, renames it in place, and
// re-attaches it under newParent. This is the cache-only half of RENAME:
// the dispatcher calls this *before* performing the backing rename(2), and
// does not roll the cache back if the backing call then fails. That
// ordering is a deliberate bug-compatible choice documented in DESIGN.md,
// not an oversight here.
func (c *Cache) Rename(target *Node, newParent *Node, newName string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.detach(target)

	// A cached child already named newName is replaced, as rename(2)
	// replaces the backing entry: it leaves newParent's child list so
	// sibling names stay unique, and stays resolvable by id until forgotten.
	for i, ch := range newParent.children {
		if ch.name == newName {
			newParent.children = append(newParent.children[:i], newParent.children[i+1:]...)
			break
		}
	}

	target.name = newName
	target.parent = newParent
	newParent.children = append(newParent.children, target)

	c.checkInvariants()
}

// detach splices target out of its current parent's child list without
// touching any refcount. A node's hold on its parent is its presence in that
// list: Rename re-attaches immediately, and releaseLocked checks whether the
// parent is left with neither references nor children.
func (c *Cache) detach(target *Node) {
	p := target.parent
	if p == nil {
		return
	}
	for i, ch := range p.children {
		if ch == target {
			p.children = append(p.children[:i], p.children[i+1:]...)
			break
		}
	}
}

// Release decrements n's refcount by count (a FORGET's nlookup, or 1 for an
// internal release). If count exceeds the current refcount, the excess is
// logged and ignored rather than underflowing — a deliberate deviation from
// a lookup-count implementation that panics on over-decrement instead.
//
// A cached child's parent link holds its parent in the tree: a node is
// destroyed (spliced out of its parent's child list and dropped from the id
// map) only once its refcount is zero and it has no cached children.
// Destroying a node lets go of its parent, which is destroyed in turn if it
// is left with neither. The root is never destroyed: a release naming it
// only lowers its count, clamped at zero.
func (c *Cache) Release(n *Node, count uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseLocked(n, count)
}

// LOCKS_REQUIRED(c.mu)
func (c *Cache) releaseLocked(n *Node, count uint64) {
	if n.id == RootID {
		// The root only has its count lowered, never destroyed.
		if count > n.refcount {
			logger.Warnf("node: forget count %d exceeds root refcount %d, clamping", count, n.refcount)
			count = n.refcount
		}
		n.refcount -= count
		return
	}

	if count > n.refcount {
		logger.Warnf("node: forget count %d exceeds refcount %d for nid %d, clamping", count, n.refcount, n.id)
		count = n.refcount
	}
	n.refcount -= count

	for n.refcount == 0 && len(n.children) == 0 {
		parent := n.parent
		c.detach(n)
		delete(c.byID, n.id)

		if parent == nil || parent.id == RootID {
			return
		}
		n = parent
	}
}
