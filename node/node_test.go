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

package node_test

import (
	"testing"

	"github.com/googlecloudplatform/sdcardfs/node"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type CacheTest struct {
	suite.Suite
	cache *node.Cache
}

func TestCacheSuite(t *testing.T) {
	suite.Run(t, new(CacheTest))
}

func (t *CacheTest) SetupTest() {
	t.cache = node.NewCache("/data/media")
}

func (t *CacheTest) TestRootIsSeededAboveZero() {
	root := t.cache.Root()
	assert.EqualValues(t.T(), node.RootID, root.ID())
	assert.Equal(t.T(), "/data/media", root.Name())

	// The root should survive an aggressive forget without being destroyed.
	t.cache.Release(root, 1)
	got, ok := t.cache.Resolve(node.RootID)
	require.True(t.T(), ok)
	assert.Same(t.T(), root, got)
}

func (t *CacheTest) TestLookupOrCreateMintsFreshIdentifiers() {
	root := t.cache.Root()
	a, aCreated := t.cache.LookupOrCreate(root, "a")
	b, bCreated := t.cache.LookupOrCreate(root, "b")
	assert.True(t.T(), aCreated)
	assert.True(t.T(), bCreated)

	assert.NotEqual(t.T(), a.ID(), b.ID())
	assert.NotEqual(t.T(), a.Gen(), b.Gen())

	again, ok := t.cache.LookupChild(root, "a")
	require.True(t.T(), ok)
	assert.Same(t.T(), a, again)

	_, createdAgain := t.cache.LookupOrCreate(root, "a")
	assert.False(t.T(), createdAgain, "a second LookupOrCreate of the same name must report a cache hit, not a mint")
}

// TestForgetBalancing exercises the Cache's own AddRef/Release primitives
// directly. The accounting a dispatcher reply actually performs — skip
// AddRef for the reply that minted the node, AddRef for every later one —
// is covered end to end in fs_test.go's TestLookupThenForgetDestroysNode,
// since that's the level where a caller forgetting to check "created"
// would actually manifest as a leak.
func (t *CacheTest) TestForgetBalancing() {
	root := t.cache.Root()
	a, _ := t.cache.LookupOrCreate(root, "a")

	// a starts at refcount 1 (the creating reply). Two more references
	// bring it to 3, matching three outstanding kernel lookups.
	t.cache.AddRef(a)
	t.cache.AddRef(a)

	t.cache.Release(a, 2)
	_, ok := t.cache.Resolve(a.ID())
	assert.True(t.T(), ok, "node should still be cached after partial forget")

	t.cache.Release(a, 1)
	_, ok = t.cache.Resolve(a.ID())
	assert.False(t.T(), ok, "node should be destroyed once refcount hits zero")
}

func (t *CacheTest) TestForgetClampsInsteadOfPanicking() {
	root := t.cache.Root()
	a, _ := t.cache.LookupOrCreate(root, "a")

	assert.NotPanics(t.T(), func() {
		t.cache.Release(a, 1000)
	})
	_, ok := t.cache.Resolve(a.ID())
	assert.False(t.T(), ok)
}

func (t *CacheTest) TestRenameAcrossDirectories() {
	root := t.cache.Root()
	dirA, _ := t.cache.LookupOrCreate(root, "a")
	dirB, _ := t.cache.LookupOrCreate(root, "b")
	x, _ := t.cache.LookupOrCreate(dirA, "x")

	origID, origGen := x.ID(), x.Gen()

	t.cache.Rename(x, dirB, "y")

	_, ok := t.cache.LookupChild(dirA, "x")
	assert.False(t.T(), ok)

	y, ok := t.cache.LookupChild(dirB, "y")
	require.True(t.T(), ok)
	assert.Equal(t.T(), origID, y.ID())
	assert.Equal(t.T(), origGen, y.Gen())
}

func (t *CacheTest) TestSiblingUniquenessAfterRename() {
	root := t.cache.Root()
	dirA, _ := t.cache.LookupOrCreate(root, "a")
	dirB, _ := t.cache.LookupOrCreate(root, "b")
	t.cache.LookupOrCreate(dirA, "x")
	existing, _ := t.cache.LookupOrCreate(dirB, "y")

	x, _ := t.cache.LookupChild(dirA, "x")
	t.cache.Rename(x, dirB, "y")

	// The cache does not itself reject the collision (the backing rename(2)
	// would have replaced the old "y"); after the cache-only mutation there
	// must still be exactly one child named "y" under dirB.
	count := 0
	for _, name := range []string{"y"} {
		if child, ok := t.cache.LookupChild(dirB, name); ok && child != nil {
			count++
		}
	}
	assert.Equal(t.T(), 1, count)
	assert.NotSame(t.T(), existing, mustChild(t, t.cache, dirB, "y"))
}

func mustChild(t *CacheTest, c *node.Cache, parent *node.Node, name string) *node.Node {
	ch, ok := c.LookupChild(parent, name)
	require.True(t.T(), ok)
	return ch
}

func (t *CacheTest) TestReleasingChildDropsParentReference() {
	root := t.cache.Root()
	dirA, _ := t.cache.LookupOrCreate(root, "a")
	x, _ := t.cache.LookupOrCreate(dirA, "x")

	// dirA has refcount 1 from its own creating reply; while x is cached,
	// x's parent link also holds dirA in the tree.
	t.cache.Release(x, 1)
	_, ok := t.cache.LookupChild(dirA, "x")
	assert.False(t.T(), ok)

	// dirA itself must still be resolvable: x reaching zero drops only x's
	// parent link, and dirA still holds the reference from its own
	// creating reply.
	_, ok = t.cache.Resolve(dirA.ID())
	assert.True(t.T(), ok)
}
