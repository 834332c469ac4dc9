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

package node

import (
	"os"

	"github.com/jacobsa/fuse/fuseops"
)

// HandleID is the opaque 64-bit token returned to the kernel for an open
// file or directory resource. Its space is disjoint from node ids; nothing
// compares a HandleID to an ID.
type HandleID uint64

// FileHandle owns a backing file descriptor for one OPEN/RELEASE lifetime.
type FileHandle struct {
	Node *Node // informational back-pointer.
	File *os.File
}

// DirHandle owns a backing directory stream for one OPENDIR/RELEASEDIR
// lifetime. Entries holds the whole listing, read on the first READDIR;
// each READDIR serves as many of them as fit in the kernel's buffer.
type DirHandle struct {
	Node    *Node
	File    *os.File
	Entries []os.DirEntry
	// Offset is the index into Entries of the next entry READDIR should
	// serve; it plays the role of the kernel-visible directory offset.
	Offset int
}

// HandleTable tracks open file and directory handles, keyed by the opaque
// token handed back to the kernel.
type HandleTable struct {
	nextID ID
	files  map[HandleID]*FileHandle
	dirs   map[HandleID]*DirHandle
}

// NewHandleTable returns an empty table. Token allocation starts at 1 so a
// zero HandleID is never mistaken for a valid one.
func NewHandleTable() *HandleTable {
	return &HandleTable{
		nextID: 1,
		files:  make(map[HandleID]*FileHandle),
		dirs:   make(map[HandleID]*DirHandle),
	}
}

func (t *HandleTable) alloc() HandleID {
	id := HandleID(t.nextID)
	t.nextID++
	return id
}

// OpenFile registers a new file handle and returns its token.
func (t *HandleTable) OpenFile(n *Node, f *os.File) fuseops.HandleID {
	id := t.alloc()
	t.files[id] = &FileHandle{Node: n, File: f}
	return fuseops.HandleID(id)
}

// OpenDir registers a new directory handle and returns its token.
func (t *HandleTable) OpenDir(n *Node, f *os.File) fuseops.HandleID {
	id := t.alloc()
	t.dirs[id] = &DirHandle{Node: n, File: f}
	return fuseops.HandleID(id)
}

// File resolves a handle token to its file handle.
func (t *HandleTable) File(id fuseops.HandleID) (*FileHandle, bool) {
	h, ok := t.files[HandleID(id)]
	return h, ok
}

// Dir resolves a handle token to its directory handle.
func (t *HandleTable) Dir(id fuseops.HandleID) (*DirHandle, bool) {
	h, ok := t.dirs[HandleID(id)]
	return h, ok
}

// ReleaseFile closes the backing descriptor and forgets the handle.
func (t *HandleTable) ReleaseFile(id fuseops.HandleID) error {
	h, ok := t.files[HandleID(id)]
	if !ok {
		return nil
	}
	delete(t.files, HandleID(id))
	return h.File.Close()
}

// ReleaseDir closes the backing stream and forgets the handle.
func (t *HandleTable) ReleaseDir(id fuseops.HandleID) error {
	h, ok := t.dirs[HandleID(id)]
	if !ok {
		return nil
	}
	delete(t.dirs, HandleID(id))
	return h.File.Close()
}
