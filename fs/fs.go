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

// Package fs is the dispatcher: for each opcode the kernel sends, it
// validates the request, resolves the target through the node cache,
// performs the corresponding backing syscall, maps the result through the
// fixed-ownership attribute policy, and replies.
package fs

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/googlecloudplatform/sdcardfs/common"
	"github.com/googlecloudplatform/sdcardfs/node"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/timeutil"
	"golang.org/x/sys/unix"
)

// entryTTL is the validity window attached to every lookup-style and
// attribute reply: ten seconds before the kernel must re-validate.
const entryTTL = 10 * time.Second

// maxReadSize is the largest READ the dispatcher will service in one call;
// larger requests are rejected with EINVAL rather than silently truncated.
const maxReadSize = 128 * 1024

// maxWriteSize matches the negotiated max_write and bounds a single WRITE
// payload.
const maxWriteSize = 256 * 1024

// ServerConfig carries everything NewServer needs to build the dispatcher.
type ServerConfig struct {
	// Clock backs entry/attribute validity timestamps. Real deployments and
	// the package's tests use timeutil.RealClock().
	Clock timeutil.Clock

	// BackingPath is the host directory this mount exports.
	BackingPath string

	// Uid/Gid are the fixed-ownership values every attribute reply reports.
	Uid uint32
	Gid uint32

	// CaseFold enables the outgoing-name lowercasing behavior.
	CaseFold bool

	// Metrics receives per-opcode counters; pass common.NewNoopMetrics() if
	// the caller doesn't want to wire a MeterProvider.
	Metrics common.MetricHandle
}

// fileSystem implements fuseutil.FileSystem. The dispatcher is driven by a
// single goroutine (jacobsa/fuse calls FileSystem methods serially unless
// EnableParallelDirOps is set, which this daemon does not opt into), so
// none of its fields need their own lock beyond the InvariantMutex
// discipline node.Cache already carries for documentation purposes;
// node.HandleTable has no lock.
type fileSystem struct {
	fuseutil.NotImplementedFileSystem

	clock    timeutil.Clock
	cache    *node.Cache
	handles  *node.HandleTable
	policy   node.Policy
	caseFold bool
	metrics  common.MetricHandle
}

// NewServer builds a fuse.Server ready to be passed to fuse.Mount.
func NewServer(cfg *ServerConfig) (fuse.Server, error) {
	if cfg.Uid == 0 || cfg.Gid == 0 {
		return nil, fmt.Errorf("fs: refusing to serve with uid/gid 0")
	}

	fs := &fileSystem{
		clock:    cfg.Clock,
		cache:    node.NewCache(cfg.BackingPath),
		handles:  node.NewHandleTable(),
		policy:   node.Policy{UID: cfg.Uid, GID: cfg.Gid},
		caseFold: cfg.CaseFold,
		metrics:  cfg.Metrics,
	}

	return fuseutil.NewFileSystemServer(fs), nil
}

// recordOp times and counts one dispatcher call, mirroring gcsfuse's
// otel-wrapped fileSystem methods but scoped to this daemon's opcode set.
func (fs *fileSystem) recordOp(opName string, start time.Time, err *error) {
	ctx := context.Background()
	attrs := []common.MetricAttr{{Key: common.FSOpKey, Value: opName}}
	fs.metrics.OpsCount(ctx, 1, attrs)
	fs.metrics.OpsLatency(ctx, fs.clock.Now().Sub(start), attrs)
	if *err != nil {
		fs.metrics.OpsErrorCount(ctx, 1, attrs)
	}
}

// lstat is the one place raw unix.Lstat calls funnel through, so every
// caller gets the same errno passthrough.
func lstat(path string) (*unix.Stat_t, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// resolve maps an inode id to a cached node or ENOENT.
func (fs *fileSystem) resolve(id fuseops.InodeID) (*node.Node, error) {
	n, ok := fs.cache.Resolve(node.ID(id))
	if !ok {
		return nil, fuse.ENOENT
	}
	return n, nil
}

// lookupChild stats parent/name on the backing filesystem. Name resolution
// always uses the name the kernel gave us verbatim, never folded — folding
// only ever shapes outgoing names (see ReadDir) — and returns the child
// node, creating a cache entry the first time it's seen. created reports
// whether this call minted the node, so callers know whether its refcount
// already accounts for the reply they're about to send (see
// node.Cache.LookupOrCreate).
func (fs *fileSystem) lookupChild(parent *node.Node, name string) (child *node.Node, st *unix.Stat_t, created bool, err error) {
	path, err := node.Path(parent, name, false)
	if err != nil {
		return nil, nil, false, err
	}

	st, err = lstat(path)
	if err != nil {
		return nil, nil, false, err
	}

	child, created = fs.cache.LookupOrCreate(parent, name)
	return child, st, created, nil
}

func (fs *fileSystem) fillEntry(entry *fuseops.ChildInodeEntry, child *node.Node, st *unix.Stat_t) {
	entry.Child = fuseops.InodeID(child.ID())
	entry.Generation = fuseops.GenerationNumber(child.Gen())
	entry.Attributes = node.Attributes(child, st, fs.policy)
	entry.EntryExpiration = fs.clock.Now().Add(entryTTL)
	entry.AttributesExpiration = fs.clock.Now().Add(entryTTL)
}

////////////////////////////////////////////////////////////////////////
// fuseutil.FileSystem methods
////////////////////////////////////////////////////////////////////////

// Init negotiates protocol parameters. The fixed max_write/max_background/
// congestion_threshold values are supplied as mount options in cmd's
// fuse.MountConfig rather than here; jacobsa/fuse does not expose them
// through InitOp.
func (fs *fileSystem) Init(op *fuseops.InitOp) error {
	return nil
}

func (fs *fileSystem) LookUpInode(op *fuseops.LookUpInodeOp) (err error) {
	defer fs.recordOp(common.OpLookUpInode, fs.clock.Now(), &err)

	parent, err := fs.resolve(op.Parent)
	if err != nil {
		return err
	}

	child, st, created, err := fs.lookupChild(parent, op.Name)
	if err != nil {
		return err
	}

	fs.fillEntry(&op.Entry, child, st)
	if !created {
		fs.cache.AddRef(child)
	}
	return nil
}

func (fs *fileSystem) GetInodeAttributes(op *fuseops.GetInodeAttributesOp) (err error) {
	defer fs.recordOp(common.OpGetInodeAttributes, fs.clock.Now(), &err)

	n, err := fs.resolve(op.Inode)
	if err != nil {
		return err
	}

	path, err := node.Path(n, "", false)
	if err != nil {
		return err
	}
	st, err := lstat(path)
	if err != nil {
		return err
	}

	op.Attributes = node.Attributes(n, st, fs.policy)
	op.AttributesExpiration = fs.clock.Now().Add(entryTTL)
	return nil
}

// SetInodeAttributes honors only the Size field (truncate); mode/atime/
// mtime are silently ignored — chmod/chown must appear to succeed without
// changing anything, replying with a synthesized attribute record instead
// of an error.
func (fs *fileSystem) SetInodeAttributes(op *fuseops.SetInodeAttributesOp) (err error) {
	defer fs.recordOp(common.OpSetInodeAttributes, fs.clock.Now(), &err)

	n, err := fs.resolve(op.Inode)
	if err != nil {
		return err
	}

	path, err := node.Path(n, "", false)
	if err != nil {
		return err
	}

	if op.Size != nil {
		if err := unix.Truncate(path, int64(*op.Size)); err != nil {
			return err
		}
	}

	st, err := lstat(path)
	if err != nil {
		return err
	}

	op.Attributes = node.Attributes(n, st, fs.policy)
	op.AttributesExpiration = fs.clock.Now().Add(entryTTL)
	return nil
}

func (fs *fileSystem) ForgetInode(op *fuseops.ForgetInodeOp) (err error) {
	defer fs.recordOp(common.OpForgetInode, fs.clock.Now(), &err)

	n, err := fs.resolve(op.Inode)
	if err != nil {
		return err
	}
	fs.cache.Release(n, uint64(op.N))
	return nil
}

func (fs *fileSystem) MkDir(op *fuseops.MkDirOp) (err error) {
	defer fs.recordOp(common.OpMkDir, fs.clock.Now(), &err)

	parent, err := fs.resolve(op.Parent)
	if err != nil {
		return err
	}

	path, err := node.Path(parent, op.Name, false)
	if err != nil {
		return err
	}

	mode := node.ClampCreateMode(os.ModeDir, true)
	if err := unix.Mkdir(path, uint32(mode.Perm())); err != nil {
		if err == unix.EEXIST {
			return fuse.EEXIST
		}
		return err
	}

	return fs.replyAsLookup(&op.Entry, parent, op.Name)
}

// MkNode handles mknod(2) for regular files, the creation path a
// FAT-backed daemon actually takes (no O_CREAT fast path). Mode is
// clamped to 0664 before the backing call.
func (fs *fileSystem) MkNode(op *fuseops.MkNodOp) (err error) {
	defer fs.recordOp(common.OpMkNode, fs.clock.Now(), &err)

	parent, err := fs.resolve(op.Parent)
	if err != nil {
		return err
	}

	path, err := node.Path(parent, op.Name, false)
	if err != nil {
		return err
	}

	mode := node.ClampCreateMode(op.Mode&os.ModeType, false)
	rawMode := node.ModeToUnix(mode.Type()) | uint32(mode.Perm())
	if err := unix.Mknod(path, rawMode, int(op.Rdev)); err != nil {
		if err == unix.EEXIST {
			return fuse.EEXIST
		}
		return err
	}

	return fs.replyAsLookup(&op.Entry, parent, op.Name)
}

// replyAsLookup fills entry by performing the same work as a LOOKUP of
// name under parent, the "on success, perform a LOOKUP of the new name"
// contract MkNode/MkDir share.
func (fs *fileSystem) replyAsLookup(entry *fuseops.ChildInodeEntry, parent *node.Node, name string) error {
	child, st, created, err := fs.lookupChild(parent, name)
	if err != nil {
		return err
	}
	fs.fillEntry(entry, child, st)
	if !created {
		fs.cache.AddRef(child)
	}
	return nil
}

func (fs *fileSystem) RmDir(op *fuseops.RmDirOp) (err error) {
	defer fs.recordOp(common.OpRmDir, fs.clock.Now(), &err)

	parent, err := fs.resolve(op.Parent)
	if err != nil {
		return err
	}

	path, err := node.Path(parent, op.Name, false)
	if err != nil {
		return err
	}

	return unix.Rmdir(path)
}

func (fs *fileSystem) Unlink(op *fuseops.UnlinkOp) (err error) {
	defer fs.recordOp(common.OpUnlink, fs.clock.Now(), &err)

	parent, err := fs.resolve(op.Parent)
	if err != nil {
		return err
	}

	path, err := node.Path(parent, op.Name, false)
	if err != nil {
		return err
	}

	return unix.Unlink(path)
}

// Rename updates the cache before touching the backing filesystem and does
// not roll the cache back on failure; see node.Cache.Rename's doc comment
// and DESIGN.md for why this ordering is kept bug-compatible rather than
// "fixed".
func (fs *fileSystem) Rename(op *fuseops.RenameOp) (err error) {
	defer fs.recordOp(common.OpRename, fs.clock.Now(), &err)

	oldParent, err := fs.resolve(op.OldParent)
	if err != nil {
		return err
	}
	newParent, err := fs.resolve(op.NewParent)
	if err != nil {
		return err
	}

	target, ok := fs.cache.LookupChild(oldParent, op.OldName)
	if !ok {
		return fuse.ENOENT
	}

	oldPath, err := node.Path(oldParent, op.OldName, false)
	if err != nil {
		return err
	}
	newPath, err := node.Path(newParent, op.NewName, false)
	if err != nil {
		return err
	}

	fs.cache.Rename(target, newParent, op.NewName)

	return unix.Rename(oldPath, newPath)
}

func (fs *fileSystem) OpenDir(op *fuseops.OpenDirOp) (err error) {
	defer fs.recordOp(common.OpOpenDir, fs.clock.Now(), &err)

	n, err := fs.resolve(op.Inode)
	if err != nil {
		return err
	}

	path, err := node.Path(n, "", false)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}

	op.Handle = fs.handles.OpenDir(n, f)
	return nil
}

// ReadDir reads the whole directory on its first call for a handle, then
// fills the kernel's buffer with as many of the remaining entries as fit,
// applying
// name-normalization directly to the reported Name (never by folding the
// backing path) so folding only ever affects what goes out to the kernel,
// never what the daemon looks up.
func (fs *fileSystem) ReadDir(op *fuseops.ReadDirOp) (err error) {
	defer fs.recordOp(common.OpReadDir, fs.clock.Now(), &err)

	dh, ok := fs.handles.Dir(op.Handle)
	if !ok {
		return fuse.ENOENT
	}

	if dh.Entries == nil {
		entries, err := dh.File.ReadDir(-1)
		if err != nil {
			return err
		}
		dh.Entries = entries
	}

	var n int
	for dh.Offset < len(dh.Entries) {
		de := dh.Entries[dh.Offset]
		name := de.Name()
		if fs.caseFold {
			name = node.Normalize(name)
		}

		dirent := fuseutil.Dirent{
			Offset: fuseops.DirOffset(dh.Offset + 1),
			Inode:  fuseops.InodeID(^uint64(0)), // all-ones placeholder inode
			Name:   name,
			Type:   direntType(de),
		}

		written := fuseutil.WriteDirent(op.Dst[n:], dirent)
		if written == 0 {
			break
		}
		n += written
		dh.Offset++
	}

	op.BytesRead = n
	return nil
}

func direntType(de os.DirEntry) fuseutil.DirentType {
	if de.IsDir() {
		return fuseutil.DT_Directory
	}
	return fuseutil.DT_File
}

func (fs *fileSystem) ReleaseDirHandle(op *fuseops.ReleaseDirHandleOp) (err error) {
	defer fs.recordOp(common.OpReleaseDirHandle, fs.clock.Now(), &err)
	return fs.handles.ReleaseDir(op.Handle)
}

// OpenFile opens the backing file with the flags the kernel actually asked
// for, not a hard-coded O_RDWR: the repair pass only chowns, never chmods
// (fs/repair.go), so a backing entry can be mode-restricted to the point
// where a read-only open needs to ask for O_RDONLY to succeed.
func (fs *fileSystem) OpenFile(op *fuseops.OpenFileOp) (err error) {
	defer fs.recordOp(common.OpOpenFile, fs.clock.Now(), &err)

	n, err := fs.resolve(op.Inode)
	if err != nil {
		return err
	}

	path, err := node.Path(n, "", false)
	if err != nil {
		return err
	}

	fd, err := unix.Open(path, int(op.Flags), 0)
	if err != nil {
		return err
	}

	op.Handle = fs.handles.OpenFile(n, os.NewFile(uintptr(fd), path))
	return nil
}

// ReadFile rejects sizes above maxReadSize with EINVAL.
func (fs *fileSystem) ReadFile(op *fuseops.ReadFileOp) (err error) {
	defer fs.recordOp(common.OpReadFile, fs.clock.Now(), &err)

	if len(op.Dst) > maxReadSize {
		return syscall.EINVAL
	}

	fh, ok := fs.handles.File(op.Handle)
	if !ok {
		return fuse.ENOENT
	}

	n, readErr := fh.File.ReadAt(op.Dst, op.Offset)
	op.BytesRead = n
	if readErr != nil && n == 0 {
		if readErr.Error() == "EOF" {
			return nil
		}
		return readErr
	}

	fs.metrics.ReadBytesCount(context.Background(), int64(n))
	return nil
}

// WriteFile emits exactly one reply. A known quirk in the daemon this was
// ported from falls through to a second, spurious ENOSYS reply after a
// successful write; that is deliberately not reproduced here.
func (fs *fileSystem) WriteFile(op *fuseops.WriteFileOp) (err error) {
	defer fs.recordOp(common.OpWriteFile, fs.clock.Now(), &err)

	if len(op.Data) > maxWriteSize {
		return syscall.EINVAL
	}

	fh, ok := fs.handles.File(op.Handle)
	if !ok {
		return fuse.ENOENT
	}

	n, err := fh.File.WriteAt(op.Data, op.Offset)
	if err != nil {
		return err
	}
	fs.metrics.WriteBytesCount(context.Background(), int64(n))
	return nil
}

func (fs *fileSystem) FlushFile(op *fuseops.FlushFileOp) (err error) {
	defer fs.recordOp(common.OpFlushFile, fs.clock.Now(), &err)
	return nil
}

func (fs *fileSystem) ReleaseFileHandle(op *fuseops.ReleaseFileHandleOp) (err error) {
	defer fs.recordOp(common.OpReleaseFileHandle, fs.clock.Now(), &err)
	return fs.handles.ReleaseFile(op.Handle)
}

// StatFS reports the backing filesystem's statvfs data for the root.
func (fs *fileSystem) StatFS(op *fuseops.StatFSOp) (err error) {
	defer fs.recordOp(common.OpStatFS, fs.clock.Now(), &err)

	root := fs.cache.Root()
	path, err := node.Path(root, "", false)
	if err != nil {
		return err
	}

	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return err
	}

	op.BlockSize = uint32(st.Bsize)
	op.Blocks = st.Blocks
	op.BlocksFree = st.Bfree
	op.BlocksAvailable = st.Bavail
	op.IoSize = uint32(st.Bsize)
	op.Inodes = st.Files
	op.InodesFree = st.Ffree
	return nil
}
