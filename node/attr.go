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
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"golang.org/x/sys/unix"
)

// permExec is the reported permission bits when the backing entry has
// any executable bit set.
const permExec os.FileMode = 0775

// permNoExec is the reported permission bits otherwise.
const permNoExec os.FileMode = 0664

// Policy carries the fixed-ownership values every attribute reply rewrites
// to: every file and directory in the mount appears owned by a single user
// and group regardless of the backing entry's real owner.
type Policy struct {
	UID uint32
	GID uint32
}

// Attributes maps a backing unix.Stat_t into the protocol attribute record
// the kernel expects, applying the fixed-ownership and mode-clamping policy:
//
//   - uid/gid are rewritten to the policy's fixed values, never the
//     backing owner.
//   - permission bits become 0775 if any executable bit was set on the
//     backing entry, else 0664; file-type bits are preserved as reported
//     by the backing stat.
//   - the record carries no inode number: the kernel identifies the entry
//     by the node's nid, which the dispatcher puts on the reply itself;
//     the backing st_ino is never reported. n is not read.
func Attributes(n *Node, st *unix.Stat_t, p Policy) fuseops.InodeAttributes {
	typeBits := modeFromUnix(st.Mode)

	perm := permNoExec
	if st.Mode&0111 != 0 {
		perm = permExec
	}

	return fuseops.InodeAttributes{
		Size:  uint64(st.Size),
		Nlink: uint64(st.Nlink),
		Mode:  typeBits | perm,
		Atime: timeFromSpec(st.Atim),
		Mtime: timeFromSpec(st.Mtim),
		Ctime: timeFromSpec(st.Ctim),
		Uid:   p.UID,
		Gid:   p.GID,
	}
}

// modeFromUnix translates the file-type bits of a raw POSIX st_mode field
// into Go's os.FileMode type-bit representation (os.ModeDir and friends),
// the same mapping os.Stat itself applies internally for Unix platforms.
// Permission bits are intentionally dropped here — callers always replace
// them with the fixed 0775/0664 policy rather than passing the backing
// permission bits through.
func modeFromUnix(raw uint32) os.FileMode {
	switch raw & unix.S_IFMT {
	case unix.S_IFDIR:
		return os.ModeDir
	case unix.S_IFCHR:
		return os.ModeDevice | os.ModeCharDevice
	case unix.S_IFBLK:
		return os.ModeDevice
	case unix.S_IFIFO:
		return os.ModeNamedPipe
	case unix.S_IFLNK:
		return os.ModeSymlink
	case unix.S_IFSOCK:
		return os.ModeSocket
	default:
		return 0 // regular file
	}
}

// ModeToUnix translates the file-type bits of a Go os.FileMode (os.ModeDir
// and friends, as returned by FileMode.Type()) into the POSIX S_IFMT bits
// unix.Mknod expects — the inverse of modeFromUnix. A regular file carries
// no os.FileMode type bits at all, which is why a naive uint32(mode)
// conversion happens to work for MKNOD's only current caller; this makes
// the translation explicit so a future non-regular MKNOD (FIFO, device)
// gets the right S_IFMT bits instead of none.
func ModeToUnix(typ os.FileMode) uint32 {
	switch {
	case typ&os.ModeDir != 0:
		return unix.S_IFDIR
	case typ&os.ModeCharDevice != 0:
		return unix.S_IFCHR
	case typ&os.ModeDevice != 0:
		return unix.S_IFBLK
	case typ&os.ModeNamedPipe != 0:
		return unix.S_IFIFO
	case typ&os.ModeSymlink != 0:
		return unix.S_IFLNK
	case typ&os.ModeSocket != 0:
		return unix.S_IFSOCK
	default:
		return unix.S_IFREG
	}
}

func timeFromSpec(ts unix.Timespec) time.Time {
	return time.Unix(int64(ts.Sec), int64(ts.Nsec))
}

// ClampCreateMode returns the mode bits a MKNOD or MKDIR backing call
// should actually use, ignoring the kernel-requested permission bits
// entirely and preserving only the file-type bits the caller supplied via
// typ. Mode clamping precedes the backing call for both opcodes so the
// created entry stats back to the desired permissions even before GETATTR's
// mapping runs: MKNOD clamps to 0664, MKDIR to 0775.
func ClampCreateMode(typ os.FileMode, dir bool) os.FileMode {
	if dir {
		return (typ &^ os.ModePerm) | os.FileMode(permExec)
	}
	return (typ &^ os.ModePerm) | os.FileMode(permNoExec)
}
