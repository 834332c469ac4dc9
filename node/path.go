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
	"strings"
	"syscall"
)

// MaxPathLen bounds the backing path buffer, mirroring a fixed 4 KiB
// buffer so the ENAMETOOLONG boundary behavior is reproduced exactly.
const MaxPathLen = 4096

// ErrPathTooLong is returned by Path when the assembled path, including
// separators, would not fit in MaxPathLen bytes. It is ENAMETOOLONG, so a
// dispatcher method that returns it replies with that errno.
var ErrPathTooLong error = syscall.ENAMETOOLONG

// Path reconstructs the absolute backing path for n by walking parent
// links and prepending "/name" segments, then optionally appends one extra
// trailing component (e.g. the name being looked up under a directory that
// is not yet cached). The root's name is copied verbatim as the leftmost
// segment since it already holds the absolute backing path of the exported
// directory.
//
// fold exists for callers that need a normalized (ASCII-lowercased) result
// rather than the verbatim backing path; the dispatcher never sets it when
// resolving a name against the real filesystem — folding only ever shapes
// names reported outward, never names used to reach the backing store.
func Path(n *Node, extra string, fold bool) (string, error) {
	segs, err := segments(n)
	if err != nil {
		return "", err
	}
	if extra != "" {
		segs = append(segs, extra)
	}

	total := len(segs[0])
	for _, s := range segs[1:] {
		total += 1 + len(s)
	}
	if total > MaxPathLen {
		return "", ErrPathTooLong
	}

	var b strings.Builder
	b.Grow(total)
	b.WriteString(segs[0])
	for _, s := range segs[1:] {
		b.WriteByte('/')
		b.WriteString(s)
	}

	out := b.String()
	if fold {
		out = Normalize(out)
	}
	return out, nil
}

// segments returns the root's absolute-path name followed by each
// intermediate component's name, in root-to-leaf order.
func segments(n *Node) ([]string, error) {
	var rev []string
	cur := n
	depth := 0
	for cur.parent != nil {
		rev = append(rev, cur.name)
		cur = cur.parent
		depth++
		if depth > 4096 {
			// A cycle would mean a cache invariant violation; treat it the
			// same as a buffer overflow rather than looping forever.
			return nil, ErrPathTooLong
		}
	}

	segs := make([]string, 0, len(rev)+1)
	segs = append(segs, cur.name)
	for i := len(rev) - 1; i >= 0; i-- {
		segs = append(segs, rev[i])
	}
	return segs, nil
}

// Normalize lower-cases the ASCII letters of name in place (conceptually;
// strings are immutable in Go, so a new string is returned when a change is
// needed). Only bytes in 'A'..'Z' are transformed; everything else,
// including non-ASCII bytes, passes through untouched. Normalize is
// idempotent: Normalize(Normalize(s)) == Normalize(s).
func Normalize(name string) string {
	if !NeedsNormalizing(name) {
		return name
	}

	b := []byte(name)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// NeedsNormalizing reports whether Normalize would change name. The repair
// pass uses this to skip no-op renames when walking the backing tree.
func NeedsNormalizing(name string) bool {
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c >= 'A' && c <= 'Z' {
			return true
		}
	}
	return false
}
