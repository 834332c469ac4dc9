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

package fs

import (
	"os"
	"path/filepath"

	"github.com/googlecloudplatform/sdcardfs/internal/logger"
	"github.com/googlecloudplatform/sdcardfs/node"
	"golang.org/x/sys/unix"
)

// Repair walks the backing tree rooted at path, chowning every entry to
// uid/gid and lower-casing any name containing upper-case ASCII, before the
// daemon ever mounts. It runs once, single-threaded, ahead of the request
// loop, so it needs none of the node cache's bookkeeping.
func Repair(path string, uid, gid uint32) error {
	return repairDir(path, uid, gid)
}

func repairDir(dir string, uid, gid uint32) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		name := entry.Name()
		if name == "." || name == ".." {
			continue
		}

		childPath := filepath.Join(dir, name)
		if len(childPath) > node.MaxPathLen {
			logger.Warnf("repair: skipping oversize path %q", childPath)
			continue
		}

		if err := unix.Chown(childPath, int(uid), int(gid)); err != nil {
			return err
		}

		if node.NeedsNormalizing(name) {
			lower := node.Normalize(name)
			lowerPath := filepath.Join(dir, lower)
			if err := unix.Rename(childPath, lowerPath); err != nil {
				return err
			}
			childPath = lowerPath
		}

		if entry.IsDir() {
			if err := repairDir(childPath, uid, gid); err != nil {
				return err
			}
		}
	}

	return nil
}
