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

// Package perms provides the daemon's privilege-drop logic: it starts with
// enough privilege to mount and setuid/setgid, and relinquishes both after
// the mount (and optional repair pass) complete.
package perms

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// DropTo relinquishes privilege to the given uid/gid, group first then
// user, since group must be dropped while the process still has the
// privilege to do so, which setuid would have already given up. Neither id
// may be zero; callers reject a uid/gid of 0 before this is ever called,
// but DropTo re-checks since it is the last line of defense against
// mounting as root.
func DropTo(uid, gid uint32) error {
	if uid == 0 || gid == 0 {
		return fmt.Errorf("perms: refusing to drop privilege to uid/gid 0")
	}

	if err := unix.Setresgid(int(gid), int(gid), int(gid)); err != nil {
		return fmt.Errorf("perms: setresgid(%d): %w", gid, err)
	}
	if err := unix.Setresuid(int(uid), int(uid), int(uid)); err != nil {
		return fmt.Errorf("perms: setresuid(%d): %w", uid, err)
	}
	return nil
}

// ClearUmask resets the process umask to zero so the backing-syscall mode
// bits this daemon passes explicitly (always already clamped to 0775/0664
// by the node package) are not further masked by an inherited shell umask.
func ClearUmask() {
	unix.Umask(0)
}
