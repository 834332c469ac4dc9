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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"golang.org/x/sys/unix"
)

type RepairTest struct {
	suite.Suite
	root string
}

func TestRepairSuite(t *testing.T) {
	suite.Run(t, new(RepairTest))
}

func (t *RepairTest) SetupTest() {
	t.root = t.T().TempDir()
}

func (t *RepairTest) mkdir(rel string) string {
	p := filepath.Join(t.root, rel)
	require.NoError(t.T(), os.Mkdir(p, 0700))
	return p
}

func (t *RepairTest) writeFile(rel string) string {
	p := filepath.Join(t.root, rel)
	require.NoError(t.T(), os.WriteFile(p, []byte("x"), 0600))
	return p
}

func (t *RepairTest) TestLowercasesMixedCaseNamesRecursively() {
	t.mkdir("DCIM")
	t.writeFile("DCIM/Photo.JPG")
	t.mkdir("dcim2")

	err := Repair(t.root, 1000, 1015)
	require.NoError(t.T(), err)

	entries, err := os.ReadDir(t.root)
	require.NoError(t.T(), err)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Contains(t.T(), names, "dcim")
	assert.NotContains(t.T(), names, "DCIM")

	childEntries, err := os.ReadDir(filepath.Join(t.root, "dcim"))
	require.NoError(t.T(), err)
	require.Len(t.T(), childEntries, 1)
	assert.Equal(t.T(), "photo.jpg", childEntries[0].Name())
}

func (t *RepairTest) TestChownsEveryEntryToRequestedOwnership() {
	t.mkdir("sub")
	f := t.writeFile("sub/file.txt")

	uid, gid := uint32(os.Getuid()), uint32(os.Getgid())
	err := Repair(t.root, uid, gid)
	require.NoError(t.T(), err)

	var st unix.Stat_t
	require.NoError(t.T(), unix.Lstat(f, &st))
	assert.Equal(t.T(), uid, st.Uid)
	assert.Equal(t.T(), gid, st.Gid)
}

func (t *RepairTest) TestLeavesAlreadyLowercaseNamesInPlace() {
	p := t.writeFile("already-lower.txt")

	err := Repair(t.root, uint32(os.Getuid()), uint32(os.Getgid()))
	require.NoError(t.T(), err)

	_, statErr := os.Lstat(p)
	assert.NoError(t.T(), statErr)
}

func (t *RepairTest) TestSkipsEntryWithOversizePath() {
	longName := strings.Repeat("A", 200)
	// Build a deeply nested tree whose full path exceeds MaxPathLen, and
	// confirm Repair logs and continues rather than failing outright.
	dir := t.T().TempDir()
	cur := dir
	for i := 0; i < 25; i++ {
		cur = filepath.Join(cur, longName)
		require.NoError(t.T(), os.Mkdir(cur, 0700))
	}

	err := Repair(dir, uint32(os.Getuid()), uint32(os.Getgid()))
	assert.NoError(t.T(), err)
}

func (t *RepairTest) TestPropagatesReadDirErrorOnMissingRoot() {
	err := Repair(filepath.Join(t.root, "does-not-exist"), 1000, 1015)
	assert.Error(t.T(), err)
}
