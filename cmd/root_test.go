// Copyright 2024 Google Inc. All Rights Reserved.
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

package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRootCmdRequiresExactlyThreeArgs(t *testing.T) {
	assert.Error(t, rootCmd.Args(rootCmd, []string{"/srv/sdcard"}))
	assert.Error(t, rootCmd.Args(rootCmd, []string{"/srv/sdcard", "1015"}))
	assert.NoError(t, rootCmd.Args(rootCmd, []string{"/srv/sdcard", "1000", "1015"}))
}

func TestRootCmdFlagsRegistered(t *testing.T) {
	assert.NotNil(t, rootCmd.Flags().Lookup("case-fold"))
	assert.NotNil(t, rootCmd.Flags().Lookup("repair"))
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("config"))
}
