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

// Config holds the small set of runtime knobs the command line itself
// doesn't carry: the mount point path and the expected sdcard group id.
// Both have hardcoded defaults; an optional --config YAML file can override
// either without expanding the positional argument surface. SdcardGid is
// only compared with the gid given on the command line (a mismatch is
// logged); attribute replies report the command-line gid.
type Config struct {
	MountPoint string `mapstructure:"mount_point"`
	SdcardGid  uint32 `mapstructure:"sdcard_gid"`
}

const (
	defaultMountPoint = "/mnt/sdcard"
	defaultSdcardGid  = 1015
)

func defaultConfig() Config {
	return Config{
		MountPoint: defaultMountPoint,
		SdcardGid:  defaultSdcardGid,
	}
}
