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
	"fmt"
	"os"
	"strconv"

	"github.com/googlecloudplatform/sdcardfs/internal/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile      string
	caseFold     bool
	runRepair    bool
	logFormat    string
	logSeverity  string
	loadedConfig Config

	configFileErr error
	unmarshalErr  error
)

var rootCmd = &cobra.Command{
	Use:   "sdcardfs [-l] [-f] <backing-path> <uid> <gid>",
	Short: "Mount a backing directory as a fixed-ownership FAT-like filesystem",
	Long: `sdcardfs mounts a backing directory tree at a fixed mount point,
reporting every file and directory as owned by a single fixed uid/gid
regardless of the real backing ownership, the way the Android sdcardfs
kernel module presents emulated storage to unprivileged apps.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		if configFileErr != nil {
			return configFileErr
		}
		if unmarshalErr != nil {
			return unmarshalErr
		}

		backingPath := args[0]
		uid, err := parseID(args[1], "uid")
		if err != nil {
			return err
		}
		gid, err := parseID(args[2], "gid")
		if err != nil {
			return err
		}

		if loadedConfig.SdcardGid != 0 && gid != loadedConfig.SdcardGid {
			logger.Warnf("gid %d does not match configured sdcard group gid %d", gid, loadedConfig.SdcardGid)
		}

		if err := logger.Init(logFormat, logSeverity); err != nil {
			return fmt.Errorf("logger.Init: %w", err)
		}

		return runMount(mountArgs{
			backingPath: backingPath,
			uid:         uid,
			gid:         gid,
			caseFold:    caseFold,
			repair:      runRepair,
			mountPoint:  loadedConfig.MountPoint,
		})
	},
}

func parseID(s, name string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%s must be a non-negative decimal integer: %w", name, err)
	}
	if v == 0 {
		return 0, fmt.Errorf("%s must not be 0", name)
	}
	return uint32(v), nil
}

// Execute runs the root command. On any startup failure it reports the
// error and exits with status -1, per the command-line contract.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(-1)
	}
}

func init() {
	rootCmd.Flags().BoolVarP(&caseFold, "case-fold", "l", false, "enable case folding on reported names")
	rootCmd.Flags().BoolVarP(&runRepair, "repair", "f", false, "run the ownership/case repair pass before mounting")
	rootCmd.Flags().StringVar(&logFormat, "log-format", "text", "log output format: text or json")
	rootCmd.Flags().StringVar(&logSeverity, "log-severity", "INFO", "log severity: TRACE, DEBUG, INFO, WARNING, ERROR, OFF")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "optional YAML config overriding mount point and sdcard group gid")

	cobra.OnInitialize(initConfig)
}

func initConfig() {
	loadedConfig = defaultConfig()

	if cfgFile == "" {
		return
	}

	viper.SetConfigFile(cfgFile)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		configFileErr = fmt.Errorf("reading config file: %w", err)
		return
	}
	if err := viper.Unmarshal(&loadedConfig); err != nil {
		unmarshalErr = fmt.Errorf("unmarshaling config file: %w", err)
	}
}
