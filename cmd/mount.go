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
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/googlecloudplatform/sdcardfs/common"
	"github.com/googlecloudplatform/sdcardfs/fs"
	"github.com/googlecloudplatform/sdcardfs/internal/logger"
	"github.com/googlecloudplatform/sdcardfs/internal/perms"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/timeutil"
)

type mountArgs struct {
	backingPath string
	uid         uint32
	gid         uint32
	caseFold    bool
	repair      bool
	mountPoint  string
}

// runMount carries out the daemon's startup sequence: clear any stale
// mount, run the optional repair pass while still privileged, mount,
// drop privilege, and enter the request loop.
func runMount(a mountArgs) error {
	if err := fuse.Unmount(a.mountPoint); err != nil {
		logger.Debugf("unmount of stale mount point %q: %v", a.mountPoint, err)
	}

	if a.repair {
		logger.Infof("running repair pass on %q", a.backingPath)
		if err := fs.Repair(a.backingPath, a.uid, a.gid); err != nil {
			return fmt.Errorf("repair: %w", err)
		}
	}

	metrics, err := common.NewOTelMetrics()
	if err != nil {
		logger.Warnf("metrics disabled: %v", err)
		metrics = common.NewNoopMetrics()
	}

	serverCfg := &fs.ServerConfig{
		Clock:       timeutil.RealClock(),
		BackingPath: a.backingPath,
		Uid:         a.uid,
		Gid:         a.gid,
		CaseFold:    a.caseFold,
		Metrics:     metrics,
	}

	server, err := fs.NewServer(serverCfg)
	if err != nil {
		return fmt.Errorf("fs.NewServer: %w", err)
	}

	mountCfg := getFuseMountConfig()

	logger.Infof("mounting %q at %q", a.backingPath, a.mountPoint)
	mfs, err := fuse.Mount(a.mountPoint, server, mountCfg)
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}

	if err := perms.DropTo(a.uid, a.gid); err != nil {
		return fmt.Errorf("DropTo: %w", err)
	}
	perms.ClearUmask()

	registerSIGINTHandler(a.mountPoint)

	return mfs.Join(context.Background())
}

func registerSIGINTHandler(mountPoint string) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt)

	go func() {
		<-signalChan
		logger.Infof("received SIGINT, unmounting %q", mountPoint)
		if err := fuse.Unmount(mountPoint); err != nil {
			logger.Errorf("unmount on SIGINT: %v", err)
		}
	}()
}

// getFuseMountConfig builds the mount options the startup sequence
// negotiates: a root mode of directory, default permissions enforced in
// the kernel, access from users other than the mount's owner allowed, and
// the fixed write/background/congestion parameters the wire protocol
// section calls for (exposed as mount options since InitOp itself carries
// none of them in this library version).
func getFuseMountConfig() *fuse.MountConfig {
	return &fuse.MountConfig{
		FSName:     "sdcardfs",
		Subtype:    "sdcardfs",
		VolumeName: "sdcard",
		Options: map[string]string{
			"default_permissions":  "",
			"allow_other":          "",
			"max_write":            "262144",
			"max_background":       "32",
			"congestion_threshold": "32",
		},
		EnableParallelDirOps:    false,
		DisableWritebackCaching: true,
		ErrorLogger:             logger.NewLegacyLogger(logger.LevelError, "fuse: "),
		DebugLogger:             logger.NewLegacyLogger(logger.LevelTrace, "fuse_debug: "),
	}
}
