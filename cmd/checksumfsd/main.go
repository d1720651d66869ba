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

// Command checksumfsd mounts a backing directory at a mount point and
// content-addresses every regular file that passes through it.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kbouzek/checksumfs/internal/cfg"
	"github.com/kbouzek/checksumfs/internal/dedup"
	"github.com/kbouzek/checksumfs/internal/digest"
	"github.com/kbouzek/checksumfs/internal/fsevent"
	"github.com/kbouzek/checksumfs/internal/fusefs"
	"github.com/kbouzek/checksumfs/internal/index"
	"github.com/kbouzek/checksumfs/internal/logger"
	"github.com/kbouzek/checksumfs/internal/mount"
)

var mountConfig cfg.Config

var rootCmd = &cobra.Command{
	Use:   "checksumfsd [flags] mount_point",
	Short: "Mount a content-addressing passthrough filesystem",
	// Arg count is checked by hand in RunE (below), not by cobra's own
	// Args validator: cobra rejects a missing positional argument before
	// RunE ever runs, which would bypass the exit code 2 required when
	// the mount point is omitted entirely.
	Args: cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) != 1 {
			fmt.Fprintln(os.Stderr, "checksumfsd: exactly one mount point argument is required")
			cmd.Usage()
			os.Exit(2)
		}
		if err := viper.Unmarshal(&mountConfig); err != nil {
			return err
		}
		return run(args[0])
	},
}

// parseMountOptions folds every repeated -o occurrence into one options
// map and pulls root= out of it into BackingRoot, defaulting to "/" the
// way the reference implementation's mountopt default does.
func parseMountOptions(c *cfg.Config) map[string]string {
	opts := make(map[string]string, len(c.MountOptions))
	for _, o := range c.MountOptions {
		mount.ParseOptions(opts, o)
	}
	c.BackingRoot = opts["root"]
	delete(opts, "root")
	if c.BackingRoot == "" {
		c.BackingRoot = "/"
	}
	return opts
}

func run(mountPoint string) error {
	fuseOptions := parseMountOptions(&mountConfig)

	if mountConfig.DatabasePath == "" {
		fmt.Fprintln(os.Stderr, "checksumfsd: --database is required")
		os.Exit(2)
	}
	if mountPoint == "" {
		fmt.Fprintln(os.Stderr, "checksumfsd: mount point is required")
		os.Exit(2)
	}

	if err := logger.InitLogFile(mountConfig.LogFile, mountConfig.LogFormat, mountConfig.LogSeverity, 100, 5, true); err != nil {
		return err
	}

	algorithm := digest.SHA1
	if mountConfig.UseMD5 {
		algorithm = digest.MD5
	}

	idx, err := index.Open(mountConfig.DatabasePath, algorithm)
	if err != nil {
		return fmt.Errorf("open index: %w", err)
	}
	defer idx.Close()

	engine := dedup.New(idx)

	if mountConfig.Rescan {
		logger.Infof("checksumfsd: rescanning %s", mountConfig.BackingRoot)
		if err := engine.UpdateAll(mountConfig.BackingRoot); err != nil {
			return fmt.Errorf("rescan: %w", err)
		}
	}

	events := fsevent.New(engine, mountConfig.BackingRoot)
	fs := fusefs.New(mountConfig.BackingRoot, events)

	server := fuseutil.NewFileSystemServer(fs)
	mfs, err := fuse.Mount(mountPoint, server, &fuse.MountConfig{Options: fuseOptions})
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}

	logger.Infof("checksumfsd: mounted %s at %s", mountConfig.BackingRoot, mountPoint)
	return mfs.Join(context.Background())
}

func init() {
	if err := cfg.BindFlags(rootCmd.Flags()); err != nil {
		panic(err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
