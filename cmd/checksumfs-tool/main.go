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

// Command checksumfs-tool runs the offline maintenance passes (vacuum,
// dedup) against a checksum index database.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kbouzek/checksumfs/internal/dedup"
	"github.com/kbouzek/checksumfs/internal/digest"
	"github.com/kbouzek/checksumfs/internal/index"
	"github.com/kbouzek/checksumfs/internal/logger"
)

var (
	vacuum    bool
	dedupDir  string
	symlink   bool
	logFormat string
	logLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "checksumfs-tool [flags] DATABASE",
	Short: "Run offline maintenance passes against a checksum index",
	// Arg count is checked by hand in RunE (below), not by cobra's own
	// Args validator: cobra rejects a missing positional argument before
	// RunE ever runs, which would bypass the exit code 2 required when
	// DATABASE is omitted entirely.
	Args: cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) != 1 {
			fmt.Fprintln(os.Stderr, "checksumfs-tool: exactly one DATABASE argument is required")
			cmd.Usage()
			os.Exit(2)
		}
		return run(args[0])
	},
}

func run(databasePath string) error {
	if _, err := os.Stat(databasePath); err != nil {
		fmt.Fprintf(os.Stderr, "checksumfs-tool: database %s does not exist\n", databasePath)
		os.Exit(2)
	}

	logger.SetLogFormat(logFormat)
	logger.SetLoggingLevel(logLevel)

	idx, err := index.Open(databasePath, digest.SHA1)
	if err != nil {
		return fmt.Errorf("open index: %w", err)
	}
	defer idx.Close()

	engine := dedup.New(idx)

	if vacuum {
		if err := engine.Vacuum(); err != nil {
			return fmt.Errorf("vacuum: %w", err)
		}
	}

	if dedupDir != "" {
		if err := engine.Dedup(dedupDir, symlink); err != nil {
			return fmt.Errorf("dedup: %w", err)
		}
	}

	return nil
}

func init() {
	rootCmd.Flags().BoolVar(&vacuum, "vacuum", false, "remove index rows whose backing file no longer exists")
	rootCmd.Flags().StringVar(&dedupDir, "dedup", "", "move duplicate files into this directory")
	rootCmd.Flags().BoolVar(&symlink, "symlink", false, "leave a symlink behind when deduping")
	rootCmd.Flags().StringVar(&logFormat, "log-format", "text", "log output format: text or json")
	rootCmd.Flags().StringVar(&logLevel, "log-severity", "INFO", "minimum log severity")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
