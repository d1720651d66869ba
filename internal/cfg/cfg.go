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

// Package cfg holds the mount daemon's flag-bound configuration,
// following the teacher's small viper-unmarshal-target
// pattern rather than threading individual flag values by hand.
package cfg

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the mount daemon's configuration, populated by Cobra/Viper
// from flags. BackingRoot is the exception: it is not bound from a flag
// at all, since root=PATH is a FUSE mount option (-o root=PATH), not a
// top-level flag; the caller fills it in from MountOptions after
// unmarshalling (see internal/mount.ParseOptions).
type Config struct {
	DatabasePath string   `mapstructure:"database"`
	MountOptions []string `mapstructure:"o"`
	BackingRoot  string   `mapstructure:"-"`
	Rescan       bool     `mapstructure:"rescan"`
	UseMD5       bool     `mapstructure:"use-md5"`
	LogFile      string   `mapstructure:"log-file"`
	LogFormat    string   `mapstructure:"log-format"`
	LogSeverity  string   `mapstructure:"log-severity"`
}

// BindFlags registers the daemon's flags on flagSet and binds them into
// viper under the same keys Config's mapstructure tags expect.
func BindFlags(flagSet *pflag.FlagSet) error {
	flagSet.String("database", "", "path to the checksum index database (required)")
	flagSet.StringArray("o", nil, "FUSE mount option, may be repeated (e.g. -o root=/srv/data)")
	flagSet.Bool("rescan", false, "recompute checksums for every file under root at mount time")
	flagSet.Bool("use-md5", false, "use MD5 instead of SHA-1 (only takes effect when the database is created)")
	flagSet.String("log-file", "", "path to the rotated log file (default: stderr)")
	flagSet.String("log-format", "text", "log output format: text or json")
	flagSet.String("log-severity", "INFO", "minimum log severity: TRACE, DEBUG, INFO, WARNING, ERROR, OFF")

	for _, name := range []string{"database", "o", "rescan", "use-md5", "log-file", "log-format", "log-severity"} {
		if err := viper.BindPFlag(name, flagSet.Lookup(name)); err != nil {
			return err
		}
	}
	return nil
}
