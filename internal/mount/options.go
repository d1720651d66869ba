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

// Package mount parses the comma-separated option strings a repeated
// "-o" flag collects, the way standard mount(8)-style FUSE tools accept
// filesystem-specific options (root=PATH alongside rw, noexec, and the
// rest) rather than as ordinary top-level flags.
package mount

import "strings"

// ParseOptions splits s on commas and merges each "key=value" or bare
// "key" token into m. Later values win on key collision, and whitespace
// around tokens is trimmed.
func ParseOptions(m map[string]string, s string) {
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if i := strings.Index(part, "="); i >= 0 {
			m[strings.TrimSpace(part[:i])] = strings.TrimSpace(part[i+1:])
			continue
		}
		m[part] = ""
	}
}
