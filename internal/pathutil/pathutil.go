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

// Package pathutil provides the small set of filesystem primitives the
// dedup engine builds on: computing where a duplicate should be relocated
// to under a quarantine directory, and idempotent hard-link/symlink/unlink
// helpers.
package pathutil

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/kbouzek/checksumfs/internal/errs"
)

// SubtreeDestination computes where src should be placed inside dstdir
// while preserving the portion of src's absolute path that is not a
// prefix of dstdir.
//
// Both paths are absolutized first. Their longest common string prefix is
// extended to the next path separator (so "/media/cdrom" and
// "/media/cdrom2" share only "/media/" as a path-aware prefix, not
// "/media/cdrom"). That prefix is then stripped from src and the
// remainder is joined under dstdir.
//
// Fails with an Invalid error if src or dstdir is empty, or if the
// resulting path equals src itself (src already lies under dstdir).
func SubtreeDestination(src, dstdir string) (string, error) {
	const op = "subtree_destination"
	if src == "" {
		return "", errs.Invalidf(op, "src must be specified")
	}
	if dstdir == "" {
		return "", errs.Invalidf(op, "dstdir must be specified")
	}

	absSrc, err := filepath.Abs(src)
	if err != nil {
		return "", errs.IOErr(op, err)
	}
	absDst, err := filepath.Abs(dstdir)
	if err != nil {
		return "", errs.IOErr(op, err)
	}

	sep := string(filepath.Separator)
	prefix := commonPrefix(absDst, absSrc)
	if !strings.HasSuffix(prefix, sep) {
		// The raw prefix ends on a path boundary only when it is all of
		// dstdir and src continues with a separator; otherwise cut it back
		// to its last separator.
		if len(prefix) == len(absDst) && len(absSrc) > len(prefix) && absSrc[len(prefix)] == filepath.Separator {
			prefix += sep
		} else {
			prefix = prefix[:strings.LastIndex(prefix, sep)+1]
		}
	}

	rest := strings.TrimPrefix(absSrc, prefix)
	dst := filepath.Join(absDst, rest)

	if dst == absSrc {
		return "", errs.Invalidf(op, "%s already lies under %s", absSrc, absDst)
	}
	return dst, nil
}

// commonPrefix returns the longest common byte-string prefix of a and b,
// the same semantics as Python's os.path.commonprefix.
func commonPrefix(a, b string) string {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for ; i < n; i++ {
		if a[i] != b[i] {
			break
		}
	}
	return a[:i]
}

// SafeMakeParents ensures the parent directory of path exists, creating
// intermediates as needed, and returns that parent.
func SafeMakeParents(path string) (string, error) {
	const op = "safe_make_parents"
	if path == "" {
		return "", errs.Invalidf(op, "path must be specified")
	}
	parent := filepath.Dir(path)
	if _, err := os.Stat(parent); os.IsNotExist(err) {
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return "", errs.IOErr(op, err)
		}
	} else if err != nil {
		return "", errs.IOErr(op, err)
	}
	return parent, nil
}

// SafeUnlink removes path if it exists; a missing path is not an error.
func SafeUnlink(path string) error {
	const op = "safe_unlink"
	if path == "" {
		return errs.Invalidf(op, "path must be specified")
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errs.IOErr(op, err)
	}
	return nil
}

// sameInode reports whether a and b resolve to the same inode, i.e. are
// already hard-linked together. A missing a or b is treated as "not the
// same file" rather than an error.
func sameInode(a, b string) bool {
	sa, err := os.Stat(a)
	if err != nil {
		return false
	}
	sb, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(sa, sb)
}

// HardLink idempotently hard-links link -> target. Fails if target does
// not exist or link is empty. If link already exists and shares target's
// inode, this is a no-op; otherwise any existing link is removed first.
func HardLink(target, link string) error {
	const op = "hard_link"
	if _, err := os.Stat(target); err != nil {
		return errs.NotFoundf(op, "target %s does not exist", target)
	}
	if link == "" {
		return errs.Invalidf(op, "link must be specified")
	}

	if sameInode(target, link) {
		return nil
	}

	if _, err := SafeMakeParents(link); err != nil {
		return err
	}
	if err := SafeUnlink(link); err != nil {
		return err
	}

	if err := os.Link(target, link); err != nil {
		if isCrossDevice(err) {
			return errs.CrossDeviceErr(op, err)
		}
		return errs.IOErr(op, err)
	}
	return nil
}

// Symlink idempotently symlinks link -> target. Unlike POSIX symlink(2),
// target must already exist at call time; this is a deliberate policy
// choice (spec Q3), not an oversight.
func Symlink(target, link string) error {
	const op = "symlink"
	if _, err := os.Stat(target); err != nil {
		return errs.NotFoundf(op, "target %s does not exist", target)
	}
	if link == "" {
		return errs.Invalidf(op, "link must be specified")
	}

	absTarget, err := filepath.Abs(target)
	if err != nil {
		return errs.IOErr(op, err)
	}
	absLink, err := filepath.Abs(link)
	if err != nil {
		return errs.IOErr(op, err)
	}

	if _, err := SafeMakeParents(absLink); err != nil {
		return err
	}
	if err := SafeUnlink(absLink); err != nil {
		return err
	}

	if err := os.Symlink(absTarget, absLink); err != nil {
		return errs.IOErr(op, err)
	}
	return nil
}

// IsSymlinkFlag returns 1 if path is a symlink, 0 otherwise (including
// when path does not exist). This integer form is what gets persisted in
// the checksum index's symlink column.
func IsSymlinkFlag(path string) int {
	fi, err := os.Lstat(path)
	if err != nil {
		return 0
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		return 1
	}
	return 0
}
