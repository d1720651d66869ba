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

package dedup

import (
	"os"
	"path/filepath"

	"github.com/kbouzek/checksumfs/internal/errs"
	"github.com/kbouzek/checksumfs/internal/logger"
	"github.com/kbouzek/checksumfs/internal/pathutil"
)

// Dedup moves duplicate files into dupdir, reconstructing each one's
// subdirectory structure under dupdir.
//
// Refuses to run if dupdir already exists and is non-empty.
//
// Every path sharing a digest is moved, including what would be
// considered the "canonical" member — moving one of several hard-linked
// directory entries does not destroy the shared inode's data. If
// doSymlink is false, each row's index entry is then deleted and its
// now-possibly-empty old parent directory is removed. If doSymlink is
// true, every row is kept (marked as symlinked) and, once the whole set
// has been moved, a symlink is left at each original path pointing at
// the quarantine destination of the first path in that digest's
// duplicate list — not at that path's own original location, which by
// then no longer exists.
func (e *Engine) Dedup(dupdir string, doSymlink bool) error {
	const op = "dedup"
	logger.Infof("%s: de-duping into %s (symlink=%v)", op, dupdir, doSymlink)

	if entries, err := os.ReadDir(dupdir); err == nil && len(entries) > 0 {
		return errs.Configf(op, "%s is not empty; refusing to move files", dupdir)
	}

	dups, err := e.idx.DuplicateNonSymlinkPaths()
	if err != nil {
		logger.Errorf("%s: scan duplicates: %v", op, err)
		return err
	}

	byDigest := make(map[string][]string)
	order := make([]string, 0)
	for _, d := range dups {
		if pathutil.IsSymlinkFlag(d.Path) == 1 {
			// Defensive filter: the query already excludes symlink=1
			// rows, but not on-disk symlinks that predate the index.
			continue
		}
		if _, ok := byDigest[d.Digest]; !ok {
			order = append(order, d.Digest)
		}
		byDigest[d.Digest] = append(byDigest[d.Digest], d.Path)
	}

	for _, digestHex := range order {
		paths := byDigest[digestHex]
		if len(paths) < 2 {
			continue
		}
		canonicalPath := paths[0]

		// Every path in the set is moved first, so that the second pass
		// (symlinking, when requested) always has a real file sitting at
		// the canonical's quarantine destination to point at — rather
		// than at canonicalPath itself, which by then has already been
		// relocated out from under its original name.
		dsts := make(map[string]string, len(paths))
		for _, path := range paths {
			dst, err := pathutil.SubtreeDestination(path, dupdir)
			if err != nil {
				logger.Errorf("%s: subtree_destination %s: %v", op, path, err)
				return err
			}
			if err := moveFile(path, dst, !doSymlink); err != nil {
				logger.Errorf("%s: move %s -> %s: %v", op, path, dst, err)
				return err
			}
			dsts[path] = dst
		}

		if !doSymlink {
			for _, path := range paths {
				if err := e.idx.Delete(path); err != nil {
					logger.Errorf("%s: delete row %s: %v", op, path, err)
					return err
				}
			}
			continue
		}

		canonicalDst := dsts[canonicalPath]
		for _, path := range paths {
			if err := e.idx.SetIsSymlink(path, true); err != nil {
				logger.Errorf("%s: mark symlinked %s: %v", op, path, err)
				return err
			}
			if err := pathutil.Symlink(canonicalDst, path); err != nil {
				logger.Errorf("%s: symlink %s -> %s: %v", op, path, canonicalDst, err)
				return err
			}
		}
	}

	logger.Infof("%s: de-duping complete", op)
	return nil
}

// moveFile renames src to dst, creating dst's parent directories first.
// When rmEmptyDirs is true, src's old parent directory is removed if the
// move left it empty.
func moveFile(src, dst string, rmEmptyDirs bool) error {
	if _, err := pathutil.SafeMakeParents(dst); err != nil {
		return err
	}

	oldParent := filepath.Dir(src)

	if err := os.Rename(src, dst); err != nil {
		return errs.IOErr("move_file", err)
	}

	if rmEmptyDirs {
		if entries, err := os.ReadDir(oldParent); err == nil && len(entries) == 0 {
			_ = os.Remove(oldParent)
		}
	}
	return nil
}

// Vacuum removes every index row whose backing file no longer exists
// (P4, S4).
func (e *Engine) Vacuum() error {
	const op = "vacuum"
	logger.Infof("%s: vacuuming database", op)

	paths, err := e.idx.AllPaths()
	if err != nil {
		logger.Errorf("%s: list paths: %v", op, err)
		return err
	}

	for _, path := range paths {
		// os.Stat follows symlinks, so a dangling symlink counts as
		// "does not exist" here, matching updateChecksumTx's digest.Digest
		// failure path and the original sha1db.py vacuum's os.path.exists.
		if _, err := os.Stat(path); err != nil {
			logger.Infof("%s: removing entry for %s; file does not exist", op, path)
			if err := e.idx.Delete(path); err != nil {
				logger.Errorf("%s: delete %s: %v", op, path, err)
				return err
			}
		}
	}

	logger.Infof("%s: vacuum complete", op)
	return nil
}
