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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// S4: vacuum removes rows for files deleted outside the filesystem.
func TestVacuum_RemovesRowsForMissingFiles(t *testing.T) {
	e, idx, root := newTestEngine(t)
	kept := filepath.Join(root, "kept.txt")
	require.NoError(t, os.WriteFile(kept, []byte("x"), 0o644))
	require.NoError(t, idx.Upsert(kept, "d1", false))
	require.NoError(t, idx.Upsert(filepath.Join(root, "gone.txt"), "d2", false))

	require.NoError(t, e.Vacuum())

	paths, err := idx.AllPaths()
	require.NoError(t, err)
	assert.Equal(t, []string{kept}, paths)
}

// P4: vacuum also removes rows whose path is a dangling symlink, since
// the symlink's target (not the link itself) is what must exist.
func TestVacuum_RemovesRowsForDanglingSymlinks(t *testing.T) {
	e, idx, root := newTestEngine(t)
	kept := filepath.Join(root, "kept.txt")
	require.NoError(t, os.WriteFile(kept, []byte("x"), 0o644))
	require.NoError(t, idx.Upsert(kept, "d1", false))

	dangling := filepath.Join(root, "dangling.txt")
	require.NoError(t, os.Symlink(filepath.Join(root, "nonexistent-target.txt"), dangling))
	require.NoError(t, idx.Upsert(dangling, "d2", true))

	require.NoError(t, e.Vacuum())

	paths, err := idx.AllPaths()
	require.NoError(t, err)
	assert.Equal(t, []string{kept}, paths)
}

// B5: Dedup refuses to run if dupdir already exists and is non-empty.
func TestDedup_RefusesNonEmptyDupdir(t *testing.T) {
	e, _, root := newTestEngine(t)
	dupdir := filepath.Join(root, "dup")
	require.NoError(t, os.MkdirAll(dupdir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dupdir, "stray.txt"), []byte("x"), 0o644))

	err := e.Dedup(dupdir, false)

	require.Error(t, err)
}

// S5: dedup without symlink moves every member of a duplicate set into
// dupdir and drops their index rows.
func TestDedup_WithoutSymlink_MovesAndDeletesRows(t *testing.T) {
	e, idx, root := newTestEngine(t)
	a := filepath.Join(root, "a.txt")
	b := filepath.Join(root, "sub", "b.txt")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(a, []byte("dup content"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("dup content"), 0o644))
	require.NoError(t, idx.Upsert(a, "dup", false))
	require.NoError(t, idx.Upsert(b, "dup", false))

	dupdir := filepath.Join(root, "quarantine")
	require.NoError(t, e.Dedup(dupdir, false))

	assert.NoFileExists(t, a)
	assert.NoFileExists(t, b)
	assert.FileExists(t, filepath.Join(dupdir, "a.txt"))
	assert.FileExists(t, filepath.Join(dupdir, "sub", "b.txt"))

	paths, err := idx.AllPaths()
	require.NoError(t, err)
	assert.Empty(t, paths)
}

// Q1: dedup with symlink=true moves every member into dupdir and
// symlinks each original path back to the quarantine destination of the
// first path in the duplicate digest's list.
func TestDedup_WithSymlink_SymlinksBackToCanonicalsQuarantineDestination(t *testing.T) {
	e, idx, root := newTestEngine(t)
	a := filepath.Join(root, "a.txt")
	b := filepath.Join(root, "b.txt")
	require.NoError(t, os.WriteFile(a, []byte("dup content"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("dup content"), 0o644))
	require.NoError(t, idx.Upsert(a, "dup", false))
	require.NoError(t, idx.Upsert(b, "dup", false))

	dupdir := filepath.Join(root, "quarantine")
	require.NoError(t, e.Dedup(dupdir, true))

	canonicalDst := filepath.Join(dupdir, "a.txt")
	assert.FileExists(t, canonicalDst)

	aTarget, err := os.Readlink(a)
	require.NoError(t, err)
	assert.Equal(t, canonicalDst, aTarget)

	bTarget, err := os.Readlink(b)
	require.NoError(t, err)
	assert.Equal(t, canonicalDst, bTarget)

	entries, err := idx.DuplicateNonSymlinkPaths()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMoveFile_RemovesEmptyOldParentWhenRequested(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "sub", "a.txt")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))
	dst := filepath.Join(root, "elsewhere", "a.txt")

	require.NoError(t, moveFile(src, dst, true))

	assert.FileExists(t, dst)
	assert.NoDirExists(t, filepath.Join(root, "sub"))
}

func TestMoveFile_KeepsOldParentWhenNotRequested(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "sub", "a.txt")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))
	dst := filepath.Join(root, "elsewhere", "a.txt")

	require.NoError(t, moveFile(src, dst, false))

	assert.FileExists(t, dst)
	assert.DirExists(t, filepath.Join(root, "sub"))
}
