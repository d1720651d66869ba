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

package pathutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubtreeDestination_AlreadyUnderDstdir(t *testing.T) {
	_, err := SubtreeDestination("/media/cdrom/test.txt", "/media/cdrom")

	require.Error(t, err)
}

func TestSubtreeDestination_NoCommonPrefix(t *testing.T) {
	got, err := SubtreeDestination("/usr/local/test.txt", "/media/cdrom")

	require.NoError(t, err)
	assert.Equal(t, "/media/cdrom/usr/local/test.txt", got)
}

func TestSubtreeDestination_PartialCommonPrefix(t *testing.T) {
	got, err := SubtreeDestination("/media/cdrom/othersubdir/test.txt", "/media/cdrom/subdir")

	require.NoError(t, err)
	assert.Equal(t, "/media/cdrom/subdir/othersubdir/test.txt", got)
}

func TestSubtreeDestination_EmptyInputs(t *testing.T) {
	_, err := SubtreeDestination("", "")
	require.Error(t, err)

	_, err = SubtreeDestination("", "subdir")
	require.Error(t, err)

	_, err = SubtreeDestination("file.txt", "")
	require.Error(t, err)
}

func TestSafeMakeParents(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "a", "b", "file.txt")

	parent, err := SafeMakeParents(target)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "a", "b"), parent)
	assert.DirExists(t, parent)

	// Idempotent: calling again must not fail.
	parent2, err := SafeMakeParents(target)
	require.NoError(t, err)
	assert.Equal(t, parent, parent2)
}

func TestSafeMakeParents_EmptyPath(t *testing.T) {
	_, err := SafeMakeParents("")
	require.Error(t, err)
}

func TestSafeUnlink(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	require.NoError(t, SafeUnlink(path))
	assert.NoFileExists(t, path)

	// Absence is not an error.
	require.NoError(t, SafeUnlink(path))
}

func TestSafeUnlink_EmptyPath(t *testing.T) {
	err := SafeUnlink("")
	require.Error(t, err)
}

func TestHardLink_IdempotentAndRelinks(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target.txt")
	link := filepath.Join(dir, "sub", "link.txt")
	require.NoError(t, os.WriteFile(target, []byte("content"), 0o644))

	require.NoError(t, HardLink(target, link))
	assertSameInode(t, target, link)

	// Calling again must be a no-op, not an error.
	require.NoError(t, HardLink(target, link))
	assertSameInode(t, target, link)
}

func TestHardLink_MissingTarget(t *testing.T) {
	dir := t.TempDir()
	err := HardLink(filepath.Join(dir, "nope.txt"), filepath.Join(dir, "link.txt"))
	require.Error(t, err)
}

func TestHardLink_EmptyLink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target.txt")
	require.NoError(t, os.WriteFile(target, []byte("content"), 0o644))

	err := HardLink(target, "")
	require.Error(t, err)
}

func TestSymlink_IdempotentAndRequiresExistingTarget(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target.txt")
	link := filepath.Join(dir, "sub", "link.txt")
	require.NoError(t, os.WriteFile(target, []byte("content"), 0o644))

	require.NoError(t, Symlink(target, link))
	assertIsSymlink(t, link)

	require.NoError(t, Symlink(target, link))
	assertIsSymlink(t, link)

	err := Symlink(filepath.Join(dir, "nope.txt"), filepath.Join(dir, "link2.txt"))
	require.Error(t, err)
}

func TestIsSymlinkFlag(t *testing.T) {
	dir := t.TempDir()
	regular := filepath.Join(dir, "regular.txt")
	link := filepath.Join(dir, "link.txt")
	require.NoError(t, os.WriteFile(regular, []byte("x"), 0o644))
	require.NoError(t, os.Symlink(regular, link))

	assert.Equal(t, 0, IsSymlinkFlag(regular))
	assert.Equal(t, 1, IsSymlinkFlag(link))
	assert.Equal(t, 0, IsSymlinkFlag(filepath.Join(dir, "nope.txt")))
}

func assertSameInode(t *testing.T, a, b string) {
	t.Helper()
	sa, err := os.Stat(a)
	require.NoError(t, err)
	sb, err := os.Stat(b)
	require.NoError(t, err)
	assert.True(t, os.SameFile(sa, sb))
}

func assertIsSymlink(t *testing.T, path string) {
	t.Helper()
	fi, err := os.Lstat(path)
	require.NoError(t, err)
	assert.True(t, fi.Mode()&os.ModeSymlink != 0)
}
