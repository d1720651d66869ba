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

package fusefs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbouzek/checksumfs/internal/dedup"
	"github.com/kbouzek/checksumfs/internal/digest"
	"github.com/kbouzek/checksumfs/internal/fsevent"
	"github.com/kbouzek/checksumfs/internal/index"
)

func newTestFileSystem(t *testing.T) *FileSystem {
	t.Helper()
	backingRoot := t.TempDir()
	idx, err := index.Open(filepath.Join(t.TempDir(), "checksums.db"), digest.SHA1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	events := fsevent.New(dedup.New(idx), backingRoot)
	return New(backingRoot, events)
}

func TestLookUpInode_ResolvesChild(t *testing.T) {
	fs := newTestFileSystem(t)
	require.NoError(t, os.WriteFile(filepath.Join(fs.backingRoot, "a.txt"), []byte("hi"), 0o644))

	op := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "a.txt"}
	require.NoError(t, fs.LookUpInode(op))

	assert.Equal(t, uint64(2), op.Entry.Attributes.Size)
}

func TestCreateFileThenWriteThenRead_RoundTrips(t *testing.T) {
	fs := newTestFileSystem(t)

	createOp := &fuseops.CreateFileOp{Parent: fuseops.RootInodeID, Name: "b.txt", Mode: 0o644}
	require.NoError(t, fs.CreateFile(createOp))

	openOp := &fuseops.OpenFileOp{Inode: createOp.Entry.Child}
	require.NoError(t, fs.OpenFile(openOp))

	writeOp := &fuseops.WriteFileOp{Inode: createOp.Entry.Child, Data: []byte("payload"), Offset: 0}
	require.NoError(t, fs.WriteFile(writeOp))

	readOp := &fuseops.ReadFileOp{Inode: createOp.Entry.Child, Dst: make([]byte, 16)}
	require.NoError(t, fs.ReadFile(readOp))
	assert.Equal(t, "payload", string(readOp.Dst[:readOp.BytesRead]))

	releaseOp := &fuseops.ReleaseFileHandleOp{Handle: openOp.Handle}
	require.NoError(t, fs.ReleaseFileHandle(releaseOp))
}

func TestUnlink_RemovesBackingFile(t *testing.T) {
	fs := newTestFileSystem(t)
	createOp := &fuseops.CreateFileOp{Parent: fuseops.RootInodeID, Name: "c.txt", Mode: 0o644}
	require.NoError(t, fs.CreateFile(createOp))

	unlinkOp := &fuseops.UnlinkOp{Parent: fuseops.RootInodeID, Name: "c.txt"}
	require.NoError(t, fs.Unlink(unlinkOp))

	assert.NoFileExists(t, filepath.Join(fs.backingRoot, "c.txt"))
}

func TestRename_MovesFileAndRewritesInodeTable(t *testing.T) {
	fs := newTestFileSystem(t)
	createOp := &fuseops.CreateFileOp{Parent: fuseops.RootInodeID, Name: "old.txt", Mode: 0o644}
	require.NoError(t, fs.CreateFile(createOp))

	renameOp := &fuseops.RenameOp{OldParent: fuseops.RootInodeID, OldName: "old.txt", NewParent: fuseops.RootInodeID, NewName: "new.txt"}
	require.NoError(t, fs.Rename(renameOp))

	assert.NoFileExists(t, filepath.Join(fs.backingRoot, "old.txt"))
	assert.FileExists(t, filepath.Join(fs.backingRoot, "new.txt"))
	assert.Equal(t, filepath.Join("/", "new.txt"), fs.pathFor(createOp.Entry.Child))
}
