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

// Package fusefs is a thin github.com/jacobsa/fuse binding that passes
// every operation straight through to the backing root directory,
// keeping only the inode-ID table the kernel requires, and notifies the
// fsevent adapter after the operations that change content or layout.
package fusefs

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/kbouzek/checksumfs/internal/fsevent"
	"github.com/kbouzek/checksumfs/internal/logger"
)

const rootInodeID = fuseops.RootInodeID

// FileSystem implements fuseutil.FileSystem as a passthrough onto
// backingRoot. It does not cache file content or attributes; every
// operation is forwarded to the corresponding os.* call.
type FileSystem struct {
	fuseutil.NotImplementedFileSystem

	backingRoot string
	events      *fsevent.Adapter

	mu          sync.Mutex
	paths       map[fuseops.InodeID]string // inode -> path relative to backingRoot
	nextInode   fuseops.InodeID
	nextHandle  fuseops.HandleID
	dirHandles  map[fuseops.HandleID]string
	fileHandles map[fuseops.HandleID]fuseops.InodeID // open file handle -> inode
}

var _ fuseutil.FileSystem = &FileSystem{}

// New returns a FileSystem mirroring backingRoot, notifying events after
// release/unlink/rename.
func New(backingRoot string, events *fsevent.Adapter) *FileSystem {
	return &FileSystem{
		backingRoot: backingRoot,
		events:      events,
		paths:       map[fuseops.InodeID]string{rootInodeID: "/"},
		nextInode:   rootInodeID + 1,
		dirHandles:  make(map[fuseops.HandleID]string),
		fileHandles: make(map[fuseops.HandleID]fuseops.InodeID),
	}
}

func (fs *FileSystem) absPath(relative string) string {
	return filepath.Join(fs.backingRoot, relative)
}

// pathFor returns the backing-relative path recorded for inode, or ""
// if it is unknown (the kernel asked about an inode we never minted,
// which should not happen in normal operation).
func (fs *FileSystem) pathFor(inode fuseops.InodeID) string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.paths[inode]
}

// assignInode allocates (or reuses) an inode ID for path.
func (fs *FileSystem) assignInode(path string) fuseops.InodeID {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for id, p := range fs.paths {
		if p == path {
			return id
		}
	}
	id := fs.nextInode
	fs.nextInode++
	fs.paths[id] = path
	return id
}

func attributesFor(fi os.FileInfo) fuseops.InodeAttributes {
	stat, _ := fi.Sys().(*syscall.Stat_t)
	attrs := fuseops.InodeAttributes{
		Size:  uint64(fi.Size()),
		Nlink: 1,
		Mode:  fi.Mode(),
		Mtime: fi.ModTime(),
	}
	if stat != nil {
		attrs.Nlink = uint32(stat.Nlink)
		attrs.Uid = stat.Uid
		attrs.Gid = stat.Gid
	}
	return attrs
}

func toErrno(err error) error {
	if err == nil {
		return nil
	}
	if os.IsNotExist(err) {
		return fuse.ENOENT
	}
	if os.IsExist(err) {
		return fuse.EEXIST
	}
	return err
}

func (fs *FileSystem) StatFS(op *fuseops.StatFSOp) error {
	return nil
}

func (fs *FileSystem) LookUpInode(op *fuseops.LookUpInodeOp) error {
	parent := fs.pathFor(op.Parent)
	rel := filepath.Join(parent, op.Name)
	fi, err := os.Lstat(fs.absPath(rel))
	if err != nil {
		return toErrno(err)
	}
	op.Entry.Child = fs.assignInode(rel)
	op.Entry.Attributes = attributesFor(fi)
	return nil
}

func (fs *FileSystem) GetInodeAttributes(op *fuseops.GetInodeAttributesOp) error {
	rel := fs.pathFor(op.Inode)
	fi, err := os.Lstat(fs.absPath(rel))
	if err != nil {
		return toErrno(err)
	}
	op.Attributes = attributesFor(fi)
	return nil
}

func (fs *FileSystem) SetInodeAttributes(op *fuseops.SetInodeAttributesOp) error {
	rel := fs.pathFor(op.Inode)
	abs := fs.absPath(rel)

	if op.Size != nil {
		if err := os.Truncate(abs, int64(*op.Size)); err != nil {
			return toErrno(err)
		}
	}
	if op.Mode != nil {
		if err := os.Chmod(abs, *op.Mode); err != nil {
			return toErrno(err)
		}
	}

	fi, err := os.Lstat(abs)
	if err != nil {
		return toErrno(err)
	}
	op.Attributes = attributesFor(fi)
	return nil
}

func (fs *FileSystem) ForgetInode(op *fuseops.ForgetInodeOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	delete(fs.paths, op.Inode)
	return nil
}

func (fs *FileSystem) MkDir(op *fuseops.MkDirOp) error {
	parent := fs.pathFor(op.Parent)
	rel := filepath.Join(parent, op.Name)
	if err := os.Mkdir(fs.absPath(rel), op.Mode); err != nil {
		return toErrno(err)
	}
	fi, err := os.Lstat(fs.absPath(rel))
	if err != nil {
		return toErrno(err)
	}
	op.Entry.Child = fs.assignInode(rel)
	op.Entry.Attributes = attributesFor(fi)
	return nil
}

func (fs *FileSystem) CreateFile(op *fuseops.CreateFileOp) error {
	parent := fs.pathFor(op.Parent)
	rel := filepath.Join(parent, op.Name)
	f, err := os.OpenFile(fs.absPath(rel), os.O_RDWR|os.O_CREATE|os.O_EXCL, op.Mode)
	if err != nil {
		return toErrno(err)
	}
	f.Close()

	fi, err := os.Lstat(fs.absPath(rel))
	if err != nil {
		return toErrno(err)
	}
	op.Entry.Child = fs.assignInode(rel)
	op.Entry.Attributes = attributesFor(fi)
	return nil
}

func (fs *FileSystem) CreateSymlink(op *fuseops.CreateSymlinkOp) error {
	parent := fs.pathFor(op.Parent)
	rel := filepath.Join(parent, op.Name)
	if err := os.Symlink(op.Target, fs.absPath(rel)); err != nil {
		return toErrno(err)
	}
	fi, err := os.Lstat(fs.absPath(rel))
	if err != nil {
		return toErrno(err)
	}
	op.Entry.Child = fs.assignInode(rel)
	op.Entry.Attributes = attributesFor(fi)
	return nil
}

func (fs *FileSystem) Rename(op *fuseops.RenameOp) error {
	oldParent := fs.pathFor(op.OldParent)
	newParent := fs.pathFor(op.NewParent)
	oldRel := filepath.Join(oldParent, op.OldName)
	newRel := filepath.Join(newParent, op.NewName)

	if err := os.Rename(fs.absPath(oldRel), fs.absPath(newRel)); err != nil {
		return toErrno(err)
	}

	fs.mu.Lock()
	for id, p := range fs.paths {
		if p == oldRel || filepathHasPrefix(p, oldRel) {
			fs.paths[id] = newRel + p[len(oldRel):]
		}
	}
	fs.mu.Unlock()

	fs.events.AfterRename(oldRel, newRel)
	return nil
}

func filepathHasPrefix(p, prefix string) bool {
	return len(p) > len(prefix) && p[:len(prefix)] == prefix && p[len(prefix)] == filepath.Separator
}

func (fs *FileSystem) RmDir(op *fuseops.RmDirOp) error {
	parent := fs.pathFor(op.Parent)
	rel := filepath.Join(parent, op.Name)
	if err := os.Remove(fs.absPath(rel)); err != nil {
		return toErrno(err)
	}
	fs.events.AfterUnlink(rel)
	return nil
}

func (fs *FileSystem) Unlink(op *fuseops.UnlinkOp) error {
	parent := fs.pathFor(op.Parent)
	rel := filepath.Join(parent, op.Name)
	if err := os.Remove(fs.absPath(rel)); err != nil {
		return toErrno(err)
	}
	fs.events.AfterUnlink(rel)
	return nil
}

func (fs *FileSystem) OpenDir(op *fuseops.OpenDirOp) error {
	rel := fs.pathFor(op.Inode)
	fi, err := os.Lstat(fs.absPath(rel))
	if err != nil {
		return toErrno(err)
	}
	if !fi.IsDir() {
		return fuse.ENOTDIR
	}

	fs.mu.Lock()
	handle := fs.nextHandle
	fs.nextHandle++
	fs.dirHandles[handle] = rel
	fs.mu.Unlock()

	op.Handle = handle
	return nil
}

func (fs *FileSystem) ReadDir(op *fuseops.ReadDirOp) error {
	fs.mu.Lock()
	rel := fs.dirHandles[op.Handle]
	fs.mu.Unlock()

	entries, err := os.ReadDir(fs.absPath(rel))
	if err != nil {
		return toErrno(err)
	}

	var offset fuseops.DirOffset
	n := 0
	for i, e := range entries {
		offset = fuseops.DirOffset(i + 1)
		if offset <= op.Offset {
			continue
		}
		childRel := filepath.Join(rel, e.Name())
		dt := fuseutil.DT_File
		if e.IsDir() {
			dt = fuseutil.DT_Directory
		}
		written := fuseutil.WriteDirent(op.Dst[n:], fuseutil.Dirent{
			Offset: offset,
			Inode:  fs.assignInode(childRel),
			Name:   e.Name(),
			Type:   dt,
		})
		if written == 0 {
			break
		}
		n += written
	}
	op.BytesRead = n
	return nil
}

func (fs *FileSystem) ReleaseDirHandle(op *fuseops.ReleaseDirHandleOp) error {
	fs.mu.Lock()
	delete(fs.dirHandles, op.Handle)
	fs.mu.Unlock()
	return nil
}

func (fs *FileSystem) OpenFile(op *fuseops.OpenFileOp) error {
	rel := fs.pathFor(op.Inode)
	if _, err := os.Lstat(fs.absPath(rel)); err != nil {
		return toErrno(err)
	}

	fs.mu.Lock()
	handle := fs.nextHandle
	fs.nextHandle++
	fs.fileHandles[handle] = op.Inode
	fs.mu.Unlock()
	op.Handle = handle
	return nil
}

func (fs *FileSystem) ReadFile(op *fuseops.ReadFileOp) error {
	rel := fs.pathFor(op.Inode)
	f, err := os.Open(fs.absPath(rel))
	if err != nil {
		return toErrno(err)
	}
	defer f.Close()

	n, err := f.ReadAt(op.Dst, op.Offset)
	op.BytesRead = n
	if err != nil && !errors.Is(err, io.EOF) {
		return toErrno(err)
	}
	return nil
}

func (fs *FileSystem) WriteFile(op *fuseops.WriteFileOp) error {
	rel := fs.pathFor(op.Inode)
	f, err := os.OpenFile(fs.absPath(rel), os.O_RDWR, 0)
	if err != nil {
		return toErrno(err)
	}
	defer f.Close()

	if _, err := f.WriteAt(op.Data, op.Offset); err != nil {
		return toErrno(err)
	}
	return nil
}

func (fs *FileSystem) ReadSymlink(op *fuseops.ReadSymlinkOp) error {
	rel := fs.pathFor(op.Inode)
	target, err := os.Readlink(fs.absPath(rel))
	if err != nil {
		return toErrno(err)
	}
	op.Target = target
	return nil
}

func (fs *FileSystem) SyncFile(op *fuseops.SyncFileOp) error {
	return nil
}

func (fs *FileSystem) FlushFile(op *fuseops.FlushFileOp) error {
	return nil
}

// ReleaseFileHandle is called once a file handle is closed. It triggers
// a checksum update through the fsevent adapter (spec.md's "after
// release" rule); this passthrough does not track per-handle
// dirtiness, so every release recomputes, which is idempotent and cheap
// relative to a missed update.
func (fs *FileSystem) ReleaseFileHandle(op *fuseops.ReleaseFileHandleOp) error {
	fs.mu.Lock()
	inode, ok := fs.fileHandles[op.Handle]
	delete(fs.fileHandles, op.Handle)
	fs.mu.Unlock()

	if ok {
		rel := fs.pathFor(inode)
		logger.Debugf("fusefs: release %s", rel)
		fs.events.AfterRelease(rel)
	}
	return nil
}

func (fs *FileSystem) Destroy() {}
