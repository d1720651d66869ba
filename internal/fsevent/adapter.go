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

// Package fsevent translates passthrough-layer callbacks (release,
// unlink, rename) into checksum-index operations, retrying the online
// update on release and never blocking the caller on failure.
package fsevent

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/kbouzek/checksumfs/internal/dedup"
	"github.com/kbouzek/checksumfs/internal/logger"
)

// releaseRetries is the maximum number of attempts AfterRelease makes at
// updating a path's checksum before giving up and logging the failure.
const releaseRetries = 5

// releaseRetryDelay is the linear backoff step between attempts.
const releaseRetryDelay = 20 * time.Millisecond

// Adapter bridges the passthrough layer's file-handle events to the
// dedup engine, composing the backing root with the mount-relative path
// the layer hands it.
type Adapter struct {
	engine      *dedup.Engine
	backingRoot string
}

// New returns an Adapter that resolves mount-relative paths against
// backingRoot before calling into engine.
func New(engine *dedup.Engine, backingRoot string) *Adapter {
	return &Adapter{engine: engine, backingRoot: backingRoot}
}

// backingPath composes the backing root with a path relative to the
// mount point.
func (a *Adapter) backingPath(relative string) string {
	return filepath.Join(a.backingRoot, relative)
}

// blacklisted reports whether path should never have its checksum
// tracked. Paths under a ".Trash" directory are excluded so that
// deleting a file via a trash-can convention does not churn the index.
func blacklisted(path string) bool {
	return strings.Contains(path, ".Trash")
}

// AfterRelease is called once a file handle opened for writing has been
// closed. It recomputes and upserts the checksum for relativePath, with
// up to releaseRetries attempts at linearly increasing delay. A
// persistent failure is logged and swallowed — never returned to the
// caller, since the passthrough layer has already returned success for
// the close() syscall by this point.
func (a *Adapter) AfterRelease(relativePath string) {
	if blacklisted(relativePath) {
		return
	}
	path := a.backingPath(relativePath)

	var lastErr error
	for attempt := 1; attempt <= releaseRetries; attempt++ {
		if err := a.engine.UpdateChecksum(path); err != nil {
			lastErr = err
			logger.Warnf("after_release: update_checksum %s attempt %d/%d failed: %v", path, attempt, releaseRetries, err)
			time.Sleep(time.Duration(attempt) * releaseRetryDelay)
			continue
		}
		return
	}
	logger.Errorf("after_release: update_checksum %s failed after %d attempts: %v", path, releaseRetries, lastErr)
}

// AfterUnlink removes relativePath's index row after the passthrough
// layer has deleted the backing file.
func (a *Adapter) AfterUnlink(relativePath string) {
	path := a.backingPath(relativePath)
	if err := a.engine.Remove(path); err != nil {
		logger.Errorf("after_unlink: remove %s: %v", path, err)
	}
}

// AfterRename rewrites every index row under oldRelative so it falls
// under newRelative instead, after the passthrough layer has moved the
// backing file or directory subtree.
func (a *Adapter) AfterRename(oldRelative, newRelative string) {
	oldPath := a.backingPath(oldRelative)
	newPath := a.backingPath(newRelative)
	if err := a.engine.UpdatePath(oldPath, newPath); err != nil {
		logger.Errorf("after_rename: update_path %s -> %s: %v", oldPath, newPath, err)
	}
}
