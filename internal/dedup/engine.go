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

// Package dedup implements the rules that, on every content-changing
// operation, recompute a file's digest, update the checksum index, and
// converge duplicates onto a single inode via hard linking. It also
// drives the two offline maintenance passes, dedup and vacuum.
package dedup

import (
	"database/sql"
	"os"
	"path/filepath"

	"github.com/kbouzek/checksumfs/internal/digest"
	"github.com/kbouzek/checksumfs/internal/errs"
	"github.com/kbouzek/checksumfs/internal/index"
	"github.com/kbouzek/checksumfs/internal/logger"
	"github.com/kbouzek/checksumfs/internal/pathutil"
)

// Engine ties the checksum index to the backing filesystem.
type Engine struct {
	idx *index.Index
}

// New returns an Engine backed by idx.
func New(idx *index.Index) *Engine {
	return &Engine{idx: idx}
}

// UpdateChecksum recomputes path's digest and converges it with any
// existing peer of the same digest.
//
//  1. If path no longer exists on the backing filesystem (a broken
//     symlink, or a race with deletion), this logs and returns nil — not
//     an error (B4).
//  2. Otherwise the digest is recomputed and upserted.
//  3. If path is not itself a symlink, every peer sharing the new digest
//     but a different inode is relinked onto a chosen canonical peer
//     (I4, P2).
func (e *Engine) UpdateChecksum(path string) error {
	const op = "update_checksum"
	return e.idx.WithTx(op, func(tx *sql.Tx) error {
		return e.updateChecksumTx(tx, path)
	})
}

// updateChecksumTx is UpdateChecksum's body, run against a transaction
// the caller already holds so that UpdateAll can batch a whole rescan's
// upserts and relinks into a single commit.
func (e *Engine) updateChecksumTx(tx *sql.Tx, path string) error {
	const op = "update_checksum"

	if _, err := os.Lstat(path); err != nil {
		logger.Infof("%s: %s does not exist; skipping", op, path)
		return nil
	}

	isSymlink := pathutil.IsSymlinkFlag(path) == 1

	d, err := digest.Digest(path, e.idx.Algorithm())
	if err != nil {
		if errs.Is(err, errs.NotFound) {
			logger.Infof("%s: %s vanished mid-read; skipping", op, path)
			return nil
		}
		logger.Errorf("%s: digest %s: %v", op, path, err)
		return err
	}

	if err := e.idx.UpsertTx(tx, path, d, isSymlink); err != nil {
		logger.Errorf("%s: upsert %s: %v", op, path, err)
		return err
	}

	if isSymlink {
		return nil
	}

	return e.relinkPeersTx(tx, op, path, d)
}

// relinkPeersTx implements the online dedup step (spec.md §4.4, Q2): pick
// the first peer sharing digestHex whose inode differs from path's (if
// any) as canonical, and hard-link path plus every other peer whose inode
// differs from the canonical's onto it.
func (e *Engine) relinkPeersTx(tx *sql.Tx, op, path, digestHex string) error {
	candidates, err := e.idx.PeersByDigestTx(tx, digestHex, path)
	if err != nil {
		logger.Errorf("%s: peers_by_digest %s: %v", op, path, err)
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	pathInfo, err := os.Stat(path)
	if err != nil {
		// Raced with an external deletion of the file we just hashed;
		// nothing to relink.
		return nil
	}

	// Policy: an existing index entry is treated as older than the file
	// we just wrote, so it becomes canonical. This prevents oscillating
	// relink cycles between two peers that keep taking turns being
	// "new".
	var canonical string
	var canonicalInfo os.FileInfo
	peerInfos := make(map[string]os.FileInfo, len(candidates))
	for _, peer := range candidates {
		peerInfo, err := os.Stat(peer)
		if err != nil {
			continue // stale row; vacuum will clean it up later
		}
		peerInfos[peer] = peerInfo
		if canonical == "" && !os.SameFile(pathInfo, peerInfo) {
			canonical, canonicalInfo = peer, peerInfo
		}
	}
	if canonical == "" {
		return nil
	}

	var targets []string
	for _, peer := range candidates {
		if info, ok := peerInfos[peer]; ok && peer != canonical && !os.SameFile(canonicalInfo, info) {
			targets = append(targets, peer)
		}
	}
	targets = append(targets, path)

	for _, target := range targets {
		// The symlink column doubles as a "has been relinked" flag for
		// these rows (spec.md §9); this also excludes them from future
		// duplicate scans, matching the reference implementation.
		if err := e.idx.SetIsSymlinkTx(tx, target, true); err != nil {
			logger.Errorf("%s: mark relinked %s: %v", op, target, err)
			return err
		}
		if err := pathutil.HardLink(canonical, target); err != nil {
			logger.Errorf("%s: hard_link %s -> %s: %v", op, target, canonical, err)
			return err
		}
	}
	return nil
}

// UpdateAll walks backingRoot depth-first and applies UpdateChecksum to
// every regular file it finds, all inside one enclosing transaction so a
// rescan commits (or rolls back) atomically. Used to (re)populate the
// index at mount time with --rescan.
func (e *Engine) UpdateAll(backingRoot string) error {
	const op = "update_all"
	logger.Infof("%s: scanning %s", op, backingRoot)
	return e.idx.WithTx(op, func(tx *sql.Tx) error {
		return filepath.Walk(backingRoot, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				logger.Errorf("%s: walk %s: %v", op, path, err)
				return err
			}
			if !info.Mode().IsRegular() {
				return nil
			}
			return e.updateChecksumTx(tx, path)
		})
	})
}

// UpdatePath rewrites every index row whose path begins with old so it
// begins with new instead (P3). Used after a rename, for both individual
// files and whole directory subtrees.
func (e *Engine) UpdatePath(old, new string) error {
	return e.idx.RewritePrefix(old, new)
}

// Remove deletes the index row for path. Used after an unlink.
func (e *Engine) Remove(path string) error {
	return e.idx.Delete(path)
}
