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

// Package index implements the durable checksum index: a SQLite-backed
// table mapping a backing path to its content digest, with a secondary
// index on digest for duplicate lookups. Most exported methods are their
// own short transaction; there is no in-process locking beyond what
// database/sql's single-connection pool already serializes. Callers that
// need several writes to commit atomically, such as a full rescan, use
// WithTx to group them into one transaction instead.
package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kbouzek/checksumfs/internal/digest"
	"github.com/kbouzek/checksumfs/internal/errs"
)

// busyTimeout is the SQLite busy_timeout (passed to the DSN in
// milliseconds) and the deadline of each short transaction: long enough to
// absorb contention between the mount daemon and the offline maintenance
// tool (spec.md §4.3/§5).
const busyTimeout = 30 * time.Second

// Canonical SQL fragments, kept verbatim as named constants.
const (
	sqlCreateFiles = `CREATE TABLE IF NOT EXISTS files (
		path     TEXT NOT NULL PRIMARY KEY,
		chksum   TEXT NOT NULL,
		symlink  BOOLEAN DEFAULT 0
	)`
	sqlCreateCsumIdx  = `CREATE INDEX IF NOT EXISTS csum_idx ON files(chksum)`
	sqlCreateVersion  = `CREATE TABLE IF NOT EXISTS versioning (chksum_type TEXT NOT NULL)`
	sqlInsertVersion  = `INSERT INTO versioning(chksum_type) VALUES(?)`
	sqlSelectVersion  = `SELECT chksum_type FROM versioning`
	sqlUpsert         = `INSERT OR REPLACE INTO files(path, chksum, symlink) VALUES(?, ?, ?)`
	sqlSetIsSymlink   = `UPDATE files SET symlink = 1 WHERE path = ?`
	sqlClearIsSymlink = `UPDATE files SET symlink = 0 WHERE path = ?`
	sqlRewritePrefix  = `UPDATE files SET path = replace(path, ?, ?) WHERE path LIKE ?`
	sqlDelete         = `DELETE FROM files WHERE path = ?`
	sqlAllPaths       = `SELECT path FROM files`
	sqlDuplicateScan  = `SELECT chksum, path, symlink
FROM files
WHERE chksum IN (
  SELECT chksum FROM files WHERE symlink = 0 GROUP BY chksum HAVING COUNT(chksum) > 1
) AND symlink = 0
ORDER BY chksum`
	sqlPeersByDigest = `SELECT path FROM files WHERE chksum = ? AND path != ? AND symlink = 0`
)

// Index is a handle on one checksum database file.
type Index struct {
	db        *sql.DB
	algorithm digest.Algorithm
}

// Open opens (creating if necessary) the checksum index at path. If the
// database does not yet exist, it is created using algorithm and that
// choice is persisted to the versioning table (I2). If it already exists,
// the algorithm argument is ignored and the stored algorithm is used
// instead.
func Open(path string, algorithm digest.Algorithm) (*Index, error) {
	const op = "index.Open"
	if path == "" {
		return nil, errs.Invalidf(op, "path must be specified")
	}
	if !algorithm.Valid() {
		return nil, errs.Configf(op, "unrecognized algorithm %q", algorithm)
	}

	_, statErr := os.Stat(path)
	existed := statErr == nil

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d", path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errs.IOErr(op, err)
	}
	// SQLite allows only one writer; this also gives us the single-writer
	// guarantee spec.md §3/§5 requires without a separate in-process lock.
	db.SetMaxOpenConns(1)

	idx := &Index{db: db}

	if !existed {
		if err := idx.createSchema(algorithm); err != nil {
			db.Close()
			return nil, err
		}
		idx.algorithm = algorithm
	} else {
		alg, err := idx.readAlgorithm()
		if err != nil {
			db.Close()
			return nil, err
		}
		idx.algorithm = alg
	}

	return idx, nil
}

// Close releases the underlying database handle.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// Algorithm returns the digest algorithm recorded in this database's
// versioning table. It never changes across the database's lifetime (I2,
// P5).
func (idx *Index) Algorithm() digest.Algorithm {
	return idx.algorithm
}

func (idx *Index) createSchema(algorithm digest.Algorithm) error {
	const op = "index.createSchema"
	return idx.withTx(op, func(tx *sql.Tx) error {
		if _, err := tx.Exec(sqlCreateFiles); err != nil {
			return err
		}
		if _, err := tx.Exec(sqlCreateCsumIdx); err != nil {
			return err
		}
		if _, err := tx.Exec(sqlCreateVersion); err != nil {
			return err
		}
		if _, err := tx.Exec(sqlInsertVersion, string(algorithm)); err != nil {
			return err
		}
		return nil
	})
}

func (idx *Index) readAlgorithm() (digest.Algorithm, error) {
	const op = "index.readAlgorithm"
	var alg string
	err := idx.withTx(op, func(tx *sql.Tx) error {
		row := tx.QueryRow(sqlSelectVersion)
		return row.Scan(&alg)
	})
	if err != nil {
		return "", err
	}
	a := digest.Algorithm(alg)
	if !a.Valid() {
		return "", errs.Configf(op, "database records unrecognized algorithm %q", alg)
	}
	return a, nil
}

// withTx runs fn inside a single transaction, committing on success and
// rolling back (then re-raising) on any error, mirroring the reference
// implementation's sqliteConn context manager. It bounds the transaction
// to busyTimeout, appropriate for the single-statement operations below.
func (idx *Index) withTx(op string, fn func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), busyTimeout)
	defer cancel()
	return idx.runTx(ctx, op, fn)
}

// WithTx runs fn inside a single transaction with no deadline beyond
// SQLite's own busy_timeout, so that a caller can group an arbitrarily
// long sequence of writes — a full backing-root rescan, for instance —
// into one atomic commit instead of one transaction per row.
func (idx *Index) WithTx(op string, fn func(tx *sql.Tx) error) error {
	return idx.runTx(context.Background(), op, fn)
}

func (idx *Index) runTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyTxErr(op, err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return classifyTxErr(op, err)
	}

	if err := tx.Commit(); err != nil {
		return classifyTxErr(op, err)
	}
	return nil
}

func classifyTxErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.ConcurrencyErr(op, err)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return errs.NotFoundf(op, "no matching row")
	}
	return errs.IOErr(op, err)
}

// Upsert inserts or replaces the row for path.
func (idx *Index) Upsert(path, digestHex string, isSymlink bool) error {
	const op = "index.upsert"
	if path == "" {
		return errs.Invalidf(op, "path must be specified")
	}
	return idx.withTx(op, func(tx *sql.Tx) error {
		return idx.UpsertTx(tx, path, digestHex, isSymlink)
	})
}

// UpsertTx is Upsert run against a transaction the caller already holds,
// for batching several writes (e.g. a full rescan) into one commit.
func (idx *Index) UpsertTx(tx *sql.Tx, path, digestHex string, isSymlink bool) error {
	flag := 0
	if isSymlink {
		flag = 1
	}
	_, err := tx.Exec(sqlUpsert, path, digestHex, flag)
	return err
}

// SetIsSymlink marks path's row as symlinked (flag=true) or clears that
// flag (flag=false), without touching its digest. Note the column also
// carries the "has been relinked" meaning during online dedup (spec.md
// §9) — callers of this method for that purpose are intentionally setting
// the same column.
func (idx *Index) SetIsSymlink(path string, flag bool) error {
	const op = "index.set_is_symlink"
	if path == "" {
		return errs.Invalidf(op, "path must be specified")
	}
	return idx.withTx(op, func(tx *sql.Tx) error {
		return idx.SetIsSymlinkTx(tx, path, flag)
	})
}

// SetIsSymlinkTx is SetIsSymlink run against a transaction the caller
// already holds.
func (idx *Index) SetIsSymlinkTx(tx *sql.Tx, path string, flag bool) error {
	q := sqlClearIsSymlink
	if flag {
		q = sqlSetIsSymlink
	}
	_, err := tx.Exec(q, path)
	return err
}

// Delete removes the row for path, if any.
func (idx *Index) Delete(path string) error {
	const op = "index.delete"
	if path == "" {
		return errs.Invalidf(op, "path must be specified")
	}
	return idx.withTx(op, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDelete, path)
		return err
	})
}

// RewritePrefix replaces oldPrefix with newPrefix in every path that
// begins with oldPrefix, in one bulk update.
func (idx *Index) RewritePrefix(oldPrefix, newPrefix string) error {
	const op = "index.rewrite_prefix"
	if oldPrefix == "" {
		return errs.Invalidf(op, "oldPrefix must be specified")
	}
	return idx.withTx(op, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlRewritePrefix, oldPrefix, newPrefix, oldPrefix+"%")
		return err
	})
}

// AllPaths returns every stored path. Used by vacuum.
func (idx *Index) AllPaths() ([]string, error) {
	const op = "index.all_paths"
	var paths []string
	err := idx.withTx(op, func(tx *sql.Tx) error {
		rows, err := tx.Query(sqlAllPaths)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
				return err
			}
			paths = append(paths, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}

// DuplicateEntry is one row produced by DuplicateNonSymlinkPaths.
type DuplicateEntry struct {
	Digest    string
	Path      string
	IsSymlink bool
}

// DuplicateNonSymlinkPaths returns, ordered by digest, every non-symlink
// entry whose digest appears more than once. Used by the offline dedup
// pass.
func (idx *Index) DuplicateNonSymlinkPaths() ([]DuplicateEntry, error) {
	const op = "index.duplicate_non_symlink_paths"
	var out []DuplicateEntry
	err := idx.withTx(op, func(tx *sql.Tx) error {
		rows, err := tx.Query(sqlDuplicateScan)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var e DuplicateEntry
			var flag int
			if err := rows.Scan(&e.Digest, &e.Path, &flag); err != nil {
				return err
			}
			e.IsSymlink = flag != 0
			out = append(out, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PeersByDigest returns every non-symlink path sharing digestHex other
// than excluding.
func (idx *Index) PeersByDigest(digestHex, excluding string) ([]string, error) {
	const op = "index.peers_by_digest"
	var peers []string
	err := idx.withTx(op, func(tx *sql.Tx) error {
		p, err := idx.PeersByDigestTx(tx, digestHex, excluding)
		peers = p
		return err
	})
	if err != nil {
		return nil, err
	}
	return peers, nil
}

// PeersByDigestTx is PeersByDigest run against a transaction the caller
// already holds.
func (idx *Index) PeersByDigestTx(tx *sql.Tx, digestHex, excluding string) ([]string, error) {
	rows, err := tx.Query(sqlPeersByDigest, digestHex, excluding)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var peers []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		peers = append(peers, p)
	}
	return peers, rows.Err()
}
