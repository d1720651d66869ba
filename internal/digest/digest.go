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

// Package digest computes the content digest used to identify a file,
// streaming it in fixed-size chunks rather than reading it into memory
// whole.
package digest

import (
	"crypto/md5"
	"crypto/sha1"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/kbouzek/checksumfs/internal/errs"
)

// Algorithm is a digest algorithm recognized by the checksum index.
type Algorithm string

const (
	SHA1 Algorithm = "sha1"
	MD5  Algorithm = "md5"
)

// Len returns the fixed hex-string length of a digest produced by a, or 0
// for an unrecognized algorithm.
func (a Algorithm) Len() int {
	switch a {
	case SHA1:
		return 40
	case MD5:
		return 32
	default:
		return 0
	}
}

// Valid reports whether a is a recognized algorithm.
func (a Algorithm) Valid() bool {
	return a == SHA1 || a == MD5
}

func (a Algorithm) newHash() (hash.Hash, error) {
	switch a {
	case SHA1:
		return sha1.New(), nil
	case MD5:
		return md5.New(), nil
	default:
		return nil, fmt.Errorf("unrecognized digest algorithm %q", a)
	}
}

// blockSize mirrors hashlib's block_size for the algorithms above: both
// SHA-1 and MD5 operate on 64-byte blocks.
const blockSize = 64

// chunkSize is blockSize*128, matching the streaming chunk size used by
// the reference implementation's fileChecksum.
const chunkSize = blockSize * 128

// Digest streams the file at path through algorithm and returns its
// lowercase hex digest. Fails with a NotFound error if path does not
// exist, or an IO error for any other read failure.
func Digest(path string, algorithm Algorithm) (string, error) {
	const op = "digest"
	if path == "" {
		return "", errs.Invalidf(op, "path must be specified")
	}

	h, err := algorithm.newHash()
	if err != nil {
		return "", errs.Configf(op, "%v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errs.NotFoundf(op, "%s does not exist", path)
		}
		return "", errs.IOErr(op, err)
	}
	defer f.Close()

	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", errs.IOErr(op, err)
	}

	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
