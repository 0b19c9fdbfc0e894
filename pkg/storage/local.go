// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

// Local implements Backend on a local filesystem rooted at a single
// directory. Writes go to a staging file first and are renamed into
// place so readers never observe partial content. Conditional writes
// take an exclusive flock on a per-object lock file, re-check the
// current content hash, and only then rename the new content in.
type Local struct {
	root string
}

var _ Backend = (*Local)(nil)

// NewLocal creates a filesystem backend rooted at root, creating the
// directory and its staging area if needed.
func NewLocal(root string) (*Local, error) {
	root = filepath.Clean(root)
	if root == "" || root == "/" || root == "." {
		return nil, fmt.Errorf("refusing storage root %q", root)
	}
	for _, dir := range []string{root, filepath.Join(root, stagingDir), filepath.Join(root, locksDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
	}
	return &Local{root: root}, nil
}

const (
	stagingDir = ".staging"
	locksDir   = ".locks"
)

func (l *Local) objectPath(path string) (string, error) {
	if path == "" || strings.Contains(path, "..") || strings.HasPrefix(path, "/") {
		return "", fmt.Errorf("invalid object path %q", path)
	}
	return filepath.Join(l.root, filepath.FromSlash(path)), nil
}

func (l *Local) stagingPath() string {
	return filepath.Join(l.root, stagingDir, uuid.New().String())
}

func (l *Local) lockPath(path string) string {
	sum := sha256.Sum256([]byte(path))
	return filepath.Join(l.root, locksDir, hex.EncodeToString(sum[:16])+".lock")
}

// contentToken derives the concurrency token from the object bytes.
// Both Get and PutIfMatch use it, so a token observed by a reader is
// directly comparable against the state seen under the write lock.
func contentToken(data []byte) Token {
	sum := sha256.Sum256(data)
	return Token(hex.EncodeToString(sum[:]))
}

// Get reads an object and returns its bytes with the content token.
func (l *Local) Get(ctx context.Context, path string) ([]byte, Token, error) {
	p, err := l.objectPath(path)
	if err != nil {
		return nil, NoToken, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NoToken, ErrNotFound
		}
		return nil, NoToken, fmt.Errorf("read object: %w", err)
	}
	return data, contentToken(data), nil
}

// Put writes an object unconditionally via staging-file-then-rename.
func (l *Local) Put(ctx context.Context, path string, data []byte) error {
	p, err := l.objectPath(path)
	if err != nil {
		return err
	}
	return l.writeRename(p, data)
}

func (l *Local) writeRename(dst string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create object directory: %w", err)
	}
	staging := l.stagingPath()
	if err := os.WriteFile(staging, data, 0o644); err != nil {
		return fmt.Errorf("write staging object: %w", err)
	}
	if err := os.Rename(staging, dst); err != nil {
		os.Remove(staging)
		return fmt.Errorf("rename object: %w", err)
	}
	return nil
}

// PutIfMatch writes an object only if its current content hash matches
// the expected token. The flock serializes writers within and across
// processes on one host; the content re-read under the lock is what
// actually detects a lost race.
func (l *Local) PutIfMatch(ctx context.Context, path string, expected Token, data []byte) (Token, error) {
	p, err := l.objectPath(path)
	if err != nil {
		return NoToken, err
	}
	lock := flock.New(l.lockPath(path))
	locked, err := lock.TryLockContext(ctx, 10*time.Millisecond)
	if err != nil {
		return NoToken, fmt.Errorf("acquire object lock: %w", err)
	}
	if !locked {
		return NoToken, ErrPreconditionFailed
	}
	defer lock.Unlock()

	current := NoToken
	cur, err := os.ReadFile(p)
	switch {
	case err == nil:
		current = contentToken(cur)
	case os.IsNotExist(err):
	default:
		return NoToken, fmt.Errorf("read current object: %w", err)
	}
	if current != expected {
		return NoToken, ErrPreconditionFailed
	}
	if err := l.writeRename(p, data); err != nil {
		return NoToken, err
	}
	return contentToken(data), nil
}

// Exists reports whether an object is present.
func (l *Local) Exists(ctx context.Context, path string) (bool, error) {
	p, err := l.objectPath(path)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat object: %w", err)
	}
	return true, nil
}

// List returns the slash-separated paths of all objects under prefix.
func (l *Local) List(ctx context.Context, prefix string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(l.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if name := d.Name(); p != l.root && (name == stagingDir || name == locksDir) {
				return fs.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(l.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, prefix) {
			paths = append(paths, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk storage root: %w", err)
	}
	return paths, nil
}
