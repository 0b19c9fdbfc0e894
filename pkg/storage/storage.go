// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package storage provides the byte-object store shared by package
// archives and index metadata. Two durable backends exist: the local
// filesystem and S3-compatible object storage. Both expose the same
// conditional-write primitive so callers can do optimistic
// read-modify-write cycles without any in-process locking, which keeps
// the registry correct when several stateless replicas share one
// backend.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates the object does not exist.
	ErrNotFound = errors.New("object not found")
	// ErrPreconditionFailed indicates a conditional write lost to a
	// concurrent writer. Callers retry the whole read-modify-write.
	ErrPreconditionFailed = errors.New("precondition failed")
	// ErrUnavailable indicates a transient backend connectivity
	// failure. It is surfaced rather than retried internally.
	ErrUnavailable = errors.New("storage unavailable")
)

// Token is an opaque concurrency token identifying one observed state
// of an object. The filesystem backend derives it from the content
// hash; the S3 backend uses the object's ETag.
type Token string

// NoToken is the expected token for an object that must not exist yet.
const NoToken Token = ""

// Backend is a uniform byte-object store. Get returns the object's
// bytes together with its current Token; the Token feeds a later
// PutIfMatch. All implementations guarantee read-your-write
// consistency within a process.
type Backend interface {
	// Get reads an object. Returns ErrNotFound if absent.
	Get(ctx context.Context, path string) ([]byte, Token, error)
	// Put writes an object unconditionally.
	Put(ctx context.Context, path string, data []byte) error
	// PutIfMatch writes an object only if its current state matches
	// the expected token (NoToken means the object must not exist).
	// Returns ErrPreconditionFailed when a concurrent writer changed
	// the object since it was observed.
	PutIfMatch(ctx context.Context, path string, expected Token, data []byte) (Token, error)
	// Exists reports whether an object is present.
	Exists(ctx context.Context, path string) (bool, error)
	// List returns the paths of all objects under prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// URLSigner is implemented by backends that can hand out direct
// download URLs, letting the server redirect instead of proxying
// archive bytes.
type URLSigner interface {
	SignGetURL(ctx context.Context, path string, expiry time.Duration) (string, error)
}
