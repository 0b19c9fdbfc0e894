// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"tailscale.com/util/mak"
)

// Mem is a map-backed Backend for tests. It honors the same
// conditional-write semantics as the durable backends and can inject
// failures through PutIfMatchHook to simulate concurrent writers.
type Mem struct {
	// PutIfMatchHook, if set, runs before each conditional write.
	// Returning an error aborts the write with that error; tests use
	// it to force ErrPreconditionFailed a fixed number of times.
	PutIfMatchHook func(path string) error

	mu      sync.Mutex
	objects map[string][]byte
	seq     int
	tokens  map[string]Token
}

var _ Backend = (*Mem)(nil)

// NewMem returns an empty in-memory backend.
func NewMem() *Mem {
	return &Mem{}
}

// Get reads an object.
func (m *Mem) Get(ctx context.Context, path string) ([]byte, Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[path]
	if !ok {
		return nil, NoToken, ErrNotFound
	}
	return append([]byte(nil), data...), m.tokens[path], nil
}

// Put writes an object unconditionally.
func (m *Mem) Put(ctx context.Context, path string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storeLocked(path, data)
	return nil
}

func (m *Mem) storeLocked(path string, data []byte) Token {
	m.seq++
	tok := Token(fmt.Sprintf("v%d", m.seq))
	mak.Set(&m.objects, path, append([]byte(nil), data...))
	mak.Set(&m.tokens, path, tok)
	return tok
}

// PutIfMatch writes an object only when its current token matches.
func (m *Mem) PutIfMatch(ctx context.Context, path string, expected Token, data []byte) (Token, error) {
	if m.PutIfMatchHook != nil {
		if err := m.PutIfMatchHook(path); err != nil {
			return NoToken, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current := NoToken
	if _, ok := m.objects[path]; ok {
		current = m.tokens[path]
	}
	if current != expected {
		return NoToken, ErrPreconditionFailed
	}
	return m.storeLocked(path, data), nil
}

// Exists reports whether an object is present.
func (m *Mem) Exists(ctx context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[path]
	return ok, nil
}

// List returns the paths of all objects under prefix, sorted.
func (m *Mem) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var paths []string
	for p := range m.objects {
		if strings.HasPrefix(p, prefix) {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths, nil
}
