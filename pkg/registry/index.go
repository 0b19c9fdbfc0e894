// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/stowage-dev/stowage/pkg/storage"
)

var (
	// ErrDuplicateVersion is returned when appending a version that
	// is already in the index.
	ErrDuplicateVersion = errors.New("version already in index")
	// ErrVersionNotFound is returned when yanking a version that is
	// not in the index.
	ErrVersionNotFound = errors.New("version not in index")
	// ErrIndexUpdate is returned after conflict retries are
	// exhausted. The archive blob, if any, stays behind; an
	// identical republish later succeeds idempotently.
	ErrIndexUpdate = errors.New("index update failed")
)

// Backoff returns how long to wait before retry number attempt
// (starting at 0). Tests inject ZeroBackoff.
type Backoff func(attempt int) time.Duration

// DefaultBackoff doubles a 25ms base per attempt, capped at one
// second, with up to 50% jitter so colliding publishers spread out.
func DefaultBackoff(attempt int) time.Duration {
	// Clamp the exponent: the cap is reached by attempt 6 and larger
	// shifts would overflow the duration.
	if attempt > 6 {
		attempt = 6
	}
	d := 25 * time.Millisecond << attempt
	if d > time.Second {
		d = time.Second
	}
	return d + rand.N(d/2+1)
}

// ZeroBackoff retries immediately.
func ZeroBackoff(int) time.Duration { return 0 }

const defaultMaxAttempts = 5

// IndexStore owns all reads and mutations of per-package index
// shards. Mutations are optimistic read-modify-write cycles over the
// backend's conditional-write primitive: there is deliberately no
// in-process lock, so any number of stateless replicas sharing one
// backend stay correct. Shards are small, so re-reading on every
// attempt is cheap.
type IndexStore struct {
	backend storage.Backend

	// MaxAttempts bounds the internal conflict-retry loop.
	MaxAttempts int
	// Backoff paces retries. Defaults to DefaultBackoff.
	Backoff Backoff
}

// NewIndexStore returns an IndexStore with default retry settings.
func NewIndexStore(backend storage.Backend) *IndexStore {
	return &IndexStore{
		backend:     backend,
		MaxAttempts: defaultMaxAttempts,
		Backoff:     DefaultBackoff,
	}
}

func indexShardPath(name Name) string {
	return "index/" + name.IndexPath()
}

// Read returns the package's records in publish order. A package that
// was never published yields an empty slice, not an error.
func (s *IndexStore) Read(ctx context.Context, name Name) ([]Record, error) {
	recs, _, err := s.readShard(ctx, name)
	return recs, err
}

func (s *IndexStore) readShard(ctx context.Context, name Name) ([]Record, storage.Token, error) {
	data, tok, err := s.backend.Get(ctx, indexShardPath(name))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, storage.NoToken, nil
		}
		return nil, storage.NoToken, err
	}
	recs, err := DecodeRecords(data)
	if err != nil {
		return nil, storage.NoToken, err
	}
	return recs, tok, nil
}

// Append adds one record to the package's shard. It fails with
// ErrDuplicateVersion if the version is already present, and retries
// the whole read-modify-write under conditional-write conflicts up to
// MaxAttempts before giving up with ErrIndexUpdate.
func (s *IndexStore) Append(ctx context.Context, name Name, rec Record) error {
	ver, err := semver.StrictNewVersion(rec.Version)
	if err != nil {
		return invalidRecord(err)
	}
	return s.update(ctx, name, func(recs []Record) ([]Record, error) {
		for i := range recs {
			v, err := recs[i].SemVer()
			if err != nil {
				return nil, err
			}
			if v.Equal(ver) {
				return nil, fmt.Errorf("%w: %s@%s", ErrDuplicateVersion, name, rec.Version)
			}
		}
		return append(recs, rec), nil
	})
}

// SetYanked flips one version's yanked flag. The record itself is a
// tombstone: it is never removed and its archive stays downloadable.
func (s *IndexStore) SetYanked(ctx context.Context, name Name, version string, yanked bool) error {
	ver, err := semver.StrictNewVersion(version)
	if err != nil {
		return fmt.Errorf("%w: %s@%s", ErrVersionNotFound, name, version)
	}
	return s.update(ctx, name, func(recs []Record) ([]Record, error) {
		for i := range recs {
			v, err := recs[i].SemVer()
			if err != nil {
				return nil, err
			}
			if v.Equal(ver) {
				if recs[i].Yanked == yanked {
					return nil, nil // already in the requested state
				}
				recs[i].Yanked = yanked
				return recs, nil
			}
		}
		return nil, fmt.Errorf("%w: %s@%s", ErrVersionNotFound, name, version)
	})
}

// update runs one optimistic read-modify-write cycle per attempt. The
// mutate callback returns the new record slice, or (nil, nil) when no
// write is needed. Only conditional-write conflicts are retried;
// every other failure surfaces immediately.
func (s *IndexStore) update(ctx context.Context, name Name, mutate func([]Record) ([]Record, error)) error {
	maxAttempts := s.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	backoff := s.Backoff
	if backoff == nil {
		backoff = DefaultBackoff
	}
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff(attempt - 1)):
			}
		}
		recs, tok, err := s.readShard(ctx, name)
		if err != nil {
			return err
		}
		next, err := mutate(recs)
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}
		data, err := EncodeRecords(next)
		if err != nil {
			return err
		}
		_, err = s.backend.PutIfMatch(ctx, indexShardPath(name), tok, data)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrPreconditionFailed) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %s: %v", ErrIndexUpdate, name, lastErr)
}
