// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/stowage-dev/stowage/pkg/storage"
)

func testPublisher(backend storage.Backend) *Publisher {
	return &Publisher{Backend: backend, Index: testIndexStore(backend)}
}

// frame assembles a publish wire body from metadata and archive bytes.
func frame(t *testing.T, meta any, archive []byte) []byte {
	t.Helper()
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		t.Fatal(err)
	}
	body := binary.LittleEndian.AppendUint32(nil, uint32(len(metaJSON)))
	body = append(body, metaJSON...)
	body = binary.LittleEndian.AppendUint32(body, uint32(len(archive)))
	return append(body, archive...)
}

func publishMeta(name, vers string) map[string]any {
	return map[string]any{
		"name": name,
		"vers": vers,
		"deps": []any{},
	}
}

func TestPublishCommits(t *testing.T) {
	mem := storage.NewMem()
	p := testPublisher(mem)
	ctx := context.Background()
	archive := []byte("archive bytes")

	res, err := p.Publish(ctx, frame(t, publishMeta("foo", "1.0.0"), archive))
	if err != nil {
		t.Fatal(err)
	}
	if res.Record.Name != "foo" || res.Record.Version != "1.0.0" {
		t.Errorf("record = %s@%s", res.Record.Name, res.Record.Version)
	}
	if len(res.Record.Checksum) != 64 {
		t.Errorf("checksum %q is not a hex sha256", res.Record.Checksum)
	}

	recs, err := p.Index.Read(ctx, "foo")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Checksum != res.Record.Checksum {
		t.Fatalf("index records = %+v", recs)
	}
	got, _, err := mem.Get(ctx, Name("foo").ArchivePath("1.0.0"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(archive) {
		t.Error("stored archive does not match upload")
	}
}

func TestPublishIdempotentRepublish(t *testing.T) {
	p := testPublisher(storage.NewMem())
	ctx := context.Background()
	body := frame(t, publishMeta("foo", "1.0.0"), []byte("same bytes"))

	if _, err := p.Publish(ctx, body); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Publish(ctx, body); err != nil {
		t.Errorf("identical republish = %v, want success", err)
	}
	recs, _ := p.Index.Read(ctx, "foo")
	if len(recs) != 1 {
		t.Errorf("republish duplicated the record: %d entries", len(recs))
	}
}

func TestPublishVersionCollision(t *testing.T) {
	p := testPublisher(storage.NewMem())
	ctx := context.Background()

	res, err := p.Publish(ctx, frame(t, publishMeta("foo", "1.0.0"), []byte("first")))
	if err != nil {
		t.Fatal(err)
	}
	_, err = p.Publish(ctx, frame(t, publishMeta("foo", "1.0.0"), []byte("second")))
	if !errors.Is(err, ErrVersionAlreadyPublished) {
		t.Errorf("conflicting republish = %v, want ErrVersionAlreadyPublished", err)
	}
	// The index keeps the original record untouched.
	recs, err := p.Index.Read(ctx, "foo")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Checksum != res.Record.Checksum {
		t.Errorf("index after failed republish = %+v", recs)
	}
}

func TestPublishChecksumMismatchWritesNothing(t *testing.T) {
	mem := storage.NewMem()
	p := testPublisher(mem)
	ctx := context.Background()

	meta := publishMeta("foo", "1.0.0")
	meta["cksum"] = "0000000000000000000000000000000000000000000000000000000000000000"
	_, err := p.Publish(ctx, frame(t, meta, []byte("archive")))
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("publish = %v, want ErrChecksumMismatch", err)
	}

	// The failed publish must leave no archive and no index entry.
	paths, err := mem.List(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 0 {
		t.Errorf("failed publish left objects behind: %v", paths)
	}
}

func TestPublishMalformedFrames(t *testing.T) {
	p := testPublisher(storage.NewMem())
	ctx := context.Background()
	good := frame(t, publishMeta("foo", "1.0.0"), []byte("archive"))

	notJSON := binary.LittleEndian.AppendUint32(nil, 1)
	notJSON = append(notJSON, '{')
	notJSON = binary.LittleEndian.AppendUint32(notJSON, 0)

	bodies := map[string][]byte{
		"empty":              {},
		"short prefix":       {1, 2},
		"meta overruns body": binary.LittleEndian.AppendUint32(nil, 1000),
		"trailing garbage":   append(append([]byte{}, good...), 'x'),
		"truncated archive":  good[:len(good)-1],
		"meta not json":      notJSON,
	}
	for name, body := range bodies {
		if _, err := p.Publish(ctx, body); !errors.Is(err, ErrMalformedRequest) {
			t.Errorf("%s: publish = %v, want ErrMalformedRequest", name, err)
		}
	}
}

func TestPublishValidation(t *testing.T) {
	p := testPublisher(storage.NewMem())
	ctx := context.Background()

	bad := []map[string]any{
		{"name": "9bad", "vers": "1.0.0", "deps": []any{}},
		{"name": "foo", "vers": "not.a.version", "deps": []any{}},
		{"name": "foo", "vers": "1.0.0", "deps": []any{
			map[string]any{"name": "bar", "version_req": "???", "kind": "normal"},
		}},
		{"name": "foo", "vers": "1.0.0", "deps": []any{}, "features": map[string]any{"bad feature!": []any{}}},
	}
	for i, meta := range bad {
		if _, err := p.Publish(ctx, frame(t, meta, []byte("a"))); !errors.Is(err, ErrMalformedRequest) {
			t.Errorf("case %d: publish = %v, want ErrMalformedRequest", i, err)
		}
	}
}

func TestPublishStripsBuildMetadata(t *testing.T) {
	p := testPublisher(storage.NewMem())
	res, err := p.Publish(context.Background(), frame(t, publishMeta("foo", "1.0.0+nightly.1"), []byte("a")))
	if err != nil {
		t.Fatal(err)
	}
	if res.Record.Version != "1.0.0" {
		t.Errorf("version = %q, want build metadata stripped", res.Record.Version)
	}
	if len(res.Warnings) == 0 {
		t.Error("expected a warning about stripped build metadata")
	}
}

func TestPublishDependencyRename(t *testing.T) {
	p := testPublisher(storage.NewMem())
	meta := publishMeta("foo", "1.0.0")
	meta["deps"] = []any{map[string]any{
		"name":                  "real-pkg",
		"version_req":           "^1.2",
		"kind":                  "normal",
		"explicit_name_in_toml": "alias",
	}}
	res, err := p.Publish(context.Background(), frame(t, meta, []byte("a")))
	if err != nil {
		t.Fatal(err)
	}
	dep := res.Record.Deps[0]
	if dep.Name != "alias" || dep.Package != "real-pkg" {
		t.Errorf("rename mapping = name %q package %q, want alias/real-pkg", dep.Name, dep.Package)
	}
}

func TestPublishConcurrentDistinctVersions(t *testing.T) {
	p := testPublisher(storage.NewMem())
	p.Index.MaxAttempts = 100 // enough headroom that no writer starves
	ctx := context.Background()

	var g errgroup.Group
	const n = 8
	for i := 0; i < n; i++ {
		vers := fmt.Sprintf("1.%d.0", i)
		g.Go(func() error {
			_, err := p.Publish(ctx, frame(t, publishMeta("foo", vers), []byte("archive "+vers)))
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	recs, err := p.Index.Read(ctx, "foo")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != n {
		t.Fatalf("index has %d records, want %d", len(recs), n)
	}
	seen := map[string]bool{}
	for _, r := range recs {
		if seen[r.Version] {
			t.Fatalf("version %s appears twice", r.Version)
		}
		seen[r.Version] = true
	}
}

func TestPublishRacingDifferentBytesLoses(t *testing.T) {
	mem := storage.NewMem()
	p := testPublisher(mem)
	rival := testPublisher(mem)
	ctx := context.Background()
	archivePath := Name("foo").ArchivePath("1.0.0")

	// A rival publish of the same version commits between this
	// publish's validation and its archive write. The conditional
	// create must lose, and the loser must not touch the rival's
	// committed state.
	raced := false
	mem.PutIfMatchHook = func(path string) error {
		if path != archivePath || raced {
			return nil
		}
		raced = true
		if _, err := rival.Publish(ctx, frame(t, publishMeta("foo", "1.0.0"), []byte("bytes-B"))); err != nil {
			t.Fatalf("rival publish: %v", err)
		}
		return nil
	}

	_, err := p.Publish(ctx, frame(t, publishMeta("foo", "1.0.0"), []byte("bytes-B-prime")))
	if !errors.Is(err, ErrVersionAlreadyPublished) {
		t.Fatalf("racing publish = %v, want ErrVersionAlreadyPublished", err)
	}

	// The committed record's checksum still matches the stored bytes.
	recs, err := p.Index.Read(ctx, "foo")
	if err != nil {
		t.Fatal(err)
	}
	data, _, err := mem.Get(ctx, archivePath)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "bytes-B" {
		t.Errorf("archive = %q, want the rival's committed bytes", data)
	}
	if len(recs) != 1 || recs[0].Checksum != digest.SHA256.FromBytes(data).Encoded() {
		t.Errorf("index checksum %q does not match stored archive", recs[0].Checksum)
	}
}

func TestPublishConcurrentIdenticalPublishes(t *testing.T) {
	p := testPublisher(storage.NewMem())
	p.Index.MaxAttempts = 100
	ctx := context.Background()
	body := frame(t, publishMeta("foo", "1.0.0"), []byte("same"))

	var g errgroup.Group
	for i := 0; i < 4; i++ {
		g.Go(func() error {
			_, err := p.Publish(ctx, body)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent identical publishes should all succeed: %v", err)
	}
	recs, _ := p.Index.Read(ctx, "foo")
	if len(recs) != 1 {
		t.Fatalf("index has %d records, want 1", len(recs))
	}
}
