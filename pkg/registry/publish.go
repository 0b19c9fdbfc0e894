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
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/opencontainers/go-digest"

	"github.com/stowage-dev/stowage/pkg/storage"
)

// PublishState names the stages of a publish transaction. A publish
// either reaches Committed or fails out of exactly one state; the
// ordering guarantees a crash can orphan an archive blob but never
// create an index record pointing at a missing blob.
type PublishState int

const (
	StateValidating PublishState = iota
	StateChecksummingArchive
	StateStoringArchive
	StateAppendingIndex
	StateCommitted
)

func (s PublishState) String() string {
	switch s {
	case StateValidating:
		return "validating"
	case StateChecksummingArchive:
		return "checksumming-archive"
	case StateStoringArchive:
		return "storing-archive"
	case StateAppendingIndex:
		return "appending-index"
	case StateCommitted:
		return "committed"
	default:
		return "unknown"
	}
}

// PublishRequest is the metadata JSON block of a publish body.
type PublishRequest struct {
	Name     Name                `json:"name"`
	Vers     string              `json:"vers"`
	Deps     []PublishDependency `json:"deps"`
	Features map[string][]string `json:"features"`

	// Informational fields, accepted but not indexed.
	Authors       []string                     `json:"authors"`
	Description   string                       `json:"description"`
	Documentation string                       `json:"documentation"`
	Homepage      string                       `json:"homepage"`
	Readme        string                       `json:"readme"`
	ReadmeFile    string                       `json:"readme_file"`
	Keywords      []string                     `json:"keywords"`
	Categories    []string                     `json:"categories"`
	License       string                       `json:"license"`
	LicenseFile   string                       `json:"license_file"`
	Repository    string                       `json:"repository"`
	Badges        map[string]map[string]string `json:"badges"`

	Links string `json:"links"`
	// Cksum, when set, is the client's expected hex SHA-256 of the
	// archive; it is verified before anything is written.
	Cksum string `json:"cksum"`
}

// PublishDependency is one dependency as declared by the client.
type PublishDependency struct {
	Name            string         `json:"name"`
	VersionReq      string         `json:"version_req"`
	Features        []string       `json:"features"`
	Optional        bool           `json:"optional"`
	DefaultFeatures bool           `json:"default_features"`
	Target          string         `json:"target"`
	Kind            DependencyKind `json:"kind"`
	Registry        string         `json:"registry"`
	// ExplicitNameInToml is set when the dependency is renamed; it is
	// the name the package refers to the dependency by.
	ExplicitNameInToml string `json:"explicit_name_in_toml"`
}

// PublishResult is returned for a committed publish.
type PublishResult struct {
	Record   Record
	Warnings []string
}

// Publisher drives the publish transaction over the index store and
// the archive storage.
type Publisher struct {
	Backend storage.Backend
	Index   *IndexStore
}

// publishError annotates a failure with the state it happened in.
func publishError(state PublishState, err error) error {
	return fmt.Errorf("publish %s: %w", state, err)
}

// splitPublishBody parses the length-prefixed wire frame: a 4-byte
// little-endian metadata length, the metadata JSON, a 4-byte
// little-endian archive length, and the archive bytes. Any length
// that disagrees with the actual body is a malformed request.
func splitPublishBody(body []byte) (meta, archive []byte, err error) {
	if len(body) < 4 {
		return nil, nil, fmt.Errorf("%w: truncated metadata length", ErrMalformedRequest)
	}
	metaLen := int(binary.LittleEndian.Uint32(body))
	rest := body[4:]
	if len(rest) < metaLen+4 {
		return nil, nil, fmt.Errorf("%w: metadata length exceeds body", ErrMalformedRequest)
	}
	meta = rest[:metaLen]
	rest = rest[metaLen:]
	archiveLen := int(binary.LittleEndian.Uint32(rest))
	rest = rest[4:]
	if len(rest) != archiveLen {
		return nil, nil, fmt.Errorf("%w: archive length mismatch", ErrMalformedRequest)
	}
	return meta, rest, nil
}

// Publish runs the full transaction for one publish body.
//
// The checksum is verified before any write, the archive is stored
// before the index is touched, and only the index append is ever
// retried. Republishing identical bytes is an idempotent success;
// republishing different bytes under an existing version fails.
func (p *Publisher) Publish(ctx context.Context, body []byte) (*PublishResult, error) {
	// Validating.
	meta, archive, err := splitPublishBody(body)
	if err != nil {
		return nil, publishError(StateValidating, err)
	}
	var req PublishRequest
	if err := json.Unmarshal(meta, &req); err != nil {
		return nil, publishError(StateValidating, fmt.Errorf("%w: bad metadata json", ErrMalformedRequest))
	}
	rec, warnings, err := req.record()
	if err != nil {
		return nil, publishError(StateValidating, err)
	}

	// ChecksummingArchive. Nothing has been written yet, so a
	// mismatch leaves no partial state at all.
	sum := digest.SHA256.FromBytes(archive).Encoded()
	if req.Cksum != "" && !strings.EqualFold(req.Cksum, sum) {
		return nil, publishError(StateChecksummingArchive, ErrChecksumMismatch)
	}
	rec.Checksum = sum

	// StoringArchive. The blob is created conditionally so a
	// committed archive can never be overwritten: losing the create
	// race means bytes already exist, and they are either an
	// idempotent republish (identical content) or a
	// different-content collision.
	archivePath := rec.Name.ArchivePath(rec.Version)
	archiveExisted := false
	_, err = p.Backend.PutIfMatch(ctx, archivePath, storage.NoToken, archive)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrPreconditionFailed):
		existing, _, getErr := p.Backend.Get(ctx, archivePath)
		if getErr != nil {
			return nil, publishError(StateStoringArchive, getErr)
		}
		if digest.SHA256.FromBytes(existing).Encoded() != sum {
			return nil, publishError(StateStoringArchive,
				fmt.Errorf("%w: %s@%s", ErrVersionAlreadyPublished, rec.Name, rec.Version))
		}
		archiveExisted = true
	default:
		return nil, publishError(StateStoringArchive, err)
	}

	// AppendingIndex. Conflict retries happen inside the index store;
	// on exhaustion the archive blob stays behind, unreferenced and
	// harmless, and an identical republish succeeds later.
	if err := p.Index.Append(ctx, rec.Name, rec); err != nil {
		if errors.Is(err, ErrDuplicateVersion) {
			if archiveExisted || p.archiveMatches(ctx, archivePath, sum) {
				// Identical publish already committed: idempotent.
				return &PublishResult{Record: rec, Warnings: warnings}, nil
			}
			return nil, publishError(StateAppendingIndex,
				fmt.Errorf("%w: %s@%s", ErrVersionAlreadyPublished, rec.Name, rec.Version))
		}
		return nil, publishError(StateAppendingIndex, err)
	}

	// Committed.
	return &PublishResult{Record: rec, Warnings: warnings}, nil
}

// archiveMatches re-checks the stored archive against the publish's
// digest after losing an append race, distinguishing a concurrent
// identical publish from a genuine collision.
func (p *Publisher) archiveMatches(ctx context.Context, path, sum string) bool {
	data, _, err := p.Backend.Get(ctx, path)
	if err != nil {
		return false
	}
	return digest.SHA256.FromBytes(data).Encoded() == sum
}

// record validates the request and shapes it into an index record,
// returning client-facing warnings for tolerated oddities.
func (r *PublishRequest) record() (Record, []string, error) {
	var warnings []string
	malformed := func(err error) error {
		return fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}

	name, err := ParseName(string(r.Name))
	if err != nil {
		return Record{}, nil, malformed(err)
	}
	ver, err := semver.StrictNewVersion(r.Vers)
	if err != nil {
		return Record{}, nil, malformed(fmt.Errorf("version %q: %v", r.Vers, err))
	}
	if ver.Metadata() != "" {
		warnings = append(warnings, fmt.Sprintf("build metadata in version was ignored: %s", ver.Metadata()))
		stripped, err := ver.SetMetadata("")
		if err != nil {
			return Record{}, nil, malformed(err)
		}
		ver = &stripped
	}

	deps := make([]Dependency, 0, len(r.Deps))
	for _, d := range r.Deps {
		dep := Dependency{
			Name:            d.Name,
			Req:             d.VersionReq,
			Features:        d.Features,
			Optional:        d.Optional,
			DefaultFeatures: d.DefaultFeatures,
			Target:          d.Target,
			Kind:            d.Kind,
			Registry:        d.Registry,
		}
		if d.ExplicitNameInToml != "" {
			// The dependency was renamed: the record's name is the
			// local alias, package keeps the real name.
			dep.Name = d.ExplicitNameInToml
			dep.Package = d.Name
		}
		if err := dep.validate(); err != nil {
			return Record{}, nil, malformed(err)
		}
		deps = append(deps, dep)
	}

	features := r.Features
	if features == nil {
		features = map[string][]string{}
	}
	for feature := range features {
		if err := validateFeatureName(feature); err != nil {
			return Record{}, nil, malformed(err)
		}
	}

	return Record{
		Name:     name,
		Version:  ver.String(),
		Deps:     deps,
		Features: features,
		Links:    r.Links,
		Schema:   SchemaVersion,
	}, warnings, nil
}
