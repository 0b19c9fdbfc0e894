// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// SchemaVersion tags the index record layout. Readers written against
// a newer layout can skip records they do not understand.
const SchemaVersion = 2

// ErrInvalidRecord is returned for any malformed index record. Index
// files are written only by this server, so callers get a single
// error kind rather than a parse-failure taxonomy.
var ErrInvalidRecord = errors.New("invalid version record")

func invalidRecord(err error) error {
	return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
}

// DependencyKind classifies how a dependency is used by the package.
type DependencyKind string

const (
	DepNormal DependencyKind = "normal"
	DepBuild  DependencyKind = "build"
	DepDev    DependencyKind = "dev"
)

func (k DependencyKind) valid() bool {
	switch k {
	case DepNormal, DepBuild, DepDev:
		return true
	}
	return false
}

// Dependency is one direct dependency of a published version.
type Dependency struct {
	// Name is the name the depending package refers to it by. If the
	// dependency was renamed, Package holds the real package name.
	Name string `json:"name"`
	// Req is the semantic-version requirement.
	Req             string   `json:"req"`
	Features        []string `json:"features"`
	Optional        bool     `json:"optional"`
	DefaultFeatures bool     `json:"default_features"`
	// Target restricts the dependency to a platform expression, if
	// non-empty.
	Target string         `json:"target,omitempty"`
	Kind   DependencyKind `json:"kind"`
	// Registry is the index URL of a foreign registry, if the
	// dependency does not live in this one.
	Registry string `json:"registry,omitempty"`
	Package  string `json:"package,omitempty"`
}

func (d *Dependency) validate() error {
	if _, err := ParseName(d.Name); err != nil {
		return fmt.Errorf("dependency name %q: %w", d.Name, err)
	}
	if _, err := semver.NewConstraint(d.Req); err != nil {
		return fmt.Errorf("dependency %q requirement %q: %w", d.Name, d.Req, err)
	}
	if !d.Kind.valid() {
		return fmt.Errorf("dependency %q kind %q", d.Name, d.Kind)
	}
	if d.Package != "" {
		if _, err := ParseName(d.Package); err != nil {
			return fmt.Errorf("dependency package %q: %w", d.Package, err)
		}
	}
	return nil
}

// Record is one line of a package's index file: the metadata of a
// single published version. Once committed, only Yanked ever changes.
type Record struct {
	Name    Name         `json:"name"`
	Version string       `json:"vers"`
	Deps    []Dependency `json:"deps"`
	// Checksum is the hex SHA-256 of the archive bytes.
	Checksum string              `json:"cksum"`
	Features map[string][]string `json:"features"`
	Yanked   bool                `json:"yanked"`
	// Links marks a version that links a native library, if any.
	Links  string `json:"links,omitempty"`
	Schema int    `json:"v"`
}

// SemVer returns the record's parsed version.
func (r *Record) SemVer() (*semver.Version, error) {
	return semver.StrictNewVersion(r.Version)
}

func (r *Record) validate() error {
	if _, err := ParseName(string(r.Name)); err != nil {
		return err
	}
	if _, err := semver.StrictNewVersion(r.Version); err != nil {
		return fmt.Errorf("version %q: %w", r.Version, err)
	}
	if len(r.Checksum) != 64 || !isHex(r.Checksum) {
		return fmt.Errorf("checksum %q is not a hex sha256", r.Checksum)
	}
	for _, d := range r.Deps {
		if err := d.validate(); err != nil {
			return err
		}
	}
	for feature := range r.Features {
		if err := validateFeatureName(feature); err != nil {
			return err
		}
	}
	switch r.Schema {
	case 0, SchemaVersion:
	default:
		return fmt.Errorf("unsupported record schema %d", r.Schema)
	}
	return nil
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9') && !(c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

func validateFeatureName(s string) error {
	if s == "" {
		return errors.New("feature names cannot be empty")
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !isLetter(c) && !(c >= '0' && c <= '9') && c != '-' && c != '_' {
			return fmt.Errorf("feature name %q has forbidden characters", s)
		}
	}
	return nil
}

// EncodeRecords renders records as newline-delimited JSON, the wire
// and storage form of an index shard.
func EncodeRecords(recs []Record) ([]byte, error) {
	var buf bytes.Buffer
	for i := range recs {
		rec := recs[i]
		if rec.Schema == 0 {
			rec.Schema = SchemaVersion
		}
		if rec.Features == nil {
			rec.Features = map[string][]string{}
		}
		if rec.Deps == nil {
			rec.Deps = []Dependency{}
		}
		line, err := json.Marshal(rec)
		if err != nil {
			return nil, invalidRecord(err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// DecodeRecords parses an index shard. Any malformed line collapses
// to ErrInvalidRecord.
func DecodeRecords(data []byte) ([]Record, error) {
	var recs []Record
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(nil, 16<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, invalidRecord(err)
		}
		if err := rec.validate(); err != nil {
			return nil, invalidRecord(err)
		}
		if rec.Schema == 0 {
			rec.Schema = SchemaVersion
		}
		recs = append(recs, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, invalidRecord(err)
	}
	return recs, nil
}
