// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

var testChecksum = strings.Repeat("ab", 32)

func testRecord(name, vers string) Record {
	return Record{
		Name:     Name(name),
		Version:  vers,
		Deps:     []Dependency{},
		Checksum: testChecksum,
		Features: map[string][]string{},
		Schema:   SchemaVersion,
	}
}

func TestRecordRoundTrip(t *testing.T) {
	recs := []Record{
		testRecord("foo", "1.0.0"),
		{
			Name:    "foo",
			Version: "1.1.0-beta.1",
			Deps: []Dependency{{
				Name:            "tokio",
				Req:             ">=1.0.0, <2.0.0",
				Features:        []string{"rt"},
				Optional:        true,
				DefaultFeatures: true,
				Target:          `cfg(target_os = "linux")`,
				Kind:            DepNormal,
			}, {
				Name:    "dev-helper",
				Req:     "0.3.1",
				Kind:    DepDev,
				Package: "helper",
			}},
			Checksum: testChecksum,
			Features: map[string][]string{"full": {"tokio/rt"}},
			Yanked:   true,
			Links:    "git2",
			Schema:   SchemaVersion,
		},
	}
	data, err := EncodeRecords(recs)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Count(string(data), "\n"); got != len(recs) {
		t.Errorf("encoded %d lines, want %d", got, len(recs))
	}
	got, err := DecodeRecords(data)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(recs, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeRecordsSkipsBlankLines(t *testing.T) {
	data, err := EncodeRecords([]Record{testRecord("foo", "1.0.0")})
	if err != nil {
		t.Fatal(err)
	}
	withBlanks := "\n" + string(data) + "\n\n"
	recs, err := DecodeRecords([]byte(withBlanks))
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
}

func TestDecodeRecordsInvalid(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"not json", "not json at all"},
		{"bad name", `{"name":"9bad","vers":"1.0.0","deps":[],"cksum":"` + testChecksum + `","features":{},"yanked":false,"v":2}`},
		{"bad version", `{"name":"foo","vers":"banana","deps":[],"cksum":"` + testChecksum + `","features":{},"yanked":false,"v":2}`},
		{"bad checksum", `{"name":"foo","vers":"1.0.0","deps":[],"cksum":"zz","features":{},"yanked":false,"v":2}`},
		{"bad dep kind", `{"name":"foo","vers":"1.0.0","deps":[{"name":"bar","req":"1.0","kind":"weird"}],"cksum":"` + testChecksum + `","features":{},"yanked":false,"v":2}`},
		{"bad dep req", `{"name":"foo","vers":"1.0.0","deps":[{"name":"bar","req":"???","kind":"normal"}],"cksum":"` + testChecksum + `","features":{},"yanked":false,"v":2}`},
		{"bad feature name", `{"name":"foo","vers":"1.0.0","deps":[],"cksum":"` + testChecksum + `","features":{"no spaces!":[]},"yanked":false,"v":2}`},
		{"future schema", `{"name":"foo","vers":"1.0.0","deps":[],"cksum":"` + testChecksum + `","features":{},"yanked":false,"v":9}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeRecords([]byte(tt.line))
			if !errors.Is(err, ErrInvalidRecord) {
				t.Errorf("DecodeRecords = %v, want ErrInvalidRecord", err)
			}
		})
	}
}

func TestDecodeRecordsFillsSchemaDefault(t *testing.T) {
	line := `{"name":"foo","vers":"1.0.0","deps":[],"cksum":"` + testChecksum + `","features":{},"yanked":false}`
	recs, err := DecodeRecords([]byte(line))
	if err != nil {
		t.Fatal(err)
	}
	if recs[0].Schema != SchemaVersion {
		t.Errorf("schema = %d, want %d", recs[0].Schema, SchemaVersion)
	}
}
