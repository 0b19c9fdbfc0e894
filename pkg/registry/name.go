// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"errors"
	"fmt"
	"strings"
)

// Name is a validated package name. Identity is case-insensitive:
// shard paths and archive paths use the lower-cased form, while the
// original spelling is preserved in stored records.
type Name string

const maxNameLength = 64

var (
	ErrEmptyName     = errors.New("package names cannot be empty")
	ErrNameTooLong   = fmt.Errorf("package names must be at most %d characters", maxNameLength)
	ErrNameCharset   = errors.New("package names must be ASCII alphanumeric, - or _, starting with a letter")
	ErrNameForbidden = errors.New("this package name is reserved")
)

// reservedNames can never be published: they collide with Windows
// device files when an index is checked out on disk.
var reservedNames = map[string]bool{
	"con": true, "prn": true, "aux": true, "nul": true,
	"com1": true, "com2": true, "com3": true, "com4": true, "com5": true,
	"com6": true, "com7": true, "com8": true, "com9": true,
	"lpt1": true, "lpt2": true, "lpt3": true, "lpt4": true, "lpt5": true,
	"lpt6": true, "lpt7": true, "lpt8": true, "lpt9": true,
}

// ParseName validates a package name, preserving its original case.
func ParseName(s string) (Name, error) {
	if s == "" {
		return "", ErrEmptyName
	}
	if len(s) > maxNameLength {
		return "", ErrNameTooLong
	}
	if !isLetter(s[0]) {
		return "", ErrNameCharset
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !isLetter(c) && !(c >= '0' && c <= '9') && c != '-' && c != '_' {
			return "", ErrNameCharset
		}
	}
	if reservedNames[strings.ToLower(s)] {
		return "", ErrNameForbidden
	}
	return Name(s), nil
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// lower returns the canonical lower-cased form used for paths and for
// case-insensitive identity.
func (n Name) lower() string {
	return strings.ToLower(string(n))
}

// Equal reports whether two names identify the same package.
func (n Name) Equal(other Name) bool {
	return n.lower() == other.lower()
}

// IndexPath returns the shard path of the package's index file. The
// layout fans names out by length and prefix so no index directory
// grows large:
//
//	a          -> 1/a
//	fe         -> 2/fe
//	foo        -> 3/f/foo
//	serde_json -> se/rd/serde_json
func (n Name) IndexPath() string {
	s := n.lower()
	switch len(s) {
	case 0:
		return ""
	case 1:
		return "1/" + s
	case 2:
		return "2/" + s
	case 3:
		return "3/" + s[:1] + "/" + s
	default:
		return s[:2] + "/" + s[2:4] + "/" + s
	}
}

// ArchivePath returns the storage path of the archive for one version
// of the package.
func (n Name) ArchivePath(version string) string {
	return "packages/" + n.lower() + "/" + version + "/download"
}

var ErrBadIndexPath = errors.New("not a valid index path")

// NameFromIndexPath inverts IndexPath. It rejects paths whose
// components disagree with the sharding rule, so a storage path can
// never be reached through a mismatched or traversal-bearing request
// path.
func NameFromIndexPath(p string) (Name, error) {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	for _, part := range parts {
		if part == "" || part == "." || part == ".." {
			return "", ErrBadIndexPath
		}
	}
	var raw string
	switch len(parts) {
	case 2:
		raw = parts[1]
		switch parts[0] {
		case "1":
			if len(raw) != 1 {
				return "", ErrBadIndexPath
			}
		case "2":
			if len(raw) != 2 {
				return "", ErrBadIndexPath
			}
		default:
			return "", ErrBadIndexPath
		}
	case 3:
		raw = parts[2]
		if parts[0] == "3" {
			if len(raw) != 3 || parts[1] != raw[:1] {
				return "", ErrBadIndexPath
			}
		} else {
			if len(raw) < 4 || parts[0] != raw[:2] || parts[1] != raw[2:4] {
				return "", ErrBadIndexPath
			}
		}
	default:
		return "", ErrBadIndexPath
	}
	name, err := ParseName(raw)
	if err != nil {
		return "", err
	}
	if name.lower() != raw {
		// Request paths use the canonical lower-cased form only.
		return "", ErrBadIndexPath
	}
	return name, nil
}
