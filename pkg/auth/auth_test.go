// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package auth

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestOpenAcceptsEverything(t *testing.T) {
	g := Open{}
	if err := g.Authorize(""); err != nil {
		t.Errorf("Authorize(\"\") = %v", err)
	}
	if err := g.Authorize("anything"); err != nil {
		t.Errorf("Authorize = %v", err)
	}
	if g.Required() {
		t.Error("Required() = true for open gate")
	}
}

func TestTokenList(t *testing.T) {
	g := NewTokenList([]string{"alpha", "beta"})
	if !g.Required() {
		t.Error("Required() = false")
	}
	for _, tok := range []string{"alpha", "beta"} {
		if err := g.Authorize(tok); err != nil {
			t.Errorf("Authorize(%q) = %v", tok, err)
		}
	}
	if err := g.Authorize("gamma"); !errors.Is(err, ErrBadToken) {
		t.Errorf("Authorize(gamma) = %v, want ErrBadToken", err)
	}
	if err := g.Authorize(""); !errors.Is(err, ErrMissingToken) {
		t.Errorf("Authorize(\"\") = %v, want ErrMissingToken", err)
	}
}

func TestTokenListEmptyRejectsAll(t *testing.T) {
	g := NewTokenList(nil)
	if err := g.Authorize("anything"); !errors.Is(err, ErrBadToken) {
		t.Errorf("Authorize = %v, want ErrBadToken", err)
	}
}

func TestTokenHashes(t *testing.T) {
	g, err := NewTokenHashes([]string{HashToken("alpha"), " " + HashToken("beta") + "\n"})
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Authorize("alpha"); err != nil {
		t.Errorf("Authorize(alpha) = %v", err)
	}
	if err := g.Authorize("beta"); err != nil {
		t.Errorf("Authorize(beta) = %v", err)
	}
	if err := g.Authorize(HashToken("alpha")); !errors.Is(err, ErrBadToken) {
		t.Error("the stored digest itself must not authorize")
	}
}

func TestTokenHashesRejectsBadDigest(t *testing.T) {
	for _, h := range []string{"zz", "abcd", ""} {
		if _, err := NewTokenHashes([]string{h}); err == nil {
			t.Errorf("NewTokenHashes(%q) accepted a non-sha256 value", h)
		}
	}
}

func TestTokenFileGeneratesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "token")

	g, err := NewTokenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	token := string(data)
	if token == "" {
		t.Fatal("generated token is empty")
	}
	if err := g.Authorize(token); err != nil {
		t.Errorf("generated token rejected: %v", err)
	}

	if runtime.GOOS != "windows" {
		fi, _ := os.Stat(path)
		if perm := fi.Mode().Perm(); perm != 0o600 {
			t.Errorf("token file mode = %o, want 600", perm)
		}
	}

	// A second start reuses the persisted token.
	g2, err := NewTokenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := g2.Authorize(token); err != nil {
		t.Errorf("persisted token rejected on reload: %v", err)
	}
}

func TestGenerateTokenUnique(t *testing.T) {
	a, err := GenerateToken()
	if err != nil {
		t.Fatal(err)
	}
	b, err := GenerateToken()
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("two generated tokens are identical")
	}
}
