// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package auth implements the registry's token gate. Tokens carry no
// identity: every accepted token grants the single read/write
// capability, and comparisons run in constant time with respect to
// token content regardless of which backing store is configured.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrMissingToken means no token was presented.
	ErrMissingToken = errors.New("no authorization token provided")
	// ErrBadToken means the presented token is not accepted.
	ErrBadToken = errors.New("invalid authorization token")
)

// Gate authorizes requests by token. Implementations must not leak
// token content through timing.
type Gate interface {
	// Authorize accepts or rejects a presented token. An empty token
	// yields ErrMissingToken.
	Authorize(token string) error
	// Required reports whether the gate rejects anonymous callers.
	Required() bool
}

// Open is a gate that accepts everything, including missing tokens.
// Running a registry without auth is almost always a mistake; the
// constructor logs accordingly.
type Open struct{}

// NewOpen returns the pass-through gate.
func NewOpen() Open {
	log.Printf("auth: authentication disabled; any request can read and modify the registry")
	return Open{}
}

func (Open) Authorize(string) error { return nil }
func (Open) Required() bool         { return false }

// digestGate is the shared core of every token-backed gate: it holds
// the SHA-256 digests of all accepted tokens and compares the
// presented token's digest against every one of them on each call, so
// the work done is independent of which (if any) entry matches.
type digestGate struct {
	digests [][sha256.Size]byte
}

func newDigestGate(tokens []string) digestGate {
	g := digestGate{}
	for _, t := range tokens {
		g.digests = append(g.digests, sha256.Sum256([]byte(t)))
	}
	return g
}

func (g digestGate) Authorize(token string) error {
	if token == "" {
		return ErrMissingToken
	}
	sum := sha256.Sum256([]byte(token))
	match := 0
	for i := range g.digests {
		match |= subtle.ConstantTimeCompare(sum[:], g.digests[i][:])
	}
	if match != 1 {
		return ErrBadToken
	}
	return nil
}

func (g digestGate) Required() bool { return true }

// TokenList is a gate over a static allow-list of plaintext tokens
// from configuration.
type TokenList struct {
	digestGate
}

// NewTokenList builds an allow-list gate.
func NewTokenList(tokens []string) TokenList {
	if len(tokens) == 0 {
		log.Printf("auth: token list is empty; no request will be authorized")
	}
	return TokenList{newDigestGate(tokens)}
}

// TokenHashes is a gate over stored hex SHA-256 digests, so the
// configuration never contains a usable token.
type TokenHashes struct {
	digests [][sha256.Size]byte
}

// NewTokenHashes builds a gate from hex-encoded SHA-256 digests.
func NewTokenHashes(hexDigests []string) (TokenHashes, error) {
	var g TokenHashes
	for _, h := range hexDigests {
		raw, err := hex.DecodeString(strings.TrimSpace(h))
		if err != nil || len(raw) != sha256.Size {
			return TokenHashes{}, fmt.Errorf("token hash %q is not a hex sha256", h)
		}
		g.digests = append(g.digests, [sha256.Size]byte(raw))
	}
	if len(g.digests) == 0 {
		log.Printf("auth: no token hashes configured; no request will be authorized")
	}
	return g, nil
}

func (g TokenHashes) Authorize(token string) error {
	if token == "" {
		return ErrMissingToken
	}
	sum := sha256.Sum256([]byte(token))
	match := 0
	for i := range g.digests {
		match |= subtle.ConstantTimeCompare(sum[:], g.digests[i][:])
	}
	if match != 1 {
		return ErrBadToken
	}
	return nil
}

func (g TokenHashes) Required() bool { return true }

// NewTokenFile loads the single accepted token from path, generating
// and persisting a fresh one (0600) on first start. Suited to
// single-operator deployments that want auth without managing
// secrets.
func NewTokenFile(path string) (TokenList, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
	case os.IsNotExist(err):
		log.Printf("auth: token file %s not found, generating a new token", path)
		token, err := GenerateToken()
		if err != nil {
			return TokenList{}, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return TokenList{}, fmt.Errorf("create token directory: %w", err)
		}
		if err := os.WriteFile(path, []byte(token), 0o600); err != nil {
			return TokenList{}, fmt.Errorf("write token file: %w", err)
		}
		data = []byte(token)
	default:
		return TokenList{}, fmt.Errorf("read token file: %w", err)
	}
	return NewTokenList([]string{strings.TrimSpace(string(data))}), nil
}

// GenerateToken returns a fresh random token in base64.
func GenerateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// HashToken returns the hex SHA-256 of a token, the form stored by
// token-hash configurations.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
