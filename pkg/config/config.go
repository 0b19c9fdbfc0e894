// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config loads the registry's TOML configuration file.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/stowage-dev/stowage/pkg/storage"
)

// Environment variables honored by Load. STOWAGE_AUTH_TOKENS keeps
// token material out of the config file.
const (
	EnvConfigPath = "STOWAGE_CONFIG"
	EnvAuthTokens = "STOWAGE_AUTH_TOKENS"
)

// Config is the full server configuration.
type Config struct {
	Server   Server   `toml:"server"`
	Packages Packages `toml:"packages"`
	Auth     Auth     `toml:"auth"`
	Storage  Storage  `toml:"storage"`
}

type Server struct {
	// RootURL is the externally visible base URL, advertised to
	// clients in the index config document.
	RootURL string `toml:"root_url"`
	// Addr is the listen address, e.g. ":8080".
	Addr string `toml:"addr"`
}

type Packages struct {
	// MaxPublishSize caps publish request bodies, in bytes. Zero
	// means the server default.
	MaxPublishSize int64 `toml:"max_publish_size"`
}

// Auth modes.
const (
	AuthNone      = "none"
	AuthTokenList = "token_list"
	AuthTokenHash = "token_hash"
	AuthTokenFile = "token_file"
)

type Auth struct {
	Mode string `toml:"mode"`
	// Tokens is the token_list allow-list. STOWAGE_AUTH_TOKENS
	// (comma-separated) overrides it.
	Tokens []string `toml:"tokens"`
	// TokenHashes are hex sha256 digests for token_hash mode.
	TokenHashes []string `toml:"token_hashes"`
	// TokenFile is the persisted-token path for token_file mode.
	TokenFile string `toml:"token_file"`
	// ProtectReads extends the token gate to index and download
	// reads. Defaults to true when auth is enabled.
	ProtectReads *bool `toml:"protect_reads"`
}

// Storage backend types.
const (
	StorageLocal = "local"
	StorageS3    = "s3"
)

type Storage struct {
	Type  string       `toml:"type"`
	Local LocalStorage `toml:"local"`
	S3    S3Storage    `toml:"s3"`
}

type LocalStorage struct {
	Path string `toml:"path"`
}

type S3Storage struct {
	Bucket   string `toml:"bucket"`
	Region   string `toml:"region"`
	Prefix   string `toml:"prefix"`
	Endpoint string `toml:"endpoint"`
	// SignedDownloadTTLSeconds enables presigned download redirects
	// when nonzero.
	SignedDownloadTTLSeconds int           `toml:"signed_download_ttl_seconds"`
	Credentials              S3Credentials `toml:"credentials"`
}

type S3Credentials struct {
	// Source is one of auto, static, web_identity, profile, instance.
	Source          string `toml:"source"`
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
	SessionToken    string `toml:"session_token"`
	Profile         string `toml:"profile"`
	RoleARN         string `toml:"role_arn"`
	SessionName     string `toml:"session_name"`
	WebIdentityFile string `toml:"web_identity_file"`
}

// CredentialSource maps the config string onto the storage package's
// credential source.
func (c S3Credentials) CredentialSource() (storage.CredentialSource, error) {
	switch c.Source {
	case "", "auto":
		return storage.CredentialAuto, nil
	case "static":
		return storage.CredentialStatic, nil
	case "web_identity":
		return storage.CredentialWebIdentity, nil
	case "profile":
		return storage.CredentialProfile, nil
	case "instance":
		return storage.CredentialInstance, nil
	}
	return "", fmt.Errorf("unknown credential source %q", c.Source)
}

// S3Config shapes the config section into the storage backend's
// constructor input.
func (s S3Storage) S3Config() (storage.S3Config, error) {
	source, err := s.Credentials.CredentialSource()
	if err != nil {
		return storage.S3Config{}, err
	}
	return storage.S3Config{
		Bucket:   s.Bucket,
		Region:   s.Region,
		Prefix:   s.Prefix,
		Endpoint: s.Endpoint,
		Credentials: storage.S3Credentials{
			Source:          source,
			AccessKeyID:     s.Credentials.AccessKeyID,
			SecretAccessKey: s.Credentials.SecretAccessKey,
			SessionToken:    s.Credentials.SessionToken,
			RoleARN:         s.Credentials.RoleARN,
			SessionName:     s.Credentials.SessionName,
			WebIdentityFile: s.Credentials.WebIdentityFile,
			Profile:         s.Credentials.Profile,
		},
	}, nil
}

// Load reads the config at path. An empty path falls back to
// STOWAGE_CONFIG. Defaults are filled and the result validated.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		return nil, fmt.Errorf("no config file: pass -config or set %s", EnvConfigPath)
	}
	var cfg Config
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if undec := meta.Undecoded(); len(undec) > 0 {
		return nil, fmt.Errorf("config %s: unknown key %s", path, undec[0])
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = AuthNone
	}
	if env := os.Getenv(EnvAuthTokens); env != "" {
		c.Auth.Tokens = nil
		for _, t := range strings.Split(env, ",") {
			if t = strings.TrimSpace(t); t != "" {
				c.Auth.Tokens = append(c.Auth.Tokens, t)
			}
		}
	}
	if c.Storage.Type == "" {
		c.Storage.Type = StorageLocal
	}
}

// ReadsProtected reports whether index and download reads require a
// token.
func (c *Config) ReadsProtected() bool {
	if c.Auth.Mode == AuthNone {
		return false
	}
	if c.Auth.ProtectReads == nil {
		return true
	}
	return *c.Auth.ProtectReads
}

func (c *Config) validate() error {
	if c.Server.RootURL == "" {
		return fmt.Errorf("server.root_url is required")
	}
	if !strings.HasPrefix(c.Server.RootURL, "http://") && !strings.HasPrefix(c.Server.RootURL, "https://") {
		return fmt.Errorf("server.root_url %q must be an http(s) URL", c.Server.RootURL)
	}
	switch c.Auth.Mode {
	case AuthNone:
	case AuthTokenList:
		if len(c.Auth.Tokens) == 0 {
			return fmt.Errorf("auth.mode %s needs auth.tokens or %s", AuthTokenList, EnvAuthTokens)
		}
	case AuthTokenHash:
		if len(c.Auth.TokenHashes) == 0 {
			return fmt.Errorf("auth.mode %s needs auth.token_hashes", AuthTokenHash)
		}
	case AuthTokenFile:
		if c.Auth.TokenFile == "" {
			return fmt.Errorf("auth.mode %s needs auth.token_file", AuthTokenFile)
		}
	default:
		return fmt.Errorf("unknown auth.mode %q", c.Auth.Mode)
	}
	switch c.Storage.Type {
	case StorageLocal:
		if c.Storage.Local.Path == "" {
			return fmt.Errorf("storage.local.path is required")
		}
	case StorageS3:
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required")
		}
		if _, err := c.Storage.S3.Credentials.CredentialSource(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown storage.type %q", c.Storage.Type)
	}
	return nil
}
