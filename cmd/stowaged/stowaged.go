// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command stowaged serves a private package registry: a sparse index
// plus a publish/download/yank API over local or S3 storage.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tailscale.com/util/must"

	"github.com/stowage-dev/stowage/pkg/auth"
	"github.com/stowage-dev/stowage/pkg/config"
	"github.com/stowage-dev/stowage/pkg/registry"
	"github.com/stowage-dev/stowage/pkg/storage"
)

var (
	configPath = flag.String("config", "", "path to the TOML config file (or set "+config.EnvConfigPath+")")
	addr       = flag.String("addr", "", "listen address, overrides server.addr from the config")
)

func main() {
	flag.Parse()
	cfg := must.Get(config.Load(*configPath))
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend := must.Get(newBackend(ctx, cfg))
	gate := must.Get(newGate(cfg))

	srv := registry.NewServer(backend, gate, cfg.Server.RootURL)
	srv.MaxPublishBytes = cfg.Packages.MaxPublishSize
	srv.OpenReads = !cfg.ReadsProtected()
	if cfg.Storage.Type == config.StorageS3 {
		srv.SignedDownloadTTL = time.Duration(cfg.Storage.S3.SignedDownloadTTLSeconds) * time.Second
	}

	hs := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		hs.Shutdown(shutdownCtx)
	}()

	log.Printf("stowaged: serving %s storage on %s as %s", cfg.Storage.Type, cfg.Server.Addr, cfg.Server.RootURL)
	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}

func newBackend(ctx context.Context, cfg *config.Config) (storage.Backend, error) {
	switch cfg.Storage.Type {
	case config.StorageLocal:
		return storage.NewLocal(cfg.Storage.Local.Path)
	case config.StorageS3:
		s3cfg, err := cfg.Storage.S3.S3Config()
		if err != nil {
			return nil, err
		}
		return storage.NewS3(ctx, s3cfg)
	}
	return nil, errors.New("unknown storage type " + cfg.Storage.Type)
}

func newGate(cfg *config.Config) (auth.Gate, error) {
	switch cfg.Auth.Mode {
	case config.AuthNone:
		return auth.NewOpen(), nil
	case config.AuthTokenList:
		return auth.NewTokenList(cfg.Auth.Tokens), nil
	case config.AuthTokenHash:
		return auth.NewTokenHashes(cfg.Auth.TokenHashes)
	case config.AuthTokenFile:
		return auth.NewTokenFile(cfg.Auth.TokenFile)
	}
	return nil, errors.New("unknown auth mode " + cfg.Auth.Mode)
}
