// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/stowage-dev/stowage/pkg/auth"
	"github.com/stowage-dev/stowage/pkg/compress"
	"github.com/stowage-dev/stowage/pkg/storage"
)

// DefaultMaxPublishBytes caps the publish request body.
const DefaultMaxPublishBytes = 100 << 20

// Server is the registry's HTTP surface: the sparse index under
// /index/ and the package API under /api/v1/packages/.
type Server struct {
	backend storage.Backend
	index   *IndexStore
	pub     *Publisher
	gate    auth.Gate
	mux     *http.ServeMux

	// APIBase is the externally visible base URL, advertised in
	// config.json.
	APIBase string
	// MaxPublishBytes caps publish bodies. Zero means
	// DefaultMaxPublishBytes.
	MaxPublishBytes int64
	// SignedDownloadTTL, when nonzero and the backend can presign
	// URLs, makes downloads redirect to a signed URL instead of
	// proxying bytes.
	SignedDownloadTTL time.Duration
	// OpenReads exempts index and download GETs from the token gate,
	// for deployments that only protect publishing.
	OpenReads bool
}

// NewServer wires a server over one backend and one auth gate.
func NewServer(backend storage.Backend, gate auth.Gate, apiBase string) *Server {
	s := &Server{
		backend: backend,
		index:   NewIndexStore(backend),
		gate:    gate,
		mux:     http.NewServeMux(),
		APIBase: strings.TrimRight(apiBase, "/"),
	}
	s.pub = &Publisher{Backend: backend, Index: s.index}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /index/config.json", s.handleIndexConfig)
	s.mux.HandleFunc("GET /index/{shard...}", s.handleIndexShard)
	s.mux.HandleFunc("PUT /api/v1/packages/new", s.handlePublish)
	s.mux.HandleFunc("GET /api/v1/packages/{name}/{version}/download", s.handleDownload)
	s.mux.HandleFunc("DELETE /api/v1/packages/{name}/{version}/yank", s.handleYank)
	s.mux.HandleFunc("PUT /api/v1/packages/{name}/{version}/unyank", s.handleUnyank)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	s.mux.ServeHTTP(w, req)
}

// authorize runs the token gate before anything else touches the
// request. Clients send either a bare token or "Bearer <token>" in
// Authorization; both forms are accepted.
func (s *Server) authorize(w http.ResponseWriter, req *http.Request) bool {
	token := req.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(token, "Bearer "); ok {
		token = after
	}
	switch err := s.gate.Authorize(token); {
	case err == nil:
		return true
	case errors.Is(err, auth.ErrMissingToken):
		WriteError(w, http.StatusUnauthorized, "authorization token required")
	default:
		WriteError(w, http.StatusForbidden, "invalid authorization token")
	}
	return false
}

// authorizeRead is authorize unless reads are open.
func (s *Server) authorizeRead(w http.ResponseWriter, req *http.Request) bool {
	if s.OpenReads {
		return true
	}
	return s.authorize(w, req)
}

// indexConfig is the body of /index/config.json, the sparse-index
// bootstrap document.
type indexConfig struct {
	DL           string `json:"dl"`
	API          string `json:"api"`
	AuthRequired bool   `json:"auth-required"`
}

func (s *Server) handleIndexConfig(w http.ResponseWriter, req *http.Request) {
	if !s.authorizeRead(w, req) {
		return
	}
	writeJSON(w, http.StatusOK, indexConfig{
		DL:           s.APIBase + "/api/v1/packages",
		API:          s.APIBase,
		AuthRequired: s.gate.Required() && !s.OpenReads,
	})
}

func (s *Server) handleIndexShard(w http.ResponseWriter, req *http.Request) {
	if !s.authorizeRead(w, req) {
		return
	}
	name, err := NameFromIndexPath(req.PathValue("shard"))
	if err != nil {
		http.NotFound(w, req)
		return
	}
	recs, err := s.index.Read(req.Context(), name)
	if err != nil {
		s.serverError(w, "read index shard", err)
		return
	}
	if len(recs) == 0 {
		http.NotFound(w, req)
		return
	}
	data, err := EncodeRecords(recs)
	if err != nil {
		s.serverError(w, "encode index shard", err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	s.writeCompressible(w, req, data)
}

// publishResponse mirrors the warning envelope clients expect from a
// publish.
type publishResponse struct {
	Warnings publishWarnings `json:"warnings"`
}

type publishWarnings struct {
	InvalidCategories []string `json:"invalid_categories"`
	InvalidBadges     []string `json:"invalid_badges"`
	Other             []string `json:"other"`
}

func (s *Server) handlePublish(w http.ResponseWriter, req *http.Request) {
	if !s.authorize(w, req) {
		return
	}
	maxBytes := s.MaxPublishBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxPublishBytes
	}
	if req.ContentLength < 0 {
		WriteError(w, http.StatusLengthRequired, "publish requires a Content-Length")
		return
	}
	if req.ContentLength > maxBytes {
		WriteError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("publish body exceeds %d bytes", maxBytes))
		return
	}
	// After the raw-length checks: decompression clears ContentLength,
	// and MaxBytesReader below still caps the inflated size.
	if err := compress.DecompressRequest(req); err != nil {
		WriteError(w, http.StatusBadRequest, "could not decompress request body")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("publish body exceeds %d bytes", maxBytes))
			return
		}
		WriteError(w, http.StatusBadRequest, "could not read request body")
		return
	}

	res, err := s.pub.Publish(req.Context(), body)
	if err != nil {
		s.writePublishError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, publishResponse{
		Warnings: publishWarnings{
			InvalidCategories: []string{},
			InvalidBadges:     []string{},
			Other:             append([]string{}, res.Warnings...),
		},
	})
}

// writePublishError maps the publish failure taxonomy onto statuses.
// Client-caused failures echo their sanitized message; everything else
// collapses to a generic 500 or 503 so backend detail never leaks.
func (s *Server) writePublishError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrMalformedRequest), errors.Is(err, ErrChecksumMismatch):
		WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrVersionAlreadyPublished):
		WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrIndexUpdate):
		log.Printf("registry: publish contention: %v", err)
		WriteError(w, http.StatusServiceUnavailable, "index busy, retry the publish")
	default:
		s.serverError(w, "publish", err)
	}
}

func (s *Server) handleDownload(w http.ResponseWriter, req *http.Request) {
	if !s.authorizeRead(w, req) {
		return
	}
	name, version, ok := s.pathPackage(w, req)
	if !ok {
		return
	}
	path := name.ArchivePath(version)
	if s.SignedDownloadTTL > 0 {
		if signer, ok := s.backend.(storage.URLSigner); ok {
			exists, err := s.backend.Exists(req.Context(), path)
			if err != nil {
				s.serverError(w, "check archive", err)
				return
			}
			if !exists {
				http.NotFound(w, req)
				return
			}
			url, err := signer.SignGetURL(req.Context(), path, s.SignedDownloadTTL)
			if err != nil {
				s.serverError(w, "sign download url", err)
				return
			}
			http.Redirect(w, req, url, http.StatusFound)
			return
		}
	}
	data, _, err := s.backend.Get(req.Context(), path)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.NotFound(w, req)
			return
		}
		s.serverError(w, "read archive", err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	s.writeCompressible(w, req, data)
}

func (s *Server) handleYank(w http.ResponseWriter, req *http.Request) {
	s.setYanked(w, req, true)
}

func (s *Server) handleUnyank(w http.ResponseWriter, req *http.Request) {
	s.setYanked(w, req, false)
}

func (s *Server) setYanked(w http.ResponseWriter, req *http.Request, yanked bool) {
	if !s.authorize(w, req) {
		return
	}
	name, version, ok := s.pathPackage(w, req)
	if !ok {
		return
	}
	if err := s.index.SetYanked(req.Context(), name, version, yanked); err != nil {
		switch {
		case errors.Is(err, ErrVersionNotFound):
			WriteError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, ErrIndexUpdate):
			log.Printf("registry: yank contention: %v", err)
			WriteError(w, http.StatusServiceUnavailable, "index busy, retry the request")
		default:
			s.serverError(w, "update yank state", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// pathPackage validates the {name} and {version} path segments.
// Validation doubles as traversal protection: names and strict semver
// strings cannot carry path syntax into storage paths.
func (s *Server) pathPackage(w http.ResponseWriter, req *http.Request) (Name, string, bool) {
	name, err := ParseName(req.PathValue("name"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return "", "", false
	}
	ver, err := semver.StrictNewVersion(req.PathValue("version"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid version %q", req.PathValue("version")))
		return "", "", false
	}
	return name, ver.String(), true
}

// writeCompressible sends data, compressed when the client negotiates
// an encoding.
func (s *Server) writeCompressible(w http.ResponseWriter, req *http.Request, data []byte) {
	if encoding := compress.SelectEncoding(req.Header.Get("Accept-Encoding")); encoding != "" {
		cw, err := compress.NewResponseWriter(w, encoding)
		if err == nil {
			defer cw.Close()
			cw.WriteHeader(http.StatusOK)
			cw.Write(data)
			return
		}
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// serverError logs the real failure and sends a redacted response.
// Backend unavailability becomes a 503 so clients know to retry.
func (s *Server) serverError(w http.ResponseWriter, op string, err error) {
	log.Printf("registry: %s: %v", op, err)
	if errors.Is(err, storage.ErrUnavailable) {
		WriteError(w, http.StatusServiceUnavailable, "storage temporarily unavailable")
		return
	}
	WriteError(w, http.StatusInternalServerError, "internal server error")
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}
