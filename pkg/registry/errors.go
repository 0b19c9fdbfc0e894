// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Client-side failure kinds. None of these are retried; each maps to
// a 4xx response with a sanitized detail string.
var (
	// ErrMalformedRequest covers bad framing, schema violations, and
	// charset/grammar failures in a publish body.
	ErrMalformedRequest = errors.New("malformed publish request")
	// ErrChecksumMismatch means the client-declared checksum does not
	// match the uploaded archive. Nothing has been written yet.
	ErrChecksumMismatch = errors.New("archive checksum mismatch")
	// ErrVersionAlreadyPublished means the version exists with
	// different archive bytes. Identical bytes are an idempotent
	// no-op instead.
	ErrVersionAlreadyPublished = errors.New("version already published")
)

// ResponseError is one entry of the JSON error body.
type ResponseError struct {
	Detail string `json:"detail"`
}

type errorBody struct {
	Errors []ResponseError `json:"errors"`
}

// WriteError writes the registry's JSON error body. Details are
// caller-chosen strings, never raw internal error text, so backend
// paths and diagnostics cannot leak into 4xx responses.
func WriteError(w http.ResponseWriter, statusCode int, details ...string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	body := errorBody{Errors: []ResponseError{}}
	for _, d := range details {
		body.Errors = append(body.Errors, ResponseError{Detail: d})
	}
	json.NewEncoder(w).Encode(body)
}
