// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package compress negotiates and applies transfer compression for
// registry responses. Index shards are small line-delimited JSON and
// compress well; archives are usually pre-compressed but some clients
// still negotiate an encoding, so both paths go through here.
//
// Supported encodings, in preference order: zstd, gzip.
package compress

import (
	"compress/gzip"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// encodings this package can produce, most preferred first.
var preferred = []string{"zstd", "gzip"}

// SelectEncoding picks the response encoding from an Accept-Encoding
// header. It honors q-values and returns "" when the client accepts
// none of the supported encodings (or explicitly zeroes them out).
func SelectEncoding(acceptEncoding string) string {
	if acceptEncoding == "" {
		return ""
	}
	quality := map[string]float64{}
	for _, part := range strings.Split(acceptEncoding, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		name = strings.ToLower(strings.TrimSpace(name))
		q := 1.0
		if p := strings.TrimSpace(params); strings.HasPrefix(p, "q=") {
			if v, err := strconv.ParseFloat(p[2:], 64); err == nil {
				q = v
			}
		}
		switch name {
		case "zstd", "gzip":
			quality[name] = q
		case "*":
			for _, enc := range preferred {
				if _, set := quality[enc]; !set {
					quality[enc] = q
				}
			}
		}
	}
	best, bestQ := "", 0.0
	for _, enc := range preferred {
		if q, ok := quality[enc]; ok && q > bestQ {
			best, bestQ = enc, q
		}
	}
	return best
}

// ResponseWriter compresses everything written through it and keeps
// the response headers consistent: Content-Encoding and Vary are set,
// Content-Length is dropped since the compressed size differs.
type ResponseWriter struct {
	http.ResponseWriter
	zw          io.WriteCloser
	encoding    string
	wroteHeader bool
}

// NewResponseWriter wraps w with the given encoding. Unknown encodings
// pass bytes through unchanged.
func NewResponseWriter(w http.ResponseWriter, encoding string) (*ResponseWriter, error) {
	cw := &ResponseWriter{ResponseWriter: w, encoding: encoding}
	switch encoding {
	case "zstd":
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return nil, err
		}
		cw.zw = zw
	case "gzip":
		cw.zw = gzip.NewWriter(w)
	default:
		cw.encoding = ""
	}
	return cw, nil
}

func (cw *ResponseWriter) WriteHeader(code int) {
	if cw.wroteHeader {
		return
	}
	cw.wroteHeader = true
	if cw.encoding != "" {
		h := cw.ResponseWriter.Header()
		h.Set("Content-Encoding", cw.encoding)
		h.Set("Vary", "Accept-Encoding")
		h.Del("Content-Length")
	}
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *ResponseWriter) Write(data []byte) (int, error) {
	if !cw.wroteHeader {
		cw.WriteHeader(http.StatusOK)
	}
	if cw.zw == nil {
		return cw.ResponseWriter.Write(data)
	}
	return cw.zw.Write(data)
}

// Close flushes the compressor. Must be called after the last Write.
func (cw *ResponseWriter) Close() error {
	if cw.zw == nil {
		return nil
	}
	return cw.zw.Close()
}

// DecompressRequest replaces r.Body with a decompressing reader when
// the request declares a supported Content-Encoding. Unsupported
// encodings are left untouched for the handler to reject or ignore.
func DecompressRequest(r *http.Request) error {
	switch r.Header.Get("Content-Encoding") {
	case "gzip":
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			return err
		}
		r.Body = &decompressedBody{Reader: zr, body: r.Body}
	case "zstd":
		zr, err := zstd.NewReader(r.Body)
		if err != nil {
			return err
		}
		r.Body = &decompressedBody{Reader: zr.IOReadCloser(), body: r.Body}
	default:
		return nil
	}
	r.Header.Del("Content-Encoding")
	r.Header.Del("Content-Length")
	r.ContentLength = -1
	return nil
}

// decompressedBody closes both the decompressor and the wire body.
type decompressedBody struct {
	io.Reader
	body io.ReadCloser
}

func (b *decompressedBody) Close() error {
	if c, ok := b.Reader.(io.Closer); ok {
		c.Close()
	}
	return b.body.Close()
}
