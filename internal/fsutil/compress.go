// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fsutil

import (
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// Compression suffixes recognized by Open.
const (
	GzipSuffix = ".gz"
	ZstdSuffix = ".zst"
)

// TrimCompressionSuffix returns the path without a trailing ".gz" or ".zst".
func TrimCompressionSuffix(path string) string {
	for _, suffix := range []string{GzipSuffix, ZstdSuffix} {
		if strings.HasSuffix(path, suffix) {
			return strings.TrimSuffix(path, suffix)
		}
	}
	return path
}

// Open the file for reading, transparently decompressing it if it ends with ".gz" or ".zst".
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read %q", path)
	}
	switch {
	case strings.HasSuffix(path, GzipSuffix):
		gz, err := gzip.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, errors.Wrapf(err, "failed to open gzip stream of %q", path)
		}
		return &stackedCloser{Reader: gz, closers: []func() error{gz.Close, f.Close}}, nil
	case strings.HasSuffix(path, ZstdSuffix):
		dec, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
		if err != nil {
			_ = f.Close()
			return nil, errors.Wrapf(err, "failed to open zstd stream of %q", path)
		}
		return &stackedCloser{Reader: dec, closers: []func() error{
			func() error { dec.Close(); return nil },
			f.Close,
		}}, nil
	default:
		return f, nil
	}
}

// stackedCloser closes the decompressor and then the underlying file.
type stackedCloser struct {
	io.Reader
	closers []func() error
}

func (s *stackedCloser) Close() error {
	var firstErr error
	for _, closer := range s.closers {
		if err := closer(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
