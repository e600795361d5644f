// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package example

import (
	"bufio"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/molgrid/internal/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Adder receives the parsed records. Typically, it is a provider.Provider.
type Adder interface {
	Add(rec Record)
}

// Load parses every line of r and adds the resulting records to dst. Blank lines are skipped.
// sourceName is only used for error messages and logging.
//
// It returns the number of records added.
func Load(r io.Reader, sourceName string, names *Interner, opts ParseOptions, dst Adder) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	count, lineNum := 0, 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if isBlank(line) {
			continue
		}
		rec, err := ParseLine(names, line, opts)
		if err != nil {
			return count, errors.WithMessagef(err, "%s:%d", sourceName, lineNum)
		}
		dst.Add(rec)
		count++
	}
	if err := scanner.Err(); err != nil {
		return count, errors.Wrapf(err, "failed reading examples from %q", sourceName)
	}
	return count, nil
}

// LoadFile opens the source file (optionally compressed, see fsutil.Open) and loads its examples into dst.
// It is an error if the file holds no examples.
func LoadFile(path string, names *Interner, opts ParseOptions, dst Adder) (int, error) {
	klog.Infof("Opening examples source %q", path)
	f, err := fsutil.Open(path)
	if err != nil {
		return 0, errors.WithMessagef(err, "could not open examples source")
	}
	defer func() { _ = f.Close() }()
	count, err := Load(f, path, names, opts, dst)
	if err != nil {
		return count, err
	}
	if count == 0 {
		return 0, errors.Errorf("no examples provided in source %q", path)
	}
	klog.V(1).Infof("Read %s examples from %q", humanize.Comma(int64(count)), path)
	return count, nil
}

func isBlank(line string) bool {
	for _, c := range line {
		if c != ' ' && c != '\t' && c != '\r' {
			return false
		}
	}
	return true
}
