package mtree

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// maxLineBytes bounds a single manifest line. Entries are one line each, so
// this limits entry size, not manifest size.
const maxLineBytes = 1 << 20

// ReaderOptions configures a manifest Reader.
type ReaderOptions struct {
	// Gzip selects transparent gzip decompression of the manifest stream.
	Gzip bool

	// Warnf receives non-fatal diagnostics (unknown keywords), prefixed with
	// the manifest name and line number. May be nil.
	Warnf Warnf
}

// Reader yields manifest entries one line at a time.
//
// Memory use is O(1) beyond the current entry: no in-memory tree is built,
// so manifests of unbounded size are supported.
type Reader struct {
	name    string
	scanner *bufio.Scanner
	gz      *gzip.Reader
	warnf   Warnf
	line    int
	err     error
}

// NewReader wraps r as a manifest entry stream. name is used to prefix
// diagnostics (conventionally the manifest file name).
func NewReader(r io.Reader, name string, opts ReaderOptions) (*Reader, error) {
	mr := &Reader{name: name}

	if opts.Gzip {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("%s: open gzip stream: %w", name, err)
		}

		mr.gz = gz
		r = gz
	}

	mr.scanner = bufio.NewScanner(r)
	mr.scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	if opts.Warnf != nil {
		warnf := opts.Warnf
		mr.warnf = func(format string, args ...any) {
			warnf("%s:%d: %s", mr.name, mr.line, fmt.Sprintf(format, args...))
		}
	}

	return mr, nil
}

// Next returns the next entry.
//
// Blank lines and comments are skipped. End of stream is reported as
// [io.EOF]; a missing trailing newline is a normal terminator, not an error.
// Parse errors are fatal to the stream and carry "name:line:" context.
func (r *Reader) Next() (*Entry, error) {
	if r.err != nil {
		return nil, r.err
	}

	for r.scanner.Scan() {
		r.line++

		entry, err := ParseLine(r.scanner.Text(), r.warnf)
		if err != nil {
			r.err = fmt.Errorf("%s:%d: %w", r.name, r.line, err)
			return nil, r.err
		}

		if entry == nil {
			continue
		}

		return entry, nil
	}

	if err := r.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			err = fmt.Errorf("line longer than %d bytes", maxLineBytes)
		}

		r.err = fmt.Errorf("%s:%d: %w", r.name, r.line+1, err)
		return nil, r.err
	}

	r.err = io.EOF

	return nil, io.EOF
}

// Close releases the decompression state, if any. It does not close the
// underlying reader.
func (r *Reader) Close() error {
	if r.gz == nil {
		return nil
	}

	err := r.gz.Close()
	r.gz = nil

	return err
}
