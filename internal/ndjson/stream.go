// Package ndjson reads newline-delimited JSON files one record at a time.
//
// A Stream is pull-based: a line is read from disk only when Next is called,
// so a slow consumer never causes the reader to buffer ahead. Streams are
// finite and not restartable; open a new one to read a file again.
package ndjson

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// maxLineSize bounds a single record. Auth0 exports carry app_metadata blobs
// that can exceed bufio's 64 KiB default.
const maxLineSize = 16 << 20

// ParseError reports a line that could not be turned into a record.
// It is fatal for the stream: every later call to Next returns the same error.
type ParseError struct {
	Path string // file the line came from ("" for in-memory readers)
	Line int    // 1-based physical line number
	Err  error  // underlying JSON or schema error
}

func (e *ParseError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("line %d: %v", e.Line, e.Err)
	}
	return fmt.Sprintf("%s:%d: %v", e.Path, e.Line, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// IsParseError returns true if err is or wraps a *ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// Stream yields raw JSON values from an NDJSON source in file order.
type Stream struct {
	path    string
	closer  io.Closer
	scanner *bufio.Scanner
	line    int
	err     error
	logger  *slog.Logger
}

// Open opens the file at path for streaming.
// The caller must Close the stream.
func Open(path string) (*Stream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open export %s: %w", path, err)
	}
	s := NewStream(path, f)
	s.closer = f
	return s, nil
}

// NewStream wraps an arbitrary reader. name is only used in error messages.
func NewStream(name string, r io.Reader) *Stream {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Stream{path: name, scanner: scanner}
}

// SetLogger makes the stream log each skipped blank line at Debug.
func (s *Stream) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// Next returns the next record. It returns io.EOF once the source is
// exhausted. Whitespace-only lines are skipped.
//
// The returned slice is owned by the caller.
func (s *Stream) Next() (json.RawMessage, error) {
	if s.err != nil {
		return nil, s.err
	}

	for s.scanner.Scan() {
		s.line++
		b := bytes.TrimSpace(s.scanner.Bytes())
		if len(b) == 0 {
			if s.logger != nil {
				s.logger.Debug("skipping blank line", "path", s.path, "line", s.line)
			}
			continue
		}
		if !json.Valid(b) {
			s.err = &ParseError{Path: s.path, Line: s.line, Err: errors.New("invalid JSON")}
			return nil, s.err
		}
		out := make(json.RawMessage, len(b))
		copy(out, b)
		return out, nil
	}

	if err := s.scanner.Err(); err != nil {
		s.err = &ParseError{Path: s.path, Line: s.line + 1, Err: err}
		return nil, s.err
	}
	s.err = io.EOF
	return nil, io.EOF
}

// Fail marks the stream as failed at the current line with err and returns
// the resulting *ParseError. Consumers use it when a syntactically valid line
// fails record validation.
func (s *Stream) Fail(err error) error {
	s.err = &ParseError{Path: s.path, Line: s.line, Err: err}
	return s.err
}

// Line returns the physical line number of the last record returned.
func (s *Stream) Line() int {
	return s.line
}

// Path returns the name the stream was opened with.
func (s *Stream) Path() string {
	return s.path
}

// Close releases the underlying file, if any.
func (s *Stream) Close() error {
	if s.closer == nil {
		return nil
	}
	err := s.closer.Close()
	s.closer = nil
	return err
}
