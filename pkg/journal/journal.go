// Package journal appends records as newline delimited JSON and reads them back.
package journal

import (
	"bufio"
	"bytes"
	stderrors "errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"
)

const (
	defaultBufferSize = 256 * 1024
	maxLineSize       = 4 * 1024 * 1024
)

var ErrClosed = errors.New("journal: closed")

// Writer appends one JSON record per line. It is safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	w      *bufio.Writer
	count  uint64
	closed bool
}

// Open opens path for appending, creating it and its directory when missing.
func Open(path string) (*Writer, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("journal: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "create journal dir for %s", path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open journal %s", path)
	}
	return &Writer{path: path, file: f, w: bufio.NewWriterSize(f, defaultBufferSize)}, nil
}

// Path returns the journal file path.
func (w *Writer) Path() string {
	return w.path
}

// Write appends v and flushes it so tailers see complete lines.
func (w *Writer) Write(v any) error {
	b, err := sonic.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal journal record")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	if err := w.w.Flush(); err != nil {
		return err
	}
	w.count++
	return nil
}

// Written returns the number of records appended through this writer.
func (w *Writer) Written() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Sync commits the file to stable storage.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.file.Sync()
}

// Close flushes and closes the file. It is safe to call more than once.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	var firstErr error
	if err := w.w.Flush(); err != nil {
		firstErr = err
	}
	if err := w.file.Close(); err != nil && firstErr == nil && !stderrors.Is(err, os.ErrClosed) {
		firstErr = err
	}
	return firstErr
}

// Scan decodes every record of the journal at path in order and calls fn.
// A missing file has no records. A torn final line left by a crash is ignored;
// a malformed line anywhere else is an error.
func Scan[T any](path string, fn func(T) error) error {
	f, err := os.Open(path)
	if err != nil {
		if stderrors.Is(err, os.ErrNotExist) {
			return nil
		}
		return errors.Wrapf(err, "open journal %s", path)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, defaultBufferSize)
	for line := 1; ; line++ {
		raw, err := r.ReadBytes('\n')
		if err != nil && !stderrors.Is(err, io.EOF) {
			return errors.Wrapf(err, "read journal %s", path)
		}
		last := stderrors.Is(err, io.EOF)
		raw = bytes.TrimSpace(raw)
		if len(raw) > maxLineSize {
			return errors.Errorf("journal %s line %d exceeds %d bytes", path, line, maxLineSize)
		}
		if len(raw) > 0 {
			var v T
			if derr := sonic.Unmarshal(raw, &v); derr != nil {
				if last {
					return nil
				}
				return errors.Wrapf(derr, "decode journal %s line %d", path, line)
			}
			if ferr := fn(v); ferr != nil {
				return ferr
			}
		}
		if last {
			return nil
		}
	}
}
