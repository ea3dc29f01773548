package sink

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/chaz8081/enose-collector/internal/packet"
	"github.com/chaz8081/enose-collector/internal/schema"
)

// CSVSink appends records to a comma-separated file, one row per record.
type CSVSink struct {
	path string

	mu     sync.Mutex
	file   *os.File
	w      *csv.Writer
	schema *schema.Schema
	closed bool
}

// NewCSV returns a sink writing to path. Nothing is opened until
// EnsureHeader.
func NewCSV(path string) *CSVSink {
	return &CSVSink{path: path}
}

// Path returns the destination file.
func (c *CSVSink) Path() string { return c.path }

func (c *CSVSink) EnsureHeader(s *schema.Schema) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.file != nil {
		if c.schema.Name() == s.Name() && slices.Equal(c.schema.Names(), s.Names()) {
			return nil
		}
		return fmt.Errorf("%w: %s already open for layout %s", ErrHeaderMismatch, c.path, c.schema.Name())
	}

	if dir := filepath.Dir(c.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("sink: creating output directory: %w", err)
		}
	}

	f, err := os.OpenFile(c.path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("sink: opening %s: %w", c.path, err)
	}

	want := Header(s)
	existing, err := readHeader(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("sink: reading header of %s: %w", c.path, err)
	}

	w := csv.NewWriter(f)
	switch {
	case existing == nil:
		if err := w.Write(want); err != nil {
			f.Close()
			return fmt.Errorf("sink: writing header: %w", err)
		}
		w.Flush()
		if err := w.Error(); err != nil {
			f.Close()
			return fmt.Errorf("sink: writing header: %w", err)
		}
		slog.Info("[SINK] created csv", "path", c.path, "layout", s.Name(), "columns", len(want))
	case slices.Equal(existing, want):
		repaired, err := terminateLastLine(f)
		if err != nil {
			f.Close()
			return fmt.Errorf("sink: repairing %s: %w", c.path, err)
		}
		if repaired {
			slog.Warn("[SINK] last row of csv was incomplete, starting a new line", "path", c.path)
		}
		slog.Info("[SINK] appending to csv", "path", c.path, "layout", s.Name())
	default:
		f.Close()
		return fmt.Errorf("%w: %s has %d columns starting %q, want %d", ErrHeaderMismatch, c.path, len(existing), existing[0], len(want))
	}

	c.file = f
	c.w = w
	c.schema = s
	return nil
}

// readHeader returns the first row of f, or nil when f is empty.
func readHeader(f *os.File) ([]string, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() == 0 {
		return nil, nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	row, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	return row, err
}

// terminateLastLine writes a newline when f does not end with one, so a row
// torn by an earlier crash stays on its own line. f must be in append mode.
func terminateLastLine(f *os.File) (bool, error) {
	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	if info.Size() == 0 {
		return false, nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return false, err
	}
	if last[0] == '\n' {
		return false, nil
	}
	if _, err := f.Write([]byte{'\n'}); err != nil {
		return false, err
	}
	return true, nil
}

func (c *CSVSink) Append(rec packet.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.w == nil {
		return ErrNoHeader
	}
	if len(rec.Values) != c.schema.Len() {
		return fmt.Errorf("sink: record has %d values, header has %d fields", len(rec.Values), c.schema.Len())
	}
	if err := c.w.Write(rec.Row()); err != nil {
		return fmt.Errorf("sink: writing row: %w", err)
	}
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		return fmt.Errorf("sink: flushing row: %w", err)
	}
	return nil
}

func (c *CSVSink) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.file == nil {
		return nil
	}
	c.w.Flush()
	werr := c.w.Error()
	cerr := c.file.Close()
	return errors.Join(werr, cerr)
}

var _ Sink = (*CSVSink)(nil)
