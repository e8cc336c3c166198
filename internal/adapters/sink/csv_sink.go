package sink

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ghalamif/pvflow/internal/domain"
	"github.com/ghalamif/pvflow/internal/ports"
)

var (
	ErrNotInitialized = errors.New("sink: not initialized")
	ErrClosed         = errors.New("sink: closed")
)

// CSVSink writes one comma-separated row per record. Initialize starts a
// fresh file with the header row, replacing any previous run's data.
type CSVSink struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	w      *csv.Writer
	closed bool
}

func NewCSVSink(path string) *CSVSink {
	return &CSVSink{path: path}
}

func (s *CSVSink) Name() string { return "csv:" + s.path }

func (s *CSVSink) Initialize(schema []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.file != nil {
		return nil
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open data file: %w", err)
	}

	w := csv.NewWriter(f)
	if err := w.Write(schema); err != nil {
		f.Close()
		return fmt.Errorf("write header: %w", err)
	}
	if err := flushSync(w, f); err != nil {
		f.Close()
		return fmt.Errorf("write header: %w", err)
	}
	s.file, s.w = f, w
	return nil
}

// Append writes r and fsyncs before returning.
func (s *CSVSink) Append(r *domain.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.file == nil {
		return ErrNotInitialized
	}
	if err := s.w.Write(r.Fields()); err != nil {
		return err
	}
	return flushSync(s.w, s.file)
}

func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.file == nil {
		return nil
	}
	err := flushSync(s.w, s.file)
	return errors.Join(err, s.file.Close())
}

func flushSync(w *csv.Writer, f *os.File) error {
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Sync()
}

var _ ports.RecordSink = (*CSVSink)(nil)
