package storage

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rjboer/tracecap/internal/acquire"
	"github.com/rjboer/tracecap/internal/logging"
)

// DefaultDir is the save directory used when none is configured.
const DefaultDir = "capture/"

// FileNameLayout names the artifact after the session start time.
const FileNameLayout = "2006-01-02_15:04:05"

const fileExt = ".csv"

var header = []string{"capture", "id", "channel", "trigger", "payload", "samples"}

// FileStore writes one CSV row per captured channel into a single file
// created when the session starts.
type FileStore struct {
	f    *os.File
	buf  *bufio.Writer
	w    *csv.Writer
	path string
	log  logging.Logger
}

// FileName returns the artifact name for a session started at t.
func FileName(t time.Time) string {
	return t.Format(FileNameLayout) + fileExt
}

// NewFileStore creates dir if needed and opens the session file named after
// started. An existing file is never truncated.
func NewFileStore(dir string, started time.Time, log logging.Logger) (*FileStore, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if log == nil {
		log = logging.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create save dir: %w", err)
	}
	path := filepath.Join(dir, FileName(started))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open capture file: %w", err)
	}
	buf := bufio.NewWriterSize(f, 1<<20)
	s := &FileStore{
		f:    f,
		buf:  buf,
		w:    csv.NewWriter(buf),
		path: path,
		log:  log.With(logging.Field{Key: "subsystem", Value: "storage"}, logging.Field{Key: "file", Value: path}),
	}
	if err := s.w.Write(header); err != nil {
		f.Close()
		return nil, fmt.Errorf("write header: %w", err)
	}
	s.log.Info("capture file open")
	return s, nil
}

// Path is the artifact location.
func (s *FileStore) Path() string { return s.path }

// Save appends the capture and flushes it to the file before returning.
func (s *FileStore) Save(_ context.Context, c acquire.Capture) error {
	payload := strings.TrimRight(c.Payload, "\r\n")
	if len(c.Traces) == 0 {
		// No displayed channel: the capture still gets a row with no samples.
		row := []string{strconv.Itoa(c.Index), c.ID, "", strconv.Itoa(c.Trigger), payload}
		if err := s.w.Write(row); err != nil {
			return fmt.Errorf("write capture %d: %w", c.Index, err)
		}
	}
	for _, tr := range c.Traces {
		row := make([]string, 0, 5+len(tr.Samples))
		row = append(row, strconv.Itoa(c.Index), c.ID, tr.Channel, strconv.Itoa(c.Trigger), payload)
		for _, v := range tr.Samples {
			row = append(row, strconv.FormatFloat(v, 'g', -1, 64))
		}
		if err := s.w.Write(row); err != nil {
			return fmt.Errorf("write capture %d %s: %w", c.Index, tr.Channel, err)
		}
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return fmt.Errorf("flush capture %d: %w", c.Index, err)
	}
	if err := s.buf.Flush(); err != nil {
		return fmt.Errorf("flush capture %d: %w", c.Index, err)
	}
	s.log.Debug("capture written", logging.Field{Key: "capture", Value: c.Index})
	return nil
}

// Close flushes and closes the file.
func (s *FileStore) Close() error {
	s.w.Flush()
	if err := s.buf.Flush(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}
