package storage

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"msr/pkg/hook"
)

const dayLayout = "2006-01-02"

// Header is the first row of every journal file.
var Header = []string{"id", "created_at", "severity", "source", "code", "text", "json"}

func init() {
	hook.Storages.MustRegister(hook.Extension[hook.Storage]{
		Name:        "csv",
		Description: "Append-only CSV files, one per UTC day",
		Priority:    hook.PriorityDefault,
		Factory: func(s hook.Settings) (hook.Storage, error) {
			return NewCSV(s.String("dir", "journal"), s.String("prefix", "journal"), zap.L())
		},
	})
}

// CSV stores records in files named <prefix>-<yyyy-mm-dd>.csv inside a directory.
type CSV struct {
	dir    string
	prefix string
	logger *zap.Logger

	mu     sync.Mutex
	day    string
	file   *os.File
	writer *csv.Writer
	closed bool
}

// NewCSV creates the directory if needed and returns a storage writing into it.
func NewCSV(dir, prefix string, logger *zap.Logger) (*CSV, error) {
	if dir == "" {
		return nil, errors.New("csv storage: dir is required")
	}
	if prefix == "" || strings.ContainsAny(prefix, `/\`) {
		return nil, fmt.Errorf("csv storage: invalid prefix %q", prefix)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("csv storage: create %s: %w", dir, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CSV{dir: dir, prefix: prefix, logger: logger.Named("storage.csv")}, nil
}

// Dir returns the directory holding the journal files.
func (c *CSV) Dir() string { return c.dir }

func (c *CSV) fileName(day string) string {
	return filepath.Join(c.dir, c.prefix+"-"+day+".csv")
}

// Append writes a record to the file of its creation day.
func (c *CSV) Append(ctx context.Context, r hook.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	day := r.CreatedAt.UTC().Format(dayLayout)
	if day != c.day || c.writer == nil {
		if err := c.rollLocked(day); err != nil {
			return err
		}
	}

	if err := c.writer.Write(encodeRow(r)); err != nil {
		return fmt.Errorf("csv storage: write: %w", err)
	}
	c.writer.Flush()
	if err := c.writer.Error(); err != nil {
		return fmt.Errorf("csv storage: flush: %w", err)
	}
	return nil
}

func (c *CSV) rollLocked(day string) error {
	if c.file != nil {
		if err := c.file.Close(); err != nil {
			c.logger.Warn("Failed to close journal file", zap.String("day", c.day), zap.Error(err))
		}
		c.file, c.writer = nil, nil
	}

	path := c.fileName(day)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("csv storage: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("csv storage: stat %s: %w", path, err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(Header); err != nil {
			f.Close()
			return fmt.Errorf("csv storage: write header: %w", err)
		}
	}
	c.day, c.file, c.writer = day, f, w
	c.logger.Debug("Opened journal file", zap.String("path", path))
	return nil
}

func encodeRow(r hook.Record) []string {
	return []string{
		r.ID,
		r.CreatedAt.UTC().Format(time.RFC3339Nano),
		r.Severity.String(),
		r.Source,
		strconv.FormatInt(int64(r.Code), 10),
		r.Text,
		r.Data,
	}
}

func decodeRow(row []string) (hook.Record, error) {
	if len(row) != len(Header) {
		return hook.Record{}, fmt.Errorf("expected %d columns, got %d", len(Header), len(row))
	}
	createdAt, err := time.Parse(time.RFC3339Nano, row[1])
	if err != nil {
		return hook.Record{}, fmt.Errorf("created_at: %w", err)
	}
	severity, err := hook.ParseSeverity(row[2])
	if err != nil {
		return hook.Record{}, err
	}
	code, err := strconv.ParseInt(row[4], 10, 32)
	if err != nil {
		return hook.Record{}, fmt.Errorf("code: %w", err)
	}
	return hook.Record{
		ID:        row[0],
		CreatedAt: createdAt,
		Entry: hook.Entry{
			OccurredAt: createdAt,
			Severity:   severity,
			Source:     row[3],
			Code:       int32(code),
			Text:       row[5],
			Data:       row[6],
		},
	}, nil
}

// days returns the days that have a journal file, oldest first.
func (c *CSV) days() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(c.dir, c.prefix+"-*.csv"))
	if err != nil {
		return nil, err
	}
	days := make([]string, 0, len(matches))
	for _, m := range matches {
		day := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), c.prefix+"-"), ".csv")
		if _, err := time.Parse(dayLayout, day); err != nil {
			continue
		}
		days = append(days, day)
	}
	sort.Strings(days)
	return days, nil
}

// readDay returns the records of one file in file order. Malformed rows are
// logged and skipped.
func (c *CSV) readDay(day string) ([]hook.Record, error) {
	f, err := os.Open(c.fileName(day))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	var records []hook.Record
	for line := 1; ; line++ {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return records, fmt.Errorf("csv storage: read %s: %w", day, err)
		}
		if line == 1 && len(row) > 0 && row[0] == Header[0] {
			continue
		}
		r, err := decodeRow(row)
		if err != nil {
			c.logger.Error("Skipping malformed journal row",
				zap.String("day", day), zap.Int("line", line), zap.Error(err))
			continue
		}
		records = append(records, r)
	}
	return records, nil
}

// Recent returns up to limit records, newest first.
func (c *CSV) Recent(ctx context.Context, limit int) ([]hook.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	days, err := c.days()
	if err != nil {
		return nil, err
	}

	var out []hook.Record
	for i := len(days) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		records, err := c.readDay(days[i])
		if err != nil {
			return out, err
		}
		for j := len(records) - 1; j >= 0; j-- {
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
			out = append(out, records[j])
		}
	}
	return out, nil
}

// Filter returns up to limit matching records, oldest first.
func (c *CSV) Filter(ctx context.Context, limit int, f hook.Filter) ([]hook.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	days, err := c.days()
	if err != nil {
		return nil, err
	}

	sinceDay := ""
	if !f.Since.IsZero() {
		sinceDay = f.Since.UTC().Format(dayLayout)
	}

	var out []hook.Record
	for _, day := range days {
		if day < sinceDay {
			continue
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}
		records, err := c.readDay(day)
		if err != nil {
			return out, err
		}
		for _, r := range records {
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
			if f.Matches(r) {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

// Close closes the current file. Further appends fail with ErrClosed.
func (c *CSV) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	if c.file == nil {
		return nil
	}
	c.writer.Flush()
	err := errors.Join(c.writer.Error(), c.file.Close())
	c.file, c.writer = nil, nil
	return err
}
