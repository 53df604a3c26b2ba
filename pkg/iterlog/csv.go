package iterlog

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/microsoft/microsoft-bonsai-api/pkg/core"
)

// CSVWriter appends one row per iteration. The header is taken from an
// existing file, or from the first iteration written to a new one.
type CSVWriter struct {
	mu     sync.Mutex
	path   string
	f      *os.File
	w      *csv.Writer
	header []string
}

func NewCSVWriter(path string) (*CSVWriter, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}
	header, err := readHeader(path)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open iteration log: %w", err)
	}
	return &CSVWriter{path: path, f: f, w: csv.NewWriter(f), header: header}, nil
}

func readHeader(path string) ([]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open iteration log: %w", err)
	}
	defer f.Close()

	header, err := csv.NewReader(f).Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header of %s: %w", path, err)
	}
	return header, nil
}

// Write appends it. Columns not in the header are dropped and header
// columns the iteration lacks are left empty.
func (c *CSVWriter) Write(_ context.Context, it core.Iteration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cols := Columns(it)
	if c.header == nil {
		c.header = header(cols)
		if err := c.w.Write(c.header); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}
	row := make([]string, len(c.header))
	for i, name := range c.header {
		row[i] = cols[name]
	}
	if err := c.w.Write(row); err != nil {
		return fmt.Errorf("write row: %w", err)
	}
	c.w.Flush()
	return c.w.Error()
}

// Header returns the column names in file order.
func (c *CSVWriter) Header() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.header...)
}

func (c *CSVWriter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		c.f.Close()
		return err
	}
	return c.f.Close()
}
