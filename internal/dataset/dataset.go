// Package dataset loads CSV datasets, infers their column schema, and
// computes the content fingerprint used as the ETL cache key.
package dataset

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	// ErrUnreadable is returned when a dataset file cannot be read or parsed.
	ErrUnreadable = errors.New("dataset unreadable")

	// ErrUnsupportedSchema is returned when a dataset parses but has no usable
	// structure (no columns, blank or duplicate headers, no rows).
	ErrUnsupportedSchema = errors.New("unsupported schema")
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Table is an in-memory CSV dataset. Rows always have len(Header) cells.
type Table struct {
	Header []string
	Rows   [][]string
}

// Clone returns a deep copy of t.
func (t *Table) Clone() *Table {
	out := &Table{
		Header: append([]string(nil), t.Header...),
		Rows:   make([][]string, len(t.Rows)),
	}
	for i, r := range t.Rows {
		out.Rows[i] = append([]string(nil), r...)
	}
	return out
}

// Column returns the index of the named column, or -1.
func (t *Table) Column(name string) int {
	for i, h := range t.Header {
		if h == name {
			return i
		}
	}
	return -1
}

// Load reads path and parses it as CSV. It returns the raw bytes alongside
// the table so callers can fingerprint exactly what was parsed.
func Load(path string) ([]byte, *Table, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // path comes from the configured input directory
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrUnreadable, path, err)
	}
	t, err := Parse(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return raw, t, nil
}

// Parse decodes CSV bytes with a header row.
func Parse(raw []byte) (*Table, error) {
	r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(raw, utf8BOM)))
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: no header row", ErrUnsupportedSchema)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrUnreadable, err)
	}

	seen := make(map[string]bool, len(header))
	for i, h := range header {
		h = strings.TrimSpace(h)
		if h == "" {
			return nil, fmt.Errorf("%w: column %d has an empty name", ErrUnsupportedSchema, i+1)
		}
		if seen[h] {
			return nil, fmt.Errorf("%w: duplicate column %q", ErrUnsupportedSchema, h)
		}
		seen[h] = true
		header[i] = h
	}

	t := &Table{Header: header}
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
		}
		t.Rows = append(t.Rows, rec)
	}
	if len(t.Rows) == 0 {
		return nil, fmt.Errorf("%w: no data rows", ErrUnsupportedSchema)
	}
	return t, nil
}

// Encode writes t as CSV.
func Encode(w io.Writer, t *Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Header); err != nil {
		return err
	}
	if err := cw.WriteAll(t.Rows); err != nil {
		return err
	}
	return cw.Error()
}

// Discover lists raw CSV datasets in dir, skipping artifacts this tool wrote.
// The result is sorted for deterministic processing order.
func Discover(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("dataset: read dir %s: %w", dir, err)
	}
	var paths []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.EqualFold(filepath.Ext(name), ".csv") {
			continue
		}
		if IsCleanedArtifact(name) {
			continue
		}
		paths = append(paths, filepath.Join(dir, name))
	}
	sort.Strings(paths)
	return paths, nil
}

// IsCleanedArtifact reports whether name looks like an ETL output file.
func IsCleanedArtifact(name string) bool {
	return strings.Contains(filepath.Base(name), "_cleaned_")
}

// ArtifactName returns the cleaned-artifact file name for a raw dataset path
// and fingerprint: <stem>_cleaned_<fp8>.csv.
func ArtifactName(rawPath, fingerprint string) string {
	stem := strings.TrimSuffix(filepath.Base(rawPath), filepath.Ext(rawPath))
	return stem + "_cleaned_" + ShortFingerprint(fingerprint) + ".csv"
}
