package etl

import (
	"errors"
	"fmt"

	"github.com/ashita-ai/whitepaper/internal/dataset"
)

// ErrInput is the umbrella for dataset problems the user has to fix.
// Input errors are never retried.
var ErrInput = errors.New("input error")

var (
	// ErrDatasetUnreadable is returned for missing, unreadable, or corrupt files.
	ErrDatasetUnreadable = fmt.Errorf("%w: dataset unreadable", ErrInput)

	// ErrUnsupportedSchema is returned for files that parse but have no usable
	// columns or rows.
	ErrUnsupportedSchema = fmt.Errorf("%w: unsupported schema", ErrInput)
)

// classify maps dataset package errors onto the ETL taxonomy.
func classify(path string, err error) error {
	switch {
	case errors.Is(err, dataset.ErrUnsupportedSchema):
		return fmt.Errorf("etl: %s: %w: %v", path, ErrUnsupportedSchema, err)
	case errors.Is(err, dataset.ErrUnreadable):
		return fmt.Errorf("etl: %s: %w: %v", path, ErrDatasetUnreadable, err)
	default:
		return fmt.Errorf("etl: %s: %w", path, err)
	}
}
