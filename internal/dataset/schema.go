package dataset

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// ColumnType is the inferred kind of a column.
type ColumnType string

const (
	TypeNumeric     ColumnType = "numeric"
	TypeDate        ColumnType = "date"
	TypeBool        ColumnType = "bool"
	TypeCategorical ColumnType = "categorical"
)

// typeThreshold is the share of non-missing values that must parse as a type
// for the column to take it.
const typeThreshold = 0.8

// ISODate is the canonical layout date columns are normalized to.
const ISODate = "2006-01-02"

// Column is one entry of an inferred schema.
type Column struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
	// Mixed is set when the column's non-missing values do not all parse as
	// the inferred type (or, for categorical columns, when a minority of them
	// parse as numbers).
	Mixed bool `json:"mixed,omitempty"`
}

// Schema is the ordered list of columns of a table.
type Schema struct {
	Columns []Column `json:"columns"`
}

// Signature renders the schema as "name:type" pairs in header order.
func (s Schema) Signature() []string {
	out := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		out[i] = c.Name + ":" + string(c.Type)
	}
	return out
}

// dateLayouts is the ordered list of layouts recognized as dates.
// There is no bare year layout; year columns stay numeric.
var dateLayouts = []string{
	ISODate,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"02-Jan-2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 Jan 2006",
	"2 January 2006",
	"Jan-2006",
	"January 2006",
}

var missingTokens = map[string]bool{
	"":     true,
	"na":   true,
	"n/a":  true,
	"nan":  true,
	"null": true,
	"none": true,
}

// IsMissing reports whether a cell holds no value.
func IsMissing(v string) bool {
	return missingTokens[strings.ToLower(strings.TrimSpace(v))]
}

// ParseNumber parses a numeric cell, tolerating thousands separators,
// a leading currency symbol, and a trailing percent sign. Infinities and
// NaN are not numbers here.
func ParseNumber(v string) (float64, bool) {
	s := strings.TrimSpace(v)
	s = strings.ReplaceAll(s, ",", "")
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	for _, sym := range []string{"$", "€", "£", "₹"} {
		s = strings.TrimPrefix(s, sym)
	}
	s = strings.TrimSuffix(s, "%")
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, false
	}
	if neg {
		f = -f
	}
	return f, true
}

// ParseDate parses a date-like cell against the known layouts.
func ParseDate(v string) (time.Time, bool) {
	s := strings.TrimSpace(v)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func isBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "false", "yes", "no":
		return true
	}
	return false
}

// Infer derives the column schema of t from its non-missing values.
func Infer(t *Table) Schema {
	s := Schema{Columns: make([]Column, len(t.Header))}
	for i, name := range t.Header {
		s.Columns[i] = inferColumn(name, t, i)
	}
	return s
}

func inferColumn(name string, t *Table, idx int) Column {
	var present, nums, dates, bools int
	for _, row := range t.Rows {
		v := row[idx]
		if IsMissing(v) {
			continue
		}
		present++
		if _, ok := ParseNumber(v); ok {
			nums++
		}
		if _, ok := ParseDate(v); ok {
			dates++
		}
		if isBool(v) {
			bools++
		}
	}

	col := Column{Name: name, Type: TypeCategorical}
	if present == 0 {
		return col
	}
	need := typeThreshold * float64(present)
	switch {
	case float64(bools) >= need:
		col.Type = TypeBool
		col.Mixed = bools < present
	case float64(dates) >= need && dates > nums:
		col.Type = TypeDate
		col.Mixed = dates < present
	case float64(nums) >= need:
		col.Type = TypeNumeric
		col.Mixed = nums < present
	default:
		col.Mixed = nums > 0 && nums < present
	}
	return col
}
