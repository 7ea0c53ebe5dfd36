package etl

import (
	"strconv"
	"strings"

	"github.com/ashita-ai/whitepaper/internal/dataset"
	"github.com/ashita-ai/whitepaper/internal/model"
)

// fillStat is the imputation value for one column, derived from raw data.
type fillStat struct {
	kind  model.FillKind
	value string
	ok    bool
}

// Clean applies the deterministic cleaning transform to a raw table and
// returns the cleaned copy with a summary of every change. The input table
// is not modified.
//
// Fill statistics are computed from the raw rows before any other step, so
// the result does not depend on the order transformations are applied.
func Clean(raw *dataset.Table, schema dataset.Schema) (*dataset.Table, model.TransformSummary) {
	stats := fillStats(raw, schema)

	summary := model.TransformSummary{
		RowsIn:  len(raw.Rows),
		Columns: len(raw.Header),
	}

	out := &dataset.Table{Header: append([]string(nil), raw.Header...)}
	seen := make(map[string]struct{}, len(raw.Rows))
	for _, row := range raw.Rows {
		k := rowKey(row)
		if _, dup := seen[k]; dup {
			summary.DuplicatesRemoved++
			continue
		}
		seen[k] = struct{}{}
		out.Rows = append(out.Rows, append([]string(nil), row...))
	}
	summary.RowsOut = len(out.Rows)

	filled := make([]int, len(schema.Columns))
	normalized := make(map[string]int)
	for _, row := range out.Rows {
		for i, col := range schema.Columns {
			v := row[i]
			if trimmed := strings.TrimSpace(v); trimmed != v {
				summary.WhitespaceTrimmed++
				v = trimmed
			}

			missing := dataset.IsMissing(v)
			if !missing && col.Type == dataset.TypeNumeric {
				// Unparseable cells in a numeric column are coerced to missing.
				_, ok := dataset.ParseNumber(v)
				missing = !ok
			}
			if missing {
				if st := stats[i]; st.ok {
					v = st.value
					filled[i]++
				}
			} else if col.Type == dataset.TypeDate {
				if iso, ok := normalizeDate(v); ok && iso != v {
					v = iso
					normalized[col.Name]++
				}
			}
			row[i] = v
		}
	}

	for i, col := range schema.Columns {
		if filled[i] == 0 {
			continue
		}
		summary.Fills = append(summary.Fills, model.ColumnFill{
			Column: col.Name,
			Kind:   stats[i].kind,
			Value:  stats[i].value,
			Filled: filled[i],
		})
	}
	if len(normalized) > 0 {
		summary.DateNormalized = normalized
	}
	return out, summary
}

// fillStats computes, per column, the value used to fill missing cells:
// the median for numeric columns and the mode otherwise. Date modes are
// taken over normalized values so fills are already in canonical form.
func fillStats(t *dataset.Table, schema dataset.Schema) []fillStat {
	stats := make([]fillStat, len(schema.Columns))
	for i, col := range schema.Columns {
		if col.Type == dataset.TypeNumeric {
			if m, ok := median(numericValues(t, i)); ok {
				stats[i] = fillStat{kind: model.FillMedian, value: formatFloat(m), ok: true}
			}
			continue
		}
		vals := make([]string, 0, len(t.Rows))
		for _, row := range t.Rows {
			v := strings.TrimSpace(row[i])
			if dataset.IsMissing(v) {
				continue
			}
			if col.Type == dataset.TypeDate {
				if iso, ok := normalizeDate(v); ok {
					v = iso
				}
			}
			vals = append(vals, v)
		}
		if m, ok := mode(vals); ok {
			stats[i] = fillStat{kind: model.FillMode, value: m, ok: true}
		}
	}
	return stats
}

func normalizeDate(v string) (string, bool) {
	t, ok := dataset.ParseDate(v)
	if !ok {
		return "", false
	}
	return t.Format(dataset.ISODate), true
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
