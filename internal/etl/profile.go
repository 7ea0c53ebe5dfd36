package etl

import (
	"math"
	"sort"
	"strings"

	"github.com/ashita-ai/whitepaper/internal/dataset"
	"github.com/ashita-ai/whitepaper/internal/model"
)

// Quality policy thresholds.
const (
	// MissingThreshold is the per-column missing ratio above which a dataset
	// is flagged.
	MissingThreshold = 0.5
	// QualityWarningThreshold is the quality score below which a dataset is
	// flagged. Scores range from 0.5 to 10.
	QualityWarningThreshold = 5.0
	// OutlierThreshold is the share of numeric cells outside the IQR fences
	// above which a dataset is flagged.
	OutlierThreshold = 0.10
)

// Profile computes the quality profile of a raw table. Path and fingerprint
// are left for the caller to fill in.
func Profile(t *dataset.Table, schema dataset.Schema) model.ScanReport {
	rep := model.ScanReport{
		Rows:       len(t.Rows),
		Columns:    len(t.Header),
		Duplicates: countDuplicates(t),
		Profile:    make([]model.ColumnProfile, len(schema.Columns)),
	}

	for i, col := range schema.Columns {
		p := model.ColumnProfile{Name: col.Name, Type: string(col.Type), MixedType: col.Mixed}
		for _, row := range t.Rows {
			if dataset.IsMissing(row[i]) {
				p.Missing++
			}
		}
		if col.Type == dataset.TypeNumeric {
			vals := numericValues(t, i)
			rep.NumericCells += len(vals)
			p.Outliers = countOutliers(vals)
		}
		rep.MissingCells += p.Missing
		rep.OutlierCells += p.Outliers
		rep.Profile[i] = p
	}

	rep.QualityScore = qualityScore(rep)
	return rep
}

// qualityScore is 10 minus weighted missing, duplicate, and outlier ratios,
// clamped to [0.5, 10] and rounded to two decimals.
func qualityScore(rep model.ScanReport) float64 {
	if rep.Rows == 0 || rep.Columns == 0 {
		return 0.5
	}
	missing := float64(rep.MissingCells) / float64(rep.Rows*rep.Columns)
	dups := float64(rep.Duplicates) / float64(rep.Rows)
	outliers := 0.0
	if rep.NumericCells > 0 {
		outliers = float64(rep.OutlierCells) / float64(rep.NumericCells)
	}
	score := 10 - missing*8 - dups*3 - outliers*2
	score = math.Max(0.5, math.Min(10, score))
	return math.Round(score*100) / 100
}

// assess applies the quality policy to a raw profile. It never blocks
// cleaning; it only explains what is wrong with the input.
func assess(rep model.ScanReport) (bool, []string) {
	var rationale []string
	if rep.QualityScore < QualityWarningThreshold {
		rationale = append(rationale, "quality score "+formatFloat(rep.QualityScore)+" is below "+formatFloat(QualityWarningThreshold))
	}
	for _, p := range rep.Profile {
		if rep.Rows > 0 && float64(p.Missing)/float64(rep.Rows) > MissingThreshold {
			rationale = append(rationale, "column "+p.Name+" is more than 50% missing")
		}
	}
	if rep.NumericCells > 0 && float64(rep.OutlierCells)/float64(rep.NumericCells) > OutlierThreshold {
		rationale = append(rationale, "outlier rate exceeds 10% of numeric cells")
	}
	return len(rationale) > 0, rationale
}

// countDuplicates returns how many rows exactly repeat an earlier row.
func countDuplicates(t *dataset.Table) int {
	seen := make(map[string]struct{}, len(t.Rows))
	dups := 0
	for _, row := range t.Rows {
		k := rowKey(row)
		if _, ok := seen[k]; ok {
			dups++
			continue
		}
		seen[k] = struct{}{}
	}
	return dups
}

// rowKey joins cells with a separator that cannot appear in parsed CSV text.
func rowKey(row []string) string {
	return strings.Join(row, "\x00")
}

func numericValues(t *dataset.Table, idx int) []float64 {
	vals := make([]float64, 0, len(t.Rows))
	for _, row := range t.Rows {
		if dataset.IsMissing(row[idx]) {
			continue
		}
		if f, ok := dataset.ParseNumber(row[idx]); ok {
			vals = append(vals, f)
		}
	}
	return vals
}

// countOutliers counts values outside [Q1 - 1.5*IQR, Q3 + 1.5*IQR].
func countOutliers(vals []float64) int {
	if len(vals) < 4 {
		return 0
	}
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	q1 := quantile(sorted, 0.25)
	q3 := quantile(sorted, 0.75)
	iqr := q3 - q1
	lo, hi := q1-1.5*iqr, q3+1.5*iqr
	n := 0
	for _, v := range sorted {
		if v < lo || v > hi {
			n++
		}
	}
	return n
}

// quantile returns the p-quantile of sorted using linear interpolation
// between closest ranks.
func quantile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return math.NaN()
	}
	pos := p * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func median(vals []float64) (float64, bool) {
	if len(vals) == 0 {
		return 0, false
	}
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	return quantile(sorted, 0.5), true
}

// mode returns the most frequent value. Ties resolve to the
// lexicographically smallest value so the result is order-independent.
func mode(vals []string) (string, bool) {
	if len(vals) == 0 {
		return "", false
	}
	counts := make(map[string]int, len(vals))
	for _, v := range vals {
		counts[v]++
	}
	best, bestN := "", 0
	for v, n := range counts {
		if n > bestN || (n == bestN && v < best) {
			best, bestN = v, n
		}
	}
	return best, true
}
