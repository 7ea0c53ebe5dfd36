package model

import "time"

// DatasetHandle references one raw dataset attached to a run.
type DatasetHandle struct {
	RawPath            string  `json:"raw_path"`
	ContentFingerprint string  `json:"content_fingerprint"`
	CleanedArtifactRef *string `json:"cleaned_artifact_ref,omitempty"`
}

// Cleaned reports whether the ETL stage has produced an artifact for h.
func (h DatasetHandle) Cleaned() bool {
	return h.CleanedArtifactRef != nil && *h.CleanedArtifactRef != ""
}

// FillKind is the statistic used to fill missing cells in a column.
type FillKind string

const (
	FillMedian FillKind = "median"
	FillMode   FillKind = "mode"
)

// ColumnFill records missing-value imputation for one column.
type ColumnFill struct {
	Column string   `json:"column"`
	Kind   FillKind `json:"kind"`
	Value  string   `json:"value"`
	Filled int      `json:"filled"`
}

// TransformSummary records every transformation the ETL stage applied.
type TransformSummary struct {
	RowsIn            int            `json:"rows_in"`
	RowsOut           int            `json:"rows_out"`
	Columns           int            `json:"columns"`
	DuplicatesRemoved int            `json:"duplicates_removed"`
	Fills             []ColumnFill   `json:"fills,omitempty"`
	DateNormalized    map[string]int `json:"date_normalized,omitempty"`
	WhitespaceTrimmed int            `json:"whitespace_trimmed"`
	Outliers          map[string]int `json:"outliers,omitempty"`
	QualityScore      float64        `json:"quality_score"`
	QualityWarning    bool           `json:"quality_warning"`
	Rationale         []string       `json:"rationale,omitempty"`
	CacheHit          bool           `json:"cache_hit"`
}

// Fill returns the fill record for column, if any.
func (s TransformSummary) Fill(column string) (ColumnFill, bool) {
	for _, f := range s.Fills {
		if f.Column == column {
			return f, true
		}
	}
	return ColumnFill{}, false
}

// CacheEntry maps a content fingerprint to the artifact produced from it.
// At most one entry exists per fingerprint.
type CacheEntry struct {
	Key                string           `json:"key"`
	CleanedArtifactRef string           `json:"cleaned_artifact_ref"`
	Summary            TransformSummary `json:"summary"`
	CreatedAt          time.Time        `json:"created_at"`
}

// ColumnProfile describes the quality of one column in a scanned dataset.
type ColumnProfile struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Missing   int    `json:"missing"`
	Outliers  int    `json:"outliers"`
	MixedType bool   `json:"mixed_type"`
}

// ScanReport is the quality profile of one raw dataset.
type ScanReport struct {
	Path         string          `json:"path"`
	Fingerprint  string          `json:"fingerprint"`
	Rows         int             `json:"rows"`
	Columns      int             `json:"columns"`
	MissingCells int             `json:"missing_cells"`
	Duplicates   int             `json:"duplicates"`
	OutlierCells int             `json:"outlier_cells"`
	NumericCells int             `json:"numeric_cells"`
	QualityScore float64         `json:"quality_score"`
	Cached       bool            `json:"cached"`
	Profile      []ColumnProfile `json:"profile"`
}
