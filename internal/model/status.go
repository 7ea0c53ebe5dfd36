package model

// DatasetStatus is the cache state of one raw dataset in the input directory.
type DatasetStatus struct {
	Path        string `json:"path"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Cached      bool   `json:"cached"`
	Error       string `json:"error,omitempty"`
}

// Status summarizes the workspace: where data lives, which raw datasets are
// already cleaned, and cache activity since the process started.
type Status struct {
	Version      string          `json:"version"`
	InputDir     string          `json:"input_dir"`
	OutputDir    string          `json:"output_dir"`
	ReportsDir   string          `json:"reports_dir"`
	Provider     string          `json:"inference_provider"`
	Datasets     []DatasetStatus `json:"datasets"`
	CacheEntries int             `json:"cache_entries"`
	CorruptKeys  int             `json:"corrupt_keys"`
	CacheHits    int64           `json:"cache_hits"`
	CacheMisses  int64           `json:"cache_misses"`
	Computations int64           `json:"computations"`
}

// Pending returns the datasets that have no cache entry yet.
func (s Status) Pending() []DatasetStatus {
	var out []DatasetStatus
	for _, d := range s.Datasets {
		if !d.Cached && d.Error == "" {
			out = append(out, d)
		}
	}
	return out
}
