package model

// Metric is one named number a stage computed, such as the mean of a column.
type Metric struct {
	Dataset string  `json:"dataset,omitempty"`
	Column  string  `json:"column"`
	Stat    string  `json:"stat"`
	Value   float64 `json:"value"`
}

// Finding is the structured output a stage contributes to a run. Each stage
// owns exactly one finding, stored under its own name.
type Finding struct {
	Summary  string   `json:"summary"`
	Text     string   `json:"text,omitempty"`
	Metrics  []Metric `json:"metrics,omitempty"`
	Approved *bool    `json:"approved,omitempty"`
}

// MetricsFor returns the metrics with the given stat name, in order.
func (f Finding) MetricsFor(stat string) []Metric {
	var out []Metric
	for _, m := range f.Metrics {
		if m.Stat == stat {
			out = append(out, m)
		}
	}
	return out
}
