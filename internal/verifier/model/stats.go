package model

// ProbeBreachCount ranks one probe by how often it breached.
type ProbeBreachCount struct {
	Probe string `json:"probe"`
	Count int64  `json:"count"`
}

// StatsResponse aggregates verification activity across runs.
type StatsResponse struct {
	TotalRuns     int64              `json:"total_runs"`
	TotalBreaches int64              `json:"total_breaches"`
	ByCategory    map[string]int64   `json:"by_category,omitempty"`
	TopProbes     []ProbeBreachCount `json:"top_probes,omitempty"`
	RecentRuns    []string           `json:"recent_runs,omitempty"`
}
