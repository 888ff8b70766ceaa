// Package model defines API and event payloads for the verification service.
package model

import (
	"boundary/internal/probe"
	"boundary/internal/result"
)

// RunStatus represents the lifecycle state of a verification run.
type RunStatus string

const (
	StatusPending  RunStatus = "Pending"
	StatusRunning  RunStatus = "Running"
	StatusFinished RunStatus = "Finished"
	StatusFailed   RunStatus = "Failed"
)

// Timestamps captures run lifecycle timestamps.
type Timestamps struct {
	ReceivedAt int64 `json:"received_at"`
	FinishedAt int64 `json:"finished_at"`
}

// Progress counts classified probes for a run in flight.
type Progress struct {
	TotalProbes int `json:"total_probes"`
	DoneProbes  int `json:"done_probes"`
}

// RunRequest is the payload that starts a verification run. The HTTP
// API and the run-request topic share this shape.
type RunRequest struct {
	RunID         string   `json:"run_id"`
	Bundle        string   `json:"bundle"`
	BundleVersion string   `json:"bundle_version"`
	BundleDigest  string   `json:"bundle_digest"`
	Probes        []string `json:"probes"`
	Parallel      int      `json:"parallel"`
	RequestedBy   string   `json:"requested_by"`
}

// RunSummary is the compact listing row for run history.
type RunSummary struct {
	RunID      string         `json:"run_id"`
	Bundle     string         `json:"bundle,omitempty"`
	Status     RunStatus      `json:"status"`
	Totals     result.Summary `json:"totals"`
	Degraded   bool           `json:"degraded,omitempty"`
	Reviewed   bool           `json:"reviewed,omitempty"`
	ReceivedAt int64          `json:"received_at"`
	FinishedAt int64          `json:"finished_at"`
}

// RunStatusResponse is the unified API view of one verification run.
// Verdicts are present once the run finished; Progress tracks a run
// still in flight.
type RunStatusResponse struct {
	RunID          string                            `json:"run_id"`
	Status         RunStatus                         `json:"status"`
	Bundle         string                            `json:"bundle,omitempty"`
	Totals         result.Summary                    `json:"totals"`
	ByCategory     map[probe.Category]result.Summary `json:"by_category,omitempty"`
	Verdicts       []result.Verdict                  `json:"verdicts,omitempty"`
	CapabilityGaps []string                          `json:"capability_gaps,omitempty"`
	Degraded       bool                              `json:"degraded,omitempty"`
	EvidenceKey    string                            `json:"evidence_key,omitempty"`
	EvidenceDigest string                            `json:"evidence_digest,omitempty"`
	Reviewed       bool                              `json:"reviewed,omitempty"`
	Timestamps     Timestamps                        `json:"timestamps"`
	Progress       Progress                          `json:"progress"`
	ErrorCode      int                               `json:"error_code,omitempty"`
	ErrorMessage   string                            `json:"error_message,omitempty"`
}
