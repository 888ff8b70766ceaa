package model

import (
	"boundary/internal/probe"
	"boundary/internal/result"
)

// StreamEventType discriminates live stream payloads.
type StreamEventType string

const (
	// EventStatus carries a full status snapshot.
	EventStatus StreamEventType = "status"
	// EventVerdict carries one classified probe.
	EventVerdict StreamEventType = "verdict"
)

// StreamEvent is one frame on the live run stream.
type StreamEvent struct {
	Type      StreamEventType    `json:"type"`
	RunID     string             `json:"run_id"`
	Status    *RunStatusResponse `json:"status,omitempty"`
	Verdict   *result.Verdict    `json:"verdict,omitempty"`
	CreatedAt int64              `json:"created_at"`
}

// BreachEvent is published to the breach topic for every boundary
// that failed to hold.
type BreachEvent struct {
	RunID     string         `json:"run_id"`
	Probe     string         `json:"probe"`
	Category  probe.Category `json:"category"`
	Evidence  string         `json:"evidence"`
	CreatedAt int64          `json:"created_at"`
}
