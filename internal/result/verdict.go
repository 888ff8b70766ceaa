package result

import "boundary/internal/probe"

// Classification states whether an isolation boundary held.
type Classification string

const (
	Contained    Classification = "Contained"
	Breach       Classification = "Breach"
	Inconclusive Classification = "Inconclusive"
)

// Verdict is the classified outcome for one probe.
type Verdict struct {
	Probe    string         `json:"probe"`
	Category probe.Category `json:"category"`
	Class    Classification `json:"class"`
	Evidence string         `json:"evidence,omitempty"`
}

// Summary counts verdicts per classification.
type Summary struct {
	Contained    int `json:"contained"`
	Breach       int `json:"breach"`
	Inconclusive int `json:"inconclusive"`
}

// Total returns the number of verdicts counted.
func (s Summary) Total() int {
	return s.Contained + s.Breach + s.Inconclusive
}

// Add counts one classification into the summary.
func (s *Summary) Add(c Classification) {
	switch c {
	case Contained:
		s.Contained++
	case Breach:
		s.Breach++
	default:
		s.Inconclusive++
	}
}

// SuiteReport is the aggregate outcome of one suite execution.
// Verdicts preserve catalog order regardless of completion order.
// Finalized once by the orchestrator and immutable afterwards.
type SuiteReport struct {
	RunID      string `json:"run_id"`
	StartedAt  int64  `json:"started_at"`
	FinishedAt int64  `json:"finished_at"`

	Verdicts   []Verdict                  `json:"verdicts"`
	Totals     Summary                    `json:"totals"`
	ByCategory map[probe.Category]Summary `json:"by_category,omitempty"`

	// Results are the raw run records behind the verdicts, in the same
	// order. Captured output lives here, not in the verdicts.
	Results []RunResult `json:"results,omitempty"`

	// CapabilityGaps lists limiting primitives the environment could
	// not enforce; affected ceilings ran unenforced.
	CapabilityGaps []string `json:"capability_gaps,omitempty"`
	// Degraded is set when a runner internal error was observed, so
	// the report should be read with reduced confidence.
	Degraded bool `json:"degraded,omitempty"`
}

// BreachCount returns the number of breached boundaries.
func (r SuiteReport) BreachCount() int {
	return r.Totals.Breach
}
