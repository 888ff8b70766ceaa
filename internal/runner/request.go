package runner

import "boundary/internal/probe"

// initRequest is the JSON contract sent to the probe-init helper on
// stdin. The helper mirrors this with its own decoder types.
type initRequest struct {
	Probe          string         `json:"Probe"`
	WorkDir        string         `json:"WorkDir"`
	Cmd            []string       `json:"Cmd"`
	Env            []string       `json:"Env"`
	Ceilings       probe.Ceilings `json:"Ceilings"`
	SeccompProfile string         `json:"SeccompProfile"`
}
