// Package metrics exposes agent counters through a Recorder. Components
// default to NoopRecorder; the run command swaps in a PrometheusRecorder.
package metrics

import "time"

// Result labels shared by several counters.
const (
	ResultSuccess     = "success"
	ResultError       = "error"
	ResultNotModified = "not_modified"
	ResultInvalid     = "invalid"
	ResultBusy        = "busy"
	ResultSkipped     = "skipped"
)

// Recorder defines the agent's observability hooks.
type Recorder interface {
	ObserveTick(mode string, d time.Duration)
	IncSignalOutcome(channel, outcome string)
	IncUpdateCommit(channel string)
	IncProbeResult(ready bool)
	IncHeartbeat(result string)
	IncConfigFetch(result string)
	IncPairingAttempt(result string)
	IncPolicyResult(policy, result string)
	SetPaired(paired bool)
	SetUpdating(updating bool)
}

// NoopRecorder is a Recorder that does nothing.
type NoopRecorder struct{}

func (NoopRecorder) ObserveTick(string, time.Duration)  {}
func (NoopRecorder) IncSignalOutcome(string, string)    {}
func (NoopRecorder) IncUpdateCommit(string)             {}
func (NoopRecorder) IncProbeResult(bool)                {}
func (NoopRecorder) IncHeartbeat(string)                {}
func (NoopRecorder) IncConfigFetch(string)              {}
func (NoopRecorder) IncPairingAttempt(string)           {}
func (NoopRecorder) IncPolicyResult(string, string)     {}
func (NoopRecorder) SetPaired(bool)                     {}
func (NoopRecorder) SetUpdating(bool)                   {}

// OrNoop returns r, or a NoopRecorder when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}
