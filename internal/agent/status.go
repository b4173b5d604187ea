package agent

import (
	"time"

	"github.com/gemforge/terminal-agent/internal/update"
)

// PolicyStatus is the last applied result of one policy.
type PolicyStatus struct {
	Policy string `json:"policy" yaml:"policy"`
	Result string `json:"result" yaml:"result"`
	Error  string `json:"error,omitempty" yaml:"error,omitempty"`
}

// TaskStatus counts background work such as heartbeat sends.
type TaskStatus struct {
	Pending int `json:"pending" yaml:"pending"`
	Dropped int `json:"dropped" yaml:"dropped"`
}

// Status is the snapshot served on /status.
type Status struct {
	TerminalID       string                `json:"terminalId,omitempty" yaml:"terminalId,omitempty"`
	TerminalName     string                `json:"terminalName,omitempty" yaml:"terminalName,omitempty"`
	Paired           bool                  `json:"paired" yaml:"paired"`
	PairingCode      string                `json:"pairingCode,omitempty" yaml:"pairingCode,omitempty"`
	Updating         bool                  `json:"updating" yaml:"updating"`
	ConfirmedBuildID string                `json:"confirmedBuildId,omitempty" yaml:"confirmedBuildId,omitempty"`
	Channels         []update.ChannelState `json:"channels" yaml:"channels"`
	LastCommit       *update.Commit        `json:"lastCommit,omitempty" yaml:"lastCommit,omitempty"`
	Ticks            int                   `json:"ticks" yaml:"ticks"`
	LastTick         time.Time             `json:"lastTick,omitempty" yaml:"lastTick,omitempty"`
	LastMode         string                `json:"lastMode,omitempty" yaml:"lastMode,omitempty"`
	LastHeartbeat    time.Time             `json:"lastHeartbeat,omitempty" yaml:"lastHeartbeat,omitempty"`
	HeartbeatError   string                `json:"heartbeatError,omitempty" yaml:"heartbeatError,omitempty"`
	Policies         []PolicyStatus        `json:"policies,omitempty" yaml:"policies,omitempty"`
	Tasks            TaskStatus            `json:"tasks" yaml:"tasks"`
	Health           map[string]any        `json:"health" yaml:"health"`
}

// Status returns a consistent snapshot of the agent state.
func (a *Agent) Status() Status {
	a.mu.Lock()
	st := Status{
		TerminalID: a.terminalID,
		Paired:     a.terminalID != "",
		Ticks:      a.ticks,
		LastTick:   a.lastTick,
		LastMode:   a.lastMode,
		LastCommit: a.lastCommit,
	}
	for _, o := range a.lastPolicies {
		ps := PolicyStatus{Policy: o.Policy, Result: o.Result}
		if o.Err != nil {
			ps.Error = o.Err.Error()
		}
		st.Policies = append(st.Policies, ps)
	}
	a.mu.Unlock()

	if !st.Paired {
		st.PairingCode = a.pairing.Code()
	}
	st.TerminalName = a.detector.TerminalName()
	st.ConfirmedBuildID = a.detector.ConfirmedBuildID()
	st.Channels = a.detector.States()
	st.Updating = a.gate.Updating()
	sent, err := a.reporter.LastSent()
	st.LastHeartbeat = sent
	if err != nil {
		st.HeartbeatError = err.Error()
	}
	st.Tasks = TaskStatus{Pending: a.pool.Pending(), Dropped: a.pool.Rejected()}
	st.Health = a.monitor.Summary()
	return st
}
