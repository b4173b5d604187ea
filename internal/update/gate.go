package update

import "sync/atomic"

// Gate is the process-wide commit gate shared by every channel: the
// updating flag and the readiness streak.
type Gate struct {
	updating atomic.Bool
	streak   atomic.Int32
}

// BeginUpdate claims the gate. It returns false if an update is already
// running.
func (g *Gate) BeginUpdate() bool {
	return g.updating.CompareAndSwap(false, true)
}

// EndUpdate releases the gate after a failed update.
func (g *Gate) EndUpdate() {
	g.updating.Store(false)
}

func (g *Gate) Updating() bool {
	return g.updating.Load()
}

func (g *Gate) ResetStreak() {
	g.streak.Store(0)
}

// IncStreak records one ready probe and returns the new streak.
func (g *Gate) IncStreak() int {
	return int(g.streak.Add(1))
}

func (g *Gate) Streak() int {
	return int(g.streak.Load())
}

// Reset returns the gate to its start-of-process state.
func (g *Gate) Reset() {
	g.streak.Store(0)
	g.updating.Store(false)
}
