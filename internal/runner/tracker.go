package runner

import (
	"sync"
	"time"

	"github.com/flowstate-sh/flowstate/internal/core"
)

// ActiveRun is one in-flight run as seen by the tracker.
type ActiveRun struct {
	RunID     string
	TaskID    string
	Action    core.Action
	StartedAt time.Time
}

// RunSnapshot is the health-endpoint view of one active run.
type RunSnapshot struct {
	RunID          string `json:"run_id"`
	TaskID         string `json:"task_id"`
	Action         string `json:"action"`
	ElapsedSeconds int64  `json:"elapsed_seconds"`
}

// Tracker holds the in-memory map of in-flight runs. The runner loop
// mutates it; the health endpoint reads snapshots. A short critical
// section protects both.
type Tracker struct {
	mu   sync.Mutex
	runs map[string]ActiveRun
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{runs: make(map[string]ActiveRun)}
}

// Add registers a claimed run.
func (t *Tracker) Add(run *core.Run) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runs[run.ID] = ActiveRun{
		RunID:     run.ID,
		TaskID:    run.TaskID,
		Action:    run.Action,
		StartedAt: time.Now(),
	}
}

// Remove drops a finished run.
func (t *Tracker) Remove(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.runs, runID)
}

// ActiveCount is the number of in-flight runs.
func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.runs)
}

// ActiveBuildCount is the number of in-flight build runs.
func (t *Tracker) ActiveBuildCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, r := range t.runs {
		if r.Action.Base() == core.ActionBuild {
			n++
		}
	}
	return n
}

// Snapshot returns a point-in-time copy for the health endpoint.
func (t *Tracker) Snapshot() []RunSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	out := make([]RunSnapshot, 0, len(t.runs))
	for _, r := range t.runs {
		out = append(out, RunSnapshot{
			RunID:          r.RunID,
			TaskID:         r.TaskID,
			Action:         string(r.Action),
			ElapsedSeconds: int64(now.Sub(r.StartedAt).Seconds()),
		})
	}
	return out
}
