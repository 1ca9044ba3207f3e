// Package core holds the domain types shared by the server, the runner,
// and the stores: tasks, projects, runs, and the run state machine.
package core

import (
	"fmt"
	"strings"
	"time"
)

// Action identifies which phase of the pipeline a run executes.
type Action string

const (
	ActionResearch Action = "research"
	ActionDesign   Action = "design"
	ActionPlan     Action = "plan"
	ActionBuild    Action = "build"
	ActionVerify   Action = "verify"

	// Distill variants re-run a phase after reviewer feedback.
	ActionResearchDistill Action = "research_distill"
	ActionDesignDistill   Action = "design_distill"
	ActionPlanDistill     Action = "plan_distill"
	ActionVerifyDistill   Action = "verify_distill"
)

var validActions = map[Action]bool{
	ActionResearch: true, ActionDesign: true, ActionPlan: true,
	ActionBuild: true, ActionVerify: true,
	ActionResearchDistill: true, ActionDesignDistill: true,
	ActionPlanDistill: true, ActionVerifyDistill: true,
}

// ParseAction validates an action name.
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if !validActions[a] {
		return "", fmt.Errorf("unknown action %q", s)
	}
	return a, nil
}

func (a Action) String() string { return string(a) }

// IsDistill reports whether a is a feedback re-run of a phase.
func (a Action) IsDistill() bool { return strings.HasSuffix(string(a), "_distill") }

// Base strips the distill suffix, returning the underlying phase.
func (a Action) Base() Action {
	return Action(strings.TrimSuffix(string(a), "_distill"))
}

// RunStatus is the run state machine.
//
//	queued -> running -> {completed, failed, cancelled, timed_out}
//
// salvaging is an intermediate state a run can be parked in while its
// output is being recovered; the watchdog bounds how long it may last.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSalvaging RunStatus = "salvaging"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
	RunTimedOut  RunStatus = "timed_out"
)

var validRunStatuses = map[RunStatus]bool{
	RunQueued: true, RunRunning: true, RunSalvaging: true,
	RunCompleted: true, RunFailed: true, RunCancelled: true, RunTimedOut: true,
}

// ParseRunStatus validates a status name.
func ParseRunStatus(s string) (RunStatus, error) {
	rs := RunStatus(s)
	if !validRunStatuses[rs] {
		return "", fmt.Errorf("unknown run status %q", s)
	}
	return rs, nil
}

func (s RunStatus) String() string { return string(s) }

// Terminal reports whether s is final. Terminal runs never change again
// and carry a finished_at timestamp.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled, RunTimedOut:
		return true
	}
	return false
}

// Run is one attempt at one phase of one task by one agent.
type Run struct {
	ID                 string     `json:"id"`
	TaskID             string     `json:"task_id"`
	Action             Action     `json:"action"`
	Status             RunStatus  `json:"status"`
	RequiredCapability Capability `json:"required_capability,omitempty"`
	RunnerID           string     `json:"runner_id,omitempty"`
	Progress           string     `json:"progress,omitempty"`
	ExitCode           *int       `json:"exit_code,omitempty"`
	Error              string     `json:"error,omitempty"`
	PRURL              string     `json:"pr_url,omitempty"`
	PRNumber           *int       `json:"pr_number,omitempty"`
	BranchName         string     `json:"branch_name,omitempty"`
	StartedAt          time.Time  `json:"started_at"`
	FinishedAt         *time.Time `json:"finished_at,omitempty"`
}

// CreateRun is the enqueue request.
type CreateRun struct {
	TaskID             string     `json:"task_id"`
	Action             Action     `json:"action"`
	RequiredCapability Capability `json:"required_capability,omitempty"`
}
