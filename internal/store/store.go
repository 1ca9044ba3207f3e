// Package store persists projects, tasks, runs, pull requests, and API
// keys. Two backends implement the same interface: SQLite for single-node
// deployments and Postgres for shared ones. The run queue lives here; the
// claim operation is the only place two runners can race, and both
// backends resolve that race inside a single atomic statement.
package store

import (
	"errors"
	"time"

	"github.com/flowstate-sh/flowstate/internal/core"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Store is the persistence contract shared by both backends.
type Store interface {
	// Projects. The repo token arrives already encrypted.
	CreateProject(in core.CreateProject, encToken []byte) (*core.Project, error)
	GetProject(id string) (*core.Project, error)

	// Tasks and approvals.
	CreateTask(in core.CreateTask) (*core.Task, error)
	GetTask(id string) (*core.Task, error)
	ListChildTasks(parentID string) ([]core.Task, error)
	// SetApproval writes an approval flag and its hash. Approving stores
	// the artifact hash; revoking clears it.
	SetApproval(taskID string, kind core.ArtifactKind, status core.ApprovalStatus, hash string) error
	SetFeedback(taskID string, kind core.ArtifactKind, feedback string) error

	// Runs.
	CreateRun(in core.CreateRun, capability core.Capability) (*core.Run, error)
	GetRun(id string) (*core.Run, error)
	ListRunsByTask(taskID string) ([]core.Run, error)
	// ClaimNext atomically moves the oldest eligible queued run to
	// running on behalf of runnerID. Returns nil when the queue holds
	// nothing the capability set can serve. Two concurrent claims never
	// return the same run.
	ClaimNext(caps []core.Capability, runnerID string) (*core.Run, error)
	// UpdateStatus writes status and error details. Entering a terminal
	// state sets finished_at; it is never overwritten afterwards.
	UpdateStatus(id string, status core.RunStatus, errMsg string, exitCode *int) (*core.Run, error)
	UpdateProgress(id, message string) error
	UpdatePR(id, url string, number int, branch string) (*core.Run, error)
	// FindStale returns runs in the given status whose started_at is
	// older than threshold.
	FindStale(status core.RunStatus, threshold time.Time) ([]core.Run, error)
	// TimeoutIfStillRunning transitions a run to timed_out only if it is
	// still in flight; returns nil, nil when the run already finished.
	TimeoutIfStillRunning(id, message string) (*core.Run, error)

	// Pull requests opened by build runs.
	CreateTaskPR(pr core.TaskPR) (*core.TaskPR, error)
	ListTaskPRs(taskID string) ([]core.TaskPR, error)

	// API keys. Only digests are stored.
	CreateAPIKey(name, keyHash string) (*core.APIKey, error)
	ListAPIKeys() ([]core.APIKey, error)
	FindKeyByHash(keyHash string) (*core.APIKey, error)
	TouchKey(id string) error
	DeleteAPIKey(id string) error
	HasAPIKeys() (bool, error)

	Close() error
}

// approvalColumns maps an artifact kind to its status/hash/feedback
// column prefix. Shared by both backends.
func approvalColumns(kind core.ArtifactKind) (status, hash, feedback string, ok bool) {
	switch kind {
	case core.ArtifactResearch:
		return "research_status", "research_approved_hash", "research_feedback", true
	case core.ArtifactSpec:
		return "spec_status", "spec_approved_hash", "spec_feedback", true
	case core.ArtifactPlan:
		return "plan_status", "plan_approved_hash", "plan_feedback", true
	case core.ArtifactVerification:
		return "verify_status", "verify_approved_hash", "verify_feedback", true
	}
	return "", "", "", false
}
