package core

import "time"

// TaskPhase is the task's position in the pipeline.
type TaskPhase string

const (
	PhaseTodo      TaskPhase = "todo"
	PhaseResearch  TaskPhase = "research"
	PhaseDesign    TaskPhase = "design"
	PhasePlan      TaskPhase = "plan"
	PhaseBuild     TaskPhase = "build"
	PhaseVerify    TaskPhase = "verify"
	PhaseDone      TaskPhase = "done"
	PhaseCancelled TaskPhase = "cancelled"
)

// ApprovalStatus gates phase transitions on human review.
type ApprovalStatus string

const (
	ApprovalNone     ApprovalStatus = "none"
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Task is a unit of work moving through the pipeline. Each reviewed
// artifact carries an approval flag plus the SHA-256 of the exact text
// that was approved; rewriting the artifact revokes the approval.
type Task struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	ParentID    string    `json:"parent_id,omitempty"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Phase       TaskPhase `json:"phase"`

	ResearchStatus       ApprovalStatus `json:"research_status"`
	ResearchApprovedHash string         `json:"research_approved_hash,omitempty"`
	ResearchFeedback     string         `json:"research_feedback,omitempty"`

	SpecStatus       ApprovalStatus `json:"spec_status"`
	SpecApprovedHash string         `json:"spec_approved_hash,omitempty"`
	SpecFeedback     string         `json:"spec_feedback,omitempty"`

	PlanStatus       ApprovalStatus `json:"plan_status"`
	PlanApprovedHash string         `json:"plan_approved_hash,omitempty"`
	PlanFeedback     string         `json:"plan_feedback,omitempty"`

	VerifyStatus       ApprovalStatus `json:"verify_status"`
	VerifyApprovedHash string         `json:"verify_approved_hash,omitempty"`
	VerifyFeedback     string         `json:"verify_feedback,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateTask is the task creation request.
type CreateTask struct {
	ProjectID   string `json:"project_id"`
	ParentID    string `json:"parent_id,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// ArtifactKind names a reviewable task artifact.
type ArtifactKind string

const (
	ArtifactResearch     ArtifactKind = "research"
	ArtifactSpec         ArtifactKind = "specification"
	ArtifactPlan         ArtifactKind = "plan"
	ArtifactVerification ArtifactKind = "verification"
)

// Filename is the name the agent writes in its workspace for this artifact.
func (k ArtifactKind) Filename() string {
	switch k {
	case ArtifactResearch:
		return "RESEARCH.md"
	case ArtifactSpec:
		return "SPECIFICATION.md"
	case ArtifactPlan:
		return "PLAN.md"
	case ArtifactVerification:
		return "VERIFICATION.md"
	}
	return ""
}

// ArtifactForAction maps a run action to the artifact it produces.
// Build runs produce commits, not documents, so they map to "".
func ArtifactForAction(a Action) ArtifactKind {
	switch a.Base() {
	case ActionResearch:
		return ArtifactResearch
	case ActionDesign:
		return ArtifactSpec
	case ActionPlan:
		return ArtifactPlan
	case ActionVerify:
		return ArtifactVerification
	}
	return ""
}

// TaskPR records a pull request opened by a build run.
type TaskPR struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"task_id"`
	ClaudeRunID string    `json:"claude_run_id,omitempty"`
	Number      int       `json:"number"`
	URL         string    `json:"url"`
	Branch      string    `json:"branch"`
	CreatedAt   time.Time `json:"created_at"`
}
