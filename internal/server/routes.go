package server

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/flowstate-sh/flowstate/internal/artifact"
	"github.com/flowstate-sh/flowstate/internal/core"
	"github.com/flowstate-sh/flowstate/internal/metrics"
	"github.com/flowstate-sh/flowstate/internal/store"
)

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Unauthenticated surface.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	api := http.NewServeMux()
	api.HandleFunc("POST /api/projects", s.handleCreateProject)
	api.HandleFunc("GET /api/projects/{id}", s.handleGetProject)
	api.HandleFunc("GET /api/projects/{id}/repo-token", s.handleGetRepoToken)

	api.HandleFunc("POST /api/tasks", s.handleCreateTask)
	api.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	api.HandleFunc("PATCH /api/tasks/{id}", s.handlePatchTask)
	api.HandleFunc("GET /api/tasks/{id}/{artifact}", s.handleGetArtifact)
	api.HandleFunc("PUT /api/tasks/{id}/{artifact}", s.handlePutArtifact)
	api.HandleFunc("GET /api/tasks/{id}/children", s.handleListChildren)
	api.HandleFunc("GET /api/tasks/{id}/claude-runs", s.handleListRuns)

	api.HandleFunc("GET /api/keys", s.handleListKeys)
	api.HandleFunc("POST /api/keys", s.handleCreateKey)
	api.HandleFunc("DELETE /api/keys/{id}", s.handleDeleteKey)

	api.HandleFunc("POST /api/claude-runs", s.handleCreateRun)
	api.HandleFunc("GET /api/claude-runs/next", s.handleClaimNext)
	api.HandleFunc("GET /api/claude-runs/{id}", s.handleGetRun)
	api.HandleFunc("GET /api/claude-runs/{id}/output", s.handleGetRunOutput)
	api.HandleFunc("PUT /api/claude-runs/{id}/output", s.handlePutRunOutput)
	api.HandleFunc("PATCH /api/claude-runs/{id}/progress", s.handlePatchProgress)
	api.HandleFunc("PATCH /api/claude-runs/{id}/status", s.handlePatchStatus)
	api.HandleFunc("PATCH /api/claude-runs/{id}/pr", s.handlePatchPR)
	api.HandleFunc("POST /api/claude-runs/{id}/cancel", s.handleCancelRun)

	mux.Handle("/api/", s.auth.middleware(api))
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps store errors onto HTTP statuses.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	s.logger.Error("store error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- projects ---

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var in core.CreateProject
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if in.Name == "" {
		writeError(w, http.StatusBadRequest, "name required")
		return
	}
	encToken, err := s.box.Seal(in.RepoToken)
	if err != nil {
		s.logger.Error("seal repo token", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	p, err := s.store.CreateProject(in, encToken)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetProject(r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleGetRepoToken decrypts the stored repository credential for a
// claiming runner. Decryption failure is surfaced as a crypto error,
// never as an empty token.
func (s *Server) handleGetRepoToken(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetProject(r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	token, err := s.box.Open(p.RepoToken)
	if err != nil {
		s.logger.Error("decrypt repo token", zap.String("project_id", p.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "repo token decryption failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// --- tasks ---

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var in core.CreateTask
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if in.ProjectID == "" || in.Title == "" {
		writeError(w, http.StatusBadRequest, "project_id and title required")
		return
	}
	if _, err := s.store.GetProject(in.ProjectID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	t, err := s.store.CreateTask(in)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.GetTask(r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// patchTaskInput carries approval transitions and reviewer feedback.
type patchTaskInput struct {
	ResearchStatus *core.ApprovalStatus `json:"research_status,omitempty"`
	SpecStatus     *core.ApprovalStatus `json:"spec_status,omitempty"`
	PlanStatus     *core.ApprovalStatus `json:"plan_status,omitempty"`
	VerifyStatus   *core.ApprovalStatus `json:"verify_status,omitempty"`

	ResearchFeedback *string `json:"research_feedback,omitempty"`
	SpecFeedback     *string `json:"spec_feedback,omitempty"`
	PlanFeedback     *string `json:"plan_feedback,omitempty"`
	VerifyFeedback   *string `json:"verify_feedback,omitempty"`
}

// handlePatchTask applies approval transitions. Approving computes the
// SHA-256 of the current artifact and pins it; any other transition
// clears the pinned hash.
func (s *Server) handlePatchTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, err := s.store.GetTask(id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	var in patchTaskInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	statuses := map[core.ArtifactKind]*core.ApprovalStatus{
		core.ArtifactResearch:     in.ResearchStatus,
		core.ArtifactSpec:         in.SpecStatus,
		core.ArtifactPlan:         in.PlanStatus,
		core.ArtifactVerification: in.VerifyStatus,
	}
	for kind, status := range statuses {
		if status == nil {
			continue
		}
		hash := ""
		if *status == core.ApprovalApproved {
			body, err := s.artifacts.GetOptional(r.Context(), artifact.Key(task.ID, kind))
			if err != nil {
				s.writeStoreError(w, err)
				return
			}
			if len(body) == 0 {
				writeError(w, http.StatusBadRequest,
					fmt.Sprintf("cannot approve %s: artifact is empty", kind))
				return
			}
			hash = hashArtifact(body)
		}
		if err := s.store.SetApproval(task.ID, kind, *status, hash); err != nil {
			s.writeStoreError(w, err)
			return
		}
	}

	feedbacks := map[core.ArtifactKind]*string{
		core.ArtifactResearch:     in.ResearchFeedback,
		core.ArtifactSpec:         in.SpecFeedback,
		core.ArtifactPlan:         in.PlanFeedback,
		core.ArtifactVerification: in.VerifyFeedback,
	}
	for kind, fb := range feedbacks {
		if fb == nil {
			continue
		}
		if err := s.store.SetFeedback(task.ID, kind, *fb); err != nil {
			s.writeStoreError(w, err)
			return
		}
	}

	updated, err := s.store.GetTask(id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// artifactKindFromPath maps the URL segment onto an artifact kind.
func artifactKindFromPath(segment string) (core.ArtifactKind, bool) {
	switch segment {
	case "spec":
		return core.ArtifactSpec, true
	case "plan":
		return core.ArtifactPlan, true
	case "research":
		return core.ArtifactResearch, true
	case "verification":
		return core.ArtifactVerification, true
	}
	return "", false
}

func hashArtifact(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	kind, ok := artifactKindFromPath(r.PathValue("artifact"))
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	task, err := s.store.GetTask(r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	body, err := s.artifacts.Get(r.Context(), artifact.Key(task.ID, kind))
	if errors.Is(err, artifact.ErrNotFound) {
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	_, _ = w.Write(body)
}

// handlePutArtifact stores a new artifact body. Writing content whose
// hash differs from the pinned approval hash revokes the approval; a
// first non-empty write moves the flag from none to pending.
func (s *Server) handlePutArtifact(w http.ResponseWriter, r *http.Request) {
	kind, ok := artifactKindFromPath(r.PathValue("artifact"))
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	task, err := s.store.GetTask(r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}

	if err := s.artifacts.Put(r.Context(), artifact.Key(task.ID, kind), body); err != nil {
		s.writeStoreError(w, err)
		return
	}

	status, approvedHash := approvalFor(task, kind)
	newHash := hashArtifact(body)
	switch {
	case status == core.ApprovalApproved && newHash != approvedHash:
		err = s.store.SetApproval(task.ID, kind, core.ApprovalPending, "")
	case status == core.ApprovalNone && len(body) > 0:
		err = s.store.SetApproval(task.ID, kind, core.ApprovalPending, "")
	}
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func approvalFor(t *core.Task, kind core.ArtifactKind) (core.ApprovalStatus, string) {
	switch kind {
	case core.ArtifactResearch:
		return t.ResearchStatus, t.ResearchApprovedHash
	case core.ArtifactSpec:
		return t.SpecStatus, t.SpecApprovedHash
	case core.ArtifactPlan:
		return t.PlanStatus, t.PlanApprovedHash
	case core.ArtifactVerification:
		return t.VerifyStatus, t.VerifyApprovedHash
	}
	return core.ApprovalNone, ""
}

func (s *Server) handleListChildren(w http.ResponseWriter, r *http.Request) {
	children, err := s.store.ListChildTasks(r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if children == nil {
		children = []core.Task{}
	}
	writeJSON(w, http.StatusOK, children)
}

// --- api keys ---

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.store.ListAPIKeys()
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if keys == nil {
		keys = []core.APIKey{}
	}
	writeJSON(w, http.StatusOK, keys)
}

// handleCreateKey mints a key and returns the plaintext exactly once.
func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if in.Name == "" {
		writeError(w, http.StatusBadRequest, "name required")
		return
	}
	key, err := MintKey()
	if err != nil {
		s.logger.Error("mint key", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	stored, err := s.store.CreateAPIKey(in.Name, HashKey(key))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id": stored.ID, "name": stored.Name, "key": key,
	})
}

func (s *Server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteAPIKey(r.PathValue("id")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- runs ---

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRunsByTask(r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if runs == nil {
		runs = []core.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// handleCreateRun enqueues a run after checking the phase's approval
// precondition.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var in struct {
		TaskID             string `json:"task_id"`
		Action             string `json:"action"`
		RequiredCapability string `json:"required_capability,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	action, err := core.ParseAction(in.Action)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	task, err := s.store.GetTask(in.TaskID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	if msg := s.enqueuePrecondition(task, action); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	capability := core.DefaultCapability(action)
	if in.RequiredCapability != "" {
		capability, err = core.ParseCapability(in.RequiredCapability)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	run, err := s.store.CreateRun(core.CreateRun{TaskID: task.ID, Action: action}, capability)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	metrics.RunsEnqueuedTotal.WithLabelValues(string(action)).Inc()
	s.logger.Info("run enqueued",
		zap.String("run_id", run.ID),
		zap.String("task_id", task.ID),
		zap.String("action", string(action)),
		zap.String("capability", string(capability)),
	)
	writeJSON(w, http.StatusCreated, run)
}

// enqueuePrecondition returns a diagnostic when the approval state does
// not authorize the requested phase, empty when it does.
func (s *Server) enqueuePrecondition(task *core.Task, action core.Action) string {
	switch action.Base() {
	case core.ActionPlan:
		if task.SpecStatus != core.ApprovalApproved {
			return "plan requires an approved specification"
		}
	case core.ActionBuild:
		if task.SpecStatus != core.ApprovalApproved {
			return "build requires an approved specification"
		}
		if task.PlanStatus != core.ApprovalApproved {
			return "build requires an approved plan"
		}
	case core.ActionVerify:
		prs, err := s.store.ListTaskPRs(task.ID)
		if err != nil || len(prs) == 0 {
			return "verify requires build output"
		}
	}
	return ""
}

// handleClaimNext dispatches the oldest eligible queued run to the
// calling runner. 204 means nothing to do.
func (s *Server) handleClaimNext(w http.ResponseWriter, r *http.Request) {
	runnerID := r.Header.Get("X-Runner-ID")
	if runnerID == "" {
		writeError(w, http.StatusBadRequest, "X-Runner-ID header required")
		return
	}
	var caps []core.Capability
	if raw := r.URL.Query().Get("caps"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			c, err := core.ParseCapability(strings.TrimSpace(part))
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			caps = append(caps, c)
		}
	}

	run, err := s.store.ClaimNext(caps, runnerID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if run == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	metrics.RunsClaimedTotal.WithLabelValues(string(run.Action)).Inc()
	s.logger.Info("run claimed",
		zap.String("run_id", run.ID),
		zap.String("runner_id", runnerID),
		zap.String("action", string(run.Action)),
	)
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleGetRunOutput(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	body, err := s.artifacts.Get(r.Context(), runOutputKey(run.ID))
	if errors.Is(err, artifact.ErrNotFound) {
		writeError(w, http.StatusNotFound, "output not yet available")
		return
	}
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(body)
}

func (s *Server) handlePutRunOutput(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}
	if err := s.artifacts.Put(r.Context(), runOutputKey(run.ID), body); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func runOutputKey(runID string) string {
	return "runs/" + runID + "/output.txt"
}

func (s *Server) handlePatchProgress(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.store.UpdateProgress(r.PathValue("id"), in.Message); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePatchStatus(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Status   string `json:"status"`
		Error    string `json:"error,omitempty"`
		ExitCode *int   `json:"exit_code,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	status, err := core.ParseRunStatus(in.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	run, err := s.store.UpdateStatus(r.PathValue("id"), status, in.Error, in.ExitCode)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if status.Terminal() && run.FinishedAt != nil {
		metrics.RunsFinishedTotal.WithLabelValues(string(run.Action), string(status)).Inc()
		metrics.RunDurationSeconds.WithLabelValues(string(run.Action)).
			Observe(run.FinishedAt.Sub(run.StartedAt).Seconds())
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handlePatchPR(w http.ResponseWriter, r *http.Request) {
	var in struct {
		PRURL      string `json:"pr_url"`
		PRNumber   int    `json:"pr_number"`
		BranchName string `json:"branch_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	run, err := s.store.UpdatePR(r.PathValue("id"), in.PRURL, in.PRNumber, in.BranchName)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if _, err := s.store.CreateTaskPR(core.TaskPR{
		TaskID:      run.TaskID,
		ClaudeRunID: run.ID,
		Number:      in.PRNumber,
		URL:         in.PRURL,
		Branch:      in.BranchName,
	}); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleCancelRun flips any non-terminal run to cancelled. The
// executing runner notices on its next progress write.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if run.Status.Terminal() {
		writeError(w, http.StatusBadRequest, "run already finished")
		return
	}
	updated, err := s.store.UpdateStatus(run.ID, core.RunCancelled, "", nil)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	metrics.RunsFinishedTotal.WithLabelValues(string(run.Action), string(core.RunCancelled)).Inc()
	writeJSON(w, http.StatusOK, updated)
}
