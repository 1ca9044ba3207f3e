package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/flowstate-sh/flowstate/internal/backend"
	"github.com/flowstate-sh/flowstate/internal/client"
	"github.com/flowstate-sh/flowstate/internal/core"
	"github.com/flowstate-sh/flowstate/internal/process"
	"github.com/flowstate-sh/flowstate/internal/prompt"
	"github.com/flowstate-sh/flowstate/internal/provider"
	"github.com/flowstate-sh/flowstate/internal/workspace"
)

// ErrCapacity marks a build claim rejected because the runner is at its
// concurrent-build limit.
var ErrCapacity = errors.New("runner at build capacity")

// errCancelled is the internal signal that the server flipped the run
// to cancelled while we were executing.
var errCancelled = errors.New("run cancelled")

// Runner polls the server, executes claimed runs, and reports results.
type Runner struct {
	cfg       Config
	client    *client.Client
	backend   backend.Backend
	providers *provider.Registry
	ws        *workspace.Manager
	tracker   *Tracker
	health    *healthServer
	logger    *zap.Logger

	caps []core.Capability
}

// New assembles a runner from its collaborators.
func New(cfg Config, cl *client.Client, be backend.Backend, providers *provider.Registry, logger *zap.Logger) *Runner {
	tracker := NewTracker()
	return &Runner{
		cfg:       cfg,
		client:    cl,
		backend:   be,
		providers: providers,
		ws:        &workspace.Manager{},
		tracker:   tracker,
		health:    newHealthServer(cfg.HealthAddr, tracker, logger.Named("health")),
		logger:    logger,
		caps:      cfg.Capability.HandledTiers(),
	}
}

// Preflight verifies the host can execute runs: git on PATH, provider
// auth, and the agent backend itself. Failure aborts the runner with a
// human-readable cause.
func (r *Runner) Preflight(ctx context.Context, repoURL string) error {
	if _, err := exec.LookPath("git"); err != nil {
		return fmt.Errorf("preflight: git not found on PATH")
	}
	if repoURL != "" {
		p, err := r.providers.For(repoURL)
		if err != nil {
			return fmt.Errorf("preflight: %w", err)
		}
		if err := p.CheckAuth(ctx, repoURL); err != nil {
			return fmt.Errorf("preflight: %w", err)
		}
	}
	if err := r.backend.Preflight(ctx); err != nil {
		return fmt.Errorf("preflight: %w", err)
	}
	if err := os.MkdirAll(r.cfg.WorkspaceRoot, 0o755); err != nil {
		return fmt.Errorf("preflight: workspace root: %w", err)
	}
	return nil
}

// Run is the steady-state loop: claim, execute, repeat. Blocks until
// ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.health.start()
	defer r.health.stop()

	r.logger.Info("runner started",
		zap.String("runner_id", r.cfg.RunnerID),
		zap.String("capability", string(r.cfg.Capability)),
		zap.Duration("poll_interval", r.cfg.PollInterval),
	)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("runner shutting down")
			return nil
		default:
		}

		run, err := r.client.ClaimNext(ctx, r.caps)
		if err != nil {
			// Transient server or storage trouble: log and keep
			// polling, the next claim retries.
			r.logger.Warn("claim failed", zap.Error(err))
			run = nil
		}
		if run == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(r.cfg.PollInterval):
			}
			continue
		}

		r.execute(ctx, run)
	}
}

// execute drives one claimed run to a terminal state.
func (r *Runner) execute(ctx context.Context, run *core.Run) {
	log := r.logger.With(
		zap.String("run_id", run.ID),
		zap.String("task_id", run.TaskID),
		zap.String("action", string(run.Action)),
	)

	if run.Action.Base() == core.ActionBuild &&
		r.tracker.ActiveBuildCount() >= r.cfg.MaxConcurrentBuilds {
		log.Warn("build rejected at capacity")
		r.finish(ctx, run, core.RunFailed, ErrCapacity.Error(), nil)
		return
	}

	r.tracker.Add(run)
	defer r.tracker.Remove(run.ID)

	if err := r.doExecute(ctx, run, log); err != nil {
		if errors.Is(err, errCancelled) {
			log.Info("run cancelled by server")
			return
		}
		if errors.Is(err, process.ErrTimeout) {
			r.finish(ctx, run, core.RunTimedOut, err.Error(), nil)
			return
		}
		log.Error("run failed", zap.Error(err))
		r.finish(ctx, run, core.RunFailed, err.Error(), nil)
	}
}

// progress writes a progress message, first checking whether the run
// was cancelled out from under us. This read-before-write is the
// cancellation detection point.
func (r *Runner) progress(ctx context.Context, run *core.Run, msg string) error {
	current, err := r.client.GetRun(ctx, run.ID)
	if err != nil {
		return err
	}
	if current.Status == core.RunCancelled {
		return errCancelled
	}
	return r.client.UpdateProgress(ctx, run.ID, msg)
}

func (r *Runner) finish(ctx context.Context, run *core.Run, status core.RunStatus, errMsg string, exitCode *int) {
	if _, err := r.client.UpdateStatus(ctx, run.ID, status, errMsg, exitCode); err != nil {
		r.logger.Error("report status failed",
			zap.String("run_id", run.ID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

func (r *Runner) doExecute(ctx context.Context, run *core.Run, log *zap.Logger) error {
	if err := r.progress(ctx, run, "preparing workspace"); err != nil {
		return err
	}

	task, err := r.client.GetTask(ctx, run.TaskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	project, err := r.client.GetProject(ctx, task.ProjectID)
	if err != nil {
		return fmt.Errorf("load project: %w", err)
	}
	repoToken := ""
	if project.RepoURL != "" {
		repoToken, err = r.client.GetRepoToken(ctx, project.ID)
		if err != nil {
			return fmt.Errorf("repo token: %w", err)
		}
	}

	workdir := filepath.Join(r.cfg.WorkspaceRoot, task.ID)
	isRepoPhase := run.Action.Base() == core.ActionBuild || run.Action.Base() == core.ActionVerify
	branch := ""
	if isRepoPhase {
		branch, err = r.prepareRepo(ctx, workdir, project, task, run, repoToken)
		if err != nil {
			return err
		}
	} else if err := os.MkdirAll(workdir, 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}

	if err := r.progress(ctx, run, "assembling prompt"); err != nil {
		return err
	}
	promptText, err := r.assemblePrompt(ctx, task, project, run.Action)
	if err != nil {
		return fmt.Errorf("assemble prompt: %w", err)
	}

	if err := r.progress(ctx, run, "running agent"); err != nil {
		return err
	}
	out, err := r.runAgent(ctx, run, workdir, promptText, repoToken)
	if len(out.Stdout) > 0 {
		if upErr := r.client.UploadOutput(ctx, run.ID, []byte(out.Stdout)); upErr != nil {
			log.Warn("upload output failed", zap.Error(upErr))
		}
	}
	if err != nil {
		return err
	}
	if !out.Success {
		msg := out.Stderr
		if msg == "" {
			msg = fmt.Sprintf("exit code %d", out.ExitCode)
		}
		r.finish(ctx, run, core.RunFailed, msg, &out.ExitCode)
		return nil
	}

	if kind := core.ArtifactForAction(run.Action); kind != "" {
		if err := r.pickupArtifact(ctx, run, task, workdir, kind); err != nil {
			return err
		}
	}

	if run.Action.Base() == core.ActionBuild {
		if err := r.publishBuild(ctx, run, task, project, workdir, branch); err != nil {
			return err
		}
	}

	r.finish(ctx, run, core.RunCompleted, "", &out.ExitCode)
	log.Info("run completed", zap.Int("exit_code", out.ExitCode))
	return nil
}

// prepareRepo brings the clone up to date and creates the run branch.
func (r *Runner) prepareRepo(ctx context.Context, workdir string, project *core.Project, task *core.Task, run *core.Run, token string) (string, error) {
	if project.RepoURL == "" {
		return "", fmt.Errorf("project %s has no repository configured", project.ID)
	}
	if err := r.ws.EnsureRepo(ctx, workdir, project.RepoURL, token, project.SkipTLSVerify); err != nil {
		return "", fmt.Errorf("ensure repo: %w", err)
	}
	if _, err := r.ws.CheckoutDefault(ctx, workdir); err != nil {
		return "", fmt.Errorf("checkout default: %w", err)
	}
	// Verify runs read the repo at the default branch; only builds get
	// a work branch.
	if run.Action.Base() != core.ActionBuild {
		return "", nil
	}
	branch := workspace.BranchName(task.Title, run.ID)
	if err := r.ws.CreateBranch(ctx, workdir, branch); err != nil {
		return "", fmt.Errorf("create branch: %w", err)
	}
	return branch, nil
}

// assemblePrompt gathers artifacts and task context from the server.
func (r *Runner) assemblePrompt(ctx context.Context, task *core.Task, project *core.Project, action core.Action) (string, error) {
	pc := prompt.Context{
		ProjectName: project.Name,
		RepoURL:     project.RepoURL,
		TaskTitle:   task.Title,
		Description: task.Description,
		Feedback:    feedbackFor(task, action),
	}

	if task.ParentID != "" {
		parent, err := r.client.GetTask(ctx, task.ParentID)
		if err == nil {
			pc.ParentTitle = parent.Title
			pc.ParentDescription = parent.Description
		}
	}

	for _, a := range []struct {
		kind core.ArtifactKind
		dst  *string
	}{
		{core.ArtifactResearch, &pc.Research},
		{core.ArtifactSpec, &pc.Specification},
		{core.ArtifactPlan, &pc.Plan},
		{core.ArtifactVerification, &pc.Verification},
	} {
		body, err := r.client.GetArtifact(ctx, task.ID, a.kind)
		if err != nil {
			return "", err
		}
		*a.dst = string(body)
	}

	children, err := r.client.ListChildTasks(ctx, task.ID)
	if err == nil {
		for _, c := range children {
			pc.Children = append(pc.Children, prompt.ChildSummary{
				Status:      string(c.Phase),
				Title:       c.Title,
				Description: c.Description,
			})
		}
	}

	return prompt.Assemble(pc, action), nil
}

func feedbackFor(task *core.Task, action core.Action) string {
	if !action.IsDistill() {
		return ""
	}
	switch action.Base() {
	case core.ActionResearch:
		return task.ResearchFeedback
	case core.ActionDesign:
		return task.SpecFeedback
	case core.ActionPlan:
		return task.PlanFeedback
	case core.ActionVerify:
		return task.VerifyFeedback
	}
	return ""
}

// runAgent drives the backend under the per-action deadline and the
// activity watchdog. A workspace with no file modifications for the
// activity window is treated as hung and killed like a timeout.
func (r *Runner) runAgent(ctx context.Context, run *core.Run, workdir, promptText, repoToken string) (process.Output, error) {
	agentCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req := backend.RunRequest{
		Prompt:    promptText,
		Workspace: workdir,
		Timeout:   r.cfg.TimeoutForAction(run.Action),
		Grace:     r.cfg.KillGrace,
	}
	if run.Action.Base() == core.ActionBuild {
		req.RepoToken = repoToken
	}

	type result struct {
		out process.Output
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := r.backend.Run(agentCtx, req)
		done <- result{out, err}
	}()

	watch := newActivityWatch(workdir, r.cfg.ActivityTimeout)
	defer watch.Stop()

	select {
	case res := <-done:
		return res.out, res.err
	case <-watch.Hung:
		cancel()
		res := <-done
		return res.out, fmt.Errorf("%w: no workspace activity for %s",
			process.ErrTimeout, r.cfg.ActivityTimeout)
	}
}

// pickupArtifact uploads the document the agent wrote, when present.
// Analytical phases without a written file fail: the agent did not do
// its job.
func (r *Runner) pickupArtifact(ctx context.Context, run *core.Run, task *core.Task, workdir string, kind core.ArtifactKind) error {
	path := filepath.Join(workdir, kind.Filename())
	body, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return fmt.Errorf("agent did not write %s", kind.Filename())
	}
	if err != nil {
		return fmt.Errorf("read artifact: %w", err)
	}
	if err := r.progress(ctx, run, "uploading artifact"); err != nil {
		return err
	}
	if err := r.client.PutArtifact(ctx, task.ID, kind, body); err != nil {
		return fmt.Errorf("upload artifact: %w", err)
	}
	return nil
}

// publishBuild commits, pushes, and opens the pull request. Failures
// leave the workspace and its commits intact for inspection.
func (r *Runner) publishBuild(ctx context.Context, run *core.Run, task *core.Task, project *core.Project, workdir, branch string) error {
	if err := r.progress(ctx, run, "publishing branch"); err != nil {
		return err
	}
	committed, err := r.ws.AddAndCommit(ctx, workdir, fmt.Sprintf("feat: %s [flowstate]", task.Title))
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	if !committed {
		// Agent made no changes. Not an error, but no PR either.
		return nil
	}

	p, err := r.providers.For(project.RepoURL)
	if err != nil {
		return err
	}
	if err := p.PushBranch(ctx, workdir, branch); err != nil {
		return fmt.Errorf("push: %w", err)
	}
	defaultBranch, _ := r.ws.DetectDefaultBranch(ctx, workdir)
	pr, err := p.OpenPullRequest(ctx, workdir, provider.PROptions{
		Branch: branch,
		Title:  task.Title,
		Body:   fmt.Sprintf("Automated build for task %s.", task.ID),
		Base:   defaultBranch,
	})
	if err != nil {
		return fmt.Errorf("open pr: %w", err)
	}
	if err := r.client.UpdatePR(ctx, run.ID, pr.URL, pr.Number, branch); err != nil {
		return fmt.Errorf("record pr: %w", err)
	}
	return nil
}
