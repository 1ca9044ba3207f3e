package backend

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/flowstate-sh/flowstate/internal/process"
)

// outputDir is created inside the workspace to hold the raw agent
// transcript for later inspection.
const outputDir = ".flowstate-output"

// ClaudeCLI drives the claude command-line tool in print mode.
type ClaudeCLI struct {
	// Binary defaults to "claude".
	Binary string
	// Model, BaseURL, AuthToken override the CLI's defaults via env.
	Model     string
	BaseURL   string
	AuthToken string

	Logger *zap.Logger
}

func (c *ClaudeCLI) binary() string {
	if c.Binary != "" {
		return c.Binary
	}
	return "claude"
}

func (c *ClaudeCLI) Info() Capabilities {
	return Capabilities{Name: "claude-cli", ModelHint: c.Model, SupportsMCP: true}
}

// Preflight checks the binary is on PATH and answers --version.
func (c *ClaudeCLI) Preflight(ctx context.Context) error {
	path, err := exec.LookPath(c.binary())
	if err != nil {
		return fmt.Errorf("agent binary %q not found on PATH", c.binary())
	}
	cmd := exec.CommandContext(ctx, path, "--version")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("agent preflight (%s --version): %w: %s", path, err, out)
	}
	return nil
}

func (c *ClaudeCLI) Run(ctx context.Context, req RunRequest) (process.Output, error) {
	args := []string{"-p", req.Prompt, "--output-format", "text"}
	if c.Model != "" {
		args = append(args, "--model", c.Model)
	}

	env := os.Environ()
	if c.BaseURL != "" {
		env = append(env, "ANTHROPIC_BASE_URL="+c.BaseURL)
	}
	if c.AuthToken != "" {
		env = append(env, "ANTHROPIC_AUTH_TOKEN="+c.AuthToken)
	}
	if req.RepoToken != "" {
		env = append(env, "FLOWSTATE_REPO_TOKEN="+req.RepoToken)
	}
	for k, v := range req.MCPEnv {
		env = append(env, k+"="+v)
	}

	if c.Logger != nil {
		c.Logger.Info("invoking agent",
			zap.String("workspace", req.Workspace),
			zap.Duration("timeout", req.Timeout),
		)
	}

	out, err := process.Run(ctx, c.binary(), args, req.Workspace, env, req.Timeout, req.Grace)

	// Save the transcript regardless of outcome.
	dir := filepath.Join(req.Workspace, outputDir)
	if mkErr := os.MkdirAll(dir, 0o755); mkErr == nil {
		_ = os.WriteFile(filepath.Join(dir, "output.txt"), []byte(out.Stdout), 0o644)
	}

	return out, err
}
