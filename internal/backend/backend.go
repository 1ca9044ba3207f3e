// Package backend adapts coding agents behind one interface: given a
// prompt and a workspace, produce a completed subprocess run. Variants
// are flat structs; there is no hierarchy beyond the interface.
package backend

import (
	"context"
	"time"

	"github.com/flowstate-sh/flowstate/internal/process"
)

// Capabilities describes a backend variant.
type Capabilities struct {
	Name        string
	ModelHint   string
	SupportsMCP bool
}

// RunRequest is one agent invocation.
type RunRequest struct {
	Prompt    string
	Workspace string
	Timeout   time.Duration
	Grace     time.Duration
	// RepoToken is passed to build runs so tools the agent spawns can
	// push. Empty for analytical phases.
	RepoToken string
	// MCPEnv is extra environment for agents that speak MCP.
	MCPEnv map[string]string
}

// Backend turns a prompt into a finished run.
type Backend interface {
	Info() Capabilities
	// Preflight verifies the backend can run at all. Called once at
	// runner start; failure aborts the runner.
	Preflight(ctx context.Context) error
	Run(ctx context.Context, req RunRequest) (process.Output, error)
}
