package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/flowstate-sh/flowstate/internal/process"
)

// Mock is a test backend: it writes configured files into the workspace
// and returns a configured output without spawning anything.
type Mock struct {
	// Files are written relative to the workspace before returning.
	Files map[string]string
	// Result is returned as the run output.
	Result process.Output
	// Err is returned alongside Result when set.
	Err error
	// PreflightErr makes Preflight fail.
	PreflightErr error

	// Calls records every request, newest last.
	Calls []RunRequest
}

func (m *Mock) Info() Capabilities {
	return Capabilities{Name: "mock"}
}

func (m *Mock) Preflight(ctx context.Context) error {
	return m.PreflightErr
}

func (m *Mock) Run(ctx context.Context, req RunRequest) (process.Output, error) {
	m.Calls = append(m.Calls, req)
	for name, body := range m.Files {
		path := filepath.Join(req.Workspace, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return process.Output{ExitCode: -1}, fmt.Errorf("mock mkdir: %w", err)
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			return process.Output{ExitCode: -1}, fmt.Errorf("mock write %s: %w", name, err)
		}
	}
	return m.Result, m.Err
}
