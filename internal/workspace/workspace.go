// Package workspace manages per-task git clones. Every operation is
// idempotent where the pipeline can retry it; a failure leaves no
// partially-prepared state that later steps would trust.
package workspace

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Manager runs git against a workspace directory.
type Manager struct {
	// GitPath overrides the git binary, mainly for tests.
	GitPath string
}

func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	bin := m.GitPath
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// AuthURL injects a token into an https remote URL as the
// x-access-token credential. Non-https URLs pass through unchanged.
func AuthURL(repoURL, token string) string {
	if token == "" || !strings.HasPrefix(repoURL, "https://") {
		return repoURL
	}
	u, err := url.Parse(repoURL)
	if err != nil {
		return repoURL
	}
	u.User = url.UserPassword("x-access-token", token)
	return u.String()
}

// EnsureRepo makes dir a checkout of repoURL: fetch when the clone
// already exists, clone fresh otherwise. Safe to call repeatedly.
func (m *Manager) EnsureRepo(ctx context.Context, dir, repoURL, token string, skipTLSVerify bool) error {
	remote := AuthURL(repoURL, token)

	extra := []string{}
	if skipTLSVerify {
		extra = append(extra, "-c", "http.sslVerify=false")
	}

	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		args := append(append([]string{}, extra...), "fetch", "origin", "--prune")
		if _, err := m.git(ctx, dir, args...); err != nil {
			return fmt.Errorf("fetch: %w", err)
		}
		// Keep the remote fresh in case the token rotated.
		if _, err := m.git(ctx, dir, "remote", "set-url", "origin", remote); err != nil {
			return fmt.Errorf("set remote: %w", err)
		}
		return nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	args := append(append([]string{}, extra...), "clone", remote, ".")
	if _, err := m.git(ctx, dir, args...); err != nil {
		return fmt.Errorf("clone: %w", err)
	}
	return nil
}

// DetectDefaultBranch consults origin/HEAD, then falls back to main and
// master.
func (m *Manager) DetectDefaultBranch(ctx context.Context, dir string) (string, error) {
	out, err := m.git(ctx, dir, "symbolic-ref", "refs/remotes/origin/HEAD")
	if err == nil {
		ref := strings.TrimSpace(out)
		if name := strings.TrimPrefix(ref, "refs/remotes/origin/"); name != ref {
			return name, nil
		}
	}
	for _, candidate := range []string{"main", "master"} {
		if _, err := m.git(ctx, dir, "rev-parse", "--verify", "refs/remotes/origin/"+candidate); err == nil {
			return candidate, nil
		}
		// Fresh local-only repos have no remote refs yet.
		if _, err := m.git(ctx, dir, "rev-parse", "--verify", "refs/heads/"+candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no default branch found in %s", dir)
}

// CheckoutDefault checks out the default branch and fast-forwards it to
// the fetched remote head when one exists.
func (m *Manager) CheckoutDefault(ctx context.Context, dir string) (string, error) {
	branch, err := m.DetectDefaultBranch(ctx, dir)
	if err != nil {
		return "", err
	}
	if _, err := m.git(ctx, dir, "checkout", branch); err != nil {
		return "", fmt.Errorf("checkout %s: %w", branch, err)
	}
	if _, err := m.git(ctx, dir, "rev-parse", "--verify", "refs/remotes/origin/"+branch); err == nil {
		if _, err := m.git(ctx, dir, "reset", "--hard", "origin/"+branch); err != nil {
			return "", fmt.Errorf("reset to origin/%s: %w", branch, err)
		}
	}
	return branch, nil
}

// CreateBranch recreates name from the current head. An existing branch
// of the same name is deleted first so it is always based on the latest
// fetched state.
func (m *Manager) CreateBranch(ctx context.Context, dir, name string) error {
	if _, err := m.git(ctx, dir, "rev-parse", "--verify", "refs/heads/"+name); err == nil {
		if _, err := m.git(ctx, dir, "branch", "-D", name); err != nil {
			return fmt.Errorf("delete stale branch %s: %w", name, err)
		}
	}
	if _, err := m.git(ctx, dir, "checkout", "-b", name); err != nil {
		return fmt.Errorf("create branch %s: %w", name, err)
	}
	return nil
}

// AddAndCommit stages everything and commits. An empty working tree is
// a no-op; the bool reports whether a commit was made.
func (m *Manager) AddAndCommit(ctx context.Context, dir, message string) (bool, error) {
	if _, err := m.git(ctx, dir, "add", "-A"); err != nil {
		return false, fmt.Errorf("stage: %w", err)
	}
	out, err := m.git(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("status: %w", err)
	}
	if strings.TrimSpace(out) == "" {
		return false, nil
	}
	if _, err := m.git(ctx, dir, "commit", "-m", message); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// BranchName builds the run branch: flowstate/<kebab-title>-<short id>.
// The title part is truncated to 40 characters.
func BranchName(title, runID string) string {
	slug := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, title)
	for strings.Contains(slug, "--") {
		slug = strings.ReplaceAll(slug, "--", "-")
	}
	slug = strings.Trim(slug, "-")
	if len(slug) > 40 {
		slug = strings.Trim(slug[:40], "-")
	}
	short := runID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("flowstate/%s-%s", slug, short)
}
