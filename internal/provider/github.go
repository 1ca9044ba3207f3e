package provider

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// GitHub drives the gh CLI for push and pull-request operations. Push
// itself goes through git since the workspace remote already carries
// credentials.
type GitHub struct {
	// GhPath overrides the gh binary, mainly for tests.
	GhPath string
	// Token is exported as GH_TOKEN for gh invocations when set.
	Token string

	Logger *zap.Logger
}

var prURLPattern = regexp.MustCompile(`/pull/(\d+)\s*$`)

func (g *GitHub) Name() string { return "github" }

func (g *GitHub) SupportsURL(repoURL string) bool {
	return strings.Contains(repoURL, "github.com")
}

func (g *GitHub) gh(ctx context.Context, dir string, args ...string) (string, error) {
	bin := g.GhPath
	if bin == "" {
		bin = "gh"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	if g.Token != "" {
		cmd.Env = append(cmd.Environ(), "GH_TOKEN="+g.Token)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("gh %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func (g *GitHub) CheckAuth(ctx context.Context, repoURL string) error {
	if _, err := g.gh(ctx, "", "auth", "status"); err != nil {
		return fmt.Errorf("github auth: %w", err)
	}
	return nil
}

func (g *GitHub) PushBranch(ctx context.Context, workdir, branch string) error {
	cmd := exec.CommandContext(ctx, "git", "push", "-u", "origin", branch)
	cmd.Dir = workdir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("push %s: %w: %s", branch, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (g *GitHub) OpenPullRequest(ctx context.Context, workdir string, opts PROptions) (PullRequest, error) {
	args := []string{"pr", "create",
		"--head", opts.Branch,
		"--title", opts.Title,
		"--body", opts.Body,
	}
	if opts.Base != "" {
		args = append(args, "--base", opts.Base)
	}
	out, err := g.gh(ctx, workdir, args...)
	if err != nil {
		return PullRequest{}, err
	}

	// gh prints the PR URL as the last line.
	url := ""
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "https://") {
			url = line
		}
	}
	if url == "" {
		return PullRequest{}, fmt.Errorf("pr create: no URL in output: %s", strings.TrimSpace(out))
	}

	pr := PullRequest{URL: url, Branch: opts.Branch}
	if m := prURLPattern.FindStringSubmatch(url); m != nil {
		pr.Number, _ = strconv.Atoi(m[1])
	}
	if g.Logger != nil {
		g.Logger.Info("pull request opened", zap.String("url", url), zap.Int("number", pr.Number))
	}
	return pr, nil
}
