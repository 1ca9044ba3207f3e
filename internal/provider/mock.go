package provider

import "context"

// Mock is a configurable in-memory provider for tests.
type Mock struct {
	ProviderName string
	Supports     func(string) bool
	AuthErr      error
	PushErr      error
	PR           PullRequest
	PRErr        error

	PushedBranches []string
	OpenedPRs      []PROptions
}

func (m *Mock) Name() string {
	if m.ProviderName != "" {
		return m.ProviderName
	}
	return "mock"
}

func (m *Mock) SupportsURL(repoURL string) bool {
	if m.Supports != nil {
		return m.Supports(repoURL)
	}
	return true
}

func (m *Mock) CheckAuth(ctx context.Context, repoURL string) error { return m.AuthErr }

func (m *Mock) PushBranch(ctx context.Context, workdir, branch string) error {
	if m.PushErr != nil {
		return m.PushErr
	}
	m.PushedBranches = append(m.PushedBranches, branch)
	return nil
}

func (m *Mock) OpenPullRequest(ctx context.Context, workdir string, opts PROptions) (PullRequest, error) {
	if m.PRErr != nil {
		return PullRequest{}, m.PRErr
	}
	m.OpenedPRs = append(m.OpenedPRs, opts)
	pr := m.PR
	if pr.Branch == "" {
		pr.Branch = opts.Branch
	}
	return pr, nil
}
