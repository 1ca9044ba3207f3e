// Package provider models repository hosting services: authenticated
// push and pull-request creation. Selection is URL-driven; a URL no
// registered provider supports is a distinct error so callers surface
// a diagnostic instead of retrying.
package provider

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnsupportedURL means no registered provider handles the repo URL.
var ErrUnsupportedURL = errors.New("unsupported repository URL")

// PullRequest is the result of OpenPullRequest.
type PullRequest struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
	Branch string `json:"branch"`
}

// PROptions configures a new pull request.
type PROptions struct {
	Branch string
	Title  string
	Body   string
	Base   string
}

// Provider is one hosting service integration.
type Provider interface {
	Name() string
	SupportsURL(repoURL string) bool
	// CheckAuth verifies the configured credential can see the repo.
	CheckAuth(ctx context.Context, repoURL string) error
	// PushBranch pushes a local ref with upstream tracking.
	PushBranch(ctx context.Context, workdir, branch string) error
	OpenPullRequest(ctx context.Context, workdir string, opts PROptions) (PullRequest, error)
}

// Registry selects the first provider that supports a URL.
type Registry struct {
	providers []Provider
}

// NewRegistry builds a registry; order determines selection priority.
func NewRegistry(providers ...Provider) *Registry {
	return &Registry{providers: providers}
}

// For returns the provider handling repoURL.
func (r *Registry) For(repoURL string) (Provider, error) {
	for _, p := range r.providers {
		if p.SupportsURL(repoURL) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedURL, repoURL)
}
