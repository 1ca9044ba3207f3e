package provider

import (
	"errors"
	"strings"
	"testing"
)

func TestRegistrySelectsFirstMatch(t *testing.T) {
	gh := &Mock{ProviderName: "github", Supports: func(u string) bool {
		return strings.Contains(u, "github.com")
	}}
	fallback := &Mock{ProviderName: "fallback"}
	r := NewRegistry(gh, fallback)

	p, err := r.For("https://github.com/acme/demo")
	if err != nil {
		t.Fatalf("for: %v", err)
	}
	if p.Name() != "github" {
		t.Errorf("selected %s, want github", p.Name())
	}

	p, err = r.For("https://gitlab.example.com/acme/demo")
	if err != nil {
		t.Fatalf("for: %v", err)
	}
	if p.Name() != "fallback" {
		t.Errorf("selected %s, want fallback", p.Name())
	}
}

func TestRegistryUnsupportedURL(t *testing.T) {
	r := NewRegistry(&Mock{Supports: func(string) bool { return false }})
	_, err := r.For("https://nowhere.example.com/repo")
	if !errors.Is(err, ErrUnsupportedURL) {
		t.Fatalf("err = %v, want ErrUnsupportedURL", err)
	}
}

func TestGitHubSupportsURL(t *testing.T) {
	g := &GitHub{}
	if !g.SupportsURL("https://github.com/acme/demo.git") {
		t.Error("github.com URL not matched")
	}
	if g.SupportsURL("https://gitlab.com/acme/demo.git") {
		t.Error("gitlab URL matched")
	}
}

func TestPRNumberParsing(t *testing.T) {
	m := prURLPattern.FindStringSubmatch("https://github.com/acme/demo/pull/42")
	if m == nil || m[1] != "42" {
		t.Fatalf("pattern match = %v", m)
	}
	if prURLPattern.FindStringSubmatch("https://github.com/acme/demo/issues/42") != nil {
		t.Error("issue URL should not match")
	}
}
