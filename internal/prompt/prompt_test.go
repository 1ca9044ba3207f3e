package prompt

import (
	"strings"
	"testing"

	"github.com/flowstate-sh/flowstate/internal/core"
)

func TestAssembleDeterministic(t *testing.T) {
	ctx := Context{
		ProjectName:   "demo",
		RepoURL:       "https://github.com/acme/demo",
		TaskTitle:     "Add rate limiting",
		Description:   "Requests must be throttled per key.",
		Specification: "# spec",
		Plan:          "# plan",
		Children: []ChildSummary{
			{Status: "todo", Title: "limiter", Description: "token bucket"},
		},
	}
	a := Assemble(ctx, core.ActionBuild)
	b := Assemble(ctx, core.ActionBuild)
	if a != b {
		t.Fatal("equal contexts produced different prompts")
	}
}

func TestAssembleSectionOrder(t *testing.T) {
	ctx := Context{
		ProjectName:   "demo",
		RepoURL:       "https://github.com/acme/demo",
		TaskTitle:     "Add rate limiting",
		Description:   "desc",
		Research:      "findings",
		Specification: "spec body",
		Plan:          "plan body",
		Verification:  "verify body",
		Children:      []ChildSummary{{Status: "done", Title: "a", Description: "b"}},
	}
	out := Assemble(ctx, core.ActionBuild)

	order := []string{
		"# Project: demo",
		"Repository: https://github.com/acme/demo",
		"# Task: Add rate limiting",
		"## Description",
		"## Research",
		"## Specification",
		"## Implementation Plan",
		"## Verification",
		"## Sub-tasks",
		"## Instructions",
	}
	last := -1
	for _, marker := range order {
		idx := strings.Index(out, marker)
		if idx < 0 {
			t.Fatalf("missing section %q", marker)
		}
		if idx < last {
			t.Errorf("section %q out of order", marker)
		}
		last = idx
	}
}

func TestAssembleOmitsEmptySections(t *testing.T) {
	out := Assemble(Context{ProjectName: "demo", TaskTitle: "t"}, core.ActionDesign)
	for _, absent := range []string{"Repository:", "## Research", "## Implementation Plan", "## Sub-tasks", "## Parent Task"} {
		if strings.Contains(out, absent) {
			t.Errorf("empty section %q rendered", absent)
		}
	}
}

func TestInstructionsNameArtifactFiles(t *testing.T) {
	cases := map[core.Action]string{
		core.ActionResearch: "RESEARCH.md",
		core.ActionDesign:   "SPECIFICATION.md",
		core.ActionPlan:     "PLAN.md",
		core.ActionVerify:   "VERIFICATION.md",
	}
	for action, file := range cases {
		out := Assemble(Context{ProjectName: "p", TaskTitle: "t"}, action)
		if !strings.Contains(out, file) {
			t.Errorf("%s instructions do not name %s", action, file)
		}
	}
}

func TestDistillIncludesFeedback(t *testing.T) {
	ctx := Context{ProjectName: "p", TaskTitle: "t", Feedback: "tighten the error handling section"}
	out := Assemble(ctx, core.ActionDesignDistill)
	if !strings.Contains(out, "## Reviewer Feedback") ||
		!strings.Contains(out, "tighten the error handling section") {
		t.Error("distill prompt missing reviewer feedback")
	}

	// Plain design runs never include feedback.
	if strings.Contains(Assemble(ctx, core.ActionDesign), "Reviewer Feedback") {
		t.Error("non-distill prompt rendered feedback")
	}
}
