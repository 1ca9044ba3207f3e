// Package prompt builds the text handed to an agent backend. Assembly
// is a pure function of its inputs: equal contexts produce byte-equal
// prompts, and nothing here touches the filesystem or network.
package prompt

import (
	"fmt"
	"strings"

	"github.com/flowstate-sh/flowstate/internal/core"
)

// Context carries everything the assembler may include. Empty fields
// are omitted from the output.
type Context struct {
	ProjectName string
	RepoURL     string
	TaskTitle   string
	Description string

	// ParentTitle/ParentDescription give subtask context, at most one
	// hop up.
	ParentTitle       string
	ParentDescription string

	// Prior-phase artifacts, included when present.
	Research      string
	Specification string
	Plan          string
	Verification  string

	// Children are one-line summaries of subtasks.
	Children []ChildSummary

	// Feedback is reviewer input for distill runs.
	Feedback string
}

// ChildSummary is one subtask line in the preamble.
type ChildSummary struct {
	Status      string
	Title       string
	Description string
}

// Assemble renders the prompt for one run: a preamble of the present
// context sections in a fixed order, then the action's instructions.
func Assemble(ctx Context, action core.Action) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Project: %s\n\n", ctx.ProjectName)
	if ctx.RepoURL != "" {
		fmt.Fprintf(&b, "Repository: %s\n\n", ctx.RepoURL)
	}
	fmt.Fprintf(&b, "# Task: %s\n\n", ctx.TaskTitle)
	if ctx.Description != "" {
		fmt.Fprintf(&b, "## Description\n\n%s\n\n", ctx.Description)
	}
	if ctx.ParentTitle != "" {
		fmt.Fprintf(&b, "## Parent Task: %s\n\n", ctx.ParentTitle)
		if ctx.ParentDescription != "" {
			fmt.Fprintf(&b, "%s\n\n", ctx.ParentDescription)
		}
	}
	writeSection(&b, "Research", ctx.Research)
	writeSection(&b, "Specification", ctx.Specification)
	writeSection(&b, "Implementation Plan", ctx.Plan)
	writeSection(&b, "Verification", ctx.Verification)
	if len(ctx.Children) > 0 {
		b.WriteString("## Sub-tasks\n\n")
		for _, c := range ctx.Children {
			fmt.Fprintf(&b, "- [%s] %s: %s\n", c.Status, c.Title, c.Description)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Instructions\n\n")
	b.WriteString(instructions(action))
	if action.IsDistill() && ctx.Feedback != "" {
		fmt.Fprintf(&b, "\n## Reviewer Feedback\n\n%s\n\nRevise the document to address every point of feedback above.\n", ctx.Feedback)
	}

	return b.String()
}

func writeSection(b *strings.Builder, title, body string) {
	if body == "" {
		return
	}
	fmt.Fprintf(b, "## %s\n\n%s\n\n", title, body)
}

func instructions(action core.Action) string {
	switch action.Base() {
	case core.ActionResearch:
		return "Investigate the codebase and any relevant external resources for this task. " +
			"Summarize the current behavior, the constraints, and the options considered.\n\n" +
			"Write your findings to a file named RESEARCH.md in the current directory.\n"
	case core.ActionDesign:
		return "Produce a detailed technical specification for this task. Include:\n" +
			"- Problem statement and goals\n" +
			"- Proposed solution architecture\n" +
			"- API changes or new interfaces\n" +
			"- Data model changes\n" +
			"- Edge cases and error handling\n" +
			"- Testing strategy\n\n" +
			"Write the specification to a file named SPECIFICATION.md in the current directory.\n"
	case core.ActionPlan:
		return "Based on the specification above, produce a detailed implementation plan. Include:\n" +
			"- Step-by-step implementation order\n" +
			"- Files to create or modify\n" +
			"- Key code changes for each step\n" +
			"- Dependencies between steps\n" +
			"- Verification steps (tests to run, manual checks)\n\n" +
			"Write the plan to a file named PLAN.md in the current directory.\n"
	case core.ActionBuild:
		return "Implement the changes described in the specification and plan above. " +
			"Follow the implementation plan step by step. Write clean, well-tested code. " +
			"Ensure all existing tests continue to pass.\n"
	case core.ActionVerify:
		return "Verify the implementation against the specification and plan above. " +
			"Run the test suite, exercise the changed behavior, and note any deviations.\n\n" +
			"Write your verification report to a file named VERIFICATION.md in the current directory.\n"
	}
	return ""
}
