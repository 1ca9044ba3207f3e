// Package client is the runner's typed HTTP client for the server API.
// Every call carries the bearer key and the runner identity.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/flowstate-sh/flowstate/internal/core"
)

// Client talks to one flowstate server.
type Client struct {
	baseURL  string
	apiKey   string
	runnerID string
	http     *http.Client
}

// New builds a client. runnerID is sent as X-Runner-ID on claims.
func New(baseURL, apiKey, runnerID string) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		runnerID: runnerID,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		switch b := body.(type) {
		case []byte:
			reader = bytes.NewReader(b)
		case string:
			reader = strings.NewReader(b)
		default:
			data, err := json.Marshal(body)
			if err != nil {
				return 0, fmt.Errorf("marshal request: %w", err)
			}
			reader = bytes.NewReader(data)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("new request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("X-Runner-ID", c.runnerID)
	if _, ok := body.([]byte); body != nil && !ok {
		if _, isString := body.(string); !isString {
			req.Header.Set("Content-Type", "application/json")
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return resp.StatusCode, fmt.Errorf("%s %s: %s (status %d)", method, path, apiErr.Error, resp.StatusCode)
		}
		return resp.StatusCode, fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if raw, ok := out.(*[]byte); ok {
			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return resp.StatusCode, fmt.Errorf("read response: %w", err)
			}
			*raw = data
			return resp.StatusCode, nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// ClaimNext asks for the next eligible run. nil, nil means the queue is
// empty for this capability set.
func (c *Client) ClaimNext(ctx context.Context, caps []core.Capability) (*core.Run, error) {
	parts := make([]string, len(caps))
	for i, cp := range caps {
		parts[i] = string(cp)
	}
	var run core.Run
	status, err := c.do(ctx, "GET", "/api/claude-runs/next?caps="+strings.Join(parts, ","), nil, &run)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return &run, nil
}

// GetRun fetches the current run record.
func (c *Client) GetRun(ctx context.Context, id string) (*core.Run, error) {
	var run core.Run
	if _, err := c.do(ctx, "GET", "/api/claude-runs/"+id, nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// UpdateProgress writes the progress message.
func (c *Client) UpdateProgress(ctx context.Context, id, message string) error {
	_, err := c.do(ctx, "PATCH", "/api/claude-runs/"+id+"/progress",
		map[string]string{"message": message}, nil)
	return err
}

// UpdateStatus transitions the run.
func (c *Client) UpdateStatus(ctx context.Context, id string, status core.RunStatus, errMsg string, exitCode *int) (*core.Run, error) {
	body := map[string]any{"status": string(status)}
	if errMsg != "" {
		body["error"] = errMsg
	}
	if exitCode != nil {
		body["exit_code"] = *exitCode
	}
	var run core.Run
	if _, err := c.do(ctx, "PATCH", "/api/claude-runs/"+id+"/status", body, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// UpdatePR records the pull request opened for a build run.
func (c *Client) UpdatePR(ctx context.Context, id, url string, number int, branch string) error {
	_, err := c.do(ctx, "PATCH", "/api/claude-runs/"+id+"/pr", map[string]any{
		"pr_url": url, "pr_number": number, "branch_name": branch,
	}, nil)
	return err
}

// UploadOutput stores the raw agent transcript on the server.
func (c *Client) UploadOutput(ctx context.Context, id string, output []byte) error {
	_, err := c.do(ctx, "PUT", "/api/claude-runs/"+id+"/output", output, nil)
	return err
}

// GetTask fetches a task record.
func (c *Client) GetTask(ctx context.Context, id string) (*core.Task, error) {
	var task core.Task
	if _, err := c.do(ctx, "GET", "/api/tasks/"+id, nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// ListChildTasks fetches the direct subtasks of a task.
func (c *Client) ListChildTasks(ctx context.Context, id string) ([]core.Task, error) {
	var tasks []core.Task
	if _, err := c.do(ctx, "GET", "/api/tasks/"+id+"/children", nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// GetProject fetches a project record.
func (c *Client) GetProject(ctx context.Context, id string) (*core.Project, error) {
	var project core.Project
	if _, err := c.do(ctx, "GET", "/api/projects/"+id, nil, &project); err != nil {
		return nil, err
	}
	return &project, nil
}

// GetRepoToken fetches the decrypted repository credential for a
// project. Empty means the project has no token configured.
func (c *Client) GetRepoToken(ctx context.Context, projectID string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	if _, err := c.do(ctx, "GET", "/api/projects/"+projectID+"/repo-token", nil, &out); err != nil {
		return "", err
	}
	return out.Token, nil
}

// GetArtifact fetches an artifact body; missing artifacts come back
// nil, nil so prompt assembly can skip them.
func (c *Client) GetArtifact(ctx context.Context, taskID string, kind core.ArtifactKind) ([]byte, error) {
	var body []byte
	status, err := c.do(ctx, "GET", "/api/tasks/"+taskID+"/"+artifactSegment(kind), nil, &body)
	if status == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return body, nil
}

// PutArtifact uploads an artifact body.
func (c *Client) PutArtifact(ctx context.Context, taskID string, kind core.ArtifactKind, body []byte) error {
	_, err := c.do(ctx, "PUT", "/api/tasks/"+taskID+"/"+artifactSegment(kind), body, nil)
	return err
}

func artifactSegment(kind core.ArtifactKind) string {
	switch kind {
	case core.ArtifactSpec:
		return "spec"
	case core.ArtifactPlan:
		return "plan"
	case core.ArtifactResearch:
		return "research"
	case core.ArtifactVerification:
		return "verification"
	}
	return string(kind)
}
