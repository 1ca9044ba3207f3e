package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/flowstate-sh/flowstate/internal/artifact"
	"github.com/flowstate-sh/flowstate/internal/core"
	"github.com/flowstate-sh/flowstate/internal/secrets"
	"github.com/flowstate-sh/flowstate/internal/store"
)

type testEnv struct {
	srv    *Server
	ts     *httptest.Server
	store  *store.SQLite
	apiKey string
}

func newTestEnv(t *testing.T, apiKey string) *testEnv {
	t.Helper()
	dir := t.TempDir()

	st, err := store.OpenSQLite(filepath.Join(dir, "flowstate.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	artifacts, err := artifact.NewLocal(filepath.Join(dir, "artifacts"))
	if err != nil {
		t.Fatalf("artifact store: %v", err)
	}
	key, err := secrets.LoadOrCreateKey(filepath.Join(dir, "secret.key"))
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	box, _ := secrets.NewBox(key)

	cfg := Default()
	cfg.DataDir = dir
	cfg.APIKey = apiKey
	srv := newWith(cfg, st, artifacts, box, zap.NewNop())

	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return &testEnv{srv: srv, ts: ts, store: st, apiKey: apiKey}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func (e *testEnv) seedTask(t *testing.T) core.Task {
	t.Helper()
	resp := e.do(t, "POST", "/api/projects", core.CreateProject{Name: "demo", RepoURL: "https://github.com/acme/demo"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d", resp.StatusCode)
	}
	project := decode[core.Project](t, resp)

	resp = e.do(t, "POST", "/api/tasks", core.CreateTask{ProjectID: project.ID, Title: "Add rate limiting"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d", resp.StatusCode)
	}
	return decode[core.Task](t, resp)
}

func TestEnqueueAndClaim(t *testing.T) {
	e := newTestEnv(t, "")
	task := e.seedTask(t)

	resp := e.do(t, "POST", "/api/claude-runs", map[string]string{
		"task_id": task.ID, "action": "design",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("enqueue: %d", resp.StatusCode)
	}
	run := decode[core.Run](t, resp)
	if run.RequiredCapability != core.CapabilityStandard {
		t.Errorf("default capability = %s, want standard", run.RequiredCapability)
	}

	req, _ := http.NewRequest("GET", e.ts.URL+"/api/claude-runs/next?caps=light,standard", nil)
	req.Header.Set("X-Runner-ID", "runner-1")
	claimResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	defer claimResp.Body.Close()
	if claimResp.StatusCode != http.StatusOK {
		t.Fatalf("claim status: %d", claimResp.StatusCode)
	}
	claimed := decode[core.Run](t, claimResp)
	if claimed.ID != run.ID || claimed.Status != core.RunRunning {
		t.Errorf("claimed %+v", claimed)
	}

	// Queue is now empty.
	req2, _ := http.NewRequest("GET", e.ts.URL+"/api/claude-runs/next?caps=light,standard", nil)
	req2.Header.Set("X-Runner-ID", "runner-1")
	empty, err := http.DefaultClient.Do(req2)
	if err != nil {
		t.Fatalf("claim empty: %v", err)
	}
	defer empty.Body.Close()
	if empty.StatusCode != http.StatusNoContent {
		t.Errorf("empty claim status = %d, want 204", empty.StatusCode)
	}
}

func TestClaimRequiresRunnerID(t *testing.T) {
	e := newTestEnv(t, "")
	resp := e.do(t, "GET", "/api/claude-runs/next", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("claim without runner id: %d, want 400", resp.StatusCode)
	}
}

func TestConcurrentClaimsOverHTTP(t *testing.T) {
	e := newTestEnv(t, "")
	task := e.seedTask(t)
	for i := 0; i < 3; i++ {
		resp := e.do(t, "POST", "/api/claude-runs", map[string]string{"task_id": task.ID, "action": "design"})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("enqueue %d: %d", i, resp.StatusCode)
		}
	}

	const claimers = 5
	statuses := make([]int, claimers)
	ids := make([]string, claimers)
	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, _ := http.NewRequest("GET", e.ts.URL+"/api/claude-runs/next?caps=standard", nil)
			req.Header.Set("X-Runner-ID", fmt.Sprintf("runner-%d", i))
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Errorf("claim %d: %v", i, err)
				return
			}
			defer resp.Body.Close()
			statuses[i] = resp.StatusCode
			if resp.StatusCode == http.StatusOK {
				var run core.Run
				_ = json.NewDecoder(resp.Body).Decode(&run)
				ids[i] = run.ID
			}
		}(i)
	}
	wg.Wait()

	won, empty := 0, 0
	seen := map[string]bool{}
	for i, code := range statuses {
		switch code {
		case http.StatusOK:
			won++
			if seen[ids[i]] {
				t.Fatalf("run %s claimed twice", ids[i])
			}
			seen[ids[i]] = true
		case http.StatusNoContent:
			empty++
		default:
			t.Fatalf("claim %d status %d", i, code)
		}
	}
	if won != 3 || empty != 2 {
		t.Errorf("won=%d empty=%d, want 3/2", won, empty)
	}
}

func TestEnqueuePreconditions(t *testing.T) {
	e := newTestEnv(t, "")
	task := e.seedTask(t)

	// build without approvals is rejected.
	resp := e.do(t, "POST", "/api/claude-runs", map[string]string{"task_id": task.ID, "action": "build"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unapproved build: %d, want 400", resp.StatusCode)
	}

	// Approve spec, plan still missing.
	e.do(t, "PUT", "/api/tasks/"+task.ID+"/spec", "# spec\n")
	e.do(t, "PATCH", "/api/tasks/"+task.ID, map[string]string{"spec_status": "approved"})
	resp = e.do(t, "POST", "/api/claude-runs", map[string]string{"task_id": task.ID, "action": "build"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("build without plan approval: %d, want 400", resp.StatusCode)
	}

	// plan run is authorized now.
	resp = e.do(t, "POST", "/api/claude-runs", map[string]string{"task_id": task.ID, "action": "plan"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("plan after spec approval: %d, want 201", resp.StatusCode)
	}

	// Approve plan, build is authorized.
	e.do(t, "PUT", "/api/tasks/"+task.ID+"/plan", "# plan\n")
	e.do(t, "PATCH", "/api/tasks/"+task.ID, map[string]string{"plan_status": "approved"})
	resp = e.do(t, "POST", "/api/claude-runs", map[string]string{"task_id": task.ID, "action": "build"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("approved build: %d, want 201", resp.StatusCode)
	}
}

func TestApprovalHashRevocation(t *testing.T) {
	e := newTestEnv(t, "")
	task := e.seedTask(t)

	e.do(t, "PUT", "/api/tasks/"+task.ID+"/spec", "A")
	e.do(t, "PATCH", "/api/tasks/"+task.ID, map[string]string{"spec_status": "approved"})

	got := decode[core.Task](t, e.do(t, "GET", "/api/tasks/"+task.ID, nil))
	if got.SpecStatus != core.ApprovalApproved || got.SpecApprovedHash == "" {
		t.Fatalf("after approve: %s %q", got.SpecStatus, got.SpecApprovedHash)
	}

	// Rewriting the artifact revokes the approval.
	resp := e.do(t, "PUT", "/api/tasks/"+task.ID+"/spec", "B")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("put spec: %d", resp.StatusCode)
	}
	got = decode[core.Task](t, e.do(t, "GET", "/api/tasks/"+task.ID, nil))
	if got.SpecStatus != core.ApprovalPending {
		t.Errorf("spec_status = %s, want pending", got.SpecStatus)
	}
	if got.SpecApprovedHash != "" {
		t.Errorf("approved hash not cleared: %q", got.SpecApprovedHash)
	}

	body, _ := io.ReadAll(e.do(t, "GET", "/api/tasks/"+task.ID+"/spec", nil).Body)
	if string(body) != "B" {
		t.Errorf("spec body = %q, want B", body)
	}
}

func TestFirstArtifactWriteSetsPending(t *testing.T) {
	e := newTestEnv(t, "")
	task := e.seedTask(t)

	if task.SpecStatus != core.ApprovalNone {
		t.Fatalf("fresh task spec_status = %s", task.SpecStatus)
	}
	e.do(t, "PUT", "/api/tasks/"+task.ID+"/spec", "# spec\n")
	got := decode[core.Task](t, e.do(t, "GET", "/api/tasks/"+task.ID, nil))
	if got.SpecStatus != core.ApprovalPending {
		t.Errorf("spec_status = %s, want pending", got.SpecStatus)
	}
}

func TestApproveEmptyArtifactRejected(t *testing.T) {
	e := newTestEnv(t, "")
	task := e.seedTask(t)
	resp := e.do(t, "PATCH", "/api/tasks/"+task.ID, map[string]string{"spec_status": "approved"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("approve with no artifact: %d, want 400", resp.StatusCode)
	}
}

func TestCancelRun(t *testing.T) {
	e := newTestEnv(t, "")
	task := e.seedTask(t)
	run := decode[core.Run](t, e.do(t, "POST", "/api/claude-runs",
		map[string]string{"task_id": task.ID, "action": "design"}))

	resp := e.do(t, "POST", "/api/claude-runs/"+run.ID+"/cancel", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel: %d", resp.StatusCode)
	}
	got := decode[core.Run](t, resp)
	if got.Status != core.RunCancelled || got.FinishedAt == nil {
		t.Errorf("cancelled run: %+v", got)
	}

	// Cancelling a finished run is rejected.
	resp = e.do(t, "POST", "/api/claude-runs/"+run.ID+"/cancel", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("double cancel: %d, want 400", resp.StatusCode)
	}
}

func TestRunOutputRoundTrip(t *testing.T) {
	e := newTestEnv(t, "")
	task := e.seedTask(t)
	run := decode[core.Run](t, e.do(t, "POST", "/api/claude-runs",
		map[string]string{"task_id": task.ID, "action": "design"}))

	resp := e.do(t, "GET", "/api/claude-runs/"+run.ID+"/output", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("output before upload: %d, want 404", resp.StatusCode)
	}

	if resp := e.do(t, "PUT", "/api/claude-runs/"+run.ID+"/output", "agent transcript"); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("put output: %d", resp.StatusCode)
	}
	resp = e.do(t, "GET", "/api/claude-runs/"+run.ID+"/output", nil)
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "agent transcript" {
		t.Errorf("output = %q", body)
	}
}

func TestWatchdogTimesOutStaleRun(t *testing.T) {
	e := newTestEnv(t, "")
	task := e.seedTask(t)
	run := decode[core.Run](t, e.do(t, "POST", "/api/claude-runs",
		map[string]string{"task_id": task.ID, "action": "design"}))

	if _, err := e.store.ClaimNext([]core.Capability{core.CapabilityStandard}, "runner-x"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	backdateRun(t, e.store, run.ID, 100*time.Minute)

	e.srv.watchdog.Sweep()

	got := decode[core.Run](t, e.do(t, "GET", "/api/claude-runs/"+run.ID, nil))
	if got.Status != core.RunTimedOut {
		t.Fatalf("status = %s, want timed_out", got.Status)
	}
	if !strings.Contains(got.Error, "watchdog") {
		t.Errorf("error = %q, want watchdog mention", got.Error)
	}
	if got.FinishedAt == nil {
		t.Error("finished_at not set")
	}

	// A later conditional timeout is a no-op.
	again, err := e.store.TimeoutIfStillRunning(run.ID, "late")
	if err != nil || again != nil {
		t.Errorf("late timeout: %+v, %v", again, err)
	}
}

func TestWatchdogLeavesFreshRunsAlone(t *testing.T) {
	e := newTestEnv(t, "")
	task := e.seedTask(t)
	run := decode[core.Run](t, e.do(t, "POST", "/api/claude-runs",
		map[string]string{"task_id": task.ID, "action": "design"}))
	if _, err := e.store.ClaimNext([]core.Capability{core.CapabilityStandard}, "runner-x"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	e.srv.watchdog.Sweep()

	got := decode[core.Run](t, e.do(t, "GET", "/api/claude-runs/"+run.ID, nil))
	if got.Status != core.RunRunning {
		t.Errorf("fresh run status = %s, want running", got.Status)
	}
}

func TestAuthRequiredWhenKeyConfigured(t *testing.T) {
	e := newTestEnv(t, "fs_testkey")

	// Without the key the API rejects.
	req, _ := http.NewRequest("GET", e.ts.URL+"/api/tasks/none", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no auth: %d, want 401", resp.StatusCode)
	}

	// Health stays open.
	health, err := http.Get(e.ts.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Errorf("health with auth enabled: %d", health.StatusCode)
	}

	// With the key, requests pass auth (and 404 on the missing task).
	resp2 := e.do(t, "GET", "/api/tasks/none", nil)
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("authed request: %d, want 404", resp2.StatusCode)
	}
}

func TestMintKeyFormat(t *testing.T) {
	key, err := MintKey()
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if !strings.HasPrefix(key, "fs_") || len(key) != 3+43 {
		t.Errorf("key format: %q (len %d)", key, len(key))
	}
	other, _ := MintKey()
	if key == other {
		t.Error("two minted keys are identical")
	}
}

func backdateRun(t *testing.T, st *store.SQLite, runID string, age time.Duration) {
	t.Helper()
	if err := st.BackdateStartedAt(runID, time.Now().Add(-age)); err != nil {
		t.Fatalf("backdate: %v", err)
	}
}
