package store

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/flowstate-sh/flowstate/internal/core"
)

func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "flowstate.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedTask(t *testing.T, s *SQLite) *core.Task {
	t.Helper()
	p, err := s.CreateProject(core.CreateProject{Name: "demo", RepoURL: "https://github.com/acme/demo"}, nil)
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	task, err := s.CreateTask(core.CreateTask{ProjectID: p.ID, Title: "Add rate limiting"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestCreateAndGetRun(t *testing.T) {
	s := newTestStore(t)
	task := seedTask(t, s)

	run, err := s.CreateRun(core.CreateRun{TaskID: task.ID, Action: core.ActionDesign}, core.CapabilityStandard)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if run.Status != core.RunQueued {
		t.Errorf("status = %s, want queued", run.Status)
	}

	got, err := s.GetRun(run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.TaskID != task.ID || got.Action != core.ActionDesign {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.FinishedAt != nil {
		t.Error("queued run should have no finished_at")
	}

	if _, err := s.GetRun("missing"); err != ErrNotFound {
		t.Errorf("get missing run: err = %v, want ErrNotFound", err)
	}
}

func TestClaimNextCapabilityFilter(t *testing.T) {
	s := newTestStore(t)
	task := seedTask(t, s)

	research, _ := s.CreateRun(core.CreateRun{TaskID: task.ID, Action: core.ActionResearch}, core.CapabilityLight)
	build, _ := s.CreateRun(core.CreateRun{TaskID: task.ID, Action: core.ActionBuild}, core.CapabilityHeavy)

	// A light-only runner may claim research but not build.
	got, err := s.ClaimNext([]core.Capability{core.CapabilityLight}, "runner-a")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got == nil || got.ID != research.ID {
		t.Fatalf("light runner claimed %+v, want research run", got)
	}
	if got.Status != core.RunRunning || got.RunnerID != "runner-a" {
		t.Errorf("claimed run: status=%s runner=%s", got.Status, got.RunnerID)
	}

	got, err = s.ClaimNext([]core.Capability{core.CapabilityLight}, "runner-a")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got != nil {
		t.Fatalf("light runner should not see the build run, got %+v", got)
	}

	// A heavy runner's closure covers the build.
	got, err = s.ClaimNext(core.CapabilityHeavy.HandledTiers(), "runner-b")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got == nil || got.ID != build.ID {
		t.Fatalf("heavy runner claimed %+v, want build run", got)
	}
}

func TestClaimNextUnsetCapabilityMatchesAnyone(t *testing.T) {
	s := newTestStore(t)
	task := seedTask(t, s)

	run, _ := s.CreateRun(core.CreateRun{TaskID: task.ID, Action: core.ActionDesign}, "")
	got, err := s.ClaimNext([]core.Capability{core.CapabilityLight}, "runner-a")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got == nil || got.ID != run.ID {
		t.Fatalf("unset capability should match any runner, got %+v", got)
	}
}

func TestClaimNextOldestFirst(t *testing.T) {
	s := newTestStore(t)
	task := seedTask(t, s)

	first, _ := s.CreateRun(core.CreateRun{TaskID: task.ID, Action: core.ActionDesign}, core.CapabilityStandard)
	time.Sleep(2 * time.Millisecond)
	_, _ = s.CreateRun(core.CreateRun{TaskID: task.ID, Action: core.ActionDesign}, core.CapabilityStandard)

	got, err := s.ClaimNext([]core.Capability{core.CapabilityStandard}, "runner-a")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got == nil || got.ID != first.ID {
		t.Fatalf("claim order: got %v, want oldest run %s", got, first.ID)
	}
}

func TestConcurrentClaimsAreDisjoint(t *testing.T) {
	s := newTestStore(t)
	task := seedTask(t, s)

	for i := 0; i < 3; i++ {
		if _, err := s.CreateRun(core.CreateRun{TaskID: task.ID, Action: core.ActionDesign}, core.CapabilityStandard); err != nil {
			t.Fatalf("create run: %v", err)
		}
	}

	const claimers = 5
	results := make([]*core.Run, claimers)
	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := s.ClaimNext([]core.Capability{core.CapabilityStandard}, "runner")
			if err != nil {
				t.Errorf("claim %d: %v", i, err)
				return
			}
			results[i] = r
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	claimed := 0
	for _, r := range results {
		if r == nil {
			continue
		}
		claimed++
		if seen[r.ID] {
			t.Fatalf("run %s claimed twice", r.ID)
		}
		seen[r.ID] = true
	}
	if claimed != 3 {
		t.Errorf("claimed %d runs, want exactly 3", claimed)
	}
}

func TestUpdateStatusTerminalSetsFinishedOnce(t *testing.T) {
	s := newTestStore(t)
	task := seedTask(t, s)
	run, _ := s.CreateRun(core.CreateRun{TaskID: task.ID, Action: core.ActionDesign}, core.CapabilityStandard)

	exit := 0
	done, err := s.UpdateStatus(run.ID, core.RunCompleted, "", &exit)
	if err != nil {
		t.Fatalf("update status: %v", err)
	}
	if done.FinishedAt == nil {
		t.Fatal("terminal run missing finished_at")
	}
	first := *done.FinishedAt

	time.Sleep(2 * time.Millisecond)
	again, err := s.UpdateStatus(run.ID, core.RunCompleted, "", &exit)
	if err != nil {
		t.Fatalf("update status again: %v", err)
	}
	if !again.FinishedAt.Equal(first) {
		t.Errorf("finished_at changed on repeat terminal write: %v -> %v", first, again.FinishedAt)
	}
}

func TestTimeoutIfStillRunning(t *testing.T) {
	s := newTestStore(t)
	task := seedTask(t, s)
	run, _ := s.CreateRun(core.CreateRun{TaskID: task.ID, Action: core.ActionBuild}, core.CapabilityHeavy)

	if _, err := s.ClaimNext([]core.Capability{core.CapabilityHeavy}, "runner-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	timed, err := s.TimeoutIfStillRunning(run.ID, "server watchdog: no runner activity for >90min")
	if err != nil {
		t.Fatalf("timeout: %v", err)
	}
	if timed == nil || timed.Status != core.RunTimedOut {
		t.Fatalf("timeout result: %+v", timed)
	}
	if timed.FinishedAt == nil {
		t.Error("timed out run missing finished_at")
	}

	// Second attempt is a no-op: the run is already terminal.
	again, err := s.TimeoutIfStillRunning(run.ID, "again")
	if err != nil {
		t.Fatalf("second timeout: %v", err)
	}
	if again != nil {
		t.Errorf("timeout of finished run should return nil, got %+v", again)
	}
}

func TestTimeoutDoesNotTouchCompletedRun(t *testing.T) {
	s := newTestStore(t)
	task := seedTask(t, s)
	run, _ := s.CreateRun(core.CreateRun{TaskID: task.ID, Action: core.ActionDesign}, core.CapabilityStandard)
	_, _ = s.ClaimNext([]core.Capability{core.CapabilityStandard}, "runner-a")
	exit := 0
	if _, err := s.UpdateStatus(run.ID, core.RunCompleted, "", &exit); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, err := s.TimeoutIfStillRunning(run.ID, "watchdog")
	if err != nil {
		t.Fatalf("timeout: %v", err)
	}
	if got != nil {
		t.Fatalf("completed run must not be timed out, got %+v", got)
	}
	final, _ := s.GetRun(run.ID)
	if final.Status != core.RunCompleted {
		t.Errorf("status = %s, want completed", final.Status)
	}
}

func TestFindStale(t *testing.T) {
	s := newTestStore(t)
	task := seedTask(t, s)
	run, _ := s.CreateRun(core.CreateRun{TaskID: task.ID, Action: core.ActionBuild}, core.CapabilityHeavy)
	_, _ = s.ClaimNext([]core.Capability{core.CapabilityHeavy}, "runner-a")

	// Simulate a stuck runner.
	if err := s.BackdateStartedAt(run.ID, time.Now().Add(-100*time.Minute)); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	stale, err := s.FindStale(core.RunRunning, time.Now().Add(-90*time.Minute))
	if err != nil {
		t.Fatalf("find stale: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != run.ID {
		t.Fatalf("stale runs = %+v, want the backdated run", stale)
	}

	fresh, err := s.FindStale(core.RunRunning, time.Now().Add(-200*time.Minute))
	if err != nil {
		t.Fatalf("find stale: %v", err)
	}
	if len(fresh) != 0 {
		t.Errorf("nothing should be older than 200min, got %d", len(fresh))
	}
}

func TestApprovalSetAndRevoke(t *testing.T) {
	s := newTestStore(t)
	task := seedTask(t, s)

	if err := s.SetApproval(task.ID, core.ArtifactSpec, core.ApprovalApproved, "abc123"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	got, _ := s.GetTask(task.ID)
	if got.SpecStatus != core.ApprovalApproved || got.SpecApprovedHash != "abc123" {
		t.Fatalf("after approve: status=%s hash=%q", got.SpecStatus, got.SpecApprovedHash)
	}

	if err := s.SetApproval(task.ID, core.ArtifactSpec, core.ApprovalPending, ""); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	got, _ = s.GetTask(task.ID)
	if got.SpecStatus != core.ApprovalPending || got.SpecApprovedHash != "" {
		t.Fatalf("after revoke: status=%s hash=%q", got.SpecStatus, got.SpecApprovedHash)
	}

	if err := s.SetApproval("missing", core.ArtifactSpec, core.ApprovalPending, ""); err != ErrNotFound {
		t.Errorf("approval on missing task: err = %v, want ErrNotFound", err)
	}
}

func TestUpdatePRAndTaskPRs(t *testing.T) {
	s := newTestStore(t)
	task := seedTask(t, s)
	run, _ := s.CreateRun(core.CreateRun{TaskID: task.ID, Action: core.ActionBuild}, core.CapabilityHeavy)

	updated, err := s.UpdatePR(run.ID, "https://github.com/acme/demo/pull/7", 7, "flowstate/add-rate-limiting-deadbeef")
	if err != nil {
		t.Fatalf("update pr: %v", err)
	}
	if updated.PRNumber == nil || *updated.PRNumber != 7 {
		t.Errorf("pr_number = %v, want 7", updated.PRNumber)
	}

	if _, err := s.CreateTaskPR(core.TaskPR{
		TaskID: task.ID, ClaudeRunID: run.ID, Number: 7,
		URL: updated.PRURL, Branch: updated.BranchName,
	}); err != nil {
		t.Fatalf("create task pr: %v", err)
	}
	prs, err := s.ListTaskPRs(task.ID)
	if err != nil {
		t.Fatalf("list task prs: %v", err)
	}
	if len(prs) != 1 || prs[0].Number != 7 {
		t.Fatalf("task prs = %+v", prs)
	}
}

func TestAPIKeys(t *testing.T) {
	s := newTestStore(t)

	has, err := s.HasAPIKeys()
	if err != nil || has {
		t.Fatalf("fresh store HasAPIKeys = %v, %v", has, err)
	}

	k, err := s.CreateAPIKey("ci", "deadbeef")
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	found, err := s.FindKeyByHash("deadbeef")
	if err != nil || found.ID != k.ID {
		t.Fatalf("find key: %+v, %v", found, err)
	}
	if found.LastUsed != nil {
		t.Error("unused key should have nil last_used")
	}

	if err := s.TouchKey(k.ID); err != nil {
		t.Fatalf("touch key: %v", err)
	}
	found, _ = s.FindKeyByHash("deadbeef")
	if found.LastUsed == nil {
		t.Error("touched key should have last_used set")
	}

	if err := s.DeleteAPIKey(k.ID); err != nil {
		t.Fatalf("delete key: %v", err)
	}
	if _, err := s.FindKeyByHash("deadbeef"); err != ErrNotFound {
		t.Errorf("find deleted key: err = %v, want ErrNotFound", err)
	}
}
