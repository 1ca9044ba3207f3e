package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/flowstate-sh/flowstate/internal/core"
)

// sqliteMigrations are applied in order; PRAGMA user_version tracks the
// last applied index + 1.
var sqliteMigrations = []string{
	`CREATE TABLE projects (
		id              TEXT PRIMARY KEY,
		name            TEXT NOT NULL,
		repo_url        TEXT NOT NULL DEFAULT '',
		repo_token      BLOB,
		skip_tls_verify INTEGER NOT NULL DEFAULT 0,
		created_at      TEXT NOT NULL
	);
	CREATE TABLE tasks (
		id                     TEXT PRIMARY KEY,
		project_id             TEXT NOT NULL,
		parent_id              TEXT,
		title                  TEXT NOT NULL,
		description            TEXT NOT NULL DEFAULT '',
		phase                  TEXT NOT NULL DEFAULT 'todo',
		research_status        TEXT NOT NULL DEFAULT 'none',
		research_approved_hash TEXT NOT NULL DEFAULT '',
		research_feedback      TEXT NOT NULL DEFAULT '',
		spec_status            TEXT NOT NULL DEFAULT 'none',
		spec_approved_hash     TEXT NOT NULL DEFAULT '',
		spec_feedback          TEXT NOT NULL DEFAULT '',
		plan_status            TEXT NOT NULL DEFAULT 'none',
		plan_approved_hash     TEXT NOT NULL DEFAULT '',
		plan_feedback          TEXT NOT NULL DEFAULT '',
		verify_status          TEXT NOT NULL DEFAULT 'none',
		verify_approved_hash   TEXT NOT NULL DEFAULT '',
		verify_feedback        TEXT NOT NULL DEFAULT '',
		created_at             TEXT NOT NULL,
		updated_at             TEXT NOT NULL,
		FOREIGN KEY(project_id) REFERENCES projects(id) ON DELETE CASCADE,
		FOREIGN KEY(parent_id) REFERENCES tasks(id) ON DELETE CASCADE
	);
	CREATE TABLE sprints (
		id         TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		name       TEXT NOT NULL,
		created_at TEXT NOT NULL,
		FOREIGN KEY(project_id) REFERENCES projects(id) ON DELETE CASCADE
	);
	CREATE TABLE claude_runs (
		id                  TEXT PRIMARY KEY,
		task_id             TEXT NOT NULL,
		action              TEXT NOT NULL,
		status              TEXT NOT NULL DEFAULT 'queued',
		required_capability TEXT NOT NULL DEFAULT '',
		runner_id           TEXT NOT NULL DEFAULT '',
		progress            TEXT NOT NULL DEFAULT '',
		exit_code           INTEGER,
		error               TEXT NOT NULL DEFAULT '',
		pr_url              TEXT NOT NULL DEFAULT '',
		pr_number           INTEGER,
		branch_name         TEXT NOT NULL DEFAULT '',
		started_at          TEXT NOT NULL,
		finished_at         TEXT,
		FOREIGN KEY(task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);
	CREATE TABLE task_prs (
		id            TEXT PRIMARY KEY,
		task_id       TEXT NOT NULL,
		claude_run_id TEXT,
		number        INTEGER NOT NULL,
		url           TEXT NOT NULL,
		branch        TEXT NOT NULL,
		created_at    TEXT NOT NULL,
		FOREIGN KEY(task_id) REFERENCES tasks(id) ON DELETE CASCADE,
		FOREIGN KEY(claude_run_id) REFERENCES claude_runs(id) ON DELETE SET NULL
	);
	CREATE TABLE api_keys (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		key_hash   TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL,
		last_used  TEXT
	);
	CREATE TABLE attachments (
		id         TEXT PRIMARY KEY,
		task_id    TEXT NOT NULL,
		filename   TEXT NOT NULL,
		created_at TEXT NOT NULL,
		FOREIGN KEY(task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);
	CREATE INDEX idx_tasks_project ON tasks(project_id);
	CREATE INDEX idx_runs_task ON claude_runs(task_id);
	CREATE INDEX idx_runs_status_started ON claude_runs(status, started_at);`,
}

// SQLite implements Store on a local database file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database and applies migrations.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if err := migrateSQLite(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLite{db: db}, nil
}

func migrateSQLite(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for i := version; i < len(sqliteMigrations); i++ {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(sqliteMigrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version=%d", i+1)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("bump schema version: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const timeLayout = time.RFC3339Nano

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

// --- projects ---

func (s *SQLite) CreateProject(in core.CreateProject, encToken []byte) (*core.Project, error) {
	p := &core.Project{
		ID:            uuid.NewString(),
		Name:          in.Name,
		RepoURL:       in.RepoURL,
		RepoToken:     encToken,
		SkipTLSVerify: in.SkipTLSVerify,
		CreatedAt:     time.Now().UTC(),
	}
	_, err := s.db.Exec(
		`INSERT INTO projects (id, name, repo_url, repo_token, skip_tls_verify, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.RepoURL, p.RepoToken, boolInt(p.SkipTLSVerify), fmtTime(p.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert project: %w", err)
	}
	return p, nil
}

func (s *SQLite) GetProject(id string) (*core.Project, error) {
	var p core.Project
	var skipTLS int
	var created string
	err := s.db.QueryRow(
		`SELECT id, name, repo_url, repo_token, skip_tls_verify, created_at
		 FROM projects WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.RepoURL, &p.RepoToken, &skipTLS, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	p.SkipTLSVerify = skipTLS != 0
	p.CreatedAt = parseTime(created)
	return &p, nil
}

// --- tasks ---

const taskColumns = `id, project_id, COALESCE(parent_id, ''), title, description, phase,
	research_status, research_approved_hash, research_feedback,
	spec_status, spec_approved_hash, spec_feedback,
	plan_status, plan_approved_hash, plan_feedback,
	verify_status, verify_approved_hash, verify_feedback,
	created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*core.Task, error) {
	var t core.Task
	var created, updated string
	err := row.Scan(&t.ID, &t.ProjectID, &t.ParentID, &t.Title, &t.Description, &t.Phase,
		&t.ResearchStatus, &t.ResearchApprovedHash, &t.ResearchFeedback,
		&t.SpecStatus, &t.SpecApprovedHash, &t.SpecFeedback,
		&t.PlanStatus, &t.PlanApprovedHash, &t.PlanFeedback,
		&t.VerifyStatus, &t.VerifyApprovedHash, &t.VerifyFeedback,
		&created, &updated)
	if err != nil {
		return nil, err
	}
	t.CreatedAt = parseTime(created)
	t.UpdatedAt = parseTime(updated)
	return &t, nil
}

func (s *SQLite) CreateTask(in core.CreateTask) (*core.Task, error) {
	now := time.Now().UTC()
	t := &core.Task{
		ID:          uuid.NewString(),
		ProjectID:   in.ProjectID,
		ParentID:    in.ParentID,
		Title:       in.Title,
		Description: in.Description,
		Phase:       core.PhaseTodo,
		ResearchStatus: core.ApprovalNone, SpecStatus: core.ApprovalNone,
		PlanStatus: core.ApprovalNone, VerifyStatus: core.ApprovalNone,
		CreatedAt: now,
		UpdatedAt: now,
	}
	var parent any
	if t.ParentID != "" {
		parent = t.ParentID
	}
	_, err := s.db.Exec(
		`INSERT INTO tasks (id, project_id, parent_id, title, description, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectID, parent, t.Title, t.Description, fmtTime(now), fmtTime(now))
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

func (s *SQLite) GetTask(id string) (*core.Task, error) {
	t, err := scanTask(s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *SQLite) ListChildTasks(parentID string) ([]core.Task, error) {
	rows, err := s.db.Query(
		`SELECT `+taskColumns+` FROM tasks WHERE parent_id = ? ORDER BY created_at`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list child tasks: %w", err)
	}
	defer rows.Close()

	var tasks []core.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func (s *SQLite) SetApproval(taskID string, kind core.ArtifactKind, status core.ApprovalStatus, hash string) error {
	statusCol, hashCol, _, ok := approvalColumns(kind)
	if !ok {
		return fmt.Errorf("unknown artifact kind %q", kind)
	}
	res, err := s.db.Exec(
		fmt.Sprintf(`UPDATE tasks SET %s = ?, %s = ?, updated_at = ? WHERE id = ?`, statusCol, hashCol),
		status, hash, fmtTime(time.Now()), taskID)
	if err != nil {
		return fmt.Errorf("set approval: %w", err)
	}
	return requireRow(res)
}

func (s *SQLite) SetFeedback(taskID string, kind core.ArtifactKind, feedback string) error {
	_, _, fbCol, ok := approvalColumns(kind)
	if !ok {
		return fmt.Errorf("unknown artifact kind %q", kind)
	}
	res, err := s.db.Exec(
		fmt.Sprintf(`UPDATE tasks SET %s = ?, updated_at = ? WHERE id = ?`, fbCol),
		feedback, fmtTime(time.Now()), taskID)
	if err != nil {
		return fmt.Errorf("set feedback: %w", err)
	}
	return requireRow(res)
}

// --- runs ---

const runColumns = `id, task_id, action, status, required_capability, runner_id,
	progress, exit_code, error, pr_url, pr_number, branch_name, started_at, finished_at`

func scanRun(row interface{ Scan(...any) error }) (*core.Run, error) {
	var r core.Run
	var exitCode, prNumber sql.NullInt64
	var started string
	var finished sql.NullString
	err := row.Scan(&r.ID, &r.TaskID, &r.Action, &r.Status, &r.RequiredCapability,
		&r.RunnerID, &r.Progress, &exitCode, &r.Error, &r.PRURL, &prNumber,
		&r.BranchName, &started, &finished)
	if err != nil {
		return nil, err
	}
	if exitCode.Valid {
		n := int(exitCode.Int64)
		r.ExitCode = &n
	}
	if prNumber.Valid {
		n := int(prNumber.Int64)
		r.PRNumber = &n
	}
	r.StartedAt = parseTime(started)
	if finished.Valid {
		t := parseTime(finished.String)
		r.FinishedAt = &t
	}
	return &r, nil
}

func (s *SQLite) CreateRun(in core.CreateRun, capability core.Capability) (*core.Run, error) {
	r := &core.Run{
		ID:                 uuid.NewString(),
		TaskID:             in.TaskID,
		Action:             in.Action,
		Status:             core.RunQueued,
		RequiredCapability: capability,
		StartedAt:          time.Now().UTC(),
	}
	_, err := s.db.Exec(
		`INSERT INTO claude_runs (id, task_id, action, status, required_capability, started_at)
		 VALUES (?, ?, ?, 'queued', ?, ?)`,
		r.ID, r.TaskID, r.Action, string(r.RequiredCapability), fmtTime(r.StartedAt))
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return r, nil
}

func (s *SQLite) GetRun(id string) (*core.Run, error) {
	r, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM claude_runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

func (s *SQLite) ListRunsByTask(taskID string) ([]core.Run, error) {
	rows, err := s.db.Query(
		`SELECT `+runColumns+` FROM claude_runs WHERE task_id = ? ORDER BY started_at DESC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []core.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// ClaimNext picks the oldest queued run the capability set can serve and
// flips it to running in one statement. SQLite serializes writers, so the
// UPDATE-with-subselect is atomic: concurrent claimers get disjoint rows.
func (s *SQLite) ClaimNext(caps []core.Capability, runnerID string) (*core.Run, error) {
	placeholders := make([]string, len(caps))
	args := []any{runnerID, fmtTime(time.Now())}
	for i, c := range caps {
		placeholders[i] = "?"
		args = append(args, string(c))
	}
	capFilter := "required_capability = ''"
	if len(caps) > 0 {
		capFilter += " OR required_capability IN (" + strings.Join(placeholders, ", ") + ")"
	}

	query := `UPDATE claude_runs
		SET status = 'running', runner_id = ?, started_at = ?
		WHERE id = (
			SELECT id FROM claude_runs
			WHERE status = 'queued' AND (` + capFilter + `)
			ORDER BY started_at ASC, rowid ASC
			LIMIT 1
		)
		RETURNING ` + runColumns

	r, err := scanRun(s.db.QueryRow(query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim run: %w", err)
	}
	return r, nil
}

func (s *SQLite) UpdateStatus(id string, status core.RunStatus, errMsg string, exitCode *int) (*core.Run, error) {
	var exit any
	if exitCode != nil {
		exit = *exitCode
	}
	var err error
	if status.Terminal() {
		_, err = s.db.Exec(
			`UPDATE claude_runs
			 SET status = ?, error = ?, exit_code = ?,
			     finished_at = COALESCE(finished_at, ?)
			 WHERE id = ?`,
			status, errMsg, exit, fmtTime(time.Now()), id)
	} else {
		_, err = s.db.Exec(
			`UPDATE claude_runs SET status = ?, error = ?, exit_code = ?, started_at = ? WHERE id = ?`,
			status, errMsg, exit, fmtTime(time.Now()), id)
	}
	if err != nil {
		return nil, fmt.Errorf("update run status: %w", err)
	}
	return s.GetRun(id)
}

func (s *SQLite) UpdateProgress(id, message string) error {
	res, err := s.db.Exec(`UPDATE claude_runs SET progress = ? WHERE id = ?`, message, id)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return requireRow(res)
}

func (s *SQLite) UpdatePR(id, url string, number int, branch string) (*core.Run, error) {
	_, err := s.db.Exec(
		`UPDATE claude_runs SET pr_url = ?, pr_number = ?, branch_name = ? WHERE id = ?`,
		url, number, branch, id)
	if err != nil {
		return nil, fmt.Errorf("update run pr: %w", err)
	}
	return s.GetRun(id)
}

func (s *SQLite) FindStale(status core.RunStatus, threshold time.Time) ([]core.Run, error) {
	rows, err := s.db.Query(
		`SELECT `+runColumns+` FROM claude_runs WHERE status = ? AND started_at < ?`,
		status, fmtTime(threshold))
	if err != nil {
		return nil, fmt.Errorf("find stale runs: %w", err)
	}
	defer rows.Close()

	var runs []core.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func (s *SQLite) TimeoutIfStillRunning(id, message string) (*core.Run, error) {
	r, err := scanRun(s.db.QueryRow(
		`UPDATE claude_runs
		 SET status = 'timed_out', error = ?, finished_at = ?
		 WHERE id = ? AND status IN ('running', 'salvaging')
		 RETURNING `+runColumns,
		message, fmtTime(time.Now()), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("timeout run: %w", err)
	}
	return r, nil
}

// BackdateStartedAt rewrites a run's started_at. Used by tests and
// maintenance tooling to simulate stale runs.
func (s *SQLite) BackdateStartedAt(id string, to time.Time) error {
	res, err := s.db.Exec(`UPDATE claude_runs SET started_at = ? WHERE id = ?`, fmtTime(to), id)
	if err != nil {
		return fmt.Errorf("backdate run: %w", err)
	}
	return requireRow(res)
}

// --- task PRs ---

func (s *SQLite) CreateTaskPR(pr core.TaskPR) (*core.TaskPR, error) {
	pr.ID = uuid.NewString()
	pr.CreatedAt = time.Now().UTC()
	var runID any
	if pr.ClaudeRunID != "" {
		runID = pr.ClaudeRunID
	}
	_, err := s.db.Exec(
		`INSERT INTO task_prs (id, task_id, claude_run_id, number, url, branch, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		pr.ID, pr.TaskID, runID, pr.Number, pr.URL, pr.Branch, fmtTime(pr.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert task pr: %w", err)
	}
	return &pr, nil
}

func (s *SQLite) ListTaskPRs(taskID string) ([]core.TaskPR, error) {
	rows, err := s.db.Query(
		`SELECT id, task_id, COALESCE(claude_run_id, ''), number, url, branch, created_at
		 FROM task_prs WHERE task_id = ? ORDER BY created_at DESC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task prs: %w", err)
	}
	defer rows.Close()

	var prs []core.TaskPR
	for rows.Next() {
		var pr core.TaskPR
		var created string
		if err := rows.Scan(&pr.ID, &pr.TaskID, &pr.ClaudeRunID, &pr.Number, &pr.URL, &pr.Branch, &created); err != nil {
			return nil, fmt.Errorf("scan task pr: %w", err)
		}
		pr.CreatedAt = parseTime(created)
		prs = append(prs, pr)
	}
	return prs, rows.Err()
}

// --- api keys ---

func (s *SQLite) CreateAPIKey(name, keyHash string) (*core.APIKey, error) {
	k := &core.APIKey{
		ID:        uuid.NewString(),
		Name:      name,
		KeyHash:   keyHash,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.Exec(
		`INSERT INTO api_keys (id, name, key_hash, created_at) VALUES (?, ?, ?, ?)`,
		k.ID, k.Name, k.KeyHash, fmtTime(k.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert api key: %w", err)
	}
	return k, nil
}

func scanKey(row interface{ Scan(...any) error }) (*core.APIKey, error) {
	var k core.APIKey
	var created string
	var lastUsed sql.NullString
	if err := row.Scan(&k.ID, &k.Name, &k.KeyHash, &created, &lastUsed); err != nil {
		return nil, err
	}
	k.CreatedAt = parseTime(created)
	if lastUsed.Valid {
		t := parseTime(lastUsed.String)
		k.LastUsed = &t
	}
	return &k, nil
}

func (s *SQLite) ListAPIKeys() ([]core.APIKey, error) {
	rows, err := s.db.Query(`SELECT id, name, key_hash, created_at, last_used FROM api_keys ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []core.APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, *k)
	}
	return keys, rows.Err()
}

func (s *SQLite) FindKeyByHash(keyHash string) (*core.APIKey, error) {
	k, err := scanKey(s.db.QueryRow(
		`SELECT id, name, key_hash, created_at, last_used FROM api_keys WHERE key_hash = ?`, keyHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find api key: %w", err)
	}
	return k, nil
}

func (s *SQLite) TouchKey(id string) error {
	_, err := s.db.Exec(`UPDATE api_keys SET last_used = ? WHERE id = ?`, fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}

func (s *SQLite) DeleteAPIKey(id string) error {
	res, err := s.db.Exec(`DELETE FROM api_keys WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	return requireRow(res)
}

func (s *SQLite) HasAPIKeys() (bool, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM api_keys`).Scan(&n); err != nil {
		return false, fmt.Errorf("count api keys: %w", err)
	}
	return n > 0, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
