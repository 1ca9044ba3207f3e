package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/flowstate-sh/flowstate/internal/core"
)

var postgresMigrations = []string{
	`CREATE TABLE projects (
		id              TEXT PRIMARY KEY,
		name            TEXT NOT NULL,
		repo_url        TEXT NOT NULL DEFAULT '',
		repo_token      BYTEA,
		skip_tls_verify BOOLEAN NOT NULL DEFAULT FALSE,
		created_at      TIMESTAMPTZ NOT NULL
	);
	CREATE TABLE tasks (
		id                     TEXT PRIMARY KEY,
		project_id             TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		parent_id              TEXT REFERENCES tasks(id) ON DELETE CASCADE,
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
		created_at             TIMESTAMPTZ NOT NULL,
		updated_at             TIMESTAMPTZ NOT NULL
	);
	CREATE TABLE sprints (
		id         TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		name       TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE TABLE claude_runs (
		id                  TEXT PRIMARY KEY,
		task_id             TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
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
		started_at          TIMESTAMPTZ NOT NULL,
		finished_at         TIMESTAMPTZ
	);
	CREATE TABLE task_prs (
		id            TEXT PRIMARY KEY,
		task_id       TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		claude_run_id TEXT REFERENCES claude_runs(id) ON DELETE SET NULL,
		number        INTEGER NOT NULL,
		url           TEXT NOT NULL,
		branch        TEXT NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL
	);
	CREATE TABLE api_keys (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		key_hash   TEXT NOT NULL UNIQUE,
		created_at TIMESTAMPTZ NOT NULL,
		last_used  TIMESTAMPTZ
	);
	CREATE TABLE attachments (
		id         TEXT PRIMARY KEY,
		task_id    TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		filename   TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX idx_tasks_project ON tasks(project_id);
	CREATE INDEX idx_runs_task ON claude_runs(task_id);
	CREATE INDEX idx_runs_status_started ON claude_runs(status, started_at);`,
}

// Postgres implements Store on a shared database. The claim path relies
// on FOR UPDATE SKIP LOCKED so concurrent runners never block on or
// receive the same row.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects with a pgx DSN and applies migrations.
func OpenPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := migratePostgres(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func migratePostgres(db *sql.DB) error {
	if _, err := db.Exec(
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	var version int
	err := db.QueryRow(`SELECT version FROM schema_version`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := db.Exec(`INSERT INTO schema_version (version) VALUES (0)`); err != nil {
			return fmt.Errorf("seed schema_version: %w", err)
		}
		version = 0
	} else if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for i := version; i < len(postgresMigrations); i++ {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(postgresMigrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(`UPDATE schema_version SET version = $1`, i+1); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("bump schema version: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
	}
	return nil
}

func (s *Postgres) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// --- projects ---

func (s *Postgres) CreateProject(in core.CreateProject, encToken []byte) (*core.Project, error) {
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
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.Name, p.RepoURL, p.RepoToken, p.SkipTLSVerify, p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert project: %w", err)
	}
	return p, nil
}

func (s *Postgres) GetProject(id string) (*core.Project, error) {
	var p core.Project
	err := s.db.QueryRow(
		`SELECT id, name, repo_url, repo_token, skip_tls_verify, created_at
		 FROM projects WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &p.RepoURL, &p.RepoToken, &p.SkipTLSVerify, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return &p, nil
}

// --- tasks ---

func scanTaskPG(row interface{ Scan(...any) error }) (*core.Task, error) {
	var t core.Task
	err := row.Scan(&t.ID, &t.ProjectID, &t.ParentID, &t.Title, &t.Description, &t.Phase,
		&t.ResearchStatus, &t.ResearchApprovedHash, &t.ResearchFeedback,
		&t.SpecStatus, &t.SpecApprovedHash, &t.SpecFeedback,
		&t.PlanStatus, &t.PlanApprovedHash, &t.PlanFeedback,
		&t.VerifyStatus, &t.VerifyApprovedHash, &t.VerifyFeedback,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Postgres) CreateTask(in core.CreateTask) (*core.Task, error) {
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.ProjectID, parent, t.Title, t.Description, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

func (s *Postgres) GetTask(id string) (*core.Task, error) {
	t, err := scanTaskPG(s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *Postgres) ListChildTasks(parentID string) ([]core.Task, error) {
	rows, err := s.db.Query(
		`SELECT `+taskColumns+` FROM tasks WHERE parent_id = $1 ORDER BY created_at`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list child tasks: %w", err)
	}
	defer rows.Close()

	var tasks []core.Task
	for rows.Next() {
		t, err := scanTaskPG(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func (s *Postgres) SetApproval(taskID string, kind core.ArtifactKind, status core.ApprovalStatus, hash string) error {
	statusCol, hashCol, _, ok := approvalColumns(kind)
	if !ok {
		return fmt.Errorf("unknown artifact kind %q", kind)
	}
	res, err := s.db.Exec(
		fmt.Sprintf(`UPDATE tasks SET %s = $1, %s = $2, updated_at = $3 WHERE id = $4`, statusCol, hashCol),
		status, hash, time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("set approval: %w", err)
	}
	return requireRow(res)
}

func (s *Postgres) SetFeedback(taskID string, kind core.ArtifactKind, feedback string) error {
	_, _, fbCol, ok := approvalColumns(kind)
	if !ok {
		return fmt.Errorf("unknown artifact kind %q", kind)
	}
	res, err := s.db.Exec(
		fmt.Sprintf(`UPDATE tasks SET %s = $1, updated_at = $2 WHERE id = $3`, fbCol),
		feedback, time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("set feedback: %w", err)
	}
	return requireRow(res)
}

// --- runs ---

func scanRunPG(row interface{ Scan(...any) error }) (*core.Run, error) {
	var r core.Run
	var exitCode, prNumber sql.NullInt64
	var finished sql.NullTime
	err := row.Scan(&r.ID, &r.TaskID, &r.Action, &r.Status, &r.RequiredCapability,
		&r.RunnerID, &r.Progress, &exitCode, &r.Error, &r.PRURL, &prNumber,
		&r.BranchName, &r.StartedAt, &finished)
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
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	return &r, nil
}

func (s *Postgres) CreateRun(in core.CreateRun, capability core.Capability) (*core.Run, error) {
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
		 VALUES ($1, $2, $3, 'queued', $4, $5)`,
		r.ID, r.TaskID, r.Action, string(r.RequiredCapability), r.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return r, nil
}

func (s *Postgres) GetRun(id string) (*core.Run, error) {
	r, err := scanRunPG(s.db.QueryRow(`SELECT `+runColumns+` FROM claude_runs WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

func (s *Postgres) ListRunsByTask(taskID string) ([]core.Run, error) {
	rows, err := s.db.Query(
		`SELECT `+runColumns+` FROM claude_runs WHERE task_id = $1 ORDER BY started_at DESC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []core.Run
	for rows.Next() {
		r, err := scanRunPG(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// ClaimNext locks the oldest eligible queued row with SKIP LOCKED so
// concurrent claimers neither block nor collide.
func (s *Postgres) ClaimNext(caps []core.Capability, runnerID string) (*core.Run, error) {
	placeholders := make([]string, len(caps))
	args := []any{runnerID}
	for i, c := range caps {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		args = append(args, string(c))
	}
	capFilter := "required_capability = ''"
	if len(caps) > 0 {
		capFilter += " OR required_capability IN (" + strings.Join(placeholders, ", ") + ")"
	}

	query := `UPDATE claude_runs
		SET status = 'running', runner_id = $1, started_at = now()
		WHERE id = (
			SELECT id FROM claude_runs
			WHERE status = 'queued' AND (` + capFilter + `)
			ORDER BY started_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + runColumns

	r, err := scanRunPG(s.db.QueryRow(query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim run: %w", err)
	}
	return r, nil
}

func (s *Postgres) UpdateStatus(id string, status core.RunStatus, errMsg string, exitCode *int) (*core.Run, error) {
	var exit any
	if exitCode != nil {
		exit = *exitCode
	}
	var err error
	if status.Terminal() {
		_, err = s.db.Exec(
			`UPDATE claude_runs
			 SET status = $1, error = $2, exit_code = $3,
			     finished_at = COALESCE(finished_at, now())
			 WHERE id = $4`,
			status, errMsg, exit, id)
	} else {
		_, err = s.db.Exec(
			`UPDATE claude_runs SET status = $1, error = $2, exit_code = $3, started_at = now() WHERE id = $4`,
			status, errMsg, exit, id)
	}
	if err != nil {
		return nil, fmt.Errorf("update run status: %w", err)
	}
	return s.GetRun(id)
}

func (s *Postgres) UpdateProgress(id, message string) error {
	res, err := s.db.Exec(`UPDATE claude_runs SET progress = $1 WHERE id = $2`, message, id)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return requireRow(res)
}

func (s *Postgres) UpdatePR(id, url string, number int, branch string) (*core.Run, error) {
	_, err := s.db.Exec(
		`UPDATE claude_runs SET pr_url = $1, pr_number = $2, branch_name = $3 WHERE id = $4`,
		url, number, branch, id)
	if err != nil {
		return nil, fmt.Errorf("update run pr: %w", err)
	}
	return s.GetRun(id)
}

func (s *Postgres) FindStale(status core.RunStatus, threshold time.Time) ([]core.Run, error) {
	rows, err := s.db.Query(
		`SELECT `+runColumns+` FROM claude_runs WHERE status = $1 AND started_at < $2`,
		status, threshold)
	if err != nil {
		return nil, fmt.Errorf("find stale runs: %w", err)
	}
	defer rows.Close()

	var runs []core.Run
	for rows.Next() {
		r, err := scanRunPG(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func (s *Postgres) TimeoutIfStillRunning(id, message string) (*core.Run, error) {
	r, err := scanRunPG(s.db.QueryRow(
		`UPDATE claude_runs
		 SET status = 'timed_out', error = $1, finished_at = now()
		 WHERE id = $2 AND status IN ('running', 'salvaging')
		 RETURNING `+runColumns,
		message, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("timeout run: %w", err)
	}
	return r, nil
}

// --- task PRs ---

func (s *Postgres) CreateTaskPR(pr core.TaskPR) (*core.TaskPR, error) {
	pr.ID = uuid.NewString()
	pr.CreatedAt = time.Now().UTC()
	var runID any
	if pr.ClaudeRunID != "" {
		runID = pr.ClaudeRunID
	}
	_, err := s.db.Exec(
		`INSERT INTO task_prs (id, task_id, claude_run_id, number, url, branch, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		pr.ID, pr.TaskID, runID, pr.Number, pr.URL, pr.Branch, pr.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert task pr: %w", err)
	}
	return &pr, nil
}

func (s *Postgres) ListTaskPRs(taskID string) ([]core.TaskPR, error) {
	rows, err := s.db.Query(
		`SELECT id, task_id, COALESCE(claude_run_id, ''), number, url, branch, created_at
		 FROM task_prs WHERE task_id = $1 ORDER BY created_at DESC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task prs: %w", err)
	}
	defer rows.Close()

	var prs []core.TaskPR
	for rows.Next() {
		var pr core.TaskPR
		if err := rows.Scan(&pr.ID, &pr.TaskID, &pr.ClaudeRunID, &pr.Number, &pr.URL, &pr.Branch, &pr.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task pr: %w", err)
		}
		prs = append(prs, pr)
	}
	return prs, rows.Err()
}

// --- api keys ---

func (s *Postgres) CreateAPIKey(name, keyHash string) (*core.APIKey, error) {
	k := &core.APIKey{
		ID:        uuid.NewString(),
		Name:      name,
		KeyHash:   keyHash,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.Exec(
		`INSERT INTO api_keys (id, name, key_hash, created_at) VALUES ($1, $2, $3, $4)`,
		k.ID, k.Name, k.KeyHash, k.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert api key: %w", err)
	}
	return k, nil
}

func scanKeyPG(row interface{ Scan(...any) error }) (*core.APIKey, error) {
	var k core.APIKey
	var lastUsed sql.NullTime
	if err := row.Scan(&k.ID, &k.Name, &k.KeyHash, &k.CreatedAt, &lastUsed); err != nil {
		return nil, err
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		k.LastUsed = &t
	}
	return &k, nil
}

func (s *Postgres) ListAPIKeys() ([]core.APIKey, error) {
	rows, err := s.db.Query(`SELECT id, name, key_hash, created_at, last_used FROM api_keys ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []core.APIKey
	for rows.Next() {
		k, err := scanKeyPG(rows)
		if err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, *k)
	}
	return keys, rows.Err()
}

func (s *Postgres) FindKeyByHash(keyHash string) (*core.APIKey, error) {
	k, err := scanKeyPG(s.db.QueryRow(
		`SELECT id, name, key_hash, created_at, last_used FROM api_keys WHERE key_hash = $1`, keyHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find api key: %w", err)
	}
	return k, nil
}

func (s *Postgres) TouchKey(id string) error {
	_, err := s.db.Exec(`UPDATE api_keys SET last_used = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}

func (s *Postgres) DeleteAPIKey(id string) error {
	res, err := s.db.Exec(`DELETE FROM api_keys WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	return requireRow(res)
}

func (s *Postgres) HasAPIKeys() (bool, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM api_keys`).Scan(&n); err != nil {
		return false, fmt.Errorf("count api keys: %w", err)
	}
	return n > 0, nil
}
