// Copyright 2025 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlite is the durable Datastore backed by an embedded SQLite
// database. Timestamps persist as RFC 3339 strings in UTC.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/oore-ci/oore/pkg/model"
	"github.com/oore-ci/oore/pkg/store"
)

const timeFormat = time.RFC3339Nano

// Store is a SQLite-backed store.Datastore.
type Store struct {
	db *sql.DB
}

var _ store.Datastore = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies the
// schema. WAL mode keeps the single-writer contention tolerable under
// concurrent builds.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite supports one writer at a time; a single connection avoids
	// SQLITE_BUSY churn from the pool.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS repositories (
	id TEXT PRIMARY KEY,
	provider TEXT NOT NULL,
	owner TEXT NOT NULL,
	repo_name TEXT NOT NULL,
	clone_url TEXT NOT NULL,
	default_branch TEXT NOT NULL,
	is_active INTEGER NOT NULL DEFAULT 1,
	webhook_secret_fingerprint TEXT NOT NULL DEFAULT '',
	github_repo_id INTEGER NOT NULL DEFAULT 0,
	gitlab_project_id INTEGER NOT NULL DEFAULT 0,
	gitlab_instance_url TEXT NOT NULL DEFAULT '',
	installation_id INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE (provider, owner, repo_name)
);

CREATE TABLE IF NOT EXISTS webhook_events (
	id TEXT PRIMARY KEY,
	repository_id TEXT NOT NULL DEFAULT '',
	provider TEXT NOT NULL,
	event_type TEXT NOT NULL,
	delivery_id TEXT NOT NULL,
	payload BLOB NOT NULL,
	processed INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	received_at TEXT NOT NULL,
	UNIQUE (provider, delivery_id)
);

CREATE TABLE IF NOT EXISTS builds (
	id TEXT PRIMARY KEY,
	repository_id TEXT NOT NULL,
	webhook_event_id TEXT NOT NULL DEFAULT '',
	commit_sha TEXT NOT NULL,
	branch TEXT NOT NULL,
	trigger_type TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at TEXT,
	finished_at TEXT,
	workflow_name TEXT NOT NULL DEFAULT '',
	config_source TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_builds_repository ON builds (repository_id);
CREATE INDEX IF NOT EXISTS idx_builds_status ON builds (status);

CREATE TABLE IF NOT EXISTS build_steps (
	id TEXT PRIMARY KEY,
	build_id TEXT NOT NULL,
	step_index INTEGER NOT NULL,
	name TEXT NOT NULL,
	script TEXT NOT NULL,
	timeout_secs INTEGER NOT NULL,
	ignore_failure INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	exit_code INTEGER,
	started_at TEXT,
	finished_at TEXT,
	UNIQUE (build_id, step_index)
);

CREATE TABLE IF NOT EXISTS build_logs (
	id TEXT PRIMARY KEY,
	build_id TEXT NOT NULL,
	step_index INTEGER NOT NULL,
	stream TEXT NOT NULL,
	log_file_path TEXT NOT NULL,
	line_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_build_logs_build ON build_logs (build_id);

CREATE TABLE IF NOT EXISTS build_artifacts (
	id TEXT PRIMARY KEY,
	build_id TEXT NOT NULL,
	name TEXT NOT NULL,
	relative_path TEXT NOT NULL,
	storage_path TEXT NOT NULL,
	size_bytes INTEGER NOT NULL,
	content_type TEXT NOT NULL,
	checksum_sha256 TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_build_artifacts_build ON build_artifacts (build_id);

CREATE TABLE IF NOT EXISTS pipeline_configs (
	id TEXT PRIMARY KEY,
	repository_id TEXT NOT NULL,
	name TEXT NOT NULL,
	config_content TEXT NOT NULL,
	config_format TEXT NOT NULL,
	is_active INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE (repository_id, name)
);

CREATE TABLE IF NOT EXISTS oauth_states (
	state TEXT PRIMARY KEY,
	provider TEXT NOT NULL,
	instance_url TEXT NOT NULL DEFAULT '',
	expires_at TEXT NOT NULL,
	consumed_at TEXT,
	completed_at TEXT,
	app_id INTEGER NOT NULL DEFAULT 0,
	app_name TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS github_app_credentials (
	id TEXT PRIMARY KEY,
	app_id INTEGER NOT NULL,
	app_slug TEXT NOT NULL DEFAULT '',
	app_name TEXT NOT NULL DEFAULT '',
	html_url TEXT NOT NULL DEFAULT '',
	client_id TEXT NOT NULL DEFAULT '',
	client_secret_ciphertext BLOB,
	client_secret_nonce BLOB,
	webhook_secret_ciphertext BLOB,
	webhook_secret_nonce BLOB,
	private_key_ciphertext BLOB,
	private_key_nonce BLOB,
	is_active INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS gitlab_credentials (
	id TEXT PRIMARY KEY,
	instance_url TEXT NOT NULL,
	user_id INTEGER NOT NULL DEFAULT 0,
	username TEXT NOT NULL DEFAULT '',
	access_token_ciphertext BLOB,
	access_token_nonce BLOB,
	refresh_token_ciphertext BLOB,
	refresh_token_nonce BLOB,
	token_expiry TEXT NOT NULL DEFAULT '',
	is_active INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS gitlab_oauth_apps (
	id TEXT PRIMARY KEY,
	instance_url TEXT NOT NULL,
	client_id TEXT NOT NULL,
	client_secret_ciphertext BLOB,
	client_secret_nonce BLOB,
	is_active INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS signing_certificates (
	id TEXT PRIMARY KEY,
	repository_id TEXT NOT NULL,
	name TEXT NOT NULL,
	p12_ciphertext BLOB,
	p12_nonce BLOB,
	password_ciphertext BLOB,
	password_nonce BLOB,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS provisioning_profiles (
	id TEXT PRIMARY KEY,
	repository_id TEXT NOT NULL,
	uuid TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	profile_ciphertext BLOB,
	profile_nonce BLOB,
	created_at TEXT NOT NULL
);
`

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func fmtTime(t time.Time) string { return t.UTC().Format(timeFormat) }

func fmtTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: fmtTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		// Accept second-precision values written by other tools.
		t, err = time.Parse(time.RFC3339, s)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

//
// Repositories
//

const repositoryColumns = `id, provider, owner, repo_name, clone_url, default_branch, is_active,
	webhook_secret_fingerprint, github_repo_id, gitlab_project_id, gitlab_instance_url,
	installation_id, created_at, updated_at`

func (s *Store) CreateRepository(ctx context.Context, r *model.Repository) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO repositories (`+repositoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Provider, r.Owner, r.RepoName, r.CloneURL, r.DefaultBranch, r.IsActive,
		r.WebhookSecretFingerprint, r.GitHubRepoID, r.GitLabProjectID, r.GitLabInstanceURL,
		r.InstallationID, fmtTime(r.CreatedAt), fmtTime(r.UpdatedAt))
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert repository: %w", err)
	}
	return nil
}

func (s *Store) UpdateRepository(ctx context.Context, r *model.Repository) error {
	res, err := s.db.ExecContext(ctx, `UPDATE repositories SET
		provider = ?, owner = ?, repo_name = ?, clone_url = ?, default_branch = ?, is_active = ?,
		webhook_secret_fingerprint = ?, github_repo_id = ?, gitlab_project_id = ?,
		gitlab_instance_url = ?, installation_id = ?, updated_at = ?
		WHERE id = ?`,
		r.Provider, r.Owner, r.RepoName, r.CloneURL, r.DefaultBranch, r.IsActive,
		r.WebhookSecretFingerprint, r.GitHubRepoID, r.GitLabProjectID,
		r.GitLabInstanceURL, r.InstallationID, fmtTime(r.UpdatedAt), r.ID)
	if err != nil {
		return fmt.Errorf("failed to update repository: %w", err)
	}
	return requireRow(res)
}

func (s *Store) scanRepository(row interface{ Scan(...any) error }) (*model.Repository, error) {
	var r model.Repository
	var createdAt, updatedAt string
	if err := row.Scan(&r.ID, &r.Provider, &r.Owner, &r.RepoName, &r.CloneURL, &r.DefaultBranch,
		&r.IsActive, &r.WebhookSecretFingerprint, &r.GitHubRepoID, &r.GitLabProjectID,
		&r.GitLabInstanceURL, &r.InstallationID, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan repository: %w", err)
	}
	var err error
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) GetRepository(ctx context.Context, id string) (*model.Repository, error) {
	return s.scanRepository(s.db.QueryRowContext(ctx,
		`SELECT `+repositoryColumns+` FROM repositories WHERE id = ?`, id))
}

func (s *Store) GetRepositoryByNativeID(ctx context.Context, provider model.Provider, nativeID int64) (*model.Repository, error) {
	column := "github_repo_id"
	if provider == model.ProviderGitLab {
		column = "gitlab_project_id"
	}
	return s.scanRepository(s.db.QueryRowContext(ctx,
		`SELECT `+repositoryColumns+` FROM repositories WHERE provider = ? AND `+column+` = ?`,
		provider, nativeID))
}

func (s *Store) GetRepositoryByName(ctx context.Context, provider model.Provider, owner, name string) (*model.Repository, error) {
	return s.scanRepository(s.db.QueryRowContext(ctx,
		`SELECT `+repositoryColumns+` FROM repositories
		 WHERE provider = ? AND owner = ? COLLATE NOCASE AND repo_name = ? COLLATE NOCASE`,
		provider, owner, name))
}

func (s *Store) ListRepositories(ctx context.Context, activeOnly bool) ([]*model.Repository, error) {
	q := `SELECT ` + repositoryColumns + ` FROM repositories`
	if activeOnly {
		q += ` WHERE is_active = 1`
	}
	q += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list repositories: %w", err)
	}
	defer rows.Close()

	var out []*model.Repository
	for rows.Next() {
		r, err := s.scanRepository(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate repositories: %w", err)
	}
	return out, nil
}

//
// Webhook events
//

func (s *Store) InsertWebhookEvent(ctx context.Context, e *model.WebhookEvent) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO webhook_events
		(id, repository_id, provider, event_type, delivery_id, payload, processed, error_message, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RepositoryID, e.Provider, e.EventType, e.DeliveryID, e.Payload,
		e.Processed, e.ErrorMessage, fmtTime(e.ReceivedAt))
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert webhook event: %w", err)
	}
	return nil
}

func (s *Store) scanWebhookEvent(row interface{ Scan(...any) error }) (*model.WebhookEvent, error) {
	var e model.WebhookEvent
	var receivedAt string
	if err := row.Scan(&e.ID, &e.RepositoryID, &e.Provider, &e.EventType, &e.DeliveryID,
		&e.Payload, &e.Processed, &e.ErrorMessage, &receivedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan webhook event: %w", err)
	}
	var err error
	if e.ReceivedAt, err = parseTime(receivedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

const webhookEventColumns = `id, repository_id, provider, event_type, delivery_id, payload, processed, error_message, received_at`

func (s *Store) GetWebhookEvent(ctx context.Context, id string) (*model.WebhookEvent, error) {
	return s.scanWebhookEvent(s.db.QueryRowContext(ctx,
		`SELECT `+webhookEventColumns+` FROM webhook_events WHERE id = ?`, id))
}

func (s *Store) GetWebhookEventByDelivery(ctx context.Context, provider model.Provider, deliveryID string) (*model.WebhookEvent, error) {
	return s.scanWebhookEvent(s.db.QueryRowContext(ctx,
		`SELECT `+webhookEventColumns+` FROM webhook_events WHERE provider = ? AND delivery_id = ?`,
		provider, deliveryID))
}

func (s *Store) MarkWebhookEventProcessed(ctx context.Context, id, errorMessage string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhook_events SET processed = 1, error_message = ? WHERE id = ?`, errorMessage, id)
	if err != nil {
		return fmt.Errorf("failed to mark webhook event processed: %w", err)
	}
	return requireRow(res)
}

func (s *Store) ListUnprocessedWebhookEvents(ctx context.Context) ([]*model.WebhookEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+webhookEventColumns+` FROM webhook_events WHERE processed = 0 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list unprocessed webhook events: %w", err)
	}
	defer rows.Close()

	var out []*model.WebhookEvent
	for rows.Next() {
		e, err := s.scanWebhookEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate webhook events: %w", err)
	}
	return out, nil
}

//
// Builds
//

const buildColumns = `id, repository_id, webhook_event_id, commit_sha, branch, trigger_type,
	status, started_at, finished_at, workflow_name, config_source, error_message, created_at`

func (s *Store) CreateBuild(ctx context.Context, b *model.Build) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO builds (`+buildColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.RepositoryID, b.WebhookEventID, b.CommitSHA, b.Branch, b.TriggerType,
		b.Status, fmtTimePtr(b.StartedAt), fmtTimePtr(b.FinishedAt), b.WorkflowName,
		b.ConfigSource, b.ErrorMessage, fmtTime(b.CreatedAt))
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert build: %w", err)
	}
	return nil
}

func (s *Store) scanBuild(row interface{ Scan(...any) error }) (*model.Build, error) {
	var b model.Build
	var startedAt, finishedAt sql.NullString
	var createdAt string
	if err := row.Scan(&b.ID, &b.RepositoryID, &b.WebhookEventID, &b.CommitSHA, &b.Branch,
		&b.TriggerType, &b.Status, &startedAt, &finishedAt, &b.WorkflowName,
		&b.ConfigSource, &b.ErrorMessage, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan build: %w", err)
	}
	var err error
	if b.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, err
	}
	if b.FinishedAt, err = parseTimePtr(finishedAt); err != nil {
		return nil, err
	}
	if b.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Store) GetBuild(ctx context.Context, id string) (*model.Build, error) {
	return s.scanBuild(s.db.QueryRowContext(ctx,
		`SELECT `+buildColumns+` FROM builds WHERE id = ?`, id))
}

func (s *Store) ListBuilds(ctx context.Context, f store.BuildFilter) ([]*model.Build, error) {
	q := `SELECT ` + buildColumns + ` FROM builds`
	var conds []string
	var args []any
	if f.RepositoryID != "" {
		conds = append(conds, "repository_id = ?")
		args = append(args, f.RepositoryID)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY id DESC"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list builds: %w", err)
	}
	defer rows.Close()

	var out []*model.Build
	for rows.Next() {
		b, err := s.scanBuild(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate builds: %w", err)
	}
	return out, nil
}

// MarkBuildRunning is the optimistic pending->running transition. The
// WHERE clause encodes the expected prior status.
func (s *Store) MarkBuildRunning(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE builds SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		model.BuildRunning, fmtTime(now), id, model.BuildPending)
	if err != nil {
		return fmt.Errorf("failed to mark build running: %w", err)
	}
	return s.requireBuildTransition(ctx, res, id)
}

func (s *Store) FinishBuild(ctx context.Context, id string, status model.BuildStatus, errorMessage string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE builds SET status = ?, error_message = ?, finished_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		status, errorMessage, fmtTime(now), id, model.BuildPending, model.BuildRunning)
	if err != nil {
		return fmt.Errorf("failed to finish build: %w", err)
	}
	return s.requireBuildTransition(ctx, res, id)
}

func (s *Store) requireBuildTransition(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetBuild(ctx, id); errors.Is(err, store.ErrNotFound) {
		return store.ErrNotFound
	}
	return store.ErrConflict
}

func (s *Store) SetBuildWorkflow(ctx context.Context, id, workflowName string, source model.ConfigSource) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE builds SET workflow_name = ?, config_source = ? WHERE id = ?`,
		workflowName, source, id)
	if err != nil {
		return fmt.Errorf("failed to set build workflow: %w", err)
	}
	return requireRow(res)
}

//
// Build steps
//

const stepColumns = `id, build_id, step_index, name, script, timeout_secs, ignore_failure,
	status, exit_code, started_at, finished_at`

func (s *Store) CreateBuildSteps(ctx context.Context, steps []*model.BuildStep) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, step := range steps {
		var exitCode sql.NullInt64
		if step.ExitCode != nil {
			exitCode = sql.NullInt64{Int64: int64(*step.ExitCode), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO build_steps (`+stepColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			step.ID, step.BuildID, step.StepIndex, step.Name, step.Script, step.TimeoutSecs,
			step.IgnoreFailure, step.Status, exitCode,
			fmtTimePtr(step.StartedAt), fmtTimePtr(step.FinishedAt)); err != nil {
			return fmt.Errorf("failed to insert build step %d: %w", step.StepIndex, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit build steps: %w", err)
	}
	return nil
}

func (s *Store) ListBuildSteps(ctx context.Context, buildID string) ([]*model.BuildStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM build_steps WHERE build_id = ? ORDER BY step_index`, buildID)
	if err != nil {
		return nil, fmt.Errorf("failed to list build steps: %w", err)
	}
	defer rows.Close()

	var out []*model.BuildStep
	for rows.Next() {
		var step model.BuildStep
		var exitCode sql.NullInt64
		var startedAt, finishedAt sql.NullString
		if err := rows.Scan(&step.ID, &step.BuildID, &step.StepIndex, &step.Name, &step.Script,
			&step.TimeoutSecs, &step.IgnoreFailure, &step.Status, &exitCode,
			&startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan build step: %w", err)
		}
		if exitCode.Valid {
			v := int(exitCode.Int64)
			step.ExitCode = &v
		}
		if step.StartedAt, err = parseTimePtr(startedAt); err != nil {
			return nil, err
		}
		if step.FinishedAt, err = parseTimePtr(finishedAt); err != nil {
			return nil, err
		}
		out = append(out, &step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate build steps: %w", err)
	}
	return out, nil
}

func (s *Store) MarkStepRunning(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE build_steps SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		model.StepRunning, fmtTime(now), id, model.StepPending)
	if err != nil {
		return fmt.Errorf("failed to mark step running: %w", err)
	}
	return requireTransition(res)
}

func (s *Store) FinishStep(ctx context.Context, id string, status model.StepStatus, exitCode *int, now time.Time) error {
	var code sql.NullInt64
	if exitCode != nil {
		code = sql.NullInt64{Int64: int64(*exitCode), Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE build_steps SET status = ?, exit_code = ?, finished_at = ? WHERE id = ?`,
		status, code, fmtTime(now), id)
	if err != nil {
		return fmt.Errorf("failed to finish step: %w", err)
	}
	return requireRow(res)
}

func (s *Store) SkipStep(ctx context.Context, id string, status model.StepStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE build_steps SET status = ? WHERE id = ? AND status = ?`,
		status, id, model.StepPending)
	if err != nil {
		return fmt.Errorf("failed to skip step: %w", err)
	}
	return requireTransition(res)
}

//
// Build logs
//

func (s *Store) InsertBuildLog(ctx context.Context, l *model.BuildLog) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO build_logs
		(id, build_id, step_index, stream, log_file_path, line_count)
		VALUES (?, ?, ?, ?, ?, ?)`,
		l.ID, l.BuildID, l.StepIndex, l.Stream, l.LogFilePath, l.LineCount)
	if err != nil {
		return fmt.Errorf("failed to insert build log: %w", err)
	}
	return nil
}

func (s *Store) ListBuildLogs(ctx context.Context, buildID string, stepIndex *int) ([]*model.BuildLog, error) {
	q := `SELECT id, build_id, step_index, stream, log_file_path, line_count
		FROM build_logs WHERE build_id = ?`
	args := []any{buildID}
	if stepIndex != nil {
		q += ` AND step_index = ?`
		args = append(args, *stepIndex)
	}
	q += ` ORDER BY step_index, stream`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list build logs: %w", err)
	}
	defer rows.Close()

	var out []*model.BuildLog
	for rows.Next() {
		var l model.BuildLog
		if err := rows.Scan(&l.ID, &l.BuildID, &l.StepIndex, &l.Stream, &l.LogFilePath, &l.LineCount); err != nil {
			return nil, fmt.Errorf("failed to scan build log: %w", err)
		}
		out = append(out, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate build logs: %w", err)
	}
	return out, nil
}

//
// Build artifacts
//

func (s *Store) InsertBuildArtifact(ctx context.Context, a *model.BuildArtifact) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO build_artifacts
		(id, build_id, name, relative_path, storage_path, size_bytes, content_type, checksum_sha256, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.BuildID, a.Name, a.RelativePath, a.StoragePath, a.SizeBytes,
		a.ContentType, a.ChecksumSHA256, fmtTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert build artifact: %w", err)
	}
	return nil
}

const artifactColumns = `id, build_id, name, relative_path, storage_path, size_bytes, content_type, checksum_sha256, created_at`

func (s *Store) scanArtifact(row interface{ Scan(...any) error }) (*model.BuildArtifact, error) {
	var a model.BuildArtifact
	var createdAt string
	if err := row.Scan(&a.ID, &a.BuildID, &a.Name, &a.RelativePath, &a.StoragePath,
		&a.SizeBytes, &a.ContentType, &a.ChecksumSHA256, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan build artifact: %w", err)
	}
	var err error
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) ListBuildArtifacts(ctx context.Context, buildID string) ([]*model.BuildArtifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+artifactColumns+` FROM build_artifacts WHERE build_id = ? ORDER BY relative_path`, buildID)
	if err != nil {
		return nil, fmt.Errorf("failed to list build artifacts: %w", err)
	}
	defer rows.Close()

	var out []*model.BuildArtifact
	for rows.Next() {
		a, err := s.scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate build artifacts: %w", err)
	}
	return out, nil
}

func (s *Store) GetBuildArtifact(ctx context.Context, buildID, artifactID string) (*model.BuildArtifact, error) {
	return s.scanArtifact(s.db.QueryRowContext(ctx,
		`SELECT `+artifactColumns+` FROM build_artifacts WHERE build_id = ? AND id = ?`,
		buildID, artifactID))
}

//
// Pipeline configs
//

func (s *Store) UpsertPipelineConfig(ctx context.Context, c *model.PipelineConfig) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE pipeline_configs SET is_active = 0 WHERE repository_id = ?`, c.RepositoryID); err != nil {
		return fmt.Errorf("failed to deactivate pipeline configs: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO pipeline_configs
		(id, repository_id, name, config_content, config_format, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (repository_id, name) DO UPDATE SET
			config_content = excluded.config_content,
			config_format = excluded.config_format,
			is_active = 1,
			updated_at = excluded.updated_at`,
		c.ID, c.RepositoryID, c.Name, c.ConfigContent, c.ConfigFormat,
		fmtTime(c.CreatedAt), fmtTime(c.UpdatedAt)); err != nil {
		return fmt.Errorf("failed to upsert pipeline config: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit pipeline config: %w", err)
	}
	return nil
}

const pipelineConfigColumns = `id, repository_id, name, config_content, config_format, is_active, created_at, updated_at`

func (s *Store) scanPipelineConfig(row interface{ Scan(...any) error }) (*model.PipelineConfig, error) {
	var c model.PipelineConfig
	var createdAt, updatedAt string
	if err := row.Scan(&c.ID, &c.RepositoryID, &c.Name, &c.ConfigContent, &c.ConfigFormat,
		&c.IsActive, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan pipeline config: %w", err)
	}
	var err error
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) GetActivePipelineConfig(ctx context.Context, repositoryID string) (*model.PipelineConfig, error) {
	return s.scanPipelineConfig(s.db.QueryRowContext(ctx,
		`SELECT `+pipelineConfigColumns+` FROM pipeline_configs
		 WHERE repository_id = ? AND is_active = 1`, repositoryID))
}

func (s *Store) ListPipelineConfigs(ctx context.Context, repositoryID string) ([]*model.PipelineConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pipelineConfigColumns+` FROM pipeline_configs WHERE repository_id = ? ORDER BY name`,
		repositoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pipeline configs: %w", err)
	}
	defer rows.Close()

	var out []*model.PipelineConfig
	for rows.Next() {
		c, err := s.scanPipelineConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pipeline configs: %w", err)
	}
	return out, nil
}

//
// OAuth states
//

func (s *Store) CreateOAuthState(ctx context.Context, st *model.OAuthState) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO oauth_states
		(state, provider, instance_url, expires_at, consumed_at, completed_at, app_id, app_name, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.State, st.Provider, st.InstanceURL, fmtTime(st.ExpiresAt),
		fmtTimePtr(st.ConsumedAt), fmtTimePtr(st.CompletedAt),
		st.AppID, st.AppName, st.ErrorMessage, fmtTime(st.CreatedAt))
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert oauth state: %w", err)
	}
	return nil
}

const oauthStateColumns = `state, provider, instance_url, expires_at, consumed_at, completed_at, app_id, app_name, error_message, created_at`

func (s *Store) scanOAuthState(row interface{ Scan(...any) error }) (*model.OAuthState, error) {
	var st model.OAuthState
	var expiresAt, createdAt string
	var consumedAt, completedAt sql.NullString
	if err := row.Scan(&st.State, &st.Provider, &st.InstanceURL, &expiresAt,
		&consumedAt, &completedAt, &st.AppID, &st.AppName, &st.ErrorMessage, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan oauth state: %w", err)
	}
	var err error
	if st.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}
	if st.ConsumedAt, err = parseTimePtr(consumedAt); err != nil {
		return nil, err
	}
	if st.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, err
	}
	if st.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) GetOAuthState(ctx context.Context, state string) (*model.OAuthState, error) {
	return s.scanOAuthState(s.db.QueryRowContext(ctx,
		`SELECT `+oauthStateColumns+` FROM oauth_states WHERE state = ?`, state))
}

// ConsumeOAuthState is single-use: the WHERE clause admits exactly one
// concurrent consumer. Expiry is checked up front; expires_at never
// changes after insert, so the claim stays race-free.
func (s *Store) ConsumeOAuthState(ctx context.Context, state string, provider model.Provider, now time.Time) (*model.OAuthState, error) {
	st, err := s.GetOAuthState(ctx, state)
	if err != nil {
		return nil, err
	}
	if st.Provider != provider {
		return nil, store.ErrNotFound
	}
	if now.After(st.ExpiresAt) {
		return nil, store.ErrConflict
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE oauth_states SET consumed_at = ?
		 WHERE state = ? AND provider = ? AND consumed_at IS NULL`,
		fmtTime(now), state, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to consume oauth state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		st, err := s.GetOAuthState(ctx, state)
		if err != nil || st.Provider != provider {
			return nil, store.ErrNotFound
		}
		return nil, store.ErrConflict
	}
	return s.GetOAuthState(ctx, state)
}

func (s *Store) CompleteOAuthState(ctx context.Context, state string, appID int64, appName string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE oauth_states SET completed_at = ?, app_id = ?, app_name = ? WHERE state = ?`,
		fmtTime(now), appID, appName, state)
	if err != nil {
		return fmt.Errorf("failed to complete oauth state: %w", err)
	}
	return requireRow(res)
}

func (s *Store) FailOAuthState(ctx context.Context, state, errorMessage string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE oauth_states SET error_message = ? WHERE state = ?`, errorMessage, state)
	if err != nil {
		return fmt.Errorf("failed to fail oauth state: %w", err)
	}
	return requireRow(res)
}

func (s *Store) DeleteExpiredOAuthStates(ctx context.Context, before time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM oauth_states WHERE expires_at < ?`, fmtTime(before)); err != nil {
		return fmt.Errorf("failed to delete expired oauth states: %w", err)
	}
	return nil
}

//
// GitHub App credential
//

func (s *Store) SaveGitHubApp(ctx context.Context, c *model.GitHubAppCredential) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE github_app_credentials SET is_active = 0 WHERE is_active = 1`); err != nil {
		return fmt.Errorf("failed to deactivate github app credentials: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO github_app_credentials
		(id, app_id, app_slug, app_name, html_url, client_id,
		 client_secret_ciphertext, client_secret_nonce,
		 webhook_secret_ciphertext, webhook_secret_nonce,
		 private_key_ciphertext, private_key_nonce,
		 is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`,
		c.ID, c.AppID, c.AppSlug, c.AppName, c.HTMLURL, c.ClientID,
		c.ClientSecret.Ciphertext, c.ClientSecret.Nonce,
		c.WebhookSecret.Ciphertext, c.WebhookSecret.Nonce,
		c.PrivateKey.Ciphertext, c.PrivateKey.Nonce,
		fmtTime(c.CreatedAt)); err != nil {
		return fmt.Errorf("failed to insert github app credential: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit github app credential: %w", err)
	}
	return nil
}

func (s *Store) GetActiveGitHubApp(ctx context.Context) (*model.GitHubAppCredential, error) {
	var c model.GitHubAppCredential
	var createdAt string
	err := s.db.QueryRowContext(ctx, `SELECT
		id, app_id, app_slug, app_name, html_url, client_id,
		client_secret_ciphertext, client_secret_nonce,
		webhook_secret_ciphertext, webhook_secret_nonce,
		private_key_ciphertext, private_key_nonce,
		is_active, created_at
		FROM github_app_credentials WHERE is_active = 1`).Scan(
		&c.ID, &c.AppID, &c.AppSlug, &c.AppName, &c.HTMLURL, &c.ClientID,
		&c.ClientSecret.Ciphertext, &c.ClientSecret.Nonce,
		&c.WebhookSecret.Ciphertext, &c.WebhookSecret.Nonce,
		&c.PrivateKey.Ciphertext, &c.PrivateKey.Nonce,
		&c.IsActive, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get github app credential: %w", err)
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) DeleteGitHubApp(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM github_app_credentials WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete github app credential: %w", err)
	}
	return requireRow(res)
}

//
// GitLab credentials
//

func (s *Store) SaveGitLabCredential(ctx context.Context, c *model.GitLabCredential) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE gitlab_credentials SET is_active = 0 WHERE instance_url = ? AND is_active = 1`,
		c.InstanceURL); err != nil {
		return fmt.Errorf("failed to deactivate gitlab credentials: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO gitlab_credentials
		(id, instance_url, user_id, username,
		 access_token_ciphertext, access_token_nonce,
		 refresh_token_ciphertext, refresh_token_nonce,
		 token_expiry, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`,
		c.ID, c.InstanceURL, c.UserID, c.Username,
		c.AccessToken.Ciphertext, c.AccessToken.Nonce,
		c.RefreshToken.Ciphertext, c.RefreshToken.Nonce,
		fmtTime(c.TokenExpiry), fmtTime(c.CreatedAt)); err != nil {
		return fmt.Errorf("failed to insert gitlab credential: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit gitlab credential: %w", err)
	}
	return nil
}

const gitlabCredentialColumns = `id, instance_url, user_id, username,
	access_token_ciphertext, access_token_nonce,
	refresh_token_ciphertext, refresh_token_nonce,
	token_expiry, is_active, created_at`

func (s *Store) scanGitLabCredential(row interface{ Scan(...any) error }) (*model.GitLabCredential, error) {
	var c model.GitLabCredential
	var tokenExpiry, createdAt string
	if err := row.Scan(&c.ID, &c.InstanceURL, &c.UserID, &c.Username,
		&c.AccessToken.Ciphertext, &c.AccessToken.Nonce,
		&c.RefreshToken.Ciphertext, &c.RefreshToken.Nonce,
		&tokenExpiry, &c.IsActive, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan gitlab credential: %w", err)
	}
	var err error
	if c.TokenExpiry, err = parseTime(tokenExpiry); err != nil {
		return nil, err
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) GetActiveGitLabCredential(ctx context.Context, instanceURL string) (*model.GitLabCredential, error) {
	return s.scanGitLabCredential(s.db.QueryRowContext(ctx,
		`SELECT `+gitlabCredentialColumns+` FROM gitlab_credentials
		 WHERE instance_url = ? AND is_active = 1`, instanceURL))
}

func (s *Store) ListGitLabCredentials(ctx context.Context) ([]*model.GitLabCredential, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+gitlabCredentialColumns+` FROM gitlab_credentials ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list gitlab credentials: %w", err)
	}
	defer rows.Close()

	var out []*model.GitLabCredential
	for rows.Next() {
		c, err := s.scanGitLabCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate gitlab credentials: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteGitLabCredential(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM gitlab_credentials WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete gitlab credential: %w", err)
	}
	return requireRow(res)
}

func (s *Store) SaveGitLabOAuthApp(ctx context.Context, a *model.GitLabOAuthApp) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE gitlab_oauth_apps SET is_active = 0 WHERE instance_url = ? AND is_active = 1`,
		a.InstanceURL); err != nil {
		return fmt.Errorf("failed to deactivate gitlab oauth apps: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO gitlab_oauth_apps
		(id, instance_url, client_id, client_secret_ciphertext, client_secret_nonce, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, 1, ?)`,
		a.ID, a.InstanceURL, a.ClientID,
		a.ClientSecret.Ciphertext, a.ClientSecret.Nonce, fmtTime(a.CreatedAt)); err != nil {
		return fmt.Errorf("failed to insert gitlab oauth app: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit gitlab oauth app: %w", err)
	}
	return nil
}

func (s *Store) GetActiveGitLabOAuthApp(ctx context.Context, instanceURL string) (*model.GitLabOAuthApp, error) {
	var a model.GitLabOAuthApp
	var createdAt string
	err := s.db.QueryRowContext(ctx, `SELECT
		id, instance_url, client_id, client_secret_ciphertext, client_secret_nonce, is_active, created_at
		FROM gitlab_oauth_apps WHERE instance_url = ? AND is_active = 1`, instanceURL).Scan(
		&a.ID, &a.InstanceURL, &a.ClientID,
		&a.ClientSecret.Ciphertext, &a.ClientSecret.Nonce, &a.IsActive, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get gitlab oauth app: %w", err)
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &a, nil
}

//
// Signing assets
//

func (s *Store) ListSigningCertificates(ctx context.Context, repositoryID string) ([]*model.SigningCertificate, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
		id, repository_id, name, p12_ciphertext, p12_nonce, password_ciphertext, password_nonce, created_at
		FROM signing_certificates WHERE repository_id = ? ORDER BY id`, repositoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to list signing certificates: %w", err)
	}
	defer rows.Close()

	var out []*model.SigningCertificate
	for rows.Next() {
		var c model.SigningCertificate
		var createdAt string
		if err := rows.Scan(&c.ID, &c.RepositoryID, &c.Name,
			&c.P12.Ciphertext, &c.P12.Nonce,
			&c.Password.Ciphertext, &c.Password.Nonce, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan signing certificate: %w", err)
		}
		if c.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate signing certificates: %w", err)
	}
	return out, nil
}

func (s *Store) ListProvisioningProfiles(ctx context.Context, repositoryID string) ([]*model.ProvisioningProfile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
		id, repository_id, uuid, name, profile_ciphertext, profile_nonce, created_at
		FROM provisioning_profiles WHERE repository_id = ? ORDER BY id`, repositoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to list provisioning profiles: %w", err)
	}
	defer rows.Close()

	var out []*model.ProvisioningProfile
	for rows.Next() {
		var p model.ProvisioningProfile
		var createdAt string
		if err := rows.Scan(&p.ID, &p.RepositoryID, &p.UUID, &p.Name,
			&p.Profile.Ciphertext, &p.Profile.Nonce, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan provisioning profile: %w", err)
		}
		if p.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate provisioning profiles: %w", err)
	}
	return out, nil
}

//
// helpers
//

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// requireTransition maps a zero-row optimistic update to ErrConflict. The
// caller holds no information to distinguish a missing row; transition
// call sites always operate on rows they just read.
func requireTransition(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrConflict
	}
	return nil
}
