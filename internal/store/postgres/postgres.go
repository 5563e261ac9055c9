// Package postgres implements internal/store.Store over
// github.com/jmoiron/sqlx atop the github.com/jackc/pgx/v5 stdlib driver,
// with schema migrations run by github.com/pressly/goose/v3. Grounded on
// the pack's Postgres-backed store repos (emergent's internal/database +
// internal/migrate for the pgxpool/goose wiring shape; basegraph's
// per-entity store.go files for the repository method shape), adapted from
// those repos' bun/sqlc query builders to hand-written sqlx queries since
// this module's go.mod carries sqlx + pgx directly rather than an ORM or a
// codegen tool. The semantic-snippet memory uses
// github.com/pgvector/pgvector-go against a pgvector-enabled column —
// grounded on the manifest for 88lin-divinesense, the retrieval pack's
// example of pairing pgvector with a pgx/sqlx-style stack.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/jmoiron/sqlx"
	"github.com/pgvector/pgvector-go"
	"github.com/pressly/goose/v3"

	"github.com/loopworks/conductor/internal/store"
	"github.com/loopworks/conductor/internal/store/postgres/migrations"
)

// Store is a store.Store backed by a Postgres connection pool capped at one
// open connection, matching spec.md §5's "shared, serialized behind a single
// connection" policy for the store.
type Store struct {
	db *sqlx.DB
}

// Open connects to dsn and returns a ready Store. Callers should call
// Migrate once at startup before using Store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// DB returns the underlying *sql.DB, for passing to Migrate at startup.
func (s *Store) DB() *sql.DB { return s.db.DB }

// Migrate applies every pending migration in migrations.FS.
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func wrapNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

// --- Conversations -----------------------------------------------------

func (s *Store) SaveConversation(ctx context.Context, c store.Conversation) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.MetadataJSON == nil {
		c.MetadataJSON = json.RawMessage("{}")
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, ts, user_msg, agent_msg, metadata_json)
		VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.Timestamp, c.UserMsg, c.AgentMsg, c.MetadataJSON)
	return err
}

func (s *Store) RecentConversations(ctx context.Context, n int) ([]store.Conversation, error) {
	if n <= 0 {
		n = 10
	}
	var rows []store.Conversation
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, ts, user_msg, agent_msg, metadata_json
		FROM conversations ORDER BY ts DESC LIMIT $1`, n)
	if err != nil {
		return nil, err
	}
	reverse(rows)
	return rows, nil
}

// --- Tasks ---------------------------------------------------------------

func (s *Store) UpsertTask(ctx context.Context, t store.TaskRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, name, status, agent, input, result, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, status = EXCLUDED.status, agent = EXCLUDED.agent,
			input = EXCLUDED.input, result = EXCLUDED.result, error = EXCLUDED.error,
			updated_at = now()`,
		t.ID, t.Name, t.Status, t.Agent, t.Input, t.Result, t.Error)
	return err
}

func (s *Store) RecentTasks(ctx context.Context, n int) ([]store.TaskRecord, error) {
	if n <= 0 {
		n = 20
	}
	var rows []store.TaskRecord
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, name, status, agent, input, result, error, created_at, updated_at
		FROM tasks ORDER BY updated_at DESC LIMIT $1`, n)
	return rows, err
}

// --- Knowledge -------------------------------------------------------------

func (s *Store) GetKnowledge(ctx context.Context, key string) (json.RawMessage, error) {
	var raw json.RawMessage
	err := s.db.GetContext(ctx, &raw, `SELECT value_json FROM knowledge WHERE key = $1`, key)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return raw, nil
}

func (s *Store) SetKnowledge(ctx context.Context, key string, value json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO knowledge (key, value_json, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value_json = EXCLUDED.value_json, updated_at = now()`,
		key, value)
	return err
}

func (s *Store) AllKnowledge(ctx context.Context) (map[string]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value_json FROM knowledge`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var key string
		var value json.RawMessage
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, rows.Err()
}

// --- Semantic snippet memory -------------------------------------------

func (s *Store) StoreSnippet(ctx context.Context, text string, embedding []float32) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vector_memory (id, text, embedding, created_at)
		VALUES ($1, $2, $3, now())`,
		uuid.NewString(), text, pgvector.NewVector(embedding))
	return err
}

func (s *Store) SearchSnippets(ctx context.Context, embedding []float32, k int) ([]store.SemanticMatch, error) {
	if k <= 0 {
		k = 5
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT text, embedding <-> $1 AS distance
		FROM vector_memory
		ORDER BY embedding <-> $1
		LIMIT $2`, pgvector.NewVector(embedding), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.SemanticMatch
	for rows.Next() {
		var m store.SemanticMatch
		if err := rows.Scan(&m.Text, &m.Distance); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) CountSnippets(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT count(*) FROM vector_memory`)
	return n, err
}

// --- Projects --------------------------------------------------------------

func (s *Store) GetProjectBySlug(ctx context.Context, slug string) (*store.Project, error) {
	var p store.Project
	err := s.db.GetContext(ctx, &p, `
		SELECT id, name, slug, description, workspace_path, objective, last_used_at,
		       last_autonomous_at, autonomous_runs_today, autonomous_runs_date, created_at
		FROM projects WHERE slug = $1`, slug)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &p, nil
}

func (s *Store) GetProject(ctx context.Context, id string) (*store.Project, error) {
	var p store.Project
	err := s.db.GetContext(ctx, &p, `
		SELECT id, name, slug, description, workspace_path, objective, last_used_at,
		       last_autonomous_at, autonomous_runs_today, autonomous_runs_date, created_at
		FROM projects WHERE id = $1`, id)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &p, nil
}

func (s *Store) ListProjects(ctx context.Context) ([]store.Project, error) {
	var rows []store.Project
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, name, slug, description, workspace_path, objective, last_used_at,
		       last_autonomous_at, autonomous_runs_today, autonomous_runs_date, created_at
		FROM projects ORDER BY name`)
	return rows, err
}

func (s *Store) ProjectsWithObjective(ctx context.Context) ([]store.Project, error) {
	var rows []store.Project
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, name, slug, description, workspace_path, objective, last_used_at,
		       last_autonomous_at, autonomous_runs_today, autonomous_runs_date, created_at
		FROM projects
		WHERE objective <> ''
		ORDER BY last_autonomous_at ASC NULLS FIRST`)
	return rows, err
}

func (s *Store) UpsertProject(ctx context.Context, p store.Project) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, slug, description, workspace_path, objective, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, description = EXCLUDED.description,
			workspace_path = EXCLUDED.workspace_path, objective = EXCLUDED.objective`,
		p.ID, p.Name, p.Slug, p.Description, p.WorkspacePath, p.Objective)
	return err
}

func (s *Store) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE projects SET last_used_at = $2 WHERE id = $1`, id, at)
	return err
}

func (s *Store) RecordAutonomousRun(ctx context.Context, id string, at time.Time, date string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE projects SET
			last_autonomous_at = $2,
			autonomous_runs_today = CASE WHEN autonomous_runs_date = $3 THEN autonomous_runs_today + 1 ELSE 1 END,
			autonomous_runs_date = $3
		WHERE id = $1`, id, at, date)
	return err
}

// --- Improvement attempts ---------------------------------------------------

func (s *Store) SaveImprovementAttempt(ctx context.Context, a store.ImprovementAttempt) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.ChangedFilesJSON == nil {
		a.ChangedFilesJSON = json.RawMessage("[]")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO improvement_attempts (id, cycle, branch, changed_files_json, merged, tokens_used, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
		a.ID, a.Cycle, a.Branch, a.ChangedFilesJSON, a.Merged, a.TokensUsed, a.Error)
	return err
}

func (s *Store) RecentImprovementAttempts(ctx context.Context, n int) ([]store.ImprovementAttempt, error) {
	if n <= 0 {
		n = 5
	}
	var rows []store.ImprovementAttempt
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, cycle, branch, changed_files_json, merged, tokens_used, error, created_at
		FROM improvement_attempts ORDER BY created_at DESC LIMIT $1`, n)
	return rows, err
}

// --- Scheduled items ---------------------------------------------------------

func (s *Store) CreateScheduledItem(ctx context.Context, it store.ScheduledItem) error {
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_items (id, item_type, title, description, schedule_json, next_run_at, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
		it.ID, it.ItemType, it.Title, it.Description, it.ScheduleJSON, it.NextRunAt, it.Status)
	return err
}

func (s *Store) DueScheduledItems(ctx context.Context, now time.Time) ([]store.ScheduledItem, error) {
	var rows []store.ScheduledItem
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, item_type, title, description, schedule_json, next_run_at, status, last_run_at, run_count, created_at
		FROM scheduled_items
		WHERE status = 'active' AND next_run_at <= $1
		ORDER BY next_run_at`, now)
	return rows, err
}

func (s *Store) UpdateScheduledItem(ctx context.Context, it store.ScheduledItem) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_items SET
			next_run_at = $2, status = $3, last_run_at = $4, run_count = $5
		WHERE id = $1`,
		it.ID, it.NextRunAt, it.Status, it.LastRunAt, it.RunCount)
	return err
}

func (s *Store) ListScheduledItems(ctx context.Context) ([]store.ScheduledItem, error) {
	var rows []store.ScheduledItem
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, item_type, title, description, schedule_json, next_run_at, status, last_run_at, run_count, created_at
		FROM scheduled_items ORDER BY created_at`)
	return rows, err
}

func (s *Store) SetScheduledItemStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE scheduled_items SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func reverse(rows []store.Conversation) {
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
}
