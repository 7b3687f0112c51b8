// Package buildsqlite stores request and response records in a SQLite file.
// It is meant for local runs without Postgres.
package buildsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/k11v/appbuild/internal/build"
)

// ErrDuplicate is returned when a response for the same task, round and nonce exists.
var ErrDuplicate = errors.New("buildsqlite: duplicate record")

const schema = `
CREATE TABLE IF NOT EXISTS app_requests (
	id TEXT PRIMARY KEY,
	task TEXT NOT NULL,
	round INTEGER NOT NULL CHECK (round IN (1, 2)),
	nonce TEXT NOT NULL UNIQUE,
	email TEXT NOT NULL,
	brief TEXT NOT NULL,
	checks TEXT NOT NULL DEFAULT '[]',
	evaluation_url TEXT NOT NULL,
	attachment_names TEXT NOT NULL DEFAULT '[]',
	state TEXT NOT NULL,
	error_kind TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS app_requests_task_round_idx ON app_requests (task, round, created_at);

CREATE TABLE IF NOT EXISTS llm_responses (
	id TEXT PRIMARY KEY,
	task TEXT NOT NULL,
	round INTEGER NOT NULL CHECK (round IN (1, 2)),
	nonce TEXT NOT NULL,
	generated_code TEXT NOT NULL,
	repository_name TEXT NOT NULL,
	repository_url TEXT NOT NULL,
	pages_url TEXT NOT NULL,
	commit_sha TEXT NOT NULL,
	artifact_key TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	UNIQUE (task, round, nonce)
);
CREATE INDEX IF NOT EXISTS llm_responses_task_created_at_idx ON llm_responses (task, created_at);
`

// Store is safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens the database at path and creates the schema.
// path may be ":memory:".
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("buildsqlite: open %s: %w", path, err)
	}
	if path == ":memory:" {
		// Every connection to :memory: gets its own database.
		db.SetMaxOpenConns(1)
	}

	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("buildsqlite: ping %s: %w", path, err)
	}
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err = db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("buildsqlite: %s: %w", pragma, err)
		}
	}
	if _, err = db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("buildsqlite: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveRequest inserts the record or updates the state and error of the record
// with the same nonce.
func (s *Store) SaveRequest(ctx context.Context, r *build.RequestRecord) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	checks, err := marshalStrings(r.Checks)
	if err != nil {
		return fmt.Errorf("save request: %w", err)
	}
	attachmentNames, err := marshalStrings(r.AttachmentNames)
	if err != nil {
		return fmt.Errorf("save request: %w", err)
	}

	query := `
		INSERT INTO app_requests (
			id, task, round, nonce, email, brief, checks, evaluation_url,
			attachment_names, state, error_kind, error_message, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (nonce) DO UPDATE SET
			state = excluded.state,
			error_kind = excluded.error_kind,
			error_message = excluded.error_message
		RETURNING id
	`
	args := []any{
		r.ID.String(), r.Task, r.Round, r.Nonce, r.Email, r.Brief, checks, r.EvaluationURL,
		attachmentNames, string(r.State), r.ErrorKind, r.ErrorMessage, formatTime(r.CreatedAt),
	}

	var id string
	if err = s.db.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return fmt.Errorf("save request: %w", err)
	}
	if r.ID, err = uuid.Parse(id); err != nil {
		return fmt.Errorf("save request: %w", err)
	}

	return nil
}

// SaveResponse inserts the record.
func (s *Store) SaveResponse(ctx context.Context, r *build.ResponseRecord) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO llm_responses (
			id, task, round, nonce, generated_code, repository_name, repository_url,
			pages_url, commit_sha, artifact_key, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	args := []any{
		r.ID.String(), r.Task, r.Round, r.Nonce, r.GeneratedCode, r.RepositoryName, r.RepositoryURL,
		r.PagesURL, r.CommitSHA, r.ArtifactKey, formatTime(r.CreatedAt),
	}

	_, err := s.db.ExecContext(ctx, query, args...)
	if sqliteErr := (*sqlite.Error)(nil); errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
		return fmt.Errorf("save response: %w", ErrDuplicate)
	} else if err != nil {
		return fmt.Errorf("save response: %w", err)
	}

	return nil
}

// GetLatestResponse returns the most recent response of task.
func (s *Store) GetLatestResponse(ctx context.Context, task string) (*build.ResponseRecord, error) {
	query := `
		SELECT
			id, task, round, nonce, generated_code, repository_name, repository_url,
			pages_url, commit_sha, artifact_key, created_at
		FROM llm_responses
		WHERE task = ?
		ORDER BY created_at DESC, round DESC
		LIMIT 1
	`

	var (
		r         build.ResponseRecord
		id        string
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, query, task).Scan(
		&id, &r.Task, &r.Round, &r.Nonce, &r.GeneratedCode, &r.RepositoryName, &r.RepositoryURL,
		&r.PagesURL, &r.CommitSHA, &r.ArtifactKey, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, build.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("get latest response: %w", err)
	}

	if r.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("get latest response: %w", err)
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("get latest response: %w", err)
	}

	return &r, nil
}

// GetRequest returns the request of task and round, preferring completed ones.
func (s *Store) GetRequest(ctx context.Context, task string, round int) (*build.RequestRecord, error) {
	query := `
		SELECT
			id, task, round, nonce, email, brief, checks, evaluation_url,
			attachment_names, state, error_kind, error_message, created_at
		FROM app_requests
		WHERE task = ? AND round = ?
		ORDER BY (state = 'completed') DESC, created_at DESC
		LIMIT 1
	`

	var (
		r               build.RequestRecord
		id              string
		checks          string
		attachmentNames string
		state           string
		createdAt       string
	)
	err := s.db.QueryRowContext(ctx, query, task, round).Scan(
		&id, &r.Task, &r.Round, &r.Nonce, &r.Email, &r.Brief, &checks, &r.EvaluationURL,
		&attachmentNames, &state, &r.ErrorKind, &r.ErrorMessage, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, build.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}

	if r.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}
	if err = json.Unmarshal([]byte(checks), &r.Checks); err != nil {
		return nil, fmt.Errorf("get request: checks: %w", err)
	}
	if err = json.Unmarshal([]byte(attachmentNames), &r.AttachmentNames); err != nil {
		return nil, fmt.Errorf("get request: attachment names: %w", err)
	}
	r.State, _ = build.StateFromString(state)
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}

	return &r, nil
}

func marshalStrings(s []string) (string, error) {
	if s == nil {
		s = []string{}
	}
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Times are stored as fixed-width UTC text so that they sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
