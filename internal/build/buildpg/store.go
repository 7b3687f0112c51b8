// Package buildpg stores request and response records in Postgres.
package buildpg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/k11v/appbuild/internal/build"
)

// ErrDuplicate is returned when a response for the same task, round and nonce exists.
var ErrDuplicate = errors.New("buildpg: duplicate record")

// Querier is implemented by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (commandTag pgconn.CommandTag, err error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	db Querier // required
}

func NewStore(db Querier) *Store {
	return &Store{db: db}
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

	query := `
		INSERT INTO app_requests (
			id, task, round, nonce, email, brief, checks, evaluation_url,
			attachment_names, state, error_kind, error_message, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (nonce) DO UPDATE SET
			state = excluded.state,
			error_kind = excluded.error_kind,
			error_message = excluded.error_message
		RETURNING id
	`
	args := []any{
		r.ID, r.Task, r.Round, r.Nonce, r.Email, r.Brief, nonNil(r.Checks), r.EvaluationURL,
		nonNil(r.AttachmentNames), string(r.State), r.ErrorKind, r.ErrorMessage, r.CreatedAt,
	}

	rows, _ := s.db.Query(ctx, query, args...)
	id, err := pgx.CollectExactlyOneRow(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return fmt.Errorf("save request: %w", err)
	}
	r.ID = id

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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	args := []any{
		r.ID, r.Task, r.Round, r.Nonce, r.GeneratedCode, r.RepositoryName, r.RepositoryURL,
		r.PagesURL, r.CommitSHA, r.ArtifactKey, r.CreatedAt,
	}

	_, err := s.db.Exec(ctx, query, args...)
	if pgErr := (*pgconn.PgError)(nil); errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
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
		WHERE task = $1
		ORDER BY created_at DESC, round DESC
		LIMIT 1
	`
	args := []any{task}

	rows, _ := s.db.Query(ctx, query, args...)
	r, err := pgx.CollectExactlyOneRow(rows, rowToResponseRecord)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, build.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("get latest response: %w", err)
	}

	return r, nil
}

// GetRequest returns the request of task and round, preferring completed ones.
func (s *Store) GetRequest(ctx context.Context, task string, round int) (*build.RequestRecord, error) {
	query := `
		SELECT
			id, task, round, nonce, email, brief, checks, evaluation_url,
			attachment_names, state, error_kind, error_message, created_at
		FROM app_requests
		WHERE task = $1 AND round = $2
		ORDER BY (state = 'completed') DESC, created_at DESC
		LIMIT 1
	`
	args := []any{task, round}

	rows, _ := s.db.Query(ctx, query, args...)
	r, err := pgx.CollectExactlyOneRow(rows, rowToRequestRecord)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, build.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}

	return r, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
