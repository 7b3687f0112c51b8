package buildpg

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/k11v/appbuild/internal/build"
)

type requestRow struct {
	ID              uuid.UUID `db:"id"`
	Task            string    `db:"task"`
	Round           int       `db:"round"`
	Nonce           string    `db:"nonce"`
	Email           string    `db:"email"`
	Brief           string    `db:"brief"`
	Checks          []string  `db:"checks"`
	EvaluationURL   string    `db:"evaluation_url"`
	AttachmentNames []string  `db:"attachment_names"`
	State           string    `db:"state"`
	ErrorKind       string    `db:"error_kind"`
	ErrorMessage    string    `db:"error_message"`
	CreatedAt       time.Time `db:"created_at"`
}

func rowToRequestRecord(collectableRow pgx.CollectableRow) (*build.RequestRecord, error) {
	collectedRow, err := pgx.RowToStructByName[requestRow](collectableRow)
	if err != nil {
		return nil, fmt.Errorf("row to request record: %w", err)
	}

	state, known := build.StateFromString(collectedRow.State)
	if !known {
		slog.Default().Warn(
			"unknown state encountered while reading request record",
			"state", collectedRow.State,
			"nonce", collectedRow.Nonce,
		)
	}

	return &build.RequestRecord{
		ID:              collectedRow.ID,
		Task:            collectedRow.Task,
		Round:           collectedRow.Round,
		Nonce:           collectedRow.Nonce,
		Email:           collectedRow.Email,
		Brief:           collectedRow.Brief,
		Checks:          collectedRow.Checks,
		EvaluationURL:   collectedRow.EvaluationURL,
		AttachmentNames: collectedRow.AttachmentNames,
		State:           state,
		ErrorKind:       collectedRow.ErrorKind,
		ErrorMessage:    collectedRow.ErrorMessage,
		CreatedAt:       collectedRow.CreatedAt.UTC(),
	}, nil
}

type responseRow struct {
	ID             uuid.UUID `db:"id"`
	Task           string    `db:"task"`
	Round          int       `db:"round"`
	Nonce          string    `db:"nonce"`
	GeneratedCode  string    `db:"generated_code"`
	RepositoryName string    `db:"repository_name"`
	RepositoryURL  string    `db:"repository_url"`
	PagesURL       string    `db:"pages_url"`
	CommitSHA      string    `db:"commit_sha"`
	ArtifactKey    string    `db:"artifact_key"`
	CreatedAt      time.Time `db:"created_at"`
}

func rowToResponseRecord(collectableRow pgx.CollectableRow) (*build.ResponseRecord, error) {
	collectedRow, err := pgx.RowToStructByName[responseRow](collectableRow)
	if err != nil {
		return nil, fmt.Errorf("row to response record: %w", err)
	}

	return &build.ResponseRecord{
		ID:             collectedRow.ID,
		Task:           collectedRow.Task,
		Round:          collectedRow.Round,
		Nonce:          collectedRow.Nonce,
		GeneratedCode:  collectedRow.GeneratedCode,
		RepositoryName: collectedRow.RepositoryName,
		RepositoryURL:  collectedRow.RepositoryURL,
		PagesURL:       collectedRow.PagesURL,
		CommitSHA:      collectedRow.CommitSHA,
		ArtifactKey:    collectedRow.ArtifactKey,
		CreatedAt:      collectedRow.CreatedAt.UTC(),
	}, nil
}
