package build

import (
	"time"

	"github.com/google/uuid"
)

// Request is an inbound build request.
// It is immutable once admitted.
type Request struct {
	Task          string       `json:"task" yaml:"task"`
	Round         int          `json:"round" yaml:"round"`
	Nonce         string       `json:"nonce" yaml:"nonce"`
	Email         string       `json:"email" yaml:"email"`
	Secret        string       `json:"secret" yaml:"secret"`
	Brief         string       `json:"brief" yaml:"brief"`
	Checks        []string     `json:"checks" yaml:"checks"`
	EvaluationURL string       `json:"evaluation_url" yaml:"evaluation_url"`
	Attachments   []Attachment `json:"attachments" yaml:"attachments"`
}

// Attachment is a named data URI.
// ContentType is used when the data URI has no media type.
// Bytes and MIMEType are set only after the source URI is decoded.
type Attachment struct {
	Name        string `json:"name" yaml:"name"`
	SourceURI   string `json:"url" yaml:"url"`
	ContentType string `json:"content_type,omitempty" yaml:"content_type,omitempty"`

	Bytes    []byte `json:"-" yaml:"-"`
	MIMEType string `json:"-" yaml:"-"`
}

// Resolved reports whether the attachment has been decoded.
func (a *Attachment) Resolved() bool {
	return a.Bytes != nil
}

// File is a file committed to a repository.
type File struct {
	Path    string
	Content []byte
}

// Commit describes the result of committing files to a repository.
type Commit struct {
	RepositoryName string
	RepositoryURL  string
	SHA            string
	Created        bool // the repository was created by this commit
}

// RequestRecord is the persisted form of an admitted request.
// The secret is never persisted.
type RequestRecord struct {
	ID              uuid.UUID
	Task            string
	Round           int
	Nonce           string
	Email           string
	Brief           string
	Checks          []string
	EvaluationURL   string
	AttachmentNames []string
	State           State
	ErrorKind       string
	ErrorMessage    string
	CreatedAt       time.Time
}

// ResponseRecord is the persisted result of a completed generation.
type ResponseRecord struct {
	ID             uuid.UUID
	Task           string
	Round          int
	Nonce          string
	GeneratedCode  string
	RepositoryName string
	RepositoryURL  string
	PagesURL       string
	CommitSHA      string
	ArtifactKey    string // empty when the artifact wasn't archived
	CreatedAt      time.Time
}

// Event is published when a job reaches a terminal state.
type Event struct {
	Task          string    `json:"task"`
	Round         int       `json:"round"`
	Nonce         string    `json:"nonce"`
	State         State     `json:"state"`
	RepositoryURL string    `json:"repo_url,omitempty"`
	PagesURL      string    `json:"pages_url,omitempty"`
	CommitSHA     string    `json:"commit_sha,omitempty"`
	Error         string    `json:"error,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Artifact is the set of files produced for one request.
type Artifact struct {
	Task  string
	Round int
	Nonce string
	Files []File
}
