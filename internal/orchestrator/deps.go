package orchestrator

import (
	"context"
	"errors"

	"github.com/k11v/appbuild/internal/build"
	"github.com/k11v/appbuild/internal/codegen"
	"github.com/k11v/appbuild/internal/notify"
	"github.com/k11v/appbuild/internal/repository"
)

// Generator produces the source of an app from a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt *codegen.Prompt) (string, error)
}

// RepositoryManager commits files to hosted repositories and publishes their sites.
type RepositoryManager interface {
	Owner() string
	Exists(ctx context.Context, name string) (bool, error)
	CreateOrUpdate(ctx context.Context, params *repository.CommitParams) (*build.Commit, error)
	Publish(ctx context.Context, name string) (pagesURL string, err error)
}

// RecordStore persists requests and generation results.
// Getters return build.ErrNotFound when nothing matches.
type RecordStore interface {
	SaveRequest(ctx context.Context, r *build.RequestRecord) error
	SaveResponse(ctx context.Context, r *build.ResponseRecord) error
	GetLatestResponse(ctx context.Context, task string) (*build.ResponseRecord, error)
	GetRequest(ctx context.Context, task string, round int) (*build.RequestRecord, error)
}

// Notifier reports an outcome to an evaluation URL.
type Notifier interface {
	Notify(ctx context.Context, url string, n *notify.Notification) error
}

// ArtifactStore keeps a copy of the committed files.
type ArtifactStore interface {
	ArchiveFiles(ctx context.Context, artifact *build.Artifact) (key string, err error)
}

// EventPublisher announces jobs that reached a terminal state.
type EventPublisher interface {
	PublishEvent(ctx context.Context, e *build.Event) error
}

// EventPublishers publishes to every publisher in turn and joins their errors.
type EventPublishers []EventPublisher

func (ps EventPublishers) PublishEvent(ctx context.Context, e *build.Event) error {
	var errs []error
	for _, p := range ps {
		if err := p.PublishEvent(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
