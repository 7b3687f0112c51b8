// Package githubrepo publishes repositories and GitHub Pages sites on GitHub.
package githubrepo

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/google/go-github/v68/github"
	"golang.org/x/time/rate"

	"github.com/k11v/appbuild/internal/build"
	"github.com/k11v/appbuild/internal/repository"
	"github.com/k11v/appbuild/internal/retry"
)

// Config holds the GitHub configuration.
type Config struct {
	Token   string `env:"TOKEN"`    // required
	Owner   string `env:"OWNER"`    // required, the user owning the repositories
	Private bool   `env:"PRIVATE"`  // default: false, Pages needs public repositories on free plans
	BaseURL string `env:"BASE_URL"` // default: "https://api.github.com/"
}

// Manager creates, updates and publishes repositories of one owner.
type Manager struct {
	config  *Config        // required
	client  *github.Client // required
	limiter *rate.Limiter  // optional
}

// NewManager returns a new Manager.
// limiter may be nil to disable client-side rate limiting.
func NewManager(cfg *Config, limiter *rate.Limiter) (*Manager, error) {
	if cfg.Token == "" {
		return nil, errors.New("githubrepo: token is not configured")
	}
	if cfg.Owner == "" {
		return nil, errors.New("githubrepo: owner is not configured")
	}

	client := github.NewClient(nil).WithAuthToken(cfg.Token)
	if cfg.BaseURL != "" {
		u, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("githubrepo: %w", err)
		}
		client.BaseURL = u
	}

	return &Manager{config: cfg, client: client, limiter: limiter}, nil
}

// Owner returns the owner of the repositories.
func (m *Manager) Owner() string {
	return m.config.Owner
}

func (m *Manager) wait(ctx context.Context) error {
	if m.limiter == nil {
		return nil
	}
	return m.limiter.Wait(ctx)
}

// Exists reports whether the repository exists.
func (m *Manager) Exists(ctx context.Context, name string) (bool, error) {
	if err := m.wait(ctx); err != nil {
		return false, err
	}
	_, _, err := m.client.Repositories.Get(ctx, m.config.Owner, name)
	if statusCode(err) == http.StatusNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("githubrepo: get repository: %w", mapError(err))
	}
	return true, nil
}

// CreateOrUpdate commits params.Files on top of the default branch.
// It creates the repository first when params.Create is set.
// Committing the same files again doesn't create a new commit.
func (m *Manager) CreateOrUpdate(ctx context.Context, params *repository.CommitParams) (*build.Commit, error) {
	var (
		repo    *github.Repository
		created bool
		err     error
	)
	if params.Create {
		repo, created, err = m.create(ctx, params.Name, params.Description)
	} else {
		repo, err = m.get(ctx, params.Name)
	}
	if err != nil {
		return nil, err
	}

	branch := repo.GetDefaultBranch()
	if branch == "" {
		branch = "main"
	}

	head, err := m.head(ctx, params.Name, branch)
	if err != nil {
		return nil, err
	}

	entries, err := m.blobs(ctx, params.Name, params.Files)
	if err != nil {
		return nil, err
	}

	if err = m.wait(ctx); err != nil {
		return nil, err
	}
	tree, _, err := m.client.Git.CreateTree(ctx, m.config.Owner, params.Name, head.GetTree().GetSHA(), entries)
	if err != nil {
		return nil, fmt.Errorf("githubrepo: create tree: %w", mapError(err))
	}

	commit := &build.Commit{
		RepositoryName: params.Name,
		RepositoryURL:  repositoryURL(repo, m.config.Owner, params.Name),
		SHA:            head.GetSHA(),
		Created:        created,
	}
	if tree.GetSHA() == head.GetTree().GetSHA() {
		return commit, nil
	}

	if err = m.wait(ctx); err != nil {
		return nil, err
	}
	newCommit, _, err := m.client.Git.CreateCommit(ctx, m.config.Owner, params.Name, &github.Commit{
		Message: github.Ptr(params.Message),
		Tree:    &github.Tree{SHA: tree.SHA},
		Parents: []*github.Commit{{SHA: head.SHA}},
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("githubrepo: create commit: %w", mapError(err))
	}

	if err = m.wait(ctx); err != nil {
		return nil, err
	}
	_, _, err = m.client.Git.UpdateRef(ctx, m.config.Owner, params.Name, &github.Reference{
		Ref:    github.Ptr("refs/heads/" + branch),
		Object: &github.GitObject{SHA: newCommit.SHA},
	}, false)
	if err != nil {
		return nil, fmt.Errorf("githubrepo: update ref: %w", mapError(err))
	}

	commit.SHA = newCommit.GetSHA()
	return commit, nil
}

func (m *Manager) get(ctx context.Context, name string) (*github.Repository, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	repo, _, err := m.client.Repositories.Get(ctx, m.config.Owner, name)
	if err != nil {
		return nil, fmt.Errorf("githubrepo: get repository: %w", mapError(err))
	}
	return repo, nil
}

// create creates the repository with an initial commit.
// An existing repository with the same name is returned as is.
func (m *Manager) create(ctx context.Context, name, description string) (repo *github.Repository, created bool, err error) {
	if err = m.wait(ctx); err != nil {
		return nil, false, err
	}
	repo, _, err = m.client.Repositories.Create(ctx, "", &github.Repository{
		Name:        github.Ptr(name),
		Description: github.Ptr(description),
		Private:     github.Ptr(m.config.Private),
		AutoInit:    github.Ptr(true),
	})
	if statusCode(err) == http.StatusUnprocessableEntity && alreadyExists(err) {
		repo, err = m.get(ctx, name)
		return repo, false, err
	}
	if err != nil {
		return nil, false, fmt.Errorf("githubrepo: create repository: %w", mapError(err))
	}
	return repo, true, nil
}

// head returns the commit at the tip of branch.
func (m *Manager) head(ctx context.Context, name, branch string) (*github.Commit, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	ref, _, err := m.client.Git.GetRef(ctx, m.config.Owner, name, "heads/"+branch)
	if code := statusCode(err); code == http.StatusNotFound || code == http.StatusConflict {
		// A repository that was just created may not have its initial commit yet.
		return nil, fmt.Errorf("githubrepo: branch %s of %s isn't ready: %w", branch, name, err)
	}
	if err != nil {
		return nil, fmt.Errorf("githubrepo: get ref: %w", mapError(err))
	}

	if err = m.wait(ctx); err != nil {
		return nil, err
	}
	commit, _, err := m.client.Git.GetCommit(ctx, m.config.Owner, name, ref.GetObject().GetSHA())
	if err != nil {
		return nil, fmt.Errorf("githubrepo: get commit: %w", mapError(err))
	}
	return commit, nil
}

// blobs uploads files as base64 blobs so that binary attachments survive.
func (m *Manager) blobs(ctx context.Context, name string, files []build.File) ([]*github.TreeEntry, error) {
	sorted := make([]build.File, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	entries := make([]*github.TreeEntry, 0, len(sorted))
	for _, f := range sorted {
		if err := m.wait(ctx); err != nil {
			return nil, err
		}
		blob, _, err := m.client.Git.CreateBlob(ctx, m.config.Owner, name, &github.Blob{
			Content:  github.Ptr(base64.StdEncoding.EncodeToString(f.Content)),
			Encoding: github.Ptr("base64"),
		})
		if err != nil {
			return nil, fmt.Errorf("githubrepo: create blob %s: %w", f.Path, mapError(err))
		}
		entries = append(entries, &github.TreeEntry{
			Path: github.Ptr(f.Path),
			Mode: github.Ptr("100644"),
			Type: github.Ptr("blob"),
			SHA:  blob.SHA,
		})
	}
	return entries, nil
}

// Publish enables GitHub Pages from the root of the default branch
// and returns the public URL of the site.
func (m *Manager) Publish(ctx context.Context, name string) (string, error) {
	repo, err := m.get(ctx, name)
	if err != nil {
		return "", err
	}
	branch := repo.GetDefaultBranch()
	if branch == "" {
		branch = "main"
	}

	if err = m.wait(ctx); err != nil {
		return "", err
	}
	_, _, err = m.client.Repositories.EnablePages(ctx, m.config.Owner, name, &github.Pages{
		Source: &github.PagesSource{
			Branch: github.Ptr(branch),
			Path:   github.Ptr("/"),
		},
	})
	switch code := statusCode(err); {
	case err == nil:
	case code == http.StatusConflict || code == http.StatusUnprocessableEntity:
		// Already enabled.
	default:
		return "", fmt.Errorf("githubrepo: enable pages: %w", mapError(err))
	}

	if err = m.wait(ctx); err != nil {
		return "", err
	}
	pages, _, err := m.client.Repositories.GetPagesInfo(ctx, m.config.Owner, name)
	if err == nil && pages.GetHTMLURL() != "" {
		return pages.GetHTMLURL(), nil
	}
	if err != nil && statusCode(err) != http.StatusNotFound {
		return "", fmt.Errorf("githubrepo: get pages: %w", mapError(err))
	}
	return repository.PagesURL(m.config.Owner, name), nil
}

func repositoryURL(repo *github.Repository, owner, name string) string {
	if u := repo.GetHTMLURL(); u != "" {
		return u
	}
	return repository.URL(owner, name)
}

func statusCode(err error) int {
	var errResp *github.ErrorResponse
	if errors.As(err, &errResp) && errResp.Response != nil {
		return errResp.Response.StatusCode
	}
	return 0
}

func alreadyExists(err error) bool {
	var errResp *github.ErrorResponse
	if !errors.As(err, &errResp) {
		return false
	}
	for _, e := range errResp.Errors {
		if strings.Contains(e.Message, "already exists") {
			return true
		}
	}
	return strings.Contains(errResp.Message, "already exists")
}

// mapError turns GitHub errors into *retry.StatusError.
func mapError(err error) error {
	var rateErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return &retry.StatusError{Service: "github", StatusCode: http.StatusTooManyRequests, Body: err.Error()}
	}
	if code := statusCode(err); code != 0 {
		return &retry.StatusError{Service: "github", StatusCode: code, Body: err.Error()}
	}
	return err
}
