package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/k11v/appbuild/internal/build"
	"github.com/k11v/appbuild/internal/codegen"
	"github.com/k11v/appbuild/internal/notify"
	"github.com/k11v/appbuild/internal/repository"
)

var (
	_ Generator         = (*fakeGenerator)(nil)
	_ RepositoryManager = (*fakeRepository)(nil)
	_ RecordStore       = (*memoryRecords)(nil)
	_ Notifier          = (*spyNotifier)(nil)
	_ ArtifactStore     = (*memoryArtifacts)(nil)
	_ EventPublisher    = (*spyEvents)(nil)
)

type fakeGenerator struct {
	mu      sync.Mutex
	prompts []*codegen.Prompt

	// Respond answers the call with the given 1-based number.
	Respond func(call int, prompt *codegen.Prompt) (string, error)
}

func (g *fakeGenerator) Generate(_ context.Context, prompt *codegen.Prompt) (string, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	call := len(g.prompts)
	g.mu.Unlock()

	if g.Respond == nil {
		return "```html\n<!DOCTYPE html><html><body>hello world</body></html>\n```", nil
	}
	return g.Respond(call, prompt)
}

func (g *fakeGenerator) Prompts() []*codegen.Prompt {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*codegen.Prompt(nil), g.prompts...)
}

type fakeRepository struct {
	mu      sync.Mutex
	repos   map[string]map[string][]byte
	commits map[string]int
	calls   []string

	CommitErr  func(call int) error
	PublishErr func(call int) error
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		repos:   make(map[string]map[string][]byte),
		commits: make(map[string]int),
	}
}

func (r *fakeRepository) Owner() string { return "octo" }

func (r *fakeRepository) Exists(_ context.Context, name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "Exists "+name)
	_, ok := r.repos[name]
	return ok, nil
}

func (r *fakeRepository) CreateOrUpdate(_ context.Context, params *repository.CommitParams) (*build.Commit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf("CreateOrUpdate %s create=%t", params.Name, params.Create))
	if r.CommitErr != nil {
		if err := r.CommitErr(r.count("CreateOrUpdate")); err != nil {
			return nil, err
		}
	}

	files, ok := r.repos[params.Name]
	if !ok && !params.Create {
		return nil, fmt.Errorf("repository %s doesn't exist", params.Name)
	}
	created := false
	if !ok {
		files = make(map[string][]byte)
		r.repos[params.Name] = files
		created = true
	}
	for _, f := range params.Files {
		files[f.Path] = f.Content
	}
	r.commits[params.Name]++

	return &build.Commit{
		RepositoryName: params.Name,
		RepositoryURL:  repository.URL("octo", params.Name),
		SHA:            fmt.Sprintf("sha-%s-%d", params.Name, r.commits[params.Name]),
		Created:        created,
	}, nil
}

func (r *fakeRepository) Publish(_ context.Context, name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "Publish "+name)
	if r.PublishErr != nil {
		if err := r.PublishErr(r.count("Publish")); err != nil {
			return "", err
		}
	}
	return repository.PagesURL("octo", name), nil
}

// count returns how many calls start with prefix. r.mu must be held.
func (r *fakeRepository) count(prefix string) int {
	n := 0
	for _, c := range r.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (r *fakeRepository) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *fakeRepository) Files(name string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var paths []string
	for p := range r.repos[name] {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func (r *fakeRepository) Delete(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.repos, name)
}

type memoryRecords struct {
	mu        sync.Mutex
	requests  []*build.RequestRecord
	responses []*build.ResponseRecord
}

func (m *memoryRecords) SaveRequest(_ context.Context, r *build.RequestRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *r
	for i, existing := range m.requests {
		if existing.Nonce == r.Nonce {
			m.requests[i] = &c
			return nil
		}
	}
	m.requests = append(m.requests, &c)
	return nil
}

func (m *memoryRecords) SaveResponse(_ context.Context, r *build.ResponseRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *r
	m.responses = append(m.responses, &c)
	return nil
}

func (m *memoryRecords) GetLatestResponse(_ context.Context, task string) (*build.ResponseRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.responses) - 1; i >= 0; i-- {
		if m.responses[i].Task == task {
			c := *m.responses[i]
			return &c, nil
		}
	}
	return nil, build.ErrNotFound
}

func (m *memoryRecords) GetRequest(_ context.Context, task string, round int) (*build.RequestRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.requests) - 1; i >= 0; i-- {
		if r := m.requests[i]; r.Task == task && r.Round == round {
			c := *r
			return &c, nil
		}
	}
	return nil, build.ErrNotFound
}

func (m *memoryRecords) Request(nonce string) *build.RequestRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.requests {
		if r.Nonce == nonce {
			c := *r
			return &c
		}
	}
	return nil
}

func (m *memoryRecords) Responses() []*build.ResponseRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*build.ResponseRecord(nil), m.responses...)
}

type spyNotifier struct {
	mu            sync.Mutex
	notifications []notify.Notification

	Err error
	// Before runs ahead of recording each notification.
	Before func(n *notify.Notification)
}

func (s *spyNotifier) Notify(_ context.Context, _ string, n *notify.Notification) error {
	if s.Before != nil {
		s.Before(n)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, *n)
	return s.Err
}

func (s *spyNotifier) Notifications() []notify.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notify.Notification(nil), s.notifications...)
}

type memoryArtifacts struct {
	mu        sync.Mutex
	artifacts []*build.Artifact
}

func (m *memoryArtifacts) ArchiveFiles(_ context.Context, a *build.Artifact) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.artifacts = append(m.artifacts, a)
	return fmt.Sprintf("tasks/%s/rounds/%d/%s/", a.Task, a.Round, a.Nonce), nil
}

type spyEvents struct {
	mu     sync.Mutex
	events []build.Event

	// Before runs ahead of recording each event.
	Before func(e *build.Event)
}

func (s *spyEvents) PublishEvent(_ context.Context, e *build.Event) error {
	if s.Before != nil {
		s.Before(e)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *e)
	return nil
}

func (s *spyEvents) Events() []build.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]build.Event(nil), s.events...)
}
