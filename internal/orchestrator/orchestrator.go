// Package orchestrator admits build requests and drives each admitted job
// through the pipeline until it is completed or failed.
package orchestrator

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/k11v/appbuild/internal/attachment"
	"github.com/k11v/appbuild/internal/build"
	"github.com/k11v/appbuild/internal/logging"
	"github.com/k11v/appbuild/internal/metrics"
	"github.com/k11v/appbuild/internal/retry"
	"github.com/k11v/appbuild/internal/status"
)

// ErrShuttingDown is returned by Admit after Shutdown was called.
var ErrShuttingDown = errors.New("orchestrator: shutting down")

type Config struct {
	Secret string // required

	// ConcurrentRounds lets jobs of the same task run at the same time.
	ConcurrentRounds bool // default: false

	GeneratePolicy retry.Policy // default: 3 attempts, 120s per attempt
	CommitPolicy   retry.Policy // default: 4 attempts, 60s per attempt
	DeployPolicy   retry.Policy // default: 4 attempts, 60s per attempt

	EventTimeout time.Duration // default: 10s
}

func (c *Config) generatePolicy() retry.Policy {
	return withDefaults(c.GeneratePolicy, 3, 120*time.Second)
}

func (c *Config) commitPolicy() retry.Policy {
	return withDefaults(c.CommitPolicy, 4, 60*time.Second)
}

func (c *Config) deployPolicy() retry.Policy {
	return withDefaults(c.DeployPolicy, 4, 60*time.Second)
}

func (c *Config) eventTimeout() time.Duration {
	if c.EventTimeout <= 0 {
		return 10 * time.Second
	}
	return c.EventTimeout
}

func withDefaults(p retry.Policy, attempts int, attemptTimeout time.Duration) retry.Policy {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = attempts
	}
	if p.BaseDelay == 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Jitter == 0 {
		p.Jitter = 0.2
	}
	if p.AttemptTimeout == 0 {
		p.AttemptTimeout = attemptTimeout
	}
	return p
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Generator  Generator         // required
	Repository RepositoryManager // required
	Records    RecordStore       // required
	Notifier   Notifier          // required
	Artifacts  ArtifactStore     // optional
	Events     EventPublisher    // optional

	Status   *status.Store        // default: a new store
	Resolver *attachment.Resolver // default: 10 MiB limit
	Metrics  *metrics.Pipeline    // optional
	Log      *slog.Logger         // default: discard
}

type Orchestrator struct {
	config *Config
	deps   Deps
	log    *slog.Logger
	tasks  *keyedMutex
	now    func() time.Time

	mu       sync.Mutex
	jobs     sync.WaitGroup
	stopping bool
}

func New(cfg *Config, deps Deps) *Orchestrator {
	if deps.Status == nil {
		deps.Status = status.NewStore(0)
	}
	if deps.Resolver == nil {
		deps.Resolver = &attachment.Resolver{}
	}
	if deps.Log == nil {
		deps.Log = logging.Discard()
	}
	return &Orchestrator{
		config: cfg,
		deps:   deps,
		log:    deps.Log.With("component", "orchestrator"),
		tasks:  newKeyedMutex(),
		now:    time.Now,
	}
}

// Admission is the outcome of an accepted request.
type Admission struct {
	Status    build.StatusRecord
	Duplicate bool // the nonce was seen before and no job was started
}

// Admit validates req and starts a job for it.
// A nonce that is already known returns its current status instead.
// Rejections are *build.Error of kind auth, validation or task_not_found;
// no status record is created for them.
func (o *Orchestrator) Admit(ctx context.Context, req *build.Request) (*Admission, error) {
	if subtle.ConstantTimeCompare([]byte(req.Secret), []byte(o.config.Secret)) != 1 {
		return nil, build.Errorf(build.KindAuth, "invalid secret")
	}
	if err := validate(req); err != nil {
		return nil, err
	}

	if rec, err := o.deps.Status.Get(req.Nonce); err == nil {
		return &Admission{Status: rec, Duplicate: true}, nil
	}

	if req.Round == 2 {
		_, err := o.deps.Records.GetLatestResponse(ctx, req.Task)
		if errors.Is(err, build.ErrNotFound) {
			return nil, build.Errorf(build.KindTaskNotFound, "task %s has no prior round", req.Task)
		}
		if err != nil {
			return nil, build.WrapError(build.KindInternal, "get latest response", err)
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopping {
		return nil, ErrShuttingDown
	}

	rec, created := o.deps.Status.Create(req.Nonce, req.Task, req.Round)
	if !created {
		return &Admission{Status: rec, Duplicate: true}, nil
	}

	o.deps.Metrics.JobAdmitted(ctx, req.Round)
	o.log.Info(
		"admitted request",
		"task", req.Task,
		"round", req.Round,
		"nonce", req.Nonce,
		"attachments", len(req.Attachments),
	)

	j := &job{
		req:       cloneRequest(req),
		createdAt: o.now().UTC(),
		log:       o.log.With("task", req.Task, "round", req.Round, "nonce", req.Nonce),
	}
	o.jobs.Add(1)
	go o.run(context.WithoutCancel(ctx), j)

	return &Admission{Status: rec}, nil
}

// Status returns the current status of nonce.
func (o *Orchestrator) Status(nonce string) (build.StatusRecord, error) {
	return o.deps.Status.Get(nonce)
}

// Shutdown stops admitting requests and waits for running jobs
// until they finish or ctx is done.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.stopping = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.jobs.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator: shutdown: %w", ctx.Err())
	}
}

func validate(req *build.Request) error {
	var problems []string
	if strings.TrimSpace(req.Task) == "" {
		problems = append(problems, "task is required")
	}
	if strings.TrimSpace(req.Nonce) == "" {
		problems = append(problems, "nonce is required")
	}
	if !strings.Contains(req.Email, "@") {
		problems = append(problems, "email must contain @")
	}
	if strings.TrimSpace(req.Brief) == "" {
		problems = append(problems, "brief is required")
	}
	if req.Round != 1 && req.Round != 2 {
		problems = append(problems, fmt.Sprintf("round must be 1 or 2, got %d", req.Round))
	}
	if u, err := url.Parse(req.EvaluationURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		problems = append(problems, "evaluation_url must be an absolute http or https URL")
	}
	if len(problems) > 0 {
		return build.Errorf(build.KindValidation, "%s", strings.Join(problems, "; "))
	}
	return nil
}

// cloneRequest returns a copy of req the job can own.
func cloneRequest(req *build.Request) *build.Request {
	c := *req
	c.Checks = append([]string(nil), req.Checks...)
	c.Attachments = append([]build.Attachment(nil), req.Attachments...)
	return &c
}
