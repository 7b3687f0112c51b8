package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/k11v/appbuild/internal/build"
	"github.com/k11v/appbuild/internal/codegen"
	"github.com/k11v/appbuild/internal/notify"
	"github.com/k11v/appbuild/internal/repository"
	"github.com/k11v/appbuild/internal/retry"
	"github.com/k11v/appbuild/internal/status"
)

// job is the state of one admitted request.
// It is owned by the goroutine running it.
type job struct {
	req       *build.Request
	createdAt time.Time
	log       *slog.Logger

	attachments []build.Attachment
	plan        build.Plan
	html        string
	files       []build.File
	commit      *build.Commit
	pagesURL    string
	warnings    []string

	// finished is set once the terminal status is written.
	finished bool
}

func (o *Orchestrator) run(ctx context.Context, j *job) {
	defer o.jobs.Done()

	if !o.config.ConcurrentRounds {
		unlock := o.tasks.Lock(j.req.Task)
		defer unlock()
	}

	defer func() {
		if r := recover(); r != nil {
			if j.finished {
				j.log.Warn("job panicked after finishing", "panic", r, "stack", string(debug.Stack()))
				return
			}
			j.log.Error("job panicked", "panic", r, "stack", string(debug.Stack()))
			o.fail(ctx, j, build.Errorf(build.KindInternal, "panic: %v", r))
		}
	}()

	if err := o.process(ctx, j); err != nil {
		o.fail(ctx, j, err)
		return
	}
	if err := o.complete(ctx, j); err != nil {
		o.fail(ctx, j, err)
	}
}

// process runs the stages up to and including deployment.
func (o *Orchestrator) process(ctx context.Context, j *job) error {
	if err := o.stage(ctx, j, build.StateResolvingAttachments, status.Update{}, o.resolveAttachments); err != nil {
		return err
	}
	if err := o.stage(ctx, j, build.StateGenerating, status.Update{}, o.generate); err != nil {
		return err
	}
	if err := o.stage(ctx, j, build.StateCommitting, status.Update{}, o.commit); err != nil {
		return err
	}
	u := status.Update{RepositoryURL: j.commit.RepositoryURL, CommitSHA: j.commit.SHA}
	return o.stage(ctx, j, build.StateDeploying, u, o.deploy)
}

// stage moves the job to state and runs fn.
func (o *Orchestrator) stage(ctx context.Context, j *job, state build.State, u status.Update, fn func(context.Context, *job) error) error {
	o.advance(j, state, u)

	started := time.Now()
	err := fn(ctx, j)
	o.deps.Metrics.StageFinished(ctx, string(state), time.Since(started))

	if err != nil {
		return err
	}
	j.log.Debug("finished stage", "state", state, "duration", time.Since(started))
	return nil
}

func (o *Orchestrator) advance(j *job, state build.State, u status.Update) {
	u.State = state
	if _, err := o.deps.Status.Set(j.req.Nonce, u); err != nil {
		j.log.Error("failed to set status", "state", state, "error", err)
	}
}

func (o *Orchestrator) resolveAttachments(ctx context.Context, j *job) error {
	attachments, err := o.deps.Resolver.ResolveAll(ctx, j.req.Attachments)
	if err != nil {
		return build.WrapError(build.KindAttachment, "resolve attachments", err)
	}
	j.attachments = attachments
	return nil
}

// generate selects the plan of the job and generates its index.html.
func (o *Orchestrator) generate(ctx context.Context, j *job) error {
	name := repository.Name(j.req.Task)

	var prompt *codegen.Prompt
	switch j.req.Round {
	case 1:
		j.plan = &build.CreatePlan{
			RepositoryName: name,
			Description:    description(j.req.Brief),
		}
		prompt = codegen.NewCreatePrompt(j.req, j.attachments)
	case 2:
		prior, err := o.deps.Records.GetLatestResponse(ctx, j.req.Task)
		if errors.Is(err, build.ErrNotFound) {
			return build.Errorf(build.KindTaskNotFound, "task %s has no prior round", j.req.Task)
		}
		if err != nil {
			return build.WrapError(build.KindInternal, "get latest response", err)
		}

		priorRequest, err := o.deps.Records.GetRequest(ctx, j.req.Task, 1)
		if errors.Is(err, build.ErrNotFound) {
			priorRequest = nil
		} else if err != nil {
			return build.WrapError(build.KindInternal, "get prior request", err)
		}

		if prior.RepositoryName != "" {
			name = prior.RepositoryName
		}
		j.plan = &build.UpdatePlan{
			RepositoryName: name,
			RepositoryURL:  prior.RepositoryURL,
			Prior:          prior,
			PriorRequest:   priorRequest,
		}
		prompt = codegen.NewRevisionPrompt(j.req, j.attachments, prior, priorRequest)
	default:
		return build.Errorf(build.KindValidation, "round must be 1 or 2, got %d", j.req.Round)
	}

	policy := o.policy(ctx, j, build.StateGenerating, o.config.generatePolicy())
	err := policy.Do(ctx, func(ctx context.Context) error {
		out, err := o.deps.Generator.Generate(ctx, prompt)
		if err != nil {
			return err
		}
		html, err := codegen.ExtractHTML(out)
		if err != nil {
			return retry.Permanent(err)
		}
		j.html = html
		return nil
	})
	if err != nil {
		return build.WrapError(build.KindGeneration, "generate", err)
	}
	return nil
}

// commit pushes the generated files according to the plan.
func (o *Orchestrator) commit(ctx context.Context, j *job) error {
	owner := o.deps.Repository.Owner()
	name := j.plan.Repository()
	policy := o.policy(ctx, j, build.StateCommitting, o.config.commitPolicy())

	params := &repository.CommitParams{
		Name:        name,
		Description: description(j.req.Brief),
	}
	switch p := j.plan.(type) {
	case *build.CreatePlan:
		params.Create = true
		params.Message = fmt.Sprintf("Round %d: %s", j.req.Round, summary(j.req.Brief))
	case *build.UpdatePlan:
		var exists bool
		err := policy.Do(ctx, func(ctx context.Context) error {
			var err error
			exists, err = o.deps.Repository.Exists(ctx, p.RepositoryName)
			return err
		})
		if err != nil {
			return build.WrapError(build.KindRepository, "check repository", err)
		}
		if !exists {
			j.log.Warn("repository of prior round is missing, creating it again", "repository", name)
			j.warnings = append(j.warnings, "repository of prior round was missing and has been recreated")
			params.Create = true
		}
		params.Message = fmt.Sprintf("Round %d revision: %s", j.req.Round, summary(j.req.Brief))
	}

	j.files = repository.Files(&repository.FilesParams{
		Owner:         owner,
		Request:       j.req,
		HTML:          j.html,
		Attachments:   j.attachments,
		RepositoryURL: repository.URL(owner, name),
		PagesURL:      repository.PagesURL(owner, name),
		Now:           o.now().UTC(),
	})
	params.Files = j.files

	err := policy.Do(ctx, func(ctx context.Context) error {
		c, err := o.deps.Repository.CreateOrUpdate(ctx, params)
		if err != nil {
			return err
		}
		j.commit = c
		return nil
	})
	if err != nil {
		return build.WrapError(build.KindRepository, "commit", err)
	}

	// Attachments are in j.files from here on.
	j.attachments = nil

	j.log.Info(
		"committed files",
		"repository", j.commit.RepositoryURL,
		"commit", j.commit.SHA,
		"created", j.commit.Created,
	)
	return nil
}

func (o *Orchestrator) deploy(ctx context.Context, j *job) error {
	policy := o.policy(ctx, j, build.StateDeploying, o.config.deployPolicy())
	err := policy.Do(ctx, func(ctx context.Context) error {
		pagesURL, err := o.deps.Repository.Publish(ctx, j.plan.Repository())
		if err != nil {
			return err
		}
		j.pagesURL = pagesURL
		return nil
	})
	if err != nil {
		return build.WrapError(build.KindDeployment, "publish", err)
	}
	return nil
}

// complete records a deployed job, notifies the evaluator and marks the job completed.
func (o *Orchestrator) complete(ctx context.Context, j *job) error {
	o.advance(j, build.StateNotifying, status.Update{PagesURL: j.pagesURL})

	var artifactKey string
	if o.deps.Artifacts != nil {
		key, err := o.deps.Artifacts.ArchiveFiles(ctx, &build.Artifact{
			Task:  j.req.Task,
			Round: j.req.Round,
			Nonce: j.req.Nonce,
			Files: j.files,
		})
		if err != nil {
			j.log.Warn("failed to archive files", "error", err)
			j.warnings = append(j.warnings, "files were not archived")
		} else {
			artifactKey = key
		}
	}

	if err := o.deps.Records.SaveRequest(ctx, o.requestRecord(j, build.StateCompleted, nil)); err != nil {
		return build.WrapError(build.KindInternal, "save request", err)
	}
	err := o.deps.Records.SaveResponse(ctx, &build.ResponseRecord{
		Task:           j.req.Task,
		Round:          j.req.Round,
		Nonce:          j.req.Nonce,
		GeneratedCode:  j.html,
		RepositoryName: j.commit.RepositoryName,
		RepositoryURL:  j.commit.RepositoryURL,
		PagesURL:       j.pagesURL,
		CommitSHA:      j.commit.SHA,
		ArtifactKey:    artifactKey,
		CreatedAt:      o.now().UTC(),
	})
	if err != nil {
		return build.WrapError(build.KindInternal, "save response", err)
	}

	err = o.deps.Notifier.Notify(ctx, j.req.EvaluationURL, &notify.Notification{
		Email:         j.req.Email,
		Task:          j.req.Task,
		Round:         j.req.Round,
		Nonce:         j.req.Nonce,
		State:         string(build.StateCompleted),
		RepositoryURL: j.commit.RepositoryURL,
		CommitSHA:     j.commit.SHA,
		PagesURL:      j.pagesURL,
	})
	if err != nil {
		j.log.Warn("failed to notify evaluator", "error", err)
		j.warnings = append(j.warnings, "evaluation notification failed: "+err.Error())
	}

	rec, err := o.deps.Status.Set(j.req.Nonce, status.Update{
		State:   build.StateCompleted,
		Warning: strings.Join(j.warnings, "; "),
	})
	if err != nil {
		j.log.Error("failed to set status", "state", build.StateCompleted, "error", err)
	}
	j.finished = true
	o.deps.Metrics.JobFinished(ctx, string(build.StateCompleted))
	j.log.Info("completed job", "repository", rec.RepositoryURL, "pages", rec.PagesURL, "duration", o.now().Sub(j.createdAt))

	o.publish(ctx, j, &build.Event{
		Task:          j.req.Task,
		Round:         j.req.Round,
		Nonce:         j.req.Nonce,
		State:         build.StateCompleted,
		RepositoryURL: j.commit.RepositoryURL,
		PagesURL:      j.pagesURL,
		CommitSHA:     j.commit.SHA,
		OccurredAt:    o.now().UTC(),
	})
	return nil
}

// fail records the failure, notifies the evaluator and marks the job failed.
func (o *Orchestrator) fail(ctx context.Context, j *job, cause error) {
	detail := build.DetailOf(cause)
	j.log.Error("failed job", "kind", detail.Kind, "error", cause)

	err := guard(func() error {
		return o.deps.Records.SaveRequest(ctx, o.requestRecord(j, build.StateFailed, detail))
	})
	if err != nil {
		j.log.Error("failed to save request", "error", err)
	}

	var repositoryURL, commitSHA string
	if j.commit != nil {
		repositoryURL, commitSHA = j.commit.RepositoryURL, j.commit.SHA
	}
	err = guard(func() error {
		return o.deps.Notifier.Notify(ctx, j.req.EvaluationURL, &notify.Notification{
			Email:         j.req.Email,
			Task:          j.req.Task,
			Round:         j.req.Round,
			Nonce:         j.req.Nonce,
			State:         string(build.StateFailed),
			RepositoryURL: repositoryURL,
			CommitSHA:     commitSHA,
			PagesURL:      j.pagesURL,
			Error:         detail.Message,
		})
	})
	if err != nil {
		j.log.Warn("failed to notify evaluator", "error", err)
		j.warnings = append(j.warnings, "evaluation notification failed: "+err.Error())
	}

	_, err = o.deps.Status.Set(j.req.Nonce, status.Update{
		State:   build.StateFailed,
		Error:   detail,
		Warning: strings.Join(j.warnings, "; "),
	})
	if err != nil {
		j.log.Error("failed to set status", "state", build.StateFailed, "error", err)
	}
	j.finished = true
	o.deps.Metrics.JobFinished(ctx, string(build.StateFailed))

	o.publish(ctx, j, &build.Event{
		Task:          j.req.Task,
		Round:         j.req.Round,
		Nonce:         j.req.Nonce,
		State:         build.StateFailed,
		RepositoryURL: repositoryURL,
		CommitSHA:     commitSHA,
		Error:         detail.Message,
		OccurredAt:    o.now().UTC(),
	})
}

func (o *Orchestrator) publish(ctx context.Context, j *job, e *build.Event) {
	if o.deps.Events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, o.config.eventTimeout())
	defer cancel()
	if err := guard(func() error { return o.deps.Events.PublishEvent(ctx, e) }); err != nil {
		j.log.Warn("failed to publish event", "error", err)
	}
}

// guard calls fn and returns a panic in it as an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

// policy returns p with retries reported to the log and metrics.
func (o *Orchestrator) policy(ctx context.Context, j *job, state build.State, p retry.Policy) *retry.Policy {
	p.OnRetry = func(attempt int, delay time.Duration, err error) {
		o.deps.Metrics.Retried(ctx, string(state))
		j.log.Warn("retrying", "state", state, "attempt", attempt, "delay", delay, "error", err)
	}
	return &p
}

func (o *Orchestrator) requestRecord(j *job, state build.State, detail *build.ErrorDetail) *build.RequestRecord {
	names := make([]string, 0, len(j.req.Attachments))
	for _, a := range j.req.Attachments {
		names = append(names, a.Name)
	}

	r := &build.RequestRecord{
		Task:            j.req.Task,
		Round:           j.req.Round,
		Nonce:           j.req.Nonce,
		Email:           j.req.Email,
		Brief:           j.req.Brief,
		Checks:          j.req.Checks,
		EvaluationURL:   j.req.EvaluationURL,
		AttachmentNames: names,
		State:           state,
		CreatedAt:       j.createdAt,
	}
	if detail != nil {
		r.ErrorKind = string(detail.Kind)
		r.ErrorMessage = detail.Message
	}
	return r
}

// description returns the first line of brief cut to fit a repository description.
func description(brief string) string {
	return truncate(firstLine(brief), 350)
}

// summary returns the first line of brief cut to fit a commit subject.
func summary(brief string) string {
	return truncate(firstLine(brief), 72)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
