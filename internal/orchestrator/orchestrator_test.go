package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/k11v/appbuild/internal/build"
	"github.com/k11v/appbuild/internal/codegen"
	"github.com/k11v/appbuild/internal/notify"
	"github.com/k11v/appbuild/internal/retry"
	"github.com/k11v/appbuild/internal/status"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testSecret = "s3cret"

type testEnv struct {
	o          *Orchestrator
	generator  *fakeGenerator
	repository *fakeRepository
	records    *memoryRecords
	notifier   *spyNotifier
	artifacts  *memoryArtifacts
	events     *spyEvents
	status     *status.Store
}

func newTestEnv(t *testing.T, modify func(cfg *Config, env *testEnv)) *testEnv {
	t.Helper()

	fast := retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	cfg := &Config{
		Secret:         testSecret,
		GeneratePolicy: fast,
		CommitPolicy:   fast,
		DeployPolicy:   fast,
	}
	env := &testEnv{
		generator:  &fakeGenerator{},
		repository: newFakeRepository(),
		records:    &memoryRecords{},
		notifier:   &spyNotifier{},
		artifacts:  &memoryArtifacts{},
		events:     &spyEvents{},
		status:     status.NewStore(4),
	}
	if modify != nil {
		modify(cfg, env)
	}

	env.o = New(cfg, Deps{
		Generator:  env.generator,
		Repository: env.repository,
		Records:    env.records,
		Notifier:   env.notifier,
		Artifacts:  env.artifacts,
		Events:     env.events,
		Status:     env.status,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := env.o.Shutdown(ctx); err != nil {
			t.Errorf("didn't want %q", err)
		}
	})
	return env
}

// wait returns the status of nonce once it is terminal.
func (env *testEnv) wait(t *testing.T, nonce string) build.StatusRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := env.o.Status(nonce)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if rec.State.IsTerminal() {
			return rec
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("job %s didn't finish", nonce)
	return build.StatusRecord{}
}

// drain waits for every job including the steps after its terminal status.
func (env *testEnv) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := env.o.Shutdown(ctx); err != nil {
		t.Fatalf("didn't want %q", err)
	}
}

func helloRequest() *build.Request {
	return &build.Request{
		Task:          "hello-1",
		Round:         1,
		Nonce:         "n1",
		Email:         "student@example.com",
		Secret:        testSecret,
		Brief:         "Create a simple hello world app",
		Checks:        []string{"Page displays hello world"},
		EvaluationURL: "https://example/notify",
	}
}

func footerRequest() *build.Request {
	req := helloRequest()
	req.Round = 2
	req.Nonce = "n2"
	req.Brief = "Add a footer"
	req.Checks = []string{"Page has a footer"}
	return req
}

func TestAdmitRound1(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	admission, err := env.o.Admit(ctx, helloRequest())
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if admission.Duplicate {
		t.Fatal("didn't want a duplicate")
	}
	if admission.Status.State != build.StateReceived {
		t.Fatalf("got %v, want %v", admission.Status.State, build.StateReceived)
	}

	rec := env.wait(t, "n1")
	env.drain(t)

	if rec.State != build.StateCompleted {
		t.Fatalf("got %v, want %v (%v)", rec.State, build.StateCompleted, rec.Error)
	}
	if want := "https://github.com/octo/app-hello-1"; rec.RepositoryURL != want {
		t.Fatalf("got %v, want %v", rec.RepositoryURL, want)
	}
	if want := "https://octo.github.io/app-hello-1/"; rec.PagesURL != want {
		t.Fatalf("got %v, want %v", rec.PagesURL, want)
	}
	if rec.CommitSHA == "" || rec.Warning != "" || rec.Error != nil {
		t.Fatalf("got %+v, want a commit and no warning or error", rec)
	}

	if got, want := env.repository.Files("app-hello-1"), []string{"LICENSE", "README.md", "index.html"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	prompts := env.generator.Prompts()
	if len(prompts) != 1 {
		t.Fatalf("got %v prompts, want 1", len(prompts))
	}
	if !strings.Contains(prompts[0].User, "Create a simple hello world app") || !strings.Contains(prompts[0].User, "Page displays hello world") {
		t.Fatalf("got prompt %q, want the brief and the checks", prompts[0].User)
	}

	responses := env.records.Responses()
	if len(responses) != 1 {
		t.Fatalf("got %v responses, want 1", len(responses))
	}
	if got, want := responses[0].GeneratedCode, "<!DOCTYPE html><html><body>hello world</body></html>"; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := responses[0].ArtifactKey, "tasks/hello-1/rounds/1/n1/"; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if r := env.records.Request("n1"); r == nil || r.State != build.StateCompleted {
		t.Fatalf("got %v, want a completed request record", r)
	}

	notifications := env.notifier.Notifications()
	if len(notifications) != 1 {
		t.Fatalf("got %v notifications, want 1", len(notifications))
	}
	n := notifications[0]
	if n.State != "completed" || n.RepositoryURL != rec.RepositoryURL || n.PagesURL != rec.PagesURL || n.CommitSHA != rec.CommitSHA || n.Email != "student@example.com" {
		t.Fatalf("got %+v, want the completed outcome", n)
	}

	events := env.events.Events()
	if len(events) != 1 || events[0].State != build.StateCompleted || events[0].Nonce != "n1" {
		t.Fatalf("got %v, want one completed event", events)
	}
}

func TestAdmitRound2(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if _, err := env.o.Admit(ctx, helloRequest()); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if rec := env.wait(t, "n1"); rec.State != build.StateCompleted {
		t.Fatalf("got %v, want %v", rec.State, build.StateCompleted)
	}

	env.generator.Respond = func(_ int, _ *codegen.Prompt) (string, error) {
		return "<html><body>hello world<footer>bye</footer></body></html>", nil
	}
	if _, err := env.o.Admit(ctx, footerRequest()); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	rec := env.wait(t, "n2")
	env.drain(t)

	if rec.State != build.StateCompleted {
		t.Fatalf("got %v, want %v (%v)", rec.State, build.StateCompleted, rec.Error)
	}
	if want := "https://github.com/octo/app-hello-1"; rec.RepositoryURL != want {
		t.Fatalf("got %v, want %v", rec.RepositoryURL, want)
	}

	want := []string{
		"CreateOrUpdate app-hello-1 create=true",
		"Publish app-hello-1",
		"Exists app-hello-1",
		"CreateOrUpdate app-hello-1 create=false",
		"Publish app-hello-1",
	}
	if got := env.repository.Calls(); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	prompts := env.generator.Prompts()
	if len(prompts) != 2 {
		t.Fatalf("got %v prompts, want 2", len(prompts))
	}
	for _, want := range []string{
		"ORIGINAL REQUEST (Round 1):\nCreate a simple hello world app",
		"REVISION REQUEST (Round 2):\nAdd a footer",
		"- Page displays hello world",
		"- Page has a footer",
		"<!DOCTYPE html><html><body>hello world</body></html>",
	} {
		if !strings.Contains(prompts[1].User, want) {
			t.Errorf("want %q in revision prompt", want)
		}
	}

	latest, err := env.records.GetLatestResponse(ctx, "hello-1")
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if latest.Round != 2 || latest.Nonce != "n2" || !strings.Contains(latest.GeneratedCode, "footer") {
		t.Fatalf("got %+v, want the round 2 response", latest)
	}
}

func TestAdmitRound2RecreatesMissingRepository(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if _, err := env.o.Admit(ctx, helloRequest()); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	env.wait(t, "n1")
	env.repository.Delete("app-hello-1")

	if _, err := env.o.Admit(ctx, footerRequest()); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	rec := env.wait(t, "n2")

	if rec.State != build.StateCompleted {
		t.Fatalf("got %v, want %v", rec.State, build.StateCompleted)
	}
	if !strings.Contains(rec.Warning, "recreated") {
		t.Fatalf("got warning %q, want it to mention the recreated repository", rec.Warning)
	}
	calls := env.repository.Calls()
	if got, want := calls[len(calls)-2], "CreateOrUpdate app-hello-1 create=true"; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestAdmitRejects(t *testing.T) {
	tests := []struct {
		name   string
		modify func(req *build.Request)
		kind   build.Kind
	}{
		{"bad secret", func(req *build.Request) { req.Secret = "wrong" }, build.KindAuth},
		{"empty secret", func(req *build.Request) { req.Secret = "" }, build.KindAuth},
		{"missing task", func(req *build.Request) { req.Task = " " }, build.KindValidation},
		{"missing nonce", func(req *build.Request) { req.Nonce = "" }, build.KindValidation},
		{"email without at", func(req *build.Request) { req.Email = "student" }, build.KindValidation},
		{"missing brief", func(req *build.Request) { req.Brief = "" }, build.KindValidation},
		{"round 3", func(req *build.Request) { req.Round = 3 }, build.KindValidation},
		{"round 0", func(req *build.Request) { req.Round = 0 }, build.KindValidation},
		{"relative evaluation url", func(req *build.Request) { req.EvaluationURL = "/notify" }, build.KindValidation},
		{"ftp evaluation url", func(req *build.Request) { req.EvaluationURL = "ftp://example/notify" }, build.KindValidation},
		{"round 2 of unknown task", func(req *build.Request) { req.Round = 2 }, build.KindTaskNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)

			req := helloRequest()
			tt.modify(req)
			admission, err := env.o.Admit(context.Background(), req)
			if admission != nil {
				t.Fatalf("got %v, want nil", admission)
			}
			if got := build.KindOf(err); got != tt.kind {
				t.Fatalf("got %v (%v), want %v", got, err, tt.kind)
			}
			if got := env.status.Len(); got != 0 {
				t.Fatalf("got %v status records, want 0", got)
			}
			if got := len(env.generator.Prompts()); got != 0 {
				t.Fatalf("got %v generations, want 0", got)
			}
		})
	}
}

func TestAdmitDuplicate(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if _, err := env.o.Admit(ctx, helloRequest()); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	first := env.wait(t, "n1")

	req := helloRequest()
	req.Brief = "Something else entirely"
	admission, err := env.o.Admit(ctx, req)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	env.drain(t)

	if !admission.Duplicate {
		t.Fatal("want a duplicate")
	}
	if !reflect.DeepEqual(admission.Status, first) {
		t.Fatalf("got %v, want %v", admission.Status, first)
	}
	if got := len(env.generator.Prompts()); got != 1 {
		t.Fatalf("got %v generations, want 1", got)
	}
	if got := len(env.repository.Calls()); got != 2 {
		t.Fatalf("got %v repository calls, want 2", got)
	}
}

func TestAdmitConcurrentDuplicates(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		duplicates int
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			admission, err := env.o.Admit(ctx, helloRequest())
			if err != nil {
				t.Errorf("didn't want %q", err)
				return
			}
			if admission.Duplicate {
				mu.Lock()
				duplicates++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	env.drain(t)

	if duplicates != 9 {
		t.Fatalf("got %v duplicates, want 9", duplicates)
	}
	if got := len(env.generator.Prompts()); got != 1 {
		t.Fatalf("got %v generations, want 1", got)
	}
}

func TestJobFailsOnInvalidAttachment(t *testing.T) {
	env := newTestEnv(t, nil)

	req := helloRequest()
	req.Attachments = []build.Attachment{{Name: "sample.png", SourceURI: "data:image/png;base64,!!!invalid!!!"}}
	if _, err := env.o.Admit(context.Background(), req); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	rec := env.wait(t, "n1")
	env.drain(t)

	if rec.State != build.StateFailed {
		t.Fatalf("got %v, want %v", rec.State, build.StateFailed)
	}
	if rec.Error == nil || rec.Error.Kind != build.KindAttachment {
		t.Fatalf("got %v, want an attachment error", rec.Error)
	}
	if got := len(env.generator.Prompts()); got != 0 {
		t.Fatalf("got %v generations, want 0", got)
	}

	notifications := env.notifier.Notifications()
	if len(notifications) != 1 || notifications[0].State != "failed" || notifications[0].Error == "" {
		t.Fatalf("got %v, want one failure notification", notifications)
	}
	r := env.records.Request("n1")
	if r == nil || r.State != build.StateFailed || r.ErrorKind != "attachment" || !reflect.DeepEqual(r.AttachmentNames, []string{"sample.png"}) {
		t.Fatalf("got %+v, want a failed request record", r)
	}
	if got := len(env.records.Responses()); got != 0 {
		t.Fatalf("got %v responses, want 0", got)
	}
	events := env.events.Events()
	if len(events) != 1 || events[0].State != build.StateFailed {
		t.Fatalf("got %v, want one failed event", events)
	}
}

func TestJobCommitsAttachments(t *testing.T) {
	env := newTestEnv(t, nil)

	req := helloRequest()
	req.Attachments = []build.Attachment{
		{Name: "sample", SourceURI: "data:image/png;base64,iVBORw0KGgo="},
		{Name: "index.html", SourceURI: "data:text/html;base64,PHA+aGk8L3A+"},
	}
	if _, err := env.o.Admit(context.Background(), req); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	rec := env.wait(t, "n1")
	env.drain(t)

	if rec.State != build.StateCompleted {
		t.Fatalf("got %v, want %v (%v)", rec.State, build.StateCompleted, rec.Error)
	}
	want := []string{"LICENSE", "README.md", "assets/index.html", "index.html", "sample.png"}
	if got := env.repository.Files("app-hello-1"); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if !strings.Contains(env.generator.Prompts()[0].User, "sample.png (image/png") {
		t.Fatalf("got prompt %q, want the attachment listed", env.generator.Prompts()[0].User)
	}
}

func TestJobRetriesGeneration(t *testing.T) {
	env := newTestEnv(t, func(_ *Config, env *testEnv) {
		env.generator.Respond = func(call int, _ *codegen.Prompt) (string, error) {
			if call < 3 {
				return "", &retry.StatusError{Service: "openai", StatusCode: http.StatusTooManyRequests}
			}
			return "<html></html>", nil
		}
	})

	if _, err := env.o.Admit(context.Background(), helloRequest()); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	rec := env.wait(t, "n1")

	if rec.State != build.StateCompleted {
		t.Fatalf("got %v, want %v (%v)", rec.State, build.StateCompleted, rec.Error)
	}
	if got := len(env.generator.Prompts()); got != 3 {
		t.Fatalf("got %v generations, want 3", got)
	}
}

func TestJobFailures(t *testing.T) {
	tests := []struct {
		name   string
		modify func(env *testEnv)
		kind   build.Kind
		calls  int // generations
	}{
		{
			name: "fatal generation error",
			modify: func(env *testEnv) {
				env.generator.Respond = func(int, *codegen.Prompt) (string, error) {
					return "", &retry.StatusError{Service: "openai", StatusCode: http.StatusUnauthorized}
				}
			},
			kind:  build.KindGeneration,
			calls: 1,
		},
		{
			name: "exhausted generation retries",
			modify: func(env *testEnv) {
				env.generator.Respond = func(int, *codegen.Prompt) (string, error) {
					return "", errors.New("connection reset")
				}
			},
			kind:  build.KindGeneration,
			calls: 3,
		},
		{
			name: "empty generation",
			modify: func(env *testEnv) {
				env.generator.Respond = func(int, *codegen.Prompt) (string, error) {
					return "```html\n```", nil
				}
			},
			kind:  build.KindGeneration,
			calls: 1,
		},
		{
			name: "repository error",
			modify: func(env *testEnv) {
				env.repository.CommitErr = func(int) error {
					return &retry.StatusError{Service: "github", StatusCode: http.StatusBadGateway}
				}
			},
			kind:  build.KindRepository,
			calls: 1,
		},
		{
			name: "deployment error",
			modify: func(env *testEnv) {
				env.repository.PublishErr = func(int) error {
					return &retry.StatusError{Service: "github", StatusCode: http.StatusForbidden}
				}
			},
			kind:  build.KindDeployment,
			calls: 1,
		},
		{
			name: "panic",
			modify: func(env *testEnv) {
				env.generator.Respond = func(int, *codegen.Prompt) (string, error) {
					panic("boom")
				}
			},
			kind:  build.KindInternal,
			calls: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, func(_ *Config, env *testEnv) { tt.modify(env) })

			if _, err := env.o.Admit(context.Background(), helloRequest()); err != nil {
				t.Fatalf("didn't want %q", err)
			}
			rec := env.wait(t, "n1")
			env.drain(t)

			if rec.State != build.StateFailed {
				t.Fatalf("got %v, want %v", rec.State, build.StateFailed)
			}
			if rec.Error == nil || rec.Error.Kind != tt.kind {
				t.Fatalf("got %v, want kind %v", rec.Error, tt.kind)
			}
			if got := len(env.generator.Prompts()); got != tt.calls {
				t.Fatalf("got %v generations, want %v", got, tt.calls)
			}
			if n := env.notifier.Notifications(); len(n) != 1 || n[0].State != "failed" {
				t.Fatalf("got %v, want one failure notification", n)
			}
			if r := env.records.Request("n1"); r == nil || r.ErrorKind != string(tt.kind) {
				t.Fatalf("got %+v, want a request record with kind %v", r, tt.kind)
			}
		})
	}
}

func TestJobCompletesWhenNotificationFails(t *testing.T) {
	env := newTestEnv(t, func(_ *Config, env *testEnv) {
		env.notifier.Err = build.WrapError(build.KindNotification, "notify", errors.New("evaluator is down"))
	})

	if _, err := env.o.Admit(context.Background(), helloRequest()); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	rec := env.wait(t, "n1")

	if rec.State != build.StateCompleted {
		t.Fatalf("got %v, want %v", rec.State, build.StateCompleted)
	}
	if rec.Error != nil {
		t.Fatalf("got %v, want no error", rec.Error)
	}
	if !strings.Contains(rec.Warning, "evaluator is down") {
		t.Fatalf("got warning %q, want the notification error", rec.Warning)
	}
}

func TestJobPanicAfterCompletion(t *testing.T) {
	env := newTestEnv(t, func(_ *Config, env *testEnv) {
		env.events.Before = func(*build.Event) { panic("broker exploded") }
	})

	if _, err := env.o.Admit(context.Background(), helloRequest()); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	env.wait(t, "n1")
	env.drain(t)

	rec, err := env.o.Status("n1")
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if rec.State != build.StateCompleted {
		t.Fatalf("got %v, want %v", rec.State, build.StateCompleted)
	}
	if n := env.notifier.Notifications(); len(n) != 1 || n[0].State != "completed" {
		t.Fatalf("got %v, want one completion notification", n)
	}
	if r := env.records.Request("n1"); r == nil || r.State != build.StateCompleted {
		t.Fatalf("got %+v, want a completed request record", r)
	}
}

func TestJobFailsWhenCollaboratorsPanic(t *testing.T) {
	env := newTestEnv(t, func(_ *Config, env *testEnv) {
		env.notifier.Before = func(*notify.Notification) { panic("evaluator exploded") }
		env.events.Before = func(*build.Event) { panic("broker exploded") }
	})

	if _, err := env.o.Admit(context.Background(), helloRequest()); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	rec := env.wait(t, "n1")
	env.drain(t)

	if rec.State != build.StateFailed {
		t.Fatalf("got %v, want %v", rec.State, build.StateFailed)
	}
	if rec.Error == nil || rec.Error.Kind != build.KindInternal {
		t.Fatalf("got %v, want kind %v", rec.Error, build.KindInternal)
	}
	if !strings.Contains(rec.Warning, "evaluator exploded") {
		t.Fatalf("got warning %q, want the notification panic", rec.Warning)
	}
	if r := env.records.Request("n1"); r == nil || r.State != build.StateFailed {
		t.Fatalf("got %+v, want a failed request record", r)
	}
}

func TestStatusNeverRegresses(t *testing.T) {
	release := make(chan struct{})
	env := newTestEnv(t, func(_ *Config, env *testEnv) {
		env.generator.Respond = func(int, *codegen.Prompt) (string, error) {
			<-release
			return "<html></html>", nil
		}
	})

	if _, err := env.o.Admit(context.Background(), helloRequest()); err != nil {
		t.Fatalf("didn't want %q", err)
	}

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last := -1
			for {
				rec, err := env.o.Status("n1")
				if err != nil {
					t.Errorf("didn't want %q", err)
					return
				}
				r := rec.State.Rank()
				if r < last {
					t.Errorf("got rank %v after %v", r, last)
					return
				}
				last = r
				if rec.State.IsTerminal() {
					return
				}
			}
		}()
	}

	close(release)
	wg.Wait()
}

func TestRoundsOfTaskRunOneAtATime(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	env := newTestEnv(t, func(_ *Config, env *testEnv) {
		env.records.responses = append(env.records.responses, &build.ResponseRecord{
			Task:           "hello-1",
			Round:          1,
			Nonce:          "n0",
			GeneratedCode:  "<html></html>",
			RepositoryName: "app-hello-1",
			RepositoryURL:  "https://github.com/octo/app-hello-1",
		})
		env.repository.repos["app-hello-1"] = map[string][]byte{}
		env.generator.Respond = func(int, *codegen.Prompt) (string, error) {
			started <- struct{}{}
			<-release
			return "<html></html>", nil
		}
	})

	for _, nonce := range []string{"n1", "n2"} {
		req := footerRequest()
		req.Nonce = nonce
		if _, err := env.o.Admit(context.Background(), req); err != nil {
			t.Fatalf("didn't want %q", err)
		}
	}

	<-started
	select {
	case <-started:
		t.Fatal("want the second round to wait for the first")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	for _, nonce := range []string{"n1", "n2"} {
		if rec := env.wait(t, nonce); rec.State != build.StateCompleted {
			t.Fatalf("got %v, want %v", rec.State, build.StateCompleted)
		}
	}
}

func TestShutdown(t *testing.T) {
	release := make(chan struct{})
	env := newTestEnv(t, func(_ *Config, env *testEnv) {
		env.generator.Respond = func(int, *codegen.Prompt) (string, error) {
			<-release
			return "<html></html>", nil
		}
	})

	if _, err := env.o.Admit(context.Background(), helloRequest()); err != nil {
		t.Fatalf("didn't want %q", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := env.o.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want %v", err, context.DeadlineExceeded)
	}

	req := helloRequest()
	req.Nonce = "late"
	if _, err := env.o.Admit(context.Background(), req); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("got %v, want %v", err, ErrShuttingDown)
	}

	close(release)
	if rec := env.wait(t, "n1"); rec.State != build.StateCompleted {
		t.Fatalf("got %v, want %v", rec.State, build.StateCompleted)
	}
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		running = map[string]int{}
	)
	for i := range 20 {
		key := fmt.Sprintf("task-%d", i%2)
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock(key)
			defer unlock()

			mu.Lock()
			running[key]++
			if running[key] > 1 {
				t.Errorf("got %v holders of %s, want 1", running[key], key)
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			running[key]--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if got := k.len(); got != 0 {
		t.Fatalf("got %v entries, want 0", got)
	}
}
