// Package notify reports build outcomes to the evaluation URL of a request.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/k11v/appbuild/internal/build"
	"github.com/k11v/appbuild/internal/retry"
)

// Notification is the JSON body posted to the evaluation URL.
type Notification struct {
	Email         string `json:"email"`
	Task          string `json:"task"`
	Round         int    `json:"round"`
	Nonce         string `json:"nonce"`
	State         string `json:"state"`
	RepositoryURL string `json:"repo_url"`
	CommitSHA     string `json:"commit_sha"`
	PagesURL      string `json:"pages_url"`
	Error         string `json:"error,omitempty"`
}

// DefaultPolicy returns the retry policy used when none is given.
func DefaultPolicy() *retry.Policy {
	return &retry.Policy{
		MaxAttempts:    3,
		BaseDelay:      time.Second,
		MaxDelay:       8 * time.Second,
		Jitter:         0.1,
		AttemptTimeout: 30 * time.Second,
	}
}

type Notifier struct {
	client *http.Client  // required
	policy *retry.Policy // required
}

// NewNotifier returns a Notifier.
// client and policy may be nil to use http.DefaultClient and DefaultPolicy.
func NewNotifier(client *http.Client, policy *retry.Policy) *Notifier {
	if client == nil {
		client = http.DefaultClient
	}
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Notifier{client: client, policy: policy}
}

// Notify posts n to url until a 2xx response or the policy gives up.
// Failures are reported with build.KindNotification.
func (nt *Notifier) Notify(ctx context.Context, url string, n *Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return build.WrapError(build.KindNotification, "notify", err)
	}

	err = nt.policy.Do(ctx, func(ctx context.Context) error {
		return nt.send(ctx, url, body)
	})
	if err != nil {
		return build.WrapError(build.KindNotification, "notify", err)
	}
	return nil
}

func (nt *Notifier) send(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := nt.client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &retry.StatusError{Service: "evaluation", StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return nil
}
