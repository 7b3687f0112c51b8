package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/k11v/appbuild/internal/build"
)

// errNotFound is returned when the server doesn't know the nonce.
var errNotFound = errors.New("not found")

type client struct {
	baseURL    string
	httpClient *http.Client
}

func newHTTPClient(baseURL string) *client {
	return &client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// apiError is the error body of the server.
type apiError struct {
	StatusCode int
	Detail     build.ErrorDetail
}

func (e *apiError) Error() string {
	if e.Detail.Message == "" {
		return fmt.Sprintf("server: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("server: %d %s: %s", e.StatusCode, e.Detail.Kind, e.Detail.Message)
}

// Submit posts req and returns the raw response body.
func (c *client) Submit(ctx context.Context, req *build.Request) (json.RawMessage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPost, "/api-endpoint", body)
}

func (c *client) Status(ctx context.Context, nonce string) (*build.StatusRecord, error) {
	body, err := c.do(ctx, http.MethodGet, "/status/"+url.PathEscape(nonce), nil)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("nonce %s: %w", nonce, errNotFound)
		}
		return nil, err
	}

	var rec build.StatusRecord
	if err = json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &rec, nil
}

func (c *client) Health(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/health", nil)
	return err
}

func (c *client) do(ctx context.Context, method, path string, body []byte) (json.RawMessage, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &apiError{StatusCode: resp.StatusCode}
		var errBody struct {
			Error build.ErrorDetail `json:"error"`
		}
		if json.Unmarshal(respBody, &errBody) == nil {
			apiErr.Detail = errBody.Error
		}
		return nil, apiErr
	}
	return respBody, nil
}
