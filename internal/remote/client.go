// Package remote provides the REST client for the Tempo sync API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/tempo/backend/internal/errors"
	"github.com/kimhsiao/tempo/backend/internal/sync/wire"
)

// DefaultTimeout bounds every request when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// maxBody caps how much of a response body is read.
const maxBody = 8 << 20

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource returning a fixed token.
type StaticToken string

// Token implements TokenSource.
func (s StaticToken) Token(context.Context) (string, error) {
	return string(s), nil
}

// Config holds REST client configuration.
type Config struct {
	BaseURL string
	Tokens  TokenSource
	Timeout time.Duration // per request

	// HTTPClient overrides the default transport, mainly for tests.
	HTTPClient *http.Client
}

// Client talks to the REST API. It is safe for concurrent use.
type Client struct {
	baseURL    string
	tokens     TokenSource
	timeout    time.Duration
	httpClient *http.Client
}

// StatusError is returned for any non-success HTTP status.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   []byte

	// ServerRecord holds the server's version of the record on a 409.
	ServerRecord json.RawMessage
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	body := strings.TrimSpace(string(e.Body))
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	if body == "" {
		return fmt.Sprintf("%s %s failed with status %d", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("%s %s failed with status %d: %s", e.Method, e.Path, e.Status, body)
}

// HTTPStatus implements errors.StatusCoder.
func (e *StatusError) HTTPStatus() int {
	return e.Status
}

// Changes is a delta returned by a collection endpoint.
type Changes struct {
	Changed []json.RawMessage `json:"changed"`
	Deleted []string          `json:"deleted"`
}

// NewClient creates a new Client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				Proxy:              http.ProxyFromEnvironment,
				MaxIdleConns:       10,
				IdleConnTimeout:    30 * time.Second,
				DisableCompression: false,
			},
		}
	}
	tokens := cfg.Tokens
	if tokens == nil {
		tokens = StaticToken("")
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		tokens:     tokens,
		timeout:    timeout,
		httpClient: httpClient,
	}
}

// Create posts a new record and returns the server's canonical body.
func (c *Client) Create(ctx context.Context, resource string, body []byte) ([]byte, error) {
	return c.do(ctx, http.MethodPost, "/"+resource, body)
}

// Update puts a record and returns the server's canonical body. A 409
// returns a *StatusError carrying the server record.
func (c *Client) Update(ctx context.Context, resource, id string, body []byte) ([]byte, error) {
	return c.do(ctx, http.MethodPut, "/"+resource+"/"+url.PathEscape(id), body)
}

// Delete removes a record. A 404 counts as success.
func (c *Client) Delete(ctx context.Context, resource, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/"+resource+"/"+url.PathEscape(id), nil)
	if se, ok := err.(*StatusError); ok && se.Status == http.StatusNotFound {
		return nil
	}
	return err
}

// CompleteTask marks a task done on the server.
func (c *Client) CompleteTask(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(id)+"/complete", nil)
	return err
}

// Changes fetches records changed since the given time. A nil since fetches
// everything.
func (c *Client) Changes(ctx context.Context, resource string, since *time.Time) (*Changes, error) {
	path := "/" + resource
	if since != nil {
		path += "?since=" + url.QueryEscape(wire.FormatTimestamp(*since))
	}
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var changes Changes
	if err := json.Unmarshal(body, &changes); err != nil {
		return nil, undecodable("pull", "invalid delta for "+resource, err)
	}
	return &changes, nil
}

// ServerTime returns the server's current clock.
func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	body, err := c.do(ctx, http.MethodGet, "/sync/time", nil)
	if err != nil {
		return time.Time{}, err
	}

	var resp struct {
		ServerTime string `json:"server_time"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return time.Time{}, undecodable("pull", "invalid server time response", err)
	}
	t, ok := wire.ParseTimestamp(resp.ServerTime)
	if !ok {
		return time.Time{}, undecodable("pull", "invalid server time", fmt.Errorf("%w: %q", wire.ErrBadTimestamp, resp.ServerTime))
	}
	return t, nil
}

// do executes one request under the per-request timeout and returns the
// response body for 2xx statuses.
func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.createRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s request failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{Method: method, Path: path, Status: resp.StatusCode, Body: data}
		if resp.StatusCode == http.StatusConflict {
			var conflict struct {
				ServerRecord json.RawMessage `json:"server_record"`
			}
			if json.Unmarshal(data, &conflict) == nil {
				se.ServerRecord = conflict.ServerRecord
			}
		}
		return nil, se
	}
	return data, nil
}

func (c *Client) createRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, apperrors.WrapSync("auth", "failed to obtain token", &StatusError{Method: method, Path: path, Status: http.StatusUnauthorized, Body: []byte(err.Error())})
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func undecodable(op, message string, err error) error {
	return &apperrors.SyncError{
		Kind:    apperrors.KindValidation,
		Code:    apperrors.ErrValidation,
		Op:      op,
		Message: message,
		Err:     err,
	}
}
