// Package api is the HTTP client for the travel-planner backend: change-set
// application, revision browsing, document fetch, credential refresh, and
// the two live server-push channels.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/roamplan/roamsync/internal/domain"
)

const defaultBaseURL = "http://localhost:8600"

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithToken sets the initial bearer token.
func WithToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

// Client talks to the planner backend. Safe for concurrent use; the bearer
// token may be refreshed while requests are in flight.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// NewClient creates a planner backend client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// RefreshToken fetches a fresh bearer token and swaps it in. Invoked
// opportunistically before reconnect attempts.
func (c *Client) RefreshToken(ctx context.Context) error {
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/auth/refresh", nil, &resp); err != nil {
		return fmt.Errorf("refresh token: %w", err)
	}
	if resp.Token == "" {
		return domain.ErrTransport("refresh token: empty token in response")
	}
	c.mu.Lock()
	c.token = resp.Token
	c.mu.Unlock()
	return nil
}

// ApplyResult reports the outcome of a successful change-set application.
type ApplyResult struct {
	Version int64         `json:"version"`
	Status  domain.Status `json:"status"`
}

// Proposal is a server-side dry run of a change set.
type Proposal struct {
	ID      string       `json:"id"`
	Preview []domain.Day `json:"preview,omitempty"`
	Summary string       `json:"summary,omitempty"`
}

// Itinerary fetches the current document.
func (c *Client) Itinerary(ctx context.Context, itineraryID string) (*domain.Itinerary, error) {
	var it domain.Itinerary
	if err := c.do(ctx, http.MethodGet, "/v1/itineraries/"+itineraryID, nil, &it); err != nil {
		return nil, err
	}
	return &it, nil
}

// Apply submits a change set against the document's head version.
func (c *Client) Apply(ctx context.Context, itineraryID string, cs domain.ChangeSet) (*ApplyResult, error) {
	var result ApplyResult
	if err := c.do(ctx, http.MethodPost, "/v1/itineraries/"+itineraryID+"/apply", cs, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Propose asks the backend for a dry run of a change set without committing.
func (c *Client) Propose(ctx context.Context, itineraryID string, cs domain.ChangeSet) (*Proposal, error) {
	var p Proposal
	if err := c.do(ctx, http.MethodPost, "/v1/itineraries/"+itineraryID+"/propose", cs, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Undo asks the backend to step the document back to toVersion, recorded as
// a forward revision.
func (c *Client) Undo(ctx context.Context, itineraryID string, toVersion int64) (*ApplyResult, error) {
	body := map[string]int64{"version": toVersion}
	var result ApplyResult
	if err := c.do(ctx, http.MethodPost, "/v1/itineraries/"+itineraryID+"/undo", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Rollback restores a prior version as the new head on the backend.
func (c *Client) Rollback(ctx context.Context, itineraryID string, version int64) (*ApplyResult, error) {
	body := map[string]int64{"version": version}
	var result ApplyResult
	if err := c.do(ctx, http.MethodPost, "/v1/itineraries/"+itineraryID+"/rollback", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Revisions lists the document's revision history, oldest first.
func (c *Client) Revisions(ctx context.Context, itineraryID string) ([]domain.Revision, error) {
	var resp struct {
		Revisions []domain.Revision `json:"revisions"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/itineraries/"+itineraryID+"/revisions", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Revisions, nil
}

// RevisionContent fetches the full document content at one version.
func (c *Client) RevisionContent(ctx context.Context, itineraryID string, version int64) (*domain.Itinerary, error) {
	var it domain.Itinerary
	path := fmt.Sprintf("/v1/itineraries/%s/revisions/%d", itineraryID, version)
	if err := c.do(ctx, http.MethodGet, path, nil, &it); err != nil {
		return nil, err
	}
	return &it, nil
}

func (c *Client) do(ctx context.Context, method, path string, reqBody, respBody any) error {
	var reader io.Reader
	if reqBody != nil {
		raw, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(httpReq)
	if reqBody != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return domain.ErrTransport("request failed").WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.ErrTransport("read response").WithCause(err)
	}

	if resp.StatusCode != http.StatusOK {
		return parseErrorResponse(resp.StatusCode, raw)
	}

	if respBody == nil {
		return nil
	}
	if err := json.Unmarshal(raw, respBody); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Accept", "application/json")
}

// errorEnvelope is the backend's error body shape.
type errorEnvelope struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
		Version int64  `json:"version"`
	} `json:"error"`
}

// parseErrorResponse maps backend error responses onto the sync error
// taxonomy, falling back to status-code classification when the body is not
// the structured envelope.
func parseErrorResponse(status int, body []byte) error {
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Message != "" {
		msg := env.Error.Message
		switch {
		case status == http.StatusConflict || env.Error.Kind == string(domain.ErrorKindApplyConflict):
			return domain.ErrApplyConflict(msg).WithVersion(env.Error.Version).WithStatusCode(status)
		case status == http.StatusNotFound:
			return domain.ErrNotFound(msg).WithStatusCode(status)
		default:
			return domain.ErrTransport(msg).WithStatusCode(status)
		}
	}

	switch status {
	case http.StatusConflict:
		return domain.ErrApplyConflict(fmt.Sprintf("backend rejected change (status %d)", status)).WithStatusCode(status)
	case http.StatusNotFound:
		return domain.ErrNotFound(fmt.Sprintf("resource not found (status %d)", status)).WithStatusCode(status)
	default:
		return domain.ErrTransport(fmt.Sprintf("backend error (status %d): %s", status, string(body))).WithStatusCode(status)
	}
}
