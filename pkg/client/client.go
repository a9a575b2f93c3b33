// Package client is the Go client for the agent's build API. The CLI uses
// it, and it doubles as the integration surface for other tooling.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/barrettj12/nimble/pkg/build"
)

var (
	// ErrNotFound is returned when the agent reports an unknown build ID.
	ErrNotFound = errors.New("build not found")
	// ErrQueueFull is returned when the agent rejects a submission because
	// its build queue is at capacity. Safe to retry later.
	ErrQueueFull = errors.New("build queue is full")
)

// Client talks to a nimble agent over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client with sane defaults. Submissions stream the
// whole source archive, so the client timeout is generous.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}
}

// SubmitBuildResponse contains the build ID issued by the agent.
type SubmitBuildResponse struct {
	BuildID string       `json:"build_id"`
	Status  build.Status `json:"status"`
}

// SubmitBuild uploads a gzipped source archive and returns the accepted
// build. The archive is consumed fully even on failure.
func (c *Client) SubmitBuild(ctx context.Context, archive io.Reader) (SubmitBuildResponse, error) {
	endpoint := c.baseURL + "/builds"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, archive)
	if err != nil {
		return SubmitBuildResponse{}, fmt.Errorf("create submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/gzip")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return SubmitBuildResponse{}, fmt.Errorf("submit build: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
	case http.StatusServiceUnavailable:
		return SubmitBuildResponse{}, ErrQueueFull
	default:
		return SubmitBuildResponse{}, fmt.Errorf("submit build failed: %s", errorMessage(resp))
	}

	var out SubmitBuildResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return SubmitBuildResponse{}, fmt.Errorf("decode submit response: %w", err)
	}
	return out, nil
}

// GetBuild fetches the full record for one build.
func (c *Client) GetBuild(ctx context.Context, buildID string) (build.Build, error) {
	endpoint := fmt.Sprintf("%s/builds/%s", c.baseURL, url.PathEscape(buildID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return build.Build{}, fmt.Errorf("create get request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return build.Build{}, fmt.Errorf("get build: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return build.Build{}, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return build.Build{}, fmt.Errorf("get build failed: %s", errorMessage(resp))
	}

	var out struct {
		Build build.Build `json:"build"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return build.Build{}, fmt.Errorf("decode build: %w", err)
	}
	return out.Build, nil
}

// ListBuilds returns build summaries, most recently updated first. A nil
// status lists every build; limit 0 means no limit.
func (c *Client) ListBuilds(ctx context.Context, status *build.Status, limit int) ([]build.Summary, error) {
	q := url.Values{}
	if status != nil {
		q.Set("status", string(*status))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	endpoint := c.baseURL + "/builds"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create list request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list builds failed: %s", errorMessage(resp))
	}

	var out struct {
		Builds []build.Summary `json:"builds"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode build list: %w", err)
	}
	return out.Builds, nil
}

// WaitForBuild polls until the build reaches a terminal status or the
// context is cancelled.
func (c *Client) WaitForBuild(ctx context.Context, buildID string, interval time.Duration) (build.Build, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		b, err := c.GetBuild(ctx, buildID)
		if err != nil {
			return build.Build{}, err
		}
		if b.Status.Terminal() {
			return b, nil
		}
		select {
		case <-ctx.Done():
			return build.Build{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Healthy reports whether the agent answers its health check.
func (c *Client) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("create health request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: %s", errorMessage(resp))
	}
	return nil
}

// errorMessage extracts the agent's error payload, falling back to the raw
// body for non-JSON responses.
func errorMessage(resp *http.Response) string {
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(payload))
}
