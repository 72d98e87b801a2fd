// Package registry is the client for the persistent application
// registry: app metadata, visibility, deployment ids, screenshots.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/untoldecay/CodeLoom/internal/types"
)

// DefaultTimeout bounds one registry call.
const DefaultTimeout = 15 * time.Second

// App is one registry row.
type App struct {
	ID                  string    `json:"id"`
	Title               string    `json:"title"`
	Status              string    `json:"status,omitempty"`
	Visibility          string    `json:"visibility,omitempty"`
	GithubRepositoryURL string    `json:"githubRepositoryUrl,omitempty"`
	DeploymentID        string    `json:"deploymentId,omitempty"`
	ScreenshotURL       string    `json:"screenshotUrl,omitempty"`
	CreatedAt           time.Time `json:"createdAt,omitempty"`
}

// AppPatch is a partial registry update; nil fields are untouched.
type AppPatch struct {
	Title               *string `json:"title,omitempty"`
	Status              *string `json:"status,omitempty"`
	Visibility          *string `json:"visibility,omitempty"`
	GithubRepositoryURL *string `json:"githubRepositoryUrl,omitempty"`
	DeploymentID        *string `json:"deploymentId,omitempty"`
	ScreenshotURL       *string `json:"screenshotUrl,omitempty"`
}

// Client talks to the registry service. A zero BaseURL disables the
// registry; every call becomes a no-op so local projects work
// offline.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewClient creates a registry client.
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
}

// Enabled reports whether the registry is configured.
func (c *Client) Enabled() bool { return c != nil && c.BaseURL != "" }

// CreateApp registers a new app row.
func (c *Client) CreateApp(ctx context.Context, app App) error {
	if !c.Enabled() {
		return nil
	}
	return c.do(ctx, http.MethodPost, "/apps", app, nil)
}

// UpdateApp applies a partial update to an app row.
func (c *Client) UpdateApp(ctx context.Context, appID string, patch AppPatch) error {
	if !c.Enabled() {
		return nil
	}
	return c.do(ctx, http.MethodPatch, "/apps/"+appID, patch, nil)
}

// GetAppDetails fetches one app row. A missing row returns
// types.ErrNotFound.
func (c *Client) GetAppDetails(ctx context.Context, appID string) (*App, error) {
	if !c.Enabled() {
		return nil, types.ErrNotFound
	}
	var app App
	if err := c.do(ctx, http.MethodGet, "/apps/"+appID, nil, &app); err != nil {
		return nil, err
	}
	return &app, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, result interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding registry request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building registry request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("registry %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("registry %s: %w", path, types.ErrNotFound)
	case resp.StatusCode >= 400:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("registry %s %s: status %d: %s", method, path, resp.StatusCode, string(data))
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decoding registry response: %w", err)
		}
	}
	return nil
}

// StringPtr is a convenience for building patches.
func StringPtr(s string) *string { return &s }
