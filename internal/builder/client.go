// Package builder talks to the remote build service that turns an installer
// into a deployable bundle. Triggering is asynchronous: completion arrives
// later through the packaging callback endpoint, never as a return value.
package builder

import (
	"context"
	"fmt"
	"time"

	"github.com/appdeploy/packpilot/internal/domain"
	"github.com/go-resty/resty/v2"
)

// TriggerRequest carries everything the remote build worker needs to package
// one application version for one tenant.
type TriggerRequest struct {
	JobID            string `json:"job_id"`
	TenantID         string `json:"tenant_id"`
	PackageID        string `json:"package_id"`
	Version          string `json:"version"`
	InstallerURL     string `json:"installer_url"`
	InstallerHash    string `json:"installer_hash"`
	InstallerType    string `json:"installer_type"`
	SilentArgs       string `json:"silent_args,omitempty"`
	UninstallCommand string `json:"uninstall_command,omitempty"`
	CallbackURL      string `json:"callback_url"`
	InstallScope     string `json:"install_scope,omitempty"`
}

// CancelResult reports the outcome of a best-effort remote cancellation.
type CancelResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Client is the remote build trigger client.
type Client struct {
	http *resty.Client
}

// Config holds configuration for the build service client.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// NewClient creates a new build service client.
// Parameters:
//   - cfg: client configuration including base URL and auth token.
// Returns:
//   - *Client: initialized client.
func NewClient(cfg *Config) *Client {
	httpClient := resty.New()
	httpClient.SetBaseURL(cfg.BaseURL)
	httpClient.SetHeader("Content-Type", "application/json")
	if cfg.Token != "" {
		httpClient.SetAuthToken(cfg.Token)
	}
	if cfg.Timeout > 0 {
		httpClient.SetTimeout(cfg.Timeout)
	} else {
		httpClient.SetTimeout(30 * time.Second)
	}
	return &Client{http: httpClient}
}

// Trigger dispatches a remote build run for a job.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - req: build inputs for the run.
// Returns:
//   - *domain.BuildRun: identifier and URL of the dispatched run.
//   - error: non-nil if the build service rejects or errors on the trigger.
func (c *Client) Trigger(ctx context.Context, req *TriggerRequest) (*domain.BuildRun, error) {
	var run domain.BuildRun
	resp, err := c.http.R().SetContext(ctx).
		SetBody(req).
		SetResult(&run).
		Post("/builds")
	if err != nil {
		return nil, fmt.Errorf("trigger build: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("trigger build: build service returned %d: %s", resp.StatusCode(), resp.String())
	}
	return &run, nil
}

// Cancel requests best-effort cancellation of a running build. Callers treat
// a failed cancel as advisory only; local job state stays authoritative.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - runID: run to cancel.
// Returns:
//   - *CancelResult: remote cancellation outcome.
//   - error: non-nil on transport failure.
func (c *Client) Cancel(ctx context.Context, runID string) (*CancelResult, error) {
	var result CancelResult
	resp, err := c.http.R().SetContext(ctx).
		SetResult(&result).
		Post(fmt.Sprintf("/builds/%s/cancel", runID))
	if err != nil {
		return nil, fmt.Errorf("cancel build: %w", err)
	}
	if resp.IsError() {
		return &CancelResult{Success: false, Message: resp.String()}, nil
	}
	return &result, nil
}
