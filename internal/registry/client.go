// Package registry resolves installer metadata for a (package, version) pair
// from the public package registry mirror.
package registry

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/appdeploy/packpilot/internal/domain"
	"github.com/go-resty/resty/v2"
)

// Client is the installer metadata lookup client.
type Client struct {
	http *resty.Client
}

// Config holds configuration for the registry client.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// NewClient creates a new registry lookup client.
// Parameters:
//   - cfg: client configuration including the registry base URL.
// Returns:
//   - *Client: initialized client.
func NewClient(cfg *Config) *Client {
	httpClient := resty.New()
	httpClient.SetBaseURL(cfg.BaseURL)
	if cfg.Timeout > 0 {
		httpClient.SetTimeout(cfg.Timeout)
	} else {
		httpClient.SetTimeout(15 * time.Second)
	}
	return &Client{http: httpClient}
}

// Lookup resolves installer metadata for a package version.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - packageID: public package identifier.
//   - version: package version.
// Returns:
//   - *domain.InstallerMetadata: resolved metadata, nil when the registry has
//     no installer for the pair (not an error).
//   - error: non-nil on transport or server failure.
func (c *Client) Lookup(ctx context.Context, packageID, version string) (*domain.InstallerMetadata, error) {
	var meta domain.InstallerMetadata
	resp, err := c.http.R().SetContext(ctx).
		SetResult(&meta).
		Get(fmt.Sprintf("/packages/%s/versions/%s/installer", url.PathEscape(packageID), url.PathEscape(version)))
	if err != nil {
		return nil, fmt.Errorf("installer lookup: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, nil
	}
	if resp.IsError() {
		return nil, fmt.Errorf("installer lookup: registry returned %d: %s", resp.StatusCode(), resp.String())
	}
	return &meta, nil
}
