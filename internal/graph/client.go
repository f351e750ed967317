package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/appdeploy/packpilot/internal/domain"
	"github.com/go-resty/resty/v2"
)

// TokenProvider supplies a bearer token for calls made on behalf of a tenant.
type TokenProvider interface {
	Token(ctx context.Context, tenantID string) (string, error)
}

// StaticTokenProvider returns preconfigured tokens: a per-tenant token when
// one is configured, the shared token otherwise.
type StaticTokenProvider struct {
	Shared       string
	TenantTokens map[string]string
}

// Token returns the bearer token for a tenant.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - tenantID: tenant the call targets.
// Returns:
//   - string: bearer token.
//   - error: non-nil when no token is configured for the tenant.
func (p *StaticTokenProvider) Token(ctx context.Context, tenantID string) (string, error) {
	if tok, ok := p.TenantTokens[tenantID]; ok {
		return tok, nil
	}
	if p.Shared == "" {
		return "", fmt.Errorf("no token configured for tenant %s", tenantID)
	}
	return p.Shared, nil
}

// Client talks to the device-management REST API. All methods are
// tenant-scoped; the bearer token is resolved per call through the
// TokenProvider.
type Client struct {
	http   *resty.Client
	tokens TokenProvider
}

// Config holds configuration for the management API client.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// NewClient creates a new management API client.
// Parameters:
//   - cfg: client configuration including the API base URL.
//   - tokens: per-tenant bearer token source.
// Returns:
//   - *Client: initialized client.
func NewClient(cfg *Config, tokens TokenProvider) *Client {
	httpClient := resty.New()
	httpClient.SetBaseURL(cfg.BaseURL)
	httpClient.SetHeader("Content-Type", "application/json")
	if cfg.Timeout > 0 {
		httpClient.SetTimeout(cfg.Timeout)
	} else {
		httpClient.SetTimeout(30 * time.Second)
	}

	return &Client{
		http:   httpClient,
		tokens: tokens,
	}
}

// request builds a tenant-authenticated request.
func (c *Client) request(ctx context.Context, tenantID string) (*resty.Request, error) {
	token, err := c.tokens.Token(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return c.http.R().SetContext(ctx).SetAuthToken(token), nil
}

// apiError converts a non-2xx response into an error carrying status and body.
func apiError(op string, resp *resty.Response) error {
	return fmt.Errorf("%s: management API returned %d: %s", op, resp.StatusCode(), resp.String())
}

// CreateApp creates the application shell record.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - tenantID: tenant the app is created in.
//   - app: shell record fields.
// Returns:
//   - string: the created application ID.
//   - error: non-nil if the call fails.
func (c *Client) CreateApp(ctx context.Context, tenantID string, app *AppRequest) (string, error) {
	req, err := c.request(ctx, tenantID)
	if err != nil {
		return "", err
	}
	if app.ODataType == "" {
		app.ODataType = "#microsoft.graph.win32LobApp"
	}

	var created appResource
	resp, err := req.SetBody(app).SetResult(&created).Post("/deviceAppManagement/mobileApps")
	if err != nil {
		return "", fmt.Errorf("create app: %w", err)
	}
	if resp.IsError() {
		return "", apiError("create app", resp)
	}
	return created.ID, nil
}

// CreateContentVersion creates a content version under an application.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - tenantID: tenant the app lives in.
//   - appID: application ID.
// Returns:
//   - string: the created content version ID.
//   - error: non-nil if the call fails.
func (c *Client) CreateContentVersion(ctx context.Context, tenantID, appID string) (string, error) {
	req, err := c.request(ctx, tenantID)
	if err != nil {
		return "", err
	}

	var created contentVersionResource
	resp, err := req.SetBody(map[string]interface{}{}).SetResult(&created).
		Post(fmt.Sprintf("/deviceAppManagement/mobileApps/%s/microsoft.graph.win32LobApp/contentVersions", appID))
	if err != nil {
		return "", fmt.Errorf("create content version: %w", err)
	}
	if resp.IsError() {
		return "", apiError("create content version", resp)
	}
	return created.ID, nil
}

// CreateContentFile declares a content file descriptor under a content
// version, announcing the plain and encrypted sizes of the bundle.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - tenantID: tenant the app lives in.
//   - appID: application ID.
//   - versionID: content version ID.
//   - name: file name presented to the management system.
//   - size: unencrypted file size in bytes.
//   - sizeEncrypted: encrypted file size in bytes.
// Returns:
//   - string: the created content file ID.
//   - error: non-nil if the call fails.
func (c *Client) CreateContentFile(ctx context.Context, tenantID, appID, versionID, name string, size, sizeEncrypted int64) (string, error) {
	req, err := c.request(ctx, tenantID)
	if err != nil {
		return "", err
	}

	body := contentFileRequest{
		ODataType:     "#microsoft.graph.mobileAppContentFile",
		Name:          name,
		Size:          size,
		SizeEncrypted: sizeEncrypted,
		Manifest:      nil,
		IsDependency:  false,
	}
	var created ContentFile
	resp, err := req.SetBody(body).SetResult(&created).
		Post(fmt.Sprintf("/deviceAppManagement/mobileApps/%s/microsoft.graph.win32LobApp/contentVersions/%s/files", appID, versionID))
	if err != nil {
		return "", fmt.Errorf("create content file: %w", err)
	}
	if resp.IsError() {
		return "", apiError("create content file", resp)
	}
	return created.ID, nil
}

// GetContentFile retrieves the current state of a content file descriptor.
// The uploader polls this for the storage URI and again for commit
// processing.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - tenantID: tenant the app lives in.
//   - appID: application ID.
//   - versionID: content version ID.
//   - fileID: content file ID.
// Returns:
//   - *ContentFile: descriptor with upload state and storage URI.
//   - error: non-nil if the call fails.
func (c *Client) GetContentFile(ctx context.Context, tenantID, appID, versionID, fileID string) (*ContentFile, error) {
	req, err := c.request(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	var file ContentFile
	resp, err := req.SetResult(&file).
		Get(fmt.Sprintf("/deviceAppManagement/mobileApps/%s/microsoft.graph.win32LobApp/contentVersions/%s/files/%s", appID, versionID, fileID))
	if err != nil {
		return nil, fmt.Errorf("get content file: %w", err)
	}
	if resp.IsError() {
		return nil, apiError("get content file", resp)
	}
	return &file, nil
}

// CommitContentFile commits an uploaded content file, attaching the
// encryption descriptor the backend needs to decrypt the blob.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - tenantID: tenant the app lives in.
//   - appID: application ID.
//   - versionID: content version ID.
//   - fileID: content file ID.
//   - enc: symmetric encryption descriptor for the uploaded bundle.
// Returns:
//   - error: non-nil if the call fails.
func (c *Client) CommitContentFile(ctx context.Context, tenantID, appID, versionID, fileID string, enc *domain.EncryptionInfo) error {
	req, err := c.request(ctx, tenantID)
	if err != nil {
		return err
	}

	body := commitRequest{
		FileEncryptionInfo: fileEncryptionInfo{
			EncryptionKey:        enc.EncryptionKey,
			MacKey:               enc.MacKey,
			InitializationVector: enc.InitializationVector,
			Mac:                  enc.Mac,
			ProfileIdentifier:    enc.ProfileIdentifier,
			FileDigest:           enc.FileDigest,
			FileDigestAlgorithm:  enc.FileDigestAlgorithm,
		},
	}
	resp, err := req.SetBody(body).
		Post(fmt.Sprintf("/deviceAppManagement/mobileApps/%s/microsoft.graph.win32LobApp/contentVersions/%s/files/%s/commit", appID, versionID, fileID))
	if err != nil {
		return fmt.Errorf("commit content file: %w", err)
	}
	if resp.IsError() {
		return apiError("commit content file", resp)
	}
	return nil
}

// SetCommittedContentVersion marks a content version as the application's
// committed version, making the upload live.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - tenantID: tenant the app lives in.
//   - appID: application ID.
//   - versionID: content version ID to promote.
// Returns:
//   - error: non-nil if the call fails.
func (c *Client) SetCommittedContentVersion(ctx context.Context, tenantID, appID, versionID string) error {
	req, err := c.request(ctx, tenantID)
	if err != nil {
		return err
	}

	body := map[string]interface{}{
		"@odata.type":             "#microsoft.graph.win32LobApp",
		"committedContentVersion": versionID,
	}
	resp, err := req.SetBody(body).
		Patch(fmt.Sprintf("/deviceAppManagement/mobileApps/%s", appID))
	if err != nil {
		return fmt.Errorf("set committed content version: %w", err)
	}
	if resp.IsError() {
		return apiError("set committed content version", resp)
	}
	return nil
}

// SetDetectionRules patches the detection rule set onto the application.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - tenantID: tenant the app lives in.
//   - appID: application ID.
//   - rules: validated detection rule variants to apply.
// Returns:
//   - error: non-nil if a rule is invalid or the call fails.
func (c *Client) SetDetectionRules(ctx context.Context, tenantID, appID string, rules []domain.DetectionRule) error {
	req, err := c.request(ctx, tenantID)
	if err != nil {
		return err
	}

	resources := make([]detectionRuleResource, 0, len(rules))
	for _, rule := range rules {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("set detection rules: %w", err)
		}
		resources = append(resources, toDetectionResource(rule))
	}

	body := map[string]interface{}{
		"@odata.type":    "#microsoft.graph.win32LobApp",
		"detectionRules": resources,
	}
	resp, err := req.SetBody(body).
		Patch(fmt.Sprintf("/deviceAppManagement/mobileApps/%s", appID))
	if err != nil {
		return fmt.Errorf("set detection rules: %w", err)
	}
	if resp.IsError() {
		return apiError("set detection rules", resp)
	}
	return nil
}

// toDetectionResource maps a domain detection rule variant to its wire shape.
func toDetectionResource(rule domain.DetectionRule) detectionRuleResource {
	switch rule.Type {
	case domain.DetectionRuleRegistry:
		return detectionRuleResource{
			ODataType:     "#microsoft.graph.win32LobAppRegistryDetection",
			KeyPath:       rule.KeyPath,
			ValueName:     rule.ValueName,
			DetectionType: "exists",
		}
	case domain.DetectionRuleProductCode:
		return detectionRuleResource{
			ODataType:      "#microsoft.graph.win32LobAppProductCodeDetection",
			ProductCode:    rule.ProductCode,
			ProductVersion: rule.ProductVersion,
		}
	case domain.DetectionRuleScript:
		return detectionRuleResource{
			ODataType:     "#microsoft.graph.win32LobAppPowerShellScriptDetection",
			ScriptContent: rule.ScriptContent,
		}
	default:
		return detectionRuleResource{
			ODataType:        "#microsoft.graph.win32LobAppFileSystemDetection",
			Path:             rule.Path,
			FileOrFolderName: rule.FileName,
			DetectionType:    "exists",
		}
	}
}

// VerifyTenantConsent probes whether admin consent is currently granted for
// the tenant by reading its organization collection.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - tenantID: tenant to probe.
// Returns:
//   - *domain.ConsentStatus: verification outcome with a reason on failure.
//   - error: non-nil only on transport failure; a consent denial is reported
//     through the status, not as an error.
func (c *Client) VerifyTenantConsent(ctx context.Context, tenantID string) (*domain.ConsentStatus, error) {
	req, err := c.request(ctx, tenantID)
	if err != nil {
		return &domain.ConsentStatus{Verified: false, Reason: err.Error()}, nil
	}

	var orgs organizationResponse
	resp, err := req.SetResult(&orgs).Get("/organization")
	if err != nil {
		return nil, fmt.Errorf("verify tenant consent: %w", err)
	}
	if resp.StatusCode() == 401 || resp.StatusCode() == 403 {
		return &domain.ConsentStatus{Verified: false, Reason: "admin consent not granted"}, nil
	}
	if resp.IsError() {
		return nil, apiError("verify tenant consent", resp)
	}
	if len(orgs.Value) == 0 {
		return &domain.ConsentStatus{Verified: false, Reason: "tenant organization not visible"}, nil
	}
	return &domain.ConsentStatus{Verified: true}, nil
}
