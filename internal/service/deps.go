package service

import (
	"context"

	"github.com/appdeploy/packpilot/internal/builder"
	"github.com/appdeploy/packpilot/internal/domain"
)

// Collaborator contracts the core depends on. Concrete implementations live
// in the graph, builder, and registry packages; tests substitute fakes.

// InstallerLookup resolves installer metadata for a package version. A nil
// result with nil error means the registry has no installer for the pair.
type InstallerLookup interface {
	Lookup(ctx context.Context, packageID, version string) (*domain.InstallerMetadata, error)
}

// ConsentVerifier checks whether a tenant currently grants admin consent.
type ConsentVerifier interface {
	VerifyTenantConsent(ctx context.Context, tenantID string) (*domain.ConsentStatus, error)
}

// BuildService dispatches and cancels remote build runs. Trigger is
// asynchronous; completion arrives through the packaging callback.
type BuildService interface {
	Trigger(ctx context.Context, req *builder.TriggerRequest) (*domain.BuildRun, error)
	Cancel(ctx context.Context, runID string) (*builder.CancelResult, error)
}

// Notifier delivers outbound event notifications. Fire-and-forget: failures
// are logged by the implementation and never fail the calling operation.
type Notifier interface {
	Notify(ctx context.Context, organizationID, eventType string, payload map[string]interface{})
}

// AuditSink records audit events. Same fire-and-forget contract as Notifier;
// callers log and ignore errors.
type AuditSink interface {
	Record(ctx context.Context, entry *domain.AuditLog) error
}
