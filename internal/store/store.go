package store

import (
	"context"

	"github.com/wemdio/lead-scanner/internal/model"
)

// MessageStore is the read-only view of the shared, append-only messages
// table populated by the upstream collector.
type MessageStore interface {
	// MaxMessageID returns the highest message id, or 0 for an empty table.
	MaxMessageID(ctx context.Context) (int64, error)
	// FetchAfter returns up to limit messages with id > cursor, ascending.
	FetchAfter(ctx context.Context, cursor int64, limit int) ([]model.Message, error)
}

// TenantRegistry reads tenant configuration owned by the external
// configuration service.
type TenantRegistry interface {
	// ListActive returns a snapshot of every tenant whose config is active.
	ListActive(ctx context.Context) ([]model.TenantConfig, error)
}

// LeadStore persists detected leads with a (tenant, message) uniqueness
// guarantee and tracks their delivery.
type LeadStore interface {
	// InsertUnique stores lead unless one already exists for the same tenant
	// and message. Concurrent duplicates resolve to a single row.
	InsertUnique(ctx context.Context, lead model.DetectedLead) (model.InsertResult, error)
	// SaveDraft attaches a generated draft to an existing lead.
	SaveDraft(ctx context.Context, leadID, draft string) error
	// MarkDelivered flags a lead as delivered. A second call is a no-op.
	MarkDelivered(ctx context.Context, leadID, deliveryID string) error
	// ListUndelivered returns a tenant's undelivered leads with their source
	// message, oldest message first.
	ListUndelivered(ctx context.Context, tenantID string, limit int) ([]model.DetectedLead, error)
	// CountUndelivered returns the undelivered backlog across all tenants.
	CountUndelivered(ctx context.Context) (int, error)
}

// Store combines every persistence contract the scanner depends on.
type Store interface {
	MessageStore
	TenantRegistry
	LeadStore

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}
