package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// ExecutionStore persists execution records. Writes are append-then-update:
// a record is inserted at submission and its state is updated as the
// lifecycle advances. Failures here must never block the execution path.
type ExecutionStore interface {
	Create(ctx context.Context, rec ExecutionRecord) error
	UpdateState(ctx context.Context, id string, state ExecState, txHash, failReason string, realizedETH float64) error
	GetByID(ctx context.Context, id string) (ExecutionRecord, error)
	ListRecent(ctx context.Context, limit int) ([]ExecutionRecord, error)
	ListUnreconciled(ctx context.Context) ([]ExecutionRecord, error)
	ListBefore(ctx context.Context, before time.Time, limit int) ([]ExecutionRecord, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// OpportunityStore persists opportunity history for audit; append-only.
type OpportunityStore interface {
	Insert(ctx context.Context, opp Opportunity) error
	MarkSubmitted(ctx context.Context, id string) error
	ListRecent(ctx context.Context, kind OpportunityKind, limit int) ([]Opportunity, error)
	ListBefore(ctx context.Context, before time.Time, limit int) ([]Opportunity, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
