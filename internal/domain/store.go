package domain

import (
	"context"
	"time"
)

// ExecutionStore persists the append-only execution record history. The
// ledger's aggregates must always be reproducible by replaying this stream,
// so Insert is the only write path and records are never updated.
type ExecutionStore interface {
	Insert(ctx context.Context, rec ExecutionRecord) error
	ListRecent(ctx context.Context, limit int) ([]ExecutionRecord, error)
	ListRange(ctx context.Context, since, until time.Time) ([]ExecutionRecord, error)
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]ExecutionRecord, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log of pipeline decisions:
// admission rejections, breaker trips and clears, archive runs.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, limit int) ([]AuditEntry, error)
}

// BlobWriter writes objects to cold storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data []byte, contentType string) error
}
