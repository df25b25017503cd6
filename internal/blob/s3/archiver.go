package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/calegray/flashhawk/internal/domain"
)

// ArchiverConfig holds the cold-storage job tunables.
type ArchiverConfig struct {
	// Retention is how long records stay in the hot store before archiving.
	Retention time.Duration
	// Interval is how often the job runs.
	Interval time.Duration
	// DeleteAfterUpload prunes archived records from the hot store once the
	// upload succeeded. The archive upload always completes before anything
	// is deleted.
	DeleteAfterUpload bool
}

// Archiver periodically moves execution records older than the retention
// window from the hot store to S3 as JSONL files partitioned by month.
type Archiver struct {
	cfg    ArchiverConfig
	store  domain.ExecutionStore
	writer domain.BlobWriter
	audit  domain.AuditStore
	logger *slog.Logger

	now func() time.Time
}

// NewArchiver creates an Archiver. The audit store is optional.
func NewArchiver(cfg ArchiverConfig, store domain.ExecutionStore, writer domain.BlobWriter, audit domain.AuditStore, logger *slog.Logger) *Archiver {
	return &Archiver{
		cfg:    cfg,
		store:  store,
		writer: writer,
		audit:  audit,
		logger: logger.With(slog.String("component", "archiver")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run executes the archive job on its interval until the context ends.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if count, err := a.ArchiveExecutions(ctx, a.now().Add(-a.cfg.Retention)); err != nil {
				a.logger.Error("archive run failed", slog.String("error", err.Error()))
			} else if count > 0 {
				a.logger.Info("archive run complete", slog.Int64("records", count))
			}
		}
	}
}

// ArchiveExecutions uploads every record executed before the cutoff as a
// JSONL file at archive/executions/YYYY-MM.jsonl and returns the archived
// count. When DeleteAfterUpload is set, records are pruned from the hot store
// only after the upload succeeded.
func (a *Archiver) ArchiveExecutions(ctx context.Context, before time.Time) (int64, error) {
	records, err := a.store.ListBefore(ctx, before, 0)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive executions query: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive executions marshal: %w", err)
	}

	path := archivePath("executions", before)
	if err := a.writer.Put(ctx, path, buf, "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive executions upload: %w", err)
	}

	count := int64(len(records))

	if a.cfg.DeleteAfterUpload {
		deleted, err := a.store.DeleteBefore(ctx, before)
		if err != nil {
			return count, fmt.Errorf("s3blob: prune archived executions: %w", err)
		}
		a.logger.Info("archived records pruned", slog.Int64("deleted", deleted))
	}

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.executions", map[string]any{
			"path":   path,
			"count":  count,
			"before": before.Format(time.RFC3339),
		}); err != nil {
			return count, fmt.Errorf("s3blob: archive executions audit log: %w", err)
		}
	}
	return count, nil
}

// archivePath builds the S3 key, partitioned by the cutoff's year-month:
//
//	archive/executions/2026-03.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
