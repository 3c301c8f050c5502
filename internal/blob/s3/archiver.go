package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/atalantalabs/atalanta/internal/domain"
)

// Archiver implements domain.Archiver: query aged rows, upload as JSONL
// partitioned by year-month, verify the upload landed, then prune the rows
// from Postgres. Prune only runs after the written object is confirmed to
// exist, so a failed upload never loses history.
type Archiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	execs  domain.ExecutionStore
	opps   domain.OpportunityStore
	audit  domain.AuditStore
}

func NewArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	execs domain.ExecutionStore,
	opps domain.OpportunityStore,
	audit domain.AuditStore,
) *Archiver {
	return &Archiver{
		writer: writer,
		reader: reader,
		execs:  execs,
		opps:   opps,
		audit:  audit,
	}
}

// archiveBatchLimit bounds one archive pass; the next run picks up the rest.
const archiveBatchLimit = 10000

// ArchiveExecutions uploads executions older than before and prunes them.
// Only terminal records are pruned by the store; a timed-out record older
// than the cutoff stays in Postgres until reconciled.
func (a *Archiver) ArchiveExecutions(ctx context.Context, before time.Time) (int64, error) {
	recs, err := a.execs.ListBefore(ctx, before, archiveBatchLimit)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive executions query: %w", err)
	}
	if len(recs) == 0 {
		return 0, nil
	}

	path := archivePath("executions", before)
	if err := uploadJSONL(ctx, a, path, recs); err != nil {
		return 0, err
	}

	pruned, err := a.execs.DeleteBefore(ctx, before)
	if err != nil {
		return int64(len(recs)), fmt.Errorf("s3blob: prune executions: %w", err)
	}

	a.logArchive(ctx, "archive.executions", path, int64(len(recs)), pruned, before)
	return int64(len(recs)), nil
}

// ArchiveOpportunities uploads opportunity history older than before and
// prunes it.
func (a *Archiver) ArchiveOpportunities(ctx context.Context, before time.Time) (int64, error) {
	opps, err := a.opps.ListBefore(ctx, before, archiveBatchLimit)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive opportunities query: %w", err)
	}
	if len(opps) == 0 {
		return 0, nil
	}

	path := archivePath("opportunities", before)
	if err := uploadJSONL(ctx, a, path, opps); err != nil {
		return 0, err
	}

	pruned, err := a.opps.DeleteBefore(ctx, before)
	if err != nil {
		return int64(len(opps)), fmt.Errorf("s3blob: prune opportunities: %w", err)
	}

	a.logArchive(ctx, "archive.opportunities", path, int64(len(opps)), pruned, before)
	return int64(len(opps)), nil
}

func uploadJSONL[T any](ctx context.Context, a *Archiver, path string, records []T) error {
	buf, err := marshalJSONL(records)
	if err != nil {
		return fmt.Errorf("s3blob: archive marshal %s: %w", path, err)
	}
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return fmt.Errorf("s3blob: archive upload %s: %w", path, err)
	}

	exists, err := a.reader.Exists(ctx, path)
	if err != nil {
		return fmt.Errorf("s3blob: archive verify %s: %w", path, err)
	}
	if !exists {
		return fmt.Errorf("s3blob: archive verify %s: object missing after upload", path)
	}
	return nil
}

func (a *Archiver) logArchive(ctx context.Context, event, path string, count, pruned int64, before time.Time) {
	if a.audit == nil {
		return
	}
	_ = a.audit.Log(ctx, event, map[string]any{
		"path":   path,
		"count":  count,
		"pruned": pruned,
		"before": before.Format(time.RFC3339),
	})
}

// archivePath partitions archives by the year-month of the cutoff:
//
//	archive/executions/2026-08.jsonl
//	archive/opportunities/2026-08.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL encodes records as newline-delimited JSON.
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

var _ domain.Archiver = (*Archiver)(nil)
