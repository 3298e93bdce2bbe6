package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"solpilot/internal/domain"
)

const archiveBatch = 5000

// Archiver exports closed-position records older than the retention cutoff
// to JSONL objects and deletes the exported rows. Deletion only happens
// after the upload has succeeded; a crash between the two re-exports the
// same rows on the next run, which overwrites the same object key.
type Archiver struct {
	client   *Client
	uploader *manager.Uploader
	history  domain.HistoricalSwapStore
	audit    domain.AuditStore
}

// NewArchiver creates an Archiver for the given history store.
func NewArchiver(client *Client, history domain.HistoricalSwapStore, audit domain.AuditStore) *Archiver {
	return &Archiver{
		client:   client,
		uploader: manager.NewUploader(client.s3),
		history:  history,
		audit:    audit,
	}
}

// ArchiveClosedBefore exports every closed-position record with closed_at at
// or before the cutoff and prunes them from the store. It returns the number
// of records archived.
func (a *Archiver) ArchiveClosedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	for {
		swaps, err := a.history.ListClosedBefore(ctx, cutoff, archiveBatch)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive query: %w", err)
		}
		if len(swaps) == 0 {
			return total, nil
		}

		buf, err := marshalJSONL(swaps)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive marshal: %w", err)
		}

		path := archivePath(swaps[len(swaps)-1].ClosedAt)
		if err := a.put(ctx, path, buf); err != nil {
			return total, fmt.Errorf("s3blob: archive upload: %w", err)
		}

		batchCutoff := swaps[len(swaps)-1].ClosedAt
		deleted, err := a.history.DeleteBefore(ctx, batchCutoff)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive prune: %w", err)
		}
		total += deleted

		if err := a.audit.Log(ctx, "history_archived", map[string]any{
			"path":   path,
			"count":  deleted,
			"before": batchCutoff.Format(time.RFC3339),
		}); err != nil {
			return total, fmt.Errorf("s3blob: archive audit log: %w", err)
		}

		if len(swaps) < archiveBatch {
			return total, nil
		}
	}
}

func (a *Archiver) put(ctx context.Context, path string, data []byte) error {
	_, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.client.bucket),
		Key:         aws.String(path),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/x-ndjson"),
	})
	return err
}

// archivePath partitions archive objects by year-month of the newest record
// they contain, e.g. archive/closed_positions/2026-08.jsonl.
func archivePath(t time.Time) string {
	return fmt.Sprintf("archive/closed_positions/%s.jsonl", t.Format("2006-01"))
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
