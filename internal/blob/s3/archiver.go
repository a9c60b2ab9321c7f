package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/derivlab/perpengine/internal/domain"
)

// LedgerArchive is the slice of the trade ledger the archiver needs: both
// concrete ledger implementations satisfy it.
type LedgerArchive interface {
	ListClosedBefore(ctx context.Context, before time.Time) ([]domain.TradeRecord, error)
	DeleteClosedBefore(ctx context.Context, before time.Time) (int64, error)
}

// Archiver moves closed trades older than the retention window out of the
// primary ledger into monthly JSONL objects. Rows are deleted only after
// every upload of a run succeeded and was verified.
type Archiver struct {
	writer    *Writer
	reader    *Reader
	ledger    LedgerArchive
	retention time.Duration
	logger    *slog.Logger
}

// NewArchiver creates an Archiver keeping retentionDays of closed trades in
// the primary store.
func NewArchiver(client *Client, ledger LedgerArchive, retentionDays int, logger *slog.Logger) *Archiver {
	if retentionDays < 1 {
		retentionDays = 90
	}
	return &Archiver{
		writer:    NewWriter(client),
		reader:    NewReader(client),
		ledger:    ledger,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		logger:    logger.With(slog.String("component", "archiver")),
	}
}

// Schedule runs ArchiveClosedTrades on the given cron spec until ctx is
// cancelled.
func (a *Archiver) Schedule(ctx context.Context, spec string) error {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		if _, err := a.ArchiveClosedTrades(ctx); err != nil {
			a.logger.Error("scheduled archive run failed", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return fmt.Errorf("s3blob: cron spec %q: %w", spec, err)
	}

	c.Start()
	<-ctx.Done()
	stopCtx := c.Stop()
	<-stopCtx.Done()
	return ctx.Err()
}

// ArchiveClosedTrades uploads all trades closed before the retention cutoff,
// grouped into one object per exit month, then prunes them from the ledger.
// It returns the number of archived rows.
func (a *Archiver) ArchiveClosedTrades(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-a.retention)

	trades, err := a.ledger.ListClosedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive query: %w", err)
	}
	if len(trades) == 0 {
		return 0, nil
	}

	runStamp := time.Now().UTC().Format("20060102T150405Z")
	for month, batch := range groupByExitMonth(trades) {
		buf, err := marshalJSONL(batch)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive marshal %s: %w", month, err)
		}

		// Runs are keyed by timestamp inside the month prefix so a second
		// pass over the same month never overwrites an earlier object.
		path := fmt.Sprintf("archive/trades/%s/%s.jsonl", month, runStamp)
		if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
			return 0, fmt.Errorf("s3blob: archive upload %s: %w", path, err)
		}
		ok, err := a.reader.Exists(ctx, path)
		if err != nil || !ok {
			return 0, fmt.Errorf("s3blob: archive verify %s: exists=%v err=%v", path, ok, err)
		}

		a.logger.Info("archive object written",
			slog.String("path", path),
			slog.Int("trades", len(batch)),
		)
	}

	deleted, err := a.ledger.DeleteClosedBefore(ctx, cutoff)
	if err != nil {
		// The uploads stand; the next run re-archives and re-tries the prune.
		return int64(len(trades)), fmt.Errorf("s3blob: archive prune: %w", err)
	}

	a.logger.Info("archive run complete",
		slog.Time("cutoff", cutoff),
		slog.Int("archived", len(trades)),
		slog.Int64("pruned", deleted),
	)
	return int64(len(trades)), nil
}

// ListArchives returns the stored archive objects under archive/trades/.
func (a *Archiver) ListArchives(ctx context.Context) ([]BlobInfo, error) {
	return a.reader.List(ctx, "archive/trades/")
}

// groupByExitMonth buckets closed trades by the YYYY-MM of their exit time.
func groupByExitMonth(trades []domain.TradeRecord) map[string][]domain.TradeRecord {
	out := make(map[string][]domain.TradeRecord)
	for _, t := range trades {
		month := t.EntryTime.UTC().Format("2006-01")
		if t.ExitTime != nil {
			month = t.ExitTime.UTC().Format("2006-01")
		}
		out[month] = append(out[month], t)
	}
	return out
}

// marshalJSONL serialises records as newline-delimited JSON.
func marshalJSONL(records []domain.TradeRecord) ([]byte, error) {
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
