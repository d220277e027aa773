package replay

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dyluth/drey/pkg/ledger"
)

// Exporter writes date-partitioned archive files and, when asked, prunes the
// exported events from the live store. Export without prune is always safe;
// prune refuses to run against events that were not just exported.
type Exporter struct {
	ledger    *ledger.Client
	batchSize int
	log       *zap.Logger
}

// NewExporter creates an archive exporter.
func NewExporter(client *ledger.Client, log *zap.Logger) *Exporter {
	return &Exporter{ledger: client, batchSize: DefaultBatchSize, log: log}
}

// ExportReport tallies one export.
type ExportReport struct {
	Events int      // Events written
	Files  []string // Archive files created, in chronological order
	Pruned int      // Events removed from the live store
}

// Export writes every event with ts <= untilTS into NDJSON files under
// root/{tenant}/{project}/{date}.ndjson, one file per UTC date, each closed
// with a checksum line. When prune is set the exported events are then
// removed from the live store; their idempotency keys stay so the dedup
// guarantee outlives the events that earned it.
func (x *Exporter) Export(ctx context.Context, s ledger.Scope, untilTS int64, root string, prune bool) (*ExportReport, error) {
	if untilTS <= 0 {
		return nil, ledger.E(ledger.KindInvalidArgument, "export needs an upper time bound")
	}

	var all []*ledger.Event
	var cur cursor
	for {
		events, err := x.ledger.EventsByTimeRange(ctx, s, cur.ts, untilTS, cur.eventID, x.batchSize)
		if err != nil {
			return nil, err
		}
		if len(events) == 0 {
			break
		}
		for _, event := range events {
			if cur.eventID != "" && !cur.before(event) {
				return nil, fmt.Errorf("event stream out of order: %s after %s", event.ID, cur.eventID)
			}
			all = append(all, event)
			cur.ts = event.TS
			cur.eventID = event.ID
		}
	}

	report := &ExportReport{Events: len(all)}
	if len(all) == 0 {
		return report, nil
	}

	dir := filepath.Join(root, s.TenantID, s.ProjectID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating archive dir: %w", err)
	}

	// One file per UTC date. The stream is time-ordered, so each date is a
	// contiguous slice.
	for start := 0; start < len(all); {
		date := archiveDate(all[start].TS)
		end := start
		for end < len(all) && archiveDate(all[end].TS) == date {
			end++
		}

		path := filepath.Join(dir, date+ArchiveExt)
		if err := writeArchiveFile(path, all[start:end]); err != nil {
			return nil, err
		}
		report.Files = append(report.Files, path)
		start = end
	}

	if prune {
		pruned, err := x.prune(ctx, s, all)
		if err != nil {
			return report, err
		}
		report.Pruned = pruned
	}

	x.log.Info("archive export finished",
		zap.String("tenant", s.TenantID),
		zap.String("project", s.ProjectID),
		zap.Int("events", report.Events),
		zap.Int("files", len(report.Files)),
		zap.Int("pruned", report.Pruned))
	return report, nil
}

// Delete removes every event with ts <= untilTS from the live store without
// archiving it first. This is the delete retention mode; there is no way
// back, so the config makes operators spell it out.
func (x *Exporter) Delete(ctx context.Context, s ledger.Scope, untilTS int64) (int, error) {
	if untilTS <= 0 {
		return 0, ledger.E(ledger.KindInvalidArgument, "delete needs an upper time bound")
	}

	deleted := 0
	for {
		events, err := x.ledger.EventsByTimeRange(ctx, s, 0, untilTS, "", x.batchSize)
		if err != nil {
			return deleted, err
		}
		if len(events) == 0 {
			break
		}
		n, err := x.prune(ctx, s, events)
		deleted += n
		if err != nil {
			return deleted, err
		}
	}
	if deleted > 0 {
		x.log.Info("retention delete finished",
			zap.String("tenant", s.TenantID),
			zap.String("project", s.ProjectID),
			zap.Int("events", deleted))
	}
	return deleted, nil
}

func archiveDate(ts int64) string {
	return time.UnixMilli(ts).UTC().Format("2006-01-02")
}

func writeArchiveFile(path string, events []*ledger.Event) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating archive file: %w", err)
	}
	if err := WriteArchive(f, events); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", filepath.Base(path), err)
	}
	return nil
}

// prune removes exported events from the live store: the event hash and its
// entries in the time, correlation, and type indexes. Idempotency keys are
// deliberately kept.
func (x *Exporter) prune(ctx context.Context, s ledger.Scope, events []*ledger.Event) (int, error) {
	pruned := 0
	for start := 0; start < len(events); start += x.batchSize {
		end := start + x.batchSize
		if end > len(events) {
			end = len(events)
		}
		batch := events[start:end]

		err := x.ledger.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, event := range batch {
				pipe.Del(ctx, ledger.EventKey(s, event.ID))
				pipe.ZRem(ctx, ledger.EventsByTimeKey(s), event.ID)
				pipe.ZRem(ctx, ledger.EventsByCorrelationKey(s, event.CorrelationID), event.ID)
				pipe.ZRem(ctx, ledger.EventsByTypeKey(event.TenantID, event.Type), ledger.TypeIndexMember(event.ProjectID, event.ID))
			}
			return nil
		})
		if err != nil {
			return pruned, fmt.Errorf("pruning exported events: %w", err)
		}
		pruned += len(batch)
	}
	return pruned, nil
}
