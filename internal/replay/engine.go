// Package replay rebuilds read models from the event log. The engine pages
// the log in (ts, event_id) order through the same projector functions live
// writes use, and stages the resulting rows through the same ledger Stage
// methods, so a rebuilt model is byte-for-byte what live application would
// have produced. Replay only writes rows: it never publishes events, wakes
// waiters, or enqueues jobs.
//
// When events older than the live store's retention window are needed, the
// engine reads NDJSON archive files first, validates each file's trailing
// checksum, applies them, then drains the live store from where the archive
// left off.
package replay

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dyluth/drey/internal/projector"
	"github.com/dyluth/drey/pkg/ledger"
)

// DefaultBatchSize is how many events one page of the live drain covers.
const DefaultBatchSize = 100

// Engine rebuilds read models for one ledger.
type Engine struct {
	ledger    *ledger.Client
	batchSize int
	log       *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithBatchSize overrides the live-drain page size.
func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// New creates a replay engine.
func New(client *ledger.Client, log *zap.Logger, opts ...Option) *Engine {
	e := &Engine{ledger: client, batchSize: DefaultBatchSize, log: log}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Report tallies one rebuild.
type Report struct {
	Model          string // Read model that was rebuilt
	ArchivedEvents int    // Events applied from archive files
	LiveEvents     int    // Events applied from the live store
	RowsWritten    int    // Distinct rows staged
}

// cursor is the composite resume point over the (ts, event_id) ordering.
type cursor struct {
	ts      int64
	eventID string
}

func (c cursor) before(e *ledger.Event) bool {
	if c.ts != e.TS {
		return c.ts < e.TS
	}
	return c.eventID < e.ID
}

// Rebuild reconstructs one read model for a project. archiveDir is the root
// an earlier export wrote under; pass "" to drain the live store only.
func (e *Engine) Rebuild(ctx context.Context, s ledger.Scope, model, archiveDir string) (*Report, error) {
	if !projector.ValidModel(model) {
		return nil, ledger.E(ledger.KindInvalidArgument, "unknown read model %q", model)
	}

	b, err := newBuilder(model)
	if err != nil {
		return nil, err
	}
	report := &Report{Model: model}
	var cur cursor

	if archiveDir != "" {
		applied, next, err := e.applyArchives(ctx, s, archiveDir, b, cur)
		if err != nil {
			return nil, err
		}
		report.ArchivedEvents = applied
		cur = next
	}

	for {
		events, err := e.ledger.EventsByTimeRange(ctx, s, cur.ts, 0, cur.eventID, e.batchSize)
		if err != nil {
			return nil, err
		}
		if len(events) == 0 {
			break
		}
		for _, event := range events {
			if err := e.applyOne(b, event, &cur); err != nil {
				return nil, err
			}
			report.LiveEvents++
		}
		if err := b.flush(ctx, e.ledger); err != nil {
			return nil, err
		}
	}

	if err := b.flush(ctx, e.ledger); err != nil {
		return nil, err
	}
	report.RowsWritten = b.rowsWritten()

	e.log.Info("read model rebuilt",
		zap.String("model", model),
		zap.String("tenant", s.TenantID),
		zap.String("project", s.ProjectID),
		zap.Int("archived_events", report.ArchivedEvents),
		zap.Int("live_events", report.LiveEvents),
		zap.Int("rows_written", report.RowsWritten))
	return report, nil
}

// RebuildAll rebuilds every read model for a project.
func (e *Engine) RebuildAll(ctx context.Context, s ledger.Scope, archiveDir string) ([]*Report, error) {
	reports := make([]*Report, 0, len(projector.AllModels()))
	for _, model := range projector.AllModels() {
		report, err := e.Rebuild(ctx, s, model, archiveDir)
		if err != nil {
			return reports, fmt.Errorf("rebuilding %s: %w", model, err)
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// applyOne feeds one event to the builder, asserting the stream really is in
// (ts, event_id) order. The indexes promise the ordering; the engine refuses
// to build on a stream that breaks it rather than silently producing a wrong
// model.
func (e *Engine) applyOne(b builder, event *ledger.Event, cur *cursor) error {
	if cur.eventID != "" && !cur.before(event) {
		return fmt.Errorf("event stream out of order: %s (ts %d) after %s (ts %d)",
			event.ID, event.TS, cur.eventID, cur.ts)
	}
	if err := b.apply(event); err != nil {
		return fmt.Errorf("applying event %s: %w", event.ID, err)
	}
	cur.ts = event.TS
	cur.eventID = event.ID
	return nil
}

// applyArchives reads every archive file for the scope in chronological
// order and applies the events past the cursor. Files are named by date so
// lexical order is chronological.
func (e *Engine) applyArchives(ctx context.Context, s ledger.Scope, root string, b builder, cur cursor) (int, cursor, error) {
	dir := filepath.Join(root, s.TenantID, s.ProjectID)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, cur, nil
	}
	if err != nil {
		return 0, cur, fmt.Errorf("reading archive dir: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ArchiveExt) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	applied := 0
	for _, name := range names {
		path := filepath.Join(dir, name)
		events, err := ReadArchiveFile(path)
		if err != nil {
			return applied, cur, fmt.Errorf("archive %s: %w", name, err)
		}
		for _, event := range events {
			if err := e.applyOne(b, event, &cur); err != nil {
				return applied, cur, fmt.Errorf("archive %s: %w", name, err)
			}
			applied++
		}
		if err := b.flush(ctx, e.ledger); err != nil {
			return applied, cur, err
		}
	}
	return applied, cur, nil
}

// builder accumulates a read model in memory and stages dirty rows. Each
// model keeps its own typed row cache; the projector's last_event_id guard
// makes re-application of an already-seen event a no-op.
type builder interface {
	apply(e *ledger.Event) error
	flush(ctx context.Context, client *ledger.Client) error
	rowsWritten() int
}

func newBuilder(model string) (builder, error) {
	switch model {
	case projector.ModelCommands:
		return &commandBuilder{rows: map[string]*ledger.Command{}, dirty: map[string]bool{}}, nil
	case projector.ModelRuns:
		return &runBuilder{rows: map[string]*ledger.Run{}, dirty: map[string]bool{}}, nil
	case projector.ModelCards:
		return &cardBuilder{rows: map[string]*ledger.Card{}, dirty: map[string]bool{}}, nil
	case projector.ModelDecisions:
		return &decisionBuilder{rows: map[string]*ledger.Decision{}, dirty: map[string]bool{}}, nil
	case projector.ModelArtifacts:
		return &artifactBuilder{rows: map[string]*ledger.Artifact{}, dirty: map[string]bool{}}, nil
	}
	return nil, ledger.E(ledger.KindInvalidArgument, "unknown read model %q", model)
}

type commandBuilder struct {
	rows    map[string]*ledger.Command
	dirty   map[string]bool
	written int
}

func (b *commandBuilder) apply(e *ledger.Event) error {
	id, ok := projector.SubjectID(projector.ModelCommands, e)
	if !ok {
		return nil
	}
	after, err := projector.ApplyCommand(e, b.rows[id])
	if err != nil {
		return err
	}
	if after != nil {
		b.rows[id] = after
		b.dirty[id] = true
	}
	return nil
}

func (b *commandBuilder) flush(ctx context.Context, client *ledger.Client) error {
	if len(b.dirty) == 0 {
		return nil
	}
	err := client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for id := range b.dirty {
			if err := client.StageCommand(ctx, pipe, b.rows[id]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	b.written += len(b.dirty)
	b.dirty = map[string]bool{}
	return nil
}

func (b *commandBuilder) rowsWritten() int { return b.written }

type runBuilder struct {
	rows    map[string]*ledger.Run
	dirty   map[string]bool
	written int
}

func (b *runBuilder) apply(e *ledger.Event) error {
	id, ok := projector.SubjectID(projector.ModelRuns, e)
	if !ok {
		return nil
	}
	after, err := projector.ApplyRun(e, b.rows[id])
	if err != nil {
		return err
	}
	if after != nil {
		b.rows[id] = after
		b.dirty[id] = true
	}
	return nil
}

func (b *runBuilder) flush(ctx context.Context, client *ledger.Client) error {
	if len(b.dirty) == 0 {
		return nil
	}
	err := client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for id := range b.dirty {
			if err := client.StageRun(ctx, pipe, b.rows[id]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	b.written += len(b.dirty)
	b.dirty = map[string]bool{}
	return nil
}

func (b *runBuilder) rowsWritten() int { return b.written }

type cardBuilder struct {
	rows    map[string]*ledger.Card
	dirty   map[string]bool
	written int
}

func (b *cardBuilder) apply(e *ledger.Event) error {
	id, ok := projector.SubjectID(projector.ModelCards, e)
	if !ok {
		return nil
	}
	after, err := projector.ApplyCard(e, b.rows[id])
	if err != nil {
		return err
	}
	if after != nil {
		b.rows[id] = after
		b.dirty[id] = true
	}
	return nil
}

func (b *cardBuilder) flush(ctx context.Context, client *ledger.Client) error {
	if len(b.dirty) == 0 {
		return nil
	}
	err := client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for id := range b.dirty {
			if err := client.StageCard(ctx, pipe, b.rows[id]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	b.written += len(b.dirty)
	b.dirty = map[string]bool{}
	return nil
}

func (b *cardBuilder) rowsWritten() int { return b.written }

type decisionBuilder struct {
	rows    map[string]*ledger.Decision
	dirty   map[string]bool
	written int
}

func (b *decisionBuilder) apply(e *ledger.Event) error {
	id, ok := projector.SubjectID(projector.ModelDecisions, e)
	if !ok {
		return nil
	}
	after, err := projector.ApplyDecision(e, b.rows[id])
	if err != nil {
		return err
	}
	if after != nil {
		b.rows[id] = after
		b.dirty[id] = true
	}
	return nil
}

func (b *decisionBuilder) flush(ctx context.Context, client *ledger.Client) error {
	if len(b.dirty) == 0 {
		return nil
	}
	err := client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for id := range b.dirty {
			if err := client.StageDecision(ctx, pipe, b.rows[id]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	b.written += len(b.dirty)
	b.dirty = map[string]bool{}
	return nil
}

func (b *decisionBuilder) rowsWritten() int { return b.written }

type artifactBuilder struct {
	rows    map[string]*ledger.Artifact
	dirty   map[string]bool
	written int
}

func (b *artifactBuilder) apply(e *ledger.Event) error {
	id, ok := projector.SubjectID(projector.ModelArtifacts, e)
	if !ok {
		return nil
	}
	after, err := projector.ApplyArtifact(e, b.rows[id])
	if err != nil {
		return err
	}
	if after != nil {
		b.rows[id] = after
		b.dirty[id] = true
	}
	return nil
}

func (b *artifactBuilder) flush(ctx context.Context, client *ledger.Client) error {
	if len(b.dirty) == 0 {
		return nil
	}
	err := client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for id := range b.dirty {
			if err := client.StageArtifact(ctx, pipe, b.rows[id]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	b.written += len(b.dirty)
	b.dirty = map[string]bool{}
	return nil
}

func (b *artifactBuilder) rowsWritten() int { return b.written }
