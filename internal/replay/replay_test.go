package replay

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dyluth/drey/internal/cards"
	"github.com/dyluth/drey/internal/decisions"
	"github.com/dyluth/drey/internal/guard"
	"github.com/dyluth/drey/internal/jobs"
	"github.com/dyluth/drey/pkg/ledger"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type noopWaker struct{}

func (noopWaker) Wake(string, jobs.Outcome) {}

type fixture struct {
	engine   *Engine
	exporter *Exporter
	client   *ledger.Client
	rdb      *redis.Client
	clock    *fakeClock
}

func setup(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	clock := &fakeClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	client := ledger.NewFromClient(rdb, ledger.Producer{Service: "replay-test", Version: "test"}).
		WithClock(clock.Now)
	t.Cleanup(func() { client.Close() })

	return &fixture{
		engine:   New(client, zap.NewNop(), WithBatchSize(3)),
		exporter: NewExporter(client, zap.NewNop()),
		client:   client,
		rdb:      rdb,
		clock:    clock,
	}
}

func testScope() ledger.Scope {
	return ledger.Scope{TenantID: "acme", ProjectID: "website"}
}

func (f *fixture) append(t *testing.T, d ledger.Draft) *ledger.Event {
	t.Helper()
	event, duplicate, err := f.client.Append(context.Background(), testScope(), d)
	require.NoError(t, err)
	require.False(t, duplicate)
	f.clock.Advance(time.Millisecond)
	return event
}

// history holds the IDs of one appended workflow.
type history struct {
	commandID, runID, cardID, decisionID, artifactID string
}

// appendHistory writes a full workflow to the log: a command admitted,
// started, blocked on a decision, resumed after a render, producing an
// artifact, and succeeding. Rows are NOT staged; only the log is written.
func appendHistory(t *testing.T, f *fixture) history {
	t.Helper()
	h := history{
		commandID:  ledger.NewID(),
		runID:      ledger.NewID(),
		cardID:     ledger.NewID(),
		decisionID: ledger.NewID(),
		artifactID: ledger.NewID(),
	}

	f.append(t, ledger.Draft{
		Type: ledger.EventCommandRequested, CorrelationID: h.commandID, CommandID: h.commandID,
		IdempotencyKey: "digest:" + h.commandID,
		Payload: ledger.CommandRequestedPayload{
			Spec:  ledger.CommandSpec{CommandType: "digest.generate", CommandVersion: "1"},
			Title: "generate daily digest",
		},
	})
	f.append(t, ledger.Draft{
		Type: ledger.EventCardCreated, CorrelationID: h.commandID, CommandID: h.commandID, CardID: h.cardID,
		Payload: ledger.CardCreatedPayload{
			Title: "generate daily digest", Priority: ledger.DefaultPriority,
			Spec: ledger.CardSpec{CommandType: "digest.generate"},
		},
	})
	f.append(t, ledger.Draft{
		Type: ledger.EventCommandStarted, CorrelationID: h.commandID, CommandID: h.commandID, RunID: h.runID,
		Payload: ledger.CommandStartedPayload{Executor: "worker-1", Attempt: 1},
	})
	f.append(t, ledger.Draft{
		Type: ledger.EventCardTransitioned, CorrelationID: h.commandID, CommandID: h.commandID, CardID: h.cardID,
		Payload: ledger.CardTransitionedPayload{From: ledger.CardReady, To: ledger.CardRunning, Reason: "leased"},
	})
	f.append(t, ledger.Draft{
		Type: ledger.EventDecisionRequested, CorrelationID: h.commandID, CommandID: h.commandID,
		CardID: h.cardID, RunID: h.runID, DecisionID: h.decisionID,
		Payload: ledger.DecisionRequestedPayload{
			Urgency: ledger.UrgencyToday, Title: "publish digest?",
			Options: []ledger.DecisionOption{{Key: "approve", Label: "Approve"}, {Key: "reject", Label: "Reject"}},
		},
	})
	f.append(t, ledger.Draft{
		Type: ledger.EventCardTransitioned, CorrelationID: h.commandID, CommandID: h.commandID, CardID: h.cardID,
		Payload: ledger.CardTransitionedPayload{From: ledger.CardRunning, To: ledger.CardNeedsDecision, Reason: "decision requested"},
	})
	f.append(t, ledger.Draft{
		Type: ledger.EventDecisionClaimed, CorrelationID: h.commandID, DecisionID: h.decisionID,
		Payload: ledger.DecisionClaimedPayload{ClaimedBy: "bob", ClaimedUntil: f.client.NowMS() + time.Minute.Milliseconds()},
	})
	f.append(t, ledger.Draft{
		Type: ledger.EventDecisionRendered, CorrelationID: h.commandID, DecisionID: h.decisionID,
		Payload: ledger.DecisionRenderedPayload{SelectedOption: "approve", RenderedBy: "bob"},
	})
	f.append(t, ledger.Draft{
		Type: ledger.EventCardTransitioned, CorrelationID: h.commandID, CommandID: h.commandID, CardID: h.cardID,
		Payload: ledger.CardTransitionedPayload{From: ledger.CardNeedsDecision, To: ledger.CardRunning, Reason: "decision rendered"},
	})
	f.append(t, ledger.Draft{
		Type: ledger.EventArtifactProduced, CorrelationID: h.commandID, CommandID: h.commandID, RunID: h.runID,
		Payload: ledger.ArtifactProducedPayload{
			ArtifactID: h.artifactID, ContentSHA256: strings.Repeat("ab", 32),
			Type: "digest.markdown", LogicalName: "daily-digest", ByteSize: 2048,
			Storage: ledger.StoragePointer{Provider: "redis", Key: "blob-1"},
		},
	})
	f.append(t, ledger.Draft{
		Type: ledger.EventCommandSucceeded, CorrelationID: h.commandID, CommandID: h.commandID, RunID: h.runID,
		Payload: ledger.CommandSucceededPayload{ResultSummary: "digest published"},
	})
	return h
}

func TestRebuildAll(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	scope := testScope()
	h := appendHistory(t, f)

	reports, err := f.engine.RebuildAll(ctx, scope, "")
	require.NoError(t, err)
	require.Len(t, reports, 5)

	t.Run("command row", func(t *testing.T) {
		command, err := f.client.GetCommand(ctx, scope, h.commandID)
		require.NoError(t, err)
		assert.Equal(t, ledger.CommandSucceeded, command.Status)
		assert.Equal(t, h.runID, command.LatestRunID)
		assert.Equal(t, "generate daily digest", command.Title)
	})

	t.Run("run row", func(t *testing.T) {
		run, err := f.client.GetRun(ctx, scope, h.runID)
		require.NoError(t, err)
		assert.Equal(t, ledger.RunSucceeded, run.Status)
		assert.Equal(t, "worker-1", run.Executor)
		assert.NotZero(t, run.EndedTS)
	})

	t.Run("card row counts both entries into RUNNING", func(t *testing.T) {
		card, err := f.client.GetCard(ctx, scope, h.cardID)
		require.NoError(t, err)
		assert.Equal(t, ledger.CardRunning, card.State)
		assert.Equal(t, 2, card.Attempt)
	})

	t.Run("decision row is terminal with claim cleared", func(t *testing.T) {
		decision, err := f.client.GetDecision(ctx, scope, h.decisionID)
		require.NoError(t, err)
		assert.Equal(t, ledger.DecisionRendered, decision.State)
		assert.Equal(t, "approve", decision.RenderedOption)
		assert.Equal(t, "bob", decision.RenderedBy)
		assert.Empty(t, decision.ClaimedBy)

		open, err := f.client.OpenDecisionIDs(ctx, scope)
		require.NoError(t, err)
		assert.Empty(t, open)
	})

	t.Run("artifact row and dedup index", func(t *testing.T) {
		artifact, err := f.client.GetArtifact(ctx, scope, h.artifactID)
		require.NoError(t, err)
		assert.Equal(t, "digest.markdown", artifact.Type)
		assert.Equal(t, h.commandID, artifact.Provenance.CommandID)

		owner, err := f.rdb.Get(ctx, ledger.ArtifactBySHAKey(scope, strings.Repeat("ab", 32))).Result()
		require.NoError(t, err)
		assert.Equal(t, h.artifactID, owner)
	})
}

func TestRebuildIsIdempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	scope := testScope()
	h := appendHistory(t, f)

	_, err := f.engine.Rebuild(ctx, scope, "decisions", "")
	require.NoError(t, err)
	first, err := f.client.GetDecision(ctx, scope, h.decisionID)
	require.NoError(t, err)

	_, err = f.engine.Rebuild(ctx, scope, "decisions", "")
	require.NoError(t, err)
	second, err := f.client.GetDecision(ctx, scope, h.decisionID)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestRebuildUnknownModel(t *testing.T) {
	f := setup(t)
	_, err := f.engine.Rebuild(context.Background(), testScope(), "widgets", "")
	assert.True(t, ledger.IsKind(err, ledger.KindInvalidArgument))
}

// TestRebuildMatchesLiveRows drives the real decision write path, wipes the
// read model, rebuilds it from the log, and requires the rebuilt rows to be
// identical to what live application produced.
func TestRebuildMatchesLiveRows(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	scope := testScope()

	g := guard.New(f.client)
	machine := cards.NewMachine(f.client, zap.NewNop())
	svc := decisions.New(f.client, g, machine, noopWaker{}, zap.NewNop())

	for userID, role := range map[string]ledger.Role{"bot:digest": ledger.RoleBot, "bob": ledger.RoleOperator} {
		err := f.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			f.client.StageMember(ctx, pipe, &ledger.Member{
				TenantID: scope.TenantID, ProjectID: scope.ProjectID,
				UserID: userID, Role: role, AddedBy: "test", AddedAt: f.client.NowMS(),
			})
			return nil
		})
		require.NoError(t, err)
	}

	asBot := guard.WithIdentity(ctx, "bot:digest")
	asBob := guard.WithIdentity(ctx, "bob")

	rendered, err := svc.RequestDecision(asBot, scope, decisions.Request{
		Urgency: ledger.UrgencyToday, Title: "publish digest?",
		Options: []ledger.DecisionOption{{Key: "approve", Label: "Approve"}, {Key: "reject", Label: "Reject"}},
	})
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	_, err = svc.Claim(asBob, scope, rendered.ID)
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	_, err = svc.Render(asBob, scope, rendered.ID, "approve", "looks good")
	require.NoError(t, err)

	pending, err := svc.RequestDecision(asBot, scope, decisions.Request{
		Urgency: ledger.UrgencyNow, Title: "rollback release?",
		Options: []ledger.DecisionOption{{Key: "yes", Label: "Yes"}, {Key: "no", Label: "No"}},
	})
	require.NoError(t, err)

	liveRendered, err := f.client.GetDecision(ctx, scope, rendered.ID)
	require.NoError(t, err)
	livePending, err := f.client.GetDecision(ctx, scope, pending.ID)
	require.NoError(t, err)

	// Wipe the decision read model, leaving the log untouched.
	require.NoError(t, f.rdb.Del(ctx,
		ledger.DecisionKey(scope, rendered.ID),
		ledger.DecisionKey(scope, pending.ID),
		ledger.DecisionsOpenKey(scope),
		ledger.DecisionsExpiryKey(scope),
		ledger.DecisionsClaimsKey(scope),
	).Err())
	_, err = f.client.GetDecision(ctx, scope, rendered.ID)
	require.True(t, ledger.IsNotFound(err))

	_, err = f.engine.Rebuild(ctx, scope, "decisions", "")
	require.NoError(t, err)

	rebuilt, err := f.client.GetDecision(ctx, scope, rendered.ID)
	require.NoError(t, err)
	assert.Equal(t, liveRendered, rebuilt)

	rebuilt, err = f.client.GetDecision(ctx, scope, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, livePending, rebuilt)

	open, err := f.client.OpenDecisionIDs(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, []string{pending.ID}, open)
}

func TestArchiveRoundTrip(t *testing.T) {
	f := setup(t)
	appendHistory(t, f)

	events, err := f.client.EventsByTimeRange(context.Background(), testScope(), 0, 0, "", 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)

	var buf bytes.Buffer
	require.NoError(t, WriteArchive(&buf, events))

	t.Run("reads back what was written", func(t *testing.T) {
		got, err := ReadArchive(bytes.NewReader(buf.Bytes()))
		require.NoError(t, err)
		assert.Equal(t, events, got)
	})

	t.Run("flipped byte fails the checksum", func(t *testing.T) {
		corrupt := bytes.Replace(buf.Bytes(), []byte(`"ts"`), []byte(`"tS"`), 1)
		_, err := ReadArchive(bytes.NewReader(corrupt))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "checksum")
	})

	t.Run("missing checksum line is rejected", func(t *testing.T) {
		lines := bytes.Split(bytes.TrimSuffix(buf.Bytes(), []byte("\n")), []byte("\n"))
		truncated := append(bytes.Join(lines[:len(lines)-1], []byte("\n")), '\n')
		_, err := ReadArchive(bytes.NewReader(truncated))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing its checksum")
	})

	t.Run("content after the checksum is rejected", func(t *testing.T) {
		tampered := append(append([]byte{}, buf.Bytes()...), []byte(`{"id":"zzz"}`+"\n")...)
		_, err := ReadArchive(bytes.NewReader(tampered))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "after its checksum")
	})
}

func TestExportAndRebuildFromArchive(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	scope := testScope()

	// First workflow today, second one after midnight UTC.
	f.clock.mu.Lock()
	f.clock.now = time.Date(2026, 3, 14, 23, 59, 0, 0, time.UTC)
	f.clock.mu.Unlock()
	first := appendHistory(t, f)
	f.clock.Advance(2 * time.Minute)
	second := history{
		commandID: ledger.NewID(), cardID: ledger.NewID(),
	}
	f.append(t, ledger.Draft{
		Type: ledger.EventCommandRequested, CorrelationID: second.commandID, CommandID: second.commandID,
		Payload: ledger.CommandRequestedPayload{
			Spec: ledger.CommandSpec{CommandType: "digest.generate", CommandVersion: "1"},
		},
	})

	dir := t.TempDir()
	report, err := f.exporter.Export(ctx, scope, f.client.NowMS(), dir, true)
	require.NoError(t, err)
	assert.Equal(t, 12, report.Events)
	assert.Equal(t, 12, report.Pruned)
	require.Equal(t, []string{
		filepath.Join(dir, "acme", "website", "2026-03-14.ndjson"),
		filepath.Join(dir, "acme", "website", "2026-03-15.ndjson"),
	}, report.Files)

	t.Run("live store is drained of exported events", func(t *testing.T) {
		events, err := f.client.EventsByTimeRange(ctx, scope, 0, 0, "", 0)
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("idempotency keys outlive the pruned events", func(t *testing.T) {
		_, duplicate, err := f.client.Append(ctx, scope, ledger.Draft{
			Type: ledger.EventCommandRequested, CorrelationID: ledger.NewID(),
			CommandID:      ledger.NewID(),
			IdempotencyKey: "digest:" + first.commandID,
			Payload: ledger.CommandRequestedPayload{
				Spec: ledger.CommandSpec{CommandType: "digest.generate"},
			},
		})
		require.NoError(t, err)
		assert.True(t, duplicate)
	})

	t.Run("rebuild reads the archive then drains the live store", func(t *testing.T) {
		liveHistory := appendHistory(t, f)

		reports, err := f.engine.RebuildAll(ctx, scope, dir)
		require.NoError(t, err)
		for _, r := range reports {
			if r.Model == "commands" {
				assert.Equal(t, 12, r.ArchivedEvents)
			}
		}

		command, err := f.client.GetCommand(ctx, scope, first.commandID)
		require.NoError(t, err)
		assert.Equal(t, ledger.CommandSucceeded, command.Status)

		command, err = f.client.GetCommand(ctx, scope, second.commandID)
		require.NoError(t, err)
		assert.Equal(t, ledger.CommandPending, command.Status)

		command, err = f.client.GetCommand(ctx, scope, liveHistory.commandID)
		require.NoError(t, err)
		assert.Equal(t, ledger.CommandSucceeded, command.Status)
	})
}

func TestExportEmptyRange(t *testing.T) {
	f := setup(t)
	report, err := f.exporter.Export(context.Background(), testScope(), f.client.NowMS(), t.TempDir(), false)
	require.NoError(t, err)
	assert.Zero(t, report.Events)
	assert.Empty(t, report.Files)
}

func TestDeleteRemovesOldEvents(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	scope := testScope()

	old := appendHistory(t, f)
	cutoff := f.client.NowMS()
	f.clock.Advance(time.Hour)
	kept := appendHistory(t, f)

	deleted, err := f.exporter.Delete(ctx, scope, cutoff)
	require.NoError(t, err)
	assert.Equal(t, 11, deleted)

	events, err := f.client.EventsByTimeRange(ctx, scope, 0, 0, "", 0)
	require.NoError(t, err)
	require.Len(t, events, 11)
	for _, e := range events {
		assert.Greater(t, e.TS, cutoff)
	}

	// The correlation index for the deleted thread is emptied with it.
	thread, err := f.client.EventsByCorrelation(ctx, scope, old.commandID)
	require.NoError(t, err)
	assert.Empty(t, thread)

	thread, err = f.client.EventsByCorrelation(ctx, scope, kept.commandID)
	require.NoError(t, err)
	assert.Len(t, thread, 11)

	_, err = f.exporter.Delete(ctx, scope, 0)
	assert.Equal(t, ledger.KindInvalidArgument, ledger.KindOf(err))
}
