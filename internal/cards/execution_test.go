package cards_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dyluth/drey/internal/admission"
	"github.com/dyluth/drey/internal/artifacts"
	"github.com/dyluth/drey/internal/blob"
	"github.com/dyluth/drey/internal/cards"
	"github.com/dyluth/drey/internal/decisions"
	"github.com/dyluth/drey/internal/guard"
	"github.com/dyluth/drey/internal/sweeper"
	"github.com/dyluth/drey/pkg/ledger"
)

type lifecycleClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *lifecycleClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *lifecycleClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// lifecycle wires the full execution path: admission to create the command
// and card, the machine to report runs, artifacts to attach evidence, and
// the sweeper to release retry timers.
type lifecycle struct {
	admission *admission.Service
	artifacts *artifacts.Service
	machine   *cards.Machine
	sweeper   *sweeper.Sweeper
	client    *ledger.Client
	clock     *lifecycleClock
}

func setupLifecycle(t *testing.T) *lifecycle {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	clock := &lifecycleClock{now: time.Now()}
	client := ledger.NewFromClient(rdb, ledger.Producer{Service: "lifecycle-test", Version: "test"}).
		WithClock(clock.Now)
	t.Cleanup(func() { client.Close() })

	g := guard.New(client)
	machine := cards.NewMachine(client, zap.NewNop())
	dec := decisions.New(client, g, machine, nil, zap.NewNop())
	sw := sweeper.New(client, machine, dec, nil, sweeper.Config{}, zap.NewNop())

	f := &lifecycle{
		admission: admission.New(client, g, machine, nil, zap.NewNop()),
		artifacts: artifacts.New(client, g, blob.NewRedis(rdb), zap.NewNop()),
		machine:   machine,
		sweeper:   sw,
		client:    client,
		clock:     clock,
	}

	scope := lifecycleScope()
	seedLifecycleProject(t, client, scope)
	seedLifecycleMember(t, client, scope, "bot:digest", ledger.RoleBot)
	seedLifecycleMember(t, client, scope, "bob", ledger.RoleOperator)
	return f
}

func lifecycleScope() ledger.Scope {
	return ledger.Scope{TenantID: "acme", ProjectID: "website"}
}

func seedLifecycleProject(t *testing.T, client *ledger.Client, s ledger.Scope) {
	t.Helper()
	err := client.Pipelined(context.Background(), func(pipe redis.Pipeliner) error {
		client.StageProject(context.Background(), pipe, &ledger.Project{
			TenantID: s.TenantID, ProjectID: s.ProjectID,
			Name: s.ProjectID, CreatedBy: "test", CreatedAt: client.NowMS(),
		})
		return nil
	})
	require.NoError(t, err)
}

func seedLifecycleMember(t *testing.T, client *ledger.Client, s ledger.Scope, userID string, role ledger.Role) {
	t.Helper()
	err := client.Pipelined(context.Background(), func(pipe redis.Pipeliner) error {
		client.StageMember(context.Background(), pipe, &ledger.Member{
			TenantID: s.TenantID, ProjectID: s.ProjectID,
			UserID: userID, Role: role, AddedBy: "test", AddedAt: client.NowMS(),
		})
		return nil
	})
	require.NoError(t, err)
}

func asLifecycleBot() context.Context {
	return guard.WithIdentity(context.Background(), "bot:digest")
}

func asLifecycleOperator() context.Context {
	return guard.WithIdentity(context.Background(), "bob")
}

func TestRunLifecycleHappyPath(t *testing.T) {
	f := setupLifecycle(t)
	scope := lifecycleScope()
	ctx := context.Background()

	receipt, err := f.admission.RequestCommand(asLifecycleBot(), scope, admission.CommandRequest{
		Spec:          ledger.CommandSpec{CommandType: "digest.compile", CommandVersion: "1"},
		CorrelationID: "corr-happy",
		Title:         "compile digest",
	})
	require.NoError(t, err)

	started, err := f.machine.StartRun(ctx, scope, cards.StartRunRequest{
		CardID:        receipt.CardID,
		Executor:      "worker-1",
		CorrelationID: "corr-happy",
	})
	require.NoError(t, err)

	t.Run("start opens the run and moves card and command together", func(t *testing.T) {
		assert.Equal(t, ledger.CardRunning, started.Card.State)
		assert.Equal(t, 1, started.Card.Attempt)
		assert.Equal(t, ledger.RunRunning, started.Run.Status)
		assert.Equal(t, "worker-1", started.Run.Executor)

		command, err := f.client.GetCommand(ctx, scope, receipt.CommandID)
		require.NoError(t, err)
		assert.Equal(t, ledger.CommandRunning, command.Status)
		assert.Equal(t, started.Run.ID, command.LatestRunID)
	})

	artifact, err := f.artifacts.ReportArtifact(asLifecycleBot(), scope, artifacts.Report{
		Content:       "# Digest\n",
		Encoding:      "utf8",
		Type:          "text/markdown",
		LogicalName:   "digest.md",
		CommandID:     receipt.CommandID,
		RunID:         started.Run.ID,
		CorrelationID: "corr-happy",
	})
	require.NoError(t, err)

	card, err := f.machine.CompleteRun(ctx, scope, cards.CompleteRunRequest{
		CardID:        receipt.CardID,
		ResultSummary: "digest compiled",
		CorrelationID: "corr-happy",
	})
	require.NoError(t, err)

	t.Run("complete closes the run and the card together", func(t *testing.T) {
		assert.Equal(t, ledger.CardDone, card.State)

		command, err := f.client.GetCommand(ctx, scope, receipt.CommandID)
		require.NoError(t, err)
		assert.Equal(t, ledger.CommandSucceeded, command.Status)

		run, err := f.client.GetRun(ctx, scope, started.Run.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.RunSucceeded, run.Status)
		assert.NotZero(t, run.EndedTS)
	})

	t.Run("run lineage and artifact evidence are queryable", func(t *testing.T) {
		runs, err := f.client.RunsForCommand(ctx, scope, receipt.CommandID)
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, started.Run.ID, runs[0].ID)

		produced, err := f.client.ArtifactsForRun(ctx, scope, started.Run.ID)
		require.NoError(t, err)
		require.Len(t, produced, 1)
		assert.Equal(t, artifact.ArtifactID, produced[0].ID)
	})

	t.Run("the workflow thread reads back in order", func(t *testing.T) {
		events, err := f.client.EventsByCorrelation(ctx, scope, "corr-happy")
		require.NoError(t, err)

		var types []ledger.EventType
		for _, e := range events {
			types = append(types, e.Type)
		}
		assert.Equal(t, []ledger.EventType{
			ledger.EventCommandRequested,
			ledger.EventCardCreated,
			ledger.EventCardTransitioned,
			ledger.EventCommandStarted,
			ledger.EventArtifactProduced,
			ledger.EventCommandSucceeded,
			ledger.EventCardTransitioned,
		}, types)
	})
}

func TestRunLifecycleRetry(t *testing.T) {
	f := setupLifecycle(t)
	scope := lifecycleScope()
	ctx := context.Background()

	one := 1
	receipt, err := f.admission.RequestCommand(asLifecycleBot(), scope, admission.CommandRequest{
		Spec: ledger.CommandSpec{
			CommandType: "digest.compile",
			Constraints: &ledger.CommandConstraints{MaxRetries: &one},
		},
		CorrelationID: "corr-retry",
		Title:         "flaky digest",
	})
	require.NoError(t, err)

	started, err := f.machine.StartRun(ctx, scope, cards.StartRunRequest{
		CardID: receipt.CardID, Executor: "worker-1",
	})
	require.NoError(t, err)

	outcome, err := f.machine.FailRun(ctx, scope, cards.FailRunRequest{
		CardID: receipt.CardID,
		Error:  "upstream timeout",
	})
	require.NoError(t, err)

	t.Run("first failure schedules a retry", func(t *testing.T) {
		assert.True(t, outcome.WillRetry)
		assert.Greater(t, outcome.RetryAtTS, f.client.NowMS())
		assert.Equal(t, ledger.CardRetryScheduled, outcome.Card.State)
		assert.Equal(t, outcome.RetryAtTS, outcome.Card.RetryAtTS)

		command, err := f.client.GetCommand(ctx, scope, receipt.CommandID)
		require.NoError(t, err)
		assert.Equal(t, ledger.CommandFailed, command.Status)
		assert.Equal(t, "upstream timeout", command.Error)

		run, err := f.client.GetRun(ctx, scope, started.Run.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.RunFailed, run.Status)
		assert.Equal(t, "upstream timeout", run.Error)
	})

	t.Run("the sweeper releases the card when the timer fires", func(t *testing.T) {
		f.clock.Advance(time.Minute)
		report, err := f.sweeper.Sweep(ctx, scope)
		require.NoError(t, err)
		assert.Equal(t, 1, report.RetriesReleased)

		card, err := f.client.GetCard(ctx, scope, receipt.CardID)
		require.NoError(t, err)
		assert.Equal(t, ledger.CardReady, card.State)
		assert.Zero(t, card.RetryAtTS)
	})

	second, err := f.machine.StartRun(ctx, scope, cards.StartRunRequest{
		CardID: receipt.CardID, Executor: "worker-2",
	})
	require.NoError(t, err)

	t.Run("the retry opens a fresh attempt", func(t *testing.T) {
		assert.Equal(t, 2, second.Run.Attempt)
		assert.NotEqual(t, started.Run.ID, second.Run.ID)

		command, err := f.client.GetCommand(ctx, scope, receipt.CommandID)
		require.NoError(t, err)
		assert.Equal(t, ledger.CommandRunning, command.Status)
		assert.Empty(t, command.Error)
	})

	final, err := f.machine.FailRun(ctx, scope, cards.FailRunRequest{
		CardID: receipt.CardID,
		Error:  "upstream gone",
	})
	require.NoError(t, err)

	t.Run("an exhausted budget goes terminal", func(t *testing.T) {
		assert.False(t, final.WillRetry)
		assert.Equal(t, ledger.CardFailed, final.Card.State)

		command, err := f.client.GetCommand(ctx, scope, receipt.CommandID)
		require.NoError(t, err)
		assert.Equal(t, ledger.CommandFailed, command.Status)

		runs, err := f.client.RunsForCommand(ctx, scope, receipt.CommandID)
		require.NoError(t, err)
		assert.Len(t, runs, 2)
	})

	t.Run("the retry thread records the schedule", func(t *testing.T) {
		events, err := f.client.EventsByCorrelation(ctx, scope, receipt.CommandID)
		require.NoError(t, err)

		var types []ledger.EventType
		for _, e := range events {
			types = append(types, e.Type)
		}
		assert.Contains(t, types, ledger.EventCommandRetryScheduled)
	})
}

func TestStartRunRefusesCanceledCommand(t *testing.T) {
	f := setupLifecycle(t)
	scope := lifecycleScope()
	ctx := context.Background()

	receipt, err := f.admission.RequestCommand(asLifecycleBot(), scope, admission.CommandRequest{
		Spec:          ledger.CommandSpec{CommandType: "digest.compile"},
		CorrelationID: "corr-cancel",
	})
	require.NoError(t, err)

	require.NoError(t, f.admission.CancelCommand(asLifecycleOperator(), scope, receipt.CommandID, "no longer needed"))

	_, err = f.machine.StartRun(ctx, scope, cards.StartRunRequest{
		CardID: receipt.CardID, Executor: "worker-1",
	})
	assert.True(t, ledger.IsKind(err, ledger.KindInvalidTransition))

	card, err := f.client.GetCard(ctx, scope, receipt.CardID)
	require.NoError(t, err)
	assert.Equal(t, ledger.CardReady, card.State)
}

func TestExecutionReportValidation(t *testing.T) {
	f := setupLifecycle(t)
	scope := lifecycleScope()
	ctx := context.Background()

	receipt, err := f.admission.RequestCommand(asLifecycleBot(), scope, admission.CommandRequest{
		Spec:          ledger.CommandSpec{CommandType: "digest.compile"},
		CorrelationID: "corr-validate",
	})
	require.NoError(t, err)

	t.Run("start requires an executor identity", func(t *testing.T) {
		_, err := f.machine.StartRun(ctx, scope, cards.StartRunRequest{CardID: receipt.CardID})
		assert.True(t, ledger.IsKind(err, ledger.KindInvalidArgument))
	})

	t.Run("complete requires a run in flight", func(t *testing.T) {
		_, err := f.machine.CompleteRun(ctx, scope, cards.CompleteRunRequest{CardID: receipt.CardID})
		assert.True(t, ledger.IsKind(err, ledger.KindInvalidTransition))
	})

	t.Run("fail requires failure detail", func(t *testing.T) {
		_, err := f.machine.FailRun(ctx, scope, cards.FailRunRequest{CardID: receipt.CardID})
		assert.True(t, ledger.IsKind(err, ledger.KindInvalidArgument))
	})
}

func TestRetryAtBackoff(t *testing.T) {
	now := int64(1_000_000)

	assert.Equal(t, now+(30*time.Second).Milliseconds(), cards.RetryAt(now, 1))
	assert.Equal(t, now+time.Minute.Milliseconds(), cards.RetryAt(now, 2))
	assert.Equal(t, now+(2*time.Minute).Milliseconds(), cards.RetryAt(now, 3))

	// The backoff is capped no matter how many attempts have failed.
	assert.Equal(t, now+(15*time.Minute).Milliseconds(), cards.RetryAt(now, 50))
}
