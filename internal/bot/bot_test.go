package bot

import (
	"context"
	"encoding/json"
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
	"github.com/dyluth/drey/internal/jobs"
	"github.com/dyluth/drey/pkg/ledger"
)

type fixture struct {
	facade    *Facade
	decisions *decisions.Service
	client    *ledger.Client
}

func setup(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := ledger.NewFromClient(rdb, ledger.Producer{Service: "bot-test", Version: "test"})
	t.Cleanup(func() { client.Close() })

	g := guard.New(client)
	machine := cards.NewMachine(client, zap.NewNop())
	waker := jobs.NewWaker()
	adm := admission.New(client, g, machine, nil, zap.NewNop())
	art := artifacts.New(client, g, blob.NewRedis(rdb), zap.NewNop())
	dec := decisions.New(client, g, machine, waker, zap.NewNop())

	scope := testScope()
	for userID, role := range map[string]ledger.Role{
		"bot:digest": ledger.RoleBot,
		"bob":        ledger.RoleOperator,
	} {
		err := client.Pipelined(context.Background(), func(pipe redis.Pipeliner) error {
			client.StageMember(context.Background(), pipe, &ledger.Member{
				TenantID: scope.TenantID, ProjectID: scope.ProjectID,
				UserID: userID, Role: role, AddedBy: "test", AddedAt: client.NowMS(),
			})
			return nil
		})
		require.NoError(t, err)
	}

	facade := New(adm, art, dec, waker, zap.NewNop(), WithPollInterval(50*time.Millisecond))
	return &fixture{facade: facade, decisions: dec, client: client}
}

func testScope() ledger.Scope {
	return ledger.Scope{TenantID: "acme", ProjectID: "website"}
}

func asBot() context.Context      { return guard.WithIdentity(context.Background(), "bot:digest") }
func asOperator() context.Context { return guard.WithIdentity(context.Background(), "bob") }

func requestDecision(t *testing.T, f *fixture, mutate ...func(*decisions.Request)) *ledger.Decision {
	t.Helper()
	req := decisions.Request{
		Urgency: ledger.UrgencyToday,
		Title:   "publish digest?",
		Options: []ledger.DecisionOption{
			{Key: "approve", Label: "Approve"},
			{Key: "reject", Label: "Reject"},
		},
	}
	for _, fn := range mutate {
		fn(&req)
	}
	decision, err := f.facade.RequestDecision(asBot(), testScope(), req)
	require.NoError(t, err)
	return decision
}

func TestRequestCommand(t *testing.T) {
	f := setup(t)
	scope := testScope()

	receipt, err := f.facade.RequestCommand(asBot(), scope, admission.CommandRequest{
		Spec:          ledger.CommandSpec{CommandType: "digest.generate", CommandVersion: "1"},
		CorrelationID: ledger.NewID(),
		Title:         "generate daily digest",
	})
	require.NoError(t, err)
	assert.False(t, receipt.Duplicate)

	command, err := f.client.GetCommand(asBot(), scope, receipt.CommandID)
	require.NoError(t, err)
	assert.Equal(t, ledger.CommandPending, command.Status)

	card, err := f.client.GetCard(asBot(), scope, receipt.CardID)
	require.NoError(t, err)
	assert.Equal(t, ledger.CardReady, card.State)
}

func TestReportArtifact(t *testing.T) {
	f := setup(t)
	scope := testScope()

	receipt, err := f.facade.ReportArtifact(asBot(), scope, artifacts.Report{
		Content:     "# Daily Digest",
		Encoding:    "utf8",
		Type:        "text/markdown",
		LogicalName: "daily-digest",
	})
	require.NoError(t, err)
	assert.False(t, receipt.Deduplicated)

	artifact, err := f.client.GetArtifact(asBot(), scope, receipt.ArtifactID)
	require.NoError(t, err)
	assert.Equal(t, "text/markdown", artifact.Type)
	assert.Equal(t, int64(len("# Daily Digest")), artifact.ByteSize)
}

func TestAwaitDecision(t *testing.T) {
	f := setup(t)
	decision := requestDecision(t, f)

	snapshot, err := f.facade.AwaitDecision(asBot(), testScope(), decision.ID)
	require.NoError(t, err)
	assert.Equal(t, "pending", snapshot.Status)
	assert.Empty(t, snapshot.SelectedOption)
}

func TestWaitDecision(t *testing.T) {
	f := setup(t)
	scope := testScope()

	t.Run("returns immediately when already resolved", func(t *testing.T) {
		decision := requestDecision(t, f)
		_, err := f.decisions.Render(asOperator(), scope, decision.ID, "approve", "")
		require.NoError(t, err)

		snapshot, err := f.facade.WaitDecision(asBot(), scope, decision.ID)
		require.NoError(t, err)
		assert.Equal(t, "rendered", snapshot.Status)
		assert.Equal(t, "approve", snapshot.SelectedOption)
		assert.Equal(t, "bob", snapshot.RenderedBy)
	})

	t.Run("wakes when the decision is rendered", func(t *testing.T) {
		decision := requestDecision(t, f)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(20 * time.Millisecond)
			_, err := f.decisions.Render(asOperator(), scope, decision.ID, "reject", "")
			assert.NoError(t, err)
		}()

		snapshot, err := f.facade.WaitDecision(asBot(), scope, decision.ID)
		wg.Wait()
		require.NoError(t, err)
		assert.Equal(t, "rendered", snapshot.Status)
		assert.Equal(t, "reject", snapshot.SelectedOption)
	})

	t.Run("resolution between polls is caught by the re-read", func(t *testing.T) {
		// Render before the wait parks: no wake will ever arrive, so only
		// the poll loop can observe the row.
		decision := requestDecision(t, f)
		_, err := f.decisions.Render(asOperator(), scope, decision.ID, "approve", "")
		require.NoError(t, err)

		done := make(chan struct{})
		go func() {
			defer close(done)
			snapshot, err := f.facade.WaitDecision(asBot(), scope, decision.ID)
			assert.NoError(t, err)
			assert.Equal(t, "rendered", snapshot.Status)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("wait did not observe the rendered row")
		}
	})

	t.Run("context cancellation ends the wait", func(t *testing.T) {
		decision := requestDecision(t, f)

		ctx, cancel := context.WithTimeout(asBot(), 30*time.Millisecond)
		defer cancel()
		_, err := f.facade.WaitDecision(ctx, scope, decision.ID)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("unknown decision is NotFound", func(t *testing.T) {
		_, err := f.facade.WaitDecision(asBot(), scope, ledger.NewID())
		assert.True(t, ledger.IsNotFound(err))
	})
}

func TestSnapshotJSONShape(t *testing.T) {
	raw, err := json.Marshal(&decisions.Snapshot{Status: "rendered", SelectedOption: "approve", RenderedBy: "bob"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"rendered","selected_option":"approve","rendered_by":"bob"}`, string(raw))
}
