package admission

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dyluth/drey/internal/cards"
	"github.com/dyluth/drey/internal/guard"
	"github.com/dyluth/drey/pkg/ledger"
)

type recordingEnqueuer struct {
	jobs []string
}

func (r *recordingEnqueuer) Enqueue(_ context.Context, pool, name string, _ map[string]string) error {
	r.jobs = append(r.jobs, pool+"/"+name)
	return nil
}

func setupService(t *testing.T) (*Service, *ledger.Client, *recordingEnqueuer) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := ledger.NewFromClient(rdb, ledger.Producer{Service: "admission-test", Version: "test"})
	t.Cleanup(func() { client.Close() })

	g := guard.New(client)
	machine := cards.NewMachine(client, zap.NewNop())
	enqueuer := &recordingEnqueuer{}
	svc := New(client, g, machine, enqueuer, zap.NewNop())

	scope := testScope()
	seedMember(t, client, scope, "bot:digest", ledger.RoleBot)
	seedMember(t, client, scope, "alice", ledger.RoleOwner)
	seedMember(t, client, scope, "bob", ledger.RoleOperator)
	seedMember(t, client, scope, "carol", ledger.RoleViewer)

	return svc, client, enqueuer
}

func testScope() ledger.Scope {
	return ledger.Scope{TenantID: "acme", ProjectID: "website"}
}

func seedMember(t *testing.T, client *ledger.Client, s ledger.Scope, userID string, role ledger.Role) {
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

func asBot() context.Context      { return guard.WithIdentity(context.Background(), "bot:digest") }
func asOperator() context.Context { return guard.WithIdentity(context.Background(), "bob") }

func TestRequestCommand(t *testing.T) {
	svc, client, enqueuer := setupService(t)
	scope := testScope()

	receipt, err := svc.RequestCommand(asBot(), scope, CommandRequest{
		Spec:          ledger.CommandSpec{CommandType: "digest.compile"},
		CorrelationID: "corr-1",
		Title:         "compile digest",
	})
	require.NoError(t, err)
	assert.False(t, receipt.Duplicate)

	t.Run("command row lands PENDING", func(t *testing.T) {
		command, err := client.GetCommand(context.Background(), scope, receipt.CommandID)
		require.NoError(t, err)
		assert.Equal(t, ledger.CommandPending, command.Status)
		assert.Equal(t, ledger.DefaultPriority, command.Priority)
		assert.Equal(t, "compile digest", command.Title)
	})

	t.Run("card row lands READY", func(t *testing.T) {
		card, err := client.GetCard(context.Background(), scope, receipt.CardID)
		require.NoError(t, err)
		assert.Equal(t, ledger.CardReady, card.State)
		assert.Equal(t, 0, card.Attempt)
		assert.Equal(t, receipt.CommandID, card.CommandID)
	})

	t.Run("both events share the correlation chain", func(t *testing.T) {
		events, err := client.EventsByCorrelation(context.Background(), scope, "corr-1")
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, ledger.EventCommandRequested, events[0].Type)
		assert.Equal(t, ledger.EventCardCreated, events[1].Type)
		assert.Equal(t, events[0].ID, events[1].CausationID)
	})

	t.Run("a job is enqueued into the default pool", func(t *testing.T) {
		require.Len(t, enqueuer.jobs, 1)
		assert.Equal(t, "default/card:"+receipt.CardID, enqueuer.jobs[0])
	})

	t.Run("viewer may not request", func(t *testing.T) {
		ctx := guard.WithIdentity(context.Background(), "carol")
		_, err := svc.RequestCommand(ctx, scope, CommandRequest{
			Spec:          ledger.CommandSpec{CommandType: "digest.compile"},
			CorrelationID: "corr-2",
		})
		assert.True(t, ledger.IsKind(err, ledger.KindInsufficientPermissions))
	})

	t.Run("missing command type", func(t *testing.T) {
		_, err := svc.RequestCommand(asBot(), scope, CommandRequest{CorrelationID: "corr-3"})
		assert.True(t, ledger.IsKind(err, ledger.KindInvalidArgument))
	})
}

func TestRequestCommandIdempotency(t *testing.T) {
	svc, client, enqueuer := setupService(t)
	scope := testScope()

	req := CommandRequest{
		Spec:           ledger.CommandSpec{CommandType: "digest.compile"},
		CorrelationID:  "corr-idem",
		IdempotencyKey: "req:77",
	}

	first, err := svc.RequestCommand(asBot(), scope, req)
	require.NoError(t, err)

	second, err := svc.RequestCommand(asBot(), scope, req)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.CommandID, second.CommandID)
	assert.Equal(t, first.CardID, second.CardID)

	t.Run("only the first admission enqueued work", func(t *testing.T) {
		assert.Len(t, enqueuer.jobs, 1)
	})

	t.Run("the suppression is recorded", func(t *testing.T) {
		events, err := client.EventsByType(context.Background(), scope.TenantID,
			ledger.EventCommandSkippedDuplicate, 0, 0, 0)
		require.NoError(t, err)
		require.Len(t, events, 1)

		var payload ledger.CommandSkippedDuplicatePayload
		require.NoError(t, events[0].DecodePayload(&payload))
		assert.Equal(t, "req:77", payload.IdempotencyKey)
	})

	t.Run("exactly one CommandRequested in the log", func(t *testing.T) {
		events, err := client.EventsByType(context.Background(), scope.TenantID,
			ledger.EventCommandRequested, 0, 0, 0)
		require.NoError(t, err)
		assert.Len(t, events, 1)
	})
}

func TestRequestCommandConcurrencyPool(t *testing.T) {
	svc, _, enqueuer := setupService(t)
	scope := testScope()

	receipt, err := svc.RequestCommand(asBot(), scope, CommandRequest{
		Spec: ledger.CommandSpec{
			CommandType: "digest.compile",
			Constraints: &ledger.CommandConstraints{ConcurrencyKey: "digest"},
		},
		CorrelationID: "corr-pool",
	})
	require.NoError(t, err)
	require.Len(t, enqueuer.jobs, 1)
	assert.Equal(t, "digest/card:"+receipt.CardID, enqueuer.jobs[0])
}

func TestCreateCard(t *testing.T) {
	svc, client, _ := setupService(t)
	scope := testScope()

	card, err := svc.CreateCard(asBot(), scope, CardRequest{
		Title: "nightly cleanup",
		Spec:  ledger.CardSpec{CommandType: "cleanup.run"},
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.CardReady, card.State)
	assert.Equal(t, ledger.DefaultPriority, card.Priority)

	stored, err := client.GetCard(context.Background(), scope, card.ID)
	require.NoError(t, err)
	assert.Equal(t, "nightly cleanup", stored.Title)

	t.Run("operator may not create standalone cards", func(t *testing.T) {
		_, err := svc.CreateCard(asOperator(), scope, CardRequest{
			Spec: ledger.CardSpec{CommandType: "cleanup.run"},
		})
		assert.True(t, ledger.IsKind(err, ledger.KindInsufficientPermissions))
	})
}

func TestCancelCommand(t *testing.T) {
	svc, client, _ := setupService(t)
	machine := cards.NewMachine(client, zap.NewNop())
	ctx := context.Background()
	scope := testScope()

	receipt, err := svc.RequestCommand(asBot(), scope, CommandRequest{
		Spec:          ledger.CommandSpec{CommandType: "digest.compile"},
		CorrelationID: "corr-cancel",
	})
	require.NoError(t, err)

	_, err = machine.Transition(ctx, scope, cards.TransitionRequest{
		CardID: receipt.CardID, To: ledger.CardRunning, Reason: "picked up",
	})
	require.NoError(t, err)

	require.NoError(t, svc.CancelCommand(asOperator(), scope, receipt.CommandID, "no longer needed"))

	command, err := client.GetCommand(ctx, scope, receipt.CommandID)
	require.NoError(t, err)
	assert.Equal(t, ledger.CommandCanceled, command.Status)

	card, err := client.GetCard(ctx, scope, receipt.CardID)
	require.NoError(t, err)
	assert.Equal(t, ledger.CardFailed, card.State)

	t.Run("second cancel is rejected", func(t *testing.T) {
		err := svc.CancelCommand(asOperator(), scope, receipt.CommandID, "again")
		assert.True(t, ledger.IsKind(err, ledger.KindInvalidArgument))
	})

	t.Run("bot may not cancel", func(t *testing.T) {
		other, err := svc.RequestCommand(asBot(), scope, CommandRequest{
			Spec:          ledger.CommandSpec{CommandType: "digest.compile"},
			CorrelationID: "corr-cancel-2",
		})
		require.NoError(t, err)
		err = svc.CancelCommand(asBot(), scope, other.CommandID, "nope")
		assert.True(t, ledger.IsKind(err, ledger.KindInsufficientPermissions))
	})

	t.Run("canceling a READY command leaves the card untouched", func(t *testing.T) {
		other, err := svc.RequestCommand(asBot(), scope, CommandRequest{
			Spec:          ledger.CommandSpec{CommandType: "digest.compile"},
			CorrelationID: "corr-cancel-3",
		})
		require.NoError(t, err)
		require.NoError(t, svc.CancelCommand(asOperator(), scope, other.CommandID, "abandoned"))

		card, err := client.GetCard(ctx, scope, other.CardID)
		require.NoError(t, err)
		assert.Equal(t, ledger.CardReady, card.State)

		command, err := client.GetCommand(ctx, scope, other.CommandID)
		require.NoError(t, err)
		assert.Equal(t, ledger.CommandCanceled, command.Status)
	})
}
