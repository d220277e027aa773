package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appendAt(t *testing.T, client *Client, scope Scope, ts int64, corr string) *Event {
	t.Helper()
	client.WithClock(func() time.Time { return time.UnixMilli(ts) })
	event, _, err := client.Append(context.Background(), scope, Draft{
		Type:          EventCardCreated,
		CorrelationID: corr,
		Payload:       CardCreatedPayload{Title: "t", Priority: DefaultPriority},
	})
	require.NoError(t, err)
	return event
}

func TestEventsByTimeRange(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()
	scope := testScope()

	// Three events share ts=1000, two land at ts=2000.
	e1 := appendAt(t, client, scope, 1000, "corr-a")
	e2 := appendAt(t, client, scope, 1000, "corr-a")
	e3 := appendAt(t, client, scope, 1000, "corr-b")
	e4 := appendAt(t, client, scope, 2000, "corr-b")
	e5 := appendAt(t, client, scope, 2000, "corr-b")

	t.Run("returns everything in order without a cursor", func(t *testing.T) {
		events, err := client.EventsByTimeRange(ctx, scope, 0, 0, "", 0)
		require.NoError(t, err)
		require.Len(t, events, 5)
		assert.Equal(t, e1.ID, events[0].ID)
		assert.Equal(t, e5.ID, events[4].ID)
	})

	t.Run("respects the until bound", func(t *testing.T) {
		events, err := client.EventsByTimeRange(ctx, scope, 0, 1000, "", 0)
		require.NoError(t, err)
		assert.Len(t, events, 3)
	})

	t.Run("cursor pages through a boundary millisecond without loss", func(t *testing.T) {
		page1, err := client.EventsByTimeRange(ctx, scope, 0, 0, "", 2)
		require.NoError(t, err)
		require.Len(t, page1, 2)
		assert.Equal(t, []string{e1.ID, e2.ID}, []string{page1[0].ID, page1[1].ID})

		last := page1[len(page1)-1]
		page2, err := client.EventsByTimeRange(ctx, scope, last.TS, 0, last.ID, 0)
		require.NoError(t, err)
		require.Len(t, page2, 3)
		assert.Equal(t, e3.ID, page2[0].ID)
		assert.Equal(t, e4.ID, page2[1].ID)
		assert.Equal(t, e5.ID, page2[2].ID)
	})

	t.Run("limit caps the page size", func(t *testing.T) {
		events, err := client.EventsByTimeRange(ctx, scope, 0, 0, "", 4)
		require.NoError(t, err)
		assert.Len(t, events, 4)
	})
}

func TestEventsByCorrelation(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()
	scope := testScope()

	appendAt(t, client, scope, 1000, "corr-x")
	appendAt(t, client, scope, 3000, "corr-x")
	appendAt(t, client, scope, 2000, "corr-y")

	events, err := client.EventsByCorrelation(ctx, scope, "corr-x")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(1000), events[0].TS)
	assert.Equal(t, int64(3000), events[1].TS)

	empty, err := client.EventsByCorrelation(ctx, scope, "corr-missing")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestEventsByType(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	website := Scope{TenantID: "acme", ProjectID: "website"}
	blog := Scope{TenantID: "acme", ProjectID: "blog"}
	otherTenant := Scope{TenantID: "globex", ProjectID: "website"}

	appendAt(t, client, website, 1000, "corr-1")
	appendAt(t, client, blog, 2000, "corr-2")
	appendAt(t, client, otherTenant, 1500, "corr-3")

	t.Run("spans projects within the tenant", func(t *testing.T) {
		events, err := client.EventsByType(ctx, "acme", EventCardCreated, 0, 0, 0)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "website", events[0].ProjectID)
		assert.Equal(t, "blog", events[1].ProjectID)
	})

	t.Run("never crosses tenants", func(t *testing.T) {
		events, err := client.EventsByType(ctx, "globex", EventCardCreated, 0, 0, 0)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "globex", events[0].TenantID)
	})

	t.Run("rejects unknown types", func(t *testing.T) {
		_, err := client.EventsByType(ctx, "acme", EventType("Nope"), 0, 0, 0)
		assert.True(t, IsKind(err, KindInvalidArgument))
	})
}

func TestDueScans(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()
	scope := testScope()

	t.Run("due retries honor the timer", func(t *testing.T) {
		card := &Card{
			ID: NewID(), TenantID: scope.TenantID, ProjectID: scope.ProjectID,
			State: CardRetryScheduled, RetryAtTS: 5000, Priority: DefaultPriority,
		}
		require.NoError(t, client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			return client.StageCard(ctx, pipe, card)
		}))

		due, err := client.DueRetries(ctx, scope, 4999)
		require.NoError(t, err)
		assert.Empty(t, due)

		due, err = client.DueRetries(ctx, scope, 5000)
		require.NoError(t, err)
		assert.Equal(t, []string{card.ID}, due)
	})

	t.Run("due claims are strictly past deadline", func(t *testing.T) {
		decision := &Decision{
			ID: NewID(), TenantID: scope.TenantID, ProjectID: scope.ProjectID,
			State: DecisionClaimed, Urgency: UrgencyNow,
			ClaimedBy: "u:li", ClaimedUntil: 8000,
		}
		require.NoError(t, client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			return client.StageDecision(ctx, pipe, decision)
		}))

		due, err := client.DueClaims(ctx, scope, 8000)
		require.NoError(t, err)
		assert.Empty(t, due, "claim held exactly until the deadline is still live")

		due, err = client.DueClaims(ctx, scope, 8001)
		require.NoError(t, err)
		assert.Equal(t, []string{decision.ID}, due)
	})

	t.Run("rendering removes a decision from every scan", func(t *testing.T) {
		decision := &Decision{
			ID: NewID(), TenantID: scope.TenantID, ProjectID: scope.ProjectID,
			State: DecisionPending, Urgency: UrgencyNow, ExpiresAt: 9000,
		}
		require.NoError(t, client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			return client.StageDecision(ctx, pipe, decision)
		}))

		open, err := client.OpenDecisionIDs(ctx, scope)
		require.NoError(t, err)
		assert.Contains(t, open, decision.ID)

		decision.State = DecisionRendered
		decision.RenderedOption = "ship"
		require.NoError(t, client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			return client.StageDecision(ctx, pipe, decision)
		}))

		open, err = client.OpenDecisionIDs(ctx, scope)
		require.NoError(t, err)
		assert.NotContains(t, open, decision.ID)

		due, err := client.DueExpiries(ctx, scope, 10000)
		require.NoError(t, err)
		assert.NotContains(t, due, decision.ID)
	})
}

func TestListProjectScopes(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	projects := []*Project{
		{TenantID: "acme", ProjectID: "website", Name: "Website", CreatedBy: "u:kim", CreatedAt: 1},
		{TenantID: "acme", ProjectID: "blog", Name: "Blog", CreatedBy: "u:kim", CreatedAt: 2},
		{TenantID: "globex", ProjectID: "intranet", Name: "Intranet", CreatedBy: "u:sam", CreatedAt: 3},
	}
	for _, p := range projects {
		require.NoError(t, client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			client.StageProject(ctx, pipe, p)
			return nil
		}))
	}

	scopes, err := client.ListProjectScopes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Scope{
		{TenantID: "acme", ProjectID: "blog"},
		{TenantID: "acme", ProjectID: "website"},
		{TenantID: "globex", ProjectID: "intranet"},
	}, scopes)
}

func TestRunsForCommand(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()
	scope := testScope()
	commandID := NewID()

	for attempt := 1; attempt <= 3; attempt++ {
		run := &Run{
			ID: NewID(), TenantID: scope.TenantID, ProjectID: scope.ProjectID,
			CommandID: commandID, Status: RunFailed, Attempt: attempt,
			StartedTS: int64(attempt) * 100,
		}
		require.NoError(t, client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			return client.StageRun(ctx, pipe, run)
		}))
	}

	runs, err := client.RunsForCommand(ctx, scope, commandID)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	for i, run := range runs {
		assert.Equal(t, i+1, run.Attempt)
	}
}
