package projector

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/drey/pkg/ledger"
)

// event builds a minimal valid event for projector tests. IDs are fresh ULIDs
// so string order matches build order.
func event(t *testing.T, et ledger.EventType, payload interface{}, mutate ...func(*ledger.Event)) *ledger.Event {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	e := &ledger.Event{
		ID:            ledger.NewID(),
		TenantID:      "acme",
		ProjectID:     "website",
		Type:          et,
		Version:       ledger.EventSchemaVersion,
		TS:            1700000000000,
		CorrelationID: "corr-1",
		Producer:      ledger.Producer{Service: "projector-test", Version: "test"},
		Payload:       raw,
	}
	for _, fn := range mutate {
		fn(e)
	}
	return e
}

func TestApplyCommandLifecycle(t *testing.T) {
	commandID := ledger.NewID()
	runID := ledger.NewID()

	requested := event(t, ledger.EventCommandRequested, ledger.CommandRequestedPayload{
		Spec:  ledger.CommandSpec{CommandType: "digest.compile"},
		Title: "compile digest",
	}, func(e *ledger.Event) { e.CommandID = commandID })

	row, err := ApplyCommand(requested, nil)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, ledger.CommandPending, row.Status)
	assert.Equal(t, ledger.DefaultPriority, row.Priority)
	assert.Equal(t, requested.ID, row.LastEventID)

	t.Run("re-applying the create is a no-op", func(t *testing.T) {
		again, err := ApplyCommand(requested, row)
		require.NoError(t, err)
		assert.Nil(t, again)
	})

	started := event(t, ledger.EventCommandStarted, ledger.CommandStartedPayload{
		Executor: "pool:default", Attempt: 1,
	}, func(e *ledger.Event) { e.CommandID = commandID; e.RunID = runID })

	row, err = ApplyCommand(started, row)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, ledger.CommandRunning, row.Status)
	assert.Equal(t, runID, row.LatestRunID)

	failed := event(t, ledger.EventCommandFailed, ledger.CommandFailedPayload{
		Error: "executor crashed",
	}, func(e *ledger.Event) { e.CommandID = commandID; e.RunID = runID })

	row, err = ApplyCommand(failed, row)
	require.NoError(t, err)
	assert.Equal(t, ledger.CommandFailed, row.Status)
	assert.Equal(t, "executor crashed", row.Error)

	t.Run("stale events behind last_event_id are ignored", func(t *testing.T) {
		updated, err := ApplyCommand(started, row)
		require.NoError(t, err)
		assert.Nil(t, updated)
	})
}

func TestApplyCommandExplicitPriority(t *testing.T) {
	priority := int64(10)
	e := event(t, ledger.EventCommandRequested, ledger.CommandRequestedPayload{
		Spec: ledger.CommandSpec{
			CommandType: "digest.compile",
			Constraints: &ledger.CommandConstraints{Priority: &priority},
		},
	}, func(e *ledger.Event) { e.CommandID = ledger.NewID() })

	row, err := ApplyCommand(e, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(10), row.Priority)
}

func TestApplyRunLifecycle(t *testing.T) {
	commandID := ledger.NewID()
	runID := ledger.NewID()

	started := event(t, ledger.EventCommandStarted, ledger.CommandStartedPayload{
		Executor: "pool:default", Attempt: 2,
	}, func(e *ledger.Event) { e.CommandID = commandID; e.RunID = runID })

	row, err := ApplyRun(started, nil)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, ledger.RunRunning, row.Status)
	assert.Equal(t, 2, row.Attempt)
	assert.Equal(t, commandID, row.CommandID)

	canceled := event(t, ledger.EventCommandCanceled, ledger.CommandCanceledPayload{
		CanceledBy: "alice",
	}, func(e *ledger.Event) { e.CommandID = commandID; e.RunID = runID })

	row, err = ApplyRun(canceled, row)
	require.NoError(t, err)
	assert.Equal(t, ledger.RunFailed, row.Status)
	assert.Equal(t, "command canceled", row.Error)
	assert.Equal(t, canceled.TS, row.EndedTS)

	t.Run("events without a run subject are skipped", func(t *testing.T) {
		noRun := event(t, ledger.EventCommandRequested, ledger.CommandRequestedPayload{
			Spec: ledger.CommandSpec{CommandType: "x"},
		})
		updated, err := ApplyRun(noRun, nil)
		require.NoError(t, err)
		assert.Nil(t, updated)
	})
}

func TestApplyCardAttemptAndRetryTimer(t *testing.T) {
	cardID := ledger.NewID()

	created := event(t, ledger.EventCardCreated, ledger.CardCreatedPayload{
		Title: "compile digest", Priority: 30,
		Spec: ledger.CardSpec{CommandType: "digest.compile"},
	}, func(e *ledger.Event) { e.CardID = cardID })

	row, err := ApplyCard(created, nil)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, ledger.CardReady, row.State)
	assert.Equal(t, 0, row.Attempt)

	toRunning := event(t, ledger.EventCardTransitioned, ledger.CardTransitionedPayload{
		From: ledger.CardReady, To: ledger.CardRunning,
	}, func(e *ledger.Event) { e.CardID = cardID })

	row, err = ApplyCard(toRunning, row)
	require.NoError(t, err)
	assert.Equal(t, ledger.CardRunning, row.State)
	assert.Equal(t, 1, row.Attempt, "entering RUNNING increments attempt")

	toRetry := event(t, ledger.EventCardTransitioned, ledger.CardTransitionedPayload{
		From: ledger.CardRunning, To: ledger.CardRetryScheduled, RetryAtTS: 1700000100000,
	}, func(e *ledger.Event) { e.CardID = cardID })

	row, err = ApplyCard(toRetry, row)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000100000), row.RetryAtTS)

	toReady := event(t, ledger.EventCardTransitioned, ledger.CardTransitionedPayload{
		From: ledger.CardRetryScheduled, To: ledger.CardReady, Reason: "retry timer fired",
	}, func(e *ledger.Event) { e.CardID = cardID })

	row, err = ApplyCard(toReady, row)
	require.NoError(t, err)
	assert.Equal(t, ledger.CardReady, row.State)
	assert.Zero(t, row.RetryAtTS, "leaving RETRY_SCHEDULED clears the timer")
	assert.Equal(t, 1, row.Attempt)

	// Second entry to RUNNING increments again.
	again := event(t, ledger.EventCardTransitioned, ledger.CardTransitionedPayload{
		From: ledger.CardReady, To: ledger.CardRunning,
	}, func(e *ledger.Event) { e.CardID = cardID })
	row, err = ApplyCard(again, row)
	require.NoError(t, err)
	assert.Equal(t, 2, row.Attempt)
}

func TestApplyDecisionLifecycle(t *testing.T) {
	decisionID := ledger.NewID()
	options := []ledger.DecisionOption{
		{Key: "approve", Label: "Approve"},
		{Key: "reject", Label: "Reject"},
	}

	requested := event(t, ledger.EventDecisionRequested, ledger.DecisionRequestedPayload{
		Urgency: ledger.UrgencyToday, Title: "publish digest?", Options: options,
		ExpiresAt: 1700000500000, FallbackOption: "reject",
	}, func(e *ledger.Event) { e.DecisionID = decisionID })

	row, err := ApplyDecision(requested, nil)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, ledger.DecisionPending, row.State)
	assert.Equal(t, "reject", row.FallbackOption)
	assert.Equal(t, requested.TS, row.RequestedAt)

	claimed := event(t, ledger.EventDecisionClaimed, ledger.DecisionClaimedPayload{
		ClaimedBy: "bob", ClaimedUntil: 1700000300000,
	}, func(e *ledger.Event) { e.DecisionID = decisionID })

	row, err = ApplyDecision(claimed, row)
	require.NoError(t, err)
	assert.Equal(t, ledger.DecisionClaimed, row.State)
	assert.Equal(t, "bob", row.ClaimedBy)

	rendered := event(t, ledger.EventDecisionRendered, ledger.DecisionRenderedPayload{
		SelectedOption: "approve", RenderedBy: "bob",
	}, func(e *ledger.Event) { e.DecisionID = decisionID })

	row, err = ApplyDecision(rendered, row)
	require.NoError(t, err)
	assert.Equal(t, ledger.DecisionRendered, row.State)
	assert.Equal(t, "approve", row.RenderedOption)
	assert.Empty(t, row.ClaimedBy, "render clears the claim")
	assert.Zero(t, row.ClaimedUntil)
}

func TestApplyDecisionExpiry(t *testing.T) {
	decisionID := ledger.NewID()
	base := &ledger.Decision{
		ID: decisionID, TenantID: "acme", ProjectID: "website",
		State:     ledger.DecisionClaimed,
		ClaimedBy: "bob", ClaimedUntil: 1700000300000,
		Options: []ledger.DecisionOption{{Key: "reject"}},
	}

	t.Run("without fallback the decision ends EXPIRED", func(t *testing.T) {
		expired := event(t, ledger.EventDecisionExpired, ledger.DecisionExpiredPayload{HadFallback: false},
			func(e *ledger.Event) { e.DecisionID = decisionID })
		row, err := ApplyDecision(expired, base)
		require.NoError(t, err)
		assert.Equal(t, ledger.DecisionExpired, row.State)
		assert.Empty(t, row.ClaimedBy)
	})

	t.Run("with fallback the render event that follows is terminal", func(t *testing.T) {
		expired := event(t, ledger.EventDecisionExpired, ledger.DecisionExpiredPayload{HadFallback: true},
			func(e *ledger.Event) { e.DecisionID = decisionID })
		row, err := ApplyDecision(expired, base)
		require.NoError(t, err)
		assert.Equal(t, ledger.DecisionClaimed, row.State, "state untouched until the render lands")
		assert.Empty(t, row.ClaimedBy)

		rendered := event(t, ledger.EventDecisionRendered, ledger.DecisionRenderedPayload{
			SelectedOption: "reject", RenderedBy: "system:sweeper",
		}, func(e *ledger.Event) { e.DecisionID = decisionID })
		row, err = ApplyDecision(rendered, row)
		require.NoError(t, err)
		assert.Equal(t, ledger.DecisionRendered, row.State)
		assert.Equal(t, "system:sweeper", row.RenderedBy)
	})
}

func TestApplyDecisionClaimExpiredAndDeferred(t *testing.T) {
	decisionID := ledger.NewID()
	base := &ledger.Decision{
		ID: decisionID, TenantID: "acme", ProjectID: "website",
		State: ledger.DecisionClaimed, ClaimedBy: "bob", ClaimedUntil: 1,
	}

	claimExpired := event(t, ledger.EventDecisionClaimExpired, ledger.DecisionClaimExpiredPayload{
		ClaimedBy: "bob", ClaimedUntil: 1,
	}, func(e *ledger.Event) { e.DecisionID = decisionID })
	row, err := ApplyDecision(claimExpired, base)
	require.NoError(t, err)
	assert.Equal(t, ledger.DecisionPending, row.State)
	assert.Empty(t, row.ClaimedBy)

	deferred := event(t, ledger.EventDecisionDeferred, ledger.DecisionDeferredPayload{
		Action: ledger.DeferralExtendedExpiry, Backlog: 3, NewExpiresAt: 1700100000000,
	}, func(e *ledger.Event) { e.DecisionID = decisionID })
	row, err = ApplyDecision(deferred, row)
	require.NoError(t, err)
	assert.Equal(t, int64(1700100000000), row.ExpiresAt)

	t.Run("auto-resolve deferral does not touch the row", func(t *testing.T) {
		auto := event(t, ledger.EventDecisionDeferred, ledger.DecisionDeferredPayload{
			Action: ledger.DeferralAutoResolved, Backlog: 3,
		}, func(e *ledger.Event) { e.DecisionID = decisionID })
		updated, err := ApplyDecision(auto, row)
		require.NoError(t, err)
		assert.Nil(t, updated)
	})

	t.Run("render-rejected never touches the row", func(t *testing.T) {
		rejected := event(t, ledger.EventDecisionRenderRejected, ledger.DecisionRenderRejectedPayload{
			AttemptedOption: "approve", AttemptedBy: "carol",
			CurrentState: ledger.DecisionRendered, Reason: "already resolved",
		}, func(e *ledger.Event) { e.DecisionID = decisionID })
		updated, err := ApplyDecision(rejected, row)
		require.NoError(t, err)
		assert.Nil(t, updated)
	})
}

func TestApplyArtifact(t *testing.T) {
	artifactID := ledger.NewID()
	commandID := ledger.NewID()

	produced := event(t, ledger.EventArtifactProduced, ledger.ArtifactProducedPayload{
		ArtifactID:    artifactID,
		ContentSHA256: "ab12",
		Type:          "text/markdown",
		LogicalName:   "digest.md",
		ByteSize:      8,
		Storage:       ledger.StoragePointer{Provider: "redis", Key: "artifacts/ab12"},
	}, func(e *ledger.Event) { e.CommandID = commandID })

	row, err := ApplyArtifact(produced, nil)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, artifactID, row.ID)
	assert.Equal(t, commandID, row.Provenance.CommandID)
	assert.Equal(t, produced.ID, row.Provenance.EventID)

	t.Run("manifests are immutable", func(t *testing.T) {
		updated, err := ApplyArtifact(produced, row)
		require.NoError(t, err)
		assert.Nil(t, updated)
	})
}

func TestSubjectID(t *testing.T) {
	artifactID := ledger.NewID()
	e := event(t, ledger.EventArtifactProduced, ledger.ArtifactProducedPayload{ArtifactID: artifactID},
		func(e *ledger.Event) {
			e.CommandID = "cmd"
			e.RunID = "run"
		})

	id, ok := SubjectID(ModelCommands, e)
	assert.True(t, ok)
	assert.Equal(t, "cmd", id)

	id, ok = SubjectID(ModelArtifacts, e)
	assert.True(t, ok)
	assert.Equal(t, artifactID, id)

	_, ok = SubjectID(ModelDecisions, e)
	assert.False(t, ok)

	_, ok = SubjectID(ModelCards, e)
	assert.False(t, ok)
}

func TestValidModel(t *testing.T) {
	for _, m := range AllModels() {
		assert.True(t, ValidModel(m))
	}
	assert.False(t, ValidModel("claims"))
}
