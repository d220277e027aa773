// Package projector holds the pure functions that map ledger events onto
// read-model rows. Live operations call them to compute the row patch they
// stage in the same transaction as the event; the replay engine calls the
// same functions against an empty read model to rebuild it. Projectors do no
// I/O and are idempotent: applying an event a second time, or out of order
// behind the row's last_event_id, is a no-op.
package projector

import (
	"fmt"

	"github.com/dyluth/drey/pkg/ledger"
)

// Read-model names the replay engine can rebuild.
const (
	ModelCommands  = "commands"
	ModelRuns      = "runs"
	ModelCards     = "cards"
	ModelDecisions = "decisions"
	ModelArtifacts = "artifacts"
)

// AllModels lists every rebuildable read model.
func AllModels() []string {
	return []string{ModelCommands, ModelRuns, ModelCards, ModelDecisions, ModelArtifacts}
}

// ValidModel reports whether name is a known read model.
func ValidModel(name string) bool {
	for _, m := range AllModels() {
		if m == name {
			return true
		}
	}
	return false
}

// stale is the idempotency guard shared by every projector: an event at or
// behind the row's last applied event must not be re-applied. Event IDs are
// ULIDs, so the comparison is plain string order.
func stale(eventID, lastEventID string) bool {
	return lastEventID != "" && eventID <= lastEventID
}

// ApplyCommand projects one event onto a command row. current is nil when no
// row exists yet. A nil result means the event does not change the row.
func ApplyCommand(e *ledger.Event, current *ledger.Command) (*ledger.Command, error) {
	if current != nil && stale(e.ID, current.LastEventID) {
		return nil, nil
	}

	switch e.Type {
	case ledger.EventCommandRequested:
		if current != nil {
			return nil, nil
		}
		var payload ledger.CommandRequestedPayload
		if err := e.DecodePayload(&payload); err != nil {
			return nil, err
		}
		return &ledger.Command{
			ID:          e.CommandID,
			TenantID:    e.TenantID,
			ProjectID:   e.ProjectID,
			Status:      ledger.CommandPending,
			Priority:    payload.Spec.EffectivePriority(),
			Spec:        payload.Spec,
			Title:       payload.Title,
			CreatedTS:   e.TS,
			UpdatedTS:   e.TS,
			LastEventID: e.ID,
		}, nil

	case ledger.EventCommandStarted:
		if current == nil {
			return nil, fmt.Errorf("CommandStarted for unknown command %s", e.CommandID)
		}
		after := *current
		after.Status = ledger.CommandRunning
		after.LatestRunID = e.RunID
		after.Error = ""
		after.UpdatedTS = e.TS
		after.LastEventID = e.ID
		return &after, nil

	case ledger.EventCommandSucceeded, ledger.EventCommandFailed, ledger.EventCommandCanceled:
		if current == nil {
			return nil, fmt.Errorf("%s for unknown command %s", e.Type, e.CommandID)
		}
		after := *current
		after.UpdatedTS = e.TS
		after.LastEventID = e.ID
		switch e.Type {
		case ledger.EventCommandSucceeded:
			after.Status = ledger.CommandSucceeded
		case ledger.EventCommandFailed:
			after.Status = ledger.CommandFailed
			var payload ledger.CommandFailedPayload
			if err := e.DecodePayload(&payload); err != nil {
				return nil, err
			}
			after.Error = payload.Error
		case ledger.EventCommandCanceled:
			after.Status = ledger.CommandCanceled
		}
		return &after, nil
	}

	return nil, nil
}

// ApplyRun projects one event onto a run row.
func ApplyRun(e *ledger.Event, current *ledger.Run) (*ledger.Run, error) {
	if e.RunID == "" {
		return nil, nil
	}
	if current != nil && stale(e.ID, current.LastEventID) {
		return nil, nil
	}

	switch e.Type {
	case ledger.EventCommandStarted:
		if current != nil {
			return nil, nil
		}
		var payload ledger.CommandStartedPayload
		if err := e.DecodePayload(&payload); err != nil {
			return nil, err
		}
		return &ledger.Run{
			ID:          e.RunID,
			TenantID:    e.TenantID,
			ProjectID:   e.ProjectID,
			CommandID:   e.CommandID,
			Status:      ledger.RunRunning,
			Attempt:     payload.Attempt,
			Executor:    payload.Executor,
			StartedTS:   e.TS,
			LastEventID: e.ID,
		}, nil

	case ledger.EventCommandSucceeded, ledger.EventCommandFailed, ledger.EventCommandCanceled:
		if current == nil {
			return nil, fmt.Errorf("%s for unknown run %s", e.Type, e.RunID)
		}
		after := *current
		after.EndedTS = e.TS
		after.LastEventID = e.ID
		switch e.Type {
		case ledger.EventCommandSucceeded:
			after.Status = ledger.RunSucceeded
		case ledger.EventCommandFailed:
			after.Status = ledger.RunFailed
			var payload ledger.CommandFailedPayload
			if err := e.DecodePayload(&payload); err != nil {
				return nil, err
			}
			after.Error = payload.Error
		case ledger.EventCommandCanceled:
			after.Status = ledger.RunFailed
			after.Error = "command canceled"
		}
		return &after, nil
	}

	return nil, nil
}

// ApplyCard projects one event onto a card row. CardTransitioned carries the
// whole edge in its payload: entering RUNNING increments the attempt counter,
// entering RETRY_SCHEDULED sets the retry timer, leaving it clears the timer.
func ApplyCard(e *ledger.Event, current *ledger.Card) (*ledger.Card, error) {
	if current != nil && stale(e.ID, current.LastEventID) {
		return nil, nil
	}

	switch e.Type {
	case ledger.EventCardCreated:
		if current != nil {
			return nil, nil
		}
		var payload ledger.CardCreatedPayload
		if err := e.DecodePayload(&payload); err != nil {
			return nil, err
		}
		return &ledger.Card{
			ID:           e.CardID,
			TenantID:     e.TenantID,
			ProjectID:    e.ProjectID,
			CommandID:    e.CommandID,
			State:        ledger.CardReady,
			Priority:     payload.Priority,
			Title:        payload.Title,
			Spec:         payload.Spec,
			Capabilities: payload.Capabilities,
			Attempt:      0,
			CreatedTS:    e.TS,
			UpdatedTS:    e.TS,
			LastEventID:  e.ID,
		}, nil

	case ledger.EventCardTransitioned:
		if current == nil {
			return nil, fmt.Errorf("CardTransitioned for unknown card %s", e.CardID)
		}
		var payload ledger.CardTransitionedPayload
		if err := e.DecodePayload(&payload); err != nil {
			return nil, err
		}
		after := *current
		after.State = payload.To
		after.UpdatedTS = e.TS
		after.LastEventID = e.ID
		if payload.To == ledger.CardRunning {
			after.Attempt = current.Attempt + 1
		}
		if payload.To == ledger.CardRetryScheduled {
			after.RetryAtTS = payload.RetryAtTS
		}
		if payload.From == ledger.CardRetryScheduled {
			after.RetryAtTS = 0
		}
		return &after, nil
	}

	return nil, nil
}

// ApplyDecision projects one event onto a decision row.
func ApplyDecision(e *ledger.Event, current *ledger.Decision) (*ledger.Decision, error) {
	if current != nil && stale(e.ID, current.LastEventID) {
		return nil, nil
	}

	switch e.Type {
	case ledger.EventDecisionRequested:
		if current != nil {
			return nil, nil
		}
		var payload ledger.DecisionRequestedPayload
		if err := e.DecodePayload(&payload); err != nil {
			return nil, err
		}
		return &ledger.Decision{
			ID:             e.DecisionID,
			TenantID:       e.TenantID,
			ProjectID:      e.ProjectID,
			CardID:         e.CardID,
			CommandID:      e.CommandID,
			RunID:          e.RunID,
			State:          ledger.DecisionPending,
			Urgency:        payload.Urgency,
			Title:          payload.Title,
			ContextSummary: payload.ContextSummary,
			Options:        payload.Options,
			ArtifactRefs:   payload.ArtifactRefs,
			SourceThread:   payload.SourceThread,
			RequestedAt:    e.TS,
			ExpiresAt:      payload.ExpiresAt,
			FallbackOption: payload.FallbackOption,
			LastEventID:    e.ID,
		}, nil

	case ledger.EventDecisionClaimed:
		if current == nil {
			return nil, fmt.Errorf("DecisionClaimed for unknown decision %s", e.DecisionID)
		}
		var payload ledger.DecisionClaimedPayload
		if err := e.DecodePayload(&payload); err != nil {
			return nil, err
		}
		after := *current
		after.State = ledger.DecisionClaimed
		after.ClaimedBy = payload.ClaimedBy
		after.ClaimedUntil = payload.ClaimedUntil
		after.LastEventID = e.ID
		return &after, nil

	case ledger.EventDecisionRendered:
		if current == nil {
			return nil, fmt.Errorf("DecisionRendered for unknown decision %s", e.DecisionID)
		}
		var payload ledger.DecisionRenderedPayload
		if err := e.DecodePayload(&payload); err != nil {
			return nil, err
		}
		after := *current
		after.State = ledger.DecisionRendered
		after.RenderedOption = payload.SelectedOption
		after.RenderedBy = payload.RenderedBy
		after.RenderedAt = e.TS
		after.ClaimedBy = ""
		after.ClaimedUntil = 0
		after.LastEventID = e.ID
		return &after, nil

	case ledger.EventDecisionExpired:
		if current == nil {
			return nil, fmt.Errorf("DecisionExpired for unknown decision %s", e.DecisionID)
		}
		var payload ledger.DecisionExpiredPayload
		if err := e.DecodePayload(&payload); err != nil {
			return nil, err
		}
		after := *current
		after.ClaimedBy = ""
		after.ClaimedUntil = 0
		after.LastEventID = e.ID
		// With a fallback the DecisionRendered that follows carries the
		// terminal state; without one the decision ends here.
		if !payload.HadFallback {
			after.State = ledger.DecisionExpired
		}
		return &after, nil

	case ledger.EventDecisionClaimExpired:
		if current == nil {
			return nil, fmt.Errorf("DecisionClaimExpired for unknown decision %s", e.DecisionID)
		}
		after := *current
		after.State = ledger.DecisionPending
		after.ClaimedBy = ""
		after.ClaimedUntil = 0
		after.LastEventID = e.ID
		return &after, nil

	case ledger.EventDecisionDeferred:
		if current == nil {
			return nil, fmt.Errorf("DecisionDeferred for unknown decision %s", e.DecisionID)
		}
		var payload ledger.DecisionDeferredPayload
		if err := e.DecodePayload(&payload); err != nil {
			return nil, err
		}
		if payload.Action != ledger.DeferralExtendedExpiry {
			// Auto-resolution is carried by the DecisionRendered that follows.
			return nil, nil
		}
		after := *current
		after.ExpiresAt = payload.NewExpiresAt
		after.LastEventID = e.ID
		return &after, nil
	}

	return nil, nil
}

// ApplyArtifact projects one event onto an artifact manifest row. The
// ArtifactProduced payload carries the full manifest, so the row is a pure
// function of the event.
func ApplyArtifact(e *ledger.Event, current *ledger.Artifact) (*ledger.Artifact, error) {
	if e.Type != ledger.EventArtifactProduced {
		return nil, nil
	}
	if current != nil {
		// Manifests are immutable; the first event wins.
		return nil, nil
	}

	var payload ledger.ArtifactProducedPayload
	if err := e.DecodePayload(&payload); err != nil {
		return nil, err
	}
	if payload.Deduplicated {
		return nil, nil
	}

	return &ledger.Artifact{
		ID:            payload.ArtifactID,
		TenantID:      e.TenantID,
		ProjectID:     e.ProjectID,
		ContentSHA256: payload.ContentSHA256,
		Type:          payload.Type,
		LogicalName:   payload.LogicalName,
		ByteSize:      payload.ByteSize,
		Labels:        payload.Labels,
		Provenance: ledger.Provenance{
			CommandID: e.CommandID,
			RunID:     e.RunID,
			EventID:   e.ID,
		},
		Storage:     payload.Storage,
		Links:       payload.Links,
		CreatedAt:   e.TS,
		LastEventID: e.ID,
	}, nil
}

// SubjectID extracts the row ID an event addresses within one read model.
// ok is false when the event carries no subject for that model.
func SubjectID(model string, e *ledger.Event) (string, bool) {
	switch model {
	case ModelCommands:
		return e.CommandID, e.CommandID != ""
	case ModelRuns:
		return e.RunID, e.RunID != ""
	case ModelCards:
		return e.CardID, e.CardID != ""
	case ModelDecisions:
		return e.DecisionID, e.DecisionID != ""
	case ModelArtifacts:
		if e.Type != ledger.EventArtifactProduced {
			return "", false
		}
		var payload ledger.ArtifactProducedPayload
		if err := e.DecodePayload(&payload); err != nil {
			return "", false
		}
		return payload.ArtifactID, payload.ArtifactID != ""
	}
	return "", false
}
