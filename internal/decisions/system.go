package decisions

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dyluth/drey/internal/cards"
	"github.com/dyluth/drey/internal/jobs"
	"github.com/dyluth/drey/internal/projector"
	"github.com/dyluth/drey/pkg/ledger"
)

// System-side lifecycle paths. These are invoked by the sweeper, not by a
// member, so they take no guard; they share the per-decision serialization
// of the interactive paths, which is what keeps a racing human render and a
// sweeper expiration from both resolving the same decision.

// DefaultShedExtension is how far load shedding pushes a deferred decision's
// deadline.
const DefaultShedExtension = 24 * time.Hour

// WithShedExtension overrides the deferral deadline extension.
func WithShedExtension(d time.Duration) Option {
	return func(s *Service) {
		s.shedExtension = d
	}
}

// Expire resolves a decision whose deadline has passed. With a fallback
// option the decision lands in RENDERED by the sweeper identity and the
// linked card resumes; without one it lands in EXPIRED and the card fails.
// Both events and the final row commit in one transaction.
//
// The returned outcome is OutcomeFallback or OutcomeExpired, or empty when
// the decision turned out not to be due (already resolved, or the deadline
// moved); the expiry index is recomputed from row state, so a stale entry
// here is drift, not an error.
func (s *Service) Expire(ctx context.Context, scope ledger.Scope, decisionID string) (jobs.Outcome, error) {
	var outcome jobs.Outcome
	var committed []*ledger.Event
	var cardID string
	decisionKey := ledger.DecisionKey(scope, decisionID)

	err := s.ledger.Atomically(ctx, func(tx *redis.Tx) error {
		outcome, committed, cardID = "", nil, ""

		decision, err := s.ledger.GetDecision(ctx, scope, decisionID)
		if err != nil {
			return err
		}
		now := s.ledger.NowMS()
		if !decision.State.Open() || decision.ExpiresAt == 0 || decision.ExpiresAt > now {
			return nil
		}

		hadFallback := decision.FallbackOption != ""
		expired, err := s.ledger.BuildEvent(scope, ledger.Draft{
			Type:          ledger.EventDecisionExpired,
			CorrelationID: correlationFor(decision),
			CommandID:     decision.CommandID,
			CardID:        decision.CardID,
			DecisionID:    decision.ID,
			Payload:       ledger.DecisionExpiredPayload{HadFallback: hadFallback},
		})
		if err != nil {
			return err
		}

		after, err := projector.ApplyDecision(expired, decision)
		if err != nil {
			return err
		}
		committed = []*ledger.Event{expired}

		if hadFallback {
			rendered, err := s.ledger.BuildEvent(scope, ledger.Draft{
				Type:          ledger.EventDecisionRendered,
				CorrelationID: correlationFor(decision),
				CausationID:   expired.ID,
				CommandID:     decision.CommandID,
				RunID:         decision.RunID,
				CardID:        decision.CardID,
				DecisionID:    decision.ID,
				Payload: ledger.DecisionRenderedPayload{
					SelectedOption: decision.FallbackOption,
					RenderedBy:     SystemSweeper,
					Note:           "auto-resolved via fallback on expiration",
				},
			})
			if err != nil {
				return err
			}
			after, err = projector.ApplyDecision(rendered, after)
			if err != nil {
				return err
			}
			committed = append(committed, rendered)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, e := range committed {
				if err := s.ledger.StageEvent(ctx, pipe, e); err != nil {
					return err
				}
			}
			return s.ledger.StageDecision(ctx, pipe, after)
		})
		if err != nil {
			return err
		}

		cardID = decision.CardID
		if hadFallback {
			outcome = jobs.OutcomeFallback
		} else {
			outcome = jobs.OutcomeExpired
		}
		return nil
	}, decisionKey)
	if err != nil {
		return "", err
	}
	if outcome == "" {
		return "", nil
	}

	for _, e := range committed {
		s.ledger.PublishEvent(ctx, e)
	}

	s.log.Info("decision expired",
		zap.String("decision_id", decisionID),
		zap.String("outcome", string(outcome)))

	to, reason := ledger.CardFailed, "decision expired, no fallback"
	if outcome == jobs.OutcomeFallback {
		to, reason = ledger.CardRunning, "decision expired, fallback applied"
	}
	s.resumeCard(ctx, scope, cardID, decisionID, committed[len(committed)-1].ID, to, reason)
	if s.waker != nil {
		s.waker.Wake(decisionID, outcome)
	}
	return outcome, nil
}

// resumeCard moves a card out of NEEDS_DECISION after its decision resolves
// without a human render.
func (s *Service) resumeCard(ctx context.Context, scope ledger.Scope, cardID, decisionID, causationID string, to ledger.CardState, reason string) {
	if cardID == "" {
		return
	}

	_, err := s.machine.Transition(ctx, scope, cards.TransitionRequest{
		CardID:      cardID,
		To:          to,
		Reason:      reason,
		CausationID: causationID,
		DecisionID:  decisionID,
	})
	if err != nil && !ledger.IsKind(err, ledger.KindInvalidTransition) {
		s.log.Warn("failed to resume card after decision resolution",
			zap.String("card_id", cardID),
			zap.String("decision_id", decisionID),
			zap.Error(err))
	}
}

// ReclaimClaim releases a claim whose lease lapsed, returning the decision
// to PENDING so other claimants can take it. Reports whether a claim was
// actually reclaimed.
func (s *Service) ReclaimClaim(ctx context.Context, scope ledger.Scope, decisionID string) (bool, error) {
	var committed *ledger.Event
	decisionKey := ledger.DecisionKey(scope, decisionID)

	err := s.ledger.Atomically(ctx, func(tx *redis.Tx) error {
		committed = nil

		decision, err := s.ledger.GetDecision(ctx, scope, decisionID)
		if err != nil {
			return err
		}
		if decision.State != ledger.DecisionClaimed || decision.ClaimedUntil >= s.ledger.NowMS() {
			return nil
		}

		expired, err := s.ledger.BuildEvent(scope, ledger.Draft{
			Type:          ledger.EventDecisionClaimExpired,
			CorrelationID: correlationFor(decision),
			CommandID:     decision.CommandID,
			CardID:        decision.CardID,
			DecisionID:    decision.ID,
			Payload: ledger.DecisionClaimExpiredPayload{
				ClaimedBy:    decision.ClaimedBy,
				ClaimedUntil: decision.ClaimedUntil,
			},
		})
		if err != nil {
			return err
		}

		after, err := projector.ApplyDecision(expired, decision)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if err := s.ledger.StageEvent(ctx, pipe, expired); err != nil {
				return err
			}
			return s.ledger.StageDecision(ctx, pipe, after)
		})
		if err != nil {
			return err
		}

		committed = expired
		return nil
	}, decisionKey)
	if err != nil {
		return false, err
	}
	if committed == nil {
		return false, nil
	}

	s.ledger.PublishEvent(ctx, committed)
	s.log.Info("claim reclaimed", zap.String("decision_id", decisionID))
	return true, nil
}

// Defer applies load shedding to one PENDING whenever-urgency decision.
// With a fallback the decision is auto-resolved through the same path as
// expiry; without one its deadline is pushed out by the shed extension.
// backlog is the open now-urgency count that triggered shedding, recorded in
// the event for the audit trail. The returned action is empty when the
// decision no longer qualifies.
func (s *Service) Defer(ctx context.Context, scope ledger.Scope, decisionID string, backlog int) (ledger.DeferralAction, error) {
	var action ledger.DeferralAction
	var committed []*ledger.Event
	var cardID string
	decisionKey := ledger.DecisionKey(scope, decisionID)

	err := s.ledger.Atomically(ctx, func(tx *redis.Tx) error {
		action, committed, cardID = "", nil, ""

		decision, err := s.ledger.GetDecision(ctx, scope, decisionID)
		if err != nil {
			return err
		}
		if decision.State != ledger.DecisionPending || decision.Urgency != ledger.UrgencyWhenever {
			return nil
		}

		if decision.FallbackOption != "" {
			action = ledger.DeferralAutoResolved
			deferred, err := s.ledger.BuildEvent(scope, ledger.Draft{
				Type:          ledger.EventDecisionDeferred,
				CorrelationID: correlationFor(decision),
				CommandID:     decision.CommandID,
				CardID:        decision.CardID,
				DecisionID:    decision.ID,
				Payload: ledger.DecisionDeferredPayload{
					Action:  ledger.DeferralAutoResolved,
					Backlog: backlog,
				},
			})
			if err != nil {
				return err
			}
			rendered, err := s.ledger.BuildEvent(scope, ledger.Draft{
				Type:          ledger.EventDecisionRendered,
				CorrelationID: correlationFor(decision),
				CausationID:   deferred.ID,
				CommandID:     decision.CommandID,
				RunID:         decision.RunID,
				CardID:        decision.CardID,
				DecisionID:    decision.ID,
				Payload: ledger.DecisionRenderedPayload{
					SelectedOption: decision.FallbackOption,
					RenderedBy:     SystemSweeper,
					Note:           "auto-resolved via fallback under load shedding",
				},
			})
			if err != nil {
				return err
			}

			after, err := projector.ApplyDecision(rendered, decision)
			if err != nil {
				return err
			}
			committed = []*ledger.Event{deferred, rendered}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				for _, e := range committed {
					if err := s.ledger.StageEvent(ctx, pipe, e); err != nil {
						return err
					}
				}
				return s.ledger.StageDecision(ctx, pipe, after)
			})
			if err != nil {
				return err
			}
			cardID = decision.CardID
			return nil
		}

		action = ledger.DeferralExtendedExpiry
		base := decision.ExpiresAt
		if base == 0 {
			base = s.ledger.NowMS()
		}
		deferred, err := s.ledger.BuildEvent(scope, ledger.Draft{
			Type:          ledger.EventDecisionDeferred,
			CorrelationID: correlationFor(decision),
			CommandID:     decision.CommandID,
			CardID:        decision.CardID,
			DecisionID:    decision.ID,
			Payload: ledger.DecisionDeferredPayload{
				Action:       ledger.DeferralExtendedExpiry,
				Backlog:      backlog,
				NewExpiresAt: base + s.shedExtension.Milliseconds(),
			},
		})
		if err != nil {
			return err
		}

		after, err := projector.ApplyDecision(deferred, decision)
		if err != nil {
			return err
		}
		committed = []*ledger.Event{deferred}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if err := s.ledger.StageEvent(ctx, pipe, deferred); err != nil {
				return err
			}
			return s.ledger.StageDecision(ctx, pipe, after)
		})
		return err
	}, decisionKey)
	if err != nil {
		return "", err
	}
	if action == "" {
		return "", nil
	}

	for _, e := range committed {
		s.ledger.PublishEvent(ctx, e)
	}

	s.log.Info("decision deferred",
		zap.String("decision_id", decisionID),
		zap.String("action", string(action)),
		zap.Int("backlog", backlog))

	if action == ledger.DeferralAutoResolved {
		s.resumeCard(ctx, scope, cardID, decisionID, committed[len(committed)-1].ID,
			ledger.CardRunning, "decision deferred, fallback applied")
		if s.waker != nil {
			s.waker.Wake(decisionID, jobs.OutcomeFallback)
		}
	}
	return action, nil
}
