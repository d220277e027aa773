package cards

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dyluth/drey/internal/projector"
	"github.com/dyluth/drey/pkg/ledger"
)

// Retry backoff doubles per failed attempt, starting at the base and
// capped at the max.
const (
	retryBackoffBase = 30 * time.Second
	retryBackoffMax  = 15 * time.Minute
)

// RetryAt computes when a card whose attempt-th run just failed becomes
// eligible to run again.
func RetryAt(nowMS int64, attempt int) int64 {
	backoff := retryBackoffBase
	for i := 1; i < attempt && backoff < retryBackoffMax; i++ {
		backoff *= 2
	}
	if backoff > retryBackoffMax {
		backoff = retryBackoffMax
	}
	return nowMS + backoff.Milliseconds()
}

// StartRunRequest reports that an executor picked up a card.
type StartRunRequest struct {
	CardID        string
	Executor      string // Identity of the executing worker
	CorrelationID string
	CausationID   string
}

// StartReceipt carries the rows written when a run starts.
type StartReceipt struct {
	Card *ledger.Card
	Run  *ledger.Run
}

// StartRun moves a READY card to RUNNING and opens an execution attempt for
// its backing command. The CardTransitioned and CommandStarted events, the
// patched card and command rows, and the new run row land in one transaction.
// A command already terminal (a cancel that raced the pickup) refuses the
// start, leaving the card where it was.
func (m *Machine) StartRun(ctx context.Context, s ledger.Scope, req StartRunRequest) (*StartReceipt, error) {
	if req.Executor == "" {
		return nil, ledger.E(ledger.KindInvalidArgument, "executor cannot be empty")
	}

	var receipt *StartReceipt
	cardKey := ledger.CardKey(s, req.CardID)

	err := m.ledger.Atomically(ctx, func(tx *redis.Tx) error {
		card, err := m.ledger.GetCard(ctx, s, req.CardID)
		if err != nil {
			return err
		}
		if card.CommandID == "" {
			return ledger.E(ledger.KindInvalidArgument,
				"card %s has no backing command", card.ID)
		}
		if !CanTransition(card.State, ledger.CardRunning) {
			return ledger.E(ledger.KindInvalidTransition,
				"card %s cannot transition %s→%s", card.ID, card.State, ledger.CardRunning)
		}

		command, err := m.ledger.GetCommand(ctx, s, card.CommandID)
		if err != nil {
			return err
		}
		switch command.Status {
		case ledger.CommandSucceeded, ledger.CommandFailed, ledger.CommandCanceled:
			return ledger.E(ledger.KindInvalidTransition,
				"command %s is %s, refusing to start", command.ID, command.Status)
		}

		runID := ledger.NewID()
		correlationID := req.CorrelationID
		if correlationID == "" {
			correlationID = card.CommandID
		}

		transitioned, err := m.ledger.BuildEvent(s, ledger.Draft{
			Type:          ledger.EventCardTransitioned,
			CorrelationID: correlationID,
			CausationID:   req.CausationID,
			CommandID:     card.CommandID,
			RunID:         runID,
			CardID:        card.ID,
			Payload: ledger.CardTransitionedPayload{
				From:   card.State,
				To:     ledger.CardRunning,
				Reason: "run started",
			},
		})
		if err != nil {
			return err
		}
		cardAfter, err := projector.ApplyCard(transitioned, card)
		if err != nil {
			return err
		}

		started, err := m.ledger.BuildEvent(s, ledger.Draft{
			Type:          ledger.EventCommandStarted,
			CorrelationID: correlationID,
			CausationID:   transitioned.ID,
			CommandID:     command.ID,
			RunID:         runID,
			CardID:        card.ID,
			Payload: ledger.CommandStartedPayload{
				Executor: req.Executor,
				Attempt:  cardAfter.Attempt,
			},
		})
		if err != nil {
			return err
		}
		commandAfter, err := projector.ApplyCommand(started, command)
		if err != nil {
			return err
		}
		run, err := projector.ApplyRun(started, nil)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if err := m.ledger.StageEvent(ctx, pipe, transitioned); err != nil {
				return err
			}
			if err := m.ledger.StageEvent(ctx, pipe, started); err != nil {
				return err
			}
			if err := m.ledger.StageCard(ctx, pipe, cardAfter); err != nil {
				return err
			}
			if err := m.ledger.StageCommand(ctx, pipe, commandAfter); err != nil {
				return err
			}
			return m.ledger.StageRun(ctx, pipe, run)
		})
		if err != nil {
			return err
		}

		m.ledger.PublishEvent(ctx, transitioned)
		m.ledger.PublishEvent(ctx, started)
		receipt = &StartReceipt{Card: cardAfter, Run: run}
		return nil
	}, cardKey)
	if err != nil {
		return nil, err
	}

	m.log.Info("run started",
		zap.String("card_id", receipt.Card.ID),
		zap.String("run_id", receipt.Run.ID),
		zap.String("executor", req.Executor),
		zap.Int("attempt", receipt.Run.Attempt))
	return receipt, nil
}

// CompleteRunRequest reports that the in-flight run finished successfully.
type CompleteRunRequest struct {
	CardID        string
	ResultSummary string
	CorrelationID string
	CausationID   string
}

// CompleteRun closes the in-flight run as succeeded and moves the card
// RUNNING→DONE. CommandSucceeded is appended before the card transition; the
// command, run, and card rows are patched in the same transaction.
func (m *Machine) CompleteRun(ctx context.Context, s ledger.Scope, req CompleteRunRequest) (*ledger.Card, error) {
	var after *ledger.Card
	cardKey := ledger.CardKey(s, req.CardID)

	err := m.ledger.Atomically(ctx, func(tx *redis.Tx) error {
		card, command, run, err := m.inFlight(ctx, s, req.CardID, ledger.CardDone)
		if err != nil {
			return err
		}

		correlationID := req.CorrelationID
		if correlationID == "" {
			correlationID = card.CommandID
		}

		succeeded, err := m.ledger.BuildEvent(s, ledger.Draft{
			Type:          ledger.EventCommandSucceeded,
			CorrelationID: correlationID,
			CausationID:   req.CausationID,
			CommandID:     command.ID,
			RunID:         run.ID,
			CardID:        card.ID,
			Payload: ledger.CommandSucceededPayload{
				ResultSummary: req.ResultSummary,
			},
		})
		if err != nil {
			return err
		}
		commandAfter, err := projector.ApplyCommand(succeeded, command)
		if err != nil {
			return err
		}
		runAfter, err := projector.ApplyRun(succeeded, run)
		if err != nil {
			return err
		}

		transitioned, err := m.ledger.BuildEvent(s, ledger.Draft{
			Type:          ledger.EventCardTransitioned,
			CorrelationID: correlationID,
			CausationID:   succeeded.ID,
			CommandID:     command.ID,
			RunID:         run.ID,
			CardID:        card.ID,
			Payload: ledger.CardTransitionedPayload{
				From:   card.State,
				To:     ledger.CardDone,
				Reason: "run succeeded",
			},
		})
		if err != nil {
			return err
		}
		after, err = projector.ApplyCard(transitioned, card)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if err := m.ledger.StageEvent(ctx, pipe, succeeded); err != nil {
				return err
			}
			if err := m.ledger.StageEvent(ctx, pipe, transitioned); err != nil {
				return err
			}
			if err := m.ledger.StageCommand(ctx, pipe, commandAfter); err != nil {
				return err
			}
			if err := m.ledger.StageRun(ctx, pipe, runAfter); err != nil {
				return err
			}
			return m.ledger.StageCard(ctx, pipe, after)
		})
		if err != nil {
			return err
		}

		m.ledger.PublishEvent(ctx, succeeded)
		m.ledger.PublishEvent(ctx, transitioned)
		return nil
	}, cardKey)
	if err != nil {
		return nil, err
	}

	m.log.Info("run succeeded",
		zap.String("card_id", after.ID),
		zap.String("command_id", after.CommandID))
	return after, nil
}

// FailRunRequest reports that the in-flight run failed.
type FailRunRequest struct {
	CardID        string
	Error         string
	RetryAtTS     int64 // Overrides the computed backoff when set
	CorrelationID string
	CausationID   string
}

// FailOutcome is the result of FailRun.
type FailOutcome struct {
	Card      *ledger.Card
	WillRetry bool
	RetryAtTS int64 // Unix ms of the scheduled retry, 0 when terminal
}

// FailRun closes the in-flight run as failed. While the retry budget from
// spec.constraints.max_retries is not exhausted the card moves
// RUNNING→RETRY_SCHEDULED with a backoff timer for the sweeper to release;
// otherwise the card goes RUNNING→FAILED. CommandFailed (and, on the retry
// path, CommandRetryScheduled) precede the card transition, all in one
// transaction.
func (m *Machine) FailRun(ctx context.Context, s ledger.Scope, req FailRunRequest) (*FailOutcome, error) {
	if req.Error == "" {
		return nil, ledger.E(ledger.KindInvalidArgument, "error cannot be empty")
	}

	var outcome *FailOutcome
	cardKey := ledger.CardKey(s, req.CardID)

	err := m.ledger.Atomically(ctx, func(tx *redis.Tx) error {
		card, command, run, err := m.inFlight(ctx, s, req.CardID, ledger.CardFailed)
		if err != nil {
			return err
		}

		willRetry := card.Attempt <= cardMaxRetries(card) &&
			CanTransition(card.State, ledger.CardRetryScheduled)
		retryAt := int64(0)
		if willRetry {
			retryAt = req.RetryAtTS
			if retryAt == 0 {
				retryAt = RetryAt(m.ledger.NowMS(), card.Attempt)
			}
		}

		correlationID := req.CorrelationID
		if correlationID == "" {
			correlationID = card.CommandID
		}

		failed, err := m.ledger.BuildEvent(s, ledger.Draft{
			Type:          ledger.EventCommandFailed,
			CorrelationID: correlationID,
			CausationID:   req.CausationID,
			CommandID:     command.ID,
			RunID:         run.ID,
			CardID:        card.ID,
			Payload: ledger.CommandFailedPayload{
				Error:     req.Error,
				WillRetry: willRetry,
			},
		})
		if err != nil {
			return err
		}
		commandAfter, err := projector.ApplyCommand(failed, command)
		if err != nil {
			return err
		}
		runAfter, err := projector.ApplyRun(failed, run)
		if err != nil {
			return err
		}

		events := []*ledger.Event{failed}
		causationID := failed.ID

		to, reason := ledger.CardFailed, "run failed, retries exhausted"
		if willRetry {
			scheduled, err := m.ledger.BuildEvent(s, ledger.Draft{
				Type:          ledger.EventCommandRetryScheduled,
				CorrelationID: correlationID,
				CausationID:   failed.ID,
				CommandID:     command.ID,
				RunID:         run.ID,
				CardID:        card.ID,
				Payload: ledger.CommandRetryScheduledPayload{
					RetryAtTS: retryAt,
					Attempt:   card.Attempt,
					Error:     req.Error,
				},
			})
			if err != nil {
				return err
			}
			events = append(events, scheduled)
			causationID = scheduled.ID
			to, reason = ledger.CardRetryScheduled, "run failed, retry scheduled"
		}

		transitioned, err := m.ledger.BuildEvent(s, ledger.Draft{
			Type:          ledger.EventCardTransitioned,
			CorrelationID: correlationID,
			CausationID:   causationID,
			CommandID:     command.ID,
			RunID:         run.ID,
			CardID:        card.ID,
			Payload: ledger.CardTransitionedPayload{
				From:      card.State,
				To:        to,
				Reason:    reason,
				RetryAtTS: retryAt,
			},
		})
		if err != nil {
			return err
		}
		cardAfter, err := projector.ApplyCard(transitioned, card)
		if err != nil {
			return err
		}
		events = append(events, transitioned)

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, event := range events {
				if err := m.ledger.StageEvent(ctx, pipe, event); err != nil {
					return err
				}
			}
			if err := m.ledger.StageCommand(ctx, pipe, commandAfter); err != nil {
				return err
			}
			if err := m.ledger.StageRun(ctx, pipe, runAfter); err != nil {
				return err
			}
			return m.ledger.StageCard(ctx, pipe, cardAfter)
		})
		if err != nil {
			return err
		}

		for _, event := range events {
			m.ledger.PublishEvent(ctx, event)
		}
		outcome = &FailOutcome{Card: cardAfter, WillRetry: willRetry, RetryAtTS: retryAt}
		return nil
	}, cardKey)
	if err != nil {
		return nil, err
	}

	m.log.Info("run failed",
		zap.String("card_id", outcome.Card.ID),
		zap.Bool("will_retry", outcome.WillRetry),
		zap.String("error", req.Error))
	return outcome, nil
}

// inFlight loads the card, its backing command, and the in-flight run for an
// execution report, validating that the card can take the requested edge and
// that a run is actually open.
func (m *Machine) inFlight(ctx context.Context, s ledger.Scope, cardID string, to ledger.CardState) (*ledger.Card, *ledger.Command, *ledger.Run, error) {
	card, err := m.ledger.GetCard(ctx, s, cardID)
	if err != nil {
		return nil, nil, nil, err
	}
	if card.CommandID == "" {
		return nil, nil, nil, ledger.E(ledger.KindInvalidArgument,
			"card %s has no backing command", card.ID)
	}
	if !CanTransition(card.State, to) {
		return nil, nil, nil, ledger.E(ledger.KindInvalidTransition,
			"card %s cannot transition %s→%s", card.ID, card.State, to)
	}

	command, err := m.ledger.GetCommand(ctx, s, card.CommandID)
	if err != nil {
		return nil, nil, nil, err
	}
	if command.Status != ledger.CommandRunning || command.LatestRunID == "" {
		return nil, nil, nil, ledger.E(ledger.KindInvalidTransition,
			"command %s has no run in flight (status %s)", command.ID, command.Status)
	}

	run, err := m.ledger.GetRun(ctx, s, command.LatestRunID)
	if err != nil {
		return nil, nil, nil, err
	}
	return card, command, run, nil
}

func cardMaxRetries(card *ledger.Card) int {
	if card.Spec.Constraints != nil && card.Spec.Constraints.MaxRetries != nil {
		return *card.Spec.Constraints.MaxRetries
	}
	return 0
}
