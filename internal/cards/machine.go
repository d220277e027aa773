// Package cards implements the card state machine. Transitions are the only
// way a card changes state; the edge table below is closed, and every applied
// transition appends a CardTransitioned event in the same transaction as the
// row patch.
package cards

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dyluth/drey/internal/projector"
	"github.com/dyluth/drey/pkg/ledger"
)

// transitions is the closed edge table. DONE and FAILED are terminal.
var transitions = map[ledger.CardState][]ledger.CardState{
	ledger.CardReady:          {ledger.CardRunning},
	ledger.CardRunning:        {ledger.CardDone, ledger.CardNeedsDecision, ledger.CardFailed, ledger.CardRetryScheduled},
	ledger.CardNeedsDecision:  {ledger.CardRunning, ledger.CardFailed},
	ledger.CardRetryScheduled: {ledger.CardReady},
	ledger.CardDone:           {},
	ledger.CardFailed:         {},
}

// CanTransition reports whether the edge from→to is in the table.
func CanTransition(from, to ledger.CardState) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Machine applies validated transitions to cards.
type Machine struct {
	ledger *ledger.Client
	log    *zap.Logger
}

// NewMachine creates the card state machine over the given ledger.
func NewMachine(client *ledger.Client, log *zap.Logger) *Machine {
	return &Machine{ledger: client, log: log}
}

// TransitionRequest describes one requested edge.
type TransitionRequest struct {
	CardID        string
	To            ledger.CardState
	Reason        string
	CorrelationID string
	CausationID   string // Event that triggered this transition, if any
	RunID         string
	DecisionID    string
	RetryAtTS     int64 // Required when To is RETRY_SCHEDULED
}

// Transition validates the requested edge against the current card state and
// applies it: the CardTransitioned event and the patched row (attempt bump on
// entry to RUNNING, retry timer set or cleared) land in one transaction. The
// read, the edge check, and the writes are serialized per card by the watch
// on the card key.
func (m *Machine) Transition(ctx context.Context, s ledger.Scope, req TransitionRequest) (*ledger.Card, error) {
	if err := req.To.Validate(); err != nil {
		return nil, ledger.E(ledger.KindInvalidArgument, "%v", err)
	}
	if req.To == ledger.CardRetryScheduled && req.RetryAtTS <= 0 {
		return nil, ledger.E(ledger.KindInvalidArgument, "transition to RETRY_SCHEDULED requires retry_at_ts")
	}

	var after *ledger.Card
	cardKey := ledger.CardKey(s, req.CardID)

	err := m.ledger.Atomically(ctx, func(tx *redis.Tx) error {
		card, err := m.ledger.GetCard(ctx, s, req.CardID)
		if err != nil {
			return err
		}

		if !CanTransition(card.State, req.To) {
			return ledger.E(ledger.KindInvalidTransition,
				"card %s cannot transition %s→%s", card.ID, card.State, req.To)
		}

		correlationID := req.CorrelationID
		if correlationID == "" {
			correlationID = card.CommandID
		}
		if correlationID == "" {
			correlationID = card.ID
		}

		event, err := m.ledger.BuildEvent(s, ledger.Draft{
			Type:          ledger.EventCardTransitioned,
			CorrelationID: correlationID,
			CausationID:   req.CausationID,
			CommandID:     card.CommandID,
			RunID:         req.RunID,
			CardID:        card.ID,
			DecisionID:    req.DecisionID,
			Payload: ledger.CardTransitionedPayload{
				From:      card.State,
				To:        req.To,
				Reason:    req.Reason,
				RetryAtTS: req.RetryAtTS,
			},
		})
		if err != nil {
			return err
		}

		after, err = projector.ApplyCard(event, card)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if err := m.ledger.StageEvent(ctx, pipe, event); err != nil {
				return err
			}
			return m.ledger.StageCard(ctx, pipe, after)
		})
		if err != nil {
			return err
		}

		m.ledger.PublishEvent(ctx, event)
		return nil
	}, cardKey)
	if err != nil {
		return nil, err
	}

	m.log.Debug("card transitioned",
		zap.String("card_id", req.CardID),
		zap.String("to", string(req.To)),
		zap.String("reason", req.Reason))
	return after, nil
}
