// Package admission accepts command requests onto the board. One admission
// appends CommandRequested and CardCreated atomically with both read-model
// rows, then hands the card to the job primitive. Idempotency is carried by
// the event log: a duplicate idempotency key yields the original IDs and
// writes nothing new.
package admission

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dyluth/drey/internal/cards"
	"github.com/dyluth/drey/internal/guard"
	"github.com/dyluth/drey/internal/projector"
	"github.com/dyluth/drey/pkg/ledger"
)

// DefaultPool is the job pool for commands without a concurrency key.
const DefaultPool = "default"

// Enqueuer is the slice of the job primitive admission depends on: enqueue a
// named job into a bounded pool, at-least-once.
type Enqueuer interface {
	Enqueue(ctx context.Context, pool, name string, payload map[string]string) error
}

// Service admits commands and standalone cards.
type Service struct {
	ledger  *ledger.Client
	guard   *guard.Guard
	machine *cards.Machine
	jobs    Enqueuer
	log     *zap.Logger
}

// New creates the admission service. jobs may be nil for deployments where an
// external scheduler polls for READY cards instead.
func New(client *ledger.Client, g *guard.Guard, machine *cards.Machine, jobs Enqueuer, log *zap.Logger) *Service {
	return &Service{ledger: client, guard: g, machine: machine, jobs: jobs, log: log}
}

// CommandRequest carries the inputs of request_command.
type CommandRequest struct {
	Spec           ledger.CommandSpec
	CorrelationID  string
	Title          string
	Capabilities   []string
	IdempotencyKey string
}

// Receipt identifies the admitted command and its card.
type Receipt struct {
	CommandID string
	CardID    string
	Duplicate bool // True when an idempotency key suppressed the admission
}

// RequestCommand admits a command. Roles: bot, operator, owner.
func (s *Service) RequestCommand(ctx context.Context, scope ledger.Scope, req CommandRequest) (*Receipt, error) {
	auth, err := s.guard.Require(ctx, scope, ledger.RoleBot, ledger.RoleOperator, ledger.RoleOwner)
	if err != nil {
		return nil, err
	}
	if err := req.Spec.Validate(); err != nil {
		return nil, ledger.E(ledger.KindInvalidArgument, "%v", err)
	}
	if req.CorrelationID == "" {
		return nil, ledger.E(ledger.KindInvalidArgument, "correlation_id cannot be empty")
	}

	commandID := ledger.NewID()
	cardID := ledger.NewID()

	requested, err := s.ledger.BuildEvent(scope, ledger.Draft{
		Type:           ledger.EventCommandRequested,
		CorrelationID:  req.CorrelationID,
		CommandID:      commandID,
		CardID:         cardID,
		IdempotencyKey: req.IdempotencyKey,
		Payload: ledger.CommandRequestedPayload{
			Spec:         req.Spec,
			Title:        req.Title,
			Capabilities: req.Capabilities,
		},
	})
	if err != nil {
		return nil, err
	}

	created, err := s.ledger.BuildEvent(scope, ledger.Draft{
		Type:          ledger.EventCardCreated,
		CorrelationID: req.CorrelationID,
		CausationID:   requested.ID,
		CommandID:     commandID,
		CardID:        cardID,
		Payload: ledger.CardCreatedPayload{
			Title:        req.Title,
			Priority:     req.Spec.EffectivePriority(),
			Spec:         cardSpecFrom(req.Spec),
			Capabilities: req.Capabilities,
		},
	})
	if err != nil {
		return nil, err
	}

	command, err := projector.ApplyCommand(requested, nil)
	if err != nil {
		return nil, err
	}
	card, err := projector.ApplyCard(created, nil)
	if err != nil {
		return nil, err
	}

	if req.IdempotencyKey == "" {
		err = s.ledger.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			return s.stageAdmission(ctx, pipe, requested, created, command, card)
		})
		if err != nil {
			return nil, err
		}
		s.finishAdmission(ctx, scope, requested, created, card, auth.UserID)
		return &Receipt{CommandID: commandID, CardID: cardID}, nil
	}

	idempKey := ledger.IdempKey(scope, req.IdempotencyKey)
	var original *ledger.Event

	err = s.ledger.Atomically(ctx, func(tx *redis.Tx) error {
		original = nil

		originalID, err := tx.Get(ctx, idempKey).Result()
		if err == nil {
			existing, err := s.ledger.GetEvent(ctx, scope, originalID)
			if err != nil {
				return fmt.Errorf("idempotency key %q names missing event %s: %w", req.IdempotencyKey, originalID, err)
			}
			original = existing
			return nil
		}
		if !errors.Is(err, redis.Nil) {
			return fmt.Errorf("failed to check idempotency key: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return s.stageAdmission(ctx, pipe, requested, created, command, card)
		})
		return err
	}, idempKey)
	if err != nil {
		return nil, err
	}

	if original != nil {
		// The duplicate is itself a recorded fact. Best effort: the receipt
		// already points at the original admission.
		_, _, appendErr := s.ledger.Append(ctx, scope, ledger.Draft{
			Type:          ledger.EventCommandSkippedDuplicate,
			CorrelationID: req.CorrelationID,
			CommandID:     original.CommandID,
			CardID:        original.CardID,
			CausationID:   original.ID,
			Payload: ledger.CommandSkippedDuplicatePayload{
				IdempotencyKey:  req.IdempotencyKey,
				OriginalEventID: original.ID,
			},
		})
		if appendErr != nil {
			s.log.Warn("failed to record duplicate admission", zap.Error(appendErr))
		}
		return &Receipt{CommandID: original.CommandID, CardID: original.CardID, Duplicate: true}, nil
	}

	s.finishAdmission(ctx, scope, requested, created, card, auth.UserID)
	return &Receipt{CommandID: commandID, CardID: cardID}, nil
}

func (s *Service) stageAdmission(ctx context.Context, pipe redis.Pipeliner, requested, created *ledger.Event, command *ledger.Command, card *ledger.Card) error {
	if err := s.ledger.StageEvent(ctx, pipe, requested); err != nil {
		return err
	}
	if err := s.ledger.StageEvent(ctx, pipe, created); err != nil {
		return err
	}
	if err := s.ledger.StageCommand(ctx, pipe, command); err != nil {
		return err
	}
	return s.ledger.StageCard(ctx, pipe, card)
}

// finishAdmission runs the post-commit side effects: publish both events and
// enqueue the card's job.
func (s *Service) finishAdmission(ctx context.Context, scope ledger.Scope, requested, created *ledger.Event, card *ledger.Card, requestedBy string) {
	s.ledger.PublishEvent(ctx, requested)
	s.ledger.PublishEvent(ctx, created)

	s.log.Info("command admitted",
		zap.String("command_id", requested.CommandID),
		zap.String("card_id", card.ID),
		zap.String("command_type", card.Spec.CommandType),
		zap.String("requested_by", requestedBy))

	if s.jobs == nil {
		return
	}
	if err := s.jobs.Enqueue(ctx, poolFor(card), "card:"+card.ID, map[string]string{
		"tenant_id":  scope.TenantID,
		"project_id": scope.ProjectID,
		"card_id":    card.ID,
		"command_id": requested.CommandID,
	}); err != nil {
		// The sweeper's retry release and the READY index keep the card
		// reachable; a lost enqueue costs latency, not work.
		s.log.Warn("failed to enqueue card job", zap.String("card_id", card.ID), zap.Error(err))
	}
}

func poolFor(card *ledger.Card) string {
	if card.Spec.Constraints != nil && card.Spec.Constraints.ConcurrencyKey != "" {
		return card.Spec.Constraints.ConcurrencyKey
	}
	return DefaultPool
}

func cardSpecFrom(spec ledger.CommandSpec) ledger.CardSpec {
	return ledger.CardSpec{
		CommandType: spec.CommandType,
		Args:        spec.Args,
		Constraints: spec.Constraints,
	}
}

// CardRequest carries the inputs of create_card, for work that is not backed
// by a command.
type CardRequest struct {
	Title         string
	Spec          ledger.CardSpec
	Priority      *int64
	Capabilities  []string
	CorrelationID string
}

// CreateCard creates a standalone card in READY. Roles: bot, owner.
func (s *Service) CreateCard(ctx context.Context, scope ledger.Scope, req CardRequest) (*ledger.Card, error) {
	if _, err := s.guard.Require(ctx, scope, ledger.RoleBot, ledger.RoleOwner); err != nil {
		return nil, err
	}
	if req.Spec.CommandType == "" {
		return nil, ledger.E(ledger.KindInvalidArgument, "card spec requires a command_type")
	}

	cardID := ledger.NewID()
	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = cardID
	}
	priority := ledger.DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}

	created, err := s.ledger.BuildEvent(scope, ledger.Draft{
		Type:          ledger.EventCardCreated,
		CorrelationID: correlationID,
		CardID:        cardID,
		Payload: ledger.CardCreatedPayload{
			Title:        req.Title,
			Priority:     priority,
			Spec:         req.Spec,
			Capabilities: req.Capabilities,
		},
	})
	if err != nil {
		return nil, err
	}

	card, err := projector.ApplyCard(created, nil)
	if err != nil {
		return nil, err
	}

	err = s.ledger.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		if err := s.ledger.StageEvent(ctx, pipe, created); err != nil {
			return err
		}
		return s.ledger.StageCard(ctx, pipe, card)
	})
	if err != nil {
		return nil, err
	}

	s.ledger.PublishEvent(ctx, created)
	return card, nil
}

// CancelCommand terminates a command before completion. Roles: operator,
// owner. The command and its in-flight run go terminal in one transaction; a
// card in RUNNING or NEEDS_DECISION then fails with reason "command
// canceled". Cards in READY or RETRY_SCHEDULED are left behind, since the
// card table has no edge to terminal from those states; executors must check
// the command status before starting work.
func (s *Service) CancelCommand(ctx context.Context, scope ledger.Scope, commandID, reason string) error {
	auth, err := s.guard.Require(ctx, scope, ledger.RoleOperator, ledger.RoleOwner)
	if err != nil {
		return err
	}

	var canceled *ledger.Event
	commandKey := ledger.CommandKey(scope, commandID)

	err = s.ledger.Atomically(ctx, func(tx *redis.Tx) error {
		command, err := s.ledger.GetCommand(ctx, scope, commandID)
		if err != nil {
			return err
		}
		switch command.Status {
		case ledger.CommandSucceeded, ledger.CommandFailed, ledger.CommandCanceled:
			return ledger.E(ledger.KindInvalidArgument,
				"command %s is already terminal (%s)", commandID, command.Status)
		}

		runID := ""
		var run *ledger.Run
		if command.LatestRunID != "" {
			run, err = s.ledger.GetRun(ctx, scope, command.LatestRunID)
			if err != nil {
				return err
			}
			if run.Status == ledger.RunRunning {
				runID = run.ID
			}
		}

		canceled, err = s.ledger.BuildEvent(scope, ledger.Draft{
			Type:          ledger.EventCommandCanceled,
			CorrelationID: commandID,
			CommandID:     commandID,
			RunID:         runID,
			Payload: ledger.CommandCanceledPayload{
				Reason:     reason,
				CanceledBy: auth.UserID,
			},
		})
		if err != nil {
			return err
		}

		commandAfter, err := projector.ApplyCommand(canceled, command)
		if err != nil {
			return err
		}
		var runAfter *ledger.Run
		if runID != "" {
			runAfter, err = projector.ApplyRun(canceled, run)
			if err != nil {
				return err
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if err := s.ledger.StageEvent(ctx, pipe, canceled); err != nil {
				return err
			}
			if err := s.ledger.StageCommand(ctx, pipe, commandAfter); err != nil {
				return err
			}
			if runAfter != nil {
				if err := s.ledger.StageRun(ctx, pipe, runAfter); err != nil {
					return err
				}
			}
			return nil
		})
		return err
	}, commandKey)
	if err != nil {
		return err
	}

	s.ledger.PublishEvent(ctx, canceled)

	card, err := s.ledger.GetCardByCommand(ctx, scope, commandID)
	if ledger.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if card.State == ledger.CardRunning || card.State == ledger.CardNeedsDecision {
		_, err = s.machine.Transition(ctx, scope, cards.TransitionRequest{
			CardID:        card.ID,
			To:            ledger.CardFailed,
			Reason:        "command canceled",
			CorrelationID: commandID,
			CausationID:   canceled.ID,
		})
		if err != nil && !ledger.IsKind(err, ledger.KindInvalidTransition) {
			return err
		}
	}
	return nil
}
