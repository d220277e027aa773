// Package decisions implements the decision lifecycle: request, claim,
// render, and the system-side expiration and deferral paths the sweeper
// drives. Every write is serialized per decision row by a watch on the
// decision key, which is what makes render exactly-one-winner without any
// external lock.
package decisions

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dyluth/drey/internal/cards"
	"github.com/dyluth/drey/internal/guard"
	"github.com/dyluth/drey/internal/jobs"
	"github.com/dyluth/drey/internal/metrics"
	"github.com/dyluth/drey/internal/projector"
	"github.com/dyluth/drey/pkg/ledger"
)

// DefaultClaimTTL is the advisory claim lease granted by claim and renew.
const DefaultClaimTTL = 5 * time.Minute

// SystemSweeper is the rendered_by identity for fallback renders.
const SystemSweeper = "system:sweeper"

// Outcome statuses returned to callers. These are results, not errors: a
// lost claim race and a lost render race are ordinary operating conditions.
const (
	StatusClaimed        = "claimed"
	StatusAlreadyClaimed = "already_claimed"
	StatusRendered       = "rendered"
	StatusRejected       = "rejected"
)

// Waker is the slice of the job primitive the lifecycle depends on: signal
// the job parked on a decision that the decision resolved.
type Waker interface {
	Wake(key string, outcome jobs.Outcome)
}

// Service implements the decision lifecycle over the ledger.
type Service struct {
	ledger        *ledger.Client
	guard         *guard.Guard
	machine       *cards.Machine
	waker         Waker
	claimTTL      time.Duration
	shedExtension time.Duration
	metrics       *metrics.Metrics
	log           *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClaimTTL overrides the advisory claim lease duration.
func WithClaimTTL(ttl time.Duration) Option {
	return func(s *Service) {
		s.claimTTL = ttl
	}
}

// WithMetrics attaches a collector set for render outcome counts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// New creates the decision service. waker may be nil for deployments with no
// in-process jobs; resolved decisions are then discovered by polling.
func New(client *ledger.Client, g *guard.Guard, machine *cards.Machine, waker Waker, log *zap.Logger, opts ...Option) *Service {
	s := &Service{
		ledger:        client,
		guard:         g,
		machine:       machine,
		waker:         waker,
		claimTTL:      DefaultClaimTTL,
		shedExtension: DefaultShedExtension,
		metrics:       metrics.NewNop(),
		log:           log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Request carries the inputs of request_decision.
type Request struct {
	CardID         string
	CommandID      string
	RunID          string
	CorrelationID  string
	Urgency        ledger.Urgency
	Title          string
	ContextSummary string
	Options        []ledger.DecisionOption
	ArtifactRefs   []string
	SourceThread   string
	ExpiresAt      int64 // Unix ms deadline, 0 for none
	FallbackOption string
}

func (r *Request) validate() error {
	if len(r.Options) == 0 {
		return ledger.E(ledger.KindInvalidOptions, "decision requires at least one option")
	}
	seen := make(map[string]bool, len(r.Options))
	for _, opt := range r.Options {
		if opt.Key == "" {
			return ledger.E(ledger.KindInvalidOptions, "option key cannot be empty")
		}
		if seen[opt.Key] {
			return ledger.E(ledger.KindInvalidOptions, "duplicate option key %q", opt.Key)
		}
		seen[opt.Key] = true
	}
	if r.FallbackOption != "" && !seen[r.FallbackOption] {
		return ledger.E(ledger.KindInvalidFallback,
			"fallback option %q is not among the offered options", r.FallbackOption)
	}
	if r.Urgency != "" {
		if err := r.Urgency.Validate(); err != nil {
			return ledger.E(ledger.KindInvalidArgument, "%v", err)
		}
	}
	return nil
}

// RequestDecision raises a decision for a human. Roles: bot, owner. The
// decision lands in PENDING; a linked card in RUNNING moves to NEEDS_DECISION
// as a follow-up transition caused by the DecisionRequested event.
func (s *Service) RequestDecision(ctx context.Context, scope ledger.Scope, req Request) (*ledger.Decision, error) {
	if _, err := s.guard.Require(ctx, scope, ledger.RoleBot, ledger.RoleOwner); err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, err
	}

	if req.CardID != "" {
		if _, err := s.ledger.GetCard(ctx, scope, req.CardID); err != nil {
			return nil, err
		}
	}

	urgency := req.Urgency
	if urgency == "" {
		urgency = ledger.UrgencyWhenever
	}
	decisionID := ledger.NewID()
	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = req.CommandID
	}
	if correlationID == "" {
		correlationID = decisionID
	}

	requested, err := s.ledger.BuildEvent(scope, ledger.Draft{
		Type:          ledger.EventDecisionRequested,
		CorrelationID: correlationID,
		CommandID:     req.CommandID,
		RunID:         req.RunID,
		CardID:        req.CardID,
		DecisionID:    decisionID,
		Payload: ledger.DecisionRequestedPayload{
			Urgency:        urgency,
			Title:          req.Title,
			ContextSummary: req.ContextSummary,
			Options:        req.Options,
			ArtifactRefs:   req.ArtifactRefs,
			SourceThread:   req.SourceThread,
			ExpiresAt:      req.ExpiresAt,
			FallbackOption: req.FallbackOption,
		},
	})
	if err != nil {
		return nil, err
	}

	decision, err := projector.ApplyDecision(requested, nil)
	if err != nil {
		return nil, err
	}

	err = s.ledger.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		if err := s.ledger.StageEvent(ctx, pipe, requested); err != nil {
			return err
		}
		return s.ledger.StageDecision(ctx, pipe, decision)
	})
	if err != nil {
		return nil, err
	}
	s.ledger.PublishEvent(ctx, requested)

	s.log.Info("decision requested",
		zap.String("decision_id", decisionID),
		zap.String("card_id", req.CardID),
		zap.String("urgency", string(urgency)),
		zap.String("title", req.Title))

	if req.CardID != "" {
		_, err = s.machine.Transition(ctx, scope, cards.TransitionRequest{
			CardID:        req.CardID,
			To:            ledger.CardNeedsDecision,
			Reason:        "decision requested",
			CorrelationID: correlationID,
			CausationID:   requested.ID,
			RunID:         req.RunID,
			DecisionID:    decisionID,
		})
		// A card already out of RUNNING (a retried request, a racing cancel)
		// leaves the decision standing; the row is the source of truth.
		if err != nil && !ledger.IsKind(err, ledger.KindInvalidTransition) {
			return nil, err
		}
	}

	return decision, nil
}

// ClaimOutcome is the result of claim_decision.
type ClaimOutcome struct {
	Status       string // StatusClaimed or StatusAlreadyClaimed
	ClaimedBy    string // Holder of the claim
	ClaimedUntil int64  // Unix ms lease deadline
}

// Claim takes an advisory claim on an open decision. Roles: operator, owner.
// Contention is an outcome, not an error: when someone else holds a live
// claim the caller gets StatusAlreadyClaimed with the holder's identity.
// Re-claiming by the current holder extends the lease; a lapsed claim is
// taken over silently.
func (s *Service) Claim(ctx context.Context, scope ledger.Scope, decisionID string) (*ClaimOutcome, error) {
	auth, err := s.guard.Require(ctx, scope, ledger.RoleOperator, ledger.RoleOwner)
	if err != nil {
		return nil, err
	}

	var outcome *ClaimOutcome
	var claimed *ledger.Event
	decisionKey := ledger.DecisionKey(scope, decisionID)

	err = s.ledger.Atomically(ctx, func(tx *redis.Tx) error {
		outcome, claimed = nil, nil

		decision, err := s.ledger.GetDecision(ctx, scope, decisionID)
		if err != nil {
			return err
		}
		if !decision.State.Open() {
			return ledger.E(ledger.KindNotClaimable,
				"decision %s is %s and cannot be claimed", decisionID, decision.State)
		}

		now := s.ledger.NowMS()
		if decision.ClaimedBy != "" && decision.ClaimedBy != auth.UserID && decision.ClaimedUntil > now {
			outcome = &ClaimOutcome{
				Status:       StatusAlreadyClaimed,
				ClaimedBy:    decision.ClaimedBy,
				ClaimedUntil: decision.ClaimedUntil,
			}
			return nil
		}

		claimed, err = s.ledger.BuildEvent(scope, ledger.Draft{
			Type:          ledger.EventDecisionClaimed,
			CorrelationID: correlationFor(decision),
			CommandID:     decision.CommandID,
			CardID:        decision.CardID,
			DecisionID:    decision.ID,
			Payload: ledger.DecisionClaimedPayload{
				ClaimedBy:    auth.UserID,
				ClaimedUntil: now + s.claimTTL.Milliseconds(),
			},
		})
		if err != nil {
			return err
		}

		after, err := projector.ApplyDecision(claimed, decision)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if err := s.ledger.StageEvent(ctx, pipe, claimed); err != nil {
				return err
			}
			return s.ledger.StageDecision(ctx, pipe, after)
		})
		if err != nil {
			return err
		}

		outcome = &ClaimOutcome{
			Status:       StatusClaimed,
			ClaimedBy:    after.ClaimedBy,
			ClaimedUntil: after.ClaimedUntil,
		}
		return nil
	}, decisionKey)
	if err != nil {
		return nil, err
	}

	if claimed != nil {
		s.ledger.PublishEvent(ctx, claimed)
	}
	return outcome, nil
}

// RenewClaim extends the caller's claim lease. Roles: operator, owner. No
// event is appended: renewals are high-frequency and low-signal, so this is
// the one row write that bypasses the log. Replay therefore restores the
// lease deadline granted at claim time, which only shortens an advisory
// lease and never resurrects a resolved decision.
func (s *Service) RenewClaim(ctx context.Context, scope ledger.Scope, decisionID string) (int64, error) {
	auth, err := s.guard.Require(ctx, scope, ledger.RoleOperator, ledger.RoleOwner)
	if err != nil {
		return 0, err
	}

	var claimedUntil int64
	decisionKey := ledger.DecisionKey(scope, decisionID)

	err = s.ledger.Atomically(ctx, func(tx *redis.Tx) error {
		decision, err := s.ledger.GetDecision(ctx, scope, decisionID)
		if err != nil {
			return err
		}
		if decision.State != ledger.DecisionClaimed || decision.ClaimedBy != auth.UserID {
			return ledger.E(ledger.KindNotYourClaim,
				"decision %s is not claimed by %s", decisionID, auth.UserID)
		}

		after := *decision
		after.ClaimedUntil = s.ledger.NowMS() + s.claimTTL.Milliseconds()
		claimedUntil = after.ClaimedUntil

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return s.ledger.StageDecision(ctx, pipe, &after)
		})
		return err
	}, decisionKey)
	if err != nil {
		return 0, err
	}
	return claimedUntil, nil
}

// RenderOutcome is the result of render_decision.
type RenderOutcome struct {
	Status         string // StatusRendered or StatusRejected
	Reason         string // Set on rejection
	SelectedOption string // Set on success
}

// Render selects an option and resolves the decision. Roles: operator,
// owner. This is the CAS point: the read, the state check, and the write are
// one serialized section per decision, so exactly one DecisionRendered is
// ever appended. A render that loses (the decision already resolved, or
// claimed by someone else) appends DecisionRenderRejected and returns a
// rejection outcome; the attempt is durably recorded either way.
func (s *Service) Render(ctx context.Context, scope ledger.Scope, decisionID, optionKey, note string) (*RenderOutcome, error) {
	auth, err := s.guard.Require(ctx, scope, ledger.RoleOperator, ledger.RoleOwner)
	if err != nil {
		return nil, err
	}

	var outcome *RenderOutcome
	var committed *ledger.Event
	decisionKey := ledger.DecisionKey(scope, decisionID)

	err = s.ledger.Atomically(ctx, func(tx *redis.Tx) error {
		outcome, committed = nil, nil

		decision, err := s.ledger.GetDecision(ctx, scope, decisionID)
		if err != nil {
			return err
		}

		if !decision.State.Open() {
			reason := fmt.Sprintf("already resolved (%s)", decision.State)
			return s.stageRejection(ctx, tx, decision, optionKey, auth.UserID, reason, &outcome, &committed)
		}
		if decision.State == ledger.DecisionClaimed && decision.ClaimedBy != auth.UserID {
			return s.stageRejection(ctx, tx, decision, optionKey, auth.UserID, "claimed_by_another", &outcome, &committed)
		}
		if decision.Option(optionKey) == nil {
			return ledger.E(ledger.KindInvalidOption,
				"option %q is not among the decision's options", optionKey)
		}

		rendered, err := s.ledger.BuildEvent(scope, ledger.Draft{
			Type:          ledger.EventDecisionRendered,
			CorrelationID: correlationFor(decision),
			CommandID:     decision.CommandID,
			RunID:         decision.RunID,
			CardID:        decision.CardID,
			DecisionID:    decision.ID,
			Payload: ledger.DecisionRenderedPayload{
				SelectedOption: optionKey,
				RenderedBy:     auth.UserID,
				Note:           note,
			},
		})
		if err != nil {
			return err
		}

		after, err := projector.ApplyDecision(rendered, decision)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if err := s.ledger.StageEvent(ctx, pipe, rendered); err != nil {
				return err
			}
			return s.ledger.StageDecision(ctx, pipe, after)
		})
		if err != nil {
			return err
		}

		committed = rendered
		outcome = &RenderOutcome{Status: StatusRendered, SelectedOption: optionKey}
		return nil
	}, decisionKey)
	if err != nil {
		return nil, err
	}

	if committed != nil {
		s.ledger.PublishEvent(ctx, committed)
	}
	s.metrics.RenderOutcomes.WithLabelValues(outcome.Status).Inc()
	if outcome.Status == StatusRendered {
		s.log.Info("decision rendered",
			zap.String("decision_id", decisionID),
			zap.String("selected_option", optionKey),
			zap.String("rendered_by", auth.UserID))
		if s.waker != nil {
			s.waker.Wake(decisionID, jobs.OutcomeRendered)
		}
	}
	return outcome, nil
}

// stageRejection records a losing render attempt. The rejection event is the
// only write; the decision row is untouched.
func (s *Service) stageRejection(ctx context.Context, tx *redis.Tx, decision *ledger.Decision, optionKey, attemptedBy, reason string, outcome **RenderOutcome, committed **ledger.Event) error {
	scope := ledger.Scope{TenantID: decision.TenantID, ProjectID: decision.ProjectID}
	rejected, err := s.ledger.BuildEvent(scope, ledger.Draft{
		Type:          ledger.EventDecisionRenderRejected,
		CorrelationID: correlationFor(decision),
		CommandID:     decision.CommandID,
		CardID:        decision.CardID,
		DecisionID:    decision.ID,
		Payload: ledger.DecisionRenderRejectedPayload{
			AttemptedOption: optionKey,
			AttemptedBy:     attemptedBy,
			CurrentState:    decision.State,
			Reason:          reason,
		},
	})
	if err != nil {
		return err
	}

	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return s.ledger.StageEvent(ctx, pipe, rejected)
	})
	if err != nil {
		return err
	}

	*committed = rejected
	*outcome = &RenderOutcome{Status: StatusRejected, Reason: reason}
	return nil
}

// Pending returns every open decision in the project, most urgent first,
// ties broken by request time then ID. Any member may list. urgency narrows
// the result to one band when set.
func (s *Service) Pending(ctx context.Context, scope ledger.Scope, urgency ledger.Urgency) ([]*ledger.Decision, error) {
	if _, err := s.guard.Require(ctx, scope); err != nil {
		return nil, err
	}
	if urgency != "" {
		if err := urgency.Validate(); err != nil {
			return nil, ledger.E(ledger.KindInvalidArgument, "%v", err)
		}
	}

	open, err := s.ledger.OpenDecisions(ctx, scope)
	if err != nil {
		return nil, err
	}

	decisions := make([]*ledger.Decision, 0, len(open))
	for _, d := range open {
		if urgency != "" && d.Urgency != urgency {
			continue
		}
		decisions = append(decisions, d)
	}

	sort.Slice(decisions, func(i, j int) bool {
		if decisions[i].Urgency.Rank() != decisions[j].Urgency.Rank() {
			return decisions[i].Urgency.Rank() < decisions[j].Urgency.Rank()
		}
		if decisions[i].RequestedAt != decisions[j].RequestedAt {
			return decisions[i].RequestedAt < decisions[j].RequestedAt
		}
		return decisions[i].ID < decisions[j].ID
	})
	return decisions, nil
}

// Detail is the context bundle an operator reviews before rendering.
type Detail struct {
	Decision  *ledger.Decision   // The decision row
	Command   *ledger.Command    // Originating command, nil for standalone decisions
	Artifacts []*ledger.Artifact // Resolved manifests for the decision's artifact refs
	Events    []*ledger.Event    // Event chain of the decision's workflow thread
}

// DecisionDetail assembles the context bundle at read time. Any member may
// read. Unknown and cross-project decisions both come back as (nil, nil);
// the caller cannot distinguish them.
func (s *Service) DecisionDetail(ctx context.Context, scope ledger.Scope, decisionID string) (*Detail, error) {
	if _, err := s.guard.Require(ctx, scope); err != nil {
		return nil, err
	}

	decision, err := s.ledger.GetDecision(ctx, scope, decisionID)
	if ledger.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	detail := &Detail{Decision: decision}

	if decision.CommandID != "" {
		command, err := s.ledger.GetCommand(ctx, scope, decision.CommandID)
		if err != nil && !ledger.IsNotFound(err) {
			return nil, err
		}
		detail.Command = command
	}

	for _, ref := range decision.ArtifactRefs {
		artifact, err := s.ledger.GetArtifact(ctx, scope, ref)
		if ledger.IsNotFound(err) {
			// A dangling ref degrades the bundle, it does not fail the read.
			continue
		}
		if err != nil {
			return nil, err
		}
		detail.Artifacts = append(detail.Artifacts, artifact)
	}

	events, err := s.ledger.EventsByCorrelation(ctx, scope, correlationFor(decision))
	if err != nil {
		return nil, err
	}
	detail.Events = events

	return detail, nil
}

// Snapshot is the point-in-time view await_decision returns.
type Snapshot struct {
	Status         string `json:"status"`                    // Lowercase decision state
	SelectedOption string `json:"selected_option,omitempty"` // Set once rendered
	RenderedBy     string `json:"rendered_by,omitempty"`     // Set once rendered
}

// Await returns the decision's resolution snapshot. Roles: bot, owner. Bots
// poll this after their wake signal, or instead of one.
func (s *Service) Await(ctx context.Context, scope ledger.Scope, decisionID string) (*Snapshot, error) {
	if _, err := s.guard.Require(ctx, scope, ledger.RoleBot, ledger.RoleOwner); err != nil {
		return nil, err
	}

	decision, err := s.ledger.GetDecision(ctx, scope, decisionID)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Status:         strings.ToLower(string(decision.State)),
		SelectedOption: decision.RenderedOption,
		RenderedBy:     decision.RenderedBy,
	}, nil
}

func correlationFor(d *ledger.Decision) string {
	if d.CommandID != "" {
		return d.CommandID
	}
	return d.ID
}
