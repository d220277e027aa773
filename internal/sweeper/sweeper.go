// Package sweeper runs the periodic maintenance pass: release due retries,
// expire overdue decisions, reclaim lapsed claims, and shed load when the
// urgent backlog grows. Every change goes through the same event-appending
// primitives the interactive paths use; the sweeper never edits read-model
// rows out-of-band.
package sweeper

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dyluth/drey/internal/cards"
	"github.com/dyluth/drey/internal/decisions"
	"github.com/dyluth/drey/internal/jobs"
	"github.com/dyluth/drey/internal/metrics"
	"github.com/dyluth/drey/pkg/ledger"
)

// Defaults for an unset Config field.
const (
	DefaultInterval           = 2 * time.Minute
	DefaultDeferThreshold     = 2
	DefaultEmergencyThreshold = 5
	DefaultSloNowAge          = 30 * time.Minute
)

// Config tunes the sweep cadence and thresholds.
type Config struct {
	// Interval between sweep passes
	Interval time.Duration

	// DeferThreshold is the open now-urgency count above which whenever
	// decisions are shed
	DeferThreshold int

	// EmergencyThreshold is the open now-urgency count above which the
	// emergency signal fires
	EmergencyThreshold int

	// SloNowAge is how old an open now-urgency decision may grow before
	// SloBreached is appended
	SloNowAge time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.DeferThreshold <= 0 {
		c.DeferThreshold = DefaultDeferThreshold
	}
	if c.EmergencyThreshold <= 0 {
		c.EmergencyThreshold = DefaultEmergencyThreshold
	}
	if c.SloNowAge <= 0 {
		c.SloNowAge = DefaultSloNowAge
	}
	return c
}

// Sweeper applies the maintenance phases across every project.
type Sweeper struct {
	ledger    *ledger.Client
	machine   *cards.Machine
	decisions *decisions.Service
	metrics   *metrics.Metrics
	cfg       Config
	log       *zap.Logger
}

// New creates a sweeper.
func New(client *ledger.Client, machine *cards.Machine, d *decisions.Service, m *metrics.Metrics, cfg Config, log *zap.Logger) *Sweeper {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Sweeper{
		ledger:    client,
		machine:   machine,
		decisions: d,
		metrics:   m,
		cfg:       cfg.withDefaults(),
		log:       log,
	}
}

// Report tallies what one sweep of one project changed.
type Report struct {
	RetriesReleased  int
	DecisionsExpired int // Expired with no fallback
	FallbacksApplied int // Expired through a fallback render
	ClaimsReclaimed  int
	Deferred         int // Deadline pushed by load shedding
	AutoResolved     int // Fallback applied by load shedding
	SloBreaches      int
	DriftRepairs     int
	NowBacklog       int  // Open now-urgency decisions observed
	Emergency        bool // Backlog exceeded the emergency threshold
}

func (r Report) empty() bool {
	return r == Report{}
}

// Run sweeps every project on the configured interval until the context is
// canceled. One pass runs immediately at startup.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.SweepAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.SweepAll(ctx)
		}
	}
}

// SweepAll runs one pass over every project. A failing project is logged
// and skipped; one poisoned scope must not starve the rest.
func (s *Sweeper) SweepAll(ctx context.Context) {
	start := time.Now()
	result := "ok"

	scopes, err := s.ledger.ListProjectScopes(ctx)
	if err != nil {
		s.log.Error("failed to list projects for sweep", zap.Error(err))
		s.metrics.SweepRuns.WithLabelValues("error").Inc()
		return
	}

	for _, scope := range scopes {
		report, err := s.Sweep(ctx, scope)
		if err != nil {
			result = "error"
			s.log.Error("sweep failed",
				zap.String("tenant", scope.TenantID),
				zap.String("project", scope.ProjectID),
				zap.Error(err))
			continue
		}
		if !report.empty() {
			s.log.Info("sweep applied changes",
				zap.String("tenant", scope.TenantID),
				zap.String("project", scope.ProjectID),
				zap.Int("retries_released", report.RetriesReleased),
				zap.Int("decisions_expired", report.DecisionsExpired),
				zap.Int("fallbacks_applied", report.FallbacksApplied),
				zap.Int("claims_reclaimed", report.ClaimsReclaimed),
				zap.Int("deferred", report.Deferred),
				zap.Int("auto_resolved", report.AutoResolved),
				zap.Int("slo_breaches", report.SloBreaches),
				zap.Int("drift_repairs", report.DriftRepairs))
		}
	}

	s.metrics.SweepRuns.WithLabelValues(result).Inc()
	s.metrics.SweepDuration.Observe(time.Since(start).Seconds())
}

// Sweep runs the phases over one project in order: retries, expiries,
// claims, load shedding, then the SLO and drift checks. Individual items
// that fail are logged and skipped so one bad row cannot wedge the pass.
func (s *Sweeper) Sweep(ctx context.Context, scope ledger.Scope) (Report, error) {
	var report Report

	s.releaseRetries(ctx, scope, &report)
	s.expireDecisions(ctx, scope, &report)
	s.reclaimClaims(ctx, scope, &report)

	open, err := s.ledger.OpenDecisions(ctx, scope)
	if err != nil {
		return report, err
	}
	s.shedLoad(ctx, scope, open, &report)
	s.checkSlo(ctx, scope, open, &report)
	s.reconcile(ctx, scope, &report)

	return report, nil
}

// Phase 1: cards whose retry timers fired go back to READY.
func (s *Sweeper) releaseRetries(ctx context.Context, scope ledger.Scope, report *Report) {
	now := s.ledger.NowMS()
	due, err := s.ledger.DueRetries(ctx, scope, now)
	if err != nil {
		s.log.Warn("failed to read retry timers", zap.Error(err))
		return
	}

	for _, cardID := range due {
		_, err := s.machine.Transition(ctx, scope, cards.TransitionRequest{
			CardID: cardID,
			To:     ledger.CardReady,
			Reason: "retry timer fired",
		})
		if ledger.IsKind(err, ledger.KindInvalidTransition) || ledger.IsNotFound(err) {
			// Index drift; the reconcile phase reports and repairs it.
			continue
		}
		if err != nil {
			s.log.Warn("failed to release retry",
				zap.String("card_id", cardID), zap.Error(err))
			continue
		}
		report.RetriesReleased++
		s.metrics.SweepActions.WithLabelValues(metrics.ActionRetryReleased).Inc()
	}
}

// Phase 2: decisions whose deadlines passed resolve through their fallback
// or expire.
func (s *Sweeper) expireDecisions(ctx context.Context, scope ledger.Scope, report *Report) {
	due, err := s.ledger.DueExpiries(ctx, scope, s.ledger.NowMS())
	if err != nil {
		s.log.Warn("failed to read decision deadlines", zap.Error(err))
		return
	}

	for _, decisionID := range due {
		outcome, err := s.decisions.Expire(ctx, scope, decisionID)
		if ledger.IsNotFound(err) {
			continue
		}
		if err != nil {
			s.log.Warn("failed to expire decision",
				zap.String("decision_id", decisionID), zap.Error(err))
			continue
		}
		switch outcome {
		case jobs.OutcomeFallback:
			report.FallbacksApplied++
			s.metrics.SweepActions.WithLabelValues(metrics.ActionFallbackApplied).Inc()
		case jobs.OutcomeExpired:
			report.DecisionsExpired++
			s.metrics.SweepActions.WithLabelValues(metrics.ActionDecisionExpired).Inc()
		}
	}
}

// Phase 3: lapsed claims return their decisions to PENDING.
func (s *Sweeper) reclaimClaims(ctx context.Context, scope ledger.Scope, report *Report) {
	due, err := s.ledger.DueClaims(ctx, scope, s.ledger.NowMS())
	if err != nil {
		s.log.Warn("failed to read claim deadlines", zap.Error(err))
		return
	}

	for _, decisionID := range due {
		reclaimed, err := s.decisions.ReclaimClaim(ctx, scope, decisionID)
		if ledger.IsNotFound(err) {
			continue
		}
		if err != nil {
			s.log.Warn("failed to reclaim claim",
				zap.String("decision_id", decisionID), zap.Error(err))
			continue
		}
		if reclaimed {
			report.ClaimsReclaimed++
			s.metrics.SweepActions.WithLabelValues(metrics.ActionClaimReclaimed).Inc()
		}
	}
}

// Phase 4: when the now-urgency backlog exceeds the defer threshold, shed
// whenever-urgency decisions; past the emergency threshold, raise the alarm.
func (s *Sweeper) shedLoad(ctx context.Context, scope ledger.Scope, open []*ledger.Decision, report *Report) {
	backlog := 0
	for _, d := range open {
		if d.Urgency == ledger.UrgencyNow {
			backlog++
		}
	}
	report.NowBacklog = backlog
	s.metrics.NowBacklog.WithLabelValues(scope.TenantID, scope.ProjectID).Set(float64(backlog))

	if backlog > s.cfg.EmergencyThreshold {
		report.Emergency = true
		s.metrics.EmergencyBacklog.Inc()
		s.log.Error("emergency decision backlog",
			zap.String("tenant", scope.TenantID),
			zap.String("project", scope.ProjectID),
			zap.Int("now_backlog", backlog),
			zap.Int("emergency_threshold", s.cfg.EmergencyThreshold))
	}
	if backlog <= s.cfg.DeferThreshold {
		return
	}

	for _, d := range open {
		if d.Urgency != ledger.UrgencyWhenever || d.State != ledger.DecisionPending {
			continue
		}
		action, err := s.decisions.Defer(ctx, scope, d.ID, backlog)
		if err != nil {
			s.log.Warn("failed to defer decision",
				zap.String("decision_id", d.ID), zap.Error(err))
			continue
		}
		switch action {
		case ledger.DeferralAutoResolved:
			report.AutoResolved++
			s.metrics.SweepActions.WithLabelValues(metrics.ActionAutoResolved).Inc()
		case ledger.DeferralExtendedExpiry:
			report.Deferred++
			s.metrics.SweepActions.WithLabelValues(metrics.ActionDeferred).Inc()
		}
	}
}

// checkSlo appends SloBreached for open now-urgency decisions older than
// the response target. The idempotency key makes the breach a once-per-
// decision fact no matter how many sweeps observe it.
func (s *Sweeper) checkSlo(ctx context.Context, scope ledger.Scope, open []*ledger.Decision, report *Report) {
	now := s.ledger.NowMS()
	target := s.cfg.SloNowAge.Milliseconds()

	for _, d := range open {
		if d.Urgency != ledger.UrgencyNow {
			continue
		}
		age := now - d.RequestedAt
		if age <= target {
			continue
		}

		correlationID := d.CommandID
		if correlationID == "" {
			correlationID = d.ID
		}
		_, duplicate, err := s.ledger.Append(ctx, scope, ledger.Draft{
			Type:           ledger.EventSloBreached,
			CorrelationID:  correlationID,
			CommandID:      d.CommandID,
			CardID:         d.CardID,
			DecisionID:     d.ID,
			IdempotencyKey: "slo:" + d.ID,
			Payload: ledger.SloBreachedPayload{
				DecisionID: d.ID,
				AgeMs:      age,
				TargetMs:   target,
			},
		})
		if err != nil {
			s.log.Warn("failed to record SLO breach",
				zap.String("decision_id", d.ID), zap.Error(err))
			continue
		}
		if duplicate {
			continue
		}
		report.SloBreaches++
		s.metrics.SweepActions.WithLabelValues(metrics.ActionSloBreached).Inc()
		s.log.Warn("decision response SLO breached",
			zap.String("decision_id", d.ID),
			zap.Int64("age_ms", age),
			zap.Int64("target_ms", target))
	}
}

// reconcile finds index entries that disagree with their rows, repairs
// them, and records the drift. Rows are only ever re-staged through the
// same Stage methods live writes use; the repair recomputes membership
// from row state.
func (s *Sweeper) reconcile(ctx context.Context, scope ledger.Scope, report *Report) {
	s.reconcileOpenSet(ctx, scope, report)
	s.reconcileRetryTimers(ctx, scope, report)
}

func (s *Sweeper) reconcileOpenSet(ctx context.Context, scope ledger.Scope, report *Report) {
	ids, err := s.ledger.OpenDecisionIDs(ctx, scope)
	if err != nil {
		s.log.Warn("failed to read open decision set", zap.Error(err))
		return
	}

	for _, id := range ids {
		decision, err := s.ledger.GetDecision(ctx, scope, id)
		if ledger.IsNotFound(err) {
			s.repairDrift(ctx, scope, id, "decision", "decisions:open",
				"open set references a missing decision row",
				func(pipe redis.Pipeliner) error {
					pipe.SRem(ctx, ledger.DecisionsOpenKey(scope), id)
					return nil
				}, report)
			continue
		}
		if err != nil {
			s.log.Warn("failed to read decision during reconcile",
				zap.String("decision_id", id), zap.Error(err))
			continue
		}
		if decision.State.Open() {
			continue
		}
		s.repairDrift(ctx, scope, id, "decision", "decisions:open",
			"open set references a decision in "+string(decision.State),
			func(pipe redis.Pipeliner) error {
				return s.ledger.StageDecision(ctx, pipe, decision)
			}, report)
	}
}

func (s *Sweeper) reconcileRetryTimers(ctx context.Context, scope ledger.Scope, report *Report) {
	// Far-future bound: every timer, due or not, must belong to a
	// RETRY_SCHEDULED card.
	ids, err := s.ledger.DueRetries(ctx, scope, s.ledger.NowMS()+(100*365*24*time.Hour).Milliseconds())
	if err != nil {
		s.log.Warn("failed to read retry timers during reconcile", zap.Error(err))
		return
	}

	for _, id := range ids {
		card, err := s.ledger.GetCard(ctx, scope, id)
		if ledger.IsNotFound(err) {
			s.repairDrift(ctx, scope, id, "card", "cards:retry",
				"retry timer references a missing card row",
				func(pipe redis.Pipeliner) error {
					pipe.ZRem(ctx, ledger.CardsRetryKey(scope), id)
					return nil
				}, report)
			continue
		}
		if err != nil {
			s.log.Warn("failed to read card during reconcile",
				zap.String("card_id", id), zap.Error(err))
			continue
		}
		if card.State == ledger.CardRetryScheduled {
			continue
		}
		s.repairDrift(ctx, scope, id, "card", "cards:retry",
			"retry timer references a card in "+string(card.State),
			func(pipe redis.Pipeliner) error {
				return s.ledger.StageCard(ctx, pipe, card)
			}, report)
	}
}

// repairDrift applies one index repair and appends ReconciliationDrift. The
// idempotency key is per (row, index) so repeated observations of the same
// drift do not multiply in the log.
func (s *Sweeper) repairDrift(ctx context.Context, scope ledger.Scope, rowID, model, index, detail string, repair func(redis.Pipeliner) error, report *Report) {
	if err := s.ledger.Pipelined(ctx, repair); err != nil {
		s.log.Warn("failed to repair index drift",
			zap.String("model", model),
			zap.String("row_id", rowID),
			zap.Error(err))
		return
	}

	_, duplicate, err := s.ledger.Append(ctx, scope, ledger.Draft{
		Type:           ledger.EventReconciliationDrift,
		CorrelationID:  rowID,
		IdempotencyKey: "drift:" + model + ":" + rowID + ":" + index,
		Payload: ledger.ReconciliationDriftPayload{
			Model:  model,
			RowID:  rowID,
			Index:  index,
			Detail: detail,
		},
	})
	if err != nil {
		s.log.Warn("failed to record drift",
			zap.String("model", model),
			zap.String("row_id", rowID),
			zap.Error(err))
		return
	}

	s.log.Warn("index drift repaired",
		zap.String("model", model),
		zap.String("row_id", rowID),
		zap.String("index", index),
		zap.String("detail", detail))
	if duplicate {
		return
	}
	report.DriftRepairs++
	s.metrics.SweepActions.WithLabelValues(metrics.ActionDriftRepaired).Inc()
}
