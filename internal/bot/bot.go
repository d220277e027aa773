// Package bot is the thin facade the bot-facing surfaces (HTTP adapter,
// future SDKs) call. It owns no logic of its own: every method delegates to
// the admission, artifact, or decision service, and the only thing it adds
// is the blocking decision wait built on the wake registry.
package bot

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dyluth/drey/internal/admission"
	"github.com/dyluth/drey/internal/artifacts"
	"github.com/dyluth/drey/internal/decisions"
	"github.com/dyluth/drey/internal/jobs"
	"github.com/dyluth/drey/pkg/ledger"
)

// DefaultPollInterval bounds how long a blocked wait goes without re-reading
// the decision row. Wake signals are not durable, so the poll is the
// guarantee and the wake is the fast path.
const DefaultPollInterval = 10 * time.Second

// Facade bundles the operations a bot may perform.
type Facade struct {
	admission *admission.Service
	artifacts *artifacts.Service
	decisions *decisions.Service
	waker     *jobs.Waker
	poll      time.Duration
	log       *zap.Logger
}

// Option configures a Facade.
type Option func(*Facade)

// WithPollInterval overrides the blocked-wait re-read interval.
func WithPollInterval(d time.Duration) Option {
	return func(f *Facade) {
		if d > 0 {
			f.poll = d
		}
	}
}

// New creates the bot facade.
func New(adm *admission.Service, art *artifacts.Service, dec *decisions.Service, waker *jobs.Waker, log *zap.Logger, opts ...Option) *Facade {
	f := &Facade{
		admission: adm,
		artifacts: art,
		decisions: dec,
		waker:     waker,
		poll:      DefaultPollInterval,
		log:       log,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// RequestCommand admits a command for execution.
func (f *Facade) RequestCommand(ctx context.Context, scope ledger.Scope, req admission.CommandRequest) (*admission.Receipt, error) {
	return f.admission.RequestCommand(ctx, scope, req)
}

// ReportArtifact registers a work product.
func (f *Facade) ReportArtifact(ctx context.Context, scope ledger.Scope, rep artifacts.Report) (*artifacts.Receipt, error) {
	return f.artifacts.ReportArtifact(ctx, scope, rep)
}

// RequestDecision raises a decision for a human.
func (f *Facade) RequestDecision(ctx context.Context, scope ledger.Scope, req decisions.Request) (*ledger.Decision, error) {
	return f.decisions.RequestDecision(ctx, scope, req)
}

// AwaitDecision returns the decision's current resolution snapshot without
// blocking.
func (f *Facade) AwaitDecision(ctx context.Context, scope ledger.Scope, decisionID string) (*decisions.Snapshot, error) {
	return f.decisions.Await(ctx, scope, decisionID)
}

// WaitDecision blocks until the decision resolves or ctx ends. The row is
// the source of truth: each pass re-reads it, then parks on the wake
// registry with the poll interval as an upper bound, so a lost wake only
// costs latency.
func (f *Facade) WaitDecision(ctx context.Context, scope ledger.Scope, decisionID string) (*decisions.Snapshot, error) {
	for {
		snapshot, err := f.decisions.Await(ctx, scope, decisionID)
		if err != nil {
			return nil, err
		}
		if snapshot.Status != "pending" && snapshot.Status != "claimed" {
			return snapshot, nil
		}

		waitCtx, cancel := context.WithTimeout(ctx, f.poll)
		_, err = f.waker.Wait(waitCtx, decisionID)
		cancel()
		if err != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
}
