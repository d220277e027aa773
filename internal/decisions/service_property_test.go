package decisions

import (
	"context"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/dyluth/drey/internal/guard"
	"github.com/dyluth/drey/pkg/ledger"
)

// Racing renders from any mix of operators, over any option keys, must
// produce exactly one winner: one DecisionRendered in the log, every other
// attempt either rejected (and durably recorded) or failed as InvalidOption.
func TestRenderExactlyOneWinner(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30

	properties := gopter.NewProperties(parameters)

	properties.Property("concurrent renders have exactly one winner", prop.ForAll(
		func(attempts []bool) bool {
			if len(attempts) == 0 {
				return true
			}

			svc, client, _, _ := setupService(t)
			ctx := context.Background()
			scope := testScope()
			decision := requestDecision(t, svc)

			callers := []string{"bob", "dave"}
			options := []string{"approve", "reject"}

			var wg sync.WaitGroup
			var mu sync.Mutex
			renderedCount, rejectedCount := 0, 0
			failed := false

			for i, pick := range attempts {
				wg.Add(1)
				go func(i int, pick bool) {
					defer wg.Done()
					idx := 0
					if pick {
						idx = 1
					}
					callerCtx := guard.WithIdentity(context.Background(), callers[i%len(callers)])
					outcome, err := svc.Render(callerCtx, scope, decision.ID, options[idx], "")
					mu.Lock()
					defer mu.Unlock()
					if err != nil {
						failed = true
						return
					}
					switch outcome.Status {
					case StatusRendered:
						renderedCount++
					case StatusRejected:
						rejectedCount++
					}
				}(i, pick)
			}
			wg.Wait()

			if failed || renderedCount != 1 || rejectedCount != len(attempts)-1 {
				return false
			}

			renderedEvents, err := client.EventsByType(ctx, scope.TenantID,
				ledger.EventDecisionRendered, 0, 0, 0)
			if err != nil || len(renderedEvents) != 1 {
				return false
			}

			rejectedEvents, err := client.EventsByType(ctx, scope.TenantID,
				ledger.EventDecisionRenderRejected, 0, 0, 0)
			if err != nil || len(rejectedEvents) != len(attempts)-1 {
				return false
			}

			final, err := client.GetDecision(ctx, scope, decision.ID)
			if err != nil {
				return false
			}

			var winner ledger.DecisionRenderedPayload
			if renderedEvents[0].DecodePayload(&winner) != nil {
				return false
			}
			return final.State == ledger.DecisionRendered &&
				final.RenderedOption == winner.SelectedOption
		},
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
