package commands

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/drey/internal/cards"
	"github.com/dyluth/drey/internal/decisions"
	"github.com/dyluth/drey/internal/printer"
	"github.com/dyluth/drey/internal/sweeper"
	"github.com/dyluth/drey/internal/timespec"
)

var (
	sweepAll bool
	sweepNow string
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one maintenance pass",
	Long: `Sweep runs a single maintenance pass: due retries are released,
expired decisions are resolved or closed, stale claims are reclaimed, load
is shed, and index drift is repaired. The daemon runs this continuously;
the command exists for recovery and inspection when the daemon is down.`,
	RunE: runSweep,
}

func init() {
	sweepCmd.Flags().BoolVar(&sweepAll, "all", false, "Sweep every project on the server")
	sweepCmd.Flags().StringVar(&sweepNow, "now", "", "Evaluate timers as of this instant (RFC 3339, or a duration ago) instead of the wall clock")
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	if sweepNow != "" {
		clock, err := pinnedClock(sweepNow)
		if err != nil {
			return printer.Error("Invalid --now", err.Error(),
				[]string{"Pass an RFC 3339 timestamp or a duration like 1h."})
		}
		s.client.WithClock(clock)
	}

	machine := cards.NewMachine(s.client, s.log)
	svc := decisions.New(s.client, newGuard(s), machine, nil, s.log,
		decisions.WithClaimTTL(s.cfg.Decisions.ClaimTTL.Std()),
		decisions.WithShedExtension(s.cfg.Sweeper.ShedExtension.Std()))
	sw := sweeper.New(s.client, machine, svc, nil, sweeper.Config{
		Interval:           s.cfg.Sweeper.Interval.Std(),
		DeferThreshold:     s.cfg.Sweeper.DeferThreshold,
		EmergencyThreshold: s.cfg.Sweeper.EmergencyThreshold,
		SloNowAge:          s.cfg.Decisions.SloNowAge.Std(),
	}, s.log)

	if sweepAll {
		sw.SweepAll(s.ctx)
		printer.Success("Swept all projects")
		return nil
	}

	scope, err := s.scope()
	if err != nil {
		return err
	}
	report, err := sw.Sweep(s.ctx, scope)
	if err != nil {
		return printer.Fail(err)
	}

	printer.Success("Sweep complete for %s/%s", scope.TenantID, scope.ProjectID)
	printer.Printf("  Retries released:   %d\n", report.RetriesReleased)
	printer.Printf("  Decisions expired:  %d\n", report.DecisionsExpired)
	printer.Printf("  Fallbacks applied:  %d\n", report.FallbacksApplied)
	printer.Printf("  Claims reclaimed:   %d\n", report.ClaimsReclaimed)
	printer.Printf("  Deferred:           %d\n", report.Deferred)
	printer.Printf("  Auto-resolved:      %d\n", report.AutoResolved)
	printer.Printf("  SLO breaches:       %d\n", report.SloBreaches)
	printer.Printf("  Drift repairs:      %d\n", report.DriftRepairs)
	if report.Emergency {
		printer.Warning("Now-urgency backlog (%d) exceeds the emergency threshold", report.NowBacklog)
	}
	return nil
}

// pinnedClock parses a --now value into a fixed time source for the ledger
// client, so a sweep can evaluate timers as of a chosen instant.
func pinnedClock(spec string) (func() time.Time, error) {
	ts, err := timespec.Parse(spec)
	if err != nil {
		return nil, err
	}
	at := time.UnixMilli(ts)
	return func() time.Time { return at }, nil
}
