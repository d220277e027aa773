package commands

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/dyluth/drey/internal/printer"
	"github.com/dyluth/drey/internal/projector"
	"github.com/dyluth/drey/internal/replay"
)

var replayArchiveDir string

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Rebuild read models from the event log",
}

var replayRebuildCmd = &cobra.Command{
	Use:   "rebuild [model]",
	Short: "Rebuild one read model, or all of them",
	Long: `Rebuild reconstructs read-model rows by replaying the event log in
order. With --archive the engine first applies archived events from an
earlier export, then drains the live store. Without a model argument every
model is rebuilt.

Models: ` + strings.Join(projector.AllModels(), ", "),
	Args: cobra.MaximumNArgs(1),
	RunE: runReplayRebuild,
}

func init() {
	replayRebuildCmd.Flags().StringVar(&replayArchiveDir, "archive", "", "Archive directory from an earlier export")

	replayCmd.AddCommand(replayRebuildCmd)
	rootCmd.AddCommand(replayCmd)
}

func runReplayRebuild(cmd *cobra.Command, args []string) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	scope, err := s.scope()
	if err != nil {
		return err
	}

	engine := replay.New(s.client, s.log, replay.WithBatchSize(s.cfg.Replay.BatchSize))

	var reports []*replay.Report
	if len(args) == 1 {
		report, err := engine.Rebuild(s.ctx, scope, args[0], replayArchiveDir)
		if err != nil {
			return printer.Fail(err)
		}
		reports = append(reports, report)
	} else {
		reports, err = engine.RebuildAll(s.ctx, scope, replayArchiveDir)
		if err != nil {
			return printer.Fail(err)
		}
	}

	printer.Printf("%-12s %10s %10s %10s\n", "MODEL", "ARCHIVED", "LIVE", "ROWS")
	for _, r := range reports {
		printer.Printf("%-12s %10d %10d %10d\n", r.Model, r.ArchivedEvents, r.LiveEvents, r.RowsWritten)
	}
	printer.Success("Rebuilt %d read model(s)", len(reports))
	return nil
}
