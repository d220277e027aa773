package commands

import (
	"github.com/spf13/cobra"

	"github.com/dyluth/drey/internal/printer"
	"github.com/dyluth/drey/internal/replay"
	"github.com/dyluth/drey/internal/timespec"
)

var (
	archiveOut   string
	archiveUntil string
	archivePrune bool
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Export project history to archive files",
}

var archiveExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write events up to a point in time into NDJSON archives",
	Long: `Export writes every event at or before --until into date-partitioned
NDJSON files under --out, each closed with a checksum line. With --prune the
exported events are then removed from the live store; idempotency keys are
kept so duplicate submissions still dedup after the prune.`,
	RunE: runArchiveExport,
}

func init() {
	archiveExportCmd.Flags().StringVar(&archiveOut, "out", "", "Directory to write archive files under")
	archiveExportCmd.Flags().StringVar(&archiveUntil, "until", "", "Upper time bound (RFC3339 or a duration like 720h)")
	_ = archiveExportCmd.MarkFlagRequired("out")
	_ = archiveExportCmd.MarkFlagRequired("until")
	archiveExportCmd.Flags().BoolVar(&archivePrune, "prune", false, "Remove exported events from the live store")

	archiveCmd.AddCommand(archiveExportCmd)
	rootCmd.AddCommand(archiveCmd)
}

func runArchiveExport(cmd *cobra.Command, args []string) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	scope, err := s.scope()
	if err != nil {
		return err
	}

	untilTS, err := timespec.Parse(archiveUntil)
	if err != nil {
		return printer.Error("Invalid --until", err.Error(),
			[]string{"Use RFC3339 (2026-01-02T15:04:05Z) or a duration like 720h."})
	}

	report, err := replay.NewExporter(s.client, s.log).Export(s.ctx, scope, untilTS, archiveOut, archivePrune)
	if err != nil {
		return printer.Fail(err)
	}

	if report.Events == 0 {
		printer.Println("No events in range; nothing exported.")
		return nil
	}
	printer.Success("Exported %d events to %d file(s)", report.Events, len(report.Files))
	for _, f := range report.Files {
		printer.Printf("  %s\n", f)
	}
	if archivePrune {
		printer.Warning("Pruned %d events from the live store", report.Pruned)
	}
	return nil
}
