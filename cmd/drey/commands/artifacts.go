package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/dyluth/drey/internal/artifacts"
	"github.com/dyluth/drey/internal/blob"
	"github.com/dyluth/drey/internal/printer"
	"github.com/dyluth/drey/pkg/ledger"
)

var (
	artifactsCommand string
	artifactsRun     string
)

var artifactsCmd = &cobra.Command{
	Use:   "artifacts",
	Short: "Inspect registered artifacts",
}

var artifactsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List artifacts for a command or run",
	RunE:  runArtifactsList,
}

var artifactsShowCmd = &cobra.Command{
	Use:   "show <artifact-id>",
	Short: "Show an artifact manifest",
	Args:  cobra.ExactArgs(1),
	RunE:  runArtifactsShow,
}

var artifactsGetCmd = &cobra.Command{
	Use:   "get <artifact-id>",
	Short: "Write an artifact's content to stdout",
	Args:  cobra.ExactArgs(1),
	RunE:  runArtifactsGet,
}

func init() {
	artifactsListCmd.Flags().StringVar(&artifactsCommand, "command", "", "List artifacts produced for this command")
	artifactsListCmd.Flags().StringVar(&artifactsRun, "run", "", "List artifacts produced by this run")

	artifactsCmd.AddCommand(artifactsListCmd, artifactsShowCmd, artifactsGetCmd)
	rootCmd.AddCommand(artifactsCmd)
}

func newArtifacts(s *session) (*artifacts.Service, error) {
	store, err := newBlobStore(s)
	if err != nil {
		return nil, err
	}
	return artifacts.New(s.client, newGuard(s), store, s.log), nil
}

func newBlobStore(s *session) (blob.Store, error) {
	switch s.cfg.Blob.Provider {
	case "s3", "r2":
		return blob.NewS3(s.ctx, s.cfg.Blob.S3.Bucket, s.cfg.Blob.S3.Endpoint)
	default: // redis, convex-files
		return blob.NewRedis(s.rdb), nil
	}
}

func runArtifactsList(cmd *cobra.Command, args []string) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	scope, err := s.scope()
	if err != nil {
		return err
	}

	if (artifactsCommand == "") == (artifactsRun == "") {
		return printer.Error("Specify one source", "List by command or by run, not both.",
			[]string{"Pass --command <id> or --run <id>."})
	}

	svc, err := newArtifacts(s)
	if err != nil {
		return err
	}
	var list []*ledger.Artifact
	if artifactsCommand != "" {
		commandID, err := resolveID(s, scope, "command", artifactsCommand)
		if err != nil {
			return err
		}
		rows, err := svc.ForCommand(s.ctx, scope, commandID)
		if err != nil {
			return printer.Fail(err)
		}
		list = rows
	} else {
		runID, err := resolveID(s, scope, "run", artifactsRun)
		if err != nil {
			return err
		}
		rows, err := svc.ForRun(s.ctx, scope, runID)
		if err != nil {
			return printer.Fail(err)
		}
		list = rows
	}

	if len(list) == 0 {
		printer.Println("No artifacts found.")
		return nil
	}

	printer.Printf("%-28s %-20s %-24s %10s  %s\n", "ARTIFACT", "TYPE", "NAME", "BYTES", "CREATED")
	for _, a := range list {
		printer.Printf("%-28s %-20s %-24s %10d  %s\n",
			a.ID, a.Type, a.LogicalName, a.ByteSize, formatTS(a.CreatedAt))
	}
	return nil
}

func runArtifactsShow(cmd *cobra.Command, args []string) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	scope, err := s.scope()
	if err != nil {
		return err
	}

	artifactID, err := resolveID(s, scope, "artifact", args[0])
	if err != nil {
		return err
	}

	svc, err := newArtifacts(s)
	if err != nil {
		return err
	}
	a, err := svc.GetArtifact(s.ctx, scope, artifactID)
	if err != nil {
		return printer.Fail(err)
	}

	printer.Printf("Artifact: %s\n", a.ID)
	printer.Printf("Type:     %s\n", a.Type)
	printer.Printf("Name:     %s\n", a.LogicalName)
	printer.Printf("SHA-256:  %s\n", a.ContentSHA256)
	printer.Printf("Size:     %d bytes\n", a.ByteSize)
	printer.Printf("Storage:  %s (%s)\n", a.Storage.Provider, a.Storage.Key)
	printer.Printf("Created:  %s\n", formatTS(a.CreatedAt))
	if a.Provenance.CommandID != "" {
		printer.Printf("Command:  %s (run %s)\n", a.Provenance.CommandID, orDash(a.Provenance.RunID))
	}
	for k, v := range a.Labels {
		printer.Printf("Label:    %s=%s\n", k, v)
	}
	for _, link := range a.Links {
		printer.Printf("Link:     %s → %s\n", link.Rel, link.ArtifactID)
	}
	return nil
}

func runArtifactsGet(cmd *cobra.Command, args []string) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	scope, err := s.scope()
	if err != nil {
		return err
	}

	artifactID, err := resolveID(s, scope, "artifact", args[0])
	if err != nil {
		return err
	}

	svc, err := newArtifacts(s)
	if err != nil {
		return err
	}
	_, content, err := svc.GetContent(s.ctx, scope, artifactID)
	if err != nil {
		return printer.Fail(err)
	}

	_, err = os.Stdout.Write(content)
	return err
}
