package commands

import (
	"github.com/spf13/cobra"

	"github.com/dyluth/drey/internal/printer"
	"github.com/dyluth/drey/internal/projects"
)

var initName string

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a project",
	Long: `Create a project in the configured tenant. The caller becomes the
project's first owner. Initialization is idempotent-hostile by design:
a second init of the same project fails with ProjectExists.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initName, "name", "", "Display name (defaults to the project ID)")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	scope, err := s.scope()
	if err != nil {
		return err
	}

	name := initName
	if name == "" {
		name = scope.ProjectID
	}

	svc := projects.New(s.client, newGuard(s), s.log)
	project, err := svc.Init(s.ctx, scope, name)
	if err != nil {
		return printer.Fail(err)
	}

	printer.Success("Created project %s/%s (%q), owner: %s\n",
		project.TenantID, project.ProjectID, project.Name, project.CreatedBy)
	return nil
}
