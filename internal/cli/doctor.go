package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/deicod/odm/internal/cli/doctor"
)

func newDoctorCmd() *cobra.Command {
	var envName string
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Inspect the project for common odm setup issues",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, _ := filepath.Abs(".")
			cfg, cfgErr := loadProjectConfig(root)
			project := doctor.Project{Root: root, ConfigErr: cfgErr, MappingDir: cfg.mappingDir(root)}
			target, err := cfg.resolveDatabase(envName)
			if err != nil && cfgErr == nil {
				project.ConfigErr = err
			}
			project.Profile = target.Profile
			project.Driver = target.Driver
			project.DatabaseURL = target.URL

			results := doctor.Run(cmd.Context(), project)
			printer := doctor.NewPrinter(cmd.OutOrStdout())
			printer.PrintHeader("odm doctor")
			printer.PrintProject(root, target.Profile)
			for _, res := range results {
				printer.PrintCheck(res)
			}
			printer.Summary(results)
			if doctor.HasFailures(results) {
				return CommandError{Message: fmt.Sprintf("doctor: %d check(s) failed", countFailures(results))}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&envName, "env", "", "Environment profile to check (defaults to ODM_ENV, then dev)")
	return cmd
}

func countFailures(results []doctor.Result) int {
	n := 0
	for _, res := range results {
		if res.Status == doctor.StatusError {
			n++
		}
	}
	return n
}
