package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/danieljhkim/metahybrid/internal/diagnostics"
)

// errCritical makes diagnose exit non-zero.
var errCritical = errors.New("critical issues found")

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose",
	Short: "Run health checks",
	Long: `Check storage, modules, the last mount pass, conflicts, the granary and the
Hymo enforcer. Exits non-zero when any issue is Critical.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine()
		if err != nil {
			return err
		}
		issues, err := eng.Diagnose(context.Background())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			if err := outputJSON(out, issues); err != nil {
				return err
			}
		} else if len(issues) == 0 {
			PrintSuccess(out, "No issues found")
		} else {
			for _, issue := range issues {
				PrintIssue(out, issue)
			}
		}
		if diagnostics.Worst(issues) == diagnostics.Critical {
			return errCritical
		}
		return nil
	},
}
