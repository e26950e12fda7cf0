package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Report paths contributed by more than one module",
	Long: `Walk every active module and report each partition path that two or more
modules contribute. The report is informational: conflicts never block
mounting, and the module mounted last wins.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine()
		if err != nil {
			return err
		}
		report, err := eng.Conflicts()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return outputJSON(out, report)
		}

		if len(report.Conflicts) == 0 {
			PrintSuccess(out, "No conflicts")
		}
		rows := make([][]string, 0, len(report.Conflicts))
		for _, c := range report.Conflicts {
			modes := make([]string, 0, len(c.ContendingModules))
			for _, id := range c.ContendingModules {
				modes = append(modes, c.Modes[id].String())
			}
			rows = append(rows, []string{
				c.Partition,
				c.RelativePath,
				strings.Join(c.ContendingModules, ", "),
				strings.Join(modes, ", "),
				string(c.Severity),
			})
		}
		PrintTable(out, []string{"Partition", "Path", "Modules", "Modes", "Severity"}, rows)
		if report.Skipped > 0 {
			PrintWarning(out, fmt.Sprintf("%s could not be inspected", PrintCount(report.Skipped, "entry", "entries")))
		}
		return nil
	},
}
