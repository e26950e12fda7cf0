package cli

import (
	"strings"

	"github.com/spf13/cobra"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List installed modules",
	Long: `List installed modules in id order, with their effective mode, the
partitions they contribute and whether they are currently mounted.

Modules rejected during the scan are listed separately with a reason.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine()
		if err != nil {
			return err
		}
		res, err := eng.Scan()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return outputJSON(out, res.Modules)
		}

		if len(res.Modules) == 0 {
			PrintEmptyState(out, "No modules installed")
		}
		rows := make([][]string, 0, len(res.Modules))
		for _, m := range res.Modules {
			status := "inactive"
			switch {
			case m.IsMounted:
				status = "mounted"
			case m.Active():
				status = "active"
			}
			rows = append(rows, []string{m.ID, m.Version, m.Mode.String(), strings.Join(m.Partitions, ","), status})
		}
		PrintTable(out, []string{"ID", "Version", "Mode", "Partitions", "Status"}, rows)

		if len(res.Quarantined) > 0 {
			PrintSection(out, "Quarantined")
			for _, q := range res.Quarantined {
				PrintWarning(out, q.ID+": "+q.Reason)
			}
		}
		return nil
	},
}
