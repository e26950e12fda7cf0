package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var siloLabel string

var siloCmd = &cobra.Command{
	Use:   "silo",
	Short: "Manage granary snapshots",
	Long: `Silos are point-in-time snapshots of the metahybrid configuration, module
rules, Hymo rules and module enable markers. Restoring a silo puts all of
them back.`,
}

var siloCreateCmd = &cobra.Command{
	Use:   "create [reason]",
	Short: "Create a silo",
	Long: `Create a silo. Without a reason (or with a blank one) the silo is
automatic and subject to retention pruning; with a reason it is kept until
deleted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine()
		if err != nil {
			return err
		}
		reason := strings.Join(args, " ")
		silo, err := eng.CreateSilo(context.Background(), reason, siloLabel)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return outputJSON(out, silo)
		}
		PrintSuccess(out, "Created silo "+silo.ID)
		PrintLabelValue(out, "Files", fmt.Sprintf("%d", len(silo.Files)))
		PrintLabelValue(out, "Size", formatBytes(uint64(silo.Size)))
		return nil
	},
}

var siloListCmd = &cobra.Command{
	Use:   "list",
	Short: "List silos, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine()
		if err != nil {
			return err
		}
		silos, err := eng.ListSilos()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return outputJSON(out, silos)
		}
		if len(silos) == 0 {
			PrintEmptyState(out, "No silos")
			return nil
		}
		rows := make([][]string, 0, len(silos))
		for _, s := range silos {
			kind := "manual"
			if s.Automatic {
				kind = "auto"
			}
			rows = append(rows, []string{
				s.ID,
				s.Time().Local().Format(time.DateTime),
				kind,
				s.Label,
				s.Reason,
				fmt.Sprintf("%d", len(s.Files)),
			})
		}
		PrintTable(out, []string{"ID", "Created", "Kind", "Label", "Reason", "Files"}, rows)
		return nil
	},
}

var siloRestoreCmd = &cobra.Command{
	Use:         "restore <silo-id>",
	Short:       "Restore a silo",
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{fileLogAnnotation: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine()
		if err != nil {
			return err
		}
		if err := eng.RestoreSilo(context.Background(), args[0]); err != nil {
			return err
		}
		PrintSuccess(cmd.OutOrStdout(), "Restored silo "+args[0])
		return nil
	},
}

var siloDeleteCmd = &cobra.Command{
	Use:   "delete <silo-id>",
	Short: "Delete a silo",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine()
		if err != nil {
			return err
		}
		if err := eng.DeleteSilo(args[0]); err != nil {
			return err
		}
		PrintSuccess(cmd.OutOrStdout(), "Deleted silo "+args[0])
		return nil
	},
}

func init() {
	siloCreateCmd.Flags().StringVarP(&siloLabel, "label", "l", "", "Short label for the silo")
	siloCmd.AddCommand(siloCreateCmd)
	siloCmd.AddCommand(siloListCmd)
	siloCmd.AddCommand(siloRestoreCmd)
	siloCmd.AddCommand(siloDeleteCmd)
}
