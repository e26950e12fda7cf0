package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/danieljhkim/metahybrid/internal/engine"
)

var (
	dryRun bool
	resync bool
)

func init() {
	mountCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the mount plan without mounting")
	mountCmd.Flags().BoolVar(&resync, "resync", false, "Recopy every module into the staging area")
}

var mountCmd = &cobra.Command{
	Use:   "mount",
	Short: "Run a full mount pass",
	Long: `Scan modules, build the mount plan and attach every active module.

This is what metahybrid does when run without a subcommand. Repeating a pass
is a no-op for layers that are already in place. The command fails when
another instance is running, when the pass cannot run at all, or when every
planned module failed to mount.`,
	Args:        cobra.NoArgs,
	Annotations: map[string]string{fileLogAnnotation: "true"},
	RunE:        runMount,
}

func runMount(cmd *cobra.Command, args []string) error {
	eng, err := newEngine()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	result, err := eng.Mount(context.Background(), &engine.MountRequest{DryRun: dryRun, Resync: resync})
	if result != nil && dryRun {
		if jsonOutput {
			return outputJSON(out, result.Plan)
		}
		PrintInfo(out, result.Plan.String())
		return err
	}
	if result != nil && jsonOutput {
		if jerr := outputJSON(out, result); jerr != nil {
			return jerr
		}
		return err
	}
	if result != nil && result.Mount != nil {
		m := result.Mount
		PrintLabelValue(out, "Overlay", PrintCount(len(m.OverlayModules), "module", "modules"))
		PrintLabelValue(out, "Magic", PrintCount(len(m.MagicModules), "module", "modules"))
		PrintLabelValue(out, "Partitions", fmt.Sprintf("%v", m.Partitions))
		if result.Storage != nil {
			PrintLabelValue(out, "Staging", fmt.Sprintf("%s, %d synced, %d unchanged",
				result.StorageMode, len(result.Storage.Synced), len(result.Storage.Unchanged)))
			for _, f := range result.Storage.Failed {
				PrintWarning(out, "staging "+f.Module+": "+f.Err)
			}
		}
		if m.AlreadyMounted > 0 {
			PrintLabelValue(out, "Already mounted", fmt.Sprintf("%d", m.AlreadyMounted))
		}
		if m.Fallbacks > 0 {
			PrintWarning(out, PrintCount(m.Fallbacks, "overlay fell back to magic mount", "overlays fell back to magic mount"))
		}
		for _, f := range result.Failures {
			PrintFailure(out, f)
		}
	}
	if err != nil {
		return err
	}
	PrintSuccess(out, "Mount pass complete")
	return nil
}

var unmountCmd = &cobra.Command{
	Use:         "unmount",
	Short:       "Remove every mount made by metahybrid",
	Long:        `Unwind the mount journal, newest mount first within each partition.`,
	Args:        cobra.NoArgs,
	Annotations: map[string]string{fileLogAnnotation: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		res, err := eng.Unmount(context.Background())
		if res != nil {
			if jsonOutput {
				if jerr := outputJSON(out, res); jerr != nil {
					return jerr
				}
			} else {
				PrintInfo(out, "Unmounted "+PrintCount(res.Unmounted, "mount", "mounts"))
				for _, e := range res.Errors {
					PrintFailure(out, e.Error())
				}
			}
		}
		return err
	},
}

var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "Show backing storage usage as JSON",
	Long:  `Print {size, used, percent, type} of the storage backing module content.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine()
		if err != nil {
			return err
		}
		u, err := eng.Storage()
		if err != nil {
			return err
		}
		return outputJSON(cmd.OutOrStdout(), u)
	},
}
