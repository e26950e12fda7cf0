package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var (
	hymoCompileOnly bool
	hymoDebounce    time.Duration
)

var hymoCmd = &cobra.Command{
	Use:   "hymo",
	Short: "Compile and push Hymo stealth rules",
	Long: `Hymo rules redirect, hide and inject paths for processes the enforcer
targets. metahybrid compiles the rules file, checks the enforcer supports
every rule kind in it and pushes it under a new config version.`,
}

var hymoStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show enforcer availability and rule versions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine()
		if err != nil {
			return err
		}
		st, err := eng.HymoStatus(context.Background())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return outputJSON(out, st)
		}
		if !st.Available {
			PrintWarning(out, "Hymo enforcer not present")
		}
		PrintLabelValue(out, "Protocol", fmt.Sprintf("%d", st.ProtocolVersion))
		PrintLabelValue(out, "Config version", fmt.Sprintf("%d", st.ConfigVersion))
		PrintLabelValue(out, "Stealth", onOff(st.StealthActive))
		PrintLabelValue(out, "Debug", onOff(st.DebugActive))
		if !st.LastPush.IsZero() {
			PrintLabelValue(out, "Last push", st.LastPush.Local().Format(time.DateTime))
		}
		return nil
	},
}

var hymoPushCmd = &cobra.Command{
	Use:   "push",
	Short: "Compile the rules file and push it to the enforcer",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if hymoCompileOnly {
			rs, err := eng.HymoRules()
			if err != nil {
				return err
			}
			return outputJSON(out, rs)
		}
		version, err := eng.PushHymo(context.Background())
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(out, map[string]uint64{"config_version": version})
		}
		PrintSuccess(out, fmt.Sprintf("Pushed Hymo rules as config version %d", version))
		return nil
	},
}

var hymoStealthCmd = &cobra.Command{
	Use:       "stealth on|off",
	Short:     "Toggle stealth mode",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		on, err := parseOnOff(args[0])
		if err != nil {
			return err
		}
		eng, err := newEngine()
		if err != nil {
			return err
		}
		if err := eng.SetStealth(context.Background(), on); err != nil {
			return err
		}
		PrintSuccess(cmd.OutOrStdout(), "Stealth "+onOff(on))
		return nil
	},
}

var hymoDebugCmd = &cobra.Command{
	Use:       "debug on|off",
	Short:     "Toggle enforcer debug logging",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		on, err := parseOnOff(args[0])
		if err != nil {
			return err
		}
		eng, err := newEngine()
		if err != nil {
			return err
		}
		if err := eng.SetHymoDebug(context.Background(), on); err != nil {
			return err
		}
		PrintSuccess(cmd.OutOrStdout(), "Debug "+onOff(on))
		return nil
	},
}

var hymoWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Push the rules file every time it changes",
	Long:  `Watch the Hymo rules file and push it after each change until interrupted.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out := cmd.OutOrStdout()
		PrintInfo(out, "Watching "+eng.Config().HymoRules)
		err = eng.WatchHymo(ctx, hymoDebounce, func(version uint64, err error) {
			if err != nil {
				PrintFailure(out, err.Error())
				return
			}
			PrintSuccess(out, fmt.Sprintf("Pushed config version %d", version))
		})
		if ctx.Err() != nil {
			return nil
		}
		return err
	},
}

func init() {
	hymoPushCmd.Flags().BoolVar(&hymoCompileOnly, "compile-only", false, "Print the compiled rule set without pushing it")
	hymoWatchCmd.Flags().DurationVar(&hymoDebounce, "debounce", 500*time.Millisecond, "Wait this long after a change before pushing")
	hymoCmd.AddCommand(hymoStatusCmd)
	hymoCmd.AddCommand(hymoPushCmd)
	hymoCmd.AddCommand(hymoStealthCmd)
	hymoCmd.AddCommand(hymoDebugCmd)
	hymoCmd.AddCommand(hymoWatchCmd)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
