package cli

import (
	"github.com/spf13/cobra"

	"github.com/danieljhkim/metahybrid/internal/config"
	"github.com/danieljhkim/metahybrid/internal/fsops"
)

var genConfigOutput string

var showConfigCmd = &cobra.Command{
	Use:   "show-config",
	Short: "Print the effective configuration as JSON",
	Long: `Print the effective configuration as JSON. When the config file cannot be
parsed the built-in default is printed instead.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loaded.cfg
		if cfg == nil {
			_, cfg, _ = loadConfig()
		}
		return outputJSON(cmd.OutOrStdout(), cfg)
	},
}

var genConfigCmd = &cobra.Command{
	Use:   "gen-config",
	Short: "Write the default configuration file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		paths := config.DefaultPaths()
		target := genConfigOutput
		if target == "" {
			target = paths.Config
		}
		if err := config.Default(paths).Save(fsops.NewRealFS(), target); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return outputJSON(out, map[string]string{"path": target})
		}
		PrintSuccess(out, "Wrote default config to "+target)
		return nil
	},
}

func init() {
	genConfigCmd.Flags().StringVarP(&genConfigOutput, "output", "o", "", "Where to write the config (default: the standard config path)")
}
