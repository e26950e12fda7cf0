package cli

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/danieljhkim/metahybrid/internal/rules"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Show or save per-module mount rules",
}

var rulesShowCmd = &cobra.Command{
	Use:   "show <module-id>",
	Short: "Show the rules of a module",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine()
		if err != nil {
			return err
		}
		r, err := eng.Rules(args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return outputJSON(out, r)
		}
		printRules(out, args[0], r)
		return nil
	},
}

var rulesSaveCmd = &cobra.Command{
	Use:   "save <module-id> [json|-]",
	Short: "Validate and save the rules of a module",
	Long: `Save a module's rules from a JSON body given as an argument, or read from
stdin when the body is "-" or omitted:

  {"default_mode": "overlay", "paths": {"system/fonts": "magic"}}

The body is validated first; nothing is written when it is invalid.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var body []byte
		if len(args) == 2 && args[1] != "-" {
			body = []byte(args[1])
		} else {
			data, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("failed to read rules from stdin: %w", err)
			}
			body = data
		}

		eng, err := newEngine()
		if err != nil {
			return err
		}
		saved, err := eng.SaveRules(args[0], body)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return outputJSON(out, saved)
		}
		PrintSuccess(out, "Saved rules for "+args[0])
		return nil
	},
}

func init() {
	rulesCmd.AddCommand(rulesShowCmd)
	rulesCmd.AddCommand(rulesSaveCmd)
}

func printRules(w io.Writer, id string, r *rules.ModuleRules) {
	PrintLabelValue(w, "Module", id)
	PrintLabelValue(w, "Default mode", r.DefaultMode.String())
	if len(r.Paths) == 0 {
		return
	}
	keys := make([]string, 0, len(r.Paths))
	for k := range r.Paths {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, []string{k, r.Paths[k].String()})
	}
	PrintTable(w, []string{"Path", "Mode"}, rows)
}
