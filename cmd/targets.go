package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "List the configured platform targets",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		src, err := sourceDir()
		if err != nil {
			return err
		}
		cfg, err := loadConfig(src)
		if err != nil {
			return err
		}
		targets, err := cfg.Matrix()
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		for _, t := range targets {
			interp := t.Profile.Interpreter
			if interp == "" {
				interp = "-"
			}
			member := "-"
			if t.Bundle != nil {
				member = t.Bundle.MemberPath
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.Name, cfg.Project+"-<version>"+t.Suffix+".zip", interp, member)
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(targetsCmd)
}
