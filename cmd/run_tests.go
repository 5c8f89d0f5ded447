package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var runTestsCmd = &cobra.Command{
	Use:   "run-tests",
	Short: "Run the configured test and type-check commands",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		dry, _ := cmd.Flags().GetBool("dry-run")
		src, err := sourceDir()
		if err != nil {
			return err
		}
		cfg, err := loadConfig(src)
		if err != nil {
			return err
		}
		if len(cfg.Tests) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no test commands configured")
			return nil
		}
		res, err := newSuite(cfg, src, newRunner(dry)).Run(cmd.Context())
		if err != nil {
			if res != nil {
				fmt.Fprint(cmd.ErrOrStderr(), res.Log)
			}
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "tests passed (%d commands)\n", res.Ran)
		return nil
	},
}

func init() {
	runTestsCmd.Flags().Bool("dry-run", false, "Print the commands instead of running them")
	rootCmd.AddCommand(runTestsCmd)
}
