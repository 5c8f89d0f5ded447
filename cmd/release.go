package cmd

import (
	"github.com/spf13/cobra"

	"github.com/VoxDroid/relkit/internal/release"
)

var releaseCmd = &cobra.Command{
	Use:   "release",
	Short: "Run the test track and every platform track",
	Long: "Run a full release: resolve the version once, then run the test suite and the\n" +
		"generic, win32 and win64 tracks concurrently. Exits non-zero if the tests or\n" +
		"any platform track failed. Example:\n  relkit release --target win64",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		targets, _ := cmd.Flags().GetStringSlice("target")
		skipTests, _ := cmd.Flags().GetBool("skip-tests")
		return runRelease(cmd.Context(), cmd.OutOrStdout(), release.Options{
			Targets:   targets,
			SkipTests: skipTests,
		})
	},
}

func init() {
	releaseCmd.Flags().StringSlice("target", nil, "Restrict the run to these targets (repeatable)")
	releaseCmd.Flags().Bool("skip-tests", false, "Do not run the test track")
	rootCmd.AddCommand(releaseCmd)
}
