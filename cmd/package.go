package cmd

import (
	"github.com/spf13/cobra"

	"github.com/VoxDroid/relkit/internal/release"
)

var packageCmd = &cobra.Command{
	Use:   "package <target>",
	Short: "Build, bundle, archive and upload one target",
	Long: "Run a single platform track: build the tree, fetch and embed the bundle\n" +
		"for Windows targets, write the archive and upload it. The test track is skipped.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRelease(cmd.Context(), cmd.OutOrStdout(), release.Options{
			Targets:   args,
			SkipTests: true,
		})
	},
}

func init() {
	rootCmd.AddCommand(packageCmd)
}
