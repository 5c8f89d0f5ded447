package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var resolveVersionCmd = &cobra.Command{
	Use:   "resolve-version",
	Short: "Print the version derived from git history",
	Long: "Print the canonical version of the checkout. A tagged commit yields the tag\n" +
		"without its leading v; any other commit yields <tag>.dev<N>+g<hash>.\n" +
		"Shallow clones and untagged histories are an error.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		src, err := sourceDir()
		if err != nil {
			return err
		}
		v, err := newResolver(src).Resolve(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), v)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(resolveVersionCmd)
}
