package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/VoxDroid/relkit/internal/relerr"
)

var buildCmd = &cobra.Command{
	Use:   "build <target>",
	Short: "Build one target's tree into its workspace",
	Long:  "Build one target's tree into <workdir>/<target>/<project>-<version> without packaging it.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		dry, _ := cmd.Flags().GetBool("dry-run")
		src, err := sourceDir()
		if err != nil {
			return err
		}
		cfg, err := loadConfig(src)
		if err != nil {
			return err
		}
		target, err := cfg.Target(args[0])
		if err != nil {
			return err
		}
		version, err := newResolver(src).Resolve(ctx)
		if err != nil {
			return err
		}
		ws := filepath.Join(workDir(src), target.Name)
		tree, err := newBuilder(cfg, src, ws, newRunner(dry)).Build(ctx, target, version)
		if err != nil {
			if diag := relerr.Diagnostic(err); diag != "" {
				fmt.Fprint(cmd.ErrOrStderr(), diag)
			}
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tree.Dir)
		return nil
	},
}

func init() {
	buildCmd.Flags().Bool("dry-run", false, "Print the commands instead of running them")
	rootCmd.AddCommand(buildCmd)
}
