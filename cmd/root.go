package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// globalOptions holds the persistent flags shared by every command.
type globalOptions struct {
	configPath      string
	sourceDir       string
	workDir         string
	outDir          string
	logLevel        string
	logJSON         bool
	versionOverride string
}

var opts globalOptions

var rootCmd = &cobra.Command{
	Use:   "relkit",
	Short: "relkit builds, packages and uploads release artifacts",
	Long: "relkit derives a version from git history, runs the test suite and builds\n" +
		"the generic, win32 and win64 release archives described in relkit.yaml.",
	SilenceUsage: true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		return configureLogging(opts.logLevel, opts.logJSON)
	},
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "Path to relkit.yaml (default: <source>/relkit.yaml)")
	pf.StringVar(&opts.sourceDir, "source", ".", "Source checkout to build")
	pf.StringVar(&opts.workDir, "workdir", "", "Directory for per-target build workspaces (default: <source>/build)")
	pf.StringVar(&opts.outDir, "out", "", "Directory receiving the archives (default: <source>/dist)")
	pf.StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	pf.BoolVar(&opts.logJSON, "log-json", false, "Emit JSON logs")
	pf.StringVar(&opts.versionOverride, "version-override", "", "Use this version instead of deriving it from git ("+envVersion+")")
}
