package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/coinbuidl/moon/internal/moonconfig"
	"github.com/coinbuidl/moon/internal/moonpaths"
	"github.com/coinbuidl/moon/pkg/protocol"
)

// Version is set at build time via -ldflags "-X github.com/coinbuidl/moon/cmd.Version=v1.0.0"
var Version = "dev"

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "moon",
	Short: "MOON — session memory manager for a long-running conversational agent",
	Long:  "MOON watches an agent's session transcripts, archives and projects them for retrieval, dispatches context compaction at usage thresholds, distills idle archives into day-rolled summaries, and reclaims them after a grace period.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
	Run: func(cmd *cobra.Command, args []string) {
		runWatch()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(indexCmd())
	rootCmd.AddCommand(distillCmd())
	rootCmd.AddCommand(recallCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("moon %s (protocol %d)\n", Version, protocol.ProtocolVersion)
		},
	}
}

// resolvePathsAndConfig loads paths from the environment and config from
// the resolved TOML path (file + env overlay), exiting on fatal error —
// the shared bootstrap every subcommand but `version` needs.
func resolvePathsAndConfig() (*moonpaths.Paths, *moonconfig.Config) {
	paths, err := moonpaths.Resolve()
	if err != nil {
		fmt.Fprintf(os.Stderr, "moon: %v\n", err)
		os.Exit(1)
	}
	cfg, err := moonconfig.Load(moonconfig.ResolveConfigPath(paths.MoonHome))
	if err != nil {
		fmt.Fprintf(os.Stderr, "moon: %v\n", err)
		os.Exit(1)
	}
	return paths, cfg
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
