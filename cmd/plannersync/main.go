// Command plannersync keeps the Annika task store and Microsoft Planner in
// sync.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/annika-hq/plannersync/internal/config"
)

var (
	configPath  string
	jsonOutput  bool
	verboseFlag bool

	// Loaded in PersistentPreRunE for every command but version.
	settings config.Settings
	logger   = slog.New(slog.DiscardHandler)
	logSink  io.Closer
)

var rootCmd = &cobra.Command{
	Use:           "plannersync",
	Short:         "Bidirectional sync between Annika tasks and Microsoft Planner",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		if err := config.InitializeWithFile(configPath); err != nil {
			return err
		}
		settings = config.Load()
		if verboseFlag {
			settings.Log.Level = "debug"
		}
		l, sink, err := newLogger(settings.Log, os.Stderr)
		if err != nil {
			return err
		}
		logger, logSink = l, sink
		if used := config.ConfigFileUsed(); used != "" {
			logger.Debug("loaded config", "file", used)
		}
		return nil
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		if logSink != nil {
			_ = logSink.Close()
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "inspect", Title: "Inspection:"},
	)

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: ./plannersync.yaml, then $XDG_CONFIG_HOME/plannersync)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(runCmd, syncCmd, statusCmd, cacheCmd, configCmd, versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		if jsonOutput {
			outputJSONError(err)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
