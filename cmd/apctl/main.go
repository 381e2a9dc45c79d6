package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/k1networth/activitypub-lmtp/internal/app"
	"github.com/k1networth/activitypub-lmtp/internal/shared/config"
	"github.com/k1networth/activitypub-lmtp/internal/shared/logger"
)

const appName = "apctl"

// annotationRuntime set to "none" skips config and store wiring.
const annotationRuntime = "runtime"

var (
	jsonOutput bool
	dataDir    string

	cfg       config.Config
	log       *slog.Logger
	logCloser io.Closer
	rt        *app.Runtime
)

var rootCmd = &cobra.Command{
	Use:           "apctl <command>",
	Short:         "Operate the ActivityPub LMTP bridge",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Annotations[annotationRuntime] == "none" {
			return nil
		}
		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}
		if dataDir != "" {
			cfg.DataDir = dataDir
		}
		log, logCloser, err = logger.Open(appName, cfg.AppEnv, logger.Options{
			Level:  cfg.LogLevel,
			File:   cfg.LogFile,
			Stream: os.Stderr,
		})
		if err != nil {
			return err
		}
		rt, err = app.Open(cmd.Context(), cfg, log)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		closeAll()
	},
}

func closeAll() {
	if rt != nil {
		_ = rt.Close()
		rt = nil
	}
	if logCloser != nil {
		_ = logCloser.Close()
		logCloser = nil
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON (default when stdout is not a terminal)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "override DATA_DIR for the file store")

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(handleCmd)
	rootCmd.AddCommand(inboxCmd)
	rootCmd.AddCommand(outboxCmd)
	rootCmd.AddCommand(envelopeCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		closeAll()
		os.Exit(1)
	}
}
