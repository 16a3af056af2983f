package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ent0n29/chimebot/internal/app"
	"github.com/ent0n29/chimebot/internal/config"
	"github.com/ent0n29/chimebot/internal/logging"
)

type rootFlags struct {
	configPath string
	verbose    bool
	beats      bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	rootCmd := &cobra.Command{
		Use:          "chimebot",
		Short:        "Discord bot that plays a personal chime when members join voice",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBot(cmd.Context(), flags)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", config.DefaultPath, "path to the TOML settings file")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "log debug output to stdout")
	rootCmd.Flags().BoolVarP(&flags.beats, "beats", "b", false, "log gateway heartbeats")

	rootCmd.AddCommand(newVersionCmd(), newCheckCmd(flags))
	return rootCmd
}

func runBot(ctx context.Context, flags *rootFlags) error {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}

	log, closeLog, err := logging.New(logging.Config{Path: cfg.Log.Path, Level: cfg.Log.Level, Verbose: flags.verbose})
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("starting chimebot", zap.String("version", Version), zap.String("config", flags.configPath))
	res, err := app.Build(ctx, cfg, log, app.Options{Beats: flags.beats})
	if err != nil {
		log.Error("startup failed", zap.Error(err))
		return err
	}

	runErr := res.Run(ctx)
	if err := res.Cleanup(); err != nil {
		log.Warn("cleanup failed", zap.Error(err))
	}
	if runErr != nil {
		log.Error("stopped with error", zap.Error(runErr))
		return runErr
	}
	log.Info("shutdown complete")
	return nil
}

func newCheckCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the settings file and print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "command:      /%s\n", cfg.Discord.CommandRoot)
			fmt.Fprintf(out, "chimes:       %s (volatile=%t)\n", cfg.Chimes.Dir, cfg.Chimes.Volatile)
			fmt.Fprintf(out, "size limit:   %d KB\n", cfg.Chimes.FileSizeLimitKB)
			fmt.Fprintf(out, "duration max: %s\n", cfg.Chimes.DurationMax)
			fmt.Fprintf(out, "playback cap: %s\n", cfg.Chimes.PlaybackCap)
			fmt.Fprintf(out, "idle period:  %s\n", cfg.Dispatch.IdlePeriod)
			fmt.Fprintf(out, "locales:      %s (default %s)\n", cfg.Locale.ResourceDir, cfg.Locale.Default)
			fmt.Fprintf(out, "http:         %s\n", cfg.HTTP.Addr)
			_, err = fmt.Fprintln(out, "config ok")
			return err
		},
	}
}
