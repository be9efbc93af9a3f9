package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/kiranaai/voiceturn/internal/app"
	"github.com/kiranaai/voiceturn/internal/config"
	"github.com/kiranaai/voiceturn/internal/console"
	applog "github.com/kiranaai/voiceturn/internal/log"
)

// version is set at link time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "voiceturn",
		Short: "Voice turn-taking engine for the kirana shop assistant",
		Long: `voiceturn runs the listen, process and speak loop for shop surfaces.
"serve" hosts browser surfaces over HTTP and websockets, "console" drives a
single loop from the terminal, and "probe" replays utterances against a server.`,
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newConsoleCmd(), newProbeCmd(), newVersionCmd())
	return root
}

// loadConfig reads an optional .env file before the environment.
func loadConfig(stderr bool) (config.Config, *slog.Logger, error) {
	envErr := godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("config error: %w", err)
	}
	opts := applog.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, OTel: cfg.OTelLogs}
	if !stderr {
		opts.Writer = io.Discard
	}
	logger := applog.Init(opts)
	if envErr != nil && !errors.Is(envErr, os.ErrNotExist) {
		logger.Warn(".env not loaded", "error", envErr)
	}
	return cfg, logger, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve browser surfaces over HTTP and websockets",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(true)
			if err != nil {
				return err
			}
			res, err := app.Build(cfg, logger)
			if err != nil {
				return err
			}
			defer res.Cleanup()

			httpServer := &http.Server{
				Addr:              cfg.BindAddr,
				Handler:           res.API.Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			runCtx, runCancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer runCancel()
			res.Sessions.StartJanitor(runCtx, 5*time.Second)

			listenErr := make(chan error, 1)
			go func() {
				logger.Info("server listening", "addr", cfg.BindAddr, "synthesis", res.Synthesis)
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					listenErr <- err
				}
			}()

			select {
			case err := <-listenErr:
				return fmt.Errorf("listen error: %w", err)
			case <-runCtx.Done():
			}
			logger.Info("shutdown signal received")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("graceful shutdown failed", "error", err)
				_ = httpServer.Close()
			}
			logger.Info("shutdown complete")
			return nil
		},
	}
}

func newConsoleCmd() *cobra.Command {
	var language string
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Run one voice loop in the terminal, typing stands in for the microphone",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// The TUI owns the terminal, so logs are dropped unless exported.
			cfg, logger, err := loadConfig(false)
			if err != nil {
				return err
			}
			if language != "" {
				cfg.VoiceLanguage = language
			}
			res, err := app.BuildConsole(cfg, logger)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			loopDone := make(chan error, 1)
			go func() { loopDone <- res.Controller.Run(ctx) }()

			uiErr := console.Run(ctx, res.Controller, res.Capture, res.Speaker)
			cancel()
			if err := <-loopDone; err != nil && !errors.Is(err, context.Canceled) && uiErr == nil {
				uiErr = err
			}
			return uiErr
		},
	}
	cmd.Flags().StringVar(&language, "language", "", "BCP-47 language tag (defaults to VOICE_LANGUAGE)")
	return cmd
}

func newProbeCmd() *cobra.Command {
	var (
		opts  probeOptions
		texts string
	)
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Act as a browser surface against a running server and report reply latency",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.texts = splitUtterances(texts)
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			report, err := runProbe(ctx, opts, cmd.OutOrStdout())
			if report.Turns > 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "probe:", report.summary())
			}
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.baseURL, "base-url", "http://127.0.0.1:8080", "voiceturn base URL")
	f.StringVar(&opts.surfaceID, "surface-id", "probe", "surface_id used for the synthetic session")
	f.StringVar(&opts.language, "language", "", "session language (server default when empty)")
	f.IntVar(&opts.turns, "turns", 4, "number of turns to replay")
	f.DurationVar(&opts.wordGap, "word-gap", 180*time.Millisecond, "delay between partial transcripts")
	f.DurationVar(&opts.playback, "playback", 600*time.Millisecond, "simulated playback time before playback_done")
	f.DurationVar(&opts.turnTimeout, "turn-timeout", 30*time.Second, "timeout waiting for each turn result")
	f.StringVar(&texts, "texts", "", "utterances separated by '|' (optional)")
	f.BoolVar(&opts.verbose, "verbose", true, "print replay progress")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), versionString())
		},
	}
}

func versionString() string {
	v := version
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && len(s.Value) >= 7 {
				v += " (" + s.Value[:7] + ")"
			}
		}
		return fmt.Sprintf("voiceturn %s %s", v, info.GoVersion)
	}
	return "voiceturn " + v
}
