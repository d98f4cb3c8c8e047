package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"patchwatch/internal/app"
)

var (
	cfgPath  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "patchwatch",
	Short: "Watch a news page and announce new patch notes",
	Long: `patchwatch polls a news listing, picks the newest article and announces it
to Telegram chats and webhooks once. The last announced article is persisted
so restarts never repeat an announcement.

Settings come from an optional config file (--config, JSON or YAML) overlaid
by environment variables (SOURCE_URL, CHECK_INTERVAL_SECONDS, TELEGRAM_TOKEN,
TARGET_CHANNEL_ID, FALLBACK_CHANNEL_ID, WEBHOOK, STATE_FILE, LOG_LEVEL).

Examples:
  patchwatch run --config /etc/patchwatch/config.yaml
  WEBHOOK=https://discord.com/api/webhooks/... patchwatch once
  patchwatch state show`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Check continuously on the configured schedule",
	Args:  cobra.NoArgs,
	RunE:  runContinuous,
}

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single check and exit (for cron or systemd timers)",
	Args:  cobra.NoArgs,
	RunE:  runOnce,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config file (json or yaml); empty uses environment only")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging level (debug, info, warn, error)")

	rootCmd.AddCommand(runCmd, onceCmd, stateCmd)
}

func appOptions() []app.Option {
	return []app.Option{app.WithLogLevel(logLevel)}
}

func runContinuous(cmd *cobra.Command, args []string) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	a, err := app.NewApp(cfgPath, appOptions()...)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return err
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

func runOnce(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	// The outcome is logged by the cycle itself; only configuration errors
	// change the exit status.
	_, err := app.RunOnce(ctx, cfgPath, appOptions()...)
	return err
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
