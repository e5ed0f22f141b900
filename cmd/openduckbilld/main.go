// Command openduckbilld is the continuous-backup daemon entrypoint: it
// loads config.yaml, wires the destination driver, coalescer, trigger
// engine, and reaper, then hands control to the supervisor.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"openduckbill/internal/applog"
	"openduckbill/internal/config"
	"openduckbill/internal/destination"
	"openduckbill/internal/notify"
	"openduckbill/internal/runner"
	"openduckbill/internal/supervisor"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type cliFlags struct {
	debug           bool
	foreground      bool
	resourceReport  bool
	dryRun          bool
	reportDeletions bool
	configPath      string
	logFormat       string
}

func newRootCmd() *cobra.Command {
	var flags cliFlags

	cmd := &cobra.Command{
		Use:   "openduckbilld",
		Short: "Continuous filesystem backup daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(flags)
		},
		SilenceUsage: true,
	}

	cmd.Flags().BoolVarP(&flags.debug, "debug", "D", false, "enable debug logging and child-process stdio capture")
	cmd.Flags().BoolVarP(&flags.foreground, "foreground", "F", false, "log to stderr instead of ~/.openduckbill/logs (the process never detaches in either mode)")
	cmd.Flags().BoolVarP(&flags.resourceReport, "resource-report", "R", false, "accepted and logged at startup; no resource usage is reported")
	cmd.Flags().BoolVarP(&flags.dryRun, "dry-run", "n", false, "pass --dry-run through to the synchronizer")
	cmd.Flags().BoolVarP(&flags.reportDeletions, "report-deletions", "s", false, "write a per-pass reaper report to a temp file")
	cmd.Flags().StringVarP(&flags.configPath, "config", "c", "", "config file path override")
	cmd.Flags().StringVar(&flags.logFormat, "log-format", "text", "log line format: text|json")

	return cmd
}

func run(flags cliFlags) error {
	format := applog.FormatText
	if flags.logFormat == "json" {
		format = applog.FormatJSON
	}

	logDir := ""
	if !flags.foreground {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve log directory: %w", err)
		}
		logDir = home + "/.openduckbill/logs"
	}

	log, err := applog.New(applog.Options{
		Debug:      flags.debug,
		Foreground: flags.foreground,
		LogDir:     logDir,
		Format:     format,
	})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}

	cfgPath, err := config.Resolve(flags.configPath)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	proc := runner.New(log)
	dest, err := destination.New(cfg, proc)
	if err != nil {
		return fmt.Errorf("build destination driver: %w", err)
	}

	if flags.resourceReport {
		log.Debug("resource-report flag set; no resource usage report is produced")
	}

	var notifier supervisor.Notifier
	if h, nerr := notify.New(proc, ""); nerr != nil {
		log.WithError(nerr).Warn("GUI notification helper unavailable, continuing without notifications")
	} else {
		notifier = h
	}

	sup := supervisor.New(cfg, supervisor.Options{
		DryRun:          flags.dryRun,
		Debug:           flags.debug,
		ReportDeletions: flags.reportDeletions,
		ResourceReport:  flags.resourceReport,
	}, log, dest, proc, notifier)

	ctx := context.Background()
	if err := sup.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	log.Info("openduckbilld started")
	return sup.Run(ctx)
}
