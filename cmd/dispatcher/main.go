package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"invoice_dispatch_bot/internal/app"
	"invoice_dispatch_bot/internal/domain/dispatch"
	"invoice_dispatch_bot/internal/domain/mail"
	"invoice_dispatch_bot/internal/infra/config"
	idb "invoice_dispatch_bot/internal/infra/database"
	"invoice_dispatch_bot/internal/infra/gmailer"
	"invoice_dispatch_bot/internal/infra/history"
	"invoice_dispatch_bot/internal/infra/logger"
	"invoice_dispatch_bot/internal/infra/scheduler"
	"invoice_dispatch_bot/internal/infra/telegram"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "dispatcher",
		Short: "Weekly invoice dispatch bot",
		Long: "Decides, once per run, whether each organization's invoice document " +
			"should be dispatched this week, based on dates found inside the document.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigFile, "path to the YAML config file")

	root.AddCommand(newRunCmd(&configPath))
	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newHistoryCmd(&configPath))
	return root
}

func newRunCmd(configPath *string) *cobra.Command {
	var (
		dryRun       bool
		rootOverride string
		asOfStr      string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Evaluate every organization once and dispatch",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			asOf, err := parseAsOf(asOfStr)
			if err != nil {
				return err
			}

			service, cleanup, err := buildService(cmd.Context(), cfg, log, rootOverride, dryRun)
			if err != nil {
				return err
			}
			defer cleanup()

			report, err := service.Run(cmd.Context(), asOf)
			if err != nil {
				return err
			}
			fmt.Println(report.Summary())

			if cfg.TelegramToken != "" && cfg.AdminChatID != 0 && !dryRun {
				notifier, err := telegram.NewNotifier(cfg.TelegramToken, cfg.AdminChatID)
				if err != nil {
					log.WithError(err).Warn("Could not create telegram notifier")
				} else if err := notifier.NotifyRunSummary(report.Summary()); err != nil {
					log.WithError(err).Warn("Could not deliver run summary notification")
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report decisions without sending or recording")
	cmd.Flags().StringVar(&rootOverride, "root", "", "override the invoices root directory")
	cmd.Flags().StringVar(&asOfStr, "as-of", "", "reference instant for backtesting (RFC3339 or YYYY-MM-DD)")
	return cmd
}

func newServeCmd(configPath *string) *cobra.Command {
	var cronSpec string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine on a weekly cron schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if cronSpec == "" {
				cronSpec = cfg.CronSpec
			}

			service, cleanup, err := buildService(cmd.Context(), cfg, log, "", false)
			if err != nil {
				return err
			}
			defer cleanup()

			var notifier app.Notifier
			if cfg.TelegramToken != "" && cfg.AdminChatID != 0 {
				tg, err := telegram.NewNotifier(cfg.TelegramToken, cfg.AdminChatID)
				if err != nil {
					return fmt.Errorf("creating telegram notifier: %w", err)
				}
				notifier = tg
				log.Info("Telegram run-summary notifier enabled")
			}

			sched := scheduler.NewDispatchScheduler(service, notifier, log, cronSpec)
			if err := sched.Start(); err != nil {
				return fmt.Errorf("starting scheduler: %w", err)
			}

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			log.Info("Shutting down...")
			sched.Stop()
			return nil
		},
	}
	cmd.Flags().StringVar(&cronSpec, "cron", "", "override the configured cron spec")
	return cmd
}

func newHistoryCmd(configPath *string) *cobra.Command {
	var orgFilter string

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded dispatches",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			repo, cleanup, err := buildHistory(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			records, err := repo.List(cmd.Context(), orgFilter)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("no dispatch records")
				return nil
			}
			for _, rec := range records {
				fmt.Printf("%s  %s  %s .. %s  %s  to %s\n",
					rec.DispatchedAt.In(dispatch.Zone()).Format("2006-01-02 15:04"),
					rec.Organization, rec.WeekStart, rec.WeekEnd,
					rec.SourceFile, strings.Join(rec.Recipients, ", "))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&orgFilter, "organization", "", "only show records for one organization")
	return cmd
}

func loadConfig(path string) (*config.AppConfig, *logrus.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	log := logger.New(cfg.LogLevel, cfg.Environment)
	log.WithFields(logrus.Fields{
		"config":        path,
		"root":          cfg.Root,
		"organizations": len(cfg.Organizations),
		"environment":   cfg.Environment,
	}).Info("Configuration loaded")
	return cfg, log, nil
}

// buildHistory selects the dispatch history store: Postgres when
// DATABASE_URL is set, the JSONL file otherwise.
func buildHistory(cfg *config.AppConfig) (dispatch.Repository, func(), error) {
	if cfg.DatabaseURL != "" {
		db, err := idb.NewPostgresConnection(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return idb.NewPostgresHistoryRepository(db), func() { db.Close() }, nil
	}
	return history.NewFileRepository(cfg.HistoryPath), func() {}, nil
}

func buildService(
	ctx context.Context,
	cfg *config.AppConfig,
	log *logrus.Logger,
	rootOverride string,
	dryRun bool,
) (*app.DispatchService, func(), error) {
	repo, cleanup, err := buildHistory(cfg)
	if err != nil {
		return nil, nil, err
	}

	var mailer mail.Mailer
	if !dryRun {
		client, err := gmailer.NewClient(ctx, cfg.GmailCredentialsFile, cfg.GmailTokenFile)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		mailer = client
	}

	root := cfg.Root
	if rootOverride != "" {
		root = rootOverride
	}

	service, err := app.NewDispatchService(cfg.Organizations, repo, mailer, log, root, dryRun)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return service, cleanup, nil
}

// parseAsOf resolves the reference instant: now by default, or an injected
// override for backtesting.
func parseAsOf(s string) (time.Time, error) {
	if s == "" {
		return time.Now(), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02", s, dispatch.Zone())
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --as-of value %q: use RFC3339 or YYYY-MM-DD", s)
	}
	// Noon keeps the instant unambiguously inside the intended day.
	return t.Add(12 * time.Hour), nil
}
