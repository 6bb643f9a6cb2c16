package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/stupiduntilnot/relaybot/internal/bot"
	"github.com/stupiduntilnot/relaybot/internal/config"
	"github.com/stupiduntilnot/relaybot/internal/control"
	"github.com/stupiduntilnot/relaybot/internal/db"
	"github.com/stupiduntilnot/relaybot/internal/dummy"
	"github.com/stupiduntilnot/relaybot/internal/history"
	"github.com/stupiduntilnot/relaybot/internal/logging"
	"github.com/stupiduntilnot/relaybot/internal/messenger"
	"github.com/stupiduntilnot/relaybot/internal/provider"
	"github.com/stupiduntilnot/relaybot/internal/ratelimit"
	"github.com/stupiduntilnot/relaybot/internal/telegram"
)

type serveOptions struct {
	dryRun         bool
	pollScript     string
	sendScript     string
	providerScript string
}

func newServeCmd() *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Poll Telegram and relay questions to the selected provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := loadViper(cmd)
			if err != nil {
				return err
			}
			cfg, err := config.FromViper(v)
			if err != nil {
				return err
			}
			if !opts.dryRun {
				if err := cfg.Validate(); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Use scripted in-memory messenger and providers instead of the network.")
	cmd.Flags().StringVar(&opts.pollScript, "poll-script", "msg:/start", "Dry-run inbound script (msg:, msgb64:, err:, sleep:, ok).")
	cmd.Flags().StringVar(&opts.sendScript, "send-script", "", "Dry-run outbound send script.")
	cmd.Flags().StringVar(&opts.providerScript, "provider-script", "", "Dry-run provider script shared by every family.")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config, opts serveOptions, stdout, stderr io.Writer) error {
	log, closer, err := logging.New(logging.Options{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		File:    cfg.Log.File,
		Console: stderr,
	})
	if err != nil {
		return err
	}
	defer closer.Close()

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()

	families := cfg.EnabledFamilies()
	if opts.dryRun {
		families = provider.Families
	}
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, string(f))
	}
	journal, err := db.NewJournal(database, map[string]any{
		"pid":       os.Getpid(),
		"providers": names,
		"dry_run":   opts.dryRun,
	})
	if err != nil {
		return err
	}
	log = log.With().Int64("process_event_id", journal.RootID()).Logger()
	defer func() {
		if _, err := journal.Log(nil, db.EventProcessStopped, nil); err != nil {
			log.Warn().Err(err).Msg("journal write failed")
		}
	}()

	routes, err := buildRoutes(cfg, families, opts, log)
	if err != nil {
		return err
	}

	var (
		msgr  messenger.Messenger
		dryMs *dummy.Messenger
	)
	if opts.dryRun {
		dryMs, err = dummy.NewMessenger(opts.pollScript, opts.sendScript)
		if err != nil {
			return err
		}
		msgr = dryMs
	} else {
		pollWindow := time.Duration(cfg.PollTimeoutSeconds)*time.Second + 10*time.Second
		msgr = telegram.NewClient(telegram.BotURL(cfg.TelegramAPIBase, cfg.BotToken), pollWindow)
	}

	handler, err := bot.NewHandler(bot.Options{
		Messenger:       msgr,
		Routes:          routes,
		PromptExchanges: cfg.PromptExchanges,
		Logger:          log,
		Journal:         journal,
	})
	if err != nil {
		return err
	}

	pollTimeout := cfg.PollTimeoutSeconds
	if opts.dryRun {
		pollTimeout = 1
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-dryMs.Drained():
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	dispatcher, err := bot.NewDispatcher(bot.DispatcherOptions{
		Messenger:   msgr,
		Handler:     handler,
		Offsets:     db.OffsetStore{DB: database},
		Breaker:     control.NewCircuitBreaker(5, 30*time.Second),
		Workers:     cfg.Workers,
		PollTimeout: pollTimeout,
		Logger:      log,
		Journal:     journal,
	})
	if err != nil {
		return err
	}

	bot.Startup(ctx, msgr, cfg.Admins, log)
	log.Info().Strs("providers", names).Bool("dry_run", opts.dryRun).Msg("relaybot started")
	if err := dispatcher.Run(ctx); err != nil {
		return err
	}

	if dryMs != nil {
		for _, s := range dryMs.Sent() {
			fmt.Fprintf(stdout, "[chat %d] %s\n", s.ChatID, s.Text)
		}
	}
	log.Info().Msg("relaybot stopped")
	return nil
}

func buildRoutes(cfg config.Config, families []provider.Family, opts serveOptions, log zerolog.Logger) ([]bot.Route, error) {
	routes := make([]bot.Route, 0, len(families))
	for _, family := range families {
		store, err := history.Open(cfg.HistoryPath(family),
			history.WithMaxTurns(cfg.HistoryMaxTurns),
			history.WithMinInterval(cfg.MinInterval),
			history.WithLogger(log.With().Str("family", string(family)).Logger()),
		)
		if err != nil {
			return nil, err
		}

		var adapter provider.Adapter
		if opts.dryRun {
			adapter, err = dummy.NewProvider(family, opts.providerScript)
			if err != nil {
				return nil, err
			}
		} else {
			adapter = newAdapter(family, cfg, log)
		}

		routes = append(routes, bot.Route{
			Adapter: adapter,
			Store:   store,
			Limiter: ratelimit.New(ratelimit.Config{Limit: cfg.RateLimit, Period: cfg.RatePeriod}),
		})
	}
	return routes, nil
}

func newAdapter(family provider.Family, cfg config.Config, log zerolog.Logger) provider.Adapter {
	pc := cfg.Providers[family]
	switch family {
	case provider.Gemini:
		return provider.NewGemini(provider.GeminiConfig{
			APIKey:  pc.APIKey,
			BaseURL: pc.BaseURL,
			Model:   pc.Model,
			Timeout: cfg.RequestTimeout,
		})
	case provider.DeepSeek:
		return provider.NewDeepSeek(streamConfig(pc, cfg, log))
	default:
		return provider.NewOpenAI(streamConfig(pc, cfg, log))
	}
}

func streamConfig(pc config.ProviderConfig, cfg config.Config, log zerolog.Logger) provider.StreamConfig {
	return provider.StreamConfig{
		APIKey:      pc.APIKey,
		BaseURL:     pc.BaseURL,
		Model:       pc.Model,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		Timeout:     cfg.RequestTimeout,
		Logger:      log,
	}
}
