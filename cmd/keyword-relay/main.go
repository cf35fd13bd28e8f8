// Copyright 2024-2026 Aiku AI

// Command keyword-relay runs the multi-tenant keyword forwarding relay: it
// keeps one monitoring connection per enrolled user, matches incoming
// messages against that user's keyword filter and forwards hits to the user
// through the relay bot account.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exzerolog"

	"github.com/aiku/mattermost-keyword-relay/pkg/bot"
	"github.com/aiku/mattermost-keyword-relay/pkg/config"
	"github.com/aiku/mattermost-keyword-relay/pkg/relay"
	"github.com/aiku/mattermost-keyword-relay/pkg/store"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	version := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("keyword-relay %s (%s, built %s)\n", Tag, Commit, BuildTime)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("Relay exited with error")
	}
	log.Info().Msg("Relay shut down")
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.StampMilli,
	}).With().Timestamp().Logger().Level(lvl)
	exzerolog.SetupDefaults(&log)
	return log
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	users, access, cleanup, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	relayBot := bot.New(bot.Config{
		ServerURL: cfg.ServerURL,
		Token:     cfg.BotToken,
		Admins:    cfg.Admins,
		Users:     users,
		Access:    access,
		Log:       log,
	})
	if err := relayBot.Connect(ctx); err != nil {
		return err
	}

	notifier := bot.NewNotifier(relayBot.Client(), relayBot.BotUserID(), log)
	manager := relay.NewSessionManager(relay.ManagerConfig{
		ServerURL: cfg.ServerURL,
		Users:     store.Source{Users: users},
		Notifier:  notifier,
		// The bot's own posts carry forwarded alerts that quote the matched
		// text; listeners must never re-match them.
		SkipUserIDs:      []string{relayBot.BotUserID()},
		ConnectTimeout:   cfg.ConnectTimeout.Std(),
		StartConcurrency: cfg.StartConcurrency,
		Log:              log,
	})
	relayBot.SetSessions(manager)
	relayBot.SetNotifier(notifier)

	started := manager.StartAll(ctx)
	log.Info().Int("sessions", started).Msg("Startup session sweep finished")

	err = relayBot.Run(ctx)
	manager.StopAll()
	return err
}

// openStores picks Postgres when a DSN is configured and the in-memory
// store otherwise. The cleanup func closes whatever was opened.
func openStores(ctx context.Context, cfg *config.Config, log zerolog.Logger) (store.UserStore, store.AccessStore, func(), error) {
	if cfg.DatabaseURL == "" {
		log.Warn().Msg("No database_url configured, using in-memory store; all state is lost on restart")
		mem := store.NewMemory()
		return mem, mem, func() {}, nil
	}

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := store.RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Info().Msg("Database ready")
	pg := store.NewPostgres(db)
	return pg, pg, func() { db.Close() }, nil
}
