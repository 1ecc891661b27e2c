// Package main is the entry point for the quiz duel server.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"quiz-duel/internal/config"
	"quiz-duel/internal/game/battle"
	"quiz-duel/internal/game/matchmaking"
	"quiz-duel/internal/game/question"
	"quiz-duel/internal/handler"
	"quiz-duel/internal/notify"
	"quiz-duel/internal/pkg/auth"
	"quiz-duel/internal/pkg/cache"
	"quiz-duel/internal/pkg/db"
	"quiz-duel/internal/pkg/lock"
	"quiz-duel/internal/pkg/schedule"
	"quiz-duel/internal/repository"
	"quiz-duel/internal/server"
	"quiz-duel/internal/service"
	"quiz-duel/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("Failed to read .env file")
	}

	cfg, err := config.Load("config")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	setupLogger(&cfg.Log)

	log.Info().Msg("Configuration loaded successfully")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	checks := make(map[string]handler.HealthFunc)

	// Durable store and question bank
	var (
		durable store.Durable
		bank    question.Bank
	)
	switch cfg.Store.Driver {
	case "postgres":
		pool, err := db.NewPool(ctx, &cfg.Database)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer pool.Close()

		if err := pool.Migrate(ctx, repository.Schema); err != nil {
			log.Fatal().Err(err).Msg("Failed to run database migrations")
		}

		questions := repository.NewQuestionRepository(pool.Pool)
		if err := seedQuestions(ctx, questions, cfg.Questions.Path); err != nil {
			log.Fatal().Err(err).Msg("Failed to seed question bank")
		}

		durable = repository.NewStore(pool.Pool)
		bank = questions
		checks["postgres"] = pool.HealthCheck
	default:
		static, err := question.LoadFile(cfg.Questions.Path)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load question bank")
		}
		log.Info().Int("questions", static.Len()).Msg("Question bank loaded")

		durable = store.NewMemoryDurable()
		bank = static
	}

	// Outbox for users who are offline when a durable event fires
	var outbox notify.Outbox
	switch cfg.Notify.Outbox {
	case "redis":
		rdb, err := cache.NewClient(ctx, &cfg.Redis)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to redis")
		}
		defer rdb.Close()

		outbox = notify.NewRedisOutbox(rdb, cfg.Notify.Capacity)
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	default:
		outbox = notify.NewMemoryOutbox(cfg.Notify.Capacity)
	}

	loc, err := cfg.Credit.Location()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid credit timezone")
	}

	// Core state
	users := store.NewUserStore(lock.NewKeyLock(), cfg.Credit.Max, time.Now)
	credit := service.NewCreditService(users, service.PolicyFromConfig(&cfg.Credit), loc, time.Now)
	persist := store.NewPersister(durable)

	scheduler, err := schedule.New()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create scheduler")
	}

	hub := server.NewHub()
	relay := notify.NewRelay(hub, outbox)

	engine := battle.New(battle.Config{
		GracePeriod:   cfg.Battle.GracePeriod,
		MaxDuration:   cfg.Battle.MaxDuration,
		Retention:     cfg.Battle.Retention,
		QuestionCount: cfg.Battle.QuestionCount,
	}, battle.Deps{
		Users:     users,
		Credit:    credit,
		Questions: question.NewSelector(bank, nil, nil),
		Notifier:  relay,
		Presence:  hub,
		Scheduler: scheduler,
		Persist:   persist,
	})
	queue := matchmaking.NewQueue(credit, engine, time.Now)

	// Restore state before the change hook is attached so that loading does
	// not mark every user dirty.
	snap, err := durable.Load(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load durable state")
	}
	users.Load(snap.Users)
	log.Info().Int("users", users.Len()).Msg("Users restored")
	engine.Restore(snap.Battles)

	persist.SetSources(users, engine)
	users.OnChange(persist.MarkUsers)
	persist.Start()

	if err := scheduler.Every("battle-sweep", cfg.Battle.SweepInterval, func() {
		engine.Sweep(context.Background())
	}); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule battle sweep")
	}
	scheduler.Start()

	authenticator := auth.New(cfg.Auth.JWTSecret)
	if !authenticator.Enabled() {
		log.Warn().Msg("JWT secret not set, trusting client supplied user ids")
	}

	srv := server.New(cfg.Server, hub,
		handler.NewWSHandler(authenticator, users, credit, queue, engine, relay))
	handler.NewAPIHandler(authenticator, users, credit, queue, engine, hub.Count, checks).
		Register(srv.App())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("Server stopped unexpectedly")
		}
	}()

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to stop server")
	}
	if err := scheduler.Shutdown(); err != nil {
		log.Error().Err(err).Msg("Failed to stop scheduler")
	}
	if err := persist.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to flush state on shutdown")
	}
	log.Info().Msg("Server stopped gracefully")
}

func setupLogger(cfg *config.LogConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if !cfg.JSON {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

// seedQuestions upserts the YAML bank into the questions table. A missing
// file leaves the table as it is.
func seedQuestions(ctx context.Context, repo *repository.QuestionRepository, path string) error {
	static, err := question.LoadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Warn().Str("path", path).Msg("Question file not found, using stored questions")
			return nil
		}
		return err
	}

	all, err := static.All(ctx)
	if err != nil {
		return err
	}
	if err := repo.Upsert(ctx, all); err != nil {
		return err
	}
	log.Info().Int("questions", len(all)).Msg("Question bank seeded")
	return nil
}
