package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"claudepool/internal/circuit"
	"claudepool/internal/concurrency"
	"claudepool/internal/config"
	"claudepool/internal/handler"
	"claudepool/internal/health"
	"claudepool/internal/httpclient"
	"claudepool/internal/keyset"
	"claudepool/internal/metrics"
	"claudepool/internal/pipeline"
	"claudepool/internal/pool"
	"claudepool/internal/retry"
	"claudepool/internal/scheduler"
	"claudepool/internal/service"
	"claudepool/internal/session"
	"claudepool/internal/store"
	"claudepool/internal/tokenizer"
	"claudepool/internal/toolcall"
)

const version = "1.0.0"

// affinityTTL bounds how long an idle fingerprint stays bound to its
// account.
const affinityTTL = 30 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	setupLogging(cfg)
	log.Info().Str("version", version).Msg("claudepool starting")

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	rotating := &lumberjack.Logger{
		Filename:   cfg.LogFile(),
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAgeDays,
		Compress:   true,
	}
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(console, rotating)).
		With().Timestamp().Logger()
}

func run(cfg *config.Config) error {
	st, err := store.Open(cfg.AccountsFile())
	if err != nil {
		return fmt.Errorf("open account store: %w", err)
	}
	defer st.Close()

	hc := httpclient.New(cfg.HTTP)
	oauth := service.NewOAuth(cfg.OAuth, hc, st)
	api := service.NewAnthropic(hc, oauth, st)
	web := service.NewWebAPI(hc, st)

	settings := config.NewSettings(cfg)
	slots := concurrency.NewSlots(cfg.Session.MaxPerAccount)
	sessions := session.NewManager(web, slots, settings, cfg.Session)
	defer sessions.Close()

	tracker := toolcall.NewTracker(cfg.ToolCall)
	defer tracker.Close()

	breakers := circuit.NewManager(circuit.Config(cfg.Circuit))
	selector := scheduler.New(st, breakers, sessions, hc.WebEnabled(), affinityTTL)
	defer selector.Close()

	workers := pool.New(pool.Config(cfg.Workers))
	defer workers.Close()

	monitor := health.NewMonitor(cfg.Health, st, api, web, oauth)
	monitor.Start()
	defer monitor.Stop()

	collector := metrics.NewCollector()
	counter := tokenizer.New()

	engine := pipeline.New(pipeline.Options{
		Store:    st,
		Selector: selector,
		Sessions: sessions,
		Tracker:  tracker,
		API:      api,
		Web:      web,
		Breakers: breakers,
		Counter:  counter,
		Workers:  workers,
		Policy:   retry.NewPolicy(retry.Config(cfg.Retry)),
		Settings: settings,
		Metrics:  collector,
		HTTP:     hc,
		WebCfg:   cfg.Web,
	})

	clientKeys := keyset.New(cfg.ClientKeySet())
	adminKeys := keyset.New(cfg.AdminKeySet())
	if clientKeys.Size() == 0 {
		log.Warn().Msg("no client keys configured, all inference requests will be rejected")
	}

	router := handler.NewRouter(handler.Handlers{
		Messages: handler.NewMessages(engine, counter),
		Accounts: handler.NewAccounts(st, oauth, web, breakers, hc.WebEnabled()),
		Settings: handler.NewSettings(settings),
		Statistics: handler.NewStatistics(collector, selector, sessions, tracker,
			workers, breakers, monitor, st, clientKeys),
		Health:     handler.NewHealth(version, st, sessions),
		ClientKeys: clientKeys,
		AdminKeys:  adminKeys,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Int("accounts", st.Len()).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
	return nil
}
