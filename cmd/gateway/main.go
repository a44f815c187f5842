// Command gateway is the composition root: it wires configuration, the
// relational store, the KV store, every dispatch component, and the HTTP
// router, then serves until an interrupt triggers a graceful shutdown.
//
// Grounded on the teacher's services/gateway/main.go wiring order
// (config -> logger -> Redis -> providers -> router -> http.Server ->
// signal-driven graceful shutdown), narrowed from its many vendor
// providers and background pollers down to the ones this gateway needs:
// the price-registry refresh loop replaces the teacher's model-list
// syncer, and there is no active health poller since spec.md's breaker is
// purely failure-driven.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexusgate/gateway/internal/auth"
	"github.com/nexusgate/gateway/internal/breaker"
	"github.com/nexusgate/gateway/internal/catalog"
	"github.com/nexusgate/gateway/internal/config"
	"github.com/nexusgate/gateway/internal/dispatcher"
	"github.com/nexusgate/gateway/internal/httpapi"
	"github.com/nexusgate/gateway/internal/kvstore"
	"github.com/nexusgate/gateway/internal/logger"
	"github.com/nexusgate/gateway/internal/metrics"
	"github.com/nexusgate/gateway/internal/pricing"
	"github.com/nexusgate/gateway/internal/ratelimit"
	"github.com/nexusgate/gateway/internal/selector"
	"github.com/nexusgate/gateway/internal/sensitive"
	"github.com/nexusgate/gateway/internal/session"
	"github.com/nexusgate/gateway/internal/store"
	"github.com/nexusgate/gateway/internal/upstream"
	"github.com/nexusgate/gateway/internal/usage"
)

const priceRefreshInterval = 5 * time.Minute

func main() {
	cfg := config.Load()
	log := logger.New(cfg)

	log.Info().Str("env", cfg.Env).Msg("gateway starting")

	if cfg.AutoMigrate {
		migrationsDir := filepath.Join("internal", "store", "migrations")
		if err := store.RunMigrations(cfg.DatabaseURL, migrationsDir); err != nil {
			log.Fatal().Err(err).Msg("migrations failed")
		}
		log.Info().Msg("migrations applied")
	}

	ctx := context.Background()

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("connecting to database")
	}
	defer st.Close()

	kv, err := kvstore.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("connecting to kv store")
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		log.Warn().Err(err).Str("timezone", cfg.Timezone).Msg("unknown timezone, falling back to UTC")
		loc = time.UTC
	}

	breakers := breaker.NewRegistry()
	rl := ratelimit.New(kv, log)
	sessions := session.New(kv)
	sel := selector.New(breakers, rl, sessions, log)

	prices := pricing.New(func(ctx context.Context) ([]catalog.ModelPrice, error) {
		return st.ListLatestPrices(ctx)
	}, log)
	if err := prices.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("initial price load failed; starting with an empty price table")
	}

	matcher, err := loadSensitiveMatcher(ctx, st)
	if err != nil {
		log.Warn().Err(err).Msg("loading sensitive word list failed; starting with no filter")
	}

	pool := upstream.NewPool(upstream.DefaultPoolConfig())
	forwarder := upstream.NewForwarder(pool)

	providerSource := func(ctx context.Context, apiType catalog.ProviderType) ([]catalog.Provider, error) {
		all, err := st.ListEnabledProviders(ctx)
		if err != nil {
			return nil, err
		}
		out := all[:0]
		for _, p := range all {
			if p.Enabled && p.Type == apiType {
				out = append(out, p)
			}
		}
		return out, nil
	}

	rec := usage.New(st, loc)
	d := dispatcher.New(providerSource, sel, breakers, rl, sessions, prices, matcher, rec, forwarder, log)

	authenticator := auth.New(st, cfg.AdminToken)
	m := metrics.New()

	router := httpapi.NewRouter(httpapi.Config{
		APIKeyHeader: cfg.APIKeyHeader,
		MaxBodyBytes: cfg.MaxBodyBytes,
		RateLimitRPM: cfg.RateLimitRPM,
		Timezone:     loc,
	}, authenticator, d, breakers, rec, m, log)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.DefaultTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	priceRefreshDone := startPriceRefreshLoop(prices, log)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	close(priceRefreshDone)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("gateway stopped gracefully")
	}
}

// startPriceRefreshLoop periodically reloads the price registry from the
// store so model price changes take effect without a restart (spec.md
// §4.6). Returns a channel to close to stop the loop.
func startPriceRefreshLoop(prices *pricing.Registry, log zerolog.Logger) chan struct{} {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(priceRefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := prices.Refresh(context.Background()); err != nil {
					log.Warn().Err(err).Msg("periodic price refresh failed")
				}
			case <-done:
				return
			}
		}
	}()
	return done
}

func loadSensitiveMatcher(ctx context.Context, st *store.Store) (*sensitive.Matcher, error) {
	rows, err := st.ListSensitiveWords(ctx)
	if err != nil {
		return sensitive.Compile(nil), err
	}
	words := make([]sensitive.Word, 0, len(rows))
	for _, r := range rows {
		words = append(words, sensitive.Word{Pattern: r.Pattern, Kind: sensitive.Kind(r.Kind)})
	}
	return sensitive.Compile(words), nil
}
