// FILE: main.go
// Package main – Entry point and mode dispatch.
//
// Modes (mutually exclusive):
//
//	botc -live                          run trading sessions until stopped
//	botc -calibrate PAIR=XBTEUR         print the noise study for one pair
//	botc -backtest  PAIR=XBTEUR ...     simulate the window, print operations
//	botc -optimize  PAIR=XBTEUR MODE=.. exhaustive parameter search
//
// Trailing KEY=value arguments override the environment, so a .env file and
// ad-hoc CLI runs share one configuration surface. Live mode serves /metrics
// and /healthz on PORT and shuts down cleanly on SIGINT/SIGTERM: the current
// session finishes persisting before the process exits.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	var (
		liveMode      = flag.Bool("live", false, "run the live trading loop")
		calibrateMode = flag.Bool("calibrate", false, "run the calibration study and exit")
		backtestMode  = flag.Bool("backtest", false, "run a backtest and exit")
		optimizeMode  = flag.Bool("optimize", false, "run the parameter optimizer and exit")
		interval      = flag.Int("interval", 0, "override SLEEPING_INTERVAL seconds")
	)
	flag.Parse()

	loadBotEnv()
	parseKVArgs(flag.Args())
	initLogging()

	modes := 0
	for _, m := range []bool{*liveMode, *calibrateMode, *backtestMode, *optimizeMode} {
		if m {
			modes++
		}
	}
	if modes != 1 {
		fmt.Fprintln(os.Stderr, "exactly one of -live, -calibrate, -backtest, -optimize is required")
		flag.Usage()
		os.Exit(2)
	}

	cfg := loadConfigFromEnv()
	if *interval > 0 {
		cfg.SessionInterval = *interval
	}
	if err := cfg.validate(*liveMode); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ex, err := buildExchange(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("exchange setup failed")
	}
	if err := resolvePairMeta(ctx, ex, cfg); err != nil {
		logger.Fatal().Err(err).Msg("pair metadata resolution failed")
	}
	cfg.logSummary()

	switch {
	case *calibrateMode:
		exitOn(runCalibrate(ctx, ex, cfg))
	case *backtestMode:
		exitOn(runBacktest(ctx, ex, cfg))
	case *optimizeMode:
		exitOn(runOptimize(ctx, ex, cfg))
	case *liveMode:
		runLiveMode(ctx, ex, cfg)
	}
}

func exitOn(err error) {
	if err != nil {
		logger.Fatal().Err(err).Msg("run failed")
	}
}

// buildExchange picks the execution backend. DRY_RUN wraps the real client
// so market data stays live while order placement becomes a logged no-op.
func buildExchange(cfg *Config) (Exchange, error) {
	kraken, err := NewKrakenExchange(cfg.KrakenKey, cfg.KrakenSecret)
	if err != nil {
		return nil, err
	}
	if cfg.DryRun {
		logger.Warn().Msg("DRY_RUN enabled: orders are recorded, not sent")
		return NewDryRunExchange(kraken), nil
	}
	return kraken, nil
}

func runLiveMode(ctx context.Context, ex Exchange, cfg *Config) {
	rt := NewRuntime()

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port)}
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	go func() {
		logger.Info().Int("port", cfg.Port).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server failed")
		}
	}()

	if cfg.TelegramToken != "" && cfg.AllowedUserID != 0 {
		bot := NewTelegramBot(cfg, rt)
		notifier = bot
		go bot.Run(ctx)
	} else {
		logger.Info().Msg("telegram disabled (no token or user id)")
	}
	if cfg.UseWSTicker {
		go runTicker(ctx, cfg, rt)
	}

	if err := runLive(ctx, ex, cfg, rt); err != nil {
		logger.Error().Err(err).Msg("live loop failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	logger.Info().Msg("shutdown complete")
}
