// FILE: live.go
// Package main – Live session loop.
//
// One session every SLEEPING_INTERVAL seconds:
//   1. skip entirely while paused (Telegram /pause)
//   2. fetch balance and last prices; a failure skips the whole session
//   3. per pair: refresh the candle window and ATR; a failure skips that
//      pair only; recalibrate on the configured cadence
//   4. ingest newly filled orders, update every position, persist state
//
// Every decision in a session uses the snapshot fetched at its start; the
// websocket ticker only feeds the runtime view, never the engine.

package main

import (
	"context"
	"time"
)

// closedOrderLookback bounds the ClosedOrders query window.
const closedOrderLookback = 7 * 24 * time.Hour

// runLive drives sessions until ctx is cancelled.
func runLive(ctx context.Context, ex Exchange, cfg *Config, rt *Runtime) error {
	engine, err := NewEngine(cfg, ex, rt)
	if err != nil {
		return err
	}

	// First session calibrates unconditionally so the K_STOP tables exist
	// before any position math runs.
	session := 0
	interval := time.Duration(cfg.SessionInterval) * time.Second
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("session loop stopped")
			return nil
		case <-timer.C:
		}
		if rt.Paused() {
			logger.Info().Msg("paused, skipping session")
			timer.Reset(interval)
			continue
		}
		runSession(ctx, ex, cfg, rt, engine, session)
		session++
		timer.Reset(interval)
	}
}

func runSession(ctx context.Context, ex Exchange, cfg *Config, rt *Runtime, engine *Engine, session int) {
	logger.Info().Int("session", session).Msg("======== starting session ========")

	balance, err := ex.GetBalance(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("balance fetch failed, skipping session")
		mtxSessionErrors.Inc()
		return
	}
	rt.SetBalance(balance)

	lastPrices, err := ex.GetLastPrices(ctx, cfg.PairNames)
	if err != nil {
		logger.Error().Err(err).Msg("price fetch failed, skipping session")
		mtxSessionErrors.Inc()
		return
	}

	calibrate := session%cfg.CalibrationSessions == 0
	atrs := make(map[string]float64, len(cfg.PairNames))
	for _, name := range cfg.PairNames {
		pc := cfg.Pairs[name]
		atr, bars, err := refreshATR(ctx, ex, cfg, name)
		if err != nil {
			logger.Error().Err(err).Str("pair", name).Msg("ATR refresh failed, pair skipped")
			continue
		}
		if calibrate || !pc.Profile.Valid() {
			if err := calibratePair(pc, bars, cfg.PivotOrder, cfg.MinimumChangePct); err != nil {
				logger.Error().Err(err).Str("pair", name).Msg("calibration failed, pair skipped")
				continue
			}
		}
		atrs[name] = atr
		mtxLastATR.WithLabelValues(name).Set(atr)
		snap := PairSnapshot{ATR: atr, Level: pc.Profile.Classify(atr)}
		if p, ok := lastPrices[name]; ok {
			snap.Price = p
		}
		rt.SetPairData(name, snap)
	}

	now := time.Now()
	since := now.Add(-closedOrderLookback).Unix()
	until := now.Add(-time.Minute).Unix()
	orders, err := ex.GetClosedOrders(ctx, since, until)
	if err != nil {
		logger.Error().Err(err).Msg("closed orders fetch failed, ingestion skipped")
	} else {
		engine.ProcessClosedOrders(orders, atrs)
	}

	engine.UpdatePositions(ctx, balance, lastPrices, atrs)
	engine.persist()
	mtxSessions.Inc()
}
