// FILE: ticker.go
// Package main – Optional Kraken websocket ticker feed.
//
// Subscribes to the v2 ticker channel for every tracked pair and pushes the
// last trade price into the Runtime snapshot. The feed is a freshness layer
// for the control surface only: the session loop always fetches its own
// price snapshot, so a stalled or lagging stream can never influence a
// trading decision.

package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
)

const (
	krakenWSURL  = "wss://ws.kraken.com/v2"
	wsReadLimit  = 1 << 20
	wsReadWait   = 30 * time.Second
	wsPingPeriod = 20 * time.Second
)

// runTicker maintains the websocket connection until ctx is cancelled,
// reconnecting with a capped backoff on any failure.
func runTicker(ctx context.Context, cfg *Config, rt *Runtime) {
	// wsname -> altname for routing ticker events back to config keys
	wsToAlt := make(map[string]string, len(cfg.PairNames))
	wsNames := make([]string, 0, len(cfg.PairNames))
	for _, name := range cfg.PairNames {
		pc := cfg.Pairs[name]
		if pc.WSName == "" {
			continue
		}
		wsToAlt[pc.WSName] = name
		wsNames = append(wsNames, pc.WSName)
	}
	if len(wsNames) == 0 {
		logger.Warn().Msg("ticker: no websocket names resolved, feed disabled")
		return
	}

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		err := streamTicker(ctx, wsNames, wsToAlt, rt)
		if ctx.Err() != nil {
			logger.Info().Msg("ticker stopped")
			return
		}
		logger.Warn().Err(err).Dur("backoff", backoff).Msg("ticker disconnected, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func streamTicker(ctx context.Context, wsNames []string, wsToAlt map[string]string, rt *Runtime) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, krakenWSURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	conn.SetReadLimit(wsReadLimit)

	sub := map[string]any{
		"method": "subscribe",
		"params": map[string]any{
			"channel": "ticker",
			"symbol":  wsNames,
		},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}
	logger.Info().Strs("symbols", wsNames).Msg("ticker subscribed")

	// Close the connection when ctx ends so the read loop unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
		}
	}()

	type tickerEvent struct {
		Channel string `json:"channel"`
		Data    []struct {
			Symbol string  `json:"symbol"`
			Last   float64 `json:"last"`
		} `json:"data"`
	}
	for {
		conn.SetReadDeadline(time.Now().Add(wsReadWait))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var ev tickerEvent
		if err := json.Unmarshal(msg, &ev); err != nil || ev.Channel != "ticker" {
			continue
		}
		for _, d := range ev.Data {
			alt, ok := wsToAlt[d.Symbol]
			if !ok || d.Last <= 0 {
				continue
			}
			rt.SetPrice(alt, d.Last)
			mtxLastPrice.WithLabelValues(alt).Set(d.Last)
		}
	}
}
