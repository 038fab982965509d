// FILE: exchange.go
// Package main – Exchange abstractions shared by all execution backends.
//
// This file defines the minimal interface the trading loop needs to talk to
// a spot exchange, plus the normalized market-data types:
//   • Exchange interface: balance, last prices, OHLC, closed orders,
//     limit order placement/cancellation, pair metadata
//   • Common types: Side, Candle, Order, PairInfo
//
// Two concrete implementations live in separate files:
//   • exchange_kraken.go – REST client for Kraken spot
//   • exchange_paper.go  – in-memory paper exchange (tests / dry runs)
//
// Error contract: implementations return an error for transient failures;
// the session loop converts every failure into "skip this pair/session",
// never into a decision on stale data.

package main

import (
	"context"
	"errors"
	"time"
)

var errNoValidPairs = errors.New("no valid pairs after metadata resolution")

// Side is the side of an order or trailing position.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite flips buy<->sell.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Candle is the normalized OHLCV row used everywhere.
type Candle struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Order is a normalized view of a closed (filled) exchange order.
type Order struct {
	ID     string
	Pair   string // altname, e.g. XBTEUR
	Side   Side
	Price  float64 // average execution price
	Volume float64 // executed base volume
	Cost   float64 // executed quote cost
	Closed time.Time
}

// PairInfo is the exchange metadata needed to resolve balances and streams.
type PairInfo struct {
	Altname string
	Primary string
	WSName  string
	Base    string
	Quote   string
}

// Exchange is the minimal surface the bot needs to operate.
type Exchange interface {
	Name() string
	GetBalance(ctx context.Context) (map[string]float64, error)
	GetLastPrices(ctx context.Context, pairs []string) (map[string]float64, error)
	GetOHLC(ctx context.Context, pair string, intervalMin int, since int64) ([]Candle, error)
	GetClosedOrders(ctx context.Context, since, until int64) (map[string]Order, error)
	PlaceLimitOrder(ctx context.Context, pair string, side Side, price, volume float64) (string, error)
	CancelOrder(ctx context.Context, orderID string) (bool, error)
	GetAssetPairs(ctx context.Context) (map[string]PairInfo, error)
}

// resolvePairMeta fills exchange metadata (primary name, base/quote assets)
// for every configured pair. Pairs the exchange does not list are dropped
// with an error log; an empty result is fatal for the caller.
func resolvePairMeta(ctx context.Context, ex Exchange, cfg *Config) error {
	info, err := ex.GetAssetPairs(ctx)
	if err != nil {
		return err
	}
	kept := cfg.PairNames[:0]
	for _, name := range cfg.PairNames {
		pi, ok := info[name]
		if !ok {
			logger.Error().Str("pair", name).Msg("pair not listed on exchange, dropping")
			delete(cfg.Pairs, name)
			continue
		}
		pc := cfg.Pairs[name]
		pc.Primary = pi.Primary
		pc.WSName = pi.WSName
		pc.Base = pi.Base
		pc.Quote = pi.Quote
		kept = append(kept, name)
	}
	cfg.PairNames = kept
	if len(cfg.PairNames) == 0 {
		return errNoValidPairs
	}
	return nil
}
