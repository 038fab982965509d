// FILE: exchange_paper.go
package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// PaperExchange is an in-memory Exchange used by tests and dry runs.
// Prices, candles, balances and closed orders are scripted by the caller;
// placed orders are recorded rather than executed. FailNext* flags inject a
// one-shot failure for the matching call, which the engine must treat as
// "retry next session".
type PaperExchange struct {
	mu sync.Mutex

	Balances  map[string]float64
	Prices    map[string]float64
	Candles   map[string][]Candle
	Closed    map[string]Order
	PairMeta  map[string]PairInfo
	Placed    []Order
	nextOrder int

	FailNextBalance bool
	FailNextPrices  bool
	FailNextOHLC    bool
	FailNextPlace   bool
}

func NewPaperExchange() *PaperExchange {
	return &PaperExchange{
		Balances: map[string]float64{},
		Prices:   map[string]float64{},
		Candles:  map[string][]Candle{},
		Closed:   map[string]Order{},
		PairMeta: map[string]PairInfo{},
	}
}

func (p *PaperExchange) Name() string { return "paper" }

func (p *PaperExchange) GetBalance(ctx context.Context) (map[string]float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailNextBalance {
		p.FailNextBalance = false
		return nil, errors.New("paper: scripted balance failure")
	}
	out := make(map[string]float64, len(p.Balances))
	for k, v := range p.Balances {
		out[k] = v
	}
	return out, nil
}

func (p *PaperExchange) GetLastPrices(ctx context.Context, pairs []string) (map[string]float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailNextPrices {
		p.FailNextPrices = false
		return nil, errors.New("paper: scripted price failure")
	}
	out := make(map[string]float64, len(pairs))
	for _, pair := range pairs {
		if v, ok := p.Prices[pair]; ok {
			out[pair] = v
		}
	}
	return out, nil
}

func (p *PaperExchange) GetOHLC(ctx context.Context, pair string, intervalMin int, since int64) ([]Candle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailNextOHLC {
		p.FailNextOHLC = false
		return nil, errors.New("paper: scripted ohlc failure")
	}
	var out []Candle
	for _, c := range p.Candles[pair] {
		if since > 0 && !c.Time.After(time.Unix(since, 0)) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (p *PaperExchange) GetClosedOrders(ctx context.Context, since, until int64) (map[string]Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]Order, len(p.Closed))
	for id, o := range p.Closed {
		ts := o.Closed.Unix()
		if ts < since || ts > until {
			continue
		}
		out[id] = o
	}
	return out, nil
}

func (p *PaperExchange) PlaceLimitOrder(ctx context.Context, pair string, side Side, price, volume float64) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailNextPlace {
		p.FailNextPlace = false
		return "", errors.New("paper: scripted order failure")
	}
	p.nextOrder++
	id := fmt.Sprintf("PAPER-%06d", p.nextOrder)
	p.Placed = append(p.Placed, Order{ID: id, Pair: pair, Side: side, Price: price, Volume: volume, Cost: price * volume})
	return id, nil
}

func (p *PaperExchange) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	return true, nil
}

func (p *PaperExchange) GetAssetPairs(ctx context.Context) (map[string]PairInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]PairInfo, len(p.PairMeta))
	for k, v := range p.PairMeta {
		out[k] = v
	}
	return out, nil
}

// DryRunExchange wraps a real exchange for DRY_RUN mode: all reads pass
// through (real balances, prices, candles), but order placement and
// cancellation are logged no-ops with synthetic IDs.
type DryRunExchange struct {
	Exchange
	mu        sync.Mutex
	nextOrder int
}

func NewDryRunExchange(real Exchange) *DryRunExchange {
	return &DryRunExchange{Exchange: real}
}

func (d *DryRunExchange) Name() string { return "dry-run:" + d.Exchange.Name() }

func (d *DryRunExchange) PlaceLimitOrder(ctx context.Context, pair string, side Side, price, volume float64) (string, error) {
	d.mu.Lock()
	d.nextOrder++
	id := fmt.Sprintf("DRY-%06d", d.nextOrder)
	d.mu.Unlock()
	logger.Info().Str("pair", pair).Str("side", string(side)).
		Float64("price", price).Float64("volume", volume).
		Str("order", id).Msg("dry run: limit order not sent")
	return id, nil
}

func (d *DryRunExchange) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	logger.Info().Str("order", orderID).Msg("dry run: cancel not sent")
	return true, nil
}
