// FILE: inventory.go
// Package main – Portfolio accounting and position sizing.
//
// Sizing is allocation-driven: every pair has a TARGET_PCT share of the
// portfolio, a HODL_PCT core that is never offered for sale, and an optional
// MIN_ALLOCATION floor guarding sell-closes. All values are computed in the
// quote (fiat) currency from the last balance and price snapshot.

package main

import "math"

// fiatBalance returns the free fiat amount.
func fiatBalance(cfg *Config, balance map[string]float64) float64 {
	return balance[cfg.FiatCode]
}

// portfolioValue is fiat plus every tracked base asset marked to last price.
// Assets without a price quote are skipped rather than guessed.
func portfolioValue(cfg *Config, balance, lastPrices map[string]float64) float64 {
	total := fiatBalance(cfg, balance)
	for _, name := range cfg.PairNames {
		pc := cfg.Pairs[name]
		amount := balance[pc.Base]
		if amount <= 0 {
			continue
		}
		price, ok := lastPrices[name]
		if !ok {
			continue
		}
		total += amount * price
	}
	return total
}

// availableFiat is the fiat balance minus fiat reserved by pending buy
// positions of other pairs (their buy-back needs the cash when they close).
func availableFiat(cfg *Config, balance, lastPrices map[string]float64, trailing map[string]*Position, excludePair string) float64 {
	avail := fiatBalance(cfg, balance)
	for pair, pos := range trailing {
		if pair == excludePair || pos == nil || pos.Side != SideBuy {
			continue
		}
		price, ok := lastPrices[pair]
		if !ok {
			continue
		}
		if pos.Volume > 0 && price > 0 {
			avail -= pos.Volume * price
		}
	}
	return math.Max(0, avail)
}

// pairValues returns the target, current and hodl values of one pair.
func pairValues(cfg *Config, pc *PairConfig, balance, lastPrices map[string]float64) (target, current, hodl float64) {
	pv := portfolioValue(cfg, balance, lastPrices)
	target = pc.TargetPct / 100.0 * pv
	current = balance[pc.Base] * lastPrices[pc.Name]
	hodl = pc.HodlPct / 100.0 * target
	return target, current, hodl
}

// calculatePosition sizes the next operation for a pair.
//
// Sell capacity is the value held above the hodl core; buy capacity is the
// shortfall to target, capped by fiat not reserved elsewhere. With
// forceSide != "" the caller dictates the side (used when closing an
// existing position); otherwise the larger capacity wins.
func calculatePosition(cfg *Config, pc *PairConfig, balance, lastPrices map[string]float64, trailing map[string]*Position, forceSide Side) (Side, float64) {
	target, current, hodl := pairValues(cfg, pc, balance, lastPrices)

	sellValue := math.Max(0, current-hodl)
	buyValue := math.Max(0, math.Min(
		math.Max(0, target-current),
		availableFiat(cfg, balance, lastPrices, trailing, pc.Name),
	))

	switch forceSide {
	case SideBuy:
		return SideBuy, buyValue
	case SideSell:
		return SideSell, sellValue
	}
	if buyValue > sellValue {
		return SideBuy, buyValue
	}
	return SideSell, sellValue
}

// sellAllocationOK is the inventory gate evaluated before a sell-close: the
// pair's asset allocation after selling value worth of base must stay at or
// above the MIN_ALLOCATION floor. A blocked sell is not an error; the close
// simply re-evaluates next session.
func sellAllocationOK(cfg *Config, pc *PairConfig, balance, lastPrices map[string]float64, sellValue float64) bool {
	if pc.MinAllocation <= 0 {
		return true
	}
	pv := portfolioValue(cfg, balance, lastPrices)
	if pv <= 0 {
		return false
	}
	current := balance[pc.Base] * lastPrices[pc.Name]
	postSale := current - sellValue
	return postSale/pv >= pc.MinAllocation
}
