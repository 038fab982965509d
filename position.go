// FILE: position.go
// Package main – Trailing position model and price formulas.
//
// A Position is the shadow order the engine manages after a fill: it waits
// for a favorable excursion past activation_price, then ratchets stop_price
// behind the best price seen. StopPrice == 0 means "pending activation";
// the activated state is exactly "has a stop".
//
// All price math lives here so the live engine and the backtester share one
// set of formulas (the backtest is only trustworthy if it reproduces these
// bar-by-bar).

package main

import (
	"fmt"
	"math"
	"time"
)

// Position is one trailing position. Persisted as JSON keyed by pair.
type Position struct {
	ID   string `json:"id"`
	Side Side   `json:"side"`

	EntryPrice float64 `json:"entry_price"`
	Volume     float64 `json:"volume"`
	Cost       float64 `json:"cost"`

	ActivationPrice float64 `json:"activation_price"`
	ActivationATR   float64 `json:"activation_atr"`

	// Set on activation, zero while pending.
	TrailingPrice float64 `json:"trailing_price,omitempty"`
	StopPrice     float64 `json:"stop_price,omitempty"`
	StopATR       float64 `json:"stop_atr,omitempty"`

	Created   time.Time  `json:"creation_time"`
	Activated *time.Time `json:"activation_time,omitempty"`

	// Filled when the position closes, just before it moves to the
	// closed-positions store.
	ClosingPrice float64    `json:"closing_price,omitempty"`
	ClosingOrder string     `json:"closing_order,omitempty"`
	ClosingTime  *time.Time `json:"closing_time,omitempty"`
	Pnl          float64    `json:"pnl,omitempty"`
}

// Active reports whether the trailing stop has been armed.
func (p *Position) Active() bool { return p.StopPrice != 0 }

func (p *Position) String() string {
	state := "pending"
	if p.Active() {
		state = fmt.Sprintf("active trail=%.1f stop=%.1f", p.TrailingPrice, p.StopPrice)
	}
	return fmt.Sprintf("%s entry=%.1f vol=%.8f activation=%.1f %s",
		p.Side, p.EntryPrice, p.Volume, p.ActivationPrice, state)
}

// activationPrice computes the favorable-excursion trigger for a position.
//
// With K_ACT configured the distance is simply K_ACT*ATR (zero means
// immediate activation). Without it, the conservative path requires the move
// to cover the calibrated stop distance plus a minimum profit buffer:
// K_STOP*ATR + MIN_MARGIN*entry. Favorable is up for a sell (ride the rally
// before selling) and down for a buy (wait out the dip before buying back).
func activationPrice(pp *PairParams, side Side, entry, atr float64, prof VolatilityProfile) (float64, error) {
	sp := pp.BySide(side)
	var dist float64
	if sp.KAct != nil {
		dist = *sp.KAct * atr
	} else {
		k, _, ok := getKStop(pp, side, prof, atr)
		if !ok {
			return 0, fmt.Errorf("no K_STOP calibrated for %s side", side)
		}
		dist = k*atr + sp.MinMargin*entry
	}
	if side == SideSell {
		return entry + dist, nil
	}
	return entry - dist, nil
}

// stopPrice computes the trailing stop from the reference price.
//
// Base distance is K_STOP*ATR. With MIN_MARGIN set the distance is clamped
// so the stop never sits closer to entry than the margin buffer: the stop
// may tighten toward the trailing reference but never give back the
// configured minimum profit.
func stopPrice(pp *PairParams, side Side, entry, trailingRef, atr float64, prof VolatilityProfile) (float64, error) {
	sp := pp.BySide(side)
	k, _, ok := getKStop(pp, side, prof, atr)
	if !ok {
		return 0, fmt.Errorf("no K_STOP calibrated for %s side", side)
	}
	dist := k * atr
	if margin := sp.MinMargin * entry; margin != 0 {
		var space float64
		if side == SideSell {
			space = (trailingRef - entry) - margin
		} else {
			space = (entry - trailingRef) - margin
		}
		dist = math.Min(dist, math.Max(0, space))
	}
	if side == SideSell {
		return trailingRef - dist, nil
	}
	return trailingRef + dist, nil
}

// activationHit reports whether price has crossed the activation trigger in
// the position's favor.
func activationHit(side Side, price, activation float64) bool {
	if side == SideSell {
		return price >= activation
	}
	return price <= activation
}

// favorableMove reports whether price improves on the stored trailing
// reference (the ratchet condition).
func favorableMove(side Side, price, trailing float64) bool {
	if side == SideSell {
		return price > trailing
	}
	return price < trailing
}

// stopHit reports whether price has crossed the stop adversely.
func stopHit(side Side, price, stop float64) bool {
	if side == SideSell {
		return price <= stop
	}
	return price >= stop
}

// atrDrifted reports whether storedATR has left the deviation band around
// the current ATR, which forces a recalibration of the derived price.
func atrDrifted(storedATR, atr, desvLimit float64) bool {
	return storedATR < atr*(1-desvLimit) || storedATR > atr*(1+desvLimit)
}

// pnlPct is the percentage result of closing at execPrice versus entry.
// A sell closes above entry for profit; a buy-back below entry.
func pnlPct(side Side, entry, execPrice float64) float64 {
	if entry == 0 {
		return 0
	}
	if side == SideSell {
		return (execPrice - entry) / entry * 100
	}
	return (entry - execPrice) / entry * 100
}
