// FILE: inventory_test.go
package main

import (
	"math"
	"testing"
)

func TestPortfolioValue(t *testing.T) {
	cfg := testConfig(t)
	balance := map[string]float64{"ZEUR": 1000, "XXBT": 0.5}
	prices := map[string]float64{"XBTEUR": 20000}
	if pv := portfolioValue(cfg, balance, prices); pv != 11000 {
		t.Errorf("pv = %.1f, want 11000", pv)
	}
	// Asset without a quote is skipped, not guessed.
	if pv := portfolioValue(cfg, balance, map[string]float64{}); pv != 1000 {
		t.Errorf("pv without quote = %.1f, want fiat only", pv)
	}
}

func TestCalculatePositionSides(t *testing.T) {
	cfg := testConfig(t)
	pc := cfg.Pairs["XBTEUR"]
	prices := map[string]float64{"XBTEUR": 20000}

	// Overweight: held 10000 with no hodl core is all sell capacity, and the
	// buy shortfall to target (5500) is zero, so sell 10000 wins.
	balance := map[string]float64{"ZEUR": 1000, "XXBT": 0.5}
	side, value := calculatePosition(cfg, pc, balance, prices, nil, "")
	if side != SideSell || value != 10000 {
		t.Errorf("got %s %.1f, want sell 10000", side, value)
	}

	// Underweight: pv 10000, target 5000, held 2000 -> buy 3000, fiat covers.
	balance = map[string]float64{"ZEUR": 8000, "XXBT": 0.1}
	side, value = calculatePosition(cfg, pc, balance, prices, nil, "")
	if side != SideBuy || value != 3000 {
		t.Errorf("got %s %.1f, want buy 3000", side, value)
	}

	// Forced side returns that side's capacity even when the other is larger.
	side, value = calculatePosition(cfg, pc, balance, prices, nil, SideSell)
	if side != SideSell || value != 2000 {
		t.Errorf("forced sell = %s %.1f, want sell 2000 (no hodl core)", side, value)
	}
}

func TestCalculatePositionHodlCore(t *testing.T) {
	cfg := testConfig(t)
	pc := cfg.Pairs["XBTEUR"]
	pc.HodlPct = 50
	prices := map[string]float64{"XBTEUR": 20000}
	balance := map[string]float64{"ZEUR": 1000, "XXBT": 0.5}

	// pv 11000, target 5500, hodl 2750: sell capacity is held above the core.
	_, value := calculatePosition(cfg, pc, balance, prices, nil, SideSell)
	if value != 7250 {
		t.Errorf("sell capacity = %.1f, want 10000-2750", value)
	}
}

func TestAvailableFiatReservesPendingBuys(t *testing.T) {
	cfg := testConfig(t)
	balance := map[string]float64{"ZEUR": 5000}
	prices := map[string]float64{"XBTEUR": 20000, "ETHEUR": 2000}
	trailing := map[string]*Position{
		"ETHEUR": {Side: SideBuy, Volume: 2},            // reserves 4000
		"XBTEUR": {Side: SideBuy, Volume: 1},            // excluded pair
		"SOLEUR": {Side: SideSell, Volume: 10},          // sells reserve nothing
		"ADAEUR": {Side: SideBuy, Volume: 3},            // no price, skipped
	}
	if got := availableFiat(cfg, balance, prices, trailing, "XBTEUR"); got != 1000 {
		t.Errorf("available = %.1f, want 1000", got)
	}

	// Reservations larger than the balance floor at zero.
	trailing["ETHEUR"].Volume = 5
	if got := availableFiat(cfg, balance, prices, trailing, "XBTEUR"); got != 0 {
		t.Errorf("available = %.1f, want 0", got)
	}
}

func TestBuyCappedByReservedFiat(t *testing.T) {
	cfg := testConfig(t)
	pc := cfg.Pairs["XBTEUR"]
	prices := map[string]float64{"XBTEUR": 20000, "ETHEUR": 2000}
	balance := map[string]float64{"ZEUR": 8000, "XXBT": 0.1}
	trailing := map[string]*Position{
		"ETHEUR": {Side: SideBuy, Volume: 3}, // reserves 6000 of the 8000
	}

	// Shortfall to target is 3000 but only 2000 fiat is free.
	_, value := calculatePosition(cfg, pc, balance, prices, trailing, SideBuy)
	if value != 2000 {
		t.Errorf("buy capacity = %.1f, want 2000", value)
	}
}

func TestSellAllocationOK(t *testing.T) {
	cfg := testConfig(t)
	pc := cfg.Pairs["XBTEUR"]
	prices := map[string]float64{"XBTEUR": 20000}
	balance := map[string]float64{"ZEUR": 1000, "XXBT": 0.5}

	// No floor configured: always allowed.
	if !sellAllocationOK(cfg, pc, balance, prices, 10000) {
		t.Error("zero floor must allow any sell")
	}

	pc.MinAllocation = 0.30
	// pv 11000, held 10000: selling 6000 leaves 4000/11000 = 36% -> ok.
	if !sellAllocationOK(cfg, pc, balance, prices, 6000) {
		t.Error("sell leaving 36% should pass a 30% floor")
	}
	// Selling 8000 leaves 2000/11000 = 18% -> blocked.
	if sellAllocationOK(cfg, pc, balance, prices, 8000) {
		t.Error("sell leaving 18% should fail a 30% floor")
	}
	// Boundary: exactly at the floor passes.
	if !sellAllocationOK(cfg, pc, balance, prices, 10000-0.30*11000) {
		t.Error("sell landing exactly on the floor should pass")
	}
	if got := math.Abs(10000 - 0.30*11000 - 6700); got > 1e-9 {
		t.Fatalf("test arithmetic drifted: %.4f", got)
	}
}
