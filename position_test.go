// FILE: position_test.go
package main

import (
	"math"
	"testing"
)

func TestActivationPriceDirectKAct(t *testing.T) {
	pc := testPair()
	// entry=20000, ATR=100, K_ACT=4.5: sell activates above, buy below
	got, err := activationPrice(&pc.Params, SideSell, 20000, 100, pc.Profile)
	if err != nil {
		t.Fatal(err)
	}
	if got != 20450 {
		t.Errorf("sell activation = %.1f, want 20450", got)
	}
	got, err = activationPrice(&pc.Params, SideBuy, 20000, 100, pc.Profile)
	if err != nil {
		t.Fatal(err)
	}
	if got != 19550 {
		t.Errorf("buy activation = %.1f, want 19550", got)
	}
}

func TestActivationPriceConservativePath(t *testing.T) {
	pc := testPair()
	pc.Params.Sell.KAct = nil
	pc.Params.Sell.MinMargin = 0.003
	// distance = K_STOP*ATR + MIN_MARGIN*entry = 250 + 60
	got, err := activationPrice(&pc.Params, SideSell, 20000, 100, pc.Profile)
	if err != nil {
		t.Fatal(err)
	}
	if got != 20310 {
		t.Errorf("activation = %.1f, want 20310", got)
	}
}

func TestActivationPriceNoCalibration(t *testing.T) {
	pc := testPair()
	pc.Params.Sell.KAct = nil
	pc.Params.Sell.KStop = EmptyKStopTable()
	pc.Params.Buy.KStop = EmptyKStopTable()
	if _, err := activationPrice(&pc.Params, SideSell, 20000, 100, pc.Profile); err == nil {
		t.Error("expected error with empty K_STOP tables")
	}
}

func TestStopPriceTrailing(t *testing.T) {
	pc := testPair()
	tests := []struct {
		name     string
		side     Side
		trailing float64
		want     float64
	}{
		{"sell after activation", SideSell, 20500, 20250},
		{"sell after advance", SideSell, 20800, 20550},
		{"buy mirror", SideBuy, 19500, 19750},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := stopPrice(&pc.Params, tt.side, 20000, tt.trailing, 100, pc.Profile)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("stop = %.1f, want %.1f", got, tt.want)
			}
		})
	}
}

func TestStopPriceMinMarginClamp(t *testing.T) {
	pc := testPair()
	pc.Params.Sell.MinMargin = 0.003 // margin = 60 at entry 20000

	// Trailing barely above entry: space (100-60=40) < K_STOP*ATR (250),
	// so the distance clamps and the stop holds the margin buffer.
	got, err := stopPrice(&pc.Params, SideSell, 20000, 20100, 100, pc.Profile)
	if err != nil {
		t.Fatal(err)
	}
	if got != 20060 {
		t.Errorf("clamped stop = %.1f, want 20060", got)
	}

	// Trailing below entry entirely: space is negative, clamps to zero,
	// stop sits exactly at the trailing reference.
	got, err = stopPrice(&pc.Params, SideSell, 20000, 19900, 100, pc.Profile)
	if err != nil {
		t.Fatal(err)
	}
	if got != 19900 {
		t.Errorf("zero-distance stop = %.1f, want 19900", got)
	}
}

// Ratchet monotonicity: at constant ATR, every favorable trailing advance
// moves the stop in the position's favor, never looser.
func TestStopRatchetMonotonic(t *testing.T) {
	pc := testPair()
	prev := math.Inf(-1)
	for trailing := 20500.0; trailing <= 21500; trailing += 50 {
		stop, err := stopPrice(&pc.Params, SideSell, 20000, trailing, 100, pc.Profile)
		if err != nil {
			t.Fatal(err)
		}
		if stop < prev {
			t.Fatalf("stop loosened: %.1f after %.1f at trailing %.1f", stop, prev, trailing)
		}
		prev = stop
	}
}

func TestCrossingPredicates(t *testing.T) {
	if !activationHit(SideSell, 20500, 20450) || activationHit(SideSell, 20400, 20450) {
		t.Error("sell activation crossing wrong")
	}
	if !activationHit(SideBuy, 19500, 19550) || activationHit(SideBuy, 19600, 19550) {
		t.Error("buy activation crossing wrong")
	}
	if !stopHit(SideSell, 20540, 20550) || stopHit(SideSell, 20560, 20550) {
		t.Error("sell stop crossing wrong")
	}
	if !stopHit(SideBuy, 19760, 19750) || stopHit(SideBuy, 19740, 19750) {
		t.Error("buy stop crossing wrong")
	}
	if !favorableMove(SideSell, 20800, 20500) || favorableMove(SideSell, 20500, 20500) {
		t.Error("sell favorable move wrong")
	}
}

func TestATRDrifted(t *testing.T) {
	tests := []struct {
		stored, atr float64
		want        bool
	}{
		{100, 100, false},
		{81, 100, false},  // just inside the -20% band
		{79, 100, true},   // below
		{119, 100, false}, // just inside the +20% band
		{121, 100, true},  // above
	}
	for _, tt := range tests {
		if got := atrDrifted(tt.stored, tt.atr, 0.20); got != tt.want {
			t.Errorf("atrDrifted(%.0f, %.0f) = %v, want %v", tt.stored, tt.atr, got, tt.want)
		}
	}
}

func TestPnlPct(t *testing.T) {
	if got := pnlPct(SideSell, 20000, 20550); got != 2.75 {
		t.Errorf("sell pnl = %.4f, want 2.75", got)
	}
	if got := pnlPct(SideBuy, 20000, 19500); got != 2.5 {
		t.Errorf("buy pnl = %.4f, want 2.5", got)
	}
	if got := pnlPct(SideSell, 20000, 19800); got != -1 {
		t.Errorf("losing sell pnl = %.4f, want -1", got)
	}
}
