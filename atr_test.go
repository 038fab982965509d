// FILE: atr_test.go
package main

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"
)

func TestComputeATR(t *testing.T) {
	bars := []Bar{
		{High: 12, Low: 8, Close: 10},  // TR = 4
		{High: 14, Low: 11, Close: 13}, // TR = max(3, 4, 1) = 4
		{High: 13, Low: 7, Close: 9},   // TR = max(6, 0, 6) = 6
		{High: 10, Low: 9, Close: 10},  // TR = max(1, 1, 0) = 1
	}
	computeATR(bars, 2)
	if !math.IsNaN(bars[0].ATR) {
		t.Error("warmup bar should have NaN ATR")
	}
	want := []float64{4, 5, 3.5}
	for i, w := range want {
		if got := bars[i+1].ATR; math.Abs(got-w) > 1e-12 {
			t.Errorf("ATR[%d] = %.4f, want %.4f", i+1, got, w)
		}
	}
}

func TestVolatilityProfileClassify(t *testing.T) {
	prof := VolatilityProfile{P20: 50, P50: 150, P80: 300, P95: 500}
	tests := []struct {
		atr  float64
		want VolLevel
	}{
		{10, VolLL},
		{49.99, VolLL},
		{50, VolLV},
		{149, VolLV},
		{150, VolMV},
		{299, VolMV},
		{300, VolHV},
		{499, VolHV},
		{500, VolHH},
		{10000, VolHH},
	}
	for _, tt := range tests {
		if got := prof.Classify(tt.atr); got != tt.want {
			t.Errorf("Classify(%.2f) = %s, want %s", tt.atr, got, tt.want)
		}
	}
}

func TestVolatilityProfileBandsCoverAxis(t *testing.T) {
	prof := VolatilityProfile{P20: 50, P50: 150, P80: 300, P95: 500}
	prevHi := 0.0
	for lvl := VolLL; lvl < numVolLevels; lvl++ {
		lo, hi := prof.Band(lvl)
		if lo != prevHi {
			t.Errorf("band %s starts at %.1f, want %.1f", lvl, lo, prevHi)
		}
		if hi <= lo {
			t.Errorf("band %s is empty: [%.1f, %.1f)", lvl, lo, hi)
		}
		prevHi = hi
	}
	if !math.IsInf(prevHi, 1) {
		t.Error("top band must be unbounded")
	}
}

func TestBarsCSVRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "XBTEUR_ohlc_15min.csv")
	bars := []Bar{
		{Time: mkTime(0), Open: 100, High: 105, Low: 98, Close: 103, Volume: 1.5, ATR: math.NaN()},
		{Time: mkTime(1), Open: 103, High: 110, Low: 101, Close: 109, Volume: 2.25, ATR: 6.5},
	}
	if err := saveBars(path, bars); err != nil {
		t.Fatal(err)
	}
	got, err := loadBars(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(bars) {
		t.Fatalf("got %d bars, want %d", len(got), len(bars))
	}
	for i := range bars {
		w, g := bars[i], got[i]
		if !g.Time.Equal(w.Time) || g.Open != w.Open || g.High != w.High ||
			g.Low != w.Low || g.Close != w.Close || g.Volume != w.Volume {
			t.Errorf("bar %d = %+v, want %+v", i, g, w)
		}
	}
	if !math.IsNaN(got[0].ATR) {
		t.Error("empty ATR cell should load as NaN")
	}
	if got[1].ATR != 6.5 {
		t.Errorf("ATR = %.2f, want 6.5", got[1].ATR)
	}
}

func TestRefreshATRAppendsAndPersists(t *testing.T) {
	cfg := testConfig(t)
	cfg.ATRPeriod = 2
	ex := NewPaperExchange()

	// Recent timestamps so the lookback trim keeps everything.
	base := time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Minute)
	at := func(i int) time.Time { return base.Add(time.Duration(i) * 15 * time.Minute) }

	seed := []Bar{
		{Time: at(0), Open: 100, High: 100, Low: 100, Close: 100, Volume: 1, ATR: math.NaN()},
		{Time: at(1), Open: 100, High: 101, Low: 100, Close: 101, Volume: 1, ATR: math.NaN()},
	}
	if err := saveBars(dataFilePath(cfg, "XBTEUR"), seed); err != nil {
		t.Fatal(err)
	}
	ex.Candles["XBTEUR"] = []Candle{
		{Time: at(2), Open: 101, High: 106, Low: 100, Close: 105, Volume: 1},
		{Time: at(3), Open: 105, High: 112, Low: 104, Close: 111, Volume: 1},
	}

	atr, bars, err := refreshATR(context.Background(), ex, cfg, "XBTEUR")
	if err != nil {
		t.Fatal(err)
	}
	if len(bars) != 4 {
		t.Fatalf("got %d bars, want 4", len(bars))
	}
	// period 2: TR(at 2)=6, TR(at 3)=8, rolling mean 7
	if math.Abs(atr-7) > 1e-12 {
		t.Errorf("atr = %v, want 7", atr)
	}
	// The refreshed window must be persisted with ATR values.
	reloaded, err := loadBars(dataFilePath(cfg, "XBTEUR"))
	if err != nil {
		t.Fatal(err)
	}
	if len(reloaded) != 4 {
		t.Errorf("persisted window has %d bars, want 4", len(reloaded))
	}
	if got := reloaded[3].ATR; math.Abs(got-7) > 1e-12 {
		t.Errorf("persisted ATR = %v, want 7", got)
	}
}

func TestRefreshATRFetchFailure(t *testing.T) {
	cfg := testConfig(t)
	ex := NewPaperExchange()
	ex.FailNextOHLC = true
	if _, _, err := refreshATR(context.Background(), ex, cfg, "XBTEUR"); err == nil {
		t.Error("expected error when the OHLC fetch fails")
	}
}
