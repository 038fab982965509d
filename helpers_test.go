// FILE: helpers_test.go
package main

import (
	"testing"
	"time"
)

// testConfig returns a config with one calibrated pair (XBTEUR) and all
// stores pointed at a temp dir.
func testConfig(t *testing.T) *Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &Config{
		PairNames: []string{"XBTEUR"},
		Pairs:     map[string]*PairConfig{},
		FiatCode:  "ZEUR",

		CandleInterval: 15,
		ATRPeriod:      14,
		MarketDataDays: 60,

		ATRDesvLimit:     0.20,
		MergeTolerance:   0.01,
		MinValue:         10,
		PivotOrder:       20,
		MinimumChangePct: 0.015,

		SessionInterval:     60,
		CalibrationSessions: 1440,

		DataDir:    dir,
		StateFile:  dir + "/trailing_state.json",
		ClosedFile: dir + "/closed_positions.json",
		OrdersFile: dir + "/processed_orders.json",
	}
	cfg.Pairs["XBTEUR"] = testPair()
	return cfg
}

// testPair builds a fully calibrated pair: K_ACT=4.5 and K_STOP=2.5 at every
// level, MIN_MARGIN off.
func testPair() *PairConfig {
	pc := &PairConfig{
		Name:      "XBTEUR",
		Base:      "XXBT",
		Quote:     "ZEUR",
		TargetPct: 50,
	}
	kAct := 4.5
	for _, side := range []Side{SideBuy, SideSell} {
		sp := pc.Params.BySide(side)
		v := kAct
		sp.KAct = &v
		sp.MinMargin = 0
		sp.KStop = EmptyKStopTable()
		for i := VolLL; i < numVolLevels; i++ {
			sp.KStop[i] = 2.5
			sp.StopPcts[i] = 0.75
		}
	}
	pc.Profile = VolatilityProfile{P20: 50, P50: 150, P80: 300, P95: 500}
	return pc
}

func mkTime(i int) time.Time {
	return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * 15 * time.Minute)
}

// flatBar is a bar with identical OHLC and a fixed ATR.
func flatBar(i int, price, atr float64) Bar {
	return Bar{Time: mkTime(i), Open: price, High: price, Low: price, Close: price, Volume: 1, ATR: atr}
}
