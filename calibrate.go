// FILE: calibrate.go
// Package main – Stop-multiplier calibration from structural noise.
//
// Calibration turns the noise events of noise.go into the per-level K_STOP
// tables the live engine trades with:
//   • per volatility level, collect the K values of all events that visited
//     that level and take the configured percentile (STOP_PCT_<LVL>)
//   • round the result UP to the next 0.1 so the stop always covers at
//     least the chosen share of historical noise
//   • sell stops come from uptrend noise (drawdowns while long), buy stops
//     from downtrend noise (bounces while flat)
//
// getKStop resolves a multiplier at trade time with a fallback chain, so a
// level the calibration had no data for still yields a stop as long as any
// level on either side has one.

package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
)

// kValuesByLevel collects the per-level K samples across events.
func kValuesByLevel(events []StructuralEvent, lvl VolLevel) []float64 {
	var out []float64
	for _, ev := range events {
		if ln := ev.Levels[lvl]; ln != nil {
			out = append(out, ln.KValue)
		}
	}
	return out
}

// quantileCeiled is percentile() rounded up to a multiple of 0.1.
func quantileCeiled(values []float64, q float64) float64 {
	v := percentile(values, q)
	if math.IsNaN(v) {
		return v
	}
	return math.Ceil(v*10) / 10
}

// calculateKStops builds one side's K_STOP table from its event list.
// Levels without samples stay absent (NaN) and rely on getKStop fallback.
func calculateKStops(events []StructuralEvent, stopPcts [numVolLevels]float64) KStopTable {
	t := EmptyKStopTable()
	for lvl := VolLL; lvl < numVolLevels; lvl++ {
		if vals := kValuesByLevel(events, lvl); len(vals) > 0 {
			t[lvl] = quantileCeiled(vals, stopPcts[lvl])
		}
	}
	return t
}

// getKStop resolves the stop multiplier for side at the current ATR.
// Resolution order: own side at the ATR's level, then the opposite side at
// the same level, then both sides of the neighboring levels by increasing
// distance (lower neighbor first). Returns ok=false only when every level
// of both tables is empty.
func getKStop(pp *PairParams, side Side, prof VolatilityProfile, atr float64) (float64, VolLevel, bool) {
	lvl := prof.Classify(atr)
	own := pp.BySide(side)
	opp := pp.BySide(side.Opposite())

	if k, ok := own.KStop.Get(lvl); ok {
		return k, lvl, true
	}
	if k, ok := opp.KStop.Get(lvl); ok {
		return k, lvl, true
	}
	for offset := 1; offset < int(numVolLevels); offset++ {
		for _, n := range []int{int(lvl) - offset, int(lvl) + offset} {
			if n < 0 || n >= int(numVolLevels) {
				continue
			}
			if k, ok := own.KStop.Get(VolLevel(n)); ok {
				return k, lvl, true
			}
			if k, ok := opp.KStop.Get(VolLevel(n)); ok {
				return k, lvl, true
			}
		}
	}
	return 0, lvl, false
}

// calibratePair recomputes the volatility profile and both K_STOP tables of
// one pair from its persisted candle window. The bars must already carry
// ATR values; warmup rows are dropped here.
func calibratePair(pc *PairConfig, bars []Bar, order int, minChangePct float64) error {
	valid := make([]Bar, 0, len(bars))
	for _, b := range bars {
		if !math.IsNaN(b.ATR) {
			valid = append(valid, b)
		}
	}
	atrs := validATRs(valid)
	if len(atrs) == 0 {
		return fmt.Errorf("calibrate %s: no ATR samples in window", pc.Name)
	}
	prof := NewVolatilityProfile(atrs)
	if !prof.Valid() {
		return fmt.Errorf("calibrate %s: degenerate volatility profile", pc.Name)
	}

	uptrend, downtrend := analyzeStructuralNoise(valid, prof, order, minChangePct)
	pc.Profile = prof
	pc.Params.Sell.KStop = calculateKStops(uptrend, pc.Params.Sell.StopPcts)
	pc.Params.Buy.KStop = calculateKStops(downtrend, pc.Params.Buy.StopPcts)

	logger.Info().Str("pair", pc.Name).
		Float64("p20", prof.P20).Float64("p50", prof.P50).
		Float64("p80", prof.P80).Float64("p95", prof.P95).
		Int("uptrend_events", len(uptrend)).Int("downtrend_events", len(downtrend)).
		Msg("calibration complete")
	logger.Info().Str("pair", pc.Name).Str("k_stop_sell", pc.Params.Sell.KStop.String()).Msg("sell stops")
	logger.Info().Str("pair", pc.Name).Str("k_stop_buy", pc.Params.Buy.KStop.String()).Msg("buy stops")
	mtxCalibrations.Inc()
	return nil
}

// ---- calibrate CLI mode ----

// runCalibrate refreshes the candle window for the requested pair, runs the
// full structure analysis and prints the per-level noise statistics an
// operator reads before choosing STOP_PCT values.
//
// Extra args: PAIR=XBTEUR [ORDER=20] [SHOW_EVENTS] [VOLATILITY=LL..HH|ALL]
func runCalibrate(ctx context.Context, ex Exchange, cfg *Config) error {
	pair := strings.ToUpper(getEnv("PAIR", cfg.PairNames[0]))
	pc, ok := cfg.Pairs[pair]
	if !ok {
		return fmt.Errorf("pair %s is not configured (PAIRS=%s)", pair, strings.Join(cfg.PairNames, ","))
	}
	order := cfg.PivotOrder
	if s := getEnv("ORDER", ""); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 {
			return fmt.Errorf("bad ORDER=%s", s)
		}
		order = v
	}
	showEvents := getEnvBool("SHOW_EVENTS", false)
	volFilter := strings.ToUpper(getEnv("VOLATILITY", "ALL"))

	_, bars, err := refreshATR(ctx, ex, cfg, pair)
	if err != nil {
		return err
	}
	if err := calibratePair(pc, bars, order, cfg.MinimumChangePct); err != nil {
		return err
	}

	valid := make([]Bar, 0, len(bars))
	for _, b := range bars {
		if !math.IsNaN(b.ATR) {
			valid = append(valid, b)
		}
	}
	uptrend, downtrend := analyzeStructuralNoise(valid, pc.Profile, order, cfg.MinimumChangePct)

	fmt.Printf("--- %s market structure: %d candles, minimum change %.2f%% ---\n",
		pair, len(valid), cfg.MinimumChangePct*100)
	fmt.Printf("ATR percentiles  P20:%.1f | P50:%.1f | P80:%.1f | P95:%.1f\n",
		pc.Profile.P20, pc.Profile.P50, pc.Profile.P80, pc.Profile.P95)

	for lvl := VolLL; lvl < numVolLevels; lvl++ {
		if volFilter != "ALL" {
			if want, ok := ParseVolLevel(volFilter); !ok || want != lvl {
				continue
			}
		}
		fmt.Printf("\n================ VOLATILITY %s ================\n", lvl)
		printNoiseStats(uptrend, lvl, "UPTREND NOISE (sell stop sizing)")
		printNoiseStats(downtrend, lvl, "DOWNTREND NOISE (buy reentry sizing)")
		if showEvents {
			printEventsDetail(uptrend, lvl, "UPTREND EVENTS")
			printEventsDetail(downtrend, lvl, "DOWNTREND EVENTS")
		}
	}
	return nil
}

func printNoiseStats(events []StructuralEvent, lvl VolLevel, title string) {
	ks := kValuesByLevel(events, lvl)
	if len(ks) == 0 {
		fmt.Printf("\nno events for %s\n", title)
		return
	}
	var sum float64
	for _, k := range ks {
		sum += k
	}
	fmt.Printf("\n=== %s ===\n", title)
	fmt.Printf("events: %d | average: %.2f ATR\n", len(ks), sum/float64(len(ks)))
	fmt.Printf("P50:  %.2f ATR (very tight)\n", percentile(ks, 0.50))
	fmt.Printf("P75:  %.2f ATR (standard)\n", percentile(ks, 0.75))
	fmt.Printf("P90:  %.2f ATR (safe)\n", percentile(ks, 0.90))
	fmt.Printf("P95:  %.2f ATR (protected)\n", percentile(ks, 0.95))
	fmt.Printf("P100: %.2f ATR (extreme)\n", percentile(ks, 1.00))
}

func printEventsDetail(events []StructuralEvent, lvl VolLevel, title string) {
	fmt.Printf("\n=== %s (%s) ===\n", title, lvl)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "from\tto\tchange %\tchange K\tmax value\tatr at max\tK")
	for _, ev := range events {
		ln := ev.Levels[lvl]
		if ln == nil {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%.2f%%\t%.2f\t%.1f\t%.1f\t%.2f\n",
			ev.Start.Format("2006-01-02 15:04"), ev.End.Format("2006-01-02 15:04"),
			ev.PriceChangePct*100, ev.PriceChangeK, ln.MaxValue, ln.ATRAtMax, ln.KValue)
	}
	w.Flush()
}
