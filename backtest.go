// FILE: backtest.go
// Package main – Bar-by-bar backtest of the trailing engine.
//
// The simulator replays a candle window through the same activation/stop
// formulas the live engine uses (position.go), alternating sides after each
// exit. Intrabar touches are judged worst-case: sell-side thresholds against
// the bar high, buy-side against the bar low. The run is fully
// deterministic: no randomness, no wall clock, identical input gives
// identical output.

package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"
)

// Operation is one executed simulated trade.
type Operation struct {
	Idx    int
	Time   time.Time
	Side   Side
	Price  float64
	Level  VolLevel
	KStop  float64
	Fee    float64
	Pnl    float64 // net of fee, zero-valued when HasPnl is false
	PnlPct float64
	HasPnl bool // false only for the synthetic opening buy
	CumPnl float64
}

// simulateOperations runs the trailing state machine over bars.
// maxOps <= 0 means unlimited. Bars without a usable ATR are skipped, which
// also skips the warmup rows at the start of a freshly computed window.
func simulateOperations(bars []Bar, pp *PairParams, prof VolatilityProfile, feeRate float64, maxOps int, desvLimit float64) []Operation {
	var ops []Operation
	cumPnl := 0.0

	// Synthetic opening buy at the first bar with a valid ATR.
	firstIdx := -1
	for i, b := range bars {
		if !math.IsNaN(b.ATR) && b.ATR > 0 {
			firstIdx = i
			break
		}
	}
	if firstIdx < 0 {
		return ops
	}
	first := bars[firstIdx]
	firstK, _, _ := getKStop(pp, SideBuy, prof, first.ATR)
	firstFee := first.Close * feeRate
	cumPnl -= firstFee
	ops = append(ops, Operation{
		Idx: 1, Time: first.Time, Side: SideBuy, Price: first.Close,
		Level: prof.Classify(first.ATR), KStop: firstK, Fee: firstFee, CumPnl: cumPnl,
	})

	side := SideSell
	entry := first.Close
	active := false
	var activation, activationATR float64
	var trailing, stop, stopATR float64
	havePrices := false

	reset := func(newSide Side, newEntry float64) {
		side = newSide
		entry = newEntry
		active = false
		havePrices = false
		trailing, stop, stopATR = 0, 0, 0
	}

	for _, b := range bars {
		if math.IsNaN(b.ATR) || b.ATR <= 0 {
			continue
		}
		atr := b.ATR

		if !havePrices {
			act, err := activationPrice(pp, side, entry, atr, prof)
			if err != nil {
				return ops
			}
			activation, activationATR = act, atr
			havePrices = true
		}

		if !active {
			if atrDrifted(activationATR, atr, desvLimit) {
				if act, err := activationPrice(pp, side, entry, atr, prof); err == nil {
					activation, activationATR = act, atr
				}
			}
			var trigger float64
			if side == SideSell {
				trigger = b.High
			} else {
				trigger = b.Low
			}
			if !activationHit(side, trigger, activation) {
				continue
			}
			active = true
			trailing = trigger
			if s, err := stopPrice(pp, side, entry, trailing, atr, prof); err == nil {
				stop, stopATR = s, atr
			} else {
				return ops
			}
		}

		if atrDrifted(stopATR, atr, desvLimit) {
			if s, err := stopPrice(pp, side, entry, trailing, atr, prof); err == nil {
				stop, stopATR = s, atr
			}
		}

		var favorable, adverse float64
		if side == SideSell {
			favorable, adverse = b.High, b.Low
		} else {
			favorable, adverse = b.Low, b.High
		}
		if favorableMove(side, favorable, trailing) {
			trailing = favorable
			if s, err := stopPrice(pp, side, entry, trailing, atr, prof); err == nil {
				stop, stopATR = s, atr
			}
		}
		if !stopHit(side, adverse, stop) {
			continue
		}

		execPrice := stop
		prev := ops[len(ops)-1]
		fee := execPrice * feeRate
		var pnl float64
		if prev.Side == SideBuy {
			pnl = execPrice - prev.Price - fee
		} else {
			pnl = prev.Price - execPrice - fee
		}
		pnlPct := 0.0
		if prev.Price != 0 {
			pnlPct = pnl / prev.Price * 100
		}
		cumPnl += pnl
		kUsed, _, _ := getKStop(pp, side, prof, atr)
		ops = append(ops, Operation{
			Idx: len(ops) + 1, Time: b.Time, Side: side, Price: execPrice,
			Level: prof.Classify(atr), KStop: kUsed, Fee: fee,
			Pnl: pnl, PnlPct: pnlPct, HasPnl: true, CumPnl: cumPnl,
		})
		if maxOps > 0 && len(ops) >= maxOps {
			break
		}
		reset(side.Opposite(), execPrice)
	}
	return ops
}

// sliceBarsByDate keeps bars in [start, end]; zero bounds are open.
func sliceBarsByDate(bars []Bar, start, end time.Time) []Bar {
	out := make([]Bar, 0, len(bars))
	for _, b := range bars {
		if !start.IsZero() && b.Time.Before(start) {
			continue
		}
		if !end.IsZero() && b.Time.After(end) {
			continue
		}
		out = append(out, b)
	}
	return out
}

// ---- backtest CLI mode ----

// runBacktest refreshes and calibrates one pair, simulates the configured
// window and prints the per-operation report.
//
// Extra args: PAIR=XBTEUR [FEE_PCT=0.26] [START=2026-01-01] [END=...] [MAX_OPS=50]
func runBacktest(ctx context.Context, ex Exchange, cfg *Config) error {
	pair := strings.ToUpper(getEnv("PAIR", cfg.PairNames[0]))
	pc, ok := cfg.Pairs[pair]
	if !ok {
		return fmt.Errorf("pair %s is not configured (PAIRS=%s)", pair, strings.Join(cfg.PairNames, ","))
	}
	feeRate := getEnvFloat("FEE_PCT", 0.0) / 100.0
	maxOps := getEnvInt("MAX_OPS", 0)
	start, err := parseDateArg("START")
	if err != nil {
		return err
	}
	end, err := parseDateArg("END")
	if err != nil {
		return err
	}
	if !end.IsZero() {
		end = end.Add(24*time.Hour - time.Nanosecond)
	}

	_, bars, err := refreshATR(ctx, ex, cfg, pair)
	if err != nil {
		return err
	}
	if err := calibratePair(pc, bars, cfg.PivotOrder, cfg.MinimumChangePct); err != nil {
		return err
	}
	window := sliceBarsByDate(bars, start, end)
	ops := simulateOperations(window, &pc.Params, pc.Profile, feeRate, maxOps, cfg.ATRDesvLimit)

	fmt.Printf("\nPAIR=%s\n", pair)
	fmt.Printf("fee per op: %.4f%%\n", feeRate*100)
	fmt.Printf("K_STOP_SELL: %s\n", pc.Params.Sell.KStop)
	fmt.Printf("K_STOP_BUY : %s\n", pc.Params.Buy.KStop)
	printBacktestSummary(ops)
	printOperations(ops)
	return nil
}

func parseDateArg(key string) (time.Time, error) {
	s := getEnv(key, "")
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad %s=%s, want YYYY-MM-DD", key, s)
	}
	return t.UTC(), nil
}

func printBacktestSummary(ops []Operation) {
	if len(ops) == 0 {
		fmt.Println("no operations")
		return
	}
	var pnls []float64
	var totalFees float64
	for _, op := range ops {
		totalFees += op.Fee
		if op.HasPnl {
			pnls = append(pnls, op.Pnl)
		}
	}
	if len(pnls) == 0 {
		fmt.Println("only the opening operation was created (no exits)")
		return
	}
	var sum, best, worst float64
	wins := 0
	best, worst = pnls[0], pnls[0]
	for _, p := range pnls {
		sum += p
		if p > 0 {
			wins++
		}
		best = math.Max(best, p)
		worst = math.Min(worst, p)
	}
	fmt.Println("\n=== BACKTEST SUMMARY (PER OPERATION) ===")
	fmt.Printf("operations: %d | P&L samples: %d\n", len(ops), len(pnls))
	fmt.Printf("win rate: %.1f%% | total P&L (net): %.2f | avg: %.2f | median: %.2f\n",
		float64(wins)/float64(len(pnls))*100, sum, sum/float64(len(pnls)), median(pnls))
	fmt.Printf("best op: %.2f | worst op: %.2f | total fees: %.2f\n", best, worst, totalFees)
}

func printOperations(ops []Operation) {
	if len(ops) == 0 {
		return
	}
	fmt.Println("\n=== OPERATIONS ===")
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "#\ttime\tside\tprice\tvol\tK\tfee\tP&L\tP&L%\tcum\t")
	for _, op := range ops {
		pnl, pnlPct := "", ""
		if op.HasPnl {
			pnl = strconv.FormatFloat(op.Pnl, 'f', 2, 64)
			pnlPct = strconv.FormatFloat(op.PnlPct, 'f', 2, 64) + "%"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%.1f\t%s\t%.2f\t%.2f\t%s\t%s\t%.2f\t\n",
			op.Idx, op.Time.Format("2006-01-02 15:04"), op.Side, op.Price,
			op.Level, op.KStop, op.Fee, pnl, pnlPct, op.CumPnl)
	}
	w.Flush()
}
