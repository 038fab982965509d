// FILE: noise.go
// Package main – Market structure analysis: pivots and structural noise.
//
// The calibrator needs to know how much adverse movement ("noise") the market
// produces inside a trend before the trend resumes. This file finds the trend
// skeleton (alternating min/max pivots over the candle window) and measures,
// for every leg between consecutive pivots, the worst counter-move expressed
// in ATR units, stratified by the volatility level each bar was trading at.
//
//   • detectPivots: plateau-tolerant local extrema over a symmetric window,
//     then a greedy filter removing false pivots (same-type runs keep the
//     extreme; opposite-type moves below MINIMUM_CHANGE_PCT are ignored)
//   • measureLegNoise: running-extreme excursion scan of one pivot-to-pivot
//     leg, picking the max K = excursion/ATR per volatility band
//   • analyzeStructuralNoise: full pass returning uptrend and downtrend
//     event lists for the calibrator

package main

import (
	"math"
	"time"
)

// PivotKind distinguishes swing lows from swing highs.
type PivotKind int

const (
	PivotMin PivotKind = iota
	PivotMax
)

func (k PivotKind) String() string {
	if k == PivotMin {
		return "min"
	}
	return "max"
}

// Pivot is one confirmed swing point. Price is the bar's low for PivotMin
// and its high for PivotMax.
type Pivot struct {
	Idx   int
	Kind  PivotKind
	Price float64
	Time  time.Time
}

// LevelNoise is the worst excursion of one leg within one volatility band.
type LevelNoise struct {
	MaxValue float64 // excursion in quote currency
	ATRAtMax float64 // ATR of the bar where the worst excursion peaked
	KValue   float64 // MaxValue / ATRAtMax
}

// TrendDir labels the direction of a pivot-to-pivot leg.
type TrendDir int

const (
	TrendUp TrendDir = iota
	TrendDown
)

func (d TrendDir) String() string {
	if d == TrendUp {
		return "uptrend"
	}
	return "downtrend"
}

// StructuralEvent is the measured noise of one leg. Levels holds one entry
// per volatility band the leg's bars visited; bands the leg never traded in
// stay nil.
type StructuralEvent struct {
	Dir            TrendDir
	Start          time.Time
	End            time.Time
	PriceChangePct float64 // |end-start| / start
	PriceChangeK   float64 // signed leg move in mean-ATR units
	Levels         [numVolLevels]*LevelNoise
}

// detectPivots finds swing lows/highs with a symmetric comparison window of
// the given order and removes false pivots.
//
// A bar is a swing low when its low is <= every low within order bars on
// both sides (indices clamped at the borders, so plateaus and edge bars
// qualify). The filter then walks the time-ordered pivot list:
//   - two same-kind pivots in a row: keep the more extreme one and re-test
//   - opposite-kind pivots closer than minChangePct: the later one is noise
//   - opposite-kind pivots at the exact same price count as below the
//     threshold (the later one is dropped)
//
// The result strictly alternates min/max with every leg moving at least
// minChangePct.
func detectPivots(bars []Bar, order int, minChangePct float64) []Pivot {
	n := len(bars)
	if n == 0 || order <= 0 {
		return nil
	}
	clamp := func(i int) int {
		if i < 0 {
			return 0
		}
		if i >= n {
			return n - 1
		}
		return i
	}

	var pivots []Pivot
	for i := 0; i < n; i++ {
		isMin, isMax := true, true
		for s := 1; s <= order && (isMin || isMax); s++ {
			lo, hi := clamp(i-s), clamp(i+s)
			if bars[i].Low > bars[lo].Low || bars[i].Low > bars[hi].Low {
				isMin = false
			}
			if bars[i].High < bars[lo].High || bars[i].High < bars[hi].High {
				isMax = false
			}
		}
		if isMin {
			pivots = append(pivots, Pivot{Idx: i, Kind: PivotMin, Price: bars[i].Low, Time: bars[i].Time})
		}
		if isMax {
			pivots = append(pivots, Pivot{Idx: i, Kind: PivotMax, Price: bars[i].High, Time: bars[i].Time})
		}
	}
	// Min pivots come before max pivots on the same bar after this sort,
	// matching the detection order the filter expects.
	for i := 1; i < len(pivots); i++ {
		for j := i; j > 0 && less(pivots[j], pivots[j-1]); j-- {
			pivots[j], pivots[j-1] = pivots[j-1], pivots[j]
		}
	}

	i := 0
	for i < len(pivots)-1 {
		cur, next := pivots[i], pivots[i+1]
		switch {
		case cur.Kind == next.Kind:
			if (cur.Kind == PivotMax && cur.Price >= next.Price) ||
				(cur.Kind == PivotMin && cur.Price <= next.Price) {
				pivots = append(pivots[:i+1], pivots[i+2:]...)
			} else {
				pivots = append(pivots[:i], pivots[i+1:]...)
			}
		case cur.Price != next.Price && math.Abs(cur.Price-next.Price)/cur.Price >= minChangePct:
			i++
		default:
			// Opposite kinds but the move is too small to be structure.
			pivots = append(pivots[:i+1], pivots[i+2:]...)
		}
	}
	return pivots
}

func less(a, b Pivot) bool {
	if a.Idx != b.Idx {
		return a.Idx < b.Idx
	}
	return a.Kind < b.Kind
}

// measureLegNoise measures one pivot-to-pivot leg. The scanned segment is
// the bars strictly between the two pivots; a leg with no interior bars
// yields nil. Per bar the adverse excursion is:
//
//	uptrend (min->max):   runningMax(high) - low   (drawdown)
//	downtrend (max->min): high - runningMin(low)   (bounce)
//
// and K = excursion/ATR. For each volatility band the bar ATRs visited, the
// event records the bar with the largest K. A bar without a positive ATR is
// measured against fallbackATR (the window's median) so a warmup gap cannot
// yield an infinite K; with no fallback the bar is skipped.
func measureLegNoise(bars []Bar, from, to Pivot, prof VolatilityProfile, fallbackATR float64) (StructuralEvent, bool) {
	var ev StructuralEvent
	if from.Kind == to.Kind {
		return ev, false
	}
	start, end := from.Idx+1, to.Idx
	if start >= end {
		return ev, false
	}

	if from.Kind == PivotMin {
		ev.Dir = TrendUp
	} else {
		ev.Dir = TrendDown
	}
	ev.Start = from.Time
	ev.End = to.Time
	ev.PriceChangePct = math.Abs((to.Price - from.Price) / from.Price)

	var atrSum float64
	var atrCount int
	runExt := math.Inf(-1)
	if ev.Dir == TrendDown {
		runExt = math.Inf(1)
	}
	any := false
	for i := start; i < end; i++ {
		b := bars[i]
		var excursion float64
		if ev.Dir == TrendUp {
			runExt = math.Max(runExt, b.High)
			excursion = runExt - b.Low
		} else {
			runExt = math.Min(runExt, b.Low)
			excursion = b.High - runExt
		}
		atr := b.ATR
		if math.IsNaN(atr) || atr <= 0 {
			atr = fallbackATR
		}
		if math.IsNaN(atr) || atr <= 0 {
			continue
		}
		atrSum += atr
		atrCount++
		lvl := prof.Classify(atr)
		k := excursion / atr
		if ev.Levels[lvl] == nil || k > ev.Levels[lvl].KValue {
			ev.Levels[lvl] = &LevelNoise{MaxValue: excursion, ATRAtMax: atr, KValue: k}
			any = true
		}
	}
	if !any {
		return ev, false
	}
	if atrCount > 0 {
		ev.PriceChangeK = (to.Price - from.Price) / (atrSum / float64(atrCount))
	}
	return ev, true
}

// analyzeStructuralNoise runs pivot detection over the window and measures
// every leg, splitting the events by direction. Uptrend events size the
// sell-side stop (drawdowns while long); downtrend events size the buy-side
// reentry stop (bounces while waiting). The window's median ATR backstops
// bars whose own ATR is unusable.
func analyzeStructuralNoise(bars []Bar, prof VolatilityProfile, order int, minChangePct float64) (uptrend, downtrend []StructuralEvent) {
	fallbackATR := median(validATRs(bars))
	pivots := detectPivots(bars, order, minChangePct)
	for i := 1; i < len(pivots); i++ {
		ev, ok := measureLegNoise(bars, pivots[i-1], pivots[i], prof, fallbackATR)
		if !ok {
			continue
		}
		if ev.Dir == TrendUp {
			uptrend = append(uptrend, ev)
		} else {
			downtrend = append(downtrend, ev)
		}
	}
	return uptrend, downtrend
}
