// FILE: optimize.go
// Package main – Exhaustive parameter search over the backtest simulator.
//
// The grid is every combination of stop percentile per volatility level
// crossed with either K_ACT choices (AGGRESSIVE) or MIN_MARGIN choices
// (CONSERVATIVE); MODE=CURRENT instead scores the configuration already in
// the environment. Each candidate is scored under a walk-forward split:
//
//	RESET    – train and test windows simulated independently
//	CONTINUE – one continuous simulation sliced at the boundary timestamp
//	BOTH     – worst case of the two methods
//
// and ranked by ROBUST (min of train/test net P&L) or MEAN (average of
// in-sample and the robust figure). Candidates under MIN_OPS / MIN_TEST_OPS
// P&L samples are discarded before ranking.

package main

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

var (
	stopPctChoices   = []float64{0.20, 0.35, 0.50, 0.65, 0.75, 0.80, 0.90, 0.95}
	kActChoices      = []float64{0.0, 1.0, 2.0, 3.0}
	minMarginChoices = []float64{0.000, 0.003, 0.006, 0.009}
)

// Candidate is one parameter set under evaluation. Exactly one of KAct /
// MinMargin is set for grid candidates; MODE=CURRENT may carry both, with
// KAct taking precedence as in the live engine.
type Candidate struct {
	KAct      *float64
	MinMargin *float64
	StopPcts  [numVolLevels]float64
}

func (c Candidate) label() string {
	if c.KAct != nil {
		return fmt.Sprintf("K_ACT=%.1f", *c.KAct)
	}
	if c.MinMargin != nil {
		return fmt.Sprintf("MIN_MARGIN=%.3f", *c.MinMargin)
	}
	return "default"
}

// envLines renders the candidate as the .env lines an operator pastes in.
func (c Candidate) envLines(pair string) []string {
	var lines []string
	if c.KAct != nil {
		lines = append(lines, fmt.Sprintf("%s_BUY_K_ACT=%.1f", pair, *c.KAct))
		lines = append(lines, fmt.Sprintf("%s_SELL_K_ACT=%.1f", pair, *c.KAct))
	}
	if c.MinMargin != nil {
		lines = append(lines, fmt.Sprintf("%s_BUY_MIN_MARGIN=%.3f", pair, *c.MinMargin))
		lines = append(lines, fmt.Sprintf("%s_SELL_MIN_MARGIN=%.3f", pair, *c.MinMargin))
		lines = append(lines, fmt.Sprintf("# disable the K_ACT path with %s_BUY_K_ACT=none", pair))
	}
	for lvl := VolLL; lvl < numVolLevels; lvl++ {
		lines = append(lines, fmt.Sprintf("%s_STOP_PCT_%s=%.2f", pair, lvl, c.StopPcts[lvl]))
	}
	return lines
}

// Score summarizes one simulated run.
type Score struct {
	TotalPnl   float64
	Ops        int
	PnlSamples int
}

// worstScore sorts below any real run.
var worstScore = Score{TotalPnl: math.Inf(-1)}

func scoreRun(ops []Operation) Score {
	if len(ops) == 0 {
		return worstScore
	}
	samples := 0
	for _, op := range ops {
		if op.HasPnl {
			samples++
		}
	}
	return Score{TotalPnl: ops[len(ops)-1].CumPnl, Ops: len(ops), PnlSamples: samples}
}

// rankKey orders candidates: net P&L first, sample count as tiebreak.
type rankKey struct {
	pnl float64
	n   int
}

func (k rankKey) better(o rankKey) bool {
	if k.pnl != o.pnl {
		return k.pnl > o.pnl
	}
	return k.n > o.n
}

func robustKey(train, test Score) rankKey {
	return rankKey{pnl: math.Min(train.TotalPnl, test.TotalPnl), n: min(train.PnlSamples, test.PnlSamples)}
}

func overallRobustKey(resetTrain, resetTest, contTrain, contTest Score) rankKey {
	r := robustKey(resetTrain, resetTest)
	c := robustKey(contTrain, contTest)
	return rankKey{pnl: math.Min(r.pnl, c.pnl), n: min(r.n, c.n)}
}

func meanKey(inSample Score, robust rankKey) rankKey {
	return rankKey{pnl: (inSample.TotalPnl + robust.pnl) / 2, n: min(inSample.PnlSamples, robust.n)}
}

// splitScores slices one continuous run at the boundary timestamp. The test
// segment's P&L is the run total minus the cumulative P&L at the boundary,
// so state carried across the split stays attributed to the test window.
func splitScores(ops []Operation, boundary time.Time) (train, test Score) {
	if len(ops) == 0 {
		return worstScore, worstScore
	}
	total := ops[len(ops)-1].CumPnl
	var before, after []Operation
	for _, op := range ops {
		if op.Time.Before(boundary) {
			before = append(before, op)
		} else {
			after = append(after, op)
		}
	}
	trainNet := 0.0
	if len(before) > 0 {
		trainNet = before[len(before)-1].CumPnl
	}
	count := func(xs []Operation) int {
		n := 0
		for _, op := range xs {
			if op.HasPnl {
				n++
			}
		}
		return n
	}
	train = Score{TotalPnl: trainNet, Ops: len(before), PnlSamples: count(before)}
	test = Score{TotalPnl: total - trainNet, Ops: len(after), PnlSamples: count(after)}
	return train, test
}

// candidateParams builds the PairParams a candidate trades with, deriving
// both K_STOP tables from the full-window noise study (thresholds are
// calibrated once on all data, exactly as the live bot does).
func candidateParams(base PairParams, cand Candidate, upK, downK [numVolLevels][]float64) PairParams {
	pp := base
	if cand.KAct != nil {
		v := *cand.KAct
		pp.Sell.KAct, pp.Buy.KAct = &v, &v
	} else if cand.MinMargin != nil {
		pp.Sell.KAct, pp.Buy.KAct = nil, nil
		pp.Sell.MinMargin, pp.Buy.MinMargin = *cand.MinMargin, *cand.MinMargin
	}
	pp.Sell.StopPcts, pp.Buy.StopPcts = cand.StopPcts, cand.StopPcts
	sellT, buyT := EmptyKStopTable(), EmptyKStopTable()
	for lvl := VolLL; lvl < numVolLevels; lvl++ {
		if len(upK[lvl]) > 0 {
			sellT[lvl] = quantileCeiled(upK[lvl], cand.StopPcts[lvl])
		}
		if len(downK[lvl]) > 0 {
			buyT[lvl] = quantileCeiled(downK[lvl], cand.StopPcts[lvl])
		}
	}
	pp.Sell.KStop, pp.Buy.KStop = sellT, buyT
	return pp
}

// enumerateCandidates walks the full discrete grid for a mode.
func enumerateCandidates(mode string) []Candidate {
	var out []Candidate
	idx := [numVolLevels]int{}
	for {
		var pcts [numVolLevels]float64
		for lvl := VolLL; lvl < numVolLevels; lvl++ {
			pcts[lvl] = stopPctChoices[idx[lvl]]
		}
		if mode == "AGGRESSIVE" {
			for _, k := range kActChoices {
				v := k
				out = append(out, Candidate{KAct: &v, StopPcts: pcts})
			}
		} else {
			for _, m := range minMarginChoices {
				v := m
				out = append(out, Candidate{MinMargin: &v, StopPcts: pcts})
			}
		}
		// odometer increment
		pos := int(numVolLevels) - 1
		for pos >= 0 {
			idx[pos]++
			if idx[pos] < len(stopPctChoices) {
				break
			}
			idx[pos] = 0
			pos--
		}
		if pos < 0 {
			return out
		}
	}
}

type evaluation struct {
	key      rankKey
	inSample Score
	train    Score
	test     Score
	cand     Candidate
}

// ---- optimize CLI mode ----

// runOptimize refreshes one pair's window and searches the parameter grid.
//
// Extra args: PAIR=XBTEUR MODE=CONSERVATIVE|AGGRESSIVE|CURRENT
// [FEE_PCT=0.26] [START=...] [END=...] [TRAIN_SPLIT=0.7]
// [SPLIT_METHOD=RESET|CONTINUE|BOTH] [RANK=ROBUST|MEAN] [MIN_OPS=0]
// [MIN_TEST_OPS=0]
func runOptimize(ctx context.Context, ex Exchange, cfg *Config) error {
	pair := strings.ToUpper(getEnv("PAIR", cfg.PairNames[0]))
	pc, ok := cfg.Pairs[pair]
	if !ok {
		return fmt.Errorf("pair %s is not configured (PAIRS=%s)", pair, strings.Join(cfg.PairNames, ","))
	}
	mode := strings.ToUpper(getEnv("MODE", "CONSERVATIVE"))
	switch mode {
	case "CONSERVATIVE", "AGGRESSIVE", "CURRENT":
	default:
		return fmt.Errorf("MODE must be CONSERVATIVE, AGGRESSIVE or CURRENT, got %s", mode)
	}
	feeRate := getEnvFloat("FEE_PCT", 0.0) / 100.0
	trainSplit := getEnvFloat("TRAIN_SPLIT", 1.0)
	if trainSplit < 0.5 || trainSplit > 1.0 {
		return fmt.Errorf("TRAIN_SPLIT must be in [0.5, 1.0]")
	}
	splitMethod := strings.ToUpper(getEnv("SPLIT_METHOD", "RESET"))
	switch splitMethod {
	case "RESET", "CONTINUE", "BOTH":
	default:
		return fmt.Errorf("SPLIT_METHOD must be RESET, CONTINUE or BOTH, got %s", splitMethod)
	}
	rankMode := strings.ToUpper(getEnv("RANK", "ROBUST"))
	if rankMode != "ROBUST" && rankMode != "MEAN" {
		return fmt.Errorf("RANK must be ROBUST or MEAN, got %s", rankMode)
	}
	if rankMode == "MEAN" && trainSplit >= 1.0 {
		return fmt.Errorf("RANK=MEAN requires TRAIN_SPLIT < 1.0")
	}
	minOps := getEnvInt("MIN_OPS", 0)
	minTestOps := getEnvInt("MIN_TEST_OPS", 0)
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
	window := sliceBarsByDate(bars, start, end)
	valid := make([]Bar, 0, len(window))
	for _, b := range window {
		if !math.IsNaN(b.ATR) && b.ATR > 0 {
			valid = append(valid, b)
		}
	}
	if len(valid) == 0 {
		return fmt.Errorf("no rows after START/END slicing")
	}

	splitIdx := int(float64(len(valid)) * trainSplit)
	trainBars := valid[:splitIdx]
	testBars := valid[splitIdx:]
	var boundary time.Time
	if len(testBars) > 0 {
		boundary = valid[splitIdx].Time
	}

	// Thresholds and noise events come from the full window, as the live
	// calibration would compute them.
	prof := NewVolatilityProfile(validATRs(valid))
	upEvents, downEvents := analyzeStructuralNoise(valid, prof, cfg.PivotOrder, cfg.MinimumChangePct)
	var upK, downK [numVolLevels][]float64
	for lvl := VolLL; lvl < numVolLevels; lvl++ {
		upK[lvl] = kValuesByLevel(upEvents, lvl)
		downK[lvl] = kValuesByLevel(downEvents, lvl)
	}

	fmt.Printf("PAIR=%s | MODE=%s | FEE_PCT=%.3f%% | ATR_DESV_LIMIT=%.2f | SPLIT_METHOD=%s | RANK=%s\n",
		pair, mode, feeRate*100, cfg.ATRDesvLimit, splitMethod, rankMode)
	fmt.Printf("rows: %d | train rows: %d | test rows: %d\n", len(valid), len(trainBars), len(testBars))

	if mode == "CURRENT" {
		cand := Candidate{KAct: pc.Params.Buy.KAct, StopPcts: pc.Params.Buy.StopPcts}
		mm := pc.Params.Buy.MinMargin
		cand.MinMargin = &mm
		pp := candidateParams(pc.Params, Candidate{StopPcts: cand.StopPcts}, upK, downK)
		fmt.Println("\n=== CURRENT CONFIG (from env) ===")
		for _, line := range cand.envLines(pair) {
			fmt.Println(line)
		}
		opsAll := simulateOperations(valid, &pp, prof, feeRate, 0, cfg.ATRDesvLimit)
		inSample := scoreRun(opsAll)
		if len(testBars) == 0 {
			fmt.Println("\n=== SCORE (in-sample) ===")
			printScore("train", inSample)
			return nil
		}
		resetTrain := scoreRun(simulateOperations(trainBars, &pp, prof, feeRate, 0, cfg.ATRDesvLimit))
		resetTest := scoreRun(simulateOperations(testBars, &pp, prof, feeRate, 0, cfg.ATRDesvLimit))
		contTrain, contTest := splitScores(opsAll, boundary)
		fmt.Printf("\n=== SCORE (walk-forward, %s) ===\n", splitMethod)
		switch splitMethod {
		case "RESET":
			printRobust(robustKey(resetTrain, resetTest))
			printScore("train", resetTrain)
			printScore("test", resetTest)
		case "CONTINUE":
			printRobust(robustKey(contTrain, contTest))
			printScore("train", contTrain)
			printScore("test", contTest)
		default:
			printRobust(overallRobustKey(resetTrain, resetTest, contTrain, contTest))
			printScore("reset train", resetTrain)
			printScore("reset test", resetTest)
			printScore("cont train", contTrain)
			printScore("cont test", contTest)
		}
		return nil
	}

	candidates := enumerateCandidates(mode)
	fmt.Printf("testing %d combinations (exhaustive)...\n", len(candidates))

	var evaluated []evaluation
	for _, cand := range candidates {
		pp := candidateParams(pc.Params, cand, upK, downK)
		opsAll := simulateOperations(valid, &pp, prof, feeRate, 0, cfg.ATRDesvLimit)
		inSample := scoreRun(opsAll)

		if len(testBars) == 0 {
			if inSample.PnlSamples < minOps {
				continue
			}
			evaluated = append(evaluated, evaluation{
				key: rankKey{pnl: inSample.TotalPnl, n: inSample.PnlSamples},
				inSample: inSample, train: inSample, cand: cand,
			})
			continue
		}

		var resetTrain, resetTest, contTrain, contTest Score
		switch splitMethod {
		case "RESET":
			resetTrain = scoreRun(simulateOperations(trainBars, &pp, prof, feeRate, 0, cfg.ATRDesvLimit))
			resetTest = scoreRun(simulateOperations(testBars, &pp, prof, feeRate, 0, cfg.ATRDesvLimit))
		case "CONTINUE":
			resetTrain, resetTest = splitScores(opsAll, boundary)
		default:
			resetTrain = scoreRun(simulateOperations(trainBars, &pp, prof, feeRate, 0, cfg.ATRDesvLimit))
			resetTest = scoreRun(simulateOperations(testBars, &pp, prof, feeRate, 0, cfg.ATRDesvLimit))
			contTrain, contTest = splitScores(opsAll, boundary)
		}

		if !meetsOpsFloor(splitMethod, resetTrain, resetTest, contTrain, contTest, minOps, minTestOps) {
			continue
		}

		var key rankKey
		if splitMethod == "BOTH" {
			key = overallRobustKey(resetTrain, resetTest, contTrain, contTest)
		} else {
			key = robustKey(resetTrain, resetTest)
		}
		if rankMode == "MEAN" {
			key = meanKey(inSample, key)
		}
		evaluated = append(evaluated, evaluation{key: key, inSample: inSample, train: resetTrain, test: resetTest, cand: cand})
	}

	if len(evaluated) == 0 {
		return fmt.Errorf("no candidates met the MIN_OPS/MIN_TEST_OPS constraints")
	}
	sort.SliceStable(evaluated, func(i, j int) bool { return evaluated[i].key.better(evaluated[j].key) })
	best := evaluated[0]

	fmt.Println("\n=== BEST (exhaustive) ===")
	fmt.Printf("rank key: pnl=%.2f | n=%d\n", best.key.pnl, best.key.n)
	printScore("in-sample", best.inSample)
	printScore("train", best.train)
	printScore("test", best.test)
	fmt.Println("\n=== TOP CANDIDATES ===")
	for i, ev := range evaluated[:min(5, len(evaluated))] {
		fmt.Printf("%2d. key=%.1f n=%d | ins=%.1f (%d) | train=%.1f (%d) | test=%.1f (%d) | %s\n",
			i+1, ev.key.pnl, ev.key.n,
			ev.inSample.TotalPnl, ev.inSample.PnlSamples,
			ev.train.TotalPnl, ev.train.PnlSamples,
			ev.test.TotalPnl, ev.test.PnlSamples, ev.cand.label())
	}
	fmt.Println("\nSuggested .env lines:")
	for _, line := range best.cand.envLines(pair) {
		fmt.Println(line)
	}
	return nil
}

// meetsOpsFloor is the MIN_OPS/MIN_TEST_OPS candidate filter. Under BOTH the
// candidate must clear the floors on its worse split method.
func meetsOpsFloor(splitMethod string, resetTrain, resetTest, contTrain, contTest Score, minOps, minTestOps int) bool {
	if splitMethod == "BOTH" {
		return min(resetTrain.PnlSamples, contTrain.PnlSamples) >= minOps &&
			min(resetTest.PnlSamples, contTest.PnlSamples) >= minTestOps
	}
	return resetTrain.PnlSamples >= minOps && resetTest.PnlSamples >= minTestOps
}

func printScore(name string, s Score) {
	fmt.Printf("%-10s pnl=%.2f | ops=%d | pnl_samples=%d\n", name+":", s.TotalPnl, s.Ops, s.PnlSamples)
}

func printRobust(k rankKey) {
	fmt.Printf("robust rank key (min train/test): pnl=%.2f | pnl_samples=%d\n", k.pnl, k.n)
}
