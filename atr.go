// FILE: atr.go
// Package main – Rolling ATR window and volatility classification.
//
// What's here:
//   • Bar: one candle row with its rolling ATR value
//   • loadBars/saveBars: the persisted per-pair CSV window under data/
//   • computeATR: true range + rolling mean over ATR_PERIOD
//   • VolatilityProfile: P20/P50/P80/P95 breakpoints -> LL/LV/MV/HV/HH
//   • refreshATR: incremental fetch-merge-trim-recompute-persist pass
//
// The persisted window means a restart does not refetch the full lookback
// horizon: each session only fetches candles since the last stored bar.

package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Bar is a candle row plus its rolling ATR. ATR is NaN during warmup.
type Bar struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
	ATR    float64
}

// ---- statistics helpers ----

// percentile returns the q-quantile (q in [0,1]) of values using linear
// interpolation between closest ranks, matching the calibration study's
// reference implementation. Returns NaN for an empty slice.
func percentile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	xs := append([]float64(nil), values...)
	sort.Float64s(xs)
	if q <= 0 {
		return xs[0]
	}
	if q >= 1 {
		return xs[len(xs)-1]
	}
	pos := q * float64(len(xs)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return xs[lo]
	}
	frac := pos - float64(lo)
	return xs[lo]*(1-frac) + xs[hi]*frac
}

func median(values []float64) float64 {
	return percentile(values, 0.5)
}

// ---- volatility profile ----

// VolatilityProfile holds the ATR percentile breakpoints partitioning the
// volatility axis into the five discrete levels.
type VolatilityProfile struct {
	P20 float64 `json:"p20"`
	P50 float64 `json:"p50"`
	P80 float64 `json:"p80"`
	P95 float64 `json:"p95"`
}

// NewVolatilityProfile derives breakpoints from a series of ATR samples.
func NewVolatilityProfile(atrs []float64) VolatilityProfile {
	return VolatilityProfile{
		P20: percentile(atrs, 0.20),
		P50: percentile(atrs, 0.50),
		P80: percentile(atrs, 0.80),
		P95: percentile(atrs, 0.95),
	}
}

// Valid reports whether the profile has been computed.
func (p VolatilityProfile) Valid() bool {
	return !math.IsNaN(p.P20) && !math.IsNaN(p.P95) && p.P95 > 0
}

// Classify returns the level whose breakpoint range contains atr.
func (p VolatilityProfile) Classify(atr float64) VolLevel {
	switch {
	case atr < p.P20:
		return VolLL
	case atr < p.P50:
		return VolLV
	case atr < p.P80:
		return VolMV
	case atr < p.P95:
		return VolHV
	default:
		return VolHH
	}
}

// Band returns the half-open ATR range [lo, hi) of a level.
func (p VolatilityProfile) Band(l VolLevel) (lo, hi float64) {
	switch l {
	case VolLL:
		return 0, p.P20
	case VolLV:
		return p.P20, p.P50
	case VolMV:
		return p.P50, p.P80
	case VolHV:
		return p.P80, p.P95
	default:
		return p.P95, math.Inf(1)
	}
}

// ---- ATR computation ----

// computeATR fills Bar.ATR in place: TR = max(H-L, |H-prevC|, |L-prevC|),
// ATR = rolling mean of TR over period. Indices before the first full window
// get NaN.
func computeATR(bars []Bar, period int) {
	if period <= 0 {
		period = 14
	}
	trs := make([]float64, len(bars))
	for i := range bars {
		hl := bars[i].High - bars[i].Low
		if i == 0 {
			trs[i] = hl
		} else {
			pc := bars[i-1].Close
			trs[i] = math.Max(hl, math.Max(math.Abs(bars[i].High-pc), math.Abs(bars[i].Low-pc)))
		}
	}
	var sum float64
	for i := range bars {
		sum += trs[i]
		if i >= period {
			sum -= trs[i-period]
		}
		if i >= period-1 {
			bars[i].ATR = sum / float64(period)
		} else {
			bars[i].ATR = math.NaN()
		}
	}
}

// validATRs extracts the non-NaN positive ATR samples of a window.
func validATRs(bars []Bar) []float64 {
	out := make([]float64, 0, len(bars))
	for _, b := range bars {
		if !math.IsNaN(b.ATR) && b.ATR > 0 {
			out = append(out, b.ATR)
		}
	}
	return out
}

// ---- CSV window persistence ----

func dataFilePath(cfg *Config, pair string) string {
	return filepath.Join(cfg.DataDir, fmt.Sprintf("%s_ohlc_%dmin.csv", pair, cfg.CandleInterval))
}

// loadBars reads a candle CSV with headers dtime|time, open, high, low,
// close, volume, atr. Headers are case-insensitive; unknown columns are
// ignored; atr is optional (recomputed by callers).
func loadBars(path string) ([]Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var out []Bar
	var headers []string
	rowIdx := 0
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if rowIdx == 0 {
			headers = rec
			rowIdx++
			continue
		}
		row := map[string]string{}
		for j, h := range headers {
			k := strings.ToLower(strings.TrimSpace(h))
			if j < len(rec) {
				row[k] = strings.TrimSpace(rec[j])
			}
		}
		ts := firstField(row, "dtime", "time", "timestamp")
		hp := firstField(row, "high")
		lp := firstField(row, "low")
		if ts == "" || hp == "" || lp == "" {
			continue
		}
		tt, err := parseTimeFlexible(ts)
		if err != nil {
			continue
		}
		o, _ := strconv.ParseFloat(firstField(row, "open"), 64)
		h, _ := strconv.ParseFloat(hp, 64)
		l, _ := strconv.ParseFloat(lp, 64)
		c, _ := strconv.ParseFloat(firstField(row, "close"), 64)
		v, _ := strconv.ParseFloat(firstField(row, "volume", "vol"), 64)
		atr := math.NaN()
		if s := firstField(row, "atr"); s != "" {
			if a, err := strconv.ParseFloat(s, 64); err == nil {
				atr = a
			}
		}
		out = append(out, Bar{Time: tt, Open: o, High: h, Low: l, Close: c, Volume: v, ATR: atr})
		rowIdx++
	}
	sortBars(out)
	return out, nil
}

// saveBars writes the window back atomically (tmp + rename).
func saveBars(path string, bars []Bar) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	_ = w.Write([]string{"dtime", "open", "high", "low", "close", "volume", "atr"})
	for _, b := range bars {
		atr := ""
		if !math.IsNaN(b.ATR) {
			atr = strconv.FormatFloat(b.ATR, 'f', -1, 64)
		}
		_ = w.Write([]string{
			b.Time.UTC().Format(time.RFC3339),
			strconv.FormatFloat(b.Open, 'f', -1, 64),
			strconv.FormatFloat(b.High, 'f', -1, 64),
			strconv.FormatFloat(b.Low, 'f', -1, 64),
			strconv.FormatFloat(b.Close, 'f', -1, 64),
			strconv.FormatFloat(b.Volume, 'f', -1, 64),
			atr,
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// parseTimeFlexible supports RFC3339 or UNIX seconds.
func parseTimeFlexible(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts, nil
	}
	if ts, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return ts.UTC(), nil
	}
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(sec, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("bad time: %s", s)
}

// sortBars ensures ascending time.
func sortBars(b []Bar) {
	sort.Slice(b, func(i, j int) bool { return b[i].Time.Before(b[j].Time) })
}

// firstField returns the first non-empty value for keys in m.
func firstField(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := m[k]; v != "" {
			return v
		}
	}
	return ""
}

// ---- incremental refresh ----

var errNoATR = errors.New("no usable ATR value")

// refreshATR appends newly fetched candles to the persisted window for pair,
// dedupes by timestamp (latest wins), trims to the lookback horizon,
// recomputes the rolling ATR and persists the result. Returns the current
// ATR. A fetch failure is returned as-is: the caller must skip the pair for
// this session rather than act on stale data.
func refreshATR(ctx context.Context, ex Exchange, cfg *Config, pair string) (float64, []Bar, error) {
	path := dataFilePath(cfg, pair)
	existing, err := loadBars(path)
	if err != nil && !os.IsNotExist(err) {
		logger.Warn().Err(err).Str("pair", pair).Msg("candle window unreadable, refetching")
		existing = nil
	}

	var since int64
	if len(existing) > 0 {
		since = existing[len(existing)-1].Time.Unix()
	}
	candles, err := ex.GetOHLC(ctx, pair, cfg.CandleInterval, since)
	if err != nil {
		return 0, nil, fmt.Errorf("fetch ohlc %s: %w", pair, err)
	}

	byTime := make(map[int64]Bar, len(existing)+len(candles))
	for _, b := range existing {
		byTime[b.Time.Unix()] = b
	}
	for _, c := range candles {
		byTime[c.Time.Unix()] = Bar{Time: c.Time, Open: c.Open, High: c.High, Low: c.Low, Close: c.Close, Volume: c.Volume}
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -cfg.MarketDataDays)
	bars := make([]Bar, 0, len(byTime))
	for _, b := range byTime {
		if b.Time.Before(cutoff) {
			continue
		}
		bars = append(bars, b)
	}
	sortBars(bars)
	computeATR(bars, cfg.ATRPeriod)

	if err := saveBars(path, bars); err != nil {
		logger.Warn().Err(err).Str("pair", pair).Msg("persisting candle window failed")
	}

	if len(bars) == 0 {
		return 0, nil, errNoATR
	}
	atr := bars[len(bars)-1].ATR
	if math.IsNaN(atr) || atr <= 0 {
		return 0, nil, errNoATR
	}
	return atr, bars, nil
}
