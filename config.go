// FILE: config.go
// Package main – Runtime configuration model and loader.
//
// Config holds every knob the bot uses, populated from the environment after
// loadBotEnv() hydrated it from .env. Per-pair trading parameters follow the
// "<PAIR>_<SIDE>_<NAME>" naming written out by the optimizer, e.g.
// XBTEUR_SELL_K_ACT, XBTEUR_STOP_PCT_HV.
//
// Volatility levels are a closed enum (VolLL..VolHH) so the calibration
// tables are fixed-size arrays rather than string-keyed maps; the K_STOP
// fallback search is total by construction.

package main

import (
	"fmt"
	"math"
	"strings"
)

// VolLevel is one of the five discrete volatility buckets, ordered from
// lowest (LL, below P20) to highest (HH, at or above P95).
type VolLevel int

const (
	VolLL VolLevel = iota
	VolLV
	VolMV
	VolHV
	VolHH
	numVolLevels
)

var volLevelNames = [numVolLevels]string{"LL", "LV", "MV", "HV", "HH"}

func (l VolLevel) String() string {
	if l < 0 || l >= numVolLevels {
		return "??"
	}
	return volLevelNames[l]
}

// ParseVolLevel resolves a level name like "MV"; ok is false for anything else.
func ParseVolLevel(s string) (VolLevel, bool) {
	for i, name := range volLevelNames {
		if strings.EqualFold(s, name) {
			return VolLevel(i), true
		}
	}
	return 0, false
}

// KStopTable maps volatility level -> calibrated stop multiplier.
// NaN marks a level the calibration had no events for.
type KStopTable [numVolLevels]float64

// EmptyKStopTable returns a table with every level absent.
func EmptyKStopTable() KStopTable {
	var t KStopTable
	for i := range t {
		t[i] = math.NaN()
	}
	return t
}

// Get returns the multiplier for level and whether it is present.
func (t KStopTable) Get(l VolLevel) (float64, bool) {
	v := t[l]
	return v, !math.IsNaN(v)
}

func (t KStopTable) String() string {
	parts := make([]string, 0, numVolLevels)
	for i := VolLL; i < numVolLevels; i++ {
		if v, ok := t.Get(i); ok {
			parts = append(parts, fmt.Sprintf("%s:%.1f", i, v))
		} else {
			parts = append(parts, fmt.Sprintf("%s:N/A", i))
		}
	}
	return strings.Join(parts, " | ")
}

// SideParams carries the per-side trading knobs for one pair.
//
// KAct, when set, gives the activation distance directly (KAct*ATR);
// KAct == nil switches to the conservative path KStop*ATR + MinMargin*entry.
// StopPcts are the calibration percentiles fed to the calibrator per level.
type SideParams struct {
	KAct      *float64
	MinMargin float64
	KStop     KStopTable
	StopPcts  [numVolLevels]float64
}

// PairParams groups both sides. The calibrator owns the KStop tables.
type PairParams struct {
	Buy  SideParams
	Sell SideParams
}

// BySide returns the side's parameters for mutation.
func (pp *PairParams) BySide(s Side) *SideParams {
	if s == SideBuy {
		return &pp.Buy
	}
	return &pp.Sell
}

// PairConfig is the static + calibrated state for one tracked instrument.
type PairConfig struct {
	Name    string // altname, e.g. XBTEUR
	Primary string // exchange primary name, e.g. XXBTZEUR
	WSName  string // websocket name, e.g. XBT/EUR
	Base    string // base asset code, e.g. XXBT
	Quote   string // quote asset code, e.g. ZEUR

	Params  PairParams
	Profile VolatilityProfile // recomputed by the calibration pass

	TargetPct     float64 // target allocation, % of portfolio value
	HodlPct       float64 // % of target never offered for sale
	MinAllocation float64 // sell-close floor, fraction of portfolio value
}

// Config holds all runtime knobs for trading and operations.
type Config struct {
	PairNames []string
	Pairs     map[string]*PairConfig

	FiatCode string // quote/fiat balance key, e.g. ZEUR
	DryRun   bool

	// Candle/ATR window
	CandleInterval int // minutes per candle
	ATRPeriod      int // rolling true-range period
	MarketDataDays int // lookback horizon for the persisted window

	// Engine policy
	ATRDesvLimit     float64 // relative ATR deviation band for recalibration
	MergeTolerance   float64 // fractional entry-price closeness for merges
	MinValue         float64 // minimum position value in quote currency
	RecenterEnable   bool
	RecenterATRMult  float64
	RecenterPct      float64 // fraction of price
	PivotOrder       int
	MinimumChangePct float64 // false-pivot suppression threshold, fraction

	// Scheduling
	SessionInterval     int // seconds between live sessions
	CalibrationSessions int // recalibrate every N sessions

	// Ops
	Port       int
	DataDir    string
	StateFile  string
	ClosedFile string
	OrdersFile string

	// Collaterals
	KrakenKey     string
	KrakenSecret  string
	TelegramToken string
	AllowedUserID int64
	UseWSTicker   bool
}

// loadConfigFromEnv reads the process env (already hydrated by loadBotEnv())
// and returns a Config with sane defaults if keys are missing.
func loadConfigFromEnv() *Config {
	dataDir := getEnv("DATA_DIR", "data")
	cfg := &Config{
		Pairs:    map[string]*PairConfig{},
		FiatCode: getEnv("FIAT_CODE", "ZEUR"),
		DryRun:   getEnvBool("DRY_RUN", false),

		CandleInterval: getEnvInt("CANDLE_TIMEFRAME", 15),
		ATRPeriod:      getEnvInt("ATR_PERIOD", 14),
		MarketDataDays: getEnvInt("MARKET_DATA_DAYS", 60),

		ATRDesvLimit:     getEnvFloat("ATR_DESV_LIMIT", 0.20),
		MergeTolerance:   getEnvFloat("MERGE_TOLERANCE_PCT", 0.8) / 100.0,
		MinValue:         getEnvFloat("MIN_VALUE", 10.0),
		RecenterEnable:   getEnvBool("RECENTER_ENABLE", false),
		RecenterATRMult:  getEnvFloat("RECENTER_ATR_MULT", 8.0),
		RecenterPct:      getEnvFloat("RECENTER_PCT", 5.0) / 100.0,
		PivotOrder:       getEnvInt("PIVOT_ORDER", 20),
		MinimumChangePct: getEnvFloat("MINIMUM_CHANGE_PCT", 1.5) / 100.0,

		SessionInterval:     getEnvInt("SLEEPING_INTERVAL", 60),
		CalibrationSessions: getEnvInt("CALIBRATION_SESSIONS", 1440),

		Port:       getEnvInt("PORT", 8080),
		DataDir:    dataDir,
		StateFile:  getEnv("STATE_FILE", dataDir+"/trailing_state.json"),
		ClosedFile: getEnv("CLOSED_FILE", dataDir+"/closed_positions.json"),
		OrdersFile: getEnv("ORDERS_FILE", dataDir+"/processed_orders.json"),

		KrakenKey:     getEnv("KRAKEN_API_KEY", ""),
		KrakenSecret:  getEnv("KRAKEN_API_SECRET", ""),
		TelegramToken: getEnv("TELEGRAM_TOKEN", ""),
		AllowedUserID: int64(getEnvInt("ALLOWED_USER_ID", 0)),
		UseWSTicker:   getEnvBool("USE_WS_TICKER", false),
	}

	for _, name := range strings.Split(getEnv("PAIRS", "XBTEUR"), ",") {
		name = strings.ToUpper(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		cfg.PairNames = append(cfg.PairNames, name)
		cfg.Pairs[name] = loadPairConfig(name)
	}
	return cfg
}

// loadPairConfig reads the per-pair knobs. K_STOP tables start empty; the
// calibration pass fills them before the pair may enter the live loop.
func loadPairConfig(name string) *PairConfig {
	pc := &PairConfig{
		Name:          name,
		TargetPct:     getEnvFloat(name+"_TARGET_PCT", 50.0),
		HodlPct:       getEnvFloat(name+"_HODL_PCT", 0.0),
		MinAllocation: getEnvFloat(name+"_MIN_ALLOCATION", 0.0) / 100.0,
	}
	for _, side := range []Side{SideBuy, SideSell} {
		up := strings.ToUpper(string(side))
		sp := pc.Params.BySide(side)
		sp.KAct = getEnvFloatPtr(name + "_" + up + "_K_ACT")
		sp.MinMargin = getEnvFloat(name+"_"+up+"_MIN_MARGIN", 0.003)
		sp.KStop = EmptyKStopTable()
		for i := VolLL; i < numVolLevels; i++ {
			sp.StopPcts[i] = getEnvFloat(name+"_STOP_PCT_"+i.String(), 0.75)
		}
	}
	return pc
}

// validateConfig checks startup invariants that are fatal when broken:
// credentials for live mode, sane percentiles, non-empty pair set. Pairs are
// validated against exchange metadata separately (see resolvePairMeta).
func (c *Config) validate(live bool) error {
	if len(c.PairNames) == 0 {
		return fmt.Errorf("PAIRS is missing or empty")
	}
	if live && !c.DryRun {
		if c.KrakenKey == "" || c.KrakenSecret == "" {
			return fmt.Errorf("KRAKEN_API_KEY / KRAKEN_API_SECRET are required for live mode")
		}
	}
	for name, pc := range c.Pairs {
		for _, side := range []Side{SideBuy, SideSell} {
			sp := pc.Params.BySide(side)
			if sp.MinMargin < 0 {
				return fmt.Errorf("%s_%s_MIN_MARGIN must be >= 0", name, strings.ToUpper(string(side)))
			}
			if sp.KAct != nil && *sp.KAct < 0 {
				return fmt.Errorf("%s_%s_K_ACT must be >= 0", name, strings.ToUpper(string(side)))
			}
			for i := VolLL; i < numVolLevels; i++ {
				if sp.StopPcts[i] <= 0 || sp.StopPcts[i] > 1 {
					return fmt.Errorf("%s_STOP_PCT_%s must be in (0, 1]", name, i)
				}
			}
		}
		if pc.TargetPct < 0 || pc.TargetPct > 100 {
			return fmt.Errorf("%s_TARGET_PCT must be in [0, 100]", name)
		}
	}
	if c.SessionInterval <= 0 {
		return fmt.Errorf("SLEEPING_INTERVAL must be > 0")
	}
	if c.CalibrationSessions <= 0 {
		return fmt.Errorf("CALIBRATION_SESSIONS must be > 0")
	}
	if c.ATRDesvLimit <= 0 || c.ATRDesvLimit >= 1 {
		return fmt.Errorf("ATR_DESV_LIMIT must be in (0, 1)")
	}
	return nil
}

// logConfigSummary prints the validated configuration the way operators read
// it in the session log.
func (c *Config) logSummary() {
	logger.Info().
		Int("session_interval_s", c.SessionInterval).
		Int("atr_period", c.ATRPeriod).
		Int("candle_min", c.CandleInterval).
		Int("data_days", c.MarketDataDays).
		Msg("configuration validated")
	for _, name := range c.PairNames {
		pc := c.Pairs[name]
		for _, side := range []Side{SideSell, SideBuy} {
			sp := pc.Params.BySide(side)
			ev := logger.Info().Str("pair", name).Str("side", string(side)).
				Float64("min_margin", sp.MinMargin)
			if sp.KAct != nil {
				ev = ev.Float64("k_act", *sp.KAct)
			}
			ev.Str("k_stop", sp.KStop.String()).Msg("trading parameters")
		}
	}
}
