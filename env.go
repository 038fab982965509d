// FILE: env.go
// Package main – Environment helpers for the trading bot.
//
// This file provides:
//   1) Small helpers to read environment variables with sane defaults
//      (strings, ints, floats, bools).
//   2) loadBotEnv: hydrates the process env from a local .env file via
//      godotenv. Existing process variables always win.
//   3) parseKVArgs: turns trailing "KEY=value" command-line arguments into
//      env overrides so `botc -backtest PAIR=XBTEUR FEE_PCT=0.26` works the
//      same as exporting the variables.

package main

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// --------- Env helpers (used across files) ---------

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getEnvBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "y", "yes":
		return true
	case "0", "false", "n", "no":
		return false
	default:
		return def
	}
}

func getEnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

// getEnvFloatPtr returns nil when the key is unset, empty, or set to "none".
// Used for optional knobs like K_ACT where "absent" is a meaningful state.
func getEnvFloatPtr(key string) *float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" || strings.EqualFold(v, "none") {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil
	}
	return &f
}

// --------- .env loader ---------

// loadBotEnv hydrates the process env from ./.env if present. Variables
// already exported take precedence (godotenv.Load never overrides).
func loadBotEnv() {
	path := getEnv("ENV_FILE", ".env")
	if err := godotenv.Load(path); err != nil {
		logger.Debug().Str("path", path).Msg("env: no .env file, relying on process env")
		return
	}
	logger.Info().Str("path", path).Msg("env: loaded")
}

// parseKVArgs applies trailing KEY=value args (and bare switches like
// SHOW_EVENTS) to the process env so the rest of the program reads one
// consistent source.
func parseKVArgs(args []string) {
	for _, a := range args {
		if eq := strings.Index(a, "="); eq > 0 {
			key := strings.TrimSpace(a[:eq])
			val := strings.TrimSpace(a[eq+1:])
			_ = os.Setenv(key, val)
			continue
		}
		_ = os.Setenv(strings.TrimSpace(a), "1")
	}
}
