// FILE: logging_test.go
package main

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestInitLoggingHonorsEnvLevel(t *testing.T) {
	// LOG_LEVEL may arrive via the .env file, which is only hydrated after
	// package init; the rebuilt logger must pick it up.
	prev := zerolog.GlobalLevel()
	defer zerolog.SetGlobalLevel(prev)

	t.Setenv("LOG_DIR", t.TempDir())
	t.Setenv("LOG_LEVEL", "warn")
	initLogging()
	if got := zerolog.GlobalLevel(); got != zerolog.WarnLevel {
		t.Errorf("level = %s, want warn", got)
	}

	t.Setenv("LOG_LEVEL", "not-a-level")
	initLogging()
	if got := zerolog.GlobalLevel(); got != zerolog.InfoLevel {
		t.Errorf("level = %s, want info fallback", got)
	}
}
