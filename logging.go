// FILE: logging.go
// Package main – Structured logging and operator notifications.
//
// zerolog with two sinks: a human console writer on stderr and a JSON file
// under logs/ for later inspection. Messages keep the bracketed [PAIR] tags
// used throughout the bot.
//
// notify/notifyWarn/notifyError mirror user-visible events (position
// created, activated, closed, close aborted) to the Telegram control surface
// when one is configured, in addition to the log.

package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

var logger zerolog.Logger

func init() {
	// Console-only bootstrap; initLogging swaps in the configured logger
	// once main has hydrated the environment.
	zerolog.TimeFieldFormat = time.RFC3339
	logger = zerolog.New(consoleWriter()).With().Timestamp().Logger()
}

// initLogging rebuilds the logger after loadBotEnv, so LOG_LEVEL and LOG_DIR
// set only in the .env file are honored.
func initLogging() {
	logger = newLogger()
}

func consoleWriter() zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "2006-01-02 15:04:05"}
}

func newLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	writers := []io.Writer{consoleWriter()}
	dir := getEnv("LOG_DIR", "logs")
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err == nil {
			f, ferr := os.OpenFile(filepath.Join(dir, "botc.log"),
				os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if ferr == nil {
				writers = append(writers, f)
			}
		}
	}

	return zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
}

// notifier is set in main when a Telegram bot is configured; nil otherwise.
var notifier interface{ SendMessage(text string) }

// notify logs at info level and forwards the message to the operator.
func notify(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	logger.Info().Msg(msg)
	if notifier != nil {
		notifier.SendMessage(msg)
	}
}

func notifyWarn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	logger.Warn().Msg(msg)
	if notifier != nil {
		notifier.SendMessage("⚠️ " + msg)
	}
}

func notifyError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	logger.Error().Msg(msg)
	if notifier != nil {
		notifier.SendMessage("❌ " + msg)
	}
}
