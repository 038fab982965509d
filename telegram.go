// FILE: telegram.go
// Package main – Telegram control surface.
//
// A long-polling bot over the Telegram HTTP API. It is strictly a control
// surface: it toggles the pause flag and reads runtime snapshots, it never
// touches engine state. Only messages from ALLOWED_USER_ID are answered.
//
// Commands: /status /pause /resume /market /positions /help

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type TelegramBot struct {
	token   string
	userID  int64
	client  *http.Client
	rt      *Runtime
	cfg     *Config
	offset  int64
	started time.Time
}

func NewTelegramBot(cfg *Config, rt *Runtime) *TelegramBot {
	return &TelegramBot{
		token:   cfg.TelegramToken,
		userID:  cfg.AllowedUserID,
		client:  &http.Client{Timeout: 40 * time.Second},
		rt:      rt,
		cfg:     cfg,
		started: time.Now(),
	}
}

// SendMessage implements the notifier hook used by notify/notifyWarn.
func (t *TelegramBot) SendMessage(text string) {
	params := url.Values{
		"chat_id": {strconv.FormatInt(t.userID, 10)},
		"text":    {text},
	}
	resp, err := t.client.PostForm(t.api("sendMessage"), params)
	if err != nil {
		logger.Warn().Err(err).Msg("telegram send failed")
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

func (t *TelegramBot) api(method string) string {
	return "https://api.telegram.org/bot" + t.token + "/" + method
}

// Run long-polls getUpdates until ctx is cancelled.
func (t *TelegramBot) Run(ctx context.Context) {
	t.SendMessage("🤖 botc started and running. Use /help for commands.")
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("telegram bot stopped")
			return
		default:
		}
		updates, err := t.getUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn().Err(err).Msg("telegram poll failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}
		for _, u := range updates {
			t.offset = u.UpdateID + 1
			if u.Message == nil || u.Message.From == nil {
				continue
			}
			if u.Message.From.ID != t.userID {
				continue
			}
			t.handleCommand(strings.TrimSpace(u.Message.Text))
		}
	}
}

type tgUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		Text string `json:"text"`
		From *struct {
			ID int64 `json:"id"`
		} `json:"from"`
	} `json:"message"`
}

func (t *TelegramBot) getUpdates(ctx context.Context) ([]tgUpdate, error) {
	params := url.Values{
		"timeout": {"30"},
		"offset":  {strconv.FormatInt(t.offset, 10)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.api("getUpdates")+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var body struct {
		OK     bool       `json:"ok"`
		Result []tgUpdate `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if !body.OK {
		return nil, fmt.Errorf("telegram: getUpdates not ok")
	}
	return body.Result, nil
}

func (t *TelegramBot) handleCommand(text string) {
	cmd := text
	if i := strings.IndexAny(cmd, " @"); i > 0 {
		cmd = cmd[:i]
	}
	switch cmd {
	case "/help", "/start":
		t.SendMessage("📋 Available commands:\n\n" +
			"/status - bot status\n" +
			"/pause - pause trading sessions\n" +
			"/resume - resume trading sessions\n" +
			"/market - current market data\n" +
			"/positions - open positions\n" +
			"/help - show this help")
	case "/status":
		state := "▶️ RUNNING"
		if t.rt.Paused() {
			state = "⏸ PAUSED"
		}
		t.SendMessage(fmt.Sprintf("Status: %s\nUptime: %s", state, time.Since(t.started).Round(time.Second)))
	case "/pause":
		if t.rt.Paused() {
			t.SendMessage("⚠️ Already paused.")
			return
		}
		t.rt.SetPaused(true)
		logger.Info().Msg("paused via telegram")
		t.SendMessage("⏸ Paused. Sessions will be skipped until /resume.")
	case "/resume":
		if !t.rt.Paused() {
			t.SendMessage("⚠️ Already running.")
			return
		}
		t.rt.SetPaused(false)
		logger.Info().Msg("resumed via telegram")
		t.SendMessage("▶️ Resumed.")
	case "/market":
		t.SendMessage(t.marketReport())
	case "/positions":
		t.SendMessage(t.positionsReport())
	default:
		t.SendMessage("Unknown command. Use /help.")
	}
}

func (t *TelegramBot) marketReport() string {
	var b strings.Builder
	b.WriteString("📈 Market:\n")
	for _, name := range t.cfg.PairNames {
		snap, ok := t.rt.PairData(name)
		if !ok {
			fmt.Fprintf(&b, "%s: no data yet\n", name)
			continue
		}
		fmt.Fprintf(&b, "%s: %.1f | ATR %.1f (%s)\n", name, snap.Price, snap.ATR, snap.Level)
	}
	balance := t.rt.Balance()
	fiat := balance[t.cfg.FiatCode]
	fmt.Fprintf(&b, "\n💰 Balance:\n%s: %.2f\n", t.cfg.FiatCode, fiat)
	for _, name := range t.cfg.PairNames {
		pc := t.cfg.Pairs[name]
		if amount := balance[pc.Base]; amount > 0 {
			fmt.Fprintf(&b, "%s: %.8f\n", pc.Base, amount)
		}
	}
	return b.String()
}

func (t *TelegramBot) positionsReport() string {
	trailing := t.rt.Trailing()
	if len(trailing) == 0 {
		return "No open positions."
	}
	var b strings.Builder
	b.WriteString("📊 Open positions:\n")
	for _, name := range t.cfg.PairNames {
		pos, ok := trailing[name]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "\n[%s] %s\n", name, pos.String())
	}
	return b.String()
}
