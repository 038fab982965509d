// FILE: state.go
// Package main – JSON persistence for positions and processed orders.
//
// Three stores under DATA_DIR:
//   • trailing_state.json    – open positions keyed by pair
//   • closed_positions.json  – per-pair history of closed positions
//   • processed_orders.json  – order IDs already turned into positions
//
// Writes go through a tmp-file + rename so a crash mid-write never leaves a
// truncated store behind. Missing files read as empty, never as errors.

package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
)

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, v)
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// loadTrailingState returns the open positions, empty when none persisted.
func loadTrailingState(cfg *Config) (map[string]*Position, error) {
	state := map[string]*Position{}
	if err := readJSON(cfg.StateFile, &state); err != nil {
		return nil, err
	}
	return state, nil
}

func saveTrailingState(cfg *Config, state map[string]*Position) error {
	return writeJSON(cfg.StateFile, state)
}

// loadClosedPositions returns the per-pair close history.
func loadClosedPositions(cfg *Config) (map[string][]Position, error) {
	closed := map[string][]Position{}
	if err := readJSON(cfg.ClosedFile, &closed); err != nil {
		return nil, err
	}
	return closed, nil
}

// appendClosedPosition records one finished position in the history store.
func appendClosedPosition(cfg *Config, pair string, pos Position) error {
	closed, err := loadClosedPositions(cfg)
	if err != nil {
		return err
	}
	closed[pair] = append(closed[pair], pos)
	return writeJSON(cfg.ClosedFile, closed)
}

// loadProcessedOrders returns the set of already-handled order IDs.
func loadProcessedOrders(cfg *Config) (map[string]bool, error) {
	var ids []string
	if err := readJSON(cfg.OrdersFile, &ids); err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set, nil
}

func saveProcessedOrders(cfg *Config, set map[string]bool) error {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return writeJSON(cfg.OrdersFile, ids)
}
