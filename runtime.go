// FILE: runtime.go
// Package main – Snapshot store shared between the session loop and the
// control surfaces (Telegram bot, websocket ticker).
//
// The session loop is the only writer of position state; everything else
// reads copies. One mutex, copy-in/copy-out accessors, no references to the
// engine's live maps ever escape.

package main

import "sync"

// PairSnapshot is the last market view of one pair.
type PairSnapshot struct {
	Price float64
	ATR   float64
	Level VolLevel
}

// Runtime holds the shared snapshots plus the pause flag the Telegram bot
// toggles. The zero value is ready to use.
type Runtime struct {
	mu          sync.Mutex
	lastBalance map[string]float64
	pairData    map[string]PairSnapshot
	trailing    map[string]Position
	paused      bool
}

func NewRuntime() *Runtime {
	return &Runtime{
		lastBalance: map[string]float64{},
		pairData:    map[string]PairSnapshot{},
		trailing:    map[string]Position{},
	}
}

func (r *Runtime) SetBalance(balance map[string]float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastBalance = make(map[string]float64, len(balance))
	for k, v := range balance {
		r.lastBalance[k] = v
	}
}

func (r *Runtime) Balance() map[string]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]float64, len(r.lastBalance))
	for k, v := range r.lastBalance {
		out[k] = v
	}
	return out
}

// SetPrice updates only the price of a pair snapshot (ticker feed path).
func (r *Runtime) SetPrice(pair string, price float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := r.pairData[pair]
	snap.Price = price
	r.pairData[pair] = snap
}

// SetPairData replaces the full snapshot of a pair (session loop path).
func (r *Runtime) SetPairData(pair string, snap PairSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pairData[pair] = snap
}

func (r *Runtime) PairData(pair string) (PairSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap, ok := r.pairData[pair]
	return snap, ok
}

// SetTrailing stores a deep copy of the open positions for readers.
func (r *Runtime) SetTrailing(state map[string]*Position) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trailing = make(map[string]Position, len(state))
	for pair, pos := range state {
		if pos != nil {
			r.trailing[pair] = *pos
		}
	}
}

func (r *Runtime) Trailing() map[string]Position {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Position, len(r.trailing))
	for k, v := range r.trailing {
		out[k] = v
	}
	return out
}

func (r *Runtime) SetPaused(paused bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = paused
}

func (r *Runtime) Paused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}
