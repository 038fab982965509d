// FILE: engine_test.go
package main

import (
	"context"
	"math"
	"testing"
)

func newTestEngine(t *testing.T) (*Engine, *Config, *PaperExchange) {
	t.Helper()
	cfg := testConfig(t)
	ex := NewPaperExchange()
	e, err := NewEngine(cfg, ex, NewRuntime())
	if err != nil {
		t.Fatal(err)
	}
	return e, cfg, ex
}

func buyFill(id string, price, volume float64) Order {
	return Order{ID: id, Pair: "XBTEUR", Side: SideBuy, Price: price, Volume: volume, Cost: price * volume}
}

func TestProcessClosedOrdersCreatesOppositePosition(t *testing.T) {
	e, _, _ := newTestEngine(t)

	e.ProcessClosedOrders(map[string]Order{"O1": buyFill("O1", 20000, 0.5)},
		map[string]float64{"XBTEUR": 100})

	pos := e.trailing["XBTEUR"]
	if pos == nil {
		t.Fatal("no position created")
	}
	if pos.Side != SideSell {
		t.Errorf("side = %s, want sell (opposite of the fill)", pos.Side)
	}
	if pos.EntryPrice != 20000 || pos.Volume != 0.5 {
		t.Errorf("entry/volume = %.1f/%.2f, want 20000/0.50", pos.EntryPrice, pos.Volume)
	}
	if pos.ActivationPrice != 20450 {
		t.Errorf("activation = %.1f, want 20450", pos.ActivationPrice)
	}
	if pos.Active() {
		t.Error("new position must start pending")
	}
	if !e.processed["O1"] {
		t.Error("order not marked processed")
	}
}

func TestProcessClosedOrdersMergesNearbyFill(t *testing.T) {
	e, _, _ := newTestEngine(t)
	atrs := map[string]float64{"XBTEUR": 100}

	e.ProcessClosedOrders(map[string]Order{"O1": buyFill("O1", 20000, 0.5)}, atrs)
	e.ProcessClosedOrders(map[string]Order{"O2": buyFill("O2", 20010, 0.5)}, atrs)

	pos := e.trailing["XBTEUR"]
	if pos == nil {
		t.Fatal("position vanished")
	}
	if pos.Volume != 1.0 {
		t.Errorf("merged volume = %.2f, want 1.00", pos.Volume)
	}
	// cost-weighted entry: (10000 + 10005) / 1.0
	if math.Abs(pos.EntryPrice-20005) > 1e-9 {
		t.Errorf("merged entry = %.2f, want 20005", pos.EntryPrice)
	}
	if math.Abs(pos.ActivationPrice-20455) > 1e-9 {
		t.Errorf("merged activation = %.2f, want 20455", pos.ActivationPrice)
	}
}

func TestProcessClosedOrdersIgnoresFarFill(t *testing.T) {
	e, _, _ := newTestEngine(t)
	atrs := map[string]float64{"XBTEUR": 100}

	e.ProcessClosedOrders(map[string]Order{"O1": buyFill("O1", 20000, 0.5)}, atrs)
	// 2% away with a 1% tolerance: not merged, but consumed.
	e.ProcessClosedOrders(map[string]Order{"O2": buyFill("O2", 20400, 0.5)}, atrs)

	pos := e.trailing["XBTEUR"]
	if pos.Volume != 0.5 || pos.EntryPrice != 20000 {
		t.Errorf("position mutated by far fill: %+v", pos)
	}
	if !e.processed["O2"] {
		t.Error("far fill should still be marked processed")
	}
}

func TestProcessClosedOrdersConflictingSideIgnored(t *testing.T) {
	e, _, _ := newTestEngine(t)
	atrs := map[string]float64{"XBTEUR": 100}

	e.ProcessClosedOrders(map[string]Order{"O1": buyFill("O1", 20000, 0.5)}, atrs)
	// A sell fill would open a buy position; the pending sell wins.
	sell := Order{ID: "O2", Pair: "XBTEUR", Side: SideSell, Price: 20100, Volume: 0.5, Cost: 10050}
	e.ProcessClosedOrders(map[string]Order{"O2": sell}, atrs)

	pos := e.trailing["XBTEUR"]
	if pos.Side != SideSell || pos.Volume != 0.5 {
		t.Errorf("position mutated by conflicting fill: %+v", pos)
	}
	if !e.processed["O2"] {
		t.Error("conflicting fill should still be marked processed")
	}
}

func TestProcessClosedOrdersRetriesWithoutATR(t *testing.T) {
	e, _, _ := newTestEngine(t)
	orders := map[string]Order{"O1": buyFill("O1", 20000, 0.5)}

	e.ProcessClosedOrders(orders, map[string]float64{}) // no ATR this session
	if e.processed["O1"] {
		t.Fatal("order without ATR must stay unprocessed")
	}
	if e.trailing["XBTEUR"] != nil {
		t.Fatal("no position should exist yet")
	}

	e.ProcessClosedOrders(orders, map[string]float64{"XBTEUR": 100})
	if !e.processed["O1"] || e.trailing["XBTEUR"] == nil {
		t.Error("retry with ATR should create the position")
	}
}

func TestProcessClosedOrdersSkipsUntrackedAndProcessed(t *testing.T) {
	e, _, _ := newTestEngine(t)
	atrs := map[string]float64{"XBTEUR": 100}

	other := Order{ID: "OX", Pair: "ETHEUR", Side: SideBuy, Price: 2000, Volume: 1, Cost: 2000}
	e.ProcessClosedOrders(map[string]Order{"OX": other}, atrs)
	if !e.processed["OX"] {
		t.Error("untracked pair should be consumed without a position")
	}
	if len(e.trailing) != 0 {
		t.Error("untracked pair created a position")
	}

	e.processed["O1"] = true
	e.ProcessClosedOrders(map[string]Order{"O1": buyFill("O1", 20000, 0.5)}, atrs)
	if e.trailing["XBTEUR"] != nil {
		t.Error("already-processed order must not create a position")
	}
}

// Full lifecycle over sessions: pending, activation, ratchet, stop touch,
// close at the stop price.
func TestUpdatePositionsLifecycle(t *testing.T) {
	e, cfg, ex := newTestEngine(t)
	ctx := context.Background()
	balance := map[string]float64{"XXBT": 1, "ZEUR": 0}
	atrs := map[string]float64{"XBTEUR": 100}

	e.ProcessClosedOrders(map[string]Order{"O1": buyFill("O1", 20000, 1)}, atrs)
	pos := e.trailing["XBTEUR"]

	// Below activation: still pending.
	e.UpdatePositions(ctx, balance, map[string]float64{"XBTEUR": 20400}, atrs)
	if pos.Active() {
		t.Fatal("activated below the activation price")
	}

	// Crossing 20450 arms the trailing stop at price - K_STOP*ATR.
	e.UpdatePositions(ctx, balance, map[string]float64{"XBTEUR": 20500}, atrs)
	if !pos.Active() {
		t.Fatal("not activated at 20500")
	}
	if pos.TrailingPrice != 20500 || pos.StopPrice != 20250 {
		t.Fatalf("trailing/stop = %.1f/%.1f, want 20500/20250", pos.TrailingPrice, pos.StopPrice)
	}
	if pos.Activated == nil {
		t.Error("activation timestamp not set")
	}

	// Favorable move ratchets both.
	e.UpdatePositions(ctx, balance, map[string]float64{"XBTEUR": 20800}, atrs)
	if pos.TrailingPrice != 20800 || pos.StopPrice != 20550 {
		t.Fatalf("trailing/stop = %.1f/%.1f, want 20800/20550", pos.TrailingPrice, pos.StopPrice)
	}

	// Pullback through the stop closes at the stop price, not the last price.
	e.UpdatePositions(ctx, balance, map[string]float64{"XBTEUR": 20540}, atrs)
	if e.trailing["XBTEUR"] != nil {
		t.Fatal("position not closed after stop touch")
	}
	if len(ex.Placed) != 1 {
		t.Fatalf("placed %d orders, want 1", len(ex.Placed))
	}
	order := ex.Placed[0]
	if order.Side != SideSell || order.Price != 20550 {
		t.Errorf("closing order = %s@%.1f, want sell@20550", order.Side, order.Price)
	}

	closed, err := loadClosedPositions(cfg)
	if err != nil {
		t.Fatal(err)
	}
	hist := closed["XBTEUR"]
	if len(hist) != 1 {
		t.Fatalf("closed history has %d entries, want 1", len(hist))
	}
	if hist[0].Pnl != 2.75 {
		t.Errorf("pnl = %.2f, want 2.75", hist[0].Pnl)
	}
	if hist[0].ClosingPrice != 20550 || hist[0].ClosingOrder == "" {
		t.Errorf("closing record incomplete: %+v", hist[0])
	}
}

func TestClosePositionAbortsWhenOrderFails(t *testing.T) {
	e, _, ex := newTestEngine(t)
	ctx := context.Background()
	balance := map[string]float64{"XXBT": 1, "ZEUR": 0}
	atrs := map[string]float64{"XBTEUR": 100}

	e.ProcessClosedOrders(map[string]Order{"O1": buyFill("O1", 20000, 1)}, atrs)
	e.UpdatePositions(ctx, balance, map[string]float64{"XBTEUR": 20800}, atrs)
	pos := e.trailing["XBTEUR"]
	if !pos.Active() {
		t.Fatal("position should be active")
	}
	stopBefore := pos.StopPrice

	ex.FailNextPlace = true
	e.UpdatePositions(ctx, balance, map[string]float64{"XBTEUR": 20500}, atrs)

	pos = e.trailing["XBTEUR"]
	if pos == nil {
		t.Fatal("position must survive a failed closing order")
	}
	if pos.StopPrice != stopBefore || pos.ClosingOrder != "" || pos.Pnl != 0 {
		t.Errorf("position mutated despite the abort: %+v", pos)
	}

	// Next session the order goes through.
	e.UpdatePositions(ctx, balance, map[string]float64{"XBTEUR": 20500}, atrs)
	if e.trailing["XBTEUR"] != nil {
		t.Error("retry should close the position")
	}
	if len(ex.Placed) != 1 {
		t.Errorf("placed %d orders, want 1", len(ex.Placed))
	}
}

func TestClosePositionSellAllocationGate(t *testing.T) {
	e, cfg, ex := newTestEngine(t)
	ctx := context.Background()
	balance := map[string]float64{"XXBT": 1, "ZEUR": 0}
	atrs := map[string]float64{"XBTEUR": 100}
	cfg.Pairs["XBTEUR"].MinAllocation = 0.5

	e.ProcessClosedOrders(map[string]Order{"O1": buyFill("O1", 20000, 1)}, atrs)
	e.UpdatePositions(ctx, balance, map[string]float64{"XBTEUR": 20800}, atrs)
	// Selling the whole above-hodl value would leave allocation at zero.
	e.UpdatePositions(ctx, balance, map[string]float64{"XBTEUR": 20500}, atrs)

	if e.trailing["XBTEUR"] == nil {
		t.Fatal("blocked sell must keep the position for the next session")
	}
	if len(ex.Placed) != 0 {
		t.Errorf("placed %d orders, want 0", len(ex.Placed))
	}
}

func TestClosePositionDropsDustPosition(t *testing.T) {
	e, _, ex := newTestEngine(t)
	ctx := context.Background()
	atrs := map[string]float64{"XBTEUR": 100}
	// 0.0001 BTC at ~20k is ~2 EUR, under the 10 EUR minimum.
	balance := map[string]float64{"XXBT": 0.0001, "ZEUR": 0}

	e.ProcessClosedOrders(map[string]Order{"O1": buyFill("O1", 20000, 0.0001)}, atrs)
	e.UpdatePositions(ctx, balance, map[string]float64{"XBTEUR": 20800}, atrs)
	e.UpdatePositions(ctx, balance, map[string]float64{"XBTEUR": 20500}, atrs)

	if e.trailing["XBTEUR"] != nil {
		t.Error("dust position should be dropped")
	}
	if len(ex.Placed) != 0 {
		t.Errorf("placed %d orders, want 0", len(ex.Placed))
	}
}

func TestUpdatePendingATRDriftRecalibrates(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	balance := map[string]float64{"XXBT": 1, "ZEUR": 0}

	e.ProcessClosedOrders(map[string]Order{"O1": buyFill("O1", 20000, 1)},
		map[string]float64{"XBTEUR": 100})
	pos := e.trailing["XBTEUR"]

	// +30% ATR is outside the 20% band: activation tracks the new ATR.
	e.UpdatePositions(ctx, balance, map[string]float64{"XBTEUR": 20000},
		map[string]float64{"XBTEUR": 130})
	if pos.ActivationPrice != 20585 {
		t.Errorf("activation = %.1f, want 20585 (entry + 4.5*130)", pos.ActivationPrice)
	}
	if pos.ActivationATR != 130 {
		t.Errorf("stored ATR = %.1f, want 130", pos.ActivationATR)
	}

	// Inside the band nothing moves.
	e.UpdatePositions(ctx, balance, map[string]float64{"XBTEUR": 20000},
		map[string]float64{"XBTEUR": 120})
	if pos.ActivationPrice != 20585 {
		t.Errorf("activation recalibrated inside the band: %.1f", pos.ActivationPrice)
	}
}

func TestUpdatePendingRecenter(t *testing.T) {
	e, cfg, _ := newTestEngine(t)
	ctx := context.Background()
	balance := map[string]float64{"XXBT": 1, "ZEUR": 0}
	atrs := map[string]float64{"XBTEUR": 100}
	cfg.RecenterEnable = true
	cfg.RecenterATRMult = 8
	cfg.RecenterPct = 0.05

	e.ProcessClosedOrders(map[string]Order{"O1": buyFill("O1", 20000, 1)}, atrs)
	pos := e.trailing["XBTEUR"]

	// 18000 is 2450 from the 20450 target, past max(8*100, 0.05*18000)=900:
	// the position re-anchors to the current price.
	e.UpdatePositions(ctx, balance, map[string]float64{"XBTEUR": 18000}, atrs)
	if pos.EntryPrice != 18000 || pos.ActivationPrice != 18450 {
		t.Errorf("entry/activation = %.1f/%.1f, want 18000/18450", pos.EntryPrice, pos.ActivationPrice)
	}

	// A small wander stays anchored.
	e.UpdatePositions(ctx, balance, map[string]float64{"XBTEUR": 17900}, atrs)
	if pos.EntryPrice != 18000 {
		t.Errorf("recentered on a move inside the threshold: entry %.1f", pos.EntryPrice)
	}
}

func TestActiveATRDriftRecalibratesAgainstTrailing(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	balance := map[string]float64{"XXBT": 1, "ZEUR": 0}

	e.ProcessClosedOrders(map[string]Order{"O1": buyFill("O1", 20000, 1)},
		map[string]float64{"XBTEUR": 100})
	e.UpdatePositions(ctx, balance, map[string]float64{"XBTEUR": 20800},
		map[string]float64{"XBTEUR": 100})
	pos := e.trailing["XBTEUR"]
	if pos.StopPrice != 20550 {
		t.Fatalf("stop = %.1f, want 20550", pos.StopPrice)
	}

	// ATR collapses by half: the stop recomputes against the stored trailing
	// price (20800 - 2.5*50 = 20675), not the current price. 20700 is still
	// above the tightened stop so the position stays open.
	e.UpdatePositions(ctx, balance, map[string]float64{"XBTEUR": 20700},
		map[string]float64{"XBTEUR": 50})
	pos = e.trailing["XBTEUR"]
	if pos == nil {
		t.Fatal("position closed by recalibration")
	}
	if pos.StopPrice != 20675 || pos.StopATR != 50 {
		t.Errorf("stop/atr = %.1f/%.1f, want 20675/50", pos.StopPrice, pos.StopATR)
	}
}

func TestEnginePersistRoundTrip(t *testing.T) {
	e, cfg, ex := newTestEngine(t)
	atrs := map[string]float64{"XBTEUR": 100}

	e.ProcessClosedOrders(map[string]Order{"O1": buyFill("O1", 20000, 0.5)}, atrs)
	e.persist()

	// A fresh engine over the same stores sees the same world.
	e2, err := NewEngine(cfg, ex, NewRuntime())
	if err != nil {
		t.Fatal(err)
	}
	pos := e2.trailing["XBTEUR"]
	if pos == nil || pos.EntryPrice != 20000 || pos.ActivationPrice != 20450 {
		t.Fatalf("restored position = %+v", pos)
	}
	if !e2.processed["O1"] {
		t.Error("processed ledger not restored")
	}
	// Replaying the same fill must not double the position.
	e2.ProcessClosedOrders(map[string]Order{"O1": buyFill("O1", 20000, 0.5)}, atrs)
	if e2.trailing["XBTEUR"].Volume != 0.5 {
		t.Error("replayed fill mutated the restored position")
	}
}
