// FILE: engine.go
// Package main – Position engine: the per-pair lifecycle state machine.
//
// One Engine instance owns all position mutation. The session loop
// (live.go) calls it single-threaded; control surfaces only see snapshots
// through Runtime. Per session the engine:
//
//  1. turns newly filled orders into opposite-side trailing positions,
//     merging same-direction pending positions whose entries are within
//     the merge tolerance
//  2. walks every open position: recalibrates activation/stop prices when
//     ATR has drifted out of the deviation band, optionally recenters a
//     stranded activation target, arms the trailing stop on activation,
//     ratchets it on favorable moves, and closes on an adverse stop touch
//
// A close places a limit order at the stop price. If placement fails the
// position is left untouched and retried next session; nothing is mutated
// before the order is accepted.

package main

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
)

type Engine struct {
	cfg *Config
	ex  Exchange
	rt  *Runtime

	trailing  map[string]*Position
	processed map[string]bool
}

// NewEngine loads persisted state and returns a ready engine.
func NewEngine(cfg *Config, ex Exchange, rt *Runtime) (*Engine, error) {
	trailing, err := loadTrailingState(cfg)
	if err != nil {
		return nil, err
	}
	processed, err := loadProcessedOrders(cfg)
	if err != nil {
		return nil, err
	}
	e := &Engine{cfg: cfg, ex: ex, rt: rt, trailing: trailing, processed: processed}
	rt.SetTrailing(trailing)
	return e, nil
}

// persist writes the open positions and processed-order ledger to disk and
// refreshes the runtime snapshot.
func (e *Engine) persist() {
	if err := saveTrailingState(e.cfg, e.trailing); err != nil {
		logger.Error().Err(err).Msg("persisting trailing state failed")
	}
	if err := saveProcessedOrders(e.cfg, e.processed); err != nil {
		logger.Error().Err(err).Msg("persisting processed orders failed")
	}
	e.rt.SetTrailing(e.trailing)
}

// ---- order ingestion ----

// ProcessClosedOrders turns filled orders on tracked pairs into trailing
// positions. A filled buy spawns a pending sell and vice versa: the shadow
// position exists to unwind the fill at a better price.
//
// Orders whose pair has no usable ATR this session stay unprocessed and are
// retried; everything else is marked processed exactly once.
func (e *Engine) ProcessClosedOrders(orders map[string]Order, atrs map[string]float64) {
	for id, order := range orders {
		if e.processed[id] {
			continue
		}
		pc, tracked := e.cfg.Pairs[order.Pair]
		if !tracked {
			e.processed[id] = true
			continue
		}
		if order.Volume <= 0 || order.Price <= 0 {
			e.processed[id] = true
			continue
		}
		atr, ok := atrs[order.Pair]
		if !ok {
			logger.Warn().Str("pair", order.Pair).Str("order", id).
				Msg("no ATR this session, order kept for retry")
			continue
		}
		if e.createOrMerge(pc, order, atr) {
			e.processed[id] = true
		}
	}
}

// createOrMerge opens the opposite-side position for a fill, or folds the
// fill into an existing pending position of the same direction when entries
// are close enough. Returns false when the order must be retried.
func (e *Engine) createOrMerge(pc *PairConfig, order Order, atr float64) bool {
	newSide := order.Side.Opposite()
	entry := order.Price

	if pos, ok := e.trailing[pc.Name]; ok && pos != nil {
		if pos.Active() || pos.Side != newSide {
			logger.Warn().Str("pair", pc.Name).Str("order", order.ID).
				Str("existing", pos.String()).
				Msg("position already open, fill ignored")
			return true
		}
		if math.Abs(entry-pos.EntryPrice)/pos.EntryPrice > e.cfg.MergeTolerance {
			logger.Warn().Str("pair", pc.Name).Str("order", order.ID).
				Float64("entry", entry).Float64("existing_entry", pos.EntryPrice).
				Msg("pending position too far from fill, fill ignored")
			return true
		}
		pos.Volume += order.Volume
		pos.Cost += order.Cost
		if pos.Volume > 0 {
			pos.EntryPrice = pos.Cost / pos.Volume
		}
		act, err := activationPrice(&pc.Params, pos.Side, pos.EntryPrice, atr, pc.Profile)
		if err != nil {
			logger.Error().Err(err).Str("pair", pc.Name).Msg("merge: activation recompute failed")
			return false
		}
		pos.ActivationPrice = act
		pos.ActivationATR = atr
		mtxPositionEvents.WithLabelValues("merged").Inc()
		notify("[%s] merged fill into pending %s position: entry %.1f, activation %.1f",
			pc.Name, pos.Side, pos.EntryPrice, pos.ActivationPrice)
		return true
	}

	act, err := activationPrice(&pc.Params, newSide, entry, atr, pc.Profile)
	if err != nil {
		logger.Error().Err(err).Str("pair", pc.Name).Msg("create: no activation price, order kept for retry")
		return false
	}
	pos := &Position{
		ID:              uuid.NewString(),
		Side:            newSide,
		EntryPrice:      entry,
		Volume:          order.Volume,
		Cost:            order.Cost,
		ActivationPrice: act,
		ActivationATR:   atr,
		Created:         time.Now().UTC(),
	}
	e.trailing[pc.Name] = pos
	mtxPositionEvents.WithLabelValues("created").Inc()
	notify("[%s] new %s position from order %s: entry %.1f, activation %.1f",
		pc.Name, newSide, order.ID, entry, act)
	return true
}

// ---- session update ----

// UpdatePositions runs one pass of the state machine over every open
// position. balance and lastPrices come from this session's snapshot; atrs
// only contains pairs whose window refresh succeeded.
func (e *Engine) UpdatePositions(ctx context.Context, balance, lastPrices, atrs map[string]float64) {
	for pair, pos := range e.trailing {
		pc, ok := e.cfg.Pairs[pair]
		if !ok || pos == nil {
			continue
		}
		price, okP := lastPrices[pair]
		atr, okA := atrs[pair]
		if !okP || !okA || price <= 0 {
			logger.Warn().Str("pair", pair).Msg("missing price or ATR, position untouched")
			continue
		}
		if pos.Active() {
			e.updateActive(ctx, pc, pos, balance, lastPrices, price, atr)
		} else {
			e.updatePending(pc, pos, price, atr)
		}
	}
	e.reportGauges(lastPrices)
}

// updatePending recalibrates and recenters the activation target, then arms
// the trailing stop once price crosses it.
func (e *Engine) updatePending(pc *PairConfig, pos *Position, price, atr float64) {
	if atrDrifted(pos.ActivationATR, atr, e.cfg.ATRDesvLimit) {
		if act, err := activationPrice(&pc.Params, pos.Side, pos.EntryPrice, atr, pc.Profile); err == nil {
			logger.Info().Str("pair", pc.Name).Float64("old", pos.ActivationPrice).Float64("new", act).
				Msg("ATR drift: activation recalibrated")
			pos.ActivationPrice = act
			pos.ActivationATR = atr
		}
	}

	if e.cfg.RecenterEnable && !activationHit(pos.Side, price, pos.ActivationPrice) {
		threshold := math.Max(e.cfg.RecenterATRMult*atr, e.cfg.RecenterPct*price)
		if math.Abs(price-pos.ActivationPrice) > threshold {
			if act, err := activationPrice(&pc.Params, pos.Side, price, atr, pc.Profile); err == nil {
				logger.Info().Str("pair", pc.Name).Float64("old_entry", pos.EntryPrice).
					Float64("new_entry", price).Float64("activation", act).
					Msg("activation recentered to current price")
				pos.EntryPrice = price
				pos.ActivationPrice = act
				pos.ActivationATR = atr
				mtxPositionEvents.WithLabelValues("recentered").Inc()
			}
		}
	}

	if !activationHit(pos.Side, price, pos.ActivationPrice) {
		return
	}
	stop, err := stopPrice(&pc.Params, pos.Side, pos.EntryPrice, price, atr, pc.Profile)
	if err != nil {
		logger.Error().Err(err).Str("pair", pc.Name).Msg("activation: no stop price")
		return
	}
	now := time.Now().UTC()
	pos.TrailingPrice = price
	pos.StopPrice = stop
	pos.StopATR = atr
	pos.Activated = &now
	mtxPositionEvents.WithLabelValues("activated").Inc()
	notify("[%s] %s position activated at %.1f: stop %.1f", pc.Name, pos.Side, price, stop)
}

// updateActive recalibrates the stop on ATR drift (against the stored
// trailing price so recalibration alone can never trigger a close), ratchets
// it on favorable moves, and closes when price crosses it adversely.
func (e *Engine) updateActive(ctx context.Context, pc *PairConfig, pos *Position, balance, lastPrices map[string]float64, price, atr float64) {
	if atrDrifted(pos.StopATR, atr, e.cfg.ATRDesvLimit) {
		if stop, err := stopPrice(&pc.Params, pos.Side, pos.EntryPrice, pos.TrailingPrice, atr, pc.Profile); err == nil {
			logger.Info().Str("pair", pc.Name).Float64("old", pos.StopPrice).Float64("new", stop).
				Msg("ATR drift: stop recalibrated")
			pos.StopPrice = stop
			pos.StopATR = atr
		}
	}

	if favorableMove(pos.Side, price, pos.TrailingPrice) {
		if stop, err := stopPrice(&pc.Params, pos.Side, pos.EntryPrice, price, atr, pc.Profile); err == nil {
			logger.Info().Str("pair", pc.Name).Float64("trailing", price).Float64("stop", stop).
				Msg("trailing advanced")
			pos.TrailingPrice = price
			pos.StopPrice = stop
			pos.StopATR = atr
		}
	}

	if stopHit(pos.Side, price, pos.StopPrice) {
		e.closePosition(ctx, pc, pos, balance, lastPrices)
	}
}

// closePosition executes a stop touch: sizes the closing order from current
// inventory, applies the sell allocation gate, places a limit order at the
// stop price and archives the position. Any failure before order acceptance
// leaves the position untouched.
func (e *Engine) closePosition(ctx context.Context, pc *PairConfig, pos *Position, balance, lastPrices map[string]float64) {
	execPrice := pos.StopPrice
	notify("[%s] stop %.1f hit, placing limit %s order", pc.Name, execPrice, pos.Side)

	_, value := calculatePosition(e.cfg, pc, balance, lastPrices, e.trailing, pos.Side)
	if value < e.cfg.MinValue {
		notifyWarn("[%s] dropping %s position: value %.1f below minimum %.1f",
			pc.Name, pos.Side, value, e.cfg.MinValue)
		delete(e.trailing, pc.Name)
		mtxPositionEvents.WithLabelValues("dropped").Inc()
		return
	}
	volume := value / execPrice
	if volume <= 0 {
		notifyWarn("[%s] dropping %s position: volume %.8f", pc.Name, pos.Side, volume)
		delete(e.trailing, pc.Name)
		mtxPositionEvents.WithLabelValues("dropped").Inc()
		return
	}
	if pos.Side == SideSell && !sellAllocationOK(e.cfg, pc, balance, lastPrices, value) {
		logger.Info().Str("pair", pc.Name).Float64("value", value).
			Msg("sell blocked by allocation floor, retrying next session")
		mtxPositionEvents.WithLabelValues("blocked").Inc()
		return
	}

	orderID, err := e.ex.PlaceLimitOrder(ctx, pc.Name, pos.Side, execPrice, volume)
	if err != nil {
		notifyError("[%s] closing order failed, close aborted: %v", pc.Name, err)
		return
	}
	mtxOrdersPlaced.WithLabelValues(string(pos.Side)).Inc()

	now := time.Now().UTC()
	pos.Volume = volume
	pos.ClosingPrice = execPrice
	pos.ClosingOrder = orderID
	pos.ClosingTime = &now
	pos.Pnl = math.Round(pnlPct(pos.Side, pos.EntryPrice, execPrice)*100) / 100
	if err := appendClosedPosition(e.cfg, pc.Name, *pos); err != nil {
		logger.Error().Err(err).Str("pair", pc.Name).Msg("archiving closed position failed")
	}
	delete(e.trailing, pc.Name)
	mtxPositionEvents.WithLabelValues("closed").Inc()
	mtxRealizedPnl.WithLabelValues(pc.Name).Set(pos.Pnl)
	notify("[%s] position closed: %+.2f%%", pc.Name, pos.Pnl)
}

// reportGauges refreshes the per-pair position gauges.
func (e *Engine) reportGauges(lastPrices map[string]float64) {
	for _, name := range e.cfg.PairNames {
		pending, active := 0.0, 0.0
		if pos, ok := e.trailing[name]; ok && pos != nil {
			if pos.Active() {
				active = 1
			} else {
				pending = 1
			}
		}
		mtxOpenPositions.WithLabelValues(name, "pending").Set(pending)
		mtxOpenPositions.WithLabelValues(name, "active").Set(active)
		if p, ok := lastPrices[name]; ok {
			mtxLastPrice.WithLabelValues(name).Set(p)
		}
	}
}
