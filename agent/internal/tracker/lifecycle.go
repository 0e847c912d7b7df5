package tracker

import (
	"context"

	"ca-tracker/agent/internal/models"

	"go.uber.org/zap"
)

// removalStatus decides whether an Active row should be retired, or "" to keep it.
func (e *Engine) removalStatus(t *models.TrackedToken) models.Status {
	if e.cfg.DelistAfterMisses > 0 && e.misses[t.ContractID] >= e.cfg.DelistAfterMisses {
		return models.StatusDelisted
	}
	if t.BaselineMcap > 0 && t.CurrentMcap > 0 && t.LossPercent() <= e.cfg.AutoRemoveLoss+levelEpsilon {
		return models.StatusAutoRemovedLoss
	}
	if e.cfg.ZeroLiquidityRemoval && t.LiquidityUSD < e.cfg.LiquidityFloorUSD && t.CurrentMcap < e.cfg.SmallCapFloorUSD {
		return models.StatusAutoRemovedLiquidity
	}
	return ""
}

type removalNotice struct {
	groupID int64
	text    string
}

// sweep retires every Active row that meets a removal condition and returns the
// notices for the rows this call retired. Callers hold e.mu and deliver the notices
// after releasing it.
func (e *Engine) sweep(ctx context.Context) []removalNotice {
	rows, err := e.store.ListActive(ctx)
	if err != nil {
		e.metrics.StoreError("list_active")
		e.appLogger.Warn("Lifecycle sweep skipped: cannot list active tokens", zap.Error(err))
		return nil
	}

	var notices []removalNotice
	for _, row := range rows {
		// prefer the cache: it holds readings whose persistence may have failed
		if cached, ok := e.cache.Get(row.Key()); ok {
			row = cached
		}
		status := e.removalStatus(row)
		if status == "" {
			continue
		}
		if e.retire(ctx, row, status) {
			notices = append(notices, removalNotice{groupID: row.GroupID, text: RemovalNotice(row, status, e.cfg)})
		}
	}

	for contractID := range e.misses {
		if len(e.cache.RowsFor(contractID)) == 0 {
			delete(e.misses, contractID)
		}
	}
	return notices
}

// retire moves the row to a terminal status and reports whether this call performed
// the transition. Only that call's notice is sent, so repeated sweeps notify once.
func (e *Engine) retire(ctx context.Context, t *models.TrackedToken, status models.Status) bool {
	key := t.Key()
	ok, err := e.store.TransitionStatus(ctx, key, status, e.now())
	if err != nil {
		e.metrics.StoreError("transition")
		e.appLogger.Warn("Failed to retire token",
			zap.String("contract", key.ContractID),
			zap.Int64("group", key.GroupID),
			zap.String("status", string(status)),
			zap.Error(err))
		return false
	}
	e.cache.Remove(key)
	e.cooldowns.Forget(key)
	if !ok {
		return false
	}

	e.metrics.Removed(string(status))
	e.appLogger.Info("Token retired",
		zap.String("contract", key.ContractID),
		zap.Int64("group", key.GroupID),
		zap.String("symbol", t.Symbol),
		zap.String("status", string(status)),
		zap.Float64("changePct", t.LossPercent()))

	level := 0.0
	if status == models.StatusAutoRemovedLoss {
		level = e.cfg.AutoRemoveLoss
	}
	if err := e.store.AppendAlert(ctx, models.AlertRecord{
		ContractID: key.ContractID,
		GroupID:    key.GroupID,
		Family:     models.FamilyRemoval,
		Level:      level,
		Value:      t.LossPercent(),
		FiredAt:    e.now(),
	}); err != nil {
		e.metrics.StoreError("append_alert")
		e.appLogger.Warn("Failed to record removal", zap.String("contract", key.ContractID), zap.Error(err))
	}
	return true
}
