package tracker

import (
	"context"
	"sync/atomic"
	"time"

	"ca-tracker/agent/internal/models"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type alertCounters struct {
	sent       atomic.Int64
	suppressed atomic.Int64
}

// dispatchAlerts evaluates every cached row and delivers its new crossings.
// Rows are independent, so up to DispatchParallelism run at once.
func (e *Engine) dispatchAlerts(ctx context.Context) (sent, suppressed int) {
	var counters alertCounters

	var g errgroup.Group
	g.SetLimit(e.cfg.DispatchParallelism)
	for _, key := range e.cache.Keys() {
		g.Go(func() error {
			e.alertRow(ctx, key, &counters)
			return nil
		})
	}
	_ = g.Wait()
	return int(counters.sent.Load()), int(counters.suppressed.Load())
}

type familyCrossing struct {
	family models.AlertFamily
	levels []float64
	render func(t *models.TrackedToken, level float64) string
}

func (e *Engine) alertRow(ctx context.Context, key models.Key, counters *alertCounters) {
	row, ok := e.cache.Get(key)
	if !ok {
		return
	}
	crossed := EvaluateToken(e.cfg.Levels, row)
	if crossed.Empty() {
		return
	}

	families := []familyCrossing{
		{models.FamilyMultiplier, crossed.Multipliers, MultiplierAlert},
		{models.FamilyLoss, crossed.Losses, LossAlert},
	}
	if crossed.Rug {
		families = append(families, familyCrossing{models.FamilyRug, []float64{e.cfg.Levels.Rug}, RugAlert})
	}

	now := e.now()
	changed := false
	for _, fc := range families {
		if len(fc.levels) == 0 {
			continue
		}
		ck := CooldownKey{Key: key, Family: fc.family}
		if e.cooldowns.Suppressed(ck) {
			// left unfired so the crossing is re-evaluated once the window ends
			counters.suppressed.Add(int64(len(fc.levels)))
			e.metrics.AlertSuppressed(string(fc.family))
			e.appLogger.Debug("Alert suppressed by cooldown",
				zap.String("contract", key.ContractID),
				zap.Int64("group", key.GroupID),
				zap.String("family", string(fc.family)))
			continue
		}

		// claim the levels before delivering so a concurrent reset or removal drops them
		if !e.markFired(row, fc.family, fc.levels) {
			return
		}
		for _, level := range fc.levels {
			e.deliver(ctx, key.GroupID, fc.render(row, level))
			e.recordAlert(ctx, row, fc.family, level, now)
			counters.sent.Add(1)
			e.metrics.AlertSent(string(fc.family))
		}
		e.cooldowns.Record(ck)
		changed = true
	}

	if !changed {
		return
	}
	updated, ok := e.cache.Get(key)
	if !ok {
		return
	}
	if err := e.store.SaveTokens(ctx, []*models.TrackedToken{updated}); err != nil {
		e.metrics.StoreError("save_fired")
		e.appLogger.Warn("Failed to persist fired thresholds",
			zap.String("contract", key.ContractID),
			zap.Int64("group", key.GroupID),
			zap.Error(err))
	}
}

// markFired adds the levels to the cached row, provided it is still the tracking
// cycle that was evaluated. It reports false when the row was removed or re-registered.
func (e *Engine) markFired(evaluated *models.TrackedToken, family models.AlertFamily, levels []float64) bool {
	applied := false
	e.cache.Update(evaluated.Key(), func(t *models.TrackedToken) {
		if !t.AddedAt.Equal(evaluated.AddedAt) {
			return
		}
		switch family {
		case models.FamilyMultiplier:
			t.FiredMultipliers = t.FiredMultipliers.Add(levels...)
		case models.FamilyLoss:
			t.FiredLosses = t.FiredLosses.Add(levels...)
		case models.FamilyRug:
			t.RugAlerted = true
		}
		applied = true
	})
	return applied
}

// deliver hands the text to the dispatcher. Delivery failures are logged and the
// alert still counts as fired.
func (e *Engine) deliver(ctx context.Context, groupID int64, text string) {
	if err := e.dispatcher.Deliver(ctx, groupID, text); err != nil {
		e.metrics.DeliveryFailed()
		e.appLogger.Warn("Failed to deliver alert",
			zap.Int64("group", groupID),
			zap.Error(err))
	}
}

func (e *Engine) recordAlert(ctx context.Context, t *models.TrackedToken, family models.AlertFamily, level float64, at time.Time) {
	value := t.LossPercent()
	if family == models.FamilyMultiplier {
		value = t.Multiplier()
	}
	record := models.AlertRecord{
		ContractID: t.ContractID,
		GroupID:    t.GroupID,
		Family:     family,
		Level:      level,
		Value:      value,
		FiredAt:    at,
	}
	if err := e.store.AppendAlert(ctx, record); err != nil {
		e.metrics.StoreError("append_alert")
		e.appLogger.Warn("Failed to record alert",
			zap.String("contract", t.ContractID),
			zap.Int64("group", t.GroupID),
			zap.Error(err))
	}
}
