package tracker

import (
	"context"
	"errors"
	"time"

	"ca-tracker/agent/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var errUnusableReading = errors.New("reading has no price or market cap")

// TickReport summarises one refresh tick.
type TickReport struct {
	ID         string
	Contracts  int
	Fetched    int
	NotFound   int
	Failed     int
	Alerts     int
	Suppressed int
	Removed    int
	Duration   time.Duration
}

type fetchResult struct {
	contractID string
	info       *models.AssetInfo
	err        error
}

// Tick runs one refresh cycle: fetch each distinct contract once, apply the reading
// to every group's row, dispatch alerts, then sweep for removals.
func (e *Engine) Tick(ctx context.Context) TickReport {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	started := time.Now()
	report := TickReport{ID: uuid.NewString()}

	e.mu.Lock()
	contracts := e.cache.Contracts()
	report.Contracts = len(contracts)
	if len(contracts) > 0 {
		results := e.fetchAll(ctx, contracts)
		now := e.now()
		for _, res := range results {
			e.applyResult(ctx, res, now, &report)
		}
	}
	e.mu.Unlock()

	if len(contracts) > 0 {
		sent, suppressed := e.dispatchAlerts(ctx)
		report.Alerts = sent
		report.Suppressed = suppressed
	}

	e.mu.Lock()
	notices := e.sweep(ctx)
	e.mu.Unlock()

	report.Removed = len(notices)
	for _, n := range notices {
		e.deliver(ctx, n.groupID, n.text)
	}

	report.Duration = time.Since(started)
	e.metrics.ObserveTick(report.Duration.Seconds(), len(e.cache.Contracts()))

	if report.Contracts > 0 {
		e.appLogger.Debug("Refresh tick finished",
			zap.String("tick", report.ID),
			zap.Int("contracts", report.Contracts),
			zap.Int("fetched", report.Fetched),
			zap.Int("notFound", report.NotFound),
			zap.Int("failed", report.Failed),
			zap.Int("alerts", report.Alerts),
			zap.Int("suppressed", report.Suppressed),
			zap.Int("removed", report.Removed),
			zap.Duration("took", report.Duration))
	}
	return report
}

// fetchAll queries the provider for each contract with at most FetchBatchSize
// requests in flight. Results keep the input order.
func (e *Engine) fetchAll(ctx context.Context, contracts []string) []fetchResult {
	results := make([]fetchResult, len(contracts))

	var g errgroup.Group
	g.SetLimit(e.cfg.FetchBatchSize)
	for i, contractID := range contracts {
		g.Go(func() error {
			fetchCtx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
			defer cancel()

			info, err := e.provider.GetAssetInfo(fetchCtx, contractID)
			if err == nil && !info.Usable() {
				err = errUnusableReading
			}
			if err == nil {
				info.ContractID = contractID
			}
			results[i] = fetchResult{contractID: contractID, info: info, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (e *Engine) applyResult(ctx context.Context, res fetchResult, now time.Time, report *TickReport) {
	switch {
	case res.err == nil:
		report.Fetched++
		e.metrics.Fetch("ok")
		delete(e.misses, res.contractID)
	case errors.Is(res.err, models.ErrAssetNotFound):
		report.NotFound++
		e.metrics.Fetch("not_found")
		e.misses[res.contractID]++
		e.appLogger.Debug("No market data for tracked token",
			zap.String("contract", res.contractID),
			zap.Int("misses", e.misses[res.contractID]))
		return
	default:
		// The rows keep their last reading until the next tick.
		report.Failed++
		e.metrics.Fetch("error")
		e.appLogger.Debug("Price fetch failed",
			zap.String("contract", res.contractID),
			zap.Error(res.err))
		return
	}

	rows := e.cache.ApplyReading(res.contractID, res.info, now, e.cfg.BaselineConfirmations)
	if err := e.store.SaveTokens(ctx, rows); err != nil {
		e.metrics.StoreError("save_tokens")
		e.appLogger.Warn("Failed to persist token reading",
			zap.String("contract", res.contractID),
			zap.Error(err))
	}
}
