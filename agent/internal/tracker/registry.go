package tracker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"ca-tracker/agent/database"
	"ca-tracker/agent/internal/models"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// EnsureGroup records the group on first interaction and re-activates it afterwards.
func (e *Engine) EnsureGroup(ctx context.Context, groupID int64, title string) error {
	if err := e.store.EnsureGroup(ctx, models.Group{ID: groupID, Title: title}); err != nil {
		e.metrics.StoreError("ensure_group")
		return fmt.Errorf("ensure group %d: %w", groupID, err)
	}
	return nil
}

// DeactivateGroup flags the group inactive, e.g. after the bot is removed from the chat.
// Its rows are left untouched.
func (e *Engine) DeactivateGroup(ctx context.Context, groupID int64) error {
	if err := e.store.DeactivateGroup(ctx, groupID); err != nil && !errors.Is(err, database.ErrNotFound) {
		e.metrics.StoreError("deactivate_group")
		return fmt.Errorf("deactivate group %d: %w", groupID, err)
	}
	return nil
}

// RegisterToken starts tracking a contract in a group. The first reading becomes
// the provisional baseline. A previously removed row is reset and tracked again.
func (e *Engine) RegisterToken(ctx context.Context, contractID string, groupID int64) (*models.TrackedToken, error) {
	contractID = strings.TrimSpace(contractID)
	if contractID == "" {
		return nil, ErrInvalidContract
	}
	key := models.Key{ContractID: contractID, GroupID: groupID}

	existing, err := e.store.GetToken(ctx, key)
	switch {
	case err == nil && existing.Status == models.StatusActive:
		return nil, ErrAlreadyTracked
	case err != nil && !errors.Is(err, database.ErrNotFound):
		e.metrics.StoreError("get_token")
		return nil, fmt.Errorf("lookup %s: %w", contractID, err)
	}

	if err := e.checkGroupLimit(ctx, groupID); err != nil {
		return nil, err
	}

	if err := e.EnsureGroup(ctx, groupID, ""); err != nil {
		return nil, err
	}

	info, err := e.fetchForRegistration(ctx, contractID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// registrations for the same group may have landed during the fetch
	if err := e.checkGroupLimit(ctx, groupID); err != nil {
		return nil, err
	}

	token := models.NewTrackedToken(groupID, info, e.now())
	if err := e.store.CreateToken(ctx, token); err != nil {
		if errors.Is(err, database.ErrDuplicateKey) {
			return nil, ErrAlreadyTracked
		}
		e.metrics.StoreError("create_token")
		return nil, fmt.Errorf("create token %s: %w", contractID, err)
	}
	e.cache.Upsert(token)
	e.cooldowns.Forget(key)

	e.appLogger.Info("Token registered",
		zap.String("contract", contractID),
		zap.Int64("group", groupID),
		zap.String("symbol", token.Symbol),
		zap.Float64("mcap", token.InitialMcap),
		zap.String("source", info.Source))
	return token.Clone(), nil
}

func (e *Engine) checkGroupLimit(ctx context.Context, groupID int64) error {
	if e.cfg.MaxTokensPerGroup <= 0 {
		return nil
	}
	n, err := e.store.CountActive(ctx, groupID)
	if err != nil {
		e.metrics.StoreError("count_active")
		return fmt.Errorf("count tokens of group %d: %w", groupID, err)
	}
	if n >= e.cfg.MaxTokensPerGroup {
		return ErrGroupLimitReached
	}
	return nil
}

// fetchForRegistration retries transient provider failures and empty readings with
// exponential backoff. A definitive not-found is not retried.
func (e *Engine) fetchForRegistration(ctx context.Context, contractID string) (*models.AssetInfo, error) {
	var (
		info    *models.AssetInfo
		lastErr error
	)
	op := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
		defer cancel()

		got, err := e.provider.GetAssetInfo(attemptCtx, contractID)
		switch {
		case errors.Is(err, models.ErrAssetNotFound):
			lastErr = err
			return backoff.Permanent(err)
		case err != nil:
			lastErr = err
			return err
		case !got.Usable():
			lastErr = errUnusableReading
			return errUnusableReading
		}
		got.ContractID = contractID
		info = got
		return nil
	}

	p := e.cfg.RegistrationRetry
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = 0
	b.Reset()

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1)), ctx))
	if err == nil {
		return info, nil
	}
	if lastErr == nil {
		lastErr = err
	}

	switch {
	case errors.Is(lastErr, models.ErrAssetNotFound), errors.Is(lastErr, errUnusableReading):
		return nil, fmt.Errorf("%w: %s", ErrNoMarketData, contractID)
	case isTimeout(lastErr), isTimeout(err):
		return nil, fmt.Errorf("%w: %v", ErrProviderTimeout, lastErr)
	default:
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, lastErr)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// RemoveToken stops tracking a contract in one group.
func (e *Engine) RemoveToken(ctx context.Context, contractID string, groupID int64) error {
	key := models.Key{ContractID: strings.TrimSpace(contractID), GroupID: groupID}

	e.mu.Lock()
	defer e.mu.Unlock()

	ok, err := e.store.TransitionStatus(ctx, key, models.StatusRemovedManually, e.now())
	if err != nil {
		e.metrics.StoreError("transition")
		return fmt.Errorf("remove %s: %w", key.ContractID, err)
	}
	e.cache.Remove(key)
	e.cooldowns.Forget(key)
	if !ok {
		return ErrNotTracked
	}

	e.metrics.Removed(string(models.StatusRemovedManually))
	e.appLogger.Info("Token removed manually",
		zap.String("contract", key.ContractID),
		zap.Int64("group", groupID))
	return nil
}

// ListTokens returns the group's Active rows.
func (e *Engine) ListTokens(ctx context.Context, groupID int64) ([]*models.TrackedToken, error) {
	rows, err := e.store.ListByGroup(ctx, groupID, false)
	if err != nil {
		e.metrics.StoreError("list_group")
		return nil, fmt.Errorf("list tokens of group %d: %w", groupID, err)
	}
	return rows, nil
}

// GetGroupStatistics summarises the group's rows and alert history.
func (e *Engine) GetGroupStatistics(ctx context.Context, groupID int64) (*models.GroupStatistics, error) {
	rows, err := e.store.ListByGroup(ctx, groupID, true)
	if err != nil {
		e.metrics.StoreError("list_group")
		return nil, fmt.Errorf("list tokens of group %d: %w", groupID, err)
	}

	stats := &models.GroupStatistics{GroupID: groupID}
	for _, t := range rows {
		if t.Status.Terminal() {
			stats.RemovedTokens++
			continue
		}
		stats.TotalActive++
		switch {
		case t.CurrentMcap > t.BaselineMcap:
			stats.GainingTokens++
		case t.CurrentMcap < t.BaselineMcap:
			stats.LosingTokens++
		}
		if m := t.Multiplier(); m > stats.BestMultiplier {
			stats.BestMultiplier = m
			stats.BestSymbol = t.Symbol
		}
	}

	stats.AlertsSent, err = e.store.CountAlerts(ctx, groupID)
	if err != nil {
		e.metrics.StoreError("count_alerts")
		return nil, fmt.Errorf("count alerts of group %d: %w", groupID, err)
	}
	return stats, nil
}
