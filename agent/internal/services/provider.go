package services

import (
	"context"
	"errors"
	"fmt"

	"ca-tracker/agent/internal/models"
	"ca-tracker/shared/logger"

	"go.uber.org/zap"
)

// NamedProvider is a single market data source.
type NamedProvider interface {
	Name() string
	GetAssetInfo(ctx context.Context, contractID string) (*models.AssetInfo, error)
}

// FallbackProvider asks each provider in priority order and returns the first usable reading.
type FallbackProvider struct {
	providers []NamedProvider
	appLogger *logger.Logger
}

func NewFallbackProvider(appLogger *logger.Logger, providers ...NamedProvider) *FallbackProvider {
	return &FallbackProvider{providers: providers, appLogger: appLogger}
}

func (f *FallbackProvider) Name() string { return "fallback" }

// GetAssetInfo returns models.ErrAssetNotFound only when every provider answered
// that the contract has no market. When no provider had a usable reading but one
// listed the contract, that unusable reading is returned so callers can retry it.
func (f *FallbackProvider) GetAssetInfo(ctx context.Context, contractID string) (*models.AssetInfo, error) {
	if len(f.providers) == 0 {
		return nil, errors.New("no price providers configured")
	}

	var (
		failures []error
		unusable *models.AssetInfo
	)
	for _, p := range f.providers {
		info, err := p.GetAssetInfo(ctx, contractID)
		switch {
		case err == nil && info.Usable():
			if info.Source == "" {
				info.Source = p.Name()
			}
			return info, nil
		case err == nil:
			if unusable == nil && info != nil {
				unusable = info
				if unusable.Source == "" {
					unusable.Source = p.Name()
				}
			}
			f.appLogger.Debug("Price provider returned no usable reading",
				zap.String("provider", p.Name()),
				zap.String("contract", contractID),
			)
		case errors.Is(err, models.ErrAssetNotFound):
			// not listed here, a later provider may still have it
		default:
			failures = append(failures, fmt.Errorf("%s: %w", p.Name(), err))
			f.appLogger.Debug("Price provider failed, trying next",
				zap.String("provider", p.Name()),
				zap.String("contract", contractID),
				zap.Error(err),
			)
		}

		if ctx.Err() != nil {
			return nil, fmt.Errorf("price lookup for %s: %w", contractID, ctx.Err())
		}
	}

	if len(failures) > 0 {
		return nil, fmt.Errorf("all price providers failed for %s: %w", contractID, errors.Join(failures...))
	}
	if unusable != nil {
		return unusable, nil
	}
	return nil, models.ErrAssetNotFound
}
