package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ca-tracker/agent/database"
	"ca-tracker/agent/internal/models"
	"ca-tracker/shared/logger"
	"ca-tracker/shared/metrics"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"
)

var (
	ErrAlreadyTracked      = errors.New("token is already tracked in this group")
	ErrNotTracked          = errors.New("token is not tracked in this group")
	ErrNoMarketData        = errors.New("no market data for token")
	ErrProviderTimeout     = errors.New("price provider timed out")
	ErrProviderUnavailable = errors.New("price provider unavailable")
	ErrGroupLimitReached   = errors.New("group reached its tracked token limit")
	ErrInvalidContract     = errors.New("invalid contract id")
)

// PriceProvider returns the current market reading for a contract.
// It returns models.ErrAssetNotFound when the contract has no market.
type PriceProvider interface {
	GetAssetInfo(ctx context.Context, contractID string) (*models.AssetInfo, error)
}

// Dispatcher delivers a rendered alert to a group chat.
type Dispatcher interface {
	Deliver(ctx context.Context, groupID int64, text string) error
}

// Engine refreshes every tracked token on a schedule, alerts groups on threshold
// crossings and retires rows that collapse. One refresh tick runs at a time.
type Engine struct {
	cfg        Config
	store      database.TokenStore
	provider   PriceProvider
	dispatcher Dispatcher
	appLogger  *logger.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	cache     *Cache
	cooldowns *CooldownGuard

	// tickMu allows one tick at a time. mu guards the update and sweep phases
	// against registrations and removals; alert delivery runs outside it.
	tickMu sync.Mutex
	mu     sync.Mutex
	misses map[string]int
}

type Option func(*Engine)

// WithClock overrides the wall clock, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func NewEngine(cfg Config, store database.TokenStore, provider PriceProvider, dispatcher Dispatcher, appLogger *logger.Logger, opts ...Option) (*Engine, error) {
	if err := cfg.Normalize(); err != nil {
		return nil, fmt.Errorf("invalid tracker config: %w", err)
	}
	if store == nil || provider == nil || dispatcher == nil {
		return nil, errors.New("tracker needs a store, a price provider and a dispatcher")
	}
	if appLogger == nil {
		appLogger = logger.NewNop()
	}

	e := &Engine{
		cfg:        cfg,
		store:      store,
		provider:   provider,
		dispatcher: dispatcher,
		appLogger:  appLogger,
		now:        func() time.Time { return time.Now().UTC() },
		cache:      NewCache(),
		misses:     make(map[string]int),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cooldowns = NewCooldownGuard(cfg.AlertCooldown, e.now)
	return e, nil
}

func (e *Engine) Config() Config {
	return e.cfg
}

// TrackedCount is the number of Active rows currently cached.
func (e *Engine) TrackedCount() int {
	return e.cache.Len()
}

// Load rebuilds the cache from the store's Active rows.
func (e *Engine) Load(ctx context.Context) error {
	rows, err := e.store.ListActive(ctx)
	if err != nil {
		e.metrics.StoreError("list_active")
		return fmt.Errorf("load active tokens: %w", err)
	}

	e.mu.Lock()
	e.cache.Replace(rows)
	e.mu.Unlock()

	e.appLogger.Info("Tracking cache loaded",
		zap.Int("rows", len(rows)),
		zap.Int("contracts", len(e.cache.Contracts())))
	return nil
}

// Run loads the cache and ticks every RefreshInterval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Load(ctx); err != nil {
		return err
	}

	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	if _, err := s.Every(e.cfg.RefreshInterval).Do(func() {
		e.Tick(ctx)
	}); err != nil {
		return fmt.Errorf("failed to schedule refresh tick: %w", err)
	}

	e.appLogger.Info("Price tracker started",
		zap.Duration("interval", e.cfg.RefreshInterval),
		zap.Int("batchSize", e.cfg.FetchBatchSize))
	s.StartAsync()

	<-ctx.Done()
	s.Stop()
	e.appLogger.Info("Price tracker stopped")
	return nil
}
