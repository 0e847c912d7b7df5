package tracker

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"ca-tracker/agent/database"
	"ca-tracker/agent/internal/models"
	"ca-tracker/agent/internal/services"
	"ca-tracker/shared/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeProvider struct {
	mu       sync.Mutex
	readings map[string]models.AssetInfo
	errs     map[string]error
	calls    map[string]int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		readings: make(map[string]models.AssetInfo),
		errs:     make(map[string]error),
		calls:    make(map[string]int),
	}
}

func (p *fakeProvider) setMcap(contractID string, mcap float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.errs, contractID)
	p.readings[contractID] = models.AssetInfo{
		Symbol:       "T" + contractID,
		Name:         "Token " + contractID,
		Source:       "fake",
		PriceUSD:     mcap / 1e9,
		MarketCap:    mcap,
		LiquidityUSD: 50000,
	}
}

func (p *fakeProvider) setLiquidity(contractID string, liquidity float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := p.readings[contractID]
	r.LiquidityUSD = liquidity
	p.readings[contractID] = r
}

func (p *fakeProvider) setErr(contractID string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs[contractID] = err
}

func (p *fakeProvider) callsFor(contractID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[contractID]
}

func (p *fakeProvider) resetCalls() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = make(map[string]int)
}

func (p *fakeProvider) GetAssetInfo(_ context.Context, contractID string) (*models.AssetInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[contractID]++
	if err, ok := p.errs[contractID]; ok {
		return nil, err
	}
	r, ok := p.readings[contractID]
	if !ok {
		return nil, models.ErrAssetNotFound
	}
	return &r, nil
}

type fakeDispatcher struct {
	mu   sync.Mutex
	sent map[int64][]string
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{sent: make(map[int64][]string)}
}

func (d *fakeDispatcher) Deliver(_ context.Context, groupID int64, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent[groupID] = append(d.sent[groupID], text)
	return nil
}

func (d *fakeDispatcher) count(groupID int64, substr string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, text := range d.sent[groupID] {
		if strings.Contains(text, substr) {
			n++
		}
	}
	return n
}

func (d *fakeDispatcher) messages(groupID int64) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.sent[groupID]...)
}

type harness struct {
	engine     *Engine
	provider   *fakeProvider
	dispatcher *fakeDispatcher
	store      *database.MemoryStore
	clock      *fakeClock
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Levels.Multipliers = []float64{2, 3, 5, 10}
	cfg.BaselineConfirmations = 1
	cfg.AlertCooldown = time.Minute
	cfg.FetchTimeout = time.Second
	cfg.RegistrationRetry = RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}
	return cfg
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		provider:   newFakeProvider(),
		dispatcher: newFakeDispatcher(),
		store:      database.NewMemoryStore(),
		clock:      newFakeClock(),
	}
	engine, err := NewEngine(cfg, h.store, h.provider, h.dispatcher, logger.NewNop(), WithClock(h.clock.Now))
	require.NoError(t, err)
	h.engine = engine
	return h
}

func (h *harness) register(t *testing.T, contractID string, groupID int64) *models.TrackedToken {
	t.Helper()
	token, err := h.engine.RegisterToken(context.Background(), contractID, groupID)
	require.NoError(t, err)
	return token
}

func (h *harness) tick() TickReport {
	return h.engine.Tick(context.Background())
}

func (h *harness) row(t *testing.T, contractID string, groupID int64) *models.TrackedToken {
	t.Helper()
	row, err := h.store.GetToken(context.Background(), models.Key{ContractID: contractID, GroupID: groupID})
	require.NoError(t, err)
	return row
}

func TestTickFetchesEachContractOncePerTick(t *testing.T) {
	h := newHarness(t, testConfig())
	h.provider.setMcap("X", 500000)
	h.provider.setMcap("Y", 80000)
	for _, group := range []int64{1, 2, 3} {
		h.register(t, "X", group)
	}
	h.register(t, "Y", 1)
	h.provider.resetCalls()

	report := h.tick()

	assert.Equal(t, 2, report.Contracts)
	assert.Equal(t, 2, report.Fetched)
	assert.Equal(t, 1, h.provider.callsFor("X"))
	assert.Equal(t, 1, h.provider.callsFor("Y"))
}

func TestMultiGroupScenario(t *testing.T) {
	h := newHarness(t, testConfig())
	h.provider.setMcap("X", 500000)
	h.register(t, "X", 100)
	h.register(t, "X", 200)
	h.provider.resetCalls()

	h.provider.setMcap("X", 2500000)
	h.tick()

	for _, group := range []int64{100, 200} {
		assert.Equal(t, 1, h.dispatcher.count(group, "5x MULTIPLIER ALERT"), "group %d", group)
		assert.Equal(t, models.LevelSet{2, 3, 5}, h.row(t, "X", group).FiredMultipliers)
	}

	h.clock.Advance(2 * time.Minute)
	h.provider.setMcap("X", 100000)
	h.tick()

	for _, group := range []int64{100, 200} {
		row := h.row(t, "X", group)
		assert.Equal(t, models.StatusAutoRemovedLoss, row.Status, "group %d", group)
		assert.NotNil(t, row.RemovedAt)
		assert.Equal(t, 1, h.dispatcher.count(group, "AUTO-REMOVED TOKEN"))
		assert.Equal(t, 1, h.dispatcher.count(group, "POTENTIAL RUG DETECTED"))

		msgs := h.dispatcher.messages(group)
		assert.Contains(t, msgs[len(msgs)-1], "AUTO-REMOVED TOKEN", "removal notice comes last")
	}
	assert.Equal(t, 2, h.provider.callsFor("X"), "one fetch per tick regardless of group count")
	assert.Zero(t, h.engine.TrackedCount())

	h.tick()
	assert.Equal(t, 2, h.provider.callsFor("X"), "retired rows are not refreshed")
}

func TestThresholdsNeverFireTwice(t *testing.T) {
	h := newHarness(t, testConfig())
	h.provider.setMcap("X", 1000)
	h.register(t, "X", 1)

	h.provider.setMcap("X", 2000)
	report := h.tick()
	assert.Equal(t, 1, report.Alerts)

	h.clock.Advance(10 * time.Minute)
	h.provider.setMcap("X", 1500)
	h.tick()
	h.clock.Advance(10 * time.Minute)
	h.provider.setMcap("X", 2100)
	report = h.tick()

	assert.Zero(t, report.Alerts)
	assert.Equal(t, 1, h.dispatcher.count(1, "2x MULTIPLIER ALERT"))
}

func TestCooldownSuppressesThenFires(t *testing.T) {
	h := newHarness(t, testConfig())
	h.provider.setMcap("X", 1000)
	h.register(t, "X", 1)

	h.provider.setMcap("X", 2000)
	h.tick()
	require.Equal(t, 1, h.dispatcher.count(1, "2x MULTIPLIER ALERT"))

	h.clock.Advance(10 * time.Second)
	h.provider.setMcap("X", 3000)
	report := h.tick()
	assert.Equal(t, 1, report.Suppressed)
	assert.Zero(t, h.dispatcher.count(1, "3x MULTIPLIER ALERT"))
	assert.False(t, h.row(t, "X", 1).FiredMultipliers.Has(3), "suppressed levels stay unfired")

	h.clock.Advance(time.Minute)
	report = h.tick()
	assert.Equal(t, 1, report.Alerts)
	assert.Equal(t, 1, h.dispatcher.count(1, "3x MULTIPLIER ALERT"))
}

func TestCooldownIsPerFamily(t *testing.T) {
	h := newHarness(t, testConfig())
	h.provider.setMcap("X", 1000)
	h.register(t, "X", 1)

	h.provider.setMcap("X", 2000)
	h.tick()

	h.clock.Advance(5 * time.Second)
	h.provider.setMcap("X", 600)
	report := h.tick()

	assert.Equal(t, 1, report.Alerts)
	assert.Equal(t, 1, h.dispatcher.count(1, "30% LOSS ALERT"))
}

func TestLossLevelsFireOnceEach(t *testing.T) {
	h := newHarness(t, testConfig())
	h.provider.setMcap("X", 1000)
	h.register(t, "X", 1)

	h.provider.setMcap("X", 450)
	report := h.tick()
	assert.Equal(t, 2, report.Alerts)
	assert.Equal(t, 1, h.dispatcher.count(1, "30% LOSS ALERT"))
	assert.Equal(t, 1, h.dispatcher.count(1, "50% LOSS ALERT"))

	h.clock.Advance(5 * time.Minute)
	h.provider.setMcap("X", 900)
	h.tick()
	h.clock.Advance(5 * time.Minute)
	h.provider.setMcap("X", 450)
	report = h.tick()

	assert.Zero(t, report.Alerts)
	assert.Equal(t, models.LevelSet{-50, -30}, h.row(t, "X", 1).FiredLosses)
	assert.Equal(t, models.StatusActive, h.row(t, "X", 1).Status)
}

func TestRemovalNotifiesOnce(t *testing.T) {
	h := newHarness(t, testConfig())
	h.provider.setMcap("X", 1000)
	h.register(t, "X", 1)

	h.provider.setMcap("X", 150)
	report := h.tick()
	assert.Equal(t, 1, report.Removed)

	h.clock.Advance(5 * time.Minute)
	report = h.tick()
	assert.Zero(t, report.Removed)

	row := h.row(t, "X", 1)
	require.Equal(t, models.StatusAutoRemovedLoss, row.Status)
	assert.False(t, h.engine.retire(context.Background(), row, models.StatusAutoRemovedLoss))
	assert.Equal(t, 1, h.dispatcher.count(1, "AUTO-REMOVED TOKEN"))
}

func TestLiquidityRemoval(t *testing.T) {
	h := newHarness(t, testConfig())
	h.provider.setMcap("X", 8000)
	h.register(t, "X", 1)

	h.provider.setLiquidity("X", 20)
	report := h.tick()

	assert.Equal(t, 1, report.Removed)
	assert.Equal(t, models.StatusAutoRemovedLiquidity, h.row(t, "X", 1).Status)
	assert.Equal(t, 1, h.dispatcher.count(1, "liquidity dropped"))
}

func TestLiquidityRemovalDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.ZeroLiquidityRemoval = false
	h := newHarness(t, cfg)
	h.provider.setMcap("X", 8000)
	h.register(t, "X", 1)

	h.provider.setLiquidity("X", 0)
	report := h.tick()

	assert.Zero(t, report.Removed)
	assert.Equal(t, models.StatusActive, h.row(t, "X", 1).Status)
}

func TestDelistAfterConsecutiveMisses(t *testing.T) {
	cfg := testConfig()
	cfg.DelistAfterMisses = 2
	h := newHarness(t, cfg)
	h.provider.setMcap("X", 50000)
	h.register(t, "X", 1)

	h.provider.setErr("X", models.ErrAssetNotFound)
	report := h.tick()
	assert.Equal(t, 1, report.NotFound)
	assert.Zero(t, report.Removed)

	report = h.tick()
	assert.Equal(t, 1, report.Removed)
	assert.Equal(t, models.StatusDelisted, h.row(t, "X", 1).Status)
	assert.Equal(t, 1, h.dispatcher.count(1, "without market data"))
}

func TestFailedFetchKeepsLastReading(t *testing.T) {
	h := newHarness(t, testConfig())
	h.provider.setMcap("X", 50000)
	h.register(t, "X", 1)

	h.provider.setErr("X", context.DeadlineExceeded)
	report := h.tick()

	assert.Equal(t, 1, report.Failed)
	assert.Zero(t, report.Removed)
	row := h.row(t, "X", 1)
	assert.Equal(t, models.StatusActive, row.Status)
	assert.Equal(t, 50000.0, row.CurrentMcap)
}

func TestBaselineConfirmation(t *testing.T) {
	cfg := testConfig()
	cfg.BaselineConfirmations = 3
	h := newHarness(t, cfg)
	h.provider.setMcap("X", 1000)
	h.register(t, "X", 1)

	for _, mcap := range []float64{1050, 1200, 900} {
		h.provider.setMcap("X", mcap)
		h.tick()
	}

	row := h.row(t, "X", 1)
	assert.Equal(t, 1200.0, row.BaselineMcap)
	assert.Equal(t, 900.0, row.CurrentMcap)
	assert.Equal(t, 1200.0, row.HighestMcap)
	assert.Equal(t, 900.0, row.LowestMcap)
	assert.Empty(t, h.dispatcher.messages(1))
}

func TestManualRemovalIsolatesGroups(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	h.provider.setMcap("X", 1000)
	h.register(t, "X", 1)
	h.register(t, "X", 2)

	require.NoError(t, h.engine.RemoveToken(ctx, "X", 1))
	assert.ErrorIs(t, h.engine.RemoveToken(ctx, "X", 1), ErrNotTracked)

	h.provider.setMcap("X", 2000)
	h.tick()

	assert.Zero(t, h.dispatcher.count(1, "MULTIPLIER"))
	assert.Equal(t, 1, h.dispatcher.count(2, "2x MULTIPLIER ALERT"))
	assert.Equal(t, models.StatusRemovedManually, h.row(t, "X", 1).Status)
	assert.Equal(t, 1000.0, h.row(t, "X", 1).CurrentMcap)
}

func TestRegisterTokenErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("already tracked", func(t *testing.T) {
		h := newHarness(t, testConfig())
		h.provider.setMcap("X", 1000)
		h.register(t, "X", 1)
		_, err := h.engine.RegisterToken(ctx, "X", 1)
		assert.ErrorIs(t, err, ErrAlreadyTracked)
	})

	t.Run("no market data", func(t *testing.T) {
		h := newHarness(t, testConfig())
		_, err := h.engine.RegisterToken(ctx, "GHOST", 1)
		assert.ErrorIs(t, err, ErrNoMarketData)
		assert.Equal(t, 1, h.provider.callsFor("GHOST"), "not found is not retried")
	})

	t.Run("provider timeout", func(t *testing.T) {
		h := newHarness(t, testConfig())
		h.provider.setErr("SLOW", context.DeadlineExceeded)
		_, err := h.engine.RegisterToken(ctx, "SLOW", 1)
		assert.ErrorIs(t, err, ErrProviderTimeout)
		assert.Equal(t, 3, h.provider.callsFor("SLOW"))
	})

	t.Run("group limit", func(t *testing.T) {
		cfg := testConfig()
		cfg.MaxTokensPerGroup = 1
		h := newHarness(t, cfg)
		h.provider.setMcap("X", 1000)
		h.provider.setMcap("Y", 1000)
		h.register(t, "X", 1)
		_, err := h.engine.RegisterToken(ctx, "Y", 1)
		assert.ErrorIs(t, err, ErrGroupLimitReached)
		h.register(t, "Y", 2)
	})

	t.Run("empty contract", func(t *testing.T) {
		h := newHarness(t, testConfig())
		_, err := h.engine.RegisterToken(ctx, "  ", 1)
		assert.ErrorIs(t, err, ErrInvalidContract)
	})
}

func TestReRegisterResetsRemovedRow(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	h.provider.setMcap("X", 1000)
	h.register(t, "X", 1)
	h.provider.setMcap("X", 2000)
	h.tick()
	require.NoError(t, h.engine.RemoveToken(ctx, "X", 1))

	token := h.register(t, "X", 1)
	assert.Equal(t, 2000.0, token.BaselineMcap)

	row := h.row(t, "X", 1)
	assert.Equal(t, models.StatusActive, row.Status)
	assert.Empty(t, row.FiredMultipliers)
	assert.Nil(t, row.RemovedAt)

	h.provider.setMcap("X", 4000)
	h.tick()
	assert.Equal(t, 2, h.dispatcher.count(1, "2x MULTIPLIER ALERT"))
}

func TestGroupStatistics(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	for _, c := range []string{"X", "Y", "Z"} {
		h.provider.setMcap(c, 100000)
		h.register(t, c, 1)
	}
	require.NoError(t, h.engine.RemoveToken(ctx, "Z", 1))

	h.provider.setMcap("X", 200000)
	h.provider.setMcap("Y", 50000)
	h.tick()

	stats, err := h.engine.GetGroupStatistics(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalActive)
	assert.Equal(t, 1, stats.GainingTokens)
	assert.Equal(t, 1, stats.LosingTokens)
	assert.Equal(t, 1, stats.RemovedTokens)
	assert.Equal(t, int64(3), stats.AlertsSent)
	assert.InDelta(t, 2.0, stats.BestMultiplier, 1e-9)
	assert.Equal(t, "TX", stats.BestSymbol)

	tokens, err := h.engine.ListTokens(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, tokens, 2)
}

func TestLoadRebuildsCacheFromStore(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	h.provider.setMcap("X", 1000)
	h.register(t, "X", 1)
	h.register(t, "X", 2)

	restarted, err := NewEngine(testConfig(), h.store, h.provider, h.dispatcher, logger.NewNop(), WithClock(h.clock.Now))
	require.NoError(t, err)
	require.NoError(t, restarted.Load(ctx))
	assert.Equal(t, 2, restarted.TrackedCount())

	h.provider.resetCalls()
	h.provider.setMcap("X", 2000)
	restarted.Tick(ctx)
	assert.Equal(t, 1, h.provider.callsFor("X"))
	assert.Equal(t, 1, h.dispatcher.count(1, "2x MULTIPLIER ALERT"))
}

func TestDeactivateGroupKeepsRows(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	require.NoError(t, h.engine.EnsureGroup(ctx, 7, "Alpha Calls"))
	h.provider.setMcap("X", 1000)
	h.register(t, "X", 7)

	require.NoError(t, h.engine.DeactivateGroup(ctx, 7))
	group, err := h.store.GetGroup(ctx, 7)
	require.NoError(t, err)
	assert.False(t, group.Active)
	assert.Equal(t, "Alpha Calls", group.Title)
	assert.Equal(t, models.StatusActive, h.row(t, "X", 7).Status)
}

type namedProvider struct {
	name string
	PriceProvider
}

func (p namedProvider) Name() string { return p.name }

type failingProvider struct {
	name string
	err  error
}

func (p failingProvider) Name() string { return p.name }

func (p failingProvider) GetAssetInfo(context.Context, string) (*models.AssetInfo, error) {
	return nil, p.err
}

// emptyThenListedProvider returns a zero market cap for the first `empty` calls.
type emptyThenListedProvider struct {
	mu    sync.Mutex
	empty int
	calls int
}

func (p *emptyThenListedProvider) GetAssetInfo(context.Context, string) (*models.AssetInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	mcap := 500000.0
	if p.calls <= p.empty {
		mcap = 0
	}
	return &models.AssetInfo{Symbol: "NEW", PriceUSD: 0.0005, MarketCap: mcap, LiquidityUSD: 50000}, nil
}

// gatedProvider holds every call until release is closed.
type gatedProvider struct {
	arrived chan struct{}
	release chan struct{}
}

func (p *gatedProvider) GetAssetInfo(ctx context.Context, _ string) (*models.AssetInfo, error) {
	p.arrived <- struct{}{}
	select {
	case <-p.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &models.AssetInfo{Symbol: "G", PriceUSD: 0.001, MarketCap: 1000, LiquidityUSD: 50000}, nil
}

// blockingDispatcher parks the first delivery until release is closed.
type blockingDispatcher struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (d *blockingDispatcher) Deliver(context.Context, int64, string) error {
	first := false
	d.once.Do(func() { first = true })
	if first {
		close(d.entered)
		<-d.release
	}
	return nil
}

func newTestEngine(t *testing.T, cfg Config, provider PriceProvider, dispatcher Dispatcher) (*Engine, *database.MemoryStore) {
	t.Helper()
	store := database.NewMemoryStore()
	engine, err := NewEngine(cfg, store, provider, dispatcher, logger.NewNop(), WithClock(newFakeClock().Now))
	require.NoError(t, err)
	return engine, store
}

func TestProviderTimeoutBehindNotFoundIsNotAMiss(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.DelistAfterMisses = 2

	primary := newFakeProvider()
	primary.setMcap("X", 1000)
	chain := services.NewFallbackProvider(logger.NewNop(),
		namedProvider{name: "primary", PriceProvider: primary},
		failingProvider{name: "secondary", err: context.DeadlineExceeded},
	)
	engine, store := newTestEngine(t, cfg, chain, newFakeDispatcher())

	_, err := engine.RegisterToken(ctx, "X", 1)
	require.NoError(t, err)

	primary.setErr("X", models.ErrAssetNotFound)
	for i := 0; i < 3; i++ {
		report := engine.Tick(ctx)
		assert.Equal(t, 1, report.Failed)
		assert.Zero(t, report.NotFound)
		assert.Zero(t, report.Removed)
	}
	row, err := store.GetToken(ctx, models.Key{ContractID: "X", GroupID: 1})
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, row.Status)

	_, err = engine.RegisterToken(ctx, "Y", 1)
	assert.ErrorIs(t, err, ErrProviderTimeout)
	assert.NotErrorIs(t, err, ErrNoMarketData)
}

func TestRegisterRetriesEmptyReading(t *testing.T) {
	ctx := context.Background()

	t.Run("listed on a later attempt", func(t *testing.T) {
		provider := &emptyThenListedProvider{empty: 1}
		engine, _ := newTestEngine(t, testConfig(), provider, newFakeDispatcher())

		token, err := engine.RegisterToken(ctx, "NEW", 1)
		require.NoError(t, err)
		assert.Equal(t, 500000.0, token.BaselineMcap)
		assert.Equal(t, 2, provider.calls)
	})

	t.Run("still empty after every attempt", func(t *testing.T) {
		provider := &emptyThenListedProvider{empty: 10}
		engine, _ := newTestEngine(t, testConfig(), provider, newFakeDispatcher())

		_, err := engine.RegisterToken(ctx, "NEW", 1)
		assert.ErrorIs(t, err, ErrNoMarketData)
		assert.Equal(t, 3, provider.calls)
	})
}

func TestConcurrentRegistrationsRespectGroupLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTokensPerGroup = 1
	cfg.RegistrationRetry.MaxAttempts = 1
	cfg.FetchTimeout = 5 * time.Second

	provider := &gatedProvider{arrived: make(chan struct{}, 2), release: make(chan struct{})}
	engine, store := newTestEngine(t, cfg, provider, newFakeDispatcher())

	errs := make(chan error, 2)
	for _, contractID := range []string{"A", "B"} {
		go func() {
			_, err := engine.RegisterToken(context.Background(), contractID, 1)
			errs <- err
		}()
	}
	<-provider.arrived
	<-provider.arrived
	close(provider.release)

	var failures []error
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			failures = append(failures, err)
		}
	}
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0], ErrGroupLimitReached)

	n, err := store.CountActive(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSlowDeliveryDoesNotBlockRemoval(t *testing.T) {
	ctx := context.Background()
	provider := newFakeProvider()
	provider.setMcap("X", 1000)
	provider.setMcap("Y", 1000)
	dispatcher := &blockingDispatcher{entered: make(chan struct{}), release: make(chan struct{})}
	engine, _ := newTestEngine(t, testConfig(), provider, dispatcher)

	_, err := engine.RegisterToken(ctx, "X", 1)
	require.NoError(t, err)
	_, err = engine.RegisterToken(ctx, "Y", 1)
	require.NoError(t, err)

	provider.setMcap("X", 2500)
	ticked := make(chan TickReport, 1)
	go func() { ticked <- engine.Tick(ctx) }()
	<-dispatcher.entered

	removed := make(chan error, 1)
	go func() { removed <- engine.RemoveToken(ctx, "Y", 1) }()
	select {
	case err := <-removed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("RemoveToken blocked behind alert delivery")
	}

	close(dispatcher.release)
	report := <-ticked
	assert.Equal(t, 1, report.Alerts)
	assert.Equal(t, 1, engine.TrackedCount())
}
