package models

import (
	"errors"
	"sort"
	"time"
)

// ErrAssetNotFound is returned by a price provider when it has no market for the contract.
var ErrAssetNotFound = errors.New("asset not found")

// Status is the lifecycle state of a tracked token row.
type Status string

const (
	StatusActive               Status = "active"
	StatusRemovedManually      Status = "removed_manually"
	StatusAutoRemovedLoss      Status = "auto_removed_loss"
	StatusAutoRemovedLiquidity Status = "auto_removed_liquidity"
	StatusDelisted             Status = "delisted"
)

// Terminal reports whether the row is excluded from refresh ticks.
func (s Status) Terminal() bool {
	return s != StatusActive
}

// AlertFamily groups thresholds that share a cooldown.
type AlertFamily string

const (
	FamilyMultiplier AlertFamily = "multiplier"
	FamilyLoss       AlertFamily = "loss"
	FamilyRug        AlertFamily = "rug"
	FamilyRemoval    AlertFamily = "removal"
)

// Key identifies one tracking row: the same contract may be tracked independently per group.
type Key struct {
	ContractID string
	GroupID    int64
}

// Group is a subscriber chat.
type Group struct {
	ID        int64
	Title     string
	Active    bool
	Settings  map[string]string
	CreatedAt time.Time
}

// AssetInfo is one market data reading from a price provider.
type AssetInfo struct {
	ContractID     string
	Symbol         string
	Name           string
	Platform       string
	PairAddress    string
	Source         string
	PriceUSD       float64
	MarketCap      float64
	LiquidityUSD   float64
	Volume24h      float64
	PriceChange24h float64
}

// Usable reports whether the reading can update a tracking row.
func (a *AssetInfo) Usable() bool {
	return a != nil && a.MarketCap > 0 && a.PriceUSD > 0
}

// LevelSet is a sorted set of fired threshold levels.
type LevelSet []float64

func (s LevelSet) Has(level float64) bool {
	i := sort.SearchFloat64s(s, level)
	return i < len(s) && s[i] == level
}

// Add returns the set with level inserted, keeping it sorted and unique.
func (s LevelSet) Add(levels ...float64) LevelSet {
	out := append(LevelSet(nil), s...)
	for _, level := range levels {
		if out.Has(level) {
			continue
		}
		i := sort.SearchFloat64s(out, level)
		out = append(out, 0)
		copy(out[i+1:], out[i:])
		out[i] = level
	}
	return out
}

// TrackedToken is the per-(contract, group) tracking row.
type TrackedToken struct {
	ContractID string
	GroupID    int64

	Symbol   string
	Name     string
	Platform string

	InitialPrice float64
	InitialMcap  float64

	BaselineMcap          float64
	BaselineConfirmations int

	CurrentPrice   float64
	CurrentMcap    float64
	HighestMcap    float64
	LowestMcap     float64
	LiquidityUSD   float64
	Volume24h      float64
	PriceChange24h float64

	FiredMultipliers LevelSet
	FiredLosses      LevelSet
	RugAlerted       bool

	Status         Status
	AddedAt        time.Time
	LastObservedAt time.Time
	RemovedAt      *time.Time
}

func (t *TrackedToken) Key() Key {
	return Key{ContractID: t.ContractID, GroupID: t.GroupID}
}

// Clone returns a deep copy so cached rows are never shared with callers.
func (t *TrackedToken) Clone() *TrackedToken {
	if t == nil {
		return nil
	}
	c := *t
	c.FiredMultipliers = append(LevelSet(nil), t.FiredMultipliers...)
	c.FiredLosses = append(LevelSet(nil), t.FiredLosses...)
	if t.RemovedAt != nil {
		removedAt := *t.RemovedAt
		c.RemovedAt = &removedAt
	}
	return &c
}

// NewTrackedToken builds the first row for a contract from its registration reading.
func NewTrackedToken(groupID int64, info *AssetInfo, at time.Time) *TrackedToken {
	return &TrackedToken{
		ContractID:            info.ContractID,
		GroupID:               groupID,
		Symbol:                info.Symbol,
		Name:                  info.Name,
		Platform:              info.Platform,
		InitialPrice:          info.PriceUSD,
		InitialMcap:           info.MarketCap,
		BaselineMcap:          info.MarketCap,
		BaselineConfirmations: 1,
		CurrentPrice:          info.PriceUSD,
		CurrentMcap:           info.MarketCap,
		HighestMcap:           info.MarketCap,
		LowestMcap:            info.MarketCap,
		LiquidityUSD:          info.LiquidityUSD,
		Volume24h:             info.Volume24h,
		PriceChange24h:        info.PriceChange24h,
		Status:                StatusActive,
		AddedAt:               at,
		LastObservedAt:        at,
	}
}

// Observe applies a successful reading. Extrema only widen, and the baseline
// follows the latest reading until it has been confirmed requiredConfirmations times.
func (t *TrackedToken) Observe(info *AssetInfo, at time.Time, requiredConfirmations int) {
	t.CurrentPrice = info.PriceUSD
	t.CurrentMcap = info.MarketCap
	if t.HighestMcap == 0 || info.MarketCap > t.HighestMcap {
		t.HighestMcap = info.MarketCap
	}
	if t.LowestMcap == 0 || info.MarketCap < t.LowestMcap {
		t.LowestMcap = info.MarketCap
	}
	t.LiquidityUSD = info.LiquidityUSD
	t.Volume24h = info.Volume24h
	t.PriceChange24h = info.PriceChange24h
	if info.Symbol != "" {
		t.Symbol = info.Symbol
	}
	if info.Name != "" {
		t.Name = info.Name
	}
	if info.Platform != "" {
		t.Platform = info.Platform
	}
	t.LastObservedAt = at

	if t.BaselineConfirmations < requiredConfirmations {
		t.BaselineMcap = info.MarketCap
		t.BaselineConfirmations++
	}
}

// BaselineConfirmed reports whether the baseline is frozen.
func (t *TrackedToken) BaselineConfirmed(requiredConfirmations int) bool {
	return t.BaselineConfirmations >= requiredConfirmations
}

// Multiplier is current mcap over baseline; zero when the baseline is unknown.
func (t *TrackedToken) Multiplier() float64 {
	if t.BaselineMcap <= 0 {
		return 0
	}
	return t.CurrentMcap / t.BaselineMcap
}

// LossPercent is the signed percent change from baseline; zero when the baseline is unknown.
func (t *TrackedToken) LossPercent() float64 {
	if t.BaselineMcap <= 0 {
		return 0
	}
	return (t.CurrentMcap - t.BaselineMcap) / t.BaselineMcap * 100
}

// AlertRecord is one entry of the append-only alert audit log.
type AlertRecord struct {
	ContractID string
	GroupID    int64
	Family     AlertFamily
	Level      float64
	Value      float64
	FiredAt    time.Time
}

// GroupStatistics summarises a group's tracked tokens.
type GroupStatistics struct {
	GroupID        int64   `json:"group_id"`
	TotalActive    int     `json:"total_active"`
	GainingTokens  int     `json:"gaining_tokens"`
	LosingTokens   int     `json:"losing_tokens"`
	RemovedTokens  int     `json:"removed_tokens"`
	AlertsSent     int64   `json:"alerts_sent"`
	BestMultiplier float64 `json:"best_multiplier"`
	BestSymbol     string  `json:"best_symbol,omitempty"`
}
