package database

import (
	"context"
	"testing"
	"time"

	"ca-tracker/agent/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newToken(contract string, group int64, mcap float64) *models.TrackedToken {
	return models.NewTrackedToken(group, &models.AssetInfo{
		ContractID:   contract,
		Symbol:       "TKN",
		Name:         "Token",
		Platform:     "raydium",
		PriceUSD:     mcap / 1e9,
		MarketCap:    mcap,
		LiquidityUSD: 25000,
	}, baseTime)
}

// runStoreSuite checks the TokenStore contract against any implementation.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) TokenStore) {
	ctx := context.Background()

	setup := func(t *testing.T) TokenStore {
		s := newStore(t)
		require.NoError(t, s.EnsureGroup(ctx, models.Group{ID: 1, Title: "Alpha"}))
		require.NoError(t, s.EnsureGroup(ctx, models.Group{ID: 2, Title: "Beta"}))
		return s
	}

	t.Run("EnsureGroupIsIdempotent", func(t *testing.T) {
		s := setup(t)
		require.NoError(t, s.EnsureGroup(ctx, models.Group{ID: 1, Settings: map[string]string{"lang": "en"}}))

		g, err := s.GetGroup(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "Alpha", g.Title)
		assert.True(t, g.Active)
		assert.Equal(t, "en", g.Settings["lang"])

		require.NoError(t, s.DeactivateGroup(ctx, 1))
		g, err = s.GetGroup(ctx, 1)
		require.NoError(t, err)
		assert.False(t, g.Active)

		_, err = s.GetGroup(ctx, 99)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("CreateRejectsActiveDuplicate", func(t *testing.T) {
		s := setup(t)
		require.NoError(t, s.CreateToken(ctx, newToken("X", 1, 500000)))

		err := s.CreateToken(ctx, newToken("X", 1, 600000))
		assert.ErrorIs(t, err, ErrDuplicateKey)

		// same contract in another group is independent
		require.NoError(t, s.CreateToken(ctx, newToken("X", 2, 600000)))
	})

	t.Run("CreateReplacesTerminalRow", func(t *testing.T) {
		s := setup(t)
		tok := newToken("X", 1, 500000)
		require.NoError(t, s.CreateToken(ctx, tok))
		tok.FiredMultipliers = tok.FiredMultipliers.Add(2)
		require.NoError(t, s.SaveTokens(ctx, []*models.TrackedToken{tok}))

		ok, err := s.TransitionStatus(ctx, tok.Key(), models.StatusRemovedManually, baseTime)
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, s.CreateToken(ctx, newToken("X", 1, 800000)))
		got, err := s.GetToken(ctx, tok.Key())
		require.NoError(t, err)
		assert.Equal(t, models.StatusActive, got.Status)
		assert.Equal(t, 800000.0, got.BaselineMcap)
		assert.Empty(t, got.FiredMultipliers)
		assert.Nil(t, got.RemovedAt)
	})

	t.Run("SaveTokensOverwritesAndAppendsFired", func(t *testing.T) {
		s := setup(t)
		a := newToken("X", 1, 500000)
		b := newToken("X", 2, 500000)
		require.NoError(t, s.CreateToken(ctx, a))
		require.NoError(t, s.CreateToken(ctx, b))

		reading := &models.AssetInfo{ContractID: "X", PriceUSD: 0.0025, MarketCap: 2500000, LiquidityUSD: 40000}
		a.Observe(reading, baseTime.Add(time.Minute), 3)
		b.Observe(reading, baseTime.Add(time.Minute), 3)
		a.FiredMultipliers = a.FiredMultipliers.Add(2, 3)
		a.FiredLosses = a.FiredLosses.Add(-30)
		a.RugAlerted = true
		require.NoError(t, s.SaveTokens(ctx, []*models.TrackedToken{a, b}))

		// a later write with a smaller set never shrinks the stored one
		a.FiredMultipliers = models.LevelSet{5}
		require.NoError(t, s.SaveTokens(ctx, []*models.TrackedToken{a}))

		got, err := s.GetToken(ctx, a.Key())
		require.NoError(t, err)
		assert.Equal(t, 2500000.0, got.CurrentMcap)
		assert.Equal(t, 2500000.0, got.HighestMcap)
		assert.Equal(t, 40000.0, got.LiquidityUSD)
		assert.Equal(t, 2, got.BaselineConfirmations)
		assert.Equal(t, models.LevelSet{2, 3, 5}, got.FiredMultipliers)
		assert.Equal(t, models.LevelSet{-30}, got.FiredLosses)
		assert.True(t, got.RugAlerted)

		other, err := s.GetToken(ctx, b.Key())
		require.NoError(t, err)
		assert.Equal(t, 2500000.0, other.CurrentMcap)
		assert.Empty(t, other.FiredMultipliers)
	})

	t.Run("SaveTokensSkipsTerminalRows", func(t *testing.T) {
		s := setup(t)
		tok := newToken("X", 1, 500000)
		require.NoError(t, s.CreateToken(ctx, tok))
		_, err := s.TransitionStatus(ctx, tok.Key(), models.StatusAutoRemovedLoss, baseTime)
		require.NoError(t, err)

		tok.CurrentMcap = 1
		require.NoError(t, s.SaveTokens(ctx, []*models.TrackedToken{tok}))

		got, err := s.GetToken(ctx, tok.Key())
		require.NoError(t, err)
		assert.Equal(t, models.StatusAutoRemovedLoss, got.Status)
		assert.Equal(t, 500000.0, got.CurrentMcap)
	})

	t.Run("TransitionIsConditional", func(t *testing.T) {
		s := setup(t)
		tok := newToken("X", 1, 500000)
		require.NoError(t, s.CreateToken(ctx, tok))

		ok, err := s.TransitionStatus(ctx, tok.Key(), models.StatusAutoRemovedLoss, baseTime)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.TransitionStatus(ctx, tok.Key(), models.StatusAutoRemovedLoss, baseTime)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.TransitionStatus(ctx, models.Key{ContractID: "nope", GroupID: 1}, models.StatusDelisted, baseTime)
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = s.TransitionStatus(ctx, tok.Key(), models.StatusActive, baseTime)
		assert.Error(t, err)
	})

	t.Run("ListsAndCounts", func(t *testing.T) {
		s := setup(t)
		require.NoError(t, s.CreateToken(ctx, newToken("X", 1, 500000)))
		require.NoError(t, s.CreateToken(ctx, newToken("Y", 1, 700000)))
		require.NoError(t, s.CreateToken(ctx, newToken("X", 2, 500000)))
		_, err := s.TransitionStatus(ctx, models.Key{ContractID: "Y", GroupID: 1}, models.StatusRemovedManually, baseTime)
		require.NoError(t, err)

		active, err := s.ListActive(ctx)
		require.NoError(t, err)
		assert.Len(t, active, 2)

		group1, err := s.ListByGroup(ctx, 1, false)
		require.NoError(t, err)
		require.Len(t, group1, 1)
		assert.Equal(t, "X", group1[0].ContractID)

		all, err := s.ListByGroup(ctx, 1, true)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		n, err := s.CountActive(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("AlertLog", func(t *testing.T) {
		s := setup(t)
		require.NoError(t, s.CreateToken(ctx, newToken("X", 1, 500000)))
		for _, level := range []float64{2, 3} {
			require.NoError(t, s.AppendAlert(ctx, models.AlertRecord{
				ContractID: "X", GroupID: 1, Family: models.FamilyMultiplier, Level: level, Value: level, FiredAt: baseTime,
			}))
		}

		n, err := s.CountAlerts(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		n, err = s.CountAlerts(ctx, 2)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}
