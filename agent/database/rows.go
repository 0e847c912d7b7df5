package database

import (
	"encoding/json"
	"time"

	"ca-tracker/agent/internal/models"
)

type groupRow struct {
	ID        int64  `gorm:"primaryKey;autoIncrement:false"`
	Title     string `gorm:"not null"`
	Active    bool   `gorm:"not null"`
	Settings  string `gorm:"type:jsonb;not null"`
	CreatedAt time.Time
}

func (groupRow) TableName() string { return "chat_groups" }

type tokenRow struct {
	ContractID            string `gorm:"primaryKey"`
	GroupID               int64  `gorm:"primaryKey;autoIncrement:false"`
	Symbol                string
	Name                  string
	Platform              string
	InitialPrice          float64
	InitialMcap           float64
	BaselineMcap          float64
	BaselineConfirmations int
	CurrentPrice          float64
	CurrentMcap           float64
	HighestMcap           float64
	LowestMcap            float64
	LiquidityUSD          float64 `gorm:"column:liquidity_usd"`
	Volume24h             float64 `gorm:"column:volume_24h"`
	PriceChange24h        float64 `gorm:"column:price_change_24h"`
	Status                string
	AddedAt               time.Time
	LastObservedAt        *time.Time
	RemovedAt             *time.Time
}

func (tokenRow) TableName() string { return "tracked_tokens" }

type firedRow struct {
	ContractID string  `gorm:"primaryKey"`
	GroupID    int64   `gorm:"primaryKey;autoIncrement:false"`
	Family     string  `gorm:"primaryKey"`
	Level      float64 `gorm:"primaryKey"`
	FiredAt    time.Time
}

func (firedRow) TableName() string { return "fired_thresholds" }

type alertRow struct {
	ID         uint64 `gorm:"primaryKey"`
	ContractID string
	GroupID    int64
	Family     string
	Level      float64
	Value      float64
	FiredAt    time.Time
}

func (alertRow) TableName() string { return "alert_history" }

func toGroupRow(g models.Group) (groupRow, error) {
	settings := "{}"
	if len(g.Settings) > 0 {
		raw, err := json.Marshal(g.Settings)
		if err != nil {
			return groupRow{}, err
		}
		settings = string(raw)
	}
	return groupRow{
		ID:        g.ID,
		Title:     g.Title,
		Active:    true,
		Settings:  settings,
		CreatedAt: g.CreatedAt,
	}, nil
}

func (r groupRow) toModel() (*models.Group, error) {
	g := &models.Group{
		ID:        r.ID,
		Title:     r.Title,
		Active:    r.Active,
		CreatedAt: r.CreatedAt,
	}
	if r.Settings != "" && r.Settings != "{}" {
		if err := json.Unmarshal([]byte(r.Settings), &g.Settings); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func toTokenRow(t *models.TrackedToken) tokenRow {
	row := tokenRow{
		ContractID:            t.ContractID,
		GroupID:               t.GroupID,
		Symbol:                t.Symbol,
		Name:                  t.Name,
		Platform:              t.Platform,
		InitialPrice:          t.InitialPrice,
		InitialMcap:           t.InitialMcap,
		BaselineMcap:          t.BaselineMcap,
		BaselineConfirmations: t.BaselineConfirmations,
		CurrentPrice:          t.CurrentPrice,
		CurrentMcap:           t.CurrentMcap,
		HighestMcap:           t.HighestMcap,
		LowestMcap:            t.LowestMcap,
		LiquidityUSD:          t.LiquidityUSD,
		Volume24h:             t.Volume24h,
		PriceChange24h:        t.PriceChange24h,
		Status:                string(t.Status),
		AddedAt:               t.AddedAt,
		RemovedAt:             t.RemovedAt,
	}
	if !t.LastObservedAt.IsZero() {
		observed := t.LastObservedAt
		row.LastObservedAt = &observed
	}
	return row
}

// updateColumns is the full-row overwrite applied on every refresh write.
func (r tokenRow) updateColumns() map[string]interface{} {
	return map[string]interface{}{
		"symbol":                 r.Symbol,
		"name":                   r.Name,
		"platform":               r.Platform,
		"baseline_mcap":          r.BaselineMcap,
		"baseline_confirmations": r.BaselineConfirmations,
		"current_price":          r.CurrentPrice,
		"current_mcap":           r.CurrentMcap,
		"highest_mcap":           r.HighestMcap,
		"lowest_mcap":            r.LowestMcap,
		"liquidity_usd":          r.LiquidityUSD,
		"volume_24h":             r.Volume24h,
		"price_change_24h":       r.PriceChange24h,
		"last_observed_at":       r.LastObservedAt,
	}
}

func (r tokenRow) toModel(fired []firedRow) *models.TrackedToken {
	t := &models.TrackedToken{
		ContractID:            r.ContractID,
		GroupID:               r.GroupID,
		Symbol:                r.Symbol,
		Name:                  r.Name,
		Platform:              r.Platform,
		InitialPrice:          r.InitialPrice,
		InitialMcap:           r.InitialMcap,
		BaselineMcap:          r.BaselineMcap,
		BaselineConfirmations: r.BaselineConfirmations,
		CurrentPrice:          r.CurrentPrice,
		CurrentMcap:           r.CurrentMcap,
		HighestMcap:           r.HighestMcap,
		LowestMcap:            r.LowestMcap,
		LiquidityUSD:          r.LiquidityUSD,
		Volume24h:             r.Volume24h,
		PriceChange24h:        r.PriceChange24h,
		Status:                models.Status(r.Status),
		AddedAt:               r.AddedAt,
		RemovedAt:             r.RemovedAt,
	}
	if r.LastObservedAt != nil {
		t.LastObservedAt = *r.LastObservedAt
	}
	for _, f := range fired {
		switch models.AlertFamily(f.Family) {
		case models.FamilyMultiplier:
			t.FiredMultipliers = t.FiredMultipliers.Add(f.Level)
		case models.FamilyLoss:
			t.FiredLosses = t.FiredLosses.Add(f.Level)
		case models.FamilyRug:
			t.RugAlerted = true
		}
	}
	return t
}

func firedRowsFor(t *models.TrackedToken, at time.Time) []firedRow {
	var rows []firedRow
	add := func(family models.AlertFamily, level float64) {
		rows = append(rows, firedRow{
			ContractID: t.ContractID,
			GroupID:    t.GroupID,
			Family:     string(family),
			Level:      level,
			FiredAt:    at,
		})
	}
	for _, level := range t.FiredMultipliers {
		add(models.FamilyMultiplier, level)
	}
	for _, level := range t.FiredLosses {
		add(models.FamilyLoss, level)
	}
	if t.RugAlerted {
		add(models.FamilyRug, 0)
	}
	return rows
}
