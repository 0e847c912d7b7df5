package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ca-tracker/agent/internal/models"
	"ca-tracker/shared/logger"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const DefaultBirdeyeURL = "https://public-api.birdeye.so"

type birdeyeOverview struct {
	Success bool `json:"success"`
	Data    *struct {
		Address               string  `json:"address"`
		Symbol                string  `json:"symbol"`
		Name                  string  `json:"name"`
		Price                 float64 `json:"price"`
		MC                    float64 `json:"mc"`
		MarketCap             float64 `json:"marketCap"`
		Liquidity             float64 `json:"liquidity"`
		V24hUSD               float64 `json:"v24hUSD"`
		PriceChange24hPercent float64 `json:"priceChange24hPercent"`
	} `json:"data"`
}

// BirdeyeClient reads the Birdeye token overview. It needs an API key.
type BirdeyeClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	appLogger  *logger.Logger
}

func NewBirdeyeClient(baseURL, apiKey string, ratePerSec float64, timeout time.Duration, appLogger *logger.Logger) *BirdeyeClient {
	if baseURL == "" {
		baseURL = DefaultBirdeyeURL
	}
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	return &BirdeyeClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(ratePerSec), 1),
		appLogger:  appLogger,
	}
}

func (c *BirdeyeClient) Name() string { return "birdeye" }

func (c *BirdeyeClient) GetAssetInfo(ctx context.Context, contractID string) (*models.AssetInfo, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("birdeye rate limiter for %s: %w", contractID, err)
	}

	endpoint := c.baseURL + "/defi/token_overview?address=" + url.QueryEscape(contractID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build birdeye request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-API-KEY", c.apiKey)
	req.Header.Set("x-chain", "solana")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("birdeye request for %s: %w", contractID, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, models.ErrAssetNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		c.appLogger.Warn("Birdeye rejected the API key", zap.Int("status", resp.StatusCode))
		return nil, fmt.Errorf("birdeye status %s for %s", resp.Status, contractID)
	default:
		return nil, fmt.Errorf("birdeye status %s for %s", resp.Status, contractID)
	}

	var overview birdeyeOverview
	if err := json.NewDecoder(resp.Body).Decode(&overview); err != nil {
		return nil, fmt.Errorf("decode birdeye response for %s: %w", contractID, err)
	}
	if !overview.Success || overview.Data == nil || overview.Data.Price <= 0 {
		return nil, models.ErrAssetNotFound
	}

	d := overview.Data
	mcap := d.MC
	if mcap <= 0 {
		mcap = d.MarketCap
	}
	return &models.AssetInfo{
		ContractID:     contractID,
		Symbol:         d.Symbol,
		Name:           d.Name,
		Platform:       "birdeye",
		Source:         c.Name(),
		PriceUSD:       d.Price,
		MarketCap:      mcap,
		LiquidityUSD:   d.Liquidity,
		Volume24h:      d.V24hUSD,
		PriceChange24h: d.PriceChange24hPercent,
	}, nil
}
