package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ca-tracker/agent/internal/models"
	"ca-tracker/shared/logger"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const DefaultDexScreenerURL = "https://api.dexscreener.com/tokens/v1/solana"

type Pair struct {
	ChainID     string             `json:"chainId"`
	DexID       string             `json:"dexId"`
	URL         string             `json:"url"`
	PairAddress string             `json:"pairAddress"`
	BaseToken   Token              `json:"baseToken"`
	QuoteToken  Token              `json:"quoteToken"`
	PriceUsd    string             `json:"priceUsd"`
	Volume      map[string]float64 `json:"volume"`
	PriceChange map[string]float64 `json:"priceChange"`
	Liquidity   *Liquidity         `json:"liquidity"`
	FDV         float64            `json:"fdv"`
	MarketCap   float64            `json:"marketCap"`
}

type Token struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	Symbol  string `json:"symbol"`
}

type Liquidity struct {
	Usd   float64 `json:"usd"`
	Base  float64 `json:"base"`
	Quote float64 `json:"quote"`
}

func (p Pair) liquidityUSD() float64 {
	if p.Liquidity == nil {
		return 0
	}
	return p.Liquidity.Usd
}

// DexScreenerClient reads market data from the DexScreener tokens endpoint.
type DexScreenerClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	appLogger  *logger.Logger
}

func NewDexScreenerClient(baseURL string, ratePerSec float64, timeout time.Duration, appLogger *logger.Logger) *DexScreenerClient {
	if baseURL == "" {
		baseURL = DefaultDexScreenerURL
	}
	if ratePerSec <= 0 {
		ratePerSec = 4.66
	}
	return &DexScreenerClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(ratePerSec), 5),
		appLogger:  appLogger,
	}
}

func (c *DexScreenerClient) Name() string { return "dexscreener" }

func (c *DexScreenerClient) GetAssetInfo(ctx context.Context, contractID string) (*models.AssetInfo, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("dexscreener rate limiter for %s: %w", contractID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+contractID, nil)
	if err != nil {
		return nil, fmt.Errorf("build dexscreener request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dexscreener request for %s: %w", contractID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		c.appLogger.Warn("Rate limit hit on DexScreener", zap.String("contract", contractID))
		return nil, fmt.Errorf("dexscreener rate limit exceeded (429)")
	case resp.StatusCode == http.StatusNotFound:
		return nil, models.ErrAssetNotFound
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("dexscreener status %s for %s: %s", resp.Status, contractID, strings.TrimSpace(string(body)))
	}

	var pairs []Pair
	if err := json.NewDecoder(resp.Body).Decode(&pairs); err != nil {
		return nil, fmt.Errorf("decode dexscreener response for %s: %w", contractID, err)
	}

	pair, ok := bestPair(pairs, contractID)
	if !ok {
		return nil, models.ErrAssetNotFound
	}

	price, _ := strconv.ParseFloat(pair.PriceUsd, 64)
	mcap := pair.MarketCap
	if mcap <= 0 {
		mcap = pair.FDV
	}

	info := &models.AssetInfo{
		ContractID:     contractID,
		Symbol:         pair.BaseToken.Symbol,
		Name:           pair.BaseToken.Name,
		Platform:       pair.DexID,
		PairAddress:    pair.PairAddress,
		Source:         c.Name(),
		PriceUSD:       price,
		MarketCap:      mcap,
		LiquidityUSD:   pair.liquidityUSD(),
		Volume24h:      pair.Volume["h24"],
		PriceChange24h: pair.PriceChange["h24"],
	}
	c.appLogger.Debug("DexScreener reading",
		zap.String("contract", contractID),
		zap.String("pair", pair.PairAddress),
		zap.Float64("mcap", mcap),
		zap.Float64("liquidity", info.LiquidityUSD),
	)
	return info, nil
}

// bestPair picks the most liquid pair quoting the contract as its base token.
// Pairs listing it as the quote side are used only when nothing else exists.
func bestPair(pairs []Pair, contractID string) (Pair, bool) {
	var best Pair
	found := false
	for _, p := range pairs {
		if !strings.EqualFold(p.BaseToken.Address, contractID) {
			continue
		}
		if !found || p.liquidityUSD() > best.liquidityUSD() {
			best, found = p, true
		}
	}
	if found {
		return best, true
	}
	for _, p := range pairs {
		if !found || p.liquidityUSD() > best.liquidityUSD() {
			best, found = p, true
		}
	}
	return best, found
}
