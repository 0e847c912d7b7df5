package tracker

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// RetryPolicy bounds the provider retries made while registering a token.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Config is the engine's tuning surface.
type Config struct {
	RefreshInterval time.Duration
	Levels          Levels

	// AutoRemoveLoss is the loss percent at or below which a row is retired.
	// It must sit strictly below every loss alert level.
	AutoRemoveLoss float64

	ZeroLiquidityRemoval bool
	LiquidityFloorUSD    float64
	SmallCapFloorUSD     float64

	AlertCooldown         time.Duration
	BaselineConfirmations int

	FetchBatchSize      int
	FetchTimeout        time.Duration
	DispatchParallelism int

	MaxTokensPerGroup int
	DelistAfterMisses int

	RegistrationRetry RetryPolicy
}

func DefaultConfig() Config {
	return Config{
		RefreshInterval: 10 * time.Second,
		Levels: Levels{
			Multipliers: []float64{2, 3, 5, 8, 10, 15, 20, 25, 30, 40, 50, 75, 100},
			Losses:      []float64{-30, -50, -70},
			Rug:         -75,
		},
		AutoRemoveLoss:        -80,
		ZeroLiquidityRemoval:  true,
		LiquidityFloorUSD:     100,
		SmallCapFloorUSD:      10000,
		AlertCooldown:         60 * time.Second,
		BaselineConfirmations: 3,
		FetchBatchSize:        20,
		FetchTimeout:          8 * time.Second,
		DispatchParallelism:   10,
		MaxTokensPerGroup:     100,
		DelistAfterMisses:     30,
		RegistrationRetry: RetryPolicy{
			MaxAttempts:     3,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     3 * time.Second,
		},
	}
}

// Normalize sorts the level lists into evaluation order and rejects inconsistent settings.
func (c *Config) Normalize() error {
	c.Levels.Multipliers = append([]float64(nil), c.Levels.Multipliers...)
	c.Levels.Losses = append([]float64(nil), c.Levels.Losses...)
	sort.Float64s(c.Levels.Multipliers)
	// least severe loss first
	sort.Sort(sort.Reverse(sort.Float64Slice(c.Levels.Losses)))

	var errs []error
	for _, m := range c.Levels.Multipliers {
		if m <= 1 {
			errs = append(errs, fmt.Errorf("multiplier level %v must be greater than 1", m))
		}
	}
	for _, l := range c.Levels.Losses {
		if l >= 0 || l <= -100 {
			errs = append(errs, fmt.Errorf("loss level %v must be between -100 and 0", l))
		}
		if l <= c.AutoRemoveLoss {
			errs = append(errs, fmt.Errorf("loss level %v must be above the auto-remove floor %v", l, c.AutoRemoveLoss))
		}
	}
	if c.Levels.Rug > 0 || c.Levels.Rug <= -100 {
		errs = append(errs, fmt.Errorf("rug level %v must be between -100 and 0 (0 disables it)", c.Levels.Rug))
	}
	if c.AutoRemoveLoss >= 0 || c.AutoRemoveLoss < -100 {
		errs = append(errs, fmt.Errorf("auto-remove loss %v must be between -100 and 0", c.AutoRemoveLoss))
	}
	if c.RefreshInterval <= 0 {
		errs = append(errs, errors.New("refresh interval must be positive"))
	}
	if c.BaselineConfirmations < 1 {
		errs = append(errs, errors.New("baseline confirmations must be at least 1"))
	}
	if c.FetchBatchSize < 1 {
		errs = append(errs, errors.New("fetch batch size must be at least 1"))
	}
	if c.FetchTimeout <= 0 {
		errs = append(errs, errors.New("fetch timeout must be positive"))
	}
	if c.DispatchParallelism < 1 {
		c.DispatchParallelism = 1
	}
	if c.AlertCooldown < 0 {
		errs = append(errs, errors.New("alert cooldown cannot be negative"))
	}
	if c.RegistrationRetry.MaxAttempts < 1 {
		c.RegistrationRetry.MaxAttempts = 1
	}
	return errors.Join(errs...)
}
