package tracker

import "ca-tracker/agent/internal/models"

// levelEpsilon absorbs float rounding so a reading exactly on a level counts as crossing it.
const levelEpsilon = 1e-9

// Levels are the configured alert thresholds.
// Multipliers ascend, Losses run from least to most severe, Rug of 0 disables rug alerts.
type Levels struct {
	Multipliers []float64
	Losses      []float64
	Rug         float64
}

// Crossings are the thresholds newly crossed by one reading of one row.
type Crossings struct {
	Multiplier  float64
	LossPercent float64
	Multipliers []float64
	Losses      []float64
	Rug         bool
}

func (c Crossings) Empty() bool {
	return len(c.Multipliers) == 0 && len(c.Losses) == 0 && !c.Rug
}

// EvaluateThresholds returns every level crossed by current relative to baseline
// that has not fired before. All newly crossed levels are returned, not just the highest.
func EvaluateThresholds(levels Levels, baseline, current float64, firedMultipliers, firedLosses models.LevelSet, rugFired bool) Crossings {
	var c Crossings
	if baseline <= 0 || current <= 0 {
		return c
	}

	c.Multiplier = current / baseline
	c.LossPercent = (current - baseline) / baseline * 100

	for _, level := range levels.Multipliers {
		if firedMultipliers.Has(level) {
			continue
		}
		if c.Multiplier >= level-levelEpsilon {
			c.Multipliers = append(c.Multipliers, level)
		}
	}

	for _, level := range levels.Losses {
		if firedLosses.Has(level) {
			continue
		}
		if c.LossPercent <= level+levelEpsilon {
			c.Losses = append(c.Losses, level)
		}
	}

	if levels.Rug < 0 && !rugFired && c.LossPercent <= levels.Rug+levelEpsilon {
		c.Rug = true
	}
	return c
}

// EvaluateToken applies EvaluateThresholds to a tracking row.
func EvaluateToken(levels Levels, t *models.TrackedToken) Crossings {
	return EvaluateThresholds(levels, t.BaselineMcap, t.CurrentMcap, t.FiredMultipliers, t.FiredLosses, t.RugAlerted)
}
