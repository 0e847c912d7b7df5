package tracker

import (
	"fmt"
	"time"

	"ca-tracker/agent/internal/models"

	"github.com/patrickmn/go-cache"
)

// CooldownKey scopes a cooldown to one alert family of one tracking row.
type CooldownKey struct {
	models.Key
	Family models.AlertFamily
}

func (k CooldownKey) String() string {
	return fmt.Sprintf("%s|%d|%s", k.ContractID, k.GroupID, k.Family)
}

var cooldownFamilies = []models.AlertFamily{models.FamilyMultiplier, models.FamilyLoss, models.FamilyRug}

// CooldownGuard remembers when each family last fired. State is transient and
// starts empty after a restart.
type CooldownGuard struct {
	window  time.Duration
	now     func() time.Time
	entries *cache.Cache
}

func NewCooldownGuard(window time.Duration, now func() time.Time) *CooldownGuard {
	if now == nil {
		now = time.Now
	}
	ttl := 2 * window
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CooldownGuard{
		window:  window,
		now:     now,
		entries: cache.New(ttl, ttl),
	}
}

// Suppressed reports whether the family fired less than one window ago.
func (g *CooldownGuard) Suppressed(key CooldownKey) bool {
	if g.window <= 0 {
		return false
	}
	v, ok := g.entries.Get(key.String())
	if !ok {
		return false
	}
	last, ok := v.(time.Time)
	if !ok {
		return false
	}
	return g.now().Sub(last) < g.window
}

// Record starts a new window for the family.
func (g *CooldownGuard) Record(key CooldownKey) {
	g.entries.Set(key.String(), g.now(), cache.DefaultExpiration)
}

// Forget drops every family's cooldown for the row.
func (g *CooldownGuard) Forget(key models.Key) {
	for _, family := range cooldownFamilies {
		g.entries.Delete(CooldownKey{Key: key, Family: family}.String())
	}
}
