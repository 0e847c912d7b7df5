package tracker

import (
	"sort"
	"sync"
	"time"

	"ca-tracker/agent/internal/models"
)

// Cache mirrors the Active tracking rows in memory. Rows handed out are copies.
type Cache struct {
	mu         sync.RWMutex
	rows       map[models.Key]*models.TrackedToken
	byContract map[string]map[int64]struct{}
}

func NewCache() *Cache {
	return &Cache{
		rows:       make(map[models.Key]*models.TrackedToken),
		byContract: make(map[string]map[int64]struct{}),
	}
}

func (c *Cache) Get(key models.Key) (*models.TrackedToken, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	t, ok := c.rows[key]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

func (c *Cache) Upsert(t *models.TrackedToken) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.put(t.Clone())
}

func (c *Cache) put(t *models.TrackedToken) {
	key := t.Key()
	c.rows[key] = t
	groups, ok := c.byContract[key.ContractID]
	if !ok {
		groups = make(map[int64]struct{})
		c.byContract[key.ContractID] = groups
	}
	groups[key.GroupID] = struct{}{}
}

func (c *Cache) Remove(key models.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.rows[key]; !ok {
		return false
	}
	delete(c.rows, key)
	if groups, ok := c.byContract[key.ContractID]; ok {
		delete(groups, key.GroupID)
		if len(groups) == 0 {
			delete(c.byContract, key.ContractID)
		}
	}
	return true
}

// Replace swaps the whole content, used when rebuilding from the store.
func (c *Cache) Replace(rows []*models.TrackedToken) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rows = make(map[models.Key]*models.TrackedToken, len(rows))
	c.byContract = make(map[string]map[int64]struct{})
	for _, t := range rows {
		if t.Status == models.StatusActive {
			c.put(t.Clone())
		}
	}
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rows)
}

// Contracts returns the distinct contracts across all groups, sorted.
func (c *Cache) Contracts() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.byContract))
	for contract := range c.byContract {
		out = append(out, contract)
	}
	sort.Strings(out)
	return out
}

// Keys returns every cached row key, sorted by contract then group.
func (c *Cache) Keys() []models.Key {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]models.Key, 0, len(c.rows))
	for key := range c.rows {
		out = append(out, key)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ContractID != out[j].ContractID {
			return out[i].ContractID < out[j].ContractID
		}
		return out[i].GroupID < out[j].GroupID
	})
	return out
}

// RowsFor returns copies of every group's row for the contract.
func (c *Cache) RowsFor(contractID string) []*models.TrackedToken {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rowsForLocked(contractID)
}

func (c *Cache) rowsForLocked(contractID string) []*models.TrackedToken {
	groups := c.byContract[contractID]
	ids := make([]int64, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]*models.TrackedToken, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.rows[models.Key{ContractID: contractID, GroupID: id}].Clone())
	}
	return out
}

// ApplyReading updates every group's row for the contract under one lock, so no
// reader sees the groups diverge within a tick. It returns copies of the updated rows.
func (c *Cache) ApplyReading(contractID string, info *models.AssetInfo, at time.Time, confirmations int) []*models.TrackedToken {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id := range c.byContract[contractID] {
		c.rows[models.Key{ContractID: contractID, GroupID: id}].Observe(info, at, confirmations)
	}
	return c.rowsForLocked(contractID)
}

// Update runs fn on the cached row in place. It reports false when the key is absent.
func (c *Cache) Update(key models.Key, fn func(t *models.TrackedToken)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.rows[key]
	if !ok {
		return false
	}
	fn(t)
	return true
}
