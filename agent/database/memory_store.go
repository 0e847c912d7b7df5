package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ca-tracker/agent/internal/models"
)

// MemoryStore is an in-process TokenStore for tests and dry runs.
type MemoryStore struct {
	mu     sync.RWMutex
	groups map[int64]*models.Group
	tokens map[models.Key]*models.TrackedToken
	alerts []models.AlertRecord
}

var _ TokenStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		groups: make(map[int64]*models.Group),
		tokens: make(map[models.Key]*models.TrackedToken),
	}
}

func copyGroup(g *models.Group) *models.Group {
	c := *g
	if g.Settings != nil {
		c.Settings = make(map[string]string, len(g.Settings))
		for k, v := range g.Settings {
			c.Settings[k] = v
		}
	}
	return &c
}

func (s *MemoryStore) EnsureGroup(_ context.Context, group models.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.groups[group.ID]
	if !ok {
		if group.CreatedAt.IsZero() {
			group.CreatedAt = time.Now().UTC()
		}
		group.Active = true
		s.groups[group.ID] = copyGroup(&group)
		return nil
	}
	existing.Active = true
	if group.Title != "" {
		existing.Title = group.Title
	}
	if group.Settings != nil {
		existing.Settings = copyGroup(&group).Settings
	}
	return nil
}

func (s *MemoryStore) GetGroup(_ context.Context, groupID int64) (*models.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups[groupID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyGroup(g), nil
}

func (s *MemoryStore) DeactivateGroup(_ context.Context, groupID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[groupID]
	if !ok {
		return ErrNotFound
	}
	g.Active = false
	return nil
}

func (s *MemoryStore) CreateToken(_ context.Context, token *models.TrackedToken) error {
	if token == nil || token.ContractID == "" {
		return fmt.Errorf("create token: missing contract id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.tokens[token.Key()]; ok && existing.Status == models.StatusActive {
		return ErrDuplicateKey
	}
	c := token.Clone()
	c.FiredMultipliers = nil
	c.FiredLosses = nil
	c.RugAlerted = false
	c.RemovedAt = nil
	s.tokens[token.Key()] = c
	return nil
}

func (s *MemoryStore) SaveTokens(_ context.Context, tokens []*models.TrackedToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range tokens {
		existing, ok := s.tokens[t.Key()]
		if !ok || existing.Status.Terminal() {
			continue
		}
		c := t.Clone()
		// fired thresholds are append-only
		c.FiredMultipliers = existing.FiredMultipliers.Add(t.FiredMultipliers...)
		c.FiredLosses = existing.FiredLosses.Add(t.FiredLosses...)
		c.RugAlerted = existing.RugAlerted || t.RugAlerted
		s.tokens[t.Key()] = c
	}
	return nil
}

func (s *MemoryStore) GetToken(_ context.Context, key models.Key) (*models.TrackedToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tokens[key]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func sortTokens(tokens []*models.TrackedToken) {
	sort.Slice(tokens, func(i, j int) bool {
		if tokens[i].GroupID != tokens[j].GroupID {
			return tokens[i].GroupID < tokens[j].GroupID
		}
		if !tokens[i].AddedAt.Equal(tokens[j].AddedAt) {
			return tokens[i].AddedAt.Before(tokens[j].AddedAt)
		}
		return tokens[i].ContractID < tokens[j].ContractID
	})
}

func (s *MemoryStore) ListActive(_ context.Context) ([]*models.TrackedToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.TrackedToken
	for _, t := range s.tokens {
		if t.Status == models.StatusActive {
			out = append(out, t.Clone())
		}
	}
	sortTokens(out)
	return out, nil
}

func (s *MemoryStore) ListByGroup(_ context.Context, groupID int64, includeInactive bool) ([]*models.TrackedToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.TrackedToken
	for _, t := range s.tokens {
		if t.GroupID != groupID {
			continue
		}
		if !includeInactive && t.Status != models.StatusActive {
			continue
		}
		out = append(out, t.Clone())
	}
	sortTokens(out)
	return out, nil
}

func (s *MemoryStore) CountActive(_ context.Context, groupID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, t := range s.tokens {
		if t.GroupID == groupID && t.Status == models.StatusActive {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) TransitionStatus(_ context.Context, key models.Key, status models.Status, at time.Time) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("transition %s/%d: %q is not a terminal status", key.ContractID, key.GroupID, status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[key]
	if !ok || t.Status != models.StatusActive {
		return false, nil
	}
	t.Status = status
	removedAt := at
	t.RemovedAt = &removedAt
	return true, nil
}

func (s *MemoryStore) AppendAlert(_ context.Context, record models.AlertRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.alerts = append(s.alerts, record)
	return nil
}

func (s *MemoryStore) CountAlerts(_ context.Context, groupID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, a := range s.alerts {
		if a.GroupID == groupID {
			n++
		}
	}
	return n, nil
}

// Alerts returns a copy of the alert log.
func (s *MemoryStore) Alerts() []models.AlertRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]models.AlertRecord(nil), s.alerts...)
}
