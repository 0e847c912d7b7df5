package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ca-tracker/agent/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore is the postgres-backed TokenStore.
type GormStore struct {
	db *gorm.DB
}

var _ TokenStore = (*GormStore)(nil)

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func isDuplicateKeyError(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

func keyScope(key models.Key) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("contract_id = ? AND group_id = ?", key.ContractID, key.GroupID)
	}
}

func (s *GormStore) EnsureGroup(ctx context.Context, group models.Group) error {
	row, err := toGroupRow(group)
	if err != nil {
		return fmt.Errorf("encode settings for group %d: %w", group.ID, err)
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}

	updates := map[string]interface{}{"active": true}
	if group.Title != "" {
		updates["title"] = row.Title
	}
	if group.Settings != nil {
		updates["settings"] = row.Settings
	}

	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.Assignments(updates),
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("ensure group %d: %w", group.ID, err)
	}
	return nil
}

func (s *GormStore) GetGroup(ctx context.Context, groupID int64) (*models.Group, error) {
	var row groupRow
	err := s.db.WithContext(ctx).Where("id = ?", groupID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get group %d: %w", groupID, err)
	}
	return row.toModel()
}

func (s *GormStore) DeactivateGroup(ctx context.Context, groupID int64) error {
	res := s.db.WithContext(ctx).Model(&groupRow{}).Where("id = ?", groupID).Update("active", false)
	if res.Error != nil {
		return fmt.Errorf("deactivate group %d: %w", groupID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) CreateToken(ctx context.Context, token *models.TrackedToken) error {
	if token == nil || token.ContractID == "" {
		return fmt.Errorf("create token: missing contract id")
	}
	row := toTokenRow(token)
	row.RemovedAt = nil

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing tokenRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Scopes(keyScope(token.Key())).
			Take(&existing).Error

		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(&row).Error
		case err != nil:
			return err
		case existing.Status == string(models.StatusActive):
			return ErrDuplicateKey
		}

		// re-registration of a terminal row starts a fresh tracking cycle
		if err := tx.Scopes(keyScope(token.Key())).Delete(&firedRow{}).Error; err != nil {
			return err
		}
		return tx.Save(&row).Error
	})
	if errors.Is(err, ErrDuplicateKey) || isDuplicateKeyError(err) {
		return ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("create token %s/%d: %w", token.ContractID, token.GroupID, err)
	}
	return nil
}

func (s *GormStore) SaveTokens(ctx context.Context, tokens []*models.TrackedToken) error {
	if len(tokens) == 0 {
		return nil
	}
	now := time.Now().UTC()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, t := range tokens {
			row := toTokenRow(t)
			res := tx.Model(&tokenRow{}).
				Scopes(keyScope(t.Key())).
				Where("status = ?", string(models.StatusActive)).
				Updates(row.updateColumns())
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}

			fired := firedRowsFor(t, now)
			if len(fired) == 0 {
				continue
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&fired).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save %d token rows: %w", len(tokens), err)
	}
	return nil
}

func (s *GormStore) GetToken(ctx context.Context, key models.Key) (*models.TrackedToken, error) {
	var row tokenRow
	err := s.db.WithContext(ctx).Scopes(keyScope(key)).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get token %s/%d: %w", key.ContractID, key.GroupID, err)
	}

	var fired []firedRow
	if err := s.db.WithContext(ctx).Scopes(keyScope(key)).Find(&fired).Error; err != nil {
		return nil, fmt.Errorf("get fired thresholds %s/%d: %w", key.ContractID, key.GroupID, err)
	}
	return row.toModel(fired), nil
}

func (s *GormStore) assemble(rows []tokenRow, fired []firedRow) []*models.TrackedToken {
	byKey := make(map[models.Key][]firedRow, len(rows))
	for _, f := range fired {
		k := models.Key{ContractID: f.ContractID, GroupID: f.GroupID}
		byKey[k] = append(byKey[k], f)
	}
	out := make([]*models.TrackedToken, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel(byKey[models.Key{ContractID: r.ContractID, GroupID: r.GroupID}]))
	}
	return out
}

func (s *GormStore) ListActive(ctx context.Context) ([]*models.TrackedToken, error) {
	db := s.db.WithContext(ctx)

	var rows []tokenRow
	err := db.Where("status = ?", string(models.StatusActive)).
		Order("group_id, added_at, contract_id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list active tokens: %w", err)
	}

	var fired []firedRow
	err = db.Where("(contract_id, group_id) IN (?)",
		db.Model(&tokenRow{}).Select("contract_id, group_id").Where("status = ?", string(models.StatusActive)),
	).Find(&fired).Error
	if err != nil {
		return nil, fmt.Errorf("list fired thresholds: %w", err)
	}
	return s.assemble(rows, fired), nil
}

func (s *GormStore) ListByGroup(ctx context.Context, groupID int64, includeInactive bool) ([]*models.TrackedToken, error) {
	db := s.db.WithContext(ctx)

	q := db.Where("group_id = ?", groupID)
	if !includeInactive {
		q = q.Where("status = ?", string(models.StatusActive))
	}
	var rows []tokenRow
	if err := q.Order("added_at, contract_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list tokens for group %d: %w", groupID, err)
	}

	var fired []firedRow
	if err := db.Where("group_id = ?", groupID).Find(&fired).Error; err != nil {
		return nil, fmt.Errorf("list fired thresholds for group %d: %w", groupID, err)
	}
	return s.assemble(rows, fired), nil
}

func (s *GormStore) CountActive(ctx context.Context, groupID int64) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&tokenRow{}).
		Where("group_id = ? AND status = ?", groupID, string(models.StatusActive)).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count active tokens for group %d: %w", groupID, err)
	}
	return int(n), nil
}

func (s *GormStore) TransitionStatus(ctx context.Context, key models.Key, status models.Status, at time.Time) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("transition %s/%d: %q is not a terminal status", key.ContractID, key.GroupID, status)
	}
	res := s.db.WithContext(ctx).Model(&tokenRow{}).
		Scopes(keyScope(key)).
		Where("status = ?", string(models.StatusActive)).
		Updates(map[string]interface{}{
			"status":     string(status),
			"removed_at": at,
		})
	if res.Error != nil {
		return false, fmt.Errorf("transition %s/%d to %s: %w", key.ContractID, key.GroupID, status, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) AppendAlert(ctx context.Context, record models.AlertRecord) error {
	row := alertRow{
		ContractID: record.ContractID,
		GroupID:    record.GroupID,
		Family:     string(record.Family),
		Level:      record.Level,
		Value:      record.Value,
		FiredAt:    record.FiredAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("append alert %s/%d: %w", record.ContractID, record.GroupID, err)
	}
	return nil
}

func (s *GormStore) CountAlerts(ctx context.Context, groupID int64) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&alertRow{}).Where("group_id = ?", groupID).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count alerts for group %d: %w", groupID, err)
	}
	return n, nil
}
