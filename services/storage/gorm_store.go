package storage

import (
	"context"
	"fmt"
	"time"

	"narrative_backend/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore keeps snapshots and the watchlist in sqlite or postgres
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormStore creates a store on an open gorm connection
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Migrate creates the pm_markets and pm_snapshots tables
func (s *GormStore) Migrate() error {
	return models.MigrateMarketModels(s.db)
}

// Ping checks the underlying connection
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the connection pool
func (s *GormStore) Close(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// InsertSnapshot appends one observation
func (s *GormStore) InsertSnapshot(ctx context.Context, snap *models.MarketSnapshot) error {
	if err := s.db.WithContext(ctx).Create(snap).Error; err != nil {
		return fmt.Errorf("failed to insert snapshot for %s: %w", snap.Slug, err)
	}
	return nil
}

// ListRecentSnapshots returns up to limit snapshots for slug, newest first
func (s *GormStore) ListRecentSnapshots(ctx context.Context, slug string, limit int) ([]models.MarketSnapshot, error) {
	var snaps []models.MarketSnapshot
	err := s.db.WithContext(ctx).
		Where("slug = ?", slug).
		Order("ts DESC").
		Limit(limit).
		Find(&snaps).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots for %s: %w", slug, err)
	}
	return snaps, nil
}

// ListSnapshots returns snapshots for a slug inside an optional time window, newest first
func (s *GormStore) ListSnapshots(ctx context.Context, q SnapshotQuery) ([]models.MarketSnapshot, error) {
	q = q.Normalize()

	tx := s.db.WithContext(ctx).Where("slug = ?", q.Slug)
	if !q.From.IsZero() {
		tx = tx.Where("ts >= ?", q.From.UTC())
	}
	if !q.To.IsZero() {
		tx = tx.Where("ts <= ?", q.To.UTC())
	}

	var snaps []models.MarketSnapshot
	if err := tx.Order("ts DESC").Limit(q.Limit).Find(&snaps).Error; err != nil {
		return nil, fmt.Errorf("failed to list snapshots for %s: %w", q.Slug, err)
	}
	return snaps, nil
}

// ListActiveSlugs returns the watchlist, most recently touched first
func (s *GormStore) ListActiveSlugs(ctx context.Context) ([]string, error) {
	var slugs []string
	err := s.db.WithContext(ctx).
		Model(&models.TrackedMarket{}).
		Where("active = ?", true).
		Order("updated_at DESC").
		Pluck("slug", &slugs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list active slugs: %w", err)
	}
	return slugs, nil
}

// UpsertTrackedMarket creates or reactivates a market.
// Empty league/title leave the stored values untouched.
func (s *GormStore) UpsertTrackedMarket(ctx context.Context, m models.TrackedMarket) error {
	m.Active = true
	m.UpdatedAt = s.now()

	updates := []string{"active", "updated_at"}
	if m.League != "" {
		updates = append(updates, "league")
	}
	if m.Title != "" {
		updates = append(updates, "title")
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "slug"}},
		DoUpdates: clause.AssignmentColumns(updates),
	}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("failed to upsert market %s: %w", m.Slug, err)
	}
	return nil
}

// DeactivateTrackedMarket removes a slug from the watchlist without deleting it
func (s *GormStore) DeactivateTrackedMarket(ctx context.Context, slug string) error {
	res := s.db.WithContext(ctx).
		Model(&models.TrackedMarket{}).
		Where("slug = ?", slug).
		Updates(map[string]interface{}{
			"active":     false,
			"updated_at": s.now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to deactivate market %s: %w", slug, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("market %s: %w", slug, ErrNotFound)
	}
	return nil
}

// ListTrackedMarkets lists watchlist rows, active or not
func (s *GormStore) ListTrackedMarkets(ctx context.Context, q MarketQuery) ([]models.TrackedMarket, error) {
	q = q.Normalize()

	tx := s.db.WithContext(ctx).Model(&models.TrackedMarket{})
	if q.Q != "" {
		like := "%" + q.Q + "%"
		tx = tx.Where("lower(slug) LIKE ? OR lower(title) LIKE ?", like, like)
	}
	if q.League != "" {
		tx = tx.Where("lower(league) = ?", q.League)
	}

	var markets []models.TrackedMarket
	err := tx.Order(clause.OrderByColumn{
		Column: clause.Column{Name: q.Sort},
		Desc:   q.Dir == "desc",
	}).Limit(q.Limit).Find(&markets).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list markets: %w", err)
	}
	return markets, nil
}
