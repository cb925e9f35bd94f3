package models

import (
	"time"

	"gorm.io/gorm"
)

// TrackedMarket is one slug on the collector watchlist.
// Removing a market only clears Active; rows are never hard-deleted.
type TrackedMarket struct {
	Slug      string    `gorm:"primaryKey" json:"slug" bson:"_id"`
	League    string    `json:"league" bson:"league"`
	Title     string    `json:"title" bson:"title"`
	Active    bool      `gorm:"index;not null" json:"active" bson:"active"`
	UpdatedAt time.Time `gorm:"index" json:"updated_at" bson:"updated_at"`
}

// TableName keeps the table name stable across drivers
func (TrackedMarket) TableName() string {
	return "pm_markets"
}

// MarketSnapshot is one timestamped observation for a slug. Append-only.
// Price is nil when the provider payload had no usable quote.
type MarketSnapshot struct {
	ID        uint      `gorm:"primaryKey" json:"id" bson:"-"`
	Slug      string    `gorm:"not null;index:idx_pm_snapshots_slug_ts,priority:1" json:"slug" bson:"slug"`
	Timestamp time.Time `gorm:"column:ts;not null;index:idx_pm_snapshots_slug_ts,priority:2" json:"ts" bson:"ts"`
	Price     *float64  `json:"price" bson:"price"`
	BestBid   *float64  `gorm:"column:best_bid" json:"best_bid" bson:"best_bid"`
	BestAsk   *float64  `gorm:"column:best_ask" json:"best_ask" bson:"best_ask"`
	Volume    *float64  `json:"volume" bson:"volume"`
	RawJSON   string    `gorm:"column:raw_json;type:text" json:"-" bson:"raw_json"`
}

// TableName keeps the table name stable across drivers
func (MarketSnapshot) TableName() string {
	return "pm_snapshots"
}

// MigrateMarketModels runs database migrations for watchlist and snapshot tables
func MigrateMarketModels(db *gorm.DB) error {
	return db.AutoMigrate(
		&TrackedMarket{},
		&MarketSnapshot{},
	)
}
