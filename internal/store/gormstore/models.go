package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DrawPeriod represents the draw_periods table. The unique index on
// period_date is what guarantees at most one period per cadence slot.
type DrawPeriod struct {
	PeriodID     string     `gorm:"type:uuid;primaryKey"`
	PeriodDate   string     `gorm:"not null;uniqueIndex:uniq_periods_date"`
	PoolCents    int64      `gorm:"not null;default:0"`
	EntryCount   int64      `gorm:"not null;default:0"`
	Status       string     `gorm:"not null;index:idx_periods_status"`
	Commitment   string     `gorm:"not null"`
	Secret       string     `gorm:"not null"`
	WinningIndex *int64     `gorm:""`
	CreatedAt    time.Time  `gorm:"not null"`
	SettledAt    *time.Time `gorm:""`
}

func (DrawPeriod) TableName() string { return "draw_periods" }

func (period *DrawPeriod) BeforeCreate(tx *gorm.DB) error {
	if period.PeriodID == "" {
		period.PeriodID = uuid.NewString()
	}
	return nil
}

// DrawEntry mirrors the draw_entries table. Positions are unique within a
// period; one entry per participant per period.
type DrawEntry struct {
	EntryID           string    `gorm:"type:uuid;primaryKey"`
	ParticipantID     string    `gorm:"not null;uniqueIndex:uniq_entries_participant_period,priority:1"`
	PeriodID          string    `gorm:"type:uuid;not null;uniqueIndex:uniq_entries_participant_period,priority:2;uniqueIndex:uniq_entries_period_position,priority:1"`
	Position          int64     `gorm:"not null;uniqueIndex:uniq_entries_period_position,priority:2"`
	PoolSnapshotCents int64     `gorm:"not null"`
	Seal              string    `gorm:"not null"`
	Status            string    `gorm:"not null;index:idx_entries_status"`
	PayoutCents       *int64    `gorm:""`
	PurchasedAt       time.Time `gorm:"not null"`
}

func (DrawEntry) TableName() string { return "draw_entries" }

func (entry *DrawEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// ParticipantBalance mirrors the balances table.
type ParticipantBalance struct {
	ParticipantID  string    `gorm:"primaryKey"`
	AvailableCents int64     `gorm:"not null;default:0"`
	HeldCents      int64     `gorm:"not null;default:0"`
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (ParticipantBalance) TableName() string { return "balances" }

// LedgerRecord mirrors the append-only ledger_records table.
type LedgerRecord struct {
	RecordID      string         `gorm:"type:uuid;primaryKey"`
	ParticipantID string         `gorm:"not null;index:idx_ledger_participant_created,priority:1"`
	Category      string         `gorm:"not null"`
	AmountCents   int64          `gorm:"not null"`
	Status        string         `gorm:"not null"`
	Context       datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt     time.Time      `gorm:"not null;index:idx_ledger_participant_created,priority:2"`
}

func (LedgerRecord) TableName() string { return "ledger_records" }

func (record *LedgerRecord) BeforeCreate(tx *gorm.DB) error {
	if record.RecordID == "" {
		record.RecordID = uuid.NewString()
	}
	return nil
}

// IdempotencyRecord mirrors the idempotency_records table. The primary key on
// the caller-supplied key gives insert-if-absent semantics.
type IdempotencyRecord struct {
	Key       string    `gorm:"primaryKey;size:128"`
	Result    *string   `gorm:""`
	CreatedAt time.Time `gorm:"not null"`
}

func (IdempotencyRecord) TableName() string { return "idempotency_records" }
