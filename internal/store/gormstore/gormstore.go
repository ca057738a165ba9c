package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/fairdraw/pkg/draw"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintPeriodDate           = "uniq_periods_date"
	constraintParticipantPerPeriod = "uniq_entries_participant_period"
	constraintIdempotencyKey       = "idempotency_records_pkey"
	defaultContextJSON             = "{}"
	pgUniqueViolationCode          = "23505"
	pgLockNotAvailableCode         = "55P03"
	sqliteConstraintCode           = 19
	errorOperationStore            = "store"
	errorSubjectTransaction        = "transaction"
	errorSubjectPeriod             = "period"
	errorSubjectEntry              = "entry"
	errorSubjectBalance            = "balance"
	errorSubjectLedger             = "ledger"
	errorSubjectIdempotency        = "idempotency"
	errorCodeCreate                = "create"
	errorCodeDuplicate             = "duplicate"
	errorCodeGet                   = "get"
	errorCodeInsert                = "insert"
	errorCodeList                  = "list"
	errorCodeUpdate                = "update"
	errorCodeLockTimeout           = "lock_timeout"
	errorCodeBegin                 = "begin"
	sqlSetLockTimeout              = "SET LOCAL lock_timeout = '5s'"
)

// Store implements draw.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the schema. Intended for sqlite; postgres deployments run
// managed migrations.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&DrawPeriod{},
		&DrawEntry{},
		&ParticipantBalance{},
		&LedgerRecord{},
		&IdempotencyRecord{},
	)
}

// WithTx executes fn within a transaction. On postgres a transaction-scoped
// lock_timeout bounds every row-lock wait inside fn so contended settlements
// surface draw.ErrLockTimeout instead of blocking without bound.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore draw.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if transaction.Dialector.Name() == "postgres" {
			if err := transaction.Exec(sqlSetLockTimeout).Error; err != nil {
				return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
			}
		}
		return fn(ctx, &Store{db: transaction})
	})
}

// lockingClauses returns the exclusive row lock clause on dialects that
// support it. SQLite serializes writers on its own.
func (store *Store) lockingClauses() []clause.Expression {
	if store.db.Dialector.Name() == "postgres" {
		return []clause.Expression{clause.Locking{Strength: "UPDATE"}}
	}
	return nil
}

func (store *Store) CreatePeriod(ctx context.Context, period draw.Period) (draw.Period, error) {
	model := DrawPeriod{
		PeriodID:   period.PeriodID,
		PeriodDate: period.PeriodDate,
		PoolCents:  period.PoolCents,
		EntryCount: period.EntryCount,
		Status:     period.Status.String(),
		Commitment: period.Commitment,
		Secret:     period.Secret,
		CreatedAt:  time.Unix(period.CreatedUnixUTC, 0).UTC(),
	}
	if period.CreatedUnixUTC == 0 {
		model.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintPeriodDate) {
		return draw.Period{}, wrapStoreError(errorSubjectPeriod, errorCodeDuplicate, draw.ErrPeriodExists)
	}
	if err != nil {
		return draw.Period{}, wrapStoreError(errorSubjectPeriod, errorCodeCreate, err)
	}
	return mapPeriod(model), nil
}

func (store *Store) GetPeriod(ctx context.Context, periodID string) (draw.Period, error) {
	return store.getPeriod(ctx, false, "period_id = ?", periodID)
}

func (store *Store) GetPeriodForUpdate(ctx context.Context, periodID string) (draw.Period, error) {
	return store.getPeriod(ctx, true, "period_id = ?", periodID)
}

func (store *Store) GetPeriodByDate(ctx context.Context, periodDate string) (draw.Period, error) {
	return store.getPeriod(ctx, false, "period_date = ?", periodDate)
}

func (store *Store) GetOpenPeriod(ctx context.Context) (draw.Period, error) {
	return store.getPeriod(ctx, false, "status = ?", draw.PeriodStatusOpen.String())
}

func (store *Store) GetOpenPeriodForUpdate(ctx context.Context) (draw.Period, error) {
	return store.getPeriod(ctx, true, "status = ?", draw.PeriodStatusOpen.String())
}

func (store *Store) getPeriod(ctx context.Context, forUpdate bool, query string, args ...interface{}) (draw.Period, error) {
	var model DrawPeriod
	tx := store.db.WithContext(ctx)
	if forUpdate {
		for _, locking := range store.lockingClauses() {
			tx = tx.Clauses(locking)
		}
	}
	err := tx.Where(query, args...).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if query == "status = ?" {
				return draw.Period{}, wrapStoreError(errorSubjectPeriod, errorCodeGet, draw.ErrNoOpenPeriod)
			}
			return draw.Period{}, wrapStoreError(errorSubjectPeriod, errorCodeGet, draw.ErrUnknownPeriod)
		}
		if isLockTimeout(err) {
			return draw.Period{}, wrapStoreError(errorSubjectPeriod, errorCodeLockTimeout, draw.ErrLockTimeout)
		}
		return draw.Period{}, wrapStoreError(errorSubjectPeriod, errorCodeGet, err)
	}
	return mapPeriod(model), nil
}

func (store *Store) UpdatePeriodStatus(ctx context.Context, periodID string, from, to draw.PeriodStatus) error {
	result := store.db.WithContext(ctx).
		Model(&DrawPeriod{}).
		Where("period_id = ? AND status = ?", periodID, from.String()).
		Update("status", to.String())
	if result.Error != nil {
		return wrapStoreError(errorSubjectPeriod, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectPeriod, errorCodeUpdate, draw.ErrPeriodNotOpen)
	}
	return nil
}

func (store *Store) IncrementPeriodPool(ctx context.Context, periodID string, priceCents int64) error {
	result := store.db.WithContext(ctx).
		Model(&DrawPeriod{}).
		Where("period_id = ? AND status = ?", periodID, draw.PeriodStatusOpen.String()).
		Updates(map[string]interface{}{
			"pool_cents":  gorm.Expr("pool_cents + ?", priceCents),
			"entry_count": gorm.Expr("entry_count + 1"),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectPeriod, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectPeriod, errorCodeUpdate, draw.ErrPeriodNotOpen)
	}
	return nil
}

func (store *Store) RecordSettlement(ctx context.Context, periodID string, winningIndex int64, settledUnixUTC int64) error {
	settledAt := time.Unix(settledUnixUTC, 0).UTC()
	result := store.db.WithContext(ctx).
		Model(&DrawPeriod{}).
		Where("period_id = ? AND status = ?", periodID, draw.PeriodStatusLocked.String()).
		Updates(map[string]interface{}{
			"status":        draw.PeriodStatusSettled.String(),
			"winning_index": winningIndex,
			"settled_at":    settledAt,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectPeriod, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectPeriod, errorCodeUpdate, draw.ErrPeriodNotOpen)
	}
	return nil
}

func (store *Store) InsertEntry(ctx context.Context, entry draw.Entry) error {
	model := DrawEntry{
		EntryID:           entry.EntryID,
		ParticipantID:     entry.ParticipantID,
		PeriodID:          entry.PeriodID,
		Position:          entry.Position,
		PoolSnapshotCents: entry.PoolSnapshotCents,
		Seal:              entry.Seal,
		Status:            entry.Status.String(),
		PurchasedAt:       time.Unix(entry.PurchasedUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintParticipantPerPeriod) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, draw.ErrDuplicateEntry)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListPeriodEntries(ctx context.Context, periodID string) ([]draw.Entry, error) {
	var rows []DrawEntry
	err := store.db.WithContext(ctx).
		Where("period_id = ?", periodID).
		Order("position ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]draw.Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, mapEntry(row))
	}
	return entries, nil
}

func (store *Store) MarkEntryWon(ctx context.Context, entryID string, payoutCents int64) error {
	result := store.db.WithContext(ctx).
		Model(&DrawEntry{}).
		Where("entry_id = ? AND status = ?", entryID, draw.EntryStatusActive.String()).
		Updates(map[string]interface{}{
			"status":       draw.EntryStatusWon.String(),
			"payout_cents": payoutCents,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectEntry, errorCodeUpdate, gorm.ErrRecordNotFound)
	}
	return nil
}

func (store *Store) MarkEntriesLost(ctx context.Context, periodID string, winningEntryID string) error {
	err := store.db.WithContext(ctx).
		Model(&DrawEntry{}).
		Where("period_id = ? AND entry_id <> ? AND status = ?", periodID, winningEntryID, draw.EntryStatusActive.String()).
		Update("status", draw.EntryStatusLost.String()).Error
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeUpdate, err)
	}
	return nil
}

// GetBalanceForUpdate seeds the balance row if absent, then re-reads it under
// the row lock so a concurrent creator never leaves the caller with a stale
// unlocked snapshot.
func (store *Store) GetBalanceForUpdate(ctx context.Context, participantID string) (draw.Balance, error) {
	now := time.Now().UTC()
	seed := ParticipantBalance{
		ParticipantID: participantID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&seed).Error; err != nil {
		if isLockTimeout(err) {
			return draw.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeLockTimeout, draw.ErrLockTimeout)
		}
		return draw.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeCreate, err)
	}
	var model ParticipantBalance
	tx := store.db.WithContext(ctx)
	for _, locking := range store.lockingClauses() {
		tx = tx.Clauses(locking)
	}
	if err := tx.Where("participant_id = ?", participantID).Take(&model).Error; err != nil {
		if isLockTimeout(err) {
			return draw.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeLockTimeout, draw.ErrLockTimeout)
		}
		return draw.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return draw.Balance{
		AvailableCents: draw.AmountCents(model.AvailableCents),
		HeldCents:      draw.AmountCents(model.HeldCents),
	}, nil
}

func (store *Store) ApplyBalanceDelta(ctx context.Context, participantID string, availableDelta, heldDelta int64) error {
	result := store.db.WithContext(ctx).
		Model(&ParticipantBalance{}).
		Where("participant_id = ? AND available_cents + ? >= 0 AND held_cents + ? >= 0", participantID, availableDelta, heldDelta).
		Updates(map[string]interface{}{
			"available_cents": gorm.Expr("available_cents + ?", availableDelta),
			"held_cents":      gorm.Expr("held_cents + ?", heldDelta),
			"updated_at":      time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, draw.ErrInsufficientFunds)
	}
	return nil
}

func (store *Store) InsertLedgerRecord(ctx context.Context, record draw.LedgerRecord) error {
	model := LedgerRecord{
		RecordID:      record.RecordID,
		ParticipantID: record.ParticipantID,
		Category:      record.Category.String(),
		AmountCents:   record.AmountCents,
		Status:        record.Status,
		Context:       datatypesJSON(record.ContextJSON),
		CreatedAt:     time.Unix(record.CreatedUnixUTC, 0).UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectLedger, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListLedgerRecords(ctx context.Context, participantID string, beforeUnixUTC int64, limit int) ([]draw.LedgerRecord, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}
	var rows []LedgerRecord
	err := store.db.WithContext(ctx).
		Where("participant_id = ? AND created_at < ?", participantID, before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectLedger, errorCodeList, err)
	}
	records := make([]draw.LedgerRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, draw.LedgerRecord{
			RecordID:       row.RecordID,
			ParticipantID:  row.ParticipantID,
			Category:       draw.RecordCategory(row.Category),
			AmountCents:    row.AmountCents,
			Status:         row.Status,
			ContextJSON:    string(row.Context),
			CreatedUnixUTC: row.CreatedAt.Unix(),
		})
	}
	return records, nil
}

func (store *Store) InsertIdempotencyRecord(ctx context.Context, key string, createdUnixUTC int64) error {
	model := IdempotencyRecord{
		Key:       key,
		CreatedAt: time.Unix(createdUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintIdempotencyKey) {
		return wrapStoreError(errorSubjectIdempotency, errorCodeDuplicate, draw.ErrIdempotencyReplay)
	}
	if err != nil {
		return wrapStoreError(errorSubjectIdempotency, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) StoreIdempotencyResult(ctx context.Context, key string, resultJSON string) error {
	result := store.db.WithContext(ctx).
		Model(&IdempotencyRecord{}).
		Where("key = ?", key).
		Update("result", resultJSON)
	if result.Error != nil {
		return wrapStoreError(errorSubjectIdempotency, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectIdempotency, errorCodeUpdate, draw.ErrIdempotencyNotFound)
	}
	return nil
}

func (store *Store) GetIdempotencyRecord(ctx context.Context, key string) (draw.IdempotencyRecord, error) {
	var model IdempotencyRecord
	err := store.db.WithContext(ctx).Where("key = ?", key).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return draw.IdempotencyRecord{}, wrapStoreError(errorSubjectIdempotency, errorCodeGet, draw.ErrIdempotencyNotFound)
		}
		return draw.IdempotencyRecord{}, wrapStoreError(errorSubjectIdempotency, errorCodeGet, err)
	}
	record := draw.IdempotencyRecord{
		Key:            model.Key,
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}
	if model.Result != nil {
		record.ResultJSON = *model.Result
	}
	return record, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return draw.WrapError(errorOperationStore, subject, code, err)
}

func mapPeriod(model DrawPeriod) draw.Period {
	period := draw.Period{
		PeriodID:       model.PeriodID,
		PeriodDate:     model.PeriodDate,
		PoolCents:      model.PoolCents,
		EntryCount:     model.EntryCount,
		Status:         draw.PeriodStatus(model.Status),
		Commitment:     model.Commitment,
		Secret:         model.Secret,
		WinningIndex:   model.WinningIndex,
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}
	if model.SettledAt != nil {
		period.SettledUnixUTC = model.SettledAt.Unix()
	}
	return period
}

func mapEntry(model DrawEntry) draw.Entry {
	entry := draw.Entry{
		EntryID:           model.EntryID,
		ParticipantID:     model.ParticipantID,
		PeriodID:          model.PeriodID,
		Position:          model.Position,
		PoolSnapshotCents: model.PoolSnapshotCents,
		Seal:              model.Seal,
		Status:            draw.EntryStatus(model.Status),
		PurchasedUnixUTC:  model.PurchasedAt.Unix(),
	}
	if model.PayoutCents != nil {
		entry.PayoutCents = *model.PayoutCents
	}
	return entry
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultContextJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error, constraintName string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintName
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

func isLockTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgLockNotAvailableCode
	}
	return false
}
