// Package pgstore implements draw.Store directly over pgx for PostgreSQL
// deployments that run managed migrations instead of GORM auto-migration.
package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/fairdraw/pkg/draw"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintPeriodDate           = "uniq_periods_date"
	constraintParticipantPerPeriod = "uniq_entries_participant_period"
	constraintIdempotencyKey       = "idempotency_records_pkey"
	pgUniqueViolationCode          = "23505"
	pgLockNotAvailableCode         = "55P03"
	errorOperationStore            = "store"
	errorSubjectTransaction        = "transaction"
	errorSubjectPeriod             = "period"
	errorSubjectEntry              = "entry"
	errorSubjectBalance            = "balance"
	errorSubjectLedger             = "ledger"
	errorSubjectIdempotency        = "idempotency"
	errorCodeBegin                 = "begin"
	errorCodeCommit                = "commit"
	errorCodeCreate                = "create"
	errorCodeDuplicate             = "duplicate"
	errorCodeGet                   = "get"
	errorCodeInsert                = "insert"
	errorCodeList                  = "list"
	errorCodeUpdate                = "update"
	errorCodeLockTimeout           = "lock_timeout"

	sqlInsertPeriod = `
		insert into draw_periods(period_id, period_date, pool_cents, entry_count, status, commitment, secret, created_at)
		values($1, $2, $3, $4, $5, $6, $7, to_timestamp($8))
	`

	sqlSelectPeriod = `
		select period_id::text, period_date, pool_cents, entry_count, status, commitment, secret,
			winning_index, extract(epoch from created_at)::bigint,
			coalesce(extract(epoch from settled_at)::bigint, 0)
		from draw_periods
	`

	sqlUpdatePeriodStatus = `
		update draw_periods set status = $3 where period_id = $1 and status = $2
	`

	sqlIncrementPeriodPool = `
		update draw_periods
		set pool_cents = pool_cents + $2, entry_count = entry_count + 1
		where period_id = $1 and status = 'open'
	`

	sqlRecordSettlement = `
		update draw_periods
		set status = 'settled', winning_index = $2, settled_at = to_timestamp($3)
		where period_id = $1 and status = 'locked'
	`

	sqlInsertEntry = `
		insert into draw_entries(entry_id, participant_id, period_id, position, pool_snapshot_cents, seal, status, purchased_at)
		values($1, $2, $3, $4, $5, $6, $7, to_timestamp($8))
	`

	sqlListPeriodEntries = `
		select entry_id::text, participant_id, period_id::text, position, pool_snapshot_cents, seal, status,
			coalesce(payout_cents, 0), extract(epoch from purchased_at)::bigint
		from draw_entries
		where period_id = $1
		order by position asc
	`

	sqlMarkEntryWon = `
		update draw_entries set status = 'won', payout_cents = $2
		where entry_id = $1 and status = 'active'
	`

	sqlMarkEntriesLost = `
		update draw_entries set status = 'lost'
		where period_id = $1 and entry_id <> $2 and status = 'active'
	`

	sqlUpsertBalance = `
		insert into balances(participant_id, available_cents, held_cents, created_at, updated_at)
		values($1, 0, 0, now(), now())
		on conflict (participant_id) do nothing
	`

	sqlSelectBalanceForUpdate = `
		select available_cents, held_cents from balances
		where participant_id = $1
		for update
	`

	sqlApplyBalanceDelta = `
		update balances
		set available_cents = available_cents + $2, held_cents = held_cents + $3, updated_at = now()
		where participant_id = $1 and available_cents + $2 >= 0 and held_cents + $3 >= 0
	`

	sqlInsertLedgerRecord = `
		insert into ledger_records(record_id, participant_id, category, amount_cents, status, context, created_at)
		values($1, $2, $3, $4, $5, coalesce(nullif($6,''),'{}')::jsonb, to_timestamp($7))
	`

	sqlListLedgerRecords = `
		select record_id::text, participant_id, category, amount_cents, status,
			coalesce(context::text,'{}'), extract(epoch from created_at)::bigint
		from ledger_records
		where participant_id = $1 and created_at < to_timestamp($2)
		order by created_at desc
		limit $3
	`

	sqlInsertIdempotencyRecord = `
		insert into idempotency_records(key, created_at) values($1, to_timestamp($2))
	`

	sqlStoreIdempotencyResult = `
		update idempotency_records set result = $2 where key = $1
	`

	sqlSelectIdempotencyRecord = `
		select key, coalesce(result,''), extract(epoch from created_at)::bigint
		from idempotency_records
		where key = $1
	`

	sqlSetLockTimeout = `set local lock_timeout = '5s'`
)

// querier is the subset of pgx shared by pools and transactions.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements draw.Store using a pgx connection pool (autocommit).
type Store struct {
	queries
	pool *pgxpool.Pool
}

// TxStore implements draw.Store for an active transaction.
type TxStore struct {
	queries
	tx pgx.Tx
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{queries: queries{db: pool}, pool: pool}
}

// WithTx runs fn in a transaction with a transaction-scoped lock_timeout, so
// row-lock waits inside fn are bounded and surface as draw.ErrLockTimeout.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore draw.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	if _, err := tx.Exec(ctx, sqlSetLockTimeout); err != nil {
		_ = tx.Rollback(ctx)
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{queries: queries{db: tx}, tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

// WithTx on an already-open transaction reuses that transaction; pgstore does
// not nest savepoints.
func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore draw.Store) error) error {
	return fn(ctx, store)
}

// queries holds the draw.Store implementation shared by Store and TxStore.
type queries struct {
	db querier
}

func (q queries) CreatePeriod(ctx context.Context, period draw.Period) (draw.Period, error) {
	_, err := q.db.Exec(ctx, sqlInsertPeriod,
		period.PeriodID,
		period.PeriodDate,
		period.PoolCents,
		period.EntryCount,
		period.Status.String(),
		period.Commitment,
		period.Secret,
		period.CreatedUnixUTC,
	)
	if isUniqueViolation(err, constraintPeriodDate) {
		return draw.Period{}, wrapStoreError(errorSubjectPeriod, errorCodeDuplicate, draw.ErrPeriodExists)
	}
	if err != nil {
		return draw.Period{}, wrapStoreError(errorSubjectPeriod, errorCodeCreate, err)
	}
	return period, nil
}

func (q queries) GetPeriod(ctx context.Context, periodID string) (draw.Period, error) {
	return q.scanPeriod(ctx, sqlSelectPeriod+` where period_id = $1`, periodID)
}

func (q queries) GetPeriodForUpdate(ctx context.Context, periodID string) (draw.Period, error) {
	return q.scanPeriod(ctx, sqlSelectPeriod+` where period_id = $1 for update`, periodID)
}

func (q queries) GetPeriodByDate(ctx context.Context, periodDate string) (draw.Period, error) {
	return q.scanPeriod(ctx, sqlSelectPeriod+` where period_date = $1`, periodDate)
}

func (q queries) GetOpenPeriod(ctx context.Context) (draw.Period, error) {
	return q.scanPeriod(ctx, sqlSelectPeriod+` where status = 'open'`)
}

func (q queries) GetOpenPeriodForUpdate(ctx context.Context) (draw.Period, error) {
	return q.scanPeriod(ctx, sqlSelectPeriod+` where status = 'open' for update`)
}

func (q queries) scanPeriod(ctx context.Context, sql string, args ...any) (draw.Period, error) {
	var (
		period       draw.Period
		statusValue  string
		winningIndex *int64
	)
	err := q.db.QueryRow(ctx, sql, args...).Scan(
		&period.PeriodID,
		&period.PeriodDate,
		&period.PoolCents,
		&period.EntryCount,
		&statusValue,
		&period.Commitment,
		&period.Secret,
		&winningIndex,
		&period.CreatedUnixUTC,
		&period.SettledUnixUTC,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if len(args) == 0 {
				return draw.Period{}, wrapStoreError(errorSubjectPeriod, errorCodeGet, draw.ErrNoOpenPeriod)
			}
			return draw.Period{}, wrapStoreError(errorSubjectPeriod, errorCodeGet, draw.ErrUnknownPeriod)
		}
		if isLockTimeout(err) {
			return draw.Period{}, wrapStoreError(errorSubjectPeriod, errorCodeLockTimeout, draw.ErrLockTimeout)
		}
		return draw.Period{}, wrapStoreError(errorSubjectPeriod, errorCodeGet, err)
	}
	period.Status = draw.PeriodStatus(statusValue)
	period.WinningIndex = winningIndex
	return period, nil
}

func (q queries) UpdatePeriodStatus(ctx context.Context, periodID string, from, to draw.PeriodStatus) error {
	tag, err := q.db.Exec(ctx, sqlUpdatePeriodStatus, periodID, from.String(), to.String())
	if err != nil {
		return wrapStoreError(errorSubjectPeriod, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectPeriod, errorCodeUpdate, draw.ErrPeriodNotOpen)
	}
	return nil
}

func (q queries) IncrementPeriodPool(ctx context.Context, periodID string, priceCents int64) error {
	tag, err := q.db.Exec(ctx, sqlIncrementPeriodPool, periodID, priceCents)
	if err != nil {
		return wrapStoreError(errorSubjectPeriod, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectPeriod, errorCodeUpdate, draw.ErrPeriodNotOpen)
	}
	return nil
}

func (q queries) RecordSettlement(ctx context.Context, periodID string, winningIndex int64, settledUnixUTC int64) error {
	tag, err := q.db.Exec(ctx, sqlRecordSettlement, periodID, winningIndex, settledUnixUTC)
	if err != nil {
		return wrapStoreError(errorSubjectPeriod, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectPeriod, errorCodeUpdate, draw.ErrPeriodNotOpen)
	}
	return nil
}

func (q queries) InsertEntry(ctx context.Context, entry draw.Entry) error {
	_, err := q.db.Exec(ctx, sqlInsertEntry,
		entry.EntryID,
		entry.ParticipantID,
		entry.PeriodID,
		entry.Position,
		entry.PoolSnapshotCents,
		entry.Seal,
		entry.Status.String(),
		entry.PurchasedUnixUTC,
	)
	if isUniqueViolation(err, constraintParticipantPerPeriod) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, draw.ErrDuplicateEntry)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (q queries) ListPeriodEntries(ctx context.Context, periodID string) ([]draw.Entry, error) {
	rows, err := q.db.Query(ctx, sqlListPeriodEntries, periodID)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	var entries []draw.Entry
	for rows.Next() {
		var entry draw.Entry
		var statusValue string
		if err := rows.Scan(
			&entry.EntryID,
			&entry.ParticipantID,
			&entry.PeriodID,
			&entry.Position,
			&entry.PoolSnapshotCents,
			&entry.Seal,
			&statusValue,
			&entry.PayoutCents,
			&entry.PurchasedUnixUTC,
		); err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
		}
		entry.Status = draw.EntryStatus(statusValue)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return entries, nil
}

func (q queries) MarkEntryWon(ctx context.Context, entryID string, payoutCents int64) error {
	tag, err := q.db.Exec(ctx, sqlMarkEntryWon, entryID, payoutCents)
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectEntry, errorCodeUpdate, pgx.ErrNoRows)
	}
	return nil
}

func (q queries) MarkEntriesLost(ctx context.Context, periodID string, winningEntryID string) error {
	if _, err := q.db.Exec(ctx, sqlMarkEntriesLost, periodID, winningEntryID); err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeUpdate, err)
	}
	return nil
}

func (q queries) GetBalanceForUpdate(ctx context.Context, participantID string) (draw.Balance, error) {
	if _, err := q.db.Exec(ctx, sqlUpsertBalance, participantID); err != nil {
		return draw.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeCreate, err)
	}
	var available, held int64
	err := q.db.QueryRow(ctx, sqlSelectBalanceForUpdate, participantID).Scan(&available, &held)
	if err != nil {
		if isLockTimeout(err) {
			return draw.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeLockTimeout, draw.ErrLockTimeout)
		}
		return draw.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return draw.Balance{
		AvailableCents: draw.AmountCents(available),
		HeldCents:      draw.AmountCents(held),
	}, nil
}

func (q queries) ApplyBalanceDelta(ctx context.Context, participantID string, availableDelta, heldDelta int64) error {
	tag, err := q.db.Exec(ctx, sqlApplyBalanceDelta, participantID, availableDelta, heldDelta)
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, draw.ErrInsufficientFunds)
	}
	return nil
}

func (q queries) InsertLedgerRecord(ctx context.Context, record draw.LedgerRecord) error {
	_, err := q.db.Exec(ctx, sqlInsertLedgerRecord,
		record.RecordID,
		record.ParticipantID,
		record.Category.String(),
		record.AmountCents,
		record.Status,
		record.ContextJSON,
		record.CreatedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectLedger, errorCodeInsert, err)
	}
	return nil
}

func (q queries) ListLedgerRecords(ctx context.Context, participantID string, beforeUnixUTC int64, limit int) ([]draw.LedgerRecord, error) {
	if beforeUnixUTC == 0 {
		beforeUnixUTC = time.Now().UTC().Unix() + 1
	}
	rows, err := q.db.Query(ctx, sqlListLedgerRecords, participantID, beforeUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectLedger, errorCodeList, err)
	}
	defer rows.Close()
	var records []draw.LedgerRecord
	for rows.Next() {
		var record draw.LedgerRecord
		var categoryValue string
		if err := rows.Scan(
			&record.RecordID,
			&record.ParticipantID,
			&categoryValue,
			&record.AmountCents,
			&record.Status,
			&record.ContextJSON,
			&record.CreatedUnixUTC,
		); err != nil {
			return nil, wrapStoreError(errorSubjectLedger, errorCodeList, err)
		}
		record.Category = draw.RecordCategory(categoryValue)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectLedger, errorCodeList, err)
	}
	return records, nil
}

func (q queries) InsertIdempotencyRecord(ctx context.Context, key string, createdUnixUTC int64) error {
	_, err := q.db.Exec(ctx, sqlInsertIdempotencyRecord, key, createdUnixUTC)
	if isUniqueViolation(err, constraintIdempotencyKey) {
		return wrapStoreError(errorSubjectIdempotency, errorCodeDuplicate, draw.ErrIdempotencyReplay)
	}
	if err != nil {
		return wrapStoreError(errorSubjectIdempotency, errorCodeInsert, err)
	}
	return nil
}

func (q queries) StoreIdempotencyResult(ctx context.Context, key string, resultJSON string) error {
	tag, err := q.db.Exec(ctx, sqlStoreIdempotencyResult, key, resultJSON)
	if err != nil {
		return wrapStoreError(errorSubjectIdempotency, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectIdempotency, errorCodeUpdate, draw.ErrIdempotencyNotFound)
	}
	return nil
}

func (q queries) GetIdempotencyRecord(ctx context.Context, key string) (draw.IdempotencyRecord, error) {
	var record draw.IdempotencyRecord
	err := q.db.QueryRow(ctx, sqlSelectIdempotencyRecord, key).Scan(
		&record.Key,
		&record.ResultJSON,
		&record.CreatedUnixUTC,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return draw.IdempotencyRecord{}, wrapStoreError(errorSubjectIdempotency, errorCodeGet, draw.ErrIdempotencyNotFound)
		}
		return draw.IdempotencyRecord{}, wrapStoreError(errorSubjectIdempotency, errorCodeGet, err)
	}
	return record, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return draw.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error, constraintName string) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintName
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
