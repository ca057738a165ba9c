package draw

import (
	"context"
	"encoding/json"
	"errors"
)

// Idempotency guard sentinels reported by stores.
var (
	// ErrIdempotencyReplay signals that a key was inserted concurrently by
	// another transaction.
	ErrIdempotencyReplay = errors.New("idempotency key already recorded")
	// ErrIdempotencyNotFound signals that no record exists for a key.
	ErrIdempotencyNotFound = errors.New("idempotency key not found")
)

// runOnce executes fn at most once per key. The key placeholder is inserted
// in the same transaction as fn's effects, so the result is stored if and
// only if the effects committed. A replayed key returns the previously stored
// result without re-executing fn; a placeholder without a stored result
// (a prior attempt that committed no result) re-executes.
//
// A zero key bypasses the guard: fn still runs in a transaction, with
// at-least-once semantics accepted for that path. Store failures fail closed:
// fn is never executed when the guard cannot be consulted.
func (service *Service) runOnce(ctx context.Context, key IdempotencyKey, fn func(ctx context.Context, txStore Store) (json.RawMessage, error)) (json.RawMessage, error) {
	var payload json.RawMessage
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if !key.IsZero() {
			record, getErr := transactionStore.GetIdempotencyRecord(ctx, key.String())
			switch {
			case getErr == nil && record.ResultJSON != "":
				payload = json.RawMessage(record.ResultJSON)
				return nil
			case getErr == nil:
				// Placeholder from a prior attempt that committed no
				// result: execute again under the existing key.
			case errors.Is(getErr, ErrIdempotencyNotFound):
				if insertErr := transactionStore.InsertIdempotencyRecord(ctx, key.String(), service.nowFn()); insertErr != nil {
					return insertErr
				}
			default:
				return getErr
			}
		}
		result, fnErr := fn(ctx, transactionStore)
		if fnErr != nil {
			return fnErr
		}
		if !key.IsZero() && result != nil {
			if storeErr := transactionStore.StoreIdempotencyResult(ctx, key.String(), string(result)); storeErr != nil {
				return storeErr
			}
		}
		payload = result
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrIdempotencyReplay) && !key.IsZero() {
			// Lost a concurrent insert race; the winner has committed by
			// the time our transaction failed. When the winner stored no
			// result the replay error surfaces, and ReasonCode marks it
			// retryable so the caller re-reads the winner's final state.
			record, getErr := service.store.GetIdempotencyRecord(ctx, key.String())
			if getErr == nil && record.ResultJSON != "" {
				return json.RawMessage(record.ResultJSON), nil
			}
		}
		return nil, err
	}
	return payload, nil
}
