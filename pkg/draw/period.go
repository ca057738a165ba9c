package draw

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// OpenPeriod allocates the draw period for a date with a fresh secret and its
// published commitment. Safe to invoke redundantly: when a period for that
// date already exists, the existing one is returned unchanged. The returned
// period never carries the secret.
func (service *Service) OpenPeriod(ctx context.Context, periodDate string) (Period, error) {
	normalizedDate, err := NewPeriodDate(periodDate)
	if err != nil {
		return Period{}, err
	}
	secret, commitment, err := NewCommitment()
	if err != nil {
		return Period{}, err
	}
	var created Period
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		period, err := transactionStore.CreatePeriod(ctx, Period{
			PeriodID:       uuid.NewString(),
			PeriodDate:     normalizedDate,
			Status:         PeriodStatusOpen,
			Commitment:     commitment,
			Secret:         secret,
			CreatedUnixUTC: service.nowFn(),
		})
		if err != nil {
			return err
		}
		created = period
		return nil
	})
	if errors.Is(operationError, ErrPeriodExists) {
		existing, getErr := service.store.GetPeriodByDate(ctx, normalizedDate)
		if getErr != nil {
			return Period{}, getErr
		}
		return redactPeriod(existing), nil
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationOpenPeriod,
		PeriodID:  created.PeriodID,
		Error:     operationError,
	})
	if operationError != nil {
		return Period{}, operationError
	}
	return redactPeriod(created), nil
}
