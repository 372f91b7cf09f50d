package service

import (
	"context"
	"errors"
	"time"

	"ticket-service/internal/models"
	"ticket-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// LedgerStore is the persistence the ledger needs. ReserveTx must count
// Pending and Paid quantity and insert the new Pending row as one atomic unit.
type LedgerStore interface {
	ReserveTx(ctx context.Context, r *models.Reservation) error
	FailReservation(ctx context.Context, id int64, resultCode *int, resultDesc string) (bool, error)
	GetAvailability(ctx context.Context, eventID int64) (*models.Availability, error)
}

// AvailabilityLedger enforces the capacity invariant. Pending reservations
// hold headroom until they fail; Failed ones drop out of the count, so
// releasing is the Pending to Failed transition itself.
type AvailabilityLedger struct {
	store  LedgerStore
	logger *zap.Logger
}

// NewAvailabilityLedger creates a new ledger
func NewAvailabilityLedger(store LedgerStore) *AvailabilityLedger {
	return &AvailabilityLedger{
		store:  store,
		logger: util.GetLogger(),
	}
}

// Reserve admits r as Pending or rejects it with InventoryExhausted. No row is
// written on rejection.
func (l *AvailabilityLedger) Reserve(ctx context.Context, r *models.Reservation) error {
	ctx, span := util.StartSpan(ctx, "AvailabilityLedger.Reserve",
		attribute.Int64("event_id", r.EventID), attribute.Int("quantity", r.Quantity))
	defer span.End()

	start := time.Now()
	defer func() {
		util.LedgerReserveLatency.Observe(time.Since(start).Seconds())
	}()

	err := l.store.ReserveTx(ctx, r)
	if errors.Is(err, models.ErrInventoryExhausted) {
		util.AdmissionsRejectedTotal.WithLabelValues("inventory_exhausted").Inc()
		l.logger.Info("Admission rejected",
			zap.Int64("event_id", r.EventID),
			zap.Int("quantity", r.Quantity),
			zap.Error(err))
		return err
	}
	if err != nil {
		util.RecordError(span, err)
		return err
	}

	util.ReservationsPendingTotal.Inc()
	return nil
}

// Release fails a Pending reservation, returning its quantity to the
// headroom. It reports false if the reservation was already terminal.
func (l *AvailabilityLedger) Release(ctx context.Context, reservationID int64, resultCode *int, reason string) (bool, error) {
	ctx, span := util.StartSpan(ctx, "AvailabilityLedger.Release", attribute.Int64("reservation_id", reservationID))
	defer span.End()

	ok, err := l.store.FailReservation(ctx, reservationID, resultCode, reason)
	if err != nil {
		util.RecordError(span, err)
		return false, err
	}
	return ok, nil
}

// Availability returns the headroom view of an event.
func (l *AvailabilityLedger) Availability(ctx context.Context, eventID int64) (*models.Availability, error) {
	return l.store.GetAvailability(ctx, eventID)
}
