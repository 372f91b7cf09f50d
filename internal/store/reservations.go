package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ticket-service/internal/models"
)

// ReserveTx is the admission step. Within one transaction it locks the event
// row, sums the Pending and Paid quantities, and inserts the new Pending
// reservation only if the sum stays within capacity. The row lock serializes
// concurrent admissions for the same event.
func (s *Store) ReserveTx(ctx context.Context, r *models.Reservation) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin admission: %w", err)
	}
	defer tx.Rollback()

	var capacity int
	err = tx.GetContext(ctx, &capacity,
		"SELECT max_tickets FROM events WHERE id = $1 FOR UPDATE", r.EventID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.NewError(models.KindNotFound, fmt.Sprintf("event %d not found", r.EventID), nil)
	}
	if err != nil {
		return fmt.Errorf("failed to lock event: %w", err)
	}

	var held int
	err = tx.GetContext(ctx, &held, `
		SELECT COALESCE(SUM(quantity), 0)
		FROM reservations
		WHERE event_id = $1 AND status IN ('Pending', 'Paid')`, r.EventID)
	if err != nil {
		return fmt.Errorf("failed to count held tickets: %w", err)
	}

	if held+r.Quantity > capacity {
		return models.InventoryExhaustedError(capacity - held)
	}

	r.Status = models.ReservationStatusPending
	err = tx.GetContext(ctx, r, `
		INSERT INTO reservations (event_id, customer_name, phone, quantity, total_amount, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`,
		r.EventID, r.CustomerName, r.Phone, r.Quantity, r.TotalAmount, r.Status)
	if err != nil {
		return fmt.Errorf("failed to insert reservation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit admission: %w", err)
	}
	return nil
}

// GetReservationByID retrieves a reservation by ID
func (s *Store) GetReservationByID(ctx context.Context, id int64) (*models.Reservation, error) {
	var r models.Reservation
	err := s.db.GetContext(ctx, &r, "SELECT * FROM reservations WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewError(models.KindNotFound, fmt.Sprintf("reservation %d not found", id), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}
	return &r, nil
}

// SettleReservation moves a Pending reservation to Paid. It reports false when
// the reservation was not Pending, in which case nothing was written.
func (s *Store) SettleReservation(ctx context.Context, id int64, receipt *string, settledAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reservations
		SET status = 'Paid', receipt = $2, settled_at = $3, result_code = 0, updated_at = NOW()
		WHERE id = $1 AND status = 'Pending'`,
		id, receipt, settledAt)
	if err != nil {
		return false, fmt.Errorf("failed to settle reservation: %w", err)
	}
	return applied(res)
}

// FailReservation moves a Pending reservation to Failed, which also takes its
// quantity out of the admission count. It reports false when the reservation
// was not Pending.
func (s *Store) FailReservation(ctx context.Context, id int64, resultCode *int, resultDesc string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reservations
		SET status = 'Failed', result_code = $2, result_desc = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'Pending'`,
		id, resultCode, resultDesc)
	if err != nil {
		return false, fmt.Errorf("failed to fail reservation: %w", err)
	}
	return applied(res)
}

// CreateCorrelation records the checkout reference for a reservation
func (s *Store) CreateCorrelation(ctx context.Context, c *models.CorrelationRecord) error {
	err := s.db.GetContext(ctx, c, `
		INSERT INTO correlation_records (reservation_id, checkout_ref)
		VALUES ($1, $2)
		RETURNING id, created_at, updated_at`,
		c.ReservationID, c.CheckoutRef)
	if isUniqueViolation(err) {
		return models.NewError(models.KindIntegrity,
			fmt.Sprintf("correlation already recorded for reservation %d or checkout %s", c.ReservationID, c.CheckoutRef), err)
	}
	if err != nil {
		return fmt.Errorf("failed to create correlation: %w", err)
	}
	return nil
}

// GetCorrelationByCheckoutRef returns nil when no record matches
func (s *Store) GetCorrelationByCheckoutRef(ctx context.Context, checkoutRef string) (*models.CorrelationRecord, error) {
	var c models.CorrelationRecord
	err := s.db.GetContext(ctx, &c,
		"SELECT * FROM correlation_records WHERE checkout_ref = $1", checkoutRef)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get correlation: %w", err)
	}
	return &c, nil
}

// ListStalePending returns Pending reservations created and last touched
// before the cutoff, least recently touched first, together with their
// checkout reference if one was recorded.
func (s *Store) ListStalePending(ctx context.Context, before time.Time, limit int) ([]models.StalePending, error) {
	var out []models.StalePending
	err := s.db.SelectContext(ctx, &out, `
		SELECT r.id AS reservation_id, r.event_id, c.checkout_ref, r.created_at, r.updated_at
		FROM reservations r
		LEFT JOIN correlation_records c ON c.reservation_id = r.id
		WHERE r.status = 'Pending' AND r.created_at < $1 AND r.updated_at < $1
		ORDER BY r.updated_at, r.id
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale reservations: %w", err)
	}
	return out, nil
}

// TouchPending bumps updated_at on a reservation that is still Pending, so the
// sweeper moves on to other rows before retrying it.
func (s *Store) TouchPending(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE reservations SET updated_at = NOW() WHERE id = $1 AND status = 'Pending'", id)
	if err != nil {
		return fmt.Errorf("failed to touch reservation: %w", err)
	}
	return nil
}

func applied(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}
