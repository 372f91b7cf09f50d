package models

import "time"

// Event is a ticketed show. The catalog owns it; this service only reads it.
type Event struct {
	ID          int64     `db:"id" json:"id"`
	Title       string    `db:"title" json:"title"`
	Description *string   `db:"description" json:"description,omitempty"`
	ShowTime    time.Time `db:"show_time" json:"show_time"`
	Price       int64     `db:"price" json:"price"`
	MaxTickets  int       `db:"max_tickets" json:"max_tickets"`
	ImageURL    *string   `db:"image_url" json:"image_url,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Reservation is a purchase attempt for a quantity of seats of one event
type Reservation struct {
	ID           int64      `db:"id" json:"id"`
	EventID      int64      `db:"event_id" json:"event_id"`
	CustomerName string     `db:"customer_name" json:"customer_name"`
	Phone        string     `db:"phone" json:"phone"`
	Quantity     int        `db:"quantity" json:"quantity"`
	TotalAmount  int64      `db:"total_amount" json:"total_amount"`
	Status       string     `db:"status" json:"status"`
	Receipt      *string    `db:"receipt" json:"receipt,omitempty"`
	SettledAt    *time.Time `db:"settled_at" json:"settled_at,omitempty"`
	ResultCode   *int       `db:"result_code" json:"result_code,omitempty"`
	ResultDesc   *string    `db:"result_desc" json:"result_desc,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// IsTerminal reports whether the reservation can no longer change state.
func (r *Reservation) IsTerminal() bool {
	return r.Status == ReservationStatusPaid || r.Status == ReservationStatusFailed
}

// CorrelationRecord links a reservation to the checkout reference issued by
// the gateway. It is written once and never updated.
type CorrelationRecord struct {
	ID            int64     `db:"id" json:"id"`
	ReservationID int64     `db:"reservation_id" json:"reservation_id"`
	CheckoutRef   string    `db:"checkout_ref" json:"checkout_ref"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// Availability is the headroom view of an event.
type Availability struct {
	EventID   int64 `db:"event_id" json:"event_id"`
	Capacity  int   `db:"capacity" json:"capacity"`
	Paid      int   `db:"paid" json:"paid"`
	Pending   int   `db:"pending" json:"pending"`
	Available int   `db:"-" json:"available"`
}

// StalePending is a pending reservation picked up by the sweeper. CheckoutRef
// is nil when no correlation record was ever written.
type StalePending struct {
	ReservationID int64     `db:"reservation_id"`
	EventID       int64     `db:"event_id"`
	CheckoutRef   *string   `db:"checkout_ref"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

// Reservation statuses
const (
	ReservationStatusPending = "Pending"
	ReservationStatusPaid    = "Paid"
	ReservationStatusFailed  = "Failed"
)

// Failure reasons recorded next to a Failed reservation
const (
	FailureReasonInitiation     = "initiation_failed"
	FailureReasonInitiationLost = "initiation_lost"
	FailureReasonGateway        = "gateway_result"
)
