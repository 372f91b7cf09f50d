package models

import "time"

// Event types
const (
	EventTypeReservationCreated = "RESERVATION_CREATED"
	EventTypeReservationPaid    = "RESERVATION_PAID"
	EventTypeReservationFailed  = "RESERVATION_FAILED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// ReservationCreatedEvent published once the gateway accepted the payment request
type ReservationCreatedEvent struct {
	BaseEvent
	ReservationID int64  `json:"reservation_id"`
	ShowID        int64  `json:"show_id"`
	Quantity      int    `json:"quantity"`
	TotalAmount   int64  `json:"total_amount"`
	CheckoutRef   string `json:"checkout_ref"`
}

// ReservationPaidEvent published when a reservation settles as Paid
type ReservationPaidEvent struct {
	BaseEvent
	ReservationID int64     `json:"reservation_id"`
	ShowID        int64     `json:"show_id"`
	Quantity      int       `json:"quantity"`
	Amount        int64     `json:"amount"`
	Receipt       string    `json:"receipt"`
	SettledAt     time.Time `json:"settled_at"`
}

// ReservationFailedEvent published when a reservation ends as Failed
type ReservationFailedEvent struct {
	BaseEvent
	ReservationID int64  `json:"reservation_id"`
	ShowID        int64  `json:"show_id"`
	Quantity      int    `json:"quantity"`
	Reason        string `json:"reason"`
	ResultCode    *int   `json:"result_code,omitempty"`
}
