package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ticket-service/internal/clock"
	"ticket-service/internal/gateway"
	"ticket-service/internal/models"
	"ticket-service/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	purchaseDescription  = "Ticket Purchase"
	normalizedPhoneLen   = 12
	compensationDeadline = 5 * time.Second
)

// ReservationStore is the persistence the purchase and reconciliation flows use.
type ReservationStore interface {
	LedgerStore
	GetEventByID(ctx context.Context, id int64) (*models.Event, error)
	GetReservationByID(ctx context.Context, id int64) (*models.Reservation, error)
	SettleReservation(ctx context.Context, id int64, receipt *string, settledAt time.Time) (bool, error)
	CreateCorrelation(ctx context.Context, c *models.CorrelationRecord) error
	GetCorrelationByCheckoutRef(ctx context.Context, checkoutRef string) (*models.CorrelationRecord, error)
}

// PaymentGateway is the outbound side of the mobile-money gateway.
type PaymentGateway interface {
	Initiate(ctx context.Context, req gateway.InitiateRequest) (*gateway.InitiateResponse, error)
	Query(ctx context.Context, checkoutRef string) (*gateway.RawStatus, error)
}

// EventPublisher publishes reservation lifecycle events.
type EventPublisher interface {
	PublishReservationCreated(ctx context.Context, event *models.ReservationCreatedEvent) error
	PublishReservationPaid(ctx context.Context, event *models.ReservationPaidEvent) error
	PublishReservationFailed(ctx context.Context, event *models.ReservationFailedEvent) error
}

// ReservationService handles the purchase flow
type ReservationService struct {
	store     ReservationStore
	ledger    *AvailabilityLedger
	gateway   PaymentGateway
	publisher EventPublisher
	clock     clock.Clock
	logger    *zap.Logger
}

// NewReservationService creates a new reservation service
func NewReservationService(
	store ReservationStore,
	ledger *AvailabilityLedger,
	gw PaymentGateway,
	publisher EventPublisher,
	clk clock.Clock,
) *ReservationService {
	return &ReservationService{
		store:     store,
		ledger:    ledger,
		gateway:   gw,
		publisher: publisher,
		clock:     clk,
		logger:    util.GetLogger(),
	}
}

// PurchaseRequest represents a request to buy tickets
type PurchaseRequest struct {
	EventID      int64  `json:"event_id"`
	CustomerName string `json:"customer_name"`
	Phone        string `json:"phone"`
	Quantity     int    `json:"quantity"`
}

// PurchaseResponse represents the response after a payment prompt was sent
type PurchaseResponse struct {
	ReservationID   int64  `json:"reservation_id"`
	CheckoutRef     string `json:"checkout_request_id"`
	Status          string `json:"status"`
	TotalAmount     int64  `json:"total_amount"`
	CustomerMessage string `json:"customer_message,omitempty"`
}

// ReservationDetails is a reservation with a summary of its event
type ReservationDetails struct {
	*models.Reservation
	Event EventSummary `json:"event"`
}

// EventSummary is the part of an event shown next to a reservation
type EventSummary struct {
	ID         int64     `json:"id"`
	Title      string    `json:"title"`
	ShowTime   time.Time `json:"show_time"`
	Price      int64     `json:"price"`
	MaxTickets int       `json:"max_tickets"`
}

// Purchase admits a reservation and prompts the payer. When the prompt fails
// the reservation is failed and its seats released before the error returns.
func (s *ReservationService) Purchase(ctx context.Context, req *PurchaseRequest) (*PurchaseResponse, error) {
	ctx, span := util.StartSpan(ctx, "ReservationService.Purchase",
		attribute.Int64("event_id", req.EventID), attribute.Int("quantity", req.Quantity))
	defer span.End()

	util.PurchasesTotal.Inc()

	if err := validatePurchase(req); err != nil {
		util.AdmissionsRejectedTotal.WithLabelValues("validation").Inc()
		return nil, err
	}

	event, err := s.store.GetEventByID(ctx, req.EventID)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	phone := util.NormalizePhone(req.Phone)
	if len(phone) != normalizedPhoneLen {
		util.AdmissionsRejectedTotal.WithLabelValues("validation").Inc()
		return nil, models.NewError(models.KindValidation, fmt.Sprintf("phone %q is not a valid subscriber number", req.Phone), nil)
	}

	reservation := &models.Reservation{
		EventID:      event.ID,
		CustomerName: strings.TrimSpace(req.CustomerName),
		Phone:        phone,
		Quantity:     req.Quantity,
		TotalAmount:  event.Price * int64(req.Quantity),
	}
	if err := s.ledger.Reserve(ctx, reservation); err != nil {
		return nil, err
	}

	s.logger.Info("Reservation admitted",
		zap.Int64("reservation_id", reservation.ID),
		zap.Int64("event_id", event.ID),
		zap.Int("quantity", reservation.Quantity))

	resp, err := s.gateway.Initiate(ctx, gateway.InitiateRequest{
		Amount:      reservation.TotalAmount,
		Phone:       phone,
		Reference:   "Ticket " + event.Title,
		Description: purchaseDescription,
	})
	if err != nil {
		s.compensate(ctx, reservation, models.FailureReasonInitiation+": "+detailOf(err))
		util.RecordError(span, err)
		return nil, err
	}

	correlation := &models.CorrelationRecord{
		ReservationID: reservation.ID,
		CheckoutRef:   resp.CheckoutRef,
	}
	if err := s.store.CreateCorrelation(ctx, correlation); err != nil {
		s.logger.Error("Failed to record correlation for accepted payment request",
			zap.Int64("reservation_id", reservation.ID),
			zap.String("checkout_ref", resp.CheckoutRef),
			zap.Error(err))
		s.compensate(ctx, reservation, models.FailureReasonInitiation+": correlation not recorded")
		integrityErr := models.NewError(models.KindIntegrity,
			fmt.Sprintf("payment request %s accepted but not recorded", resp.CheckoutRef), err)
		util.RecordError(span, integrityErr)
		return nil, integrityErr
	}

	created := &models.ReservationCreatedEvent{
		BaseEvent:     s.newBaseEvent(models.EventTypeReservationCreated),
		ReservationID: reservation.ID,
		ShowID:        reservation.EventID,
		Quantity:      reservation.Quantity,
		TotalAmount:   reservation.TotalAmount,
		CheckoutRef:   resp.CheckoutRef,
	}
	if err := s.publisher.PublishReservationCreated(ctx, created); err != nil {
		s.logger.Error("Failed to publish ReservationCreated event", zap.Error(err))
	}

	return &PurchaseResponse{
		ReservationID:   reservation.ID,
		CheckoutRef:     resp.CheckoutRef,
		Status:          reservation.Status,
		TotalAmount:     reservation.TotalAmount,
		CustomerMessage: resp.CustomerMessage,
	}, nil
}

// GetReservation returns a reservation with its event summary
func (s *ReservationService) GetReservation(ctx context.Context, id int64) (*ReservationDetails, error) {
	r, err := s.store.GetReservationByID(ctx, id)
	if err != nil {
		return nil, err
	}

	event, err := s.store.GetEventByID(ctx, r.EventID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, models.NewError(models.KindIntegrity, fmt.Sprintf("reservation %d references missing event %d", r.ID, r.EventID), err)
	}
	if err != nil {
		return nil, err
	}

	return &ReservationDetails{
		Reservation: r,
		Event: EventSummary{
			ID:         event.ID,
			Title:      event.Title,
			ShowTime:   event.ShowTime,
			Price:      event.Price,
			MaxTickets: event.MaxTickets,
		},
	}, nil
}

// GetAvailability returns the headroom view of an event
func (s *ReservationService) GetAvailability(ctx context.Context, eventID int64) (*models.Availability, error) {
	return s.ledger.Availability(ctx, eventID)
}

// compensate fails a reservation whose payment request never took hold. It
// survives cancellation of the caller's context so the seats are not left held.
func (s *ReservationService) compensate(ctx context.Context, r *models.Reservation, reason string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationDeadline)
	defer cancel()

	released, err := s.ledger.Release(ctx, r.ID, nil, reason)
	if err != nil {
		s.logger.Error("Failed to release reservation after initiation failure",
			zap.Int64("reservation_id", r.ID),
			zap.Error(err))
		return
	}
	if !released {
		return
	}

	util.ReservationsFailedTotal.WithLabelValues(models.FailureReasonInitiation).Inc()
	s.logger.Warn("Reservation failed at initiation",
		zap.Int64("reservation_id", r.ID),
		zap.String("reason", reason))

	failed := &models.ReservationFailedEvent{
		BaseEvent:     s.newBaseEvent(models.EventTypeReservationFailed),
		ReservationID: r.ID,
		ShowID:        r.EventID,
		Quantity:      r.Quantity,
		Reason:        reason,
	}
	if err := s.publisher.PublishReservationFailed(ctx, failed); err != nil {
		s.logger.Error("Failed to publish ReservationFailed event", zap.Error(err))
	}
}

func (s *ReservationService) newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   newEventID(),
		EventType: eventType,
		Timestamp: s.clock.Now(),
	}
}

func newEventID() string {
	return uuid.New().String()
}

func validatePurchase(req *PurchaseRequest) error {
	var missing []string
	if req.EventID <= 0 {
		missing = append(missing, "event_id")
	}
	if strings.TrimSpace(req.CustomerName) == "" {
		missing = append(missing, "customer_name")
	}
	if strings.TrimSpace(req.Phone) == "" {
		missing = append(missing, "phone")
	}
	if len(missing) > 0 {
		return models.NewError(models.KindValidation, "missing required fields: "+strings.Join(missing, ", "), nil)
	}
	if req.Quantity <= 0 {
		return models.NewError(models.KindValidation, "quantity must be a positive integer", nil)
	}
	return nil
}

// detailOf returns the human readable part of err for failure reasons.
func detailOf(err error) string {
	var e *models.Error
	if errors.As(err, &e) && e.Detail != "" {
		return string(e.Kind) + ": " + e.Detail
	}
	return err.Error()
}
