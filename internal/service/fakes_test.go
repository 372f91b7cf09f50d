package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ticket-service/internal/gateway"
	"ticket-service/internal/models"
)

// memStore mirrors the admission transaction of the Postgres store with a
// single mutex.
type memStore struct {
	mu           sync.Mutex
	events       map[int64]*models.Event
	reservations map[int64]*models.Reservation
	correlations map[string]*models.CorrelationRecord
	nextID       int64

	correlationErr error
}

func newMemStore(events ...*models.Event) *memStore {
	s := &memStore{
		events:       map[int64]*models.Event{},
		reservations: map[int64]*models.Reservation{},
		correlations: map[string]*models.CorrelationRecord{},
	}
	for _, e := range events {
		s.events[e.ID] = e
	}
	return s
}

func (s *memStore) ReserveTx(_ context.Context, r *models.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, ok := s.events[r.EventID]
	if !ok {
		return models.NewError(models.KindNotFound, "event not found", nil)
	}
	held := 0
	for _, existing := range s.reservations {
		if existing.EventID == r.EventID && existing.Status != models.ReservationStatusFailed {
			held += existing.Quantity
		}
	}
	if held+r.Quantity > event.MaxTickets {
		return models.InventoryExhaustedError(event.MaxTickets - held)
	}

	s.nextID++
	r.ID = s.nextID
	r.Status = models.ReservationStatusPending
	r.CreatedAt = time.Now().UTC()
	r.UpdatedAt = r.CreatedAt
	stored := *r
	s.reservations[r.ID] = &stored
	return nil
}

func (s *memStore) FailReservation(_ context.Context, id int64, resultCode *int, resultDesc string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[id]
	if !ok || r.Status != models.ReservationStatusPending {
		return false, nil
	}
	r.Status = models.ReservationStatusFailed
	r.ResultCode = resultCode
	r.ResultDesc = &resultDesc
	return true, nil
}

func (s *memStore) SettleReservation(_ context.Context, id int64, receipt *string, settledAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[id]
	if !ok || r.Status != models.ReservationStatusPending {
		return false, nil
	}
	code := 0
	r.Status = models.ReservationStatusPaid
	r.Receipt = receipt
	r.SettledAt = &settledAt
	r.ResultCode = &code
	return true, nil
}

func (s *memStore) GetAvailability(_ context.Context, eventID int64) (*models.Availability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, ok := s.events[eventID]
	if !ok {
		return nil, models.NewError(models.KindNotFound, "event not found", nil)
	}
	a := &models.Availability{EventID: eventID, Capacity: event.MaxTickets}
	for _, r := range s.reservations {
		if r.EventID != eventID {
			continue
		}
		switch r.Status {
		case models.ReservationStatusPaid:
			a.Paid += r.Quantity
		case models.ReservationStatusPending:
			a.Pending += r.Quantity
		}
	}
	a.Available = a.Capacity - a.Paid - a.Pending
	return a, nil
}

func (s *memStore) GetEventByID(_ context.Context, id int64) (*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[id]
	if !ok {
		return nil, models.NewError(models.KindNotFound, fmt.Sprintf("event %d not found", id), nil)
	}
	return e, nil
}

func (s *memStore) GetReservationByID(_ context.Context, id int64) (*models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[id]
	if !ok {
		return nil, models.NewError(models.KindNotFound, fmt.Sprintf("reservation %d not found", id), nil)
	}
	copied := *r
	return &copied, nil
}

func (s *memStore) CreateCorrelation(_ context.Context, c *models.CorrelationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.correlationErr != nil {
		return s.correlationErr
	}
	if _, ok := s.correlations[c.CheckoutRef]; ok {
		return models.NewError(models.KindIntegrity, "duplicate checkout reference", nil)
	}
	stored := *c
	s.correlations[c.CheckoutRef] = &stored
	return nil
}

func (s *memStore) GetCorrelationByCheckoutRef(_ context.Context, checkoutRef string) (*models.CorrelationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.correlations[checkoutRef]
	if !ok {
		return nil, nil
	}
	copied := *c
	return &copied, nil
}

// seed inserts a reservation in the given state with a correlation record.
func (s *memStore) seed(eventID int64, quantity int, status, checkoutRef string) *models.Reservation {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	r := &models.Reservation{
		ID:          s.nextID,
		EventID:     eventID,
		Quantity:    quantity,
		TotalAmount: int64(quantity) * s.events[eventID].Price,
		Status:      status,
	}
	s.reservations[r.ID] = r
	if checkoutRef != "" {
		s.correlations[checkoutRef] = &models.CorrelationRecord{ReservationID: r.ID, CheckoutRef: checkoutRef}
	}
	copied := *r
	return &copied
}

func (s *memStore) status(id int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reservations[id].Status
}

type fakeGateway struct {
	mu        sync.Mutex
	initiated []gateway.InitiateRequest
	nextRef   int

	initiateErr error
	queryBody   string
	queryErr    error
	queries     int
}

func (g *fakeGateway) Initiate(_ context.Context, req gateway.InitiateRequest) (*gateway.InitiateResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.initiated = append(g.initiated, req)
	if g.initiateErr != nil {
		return nil, g.initiateErr
	}
	g.nextRef++
	return &gateway.InitiateResponse{
		CheckoutRef:     fmt.Sprintf("ws_CO_%d", g.nextRef),
		ResponseCode:    "0",
		CustomerMessage: "Success. Request accepted for processing",
	}, nil
}

func (g *fakeGateway) Query(_ context.Context, _ string) (*gateway.RawStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.queries++
	if g.queryErr != nil {
		return nil, g.queryErr
	}
	return &gateway.RawStatus{HTTPStatus: 200, Body: []byte(g.queryBody)}, nil
}

type recordingPublisher struct {
	mu      sync.Mutex
	created []*models.ReservationCreatedEvent
	paid    []*models.ReservationPaidEvent
	failed  []*models.ReservationFailedEvent
	err     error
}

func (p *recordingPublisher) PublishReservationCreated(_ context.Context, e *models.ReservationCreatedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, e)
	return p.err
}

func (p *recordingPublisher) PublishReservationPaid(_ context.Context, e *models.ReservationPaidEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paid = append(p.paid, e)
	return p.err
}

func (p *recordingPublisher) PublishReservationFailed(_ context.Context, e *models.ReservationFailedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed = append(p.failed, e)
	return p.err
}

func (p *recordingPublisher) counts() (int, int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.created), len(p.paid), len(p.failed)
}

var errBoom = errors.New("boom")
