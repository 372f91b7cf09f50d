package broker

import (
	"context"
	"fmt"
	"time"

	"ticket-service/internal/models"
)

const publishTimeout = 5 * time.Second

// EventPublisher handles publishing reservation lifecycle events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishReservationCreated publishes ReservationCreated event
func (ep *EventPublisher) PublishReservationCreated(ctx context.Context, event *models.ReservationCreatedEvent) error {
	return ep.publish(ctx, event.ReservationID, event.EventType, event)
}

// PublishReservationPaid publishes ReservationPaid event
func (ep *EventPublisher) PublishReservationPaid(ctx context.Context, event *models.ReservationPaidEvent) error {
	return ep.publish(ctx, event.ReservationID, event.EventType, event)
}

// PublishReservationFailed publishes ReservationFailed event
func (ep *EventPublisher) PublishReservationFailed(ctx context.Context, event *models.ReservationFailedEvent) error {
	return ep.publish(ctx, event.ReservationID, event.EventType, event)
}

// publish ignores cancellation of ctx; the change it reports is already committed.
func (ep *EventPublisher) publish(ctx context.Context, reservationID int64, eventType string, event any) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	key := fmt.Sprintf("reservation-%d", reservationID)
	return ep.producer.PublishEvent(ctx, key, eventType, event)
}
