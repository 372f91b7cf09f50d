package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"ticket-service/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *captureWriter) Close() error { return nil }

func TestPublishReservationPaid(t *testing.T) {
	w := &captureWriter{}
	ep := NewEventPublisher(NewProducerWithWriter(w))

	event := &models.ReservationPaidEvent{
		BaseEvent: models.BaseEvent{
			EventID:   "e-1",
			EventType: models.EventTypeReservationPaid,
			Timestamp: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		},
		ReservationID: 42,
		ShowID:        7,
		Quantity:      2,
		Amount:        3000,
		Receipt:       "NLJ7RT61SV",
	}
	require.NoError(t, ep.PublishReservationPaid(context.Background(), event))

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "reservation-42", string(msg.Key))
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, models.EventTypeReservationPaid, string(msg.Headers[0].Value))

	var decoded models.ReservationPaidEvent
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "NLJ7RT61SV", decoded.Receipt)
	assert.Equal(t, int64(7), decoded.ShowID)
}

func TestPublishSurvivesCancelledContext(t *testing.T) {
	w := &captureWriter{}
	ep := NewEventPublisher(NewProducerWithWriter(w))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := ep.PublishReservationFailed(ctx, &models.ReservationFailedEvent{
		BaseEvent:     models.BaseEvent{EventType: models.EventTypeReservationFailed},
		ReservationID: 1,
		Reason:        models.FailureReasonGateway,
	})
	assert.NoError(t, err)
	assert.Len(t, w.msgs, 1)
}

func TestPublishWrapsWriterError(t *testing.T) {
	w := &captureWriter{err: errors.New("leader not available")}
	ep := NewEventPublisher(NewProducerWithWriter(w))

	err := ep.PublishReservationCreated(context.Background(), &models.ReservationCreatedEvent{ReservationID: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "leader not available")
}
