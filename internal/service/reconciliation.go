package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"ticket-service/internal/clock"
	"ticket-service/internal/gateway"
	"ticket-service/internal/models"
	"ticket-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Reconciliation sources, used for metrics and logs
const (
	SourceCallback = "callback"
	SourceQuery    = "query"
	SourceSweep    = "sweep"
)

// Outcome describes what a reconciliation did to a reservation.
type Outcome struct {
	ReservationID int64  `json:"reservation_id"`
	Status        string `json:"status"`
	// Applied is false when the reservation was already terminal or the
	// gateway has no result yet.
	Applied bool `json:"applied"`
}

// PollResult is the raw gateway status together with its effect.
type PollResult struct {
	Raw     *gateway.RawStatus
	Outcome *Outcome
}

// ReconciliationHandler folds gateway outcomes into reservation state. Callback
// and query paths share one routine and every transition is compare-and-set
// from Pending, so duplicate or racing confirmations apply at most once.
type ReconciliationHandler struct {
	store     ReservationStore
	ledger    *AvailabilityLedger
	gateway   PaymentGateway
	publisher EventPublisher
	clock     clock.Clock
	logger    *zap.Logger
}

// NewReconciliationHandler creates a new reconciliation handler
func NewReconciliationHandler(
	store ReservationStore,
	ledger *AvailabilityLedger,
	gw PaymentGateway,
	publisher EventPublisher,
	clk clock.Clock,
) *ReconciliationHandler {
	return &ReconciliationHandler{
		store:     store,
		ledger:    ledger,
		gateway:   gw,
		publisher: publisher,
		clock:     clk,
		logger:    util.GetLogger(),
	}
}

// ApplyCallback parses an inbound gateway notification and reconciles it.
func (h *ReconciliationHandler) ApplyCallback(ctx context.Context, raw []byte) (*Outcome, error) {
	ctx, span := util.StartSpan(ctx, "ReconciliationHandler.ApplyCallback")
	defer span.End()

	result, err := gateway.ParseCallback(raw)
	if err != nil {
		util.ReconciliationsTotal.WithLabelValues(SourceCallback, string(models.KindMalformedCallback)).Inc()
		h.logger.Warn("Rejected malformed callback", zap.Error(err))
		util.RecordError(span, err)
		return nil, err
	}

	out, err := h.reconcile(ctx, SourceCallback, result)
	util.RecordError(span, err)
	return out, err
}

// PollStatus queries the gateway for a checkout and reconciles a definitive
// answer. A transport failure or a still-processing answer leaves the
// reservation untouched.
func (h *ReconciliationHandler) PollStatus(ctx context.Context, checkoutRef string) (*PollResult, error) {
	return h.poll(ctx, SourceQuery, checkoutRef)
}

func (h *ReconciliationHandler) poll(ctx context.Context, source, checkoutRef string) (*PollResult, error) {
	ctx, span := util.StartSpan(ctx, "ReconciliationHandler.PollStatus", attribute.String("checkout_ref", checkoutRef))
	defer span.End()

	checkoutRef = strings.TrimSpace(checkoutRef)
	if checkoutRef == "" {
		return nil, models.NewError(models.KindValidation, "checkout reference is required", nil)
	}

	correlation, err := h.store.GetCorrelationByCheckoutRef(ctx, checkoutRef)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	if correlation == nil {
		util.ReconciliationsTotal.WithLabelValues(source, string(models.KindUnknownCorrelation)).Inc()
		return nil, unknownCorrelation(checkoutRef)
	}

	raw, err := h.gateway.Query(ctx, checkoutRef)
	if err != nil {
		util.ReconciliationsTotal.WithLabelValues(source, string(models.KindOf(err))).Inc()
		h.logger.Warn("Gateway status query failed",
			zap.String("checkout_ref", checkoutRef),
			zap.Error(err))
		util.RecordError(span, err)
		return nil, err
	}

	result, err := gateway.ParseQueryResult(checkoutRef, raw.Body)
	if err != nil {
		util.ReconciliationsTotal.WithLabelValues(source, string(models.KindOf(err))).Inc()
		h.logger.Error("Gateway status does not match the polled checkout",
			zap.String("checkout_ref", checkoutRef),
			zap.Int64("reservation_id", correlation.ReservationID),
			zap.Error(err))
		util.RecordError(span, err)
		return nil, err
	}
	if result == nil {
		util.ReconciliationsTotal.WithLabelValues(source, "processing").Inc()
		return &PollResult{
			Raw: raw,
			Outcome: &Outcome{
				ReservationID: correlation.ReservationID,
				Status:        models.ReservationStatusPending,
			},
		}, nil
	}

	out, err := h.reconcile(ctx, source, result)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	return &PollResult{Raw: raw, Outcome: out}, nil
}

// AbandonInitiation fails a Pending reservation whose payment request was never
// recorded. It is a no-op on reservations that are already terminal.
func (h *ReconciliationHandler) AbandonInitiation(ctx context.Context, reservationID int64) (*Outcome, error) {
	r, err := h.store.GetReservationByID(ctx, reservationID)
	if err != nil {
		return nil, err
	}

	released, err := h.ledger.Release(ctx, r.ID, nil, models.FailureReasonInitiationLost)
	if err != nil {
		return nil, err
	}
	if !released {
		return h.current(ctx, r.ID)
	}

	util.ReservationsFailedTotal.WithLabelValues(models.FailureReasonInitiationLost).Inc()
	util.ReconciliationsTotal.WithLabelValues(SourceSweep, "failed").Inc()
	h.logger.Warn("Failed reservation with no recorded payment request",
		zap.Int64("reservation_id", r.ID),
		zap.Time("created_at", r.CreatedAt))
	h.publishFailed(ctx, r, models.FailureReasonInitiationLost, nil)

	return &Outcome{ReservationID: r.ID, Status: models.ReservationStatusFailed, Applied: true}, nil
}

// SweepPoll is PollStatus as run by the stale-pending sweeper.
func (h *ReconciliationHandler) SweepPoll(ctx context.Context, checkoutRef string) (*PollResult, error) {
	return h.poll(ctx, SourceSweep, checkoutRef)
}

func (h *ReconciliationHandler) reconcile(ctx context.Context, source string, result *gateway.Result) (*Outcome, error) {
	correlation, err := h.store.GetCorrelationByCheckoutRef(ctx, result.CheckoutRef)
	if err != nil {
		return nil, err
	}
	if correlation == nil {
		util.ReconciliationsTotal.WithLabelValues(source, string(models.KindUnknownCorrelation)).Inc()
		h.logger.Warn("Gateway result for unknown checkout reference",
			zap.String("source", source),
			zap.String("checkout_ref", result.CheckoutRef))
		return nil, unknownCorrelation(result.CheckoutRef)
	}

	r, err := h.store.GetReservationByID(ctx, correlation.ReservationID)
	if errors.Is(err, models.ErrNotFound) {
		util.ReconciliationsTotal.WithLabelValues(source, string(models.KindIntegrity)).Inc()
		h.logger.Error("Correlation record points at a missing reservation",
			zap.String("checkout_ref", result.CheckoutRef),
			zap.Int64("reservation_id", correlation.ReservationID))
		return nil, models.NewError(models.KindIntegrity,
			fmt.Sprintf("checkout %s is linked to missing reservation %d", result.CheckoutRef, correlation.ReservationID), err)
	}
	if err != nil {
		return nil, err
	}

	if r.IsTerminal() {
		h.noteDuplicate(source, r, result)
		return &Outcome{ReservationID: r.ID, Status: r.Status}, nil
	}

	if result.Succeeded() {
		return h.settle(ctx, source, r, result)
	}
	return h.fail(ctx, source, r, result)
}

func (h *ReconciliationHandler) settle(ctx context.Context, source string, r *models.Reservation, result *gateway.Result) (*Outcome, error) {
	settledAt := h.clock.Now()
	if v, ok := result.Item(gateway.ItemTransactionDate); ok {
		if ts, ok := gateway.ParseTransactionDate(v); ok {
			settledAt = ts
		} else {
			h.logger.Warn("Unparsable transaction date, using reconciliation time",
				zap.String("checkout_ref", result.CheckoutRef),
				zap.String("transaction_date", v))
		}
	}

	var receipt *string
	if v, ok := result.Item(gateway.ItemReceipt); ok {
		receipt = &v
	}

	if v, ok := result.Item(gateway.ItemAmount); ok {
		if amount, err := strconv.ParseFloat(v, 64); err == nil && int64(amount) != r.TotalAmount {
			h.logger.Warn("Settled amount differs from reservation total",
				zap.Int64("reservation_id", r.ID),
				zap.Int64("total_amount", r.TotalAmount),
				zap.String("settled_amount", v))
		}
	}

	if v, ok := result.Item(gateway.ItemPhoneNumber); ok && r.Phone != "" && v != r.Phone {
		h.logger.Warn("Payer phone differs from reservation phone",
			zap.Int64("reservation_id", r.ID),
			zap.String("reservation_phone", r.Phone),
			zap.String("payer_phone", v))
	}

	applied, err := h.store.SettleReservation(ctx, r.ID, receipt, settledAt)
	if err != nil {
		return nil, err
	}
	if !applied {
		return h.current(ctx, r.ID)
	}

	util.ReservationsPaidTotal.Inc()
	util.ReconciliationsTotal.WithLabelValues(source, "paid").Inc()
	h.logger.Info("Reservation paid",
		zap.String("source", source),
		zap.Int64("reservation_id", r.ID),
		zap.String("checkout_ref", result.CheckoutRef))

	paid := &models.ReservationPaidEvent{
		BaseEvent:     h.newBaseEvent(models.EventTypeReservationPaid),
		ReservationID: r.ID,
		ShowID:        r.EventID,
		Quantity:      r.Quantity,
		Amount:        r.TotalAmount,
		SettledAt:     settledAt,
	}
	if receipt != nil {
		paid.Receipt = *receipt
	}
	if err := h.publisher.PublishReservationPaid(ctx, paid); err != nil {
		h.logger.Error("Failed to publish ReservationPaid event", zap.Error(err))
	}

	return &Outcome{ReservationID: r.ID, Status: models.ReservationStatusPaid, Applied: true}, nil
}

func (h *ReconciliationHandler) fail(ctx context.Context, source string, r *models.Reservation, result *gateway.Result) (*Outcome, error) {
	code := result.ResultCode
	desc := result.ResultDesc
	if desc == "" {
		desc = fmt.Sprintf("gateway result code %d", code)
	}

	released, err := h.ledger.Release(ctx, r.ID, &code, desc)
	if err != nil {
		return nil, err
	}
	if !released {
		return h.current(ctx, r.ID)
	}

	util.ReservationsFailedTotal.WithLabelValues(models.FailureReasonGateway).Inc()
	util.ReconciliationsTotal.WithLabelValues(source, "failed").Inc()
	h.logger.Info("Reservation failed",
		zap.String("source", source),
		zap.Int64("reservation_id", r.ID),
		zap.String("checkout_ref", result.CheckoutRef),
		zap.Int("result_code", code),
		zap.String("result_desc", desc))
	h.publishFailed(ctx, r, models.FailureReasonGateway, &code)

	return &Outcome{ReservationID: r.ID, Status: models.ReservationStatusFailed, Applied: true}, nil
}

// current reports the state left by whoever won a concurrent transition.
func (h *ReconciliationHandler) current(ctx context.Context, id int64) (*Outcome, error) {
	r, err := h.store.GetReservationByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Outcome{ReservationID: r.ID, Status: r.Status}, nil
}

func (h *ReconciliationHandler) noteDuplicate(source string, r *models.Reservation, result *gateway.Result) {
	util.ReconciliationsTotal.WithLabelValues(source, "duplicate").Inc()

	fields := []zap.Field{
		zap.String("source", source),
		zap.Int64("reservation_id", r.ID),
		zap.String("status", r.Status),
		zap.Int("result_code", result.ResultCode),
	}
	if result.Succeeded() && r.Status == models.ReservationStatusFailed {
		h.logger.Warn("Payment succeeded for a reservation that already failed", fields...)
		return
	}
	h.logger.Debug("Reservation already terminal, ignoring result", fields...)
}

func (h *ReconciliationHandler) publishFailed(ctx context.Context, r *models.Reservation, reason string, code *int) {
	failed := &models.ReservationFailedEvent{
		BaseEvent:     h.newBaseEvent(models.EventTypeReservationFailed),
		ReservationID: r.ID,
		ShowID:        r.EventID,
		Quantity:      r.Quantity,
		Reason:        reason,
		ResultCode:    code,
	}
	if err := h.publisher.PublishReservationFailed(ctx, failed); err != nil {
		h.logger.Error("Failed to publish ReservationFailed event", zap.Error(err))
	}
}

func (h *ReconciliationHandler) newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   newEventID(),
		EventType: eventType,
		Timestamp: h.clock.Now(),
	}
}

func unknownCorrelation(checkoutRef string) error {
	return models.NewError(models.KindUnknownCorrelation, fmt.Sprintf("no reservation for checkout %s", checkoutRef), nil)
}
