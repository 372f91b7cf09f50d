package gateway

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"ticket-service/internal/models"

	"github.com/tidwall/gjson"
)

// ResultCodeSuccess is the gateway's result code for a completed payment.
const ResultCodeSuccess = 0

// Callback metadata item names
const (
	ItemAmount          = "Amount"
	ItemReceipt         = "MpesaReceiptNumber"
	ItemTransactionDate = "TransactionDate"
	ItemPhoneNumber     = "PhoneNumber"
)

// Result is a gateway outcome for one checkout, whether it arrived by
// callback or by query.
type Result struct {
	CheckoutRef string
	ResultCode  int
	ResultDesc  string
	Items       map[string]string
}

// Succeeded reports whether the payer completed the payment.
func (r *Result) Succeeded() bool {
	return r.ResultCode == ResultCodeSuccess
}

// Item returns a metadata value by name.
func (r *Result) Item(name string) (string, bool) {
	v, ok := r.Items[name]
	return v, ok && v != ""
}

// ParseCallback extracts the result from an inbound notification of the form
// {"Body":{"stkCallback":{...}}}.
func ParseCallback(raw []byte) (*Result, error) {
	if !gjson.ValidBytes(raw) {
		return nil, models.NewError(models.KindMalformedCallback, "body is not valid JSON", nil)
	}

	cb := gjson.GetBytes(raw, "Body.stkCallback")
	if !cb.IsObject() {
		return nil, models.NewError(models.KindMalformedCallback, "missing Body.stkCallback", nil)
	}

	ref := strings.TrimSpace(cb.Get("CheckoutRequestID").String())
	if ref == "" {
		return nil, models.NewError(models.KindMalformedCallback, "missing CheckoutRequestID", nil)
	}

	code, ok := parseCode(cb.Get("ResultCode"))
	if !ok {
		return nil, models.NewError(models.KindMalformedCallback, "missing or non-numeric ResultCode", nil)
	}

	res := &Result{
		CheckoutRef: ref,
		ResultCode:  code,
		ResultDesc:  cb.Get("ResultDesc").String(),
		Items:       map[string]string{},
	}
	cb.Get("CallbackMetadata.Item").ForEach(func(_, item gjson.Result) bool {
		if name := item.Get("Name").String(); name != "" {
			res.Items[name] = item.Get("Value").String()
		}
		return true
	})
	return res, nil
}

// ParseQueryResult folds a query payload for checkoutRef into a Result. It
// returns nil when the payload carries no result yet, which is how the gateway
// answers while the payer has not responded to the prompt. A payload naming a
// different checkout is rejected.
func ParseQueryResult(checkoutRef string, raw []byte) (*Result, error) {
	body := gjson.ParseBytes(raw)
	if ref := strings.TrimSpace(body.Get("CheckoutRequestID").String()); ref != "" && ref != checkoutRef {
		return nil, models.NewError(models.KindGatewayRejected,
			fmt.Sprintf("query for checkout %s answered for checkout %s", checkoutRef, ref), nil)
	}

	code, ok := parseCode(body.Get("ResultCode"))
	if !ok {
		return nil, nil
	}
	return &Result{
		CheckoutRef: checkoutRef,
		ResultCode:  code,
		ResultDesc:  body.Get("ResultDesc").String(),
		Items:       map[string]string{},
	}, nil
}

// ParseTransactionDate decodes the gateway's YYYYMMDDHHmmss timestamp.
func ParseTransactionDate(v string) (time.Time, bool) {
	t, err := time.ParseInLocation(timestampLayout, strings.TrimSpace(v), gatewayZone)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

func parseCode(v gjson.Result) (int, bool) {
	switch v.Type {
	case gjson.Number:
		return int(v.Int()), true
	case gjson.String:
		n, err := strconv.Atoi(strings.TrimSpace(v.Str))
		return n, err == nil
	default:
		return 0, false
	}
}
