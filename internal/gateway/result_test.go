package gateway

import (
	"testing"
	"time"

	"ticket-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const successCallback = `{
  "Body": {
    "stkCallback": {
      "MerchantRequestID": "29115-34620561-1",
      "CheckoutRequestID": "ws_CO_191220191020363925",
      "ResultCode": 0,
      "ResultDesc": "The service request is processed successfully.",
      "CallbackMetadata": {
        "Item": [
          {"Name": "TransactionDate", "Value": 20191219102115},
          {"Name": "Amount", "Value": 1.00},
          {"Name": "Balance"},
          {"Name": "MpesaReceiptNumber", "Value": "NLJ7RT61SV"},
          {"Name": "PhoneNumber", "Value": 254708374149}
        ]
      }
    }
  }
}`

func TestParseCallbackSuccess(t *testing.T) {
	res, err := ParseCallback([]byte(successCallback))
	require.NoError(t, err)

	assert.Equal(t, "ws_CO_191220191020363925", res.CheckoutRef)
	assert.True(t, res.Succeeded())

	receipt, ok := res.Item(ItemReceipt)
	assert.True(t, ok)
	assert.Equal(t, "NLJ7RT61SV", receipt)

	date, ok := res.Item(ItemTransactionDate)
	require.True(t, ok)
	assert.Equal(t, "20191219102115", date)

	_, ok = res.Item("Balance")
	assert.False(t, ok)
}

func TestParseCallbackFailureWithoutMetadata(t *testing.T) {
	raw := `{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_2","ResultCode":1032,"ResultDesc":"Request cancelled by user"}}}`

	res, err := ParseCallback([]byte(raw))
	require.NoError(t, err)
	assert.False(t, res.Succeeded())
	assert.Equal(t, 1032, res.ResultCode)
	assert.Empty(t, res.Items)
}

func TestParseCallbackStringResultCode(t *testing.T) {
	raw := `{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_3","ResultCode":"0"}}}`

	res, err := ParseCallback([]byte(raw))
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
}

func TestParseCallbackMalformed(t *testing.T) {
	for name, raw := range map[string]string{
		"not json":       `{"Body":`,
		"no envelope":    `{"foo":"bar"}`,
		"no checkout":    `{"Body":{"stkCallback":{"ResultCode":0}}}`,
		"no result code": `{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_4"}}}`,
		"bad code":       `{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_4","ResultCode":"abc"}}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCallback([]byte(raw))
			assert.ErrorIs(t, err, models.ErrMalformedCallback)
		})
	}
}

func TestParseQueryResult(t *testing.T) {
	res, err := ParseQueryResult("ws_CO_5", []byte(`{"ResponseCode":"0","CheckoutRequestID":"ws_CO_5","ResultCode":"0","ResultDesc":"The service request is processed successfully."}`))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "ws_CO_5", res.CheckoutRef)
	assert.True(t, res.Succeeded())

	pending, err := ParseQueryResult("ws_CO_5", []byte(`{"requestId":"r-1","errorCode":"500.001.1001","errorMessage":"The transaction is being processed"}`))
	require.NoError(t, err)
	assert.Nil(t, pending)
}

func TestParseQueryResultOtherCheckout(t *testing.T) {
	res, err := ParseQueryResult("ws_CO_1", []byte(`{"CheckoutRequestID":"ws_CO_2","ResultCode":"1032"}`))
	assert.ErrorIs(t, err, models.ErrGatewayRejected)
	assert.Nil(t, res)
}

func TestParseTransactionDate(t *testing.T) {
	ts, ok := ParseTransactionDate("20191219102115")
	require.True(t, ok)
	assert.Equal(t, time.Date(2019, 12, 19, 7, 21, 15, 0, time.UTC), ts)

	_, ok = ParseTransactionDate("19/12/2019")
	assert.False(t, ok)
}
