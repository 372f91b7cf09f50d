package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ticket-service/config"
	"ticket-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	tokenCalls    atomic.Int32
	initiateCalls atomic.Int32
	queryCalls    atomic.Int32

	tokenStatus int
	initiate    func(w http.ResponseWriter, r *http.Request)
	query       func(w http.ResponseWriter, r *http.Request)
}

func (f *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/oauth/v1/generate":
		f.tokenCalls.Add(1)
		user, pass, ok := r.BasicAuth()
		if f.tokenStatus != 0 || !ok || user != "key" || pass != "secret" {
			status := f.tokenStatus
			if status == 0 {
				status = http.StatusUnauthorized
			}
			w.WriteHeader(status)
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"tok-1","expires_in":"3599"}`))
	case "/mpesa/stkpush/v1/processrequest":
		f.initiateCalls.Add(1)
		f.initiate(w, r)
	case "/mpesa/stkpushquery/v1/query":
		f.queryCalls.Add(1)
		f.query(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func acceptInitiate(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte(`{"MerchantRequestID":"m-1","CheckoutRequestID":"ws_CO_1","ResponseCode":"0","ResponseDescription":"Success. Request accepted for processing","CustomerMessage":"ok"}`))
}

func newTestClient(t *testing.T, fg *fakeGateway, timeout time.Duration) *Client {
	t.Helper()
	srv := httptest.NewServer(fg)
	t.Cleanup(srv.Close)

	cfg := config.GatewayConfig{
		BaseURL:         srv.URL,
		TokenPath:       "/oauth/v1/generate?grant_type=client_credentials",
		InitiatePath:    "/mpesa/stkpush/v1/processrequest",
		QueryPath:       "/mpesa/stkpushquery/v1/query",
		ConsumerKey:     "key",
		ConsumerSecret:  "secret",
		ShortCode:       "174379",
		Passkey:         "pass",
		TillNumber:      "174379",
		CallbackURL:     "https://example.com/callback",
		TransactionType: "CustomerBuyGoodsOnline",
		Timeout:         timeout,
	}
	fixed := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	return NewClient(cfg, NewMemoryTokenCache(), WithHTTPClient(srv.Client()), WithClock(func() time.Time { return fixed }))
}

func TestInitiateSendsGatewayContract(t *testing.T) {
	var got stkPushBody
	var auth string
	fg := &fakeGateway{initiate: func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		acceptInitiate(w, r)
	}}
	c := newTestClient(t, fg, time.Second)

	resp, err := c.Initiate(context.Background(), InitiateRequest{
		Amount: 1500, Phone: "254712345678", Reference: "Ticket Dune", Description: "Ticket Purchase",
	})
	require.NoError(t, err)

	assert.Equal(t, "ws_CO_1", resp.CheckoutRef)
	assert.True(t, resp.Accepted())
	assert.Equal(t, "Bearer tok-1", auth)
	assert.Equal(t, "20240301123000", got.Timestamp)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("174379pass20240301123000")), got.Password)
	assert.Equal(t, int64(1500), got.Amount)
	assert.Equal(t, "254712345678", got.PartyA)
	assert.Equal(t, "254712345678", got.PhoneNumber)
	assert.Equal(t, "174379", got.PartyB)
	assert.Equal(t, "https://example.com/callback", got.CallBackURL)
	assert.Equal(t, "CustomerBuyGoodsOnline", got.TransactionType)
}

func TestTokenIsCachedAcrossRequests(t *testing.T) {
	fg := &fakeGateway{initiate: acceptInitiate}
	c := newTestClient(t, fg, time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Initiate(context.Background(), InitiateRequest{Amount: 1, Phone: "254712345678"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fg.tokenCalls.Load())
	assert.Equal(t, int32(10), fg.initiateCalls.Load())
}

func TestInitiateAuthFailure(t *testing.T) {
	fg := &fakeGateway{tokenStatus: http.StatusBadRequest, initiate: acceptInitiate}
	c := newTestClient(t, fg, time.Second)

	_, err := c.Initiate(context.Background(), InitiateRequest{Amount: 1, Phone: "254712345678"})
	assert.ErrorIs(t, err, models.ErrAuthFailure)
	assert.Equal(t, int32(0), fg.initiateCalls.Load())
	assert.Equal(t, int32(1), fg.tokenCalls.Load(), "4xx from the token endpoint is not retried")
}

func TestInitiateRejected(t *testing.T) {
	fg := &fakeGateway{initiate: func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ResponseCode":"1","ResponseDescription":"Invalid PhoneNumber"}`))
	}}
	c := newTestClient(t, fg, time.Second)

	_, err := c.Initiate(context.Background(), InitiateRequest{Amount: 1, Phone: "254000"})
	require.ErrorIs(t, err, models.ErrGatewayRejected)
	assert.Contains(t, err.Error(), "Invalid PhoneNumber")
}

func TestInitiateErrorEnvelopeIsRejected(t *testing.T) {
	fg := &fakeGateway{initiate: func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"requestId":"r-1","errorCode":"400.002.02","errorMessage":"Bad Request - Invalid Amount"}`))
	}}
	c := newTestClient(t, fg, time.Second)

	_, err := c.Initiate(context.Background(), InitiateRequest{Amount: 0, Phone: "254712345678"})
	require.ErrorIs(t, err, models.ErrGatewayRejected)
	assert.Contains(t, err.Error(), "Invalid Amount")
}

func TestInitiateServerErrorIsUnavailable(t *testing.T) {
	fg := &fakeGateway{initiate: func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"errorCode":"503.001.01","errorMessage":"Service Unavailable"}`))
	}}
	c := newTestClient(t, fg, time.Second)

	_, err := c.Initiate(context.Background(), InitiateRequest{Amount: 1, Phone: "254712345678"})
	require.ErrorIs(t, err, models.ErrGatewayUnavailable)
	assert.NotErrorIs(t, err, models.ErrGatewayRejected)
	assert.Contains(t, err.Error(), "Service Unavailable")
}

func TestInitiateTimeoutIsUnavailable(t *testing.T) {
	fg := &fakeGateway{initiate: func(_ http.ResponseWriter, r *http.Request) {
		_, _ = io.ReadAll(r.Body)
		<-r.Context().Done()
	}}
	c := newTestClient(t, fg, 50*time.Millisecond)

	_, err := c.Initiate(context.Background(), InitiateRequest{Amount: 1, Phone: "254712345678"})
	assert.ErrorIs(t, err, models.ErrGatewayUnavailable)
	assert.Equal(t, int32(1), fg.initiateCalls.Load())
}

func TestInitiateUnauthorizedDropsToken(t *testing.T) {
	fg := &fakeGateway{initiate: func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}}
	c := newTestClient(t, fg, time.Second)

	_, err := c.Initiate(context.Background(), InitiateRequest{Amount: 1, Phone: "254712345678"})
	assert.ErrorIs(t, err, models.ErrAuthFailure)

	_, err = c.Initiate(context.Background(), InitiateRequest{Amount: 1, Phone: "254712345678"})
	assert.ErrorIs(t, err, models.ErrAuthFailure)
	assert.Equal(t, int32(2), fg.tokenCalls.Load())
}

func TestQueryReturnsRawPayload(t *testing.T) {
	fg := &fakeGateway{query: func(w http.ResponseWriter, r *http.Request) {
		var body stkQueryBody
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = w.Write([]byte(`{"ResponseCode":"0","CheckoutRequestID":"` + body.CheckoutRequestID + `","ResultCode":"1032","ResultDesc":"Request cancelled by user"}`))
	}}
	c := newTestClient(t, fg, time.Second)

	status, err := c.Query(context.Background(), "ws_CO_9")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status.HTTPStatus)
	assert.JSONEq(t, `{"ResponseCode":"0","CheckoutRequestID":"ws_CO_9","ResultCode":"1032","ResultDesc":"Request cancelled by user"}`, string(status.Body))
}

func TestQueryTimeoutIsUnavailable(t *testing.T) {
	fg := &fakeGateway{query: func(_ http.ResponseWriter, r *http.Request) {
		_, _ = io.ReadAll(r.Body)
		<-r.Context().Done()
	}}
	c := newTestClient(t, fg, 50*time.Millisecond)

	_, err := c.Query(context.Background(), "ws_CO_1")
	assert.ErrorIs(t, err, models.ErrGatewayUnavailable)
}
