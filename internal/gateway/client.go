package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"ticket-service/config"
	"ticket-service/internal/models"
	"ticket-service/internal/util"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	// timestampLayout is the gateway's YYYYMMDDHHmmss encoding.
	timestampLayout = "20060102150405"

	defaultTokenTTL = 3599 * time.Second
	maxBodyBytes    = 1 << 20
)

// gatewayZone is East Africa Time, the zone the gateway stamps requests and
// transaction dates in.
var gatewayZone = time.FixedZone("EAT", 3*60*60)

// InitiateRequest is one payment prompt to a payer.
type InitiateRequest struct {
	Amount      int64
	Phone       string
	Reference   string
	Description string
}

// InitiateResponse is the gateway's synchronous answer to an initiation.
type InitiateResponse struct {
	CheckoutRef       string `json:"CheckoutRequestID"`
	MerchantRequestID string `json:"MerchantRequestID"`
	ResponseCode      string `json:"ResponseCode"`
	Description       string `json:"ResponseDescription"`
	CustomerMessage   string `json:"CustomerMessage"`
}

// Accepted reports whether the gateway took the request.
func (r *InitiateResponse) Accepted() bool {
	return r.ResponseCode == "0"
}

// RawStatus is the gateway's query payload, passed through unchanged.
type RawStatus struct {
	HTTPStatus int
	Body       json.RawMessage
}

type stkPushBody struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkQueryBody struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

// Client talks to the mobile-money gateway. It is safe for concurrent use.
type Client struct {
	cfg    config.GatewayConfig
	http   *http.Client
	tokens *tokenSource
	now    func() time.Time
	logger *zap.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the transport (tests point it at httptest).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithClock overrides the time source used for request timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// NewClient creates a gateway client. cfg is copied and never mutated.
func NewClient(cfg config.GatewayConfig, cache TokenCache, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cache == nil {
		cache = NewMemoryTokenCache()
	}

	c := &Client{
		cfg:    cfg,
		http:   &http.Client{},
		now:    time.Now,
		logger: util.GetLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.tokens = newTokenSource(cache, c.fetchToken)
	return c
}

// Initiate sends a payment prompt. It is never retried: the gateway may already
// have prompted the payer when a response is lost.
func (c *Client) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResponse, error) {
	ctx, span := util.StartSpan(ctx, "Gateway.Initiate")
	defer span.End()

	start := time.Now()
	resp, err := c.initiate(ctx, req)
	util.GatewayRequestDuration.WithLabelValues("initiate", outcome(err)).Observe(time.Since(start).Seconds())
	util.RecordError(span, err)
	return resp, err
}

func (c *Client) initiate(ctx context.Context, req InitiateRequest) (*InitiateResponse, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	ts, password := c.credentials()
	body := stkPushBody{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          password,
		Timestamp:         ts,
		TransactionType:   c.cfg.TransactionType,
		Amount:            req.Amount,
		PartyA:            req.Phone,
		PartyB:            c.cfg.TillNumber,
		PhoneNumber:       req.Phone,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  req.Reference,
		TransactionDesc:   req.Description,
	}

	status, raw, err := c.post(ctx, c.cfg.InitiatePath, token, body)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		c.tokens.Invalidate(ctx)
		return nil, models.NewError(models.KindAuthFailure, fmt.Sprintf("gateway refused token (HTTP %d)", status), nil)
	}
	if status >= http.StatusInternalServerError {
		detail := fmt.Sprintf("gateway returned HTTP %d", status)
		if msg := gjson.GetBytes(raw, "errorMessage").String(); msg != "" {
			detail += ": " + msg
		}
		return nil, models.NewError(models.KindGatewayUnavailable, detail, nil)
	}
	if !gjson.ValidBytes(raw) {
		return nil, models.NewError(models.KindGatewayRejected, fmt.Sprintf("unreadable initiate response (HTTP %d)", status), nil)
	}

	var out InitiateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, models.NewError(models.KindGatewayRejected, "unexpected initiate response shape", err)
	}
	if !out.Accepted() {
		detail := out.Description
		if detail == "" {
			detail = gjson.GetBytes(raw, "errorMessage").String()
		}
		if detail == "" {
			detail = fmt.Sprintf("HTTP %d", status)
		}
		return &out, models.NewError(models.KindGatewayRejected, detail, nil)
	}
	if out.CheckoutRef == "" {
		return nil, models.NewError(models.KindGatewayRejected, "accepted response without checkout reference", nil)
	}
	return &out, nil
}

// Query asks the gateway for the current state of a checkout. Transport
// failures come back as GatewayUnavailable and are safe to retry later.
func (c *Client) Query(ctx context.Context, checkoutRef string) (*RawStatus, error) {
	ctx, span := util.StartSpan(ctx, "Gateway.Query")
	defer span.End()

	start := time.Now()
	status, err := c.query(ctx, checkoutRef)
	util.GatewayRequestDuration.WithLabelValues("query", outcome(err)).Observe(time.Since(start).Seconds())
	util.RecordError(span, err)
	return status, err
}

func (c *Client) query(ctx context.Context, checkoutRef string) (*RawStatus, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	ts, password := c.credentials()
	status, raw, err := c.post(ctx, c.cfg.QueryPath, token, stkQueryBody{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          password,
		Timestamp:         ts,
		CheckoutRequestID: checkoutRef,
	})
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		c.tokens.Invalidate(ctx)
		return nil, models.NewError(models.KindAuthFailure, fmt.Sprintf("gateway refused token (HTTP %d)", status), nil)
	}
	if !gjson.ValidBytes(raw) {
		return nil, models.NewError(models.KindGatewayUnavailable, fmt.Sprintf("unreadable query response (HTTP %d)", status), nil)
	}
	return &RawStatus{HTTPStatus: status, Body: json.RawMessage(raw)}, nil
}

// credentials returns the request timestamp and the matching password,
// base64(shortCode + passkey + timestamp).
func (c *Client) credentials() (string, string) {
	ts := c.now().In(gatewayZone).Format(timestampLayout)
	password := base64.StdEncoding.EncodeToString([]byte(c.cfg.ShortCode + c.cfg.Passkey + ts))
	return ts, password
}

// fetchToken exchanges the consumer key and secret for an access token.
// A transport failure is retried once; any failure surfaces as AuthFailure.
func (c *Client) fetchToken(ctx context.Context) (string, time.Duration, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		token, ttl, retry, err := c.fetchTokenOnce(ctx)
		if err == nil {
			return token, ttl, nil
		}
		lastErr = err
		if !retry || ctx.Err() != nil {
			break
		}
		c.logger.Warn("Gateway token fetch failed, retrying", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return "", 0, models.NewError(models.KindAuthFailure, "could not acquire gateway credentials", lastErr)
}

func (c *Client) fetchTokenOnce(ctx context.Context) (string, time.Duration, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+c.cfg.TokenPath, nil)
	if err != nil {
		return "", 0, false, err
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", 0, true, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", 0, true, err
	}
	if resp.StatusCode != http.StatusOK {
		return "", 0, resp.StatusCode >= http.StatusInternalServerError, fmt.Errorf("token endpoint returned HTTP %d", resp.StatusCode)
	}

	token := gjson.GetBytes(raw, "access_token").String()
	if token == "" {
		return "", 0, false, errors.New("token response without access_token")
	}
	ttl := defaultTokenTTL
	if exp := gjson.GetBytes(raw, "expires_in").Int(); exp > 0 {
		ttl = time.Duration(exp) * time.Second
	}
	return token, ttl, false, nil
}

func (c *Client) post(ctx context.Context, path, token string, payload any) (int, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal gateway request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build gateway request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, models.NewError(models.KindGatewayUnavailable, "gateway request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, models.NewError(models.KindGatewayUnavailable, "gateway response read failed", err)
	}
	return resp.StatusCode, raw, nil
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return string(models.KindOf(err))
}
