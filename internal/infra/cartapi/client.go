package cartapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/coachpo/ordersync/internal/domain/cart"
	"github.com/coachpo/ordersync/internal/domain/errs"
	"github.com/coachpo/ordersync/internal/infra/telemetry"
)

const (
	defaultTimeout   = 10 * time.Second
	maxResponseBytes = 1 << 20
)

// ClientOptions configures the HTTP cart client.
type ClientOptions struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	// RateLimit caps requests per second when positive.
	RateLimit float64
	Burst     int
	// Credential returns the bearer token, or "" for guest requests.
	Credential func() string
}

// Client implements cart.Backend against the backend's HTTP API.
type Client struct {
	base       *url.URL
	http       *http.Client
	limiter    *rate.Limiter
	credential func() string

	requests metric.Int64Counter
	duration metric.Float64Histogram
}

// NewClient validates opts and constructs a client.
func NewClient(opts ClientOptions) (*Client, error) {
	base, err := url.Parse(strings.TrimSpace(opts.BaseURL))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("invalid backend base url"), errs.WithCause(err))
	}
	base.Path = strings.TrimRight(base.Path, "/")

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	meter := otel.Meter("cartapi")
	c := &Client{base: base, http: httpClient, limiter: limiter, credential: opts.Credential}
	c.requests, _ = meter.Int64Counter("cart.requests",
		metric.WithDescription("Cart backend requests by operation and result"),
		metric.WithUnit("{request}"))
	c.duration, _ = meter.Float64Histogram("cart.request.duration",
		metric.WithDescription("Cart backend request latency"),
		metric.WithUnit("ms"))
	return c, nil
}

// Add implements cart.Backend.
func (c *Client) Add(ctx context.Context, req cart.AddRequest) (cart.Envelope, error) {
	variant := ""
	if key := req.Variant.Normalize(); key != cart.NoVariant {
		variant = string(key)
	}
	return c.do(ctx, "add", http.MethodPost, addPath, nil, addWire{
		ProductID:           req.ItemID,
		Quantity:            req.Quantity,
		VendorID:            req.VendorID,
		VariantKey:          variant,
		SpecialInstructions: req.SpecialInstructions,
		CartToken:           req.Token,
	})
}

// Get implements cart.Backend.
func (c *Client) Get(ctx context.Context, token string) (cart.Envelope, error) {
	var query url.Values
	if token != "" {
		query = url.Values{"cart_token": []string{token}}
	}
	return c.do(ctx, "get", http.MethodGet, getPath, query, nil)
}

// Update implements cart.Backend.
func (c *Client) Update(ctx context.Context, req cart.UpdateRequest) (cart.Envelope, error) {
	key := req.Key.Normalize()
	return c.do(ctx, "update", http.MethodPost, updatePath, nil, lineWire{
		ProductID:  key.ItemID,
		VendorID:   key.VendorID,
		VariantKey: string(key.Variant),
		Quantity:   req.Quantity,
		CartToken:  req.Token,
	})
}

// Remove implements cart.Backend.
func (c *Client) Remove(ctx context.Context, req cart.RemoveRequest) (cart.Envelope, error) {
	key := req.Key.Normalize()
	return c.do(ctx, "remove", http.MethodPost, removePath, nil, lineWire{
		ProductID:  key.ItemID,
		VendorID:   key.VendorID,
		VariantKey: string(key.Variant),
		CartToken:  req.Token,
	})
}

// Clear implements cart.Backend.
func (c *Client) Clear(ctx context.Context, token string) (cart.Envelope, error) {
	return c.do(ctx, "clear", http.MethodPost, clearPath, nil, tokenWire{CartToken: token})
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body any) (env cart.Envelope, err error) {
	start := time.Now()
	defer func() {
		result := telemetry.ResultSuccess
		if err != nil {
			result = telemetry.ResultError
		}
		attrs := metric.WithAttributes(telemetry.CartAttributes(telemetry.Environment(), op, result)...)
		c.requests.Add(ctx, 1, attrs)
		c.duration.Record(ctx, float64(time.Since(start).Microseconds())/1000, attrs)
	}()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return cart.Envelope{}, transportError(op, fmt.Errorf("rate limit: %w", err))
		}
	}

	endpoint := *c.base
	endpoint.Path = c.base.Path + path
	if len(query) > 0 {
		endpoint.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return cart.Envelope{}, errs.New(component, errs.CodeInvalid, errs.WithMessage("encode request"), errs.WithCause(err))
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return cart.Envelope{}, transportError(op, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.credential != nil {
		if token := strings.TrimSpace(c.credential()); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return cart.Envelope{}, transportError(op, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return cart.Envelope{}, transportError(op, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return cart.Envelope{}, statusError(op, resp.StatusCode, raw)
	}
	var payload envelopeWire
	if err := json.Unmarshal(raw, &payload); err != nil {
		return cart.Envelope{}, errs.New(component, errs.CodeProtocol,
			errs.WithMessage("decode response"), errs.WithCause(err), errs.WithField("operation", op))
	}
	if !payload.Success {
		return cart.Envelope{}, errs.New(component, errs.CodeInvalid,
			errs.WithMessage(payload.Message), errs.WithHTTP(resp.StatusCode), errs.WithField("operation", op))
	}
	return payload.toEnvelope(), nil
}

func transportError(op string, cause error) error {
	return errs.New(component, errs.CodeTransport, errs.WithCause(cause), errs.WithField("operation", op))
}

func statusError(op string, status int, raw []byte) error {
	code := errs.CodeTransport
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		code = errs.CodeAuth
	case status == http.StatusNotFound:
		code = errs.CodeNotFound
	case status >= 400 && status < 500:
		code = errs.CodeInvalid
	}
	message := ""
	var payload envelopeWire
	if json.Unmarshal(raw, &payload) == nil {
		message = payload.Message
	}
	return errs.New(component, code,
		errs.WithHTTP(status),
		errs.WithMessage(message),
		errs.WithRawMessage(strings.TrimSpace(string(raw))),
		errs.WithField("operation", op))
}
