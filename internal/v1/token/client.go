// Package token fetches and issues the messaging (RTM) and call (RTC) tokens.
package token

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/RoseWrightdev/callkit/internal/v1/logging"
	"github.com/RoseWrightdev/callkit/internal/v1/metrics"
	"github.com/RoseWrightdev/callkit/internal/v1/types"
)

var (
	ErrNoData      = errors.New("token server returned no data")
	ErrInvalidData = errors.New("token server returned invalid data")
	ErrInvalidURL  = errors.New("invalid token url")
)

// DefaultTimeout bounds every token request. Requests are not retried.
const DefaultTimeout = 10 * time.Second

const maxResponseBytes = 64 << 10

var tracer = otel.Tracer("github.com/RoseWrightdev/callkit/internal/v1/token")

type rtmResponse struct {
	RTMToken string `json:"rtmToken"`
}

type rtcResponse struct {
	Token string `json:"token"`
}

// Client talks to a token server rooted at a base URL.
type Client struct {
	base      *url.URL
	http      *http.Client
	authToken string
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default client with its 10s timeout.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithAuthToken sends token as a bearer credential on every request.
func WithAuthToken(token string) ClientOption {
	return func(c *Client) { c.authToken = token }
}

// NewClient validates baseURL and returns a client for it.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, baseURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")

	c := &Client{base: u, http: &http.Client{Timeout: DefaultTimeout}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// FetchRTMToken requests a messaging login token for userID.
func (c *Client) FetchRTMToken(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("%w: empty user id", ErrInvalidURL)
	}
	var resp rtmResponse
	if err := c.get(ctx, "rtm", &resp, "rtm", url.PathEscape(userID)); err != nil {
		return "", err
	}
	if resp.RTMToken == "" {
		return "", ErrNoData
	}
	return resp.RTMToken, nil
}

// FetchRTCToken requests a publisher token for uid in channel.
func (c *Client) FetchRTCToken(ctx context.Context, channel string, uid types.RosterID) (string, error) {
	if channel == "" {
		return "", fmt.Errorf("%w: empty channel", ErrInvalidURL)
	}
	var resp rtcResponse
	if err := c.get(ctx, "rtc", &resp, "rtc", url.PathEscape(channel), "publisher", "uid", uid.String()+"/"); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", ErrNoData
	}
	return resp.Token, nil
}

func (c *Client) get(ctx context.Context, kind string, out any, elem ...string) (err error) {
	ctx, span := tracer.Start(ctx, "token.fetch", trace.WithAttributes(attribute.String("token.kind", kind)))
	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		metrics.TokenFetchDuration.WithLabelValues(kind, status).Observe(time.Since(start).Seconds())
		span.End()
	}()

	target := c.base.JoinPath(elem...)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s token: %w", kind, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		logging.Warn(ctx, "Token server rejected request", zap.String("kind", kind), zap.Int("status", resp.StatusCode))
		return fmt.Errorf("fetch %s token: unexpected status %d", kind, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read %s token: %w", kind, err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return ErrNoData
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidData, err)
	}
	return nil
}
