// Package hsp is the client for the historical service performance API.
// It serialises access so at most one request is in flight, paces requests
// with a randomised interval, and retries transient failures with jittered
// exponential backoff.
package hsp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AuthMode selects how credentials reach the upstream service.
type AuthMode string

const (
	// AuthModeToken exchanges credentials for a bearer token at
	// POST {base}/authenticate and sends it as X-Auth-Token.
	AuthModeToken AuthMode = "token"
	// AuthModeBasic sends HTTP Basic credentials on every request.
	AuthModeBasic AuthMode = "basic"
)

// tokenValidity is how long an issued token is trusted before the client
// re-authenticates.
const tokenValidity = 24 * time.Hour

// RetryPolicy is the backoff schedule for retryable failures.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Backoff      float64
}

// Pacing bounds the random sleep inserted before each outbound request.
type Pacing struct {
	MinInterval time.Duration
	MaxInterval time.Duration
}

// Config configures the client.
type Config struct {
	BaseURL        string
	Username       string
	Password       string
	AuthMode       AuthMode
	RequestTimeout time.Duration
	Retry          RetryPolicy
	Pacing         Pacing
}

// MetricsQuery selects services for one route, date window and day type.
// FromTime and ToTime bound the departure window in local HHMM; empty
// defaults to the whole day.
type MetricsQuery struct {
	Origin   string
	Dest     string
	FromTime string // HHMM
	ToTime   string // HHMM
	FromDate string // YYYY-MM-DD
	ToDate   string // YYYY-MM-DD
	Days     string // WEEKDAY | SATURDAY | SUNDAY
}

// ServiceMetric is one scheduled service matched by a metrics query.
type ServiceMetric struct {
	OriginLocation      string   `json:"origin_location"`
	DestinationLocation string   `json:"destination_location"`
	GBTTDeparture       string   `json:"gbtt_ptd"`
	GBTTArrival         string   `json:"gbtt_pta"`
	TOCCode             string   `json:"toc_code"`
	MatchedServices     string   `json:"matched_services"`
	RIDs                []string `json:"rids"`
}

// ServiceDetail is the per-stop record for one realised service.
type ServiceDetail struct {
	RID           string           `json:"rid"`
	DateOfService string           `json:"date_of_service"`
	TOCCode       string           `json:"toc_code"`
	Locations     []DetailLocation `json:"locations"`
}

// DetailLocation is one calling point in a service detail. All time fields
// are local HHMM strings; empty means not recorded.
type DetailLocation struct {
	Location        string `json:"location"`
	GBTTDeparture   string `json:"gbtt_ptd"`
	GBTTArrival     string `json:"gbtt_pta"`
	ActualDeparture string `json:"actual_td"`
	ActualArrival   string `json:"actual_ta"`
	LateCancReason  string `json:"late_canc_reason"`
}

type metricsEnvelope struct {
	Services []struct {
		Attributes ServiceMetric `json:"serviceAttributesMetrics"`
	} `json:"Services"`
}

type detailsEnvelope struct {
	Attributes ServiceDetail `json:"serviceAttributesDetails"`
}

// Client talks to the upstream API. The internal mutex guarantees a single
// in-flight request regardless of caller concurrency.
type Client struct {
	cfg    Config
	httpc  *http.Client
	logger *zap.Logger

	mu           sync.Mutex
	token        string
	tokenFetched time.Time

	rng   *rand.Rand
	sleep func(context.Context, time.Duration) error
}

// NewClient builds a client from config. A zero AuthMode defaults to token
// exchange.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.AuthMode == "" {
		cfg.AuthMode = AuthModeToken
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.InitialDelay == 0 {
		cfg.Retry.InitialDelay = time.Second
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = 30 * time.Second
	}
	if cfg.Retry.Backoff == 0 {
		cfg.Retry.Backoff = 2.0
	}
	return &Client{
		cfg:    cfg,
		httpc:  &http.Client{Timeout: cfg.RequestTimeout},
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ServiceMetrics fetches the matched services for one route/window/day-type
// combination.
func (c *Client) ServiceMetrics(ctx context.Context, q MetricsQuery) ([]ServiceMetric, error) {
	fromTime, toTime := q.FromTime, q.ToTime
	if fromTime == "" {
		fromTime = "0000"
	}
	if toTime == "" {
		toTime = "2359"
	}
	body := map[string]any{
		"from_loc":  q.Origin,
		"to_loc":    q.Dest,
		"from_time": fromTime,
		"to_time":   toTime,
		"from_date": q.FromDate,
		"to_date":   q.ToDate,
		"days":      q.Days,
	}
	var env metricsEnvelope
	if err := c.do(ctx, "/api/v1/serviceMetrics", body, &env); err != nil {
		return nil, err
	}
	out := make([]ServiceMetric, 0, len(env.Services))
	for _, s := range env.Services {
		out = append(out, s.Attributes)
	}
	return out, nil
}

// ServiceDetails fetches the calling-point record for one RID.
func (c *Client) ServiceDetails(ctx context.Context, rid string) (*ServiceDetail, error) {
	var env detailsEnvelope
	if err := c.do(ctx, "/api/v1/serviceDetails", map[string]any{"rid": rid}, &env); err != nil {
		return nil, err
	}
	if env.Attributes.RID == "" {
		env.Attributes.RID = rid
	}
	return &env.Attributes, nil
}

// Authenticate eagerly acquires a token. Callers normally rely on the lazy
// refresh inside do(); this exists so the pipeline can fail fast on bad
// credentials before starting a long campaign.
func (c *Client) Authenticate(ctx context.Context) error {
	if c.cfg.AuthMode != AuthModeToken {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshTokenLocked(ctx)
}

// do serialises, paces, authenticates and retries one logical request.
func (c *Client) do(ctx context.Context, path string, reqBody any, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.paceLocked(ctx); err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.Retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.backoffDelay(attempt-1, lastErr)
			c.logger.Debug("retrying upstream request",
				zap.String("path", path),
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay))
			if err := c.sleep(ctx, delay); err != nil {
				return err
			}
		}

		if c.cfg.AuthMode == AuthModeToken && !c.tokenValidLocked() {
			if err := c.refreshTokenLocked(ctx); err != nil {
				return err
			}
		}

		err := c.sendLocked(ctx, path, reqBody, out)
		if err == nil {
			return nil
		}
		lastErr = err

		herr, ok := err.(*Error)
		if !ok {
			return err
		}
		// A stale token surfaces as an auth failure; invalidate and let
		// the next attempt re-authenticate.
		if herr.Kind == KindAuth && c.cfg.AuthMode == AuthModeToken && c.token != "" {
			c.token = ""
			continue
		}
		if !herr.Retryable() {
			return err
		}
	}
	return fmt.Errorf("upstream request failed after %d attempts: %w", c.cfg.Retry.MaxAttempts, lastErr)
}

// paceLocked sleeps a uniform random interval within the configured bounds.
func (c *Client) paceLocked(ctx context.Context) error {
	span := c.cfg.Pacing.MaxInterval - c.cfg.Pacing.MinInterval
	d := c.cfg.Pacing.MinInterval
	if span > 0 {
		d += time.Duration(c.rng.Int63n(int64(span)))
	}
	return c.sleep(ctx, d)
}

// backoffDelay implements min(maxDelay, initial*backoff^n*U(0.5,1.5)),
// preferring a server-advertised Retry-After when present.
func (c *Client) backoffDelay(n int, lastErr error) time.Duration {
	if herr, ok := lastErr.(*Error); ok && herr.RetryAfter > 0 {
		return herr.RetryAfter
	}
	jitter := 0.5 + c.rng.Float64()
	d := time.Duration(float64(c.cfg.Retry.InitialDelay) * math.Pow(c.cfg.Retry.Backoff, float64(n)) * jitter)
	if d > c.cfg.Retry.MaxDelay {
		d = c.cfg.Retry.MaxDelay
	}
	return d
}

func (c *Client) tokenValidLocked() bool {
	return c.token != "" && time.Since(c.tokenFetched) < tokenValidity
}

func (c *Client) refreshTokenLocked(ctx context.Context) error {
	payload, _ := json.Marshal(map[string]string{
		"username": c.cfg.Username,
		"password": c.cfg.Password,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/authenticate", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build authenticate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return &Error{Kind: KindTransient, Message: "authenticate request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return classifyStatus(resp.StatusCode, string(body))
	}
	var tok struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil || tok.Token == "" {
		return &Error{Kind: KindProtocol, Message: "authenticate response unparseable", Err: err}
	}
	c.token = tok.Token
	c.tokenFetched = time.Now()
	c.logger.Info("authenticated with upstream API")
	return nil
}

func (c *Client) sendLocked(ctx context.Context, path string, reqBody any, out any) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	switch c.cfg.AuthMode {
	case AuthModeBasic:
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	default:
		req.Header.Set("X-Auth-Token", c.token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return &Error{Kind: KindTransient, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		herr := classifyStatus(resp.StatusCode, string(body))
		if herr.Kind == KindRateLimit {
			if secs, perr := strconv.Atoi(resp.Header.Get("Retry-After")); perr == nil && secs > 0 {
				herr.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return herr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Kind: KindProtocol, Message: "response body unparseable", Err: err}
	}
	return nil
}
