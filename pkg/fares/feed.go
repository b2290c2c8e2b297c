// Package fares ingests the national fares feed and serves fare
// comparisons for predicted journeys.
package fares

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// feedPath is the static feed endpoint, versioned by the publisher.
const feedPath = "/api/staticfeeds/2.0/fares"

// FeedClient downloads the fares archive from the open data portal. The
// portal issues a short-lived token in exchange for credentials.
type FeedClient struct {
	baseURL  string
	username string
	password string
	httpc    *http.Client
	logger   *zap.Logger
}

// NewFeedClient builds a feed client.
func NewFeedClient(baseURL, username, password string, timeout time.Duration, logger *zap.Logger) *FeedClient {
	if timeout == 0 {
		timeout = 2 * time.Minute
	}
	return &FeedClient{
		baseURL:  baseURL,
		username: username,
		password: password,
		httpc:    &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

// Download authenticates and fetches the full archive, returning the raw
// bytes and the publisher's Last-Modified stamp (zero when absent).
func (c *FeedClient) Download(ctx context.Context) ([]byte, time.Time, error) {
	token, err := c.authenticate(ctx)
	if err != nil {
		return nil, time.Time{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+feedPath, nil)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("build feed request: %w", err)
	}
	req.Header.Set("X-Auth-Token", token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("download fares feed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, time.Time{}, fmt.Errorf("fares feed returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("read fares feed body: %w", err)
	}

	var lastModified time.Time
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, perr := http.ParseTime(lm); perr == nil {
			lastModified = t
		}
	}
	c.logger.Info("fares feed downloaded",
		zap.Int("bytes", len(data)),
		zap.Time("last_modified", lastModified))
	return data, lastModified, nil
}

func (c *FeedClient) authenticate(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("username", c.username)
	form.Set("password", c.password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/authenticate", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build authenticate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("authenticate with feed portal: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("feed authentication returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read authentication response: %w", err)
	}
	// The portal returns either a bare token or a JSON envelope; accept
	// both by trimming the common wrappers.
	token := strings.TrimSpace(string(body))
	token = strings.Trim(token, `"`)
	if idx := strings.Index(token, `"token":"`); idx >= 0 {
		rest := token[idx+len(`"token":"`):]
		if end := strings.Index(rest, `"`); end > 0 {
			token = rest[:end]
		}
	}
	if token == "" {
		return "", fmt.Errorf("feed authentication returned an empty token")
	}
	return token, nil
}
