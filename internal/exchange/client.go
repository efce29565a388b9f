// Package exchange is the single signed-request path to the derivatives
// exchange REST API.
package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/trogers1052/signal-executor/internal/config"
	"github.com/trogers1052/signal-executor/internal/logging"
)

const signTypeHMAC = "2"

// Client signs and sends requests. One Client serves every credential; keys
// are passed per call.
type Client struct {
	baseURL    string
	recvWindow int64
	httpClient *http.Client
	limiter    *rate.Limiter
	offsetMs   atomic.Int64
	now        func() time.Time
	logger     *zap.Logger
}

// NewClient creates a client from exchange configuration.
func NewClient(cfg config.ExchangeConfig, logger *zap.Logger) *Client {
	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 10
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		recvWindow: cfg.RecvWindow,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		now:        time.Now,
		logger:     logging.OrNop(logger).Named("exchange"),
	}
}

// RecvWindow returns the recv_window sent with every signed request.
func (c *Client) RecvWindow() int64 {
	return c.recvWindow
}

// timestamp returns local time adjusted by the last observed server offset.
func (c *Client) timestamp() int64 {
	return c.now().UnixMilli() + c.offsetMs.Load()
}

// ServerTime fetches the exchange clock in milliseconds.
func (c *Client) ServerTime(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v5/market/time", nil)
	if err != nil {
		return 0, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: server time: %w", ErrTransport, err)
	}
	defer res.Body.Close()

	var env envelope
	if err := json.NewDecoder(res.Body).Decode(&env); err != nil {
		return 0, fmt.Errorf("failed to decode server time: %w", err)
	}
	if env.Time > 0 {
		return env.Time, nil
	}
	var st serverTimeResult
	if err := json.Unmarshal(env.Result, &st); err != nil {
		return 0, fmt.Errorf("failed to decode server time result: %w", err)
	}
	nanos, err := strconv.ParseInt(st.TimeNano, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid server time %q: %w", st.TimeNano, err)
	}
	return nanos / int64(time.Millisecond), nil
}

// SyncTime measures the offset between the exchange clock and ours,
// assuming symmetric latency.
func (c *Client) SyncTime(ctx context.Context) error {
	before := c.now().UnixMilli()
	server, err := c.ServerTime(ctx)
	if err != nil {
		return err
	}
	after := c.now().UnixMilli()
	offset := server - (before+after)/2
	c.offsetMs.Store(offset)
	c.logger.Debug("time synced", zap.Int64("offset_ms", offset))
	return nil
}

// StartTimeSync resyncs the clock offset until ctx is done.
func (c *Client) StartTimeSync(ctx context.Context, interval time.Duration) {
	if err := c.SyncTime(ctx); err != nil {
		c.logger.Warn("initial time sync failed", zap.Error(err))
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.SyncTime(ctx); err != nil {
					c.logger.Warn("time sync failed", zap.Error(err))
				}
			}
		}
	}()
}

// doSigned validates, signs and sends a request. GET requests sign the
// query string; POST requests sign the JSON body.
func (c *Client) doSigned(ctx context.Context, method, path string, keys Keys, query Params, body any) (json.RawMessage, error) {
	if err := keys.Validate(); err != nil {
		return nil, err
	}
	if err := query.validate(); err != nil {
		return nil, err
	}

	var payload string
	var reader io.Reader
	url := c.baseURL + path
	if method == http.MethodGet {
		payload = query.Encode()
		if payload != "" {
			url += "?" + payload
		}
	} else {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s body: %w", path, err)
		}
		payload = string(raw)
		reader = bytes.NewReader(raw)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limiter: %w", ErrTransport, err)
	}

	ts := c.timestamp()
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-BAPI-API-KEY", keys.APIKey)
	req.Header.Set("X-BAPI-TIMESTAMP", strconv.FormatInt(ts, 10))
	req.Header.Set("X-BAPI-RECV-WINDOW", strconv.FormatInt(c.recvWindow, 10))
	req.Header.Set("X-BAPI-SIGN-TYPE", signTypeHMAC)
	req.Header.Set("X-BAPI-SIGN", Sign(keys.APISecret, ts, keys.APIKey, c.recvWindow, payload))
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		if method == http.MethodGet {
			return nil, fmt.Errorf("%w: %s %s: %w", ErrTransport, method, path, err)
		}
		return nil, fmt.Errorf("%w: %s %s: %w", ErrUnknownOutcome, method, path, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		if method == http.MethodGet {
			return nil, fmt.Errorf("%w: read %s: %w", ErrTransport, path, err)
		}
		return nil, fmt.Errorf("%w: read %s: %w", ErrUnknownOutcome, path, err)
	}

	var env envelope
	if decodeErr := json.Unmarshal(raw, &env); decodeErr != nil || res.StatusCode != http.StatusOK {
		apiErr := &APIError{HTTPStatus: res.StatusCode, RetCode: env.RetCode, RetMsg: env.RetMsg, Path: path}
		if apiErr.RetMsg == "" {
			apiErr.RetMsg = string(bytes.TrimSpace(raw))
		}
		return nil, apiErr
	}
	if env.RetCode != CodeOK {
		apiErr := &APIError{HTTPStatus: res.StatusCode, RetCode: env.RetCode, RetMsg: env.RetMsg, Path: path}
		if apiErr.IsClockSkew() {
			c.logger.Warn("exchange rejected timestamp, resyncing clock",
				zap.Int64("timestamp", ts), zap.String("ret_msg", env.RetMsg))
			if err := c.SyncTime(ctx); err != nil {
				c.logger.Warn("resync after skew failed", zap.Error(err))
			}
		}
		return nil, apiErr
	}
	return env.Result, nil
}
