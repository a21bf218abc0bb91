// Package httpclient is the single entry point for calls to the panel backend.
//
// A Client attaches the current access token, classifies successful responses,
// translates failures into *apierr.Error and, when the backend answers 401,
// refreshes the token and retries with bounded exponential backoff.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gamedeck/panel-gateway/internal/apierr"
	"github.com/gamedeck/panel-gateway/internal/classify"
	"github.com/gamedeck/panel-gateway/internal/metrics"
	"github.com/gamedeck/panel-gateway/internal/rate"
	"github.com/gamedeck/panel-gateway/pkg/utils"
)

const (
	// HeaderRequestID carries the per-call correlation ID.
	HeaderRequestID = "X-Request-ID"

	maxErrorBody = 1 << 20

	msgRetriesExhausted = "Authentication failed after maximum retries"
	msgRefreshFailed    = "Authentication failed: unable to refresh token"
	msgDuplicateRefresh = "refresh already in progress for this request"
)

// TokenSource supplies access tokens and decides whether a 401 is recoverable.
// *token.Manager implements it.
type TokenSource interface {
	GetValidAccessToken(ctx context.Context) (string, bool)
	HandleAPIError(ctx context.Context, rejected string, status int, message string) bool
	Logout(ctx context.Context, reason string) error
}

// RequestConfig describes one logical call. It is never modified by the Client.
type RequestConfig struct {
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	// Body is sent as-is when it is []byte or string and JSON-encoded otherwise.
	Body            any           `json:"body,omitempty"`
	Timeout         time.Duration `json:"timeout,omitempty"`
	Retry           *RetryPolicy  `json:"retry,omitempty"`
	SkipAutoRefresh bool          `json:"skip_auto_refresh,omitempty"`
	ExpectEmpty     bool          `json:"expect_empty,omitempty"`
	ExpectBlob      bool          `json:"expect_blob,omitempty"`
}

func (rc RequestConfig) method() string {
	if rc.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(rc.Method)
}

// Client is safe for concurrent use. Construct one per process (or per test).
type Client struct {
	logger     *zap.Logger
	http       *http.Client
	tokens     TokenSource
	classifier *classify.Classifier
	rateMgr    *rate.Manager
	policy     RetryPolicy
	timeout    time.Duration
	sleep      func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New creates a Client. tokens may be nil for unauthenticated use; rateMgr may be nil.
// timeout is the per-attempt default for calls that do not set RequestConfig.Timeout.
func New(
	logger *zap.Logger,
	httpClient *http.Client,
	tokens TokenSource,
	rateMgr *rate.Manager,
	policy RetryPolicy,
	timeout time.Duration,
) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		logger:     logger,
		http:       httpClient,
		tokens:     tokens,
		classifier: classify.Default(),
		rateMgr:    rateMgr,
		policy:     policy,
		timeout:    timeout,
		sleep:      sleepCtx,
		inflight:   make(map[string]struct{}),
	}
}

// Do runs one logical call and returns the classified response body.
func (c *Client) Do(ctx context.Context, url string, cfg RequestConfig) (classify.Result, error) {
	start := time.Now()
	method := cfg.method()
	defer metrics.ObserveDuration(metrics.APIRequestDuration, start, method)

	res, err := c.do(ctx, url, cfg)
	outcome := "success"
	if err != nil {
		outcome = string(apierr.KindOf(err))
	}
	metrics.IncAPIRequest(method, outcome)
	return res, err
}

func (c *Client) do(ctx context.Context, url string, cfg RequestConfig) (classify.Result, error) {
	policy := c.policy
	if cfg.Retry != nil {
		policy = *cfg.Retry
	}

	body, err := encodeBody(cfg)
	if err != nil {
		return classify.Result{}, apierr.New(apierr.KindUnknown, 0, "Request body could not be encoded").WithCause(err)
	}

	requestID := cfg.Headers[HeaderRequestID]
	if requestID == "" {
		requestID = uuid.NewString()
	}
	log := c.logger.With(
		zap.String("request_id", requestID),
		zap.String("method", cfg.method()),
		zap.String("url", url))

	var token string
	if c.tokens != nil {
		token, _ = c.tokens.GetValidAccessToken(ctx)
	}

	var dedupKey string
	defer func() {
		if dedupKey != "" {
			c.release(dedupKey)
		}
	}()

	retries := 0
	for {
		res, status, err := c.attempt(ctx, url, cfg, body, requestID, token)
		if err == nil {
			log.Debug("httpclient.success", zap.Int("status", status), zap.Int("retries", retries), maskedAuth(token))
			return res, nil
		}

		if status != http.StatusUnauthorized {
			// after a refresh the retried call is always allowed transient retries;
			// first attempts only when the policy opts in
			transient := policy.RetryTransient || dedupKey != ""
			if !transient || !apierr.IsRetryable(err) || retries >= policy.MaxRetries || ctx.Err() != nil {
				log.Debug("httpclient.failed", zap.Int("status", status), zap.Error(err))
				return classify.Result{}, err
			}
			retries++
			delay := policy.Delay(retries)
			log.Warn("httpclient.retry_scheduled",
				zap.String("kind", string(apierr.KindOf(err))),
				zap.Int("retry", retries),
				zap.Duration("delay", delay))
			if err := c.sleep(ctx, delay); err != nil {
				return classify.Result{}, contextError(err)
			}
			if c.tokens != nil {
				token, _ = c.tokens.GetValidAccessToken(ctx)
			}
			continue
		}

		// 401
		if cfg.SkipAutoRefresh || c.tokens == nil {
			return classify.Result{}, err
		}
		if retries >= policy.MaxRetries {
			log.Warn("httpclient.auth_retries_exhausted", zap.Int("retries", retries))
			if lerr := c.tokens.Logout(context.WithoutCancel(ctx), "auth_retries_exhausted"); lerr != nil {
				log.Warn("httpclient.logout_failed", zap.Error(lerr))
			}
			return classify.Result{}, apierr.Auth(msgRetriesExhausted).WithCause(err)
		}
		if dedupKey == "" {
			key := requestKey(url, cfg)
			if !c.acquire(key) {
				metrics.DedupRejectionsTotal.Inc()
				log.Info("httpclient.duplicate_refresh")
				return classify.Result{}, apierr.Auth(msgDuplicateRefresh).WithCause(err)
			}
			dedupKey = key
		}

		var apiErr *apierr.Error
		message := ""
		if errors.As(err, &apiErr) {
			message = apiErr.Message
		}
		if !c.tokens.HandleAPIError(ctx, token, status, message) {
			return classify.Result{}, apierr.Auth(msgRefreshFailed).WithCause(err)
		}

		retries++
		delay := policy.Delay(retries)
		metrics.AuthRetriesTotal.Inc()
		log.Info("httpclient.retry_scheduled",
			zap.String("kind", string(apierr.KindAuth)),
			zap.Int("retry", retries),
			zap.Duration("delay", delay))
		if err := c.sleep(ctx, delay); err != nil {
			return classify.Result{}, contextError(err)
		}

		next, ok := c.tokens.GetValidAccessToken(ctx)
		if !ok {
			return classify.Result{}, apierr.Auth(msgRefreshFailed).WithCause(err)
		}
		token = next
	}
}

// attempt performs one HTTP round-trip. status is 0 when no response was received.
func (c *Client) attempt(
	ctx context.Context,
	url string,
	cfg RequestConfig,
	body []byte,
	requestID string,
	token string,
) (classify.Result, int, error) {
	if err := c.rateMgr.Wait(ctx, rate.HostKey(url)); err != nil {
		return classify.Result{}, 0, contextError(err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	actx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		actx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	req, err := newRequest(actx, url, cfg, body, requestID, token)
	if err != nil {
		return classify.Result{}, 0, apierr.New(apierr.KindUnknown, 0, "Invalid request").WithCause(err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if actx.Err() != nil {
			return classify.Result{}, 0, contextError(actx.Err())
		}
		c.logger.Warn("httpclient.http_failed",
			zap.String("request_id", requestID),
			zap.String("url", url),
			zap.Error(err))
		return classify.Result{}, 0, apierr.Network(err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		res, err := c.classifier.Classify(resp, classify.Expect{Empty: cfg.ExpectEmpty, Blob: cfg.ExpectBlob})
		if err != nil {
			if actx.Err() != nil {
				return classify.Result{}, resp.StatusCode, contextError(actx.Err())
			}
			return classify.Result{}, resp.StatusCode,
				apierr.New(apierr.KindUnknown, resp.StatusCode, "Invalid response from server").WithCause(err)
		}
		return res, resp.StatusCode, nil
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil && actx.Err() != nil {
		return classify.Result{}, resp.StatusCode, contextError(actx.Err())
	}
	return classify.Result{}, resp.StatusCode, apierr.Translate(resp.StatusCode, data)
}

func newRequest(ctx context.Context, url string, cfg RequestConfig, body []byte, requestID, token string) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, cfg.method(), url, reader)
	if err != nil {
		return nil, err
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		if _, raw := cfg.Body.([]byte); !raw {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if req.Header.Get("Accept") == "" && !cfg.ExpectBlob {
		req.Header.Set("Accept", "application/json")
	}
	req.Header.Set(HeaderRequestID, requestID)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func encodeBody(cfg RequestConfig) ([]byte, error) {
	switch b := cfg.Body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	default:
		return json.Marshal(b)
	}
}

// requestKey identifies identical logical calls: the URL plus the serialized config.
func requestKey(url string, cfg RequestConfig) string {
	data, err := json.Marshal(cfg)
	if err != nil {
		return url + "|" + fmt.Sprintf("%+v", cfg)
	}
	return url + "|" + string(data)
}

func (c *Client) acquire(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[key]; busy {
		return false
	}
	c.inflight[key] = struct{}{}
	return true
}

func (c *Client) release(key string) {
	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()
}

// InFlight returns the number of calls currently inside a refresh-and-retry.
func (c *Client) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// contextError maps an ended context to a Structured Error. Deadlines become
// Timeout (408); cancellation is reported as Unknown.
func contextError(err error) *apierr.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apierr.Timeout(err)
	}
	return apierr.New(apierr.KindUnknown, 0, "Request was cancelled").WithCause(err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// maskedAuth is used in debug logs instead of the Authorization header.
func maskedAuth(token string) zap.Field {
	return zap.String("access", utils.MaskToken(token))
}
