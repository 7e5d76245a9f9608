package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-hclog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// errServerStatus marks a 5xx response so it is retried and counted by the breaker.
var errServerStatus = errors.New("server error status")

const maxResponseBody = 4 << 20

// HTTPClientConfig configures HTTPClient.
type HTTPClientConfig struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxRetries      uint64        `mapstructure:"max_retries"`
	RateLimit       float64       `mapstructure:"rate_limit"`
	Burst           int           `mapstructure:"burst"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
}

// HTTPClient is an HTTPCaller with rate limiting, retries and a circuit
// breaker per destination host.
type HTTPClient struct {
	cfg        HTTPClientConfig
	follow     *http.Client
	noFollow   *http.Client
	limiter    *rate.Limiter
	breakers   map[string]*gobreaker.CircuitBreaker
	mu         sync.Mutex
	logger     hclog.Logger
	newBackOff func() backoff.BackOff
}

// HTTPClientOption configures an HTTPClient.
type HTTPClientOption func(*HTTPClient)

// WithHTTPLogger sets the client logger.
func WithHTTPLogger(logger hclog.Logger) HTTPClientOption {
	return func(c *HTTPClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithBackOff overrides the retry schedule.
func WithBackOff(f func() backoff.BackOff) HTTPClientOption {
	return func(c *HTTPClient) {
		c.newBackOff = f
	}
}

// NewHTTPClient creates an HTTPClient. Zero config values mean a 30s timeout,
// no retries, no rate limit and a breaker that opens after 5 consecutive
// failures for 60s.
func NewHTTPClient(cfg HTTPClientConfig, opts ...HTTPClientOption) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 60 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	c := &HTTPClient{
		cfg:      cfg,
		follow:   &http.Client{},
		noFollow: &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }},
		limiter:  rate.NewLimiter(limit, burst),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		logger:   hclog.NewNullLogger(),
	}
	c.newBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 200 * time.Millisecond
		b.MaxElapsedTime = 0
		return b
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call performs req. Responses with a status code are returned without error,
// including 4xx and 5xx after retries are exhausted; errors are reserved for
// requests that never produced a response.
func (c *HTTPClient) Call(ctx context.Context, req HTTPRequest) (*HTTPResponse, error) {
	target, err := buildURL(req.URL, req.Query)
	if err != nil {
		return nil, err
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	breaker := c.breaker(target.Host)

	var last *HTTPResponse
	op := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		out, err := breaker.Execute(func() (interface{}, error) {
			return c.do(ctx, method, target.String(), req, timeout)
		})
		if resp, ok := out.(*HTTPResponse); ok && resp != nil {
			last = resp
		}
		if err == nil {
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(fmt.Errorf("circuit open for %s: %w", target.Host, err))
		}
		c.logger.Debug("http call failed, retrying", "url", target.Redacted(), "error", err)
		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), c.cfg.MaxRetries), ctx)
	err = backoff.Retry(op, b)
	if err != nil {
		if errors.Is(err, errServerStatus) && last != nil {
			return last, nil
		}
		return nil, err
	}
	return last, nil
}

func (c *HTTPClient) do(ctx context.Context, method, target string, req HTTPRequest, timeout time.Duration) (*HTTPResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if len(req.Body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	applyAuth(httpReq, req.Auth)

	client := c.noFollow
	if req.FollowRedirects {
		client = c.follow
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	out := &HTTPResponse{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}
	if resp.StatusCode >= 500 {
		return out, fmt.Errorf("%w: %d", errServerStatus, resp.StatusCode)
	}
	return out, nil
}

func (c *HTTPClient) breaker(host string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[host]; ok {
		return cb
	}
	failures := c.cfg.BreakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    host,
		Timeout: c.cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state changed", "host", name, "from", from.String(), "to", to.String())
		},
	})
	c.breakers[host] = cb
	return cb
}

func buildURL(raw string, query map[string]string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid url %q: scheme and host required", raw)
	}
	if len(query) > 0 {
		q := u.Query()
		for k, v := range query {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	return u, nil
}

func applyAuth(req *http.Request, auth Auth) {
	switch auth.Type {
	case AuthBasic:
		req.SetBasicAuth(auth.Username, auth.Password)
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case AuthAPIKey:
		name := auth.APIKeyName
		if name == "" {
			name = "X-API-Key"
		}
		req.Header.Set(name, auth.APIKeyValue)
	}
}
