package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/mlsecarena/evalrunner/internal/common"
)

// DefaultGatewayRateLimit bounds how many files-per-second a single worker
// may push at one defense container through the gateway. A container is an
// untrusted submission running under modest resource limits; without a cap
// a fast evaluation loop can starve it before the loop even notices
// timeouts.
const DefaultGatewayRateLimit = 20

// GatewayClient speaks the egress-gateway wire contract: the gateway is
// the sole authenticated path by which a worker reaches a defense
// container, proxying a request to a target URL behind a shared secret.
type GatewayClient struct {
	http    *http.Client
	baseURL string
	secret  string
	logger  *common.Logger
	limiter *rate.Limiter
}

// GatewayOption configures an optional GatewayClient field.
type GatewayOption func(*GatewayClient)

// WithGatewayRateLimit overrides DefaultGatewayRateLimit.
func WithGatewayRateLimit(requestsPerSecond int) GatewayOption {
	return func(g *GatewayClient) {
		g.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
	}
}

// NewGatewayClient builds a client targeting the gateway at baseURL,
// authenticated with secret (the X-Gateway-Auth shared secret).
func NewGatewayClient(baseURL, secret string, logger *common.Logger, opts ...GatewayOption) *GatewayClient {
	g := &GatewayClient{
		http:    &http.Client{},
		baseURL: baseURL,
		secret:  secret,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(DefaultGatewayRateLimit), DefaultGatewayRateLimit),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Post sends body to targetURL (a defense container's endpoint, reachable
// only through the gateway) and returns the gateway's mirrored response.
func (g *GatewayClient) Post(ctx context.Context, targetURL string, body []byte, timeout time.Duration) (int, string, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := g.limiter.Wait(ctx); err != nil {
		return 0, "", nil, fmt.Errorf("gateway: rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL, bytes.NewReader(body))
	if err != nil {
		return 0, "", nil, fmt.Errorf("gateway: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Target-Url", targetURL)
	req.Header.Set("X-Gateway-Auth", g.secret)

	resp, err := g.http.Do(req)
	if err != nil {
		return 0, "", nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, "", nil, fmt.Errorf("gateway: read response: %w", err)
	}

	return resp.StatusCode, resp.Header.Get("Content-Type"), respBody, nil
}
