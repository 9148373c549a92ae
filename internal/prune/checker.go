package prune

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Outcome is the result of a remote existence check.
type Outcome int

const (
	// OutcomeAmbiguous means the check proved nothing. The record is kept.
	OutcomeAmbiguous Outcome = iota
	// OutcomePresent means the resource answered successfully.
	OutcomePresent
	// OutcomeAbsent means the resource is definitively gone.
	OutcomeAbsent
)

func (o Outcome) String() string {
	switch o {
	case OutcomePresent:
		return "present"
	case OutcomeAbsent:
		return "absent"
	default:
		return "ambiguous"
	}
}

// OutcomeOf maps a check error to its outcome.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomePresent
	case IsDefinitive(err):
		return OutcomeAbsent
	default:
		return OutcomeAmbiguous
	}
}

// Checker validates remote identifiers during the remote phase.
type Checker interface {
	// Available returns an error when the network should not be trusted for
	// this pass. The remote phase is skipped in that case.
	Available(ctx context.Context) error

	// Check returns nil if url exists, or a *NetworkError otherwise.
	Check(ctx context.Context, url string) error
}

const (
	DefaultCheckTimeout = 10 * time.Second
	DefaultRateLimit    = 5.0
	DefaultUserAgent    = "loom-prune/1"
)

// CheckerConfig configures an HTTPChecker.
type CheckerConfig struct {
	// Timeout bounds each request. Exceeding it is ambiguous.
	Timeout time.Duration
	// RateLimit is the sustained number of requests per second.
	RateLimit float64
	// ProbeURL is requested by Available. Empty skips the probe.
	ProbeURL  string
	UserAgent string
	Client    *http.Client
	Logger    *zap.Logger
}

// HTTPChecker checks remote identifiers with HEAD requests, falling back to
// GET for servers that refuse HEAD.
type HTTPChecker struct {
	cfg     CheckerConfig
	client  *http.Client
	limiter *rate.Limiter
	log     *zap.Logger
}

// NewHTTPChecker creates an HTTPChecker with defaults applied.
func NewHTTPChecker(cfg CheckerConfig) *HTTPChecker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultCheckTimeout
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = DefaultRateLimit
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &HTTPChecker{
		cfg:     cfg,
		client:  cfg.Client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), 1),
		log:     cfg.Logger.Named("checker"),
	}
}

// Available implements Checker.
func (c *HTTPChecker) Available(ctx context.Context) error {
	if c.cfg.ProbeURL == "" {
		return nil
	}
	status, err := c.do(ctx, http.MethodHead, c.cfg.ProbeURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOffline, err)
	}
	if status >= 500 {
		return fmt.Errorf("%w: probe returned %d", ErrOffline, status)
	}
	return nil
}

// Check implements Checker.
func (c *HTTPChecker) Check(ctx context.Context, url string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &NetworkError{URL: url, Err: err}
	}

	status, err := c.do(ctx, http.MethodHead, url)
	if err == nil && (status == http.StatusMethodNotAllowed || status == http.StatusNotImplemented) {
		status, err = c.do(ctx, http.MethodGet, url)
	}
	if err != nil {
		return &NetworkError{URL: url, Err: err}
	}

	switch {
	case status >= 200 && status < 400:
		return nil
	case status == http.StatusNotFound || status == http.StatusGone:
		return &NetworkError{URL: url, Status: status, Definitive: true}
	default:
		return &NetworkError{URL: url, Status: status}
	}
}

func (c *HTTPChecker) do(ctx context.Context, method, url string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			c.log.Debug("Remote check timed out", zap.String("url", url))
		}
		return 0, err
	}
	defer resp.Body.Close()
	// Drain a little so the connection can be reused.
	_, _ = io.CopyN(io.Discard, resp.Body, 4096)

	c.log.Debug("Remote check", zap.String("method", method), zap.String("url", url), zap.Int("status", resp.StatusCode))
	return resp.StatusCode, nil
}
