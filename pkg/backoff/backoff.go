// pkg/backoff/backoff.go
package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/YaganovValera/tradestream/pkg/logger"
)

// -----------------------------------------------------------------------------
// Metrics & service label
// -----------------------------------------------------------------------------

var (
	serviceLabel = "tradestream"

	metrics = struct {
		Retries   *prometheus.CounterVec
		Failures  *prometheus.CounterVec
		Successes *prometheus.CounterVec
		Delays    *prometheus.HistogramVec
	}{
		Retries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tradestream", Subsystem: "backoff", Name: "retries_total",
				Help: "Number of back-off retry attempts",
			},
			[]string{"service", "operation"},
		),
		Failures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tradestream", Subsystem: "backoff", Name: "failures_total",
				Help: "Number of operations that gave up after retries",
			},
			[]string{"service", "operation"},
		),
		Successes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tradestream", Subsystem: "backoff", Name: "successes_total",
				Help: "Number of operations that eventually succeeded",
			},
			[]string{"service", "operation"},
		),
		Delays: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "tradestream", Subsystem: "backoff", Name: "retry_delay_seconds",
				Help:    "Histogram of retry delays (seconds)",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"service", "operation"},
		),
	}
)

// SetServiceLabel should be called once at startup, before the first Execute.
func SetServiceLabel(name string) { serviceLabel = name }

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config contains tunables for exponential back-off.
//
// All zero values are treated as “use reasonable default”.
type Config struct {
	// InitialInterval is the first delay before retrying.
	InitialInterval time.Duration `mapstructure:"initial_interval"`

	// RandomizationFactor adds ±jitter to each delay.
	// Accepted range: 0.0 ≤ f ≤ 1.0. Ignored when DisableJitter is set.
	RandomizationFactor float64 `mapstructure:"randomization_factor"`

	// DisableJitter makes delays deterministic.
	DisableJitter bool `mapstructure:"disable_jitter"`

	// Multiplier multiplies the previous delay to get the next one
	// ( e.g. 2 → doubles on every retry ).
	Multiplier float64 `mapstructure:"multiplier"`

	// MaxInterval caps each individual delay.
	MaxInterval time.Duration `mapstructure:"max_interval"`

	// MaxElapsedTime is the total time allowed for all retries
	// before giving up.  Zero → unlimited.
	MaxElapsedTime time.Duration `mapstructure:"max_elapsed_time"`

	// MaxRetries bounds the number of retries after the first attempt.
	// Zero → unlimited.
	MaxRetries uint64 `mapstructure:"max_retries"`

	// PerAttemptTimeout limits the execution time of every single
	// user function call.  Zero → no per-attempt timeout.
	PerAttemptTimeout time.Duration `mapstructure:"per_attempt_timeout"`

	// Operation labels metrics and log lines ("connect", "publish", ...).
	Operation string `mapstructure:"-"`
}

// applyDefaults fills cfg with safe defaults in-place.
func (c *Config) applyDefaults() {
	if c.InitialInterval <= 0 {
		c.InitialInterval = time.Second
	}
	if c.DisableJitter {
		c.RandomizationFactor = 0
	} else if c.RandomizationFactor <= 0 {
		c.RandomizationFactor = 0.5
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 30 * time.Second
	}
	if c.MaxInterval < c.InitialInterval {
		c.MaxInterval = c.InitialInterval
	}
	if c.Operation == "" {
		c.Operation = "default"
	}
}

// validate performs cheap sanity checks.
func (c Config) validate() error {
	if c.RandomizationFactor < 0 || c.RandomizationFactor > 1 {
		return fmt.Errorf("backoff: RandomizationFactor must be in [0,1]")
	}
	if c.Multiplier < 1 {
		return fmt.Errorf("backoff: Multiplier must be ≥ 1")
	}
	return nil
}

// RetryableFunc is a unit of work that may be re-executed until it
// succeeds or the back-off strategy gives up.
type RetryableFunc func(ctx context.Context) error

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

// ErrMaxRetries is returned from Execute(..) when the function was still
// failing after all retries were exhausted.
type ErrMaxRetries struct {
	Err      error // last error returned by fn
	Attempts int   // number of attempts performed
}

func (e *ErrMaxRetries) Error() string {
	return fmt.Sprintf("backoff: %d attempt(s) failed: %v", e.Attempts, e.Err)
}
func (e *ErrMaxRetries) Unwrap() error { return e.Err }

// Permanent marks an error as non-retryable. Execute returns the
// wrapped error as is, without ErrMaxRetries.
func Permanent(err error) error { return backoff.Permanent(err) }

// -----------------------------------------------------------------------------
// Core
// -----------------------------------------------------------------------------

// NewStrategy builds the cenkalti exponential back-off for cfg. Delays
// between attempts are InitialInterval·Multiplier^n capped by MaxInterval.
func NewStrategy(cfg Config) (backoff.BackOff, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("backoff: invalid config: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.InitialInterval
	bo.RandomizationFactor = cfg.RandomizationFactor
	bo.Multiplier = cfg.Multiplier
	bo.MaxInterval = cfg.MaxInterval
	if cfg.MaxElapsedTime > 0 {
		bo.MaxElapsedTime = cfg.MaxElapsedTime
	} else {
		bo.MaxElapsedTime = 0
	}
	bo.Reset()

	var b backoff.BackOff = bo
	if cfg.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, cfg.MaxRetries)
	}
	return b, nil
}

// Execute runs fn() with an exponential back-off defined by cfg, emitting
// Prometheus metrics and structured logs via log.
//
// Sleeps between attempts are interrupted by ctx; in that case ctx.Err()
// is returned.
func Execute(ctx context.Context, cfg Config, log *logger.Logger, fn RetryableFunc) error {
	cfg.applyDefaults()
	strategy, err := NewStrategy(cfg)
	if err != nil {
		return err
	}
	boCtx := backoff.WithContext(strategy, ctx)

	attempts := 0
	permanent := false
	operation := func() error {
		attempts++
		var err error
		if cfg.PerAttemptTimeout > 0 {
			atCtx, cancel := context.WithTimeout(ctx, cfg.PerAttemptTimeout)
			err = fn(atCtx)
			cancel()
		} else {
			err = fn(ctx)
		}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			permanent = true
		}
		return err
	}
	notify := func(err error, delay time.Duration) {
		metrics.Retries.WithLabelValues(serviceLabel, cfg.Operation).Inc()
		metrics.Delays.WithLabelValues(serviceLabel, cfg.Operation).Observe(delay.Seconds())
		log.Warn("back-off retry",
			zap.String("operation", cfg.Operation),
			zap.Int("attempt", attempts),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}

	if err := backoff.RetryNotify(operation, boCtx, notify); err != nil {
		metrics.Failures.WithLabelValues(serviceLabel, cfg.Operation).Inc()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if permanent {
			log.Error("back-off aborted: permanent error",
				zap.String("operation", cfg.Operation),
				zap.Int("attempts", attempts),
				zap.Error(err),
			)
			return err
		}
		log.Error("back-off give-up",
			zap.String("operation", cfg.Operation),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return &ErrMaxRetries{Err: err, Attempts: attempts}
	}

	metrics.Successes.WithLabelValues(serviceLabel, cfg.Operation).Inc()
	return nil
}
