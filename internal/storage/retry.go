package storage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/titanworks/titan/internal/fault"
)

// RetryConfig bounds the transient retry loop around a Backend.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// Jitter toggles randomized intervals. Disabled only in tests that assert
	// deterministic timing.
	Jitter bool
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    4,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		Multiplier:     2.0,
		Jitter:         true,
	}
}

// Classifier reports whether an error is a transient physical failure worth
// retrying. Logical outcomes (not found, conflict) must never classify as
// transient.
type Classifier func(error) bool

// DefaultClassifier recognizes snapshot-isolation serialization failures and
// connection-level hiccups from the SQL store.
func DefaultClassifier(err error) bool {
	if err == nil {
		return false
	}
	if fault.KindOf(err) != fault.KindUnknown {
		// Already tagged: logical outcome, not a physical retry class.
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"57P03", // cannot_connect_now
			"08006", // connection_failure
			"08000": // connection_exception
			return true
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// Unclassified driver and network errors get one retry cycle; anything
	// deterministic will fail identically and exhaust quickly.
	return true
}

// Retrying wraps a Backend with exponential backoff + jitter on transient
// errors. Exhausted retries surface as KindTransient; logical outcomes pass
// through unchanged.
type Retrying struct {
	next       Backend
	cfg        RetryConfig
	classifier Classifier
	logger     *slog.Logger
}

func NewRetrying(next Backend, cfg RetryConfig, classifier Classifier, logger *slog.Logger) *Retrying {
	if classifier == nil {
		classifier = DefaultClassifier
	}
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultRetryConfig()
	}
	return &Retrying{next: next, cfg: cfg, classifier: classifier, logger: logger}
}

func (r *Retrying) retry(ctx context.Context, op string, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.InitialBackoff
	bo.MaxInterval = r.cfg.MaxBackoff
	bo.Multiplier = r.cfg.Multiplier
	if !r.cfg.Jitter {
		bo.RandomizationFactor = 0
	}
	bo.Reset()

	var lastErr error
	for attempt := 1; ; attempt++ {
		lastErr = fn()
		if lastErr == nil || !r.classifier(lastErr) {
			return lastErr
		}
		if attempt >= r.cfg.MaxAttempts {
			break
		}
		wait := bo.NextBackOff()
		r.logger.Warn("storage retry",
			"op", op,
			"attempt", attempt,
			"backoff_ms", wait.Milliseconds(),
			"err", lastErr,
		)
		select {
		case <-ctx.Done():
			return fault.Wrap(fault.KindTimeout, ctx.Err(), "storage %s cancelled", op)
		case <-time.After(wait):
		}
	}
	return fault.Wrap(fault.KindTransient, lastErr, "storage %s failed after %d attempts", op, r.cfg.MaxAttempts)
}

func (r *Retrying) Read(ctx context.Context, kind, key, slot string) (Record, error) {
	var rec Record
	err := r.retry(ctx, "read", func() error {
		var err error
		rec, err = r.next.Read(ctx, kind, key, slot)
		return err
	})
	return rec, err
}

func (r *Retrying) Write(ctx context.Context, kind, key, slot string, data []byte, codecTag string, expected ETag) (ETag, error) {
	var etag ETag
	err := r.retry(ctx, "write", func() error {
		var err error
		etag, err = r.next.Write(ctx, kind, key, slot, data, codecTag, expected)
		return err
	})
	return etag, err
}

func (r *Retrying) Clear(ctx context.Context, kind, key, slot string, expected ETag) error {
	return r.retry(ctx, "clear", func() error {
		return r.next.Clear(ctx, kind, key, slot, expected)
	})
}

func (r *Retrying) Ping(ctx context.Context) error {
	return r.next.Ping(ctx)
}
