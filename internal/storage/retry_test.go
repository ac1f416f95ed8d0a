package storage_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/titanworks/titan/internal/fault"
	"github.com/titanworks/titan/internal/storage"
)

var errFlaky = errors.New("connection reset")

// flakyBackend fails the first n calls with a transient error.
type flakyBackend struct {
	storage.Backend
	remaining int
}

func (f *flakyBackend) Write(ctx context.Context, kind, key, slot string, data []byte, codecTag string, expected storage.ETag) (storage.ETag, error) {
	if f.remaining > 0 {
		f.remaining--
		return storage.NoETag, errFlaky
	}
	return f.Backend.Write(ctx, kind, key, slot, data, codecTag, expected)
}

func fastRetryConfig() storage.RetryConfig {
	return storage.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Multiplier:     1.5,
	}
}

func isFlaky(err error) bool { return errors.Is(err, errFlaky) }

func TestRetrying_RecoversFromTransientErrors(t *testing.T) {
	t.Parallel()
	inner := &flakyBackend{Backend: storage.NewMemory(), remaining: 2}
	r := storage.NewRetrying(inner, fastRetryConfig(), isFlaky, slog.Default())

	etag, err := r.Write(context.Background(), "Account", "a-1", "PrimaryStore", []byte("ok"), "cbor", storage.NoETag)
	require.NoError(t, err)
	assert.NotEqual(t, storage.NoETag, etag)
}

func TestRetrying_ExhaustionBecomesTransient(t *testing.T) {
	t.Parallel()
	inner := &flakyBackend{Backend: storage.NewMemory(), remaining: 10}
	r := storage.NewRetrying(inner, fastRetryConfig(), isFlaky, slog.Default())

	_, err := r.Write(context.Background(), "Account", "a-1", "PrimaryStore", []byte("ok"), "cbor", storage.NoETag)
	require.Error(t, err)
	assert.Equal(t, fault.KindTransient, fault.KindOf(err))
}

func TestRetrying_LogicalConflictPassesThrough(t *testing.T) {
	t.Parallel()
	mem := storage.NewMemory()
	r := storage.NewRetrying(mem, fastRetryConfig(), storage.DefaultClassifier, slog.Default())
	ctx := context.Background()

	_, err := r.Write(ctx, "Account", "a-1", "PrimaryStore", []byte("v1"), "cbor", storage.NoETag)
	require.NoError(t, err)

	// Duplicate create is a conflict, not a retryable transient.
	_, err = r.Write(ctx, "Account", "a-1", "PrimaryStore", []byte("v2"), "cbor", storage.NoETag)
	require.Error(t, err)
	assert.Equal(t, fault.KindConflict, fault.KindOf(err))
}
