package auth_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/titanworks/titan/internal/auth"
	"github.com/titanworks/titan/internal/celltest"
	"github.com/titanworks/titan/internal/fault"
)

func newAuthFixture(t *testing.T, cfg auth.SessionConfig) (*auth.SessionService, *auth.TicketService) {
	t.Helper()
	kinds := append(auth.NewSessionKinds(), auth.NewTicketKind())
	silo := celltest.NewSilo(t, celltest.Options{Kinds: kinds})
	providers := auth.NewProviderSet(auth.MockProvider{})
	return auth.NewSessionService(cfg, providers, silo.Runtime),
		auth.NewTicketService(silo.Runtime, 30*time.Second)
}

func TestMockProviderTokens(t *testing.T) {
	t.Parallel()
	p := auth.MockProvider{}

	principal, err := p.Validate(context.Background(), "mock:alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", principal.UserID)

	for _, bad := range []string{"", "alice", "mock:", "jwt:abc"} {
		_, err := p.Validate(context.Background(), bad)
		assert.Equal(t, fault.KindUnauthorized, fault.KindOf(err), "token %q", bad)
	}
}

func TestLoginValidateLogout(t *testing.T) {
	sessions, _ := newAuthFixture(t, auth.DefaultSessionConfig())
	ctx := context.Background()

	info, err := sessions.Login(ctx, "mock:alice", "Mock")
	require.NoError(t, err)
	require.NotEmpty(t, info.SessionID)
	assert.Equal(t, "alice", info.Principal.UserID)
	assert.True(t, info.ExpiresAt.After(time.Now()))

	principal, err := sessions.Validate(ctx, info.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "alice", principal.UserID)

	require.NoError(t, sessions.Logout(ctx, info.SessionID))
	_, err = sessions.Validate(ctx, info.SessionID)
	assert.Equal(t, fault.KindUnauthorized, fault.KindOf(err))

	// Logout is idempotent.
	assert.NoError(t, sessions.Logout(ctx, info.SessionID))
}

func TestLoginRejectsUnknownProviderAndBadToken(t *testing.T) {
	sessions, _ := newAuthFixture(t, auth.DefaultSessionConfig())
	ctx := context.Background()

	_, err := sessions.Login(ctx, "mock:alice", "Ghost")
	assert.Equal(t, fault.KindInvalidInput, fault.KindOf(err))

	_, err = sessions.Login(ctx, "garbage", "Mock")
	assert.Equal(t, fault.KindUnauthorized, fault.KindOf(err))
}

func TestLogoutAllInvalidatesEverySession(t *testing.T) {
	sessions, _ := newAuthFixture(t, auth.DefaultSessionConfig())
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		info, err := sessions.Login(ctx, "mock:bob", "Mock")
		require.NoError(t, err)
		ids = append(ids, info.SessionID)
	}

	n, err := sessions.LogoutAll(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	for _, id := range ids {
		_, err := sessions.Validate(ctx, id)
		assert.Equal(t, fault.KindUnauthorized, fault.KindOf(err))
	}
}

func TestMaxPerUserEvictsOldest(t *testing.T) {
	cfg := auth.DefaultSessionConfig()
	cfg.MaxPerUser = 2
	sessions, _ := newAuthFixture(t, cfg)
	ctx := context.Background()

	first, err := sessions.Login(ctx, "mock:carol", "Mock")
	require.NoError(t, err)
	second, err := sessions.Login(ctx, "mock:carol", "Mock")
	require.NoError(t, err)
	third, err := sessions.Login(ctx, "mock:carol", "Mock")
	require.NoError(t, err)

	_, err = sessions.Validate(ctx, first.SessionID)
	assert.Equal(t, fault.KindUnauthorized, fault.KindOf(err), "oldest session evicted by the cap")
	_, err = sessions.Validate(ctx, second.SessionID)
	assert.NoError(t, err)
	_, err = sessions.Validate(ctx, third.SessionID)
	assert.NoError(t, err)
}

func TestSessionExpires(t *testing.T) {
	cfg := auth.DefaultSessionConfig()
	cfg.Lifetime = time.Second
	cfg.Sliding = false
	sessions, _ := newAuthFixture(t, cfg)
	ctx := context.Background()

	info, err := sessions.Login(ctx, "mock:dave", "Mock")
	require.NoError(t, err)

	_, err = sessions.Validate(ctx, info.SessionID)
	require.NoError(t, err)

	time.Sleep(1100 * time.Millisecond)
	_, err = sessions.Validate(ctx, info.SessionID)
	assert.Equal(t, fault.KindUnauthorized, fault.KindOf(err))
}

func TestTicketIsSingleUse(t *testing.T) {
	sessions, tickets := newAuthFixture(t, auth.DefaultSessionConfig())
	ctx := context.Background()

	info, err := sessions.Login(ctx, "mock:erin", "Mock")
	require.NoError(t, err)

	ticketID, err := tickets.Issue(ctx, info.Principal)
	require.NoError(t, err)

	principal, err := tickets.Consume(ctx, ticketID)
	require.NoError(t, err)
	assert.Equal(t, "erin", principal.UserID)

	_, err = tickets.Consume(ctx, ticketID)
	assert.Equal(t, fault.KindUnauthorized, fault.KindOf(err), "replay must fail")

	_, err = tickets.Consume(ctx, uuid.NewString())
	assert.Equal(t, fault.KindUnauthorized, fault.KindOf(err), "random ticket must fail")
}

func TestIntrospectionProviderCachesVerdicts(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		active := in["token"] == "good"
		_ = json.NewEncoder(w).Encode(map[string]any{
			"active": active, "userId": "frank", "roles": []string{"player"},
		})
	}))
	defer srv.Close()

	p := auth.NewIntrospectionProvider("Platform", srv.URL)

	principal, err := p.Validate(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, "frank", principal.UserID)
	assert.True(t, principal.HasRole("player"))

	// Second validation is served from cache.
	_, err = p.Validate(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, int64(1), calls.Load())

	_, err = p.Validate(context.Background(), "bad")
	assert.Equal(t, fault.KindUnauthorized, fault.KindOf(err))
}
