package game_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/titanworks/titan/internal/auth"
	"github.com/titanworks/titan/internal/celltest"
	"github.com/titanworks/titan/internal/fault"
	"github.com/titanworks/titan/internal/game"
	"github.com/titanworks/titan/internal/gateway"
	"github.com/titanworks/titan/internal/ratelimit"
	"github.com/titanworks/titan/internal/stream"
	"github.com/titanworks/titan/internal/txn"
)

// hubFixture stands the full edge in front of the domain hubs: HTTP auth,
// ticketed sockets, rate limiting and the per-aggregate hub registry.
type hubFixture struct {
	silo *celltest.Silo
	srv  *httptest.Server
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	substrate := stream.NewSubstrate(slog.Default(),
		stream.NewGoChannelProvider(testProvider, slog.Default()))
	kinds := append(game.Kinds(substrate, testProvider), auth.NewSessionKinds()...)
	kinds = append(kinds, auth.NewTicketKind(), ratelimit.NewConfigKind())
	kinds = append(kinds, gateway.NewPresenceKinds()...)
	silo := celltest.NewSilo(t, celltest.Options{
		Kinds: kinds,
		Wire: func(s *celltest.Silo) {
			mgr := txn.NewManager(txn.DefaultConfig("test"), s.Redis, s.Backend, slog.Default())
			s.Runtime.SetTxnStarter(mgr)
		},
	})

	sessions := auth.NewSessionService(auth.DefaultSessionConfig(),
		auth.NewProviderSet(auth.MockProvider{}), silo.Runtime)
	tickets := auth.NewTicketService(silo.Runtime, 30*time.Second)
	limiter := ratelimit.NewLimiter(ratelimit.DefaultLimiterConfig("test"), silo.Redis, silo.Runtime, slog.Default())

	gw := gateway.New(gateway.DefaultConfig(testProvider), slog.Default(),
		sessions, tickets, limiter, silo.Runtime, substrate)
	for _, h := range game.Hubs(silo.Runtime) {
		gw.Register(h)
	}
	gw.Register(gateway.NewAuthHub(sessions))

	srv := httptest.NewServer(gw.Router())
	t.Cleanup(srv.Close)
	return &hubFixture{silo: silo, srv: srv}
}

func (f *hubFixture) post(t *testing.T, path, bearer string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+path, &buf)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// dial logs in, mints a fresh single-use ticket and opens the named hub.
func (f *hubFixture) dial(t *testing.T, user, hub string) *websocket.Conn {
	t.Helper()
	login := f.post(t, "/auth/login", "", map[string]string{"provider": "Mock", "token": "mock:" + user})
	require.Equal(t, http.StatusOK, login.StatusCode)
	var sess auth.SessionInfo
	require.NoError(t, json.NewDecoder(login.Body).Decode(&sess))

	issued := f.post(t, "/auth/connection-ticket", sess.SessionID, nil)
	require.Equal(t, http.StatusOK, issued.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(issued.Body).Decode(&body))

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/hubs/" + hub + "?ticket=" + body["ticket"]
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "dial hub %s", hub)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

type hubFrame struct {
	ID     int64            `json:"id"`
	Result json.RawMessage  `json:"result"`
	Error  *fault.WireError `json:"error"`
	Push   string           `json:"push"`
}

func hubCall(t *testing.T, ws *websocket.Conn, id int64, method string, args any) hubFrame {
	t.Helper()
	frame := map[string]any{"id": id, "method": method}
	if args != nil {
		frame["args"] = args
	}
	require.NoError(t, ws.WriteJSON(frame))
	for {
		var reply hubFrame
		require.NoError(t, ws.ReadJSON(&reply))
		if reply.Push != "" {
			continue
		}
		require.Equal(t, id, reply.ID)
		return reply
	}
}

func TestNamedHubSurface(t *testing.T) {
	f := newHubFixture(t)
	ctx := context.Background()
	require.NoError(t, f.silo.Runtime.Invoke(ctx, game.SeasonRegistryIdentity(), "upsertSeason",
		game.Season{ID: "standard", Name: "Standard", Permanent: true}, nil))
	require.NoError(t, f.silo.Runtime.Invoke(ctx, game.BaseTypeRegistryIdentity(), "upsert",
		game.BaseType{Name: "ring", Tradeable: true}, nil))

	charID := uuid.New()

	cws := f.dial(t, "alice", "CharacterHub")
	reply := hubCall(t, cws, 1, "create", map[string]any{
		"characterId": charID, "seasonId": "standard", "name": "Alice",
	})
	require.Nil(t, reply.Error)

	tws := f.dial(t, "alice", "TradeHub")
	reply = hubCall(t, tws, 1, "watch", map[string]string{"tradeId": "t-1"})
	require.Nil(t, reply.Error)

	sws := f.dial(t, "alice", "SeasonHub")
	reply = hubCall(t, sws, 1, "get", map[string]string{"seasonId": "standard"})
	require.Nil(t, reply.Error)
	var season game.Season
	require.NoError(t, json.Unmarshal(reply.Result, &season))
	assert.True(t, season.Permanent)

	bws := f.dial(t, "alice", "BaseTypeHub")
	reply = hubCall(t, bws, 1, "get", map[string]string{"name": "ring"})
	require.Nil(t, reply.Error)
	var bt game.BaseType
	require.NoError(t, json.Unmarshal(reply.Result, &bt))
	assert.True(t, bt.Tradeable)

	iws := f.dial(t, "alice", "InventoryHub")
	reply = hubCall(t, iws, 1, "list", map[string]any{"characterId": charID, "seasonId": "standard"})
	require.Nil(t, reply.Error)

	// Account was ensured as a side effect of character creation.
	aws := f.dial(t, "alice", "AccountHub")
	reply = hubCall(t, aws, 1, "profile", nil)
	require.Nil(t, reply.Error)

	whoWs := f.dial(t, "alice", "AuthHub")
	reply = hubCall(t, whoWs, 1, "whoami", nil)
	require.Nil(t, reply.Error)
	var who auth.Principal
	require.NoError(t, json.Unmarshal(reply.Result, &who))
	assert.Equal(t, "alice", who.UserID)
}

func TestTradeHubEndpointsMatchRateLimitMappings(t *testing.T) {
	f := newHubFixture(t)
	state := ratelimit.ConfigState{
		Enabled:  true,
		Policies: []ratelimit.Policy{{Name: "trade", Rules: []ratelimit.Rule{{MaxHits: 2, PeriodSeconds: 60, TimeoutSeconds: 60}}}},
		Mappings: []ratelimit.Mapping{{Pattern: "TradeHub.*", Policy: "trade"}},
	}
	require.NoError(t, f.silo.Runtime.Invoke(context.Background(), ratelimit.ConfigIdentity(), "update", state, nil))

	ws := f.dial(t, "hank", "TradeHub")
	for i := int64(1); i <= 2; i++ {
		reply := hubCall(t, ws, i, "watch", map[string]string{"tradeId": "t-9"})
		require.Nil(t, reply.Error)
	}

	reply := hubCall(t, ws, 3, "watch", map[string]string{"tradeId": "t-9"})
	require.NotNil(t, reply.Error)
	assert.Equal(t, fault.KindRateLimited.String(), reply.Error.Kind)
}
