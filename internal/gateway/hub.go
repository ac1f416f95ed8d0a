package gateway

import (
	"context"
	"encoding/json"

	"github.com/titanworks/titan/internal/auth"
	"github.com/titanworks/titan/internal/fault"
)

// HandlerFunc is the untyped form of a hub method.
type HandlerFunc func(ctx context.Context, conn *Conn, args json.RawMessage) (any, error)

// Hub is a named group of socket-callable methods. The hub name prefixes
// every method for rate-limit policy matching ("Trade.accept").
type Hub struct {
	name    string
	methods map[string]HandlerFunc
}

func NewHub(name string) *Hub {
	return &Hub{name: name, methods: map[string]HandlerFunc{}}
}

func (h *Hub) Name() string { return h.name }

func (h *Hub) lookup(method string) (HandlerFunc, error) {
	fn, ok := h.methods[method]
	if !ok {
		return nil, fault.New(fault.KindNotFound, "hub %s has no method %q", h.name, method)
	}
	return fn, nil
}

// Bind registers a typed method on the hub. Arguments arrive as the frame's
// JSON args; the return value becomes the frame's result.
func Bind[In, Out any](h *Hub, method string, fn func(ctx context.Context, conn *Conn, in In) (Out, error)) {
	if _, dup := h.methods[method]; dup {
		panic("gateway: hub " + h.name + " method " + method + " bound twice")
	}
	h.methods[method] = func(ctx context.Context, conn *Conn, args json.RawMessage) (any, error) {
		var in In
		if len(args) > 0 {
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, fault.Wrap(fault.KindInvalidInput, err, "decode %s.%s args", h.name, method)
			}
		}
		return fn(ctx, conn, in)
	}
}

// NewAuthHub exposes session introspection on the socket surface, letting a
// connected client confirm who its ticket bound it to without a round trip
// through the HTTP endpoints.
func NewAuthHub(sessions *auth.SessionService) *Hub {
	h := NewHub("AuthHub")

	Bind(h, "whoami", func(_ context.Context, conn *Conn, _ struct{}) (auth.Principal, error) {
		return conn.Principal(), nil
	})

	Bind(h, "providers", func(context.Context, *Conn, struct{}) ([]string, error) {
		return sessions.Providers(), nil
	})

	return h
}

// Conn is one authenticated socket seen from hub methods.
type Conn struct {
	sock *socketConn
}

// ID returns the connection's ID, unique per socket.
func (c *Conn) ID() string { return c.sock.id }

// Principal returns the authenticated principal bound at ticket redemption.
func (c *Conn) Principal() auth.Principal { return c.sock.principal }

// Join subscribes the connection to a group; its stream events arrive as
// push frames until Leave or disconnect.
func (c *Conn) Join(ctx context.Context, group string) error {
	return c.sock.join(ctx, group)
}

// Leave unsubscribes the connection from a group. Unknown groups are a no-op.
func (c *Conn) Leave(group string) {
	c.sock.leave(group)
}
