package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/titanworks/titan/internal/auth"
	"github.com/titanworks/titan/internal/fault"
	"github.com/titanworks/titan/internal/stream"
)

// clientFrame is one call from the socket client.
type clientFrame struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// serverFrame is either a call reply (ID set) or a push (Push set).
type serverFrame struct {
	ID     int64            `json:"id,omitempty"`
	Result any              `json:"result,omitempty"`
	Error  *fault.WireError `json:"error,omitempty"`
	Push   string           `json:"push,omitempty"`
	Event  *stream.Event    `json:"event,omitempty"`
}

// handleSocket upgrades the connection after redeeming the single-use
// ticket; the session ID itself never appears in the URL.
func (g *Gateway) handleSocket(w http.ResponseWriter, r *http.Request) {
	hubName := chi.URLParam(r, "hub")
	hub, ok := g.hubs[hubName]
	if !ok {
		g.writeError(w, fault.New(fault.KindNotFound, "unknown hub %q", hubName))
		return
	}
	principal, err := g.tickets.Consume(r.Context(), r.URL.Query().Get("ticket"))
	if err != nil {
		g.writeError(w, err)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("ws upgrade failed", "err", err)
		return
	}

	sock := &socketConn{
		id:        uuid.NewString(),
		principal: principal,
		hub:       hub,
		gw:        g,
		ws:        ws,
		send:      make(chan serverFrame, g.cfg.SendQueue),
		done:      make(chan struct{}),
		groups:    map[string]struct{}{},
	}
	g.logger.Info("socket opened", "hub", hubName, "user", principal.UserID, "conn", sock.id)
	g.recordConnection(r.Context(), sock, "connected")

	go sock.writePump()
	sock.readLoop(r.Context())

	sock.close()
	g.recordConnection(context.WithoutCancel(r.Context()), sock, "disconnected")
	g.logger.Info("socket closed", "hub", hubName, "user", principal.UserID, "conn", sock.id)
}

// socketConn owns one websocket: a serial read loop dispatching calls and a
// single writer goroutine, so frames from different operations never
// interleave on the wire.
type socketConn struct {
	id        string
	principal auth.Principal
	hub       *Hub
	gw        *Gateway
	ws        *websocket.Conn
	send      chan serverFrame

	closeOnce sync.Once
	done      chan struct{}

	mu     sync.Mutex
	groups map[string]struct{}
}

func (c *socketConn) readLoop(ctx context.Context) {
	for {
		var frame clientFrame
		if err := c.ws.ReadJSON(&frame); err != nil {
			return
		}
		out, err := c.dispatch(ctx, frame)
		c.reply(frame.ID, out, err)
	}
}

// dispatch runs one call: rate-limit check, method lookup, handler. Calls on
// one connection run serially in arrival order.
func (c *socketConn) dispatch(ctx context.Context, frame clientFrame) (any, error) {
	endpoint := c.hub.name + "." + frame.Method
	decision, err := c.gw.limiter.Check(ctx, endpoint, c.principal.UserID)
	if err == nil && !decision.Allowed {
		return nil, decision.Fault()
	}
	fn, err := c.hub.lookup(frame.Method)
	if err != nil {
		return nil, err
	}
	return fn(ctx, &Conn{sock: c}, frame.Args)
}

func (c *socketConn) reply(id int64, result any, err error) {
	frame := serverFrame{ID: id, Result: result}
	if err != nil {
		frame.Result = nil
		frame.Error = fault.Encode(err)
	}
	select {
	case c.send <- frame:
	case <-c.done:
	}
}

// push enqueues a group event. A consumer that cannot keep up loses pushes
// rather than stalling the stream for everyone else.
func (c *socketConn) push(group string, ev *stream.Event) {
	select {
	case c.send <- serverFrame{Push: group, Event: ev}:
	case <-c.done:
	default:
		c.gw.logger.Warn("push dropped, slow consumer",
			"conn", c.id, "group", group, "seq", ev.Seq)
	}
}

func (c *socketConn) writePump() {
	for {
		select {
		case frame := <-c.send:
			if err := c.ws.WriteJSON(frame); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *socketConn) join(ctx context.Context, group string) error {
	c.mu.Lock()
	if _, dup := c.groups[group]; dup {
		c.mu.Unlock()
		return nil
	}
	c.groups[group] = struct{}{}
	c.mu.Unlock()

	if err := c.gw.groups.Join(ctx, group, c); err != nil {
		c.mu.Lock()
		delete(c.groups, group)
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *socketConn) leave(group string) {
	c.mu.Lock()
	_, member := c.groups[group]
	delete(c.groups, group)
	c.mu.Unlock()
	if member {
		c.gw.groups.Leave(group, c)
	}
}

func (c *socketConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
		c.mu.Lock()
		joined := make([]string, 0, len(c.groups))
		for g := range c.groups {
			joined = append(joined, g)
		}
		c.groups = map[string]struct{}{}
		c.mu.Unlock()
		for _, g := range joined {
			c.gw.groups.Leave(g, c)
		}
	})
}
