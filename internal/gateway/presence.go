package gateway

import (
	"context"
	"time"

	"github.com/titanworks/titan/internal/cell"
	"github.com/titanworks/titan/internal/codec"
	"github.com/titanworks/titan/internal/fault"
)

// Connection bookkeeping cells: PlayerPresence is volatile, rebuilt from
// live connections after any restart; SessionLog persists a bounded ring of
// connection events for support tooling.
const (
	PresenceKind   = "PlayerPresence"
	SessionLogKind = "SessionLog"
)

const (
	slotSessionLog = "SessionLogStore"
	sessionLogCap  = 50
)

// presenceCell keeps no slots on purpose: presence is meaningless across a
// silo restart, so the state lives and dies with the activation.
type presenceCell struct {
	conns    map[string]string
	lastSeen time.Time
}

type presenceConnIn struct {
	ConnID string `json:"connId"`
	Hub    string `json:"hub,omitempty"`
}

// PresenceView reports a player's live connection state.
type PresenceView struct {
	Online      bool      `json:"online"`
	Connections int       `json:"connections"`
	LastSeen    time.Time `json:"lastSeen,omitempty"`
}

func (p *presenceCell) OnActivate(rc *cell.Ctx) error {
	p.conns = map[string]string{}
	return nil
}

func (p *presenceCell) Connected(rc *cell.Ctx, in presenceConnIn) (PresenceView, error) {
	p.conns[in.ConnID] = in.Hub
	p.lastSeen = time.Now().UTC()
	return p.view(), nil
}

func (p *presenceCell) Disconnected(rc *cell.Ctx, in presenceConnIn) (PresenceView, error) {
	delete(p.conns, in.ConnID)
	p.lastSeen = time.Now().UTC()
	return p.view(), nil
}

func (p *presenceCell) Get(rc *cell.Ctx, _ struct{}) (PresenceView, error) {
	return p.view(), nil
}

func (p *presenceCell) view() PresenceView {
	return PresenceView{Online: len(p.conns) > 0, Connections: len(p.conns), LastSeen: p.lastSeen}
}

// SessionLogEntry is one connection event of a player.
type SessionLogEntry struct {
	ConnID string    `json:"connId"`
	Hub    string    `json:"hub"`
	Event  string    `json:"event"`
	At     time.Time `json:"at"`
}

type sessionLogState struct {
	Entries []SessionLogEntry `json:"entries"`
}

type sessionLogCell struct {
	st sessionLogState
}

type sessionLogRecentOut struct {
	Entries []SessionLogEntry `json:"entries"`
}

func (s *sessionLogCell) OnActivate(rc *cell.Ctx) error {
	err := rc.Read(slotSessionLog, &s.st)
	if fault.Is(err, fault.KindNotFound) {
		return nil
	}
	return err
}

func (s *sessionLogCell) Record(rc *cell.Ctx, in SessionLogEntry) (struct{}, error) {
	if in.At.IsZero() {
		in.At = time.Now().UTC()
	}
	s.st.Entries = append(s.st.Entries, in)
	if over := len(s.st.Entries) - sessionLogCap; over > 0 {
		s.st.Entries = append([]SessionLogEntry(nil), s.st.Entries[over:]...)
	}
	return struct{}{}, rc.Write(slotSessionLog, s.st)
}

func (s *sessionLogCell) Recent(rc *cell.Ctx, _ struct{}) (sessionLogRecentOut, error) {
	return sessionLogRecentOut{Entries: append([]SessionLogEntry(nil), s.st.Entries...)}, nil
}

// NewPresenceKinds builds the PlayerPresence and SessionLog cell kinds.
func NewPresenceKinds() []*cell.Kind {
	presence := cell.NewKind(PresenceKind, func() cell.Handler { return &presenceCell{} })
	presence.IdleTimeout = 5 * time.Minute
	cell.Handle(presence, "connected", cell.NotTransactional, (*presenceCell).Connected)
	cell.Handle(presence, "disconnected", cell.NotTransactional, (*presenceCell).Disconnected)
	cell.Handle(presence, "get", cell.NotTransactional, (*presenceCell).Get)

	log := cell.NewKind(SessionLogKind, func() cell.Handler { return &sessionLogCell{} })
	log.BindSlot(slotSessionLog, codec.Text)
	cell.Handle(log, "record", cell.NotTransactional, (*sessionLogCell).Record)
	cell.Handle(log, "recent", cell.NotTransactional, (*sessionLogCell).Recent)

	return []*cell.Kind{presence, log}
}

func PresenceIdentity(userID string) cell.Identity {
	return cell.NewIdentity(PresenceKind, cell.StringKey(userID))
}

func SessionLogIdentity(userID string) cell.Identity {
	return cell.NewIdentity(SessionLogKind, cell.StringKey(userID))
}

// recordConnection updates presence and the session log; both are best
// effort and never fail the socket.
func (g *Gateway) recordConnection(ctx context.Context, c *socketConn, event string) {
	userID := c.principal.UserID
	op := "connected"
	if event != "connected" {
		op = "disconnected"
	}
	in := presenceConnIn{ConnID: c.id, Hub: c.hub.name}
	if err := g.rt.Invoke(ctx, PresenceIdentity(userID), op, in, nil); err != nil {
		g.logger.Warn("presence update failed", "user", userID, "err", err)
	}
	entry := SessionLogEntry{ConnID: c.id, Hub: c.hub.name, Event: event, At: time.Now().UTC()}
	if err := g.rt.Invoke(ctx, SessionLogIdentity(userID), "record", entry, nil); err != nil {
		g.logger.Warn("session log update failed", "user", userID, "err", err)
	}
}
