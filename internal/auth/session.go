package auth

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/titanworks/titan/internal/cell"
	"github.com/titanworks/titan/internal/codec"
	"github.com/titanworks/titan/internal/fault"
)

// Cell kinds backing the session store. Sessions are ordinary cells, so they
// persist, passivate, and replicate placement like everything else.
const (
	SessionKind      = "Session"
	SessionIndexKind = "SessionIndex"
)

const slotSession = "SessionStore"

type sessionState struct {
	Principal       Principal `json:"principal"`
	CreatedAt       time.Time `json:"createdAt"`
	ExpiresAt       time.Time `json:"expiresAt"`
	Sliding         bool      `json:"sliding"`
	LifetimeSeconds int       `json:"lifetimeSeconds"`
}

type sessionCell struct {
	st     sessionState
	loaded bool
}

type createSessionIn struct {
	Principal       Principal `json:"principal"`
	LifetimeSeconds int       `json:"lifetimeSeconds"`
	Sliding         bool      `json:"sliding"`
}

// SessionInfo is what login hands back to the client.
type SessionInfo struct {
	SessionID string    `json:"sessionId"`
	Principal Principal `json:"principal"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s *sessionCell) OnActivate(rc *cell.Ctx) error {
	err := rc.Read(slotSession, &s.st)
	if fault.Is(err, fault.KindNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	s.loaded = true
	return nil
}

func (s *sessionCell) Create(rc *cell.Ctx, in createSessionIn) (SessionInfo, error) {
	if s.loaded {
		return SessionInfo{}, fault.New(fault.KindConflict, "session already exists")
	}
	now := time.Now().UTC()
	s.st = sessionState{
		Principal:       in.Principal,
		CreatedAt:       now,
		ExpiresAt:       now.Add(time.Duration(in.LifetimeSeconds) * time.Second),
		Sliding:         in.Sliding,
		LifetimeSeconds: in.LifetimeSeconds,
	}
	if err := rc.Write(slotSession, s.st); err != nil {
		return SessionInfo{}, err
	}
	s.loaded = true
	return SessionInfo{Principal: s.st.Principal, ExpiresAt: s.st.ExpiresAt}, nil
}

// Validate checks liveness and, for sliding sessions, extends the expiry.
func (s *sessionCell) Validate(rc *cell.Ctx, _ struct{}) (Principal, error) {
	if !s.loaded {
		return Principal{}, fault.New(fault.KindUnauthorized, "no such session")
	}
	now := time.Now().UTC()
	if now.After(s.st.ExpiresAt) {
		s.loaded = false
		if err := rc.Clear(slotSession); err != nil {
			return Principal{}, err
		}
		return Principal{}, fault.New(fault.KindUnauthorized, "session expired")
	}
	if s.st.Sliding {
		s.st.ExpiresAt = now.Add(time.Duration(s.st.LifetimeSeconds) * time.Second)
		if err := rc.Write(slotSession, s.st); err != nil {
			return Principal{}, err
		}
	}
	return s.st.Principal, nil
}

// Invalidate removes the session and reports the principal it carried.
func (s *sessionCell) Invalidate(rc *cell.Ctx, _ struct{}) (Principal, error) {
	if !s.loaded {
		return Principal{}, fault.New(fault.KindNotFound, "no such session")
	}
	principal := s.st.Principal
	s.loaded = false
	s.st = sessionState{}
	return principal, rc.Clear(slotSession)
}

// sessionIndexCell tracks a user's live session IDs for logout-all and the
// per-user cap.
type sessionIndexCell struct {
	st indexState
}

type indexState struct {
	SessionIDs []string `json:"sessionIds"`
}

type indexAddIn struct {
	SessionID string `json:"sessionId"`
	Max       int    `json:"max"`
}

type indexAddOut struct {
	// Evicted are the oldest sessions pushed over the cap; the caller
	// invalidates them.
	Evicted []string `json:"evicted,omitempty"`
}

type indexRemoveIn struct {
	SessionID string `json:"sessionId"`
}

type indexDrainOut struct {
	SessionIDs []string `json:"sessionIds"`
}

func (s *sessionIndexCell) OnActivate(rc *cell.Ctx) error {
	if err := rc.Read(slotSession, &s.st); err != nil && !fault.Is(err, fault.KindNotFound) {
		return err
	}
	return nil
}

func (s *sessionIndexCell) Add(rc *cell.Ctx, in indexAddIn) (indexAddOut, error) {
	s.st.SessionIDs = append(s.st.SessionIDs, in.SessionID)
	var out indexAddOut
	if in.Max > 0 && len(s.st.SessionIDs) > in.Max {
		over := len(s.st.SessionIDs) - in.Max
		out.Evicted = append(out.Evicted, s.st.SessionIDs[:over]...)
		s.st.SessionIDs = s.st.SessionIDs[over:]
	}
	return out, rc.Write(slotSession, s.st)
}

func (s *sessionIndexCell) Remove(rc *cell.Ctx, in indexRemoveIn) (struct{}, error) {
	kept := s.st.SessionIDs[:0]
	for _, id := range s.st.SessionIDs {
		if id != in.SessionID {
			kept = append(kept, id)
		}
	}
	s.st.SessionIDs = kept
	return struct{}{}, rc.Write(slotSession, s.st)
}

func (s *sessionIndexCell) Drain(rc *cell.Ctx, _ struct{}) (indexDrainOut, error) {
	out := indexDrainOut{SessionIDs: append([]string(nil), s.st.SessionIDs...)}
	s.st.SessionIDs = nil
	return out, rc.Write(slotSession, s.st)
}

// NewSessionKinds builds the Session and SessionIndex cell kinds.
func NewSessionKinds() []*cell.Kind {
	session := cell.NewKind(SessionKind, func() cell.Handler { return &sessionCell{} })
	session.BindSlot(slotSession, codec.Text)
	cell.Handle(session, "create", cell.NotTransactional, (*sessionCell).Create)
	cell.Handle(session, "validate", cell.NotTransactional, (*sessionCell).Validate)
	cell.Handle(session, "invalidate", cell.NotTransactional, (*sessionCell).Invalidate)

	index := cell.NewKind(SessionIndexKind, func() cell.Handler { return &sessionIndexCell{} })
	index.BindSlot(slotSession, codec.Text)
	cell.Handle(index, "add", cell.NotTransactional, (*sessionIndexCell).Add)
	cell.Handle(index, "remove", cell.NotTransactional, (*sessionIndexCell).Remove)
	cell.Handle(index, "drain", cell.NotTransactional, (*sessionIndexCell).Drain)

	return []*cell.Kind{session, index}
}

// SessionConfig tunes session issuance.
type SessionConfig struct {
	Lifetime   time.Duration
	Sliding    bool
	MaxPerUser int
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{Lifetime: 24 * time.Hour, Sliding: true, MaxPerUser: 5}
}

// SessionService orchestrates login, validation and logout over the session
// cells.
type SessionService struct {
	cfg       SessionConfig
	providers *ProviderSet
	rt        *cell.Runtime
}

func NewSessionService(cfg SessionConfig, providers *ProviderSet, rt *cell.Runtime) *SessionService {
	if cfg.Lifetime <= 0 {
		cfg = DefaultSessionConfig()
	}
	return &SessionService{cfg: cfg, providers: providers, rt: rt}
}

func (s *SessionService) Providers() []string { return s.providers.Names() }

func sessionIdentity(sessionID string) cell.Identity {
	return cell.NewIdentity(SessionKind, cell.StringKey(sessionID))
}

func indexIdentity(userID string) cell.Identity {
	return cell.NewIdentity(SessionIndexKind, cell.StringKey(userID))
}

// Login validates the provider token and opens a session. The session ID is
// opaque and random; clients never see provider credentials again.
func (s *SessionService) Login(ctx context.Context, token, providerName string) (SessionInfo, error) {
	provider, err := s.providers.Lookup(providerName)
	if err != nil {
		return SessionInfo{}, err
	}
	principal, err := provider.Validate(ctx, token)
	if err != nil {
		return SessionInfo{}, err
	}

	sessionID := uuid.NewString()
	var info SessionInfo
	err = s.rt.Invoke(ctx, sessionIdentity(sessionID), "create", createSessionIn{
		Principal:       principal,
		LifetimeSeconds: int(s.cfg.Lifetime / time.Second),
		Sliding:         s.cfg.Sliding,
	}, &info)
	if err != nil {
		return SessionInfo{}, err
	}
	info.SessionID = sessionID

	var added indexAddOut
	err = s.rt.Invoke(ctx, indexIdentity(principal.UserID), "add", indexAddIn{
		SessionID: sessionID, Max: s.cfg.MaxPerUser,
	}, &added)
	if err != nil {
		return SessionInfo{}, err
	}
	for _, evicted := range added.Evicted {
		_ = s.rt.Invoke(ctx, sessionIdentity(evicted), "invalidate", nil, nil)
	}
	return info, nil
}

// Validate resolves a session ID to its principal, sliding the expiry.
func (s *SessionService) Validate(ctx context.Context, sessionID string) (Principal, error) {
	var principal Principal
	if err := s.rt.Invoke(ctx, sessionIdentity(sessionID), "validate", nil, &principal); err != nil {
		return Principal{}, err
	}
	return principal, nil
}

// Logout invalidates one session.
func (s *SessionService) Logout(ctx context.Context, sessionID string) error {
	var principal Principal
	err := s.rt.Invoke(ctx, sessionIdentity(sessionID), "invalidate", nil, &principal)
	if fault.Is(err, fault.KindNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.rt.Invoke(ctx, indexIdentity(principal.UserID), "remove", indexRemoveIn{SessionID: sessionID}, nil)
}

// LogoutAll invalidates every session of the principal and reports how many.
func (s *SessionService) LogoutAll(ctx context.Context, userID string) (int, error) {
	var drained indexDrainOut
	if err := s.rt.Invoke(ctx, indexIdentity(userID), "drain", nil, &drained); err != nil {
		return 0, err
	}
	invalidated := 0
	for _, sessionID := range drained.SessionIDs {
		if err := s.rt.Invoke(ctx, sessionIdentity(sessionID), "invalidate", nil, nil); err == nil {
			invalidated++
		}
	}
	return invalidated, nil
}
