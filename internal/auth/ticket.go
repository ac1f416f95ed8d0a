package auth

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/titanworks/titan/internal/cell"
	"github.com/titanworks/titan/internal/codec"
	"github.com/titanworks/titan/internal/fault"
)

// TicketKind holds one single-use connection ticket per cell. The stream URL
// carries only the ticket, never the session ID.
const TicketKind = "ConnectionTicket"

const slotTicket = "TicketStore"

type ticketState struct {
	Principal Principal `json:"principal"`
	ExpiresAt time.Time `json:"expiresAt"`
	Consumed  bool      `json:"consumed"`
}

type ticketCell struct {
	st     ticketState
	loaded bool
}

type issueTicketIn struct {
	Principal  Principal `json:"principal"`
	TTLSeconds int       `json:"ttlSeconds"`
}

func (c *ticketCell) OnActivate(rc *cell.Ctx) error {
	err := rc.Read(slotTicket, &c.st)
	if fault.Is(err, fault.KindNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	c.loaded = true
	return nil
}

func (c *ticketCell) Issue(rc *cell.Ctx, in issueTicketIn) (struct{}, error) {
	if c.loaded {
		return struct{}{}, fault.New(fault.KindConflict, "ticket already issued")
	}
	c.st = ticketState{
		Principal: in.Principal,
		ExpiresAt: time.Now().UTC().Add(time.Duration(in.TTLSeconds) * time.Second),
	}
	if err := rc.Write(slotTicket, c.st); err != nil {
		return struct{}{}, err
	}
	c.loaded = true
	return struct{}{}, nil
}

// Consume redeems the ticket exactly once. Replays, unknown tickets and
// expired tickets are indistinguishable to the caller.
func (c *ticketCell) Consume(rc *cell.Ctx, _ struct{}) (Principal, error) {
	if !c.loaded || c.st.Consumed || time.Now().UTC().After(c.st.ExpiresAt) {
		return Principal{}, fault.New(fault.KindUnauthorized, "ticket invalid")
	}
	c.st.Consumed = true
	if err := rc.Write(slotTicket, c.st); err != nil {
		return Principal{}, err
	}
	return c.st.Principal, nil
}

// NewTicketKind builds the ConnectionTicket cell kind. Consumed tickets
// passivate quickly; their records expire with the cell.
func NewTicketKind() *cell.Kind {
	k := cell.NewKind(TicketKind, func() cell.Handler { return &ticketCell{} })
	k.BindSlot(slotTicket, codec.Text)
	k.IdleTimeout = 2 * time.Minute
	cell.Handle(k, "issue", cell.NotTransactional, (*ticketCell).Issue)
	cell.Handle(k, "consume", cell.NotTransactional, (*ticketCell).Consume)
	return k
}

// TicketService issues and redeems connection tickets.
type TicketService struct {
	rt  *cell.Runtime
	ttl time.Duration
}

func NewTicketService(rt *cell.Runtime, ttl time.Duration) *TicketService {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &TicketService{rt: rt, ttl: ttl}
}

func ticketIdentity(ticketID string) cell.Identity {
	return cell.NewIdentity(TicketKind, cell.StringKey(ticketID))
}

// Issue mints a short-lived single-use ticket for the principal.
func (s *TicketService) Issue(ctx context.Context, principal Principal) (string, error) {
	ticketID := uuid.NewString()
	err := s.rt.Invoke(ctx, ticketIdentity(ticketID), "issue", issueTicketIn{
		Principal:  principal,
		TTLSeconds: int(s.ttl / time.Second),
	}, nil)
	if err != nil {
		return "", err
	}
	return ticketID, nil
}

// Consume redeems the ticket, binding its principal to the caller.
func (s *TicketService) Consume(ctx context.Context, ticketID string) (Principal, error) {
	if _, err := uuid.Parse(ticketID); err != nil {
		return Principal{}, fault.New(fault.KindUnauthorized, "ticket invalid")
	}
	var principal Principal
	if err := s.rt.Invoke(ctx, ticketIdentity(ticketID), "consume", nil, &principal); err != nil {
		return Principal{}, err
	}
	return principal, nil
}
