package game

import (
	"github.com/google/uuid"

	"github.com/titanworks/titan/internal/cell"
	"github.com/titanworks/titan/internal/codec"
	"github.com/titanworks/titan/internal/fault"
	"github.com/titanworks/titan/internal/rules"
	"github.com/titanworks/titan/internal/stream"
)

const slotTrade = "TradeStore"

// Trade event kinds published to the trade's stream.
const (
	EventTradeStarted   = "TradeStarted"
	EventItemAdded      = "ItemAdded"
	EventTradeAccepted  = "TradeAccepted"
	EventTradeCompleted = "TradeCompleted"
	EventTradeCancelled = "TradeCancelled"
)

// Trade lifecycle states.
const (
	TradeOpen      = "open"
	TradeCompleted = "completed"
	TradeCancelled = "cancelled"
)

type tradeParticipant struct {
	CharacterID string `json:"characterId"`
	Accepted    bool   `json:"accepted"`
	Offer       []Item `json:"offer,omitempty"`
}

type tradeState struct {
	SeasonID     string              `json:"seasonId"`
	Status       string              `json:"status"`
	Participants [2]tradeParticipant `json:"participants"`
}

type tradeCell struct {
	substrate *stream.Substrate
	provider  string

	st     tradeState
	loaded bool
}

type startTradeIn struct {
	InitiatorID uuid.UUID `json:"initiatorId"`
	PartnerID   uuid.UUID `json:"partnerId"`
	SeasonID    string    `json:"seasonId"`
}

type tradeItemIn struct {
	CharacterID uuid.UUID `json:"characterId"`
	ItemID      string    `json:"itemId"`
}

type tradeActorIn struct {
	CharacterID uuid.UUID `json:"characterId"`
}

// TradeView is the read model of a trade.
type TradeView struct {
	TradeID      string              `json:"tradeId"`
	SeasonID     string              `json:"seasonId"`
	Status       string              `json:"status"`
	Participants [2]tradeParticipant `json:"participants"`
}

// TradeEvent is the payload of every trade stream event; unused fields stay
// empty.
type TradeEvent struct {
	TradeID     string `json:"tradeId"`
	CharacterID string `json:"characterId,omitempty"`
	ItemID      string `json:"itemId,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

func (t *tradeCell) OnActivate(rc *cell.Ctx) error {
	err := rc.Read(slotTrade, &t.st)
	if fault.Is(err, fault.KindNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	t.loaded = true
	return nil
}

func (t *tradeCell) tradeID(rc *cell.Ctx) string { return rc.Identity().Key.Ext() }

func (t *tradeCell) publish(rc *cell.Ctx, kind string, ev TradeEvent) {
	ev.TradeID = t.tradeID(rc)
	if err := t.substrate.Publish(rc, TradeStream(t.provider, ev.TradeID), kind, ev); err != nil {
		rc.Logger().Error("trade event publish failed", "kind", kind, "err", err)
	}
}

// Start opens the trade after validating both characters against the trade
// rules: same season, alive, and not solo-self-found.
func (t *tradeCell) Start(rc *cell.Ctx, in startTradeIn) (TradeView, error) {
	if t.loaded {
		return TradeView{}, fault.New(fault.KindConflict, "trade already exists")
	}
	if in.InitiatorID == in.PartnerID {
		return TradeView{}, fault.New(fault.KindInvalidInput, "cannot trade with yourself")
	}

	chars := make([]rules.Character, 0, 2)
	for _, id := range []uuid.UUID{in.InitiatorID, in.PartnerID} {
		var profile CharacterProfile
		if err := rc.Invoke(CharacterIdentity(id, in.SeasonID), "profile", nil, &profile); err != nil {
			return TradeView{}, err
		}
		if profile.Dead {
			return TradeView{}, fault.New(fault.KindInvalidInput, "character %s is dead", profile.CharacterID)
		}
		chars = append(chars, rules.Character{
			ID:           profile.CharacterID,
			Name:         profile.Name,
			SeasonID:     profile.SeasonID,
			Restrictions: profile.Restrictions,
		})
	}
	chain := rules.Chain{rules.SameSeason{}, rules.SoloSelfFound{}}
	if err := chain.Validate(rc, rules.Context{Characters: chars}); err != nil {
		return TradeView{}, err
	}

	t.st = tradeState{
		SeasonID: in.SeasonID,
		Status:   TradeOpen,
		Participants: [2]tradeParticipant{
			{CharacterID: in.InitiatorID.String()},
			{CharacterID: in.PartnerID.String()},
		},
	}
	if err := rc.Write(slotTrade, t.st); err != nil {
		return TradeView{}, err
	}
	t.loaded = true
	t.publish(rc, EventTradeStarted, TradeEvent{CharacterID: in.InitiatorID.String()})
	return t.view(rc), nil
}

func (t *tradeCell) participant(id uuid.UUID) *tradeParticipant {
	for i := range t.st.Participants {
		if t.st.Participants[i].CharacterID == id.String() {
			return &t.st.Participants[i]
		}
	}
	return nil
}

func (t *tradeCell) requireOpen() error {
	if !t.loaded {
		return fault.New(fault.KindNotFound, "trade does not exist")
	}
	if t.st.Status != TradeOpen {
		return fault.New(fault.KindConflict, "trade is %s", t.st.Status)
	}
	return nil
}

// AddItem places an item into the owner's offer. Any change to an offer
// resets both acceptances, so nobody completes a trade they have not seen.
func (t *tradeCell) AddItem(rc *cell.Ctx, in tradeItemIn) (TradeView, error) {
	if err := t.requireOpen(); err != nil {
		return TradeView{}, err
	}
	side := t.participant(in.CharacterID)
	if side == nil {
		return TradeView{}, fault.New(fault.KindForbidden, "character %s is not part of this trade", in.CharacterID)
	}
	for _, offered := range side.Offer {
		if offered.ID == in.ItemID {
			return TradeView{}, fault.New(fault.KindConflict, "item %s is already offered", in.ItemID)
		}
	}

	var item Item
	err := rc.Invoke(InventoryIdentity(in.CharacterID, t.st.SeasonID), "describe", itemRefIn{ItemID: in.ItemID}, &item)
	if err != nil {
		return TradeView{}, err
	}
	err = rules.Tradeable{}.Validate(rc, rules.Context{Items: []rules.Item{{ID: item.ID, Tradeable: item.Tradeable}}})
	if err != nil {
		return TradeView{}, err
	}

	side.Offer = append(side.Offer, item)
	for i := range t.st.Participants {
		t.st.Participants[i].Accepted = false
	}
	if err := rc.Write(slotTrade, t.st); err != nil {
		return TradeView{}, err
	}
	t.publish(rc, EventItemAdded, TradeEvent{CharacterID: in.CharacterID.String(), ItemID: in.ItemID})
	return t.view(rc), nil
}

// Accept records the character's acceptance. When the second acceptance
// lands, the trade settles atomically: TradeAccepted goes out, settlement
// runs in its own transaction, and the outcome event follows the commit or
// the abort.
func (t *tradeCell) Accept(rc *cell.Ctx, in tradeActorIn) (TradeView, error) {
	if err := t.requireOpen(); err != nil {
		return TradeView{}, err
	}
	side := t.participant(in.CharacterID)
	if side == nil {
		return TradeView{}, fault.New(fault.KindForbidden, "character %s is not part of this trade", in.CharacterID)
	}
	side.Accepted = true
	if err := rc.Write(slotTrade, t.st); err != nil {
		return TradeView{}, err
	}

	for _, p := range t.st.Participants {
		if !p.Accepted {
			return t.view(rc), nil
		}
	}
	t.publish(rc, EventTradeAccepted, TradeEvent{CharacterID: in.CharacterID.String()})

	if err := rc.Invoke(rc.Identity(), "settle", nil, nil); err != nil {
		t.st.Status = TradeCancelled
		for i := range t.st.Participants {
			t.st.Participants[i].Accepted = false
		}
		if werr := rc.Write(slotTrade, t.st); werr != nil {
			return TradeView{}, werr
		}
		t.publish(rc, EventTradeCancelled, TradeEvent{Reason: err.Error()})
		return TradeView{}, err
	}
	t.st.Status = TradeCompleted
	t.publish(rc, EventTradeCompleted, TradeEvent{})
	return t.view(rc), nil
}

// Cancel abandons an open trade. Either participant may cancel.
func (t *tradeCell) Cancel(rc *cell.Ctx, in tradeActorIn) (TradeView, error) {
	if err := t.requireOpen(); err != nil {
		return TradeView{}, err
	}
	if t.participant(in.CharacterID) == nil {
		return TradeView{}, fault.New(fault.KindForbidden, "character %s is not part of this trade", in.CharacterID)
	}
	t.st.Status = TradeCancelled
	if err := rc.Write(slotTrade, t.st); err != nil {
		return TradeView{}, err
	}
	t.publish(rc, EventTradeCancelled, TradeEvent{CharacterID: in.CharacterID.String(), Reason: "cancelled"})
	return t.view(rc), nil
}

// Settle moves both offers between the inventories. It is a self-invoked
// transactional op: declared CreateOrJoin so the runtime wraps it in a fresh
// transaction, and interleavable so the in-flight accept call can run it
// inline. Either every item moves or none does; an item spent by a racing
// trade aborts with Conflict.
func (t *tradeCell) Settle(rc *cell.Ctx, _ struct{}) (struct{}, error) {
	if err := t.requireOpen(); err != nil {
		return struct{}{}, err
	}
	tradeID := t.tradeID(rc)
	for i := range t.st.Participants {
		from := t.st.Participants[i]
		to := t.st.Participants[1-i]
		fromID := uuid.MustParse(from.CharacterID)
		toID := uuid.MustParse(to.CharacterID)
		for _, offered := range from.Offer {
			var item Item
			err := rc.Invoke(InventoryIdentity(fromID, t.st.SeasonID), "takeItem", itemRefIn{ItemID: offered.ID}, &item)
			if err != nil {
				return struct{}{}, err
			}
			err = rc.Invoke(InventoryIdentity(toID, t.st.SeasonID), "giveItem", giveItemIn{
				Item: item, Note: "trade " + tradeID,
			}, nil)
			if err != nil {
				return struct{}{}, err
			}
		}
	}

	settled := t.st
	settled.Status = TradeCompleted
	return struct{}{}, rc.Write(slotTrade, settled)
}

func (t *tradeCell) Status(rc *cell.Ctx, _ struct{}) (TradeView, error) {
	if !t.loaded {
		return TradeView{}, fault.New(fault.KindNotFound, "trade does not exist")
	}
	return t.view(rc), nil
}

func (t *tradeCell) view(rc *cell.Ctx) TradeView {
	return TradeView{
		TradeID:      t.tradeID(rc),
		SeasonID:     t.st.SeasonID,
		Status:       t.st.Status,
		Participants: t.st.Participants,
	}
}

// NewTradeKind builds the Trade cell kind, keyed by trade UUID string.
func NewTradeKind(substrate *stream.Substrate, provider string) *cell.Kind {
	k := cell.NewKind(TradeKind, func() cell.Handler {
		return &tradeCell{substrate: substrate, provider: provider}
	})
	k.BindSlot(slotTrade, codec.Text)
	cell.Handle(k, "start", cell.NotTransactional, (*tradeCell).Start)
	cell.Handle(k, "addItem", cell.NotTransactional, (*tradeCell).AddItem)
	cell.Handle(k, "accept", cell.NotTransactional, (*tradeCell).Accept)
	cell.Handle(k, "cancel", cell.NotTransactional, (*tradeCell).Cancel)
	cell.Handle(k, "settle", cell.CreateOrJoin, (*tradeCell).Settle, cell.Interleavable())
	cell.Handle(k, "status", cell.NotTransactional, (*tradeCell).Status)
	return k
}
