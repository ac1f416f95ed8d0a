package stream

import (
	"context"

	"github.com/titanworks/titan/internal/cell"
	"github.com/titanworks/titan/internal/codec"
	"github.com/titanworks/titan/internal/fault"
)

// RegistryKind is the bookkeeping cell behind durable subscriptions: one cell
// per stream, holding who subscribed and how far each subscriber got.
const RegistryKind = "StreamRegistry"

const slotSubscribers = "SubscriberStore"

// SubscriberRecord survives restarts; delivery resumes past LastDelivered.
type SubscriberRecord struct {
	ID            string `json:"id"`
	Target        string `json:"target"`
	Op            string `json:"op"`
	LastDelivered uint64 `json:"lastDelivered"`
}

type registryState struct {
	Stream      string             `json:"stream"`
	Subscribers []SubscriberRecord `json:"subscribers"`
}

type registryCell struct {
	state registryState
}

type subscribeIn struct {
	Stream string `json:"stream"`
	Record SubscriberRecord
}

type unsubscribeIn struct {
	SubscriberID string `json:"subscriberId"`
}

type advanceIn struct {
	SubscriberID string `json:"subscriberId"`
	Seq          uint64 `json:"seq"`
}

func (r *registryCell) OnActivate(rc *cell.Ctx) error {
	if err := rc.Read(slotSubscribers, &r.state); err != nil && !fault.Is(err, fault.KindNotFound) {
		return err
	}
	return nil
}

func (r *registryCell) Subscribe(rc *cell.Ctx, in subscribeIn) (registryState, error) {
	if in.Record.ID == "" || in.Record.Target == "" || in.Record.Op == "" {
		return registryState{}, fault.New(fault.KindInvalidInput, "subscriber record incomplete")
	}
	r.state.Stream = in.Stream
	replaced := false
	for i := range r.state.Subscribers {
		if r.state.Subscribers[i].ID == in.Record.ID {
			// Re-subscribing keeps the delivered position.
			in.Record.LastDelivered = r.state.Subscribers[i].LastDelivered
			r.state.Subscribers[i] = in.Record
			replaced = true
			break
		}
	}
	if !replaced {
		r.state.Subscribers = append(r.state.Subscribers, in.Record)
	}
	return r.state, rc.Write(slotSubscribers, r.state)
}

func (r *registryCell) Unsubscribe(rc *cell.Ctx, in unsubscribeIn) (struct{}, error) {
	kept := r.state.Subscribers[:0]
	for _, s := range r.state.Subscribers {
		if s.ID != in.SubscriberID {
			kept = append(kept, s)
		}
	}
	r.state.Subscribers = kept
	return struct{}{}, rc.Write(slotSubscribers, r.state)
}

func (r *registryCell) Advance(rc *cell.Ctx, in advanceIn) (struct{}, error) {
	for i := range r.state.Subscribers {
		if r.state.Subscribers[i].ID == in.SubscriberID {
			if in.Seq > r.state.Subscribers[i].LastDelivered {
				r.state.Subscribers[i].LastDelivered = in.Seq
				return struct{}{}, rc.Write(slotSubscribers, r.state)
			}
			return struct{}{}, nil
		}
	}
	return struct{}{}, fault.New(fault.KindNotFound, "subscriber %s not registered", in.SubscriberID)
}

func (r *registryCell) List(*cell.Ctx, struct{}) (registryState, error) {
	return r.state, nil
}

// NewRegistryKind builds the StreamRegistry cell kind for the silo registry.
func NewRegistryKind() *cell.Kind {
	k := cell.NewKind(RegistryKind, func() cell.Handler { return &registryCell{} })
	k.BindSlot(slotSubscribers, codec.Text)
	cell.Handle(k, "subscribe", cell.NotTransactional, (*registryCell).Subscribe)
	cell.Handle(k, "unsubscribe", cell.NotTransactional, (*registryCell).Unsubscribe)
	cell.Handle(k, "advance", cell.NotTransactional, (*registryCell).Advance)
	cell.Handle(k, "list", cell.NotTransactional, (*registryCell).List)
	return k
}

func registryIdentity(id ID) cell.Identity {
	return cell.NewIdentity(RegistryKind, cell.StringKey(id.String()))
}

// SubscribeCell durably subscribes a cell to the stream: the subscription
// record persists in the stream's registry cell and each event is invoked as
// op on the target, going through its mailbox like any other call. Events at
// or below the recorded position are skipped, so redeliveries after a restart
// stay idempotent for the cell.
func (s *Substrate) SubscribeCell(ctx context.Context, rt *cell.Runtime, id ID, subscriberID string, target cell.Identity, op string) (*Subscription, error) {
	var state registryState
	err := rt.Invoke(ctx, registryIdentity(id), "subscribe", subscribeIn{
		Stream: id.String(),
		Record: SubscriberRecord{ID: subscriberID, Target: target.String(), Op: op},
	}, &state)
	if err != nil {
		return nil, err
	}
	var floor uint64
	for _, rec := range state.Subscribers {
		if rec.ID == subscriberID {
			floor = rec.LastDelivered
		}
	}

	return s.Subscribe(ctx, id, func(ctx context.Context, ev *Event) error {
		if ev.Seq <= floor {
			return nil
		}
		if err := rt.Invoke(ctx, target, op, ev, nil); err != nil {
			return err
		}
		floor = ev.Seq
		return rt.Invoke(ctx, registryIdentity(id), "advance", advanceIn{
			SubscriberID: subscriberID, Seq: ev.Seq,
		}, nil)
	})
}

// UnsubscribeCell removes the durable record; the caller also unsubscribes
// the live Subscription.
func (s *Substrate) UnsubscribeCell(ctx context.Context, rt *cell.Runtime, id ID, subscriberID string) error {
	return rt.Invoke(ctx, registryIdentity(id), "unsubscribe", unsubscribeIn{SubscriberID: subscriberID}, nil)
}
