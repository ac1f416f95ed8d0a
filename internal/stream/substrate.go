package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/titanworks/titan/internal/fault"
)

// Handler consumes one event. Returning an error triggers bounded in-place
// redelivery, which keeps per-stream ordering intact.
type Handler func(ctx context.Context, ev *Event) error

// Substrate routes publishes and subscriptions to named providers and
// enforces per-stream backpressure policy.
type Substrate struct {
	logger    *slog.Logger
	providers map[string]Provider
	policies  *xsync.Map[string, StreamPolicy]
	def       StreamPolicy
	seqs      *xsync.Map[string, *atomic.Uint64]

	deliveryRetries int
	retryDelay      time.Duration
}

func NewSubstrate(logger *slog.Logger, providers ...Provider) *Substrate {
	byName := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	return &Substrate{
		logger:          logger,
		providers:       byName,
		policies:        xsync.NewMap[string, StreamPolicy](),
		def:             DefaultPolicy(),
		seqs:            xsync.NewMap[string, *atomic.Uint64](),
		deliveryRetries: 5,
		retryDelay:      100 * time.Millisecond,
	}
}

// SetPolicy overrides the backpressure policy for one stream.
func (s *Substrate) SetPolicy(id ID, p StreamPolicy) {
	s.policies.Store(id.String(), p)
}

// SetDefaultPolicy overrides the policy applied to streams without their own.
func (s *Substrate) SetDefaultPolicy(p StreamPolicy) { s.def = p }

func (s *Substrate) policyFor(id ID) StreamPolicy {
	if p, ok := s.policies.Load(id.String()); ok {
		return p
	}
	return s.def
}

func (s *Substrate) provider(name string) (Provider, error) {
	p, ok := s.providers[name]
	if !ok {
		return nil, fault.New(fault.KindFatal, "unknown stream provider %q", name)
	}
	return p, nil
}

// Publish sends one event down the stream. Sequence numbers increase per
// stream from this publisher; ordering across publishers follows the
// provider's topic ordering.
func (s *Substrate) Publish(ctx context.Context, id ID, kind string, payload any) error {
	p, err := s.provider(id.Provider)
	if err != nil {
		return err
	}
	var raw json.RawMessage
	if payload != nil {
		raw, err = json.Marshal(payload)
		if err != nil {
			return fault.Wrap(fault.KindFatal, err, "encode %s event", kind)
		}
	}

	seq, _ := s.seqs.LoadOrStore(id.String(), &atomic.Uint64{})
	ev := Event{
		Stream:      id,
		Seq:         seq.Add(1),
		Kind:        kind,
		Payload:     raw,
		PublishedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fault.Wrap(fault.KindFatal, err, "encode event envelope")
	}

	msg := message.NewMessage(watermill.NewUUID(), data)
	msg.SetContext(ctx)
	msg.Metadata.Set("kind", kind)
	return p.Publish(id.Topic(), msg)
}

// Subscribe attaches a handler to the stream. Events are delivered one at a
// time in publish order; the stream's backpressure policy bounds how far the
// subscriber may fall behind.
func (s *Substrate) Subscribe(ctx context.Context, id ID, h Handler) (*Subscription, error) {
	p, err := s.provider(id.Provider)
	if err != nil {
		return nil, err
	}
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ch, err := p.Subscribe(subCtx, id.Topic())
	if err != nil {
		cancel()
		return nil, err
	}

	sub := &Subscription{
		id:      id,
		policy:  s.policyFor(id),
		cancel:  cancel,
		drained: make(chan struct{}),
	}
	sub.cond = sync.NewCond(&sub.mu)
	go sub.pump(ch)
	go sub.deliver(subCtx, s, h)
	return sub, nil
}

// Subscription is one handler's attachment to a stream.
type Subscription struct {
	id     ID
	policy StreamPolicy
	cancel context.CancelFunc

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*message.Message
	closed  bool
	drained chan struct{}
}

// pump moves provider messages into the bounded pending queue. Under the
// Block policy a full queue stops the pump, which transitively blocks the
// publisher through the provider's output buffer.
func (sub *Subscription) pump(ch <-chan *message.Message) {
	for msg := range ch {
		sub.mu.Lock()
		if sub.closed {
			sub.mu.Unlock()
			msg.Ack()
			continue
		}
		switch sub.policy.Policy {
		case DropOldest:
			if len(sub.queue) >= sub.policy.MaxPending {
				dropped := sub.queue[0]
				sub.queue = sub.queue[1:]
				dropped.Ack()
			}
		default: // Block
			for len(sub.queue) >= sub.policy.MaxPending && !sub.closed {
				sub.cond.Wait()
			}
			if sub.closed {
				sub.mu.Unlock()
				msg.Ack()
				continue
			}
		}
		sub.queue = append(sub.queue, msg)
		sub.cond.Broadcast()
		sub.mu.Unlock()
	}
	sub.mu.Lock()
	sub.closed = true
	sub.cond.Broadcast()
	sub.mu.Unlock()
}

func (sub *Subscription) next() (*message.Message, bool) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	for len(sub.queue) == 0 {
		if sub.closed {
			return nil, false
		}
		sub.cond.Wait()
	}
	msg := sub.queue[0]
	sub.queue = sub.queue[1:]
	sub.cond.Broadcast()
	return msg, true
}

// deliver runs the handler serially. A failing handler is retried in place
// with a bounded budget; exhausting it drops the event with a log line, the
// local equivalent of a poison queue.
func (sub *Subscription) deliver(ctx context.Context, s *Substrate, h Handler) {
	defer close(sub.drained)
	for {
		msg, ok := sub.next()
		if !ok {
			return
		}
		var ev Event
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			s.logger.Error("stream event corrupt", "stream", sub.id.String(), "msgId", msg.UUID, "err", err)
			msg.Ack()
			continue
		}

		var err error
		for attempt := 0; attempt <= s.deliveryRetries; attempt++ {
			if err = h(ctx, &ev); err == nil {
				break
			}
			select {
			case <-ctx.Done():
				msg.Nack()
				return
			case <-time.After(s.retryDelay):
			}
		}
		if err != nil {
			s.logger.Error("stream delivery abandoned",
				"stream", sub.id.String(), "seq", ev.Seq, "kind", ev.Kind, "err", err)
		}
		msg.Ack()
	}
}

// Unsubscribe detaches the handler and waits for the in-flight delivery to
// finish. Idempotent.
func (sub *Subscription) Unsubscribe() {
	sub.cancel()
	sub.mu.Lock()
	if !sub.closed {
		sub.closed = true
	}
	sub.cond.Broadcast()
	sub.mu.Unlock()
	<-sub.drained
}
