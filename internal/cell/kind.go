package cell

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/titanworks/titan/internal/codec"
	"github.com/titanworks/titan/internal/fault"
)

// Intent declares how an operation relates to an ambient transaction.
type Intent int8

const (
	// NotTransactional runs outside any transaction; state writes persist
	// immediately.
	NotTransactional Intent = iota
	// CreateOrJoin joins the caller's transaction or starts a new one.
	CreateOrJoin
	// Join requires an ambient transaction and fails without one.
	Join
	// Suppress runs outside the caller's transaction even when one exists.
	Suppress
)

// Handler is the application-defined cell behind an activation. Optional
// lifecycle hooks are discovered by interface assertion.
type Handler any

// Activator runs before the first invocation; failure aborts the activation
// and the runtime retries placement (bounded).
type Activator interface {
	OnActivate(rc *Ctx) error
}

// Deactivator runs after the last invocation on passivation or orderly
// shutdown. It must be idempotent.
type Deactivator interface {
	OnDeactivate(rc *Ctx) error
}

// OpSpec describes one typed operation of a kind.
type OpSpec struct {
	Name   string
	Intent Intent
	// Interleavable ops may re-enter an identity that already has a call in
	// flight on the current call chain; all other nested self-calls fail.
	Interleavable bool

	invoke func(rc *Ctx, target Handler, payload []byte) ([]byte, error)
}

// Kind is the registration record for one cell kind: factory, slot codec
// bindings and the operation table.
type Kind struct {
	Name string
	// New builds a fresh handler for each activation.
	New func() Handler
	// Slots binds each named state slot to its persistence codec.
	Slots map[string]codec.Codec
	// IdleTimeout overrides the runtime default passivation interval.
	IdleTimeout time.Duration
	// StatelessWorkers > 0 allows that many co-located replicas of the same
	// identity for read fan-out. Stateless-worker cells must not rely on
	// state across calls.
	StatelessWorkers int
	// MailboxSize overrides the runtime default mailbox capacity.
	MailboxSize int

	ops map[string]*OpSpec
}

// NewKind starts a kind registration.
func NewKind(name string, factory func() Handler) *Kind {
	return &Kind{
		Name:  name,
		New:   factory,
		Slots: map[string]codec.Codec{},
		ops:   map[string]*OpSpec{},
	}
}

// BindSlot declares a state slot and its codec.
func (k *Kind) BindSlot(slot string, c codec.Codec) *Kind {
	k.Slots[slot] = c
	return k
}

// Op looks up an operation by name.
func (k *Kind) Op(name string) (*OpSpec, error) {
	op, ok := k.ops[name]
	if !ok {
		return nil, fault.New(fault.KindNotFound, "kind %s has no operation %q", k.Name, name)
	}
	return op, nil
}

// OpOption tweaks an operation registration.
type OpOption func(*OpSpec)

// Interleavable marks the op safe to interleave with an in-flight call on
// the same identity.
func Interleavable() OpOption {
	return func(op *OpSpec) { op.Interleavable = true }
}

// Handle registers a typed operation on a kind. The wire payload is JSON on
// both sides; handlers see decoded values only.
func Handle[H Handler, In, Out any](k *Kind, name string, intent Intent, fn func(h H, rc *Ctx, in In) (Out, error), opts ...OpOption) {
	if _, dup := k.ops[name]; dup {
		panic(fmt.Sprintf("cell: kind %s operation %q registered twice", k.Name, name))
	}
	op := &OpSpec{
		Name:   name,
		Intent: intent,
		invoke: func(rc *Ctx, target Handler, payload []byte) ([]byte, error) {
			h, ok := target.(H)
			if !ok {
				return nil, fault.New(fault.KindFatal, "kind %s handler is %T, want %T", k.Name, target, h)
			}
			var in In
			if len(payload) > 0 {
				if err := json.Unmarshal(payload, &in); err != nil {
					return nil, fault.Wrap(fault.KindInvalidInput, err, "decode %s.%s input", k.Name, name)
				}
			}
			out, err := fn(h, rc, in)
			if err != nil {
				return nil, err
			}
			data, err := json.Marshal(out)
			if err != nil {
				return nil, fault.Wrap(fault.KindFatal, err, "encode %s.%s output", k.Name, name)
			}
			return data, nil
		},
	}
	for _, opt := range opts {
		opt(op)
	}
	k.ops[name] = op
}

// Registry holds all kinds known to a silo.
type Registry struct {
	kinds map[string]*Kind
}

func NewRegistry() *Registry {
	return &Registry{kinds: map[string]*Kind{}}
}

// Add registers a kind; duplicate names are a programming error.
func (r *Registry) Add(k *Kind) {
	if _, dup := r.kinds[k.Name]; dup {
		panic(fmt.Sprintf("cell: kind %q registered twice", k.Name))
	}
	r.kinds[k.Name] = k
}

// Lookup resolves a kind by name.
func (r *Registry) Lookup(name string) (*Kind, error) {
	k, ok := r.kinds[name]
	if !ok {
		return nil, fault.New(fault.KindNotFound, "unknown cell kind %q", name)
	}
	return k, nil
}
