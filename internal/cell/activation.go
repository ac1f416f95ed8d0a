package cell

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/titanworks/titan/internal/cluster"
	"github.com/titanworks/titan/internal/fault"
	"github.com/titanworks/titan/internal/storage"
)

type activationState int32

const (
	actActive activationState = iota
	actClosing
	actClosed
)

// errRecycle tells the invoke path the activation is gone and the call
// should be re-resolved through the directory.
var errRecycle = fault.New(fault.KindTransient, "activation recycled")

type invokeResult struct {
	data []byte
	err  error
}

// envelope is one queued operation. The mailbox serializes envelopes so the
// handler observes its state as if single-threaded.
type envelope struct {
	ctx     context.Context
	op      *OpSpec
	payload []byte
	reply   chan invokeResult
}

// activation is the in-memory presence of one cell on this silo. It owns the
// mailbox, the cached slot etags and the registered timers.
type activation struct {
	identity  Identity
	kind      *Kind
	handler   Handler
	rt        *Runtime
	placement cluster.Placement

	mailbox chan *envelope
	stop    chan struct{}
	drained chan struct{}

	state        atomic.Int32
	fenced       atomic.Bool
	lastActivity atomic.Int64
	pending      atomic.Int32

	mu     sync.Mutex
	etags  map[string]storage.ETag
	timers map[string]*cellTimer
}

type cellTimer struct {
	name    string
	op      string
	payload []byte
	period  time.Duration
	t       *time.Timer
	stopped bool
}

func newActivation(rt *Runtime, id Identity, kind *Kind, placement cluster.Placement) *activation {
	size := kind.MailboxSize
	if size <= 0 {
		size = rt.cfg.MailboxSize
	}
	a := &activation{
		identity:  id,
		kind:      kind,
		handler:   kind.New(),
		rt:        rt,
		placement: placement,
		mailbox:   make(chan *envelope, size),
		stop:      make(chan struct{}),
		drained:   make(chan struct{}),
		etags:     map[string]storage.ETag{},
		timers:    map[string]*cellTimer{},
	}
	a.touch()
	return a
}

func (a *activation) touch() {
	a.lastActivity.Store(time.Now().UnixNano())
}

func (a *activation) idleFor() time.Duration {
	return time.Since(time.Unix(0, a.lastActivity.Load()))
}

// activate runs the OnActivate hook before the loop accepts traffic.
func (a *activation) activate(ctx context.Context) error {
	if hook, ok := a.handler.(Activator); ok {
		rc := &Ctx{Context: ctx, rt: a.rt, act: a}
		if err := hook.OnActivate(rc); err != nil {
			return fault.Wrap(fault.KindTransient, err, "activate %s", a.identity)
		}
	}
	go a.loop()
	return nil
}

// enqueue submits an envelope for serialized execution. A closing activation
// rejects new work so callers re-resolve placement.
func (a *activation) enqueue(env *envelope) error {
	if activationState(a.state.Load()) != actActive {
		return errRecycle
	}
	a.pending.Add(1)
	a.touch()
	select {
	case a.mailbox <- env:
		return nil
	case <-env.ctx.Done():
		a.pending.Add(-1)
		return fault.Wrap(fault.KindTimeout, env.ctx.Err(), "mailbox enqueue %s", a.identity)
	case <-a.stop:
		a.pending.Add(-1)
		return errRecycle
	}
}

func (a *activation) loop() {
	for {
		select {
		case <-a.stop:
			a.finish()
			return
		case env := <-a.mailbox:
			a.execute(env)
			a.pending.Add(-1)
			a.touch()
		}
	}
}

// finish drains already-accepted envelopes, runs OnDeactivate and cancels
// timers. New envelopes were already rejected by the state flip.
func (a *activation) finish() {
	for {
		select {
		case env := <-a.mailbox:
			a.execute(env)
			a.pending.Add(-1)
		default:
			a.cancelAllTimers()
			if hook, ok := a.handler.(Deactivator); ok {
				rc := &Ctx{Context: context.Background(), rt: a.rt, act: a}
				if err := hook.OnDeactivate(rc); err != nil {
					a.rt.logger.Warn("deactivate hook failed",
						"identity", a.identity.String(), "err", err)
				}
			}
			a.state.Store(int32(actClosed))
			close(a.drained)
			return
		}
	}
}

// execute runs one envelope with panic isolation: a panicking handler fails
// the call as Fatal without taking the silo down (teacher's consumer-side
// recovery pattern).
func (a *activation) execute(env *envelope) {
	defer func() {
		if r := recover(); r != nil {
			a.rt.logger.Error("cell panic",
				"identity", a.identity.String(),
				"op", env.op.Name,
				"err", r,
				"stack", string(debug.Stack()),
			)
			env.reply <- invokeResult{err: fault.New(fault.KindFatal, "panic in %s.%s: %v", a.identity.Kind, env.op.Name, r)}
		}
	}()

	if err := env.ctx.Err(); err != nil {
		// Caller already gave up; completing the work would be wasted, and
		// the caller's view is a Timeout either way.
		env.reply <- invokeResult{err: fault.Wrap(fault.KindTimeout, err, "abandoned before execution")}
		return
	}

	rc := &Ctx{Context: env.ctx, rt: a.rt, act: a, op: env.op}
	data, err := env.op.invoke(rc, a.handler, env.payload)
	env.reply <- invokeResult{data: data, err: err}
}

// beginClose flips the activation to closing; returns false when another
// goroutine already did.
func (a *activation) beginClose() bool {
	return a.state.CompareAndSwap(int32(actActive), int32(actClosing))
}

// shutdown stops the loop and waits for the drain to finish.
func (a *activation) shutdown(ctx context.Context) {
	close(a.stop)
	select {
	case <-a.drained:
	case <-ctx.Done():
	}
}

func (a *activation) setTimer(name, op string, payload []byte, delay, period time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if old, ok := a.timers[name]; ok {
		old.stopped = true
		old.t.Stop()
	}
	ct := &cellTimer{name: name, op: op, payload: payload, period: period}
	ct.t = time.AfterFunc(delay, func() { a.fireTimer(ct) })
	a.timers[name] = ct
}

func (a *activation) cancelTimer(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ct, ok := a.timers[name]; ok {
		ct.stopped = true
		ct.t.Stop()
		delete(a.timers, name)
	}
}

func (a *activation) cancelAllTimers() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ct := range a.timers {
		ct.stopped = true
		ct.t.Stop()
	}
	a.timers = map[string]*cellTimer{}
}

// fireTimer dispatches a tick through the mailbox exactly like an external
// call, so timer callbacks are serialized with user operations.
func (a *activation) fireTimer(ct *cellTimer) {
	a.mu.Lock()
	stopped := ct.stopped
	a.mu.Unlock()
	if stopped {
		return
	}

	op, err := a.kind.Op(ct.op)
	if err != nil {
		a.rt.logger.Error("timer references unknown op",
			"identity", a.identity.String(), "timer", ct.name, "op", ct.op)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.rt.cfg.CallTimeout)
	defer cancel()
	env := &envelope{ctx: ctx, op: op, payload: ct.payload, reply: make(chan invokeResult, 1)}
	if err := a.enqueue(env); err != nil {
		return
	}
	res := <-env.reply
	if res.err != nil {
		a.rt.logger.Warn("timer callback failed",
			"identity", a.identity.String(), "timer", ct.name, "err", res.err)
	}

	if ct.period > 0 {
		a.mu.Lock()
		if !ct.stopped {
			ct.t = time.AfterFunc(ct.period, func() { a.fireTimer(ct) })
		}
		a.mu.Unlock()
	}
}

func (a *activation) String() string {
	return fmt.Sprintf("%s@%s", a.identity, a.rt.membershipSelf())
}
