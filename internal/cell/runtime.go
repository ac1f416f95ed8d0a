package cell

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/titanworks/titan/internal/cluster"
	"github.com/titanworks/titan/internal/fault"
	"github.com/titanworks/titan/internal/storage"
)

// Config tunes the runtime's scheduling and lifecycle behavior.
type Config struct {
	// MailboxSize is the default per-activation mailbox capacity.
	MailboxSize int
	// CallTimeout is the deadline ceiling applied when the caller carries none.
	CallTimeout time.Duration
	// IdleTimeout is the default passivation interval for kinds that do not
	// declare their own.
	IdleTimeout time.Duration
	// JanitorInterval is how often idle activations are collected.
	JanitorInterval time.Duration
	// RenewInterval is how often local activation leases are extended. Must
	// be comfortably below the directory lease TTL.
	RenewInterval time.Duration
	// ActivationRetries bounds re-resolution after placement races and
	// recycled activations.
	ActivationRetries int
}

func DefaultConfig() Config {
	return Config{
		MailboxSize:       256,
		CallTimeout:       30 * time.Second,
		IdleTimeout:       10 * time.Minute,
		JanitorInterval:   30 * time.Second,
		RenewInterval:     10 * time.Second,
		ActivationRetries: 5,
	}
}

// activationGroup holds the local replicas of one identity. Regular kinds
// keep exactly one; stateless-worker kinds may keep several for read
// fan-out.
type activationGroup struct {
	mu   sync.Mutex
	acts []*activation
	next int
}

// Runtime hosts activations on this silo and routes invocations, local or
// remote, with identical semantics.
type Runtime struct {
	cfg        Config
	registry   *Registry
	backend    storage.Backend
	directory  *cluster.Directory
	membership *cluster.Membership
	transport  Transport
	txnStarter TxnStarter
	logger     *slog.Logger

	activations *xsync.Map[string, *activationGroup]
	done        chan struct{}
	closeOnce   sync.Once
}

func NewRuntime(
	cfg Config,
	registry *Registry,
	backend storage.Backend,
	directory *cluster.Directory,
	membership *cluster.Membership,
	transport Transport,
	logger *slog.Logger,
) *Runtime {
	if cfg.MailboxSize <= 0 {
		cfg = DefaultConfig()
	}
	rt := &Runtime{
		cfg:         cfg,
		registry:    registry,
		backend:     backend,
		directory:   directory,
		membership:  membership,
		transport:   transport,
		logger:      logger,
		activations: xsync.NewMap[string, *activationGroup](),
		done:        make(chan struct{}),
	}
	return rt
}

// SetTxnStarter wires the transaction coordinator client after construction;
// the coordinator itself runs on cells, so the dependency is circular by
// nature.
func (r *Runtime) SetTxnStarter(s TxnStarter) { r.txnStarter = s }

// Backend exposes the storage layer to collaborators that persist outside an
// invocation (transaction recovery, stream bookkeeping).
func (r *Runtime) Backend() storage.Backend { return r.backend }

func (r *Runtime) membershipSelf() cluster.NodeID {
	if r.membership == nil {
		return "local"
	}
	return r.membership.Self()
}

// Start launches the janitor and lease-renewal loops.
func (r *Runtime) Start(context.Context) error {
	go r.janitorLoop()
	go r.renewLoop()
	return nil
}

// Stop passivates every local activation in an orderly fashion.
func (r *Runtime) Stop(ctx context.Context) error {
	r.closeOnce.Do(func() { close(r.done) })
	r.activations.Range(func(identity string, group *activationGroup) bool {
		group.mu.Lock()
		acts := append([]*activation(nil), group.acts...)
		group.mu.Unlock()
		for _, act := range acts {
			if act.beginClose() {
				act.shutdown(ctx)
				_ = r.directory.Release(ctx, identity, act.placement)
			}
		}
		r.activations.Delete(identity)
		return true
	})
	return nil
}

// Invoke calls op on the target cell with typed input and output. A nil out
// discards the result.
func (r *Runtime) Invoke(ctx context.Context, target Identity, op string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return fault.Wrap(fault.KindFatal, err, "encode %s.%s input", target.Kind, op)
		}
	}
	data, err := r.InvokeRaw(ctx, target, op, payload)
	if err != nil {
		return err
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fault.Wrap(fault.KindFatal, err, "decode %s.%s output", target.Kind, op)
		}
	}
	return nil
}

// InvokeRaw is the wire-level invocation path used by Invoke and by the
// silo-to-silo transport server.
func (r *Runtime) InvokeRaw(ctx context.Context, target Identity, opName string, payload []byte) ([]byte, error) {
	kind, err := r.registry.Lookup(target.Kind)
	if err != nil {
		return nil, err
	}
	op, err := kind.Op(opName)
	if err != nil {
		return nil, err
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.CallTimeout)
		defer cancel()
	}

	switch op.Intent {
	case Join:
		if TxnFrom(ctx) == nil {
			return nil, fault.New(fault.KindFatal, "%s.%s requires an ambient transaction", target.Kind, opName)
		}
	case Suppress:
		ctx = suppressTxn(ctx)
	case CreateOrJoin:
		if TxnFrom(ctx) == nil && r.txnStarter != nil {
			return r.invokeInNewTxn(ctx, target, op, payload)
		}
	}

	// Reentrancy: re-entering an identity already on the call chain must not
	// deadlock. Interleavable ops run inline on the worker holding the
	// activation, which preserves one-at-a-time execution; anything else is an
	// error. When the callback arrives on a silo that does not host the
	// activation, dispatch routes it to the one that does, where this check
	// runs again and interleaves locally.
	if chainContains(ctx, target) {
		if !op.Interleavable {
			return nil, fault.New(fault.KindFatal, "reentrant call into %s via %s", target, opName)
		}
		if r.localActivation(target, kind) != nil {
			return r.executeInline(ctx, target, op, payload)
		}
	}

	return r.dispatch(ctx, target, kind, op, payload)
}

func (r *Runtime) invokeInNewTxn(ctx context.Context, target Identity, op *OpSpec, payload []byte) ([]byte, error) {
	tx, txCtx, err := r.txnStarter.Begin(ctx)
	if err != nil {
		return nil, err
	}
	data, opErr := r.dispatchReentrantChecked(txCtx, target, op, payload)
	if resolveErr := r.txnStarter.Resolve(ctx, tx, opErr); resolveErr != nil {
		return nil, resolveErr
	}
	return data, opErr
}

func (r *Runtime) dispatchReentrantChecked(ctx context.Context, target Identity, op *OpSpec, payload []byte) ([]byte, error) {
	kind, _ := r.registry.Lookup(target.Kind)
	if chainContains(ctx, target) {
		if !op.Interleavable {
			return nil, fault.New(fault.KindFatal, "reentrant call into %s via %s", target, op.Name)
		}
		if r.localActivation(target, kind) != nil {
			return r.executeInline(ctx, target, op, payload)
		}
	}
	return r.dispatch(ctx, target, kind, op, payload)
}

// executeInline runs an interleavable op directly on the caller's worker.
func (r *Runtime) executeInline(ctx context.Context, target Identity, op *OpSpec, payload []byte) ([]byte, error) {
	group, ok := r.activations.Load(target.String())
	if !ok {
		return nil, fault.New(fault.KindFatal, "interleaved call into %s without local activation", target)
	}
	group.mu.Lock()
	if len(group.acts) == 0 {
		group.mu.Unlock()
		return nil, fault.New(fault.KindFatal, "interleaved call into %s without local activation", target)
	}
	act := group.acts[0]
	group.mu.Unlock()

	rc := &Ctx{Context: ctx, rt: r, act: act, op: op}
	return op.invoke(rc, act.handler, payload)
}

func (r *Runtime) dispatch(ctx context.Context, target Identity, kind *Kind, op *OpSpec, payload []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < r.cfg.ActivationRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fault.Wrap(fault.KindTimeout, err, "invoke %s.%s", target.Kind, op.Name)
		}

		// Local fast path: an existing activation implies we hold the lease.
		if act := r.localActivation(target, kind); act != nil {
			data, err := r.executeLocal(ctx, act, target, op, payload)
			if err == errRecycle {
				lastErr = err
				continue
			}
			return data, err
		}

		placement, err := r.directory.Locate(ctx, target.String())
		if err != nil {
			return nil, err
		}

		if placement.Node == r.membershipSelf() {
			act, err := r.activateLocal(ctx, target, kind, placement)
			if err != nil {
				lastErr = err
				if fault.Retryable(err) {
					continue
				}
				return nil, err
			}
			data, err := r.executeLocal(ctx, act, target, op, payload)
			if err == errRecycle {
				lastErr = err
				continue
			}
			return data, err
		}

		node, err := r.membership.Lookup(ctx, placement.Node)
		if err != nil {
			// Placement points at a vanished node; evict so the next pass
			// re-places.
			_ = r.directory.Evict(ctx, target.String())
			lastErr = err
			continue
		}
		data, err := r.transport.Invoke(ctx, node, target, op.Name, payload)
		if err != nil && fault.Is(err, fault.KindTransient) {
			lastErr = err
			continue
		}
		return data, err
	}
	return nil, fault.Wrap(fault.KindTransient, lastErr, "invoke %s.%s exhausted retries", target.Kind, op.Name)
}

func (r *Runtime) executeLocal(ctx context.Context, act *activation, target Identity, op *OpSpec, payload []byte) ([]byte, error) {
	env := &envelope{
		ctx:     withChain(ctx, target),
		op:      op,
		payload: payload,
		reply:   make(chan invokeResult, 1),
	}
	if err := act.enqueue(env); err != nil {
		return nil, err
	}
	select {
	case res := <-env.reply:
		return res.data, res.err
	case <-ctx.Done():
		// The callee completes normally; the caller's view is a timeout.
		return nil, fault.Wrap(fault.KindTimeout, ctx.Err(), "awaiting %s.%s", target.Kind, op.Name)
	}
}

// localActivation returns a live local activation for the identity,
// round-robining across stateless-worker replicas.
func (r *Runtime) localActivation(target Identity, kind *Kind) *activation {
	group, ok := r.activations.Load(target.String())
	if !ok {
		return nil
	}
	group.mu.Lock()
	defer group.mu.Unlock()
	for len(group.acts) > 0 {
		idx := group.next % len(group.acts)
		act := group.acts[idx]
		if activationState(act.state.Load()) == actActive {
			group.next++
			return act
		}
		group.acts = append(group.acts[:idx], group.acts[idx+1:]...)
	}
	return nil
}

func (r *Runtime) activateLocal(ctx context.Context, target Identity, kind *Kind, placement cluster.Placement) (*activation, error) {
	if r.membership != nil && r.membership.Suspended() {
		return nil, fault.New(fault.KindTransient, "silo suspended, refusing activation of %s", target)
	}

	group, _ := r.activations.LoadOrStore(target.String(), &activationGroup{})
	group.mu.Lock()
	defer group.mu.Unlock()

	replicas := 1
	if kind.StatelessWorkers > 0 {
		replicas = kind.StatelessWorkers
	}
	for _, act := range group.acts {
		if activationState(act.state.Load()) == actActive && len(group.acts) >= replicas {
			return act, nil
		}
	}

	act := newActivation(r, target, kind, placement)
	if err := act.activate(ctx); err != nil {
		// Abort the activation and free the placement so the bounded retry
		// can land elsewhere.
		_ = r.directory.Evict(context.WithoutCancel(ctx), target.String())
		return nil, err
	}
	group.acts = append(group.acts, act)
	r.logger.Debug("cell activated", "identity", target.String(), "epoch", placement.Epoch)
	return act, nil
}

func (r *Runtime) kindIdleTimeout(kind *Kind) time.Duration {
	if kind.IdleTimeout > 0 {
		return kind.IdleTimeout
	}
	return r.cfg.IdleTimeout
}

// janitorLoop passivates activations idle past their kind's timeout
// (teacher's cell-eviction janitor, generalized to release directory
// leases).
func (r *Runtime) janitorLoop() {
	ticker := time.NewTicker(r.cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.collectIdle()
		}
	}
}

func (r *Runtime) collectIdle() {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.JanitorInterval)
	defer cancel()
	r.activations.Range(func(identity string, group *activationGroup) bool {
		group.mu.Lock()
		var keep []*activation
		var evict []*activation
		for _, act := range group.acts {
			idle := act.idleFor() > r.kindIdleTimeout(act.kind)
			if idle && act.pending.Load() == 0 && act.beginClose() {
				evict = append(evict, act)
			} else {
				keep = append(keep, act)
			}
		}
		group.acts = keep
		empty := len(keep) == 0
		group.mu.Unlock()

		for _, act := range evict {
			act.shutdown(ctx)
			_ = r.directory.Release(ctx, identity, act.placement)
			r.logger.Debug("cell passivated", "identity", identity)
		}
		if empty {
			r.activations.Delete(identity)
		}
		return true
	})
}

// renewLoop extends the directory lease of every local activation. A failed
// renewal fences the activation: state writes are refused and the activation
// is recycled so callers re-resolve.
func (r *Runtime) renewLoop() {
	ticker := time.NewTicker(r.cfg.RenewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.renewAll()
		}
	}
}

func (r *Runtime) renewAll() {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.RenewInterval)
	defer cancel()
	r.activations.Range(func(identity string, group *activationGroup) bool {
		group.mu.Lock()
		acts := append([]*activation(nil), group.acts...)
		group.mu.Unlock()
		if len(acts) == 0 {
			return true
		}
		// Replicas of one identity share a single lease.
		ok, err := r.directory.Renew(ctx, identity, acts[0].placement)
		if err != nil {
			r.logger.Warn("lease renew failed", "identity", identity, "err", err)
			return true
		}
		if !ok {
			for _, act := range acts {
				act.fenced.Store(true)
				if act.beginClose() {
					act.shutdown(ctx)
				}
			}
			r.activations.Delete(identity)
			r.logger.Warn("lease lost, activation fenced", "identity", identity)
		}
		return true
	})
}
