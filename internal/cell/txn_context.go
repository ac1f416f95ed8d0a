package cell

import (
	"context"
)

// Txn is the runtime's view of an ambient transaction. The coordinator
// implementation lives in the txn package; the runtime only needs to stage
// mutations and resolve read-your-writes.
type Txn interface {
	// ID returns the transaction identifier.
	ID() string
	// Lock takes the exclusive (identity, slot) lock for the duration of the
	// transaction. Blocks up to the deadlock-avoidance timeout, then fails
	// with KindConflict.
	Lock(ctx context.Context, id Identity, slot string) error
	// StageWrite journals a tentative slot mutation. Nothing becomes visible
	// to other transactions until commit.
	StageWrite(ctx context.Context, id Identity, slot string, data []byte, codecTag string) error
	// StageClear journals a tentative slot removal.
	StageClear(ctx context.Context, id Identity, slot string) error
	// Staged returns the journaled bytes for a slot, supporting
	// read-your-writes inside the transaction. cleared reports a staged
	// removal.
	Staged(ctx context.Context, id Identity, slot string) (data []byte, cleared, ok bool, err error)
}

// TxnStarter begins transactions for CreateOrJoin operations invoked outside
// any ambient transaction. Implemented by the txn coordinator client.
type TxnStarter interface {
	Begin(ctx context.Context) (Txn, context.Context, error)
	// Resolve finishes a transaction this runtime started implicitly:
	// commit on nil opErr, abort otherwise.
	Resolve(ctx context.Context, tx Txn, opErr error) error
}

type txnCtxKey struct{}

// WithTxn attaches an ambient transaction to the context; it flows with the
// call chain across cells.
func WithTxn(ctx context.Context, tx Txn) context.Context {
	return context.WithValue(ctx, txnCtxKey{}, tx)
}

// TxnFrom extracts the ambient transaction, if any.
func TxnFrom(ctx context.Context) Txn {
	tx, _ := ctx.Value(txnCtxKey{}).(Txn)
	return tx
}

// suppressTxn hides the ambient transaction from a Suppress op's subtree.
func suppressTxn(ctx context.Context) context.Context {
	if TxnFrom(ctx) == nil {
		return ctx
	}
	return context.WithValue(ctx, txnCtxKey{}, nil)
}

// callChainKey carries the set of identities with calls in flight, used for
// reentrancy detection.
type callChainKey struct{}

func chainFrom(ctx context.Context) []Identity {
	chain, _ := ctx.Value(callChainKey{}).([]Identity)
	return chain
}

func chainContains(ctx context.Context, id Identity) bool {
	for _, c := range chainFrom(ctx) {
		if c == id {
			return true
		}
	}
	return false
}

// restoreChain installs a chain received over the wire, replacing whatever the
// serving request context carries.
func restoreChain(ctx context.Context, chain []Identity) context.Context {
	return context.WithValue(ctx, callChainKey{}, chain)
}

func withChain(ctx context.Context, id Identity) context.Context {
	prev := chainFrom(ctx)
	next := make([]Identity, len(prev)+1)
	copy(next, prev)
	next[len(prev)] = id
	return context.WithValue(ctx, callChainKey{}, next)
}
