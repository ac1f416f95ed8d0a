package cell

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/titanworks/titan/internal/cluster"
	"github.com/titanworks/titan/internal/fault"
)

// Transport moves invocations between silos. The caller has already resolved
// placement; the receiving silo re-validates it.
type Transport interface {
	Invoke(ctx context.Context, node cluster.NodeRecord, target Identity, op string, payload []byte) ([]byte, error)
}

// invokeRequest is the silo-to-silo wire envelope. Chain carries the caller's
// in-flight identities so reentrancy detection keeps working when a call hops
// silos and comes back.
type invokeRequest struct {
	Identity   string   `json:"identity"`
	Op         string   `json:"op"`
	Payload    []byte   `json:"payload,omitempty"`
	DeadlineMS int64    `json:"deadlineMs,omitempty"`
	TxID       string   `json:"txId,omitempty"`
	Chain      []string `json:"chain,omitempty"`
}

type invokeResponse struct {
	Result []byte           `json:"result,omitempty"`
	Error  *fault.WireError `json:"error,omitempty"`
}

// HTTPTransport carries invocations over the silo's internal HTTP endpoint.
type HTTPTransport struct {
	client *http.Client
}

func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

func (t *HTTPTransport) Invoke(ctx context.Context, node cluster.NodeRecord, target Identity, op string, payload []byte) ([]byte, error) {
	req := invokeRequest{
		Identity: target.String(),
		Op:       op,
		Payload:  payload,
	}
	if deadline, ok := ctx.Deadline(); ok {
		req.DeadlineMS = time.Until(deadline).Milliseconds()
	}
	if tx := TxnFrom(ctx); tx != nil {
		req.TxID = tx.ID()
	}
	for _, id := range chainFrom(ctx) {
		req.Chain = append(req.Chain, id.String())
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fault.Wrap(fault.KindFatal, err, "encode invoke envelope")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, node.Endpoint+"/internal/invoke", bytes.NewReader(body))
	if err != nil {
		return nil, fault.Wrap(fault.KindFatal, err, "build invoke request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fault.Wrap(fault.KindTimeout, ctx.Err(), "invoke %s on %s", target, node.ID)
		}
		// The hosting node may have died mid-call; the caller may retry.
		return nil, fault.Wrap(fault.KindTransient, err, "invoke %s on %s", target, node.ID)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, err, "read invoke response")
	}
	var out invokeResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fault.Wrap(fault.KindTransient, err, "decode invoke response")
	}
	if out.Error != nil {
		// The kind crosses the wire verbatim.
		return nil, out.Error.Decode()
	}
	return out.Result, nil
}

// TxnResolver rebinds a remote transaction ID to a local Txn handle; wired
// by the txn package so cross-silo calls keep their ambient transaction.
type TxnResolver interface {
	ResolveTxn(ctx context.Context, txID string) (Txn, error)
}

// InvokeHandler serves the silo side of the transport on
// POST /internal/invoke.
func InvokeHandler(rt *Runtime, resolver TxnResolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req invokeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeInvokeError(w, fault.Wrap(fault.KindInvalidInput, err, "decode invoke envelope"))
			return
		}
		target, err := ParseIdentity(req.Identity)
		if err != nil {
			writeInvokeError(w, err)
			return
		}

		ctx := r.Context()
		if req.DeadlineMS > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(req.DeadlineMS)*time.Millisecond)
			defer cancel()
		}
		if req.TxID != "" && resolver != nil {
			tx, err := resolver.ResolveTxn(ctx, req.TxID)
			if err != nil {
				writeInvokeError(w, err)
				return
			}
			ctx = WithTxn(ctx, tx)
		}
		if len(req.Chain) > 0 {
			chain := make([]Identity, 0, len(req.Chain))
			for _, raw := range req.Chain {
				id, err := ParseIdentity(raw)
				if err != nil {
					writeInvokeError(w, err)
					return
				}
				chain = append(chain, id)
			}
			ctx = restoreChain(ctx, chain)
		}

		result, err := rt.InvokeRaw(ctx, target, req.Op, req.Payload)
		if err != nil {
			writeInvokeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(invokeResponse{Result: result})
	}
}

func writeInvokeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	// Transport-level success; the fault kind rides in the envelope.
	_ = json.NewEncoder(w).Encode(invokeResponse{Error: fault.Encode(err)})
}

// MountTransport attaches the invoke endpoint to the silo's internal router.
func MountTransport(r chi.Router, rt *Runtime, resolver TxnResolver) {
	r.Post("/internal/invoke", InvokeHandler(rt, resolver))
}

// LoopbackTransport routes invocations between in-process runtimes, used by
// multi-silo tests.
type LoopbackTransport struct {
	runtimes map[cluster.NodeID]*Runtime
}

func NewLoopbackTransport() *LoopbackTransport {
	return &LoopbackTransport{runtimes: map[cluster.NodeID]*Runtime{}}
}

func (t *LoopbackTransport) Register(id cluster.NodeID, rt *Runtime) {
	t.runtimes[id] = rt
}

func (t *LoopbackTransport) Invoke(ctx context.Context, node cluster.NodeRecord, target Identity, op string, payload []byte) ([]byte, error) {
	rt, ok := t.runtimes[node.ID]
	if !ok {
		return nil, fault.New(fault.KindTransient, "node %s unreachable", node.ID)
	}
	return rt.InvokeRaw(ctx, target, op, payload)
}
