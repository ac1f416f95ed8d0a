package txn

import (
	"context"
	"time"

	"github.com/titanworks/titan/internal/cell"
	"github.com/titanworks/titan/internal/codec"
	"github.com/titanworks/titan/internal/fault"
	"github.com/titanworks/titan/internal/storage"
)

// Transaction records are plain text in the store so an operator can read
// them during incident triage.
const (
	recordKind = "TxRecord"

	// SlotTransactionStore is the reserved per-cell slot holding prepared
	// journals between prepare and apply. Cell kinds bind it with the text
	// codec when they take part in transactions.
	SlotTransactionStore = "TransactionStore"
)

type recordState string

const (
	statePreparing recordState = "preparing"
	stateCommitted recordState = "committed"
	stateAborted   recordState = "aborted"
)

// txnRecord is the coordinator's durable decision record, keyed by the
// transaction ID. Its absence means presumed abort.
type txnRecord struct {
	ID           string      `json:"id"`
	State        recordState `json:"state"`
	Participants []string    `json:"participants"`
	Deadline     time.Time   `json:"deadline"`
}

// preparedRecord sits in a participant's TransactionStore slot between
// prepare and apply. Exactly one transaction may be prepared on a cell at a
// time.
type preparedRecord struct {
	TxID string         `json:"txId"`
	Ops  []journalEntry `json:"ops"`
}

func (m *Manager) readRecord(ctx context.Context, txID string) (*txnRecord, storage.ETag, error) {
	rec, err := m.backend.Read(ctx, recordKind, txID, SlotTransactionStore)
	if fault.Is(err, fault.KindNotFound) {
		return nil, storage.NoETag, nil
	}
	if err != nil {
		return nil, storage.NoETag, err
	}
	var r txnRecord
	if err := codec.Text.Unmarshal(rec.Data, &r); err != nil {
		return nil, storage.NoETag, fault.Wrap(fault.KindFatal, err, "transaction record %s corrupt", txID)
	}
	return &r, rec.ETag, nil
}

func (m *Manager) writeRecord(ctx context.Context, r txnRecord, expected storage.ETag) (storage.ETag, error) {
	data, err := codec.Text.Marshal(r)
	if err != nil {
		return storage.NoETag, fault.Wrap(fault.KindFatal, err, "encode transaction record")
	}
	return m.backend.Write(ctx, recordKind, r.ID, SlotTransactionStore, data, codec.Text.Tag(), expected)
}

// commit runs both phases. Once the decision record flips to committed the
// transaction is decided; apply failures after that point are finished by
// participant recovery, not rolled back.
func (m *Manager) commit(ctx context.Context, h *handle) error {
	entries, err := h.entries(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		m.cleanup(ctx, h.id)
		return nil
	}
	if time.Now().After(h.deadline) {
		if err := m.abort(ctx, h); err != nil {
			return err
		}
		return fault.New(fault.KindTimeout, "transaction %s past its deadline", h.id)
	}

	byParticipant := map[string][]journalEntry{}
	var participants []string
	for _, e := range entries {
		if _, seen := byParticipant[e.Identity]; !seen {
			participants = append(participants, e.Identity)
		}
		byParticipant[e.Identity] = append(byParticipant[e.Identity], e)
	}

	recordETag, err := m.writeRecord(ctx, txnRecord{
		ID:           h.id,
		State:        statePreparing,
		Participants: participants,
		Deadline:     h.deadline,
	}, storage.NoETag)
	if err != nil {
		m.cleanup(ctx, h.id)
		return fault.Wrap(fault.KindTransient, err, "persist prepare of %s", h.id)
	}

	// Phase one: each participant durably holds its share of the journal.
	// A cell with another transaction already prepared forces an abort.
	prepared := map[string]storage.ETag{}
	for _, identity := range participants {
		etag, err := m.prepareParticipant(ctx, h.id, identity, byParticipant[identity])
		if err != nil {
			m.rollbackPrepare(ctx, h, recordETag, prepared)
			if fault.Is(err, fault.KindConflict) {
				return fault.Wrap(fault.KindConflict, err, "transaction %s lost prepare race", h.id)
			}
			return err
		}
		prepared[identity] = etag
	}

	// Phase two: the commit point.
	_, err = m.writeRecord(ctx, txnRecord{
		ID:           h.id,
		State:        stateCommitted,
		Participants: participants,
		Deadline:     h.deadline,
	}, recordETag)
	if err != nil {
		m.rollbackPrepare(ctx, h, recordETag, prepared)
		return fault.Wrap(fault.KindTransient, err, "persist commit of %s", h.id)
	}

	for _, identity := range participants {
		if err := m.applyParticipant(ctx, byParticipant[identity], prepared[identity], identity); err != nil {
			// Committed but not fully applied: recovery finishes the job when
			// the participant next activates.
			m.logger.Warn("commit apply deferred to recovery",
				"txId", h.id, "identity", identity, "err", err)
		}
	}
	m.cleanup(ctx, h.id)
	m.logger.Debug("transaction committed", "txId", h.id, "participants", len(participants))
	return nil
}

func (m *Manager) prepareParticipant(ctx context.Context, txID, identity string, ops []journalEntry) (storage.ETag, error) {
	id, err := cell.ParseIdentity(identity)
	if err != nil {
		return storage.NoETag, err
	}
	data, err := codec.Text.Marshal(preparedRecord{TxID: txID, Ops: ops})
	if err != nil {
		return storage.NoETag, fault.Wrap(fault.KindFatal, err, "encode prepared record")
	}
	return m.backend.Write(ctx, id.Kind, id.Key.String(), SlotTransactionStore, data, codec.Text.Tag(), storage.NoETag)
}

// rollbackPrepare unwinds a failed first phase: record flips to aborted and
// any prepared journals written so far are removed.
func (m *Manager) rollbackPrepare(ctx context.Context, h *handle, recordETag storage.ETag, prepared map[string]storage.ETag) {
	for identity, etag := range prepared {
		if id, err := cell.ParseIdentity(identity); err == nil {
			_ = m.backend.Clear(ctx, id.Kind, id.Key.String(), SlotTransactionStore, etag)
		}
	}
	if _, err := m.writeRecord(ctx, txnRecord{ID: h.id, State: stateAborted, Deadline: h.deadline}, recordETag); err != nil {
		m.logger.Warn("abort record write failed", "txId", h.id, "err", err)
	}
	m.cleanup(ctx, h.id)
}

// applyParticipant moves prepared mutations into their primary slots and
// drops the prepared journal.
func (m *Manager) applyParticipant(ctx context.Context, ops []journalEntry, preparedETag storage.ETag, identity string) error {
	for _, e := range ops {
		if err := m.applyEntry(ctx, e); err != nil {
			return err
		}
	}
	id, err := cell.ParseIdentity(identity)
	if err != nil {
		return err
	}
	return m.backend.Clear(ctx, id.Kind, id.Key.String(), SlotTransactionStore, preparedETag)
}

// applyEntry installs one journaled mutation, idempotently: re-applying after
// a partial crash converges on the same state.
func (m *Manager) applyEntry(ctx context.Context, e journalEntry) error {
	id, err := cell.ParseIdentity(e.Identity)
	if err != nil {
		return err
	}
	kind, key := id.Kind, id.Key.String()

	current, err := m.backend.Read(ctx, kind, key, e.Slot)
	expected := storage.NoETag
	switch {
	case err == nil:
		expected = current.ETag
	case fault.Is(err, fault.KindNotFound):
	default:
		return err
	}

	if e.Clear {
		if expected == storage.NoETag {
			return nil
		}
		return m.backend.Clear(ctx, kind, key, e.Slot, expected)
	}
	_, err = m.backend.Write(ctx, kind, key, e.Slot, e.Data, e.CodecTag, expected)
	return err
}

// abort discards the transaction. Nothing durable exists before prepare, so
// an abort here is purely a KV cleanup (presumed abort).
func (m *Manager) abort(ctx context.Context, h *handle) error {
	m.cleanup(ctx, h.id)
	m.logger.Debug("transaction aborted", "txId", h.id)
	return nil
}

// RecoverParticipant settles a prepared journal left on a cell by a crashed
// coordinator. Call it when activating a kind that takes part in
// transactions, before serving any operation.
//
// The coordinator's decision record resolves the outcome: committed journals
// are applied, aborted or absent ones discarded. A still-preparing record
// past its deadline is flipped to aborted first; within the deadline the
// outcome is genuinely undecided and the caller must retry.
func (m *Manager) RecoverParticipant(ctx context.Context, id cell.Identity) error {
	rec, err := m.backend.Read(ctx, id.Kind, id.Key.String(), SlotTransactionStore)
	if fault.Is(err, fault.KindNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var prep preparedRecord
	if err := codec.Text.Unmarshal(rec.Data, &prep); err != nil {
		return fault.Wrap(fault.KindFatal, err, "prepared record corrupt on %s", id)
	}

	decision, decisionETag, err := m.readRecord(ctx, prep.TxID)
	if err != nil {
		return err
	}
	switch {
	case decision == nil || decision.State == stateAborted:
		return m.backend.Clear(ctx, id.Kind, id.Key.String(), SlotTransactionStore, rec.ETag)
	case decision.State == stateCommitted:
		m.logger.Info("recovering committed transaction", "txId", prep.TxID, "identity", id.String())
		return m.applyParticipant(ctx, prep.Ops, rec.ETag, id.String())
	case time.Now().After(decision.Deadline):
		if _, err := m.writeRecord(ctx, txnRecord{
			ID:           decision.ID,
			State:        stateAborted,
			Participants: decision.Participants,
			Deadline:     decision.Deadline,
		}, decisionETag); err != nil {
			return err
		}
		return m.backend.Clear(ctx, id.Kind, id.Key.String(), SlotTransactionStore, rec.ETag)
	default:
		return fault.New(fault.KindTransient, "transaction %s still preparing, outcome pending", prep.TxID)
	}
}
