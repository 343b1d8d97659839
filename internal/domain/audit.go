package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Outcome classifies how the state machine disposed of one processed event.
type Outcome string

const (
	OutcomeApplied                   Outcome = "applied"
	OutcomeRejectedDuplicate         Outcome = "rejected-duplicate"
	OutcomeRejectedInvalidTransition Outcome = "rejected-invalid-transition"
	OutcomeRejectedReconciliation    Outcome = "rejected-reconciliation-mismatch"
)

// AuditEntry is the immutable record of one processed event, including
// rejections. Sequence numbers are strictly increasing per transaction and
// folding the full history reproduces the persisted Transaction exactly.
type AuditEntry struct {
	ID              uuid.UUID       `json:"id"`
	TransactionID   uuid.UUID       `json:"transaction_id"`
	SequenceNumber  int64           `json:"sequence_number"`
	EventType       EventType       `json:"event_type"`
	Source          Source          `json:"source,omitempty"`
	ExternalEventID string          `json:"external_event_id,omitempty"`
	FromState       State           `json:"from_state"`
	ToState         State           `json:"to_state"`
	Outcome         Outcome         `json:"outcome"`
	PayloadSnapshot json.RawMessage `json:"payload_snapshot"`
	CreatedAt       time.Time       `json:"created_at"`
}

// IdempotencyRecord marks an external event as applied. Records are never
// deleted; replay protection is permanent. A redelivery of the same
// (source, external id) pair returns the stored outcome without re-applying.
type IdempotencyRecord struct {
	EventSource     Source    `json:"event_source"`
	ExternalEventID string    `json:"external_event_id"`
	TransactionID   uuid.UUID `json:"transaction_id"`
	Outcome         Outcome   `json:"outcome"`
	FirstSeenAt     time.Time `json:"first_seen_at"`
}

// ActionKind names an outbound action the gateway can initiate.
type ActionKind string

const (
	ActionPlaceConversionOrder ActionKind = "place-conversion-order"
	ActionInitiateWithdrawal   ActionKind = "initiate-withdrawal"
)

// ActionStatus tracks an outbound action through the durable queue.
type ActionStatus string

const (
	ActionPending ActionStatus = "pending"
	ActionDone    ActionStatus = "done"
)

// ActionParams carries the amounts an outbound action needs. Only the field
// relevant to the action kind is set.
type ActionParams struct {
	QuoteAmountZAR decimal.Decimal `json:"quote_amount_zar"`
	AmountUSDT     decimal.Decimal `json:"amount_usdt"`
}

// OutboundAction is one entry in the durable outbound queue. It is enqueued
// in the same storage transaction as the state transition that requires it
// and dispatched afterwards, so a gateway failure never corrupts ledger
// state. Key is deterministic per (transaction, stage) and dedupes retries
// at the counterparty.
type OutboundAction struct {
	Key           string       `json:"key"`
	Kind          ActionKind   `json:"kind"`
	TransactionID uuid.UUID    `json:"transaction_id"`
	Params        ActionParams `json:"params"`
	Status        ActionStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

var actionKeySuffix = map[ActionKind]string{
	ActionPlaceConversionOrder: "conv",
	ActionInitiateWithdrawal:   "wd",
}

// ActionKeyFor derives the deterministic dedup key for a stage's outbound
// action. The key doubles as the customer order id on the counterparty side,
// so it stays within VALR's alphanumeric-and-dash constraint.
func ActionKeyFor(txID uuid.UUID, kind ActionKind) string {
	return txID.String() + "-" + actionKeySuffix[kind]
}

// Result reports how one event application was disposed of.
type Result struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	Outcome       Outcome   `json:"outcome"`
	// PriorOutcome is set on duplicates: the outcome of the first delivery.
	PriorOutcome Outcome `json:"prior_outcome,omitempty"`
	FromState    State   `json:"from_state"`
	ToState      State   `json:"to_state"`
	Flags        []Flag  `json:"flags,omitempty"`
}
