package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// State is the position of a settlement in its lifecycle. The happy path is
// linear; each state is reachable only from its predecessor.
type State string

const (
	StateCreated              State = "CREATED"
	StateZARDepositConfirmed  State = "ZAR_DEPOSIT_CONFIRMED"
	StateConversionPlaced     State = "CONVERSION_PLACED"
	StateWithdrawalInitiated  State = "WITHDRAWAL_INITIATED"
	StateDestinationConfirmed State = "DESTINATION_CONFIRMED"

	// StateFlagged is reachable from any non-terminal state on a
	// reconciliation failure or a failed withdrawal. Only an explicit
	// operator action moves a settlement out of it.
	StateFlagged        State = "FLAGGED"
	StateResolvedManual State = "RESOLVED_MANUAL"
)

// Terminal reports whether no event may mutate the settlement any further.
func (s State) Terminal() bool {
	return s == StateDestinationConfirmed || s == StateResolvedManual
}

// Valid reports whether s is one of the defined lifecycle states.
func (s State) Valid() bool {
	switch s {
	case StateCreated, StateZARDepositConfirmed, StateConversionPlaced,
		StateWithdrawalInitiated, StateDestinationConfirmed,
		StateFlagged, StateResolvedManual:
		return true
	}
	return false
}

// Stage names one of the four discrete steps of a settlement. Stage names
// key the external_refs map and the deterministic outbound action keys.
type Stage string

const (
	StageZARDeposit         Stage = "zar-deposit"
	StageConversionOrder    Stage = "conversion-order"
	StageUSDTWithdrawal     Stage = "usdt-withdrawal"
	StageDestinationDeposit Stage = "destination-deposit"
)

// Flag marks a settlement as needing operator review. Flags are never
// cleared automatically; corrections happen through manual resolution.
type Flag string

const (
	FlagZARCreditMismatch   Flag = "zar-credit-mismatch"
	FlagUSDTReceiptMismatch Flag = "usdt-receipt-mismatch"
	FlagWithdrawalFailed    Flag = "withdrawal-failed"
)

// Transaction is the aggregate root of one settlement: a single client's
// ZAR deposit converted to USDT and forwarded to the whitelisted destination
// exchange. Amount fields are write-once; each is set exactly once by the
// event that carries it and never mutated afterwards.
type Transaction struct {
	ID       uuid.UUID `json:"id"`
	ClientID string    `json:"client_id"`
	State    State     `json:"state"`

	AmountZARRequested  decimal.Decimal `json:"amount_zar_requested"`
	AmountZARCredited   decimal.Decimal `json:"amount_zar_credited"`
	AmountUSDTOrdered   decimal.Decimal `json:"amount_usdt_ordered"`
	AmountUSDTWithdrawn decimal.Decimal `json:"amount_usdt_withdrawn"`
	AmountUSDTReceived  decimal.Decimal `json:"amount_usdt_received"`
	ConversionRate      decimal.Decimal `json:"conversion_rate"`

	ExternalRefs map[Stage]string `json:"external_refs"`
	Flags        []Flag           `json:"flags"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SetRef records the counterparty identifier for a stage.
func (t *Transaction) SetRef(stage Stage, ref string) {
	if t.ExternalRefs == nil {
		t.ExternalRefs = make(map[Stage]string)
	}
	t.ExternalRefs[stage] = ref
}

// AddFlag appends f unless already present.
func (t *Transaction) AddFlag(f Flag) {
	if t.HasFlag(f) {
		return
	}
	t.Flags = append(t.Flags, f)
}

func (t *Transaction) HasFlag(f Flag) bool {
	for _, existing := range t.Flags {
		if existing == f {
			return true
		}
	}
	return false
}

// RecordStage writes the stage amounts and external reference carried by ev
// into the transaction. It only runs after the transition guard has admitted
// ev, which is what keeps each amount field write-once.
func (t *Transaction) RecordStage(ev Event) {
	switch ev.Type {
	case EventFiatDepositConfirmed:
		t.AmountZARRequested = ev.Fiat.AmountZAR
		t.AmountZARCredited = ev.Fiat.AmountCredited
		t.SetRef(StageZARDeposit, ev.Fiat.DepositID)
	case EventConversionOrderRecorded:
		t.AmountUSDTOrdered = ev.Conversion.AmountUSDT
		t.ConversionRate = ev.Conversion.Rate
		t.SetRef(StageConversionOrder, ev.Conversion.OrderID)
	case EventWithdrawalStatusUpdate:
		t.SetRef(StageUSDTWithdrawal, ev.Withdrawal.WithdrawalID)
		if ev.Withdrawal.Status == WithdrawalStatusBroadcast {
			t.AmountUSDTWithdrawn = ev.Withdrawal.AmountUSDT
		}
	case EventDestinationDepositConfirmed:
		t.AmountUSDTReceived = ev.Destination.AmountUSDT
		t.SetRef(StageDestinationDeposit, ev.Destination.DepositID)
	}
}

// Clone returns a deep copy. Decimal values are immutable and safe to share.
func (t *Transaction) Clone() *Transaction {
	c := *t
	c.ExternalRefs = make(map[Stage]string, len(t.ExternalRefs))
	for k, v := range t.ExternalRefs {
		c.ExternalRefs[k] = v
	}
	if t.Flags != nil {
		c.Flags = append([]Flag(nil), t.Flags...)
	}
	return &c
}
