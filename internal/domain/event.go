package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Source identifies the counterparty stream an event arrived on. Together
// with the external event id it forms the idempotency key.
type Source string

const (
	SourceStitch         Source = "stitch"
	SourceVALRDeposit    Source = "valr-deposit"
	SourceVALRWithdrawal Source = "valr-withdrawal"
	SourceBybit          Source = "bybit"
)

// EventType is one of the notification kinds the state machine accepts.
type EventType string

const (
	EventFiatDepositConfirmed        EventType = "fiat-deposit-confirmed"
	EventConversionOrderRecorded     EventType = "conversion-order-recorded"
	EventWithdrawalStatusUpdate      EventType = "withdrawal-status-update"
	EventDestinationDepositConfirmed EventType = "destination-deposit-confirmed"

	// EventOperatorResolve is not a webhook kind. It records the explicit
	// operator action that moves a FLAGGED settlement to RESOLVED_MANUAL.
	EventOperatorResolve EventType = "operator-resolve"
)

// WithdrawalStatus is the status carried by a withdrawal-status-update.
type WithdrawalStatus string

const (
	WithdrawalStatusBroadcast WithdrawalStatus = "broadcast"
	WithdrawalStatusConfirmed WithdrawalStatus = "confirmed"
	WithdrawalStatusFailed    WithdrawalStatus = "failed"
)

// Event is the normalized form of one inbound notification after signature
// and shape validation. Exactly one payload field is set, matching Type.
// The whole envelope is persisted as the audit entry's payload snapshot, so
// it must round-trip through JSON losslessly.
type Event struct {
	Type       EventType `json:"type"`
	Source     Source    `json:"source"`
	ExternalID string    `json:"external_id"`
	// ClientID is required on the creating event and optional on later
	// events, where it narrows the in-flight fallback lookup.
	ClientID   string    `json:"client_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`

	Fiat        *FiatDepositPayload        `json:"fiat,omitempty"`
	Conversion  *ConversionOrderPayload    `json:"conversion,omitempty"`
	Withdrawal  *WithdrawalStatusPayload   `json:"withdrawal,omitempty"`
	Destination *DestinationDepositPayload `json:"destination,omitempty"`
	Resolution  *ResolutionPayload         `json:"resolution,omitempty"`
}

// FiatDepositPayload carries both the instructed amount and the amount the
// bank actually credited; the two are reconciled on application.
type FiatDepositPayload struct {
	DepositID      string          `json:"deposit_id"`
	AmountZAR      decimal.Decimal `json:"amount_zar"`
	AmountCredited decimal.Decimal `json:"amount_credited"`
}

type ConversionOrderPayload struct {
	OrderID    string          `json:"order_id"`
	AmountUSDT decimal.Decimal `json:"amount_usdt"`
	Rate       decimal.Decimal `json:"rate"`
}

type WithdrawalStatusPayload struct {
	WithdrawalID string           `json:"withdrawal_id"`
	ChainTxRef   string           `json:"chain_tx_ref"`
	Status       WithdrawalStatus `json:"status"`
	AmountUSDT   decimal.Decimal  `json:"amount_usdt"`
}

type DestinationDepositPayload struct {
	DepositID  string          `json:"deposit_id"`
	Asset      string          `json:"asset"`
	AmountUSDT decimal.Decimal `json:"amount_usdt"`
}

type ResolutionPayload struct {
	Operator string `json:"operator"`
	Note     string `json:"note"`
}

// sourceByType pairs each webhook kind with the counterparty that delivers
// it: Stitch confirms the fiat deposit, VALR's account-credit stream carries
// the executed conversion order, VALR's withdrawal stream reports broadcast
// status, and Bybit confirms the destination deposit.
var sourceByType = map[EventType]Source{
	EventFiatDepositConfirmed:        SourceStitch,
	EventConversionOrderRecorded:     SourceVALRDeposit,
	EventWithdrawalStatusUpdate:      SourceVALRWithdrawal,
	EventDestinationDepositConfirmed: SourceBybit,
}

// SourceFor returns the counterparty stream that delivers an event kind.
func SourceFor(t EventType) Source {
	return sourceByType[t]
}

// guardFrom is the transition table: each event kind applies from exactly
// one current state. Any other current state is an invalid transition.
var guardFrom = map[EventType]State{
	EventFiatDepositConfirmed:        StateCreated,
	EventConversionOrderRecorded:     StateZARDepositConfirmed,
	EventWithdrawalStatusUpdate:      StateConversionPlaced,
	EventDestinationDepositConfirmed: StateWithdrawalInitiated,
}

// targetState is the forward state an event advances to when its guard and
// reconciliation both pass.
var targetState = map[EventType]State{
	EventFiatDepositConfirmed:        StateZARDepositConfirmed,
	EventConversionOrderRecorded:     StateConversionPlaced,
	EventWithdrawalStatusUpdate:      StateWithdrawalInitiated,
	EventDestinationDepositConfirmed: StateDestinationConfirmed,
}

// GuardFrom returns the only state an event kind may apply from.
func GuardFrom(t EventType) (State, bool) {
	s, ok := guardFrom[t]
	return s, ok
}

// TargetState returns the state an event kind advances to on success.
func TargetState(t EventType) State {
	return targetState[t]
}

// StageRef returns the stage-specific counterparty identifier the event
// carries, used to look up the settlement it belongs to. The creating event
// has no lookup ref.
func (e Event) StageRef() (Stage, string) {
	switch e.Type {
	case EventConversionOrderRecorded:
		return StageConversionOrder, e.Conversion.OrderID
	case EventWithdrawalStatusUpdate:
		return StageUSDTWithdrawal, e.Withdrawal.WithdrawalID
	case EventDestinationDepositConfirmed:
		return StageDestinationDeposit, e.Destination.DepositID
	}
	return "", ""
}

// Validate checks the envelope invariants: a known type, the matching
// source, an external id, and exactly the payload the type requires.
func (e Event) Validate() error {
	if _, ok := guardFrom[e.Type]; !ok {
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, e.Type)
	}
	if e.Source != SourceFor(e.Type) {
		return fmt.Errorf("%w: event %s cannot arrive from source %q", ErrInvalidEvent, e.Type, e.Source)
	}
	if e.ExternalID == "" {
		return fmt.Errorf("%w: missing external event id", ErrInvalidEvent)
	}
	switch e.Type {
	case EventFiatDepositConfirmed:
		if e.Fiat == nil {
			return fmt.Errorf("%w: missing fiat payload", ErrInvalidEvent)
		}
		if e.ClientID == "" {
			return fmt.Errorf("%w: missing client id", ErrInvalidEvent)
		}
		if e.Fiat.DepositID == "" {
			return fmt.Errorf("%w: missing deposit id", ErrInvalidEvent)
		}
		if !e.Fiat.AmountZAR.IsPositive() || !e.Fiat.AmountCredited.IsPositive() {
			return fmt.Errorf("%w: ZAR amounts must be positive", ErrInvalidEvent)
		}
	case EventConversionOrderRecorded:
		if e.Conversion == nil {
			return fmt.Errorf("%w: missing conversion payload", ErrInvalidEvent)
		}
		if e.Conversion.OrderID == "" {
			return fmt.Errorf("%w: missing order id", ErrInvalidEvent)
		}
		if !e.Conversion.AmountUSDT.IsPositive() || !e.Conversion.Rate.IsPositive() {
			return fmt.Errorf("%w: USDT amount and rate must be positive", ErrInvalidEvent)
		}
	case EventWithdrawalStatusUpdate:
		if e.Withdrawal == nil {
			return fmt.Errorf("%w: missing withdrawal payload", ErrInvalidEvent)
		}
		if e.Withdrawal.WithdrawalID == "" {
			return fmt.Errorf("%w: missing withdrawal id", ErrInvalidEvent)
		}
		switch e.Withdrawal.Status {
		case WithdrawalStatusBroadcast, WithdrawalStatusConfirmed, WithdrawalStatusFailed:
		default:
			return fmt.Errorf("%w: unknown withdrawal status %q", ErrInvalidEvent, e.Withdrawal.Status)
		}
		if e.Withdrawal.Status == WithdrawalStatusBroadcast && !e.Withdrawal.AmountUSDT.IsPositive() {
			return fmt.Errorf("%w: broadcast requires a positive USDT amount", ErrInvalidEvent)
		}
	case EventDestinationDepositConfirmed:
		if e.Destination == nil {
			return fmt.Errorf("%w: missing destination payload", ErrInvalidEvent)
		}
		if e.Destination.DepositID == "" {
			return fmt.Errorf("%w: missing destination deposit id", ErrInvalidEvent)
		}
		if !e.Destination.AmountUSDT.IsPositive() {
			return fmt.Errorf("%w: USDT amount must be positive", ErrInvalidEvent)
		}
	}
	return nil
}
