package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Replay folds a settlement's ordered audit history back into the
// transaction state it produced. Rejected entries never mutated the record
// and are skipped; every mutating entry bumps the version, mirroring the
// store's write path. Recovery and tests rely on the fold reproducing the
// persisted record exactly.
func Replay(entries []AuditEntry) (*Transaction, error) {
	if len(entries) == 0 {
		return nil, errors.New("replay: empty audit history")
	}
	first := entries[0]
	if first.EventType != EventFiatDepositConfirmed {
		return nil, fmt.Errorf("replay: history begins with %s, not a settlement-creating event", first.EventType)
	}

	t := &Transaction{
		ID:           first.TransactionID,
		State:        StateCreated,
		ExternalRefs: make(map[Stage]string),
		CreatedAt:    first.CreatedAt,
		UpdatedAt:    first.CreatedAt,
	}

	for i, e := range entries {
		if e.SequenceNumber != int64(i+1) {
			return nil, fmt.Errorf("replay: sequence gap at entry %d (got %d)", i, e.SequenceNumber)
		}
		if e.TransactionID != t.ID {
			return nil, fmt.Errorf("replay: entry %d belongs to transaction %s", e.SequenceNumber, e.TransactionID)
		}

		switch e.Outcome {
		case OutcomeRejectedDuplicate, OutcomeRejectedInvalidTransition:
			continue
		case OutcomeApplied, OutcomeRejectedReconciliation:
		default:
			return nil, fmt.Errorf("replay: unknown outcome %q at sequence %d", e.Outcome, e.SequenceNumber)
		}

		var ev Event
		if err := json.Unmarshal(e.PayloadSnapshot, &ev); err != nil {
			return nil, fmt.Errorf("replay: snapshot at sequence %d: %w", e.SequenceNumber, err)
		}

		if ev.Type == EventFiatDepositConfirmed {
			t.ClientID = ev.ClientID
		}
		if ev.Type != EventOperatorResolve {
			t.RecordStage(ev)
		}

		switch {
		case e.Outcome == OutcomeRejectedReconciliation && ev.Type == EventFiatDepositConfirmed:
			t.AddFlag(FlagZARCreditMismatch)
		case e.Outcome == OutcomeRejectedReconciliation && ev.Type == EventDestinationDepositConfirmed:
			t.AddFlag(FlagUSDTReceiptMismatch)
		case ev.Type == EventWithdrawalStatusUpdate && ev.Withdrawal != nil && ev.Withdrawal.Status == WithdrawalStatusFailed:
			t.AddFlag(FlagWithdrawalFailed)
		}

		t.State = e.ToState
		t.UpdatedAt = e.CreatedAt
		t.Version++
	}

	return t, nil
}
