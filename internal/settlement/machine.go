// Package settlement implements the settlement state machine. It merges the
// unordered, at-least-once webhook streams from Stitch, VALR and Bybit into
// one consistent, audited transaction record, enforcing exactly-once
// progression between stages and tolerance-bounded reconciliation across
// currency boundaries.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/netzer/settleops/internal/domain"
	"github.com/netzer/settleops/internal/recon"
	"github.com/netzer/settleops/internal/store"
)

// applyRetries bounds how often a lost optimistic write is retried from a
// fresh read before the error is surfaced to the caller.
const applyRetries = 3

// Service applies external events to settlements. All mutation of one
// settlement happens inside a single store transaction: the idempotency
// record, the state transition, the audit entry and the outbound action for
// the next stage commit together or not at all.
type Service struct {
	store  store.Store
	policy recon.Policy
	logger *log.Logger
}

func New(st store.Store, policy recon.Policy, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Service{store: st, policy: policy, logger: logger}
}

// ApplyEvent validates ev and applies it to the settlement it belongs to.
// Business rejections (duplicate, invalid transition, reconciliation
// mismatch) are reported through the Result outcome, not the error: they
// were processed and audited. The error path is reserved for events that
// could not be processed at all: shape validation, lookup failures, and
// storage unavailability, which the caller retries later.
func (s *Service) ApplyEvent(ctx context.Context, ev domain.Event) (*domain.Result, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	var (
		res *domain.Result
		err error
	)
	for attempt := 0; attempt < applyRetries; attempt++ {
		res, err = s.applyOnce(ctx, ev)
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrDuplicateKey) {
			// Lost a race; retry from a fresh read.
			continue
		}
		return res, err
	}
	return res, err
}

func (s *Service) applyOnce(ctx context.Context, ev domain.Event) (*domain.Result, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// The idempotency check precedes the transition guard.
	prior, err := tx.GetIdempotency(ctx, ev.Source, ev.ExternalID)
	if err == nil {
		return s.recordDuplicate(ctx, tx, ev, prior)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}

	if ev.Type == domain.EventFiatDepositConfirmed {
		t := &domain.Transaction{
			ID:           uuid.New(),
			ClientID:     ev.ClientID,
			State:        domain.StateCreated,
			ExternalRefs: make(map[domain.Stage]string),
			Version:      1,
		}
		return s.applyTransition(ctx, tx, t, ev, true)
	}

	id, err := s.locate(ctx, tx, ev)
	if err != nil {
		s.logger.Printf("event %s/%s could not be associated: %v", ev.Source, ev.ExternalID, err)
		return nil, err
	}
	t, err := tx.GetSettlementForUpdate(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load settlement %s: %w", id, err)
	}
	return s.applyTransition(ctx, tx, t, ev, false)
}

// locate associates a non-initial event with a settlement: first by the
// stage-specific identifier already recorded in external_refs, then by the
// only compatible in-flight settlement for the client. Zero or multiple
// candidates fail closed; the event is never matched by best guess.
func (s *Service) locate(ctx context.Context, tx store.Tx, ev domain.Event) (uuid.UUID, error) {
	if stage, ref := ev.StageRef(); ref != "" {
		id, err := tx.FindByExternalRef(ctx, stage, ref)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return uuid.Nil, fmt.Errorf("ref lookup: %w", err)
		}
	}
	ids, err := tx.FindInFlight(ctx, ev.ClientID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("in-flight lookup: %w", err)
	}
	switch len(ids) {
	case 0:
		return uuid.Nil, domain.ErrLookupNotFound
	case 1:
		return ids[0], nil
	default:
		return uuid.Nil, domain.ErrLookupAmbiguous
	}
}

func (s *Service) applyTransition(ctx context.Context, tx store.Tx, t *domain.Transaction, ev domain.Event, isNew bool) (*domain.Result, error) {
	now := time.Now().UTC()
	from := t.State

	guard, _ := domain.GuardFrom(ev.Type)
	// Only a broadcast status advances a withdrawal; a confirmation arriving
	// early is rejected like any other out-of-order event.
	earlyConfirm := ev.Type == domain.EventWithdrawalStatusUpdate &&
		ev.Withdrawal.Status == domain.WithdrawalStatusConfirmed
	if from != guard || earlyConfirm {
		if !isNew {
			// A concurrent delivery of the same event may commit between
			// the unlocked idempotency check and the row lock, advancing
			// the state we just read. Re-check under the lock so the loser
			// reports a duplicate, not an invalid transition.
			prior, err := tx.GetIdempotency(ctx, ev.Source, ev.ExternalID)
			if err == nil {
				return s.rejectDuplicate(ctx, tx, ev, prior, t)
			}
			if !errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("idempotency recheck: %w", err)
			}
		}
		// Rejected events are audited but not recorded in the idempotency
		// ledger: a redelivery may legitimately apply once the settlement
		// reaches the guarded state.
		if err := s.audit(ctx, tx, t.ID, ev, from, from, domain.OutcomeRejectedInvalidTransition, now); err != nil {
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit: %w", err)
		}
		return &domain.Result{
			TransactionID: t.ID,
			Outcome:       domain.OutcomeRejectedInvalidTransition,
			FromState:     from,
			ToState:       from,
		}, nil
	}

	t.RecordStage(ev)

	outcome := domain.OutcomeApplied
	to := domain.TargetState(ev.Type)

	switch ev.Type {
	case domain.EventFiatDepositConfirmed:
		if !recon.Within(t.AmountZARRequested, t.AmountZARCredited, s.policy.ZARCreditBps) {
			outcome = domain.OutcomeRejectedReconciliation
			to = domain.StateFlagged
			t.AddFlag(domain.FlagZARCreditMismatch)
		}
	case domain.EventWithdrawalStatusUpdate:
		if ev.Withdrawal.Status == domain.WithdrawalStatusFailed {
			to = domain.StateFlagged
			t.AddFlag(domain.FlagWithdrawalFailed)
		}
	case domain.EventDestinationDepositConfirmed:
		if !recon.Within(t.AmountUSDTWithdrawn, t.AmountUSDTReceived, s.policy.USDTReceiptBps) {
			outcome = domain.OutcomeRejectedReconciliation
			to = domain.StateFlagged
			t.AddFlag(domain.FlagUSDTReceiptMismatch)
		}
	}

	t.State = to
	t.UpdatedAt = now
	if isNew {
		// The audit entry and the record share one timestamp so that
		// folding the history reproduces the record exactly.
		t.CreatedAt = now
	}

	if isNew {
		if err := tx.InsertSettlement(ctx, t); err != nil {
			return nil, err
		}
	} else {
		if err := tx.UpdateSettlement(ctx, t); err != nil {
			return nil, err
		}
	}

	if err := s.audit(ctx, tx, t.ID, ev, from, to, outcome, now); err != nil {
		return nil, err
	}

	// The event itself was processed either way; only the business outcome
	// is flagged. Record the idempotency key so a redelivery returns this
	// outcome without re-applying.
	rec := &domain.IdempotencyRecord{
		EventSource:     ev.Source,
		ExternalEventID: ev.ExternalID,
		TransactionID:   t.ID,
		Outcome:         outcome,
		FirstSeenAt:     now,
	}
	if err := tx.InsertIdempotency(ctx, rec); err != nil {
		return nil, err
	}

	if outcome == domain.OutcomeApplied && to != domain.StateFlagged {
		if err := s.enqueueNext(ctx, tx, t, to, now); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return &domain.Result{
		TransactionID: t.ID,
		Outcome:       outcome,
		FromState:     from,
		ToState:       to,
		Flags:         t.Flags,
	}, nil
}

// enqueueNext schedules the external action a forward transition requires.
// The action is enqueued in the same store transaction as the transition and
// dispatched after commit, keyed deterministically so at-least-once delivery
// is safe at the gateway boundary.
func (s *Service) enqueueNext(ctx context.Context, tx store.Tx, t *domain.Transaction, to domain.State, now time.Time) error {
	var a *domain.OutboundAction
	switch to {
	case domain.StateZARDepositConfirmed:
		a = &domain.OutboundAction{
			Kind:   domain.ActionPlaceConversionOrder,
			Params: domain.ActionParams{QuoteAmountZAR: t.AmountZARCredited},
		}
	case domain.StateConversionPlaced:
		a = &domain.OutboundAction{
			Kind:   domain.ActionInitiateWithdrawal,
			Params: domain.ActionParams{AmountUSDT: t.AmountUSDTOrdered},
		}
	default:
		return nil
	}
	a.Key = domain.ActionKeyFor(t.ID, a.Kind)
	a.TransactionID = t.ID
	a.Status = domain.ActionPending
	a.CreatedAt = now
	a.UpdatedAt = now
	return tx.EnqueueAction(ctx, a)
}

func (s *Service) recordDuplicate(ctx context.Context, tx store.Tx, ev domain.Event, prior *domain.IdempotencyRecord) (*domain.Result, error) {
	t, err := tx.GetSettlementForUpdate(ctx, prior.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("load settlement %s: %w", prior.TransactionID, err)
	}
	return s.rejectDuplicate(ctx, tx, ev, prior, t)
}

// rejectDuplicate audits a redelivery against the settlement it originally
// applied to. The caller already holds the row lock on t.
func (s *Service) rejectDuplicate(ctx context.Context, tx store.Tx, ev domain.Event, prior *domain.IdempotencyRecord, t *domain.Transaction) (*domain.Result, error) {
	now := time.Now().UTC()
	if err := s.audit(ctx, tx, t.ID, ev, t.State, t.State, domain.OutcomeRejectedDuplicate, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &domain.Result{
		TransactionID: t.ID,
		Outcome:       domain.OutcomeRejectedDuplicate,
		PriorOutcome:  prior.Outcome,
		FromState:     t.State,
		ToState:       t.State,
	}, nil
}

func (s *Service) audit(ctx context.Context, tx store.Tx, id uuid.UUID, ev domain.Event, from, to domain.State, outcome domain.Outcome, now time.Time) error {
	seq, err := tx.NextAuditSeq(ctx, id)
	if err != nil {
		return fmt.Errorf("audit sequence: %w", err)
	}
	snapshot, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("audit snapshot: %w", err)
	}
	entry := &domain.AuditEntry{
		ID:              uuid.New(),
		TransactionID:   id,
		SequenceNumber:  seq,
		EventType:       ev.Type,
		Source:          ev.Source,
		ExternalEventID: ev.ExternalID,
		FromState:       from,
		ToState:         to,
		Outcome:         outcome,
		PayloadSnapshot: snapshot,
		CreatedAt:       now,
	}
	if err := tx.AppendAudit(ctx, entry); err != nil {
		return fmt.Errorf("audit append: %w", err)
	}
	return nil
}

// Resolve moves a FLAGGED settlement to RESOLVED_MANUAL. It is the only way
// out of FLAGGED and is never reachable from a webhook.
func (s *Service) Resolve(ctx context.Context, id uuid.UUID, operator, note string) (*domain.Result, error) {
	if operator == "" {
		return nil, fmt.Errorf("%w: missing operator", domain.ErrInvalidEvent)
	}
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	t, err := tx.GetSettlementForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.State != domain.StateFlagged {
		return nil, domain.ErrNotFlagged
	}

	now := time.Now().UTC()
	from := t.State
	t.State = domain.StateResolvedManual
	t.UpdatedAt = now
	if err := tx.UpdateSettlement(ctx, t); err != nil {
		return nil, err
	}

	ev := domain.Event{
		Type:       domain.EventOperatorResolve,
		OccurredAt: now,
		Resolution: &domain.ResolutionPayload{Operator: operator, Note: note},
	}
	if err := s.audit(ctx, tx, t.ID, ev, from, t.State, domain.OutcomeApplied, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &domain.Result{
		TransactionID: t.ID,
		Outcome:       domain.OutcomeApplied,
		FromState:     from,
		ToState:       t.State,
		Flags:         t.Flags,
	}, nil
}
