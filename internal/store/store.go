// Package store is the durable repository behind the settlement state
// machine: one record per settlement, one append-only audit stream per
// settlement, one idempotency index keyed by (source, external event id),
// and a durable queue of outbound actions.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/netzer/settleops/internal/domain"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrConflict is a lost optimistic write; the caller retries the whole
	// operation from a fresh read.
	ErrConflict = errors.New("version conflict")
)

// Store provides read access plus transactional mutation scopes.
type Store interface {
	// Begin opens one atomic mutation scope. Per-settlement serialization is
	// the implementation's concern: a row lock in Postgres, a store lock in
	// the in-memory implementation.
	Begin(ctx context.Context) (Tx, error)

	GetSettlement(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	// ListSettlements filters by state and client id; either may be empty to
	// match all.
	ListSettlements(ctx context.Context, state domain.State, clientID string) ([]domain.Transaction, error)
	// AuditHistory returns a settlement's audit entries oldest first.
	AuditHistory(ctx context.Context, id uuid.UUID) ([]domain.AuditEntry, error)

	// PendingActions returns up to limit undispatched outbound actions,
	// oldest first.
	PendingActions(ctx context.Context, limit int) ([]domain.OutboundAction, error)
	MarkActionDone(ctx context.Context, key string) error
	MarkActionFailed(ctx context.Context, key string) error
}

// Tx is one atomic unit of settlement mutation. The idempotency record, the
// settlement row, the audit entries and any outbound action enqueued for the
// next stage commit together or not at all.
type Tx interface {
	GetIdempotency(ctx context.Context, source domain.Source, externalID string) (*domain.IdempotencyRecord, error)
	// InsertIdempotency returns ErrDuplicateKey when the (source, id) pair
	// is already recorded, including by a concurrent writer.
	InsertIdempotency(ctx context.Context, rec *domain.IdempotencyRecord) error

	// GetSettlementForUpdate loads a settlement and serializes all later
	// mutation of it until the Tx ends.
	GetSettlementForUpdate(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	FindByExternalRef(ctx context.Context, stage domain.Stage, ref string) (uuid.UUID, error)
	// FindInFlight returns ids of settlements that can still accept
	// webhook events (non-terminal and not FLAGGED), optionally narrowed
	// to one client, oldest first.
	FindInFlight(ctx context.Context, clientID string) ([]uuid.UUID, error)
	InsertSettlement(ctx context.Context, t *domain.Transaction) error
	// UpdateSettlement writes t and bumps its version; ErrConflict when the
	// stored version no longer matches t.Version.
	UpdateSettlement(ctx context.Context, t *domain.Transaction) error

	NextAuditSeq(ctx context.Context, id uuid.UUID) (int64, error)
	AppendAudit(ctx context.Context, e *domain.AuditEntry) error

	// EnqueueAction is a no-op when the action key is already queued.
	EnqueueAction(ctx context.Context, a *domain.OutboundAction) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
