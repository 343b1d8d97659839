package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/netzer/settleops/internal/domain"
)

// Memory is an in-memory Store used by unit tests. A transaction holds the
// store lock for its whole lifetime and stages writes until Commit, which
// gives the same serialization and atomicity guarantees as the Postgres
// implementation without a database.
type Memory struct {
	mu          sync.Mutex
	settlements map[uuid.UUID]*domain.Transaction
	idempotency map[idemKey]*domain.IdempotencyRecord
	audits      map[uuid.UUID][]domain.AuditEntry
	actions     map[string]*domain.OutboundAction
	failWith    error
}

type idemKey struct {
	source domain.Source
	id     string
}

func NewMemory() *Memory {
	return &Memory{
		settlements: make(map[uuid.UUID]*domain.Transaction),
		idempotency: make(map[idemKey]*domain.IdempotencyRecord),
		audits:      make(map[uuid.UUID][]domain.AuditEntry),
		actions:     make(map[string]*domain.OutboundAction),
	}
}

// FailWith forces every subsequent Begin and read to return err, simulating
// storage unavailability. Pass nil to recover.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

func (m *Memory) Begin(ctx context.Context) (Tx, error) {
	m.mu.Lock()
	if m.failWith != nil {
		err := m.failWith
		m.mu.Unlock()
		return nil, err
	}
	return &memTx{
		m:           m,
		settlements: make(map[uuid.UUID]*domain.Transaction),
		idempotency: make(map[idemKey]*domain.IdempotencyRecord),
		actions:     make(map[string]*domain.OutboundAction),
	}, nil
}

func (m *Memory) GetSettlement(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	t, ok := m.settlements[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (m *Memory) ListSettlements(ctx context.Context, state domain.State, clientID string) ([]domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	var out []domain.Transaction
	for _, t := range m.settlements {
		if state != "" && t.State != state {
			continue
		}
		if clientID != "" && t.ClientID != clientID {
			continue
		}
		out = append(out, *t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (m *Memory) AuditHistory(ctx context.Context, id uuid.UUID) ([]domain.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	entries := m.audits[id]
	out := append([]domain.AuditEntry(nil), entries...)
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	return out, nil
}

func (m *Memory) PendingActions(ctx context.Context, limit int) ([]domain.OutboundAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	var out []domain.OutboundAction
	for _, a := range m.actions {
		if a.Status == domain.ActionPending {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Key < out[j].Key
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) MarkActionDone(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[key]
	if !ok {
		return ErrNotFound
	}
	a.Status = domain.ActionDone
	a.Attempts++
	return nil
}

func (m *Memory) MarkActionFailed(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[key]
	if !ok {
		return ErrNotFound
	}
	a.Attempts++
	return nil
}

// memTx stages writes while holding the parent store's lock.
type memTx struct {
	m    *Memory
	done bool

	settlements map[uuid.UUID]*domain.Transaction
	idempotency map[idemKey]*domain.IdempotencyRecord
	audits      []domain.AuditEntry
	actions     map[string]*domain.OutboundAction
}

func (t *memTx) Commit(ctx context.Context) error {
	if t.done {
		return nil
	}
	for id, s := range t.settlements {
		t.m.settlements[id] = s
	}
	for k, rec := range t.idempotency {
		t.m.idempotency[k] = rec
	}
	for _, e := range t.audits {
		t.m.audits[e.TransactionID] = append(t.m.audits[e.TransactionID], e)
	}
	for k, a := range t.actions {
		t.m.actions[k] = a
	}
	t.done = true
	t.m.mu.Unlock()
	return nil
}

func (t *memTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.m.mu.Unlock()
	return nil
}

func (t *memTx) GetIdempotency(ctx context.Context, source domain.Source, externalID string) (*domain.IdempotencyRecord, error) {
	k := idemKey{source: source, id: externalID}
	if rec, ok := t.idempotency[k]; ok {
		cp := *rec
		return &cp, nil
	}
	if rec, ok := t.m.idempotency[k]; ok {
		cp := *rec
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (t *memTx) InsertIdempotency(ctx context.Context, rec *domain.IdempotencyRecord) error {
	k := idemKey{source: rec.EventSource, id: rec.ExternalEventID}
	if _, ok := t.idempotency[k]; ok {
		return ErrDuplicateKey
	}
	if _, ok := t.m.idempotency[k]; ok {
		return ErrDuplicateKey
	}
	cp := *rec
	t.idempotency[k] = &cp
	return nil
}

func (t *memTx) lookup(id uuid.UUID) (*domain.Transaction, bool) {
	if s, ok := t.settlements[id]; ok {
		return s, true
	}
	s, ok := t.m.settlements[id]
	return s, ok
}

func (t *memTx) GetSettlementForUpdate(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	s, ok := t.lookup(id)
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (t *memTx) FindByExternalRef(ctx context.Context, stage domain.Stage, ref string) (uuid.UUID, error) {
	match := func(s *domain.Transaction) bool { return s.ExternalRefs[stage] == ref }
	for id, s := range t.settlements {
		if match(s) {
			return id, nil
		}
	}
	for id, s := range t.m.settlements {
		if _, staged := t.settlements[id]; staged {
			continue
		}
		if match(s) {
			return id, nil
		}
	}
	return uuid.Nil, ErrNotFound
}

func (t *memTx) FindInFlight(ctx context.Context, clientID string) ([]uuid.UUID, error) {
	seen := make(map[uuid.UUID]*domain.Transaction)
	for id, s := range t.m.settlements {
		seen[id] = s
	}
	for id, s := range t.settlements {
		seen[id] = s
	}
	var matched []*domain.Transaction
	for _, s := range seen {
		// A flagged settlement accepts no webhook events until an operator
		// resolves it, so it is not a lookup candidate.
		if s.State.Terminal() || s.State == domain.StateFlagged {
			continue
		}
		if clientID != "" && s.ClientID != clientID {
			continue
		}
		matched = append(matched, s)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].ID.String() < matched[j].ID.String()
	})
	ids := make([]uuid.UUID, 0, len(matched))
	for _, s := range matched {
		ids = append(ids, s.ID)
	}
	return ids, nil
}

func (t *memTx) InsertSettlement(ctx context.Context, tr *domain.Transaction) error {
	if _, ok := t.lookup(tr.ID); ok {
		return ErrDuplicateKey
	}
	t.settlements[tr.ID] = tr.Clone()
	return nil
}

func (t *memTx) UpdateSettlement(ctx context.Context, tr *domain.Transaction) error {
	current, ok := t.lookup(tr.ID)
	if !ok {
		return ErrNotFound
	}
	if current.Version != tr.Version {
		return ErrConflict
	}
	staged := tr.Clone()
	staged.Version++
	t.settlements[tr.ID] = staged
	tr.Version++
	return nil
}

func (t *memTx) NextAuditSeq(ctx context.Context, id uuid.UUID) (int64, error) {
	n := int64(len(t.m.audits[id]))
	for _, e := range t.audits {
		if e.TransactionID == id {
			n++
		}
	}
	return n + 1, nil
}

func (t *memTx) AppendAudit(ctx context.Context, e *domain.AuditEntry) error {
	cp := *e
	cp.PayloadSnapshot = append([]byte(nil), e.PayloadSnapshot...)
	t.audits = append(t.audits, cp)
	return nil
}

func (t *memTx) EnqueueAction(ctx context.Context, a *domain.OutboundAction) error {
	if _, ok := t.actions[a.Key]; ok {
		return nil
	}
	if _, ok := t.m.actions[a.Key]; ok {
		return nil
	}
	cp := *a
	t.actions[a.Key] = &cp
	return nil
}
