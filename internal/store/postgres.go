package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/netzer/settleops/internal/domain"
)

// Schema is the full DDL for the settlement store. Statements are idempotent
// so the seeder and tests can apply them repeatedly.
const Schema = `
CREATE TABLE IF NOT EXISTS settlements (
    id                    UUID PRIMARY KEY,
    client_id             TEXT NOT NULL,
    state                 TEXT NOT NULL,
    amount_zar_requested  NUMERIC(20,8) NOT NULL DEFAULT 0,
    amount_zar_credited   NUMERIC(20,8) NOT NULL DEFAULT 0,
    amount_usdt_ordered   NUMERIC(20,8) NOT NULL DEFAULT 0,
    amount_usdt_withdrawn NUMERIC(20,8) NOT NULL DEFAULT 0,
    amount_usdt_received  NUMERIC(20,8) NOT NULL DEFAULT 0,
    conversion_rate       NUMERIC(20,8) NOT NULL DEFAULT 0,
    external_refs         JSONB NOT NULL DEFAULT '{}',
    flags                 JSONB NOT NULL DEFAULT '[]',
    version               BIGINT NOT NULL DEFAULT 1,
    created_at            TIMESTAMPTZ NOT NULL,
    updated_at            TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS settlements_state_idx ON settlements (state);
CREATE INDEX IF NOT EXISTS settlements_client_idx ON settlements (client_id);

CREATE TABLE IF NOT EXISTS settlement_audit (
    id                UUID PRIMARY KEY,
    transaction_id    UUID NOT NULL,
    sequence_number   BIGINT NOT NULL,
    event_type        TEXT NOT NULL,
    event_source      TEXT NOT NULL DEFAULT '',
    external_event_id TEXT NOT NULL DEFAULT '',
    from_state        TEXT NOT NULL,
    to_state          TEXT NOT NULL,
    outcome           TEXT NOT NULL,
    payload_snapshot  JSONB NOT NULL,
    created_at        TIMESTAMPTZ NOT NULL,
    UNIQUE (transaction_id, sequence_number)
);

CREATE TABLE IF NOT EXISTS idempotency_keys (
    event_source      TEXT NOT NULL,
    external_event_id TEXT NOT NULL,
    transaction_id    UUID NOT NULL,
    outcome           TEXT NOT NULL,
    first_seen_at     TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (event_source, external_event_id)
);

CREATE TABLE IF NOT EXISTS outbound_actions (
    action_key     TEXT PRIMARY KEY,
    transaction_id UUID NOT NULL,
    kind           TEXT NOT NULL,
    params         JSONB NOT NULL,
    status         TEXT NOT NULL DEFAULT 'pending',
    attempts       INT NOT NULL DEFAULT 0,
    created_at     TIMESTAMPTZ NOT NULL,
    updated_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS outbound_actions_status_idx ON outbound_actions (status, created_at);
`

const settlementColumns = `id::text, client_id, state,
	amount_zar_requested::text, amount_zar_credited::text,
	amount_usdt_ordered::text, amount_usdt_withdrawn::text,
	amount_usdt_received::text, conversion_rate::text,
	external_refs, flags, version, created_at, updated_at`

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Connect parses the connection string, opens a pool and verifies it.
func Connect(ctx context.Context, connString string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	s.pool.Close()
}

func (s *Postgres) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	return &pgTx{tx: tx}, nil
}

func (s *Postgres) GetSettlement(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	row := s.pool.QueryRow(ctx,
		"SELECT "+settlementColumns+" FROM settlements WHERE id = $1", id.String())
	return scanSettlement(row)
}

func (s *Postgres) ListSettlements(ctx context.Context, state domain.State, clientID string) ([]domain.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+settlementColumns+` FROM settlements
		 WHERE ($1 = '' OR state = $1) AND ($2 = '' OR client_id = $2)
		 ORDER BY created_at`, string(state), clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		t, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *Postgres) AuditHistory(ctx context.Context, id uuid.UUID) ([]domain.AuditEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::text, transaction_id::text, sequence_number, event_type, event_source,
		        external_event_id, from_state, to_state, outcome, payload_snapshot, created_at
		 FROM settlement_audit WHERE transaction_id = $1
		 ORDER BY sequence_number`, id.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var entryID, txID, eventType, source, extID, from, to, outcome string
		var snapshot []byte
		if err := rows.Scan(&entryID, &txID, &e.SequenceNumber, &eventType, &source,
			&extID, &from, &to, &outcome, &snapshot, &e.CreatedAt); err != nil {
			return nil, err
		}
		if e.ID, err = uuid.Parse(entryID); err != nil {
			return nil, err
		}
		if e.TransactionID, err = uuid.Parse(txID); err != nil {
			return nil, err
		}
		e.EventType = domain.EventType(eventType)
		e.Source = domain.Source(source)
		e.ExternalEventID = extID
		e.FromState = domain.State(from)
		e.ToState = domain.State(to)
		e.Outcome = domain.Outcome(outcome)
		e.PayloadSnapshot = json.RawMessage(snapshot)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Postgres) PendingActions(ctx context.Context, limit int) ([]domain.OutboundAction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT action_key, transaction_id::text, kind, params, status, attempts, created_at, updated_at
		 FROM outbound_actions WHERE status = $1
		 ORDER BY created_at LIMIT $2`, string(domain.ActionPending), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.OutboundAction
	for rows.Next() {
		var a domain.OutboundAction
		var txID, kind, status string
		var params []byte
		if err := rows.Scan(&a.Key, &txID, &kind, &params, &status, &a.Attempts, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		if a.TransactionID, err = uuid.Parse(txID); err != nil {
			return nil, err
		}
		a.Kind = domain.ActionKind(kind)
		a.Status = domain.ActionStatus(status)
		if err := json.Unmarshal(params, &a.Params); err != nil {
			return nil, fmt.Errorf("action params: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Postgres) MarkActionDone(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx,
		"UPDATE outbound_actions SET status = $1, attempts = attempts + 1, updated_at = now() WHERE action_key = $2",
		string(domain.ActionDone), key)
	return err
}

func (s *Postgres) MarkActionFailed(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx,
		"UPDATE outbound_actions SET attempts = attempts + 1, updated_at = now() WHERE action_key = $1", key)
	return err
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

func (t *pgTx) GetIdempotency(ctx context.Context, source domain.Source, externalID string) (*domain.IdempotencyRecord, error) {
	var rec domain.IdempotencyRecord
	var txID, outcome string
	err := t.tx.QueryRow(ctx,
		`SELECT transaction_id::text, outcome, first_seen_at
		 FROM idempotency_keys WHERE event_source = $1 AND external_event_id = $2`,
		string(source), externalID).Scan(&txID, &outcome, &rec.FirstSeenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if rec.TransactionID, err = uuid.Parse(txID); err != nil {
		return nil, err
	}
	rec.EventSource = source
	rec.ExternalEventID = externalID
	rec.Outcome = domain.Outcome(outcome)
	return &rec, nil
}

func (t *pgTx) InsertIdempotency(ctx context.Context, rec *domain.IdempotencyRecord) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO idempotency_keys (event_source, external_event_id, transaction_id, outcome, first_seen_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		string(rec.EventSource), rec.ExternalEventID, rec.TransactionID.String(),
		string(rec.Outcome), rec.FirstSeenAt)
	if isUniqueViolation(err) {
		return ErrDuplicateKey
	}
	return err
}

func (t *pgTx) GetSettlementForUpdate(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	row := t.tx.QueryRow(ctx,
		"SELECT "+settlementColumns+" FROM settlements WHERE id = $1 FOR UPDATE", id.String())
	return scanSettlement(row)
}

func (t *pgTx) FindByExternalRef(ctx context.Context, stage domain.Stage, ref string) (uuid.UUID, error) {
	var id string
	err := t.tx.QueryRow(ctx,
		"SELECT id::text FROM settlements WHERE external_refs->>$1 = $2",
		string(stage), ref).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, ErrNotFound
	}
	if err != nil {
		return uuid.Nil, err
	}
	return uuid.Parse(id)
}

func (t *pgTx) FindInFlight(ctx context.Context, clientID string) ([]uuid.UUID, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id::text FROM settlements
		 WHERE state NOT IN ($1, $2, $3) AND ($4 = '' OR client_id = $4)
		 ORDER BY created_at`,
		string(domain.StateDestinationConfirmed), string(domain.StateResolvedManual),
		string(domain.StateFlagged), clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (t *pgTx) InsertSettlement(ctx context.Context, tr *domain.Transaction) error {
	refs, flags, err := marshalRefsAndFlags(tr)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx,
		`INSERT INTO settlements (id, client_id, state,
		    amount_zar_requested, amount_zar_credited, amount_usdt_ordered,
		    amount_usdt_withdrawn, amount_usdt_received, conversion_rate,
		    external_refs, flags, version, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		tr.ID.String(), tr.ClientID, string(tr.State),
		tr.AmountZARRequested.String(), tr.AmountZARCredited.String(), tr.AmountUSDTOrdered.String(),
		tr.AmountUSDTWithdrawn.String(), tr.AmountUSDTReceived.String(), tr.ConversionRate.String(),
		refs, flags, tr.Version, tr.CreatedAt, tr.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateKey
	}
	return err
}

func (t *pgTx) UpdateSettlement(ctx context.Context, tr *domain.Transaction) error {
	refs, flags, err := marshalRefsAndFlags(tr)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE settlements SET state = $2,
		    amount_zar_requested = $3, amount_zar_credited = $4, amount_usdt_ordered = $5,
		    amount_usdt_withdrawn = $6, amount_usdt_received = $7, conversion_rate = $8,
		    external_refs = $9, flags = $10, version = version + 1, updated_at = $11
		 WHERE id = $1 AND version = $12`,
		tr.ID.String(), string(tr.State),
		tr.AmountZARRequested.String(), tr.AmountZARCredited.String(), tr.AmountUSDTOrdered.String(),
		tr.AmountUSDTWithdrawn.String(), tr.AmountUSDTReceived.String(), tr.ConversionRate.String(),
		refs, flags, tr.UpdatedAt, tr.Version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	tr.Version++
	return nil
}

func (t *pgTx) NextAuditSeq(ctx context.Context, id uuid.UUID) (int64, error) {
	var next int64
	err := t.tx.QueryRow(ctx,
		"SELECT COALESCE(MAX(sequence_number), 0) + 1 FROM settlement_audit WHERE transaction_id = $1",
		id.String()).Scan(&next)
	return next, err
}

func (t *pgTx) AppendAudit(ctx context.Context, e *domain.AuditEntry) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO settlement_audit (id, transaction_id, sequence_number, event_type, event_source,
		    external_event_id, from_state, to_state, outcome, payload_snapshot, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		e.ID.String(), e.TransactionID.String(), e.SequenceNumber, string(e.EventType), string(e.Source),
		e.ExternalEventID, string(e.FromState), string(e.ToState), string(e.Outcome),
		[]byte(e.PayloadSnapshot), e.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (t *pgTx) EnqueueAction(ctx context.Context, a *domain.OutboundAction) error {
	params, err := json.Marshal(a.Params)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx,
		`INSERT INTO outbound_actions (action_key, transaction_id, kind, params, status, attempts, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		 ON CONFLICT (action_key) DO NOTHING`,
		a.Key, a.TransactionID.String(), string(a.Kind), params, string(a.Status),
		a.Attempts, a.CreatedAt, a.UpdatedAt)
	return err
}

func marshalRefsAndFlags(tr *domain.Transaction) ([]byte, []byte, error) {
	refs := tr.ExternalRefs
	if refs == nil {
		refs = map[domain.Stage]string{}
	}
	refsJSON, err := json.Marshal(refs)
	if err != nil {
		return nil, nil, err
	}
	flags := tr.Flags
	if flags == nil {
		flags = []domain.Flag{}
	}
	flagsJSON, err := json.Marshal(flags)
	if err != nil {
		return nil, nil, err
	}
	return refsJSON, flagsJSON, nil
}

func scanSettlement(row pgx.Row) (*domain.Transaction, error) {
	var t domain.Transaction
	var id, clientID, state string
	var zarReq, zarCred, usdtOrd, usdtWd, usdtRecv, rate string
	var refs, flags []byte

	err := row.Scan(&id, &clientID, &state,
		&zarReq, &zarCred, &usdtOrd, &usdtWd, &usdtRecv, &rate,
		&refs, &flags, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if t.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	t.ClientID = clientID
	t.State = domain.State(state)

	for dst, raw := range map[*decimal.Decimal]string{
		&t.AmountZARRequested:  zarReq,
		&t.AmountZARCredited:   zarCred,
		&t.AmountUSDTOrdered:   usdtOrd,
		&t.AmountUSDTWithdrawn: usdtWd,
		&t.AmountUSDTReceived:  usdtRecv,
		&t.ConversionRate:      rate,
	} {
		if *dst, err = decimal.NewFromString(raw); err != nil {
			return nil, fmt.Errorf("invalid stored amount %q: %w", raw, err)
		}
	}

	if err := json.Unmarshal(refs, &t.ExternalRefs); err != nil {
		return nil, fmt.Errorf("external refs: %w", err)
	}
	if err := json.Unmarshal(flags, &t.Flags); err != nil {
		return nil, fmt.Errorf("flags: %w", err)
	}
	return &t, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
