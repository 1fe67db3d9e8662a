// Package settlement coordinates money movement between the job ledger
// and the escrow contract. Every status transition that moves funds runs
// through the Orchestrator's protocol: precondition check, idempotency
// check against the attempt log, chain call, ledger commit — all inside
// the per-job lock.
package settlement

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/lib/pq"
)

// Operation is a settlement operation kind.
type Operation string

const (
	OpLock    Operation = "lock"
	OpRelease Operation = "release"
	OpRefund  Operation = "refund"
	OpCancel  Operation = "cancel"
)

// Outcome of a chain call. Indeterminate outcomes (confirmation timeout)
// are deliberately NOT recorded: the log answers "did this definitely
// happen", and an unconfirmed submission is neither a yes nor a safe no.
type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeFailed    Outcome = "failed"
)

// ErrDuplicateConfirmed means a confirmed attempt already exists for the
// (job, operation) pair. The uniqueness constraint is the last line of
// defense against double-spending; callers normally never hit it because
// the orchestrator checks Confirmed first.
var ErrDuplicateConfirmed = errors.New("settlement: operation already confirmed for job")

// Attempt is one row of the settlement transaction log: a single chain
// call for a job, with its outcome. Append-only, never mutated.
type Attempt struct {
	ID        int64     `json:"id"`
	JobID     int64     `json:"jobId"`
	Operation Operation `json:"operation"`
	TxRef     string    `json:"txRef,omitempty"`
	Outcome   Outcome   `json:"outcome"`
	GasUsed   int64     `json:"gasUsed,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// AttemptStore persists the settlement transaction log.
type AttemptStore interface {
	// Append records an attempt. Returns ErrDuplicateConfirmed when a
	// confirmed row already exists for (job, operation).
	Append(ctx context.Context, a *Attempt) error
	// Confirmed returns the confirmed attempt for (job, operation), or
	// nil when none exists.
	Confirmed(ctx context.Context, jobID int64, op Operation) (*Attempt, error)
	// ListByJob returns all attempts for a job, oldest first.
	ListByJob(ctx context.Context, jobID int64) ([]*Attempt, error)
}

// -----------------------------------------------------------------------------
// Memory store
// -----------------------------------------------------------------------------

// MemoryAttemptStore is the in-memory attempt log for demo/development
// mode.
type MemoryAttemptStore struct {
	mu       sync.RWMutex
	attempts []*Attempt
	nextID   int64
}

// NewMemoryAttemptStore creates an empty in-memory attempt log.
func NewMemoryAttemptStore() *MemoryAttemptStore {
	return &MemoryAttemptStore{nextID: 1}
}

func (m *MemoryAttemptStore) Append(ctx context.Context, a *Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a.Outcome == OutcomeConfirmed {
		for _, prev := range m.attempts {
			if prev.JobID == a.JobID && prev.Operation == a.Operation && prev.Outcome == OutcomeConfirmed {
				return ErrDuplicateConfirmed
			}
		}
	}

	cp := *a
	cp.ID = m.nextID
	m.nextID++
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.attempts = append(m.attempts, &cp)
	a.ID = cp.ID
	a.CreatedAt = cp.CreatedAt
	return nil
}

func (m *MemoryAttemptStore) Confirmed(ctx context.Context, jobID int64, op Operation) (*Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, a := range m.attempts {
		if a.JobID == jobID && a.Operation == op && a.Outcome == OutcomeConfirmed {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryAttemptStore) ListByJob(ctx context.Context, jobID int64) ([]*Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Attempt
	for _, a := range m.attempts {
		if a.JobID == jobID {
			cp := *a
			result = append(result, &cp)
		}
	}
	return result, nil
}

var _ AttemptStore = (*MemoryAttemptStore)(nil)

// -----------------------------------------------------------------------------
// Postgres store
// -----------------------------------------------------------------------------

// PostgresAttemptStore persists attempts in PostgreSQL. Duplicate
// confirmed rows are rejected by a partial unique index on
// (job_id, operation) WHERE outcome = 'confirmed'.
type PostgresAttemptStore struct {
	db *sql.DB
}

// NewPostgresAttemptStore creates a PostgreSQL-backed attempt log.
func NewPostgresAttemptStore(db *sql.DB) *PostgresAttemptStore {
	return &PostgresAttemptStore{db: db}
}

func (p *PostgresAttemptStore) Append(ctx context.Context, a *Attempt) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO settlement_attempts (job_id, operation, tx_ref, outcome, gas_used, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		a.JobID, string(a.Operation), a.TxRef, string(a.Outcome), a.GasUsed, a.CreatedAt,
	).Scan(&a.ID)
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicateConfirmed
	}
	return err
}

func (p *PostgresAttemptStore) Confirmed(ctx context.Context, jobID int64, op Operation) (*Attempt, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, job_id, operation, tx_ref, outcome, gas_used, created_at
		FROM settlement_attempts
		WHERE job_id = $1 AND operation = $2 AND outcome = 'confirmed'`,
		jobID, string(op))
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func (p *PostgresAttemptStore) ListByJob(ctx context.Context, jobID int64) ([]*Attempt, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, job_id, operation, tx_ref, outcome, gas_used, created_at
		FROM settlement_attempts
		WHERE job_id = $1
		ORDER BY created_at ASC, id ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAttempt(s scanner) (*Attempt, error) {
	a := &Attempt{}
	var op, outcome string
	if err := s.Scan(&a.ID, &a.JobID, &op, &a.TxRef, &outcome, &a.GasUsed, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Operation = Operation(op)
	a.Outcome = Outcome(outcome)
	return a, nil
}

// isUniqueViolation reports whether err is a Postgres unique_violation
// (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

var _ AttemptStore = (*PostgresAttemptStore)(nil)
