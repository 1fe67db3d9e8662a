package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore persists jobs in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed job store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const jobColumns = `id, employer_id, worker_id, title, description, category,
		       pay_amount_usd, pay_amount_eth, fee_usd, fee_eth,
		       time_limit_hours, accepted_at, deadline, completed_at,
		       checklist, contract_addr, contract_job_id,
		       status, payment_status, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, j *Job) error {
	checklistJSON, err := json.Marshal(j.Checklist)
	if err != nil {
		return err
	}
	return p.db.QueryRowContext(ctx, `
		INSERT INTO jobs (
			employer_id, worker_id, title, description, category,
			pay_amount_usd, pay_amount_eth, fee_usd, fee_eth,
			time_limit_hours, accepted_at, deadline, completed_at,
			checklist, contract_addr, contract_job_id,
			status, payment_status, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6::NUMERIC(10,2), $7::NUMERIC(28,18), $8::NUMERIC(10,2), $9::NUMERIC(28,18),
			$10, $11, $12, $13,
			$14, $15, $16,
			$17, $18, $19, $20
		) RETURNING id`,
		j.EmployerID, nullInt64(j.WorkerID), j.Title, j.Description, string(j.Category),
		j.PayAmountUSD, j.PayAmountETH, j.FeeUSD, j.FeeETH,
		j.TimeLimitHrs, nullTime(j.AcceptedAt), nullTime(j.Deadline), nullTime(j.CompletedAt),
		checklistJSON, nullString(j.ContractAddr), nullInt64(j.ContractJobID),
		string(j.Status), string(j.PaymentStatus), j.CreatedAt, j.UpdatedAt,
	).Scan(&j.ID)
}

func (p *PostgresStore) Get(ctx context.Context, id int64) (*Job, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	return j, err
}

func (p *PostgresStore) Update(ctx context.Context, j *Job) error {
	checklistJSON, err := json.Marshal(j.Checklist)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE jobs SET
			worker_id = $1, title = $2, description = $3, category = $4,
			pay_amount_usd = $5::NUMERIC(10,2), pay_amount_eth = $6::NUMERIC(28,18),
			fee_usd = $7::NUMERIC(10,2), fee_eth = $8::NUMERIC(28,18),
			time_limit_hours = $9, accepted_at = $10, deadline = $11, completed_at = $12,
			checklist = $13, contract_addr = $14, contract_job_id = $15,
			status = $16, payment_status = $17, updated_at = $18
		WHERE id = $19`,
		nullInt64(j.WorkerID), j.Title, j.Description, string(j.Category),
		j.PayAmountUSD, j.PayAmountETH,
		j.FeeUSD, j.FeeETH,
		j.TimeLimitHrs, nullTime(j.AcceptedAt), nullTime(j.Deadline), nullTime(j.CompletedAt),
		checklistJSON, nullString(j.ContractAddr), nullInt64(j.ContractJobID),
		string(j.Status), string(j.PaymentStatus), j.UpdatedAt,
		j.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, f ListFilter, key SortKey, page Page) ([]*Job, int, error) {
	where, args := buildFilter(f)

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	order := orderClause(key)
	limit := page.Limit
	if limit <= 0 {
		limit = 20
	}
	skip := page.Skip
	if skip < 0 {
		skip = 0
	}
	args = append(args, limit, skip)
	query := fmt.Sprintf(`SELECT %s FROM jobs%s %s LIMIT $%d OFFSET $%d`,
		jobColumns, where, order, len(args)-1, len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	result, err := scanJobs(rows)
	return result, total, err
}

func (p *PostgresStore) ListByEmployer(ctx context.Context, employerID int64) ([]*Job, error) {
	return p.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE employer_id = $1
		ORDER BY created_at DESC`, employerID)
}

func (p *PostgresStore) ListByWorker(ctx context.Context, workerID int64) ([]*Job, error) {
	return p.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE worker_id = $1
		ORDER BY created_at DESC`, workerID)
}

func (p *PostgresStore) ListExpiredLocked(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	return p.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'in_progress'
		  AND payment_status = 'locked'
		  AND deadline < $1
		ORDER BY deadline ASC
		LIMIT $2`, now, limit)
}

func (p *PostgresStore) queryJobs(ctx context.Context, query string, args ...interface{}) ([]*Job, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanJobs(rows)
}

func buildFilter(f ListFilter) (string, []interface{}) {
	var conds []string
	var args []interface{}

	add := func(cond string, val interface{}) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Category != "" {
		add("category = $%d", string(f.Category))
	}
	if f.MinPay > 0 {
		add("pay_amount_usd >= $%d", f.MinPay)
	}
	if f.MaxPay > 0 {
		add("pay_amount_usd <= $%d", f.MaxPay)
	}
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		conds = append(conds, fmt.Sprintf("(title ILIKE $%d OR description ILIKE $%d)", len(args), len(args)))
	}

	if len(conds) == 0 {
		return "", nil
	}
	where := " WHERE " + conds[0]
	for _, c := range conds[1:] {
		where += " AND " + c
	}
	return where, args
}

func orderClause(key SortKey) string {
	switch key {
	case SortPayHigh:
		return "ORDER BY pay_amount_usd DESC"
	case SortPayLow:
		return "ORDER BY pay_amount_usd ASC"
	case SortOldest:
		return "ORDER BY created_at ASC"
	case SortTitle:
		return "ORDER BY title ASC"
	default:
		return "ORDER BY created_at DESC"
	}
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(s scanner) (*Job, error) {
	j := &Job{}
	var (
		workerID      sql.NullInt64
		category      string
		acceptedAt    sql.NullTime
		deadline      sql.NullTime
		completedAt   sql.NullTime
		checklistJSON []byte
		contractAddr  sql.NullString
		contractJobID sql.NullInt64
		status        string
		paymentStatus string
	)

	err := s.Scan(
		&j.ID, &j.EmployerID, &workerID, &j.Title, &j.Description, &category,
		&j.PayAmountUSD, &j.PayAmountETH, &j.FeeUSD, &j.FeeETH,
		&j.TimeLimitHrs, &acceptedAt, &deadline, &completedAt,
		&checklistJSON, &contractAddr, &contractJobID,
		&status, &paymentStatus, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.Category = Category(category)
	j.Status = Status(status)
	j.PaymentStatus = PaymentStatus(paymentStatus)
	j.ContractAddr = contractAddr.String
	if workerID.Valid {
		j.WorkerID = &workerID.Int64
	}
	if contractJobID.Valid {
		j.ContractJobID = &contractJobID.Int64
	}
	if acceptedAt.Valid {
		j.AcceptedAt = &acceptedAt.Time
	}
	if deadline.Valid {
		j.Deadline = &deadline.Time
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.Time
	}
	if len(checklistJSON) > 0 {
		if err := json.Unmarshal(checklistJSON, &j.Checklist); err != nil {
			return nil, fmt.Errorf("decode checklist for job %d: %w", j.ID, err)
		}
	}
	return j, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var result []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, j)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
