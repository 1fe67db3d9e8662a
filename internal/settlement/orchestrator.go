package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/paychain/internal/chain"
	"github.com/mbd888/paychain/internal/identity"
	"github.com/mbd888/paychain/internal/jobs"
	"github.com/mbd888/paychain/internal/metrics"
	"github.com/mbd888/paychain/internal/realtime"
	"github.com/mbd888/paychain/internal/syncutil"
	"github.com/mbd888/paychain/internal/traces"
	"github.com/mbd888/paychain/internal/wei"
)

// Error taxonomy aliases. jobs.ErrSettlementUnavailable means the chain
// definitely did not move money; jobs.ErrSettlementIndeterminate means a
// submitted transaction's confirmation was not observed within the
// timeout and may still land — surfaced distinctly so operators know not
// to blindly retry.
var (
	ErrUnavailable         = jobs.ErrSettlementUnavailable
	ErrIndeterminate       = jobs.ErrSettlementIndeterminate
	ErrUpstreamUnavailable = jobs.ErrUpstreamUnavailable
	ErrNoWallet            = jobs.ErrNoWallet
)

// ChainClient is the escrow contract surface the orchestrator drives.
// Implemented by chain.Client; faked in tests.
type ChainClient interface {
	Lock(ctx context.Context, jobID int64, timeLimitHours int, amountWei *big.Int, employer common.Address) (*chain.Receipt, error)
	Release(ctx context.Context, jobID int64, worker common.Address) (*chain.Receipt, error)
	Refund(ctx context.Context, jobID int64) (*chain.Receipt, error)
	Cancel(ctx context.Context, jobID int64, employer common.Address) (*chain.Receipt, error)
	BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error)
	JobBalance(ctx context.Context, jobID int64) (*big.Int, error)
	ContractStats(ctx context.Context) (*chain.Stats, error)
	ContractAddress() string
	IsReachable(ctx context.Context) bool
}

// UserResolver maps user IDs to wallet addresses via the identity
// service.
type UserResolver interface {
	Resolve(ctx context.Context, id int64) (identity.User, error)
}

// Orchestrator drives every money-moving job transition. Its protocol,
// per operation, all under the per-job lock shared with the job ledger:
//
//  1. precondition check against the job row
//  2. idempotency check against the attempt log
//  3. chain call with bounded confirmation timeout
//  4. ledger commit reflecting the chain outcome
type Orchestrator struct {
	store    jobs.Store
	attempts AttemptStore
	chain    ChainClient
	users    UserResolver
	locks    *syncutil.JobLocks
	events   jobs.Publisher
	logger   *slog.Logger
	now      func() time.Time
}

// NewOrchestrator creates the settlement orchestrator. locks MUST be the
// same pool the job ledger service uses.
func NewOrchestrator(store jobs.Store, attempts AttemptStore, cc ChainClient, users UserResolver, locks *syncutil.JobLocks, events jobs.Publisher, logger *slog.Logger) *Orchestrator {
	if events == nil {
		events = nopPublisher{}
	}
	return &Orchestrator{
		store:    store,
		attempts: attempts,
		chain:    cc,
		users:    users,
		locks:    locks,
		events:   events,
		logger:   logger,
		now:      time.Now,
	}
}

type nopPublisher struct{}

func (nopPublisher) Publish(realtime.JobEvent) {}

// Attempts exposes the settlement log for read-side handlers.
func (o *Orchestrator) Attempts() AttemptStore { return o.attempts }

// Chain exposes the chain client for read-side handlers.
func (o *Orchestrator) Chain() ChainClient { return o.chain }

// wallet resolves a user's wallet address or fails the settlement.
func (o *Orchestrator) wallet(ctx context.Context, userID int64) (common.Address, error) {
	user, err := o.users.Resolve(ctx, userID)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: user %d: %v", ErrUpstreamUnavailable, userID, err)
	}
	if !common.IsHexAddress(user.WalletAddr) {
		return common.Address{}, fmt.Errorf("%w: user %d", ErrNoWallet, userID)
	}
	return common.HexToAddress(user.WalletAddr), nil
}

// ensureConfirmed is steps 2 and 3 of the protocol: skip the chain call
// when a confirmed attempt already exists, otherwise execute it and
// append the outcome. Indeterminate outcomes append nothing — the log
// records certainty only.
func (o *Orchestrator) ensureConfirmed(ctx context.Context, jobID int64, op Operation, call func(context.Context) (*chain.Receipt, error)) (*Attempt, error) {
	prior, err := o.attempts.Confirmed(ctx, jobID, op)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		metrics.SettlementAttemptsTotal.WithLabelValues(string(op), "skipped").Inc()
		o.logger.Info("settlement already confirmed, skipping chain call",
			"jobId", jobID, "operation", op, "txRef", prior.TxRef)
		return prior, nil
	}

	ctx, span := traces.StartSpan(ctx, "settlement."+string(op), traces.JobID(jobID), traces.Operation(string(op)))
	defer span.End()

	timer := prometheus.NewTimer(metrics.SettlementDuration.WithLabelValues(string(op)))
	receipt, err := call(ctx)
	timer.ObserveDuration()

	if err != nil {
		if errors.Is(err, chain.ErrTimeout) {
			metrics.SettlementAttemptsTotal.WithLabelValues(string(op), "indeterminate").Inc()
			o.logger.Error("settlement confirmation timed out",
				"jobId", jobID, "operation", op, "error", err)
			return nil, fmt.Errorf("%w: %v", ErrIndeterminate, err)
		}

		attempt := &Attempt{
			JobID:     jobID,
			Operation: op,
			TxRef:     txRef(err),
			Outcome:   OutcomeFailed,
			CreatedAt: o.now().UTC(),
		}
		if aerr := o.attempts.Append(ctx, attempt); aerr != nil {
			o.logger.Error("failed to record settlement attempt",
				"jobId", jobID, "operation", op, "error", aerr)
		}
		metrics.SettlementAttemptsTotal.WithLabelValues(string(op), "failed").Inc()
		o.logger.Error("settlement chain call failed",
			"jobId", jobID, "operation", op, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	span.SetAttributes(traces.TxHash(receipt.TxHash))
	attempt := &Attempt{
		JobID:     jobID,
		Operation: op,
		TxRef:     receipt.TxHash,
		Outcome:   OutcomeConfirmed,
		GasUsed:   int64(receipt.GasUsed),
		CreatedAt: o.now().UTC(),
	}
	if err := o.attempts.Append(ctx, attempt); err != nil {
		// The money moved; a duplicate-confirm race here means another
		// path already recorded it. Log and carry on with the commit.
		o.logger.Error("failed to record confirmed settlement attempt",
			"jobId", jobID, "operation", op, "txRef", receipt.TxHash, "error", err)
	}
	metrics.SettlementAttemptsTotal.WithLabelValues(string(op), "confirmed").Inc()
	return attempt, nil
}

// txRef pulls the transaction hash out of a chain error, if one was
// assigned before the failure.
func txRef(err error) string {
	var callErr *chain.CallError
	if errors.As(err, &callErr) {
		return callErr.TxHash
	}
	return ""
}

// lockAmount is the wei the employer escrows: pay plus platform fee.
func lockAmount(job *jobs.Job) *big.Int {
	return wei.FromFloat(job.PayAmountETH + job.FeeETH)
}

// markPaymentFailed commits the inconsistency-escape-valve state after a
// chain failure.
func (o *Orchestrator) markPaymentFailed(ctx context.Context, job *jobs.Job, op Operation, reason error) {
	job.PaymentStatus = jobs.PaymentFailed
	job.UpdatedAt = o.now().UTC()
	if err := o.store.Update(ctx, job); err != nil {
		o.logger.Error("failed to mark payment failed",
			"jobId", job.ID, "operation", op, "error", err)
	}
	o.events.Publish(realtime.SettlementFailed{
		JobID:     job.ID,
		Operation: string(op),
		Reason:    reason.Error(),
	})
}

// Accept claims an open job for a worker and locks the employer's funds
// in escrow. The ledger transition commits before the chain call; if the
// lock then fails, the job stays in_progress with payment failed,
// surfaced to the employer for follow-up.
func (o *Orchestrator) Accept(ctx context.Context, workerID, jobID int64) (*jobs.Job, error) {
	unlock, err := o.locks.Lock(ctx, jobID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	job, err := o.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.EmployerID == workerID {
		return nil, fmt.Errorf("%w: cannot accept own job", jobs.ErrForbidden)
	}
	if job.Status != jobs.StatusOpen {
		return nil, fmt.Errorf("%w: job is %s", jobs.ErrInvalidState, job.Status)
	}

	employer, err := o.wallet(ctx, job.EmployerID)
	if err != nil {
		return nil, err
	}

	now := o.now().UTC()
	deadline := now.Add(time.Duration(job.TimeLimitHrs) * time.Hour)
	job.Status = jobs.StatusInProgress
	job.WorkerID = &workerID
	job.AcceptedAt = &now
	job.Deadline = &deadline
	job.UpdatedAt = now
	if err := o.store.Update(ctx, job); err != nil {
		return nil, err
	}
	metrics.JobTransitionsTotal.WithLabelValues(string(jobs.StatusInProgress)).Inc()

	if _, err := o.ensureConfirmed(ctx, jobID, OpLock, func(ctx context.Context) (*chain.Receipt, error) {
		return o.chain.Lock(ctx, jobID, job.TimeLimitHrs, lockAmount(job), employer)
	}); err != nil {
		o.markPaymentFailed(ctx, job, OpLock, err)
		return job, err
	}

	job.PaymentStatus = jobs.PaymentLocked
	job.ContractAddr = o.chain.ContractAddress()
	contractJobID := job.ID
	job.ContractJobID = &contractJobID
	job.UpdatedAt = o.now().UTC()
	if err := o.store.Update(ctx, job); err != nil {
		return nil, err
	}

	o.events.Publish(realtime.JobAccepted{JobSnapshot: jobs.Snapshot(job), Deadline: deadline})
	return job, nil
}

// LockAtCreation attempts the initial escrow lock right after a job is
// posted. Failure is not fatal to the posting: the job stays open with
// payment failed, and the accept-time lock retries through the same
// idempotent path.
func (o *Orchestrator) LockAtCreation(ctx context.Context, jobID int64) (*jobs.Job, error) {
	unlock, err := o.locks.Lock(ctx, jobID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	job, err := o.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != jobs.StatusOpen {
		return nil, fmt.Errorf("%w: job is %s", jobs.ErrInvalidState, job.Status)
	}
	if job.PaymentStatus == jobs.PaymentLocked {
		return job, nil
	}

	employer, err := o.wallet(ctx, job.EmployerID)
	if err != nil {
		return nil, err
	}

	if _, err := o.ensureConfirmed(ctx, jobID, OpLock, func(ctx context.Context) (*chain.Receipt, error) {
		return o.chain.Lock(ctx, jobID, job.TimeLimitHrs, lockAmount(job), employer)
	}); err != nil {
		o.markPaymentFailed(ctx, job, OpLock, err)
		return job, err
	}

	job.PaymentStatus = jobs.PaymentLocked
	job.ContractAddr = o.chain.ContractAddress()
	contractJobID := job.ID
	job.ContractJobID = &contractJobID
	job.UpdatedAt = o.now().UTC()
	if err := o.store.Update(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Complete settles a finished job: requires a fully ticked checklist,
// releases the escrow to the worker, and marks the job completed.
// Retrying after success returns the completed job without a second
// release call.
func (o *Orchestrator) Complete(ctx context.Context, workerID, jobID int64) (*jobs.Job, error) {
	unlock, err := o.locks.Lock(ctx, jobID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	job, err := o.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.AssignedTo(workerID) {
		return nil, jobs.ErrForbidden
	}

	// Idempotent retry: already completed with a confirmed release.
	if job.Status == jobs.StatusCompleted {
		prior, err := o.attempts.Confirmed(ctx, jobID, OpRelease)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			return job, nil
		}
	}

	if job.Status != jobs.StatusInProgress {
		return nil, fmt.Errorf("%w: job is %s", jobs.ErrInvalidState, job.Status)
	}
	if !job.ChecklistComplete() {
		return nil, fmt.Errorf("%w: checklist incomplete (%d%%)", jobs.ErrInvalidState, job.Progress())
	}
	if job.PaymentStatus != jobs.PaymentLocked {
		return nil, fmt.Errorf("%w: payment is %s", jobs.ErrInvalidState, job.PaymentStatus)
	}

	worker, err := o.wallet(ctx, workerID)
	if err != nil {
		return nil, err
	}

	attempt, err := o.ensureConfirmed(ctx, jobID, OpRelease, func(ctx context.Context) (*chain.Receipt, error) {
		return o.chain.Release(ctx, jobID, worker)
	})
	if err != nil {
		o.markPaymentFailed(ctx, job, OpRelease, err)
		return job, err
	}

	now := o.now().UTC()
	job.Status = jobs.StatusCompleted
	job.CompletedAt = &now
	job.PaymentStatus = jobs.PaymentReleased
	job.UpdatedAt = now
	if err := o.store.Update(ctx, job); err != nil {
		return nil, err
	}
	metrics.JobTransitionsTotal.WithLabelValues(string(jobs.StatusCompleted)).Inc()

	o.events.Publish(realtime.JobCompleted{JobSnapshot: jobs.Snapshot(job), TxHash: attempt.TxRef})
	return job, nil
}

// Refund returns an expired job's escrow to the employer and cancels the
// job. The worker reference is retained for audit.
func (o *Orchestrator) Refund(ctx context.Context, jobID int64) (*jobs.Job, error) {
	unlock, err := o.locks.Lock(ctx, jobID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	job, err := o.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	// Idempotent retry: already refunded.
	if job.Status == jobs.StatusCancelled && job.PaymentStatus == jobs.PaymentRefunded {
		return job, nil
	}
	if job.Status != jobs.StatusInProgress {
		return nil, fmt.Errorf("%w: job is %s", jobs.ErrInvalidState, job.Status)
	}
	if job.PaymentStatus != jobs.PaymentLocked {
		return nil, fmt.Errorf("%w: payment is %s", jobs.ErrInvalidState, job.PaymentStatus)
	}
	if !job.Expired(o.now()) {
		return nil, fmt.Errorf("%w: deadline has not passed", jobs.ErrInvalidState)
	}

	attempt, err := o.ensureConfirmed(ctx, jobID, OpRefund, func(ctx context.Context) (*chain.Receipt, error) {
		return o.chain.Refund(ctx, jobID)
	})
	if err != nil {
		o.markPaymentFailed(ctx, job, OpRefund, err)
		return job, err
	}

	job.Status = jobs.StatusCancelled
	job.PaymentStatus = jobs.PaymentRefunded
	job.UpdatedAt = o.now().UTC()
	if err := o.store.Update(ctx, job); err != nil {
		return nil, err
	}
	metrics.JobTransitionsTotal.WithLabelValues(string(jobs.StatusCancelled)).Inc()

	o.events.Publish(realtime.JobRefunded{JobSnapshot: jobs.Snapshot(job), Reason: "expired", TxHash: attempt.TxRef})
	return job, nil
}

// Cancel handles employer deletion of an open job. If funds are locked,
// they are returned through the cancel chain operation first; a chain
// failure leaves the job open with payment failed rather than cancelling
// a job that still holds escrow.
func (o *Orchestrator) Cancel(ctx context.Context, employerID, jobID int64) (*jobs.Job, error) {
	unlock, err := o.locks.Lock(ctx, jobID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	job, err := o.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.EmployerID != employerID {
		return nil, jobs.ErrForbidden
	}
	if job.Status == jobs.StatusCancelled {
		return job, nil
	}
	if job.Status != jobs.StatusOpen {
		return nil, fmt.Errorf("%w: job is %s", jobs.ErrInvalidState, job.Status)
	}

	refunded := false
	var txHash string
	if job.PaymentStatus == jobs.PaymentLocked {
		employer, err := o.wallet(ctx, job.EmployerID)
		if err != nil {
			return nil, err
		}
		attempt, err := o.ensureConfirmed(ctx, jobID, OpCancel, func(ctx context.Context) (*chain.Receipt, error) {
			return o.chain.Cancel(ctx, jobID, employer)
		})
		if err != nil {
			o.markPaymentFailed(ctx, job, OpCancel, err)
			return job, err
		}
		job.PaymentStatus = jobs.PaymentRefunded
		refunded = true
		txHash = attempt.TxRef
	}

	job.Status = jobs.StatusCancelled
	job.UpdatedAt = o.now().UTC()
	if err := o.store.Update(ctx, job); err != nil {
		return nil, err
	}
	metrics.JobTransitionsTotal.WithLabelValues(string(jobs.StatusCancelled)).Inc()

	if refunded {
		o.events.Publish(realtime.JobRefunded{JobSnapshot: jobs.Snapshot(job), Reason: "cancelled", TxHash: txHash})
	}
	return job, nil
}

// ExpiredJobs lists in-progress jobs with locked funds past deadline.
func (o *Orchestrator) ExpiredJobs(ctx context.Context) ([]*jobs.Job, error) {
	return o.store.ListExpiredLocked(ctx, o.now(), 100)
}

// SweepExpired refunds every expired locked job. Returns the number of
// jobs refunded; individual failures are logged and skipped so one stuck
// job never blocks the rest of the sweep.
func (o *Orchestrator) SweepExpired(ctx context.Context) int {
	expired, err := o.ExpiredJobs(ctx)
	if err != nil {
		o.logger.Warn("failed to list expired jobs", "error", err)
		return 0
	}

	refunded := 0
	for _, job := range expired {
		if _, err := o.Refund(ctx, job.ID); err != nil {
			// InvalidState here usually means a concurrent completion won
			// the race; that is the intended resolution, not a fault.
			if errors.Is(err, jobs.ErrInvalidState) {
				o.logger.Debug("expired job no longer refundable", "jobId", job.ID, "error", err)
				continue
			}
			o.logger.Warn("failed to refund expired job", "jobId", job.ID, "error", err)
			continue
		}
		refunded++
		metrics.SweeperRefundsTotal.Inc()
		o.logger.Info("refunded expired job", "jobId", job.ID, "employerId", job.EmployerID)
	}
	return refunded
}
