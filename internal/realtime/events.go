package realtime

import "time"

// JobEvent is a typed marketplace event. Each variant carries only the
// fields its kind needs; the hub serializes them into a common envelope
// so clients can filter on kind and job ID without sniffing payloads.
type JobEvent interface {
	Kind() string
	Job() int64
}

// JobSnapshot is the slice of job state that rides along with lifecycle
// events. It mirrors the REST representation so clients don't need a
// follow-up fetch.
type JobSnapshot struct {
	ID            int64   `json:"id"`
	Title         string  `json:"title"`
	Category      string  `json:"jobType"`
	PayAmountUSD  float64 `json:"payAmountUsd"`
	PayAmountETH  float64 `json:"payAmountEth"`
	EmployerID    int64   `json:"employerId"`
	WorkerID      *int64  `json:"workerId,omitempty"`
	Status        string  `json:"status"`
	PaymentStatus string  `json:"paymentStatus"`
}

// JobCreated fires when an employer posts a new job.
type JobCreated struct {
	JobSnapshot
}

func (e JobCreated) Kind() string { return "job_created" }
func (e JobCreated) Job() int64   { return e.ID }

// JobAccepted fires when a worker takes a job and funds lock in escrow.
type JobAccepted struct {
	JobSnapshot
	Deadline time.Time `json:"deadline"`
}

func (e JobAccepted) Kind() string { return "job_accepted" }
func (e JobAccepted) Job() int64   { return e.ID }

// JobWithdrawn fires when a worker steps away and the job reopens.
type JobWithdrawn struct {
	JobSnapshot
	PreviousWorkerID int64 `json:"previousWorkerId"`
}

func (e JobWithdrawn) Kind() string { return "job_withdrawn" }
func (e JobWithdrawn) Job() int64   { return e.ID }

// ChecklistUpdated fires when a checklist item is toggled.
type ChecklistUpdated struct {
	JobID    int64 `json:"jobId"`
	ItemID   int   `json:"itemId"`
	Done     bool  `json:"completed"`
	Progress int   `json:"progress"`
}

func (e ChecklistUpdated) Kind() string { return "checklist_updated" }
func (e ChecklistUpdated) Job() int64   { return e.JobID }

// JobCompleted fires after escrow funds release to the worker.
type JobCompleted struct {
	JobSnapshot
	TxHash string `json:"txHash,omitempty"`
}

func (e JobCompleted) Kind() string { return "job_completed" }
func (e JobCompleted) Job() int64   { return e.ID }

// JobRefunded fires after an expiry sweep or cancellation returns funds
// to the employer.
type JobRefunded struct {
	JobSnapshot
	Reason string `json:"reason"` // "expired" or "cancelled"
	TxHash string `json:"txHash,omitempty"`
}

func (e JobRefunded) Kind() string { return "job_refunded" }
func (e JobRefunded) Job() int64   { return e.ID }

// SettlementFailed fires when a chain call for a job fails or times out.
type SettlementFailed struct {
	JobID     int64  `json:"jobId"`
	Operation string `json:"operation"`
	Reason    string `json:"reason"`
}

func (e SettlementFailed) Kind() string { return "settlement_failed" }
func (e SettlementFailed) Job() int64   { return e.JobID }
