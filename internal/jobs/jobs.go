// Package jobs implements the job ledger: the authoritative record of a
// job's lifecycle, checklist, and payment state.
//
// Flow:
//  1. Employer posts a job → status open, payment pending
//  2. Worker accepts → status in_progress, funds locked in escrow
//  3. Worker completes the checklist and submits → status completed, funds released
//  4. Deadline passes with work unfinished → status cancelled, funds refunded
//
// Money-moving transitions (accept, complete, refund, cancel) are driven by
// the settlement orchestrator, never by this package alone.
package jobs

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrForbidden    = errors.New("not authorized for this job operation")
	ErrInvalidState = errors.New("invalid job status for this operation")
	ErrItemNotFound = errors.New("checklist item not found")

	// Settlement-side failures, surfaced through the orchestrator. They
	// live here so every handler maps the full taxonomy with one helper.
	ErrSettlementUnavailable   = errors.New("settlement: chain call failed")
	ErrSettlementIndeterminate = errors.New("settlement: chain outcome unknown")
	ErrUpstreamUnavailable     = errors.New("upstream service unavailable")
	ErrNoWallet                = errors.New("user has no wallet address")
)

// ValidationError reports a request field outside configured bounds.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Status is the job lifecycle state.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// PaymentStatus tracks the escrow side of a job, independently of Status.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentLocked   PaymentStatus = "locked"
	PaymentReleased PaymentStatus = "released"
	PaymentRefunded PaymentStatus = "refunded"
	PaymentFailed   PaymentStatus = "failed"
)

// Category is the closed set of job categories.
type Category string

const (
	CategoryDevelopment Category = "development"
	CategoryDesign      Category = "design"
	CategoryWriting     Category = "writing"
	CategoryMarketing   Category = "marketing"
	CategoryOther       Category = "other"
)

// ValidCategory reports whether c is a known job category.
func ValidCategory(c Category) bool {
	switch c {
	case CategoryDevelopment, CategoryDesign, CategoryWriting, CategoryMarketing, CategoryOther:
		return true
	}
	return false
}

// CanTransition reports whether a job status transition is legal.
// The full machine:
//
//	open → in_progress → completed
//	in_progress → open       (worker withdrawal)
//	in_progress → cancelled  (expiry refund or employer cancel)
//	open → cancelled         (employer deletes an unaccepted job)
func CanTransition(from, to Status) bool {
	switch from {
	case StatusOpen:
		return to == StatusInProgress || to == StatusCancelled
	case StatusInProgress:
		return to == StatusCompleted || to == StatusOpen || to == StatusCancelled
	}
	return false
}

// ChecklistItem is one completion criterion. Item IDs are 1-based and
// local to their job; items are never shared between jobs.
type ChecklistItem struct {
	ID        int    `json:"id"`
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
}

// BuildChecklist converts ordered line-item texts into an incomplete
// checklist.
func BuildChecklist(texts []string) []ChecklistItem {
	items := make([]ChecklistItem, len(texts))
	for i, text := range texts {
		items[i] = ChecklistItem{ID: i + 1, Text: text}
	}
	return items
}

// Job is the relational record of a posted job.
type Job struct {
	ID            int64           `json:"id"`
	EmployerID    int64           `json:"employerId"`
	WorkerID      *int64          `json:"workerId,omitempty"`
	Title         string          `json:"title"`
	Description   string          `json:"description"`
	Category      Category        `json:"jobType"`
	PayAmountUSD  float64         `json:"payAmountUsd"`
	PayAmountETH  float64         `json:"payAmountEth"`
	FeeUSD        float64         `json:"platformFeeUsd"`
	FeeETH        float64         `json:"platformFeeEth"`
	TimeLimitHrs  int             `json:"timeLimitHours"`
	AcceptedAt    *time.Time      `json:"acceptedAt,omitempty"`
	Deadline      *time.Time      `json:"deadline,omitempty"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
	Checklist     []ChecklistItem `json:"checklist"`
	ContractAddr  string          `json:"contractAddress,omitempty"`
	ContractJobID *int64          `json:"contractJobId,omitempty"`
	Status        Status          `json:"status"`
	PaymentStatus PaymentStatus   `json:"paymentStatus"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`

	// Filled from the identity service on reads; never persisted.
	EmployerUsername string `json:"employerUsername,omitempty"`
	WorkerUsername   string `json:"workerUsername,omitempty"`
}

// IsTerminal returns true if the job is in a final state.
func (j *Job) IsTerminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusCancelled
}

// AssignedTo reports whether workerID is the job's current worker.
func (j *Job) AssignedTo(workerID int64) bool {
	return j.WorkerID != nil && *j.WorkerID == workerID
}

// Progress returns the integer checklist completion percentage
// (floored), 0 for an empty checklist.
func (j *Job) Progress() int {
	if len(j.Checklist) == 0 {
		return 0
	}
	done := 0
	for _, item := range j.Checklist {
		if item.Completed {
			done++
		}
	}
	return done * 100 / len(j.Checklist)
}

// ChecklistComplete reports whether every checklist item is done.
func (j *Job) ChecklistComplete() bool {
	for _, item := range j.Checklist {
		if !item.Completed {
			return false
		}
	}
	return true
}

// Expired reports whether the job's deadline has passed as of now.
func (j *Job) Expired(now time.Time) bool {
	return j.Deadline != nil && j.Deadline.Before(now)
}

// copyChecklist clones the checklist so stores and mutations never share
// backing arrays. Checklists are values: every mutation replaces the
// slice wholesale.
func copyChecklist(items []ChecklistItem) []ChecklistItem {
	if items == nil {
		return nil
	}
	cp := make([]ChecklistItem, len(items))
	copy(cp, items)
	return cp
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	cp := *j
	cp.Checklist = copyChecklist(j.Checklist)
	if j.WorkerID != nil {
		w := *j.WorkerID
		cp.WorkerID = &w
	}
	if j.ContractJobID != nil {
		c := *j.ContractJobID
		cp.ContractJobID = &c
	}
	return &cp
}
