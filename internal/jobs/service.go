package jobs

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/mbd888/paychain/internal/realtime"
	"github.com/mbd888/paychain/internal/syncutil"
)

// Limits are the configurable validation bounds for job postings.
type Limits struct {
	TitleMin     int
	TitleMax     int
	DescMin      int
	DescMax      int
	PayMinUSD    float64
	PayMaxUSD    float64
	TimeLimitMin int // hours
	TimeLimitMax int // hours
	ChecklistMin int
	ChecklistMax int
}

// DefaultLimits returns the standard posting bounds.
func DefaultLimits() Limits {
	return Limits{
		TitleMin:     5,
		TitleMax:     200,
		DescMin:      20,
		DescMax:      5000,
		PayMinUSD:    10,
		PayMaxUSD:    50000,
		TimeLimitMin: 1,
		TimeLimitMax: 720,
		ChecklistMin: 1,
		ChecklistMax: 20,
	}
}

// Rates holds the platform fee rate and the USD→ETH conversion rate used
// to denominate escrow amounts.
type Rates struct {
	FeeRate  float64 // platform fee as a fraction of pay, e.g. 0.02
	USDToETH float64 // ETH per USD
}

// DefaultRates returns the standard fee and conversion rates.
func DefaultRates() Rates {
	return Rates{FeeRate: 0.02, USDToETH: 0.000244}
}

// Directory resolves user IDs to display names. Implemented by the
// identity client; lookups are best-effort and return "" on failure.
type Directory interface {
	Username(ctx context.Context, id int64) string
}

// Publisher pushes job events to connected realtime clients.
type Publisher interface {
	Publish(ev realtime.JobEvent)
}

// nopPublisher swallows events when no hub is wired (tests, CLI tools).
type nopPublisher struct{}

func (nopPublisher) Publish(realtime.JobEvent) {}

// Service implements the job ledger operations. All status-changing writes
// go through the per-job lock it shares with the settlement orchestrator.
type Service struct {
	store  Store
	users  Directory
	events Publisher
	locks  *syncutil.JobLocks
	limits Limits
	rates  Rates
	now    func() time.Time
}

// NewService creates the job ledger service. users may be nil when no
// identity service is configured; events may be nil when no hub is wired.
func NewService(store Store, users Directory, events Publisher, locks *syncutil.JobLocks, limits Limits, rates Rates) *Service {
	if events == nil {
		events = nopPublisher{}
	}
	if locks == nil {
		locks = syncutil.NewJobLocks()
	}
	return &Service{
		store:  store,
		users:  users,
		events: events,
		locks:  locks,
		limits: limits,
		rates:  rates,
		now:    time.Now,
	}
}

// Locks exposes the per-job lock pool so the settlement orchestrator can
// share it.
func (s *Service) Locks() *syncutil.JobLocks { return s.locks }

// Store exposes the underlying job store for settlement-side writes.
func (s *Service) Store() Store { return s.store }

// CreateInput is an employer's job posting request.
type CreateInput struct {
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	Category     Category `json:"jobType"`
	PayAmountUSD float64  `json:"payAmountUsd"`
	TimeLimitHrs int      `json:"timeLimitHours"`
	Checklist    []string `json:"checklist"`
}

// UpdateInput is a partial edit of an open job. Nil fields are unchanged.
type UpdateInput struct {
	Title        *string   `json:"title"`
	Description  *string   `json:"description"`
	Category     *Category `json:"jobType"`
	PayAmountUSD *float64  `json:"payAmountUsd"`
	TimeLimitHrs *int      `json:"timeLimitHours"`
	Checklist    []string  `json:"checklist"` // nil = keep; non-nil replaces wholesale
}

func (s *Service) validate(in CreateInput) error {
	l := s.limits
	title := strings.TrimSpace(in.Title)
	if len(title) < l.TitleMin || len(title) > l.TitleMax {
		return &ValidationError{Field: "title", Message: between(l.TitleMin, l.TitleMax, "characters")}
	}
	desc := strings.TrimSpace(in.Description)
	if len(desc) < l.DescMin || len(desc) > l.DescMax {
		return &ValidationError{Field: "description", Message: between(l.DescMin, l.DescMax, "characters")}
	}
	if !ValidCategory(in.Category) {
		return &ValidationError{Field: "jobType", Message: "must be one of development, design, writing, marketing, other"}
	}
	if in.PayAmountUSD < l.PayMinUSD || in.PayAmountUSD > l.PayMaxUSD {
		return &ValidationError{Field: "payAmountUsd", Message: betweenF(l.PayMinUSD, l.PayMaxUSD, "USD")}
	}
	if in.TimeLimitHrs < l.TimeLimitMin || in.TimeLimitHrs > l.TimeLimitMax {
		return &ValidationError{Field: "timeLimitHours", Message: between(l.TimeLimitMin, l.TimeLimitMax, "hours")}
	}
	if len(in.Checklist) < l.ChecklistMin || len(in.Checklist) > l.ChecklistMax {
		return &ValidationError{Field: "checklist", Message: between(l.ChecklistMin, l.ChecklistMax, "items")}
	}
	for _, item := range in.Checklist {
		if strings.TrimSpace(item) == "" {
			return &ValidationError{Field: "checklist", Message: "items must not be empty"}
		}
	}
	return nil
}

// priceOut computes the ETH denomination and platform fee for a USD pay
// amount. USD fees round to cents; ETH amounts round to 8 decimals, which
// is far coarser than wei but matches what clients display.
func (s *Service) priceOut(payUSD float64) (payETH, feeUSD, feeETH float64) {
	feeUSD = round2(payUSD * s.rates.FeeRate)
	payETH = round8(payUSD * s.rates.USDToETH)
	feeETH = round8(feeUSD * s.rates.USDToETH)
	return payETH, feeUSD, feeETH
}

// Create validates and records a new job posting.
func (s *Service) Create(ctx context.Context, employerID int64, in CreateInput) (*Job, error) {
	if err := s.validate(in); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	payETH, feeUSD, feeETH := s.priceOut(in.PayAmountUSD)
	job := &Job{
		EmployerID:    employerID,
		Title:         strings.TrimSpace(in.Title),
		Description:   strings.TrimSpace(in.Description),
		Category:      in.Category,
		PayAmountUSD:  in.PayAmountUSD,
		PayAmountETH:  payETH,
		FeeUSD:        feeUSD,
		FeeETH:        feeETH,
		TimeLimitHrs:  in.TimeLimitHrs,
		Checklist:     BuildChecklist(in.Checklist),
		Status:        StatusOpen,
		PaymentStatus: PaymentPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Create(ctx, job); err != nil {
		return nil, err
	}

	s.events.Publish(realtime.JobCreated{JobSnapshot: snapshot(job)})
	return job, nil
}

// Update edits an open job. Only the employer may edit, and only while no
// worker has accepted. A new checklist replaces the old one wholesale,
// resetting all completion flags.
func (s *Service) Update(ctx context.Context, userID, jobID int64, in UpdateInput) (*Job, error) {
	unlock, err := s.locks.Lock(ctx, jobID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.EmployerID != userID {
		return nil, ErrForbidden
	}
	if job.Status != StatusOpen {
		return nil, ErrInvalidState
	}

	if in.Title != nil {
		job.Title = strings.TrimSpace(*in.Title)
	}
	if in.Description != nil {
		job.Description = strings.TrimSpace(*in.Description)
	}
	if in.Category != nil {
		job.Category = *in.Category
	}
	if in.PayAmountUSD != nil {
		job.PayAmountUSD = *in.PayAmountUSD
		job.PayAmountETH, job.FeeUSD, job.FeeETH = s.priceOut(job.PayAmountUSD)
	}
	if in.TimeLimitHrs != nil {
		job.TimeLimitHrs = *in.TimeLimitHrs
	}
	if in.Checklist != nil {
		job.Checklist = BuildChecklist(in.Checklist)
	}

	// Re-run the posting bounds against the merged result.
	texts := make([]string, len(job.Checklist))
	for i, item := range job.Checklist {
		texts[i] = item.Text
	}
	if err := s.validate(CreateInput{
		Title:        job.Title,
		Description:  job.Description,
		Category:     job.Category,
		PayAmountUSD: job.PayAmountUSD,
		TimeLimitHrs: job.TimeLimitHrs,
		Checklist:    texts,
	}); err != nil {
		return nil, err
	}

	job.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Get returns a job by ID, enriched with usernames when the identity
// service is reachable.
func (s *Service) Get(ctx context.Context, jobID int64) (*Job, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	s.enrich(ctx, job)
	return job, nil
}

// List returns a filtered, sorted page of jobs with pagination metadata.
func (s *Service) List(ctx context.Context, filter ListFilter, key SortKey, page Page) (*PagedJobs, error) {
	if page.Limit <= 0 {
		page.Limit = 20
	}
	if page.Skip < 0 {
		page.Skip = 0
	}
	matched, total, err := s.store.List(ctx, filter, key, page)
	if err != nil {
		return nil, err
	}
	for _, j := range matched {
		s.enrich(ctx, j)
	}
	if matched == nil {
		matched = []*Job{}
	}
	return &PagedJobs{
		Jobs:  matched,
		Total: total,
		Skip:  page.Skip,
		Limit: page.Limit,
		Pages: PageCount(total, page.Limit),
	}, nil
}

// Posted returns all jobs a user has posted, newest first.
func (s *Service) Posted(ctx context.Context, employerID int64) ([]*Job, error) {
	list, err := s.store.ListByEmployer(ctx, employerID)
	if err != nil {
		return nil, err
	}
	for _, j := range list {
		s.enrich(ctx, j)
	}
	return list, nil
}

// Working returns all jobs a user has accepted, newest first.
func (s *Service) Working(ctx context.Context, workerID int64) ([]*Job, error) {
	list, err := s.store.ListByWorker(ctx, workerID)
	if err != nil {
		return nil, err
	}
	for _, j := range list {
		s.enrich(ctx, j)
	}
	return list, nil
}

// Withdraw lets the assigned worker step away from an in-progress job.
// The job reopens, timing resets, and checklist progress is cleared; the
// escrow stays locked for the next worker.
func (s *Service) Withdraw(ctx context.Context, workerID, jobID int64) (*Job, error) {
	unlock, err := s.locks.Lock(ctx, jobID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.AssignedTo(workerID) {
		return nil, ErrForbidden
	}
	if job.Status != StatusInProgress {
		return nil, ErrInvalidState
	}

	prev := *job.WorkerID
	job.Status = StatusOpen
	job.WorkerID = nil
	job.AcceptedAt = nil
	job.Deadline = nil
	for i := range job.Checklist {
		job.Checklist[i].Completed = false
	}
	job.UpdatedAt = s.now().UTC()

	if err := s.store.Update(ctx, job); err != nil {
		return nil, err
	}

	s.events.Publish(realtime.JobWithdrawn{JobSnapshot: snapshot(job), PreviousWorkerID: prev})
	return job, nil
}

// SetChecklistItem toggles one checklist item for the assigned worker and
// returns the updated job. Completion of the last item does not settle the
// job; the worker still submits explicitly.
func (s *Service) SetChecklistItem(ctx context.Context, workerID, jobID int64, itemID int, completed bool) (*Job, error) {
	unlock, err := s.locks.Lock(ctx, jobID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.AssignedTo(workerID) {
		return nil, ErrForbidden
	}
	if job.Status != StatusInProgress {
		return nil, ErrInvalidState
	}

	found := false
	for i := range job.Checklist {
		if job.Checklist[i].ID == itemID {
			job.Checklist[i].Completed = completed
			found = true
			break
		}
	}
	if !found {
		return nil, ErrItemNotFound
	}

	job.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, job); err != nil {
		return nil, err
	}

	s.events.Publish(realtime.ChecklistUpdated{
		JobID:    job.ID,
		ItemID:   itemID,
		Done:     completed,
		Progress: job.Progress(),
	})
	return job, nil
}

func (s *Service) enrich(ctx context.Context, job *Job) {
	if s.users == nil {
		return
	}
	job.EmployerUsername = s.users.Username(ctx, job.EmployerID)
	if job.WorkerID != nil {
		job.WorkerUsername = s.users.Username(ctx, *job.WorkerID)
	}
}

func snapshot(j *Job) realtime.JobSnapshot {
	return realtime.JobSnapshot{
		ID:            j.ID,
		Title:         j.Title,
		Category:      string(j.Category),
		PayAmountUSD:  j.PayAmountUSD,
		PayAmountETH:  j.PayAmountETH,
		EmployerID:    j.EmployerID,
		WorkerID:      j.WorkerID,
		Status:        string(j.Status),
		PaymentStatus: string(j.PaymentStatus),
	}
}

// Snapshot exposes the realtime view of a job for settlement-side events.
func Snapshot(j *Job) realtime.JobSnapshot { return snapshot(j) }

func between(lo, hi int, unit string) string {
	return fmt.Sprintf("must be between %d and %d %s", lo, hi, unit)
}

func betweenF(lo, hi float64, unit string) string {
	return fmt.Sprintf("must be between %g and %g %s", lo, hi, unit)
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round8(v float64) float64 { return math.Round(v*1e8) / 1e8 }
