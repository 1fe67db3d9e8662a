package jobs

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/paychain/internal/realtime"
)

// recordingPublisher captures published events for assertions.
type recordingPublisher struct {
	events []realtime.JobEvent
}

func (p *recordingPublisher) Publish(ev realtime.JobEvent) {
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) kinds() []string {
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Kind()
	}
	return out
}

func newTestService() (*Service, *recordingPublisher) {
	pub := &recordingPublisher{}
	return NewService(NewMemoryStore(), nil, pub, nil, DefaultLimits(), DefaultRates()), pub
}

func validInput() CreateInput {
	return CreateInput{
		Title:        "Write API docs",
		Description:  "Document every endpoint with request and response examples.",
		Category:     CategoryWriting,
		PayAmountUSD: 100,
		TimeLimitHrs: 24,
		Checklist:    []string{"outline", "draft", "review", "publish"},
	}
}

func mustCreate(t *testing.T, svc *Service) *Job {
	t.Helper()
	job, err := svc.Create(context.Background(), 1, validInput())
	require.NoError(t, err)
	return job
}

// accept flips a job to in_progress directly in the store; the full
// accept path, with escrow, lives in the settlement package.
func accept(t *testing.T, svc *Service, jobID, workerID int64) {
	t.Helper()
	ctx := context.Background()
	job, err := svc.store.Get(ctx, jobID)
	require.NoError(t, err)
	now := svc.now().UTC()
	deadline := now.Add(24 * time.Hour)
	job.Status = StatusInProgress
	job.WorkerID = &workerID
	job.AcceptedAt = &now
	job.Deadline = &deadline
	require.NoError(t, svc.store.Update(ctx, job))
}

func TestCreate(t *testing.T) {
	svc, pub := newTestService()
	job := mustCreate(t, svc)

	assert.Equal(t, int64(1), job.ID)
	assert.Equal(t, StatusOpen, job.Status)
	assert.Equal(t, PaymentPending, job.PaymentStatus)
	assert.Len(t, job.Checklist, 4)
	assert.Equal(t, 1, job.Checklist[0].ID)

	// $100 at the default rates: 2% fee, 0.000244 USD->ETH.
	assert.Equal(t, 2.0, job.FeeUSD)
	assert.Equal(t, 0.0244, job.PayAmountETH)
	assert.Equal(t, 0.000488, job.FeeETH)

	assert.Equal(t, []string{"job_created"}, pub.kinds())
}

func TestCreate_Validation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	cases := []struct {
		name  string
		field string
		in    func(CreateInput) CreateInput
	}{
		{"title too short", "title", func(in CreateInput) CreateInput { in.Title = "abcd"; return in }},
		{"title too long", "title", func(in CreateInput) CreateInput { in.Title = strings.Repeat("x", 201); return in }},
		{"title whitespace only", "title", func(in CreateInput) CreateInput { in.Title = "       "; return in }},
		{"description too short", "description", func(in CreateInput) CreateInput { in.Description = "too short"; return in }},
		{"description too long", "description", func(in CreateInput) CreateInput { in.Description = strings.Repeat("x", 5001); return in }},
		{"bad category", "jobType", func(in CreateInput) CreateInput { in.Category = "plumbing"; return in }},
		{"pay too low", "payAmountUsd", func(in CreateInput) CreateInput { in.PayAmountUSD = 9.99; return in }},
		{"pay too high", "payAmountUsd", func(in CreateInput) CreateInput { in.PayAmountUSD = 50001; return in }},
		{"time limit zero", "timeLimitHours", func(in CreateInput) CreateInput { in.TimeLimitHrs = 0; return in }},
		{"time limit too long", "timeLimitHours", func(in CreateInput) CreateInput { in.TimeLimitHrs = 721; return in }},
		{"empty checklist", "checklist", func(in CreateInput) CreateInput { in.Checklist = nil; return in }},
		{"checklist too long", "checklist", func(in CreateInput) CreateInput {
			in.Checklist = make([]string, 21)
			for i := range in.Checklist {
				in.Checklist[i] = "item"
			}
			return in
		}},
		{"blank checklist item", "checklist", func(in CreateInput) CreateInput { in.Checklist = []string{"ok", "  "}; return in }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Create(ctx, 1, tc.in(validInput()))
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}

	// Boundary values are accepted.
	in := validInput()
	in.Title = strings.Repeat("t", 5)
	in.PayAmountUSD = 10
	in.TimeLimitHrs = 720
	_, err := svc.Create(ctx, 1, in)
	assert.NoError(t, err)
}

func TestUpdate(t *testing.T) {
	svc, _ := newTestService()
	job := mustCreate(t, svc)
	ctx := context.Background()

	newPay := 200.0
	newTitle := "Write better API docs"
	updated, err := svc.Update(ctx, 1, job.ID, UpdateInput{
		Title:        &newTitle,
		PayAmountUSD: &newPay,
	})
	require.NoError(t, err)
	assert.Equal(t, newTitle, updated.Title)
	assert.Equal(t, 200.0, updated.PayAmountUSD)
	assert.Equal(t, 4.0, updated.FeeUSD, "fee recomputes with the pay change")
	assert.Equal(t, 0.0488, updated.PayAmountETH)
	assert.Len(t, updated.Checklist, 4, "checklist untouched when not supplied")
}

func TestUpdate_ChecklistReplacement(t *testing.T) {
	svc, _ := newTestService()
	job := mustCreate(t, svc)
	ctx := context.Background()

	updated, err := svc.Update(ctx, 1, job.ID, UpdateInput{
		Checklist: []string{"one thing only"},
	})
	require.NoError(t, err)
	require.Len(t, updated.Checklist, 1)
	assert.Equal(t, ChecklistItem{ID: 1, Text: "one thing only"}, updated.Checklist[0])
}

func TestUpdate_MergedResultValidated(t *testing.T) {
	svc, _ := newTestService()
	job := mustCreate(t, svc)

	bad := 5.0
	_, err := svc.Update(context.Background(), 1, job.ID, UpdateInput{PayAmountUSD: &bad})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "payAmountUsd", verr.Field)

	// The failed edit must not have leaked into the store.
	got, err := svc.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 100.0, got.PayAmountUSD)
}

func TestUpdate_Authorization(t *testing.T) {
	svc, _ := newTestService()
	job := mustCreate(t, svc)
	title := "hijacked"

	_, err := svc.Update(context.Background(), 2, job.ID, UpdateInput{Title: &title})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestUpdate_NonOpenJob(t *testing.T) {
	svc, _ := newTestService()
	job := mustCreate(t, svc)
	accept(t, svc, job.ID, 2)

	title := "too late"
	_, err := svc.Update(context.Background(), 1, job.ID, UpdateInput{Title: &title})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestWithdraw(t *testing.T) {
	svc, pub := newTestService()
	job := mustCreate(t, svc)
	accept(t, svc, job.ID, 2)
	ctx := context.Background()

	_, err := svc.SetChecklistItem(ctx, 2, job.ID, 1, true)
	require.NoError(t, err)

	reopened, err := svc.Withdraw(ctx, 2, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, reopened.Status)
	assert.Nil(t, reopened.WorkerID)
	assert.Nil(t, reopened.AcceptedAt)
	assert.Nil(t, reopened.Deadline)
	assert.Equal(t, 0, reopened.Progress(), "checklist progress resets for the next worker")

	var withdrawn realtime.JobWithdrawn
	for _, ev := range pub.events {
		if w, ok := ev.(realtime.JobWithdrawn); ok {
			withdrawn = w
		}
	}
	assert.Equal(t, int64(2), withdrawn.PreviousWorkerID)
}

func TestWithdraw_Authorization(t *testing.T) {
	svc, _ := newTestService()
	job := mustCreate(t, svc)
	accept(t, svc, job.ID, 2)

	_, err := svc.Withdraw(context.Background(), 3, job.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = svc.Withdraw(context.Background(), 2, 999)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestSetChecklistItem(t *testing.T) {
	svc, pub := newTestService()
	job := mustCreate(t, svc)
	accept(t, svc, job.ID, 2)
	ctx := context.Background()

	got, err := svc.SetChecklistItem(ctx, 2, job.ID, 1, true)
	require.NoError(t, err)
	assert.True(t, got.Checklist[0].Completed)
	assert.Equal(t, 25, got.Progress())

	// Untick again.
	got, err = svc.SetChecklistItem(ctx, 2, job.ID, 1, false)
	require.NoError(t, err)
	assert.False(t, got.Checklist[0].Completed)

	last := pub.events[len(pub.events)-1]
	upd, ok := last.(realtime.ChecklistUpdated)
	require.True(t, ok)
	assert.Equal(t, 0, upd.Progress)

	_, err = svc.SetChecklistItem(ctx, 2, job.ID, 42, true)
	assert.ErrorIs(t, err, ErrItemNotFound)

	_, err = svc.SetChecklistItem(ctx, 3, job.ID, 1, true)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestSetChecklistItem_OpenJob(t *testing.T) {
	svc, _ := newTestService()
	job := mustCreate(t, svc)

	_, err := svc.SetChecklistItem(context.Background(), 2, job.ID, 1, true)
	assert.ErrorIs(t, err, ErrForbidden, "no worker assigned yet")
}

func TestList_Pagination(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	for i := 0; i < 25; i++ {
		mustCreate(t, svc)
	}

	page, err := svc.List(ctx, ListFilter{}, SortNewest, Page{Skip: 0, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, page.Jobs, 10)
	assert.Equal(t, 25, page.Total)
	assert.Equal(t, 3, page.Pages)

	// Default limit applies when none is given.
	page, err = svc.List(ctx, ListFilter{}, SortNewest, Page{})
	require.NoError(t, err)
	assert.Len(t, page.Jobs, 20)
	assert.Equal(t, 20, page.Limit)

	// Past the end: empty page, same totals.
	page, err = svc.List(ctx, ListFilter{}, SortNewest, Page{Skip: 100, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, page.Jobs)
	assert.Equal(t, 25, page.Total)
}

func TestList_FilterAndSort(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	in := validInput()
	in.Title = "Design a logo"
	in.Category = CategoryDesign
	in.PayAmountUSD = 500
	_, err := svc.Create(ctx, 1, in)
	require.NoError(t, err)

	in = validInput()
	in.Title = "Translate the blog"
	in.PayAmountUSD = 50
	_, err = svc.Create(ctx, 1, in)
	require.NoError(t, err)

	page, err := svc.List(ctx, ListFilter{Category: CategoryDesign}, SortNewest, Page{})
	require.NoError(t, err)
	require.Len(t, page.Jobs, 1)
	assert.Equal(t, "Design a logo", page.Jobs[0].Title)

	page, err = svc.List(ctx, ListFilter{Search: "BLOG"}, SortNewest, Page{})
	require.NoError(t, err)
	require.Len(t, page.Jobs, 1)
	assert.Equal(t, "Translate the blog", page.Jobs[0].Title)

	page, err = svc.List(ctx, ListFilter{MinPay: 100}, SortPayHigh, Page{})
	require.NoError(t, err)
	require.Len(t, page.Jobs, 1)
	assert.Equal(t, 500.0, page.Jobs[0].PayAmountUSD)

	page, err = svc.List(ctx, ListFilter{}, SortPayLow, Page{})
	require.NoError(t, err)
	require.Len(t, page.Jobs, 2)
	assert.Equal(t, 50.0, page.Jobs[0].PayAmountUSD)
}

func TestPostedAndWorking(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	first := mustCreate(t, svc)
	second := mustCreate(t, svc)
	accept(t, svc, second.ID, 7)

	posted, err := svc.Posted(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, posted, 2)

	working, err := svc.Working(ctx, 7)
	require.NoError(t, err)
	require.Len(t, working, 1)
	assert.Equal(t, second.ID, working[0].ID)

	working, err = svc.Working(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, working)

	_ = first
}
