package jobs

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/paychain/internal/auth"
	"github.com/mbd888/paychain/internal/metrics"
)

// Settler drives the money-moving transitions on behalf of the HTTP
// layer. Implemented by the settlement orchestrator.
type Settler interface {
	Accept(ctx context.Context, workerID, jobID int64) (*Job, error)
	Complete(ctx context.Context, workerID, jobID int64) (*Job, error)
	Refund(ctx context.Context, jobID int64) (*Job, error)
	Cancel(ctx context.Context, employerID, jobID int64) (*Job, error)
	LockAtCreation(ctx context.Context, jobID int64) (*Job, error)
	ExpiredJobs(ctx context.Context) ([]*Job, error)
}

// Handler provides the /jobs HTTP surface.
type Handler struct {
	service *Service
	settler Settler
}

// NewHandler creates a new jobs handler.
func NewHandler(service *Service, settler Settler) *Handler {
	return &Handler{service: service, settler: settler}
}

// RegisterRoutes sets up public (optional-auth) job routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/jobs", h.List)
	r.GET("/jobs/:id", h.Get)
}

// RegisterProtectedRoutes sets up auth-required job routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/jobs/my-jobs", h.Mine)
	r.POST("/jobs", auth.RequireRole(auth.RoleEmployer), h.Create)
	r.PUT("/jobs/:id", auth.RequireRole(auth.RoleEmployer), h.Update)
	r.DELETE("/jobs/:id", auth.RequireRole(auth.RoleEmployer), h.Delete)
	r.POST("/jobs/:id/refund", auth.RequireRole(auth.RoleEmployer), h.Refund)
	r.PUT("/jobs/:id/accept", auth.RequireRole(auth.RoleWorker), h.Accept)
	r.POST("/jobs/:id/withdraw", auth.RequireRole(auth.RoleWorker), h.Withdraw)
	r.PUT("/jobs/:id/checklist", auth.RequireRole(auth.RoleWorker), h.Checklist)
	r.POST("/jobs/:id/complete", auth.RequireRole(auth.RoleWorker), h.Complete)
}

// RegisterPrivilegedRoutes sets up service-credential job routes.
func (h *Handler) RegisterPrivilegedRoutes(r *gin.RouterGroup) {
	r.GET("/jobs/expired", h.Expired)
}

// WriteError maps the domain error taxonomy onto HTTP responses. Shared
// with the settlement handlers.
func WriteError(c *gin.Context, err error) {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": ve.Error(),
			"field":   ve.Field,
		})
	case errors.Is(err, ErrJobNotFound), errors.Is(err, ErrItemNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})
	case errors.Is(err, ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": err.Error(),
		})
	case errors.Is(err, ErrNoWallet):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "no_wallet",
			"message": err.Error(),
		})
	case errors.Is(err, ErrSettlementIndeterminate):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "settlement_indeterminate",
			"message": err.Error(),
		})
	case errors.Is(err, ErrSettlementUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "settlement_unavailable",
			"message": err.Error(),
		})
	case errors.Is(err, ErrUpstreamUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "upstream_unavailable",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}

// writeSettlementOutcome returns the job along with a settlement error
// when the chain call failed. The job payload carries the accurate
// payment status either way; the status code never claims success for a
// failed settlement.
func writeSettlementOutcome(c *gin.Context, job *Job, err error) {
	if err == nil {
		c.JSON(http.StatusOK, gin.H{"job": job})
		return
	}
	if job == nil || (!errors.Is(err, ErrSettlementUnavailable) && !errors.Is(err, ErrSettlementIndeterminate)) {
		WriteError(c, err)
		return
	}
	status := http.StatusBadGateway
	kind := "settlement_unavailable"
	if errors.Is(err, ErrSettlementIndeterminate) {
		status = http.StatusServiceUnavailable
		kind = "settlement_indeterminate"
	}
	c.JSON(status, gin.H{
		"error":   kind,
		"message": err.Error(),
		"job":     job,
	})
}

func jobID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid job id",
		})
		return 0, false
	}
	return id, true
}

// Create handles POST /v1/jobs
func (h *Handler) Create(c *gin.Context) {
	claims, _ := auth.FromContext(c)

	var req CreateInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	job, err := h.service.Create(c.Request.Context(), claims.UserID, req)
	if err != nil {
		WriteError(c, err)
		return
	}
	metrics.JobsCreatedTotal.WithLabelValues(string(job.Category)).Inc()

	// Initial escrow lock. Failure does not undo the posting: the job
	// stays open with payment_status=failed and the accept path retries
	// the lock idempotently.
	locked, lockErr := h.settler.LockAtCreation(c.Request.Context(), job.ID)
	if locked != nil {
		job = locked
	}
	resp := gin.H{"job": job}
	if lockErr != nil {
		resp["settlement"] = gin.H{
			"error":   "lock_failed",
			"message": lockErr.Error(),
		}
	}
	c.JSON(http.StatusCreated, resp)
}

// Update handles PUT /v1/jobs/:id
func (h *Handler) Update(c *gin.Context) {
	claims, _ := auth.FromContext(c)
	id, ok := jobID(c)
	if !ok {
		return
	}

	var req UpdateInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	job, err := h.service.Update(c.Request.Context(), claims.UserID, id, req)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

// Delete handles DELETE /v1/jobs/:id — cancels an open job, refunding
// any locked escrow.
func (h *Handler) Delete(c *gin.Context) {
	claims, _ := auth.FromContext(c)
	id, ok := jobID(c)
	if !ok {
		return
	}

	job, err := h.settler.Cancel(c.Request.Context(), claims.UserID, id)
	if err != nil {
		writeSettlementOutcome(c, job, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// List handles GET /v1/jobs
func (h *Handler) List(c *gin.Context) {
	filter := ListFilter{
		Status:   Status(c.Query("status")),
		Category: Category(c.Query("jobType")),
		Search:   c.Query("search"),
	}
	if v := c.Query("minPay"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			filter.MinPay = f
		}
	}
	if v := c.Query("maxPay"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			filter.MaxPay = f
		}
	}

	page := Page{Skip: 0, Limit: 20}
	if v := c.Query("skip"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			page.Skip = n
		}
	}
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			page.Limit = n
			if page.Limit > 100 {
				page.Limit = 100
			}
		}
	}

	result, err := h.service.List(c.Request.Context(), filter, SortKey(c.Query("sort")), page)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Get handles GET /v1/jobs/:id
func (h *Handler) Get(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}

	job, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

// Mine handles GET /v1/jobs/my-jobs — posted jobs for employers,
// accepted jobs for workers.
func (h *Handler) Mine(c *gin.Context) {
	claims, _ := auth.FromContext(c)

	var (
		list []*Job
		err  error
	)
	switch claims.Role {
	case auth.RoleEmployer:
		list, err = h.service.Posted(c.Request.Context(), claims.UserID)
	case auth.RoleWorker:
		list, err = h.service.Working(c.Request.Context(), claims.UserID)
	default:
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Unknown role",
		})
		return
	}
	if err != nil {
		WriteError(c, err)
		return
	}
	if list == nil {
		list = []*Job{}
	}
	c.JSON(http.StatusOK, gin.H{"jobs": list, "count": len(list)})
}

// Accept handles PUT /v1/jobs/:id/accept — claims the job and locks
// escrow.
func (h *Handler) Accept(c *gin.Context) {
	claims, _ := auth.FromContext(c)
	id, ok := jobID(c)
	if !ok {
		return
	}

	job, err := h.settler.Accept(c.Request.Context(), claims.UserID, id)
	writeSettlementOutcome(c, job, err)
}

// Withdraw handles POST /v1/jobs/:id/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	claims, _ := auth.FromContext(c)
	id, ok := jobID(c)
	if !ok {
		return
	}

	job, err := h.service.Withdraw(c.Request.Context(), claims.UserID, id)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

// ChecklistRequest toggles a single checklist item.
type ChecklistRequest struct {
	ItemID    int  `json:"itemId" binding:"required"`
	Completed bool `json:"completed"`
}

// Checklist handles PUT /v1/jobs/:id/checklist
func (h *Handler) Checklist(c *gin.Context) {
	claims, _ := auth.FromContext(c)
	id, ok := jobID(c)
	if !ok {
		return
	}

	var req ChecklistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	job, err := h.service.SetChecklistItem(c.Request.Context(), claims.UserID, id, req.ItemID, req.Completed)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job, "progress": job.Progress()})
}

// Complete handles POST /v1/jobs/:id/complete — requires a fully ticked
// checklist and releases escrow to the worker.
func (h *Handler) Complete(c *gin.Context) {
	claims, _ := auth.FromContext(c)
	id, ok := jobID(c)
	if !ok {
		return
	}

	job, err := h.settler.Complete(c.Request.Context(), claims.UserID, id)
	writeSettlementOutcome(c, job, err)
}

// Refund handles POST /v1/jobs/:id/refund — employer-triggered refund of
// an expired job.
func (h *Handler) Refund(c *gin.Context) {
	claims, _ := auth.FromContext(c)
	id, ok := jobID(c)
	if !ok {
		return
	}

	// Ownership check before driving the settlement path.
	job, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		WriteError(c, err)
		return
	}
	if job.EmployerID != claims.UserID {
		WriteError(c, ErrForbidden)
		return
	}

	refunded, err := h.settler.Refund(c.Request.Context(), id)
	writeSettlementOutcome(c, refunded, err)
}

// Expired handles GET /v1/jobs/expired — service-credential listing of
// refundable jobs.
func (h *Handler) Expired(c *gin.Context) {
	list, err := h.settler.ExpiredJobs(c.Request.Context())
	if err != nil {
		WriteError(c, err)
		return
	}
	if list == nil {
		list = []*Job{}
	}
	c.JSON(http.StatusOK, gin.H{"jobs": list, "count": len(list)})
}
