package settlement

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/paychain/internal/auth"
	"github.com/mbd888/paychain/internal/jobs"
	"github.com/mbd888/paychain/internal/wei"
)

// usdPerETH is the display-only mock rate for balance responses.
// Conversion accuracy is explicitly not a design concern.
const usdPerETH = 4100.0

// Handler provides the service-to-service settlement surface and the
// user-facing balance endpoint.
type Handler struct {
	orch  *Orchestrator
	store jobs.Store
}

// NewHandler creates a new settlement handler.
func NewHandler(orch *Orchestrator, store jobs.Store) *Handler {
	return &Handler{orch: orch, store: store}
}

// RegisterServiceRoutes sets up the shared-credential settlement routes.
func (h *Handler) RegisterServiceRoutes(r *gin.RouterGroup) {
	r.POST("/escrow/lock", h.Lock)
	r.POST("/escrow/release", h.Release)
	r.POST("/escrow/refund", h.Refund)
	r.POST("/escrow/cancel", h.Cancel)
	r.GET("/escrow/stats", h.Stats)
	r.GET("/escrow/jobs/:id/attempts", h.Attempts)
}

// RegisterProtectedRoutes sets up user-token routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/balance/:address", h.Balance)
}

// escrowRequest names the job a settlement operation applies to.
type escrowRequest struct {
	JobID int64 `json:"jobId" binding:"required"`
}

func bindEscrowRequest(c *gin.Context) (int64, bool) {
	var req escrowRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.JobID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "jobId required",
		})
		return 0, false
	}
	return req.JobID, true
}

// Lock handles POST /v1/escrow/lock
func (h *Handler) Lock(c *gin.Context) {
	id, ok := bindEscrowRequest(c)
	if !ok {
		return
	}
	job, err := h.orch.LockAtCreation(c.Request.Context(), id)
	if err != nil {
		jobs.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

// Release handles POST /v1/escrow/release — pays out to the job's
// assigned worker.
func (h *Handler) Release(c *gin.Context) {
	id, ok := bindEscrowRequest(c)
	if !ok {
		return
	}
	job, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		jobs.WriteError(c, err)
		return
	}
	if job.WorkerID == nil {
		jobs.WriteError(c, jobs.ErrInvalidState)
		return
	}
	released, err := h.orch.Complete(c.Request.Context(), *job.WorkerID, id)
	if err != nil {
		jobs.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": released})
}

// Refund handles POST /v1/escrow/refund
func (h *Handler) Refund(c *gin.Context) {
	id, ok := bindEscrowRequest(c)
	if !ok {
		return
	}
	job, err := h.orch.Refund(c.Request.Context(), id)
	if err != nil {
		jobs.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

// Cancel handles POST /v1/escrow/cancel — employer-side cancellation of
// an open job's escrow.
func (h *Handler) Cancel(c *gin.Context) {
	id, ok := bindEscrowRequest(c)
	if !ok {
		return
	}
	job, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		jobs.WriteError(c, err)
		return
	}
	cancelled, err := h.orch.Cancel(c.Request.Context(), job.EmployerID, id)
	if err != nil {
		jobs.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": cancelled})
}

// Stats handles GET /v1/escrow/stats
func (h *Handler) Stats(c *gin.Context) {
	stats, err := h.orch.Chain().ContractStats(c.Request.Context())
	if err != nil {
		jobs.WriteError(c, jobs.ErrSettlementUnavailable)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"totalLockedEth":     wei.Format(stats.TotalLockedWei),
		"totalFeesEth":       wei.Format(stats.TotalFeesWei),
		"contractBalanceEth": wei.Format(stats.ContractBalance),
		"contractAddress":    h.orch.Chain().ContractAddress(),
	})
}

// Attempts handles GET /v1/escrow/jobs/:id/attempts — the settlement
// transaction log for a job, for reconciliation tooling.
func (h *Handler) Attempts(c *gin.Context) {
	id, ok := jobIDParam(c)
	if !ok {
		return
	}
	attempts, err := h.orch.Attempts().ListByJob(c.Request.Context(), id)
	if err != nil {
		jobs.WriteError(c, err)
		return
	}
	if attempts == nil {
		attempts = []*Attempt{}
	}
	c.JSON(http.StatusOK, gin.H{"attempts": attempts, "count": len(attempts)})
}

// Balance handles GET /v1/balance/:address. Callers may only query the
// wallet the gateway attests as theirs.
func (h *Handler) Balance(c *gin.Context) {
	claims, _ := auth.FromContext(c)
	address := c.Param("address")
	if !common.IsHexAddress(address) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid address",
		})
		return
	}
	if !strings.EqualFold(claims.Wallet, address) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Address does not match your wallet",
		})
		return
	}

	bal, err := h.orch.Chain().BalanceOf(c.Request.Context(), common.HexToAddress(address))
	if err != nil {
		jobs.WriteError(c, jobs.ErrSettlementUnavailable)
		return
	}
	eth := wei.ToFloat(bal)
	c.JSON(http.StatusOK, gin.H{
		"address":    address,
		"balanceEth": wei.Format(bal),
		"balanceUsd": eth * usdPerETH,
	})
}

func jobIDParam(c *gin.Context) (int64, bool) {
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
