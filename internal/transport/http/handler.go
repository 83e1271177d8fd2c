package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/richardliu001/escrow-settler/internal/repo"
	"github.com/richardliu001/escrow-settler/internal/service"
	"github.com/richardliu001/escrow-settler/internal/sweep"
	"gorm.io/gorm"
)

// API serves the operator surface of the settler.
type API struct {
	runner sweep.Runner
	repo   repo.RepositoryInterface
	ledger *service.LedgerService
}

func NewAPI(runner sweep.Runner, r repo.RepositoryInterface, ledger *service.LedgerService) *API {
	return &API{runner: runner, repo: r, ledger: ledger}
}

func RegisterHandlers(r *gin.Engine, api *API) {
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	v1 := r.Group("/v1")
	{
		v1.POST("/sweeps", api.runSweep)
		v1.GET("/transactions/:id", api.getTransaction)
		v1.GET("/transactions/:id/logs", api.getLogs)
		v1.GET("/users/:id/balance", api.getBalance)
		v1.GET("/users/:id/history", api.getHistory)
	}
}

func parseID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func writeErr(c *gin.Context, err error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// runSweep triggers one reconciliation pass and waits for its report.
func (a *API) runSweep(c *gin.Context) {
	rep, err := a.runner.RunOnce(c.Request.Context())
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

type transactionView struct {
	ID             uint64    `json:"id"`
	BuyerID        uint64    `json:"buyer_id"`
	SellerID       uint64    `json:"seller_id"`
	OfferID        uint64    `json:"offer_id"`
	AssetID        string    `json:"asset_id"`
	Amount         string    `json:"amount"`
	Status         string    `json:"status"`
	EscrowUntil    time.Time `json:"escrow_until"`
	EscrowReleased bool      `json:"escrow_released"`
	Refunded       bool      `json:"refunded"`
	RefundReason   *string   `json:"refund_reason,omitempty"`
	BannedSeller   bool      `json:"banned_seller"`
	AttemptCount   int       `json:"attempt_count"`
}

func (a *API) getTransaction(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	t, err := a.repo.GetTransaction(c.Request.Context(), id)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, transactionView{
		ID: t.ID, BuyerID: t.BuyerID, SellerID: t.SellerID, OfferID: t.OfferID, AssetID: t.Offer.AssetID,
		Amount: t.Amount.StringFixed(2), Status: string(t.Status), EscrowUntil: t.EscrowUntil,
		EscrowReleased: t.EscrowReleased, Refunded: t.Refunded, RefundReason: t.RefundReason,
		BannedSeller: t.BannedSeller, AttemptCount: t.AttemptCount,
	})
}

func (a *API) getLogs(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	logs, err := a.repo.ListEscrowLogs(c.Request.Context(), id)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, logs)
}

func (a *API) getBalance(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	bal, err := a.ledger.GetBalance(c.Request.Context(), id)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal.StringFixed(2)})
}

func (a *API) getHistory(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	sinceStr := c.DefaultQuery("since", time.Now().Add(-24*time.Hour).Format(time.RFC3339))
	since, err := time.Parse(time.RFC3339, sinceStr)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since"})
		return
	}
	entries, err := a.ledger.GetHistory(c.Request.Context(), id, limit, since)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}
