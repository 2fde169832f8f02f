package server

import (
	"errors"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Aidin1998/localxa/internal/database"
	"github.com/Aidin1998/localxa/internal/transfer"
	"github.com/Aidin1998/localxa/internal/txmanager"
)

// Server exposes health, metrics, branch diagnostics and transfers over HTTP.
type Server struct {
	logger    *zap.Logger
	mgr       *txmanager.Manager
	transfers *transfer.Service
	gatherer  prometheus.Gatherer
}

// NewServer creates a new HTTP server. gatherer defaults to the global
// Prometheus registry.
func NewServer(logger *zap.Logger, mgr *txmanager.Manager, transfers *transfer.Service, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{logger: logger, mgr: mgr, transfers: transfers, gatherer: gatherer}
}

// Router creates a new HTTP router
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	router.GET("/branches", s.handleBranches)

	router.GET("/ledgers/:name/accounts", s.handleAccounts)
	router.POST("/transfers", s.handleTransfer)

	return router
}

type ledgerBranches struct {
	Ledger         string `json:"ledger"`
	ActiveBranches int    `json:"active_branches"`
}

func (s *Server) handleBranches(c *gin.Context) {
	ledgers := s.transfers.Ledgers()
	out := make([]ledgerBranches, 0, len(ledgers))
	for _, l := range ledgers {
		out = append(out, ledgerBranches{Ledger: l.Name, ActiveBranches: l.Source.Resource().ActiveBranches()})
	}
	c.JSON(http.StatusOK, gin.H{
		"active_transactions": s.mgr.ActiveTransactions(),
		"ledgers":             out,
	})
}

func (s *Server) handleAccounts(c *gin.Context) {
	l, err := s.transfers.Ledger(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	accounts, err := database.Balances(c.Request.Context(), l.DB)
	if err != nil {
		s.logger.Error("Failed to list accounts", zap.String("ledger", l.Name), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list accounts"})
		return
	}
	c.JSON(http.StatusOK, accounts)
}

func (s *Server) handleTransfer(c *gin.Context) {
	var req transfer.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := s.transfers.Transfer(c.Request.Context(), req)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "committed"})
	case errors.Is(err, transfer.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, transfer.ErrUnknownLedger), errors.Is(err, database.ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, database.ErrInsufficientFunds):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		s.logger.Error("Transfer failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "transfer failed"})
	}
}
