// Package web exposes the engine over HTTP.
package web

import (
	"context"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/cryptodca/internal/domain"
	"github.com/vadiminshakov/cryptodca/internal/events"
	"github.com/vadiminshakov/cryptodca/internal/services/engine"
	"go.uber.org/zap"
)

// Engine is the part of the engine the API drives.
type Engine interface {
	Initialized() bool
	Version() string
	Registry() *domain.Registry
	Custody() common.Address
	GetPID(owner, source, target common.Address, amountPerExecution decimal.Decimal) domain.PlanID
	GetPlan(id domain.PlanID) (*domain.Plan, error)
	Plans(f engine.PlanFilter) []*domain.Plan
	IsSourceAssetEligible(asset common.Address) bool
	HasRole(role domain.Role, account common.Address) bool
	ProceedsOf(holder, asset common.Address) decimal.Decimal
	ProceedsEntries(holder common.Address) []domain.LedgerEntry
	FeesOf(asset common.Address) decimal.Decimal
	PendingIntents() []*domain.Intent

	CreatePlan(ctx context.Context, caller common.Address, params domain.PlanParams) (*domain.Plan, error)
	FundPlan(ctx context.Context, caller common.Address, id domain.PlanID, amount decimal.Decimal) (*domain.Plan, error)
	PausePlan(ctx context.Context, caller common.Address, id domain.PlanID) error
	ResumePlan(ctx context.Context, caller common.Address, id domain.PlanID) error
	CancelPlan(ctx context.Context, caller common.Address, id domain.PlanID, refundTo common.Address) (decimal.Decimal, error)
	ExecutePlan(ctx context.Context, caller common.Address, instruction []byte, id domain.PlanID, minimumOutput decimal.Decimal) (*engine.ExecutionReceipt, error)
	Withdraw(ctx context.Context, caller, asset, to common.Address) (decimal.Decimal, error)
	WithdrawFee(ctx context.Context, caller, asset, to common.Address) (decimal.Decimal, error)

	SetFee(ctx context.Context, caller common.Address, bps int64) error
	SetExecuteTolerance(ctx context.Context, caller common.Address, tolerance time.Duration) error
	SetMinimumAmountPerExecution(ctx context.Context, caller common.Address, amount decimal.Decimal) error
	SetEligibleSourceAssets(ctx context.Context, caller common.Address, assets []common.Address) error
	GrantExecutor(ctx context.Context, caller, account common.Address) error
	RevokeExecutor(ctx context.Context, caller, account common.Address) error
	TransferAdmin(ctx context.Context, caller, account common.Address) error
}

// Server serves the plan API, health probes and metrics.
type Server struct {
	Addr    string
	Engine  Engine
	Auth    *Authenticator
	Events  *events.Broadcaster
	Metrics http.Handler
	Logger  *zap.Logger
}

// Handler builds the gin router.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.logRequests())

	r.GET("/healthz", s.handleHealth)
	r.GET("/version", s.handleVersion)
	if s.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.Metrics))
	}

	v1 := r.Group("/v1")
	v1.GET("/pid", s.handlePID)
	v1.GET("/config", s.handleConfig)
	v1.GET("/plans", s.handleListPlans)
	v1.GET("/plans/:id", s.handleGetPlan)
	v1.GET("/assets/:asset/eligible", s.handleEligible)
	v1.GET("/roles/:role/:address", s.handleHasRole)
	v1.GET("/ledger/proceeds/:holder", s.handleProceedsEntries)
	v1.GET("/ledger/proceeds/:holder/:asset", s.handleProceeds)
	v1.GET("/ledger/fees/:asset", s.handleFees)
	v1.GET("/intents", s.handleIntents)
	if s.Events != nil {
		v1.GET("/events/stream", s.handleEventStream)
	}

	authed := v1.Group("", s.Auth.requireCaller())
	authed.POST("/plans", s.handleCreatePlan)
	authed.POST("/plans/:id/fund", s.handleFundPlan)
	authed.POST("/plans/:id/pause", s.handlePausePlan)
	authed.POST("/plans/:id/resume", s.handleResumePlan)
	authed.POST("/plans/:id/cancel", s.handleCancelPlan)
	authed.POST("/plans/:id/execute", s.handleExecutePlan)
	authed.POST("/withdraw", s.handleWithdraw)
	authed.POST("/fees/withdraw", s.handleWithdrawFee)

	admin := authed.Group("/admin")
	admin.PUT("/fee", s.handleSetFee)
	admin.PUT("/tolerance", s.handleSetTolerance)
	admin.PUT("/minimum", s.handleSetMinimum)
	admin.PUT("/assets", s.handleSetAssets)
	admin.PUT("/admin", s.handleTransferAdmin)
	admin.POST("/executors", s.handleGrantExecutor)
	admin.DELETE("/executors/:address", s.handleRevokeExecutor)

	return r
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	if s.Engine == nil || s.Auth == nil {
		return errors.New("web server requires an engine and an authenticator")
	}
	l := s.logger()

	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			l.Warn("api shutdown error", zap.Error(err))
		}
	}()

	l.Info("api server listening", zap.String("addr", s.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "api server")
	}
	return nil
}

func (s *Server) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *Server) logRequests() gin.HandlerFunc {
	l := s.logger()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		l.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "initialized": s.Engine.Initialized()})
}

func (s *Server) handleVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"version": s.Engine.Version()})
}
