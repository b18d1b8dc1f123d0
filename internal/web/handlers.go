package web

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/cryptodca/internal/domain"
	"github.com/vadiminshakov/cryptodca/internal/services/engine"
)

type createPlanRequest struct {
	Source             common.Address  `json:"source"`
	Target             common.Address  `json:"target"`
	Amount             decimal.Decimal `json:"amount"`
	AmountPerExecution decimal.Decimal `json:"amount_per_execution"`
	Recipient          common.Address  `json:"recipient"`
	ToleranceBps       int64           `json:"tolerance_bps"`
}

type fundRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type cancelRequest struct {
	RefundTo common.Address `json:"refund_to"`
}

type executeRequest struct {
	Instruction   hexutil.Bytes   `json:"instruction"`
	MinimumOutput decimal.Decimal `json:"minimum_output"`
}

type withdrawRequest struct {
	Asset common.Address `json:"asset"`
	To    common.Address `json:"to"`
}

type feeRequest struct {
	Bps int64 `json:"bps"`
}

type toleranceRequest struct {
	Seconds int64 `json:"seconds"`
}

type minimumRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type assetsRequest struct {
	Assets []common.Address `json:"assets"`
}

type accountRequest struct {
	Account common.Address `json:"account"`
}

type configView struct {
	Revision                  uint64           `json:"revision"`
	Admin                     common.Address   `json:"admin"`
	Executors                 []common.Address `json:"executors"`
	Router                    common.Address   `json:"router"`
	Custody                   common.Address   `json:"custody"`
	FeeRateBps                int64            `json:"fee_rate_bps"`
	ExecutionToleranceSeconds int64            `json:"execution_tolerance_seconds"`
	MinimumAmountPerExecution decimal.Decimal  `json:"minimum_amount_per_execution"`
	EligibleSourceAssets      []common.Address `json:"eligible_source_assets"`
}

type planView struct {
	*domain.Plan
	StatusName      string     `json:"status_name"`
	NextExecutionAt *time.Time `json:"next_execution_at,omitempty"`
}

func (s *Server) viewPlan(p *domain.Plan) planView {
	v := planView{Plan: p, StatusName: p.Status.String()}
	if reg := s.Engine.Registry(); reg != nil {
		if at, ok := p.NextExecutionAt(reg.ExecutionTolerance); ok {
			v.NextExecutionAt = &at
		}
	}
	return v
}

func (s *Server) handlePID(c *gin.Context) {
	owner, ok := queryAddress(c, "owner")
	if !ok {
		return
	}
	source, ok := queryAddress(c, "source")
	if !ok {
		return
	}
	target, ok := queryAddress(c, "target")
	if !ok {
		return
	}
	amount, err := decimal.NewFromString(c.Query("amount_per_execution"))
	if err != nil || !domain.FitsUint256(amount) {
		badRequest(c, errors.New("amount_per_execution must be a whole number within the uint256 range"))
		return
	}
	respond(c, gin.H{"pid": s.Engine.GetPID(owner, source, target, amount)})
}

func (s *Server) handleConfig(c *gin.Context) {
	reg := s.Engine.Registry()
	if reg == nil {
		fail(c, errors.Wrap(domain.ErrNotInitialized, "registry"))
		return
	}
	respond(c, configView{
		Revision:                  reg.Revision,
		Admin:                     reg.Admin,
		Executors:                 reg.ExecutorList(),
		Router:                    reg.Router,
		Custody:                   s.Engine.Custody(),
		FeeRateBps:                reg.FeeRateBps,
		ExecutionToleranceSeconds: int64(reg.ExecutionTolerance / time.Second),
		MinimumAmountPerExecution: reg.MinimumAmountPerExecution,
		EligibleSourceAssets:      reg.EligibleSourceAssetList(),
	})
}

func (s *Server) handleListPlans(c *gin.Context) {
	var f engine.PlanFilter
	if raw := c.Query("owner"); raw != "" {
		owner, ok := queryAddress(c, "owner")
		if !ok {
			return
		}
		f.Owner = owner
	}
	if raw := c.Query("status"); raw != "" {
		st, err := parseStatus(raw)
		if err != nil {
			badRequest(c, err)
			return
		}
		f.Status = &st
	}

	plans := s.Engine.Plans(f)
	out := make([]planView, 0, len(plans))
	for _, p := range plans {
		out = append(out, s.viewPlan(p))
	}
	respond(c, out)
}

func (s *Server) handleGetPlan(c *gin.Context) {
	id, ok := pathPlanID(c)
	if !ok {
		return
	}
	plan, err := s.Engine.GetPlan(id)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, s.viewPlan(plan))
}

func (s *Server) handleEligible(c *gin.Context) {
	asset, ok := pathAddress(c, "asset")
	if !ok {
		return
	}
	respond(c, gin.H{"asset": asset, "eligible": s.Engine.IsSourceAssetEligible(asset)})
}

func (s *Server) handleHasRole(c *gin.Context) {
	role, found := domain.RoleByName(strings.ToUpper(c.Param("role")))
	if !found {
		if b, err := hexutil.Decode(c.Param("role")); err == nil && len(b) == common.HashLength {
			role, found = common.BytesToHash(b), true
		}
	}
	if !found {
		badRequest(c, errors.Errorf("unknown role %q", c.Param("role")))
		return
	}
	account, ok := pathAddress(c, "address")
	if !ok {
		return
	}
	respond(c, gin.H{"role": role, "address": account, "granted": s.Engine.HasRole(role, account)})
}

func (s *Server) handleProceeds(c *gin.Context) {
	holder, ok := pathAddress(c, "holder")
	if !ok {
		return
	}
	asset, ok := pathAddress(c, "asset")
	if !ok {
		return
	}
	respond(c, domain.LedgerEntry{Holder: holder, Asset: asset, Amount: s.Engine.ProceedsOf(holder, asset)})
}

func (s *Server) handleProceedsEntries(c *gin.Context) {
	holder, ok := pathAddress(c, "holder")
	if !ok {
		return
	}
	respond(c, s.Engine.ProceedsEntries(holder))
}

func (s *Server) handleFees(c *gin.Context) {
	asset, ok := pathAddress(c, "asset")
	if !ok {
		return
	}
	respond(c, gin.H{"asset": asset, "amount": s.Engine.FeesOf(asset)})
}

func (s *Server) handleIntents(c *gin.Context) {
	respond(c, s.Engine.PendingIntents())
}

func (s *Server) handleCreatePlan(c *gin.Context) {
	var req createPlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	plan, err := s.Engine.CreatePlan(c.Request.Context(), callerOf(c), domain.PlanParams{
		Owner:              callerOf(c),
		Pair:               domain.Pair{Source: req.Source, Target: req.Target},
		Amount:             req.Amount,
		AmountPerExecution: req.AmountPerExecution,
		Recipient:          req.Recipient,
		ToleranceBps:       req.ToleranceBps,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, apiResponse{Code: "ok", Message: "plan created", Data: s.viewPlan(plan)})
}

func (s *Server) handleFundPlan(c *gin.Context) {
	id, ok := pathPlanID(c)
	if !ok {
		return
	}
	var req fundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	plan, err := s.Engine.FundPlan(c.Request.Context(), callerOf(c), id, req.Amount)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, s.viewPlan(plan))
}

func (s *Server) handlePausePlan(c *gin.Context) {
	s.transition(c, s.Engine.PausePlan)
}

func (s *Server) handleResumePlan(c *gin.Context) {
	s.transition(c, s.Engine.ResumePlan)
}

func (s *Server) transition(c *gin.Context, fn func(ctx context.Context, caller common.Address, id domain.PlanID) error) {
	id, ok := pathPlanID(c)
	if !ok {
		return
	}
	if err := fn(c.Request.Context(), callerOf(c), id); err != nil {
		fail(c, err)
		return
	}
	plan, err := s.Engine.GetPlan(id)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, s.viewPlan(plan))
}

func (s *Server) handleCancelPlan(c *gin.Context) {
	id, ok := pathPlanID(c)
	if !ok {
		return
	}
	var req cancelRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		badRequest(c, err)
		return
	}
	refund, err := s.Engine.CancelPlan(c.Request.Context(), callerOf(c), id, req.RefundTo)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, gin.H{"plan_id": id, "refund": refund})
}

func (s *Server) handleExecutePlan(c *gin.Context) {
	id, ok := pathPlanID(c)
	if !ok {
		return
	}
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	receipt, err := s.Engine.ExecutePlan(c.Request.Context(), callerOf(c), req.Instruction, id, req.MinimumOutput)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, receipt)
}

func (s *Server) handleWithdraw(c *gin.Context) {
	var req withdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	amount, err := s.Engine.Withdraw(c.Request.Context(), callerOf(c), req.Asset, req.To)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, gin.H{"asset": req.Asset, "amount": amount})
}

func (s *Server) handleWithdrawFee(c *gin.Context) {
	var req withdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	amount, err := s.Engine.WithdrawFee(c.Request.Context(), callerOf(c), req.Asset, req.To)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, gin.H{"asset": req.Asset, "amount": amount})
}

func (s *Server) handleSetFee(c *gin.Context) {
	var req feeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	s.mutated(c, s.Engine.SetFee(c.Request.Context(), callerOf(c), req.Bps))
}

func (s *Server) handleSetTolerance(c *gin.Context) {
	var req toleranceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	s.mutated(c, s.Engine.SetExecuteTolerance(c.Request.Context(), callerOf(c), time.Duration(req.Seconds)*time.Second))
}

func (s *Server) handleSetMinimum(c *gin.Context) {
	var req minimumRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	s.mutated(c, s.Engine.SetMinimumAmountPerExecution(c.Request.Context(), callerOf(c), req.Amount))
}

func (s *Server) handleSetAssets(c *gin.Context) {
	var req assetsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	s.mutated(c, s.Engine.SetEligibleSourceAssets(c.Request.Context(), callerOf(c), req.Assets))
}

func (s *Server) handleTransferAdmin(c *gin.Context) {
	var req accountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	s.mutated(c, s.Engine.TransferAdmin(c.Request.Context(), callerOf(c), req.Account))
}

func (s *Server) handleGrantExecutor(c *gin.Context) {
	var req accountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	s.mutated(c, s.Engine.GrantExecutor(c.Request.Context(), callerOf(c), req.Account))
}

func (s *Server) handleRevokeExecutor(c *gin.Context) {
	account, ok := pathAddress(c, "address")
	if !ok {
		return
	}
	s.mutated(c, s.Engine.RevokeExecutor(c.Request.Context(), callerOf(c), account))
}

// mutated answers an admin call with the resulting configuration.
func (s *Server) mutated(c *gin.Context, err error) {
	if err != nil {
		fail(c, err)
		return
	}
	s.handleConfig(c)
}

func bindOptionalJSON(c *gin.Context, dst any) error {
	if c.Request.ContentLength == 0 {
		return nil
	}
	return c.ShouldBindJSON(dst)
}

func parseStatus(raw string) (domain.PlanStatus, error) {
	for st := domain.PlanStatusActive; st.IsValid(); st++ {
		if strings.EqualFold(raw, st.String()) {
			return st, nil
		}
	}
	if n, err := strconv.Atoi(raw); err == nil && domain.PlanStatus(n).IsValid() {
		return domain.PlanStatus(n), nil
	}
	return 0, errors.Errorf("unknown plan status %q", raw)
}

func pathPlanID(c *gin.Context) (domain.PlanID, bool) {
	id, ok := domain.ParsePlanID(c.Param("id"))
	if !ok {
		badRequest(c, errors.Errorf("plan id %q is not a 32-byte hex value", c.Param("id")))
	}
	return id, ok
}

func pathAddress(c *gin.Context, name string) (common.Address, bool) {
	return parseAddress(c, name, c.Param(name))
}

func queryAddress(c *gin.Context, name string) (common.Address, bool) {
	return parseAddress(c, name, c.Query(name))
}

func parseAddress(c *gin.Context, name, raw string) (common.Address, bool) {
	if !common.IsHexAddress(raw) {
		badRequest(c, fmt.Errorf("%s %q is not an address", name, raw))
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}
