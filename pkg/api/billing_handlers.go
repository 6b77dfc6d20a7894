package api

import (
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/platinummonkey/settle/pkg/auth"
	"github.com/platinummonkey/settle/pkg/billing"
	"github.com/platinummonkey/settle/pkg/httputil"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// PlanChangeRequest is the body of POST /orgs/{id}/plan-change
type PlanChangeRequest struct {
	PlanCode string `json:"plan_code" validate:"required,max=64"`
}

// TopupRequest is the body of POST /orgs/{id}/wallet/topup
type TopupRequest struct {
	Amount *decimal.Decimal `json:"amount" validate:"required"`
}

// listPlans handles GET /api/v1/plans
func (s *Server) listPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.cfg.Ledger.ListPlans(r.Context())
	if err != nil {
		writeError(w, r, billing.Internal("list plans", err))
		return
	}
	if plans == nil {
		plans = []*billing.Plan{}
	}
	httputil.WriteSuccess(w, plans)
}

// previewPlanChange handles GET /api/v1/orgs/{id}/plan-change/preview?plan=CODE
func (s *Server) previewPlanChange(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	planCode := httputil.ParseQueryString(r, "plan", "")
	if planCode == "" {
		httputil.WriteValidationError(w, "request validation failed", map[string]string{"plan": "failed required"})
		return
	}

	quote, err := s.cfg.Plans.Preview(r.Context(), tenantID, planCode)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, quote)
}

// executePlanChange handles POST /api/v1/orgs/{id}/plan-change
func (s *Server) executePlanChange(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req PlanChangeRequest
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}

	outcome, err := s.cfg.Plans.Execute(r.Context(), tenantID, req.PlanCode)
	if err != nil {
		s.audit.LogFromRequest(r, auth.ActionPlanChange, "tenant", strconv.FormatInt(tenantID, 10), auth.StatusFailure, err)
		writeError(w, r, err)
		return
	}
	s.audit.LogFromRequest(r, auth.ActionPlanChange, "tenant", strconv.FormatInt(tenantID, 10), auth.StatusSuccess, nil)
	httputil.WriteSuccess(w, outcome)
}

// topup handles POST /api/v1/orgs/{id}/wallet/topup
func (s *Server) topup(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req TopupRequest
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}

	outcome, err := s.cfg.Plans.Topup(r.Context(), tenantID, *req.Amount)
	if err != nil {
		s.audit.LogFromRequest(r, auth.ActionTopup, "tenant", strconv.FormatInt(tenantID, 10), auth.StatusFailure, err)
		writeError(w, r, err)
		return
	}
	s.audit.LogFromRequest(r, auth.ActionTopup, "tenant", strconv.FormatInt(tenantID, 10), auth.StatusSuccess, nil)
	httputil.WriteCreated(w, outcome)
}

// getSubscription handles GET /api/v1/orgs/{id}/subscription
func (s *Server) getSubscription(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	sub, err := s.cfg.Ledger.GetSubscription(r.Context(), tenantID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, sub)
}

// getWallet handles GET /api/v1/orgs/{id}/wallet
func (s *Server) getWallet(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	balance, err := s.cfg.Ledger.WalletBalance(r.Context(), tenantID)
	if err != nil {
		writeError(w, r, billing.Internal("wallet balance", err))
		return
	}
	txns, err := s.cfg.Ledger.ListWalletTransactions(r.Context(), tenantID, limit)
	if err != nil {
		writeError(w, r, billing.Internal("list wallet transactions", err))
		return
	}
	if txns == nil {
		txns = []*billing.WalletTransaction{}
	}
	httputil.WriteSuccess(w, billing.Wallet{TenantID: tenantID, Balance: balance, Transactions: txns})
}

// listInvoices handles GET /api/v1/orgs/{id}/invoices
func (s *Server) listInvoices(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	invoices, err := s.cfg.Ledger.ListInvoices(r.Context(), tenantID, limit)
	if err != nil {
		writeError(w, r, billing.Internal("list invoices", err))
		return
	}
	if invoices == nil {
		invoices = []*billing.Invoice{}
	}
	httputil.WriteSuccess(w, invoices)
}

// getInvoice handles GET /api/v1/orgs/{id}/invoices/{invoice_id}
func (s *Server) getInvoice(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	invoiceID, err := httputil.ParsePathString(r, "invoice_id")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	invoice, err := s.cfg.Ledger.GetInvoice(r.Context(), invoiceID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	// another tenant's invoice is indistinguishable from a missing one
	if invoice.TenantID != tenantID {
		writeError(w, r, billing.ErrInvoiceNotFound)
		return
	}
	httputil.WriteSuccess(w, invoice)
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	limit, err := httputil.ParseQueryInt(r, "limit", defaultListLimit)
	if err != nil || limit < 1 {
		httputil.WriteBadRequest(w, "limit must be a positive integer")
		return 0, false
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, true
}
