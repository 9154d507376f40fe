package escrowd

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"givechain/integrations/exports"
	"givechain/native/escrow"
	"givechain/native/fraud"
	"givechain/native/ledger"
	"givechain/native/quorum"
	"givechain/native/registry"
)

const maxBodyBytes = 1 << 20

type createMilestoneRequest struct {
	Title             string    `json:"title"`
	Description       string    `json:"description"`
	Target            string    `json:"target"`
	Deadline          time.Time `json:"deadline"`
	RequiredApprovals uint32    `json:"requiredApprovals"`
}

type donationRequest struct {
	Amount string `json:"amount"`
	TxRef  string `json:"txRef"`
}

type proofRequest struct {
	ProofRef string `json:"proofRef"`
}

type voteRequest struct {
	Decision ledger.VoteDecision `json:"decision"`
	Comment  string              `json:"comment"`
}

type freezeRequest struct {
	AlertID string `json:"alertId"`
}

type unfreezeRequest struct {
	Status ledger.MilestoneStatus `json:"status"`
}

type alertRequest struct {
	NGO         string           `json:"ngo"`
	MilestoneID string           `json:"milestoneId"`
	Kind        ledger.AlertKind `json:"kind"`
	Severity    ledger.Severity  `json:"severity"`
	Description string           `json:"description"`
}

type ngoRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Location    string `json:"location"`
}

type verifyRequest struct {
	Verified bool     `json:"verified"`
	Rating   *float64 `json:"rating"`
}

type expenseRequest struct {
	Amount      string `json:"amount"`
	Category    string `json:"category"`
	Description string `json:"description"`
	ProofRef    string `json:"proofRef"`
}

type reviewRequest struct {
	Decision ledger.ExpenseStatus `json:"decision"`
	Note     string               `json:"note"`
}

type milestoneDetail struct {
	Milestone *ledger.Milestone  `json:"milestone"`
	Donations []*ledger.Donation `json:"donations"`
	Votes     []*ledger.Vote     `json:"votes"`
	Tally     quorum.Outcome     `json:"tally"`
}

type settleResponse struct {
	Milestone    *ledger.Milestone     `json:"milestone"`
	Instructions []*ledger.Instruction `json:"instructions"`
}

// decode reads a JSON body. An empty body leaves dst untouched.
func decode(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && err != io.EOF {
		return fmt.Errorf("%w: decode body: %v", ledger.ErrInvalidInput, err)
	}
	return nil
}

// parseAmount accepts unsigned base-10 integers that fit in 256 bits.
func parseAmount(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: amount required", ledger.ErrInvalidInput)
	}
	amount, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: amount must be an unsigned 256-bit integer", ledger.ErrInvalidInput)
	}
	return amount.ToBig(), nil
}

func parseAddress(raw, field string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%w: %s must be a hex address", ledger.ErrInvalidInput, field)
	}
	return common.HexToAddress(raw), nil
}

func principal(r *http.Request) *Principal {
	p, _ := PrincipalFrom(r.Context())
	return p
}

func actor(r *http.Request) string {
	if p := principal(r); p != nil {
		return p.Address.Hex()
	}
	return ""
}

func (s *Server) handleCreateMilestone(w http.ResponseWriter, r *http.Request) {
	var req createMilestoneRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	target, err := parseAmount(req.Target)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if s.cfg.Registry.RequireVerifiedNGO {
		if err := s.deps.Registry.RequireVerified(r.Context(), principal(r).Address); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	m, err := s.deps.Escrow.CreateMilestone(r.Context(), escrow.MilestoneSpec{
		NGO:               principal(r).Address,
		Title:             req.Title,
		Description:       req.Description,
		Target:            target,
		Deadline:          req.Deadline,
		RequiredApprovals: req.RequiredApprovals,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleListMilestones(w http.ResponseWriter, r *http.Request) {
	filter := ledger.MilestoneFilter{Status: ledger.MilestoneStatus(r.URL.Query().Get("status"))}
	if filter.Status != "" && !filter.Status.Valid() {
		s.fail(w, r, fmt.Errorf("%w: unknown status %q", ledger.ErrInvalidInput, filter.Status))
		return
	}
	if raw := r.URL.Query().Get("ngo"); raw != "" {
		ngo, err := parseAddress(raw, "ngo")
		if err != nil {
			s.fail(w, r, err)
			return
		}
		filter.NGO = ngo
	}
	milestones, err := s.deps.Store.Milestones(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"milestones": milestones})
}

func (s *Server) handleGetMilestone(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	m, err := s.deps.Store.Milestone(ctx, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	donations, err := s.deps.Store.Donations(ctx, ledger.DonationFilter{MilestoneID: id})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	votes, err := s.deps.Store.Votes(ctx, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	tally, err := s.deps.Quorum.Tally(ctx, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, milestoneDetail{Milestone: m, Donations: donations, Votes: votes, Tally: tally})
}

func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Store.Milestone(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	records, err := s.deps.Store.AuditTrail(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	verified := ledger.VerifyAuditTrail(records) == nil
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": records, "verified": verified})
}

func (s *Server) handleRecordDonation(w http.ResponseWriter, r *http.Request) {
	var req donationRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	d, err := s.deps.Escrow.RecordDonation(r.Context(), chi.URLParam(r, "id"), principal(r).Address, amount, req.TxRef)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleSubmitProof(w http.ResponseWriter, r *http.Request) {
	var req proofRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	m, err := s.deps.Escrow.SubmitProof(r.Context(), chi.URLParam(r, "id"), principal(r).Address, req.ProofRef)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleCastVote(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.deps.Quorum.CastVote(r.Context(), principal(r).Address, chi.URLParam(r, "id"), req.Decision, req.Comment)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleExpire(w http.ResponseWriter, r *http.Request) {
	m, err := s.deps.Escrow.ExpireMilestone(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleFreeze(w http.ResponseWriter, r *http.Request) {
	var req freezeRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	m, err := s.deps.Fraud.Freeze(r.Context(), req.AlertID, chi.URLParam(r, "id"), actor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleUnfreeze(w http.ResponseWriter, r *http.Request) {
	var req unfreezeRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	m, err := s.deps.Fraud.Unfreeze(r.Context(), chi.URLParam(r, "id"), req.Status, actor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleSettleRefunds(w http.ResponseWriter, r *http.Request) {
	m, instructions, err := s.deps.Refunds.SettleRefunds(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settleResponse{Milestone: m, Instructions: instructions})
}

func (s *Server) handleRaiseAlert(w http.ResponseWriter, r *http.Request) {
	var req alertRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	spec := fraud.AlertSpec{
		MilestoneID: strings.TrimSpace(req.MilestoneID),
		Kind:        req.Kind,
		Severity:    req.Severity,
		Description: req.Description,
		Reporter:    principal(r).Address,
	}
	if req.NGO != "" {
		ngo, err := parseAddress(req.NGO, "ngo")
		if err != nil {
			s.fail(w, r, err)
			return
		}
		spec.NGO = ngo
	}
	alert, err := s.deps.Fraud.RaiseAlert(r.Context(), spec)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, alert)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ledger.AlertFilter{MilestoneID: q.Get("milestone"), Status: ledger.AlertStatus(q.Get("status"))}
	if filter.Status != "" && !filter.Status.Valid() {
		s.fail(w, r, fmt.Errorf("%w: unknown alert status %q", ledger.ErrInvalidInput, filter.Status))
		return
	}
	if raw := q.Get("ngo"); raw != "" {
		ngo, err := parseAddress(raw, "ngo")
		if err != nil {
			s.fail(w, r, err)
			return
		}
		filter.NGO = ngo
	}
	alerts, err := s.deps.Store.Alerts(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"alerts": alerts})
}

func (s *Server) handleFreezeNGO(w http.ResponseWriter, r *http.Request) {
	frozen, err := s.deps.Fraud.FreezeNGO(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"frozen": frozen})
}

func (s *Server) handleDismissAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := s.deps.Fraud.DismissAlert(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := s.deps.Fraud.ResolveAlert(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	withdrawal, err := s.deps.Refunds.Withdraw(r.Context(), chi.URLParam(r, "id"), principal(r).Address)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, withdrawal)
}

func (s *Server) handleRefundable(w http.ResponseWriter, r *http.Request) {
	donor, err := parseAddress(chi.URLParam(r, "address"), "address")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	claim, err := s.deps.Refunds.Refundable(r.Context(), donor)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	donor, err := parseAddress(chi.URLParam(r, "address"), "address")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	portfolio, err := s.deps.Reporter.Portfolio(r.Context(), donor)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, portfolio)
}

func (s *Server) handleRegisterNGO(w http.ResponseWriter, r *http.Request) {
	var req ngoRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	profile, err := s.deps.Registry.RegisterNGO(r.Context(), registry.NGOSpec{
		Address:     principal(r).Address,
		Name:        req.Name,
		Description: req.Description,
		Category:    req.Category,
		Location:    req.Location,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, profile)
}

func (s *Server) handleVerifyNGO(w http.ResponseWriter, r *http.Request) {
	address, err := parseAddress(chi.URLParam(r, "address"), "address")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req verifyRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	profile, err := s.deps.Registry.Verify(r.Context(), address, req.Verified, req.Rating, actor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleListNGOs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ledger.NGOFilter{Category: q.Get("category"), Query: q.Get("q")}
	if raw := q.Get("verified"); raw != "" {
		verified, err := strconv.ParseBool(raw)
		if err != nil {
			s.fail(w, r, fmt.Errorf("%w: verified must be a boolean", ledger.ErrInvalidInput))
			return
		}
		filter.VerifiedOnly = verified
	}
	profiles, err := s.deps.Registry.Directory(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ngos": profiles})
}

func (s *Server) handleGetNGO(w http.ResponseWriter, r *http.Request) {
	address, err := parseAddress(chi.URLParam(r, "address"), "address")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	profile, err := s.deps.Registry.Profile(r.Context(), address)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleSubmitExpense(w http.ResponseWriter, r *http.Request) {
	var req expenseRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	expense, err := s.deps.Registry.SubmitExpense(r.Context(), principal(r).Address, registry.ExpenseSpec{
		MilestoneID: chi.URLParam(r, "id"),
		Amount:      amount,
		Category:    req.Category,
		Description: req.Description,
		ProofRef:    req.ProofRef,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, expense)
}

func (s *Server) handleReviewExpense(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	expense, err := s.deps.Registry.ReviewExpense(r.Context(), principal(r).Address, chi.URLParam(r, "id"), req.Decision, req.Note)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, expense)
}

func (s *Server) handleListExpenses(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ledger.ExpenseFilter{MilestoneID: q.Get("milestone"), Status: ledger.ExpenseStatus(q.Get("status"))}
	if filter.Status != "" && !filter.Status.Valid() {
		s.fail(w, r, fmt.Errorf("%w: unknown expense status %q", ledger.ErrInvalidInput, filter.Status))
		return
	}
	if raw := q.Get("ngo"); raw != "" {
		ngo, err := parseAddress(raw, "ngo")
		if err != nil {
			s.fail(w, r, err)
			return
		}
		filter.NGO = ngo
	}
	expenses, err := s.deps.Store.Expenses(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"expenses": expenses})
}

func (s *Server) handleTransparency(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Reporter.Report(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleExportDonations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ledger.DonationFilter{MilestoneID: q.Get("milestone"), Status: ledger.DonationStatus(q.Get("status"))}
	if filter.Status != "" && !filter.Status.Valid() {
		s.fail(w, r, fmt.Errorf("%w: unknown donation status %q", ledger.ErrInvalidInput, filter.Status))
		return
	}
	donations, err := s.deps.Store.Donations(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var (
		data        []byte
		checksum    string
		contentType string
	)
	format := strings.ToLower(strings.TrimSpace(q.Get("format")))
	switch format {
	case "", "csv":
		format = "csv"
		contentType = "text/csv"
		data, checksum, err = exports.DonationsCSV(donations)
	case "jsonl":
		contentType = "application/x-ndjson"
		data, checksum, err = exports.DonationsJSONL(donations)
	case "parquet":
		contentType = "application/vnd.apache.parquet"
		data, checksum, err = exports.DonationsParquet(donations)
	default:
		s.fail(w, r, fmt.Errorf("%w: unsupported export format %q", ledger.ErrInvalidInput, format))
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=donations.%s", format))
	w.Header().Set("X-Checksum-SHA256", checksum)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
