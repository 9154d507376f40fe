package escrowd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"givechain/core/events"
	"givechain/core/types"
	"givechain/native/escrow"
	"givechain/native/fraud"
	"givechain/native/ledger"
	"givechain/native/quorum"
	"givechain/native/refund"
	"givechain/native/registry"
	"givechain/native/roster"
	"givechain/native/transparency"
	"givechain/services/escrowd/config"
)

const testSecret = "escrowd-test-secret"

var (
	ngoAddr       = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	donorAddr     = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	validatorAddr = common.HexToAddress("0x0000000000000000000000000000000000000e01")
	strangerAddr  = common.HexToAddress("0x0000000000000000000000000000000000000e99")
	adminAddr     = common.HexToAddress("0x00000000000000000000000000000000000000ad")
)

type testEnv struct {
	server      *Server
	store       *ledger.MemoryStore
	broadcaster *events.Broadcaster
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	store := ledger.NewMemoryStore()
	r := roster.NewStatic(validatorAddr)
	broadcaster := events.NewBroadcaster(16)

	engine := escrow.NewEngine(store)
	engine.SetRoster(r)
	engine.SetEmitter(broadcaster)
	protocol := quorum.NewProtocol(store, r)
	protocol.SetEmitter(broadcaster)
	controller := fraud.NewController(store)
	controller.SetEmitter(broadcaster)
	coordinator := refund.NewCoordinator(store)
	coordinator.SetEmitter(broadcaster)
	ngos := registry.New(store, r)
	ngos.SetEmitter(broadcaster)

	cfg := config.Default()
	cfg.Auth.HMACSecret = testSecret
	cfg.Observability.Tracing = false
	cfg.Observability.LogRequests = false
	cfg.RateLimit.RequestsPerMinute = 0
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := New(cfg, Deps{
		Store:    store,
		Escrow:   engine,
		Quorum:   protocol,
		Fraud:    controller,
		Refunds:  coordinator,
		Registry: ngos,
		Reporter: transparency.NewReporter(store),
		Events:   broadcaster,
	})
	require.NoError(t, err)
	return &testEnv{server: srv, store: store, broadcaster: broadcaster}
}

func signToken(t *testing.T, subject common.Address, roles ...Role) string {
	t.Helper()
	names := make([]string, len(roles))
	for i, role := range roles {
		names[i] = string(role)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   subject.Hex(),
		"roles": names,
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func requireReason(t *testing.T, rec *httptest.ResponseRecorder, status int, reason string) {
	t.Helper()
	require.Equal(t, status, rec.Code, rec.Body.String())
	require.Equal(t, reason, decodeBody[errorResponse](t, rec).Error)
}

func (e *testEnv) createMilestone(t *testing.T, target string) *ledger.Milestone {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/v1/milestones", signToken(t, ngoAddr, RoleNGO), map[string]interface{}{
		"title":    "Water wells",
		"target":   target,
		"deadline": time.Now().Add(48 * time.Hour).UTC(),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[*ledger.Milestone](t, rec)
}

func (e *testEnv) donate(t *testing.T, milestoneID, amount string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, http.MethodPost, "/v1/milestones/"+milestoneID+"/donations", signToken(t, donorAddr, RoleDonor),
		map[string]string{"amount": amount})
}

func TestLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t, nil)
	m := env.createMilestone(t, "1000")
	require.Equal(t, ngoAddr, m.NGO)
	require.Equal(t, ledger.MilestonePending, m.Status)

	rec := env.donate(t, m.ID, "1000")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/v1/milestones/"+m.ID+"/proof", signToken(t, ngoAddr, RoleNGO),
		map[string]string{"proofRef": "ipfs://wells"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/v1/milestones/"+m.ID+"/votes", signToken(t, validatorAddr, RoleValidator),
		map[string]string{"decision": "approve"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decodeBody[quorum.Result](t, rec)
	require.Equal(t, ledger.MilestoneReleased, result.Milestone.Status)
	require.Equal(t, quorum.DecisionRelease, result.Outcome.Decision)

	rec = env.do(t, http.MethodGet, "/v1/milestones/"+m.ID, signToken(t, donorAddr, RoleDonor), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decodeBody[milestoneDetail](t, rec)
	require.Len(t, detail.Donations, 1)
	require.Equal(t, ledger.DonationReleased, detail.Donations[0].Status)
	require.Len(t, detail.Votes, 1)
	require.Equal(t, 1, detail.Tally.Approvals)

	rec = env.do(t, http.MethodGet, "/v1/milestones/"+m.ID+"/audit", signToken(t, donorAddr, RoleDonor), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	audit := decodeBody[struct {
		Records  []*ledger.AuditRecord `json:"records"`
		Verified bool                  `json:"verified"`
	}](t, rec)
	require.True(t, audit.Verified)
	require.NotEmpty(t, audit.Records)

	rec = env.do(t, http.MethodGet, "/v1/transparency", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decodeBody[transparency.Stats](t, rec)
	require.Equal(t, "1000", stats.TotalDonations.String())
	require.Equal(t, 1, stats.CompletedMilestones)

	pending, err := env.store.PendingInstructions(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, ledger.InstructionRelease, pending[0].Kind)
}

func TestErrorsMapToReasonCodes(t *testing.T) {
	env := newTestEnv(t, nil)
	m := env.createMilestone(t, "100")

	requireReason(t, env.donate(t, m.ID, "101"), http.StatusUnprocessableEntity, "exceeds_target")
	requireReason(t, env.donate(t, m.ID, "ten"), http.StatusBadRequest, "invalid_input")
	requireReason(t, env.donate(t, "missing", "1"), http.StatusNotFound, "not_found")

	rec := env.do(t, http.MethodPost, "/v1/milestones/"+m.ID+"/proof", signToken(t, ngoAddr, RoleNGO),
		map[string]string{"proofRef": "ipfs://early"})
	requireReason(t, rec, http.StatusConflict, "invalid_transition")

	require.Equal(t, http.StatusCreated, env.donate(t, m.ID, "60").Code)
	rec = env.do(t, http.MethodPost, "/v1/milestones/"+m.ID+"/proof", signToken(t, ngoAddr, RoleNGO),
		map[string]string{"proofRef": "ipfs://partial"})
	requireReason(t, rec, http.StatusUnprocessableEntity, "underfunded_milestone")

	rec = env.do(t, http.MethodPost, "/v1/milestones/"+m.ID+"/votes", signToken(t, validatorAddr, RoleValidator),
		map[string]string{"decision": "approve"})
	requireReason(t, rec, http.StatusConflict, "milestone_not_awaiting_approval")

	require.Equal(t, http.StatusCreated, env.donate(t, m.ID, "40").Code)
	rec = env.do(t, http.MethodPost, "/v1/milestones/"+m.ID+"/proof", signToken(t, strangerAddr, RoleNGO),
		map[string]string{"proofRef": "ipfs://not-mine"})
	requireReason(t, rec, http.StatusForbidden, "unauthorized")

	rec = env.do(t, http.MethodPost, "/v1/milestones/"+m.ID+"/proof", signToken(t, ngoAddr, RoleNGO),
		map[string]string{"proofRef": "ipfs://done"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodPost, "/v1/milestones/"+m.ID+"/votes", signToken(t, strangerAddr, RoleValidator),
		map[string]string{"decision": "approve"})
	requireReason(t, rec, http.StatusForbidden, "unknown_validator")

	rec = env.do(t, http.MethodPost, "/v1/milestones/"+m.ID+"/expire", signToken(t, adminAddr, RoleAdmin), nil)
	requireReason(t, rec, http.StatusUnprocessableEntity, "deadline_not_reached")
}

func TestAuthorization(t *testing.T) {
	env := newTestEnv(t, nil)
	body := map[string]string{"title": "x", "target": "1"}

	requireReason(t, env.do(t, http.MethodPost, "/v1/milestones", "", body), http.StatusUnauthorized, "unauthenticated")
	requireReason(t, env.do(t, http.MethodPost, "/v1/milestones", signToken(t, donorAddr, RoleDonor), body), http.StatusForbidden, "forbidden")
	requireReason(t, env.do(t, http.MethodGet, "/v1/milestones", "", nil), http.StatusUnauthorized, "unauthenticated")

	forged := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": ngoAddr.Hex(), "roles": "ngo"})
	signed, err := forged.SignedString([]byte("wrong-secret"))
	require.NoError(t, err)
	requireReason(t, env.do(t, http.MethodGet, "/v1/milestones", signed, nil), http.StatusUnauthorized, "unauthenticated")

	named := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "alice", "roles": "ngo"})
	signed, err = named.SignedString([]byte(testSecret))
	require.NoError(t, err)
	requireReason(t, env.do(t, http.MethodGet, "/v1/milestones", signed, nil), http.StatusUnauthorized, "unauthenticated")

	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/v1/transparency", "", nil).Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", "", nil).Code)
	require.Equal(t, http.StatusForbidden, env.do(t, http.MethodGet, "/v1/exports/donations", signToken(t, donorAddr, RoleDonor), nil).Code)
}

func TestDevHeadersWhenAuthDisabled(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.Auth.Enabled = false })
	req := httptest.NewRequest(http.MethodGet, "/v1/milestones", nil)
	req.Header.Set(headerDevAddress, donorAddr.Hex())
	req.Header.Set(headerDevRoles, "donor")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestFreezeWithdrawAndUnfreeze(t *testing.T) {
	env := newTestEnv(t, nil)
	m := env.createMilestone(t, "500")
	rec := env.donate(t, m.ID, "200")
	require.Equal(t, http.StatusCreated, rec.Code)
	donation := decodeBody[*ledger.Donation](t, rec)

	validatorToken := signToken(t, validatorAddr, RoleValidator)
	adminToken := signToken(t, adminAddr, RoleAdmin)
	donorToken := signToken(t, donorAddr, RoleDonor)

	rec = env.do(t, http.MethodPost, "/v1/alerts", validatorToken, map[string]string{
		"milestoneId": m.ID,
		"kind":        string(ledger.AlertInvalidProof),
		"severity":    string(ledger.SeverityHigh),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	alert := decodeBody[*ledger.FraudAlert](t, rec)
	require.Equal(t, validatorAddr, alert.Reporter)
	require.Equal(t, ngoAddr, alert.NGO)

	requireReason(t, env.do(t, http.MethodPost, "/v1/donations/"+donation.ID+"/withdraw", donorToken, nil), http.StatusConflict, "not_refundable")

	rec = env.do(t, http.MethodPost, "/v1/milestones/"+m.ID+"/freeze", adminToken, map[string]string{"alertId": alert.ID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, ledger.MilestoneFrozen, decodeBody[*ledger.Milestone](t, rec).Status)

	requireReason(t, env.donate(t, m.ID, "1"), http.StatusConflict, "milestone_frozen_or_terminal")

	rec = env.do(t, http.MethodGet, "/v1/donors/"+donorAddr.Hex()+"/refundable", donorToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	claim := decodeBody[refund.Claim](t, rec)
	require.Equal(t, "200", claim.Total.String())

	rec = env.do(t, http.MethodPost, "/v1/donations/"+donation.ID+"/withdraw", donorToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	requireReason(t, env.do(t, http.MethodPost, "/v1/donations/"+donation.ID+"/withdraw", donorToken, nil), http.StatusConflict, "already_refunded")

	rec = env.do(t, http.MethodGet, "/v1/donors/"+donorAddr.Hex()+"/portfolio", donorToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	portfolio := decodeBody[transparency.Portfolio](t, rec)
	require.Equal(t, "200", portfolio.Refunded.String())
	require.Equal(t, "0", portfolio.Escrowed.String())

	requireReason(t, env.do(t, http.MethodPost, "/v1/milestones/"+m.ID+"/unfreeze", adminToken, nil), http.StatusConflict, "active_alerts_remain")

	rec = env.do(t, http.MethodPost, "/v1/alerts/"+alert.ID+"/dismiss", validatorToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	requireReason(t, env.do(t, http.MethodPost, "/v1/alerts/"+alert.ID+"/resolve", validatorToken, nil), http.StatusConflict, "alert_not_active")

	// pending is only restorable when the milestone was frozen from pending
	rec = env.do(t, http.MethodPost, "/v1/milestones/"+m.ID+"/unfreeze", adminToken, map[string]string{"status": "pending"})
	requireReason(t, rec, http.StatusConflict, "invalid_transition")

	// the withdrawn donation rules out resuming; only settlement closes it
	requireReason(t, env.do(t, http.MethodPost, "/v1/milestones/"+m.ID+"/unfreeze", adminToken, nil), http.StatusConflict, "invalid_transition")

	rec = env.do(t, http.MethodPost, "/v1/milestones/"+m.ID+"/settle-refunds", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	settled := decodeBody[settleResponse](t, rec)
	require.Equal(t, ledger.MilestoneRefunded, settled.Milestone.Status)
	require.Empty(t, settled.Instructions)
}

func TestFreezeDismissAndUnfreeze(t *testing.T) {
	env := newTestEnv(t, nil)
	m := env.createMilestone(t, "500")
	require.Equal(t, http.StatusCreated, env.donate(t, m.ID, "200").Code)

	validatorToken := signToken(t, validatorAddr, RoleValidator)
	adminToken := signToken(t, adminAddr, RoleAdmin)

	rec := env.do(t, http.MethodPost, "/v1/alerts", validatorToken, map[string]string{
		"milestoneId": m.ID,
		"kind":        string(ledger.AlertSuspiciousActivity),
		"severity":    string(ledger.SeverityMedium),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	alert := decodeBody[*ledger.FraudAlert](t, rec)

	rec = env.do(t, http.MethodPost, "/v1/milestones/"+m.ID+"/freeze", adminToken, map[string]string{"alertId": alert.ID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/v1/alerts/"+alert.ID+"/dismiss", validatorToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/milestones/"+m.ID+"/unfreeze", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	restored := decodeBody[*ledger.Milestone](t, rec)
	require.Equal(t, ledger.MilestoneInProgress, restored.Status)
	require.Equal(t, "200", restored.Current.String())
}

func TestNGORegistryOverHTTP(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.Registry.RequireVerifiedNGO = true })
	ngoToken := signToken(t, ngoAddr, RoleNGO)
	adminToken := signToken(t, adminAddr, RoleAdmin)

	rec := env.do(t, http.MethodPost, "/v1/milestones", ngoToken, map[string]interface{}{
		"title":    "Unvetted",
		"target":   "100",
		"deadline": time.Now().Add(48 * time.Hour).UTC(),
	})
	requireReason(t, rec, http.StatusForbidden, "ngo_not_verified")

	rec = env.do(t, http.MethodPost, "/v1/ngos", ngoToken, map[string]string{
		"name":     "Clean Water Trust",
		"category": "water",
		"location": "Kisumu",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	profile := decodeBody[*ledger.NGO](t, rec)
	require.Equal(t, ngoAddr, profile.Address)
	require.False(t, profile.Verified)

	rec = env.do(t, http.MethodGet, "/v1/ngos?verified=true", ngoToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decodeBody[struct {
		NGOs []*registry.Profile `json:"ngos"`
	}](t, rec)
	require.Empty(t, listed.NGOs)

	rec = env.do(t, http.MethodPost, "/v1/ngos/"+ngoAddr.Hex()+"/verify", ngoToken, map[string]interface{}{"verified": true})
	require.Equal(t, http.StatusForbidden, rec.Code)
	rec = env.do(t, http.MethodPost, "/v1/ngos/"+ngoAddr.Hex()+"/verify", adminToken, map[string]interface{}{"verified": true, "rating": 7})
	requireReason(t, rec, http.StatusBadRequest, "invalid_input")
	rec = env.do(t, http.MethodPost, "/v1/ngos/"+ngoAddr.Hex()+"/verify", adminToken, map[string]interface{}{"verified": true, "rating": 4.5})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	profile = decodeBody[*ledger.NGO](t, rec)
	require.True(t, profile.Verified)
	require.Equal(t, adminAddr.Hex(), profile.VerifiedBy)
	require.Equal(t, 4.5, profile.Rating)

	rec = env.do(t, http.MethodGet, "/v1/ngos?verified=true&category=WATER&q=trust", ngoToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listed = decodeBody[struct {
		NGOs []*registry.Profile `json:"ngos"`
	}](t, rec)
	require.Len(t, listed.NGOs, 1)
	rec = env.do(t, http.MethodGet, "/v1/ngos?verified=maybe", ngoToken, nil)
	requireReason(t, rec, http.StatusBadRequest, "invalid_input")

	env.createMilestone(t, "100")
	rec = env.do(t, http.MethodGet, "/v1/ngos/"+strangerAddr.Hex(), ngoToken, nil)
	requireReason(t, rec, http.StatusNotFound, "not_found")
}

func TestExpensesOverHTTP(t *testing.T) {
	env := newTestEnv(t, nil)
	ngoToken := signToken(t, ngoAddr, RoleNGO)
	validatorToken := signToken(t, validatorAddr, RoleValidator)
	m := env.createMilestone(t, "500")
	require.Equal(t, http.StatusCreated, env.donate(t, m.ID, "300").Code)

	path := "/v1/milestones/" + m.ID + "/expenses"
	rec := env.do(t, http.MethodPost, path, ngoToken, map[string]string{
		"amount":   "200",
		"category": "drilling",
		"proofRef": "ipfs://invoice-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	expense := decodeBody[*ledger.Expense](t, rec)
	require.Equal(t, ledger.ExpensePending, expense.Status)
	require.Equal(t, "200", expense.Amount.String())

	rec = env.do(t, http.MethodPost, path, ngoToken, map[string]string{
		"amount":   "150",
		"category": "pumps",
		"proofRef": "ipfs://invoice-2",
	})
	requireReason(t, rec, http.StatusUnprocessableEntity, "expense_exceeds_funds")
	rec = env.do(t, http.MethodPost, path, signToken(t, strangerAddr, RoleNGO), map[string]string{
		"amount":   "10",
		"category": "pumps",
		"proofRef": "ipfs://invoice-3",
	})
	requireReason(t, rec, http.StatusForbidden, "unauthorized")

	review := "/v1/expenses/" + expense.ID + "/review"
	rec = env.do(t, http.MethodPost, review, signToken(t, strangerAddr, RoleValidator), map[string]string{"decision": "approved"})
	requireReason(t, rec, http.StatusForbidden, "unknown_validator")
	rec = env.do(t, http.MethodPost, review, validatorToken, map[string]string{"decision": "maybe"})
	requireReason(t, rec, http.StatusBadRequest, "invalid_input")
	rec = env.do(t, http.MethodPost, review, validatorToken, map[string]string{"decision": "approved", "note": "receipt matches"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	reviewed := decodeBody[*ledger.Expense](t, rec)
	require.Equal(t, ledger.ExpenseApproved, reviewed.Status)
	require.Equal(t, validatorAddr, reviewed.ReviewedBy)
	rec = env.do(t, http.MethodPost, review, validatorToken, map[string]string{"decision": "rejected"})
	requireReason(t, rec, http.StatusConflict, "invalid_transition")

	rec = env.do(t, http.MethodGet, "/v1/expenses?milestone="+m.ID+"&status=approved", ngoToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decodeBody[struct {
		Expenses []*ledger.Expense `json:"expenses"`
	}](t, rec)
	require.Len(t, listed.Expenses, 1)
	require.Equal(t, expense.ID, listed.Expenses[0].ID)
	rec = env.do(t, http.MethodGet, "/v1/expenses?status=bogus", ngoToken, nil)
	requireReason(t, rec, http.StatusBadRequest, "invalid_input")

	rec = env.do(t, http.MethodPost, "/v1/ngos", ngoToken, map[string]string{"name": "Clean Water Trust", "category": "water"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = env.do(t, http.MethodGet, "/v1/ngos/"+ngoAddr.Hex(), ngoToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	profile := decodeBody[registry.Profile](t, rec)
	require.Equal(t, "Clean Water Trust", profile.Name)
	require.Equal(t, "300", profile.Stats.Escrowed.String())
	require.Equal(t, "200", profile.Stats.ApprovedExpenses.String())
	require.Equal(t, 1, profile.Stats.TotalMilestones)
	require.Equal(t, 1, profile.Stats.DonorCount)
}

func TestExportDonations(t *testing.T) {
	env := newTestEnv(t, nil)
	m := env.createMilestone(t, "300")
	require.Equal(t, http.StatusCreated, env.donate(t, m.ID, "120").Code)
	adminToken := signToken(t, adminAddr, RoleAdmin)

	for _, format := range []string{"csv", "jsonl", "parquet"} {
		rec := env.do(t, http.MethodGet, "/v1/exports/donations?format="+format, adminToken, nil)
		require.Equal(t, http.StatusOK, rec.Code, format)
		require.NotEmpty(t, rec.Header().Get("X-Checksum-SHA256"), format)
		require.NotZero(t, rec.Body.Len(), format)
	}
	rec := env.do(t, http.MethodGet, "/v1/exports/donations?format=csv", adminToken, nil)
	require.Contains(t, rec.Body.String(), m.ID)
	requireReason(t, env.do(t, http.MethodGet, "/v1/exports/donations?format=xml", adminToken, nil), http.StatusBadRequest, "invalid_input")
}

func TestRateLimitThrottles(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.RateLimit.RequestsPerMinute = 1
		cfg.RateLimit.Burst = 1
	})
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/v1/transparency", "", nil).Code)
	rec := env.do(t, http.MethodGet, "/v1/transparency", "", nil)
	requireReason(t, rec, http.StatusTooManyRequests, "rate_limited")
	require.Equal(t, "1", rec.Header().Get("Retry-After"))
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", "", nil).Code)
}

func TestEventStream(t *testing.T) {
	env := newTestEnv(t, nil)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+signToken(t, donorAddr, RoleDonor))
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events?types=escrow.milestone"
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool { return env.broadcaster.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	env.broadcaster.Emit(events.Wrap(types.NewEvent("quorum.vote", "ignored", time.Now())))
	m := env.createMilestone(t, "10")

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var evt types.Event
	require.NoError(t, json.Unmarshal(data, &evt))
	require.Equal(t, escrow.EventTypeMilestoneCreated, evt.Type)
	require.Equal(t, m.ID, evt.Subject)
}

func TestEventStreamRequiresAuthentication(t *testing.T) {
	env := newTestEnv(t, nil)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/events", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("wrapped: %w", ledger.ErrExceedsTarget), http.StatusUnprocessableEntity, "exceeds_target"},
		{ledger.ErrMilestoneFrozenOrTerminal, http.StatusConflict, "milestone_frozen_or_terminal"},
		{ledger.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
		{ledger.ErrConflict, http.StatusConflict, "conflict"},
		{ledger.ErrInvariantViolation, http.StatusInternalServerError, "invariant_violation"},
		{errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		status, code := statusFor(tc.err)
		require.Equal(t, tc.status, status, tc.err.Error())
		require.Equal(t, tc.code, code, tc.err.Error())
	}
}

func TestParseAmount(t *testing.T) {
	amount, err := parseAmount(" 1000000000000000000 ")
	require.NoError(t, err)
	require.Equal(t, "1000000000000000000", amount.String())

	max := "115792089237316195423570985008687907853269984665640564039457584007913129639935"
	amount, err = parseAmount(max)
	require.NoError(t, err)
	require.Equal(t, max, amount.String())

	for _, raw := range []string{"", "-5", "1.5", "0x10", max + "0"} {
		_, err := parseAmount(raw)
		require.ErrorIs(t, err, ledger.ErrInvalidInput, raw)
	}
}
