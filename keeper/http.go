package keeper

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/legacyvault/vault-processor/utils"
	"github.com/legacyvault/vault-processor/vault"
)

// Server exposes the vault over HTTP: the lifecycle operations, the read
// accessors and the permissionless keeper endpoints.
type Server struct {
	lifecycle *vault.LifecycleService
	sweeper   *vault.SweepService
	state     *vault.State
	fees      *vault.FeeEngine
	logger    *slog.Logger
}

func NewServer(lifecycle *vault.LifecycleService, sweeper *vault.SweepService, state *vault.State, fees *vault.FeeEngine, logger *slog.Logger) *Server {
	return &Server{
		lifecycle: lifecycle,
		sweeper:   sweeper,
		state:     state,
		fees:      fees,
		logger:    logger.With("component", "http"),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/subscriptions", s.handleActivate)
	r.Post("/subscriptions/{id}/renewal", s.handleRenew)
	r.Put("/subscriptions/{id}/heir", s.handleChangeHeir)
	r.Post("/subscriptions/{id}/deposits", s.handleDeposit)
	r.Post("/subscriptions/{id}/withdrawals", s.handleWithdraw)

	r.Get("/owners/{owner}/subscriptions", s.handleOwnerSubscriptions)
	r.Get("/owners/{owner}/subscriptions/{id}", s.handleSubscription)
	r.Get("/owners/{owner}/subscriptions/{id}/balance", s.handleBalance)
	r.Get("/active-ids", s.handleActiveIDs)
	r.Get("/allowed-tokens/{token}", s.handleAllowedToken)
	r.Get("/fees/base", s.handleBaseFee)

	r.Post("/upkeep/check", s.handleCheckUpkeep)
	r.Post("/upkeep/perform", s.handlePerformUpkeep)

	return r
}

type activateRequest struct {
	Owner   string `json:"owner"`
	Heir    string `json:"heir"`
	Asset   string `json:"asset"`
	Payment string `json:"payment"`
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	var req activateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "undecodable request body")
		return
	}
	payment, ok := parseOptionalAmount(req.Payment)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid_amount", "payment is not a valid amount")
		return
	}

	result := s.lifecycle.Activate(r.Context(), vault.Address(req.Owner), vault.Address(req.Heir), vault.Asset(req.Asset), payment)
	s.writeOperationResult(w, result, http.StatusCreated)
}

type renewRequest struct {
	Owner   string `json:"owner"`
	Asset   string `json:"asset"`
	Payment string `json:"payment"`
}

func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request) {
	id, ok := s.subscriptionID(w, r)
	if !ok {
		return
	}
	var req renewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "undecodable request body")
		return
	}
	payment, ok := parseOptionalAmount(req.Payment)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid_amount", "payment is not a valid amount")
		return
	}

	result := s.lifecycle.Renew(r.Context(), vault.Address(req.Owner), vault.Asset(req.Asset), id, payment)
	s.writeOperationResult(w, result, http.StatusOK)
}

type changeHeirRequest struct {
	Owner string `json:"owner"`
	Heir  string `json:"heir"`
}

func (s *Server) handleChangeHeir(w http.ResponseWriter, r *http.Request) {
	id, ok := s.subscriptionID(w, r)
	if !ok {
		return
	}
	var req changeHeirRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "undecodable request body")
		return
	}

	result := s.lifecycle.ChangeHeir(r.Context(), vault.Address(req.Owner), id, vault.Address(req.Heir))
	s.writeOperationResult(w, result, http.StatusOK)
}

type fundsRequest struct {
	Owner      string   `json:"owner"`
	BaseAmount string   `json:"base_amount"`
	Tokens     []string `json:"tokens"`
	Amounts    []string `json:"amounts"`
}

func (s *Server) decodeFundsRequest(w http.ResponseWriter, r *http.Request) (vault.Address, *big.Int, []vault.Asset, []*big.Int, bool) {
	var req fundsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "undecodable request body")
		return "", nil, nil, nil, false
	}

	base, ok := parseOptionalAmount(req.BaseAmount)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid_amount", "base_amount is not a valid amount")
		return "", nil, nil, nil, false
	}

	tokens := make([]vault.Asset, len(req.Tokens))
	for i, token := range req.Tokens {
		tokens[i] = vault.Asset(token)
	}
	amounts := make([]*big.Int, len(req.Amounts))
	for i, amount := range req.Amounts {
		parsed, ok := parseOptionalAmount(amount)
		if !ok {
			s.writeError(w, http.StatusBadRequest, "invalid_amount", "amounts contains an invalid amount")
			return "", nil, nil, nil, false
		}
		amounts[i] = parsed
	}

	return vault.Address(req.Owner), base, tokens, amounts, true
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	id, ok := s.subscriptionID(w, r)
	if !ok {
		return
	}
	owner, base, tokens, amounts, ok := s.decodeFundsRequest(w, r)
	if !ok {
		return
	}

	result := s.lifecycle.Deposit(r.Context(), owner, id, base, tokens, amounts)
	s.writeOperationResult(w, result, http.StatusOK)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	id, ok := s.subscriptionID(w, r)
	if !ok {
		return
	}
	owner, base, tokens, amounts, ok := s.decodeFundsRequest(w, r)
	if !ok {
		return
	}

	result := s.lifecycle.Withdraw(r.Context(), owner, id, base, tokens, amounts)
	s.writeOperationResult(w, result, http.StatusOK)
}

func (s *Server) handleSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := s.subscriptionID(w, r)
	if !ok {
		return
	}
	owner := vault.Address(chi.URLParam(r, "owner"))

	sub, ok := s.state.Subscription(owner, id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "invalid_id", "subscription not found")
		return
	}
	s.writeJSON(w, http.StatusOK, subscriptionView(sub))
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := s.subscriptionID(w, r)
	if !ok {
		return
	}
	owner := vault.Address(chi.URLParam(r, "owner"))
	token := vault.Asset(r.URL.Query().Get("token"))

	balance, ok := s.state.TokenBalance(owner, id, token)
	if !ok {
		s.writeError(w, http.StatusNotFound, "token_not_deposited", "no balance for this token")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"balance": balance.String()})
}

func (s *Server) handleOwnerSubscriptions(w http.ResponseWriter, r *http.Request) {
	owner := vault.Address(chi.URLParam(r, "owner"))
	s.writeJSON(w, http.StatusOK, map[string]any{
		"owner":            owner,
		"subscription_ids": s.state.IDsOfOwner(owner),
		"is_user":          s.state.IsUser(owner),
	})
}

func (s *Server) handleActiveIDs(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"active_ids": s.state.ActiveIDs()})
}

func (s *Server) handleAllowedToken(w http.ResponseWriter, r *http.Request) {
	token := vault.Asset(chi.URLParam(r, "token"))
	s.writeJSON(w, http.StatusOK, map[string]any{
		"token":   token,
		"allowed": s.state.IsAllowedToken(token),
	})
}

func (s *Server) handleBaseFee(w http.ResponseWriter, r *http.Request) {
	result := s.fees.RequiredBaseFee()
	if result.Failure() {
		s.writeError(w, http.StatusBadGateway, result.ErrorCode(), result.ErrorMessage())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"required_fee": result.Value().String()})
}

func (s *Server) handleCheckUpkeep(w http.ResponseWriter, r *http.Request) {
	result := s.sweeper.CheckUpkeep(r.Context(), nil)
	if result.Failure() {
		s.writeError(w, http.StatusInternalServerError, "internal_error", result.ErrorMsg())
		return
	}

	check := result.Value()
	payload := json.RawMessage(check.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"upkeep_needed": check.Needed,
		"payload":       payload,
	})
}

func (s *Server) handlePerformUpkeep(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "unreadable payload")
		return
	}

	result := s.sweeper.PerformUpkeep(r.Context(), payload)
	if result.Failure() {
		s.writeResultError(w, result)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"swept_ids": result.Value()})
}

func (s *Server) subscriptionID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_id", "id is not a valid subscription id")
		return 0, false
	}
	return id, true
}

func (s *Server) writeOperationResult(w http.ResponseWriter, result utils.Result[*vault.Subscription], successStatus int) {
	if result.Failure() {
		s.writeResultError(w, result)
		return
	}
	s.writeJSON(w, successStatus, subscriptionView(result.Value()))
}

func (s *Server) writeResultError(w http.ResponseWriter, result utils.AnyResult) {
	s.writeError(w, statusForError(result.Error()), result.ErrorCode(), result.ErrorMsg())
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, vault.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, vault.ErrInvalidID):
		return http.StatusNotFound
	case errors.Is(err, vault.ErrExpired), errors.Is(err, vault.ErrReentrant):
		return http.StatusConflict
	case errors.Is(err, vault.ErrOracle):
		return http.StatusBadGateway
	case vault.IsValidationError(err):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

type subscriptionResponse struct {
	ID            uint64            `json:"id"`
	Owner         string            `json:"owner"`
	Heir          string            `json:"heir"`
	ActivatedAt   string            `json:"activated_at"`
	BaseBalance   string            `json:"base_balance"`
	TokenBalances map[string]string `json:"token_balances"`
	Active        bool              `json:"active"`
}

func subscriptionView(sub *vault.Subscription) subscriptionResponse {
	balances := make(map[string]string, len(sub.TokenBalances))
	for token, balance := range sub.TokenBalances {
		balances[string(token)] = balance.String()
	}
	return subscriptionResponse{
		ID:            sub.ID,
		Owner:         string(sub.Owner),
		Heir:          string(sub.Heir),
		ActivatedAt:   sub.ActivatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		BaseBalance:   sub.BaseBalance.String(),
		TokenBalances: balances,
		Active:        sub.Active,
	}
}

func parseOptionalAmount(value string) (*big.Int, bool) {
	if value == "" {
		return nil, true
	}
	amount, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, false
	}
	return amount, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("error while encoding response", slog.String("error", err.Error()))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, map[string]string{"error": code, "message": message})
}
