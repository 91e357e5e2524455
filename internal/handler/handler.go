// Package handler содержит HTTP-обработчики операторского API.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/giftcode-redeemer/internal/middleware"
	"github.com/mmeshcher/giftcode-redeemer/internal/model"
	"github.com/mmeshcher/giftcode-redeemer/internal/repository"
	"github.com/mmeshcher/giftcode-redeemer/internal/service"
	"github.com/mmeshcher/giftcode-redeemer/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	IsAuthorized(ctx context.Context, callerID string) (bool, error)
	RunAuthorized(ctx context.Context, callerID, code string) (*model.Report, error)
	RunDiscovery(ctx context.Context) (*model.DiscoveryResult, error)
	ListCodes(ctx context.Context) ([]model.GiftCode, error)
	ListRedemptions(ctx context.Context, code string) ([]model.RedemptionRecord, error)
	RegisterAccount(ctx context.Context, callerID, fid string) (*model.Account, bool, error)
	RemoveAccount(ctx context.Context, callerID, fid string) error
	GetAccounts(ctx context.Context) ([]model.Account, error)
}

// Handler реализует HTTP-обработчики операторского API.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	metrics        http.Handler
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
// metrics может быть nil, тогда /metrics не регистрируется.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, metrics http.Handler) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		metrics:        metrics,
	}
}

type redemptionRequest struct {
	Code string `json:"code"`
}

// RunRedemption запускает массовую активацию кода для всех аккаунтов.
func (h *Handler) RunRedemption(w http.ResponseWriter, r *http.Request) {
	callerID, ok := middleware.GetCallerIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req redemptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	code := strings.TrimSpace(req.Code)
	if !validation.IsValidGiftCode(code) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	report, err := h.service.RunAuthorized(r.Context(), callerID, code)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrUnauthorized):
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		case errors.Is(err, service.ErrInvalidCode):
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		default:
			h.logger.Error("run redemption error", zap.Error(err), zap.String("code", code), zap.String("caller", callerID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, report)
}

// RunDiscovery выполняет внеочередной прогон обнаружения кодов.
func (h *Handler) RunDiscovery(w http.ResponseWriter, r *http.Request) {
	callerID, ok := middleware.GetCallerIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	allowed, err := h.service.IsAuthorized(r.Context(), callerID)
	if err != nil {
		h.logger.Error("check authorization error", zap.Error(err), zap.String("caller", callerID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	if !allowed {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}

	res, err := h.service.RunDiscovery(r.Context())
	if err != nil {
		if errors.Is(err, service.ErrNoFeed) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
			return
		}
		h.logger.Error("run discovery error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}

	writeJSON(w, res)
}

type codeResponse struct {
	Code string `json:"code"`
	Date string `json:"date"`
}

// GetCodes возвращает известные подарочные коды.
func (h *Handler) GetCodes(w http.ResponseWriter, r *http.Request) {
	codes, err := h.service.ListCodes(r.Context())
	if err != nil {
		h.logger.Error("get codes error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(codes) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]codeResponse, 0, len(codes))
	for _, c := range codes {
		resp = append(resp, codeResponse{Code: c.Code, Date: c.Date})
	}

	writeJSON(w, resp)
}

type redemptionResponse struct {
	AccountID string `json:"fid"`
	Outcome   string `json:"outcome"`
	UpdatedAt string `json:"updated_at"`
}

// GetRedemptions возвращает записи журнала активаций для кода.
func (h *Handler) GetRedemptions(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	records, err := h.service.ListRedemptions(r.Context(), code)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCode) {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		h.logger.Error("get redemptions error", zap.Error(err), zap.String("code", code))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(records) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]redemptionResponse, 0, len(records))
	for _, rec := range records {
		resp = append(resp, redemptionResponse{
			AccountID: rec.AccountID,
			Outcome:   string(rec.Outcome),
			UpdatedAt: rec.UpdatedAt.Format(time.RFC3339),
		})
	}

	writeJSON(w, resp)
}

// CreateSession выставляет cookie с токеном вызывающего, предъявившего Bearer-токен.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	callerID, ok := middleware.GetCallerIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	h.authMiddleware.SetAuthCookie(w, callerID)
	w.WriteHeader(http.StatusNoContent)
}

type accountRequest struct {
	FID string `json:"fid"`
}

type accountResponse struct {
	FID       string `json:"fid"`
	Nickname  string `json:"nickname"`
	Level     int    `json:"level"`
	CreatedAt string `json:"created_at,omitempty"`
}

func toAccountResponse(a model.Account) accountResponse {
	resp := accountResponse{FID: a.ID, Nickname: a.Nickname, Level: a.Level}
	if !a.CreatedAt.IsZero() {
		resp.CreatedAt = a.CreatedAt.Format(time.RFC3339)
	}
	return resp
}

// RegisterAccount добавляет аккаунт в список активации после проверки через игровой API.
func (h *Handler) RegisterAccount(w http.ResponseWriter, r *http.Request) {
	callerID, ok := middleware.GetCallerIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req accountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	acc, created, err := h.service.RegisterAccount(r.Context(), callerID, strings.TrimSpace(req.FID))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrUnauthorized):
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		case errors.Is(err, service.ErrInvalidAccountID):
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		case errors.Is(err, service.ErrAccountLookup):
			h.logger.Warn("account lookup error", zap.Error(err), zap.String("fid", req.FID))
			http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		default:
			h.logger.Error("register account error", zap.Error(err), zap.String("fid", req.FID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSONStatus(w, status, toAccountResponse(*acc))
}

// DeleteAccount исключает аккаунт из списка активации.
func (h *Handler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	callerID, ok := middleware.GetCallerIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	fid := chi.URLParam(r, "fid")

	if err := h.service.RemoveAccount(r.Context(), callerID, fid); err != nil {
		switch {
		case errors.Is(err, service.ErrUnauthorized):
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		case errors.Is(err, service.ErrInvalidAccountID):
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		case errors.Is(err, repository.ErrAccountNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		default:
			h.logger.Error("delete account error", zap.Error(err), zap.String("fid", fid))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetAccounts возвращает аккаунты из списка активации.
func (h *Handler) GetAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.service.GetAccounts(r.Context())
	if err != nil {
		h.logger.Error("get accounts error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(accounts) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]accountResponse, 0, len(accounts))
	for _, a := range accounts {
		resp = append(resp, toAccountResponse(a))
	}

	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
