package main

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	credmux "github.com/blueberrycongee/credmux"
	crederrors "github.com/blueberrycongee/credmux/pkg/errors"
)

// adminHandler exposes the broker's administrative surface over HTTP.
type adminHandler struct {
	manager *credmux.Manager
	logger  *slog.Logger
}

func registerAdminRoutes(mux *http.ServeMux, manager *credmux.Manager, logger *slog.Logger) {
	h := &adminHandler{manager: manager, logger: logger}

	mux.HandleFunc("GET /health/live", h.health)
	mux.HandleFunc("GET /health/ready", h.health)

	mux.HandleFunc("GET /admin/accounts", h.listAccounts)
	mux.HandleFunc("POST /admin/accounts", h.importAccounts)
	mux.HandleFunc("GET /admin/accounts/{id}", h.accountStats)
	mux.HandleFunc("DELETE /admin/accounts/{id}", h.deleteAccount)
	mux.HandleFunc("POST /admin/accounts/{id}/toggle", h.toggleAccount)
	mux.HandleFunc("POST /admin/accounts/{id}/route", h.setRoute)
	mux.HandleFunc("POST /admin/accounts/{id}/sharing", h.setSharing)
	mux.HandleFunc("POST /admin/accounts/{id}/blacklist", h.addBlacklist)
	mux.HandleFunc("DELETE /admin/accounts/{id}/blacklist/{borrower}", h.removeBlacklist)

	mux.HandleFunc("GET /admin/usage", h.usage)
	mux.HandleFunc("GET /admin/shared", h.listShared)
	mux.HandleFunc("POST /admin/reload", h.forceReload)

	mux.HandleFunc("POST /admin/bans", h.banUser)
	mux.HandleFunc("DELETE /admin/bans/{borrower}", h.unbanUser)

	mux.HandleFunc("POST /v1/credentials/acquire", h.acquire)
	mux.HandleFunc("POST /v1/credentials/borrow", h.borrow)
	mux.HandleFunc("POST /v1/credentials/{id}/usage", h.recordUsage)
	mux.HandleFunc("POST /v1/credentials/{id}/error", h.reportError)
}

func (h *adminHandler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *adminHandler) listAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.manager.ListAccounts(r.Context())
	if err != nil {
		h.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accounts)
}

func (h *adminHandler) accountStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.manager.AccountStats(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type importRequest struct {
	Credentials []struct {
		Label        string        `json:"label"`
		AccessToken  string        `json:"access_token"`
		RefreshToken string        `json:"refresh_token"`
		IssuedAt     time.Time     `json:"issued_at"`
		Lifetime     time.Duration `json:"lifetime"`
		ProxyURL     string        `json:"proxy_url"`
	} `json:"credentials"`
}

func (h *adminHandler) importAccounts(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	items := make([]credmux.ImportItem, 0, len(req.Credentials))
	for _, c := range req.Credentials {
		items = append(items, credmux.ImportItem{
			Label:        c.Label,
			AccessToken:  c.AccessToken,
			RefreshToken: c.RefreshToken,
			IssuedAt:     c.IssuedAt,
			Lifetime:     c.Lifetime,
			ProxyURL:     c.ProxyURL,
		})
	}
	ids, err := h.manager.ImportCredentials(r.Context(), items)
	if err != nil {
		h.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string][]string{"ids": ids})
}

func (h *adminHandler) deleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.DeleteAccount(r.Context(), r.PathValue("id")); err != nil {
		h.serverError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *adminHandler) toggleAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.manager.ToggleAccount(r.Context(), r.PathValue("id"), req.Enabled); err != nil {
		h.serverError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *adminHandler) setRoute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProxyURL string `json:"proxy_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.manager.SetAccountRoute(r.Context(), r.PathValue("id"), req.ProxyURL); err != nil {
		h.serverError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *adminHandler) setSharing(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Shared     bool `json:"shared"`
		DailyLimit int  `json:"daily_limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.manager.UpdateSharingSettings(r.Context(), r.PathValue("id"), req.Shared, req.DailyLimit); err != nil {
		h.serverError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *adminHandler) addBlacklist(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BorrowerID string `json:"borrower_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.manager.AddToBlacklist(r.Context(), r.PathValue("id"), req.BorrowerID); err != nil {
		h.serverError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *adminHandler) removeBlacklist(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.RemoveFromBlacklist(r.Context(), r.PathValue("id"), r.PathValue("borrower")); err != nil {
		h.serverError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *adminHandler) usage(w http.ResponseWriter, r *http.Request) {
	stats, err := h.manager.UsageStats(r.Context())
	if err != nil {
		h.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *adminHandler) listShared(w http.ResponseWriter, r *http.Request) {
	shared, err := h.manager.ListShared(r.Context())
	if err != nil {
		h.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, shared)
}

func (h *adminHandler) forceReload(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.ForceReload(r.Context()); err != nil {
		h.serverError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *adminHandler) banUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BorrowerID string `json:"borrower_id"`
		Reason     string `json:"reason"`
		Duration   string `json:"duration"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	duration, err := time.ParseDuration(req.Duration)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.manager.BanUser(r.Context(), req.BorrowerID, req.Reason, duration); err != nil {
		h.serverError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *adminHandler) unbanUser(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.UnbanUser(r.Context(), r.PathValue("borrower")); err != nil {
		h.serverError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type credentialResponse struct {
	ID          string `json:"id"`
	AccessToken string `json:"access_token"`
	ProxyURL    string `json:"proxy_url,omitempty"`
}

func (h *adminHandler) acquire(w http.ResponseWriter, r *http.Request) {
	cred, err := h.manager.Acquire(r.Context())
	if err != nil {
		if errors.Is(err, crederrors.ErrPoolExhausted) {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		h.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, credentialResponse{
		ID:          cred.ID,
		AccessToken: cred.AccessToken,
		ProxyURL:    cred.ProxyURL,
	})
}

func (h *adminHandler) borrow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BorrowerID string `json:"borrower_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cred, err := h.manager.AcquireShared(r.Context(), req.BorrowerID)
	if err != nil {
		var denied *crederrors.SharingDeniedError
		if errors.As(err, &denied) {
			writeJSON(w, http.StatusForbidden, map[string]any{
				"error": denied.Error(),
				"ban":   denied.Ban,
			})
			return
		}
		h.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, credentialResponse{
		ID:          cred.ID,
		AccessToken: cred.AccessToken,
		ProxyURL:    cred.ProxyURL,
	})
}

func (h *adminHandler) recordUsage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Cost float64 `json:"cost"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.manager.RecordUsage(r.Context(), r.PathValue("id"), req.Cost); err != nil {
		h.serverError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *adminHandler) reportError(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StatusCode int    `json:"status_code"`
		Message    string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	credID := r.PathValue("id")
	upstreamErr := crederrors.NewUpstreamError(req.StatusCode, credID, req.Message)
	action, err := h.manager.HandleUpstreamError(r.Context(), credID, upstreamErr)
	if action != credmux.ActionPropagate && err != nil {
		// Quarantine or disable failed to persist.
		h.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"action": action.String()})
}

func (h *adminHandler) serverError(w http.ResponseWriter, err error) {
	h.logger.Error("admin request failed", "error", err)
	writeError(w, http.StatusInternalServerError, err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
