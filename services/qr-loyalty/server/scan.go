package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"qrloyalty/native/loyalty"
	"qrloyalty/services/qr-loyalty/scan"
)

const maxEventTypeLength = 32

// ScanRedirect resolves a scanned code and redirects to its destination.
// Loyalty side effects never block the redirect beyond the pipeline budget.
func (s *Server) ScanRedirect(w http.ResponseWriter, r *http.Request) {
	res, err := s.pipeline.Scan(r.Context(), scan.Request{
		ID:        chi.URLParam(r, "id"),
		Identity:  s.identity.Resolve(r),
		UserAgent: r.UserAgent(),
		Referrer:  r.Referer(),
	})
	w.Header().Set("Cache-Control", "no-store")
	switch {
	case err == nil:
		http.Redirect(w, r, res.Location, http.StatusFound)
	case errors.Is(err, loyalty.ErrNotFound):
		http.Error(w, "QR code not found", http.StatusNotFound)
	case errors.Is(err, loyalty.ErrExpired):
		http.Error(w, "QR code expired", http.StatusGone)
	default:
		s.logger.Error("scan failed",
			slog.String("id", chi.URLParam(r, "id")),
			slog.String("error", err.Error()))
		http.Error(w, "scan failed", http.StatusInternalServerError)
	}
}

type scanEventRequest struct {
	Type string                 `json:"type"`
	Meta map[string]interface{} `json:"meta"`
}

// ScanEvent records a client-side interaction against a code found by id or
// slug.
func (s *Server) ScanEvent(w http.ResponseWriter, r *http.Request) {
	var req scanEventRequest
	if err := decode(w, r, &req, true); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "error": "invalid payload"})
		return
	}
	req.Type = strings.TrimSpace(req.Type)
	if len(req.Type) > maxEventTypeLength {
		s.writeJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "error": "type too long"})
		return
	}
	_, err := s.pipeline.Track(r.Context(), chi.URLParam(r, "id"), req.Type, s.identity.Resolve(r), req.Meta)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	case errors.Is(err, loyalty.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, map[string]interface{}{"success": false, "error": "not found"})
	default:
		s.logger.Error("scan event failed",
			slog.String("id", chi.URLParam(r, "id")),
			slog.String("error", err.Error()))
		s.writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"success": false, "error": "internal error"})
	}
}
