package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"qrloyalty/native/loyalty"
	"qrloyalty/observability/logging"
	"qrloyalty/services/qr-loyalty/ledger"
	"qrloyalty/services/qr-loyalty/models"
	"qrloyalty/services/qr-loyalty/provisioning"
	"qrloyalty/services/qr-loyalty/scan"
	"qrloyalty/services/qr-loyalty/templates"
)

func merchantParam(r *http.Request) string {
	return chi.URLParam(r, "merchantID")
}

func (s *Server) GetBalance(w http.ResponseWriter, r *http.Request) {
	standing, err := s.ledger.GetBalance(r.Context(), merchantParam(r), chi.URLParam(r, "customerID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, standing)
}

type awardRequest struct {
	Amount int64  `json:"amount"`
	Source string `json:"source"`
}

type awardResponse struct {
	Balance           ledger.Standing      `json:"balance"`
	Provisioning      *provisioning.Result `json:"provisioning,omitempty"`
	ProvisioningError string               `json:"provisioningError,omitempty"`
}

// AwardPoints credits points and provisions the rewards of the resulting
// tier. The credit stands even when provisioning fails.
func (s *Server) AwardPoints(w http.ResponseWriter, r *http.Request) {
	var req awardRequest
	if err := decode(w, r, &req, false); err != nil {
		s.badRequest(w, "invalid payload")
		return
	}
	source := models.PointsSource(strings.ToLower(strings.TrimSpace(req.Source)))
	if source == "" {
		source = models.SourceManual
	}
	if !source.Valid() {
		s.writeError(w, r, loyalty.Invalid("source", "must be scan, purchase or manual"))
		return
	}
	merchantID, customerID := merchantParam(r), chi.URLParam(r, "customerID")
	standing, err := s.ledger.Award(r.Context(), merchantID, customerID, req.Amount, source)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := awardResponse{Balance: standing}
	result, err := s.rewards.EnsureTierRewards(r.Context(), merchantID, customerID, standing.Tier)
	if err != nil {
		s.logger.Warn("provisioning after award failed",
			slog.String("merchant_id", merchantID),
			logging.Customer(customerID),
			slog.String("tier", standing.Tier),
			slog.String("error", err.Error()))
		resp.ProvisioningError = "reward provisioning failed"
	} else {
		resp.Provisioning = &result
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type redeemRequest struct {
	Amount int64 `json:"amount"`
}

func (s *Server) RedeemPoints(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := decode(w, r, &req, false); err != nil {
		s.badRequest(w, "invalid payload")
		return
	}
	standing, err := s.ledger.Redeem(r.Context(), merchantParam(r), chi.URLParam(r, "customerID"), req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, standing)
}

func (s *Server) GetRewards(w http.ResponseWriter, r *http.Request) {
	summary, err := s.rewards.Summary(r.Context(), merchantParam(r), chi.URLParam(r, "customerID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) UseDiscount(w http.ResponseWriter, r *http.Request) {
	record, err := s.rewards.UseDiscount(r.Context(), merchantParam(r), chi.URLParam(r, "code"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

type tiersBody struct {
	Tiers []loyalty.Threshold `json:"tiers"`
}

func (s *Server) GetTiers(w http.ResponseWriter, r *http.Request) {
	tiers, err := s.tiers.Thresholds(r.Context(), merchantParam(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tiersBody{Tiers: tiers})
}

func (s *Server) ReplaceTiers(w http.ResponseWriter, r *http.Request) {
	var req tiersBody
	if err := decode(w, r, &req, false); err != nil {
		s.badRequest(w, "invalid payload")
		return
	}
	tiers, err := s.tiers.Replace(r.Context(), merchantParam(r), req.Tiers)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tiersBody{Tiers: tiers})
}

func (s *Server) ListTemplates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := templates.Filter{
		Tier:       q.Get("tier"),
		RewardType: q.Get("rewardType"),
	}
	if raw := q.Get("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			s.badRequest(w, "active must be a boolean")
			return
		}
		filter.ActiveOnly = active
	}
	list, err := s.templates.List(r.Context(), merchantParam(r), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []templates.Template{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"templates": list})
}

func (s *Server) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req templates.CreateInput
	if err := decode(w, r, &req, false); err != nil {
		s.badRequest(w, "invalid payload")
		return
	}
	tpl, err := s.templates.Create(r.Context(), merchantParam(r), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, tpl)
}

func (s *Server) templateID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "templateID"))
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) GetTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := s.templateID(w, r)
	if !ok {
		return
	}
	tpl, err := s.templates.Get(r.Context(), merchantParam(r), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tpl)
}

func (s *Server) UpdateTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := s.templateID(w, r)
	if !ok {
		return
	}
	var patch templates.Patch
	if err := decode(w, r, &patch, false); err != nil {
		s.badRequest(w, "invalid payload")
		return
	}
	tpl, err := s.templates.Update(r.Context(), merchantParam(r), id, patch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tpl)
}

func (s *Server) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := s.templateID(w, r)
	if !ok {
		return
	}
	if err := s.templates.Delete(r.Context(), merchantParam(r), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) CreateQRCode(w http.ResponseWriter, r *http.Request) {
	var req scan.CodeInput
	if err := decode(w, r, &req, false); err != nil {
		s.badRequest(w, "invalid payload")
		return
	}
	qr, err := s.codes.Create(r.Context(), merchantParam(r), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, qr)
}

func (s *Server) GetQRCode(w http.ResponseWriter, r *http.Request) {
	qr, err := s.codes.Get(r.Context(), merchantParam(r), chi.URLParam(r, "qrID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, qr)
}
