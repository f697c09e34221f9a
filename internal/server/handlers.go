package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/shelfops/internal/domain"
	"github.com/aristath/shelfops/internal/modules/hitl"
	"github.com/aristath/shelfops/internal/tenant"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"service": "shelfops",
	})
}

// tenantFrom resolves the tenant handle from the X-Tenant-ID header.
func tenantFrom(r *http.Request) (tenant.Handle, error) {
	return tenant.New(r.Header.Get("X-Tenant-ID"))
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	h, err := tenantFrom(r)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	status := domain.AlertStatus(r.URL.Query().Get("status"))
	list, err := s.alerts.List(h, status, 0)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"alerts": list, "count": len(list)})
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	h, err := tenantFrom(r)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	alert, err := s.alerts.Get(h, chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, alert)
}

type transitionRequest struct {
	Actor string `json:"actor"`
	Note  string `json:"note"`
}

func (s *Server) handleAlertTransition(to domain.AlertStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h, err := tenantFrom(r)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		var req transitionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)

		if err := s.hitl.TransitionAlert(h, chi.URLParam(r, "id"), to, req.Actor, req.Note); err != nil {
			s.writeErr(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": string(to)})
	}
}

type orderRequest struct {
	Quantity   int    `json:"quantity"`
	ReasonCode string `json:"reason_code"`
	Actor      string `json:"actor"`
}

func (s *Server) handleOrderFromAlert(w http.ResponseWriter, r *http.Request) {
	h, err := tenantFrom(r)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	var req orderRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	po, existing, err := s.hitl.OrderFromAlert(r.Context(), h, chi.URLParam(r, "id"), hitl.OrderRequest{
		Quantity:   req.Quantity,
		ReasonCode: req.ReasonCode,
		Actor:      req.Actor,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	status := http.StatusCreated
	if existing {
		status = http.StatusOK
	}
	s.writeJSON(w, status, map[string]any{"purchase_order": po, "existing": existing})
}

func (s *Server) handleGetPO(w http.ResponseWriter, r *http.Request) {
	h, err := tenantFrom(r)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	po, err := s.hitl.GetPO(h, chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, po)
}

type poTransitionRequest struct {
	Status string `json:"status"`
}

func (s *Server) handlePOTransition(w http.ResponseWriter, r *http.Request) {
	h, err := tenantFrom(r)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	var req poTransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Status == "" {
		s.writeErr(w, &domain.ContractError{Field: "status", Reason: "required"})
		return
	}
	if err := s.hitl.TransitionPO(h, chi.URLParam(r, "id"), domain.POStatus(req.Status)); err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": req.Status})
}

type receiveRequest struct {
	ReceivedQty int `json:"received_qty"`
}

func (s *Server) handleReceivePO(w http.ResponseWriter, r *http.Request) {
	h, err := tenantFrom(r)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	var req receiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErr(w, &domain.ContractError{Field: "received_qty", Reason: "required"})
		return
	}
	if err := s.hitl.ReceivePO(h, chi.URLParam(r, "id"), req.ReceivedQty); err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "received", "received_qty": req.ReceivedQty})
}

func (s *Server) handleTriggerTask(w http.ResponseWriter, r *http.Request) {
	h, err := tenantFrom(r)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	name := chi.URLParam(r, "name")
	if err := s.scheduler.Trigger(r.Context(), name, h); err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"task": name, "status": "completed"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErr maps the domain error taxonomy onto HTTP statuses.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	var contractErr *domain.ContractError
	var stateErr *domain.StateError
	var transientErr *domain.TransientError

	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &contractErr):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.As(err, &stateErr), errors.Is(err, domain.ErrTenantUnset):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &transientErr):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("Request failed")
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
