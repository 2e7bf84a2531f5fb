package v1

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dhirmadi/mwapserver-sub005/pkg/auth"
	"github.com/dhirmadi/mwapserver-sub005/pkg/security"
)

// defaultPatternLimit bounds the patterns listing when no limit is given.
const defaultPatternLimit = 50

// SecurityRoutes defines the security monitoring routes.
type SecurityRoutes struct {
	monitor   *security.Monitor
	validator *security.Validator
}

// SecurityRouter creates the router for the security monitoring API. Every
// route requires an authenticated super-admin.
func SecurityRouter(tokenMiddleware func(http.Handler) http.Handler, monitor *security.Monitor, validator *security.Validator) http.Handler {
	routes := SecurityRoutes{monitor: monitor, validator: validator}

	r := chi.NewRouter()
	r.Use(tokenMiddleware)
	r.Use(auth.RequireSuperAdmin())
	r.Get("/metrics", routes.getMetrics)
	r.Get("/alerts", routes.listAlerts)
	r.Put("/alerts/{alertID}/status", routes.updateAlertStatus)
	r.Get("/patterns", routes.listPatterns)
	r.Get("/report", routes.getReport)
	r.Get("/validate/data-exposure", routes.validateDataExposure)
	r.Get("/validate/attack-vectors", routes.validateAttackVectors)
	return r
}

// getMetrics
//
//	@Summary		Get callback monitoring metrics
//	@Tags			security
//	@Produce		json
//	@Success		200	{object}	security.Metrics
//	@Router			/api/v1/oauth/security/metrics [get]
func (s *SecurityRoutes) getMetrics(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.monitor.CurrentMetrics())
}

// listAlerts
//
//	@Summary		List active security alerts
//	@Tags			security
//	@Produce		json
//	@Success		200	{object}	alertsResponse
//	@Router			/api/v1/oauth/security/alerts [get]
func (s *SecurityRoutes) listAlerts(w http.ResponseWriter, _ *http.Request) {
	alerts := s.monitor.ActiveAlerts()
	if alerts == nil {
		alerts = []security.Alert{}
	}
	respondJSON(w, http.StatusOK, alertsResponse{Alerts: alerts})
}

// updateAlertStatus
//
//	@Summary		Update the lifecycle status of an alert
//	@Tags			security
//	@Accept			json
//	@Param			alertID	path	string				true	"Alert ID"
//	@Param			body	body	updateAlertRequest	true	"New status"
//	@Success		200	{object}	updateAlertResponse
//	@Failure		400	{string}	string	"Bad request"
//	@Failure		404	{string}	string	"Alert not found"
//	@Router			/api/v1/oauth/security/alerts/{alertID}/status [put]
func (s *SecurityRoutes) updateAlertStatus(w http.ResponseWriter, r *http.Request) {
	alertID := chi.URLParam(r, "alertID")

	var req updateAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	status := security.AlertStatus(req.Status)
	switch status {
	case security.AlertActive, security.AlertInvestigating, security.AlertResolved:
	default:
		http.Error(w, "Unknown alert status", http.StatusBadRequest)
		return
	}

	if err := s.monitor.SetAlertStatus(alertID, status); err != nil {
		http.Error(w, "Alert not found", http.StatusNotFound)
		return
	}

	respondJSON(w, http.StatusOK, updateAlertResponse{Success: true})
}

// listPatterns
//
//	@Summary		List recently detected suspicious patterns
//	@Tags			security
//	@Produce		json
//	@Param			limit	query	int	false	"Maximum number of patterns to return"
//	@Success		200	{object}	patternsResponse
//	@Failure		400	{string}	string	"Bad request"
//	@Router			/api/v1/oauth/security/patterns [get]
func (s *SecurityRoutes) listPatterns(w http.ResponseWriter, r *http.Request) {
	limit := defaultPatternLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit parameter", http.StatusBadRequest)
			return
		}
		limit = n
	}

	patterns := s.monitor.RecentPatterns(limit)
	if patterns == nil {
		patterns = []security.Pattern{}
	}
	respondJSON(w, http.StatusOK, patternsResponse{Patterns: patterns})
}

// getReport
//
//	@Summary		Generate a security report
//	@Description	Aggregates metrics, top error codes, active alerts, and recent patterns
//	@Tags			security
//	@Produce		json
//	@Success		200	{object}	security.Report
//	@Router			/api/v1/oauth/security/report [get]
func (s *SecurityRoutes) getReport(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.monitor.GenerateReport())
}

// validateDataExposure
//
//	@Summary		Check stored monitoring records for data exposure
//	@Tags			security
//	@Produce		json
//	@Success		200	{object}	security.CheckResult
//	@Router			/api/v1/oauth/security/validate/data-exposure [get]
func (s *SecurityRoutes) validateDataExposure(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.monitor.ValidateDataExposure())
}

// validateAttackVectors
//
//	@Summary		Exercise state validation against known attack vectors
//	@Tags			security
//	@Produce		json
//	@Success		200	{object}	security.CheckResult
//	@Router			/api/v1/oauth/security/validate/attack-vectors [get]
func (s *SecurityRoutes) validateAttackVectors(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.monitor.ValidateAttackVectors(s.validator))
}

type alertsResponse struct {
	Alerts []security.Alert `json:"alerts"`
}

type patternsResponse struct {
	Patterns []security.Pattern `json:"patterns"`
}

type updateAlertRequest struct {
	Status string `json:"status"`
}

type updateAlertResponse struct {
	Success bool `json:"success"`
}
