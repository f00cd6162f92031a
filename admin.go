package detrack

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// AdminAPI is the control surface consumed by dashboards and CLIs. It
// exposes every hub operation as a synchronous REST endpoint: toggles,
// logs, statistics, blocklist management, classifier tuning, and the
// suggestion review queue.
//
// The API is mounted at a configurable path prefix (default "/api") on the
// proxy listener and uses [chi] for routing. All endpoints return JSON.
type AdminAPI struct {
	// Hub is the shared state to operate on.
	Hub *Hub

	// Logger for admin API events.
	Logger *slog.Logger

	// Metrics, when set, has its suggestion and blocklist gauges
	// refreshed after mutating operations.
	Metrics *Metrics

	// PathPrefix is the URL path prefix for admin routes (default "/api").
	PathPrefix string

	started time.Time
	router  chi.Router
}

// NewAdminAPI creates an AdminAPI wired to the given hub.
func NewAdminAPI(hub *Hub) *AdminAPI {
	a := &AdminAPI{
		Hub:        hub,
		Logger:     slog.Default(),
		PathPrefix: "/api",
		started:    time.Now(),
	}
	a.buildRouter()
	return a
}

func (a *AdminAPI) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.SetHeader("Content-Type", "application/json"))

	r.Get("/status", a.handleStatus)

	r.Post("/proxy/enable", a.handleProxyToggle(true))
	r.Post("/proxy/disable", a.handleProxyToggle(false))
	r.Post("/logging/enable", a.handleLoggingToggle(true))
	r.Post("/logging/disable", a.handleLoggingToggle(false))

	r.Get("/logs", a.handleGetLogs)
	r.Delete("/logs", a.handleClearLogs)

	r.Get("/stats", a.handleGetStats)
	r.Delete("/stats", a.handleResetStats)

	r.Get("/blocklist", a.handleListBlocklist)
	r.Post("/blocklist", a.handleAddDomain)
	r.Delete("/blocklist/{domain}", a.handleRemoveDomain)
	r.Post("/blocklist/import", a.handleImport)
	r.Post("/blocklist/export", a.handleExport)
	r.Post("/blocklist/reload", a.handleReloadBlocklist)

	r.Get("/classifier", a.handleClassifierStatus)
	r.Post("/classifier/enable", a.handleClassifierToggle(true))
	r.Post("/classifier/disable", a.handleClassifierToggle(false))
	r.Put("/classifier/threshold", a.handleSetThreshold)
	r.Get("/classifier/stats", a.handleClassifierStats)
	r.Delete("/classifier/stats", a.handleResetClassifierStats)
	r.Delete("/classifier/cache", a.handleClearCache)

	r.Get("/suggestions", a.handleListSuggestions)
	r.Delete("/suggestions", a.handleClearSuggestions)
	r.Post("/suggestions/{domain}/approve", a.handleApproveSuggestion)
	r.Post("/suggestions/{domain}/reject", a.handleRejectSuggestion)

	a.router = r
}

// Handler returns an http.Handler for the admin API routes.
func (a *AdminAPI) Handler() http.Handler {
	return http.StripPrefix(a.PathPrefix, a.router)
}

// ServeHTTP implements http.Handler by delegating to the internal chi
// router after stripping the path prefix.
func (a *AdminAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.Handler().ServeHTTP(w, r)
}

// --------------------------------------------------------------------------
// Request and response types
// --------------------------------------------------------------------------

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	Status            string  `json:"status"`
	Uptime            string  `json:"uptime"`
	ProxyEnabled      bool    `json:"proxy_enabled"`
	LoggingEnabled    bool    `json:"logging_enabled"`
	ClassifierEnabled bool    `json:"classifier_enabled"`
	Threshold         float64 `json:"classifier_threshold"`
	BlocklistSize     int     `json:"blocklist_size"`
	AllowedCount      uint64  `json:"allowed_count"`
	BlockedCount      uint64  `json:"blocked_count"`
	BandwidthSaved    uint64  `json:"bandwidth_saved_bytes"`
	Suggestions       int     `json:"suggestions_pending"`
}

// StatsResponse is returned by GET /api/stats.
type StatsResponse struct {
	Domains        map[string]DomainStat `json:"domains"`
	AllowedCount   uint64                `json:"allowed_count"`
	BlockedCount   uint64                `json:"blocked_count"`
	BandwidthSaved uint64                `json:"bandwidth_saved_bytes"`
}

// ClassifierStatsResponse is returned by GET /api/classifier/stats.
type ClassifierStatsResponse struct {
	Detections     int `json:"detections"`
	FalsePositives int `json:"false_positives"`
	FalseNegatives int `json:"false_negatives"`
}

// DomainRequest is the body for POST /api/blocklist.
type DomainRequest struct {
	Domain string `json:"domain"`
}

// FileRequest is the body for blocklist import/export.
type FileRequest struct {
	Path string `json:"path"`
}

// ThresholdRequest is the body for PUT /api/classifier/threshold.
type ThresholdRequest struct {
	Threshold float64 `json:"threshold"`
}

// CountResponse reports how many entries an operation touched.
type CountResponse struct {
	Count int `json:"count"`
}

// ErrorResponse is returned for error conditions.
type ErrorResponse struct {
	Error string `json:"error"`
}

// MessageResponse is returned for successful mutations.
type MessageResponse struct {
	Message string `json:"message"`
}

// --------------------------------------------------------------------------
// Handlers
// --------------------------------------------------------------------------

func (a *AdminAPI) handleStatus(w http.ResponseWriter, _ *http.Request) {
	c := a.Hub.Classifier()
	a.writeJSON(w, http.StatusOK, StatusResponse{
		Status:            "ok",
		Uptime:            time.Since(a.started).Truncate(time.Second).String(),
		ProxyEnabled:      a.Hub.ProxyEnabled(),
		LoggingEnabled:    a.Hub.LoggingEnabled(),
		ClassifierEnabled: c.Enabled(),
		Threshold:         c.Threshold(),
		BlocklistSize:     a.Hub.BlockList().Count(),
		AllowedCount:      a.Hub.AllowedCount(),
		BlockedCount:      a.Hub.BlockedCount(),
		BandwidthSaved:    a.Hub.BandwidthSaved(),
		Suggestions:       len(a.Hub.Suggestions()),
	})
}

func (a *AdminAPI) handleProxyToggle(enable bool) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if enable {
			a.Hub.EnableProxy()
		} else {
			a.Hub.DisableProxy()
		}
		a.Logger.Info("proxy toggled via admin API", "enabled", enable)
		a.writeJSON(w, http.StatusOK, MessageResponse{Message: "ok"})
	}
}

func (a *AdminAPI) handleLoggingToggle(enable bool) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if enable {
			a.Hub.EnableLogging()
		} else {
			a.Hub.DisableLogging()
		}
		a.writeJSON(w, http.StatusOK, MessageResponse{Message: "ok"})
	}
}

func (a *AdminAPI) handleGetLogs(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.Hub.Logs())
}

func (a *AdminAPI) handleClearLogs(w http.ResponseWriter, _ *http.Request) {
	a.Hub.ClearLogs()
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "logs cleared"})
}

func (a *AdminAPI) handleGetStats(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, StatsResponse{
		Domains:        a.Hub.DomainStats(),
		AllowedCount:   a.Hub.AllowedCount(),
		BlockedCount:   a.Hub.BlockedCount(),
		BandwidthSaved: a.Hub.BandwidthSaved(),
	})
}

func (a *AdminAPI) handleResetStats(w http.ResponseWriter, _ *http.Request) {
	a.Hub.ResetStats()
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "statistics reset"})
}

func (a *AdminAPI) handleListBlocklist(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.Hub.Trackers())
}

func (a *AdminAPI) handleAddDomain(w http.ResponseWriter, r *http.Request) {
	var req DomainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Domain == "" {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "domain is required"})
		return
	}

	if err := a.Hub.AddTracker(req.Domain); err != nil {
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	a.syncMetrics()
	a.Logger.Info("domain added via admin API", "domain", req.Domain)
	a.writeJSON(w, http.StatusCreated, MessageResponse{Message: "domain added"})
}

func (a *AdminAPI) handleRemoveDomain(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	if domain == "" {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "domain is required"})
		return
	}

	if err := a.Hub.RemoveTracker(domain); err != nil {
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	a.syncMetrics()
	a.Logger.Info("domain removed via admin API", "domain", domain)
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "domain removed"})
}

func (a *AdminAPI) handleImport(w http.ResponseWriter, r *http.Request) {
	var req FileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "path is required"})
		return
	}

	added, err := a.Hub.BlockList().Import(req.Path)
	if err != nil {
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	a.syncMetrics()
	a.Logger.Info("blocklist imported via admin API", "path", req.Path, "added", added)
	a.Hub.AppendLog("Imported blocklist from " + req.Path)
	a.writeJSON(w, http.StatusOK, CountResponse{Count: added})
}

func (a *AdminAPI) handleExport(w http.ResponseWriter, r *http.Request) {
	var req FileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "path is required"})
		return
	}

	count, err := a.Hub.BlockList().Export(req.Path)
	if err != nil {
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	a.Hub.AppendLog("Exported blocklist to " + req.Path)
	a.writeJSON(w, http.StatusOK, CountResponse{Count: count})
}

func (a *AdminAPI) handleReloadBlocklist(w http.ResponseWriter, _ *http.Request) {
	if err := a.Hub.BlockList().Reload(); err != nil {
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	a.syncMetrics()
	a.Logger.Info("blocklist reloaded via admin API")
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "reload successful"})
}

func (a *AdminAPI) handleClassifierStatus(w http.ResponseWriter, _ *http.Request) {
	c := a.Hub.Classifier()
	a.writeJSON(w, http.StatusOK, map[string]any{
		"enabled":   c.Enabled(),
		"threshold": c.Threshold(),
		"detected":  c.DetectedDomains(),
	})
}

func (a *AdminAPI) handleClassifierToggle(enable bool) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		c := a.Hub.Classifier()
		if enable {
			c.Enable()
		} else {
			c.Disable()
		}
		a.Logger.Info("classifier toggled via admin API", "enabled", enable)
		a.writeJSON(w, http.StatusOK, MessageResponse{Message: "ok"})
	}
}

func (a *AdminAPI) handleSetThreshold(w http.ResponseWriter, r *http.Request) {
	var req ThresholdRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}

	a.Hub.Classifier().SetThreshold(req.Threshold)
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "threshold updated"})
}

func (a *AdminAPI) handleClassifierStats(w http.ResponseWriter, _ *http.Request) {
	d, fp, fn := a.Hub.Classifier().Stats()
	a.writeJSON(w, http.StatusOK, ClassifierStatsResponse{
		Detections:     d,
		FalsePositives: fp,
		FalseNegatives: fn,
	})
}

func (a *AdminAPI) handleResetClassifierStats(w http.ResponseWriter, _ *http.Request) {
	a.Hub.Classifier().ResetStats()
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "classifier stats reset"})
}

func (a *AdminAPI) handleClearCache(w http.ResponseWriter, _ *http.Request) {
	a.Hub.Classifier().ClearCache()
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "cache cleared"})
}

func (a *AdminAPI) handleListSuggestions(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.Hub.Suggestions())
}

func (a *AdminAPI) handleClearSuggestions(w http.ResponseWriter, _ *http.Request) {
	a.Hub.ClearSuggestions()
	a.syncMetrics()
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "suggestions cleared"})
}

func (a *AdminAPI) handleApproveSuggestion(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	if err := a.Hub.ApproveSuggestion(domain); err != nil {
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	a.syncMetrics()
	a.Logger.Info("suggestion approved via admin API", "domain", domain)
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "suggestion approved"})
}

func (a *AdminAPI) handleRejectSuggestion(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	a.Hub.RejectSuggestion(domain)
	a.syncMetrics()
	a.Logger.Info("suggestion rejected via admin API", "domain", domain)
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "suggestion rejected"})
}

// syncMetrics refreshes the gauges that mirror hub state.
func (a *AdminAPI) syncMetrics() {
	if a.Metrics == nil {
		return
	}
	a.Metrics.SetSuggestionsPending(len(a.Hub.Suggestions()))
	a.Metrics.SetBlocklistSize(a.Hub.BlockList().Count())
}

func (a *AdminAPI) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.Logger.Error("admin API write error", "error", err)
	}
}
