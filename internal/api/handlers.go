// Package api exposes the management HTTP surface: rule CRUD, a synchronous
// test-evaluation endpoint, execution history, health, and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/llmtrigger/llmtrigger/internal/engine"
	"github.com/llmtrigger/llmtrigger/internal/model"
)

// RuleStore is the persistence surface the rule endpoints need.
type RuleStore interface {
	Create(ctx context.Context, rule *model.Rule) error
	Get(ctx context.Context, ruleID string) (*model.Rule, error)
	Update(ctx context.Context, ruleID string, rule *model.Rule) (*model.Rule, error)
	Delete(ctx context.Context, ruleID string) (bool, error)
	SetEnabled(ctx context.Context, ruleID string, enabled bool) (bool, error)
	ListAll(ctx context.Context) ([]*model.Rule, error)
}

// ExecutionReader serves the history endpoint.
type ExecutionReader interface {
	Recent(ctx context.Context, ruleID string, limit int) ([]*model.ExecutionRecord, error)
}

// EventTester evaluates an event against matching rules without side effects.
type EventTester interface {
	TestEvent(ctx context.Context, event *model.Event) ([]engine.RuleTestResult, error)
}

// ExpressionValidator checks expression syntax at rule write time.
type ExpressionValidator interface {
	Validate(expression string) error
}

// QueueStats reports notification queue depths for the status endpoint.
type QueueStats interface {
	Length(ctx context.Context) (int64, error)
	DeadLetterLength(ctx context.Context) (int64, error)
}

// HealthCheck verifies the state store connection.
type HealthCheck func(ctx context.Context) error

// HTTPHandler handles HTTP requests for the trigger service.
type HTTPHandler struct {
	logger      *slog.Logger
	rules       RuleStore
	executions  ExecutionReader
	events      EventTester
	expressions ExpressionValidator
	queue       QueueStats
	health      HealthCheck
}

// NewHTTPHandler creates the HTTP handler.
func NewHTTPHandler(
	logger *slog.Logger,
	rules RuleStore,
	executions ExecutionReader,
	events EventTester,
	expressions ExpressionValidator,
	queue QueueStats,
	health HealthCheck,
) *HTTPHandler {
	return &HTTPHandler{
		logger:      logger,
		rules:       rules,
		executions:  executions,
		events:      events,
		expressions: expressions,
		queue:       queue,
		health:      health,
	}
}

// RegisterRoutes registers HTTP routes.
func (h *HTTPHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/healthz", h.handleHealth).Methods("GET")
	router.HandleFunc("/status", h.handleStatus).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	ruleRouter := router.PathPrefix("/rules").Subrouter()
	ruleRouter.HandleFunc("", h.handleCreateRule).Methods("POST")
	ruleRouter.HandleFunc("", h.handleListRules).Methods("GET")
	ruleRouter.HandleFunc("/{id}", h.handleGetRule).Methods("GET")
	ruleRouter.HandleFunc("/{id}", h.handleUpdateRule).Methods("PUT")
	ruleRouter.HandleFunc("/{id}", h.handleDeleteRule).Methods("DELETE")
	ruleRouter.HandleFunc("/{id}/enable", h.handleEnableRule).Methods("POST")
	ruleRouter.HandleFunc("/{id}/disable", h.handleDisableRule).Methods("POST")
	ruleRouter.HandleFunc("/{id}/history", h.handleRuleHistory).Methods("GET")

	router.HandleFunc("/events/test", h.handleTestEvent).Methods("POST")
}

// Health and status handlers

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.health(r.Context()); err != nil {
		h.logger.Error("Health check failed", "error", err)
		h.writeError(w, http.StatusServiceUnavailable, "state store unavailable")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

func (h *HTTPHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"service":   "llmtrigger",
		"timestamp": time.Now().UTC(),
	}
	if depth, err := h.queue.Length(r.Context()); err == nil {
		status["notify_queue_depth"] = depth
	}
	if depth, err := h.queue.DeadLetterLength(r.Context()); err == nil {
		status["dead_letter_depth"] = depth
	}
	h.writeJSON(w, http.StatusOK, status)
}

// Rule handlers

func (h *HTTPHandler) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule model.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if rule.RuleID == "" {
		rule.RuleID = "rule_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	}

	if err := h.validateRule(&rule); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	existing, err := h.rules.Get(r.Context(), rule.RuleID)
	if err != nil {
		h.logger.Error("Failed to check existing rule", "rule_id", rule.RuleID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to create rule")
		return
	}
	if existing != nil {
		h.writeError(w, http.StatusConflict, "rule already exists")
		return
	}

	if err := h.rules.Create(r.Context(), &rule); err != nil {
		h.logger.Error("Failed to create rule", "rule_id", rule.RuleID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to create rule")
		return
	}

	h.logger.Info("Rule created", "rule_id", rule.RuleID, "kind", rule.RuleConfig.Kind)
	h.writeJSON(w, http.StatusCreated, &rule)
}

func (h *HTTPHandler) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.rules.ListAll(r.Context())
	if err != nil {
		h.logger.Error("Failed to list rules", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list rules")
		return
	}

	if eventType := r.URL.Query().Get("event_type"); eventType != "" {
		filtered := rules[:0]
		for _, rule := range rules {
			if rule.MatchesEventType(eventType) {
				filtered = append(filtered, rule)
			}
		}
		rules = filtered
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"rules": rules,
		"total": len(rules),
	})
}

func (h *HTTPHandler) handleGetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := mux.Vars(r)["id"]

	rule, err := h.rules.Get(r.Context(), ruleID)
	if err != nil {
		h.logger.Error("Failed to get rule", "rule_id", ruleID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to get rule")
		return
	}
	if rule == nil {
		h.writeError(w, http.StatusNotFound, "rule not found")
		return
	}

	h.writeJSON(w, http.StatusOK, rule)
}

func (h *HTTPHandler) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	ruleID := mux.Vars(r)["id"]

	var rule model.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rule.RuleID = ruleID
	if err := h.validateRule(&rule); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	updated, err := h.rules.Update(r.Context(), ruleID, &rule)
	if err != nil {
		h.logger.Error("Failed to update rule", "rule_id", ruleID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to update rule")
		return
	}
	if updated == nil {
		h.writeError(w, http.StatusNotFound, "rule not found")
		return
	}

	h.logger.Info("Rule updated", "rule_id", ruleID, "version", updated.Version)
	h.writeJSON(w, http.StatusOK, updated)
}

func (h *HTTPHandler) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	ruleID := mux.Vars(r)["id"]

	deleted, err := h.rules.Delete(r.Context(), ruleID)
	if err != nil {
		h.logger.Error("Failed to delete rule", "rule_id", ruleID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to delete rule")
		return
	}
	if !deleted {
		h.writeError(w, http.StatusNotFound, "rule not found")
		return
	}

	h.logger.Info("Rule deleted", "rule_id", ruleID)
	h.writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (h *HTTPHandler) handleEnableRule(w http.ResponseWriter, r *http.Request) {
	h.setRuleEnabled(w, r, true)
}

func (h *HTTPHandler) handleDisableRule(w http.ResponseWriter, r *http.Request) {
	h.setRuleEnabled(w, r, false)
}

func (h *HTTPHandler) setRuleEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	ruleID := mux.Vars(r)["id"]

	found, err := h.rules.SetEnabled(r.Context(), ruleID, enabled)
	if err != nil {
		h.logger.Error("Failed to toggle rule", "rule_id", ruleID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to update rule")
		return
	}
	if !found {
		h.writeError(w, http.StatusNotFound, "rule not found")
		return
	}

	h.logger.Info("Rule toggled", "rule_id", ruleID, "enabled", enabled)
	h.writeJSON(w, http.StatusOK, map[string]any{"rule_id": ruleID, "enabled": enabled})
}

func (h *HTTPHandler) handleRuleHistory(w http.ResponseWriter, r *http.Request) {
	ruleID := mux.Vars(r)["id"]

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	records, err := h.executions.Recent(r.Context(), ruleID, limit)
	if err != nil {
		h.logger.Error("Failed to read execution history", "rule_id", ruleID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"rule_id":    ruleID,
		"executions": records,
		"total":      len(records),
	})
}

// Test-event handler

// handleTestEvent evaluates an event against all matching rules synchronously,
// without notifications or state changes. Missing event_id and timestamp are
// filled in, so callers can post a bare {event_type, data} payload.
func (h *HTTPHandler) handleTestEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EventID    string         `json:"event_id"`
		EventType  string         `json:"event_type"`
		ContextKey string         `json:"context_key"`
		Data       map[string]any `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.EventType == "" {
		h.writeError(w, http.StatusBadRequest, "event_type is required")
		return
	}

	event := &model.Event{
		EventID:    req.EventID,
		EventType:  req.EventType,
		ContextKey: req.ContextKey,
		Timestamp:  time.Now().UTC(),
		Data:       req.Data,
	}
	if event.EventID == "" {
		event.EventID = "test-" + uuid.NewString()
	}
	if event.ContextKey == "" {
		event.ContextKey = event.EventType
	}
	if event.Data == nil {
		event.Data = map[string]any{}
	}

	results, err := h.events.TestEvent(r.Context(), event)
	if err != nil {
		h.logger.Error("Test event failed", "event_id", event.EventID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "event evaluation failed")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"event_id": event.EventID,
		"results":  results,
		"matched":  len(results),
	})
}

// Helpers

// validateRule applies the model invariants plus expression syntax checks for
// expression and hybrid rules.
func (h *HTTPHandler) validateRule(rule *model.Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	if pf := rule.RuleConfig.PreFilter; pf != nil && pf.Expression != "" {
		if err := h.expressions.Validate(pf.Expression); err != nil {
			return err
		}
	}
	return nil
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", "error", err)
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]any{
		"error":     message,
		"status":    status,
		"timestamp": time.Now().UTC(),
	})
}
