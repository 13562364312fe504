package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/achscore/internal/domain"
	"github.com/opensource-finance/achscore/internal/repository"
	"github.com/opensource-finance/achscore/internal/rules"
)

// GlobalTenantID is used for rules that apply to all tenants.
const GlobalTenantID = domain.AllTenants

// ListRules returns the rules currently loaded in the engine, built-ins first.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	infos := h.engine.Registry().Infos()

	writeJSON(w, http.StatusOK, map[string]any{
		"rules": infos,
		"count": len(infos),
	})
}

// GetRule retrieves a stored custom rule by ID.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}
	ruleID := chi.URLParam(r, "id")

	rule, err := h.repo.GetRuleConfig(r.Context(), GlobalTenantID, ruleID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// CreateRuleRequest is the request body for creating a custom rule.
type CreateRuleRequest struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Expression  string   `json:"expression"`
	Fields      []string `json:"fields,omitempty"`
	Enabled     bool     `json:"enabled"`
}

// CreateRule validates a custom expression rule and saves it to the database.
// Rules are saved globally so they apply to all tenants. After saving, call
// POST /rules/reload to hot-reload into the engine.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !h.requireRepo(w) {
		return
	}

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id, name, and expression are required",
		})
		return
	}

	ruleConfig := &domain.RuleConfig{
		ID:          req.ID,
		TenantID:    GlobalTenantID,
		Name:        req.Name,
		Description: req.Description,
		Version:     "1.0.0",
		Expression:  req.Expression,
		Fields:      req.Fields,
		Enabled:     req.Enabled,
	}

	// Compile to reject bad CEL before persisting
	compiled, err := h.compiler.Compile(ruleConfig)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid rule: " + err.Error(),
		})
		return
	}
	ruleConfig.Fields = compiled.RequiredFields()

	// The saved rule must still build into a registry with the others
	if err := h.checkRegistry(ctx, ruleConfig); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": err.Error(),
		})
		return
	}

	if err := h.repo.SaveRuleConfig(ctx, GlobalTenantID, ruleConfig); err != nil {
		slog.Error("failed to save rule config", "id", ruleConfig.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save rule",
		})
		return
	}

	slog.Info("rule created", "id", ruleConfig.ID, "name", ruleConfig.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    ruleConfig,
		"message": "Rule created. Call POST /rules/reload to apply changes.",
	})
}

// checkRegistry builds a registry from the stored rules with candidate
// replacing any stored rule of the same ID.
func (h *Handler) checkRegistry(ctx context.Context, candidate *domain.RuleConfig) error {
	stored, err := h.repo.ListRuleConfigs(ctx, GlobalTenantID)
	if err != nil {
		return err
	}

	configs := make([]*domain.RuleConfig, 0, len(stored)+1)
	for _, rc := range stored {
		if rc.ID != candidate.ID {
			configs = append(configs, rc)
		}
	}
	configs = append(configs, candidate)

	_, err = rules.BuildRegistry(h.rules, configs, h.compiler)
	return err
}

// DeleteRule deletes a custom rule and auto-reloads the engine.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ruleID := chi.URLParam(r, "id")

	if !h.requireRepo(w) {
		return
	}

	if err := h.repo.DeleteRuleConfig(ctx, GlobalTenantID, ruleID); err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			slog.Error("failed to delete rule", "id", ruleID, "error", err)
		}
		writeError(w, err)
		return
	}

	count, err := h.reload(ctx)
	if err != nil {
		slog.Error("failed to reload rules after delete", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "rule deleted but reload failed: " + err.Error(),
		})
		return
	}

	slog.Info("rule deleted", "id", ruleID, "rules_count", count)
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Rule deleted and engine reloaded.",
		"count":   count,
	})
}

// ReloadRules rebuilds the registry from configuration and the database.
// This enables hot-reloading without server restart.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}

	count, err := h.reload(r.Context())
	if err != nil {
		slog.Error("failed to reload rules into engine", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload rules: " + err.Error(),
		})
		return
	}

	slog.Info("rules reloaded from database", "count", count)
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   count,
	})
}

func (h *Handler) reload(ctx context.Context) (int, error) {
	registry, err := rules.LoadRegistry(ctx, h.repo, GlobalTenantID, h.rules, h.compiler)
	if err != nil {
		return 0, err
	}
	h.engine.SetRegistry(registry)
	return registry.Len(), nil
}
