// Package httpx exposes the governance facade to the front-end collaborator.
// Routes are thin: decode, delegate, map the error taxonomy to a status.
package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/splax/warden/internal/domain"
	"github.com/splax/warden/internal/engine/terraform"
	"github.com/splax/warden/internal/repository"
	"github.com/splax/warden/internal/service/budget"
	"github.com/splax/warden/internal/service/governance"
	"github.com/splax/warden/internal/service/jit"
	"github.com/splax/warden/internal/service/quota"
	"github.com/splax/warden/internal/service/session"
	"github.com/splax/warden/internal/service/vault"
)

const (
	healthCheckTimeout = 2 * time.Second
	maxBodyBytes       = 1 << 20
)

// Governance is the facade surface the router exposes.
type Governance interface {
	CreateProject(ctx context.Context, params governance.CreateProjectParams) (*domain.Project, error)
	DeleteProject(ctx context.Context, projectID string) error
	SetProjectBudget(ctx context.Context, projectID string, monthlyBudget float64) error
	SetQuota(ctx context.Context, projectID, resourceType, region string, limit int, unit string) error
	RequestDeployment(ctx context.Context, projectID, principal string, resources []domain.ResourceSpec) (string, error)
	ApproveSession(ctx context.Context, sessionID, principal string) error
	RunPlan(ctx context.Context, sessionID string) (terraform.PlanResult, error)
	ConfirmApply(ctx context.Context, sessionID string) (terraform.ApplyResult, error)
	CancelSession(ctx context.Context, sessionID string) error
	GetSession(ctx context.Context, sessionID string) (*domain.DeploymentSession, error)
	GrantPermission(ctx context.Context, principal, guildID, provider, level, grantedBy string, durationMinutes int) (*jit.GrantResult, error)
	RevokePermission(ctx context.Context, grantID int64) error
	OpenVaultSession(sessionID string, payload []byte) error
	GetVaultPayload(sessionID string) ([]byte, error)
	UpdateVaultPayload(sessionID string, payload []byte) error
	IssueRecovery(ctx context.Context, sessionID, passphrase string) error
	RecoverVaultSession(ctx context.Context, sessionID, passphrase string) error
}

// Router wires HTTP endpoints to the governance facade.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	gov      Governance
	dbHealth func(context.Context) error
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, gov Governance, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger.With("component", "http"),
		gov:      gov,
		dbHealth: dbHealth,
	}
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit(r.handleHealthz))
	r.mux.HandleFunc("/projects", r.audit(r.handleProjects))
	r.mux.HandleFunc("/projects/", r.audit(r.handleProjectSubroutes))
	r.mux.HandleFunc("/deployments", r.audit(r.handleDeployments))
	r.mux.HandleFunc("/deployments/", r.audit(r.handleDeploymentSubroutes))
	r.mux.HandleFunc("/grants", r.audit(r.handleGrants))
	r.mux.HandleFunc("/grants/", r.audit(r.handleGrantSubroutes))
	r.mux.HandleFunc("/vault/", r.audit(r.handleVault))
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		req.Body = http.MaxBytesReader(w, req.Body, maxBodyBytes)
		start := time.Now()
		next(w, req)
		r.logger.Info("request", "method", req.Method, "path", req.URL.Path, "elapsed", time.Since(start))
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "db_unavailable", "database unreachable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *Router) handleProjects(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		GuildID        string  `json:"guild_id"`
		OwnerID        string  `json:"owner_id"`
		Provider       string  `json:"provider"`
		Region         string  `json:"region"`
		MonthlyBudget  float64 `json:"monthly_budget"`
		AlertThreshold float64 `json:"alert_threshold"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	project, err := r.gov.CreateProject(req.Context(), governance.CreateProjectParams{
		GuildID:        payload.GuildID,
		OwnerID:        payload.OwnerID,
		Provider:       payload.Provider,
		Region:         payload.Region,
		MonthlyBudget:  payload.MonthlyBudget,
		AlertThreshold: payload.AlertThreshold,
	})
	if err != nil {
		r.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

// handleProjectSubroutes serves /projects/{id}, /projects/{id}/budget and
// /projects/{id}/quotas.
func (r *Router) handleProjectSubroutes(w http.ResponseWriter, req *http.Request) {
	projectID, rest := splitPath(strings.TrimPrefix(req.URL.Path, "/projects/"))
	if projectID == "" {
		writeError(w, http.StatusNotFound, "not_found", "unknown route")
		return
	}
	switch {
	case rest == "" && req.Method == http.MethodDelete:
		if err := r.gov.DeleteProject(req.Context(), projectID); err != nil {
			r.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	case rest == "budget" && req.Method == http.MethodPut:
		var payload struct {
			MonthlyBudget float64 `json:"monthly_budget"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
			return
		}
		if err := r.gov.SetProjectBudget(req.Context(), projectID, payload.MonthlyBudget); err != nil {
			r.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
	case rest == "quotas" && req.Method == http.MethodPut:
		var payload struct {
			ResourceType string `json:"resource_type"`
			Region       string `json:"region"`
			Limit        int    `json:"limit"`
			Unit         string `json:"unit"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
			return
		}
		if err := r.gov.SetQuota(req.Context(), projectID, payload.ResourceType, payload.Region, payload.Limit, payload.Unit); err != nil {
			r.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		ProjectID string                `json:"project_id"`
		Principal string                `json:"principal"`
		Resources []domain.ResourceSpec `json:"resources"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	sessionID, err := r.gov.RequestDeployment(req.Context(), payload.ProjectID, payload.Principal, payload.Resources)
	if err != nil {
		var approval *session.ApprovalRequiredError
		if errors.As(err, &approval) {
			writeJSON(w, http.StatusAccepted, map[string]any{
				"session_id": sessionID,
				"status":     "approval_required",
				"policy":     approval.Policy,
				"reasons":    approval.Reasons,
			})
			return
		}
		r.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": sessionID, "status": domain.SessionApproved})
}

// handleDeploymentSubroutes serves /deployments/{id} and its plan, apply,
// approve and cancel actions.
func (r *Router) handleDeploymentSubroutes(w http.ResponseWriter, req *http.Request) {
	sessionID, action := splitPath(strings.TrimPrefix(req.URL.Path, "/deployments/"))
	if sessionID == "" {
		writeError(w, http.StatusNotFound, "not_found", "unknown route")
		return
	}
	if action == "" {
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		sess, err := r.gov.GetSession(req.Context(), sessionID)
		if err != nil {
			r.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
		return
	}
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	switch action {
	case "plan":
		result, err := r.gov.RunPlan(req.Context(), sessionID)
		if err != nil {
			var engineErr *session.EngineError
			if errors.As(err, &engineErr) {
				writeJSON(w, http.StatusBadGateway, map[string]any{"code": "engine_failure", "errors": result.Errors})
				return
			}
			r.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"adds": result.AddCount, "changes": result.ChangeCount, "destroys": result.DestroyCount,
		})
	case "apply":
		result, err := r.gov.ConfirmApply(req.Context(), sessionID)
		if err != nil {
			var engineErr *session.EngineError
			if errors.As(err, &engineErr) {
				writeJSON(w, http.StatusBadGateway, map[string]any{"code": "engine_failure", "errors": result.Errors})
				return
			}
			r.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": result.Success})
	case "approve":
		var payload struct {
			Principal string `json:"principal"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
			return
		}
		if err := r.gov.ApproveSession(req.Context(), sessionID, payload.Principal); err != nil {
			r.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": domain.SessionApproved})
	case "cancel":
		if err := r.gov.CancelSession(req.Context(), sessionID); err != nil {
			r.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": domain.SessionCancelled})
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown route")
	}
}

func (r *Router) handleGrants(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Principal       string `json:"principal"`
		GuildID         string `json:"guild_id"`
		Provider        string `json:"provider"`
		Level           string `json:"level"`
		GrantedBy       string `json:"granted_by"`
		DurationMinutes int    `json:"duration_minutes"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	result, err := r.gov.GrantPermission(req.Context(), payload.Principal, payload.GuildID, payload.Provider, payload.Level, payload.GrantedBy, payload.DurationMinutes)
	if err != nil {
		r.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"grant_id":   result.Grant.ID,
		"token":      result.Token,
		"expires_at": result.Grant.ExpiresAt,
	})
}

func (r *Router) handleGrantSubroutes(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodDelete {
		r.methodNotAllowed(w)
		return
	}
	raw := strings.TrimPrefix(req.URL.Path, "/grants/")
	grantID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid grant id")
		return
	}
	if err := r.gov.RevokePermission(req.Context(), grantID); err != nil {
		r.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// handleVault serves /vault/{sessionId} plus its recovery actions. Payloads
// move as raw bytes; they are never logged or persisted here.
func (r *Router) handleVault(w http.ResponseWriter, req *http.Request) {
	sessionID, action := splitPath(strings.TrimPrefix(req.URL.Path, "/vault/"))
	if sessionID == "" {
		writeError(w, http.StatusNotFound, "not_found", "unknown route")
		return
	}
	switch {
	case action == "" && req.Method == http.MethodPost:
		payload, err := io.ReadAll(req.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "unreadable body")
			return
		}
		if err := r.gov.OpenVaultSession(sessionID, payload); err != nil {
			r.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"status": "open"})
	case action == "" && req.Method == http.MethodGet:
		payload, err := r.gov.GetVaultPayload(sessionID)
		if err != nil {
			r.writeDomainError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		w.Write(payload)
	case action == "" && req.Method == http.MethodPut:
		payload, err := io.ReadAll(req.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "unreadable body")
			return
		}
		if err := r.gov.UpdateVaultPayload(sessionID, payload); err != nil {
			r.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
	case action == "recovery" && req.Method == http.MethodPost:
		var payload struct {
			Passphrase string `json:"passphrase"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
			return
		}
		if err := r.gov.IssueRecovery(req.Context(), sessionID, payload.Passphrase); err != nil {
			r.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"status": "issued"})
	case action == "recover" && req.Method == http.MethodPost:
		var payload struct {
			Passphrase string `json:"passphrase"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
			return
		}
		if err := r.gov.RecoverVaultSession(req.Context(), sessionID, payload.Passphrase); err != nil {
			r.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "recovered"})
	default:
		r.methodNotAllowed(w)
	}
}

// writeDomainError maps the governance error taxonomy onto HTTP statuses.
func (r *Router) writeDomainError(w http.ResponseWriter, err error) {
	var (
		policyErr     *session.PolicyViolationError
		quotaErr      *quota.ExceededError
		budgetErr     *budget.ExceededError
		transitionErr *session.TransitionError
		engineErr     *session.EngineError
	)
	switch {
	case errors.As(err, &policyErr):
		writeJSON(w, http.StatusForbidden, map[string]any{
			"code": "policy_violation", "policy": policyErr.Policy, "reasons": policyErr.Reasons,
		})
	case errors.As(err, &quotaErr):
		writeJSON(w, http.StatusConflict, map[string]any{
			"code": "quota_exceeded", "limit": quotaErr.Limit, "used": quotaErr.Used, "requested": quotaErr.Requested,
		})
	case errors.As(err, &budgetErr):
		writeJSON(w, http.StatusConflict, map[string]any{
			"code": "budget_exceeded", "projected": budgetErr.Projected, "ceiling": budgetErr.Ceiling,
		})
	case errors.As(err, &transitionErr):
		writeJSON(w, http.StatusConflict, map[string]any{
			"code": "state_transition_violation", "from": transitionErr.From, "attempted": transitionErr.Attempted,
		})
	case errors.As(err, &engineErr):
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"code": "engine_failure", "errors": engineErr.Errors,
		})
	case errors.Is(err, governance.ErrPermissionDenied):
		writeError(w, http.StatusForbidden, "permission_denied", err.Error())
	case errors.Is(err, governance.ErrProjectInUse):
		writeError(w, http.StatusConflict, "project_in_use", err.Error())
	case errors.Is(err, vault.ErrDecryptFailed):
		writeError(w, http.StatusForbidden, "decryption_failed", err.Error())
	case errors.Is(err, vault.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "vault_session_not_found", err.Error())
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "resource not found")
	case errors.Is(err, repository.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", "resource already exists")
	default:
		r.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}

// splitPath separates "{id}/{action}" into its two segments.
func splitPath(path string) (id, action string) {
	path = strings.Trim(path, "/")
	if path == "" {
		return "", ""
	}
	if i := strings.IndexByte(path, '/'); i >= 0 {
		return path[:i], path[i+1:]
	}
	return path, ""
}
