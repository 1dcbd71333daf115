package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/openmake/infergate/internal/adapter/auth"
	"github.com/openmake/infergate/internal/adapter/mcp"
	"github.com/openmake/infergate/internal/cluster"
	"github.com/openmake/infergate/internal/config"
	"github.com/openmake/infergate/internal/domain"
)

// NodeRegistry is the cluster surface the admin API manages.
type NodeRegistry interface {
	AddNode(ctx context.Context, host string, port int, name string) *cluster.Node
	RemoveNode(id string) bool
	GetNodes() []cluster.Node
	GetStats() cluster.Stats
}

// ToolServerView exposes external tool-server health for the admin API.
type ToolServerView interface {
	Statuses() []mcp.ServerStatus
}

// SessionCounter reports how many duplex sessions are currently open.
type SessionCounter interface {
	SessionCount() int
}

// Server bundles the REST handlers and their dependencies.
type Server struct {
	Cfg     config.Config
	Cluster NodeRegistry
	MCP     ToolServerView
	Tokens  *auth.TokenVerifier
	WS      SessionCounter

	// ReadyChecks maps a component name to its readiness probe.
	ReadyChecks map[string]func(ctx context.Context) error
}

// NewServer wires a Server; MCP, WS, and ReadyChecks may stay nil/empty.
func NewServer(cfg config.Config, nodes NodeRegistry, tokens *auth.TokenVerifier) *Server {
	return &Server{Cfg: cfg, Cluster: nodes, Tokens: tokens}
}

// HealthzHandler reports liveness.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}
}

// ReadyzHandler runs every registered readiness check with a short deadline
// and reports per-component status.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		result := map[string]string{}
		ready := true
		for name, check := range s.ReadyChecks {
			if err := check(ctx); err != nil {
				result[name] = err.Error()
				ready = false
				continue
			}
			result[name] = "ok"
		}
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"ready": ready, "checks": result})
	}
}

var validate = validator.New()

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// LoginHandler verifies the admin credentials and issues a bearer token.
// The token is returned in the body and also set as the auth_token cookie so
// duplex sessions opened from the same browser authenticate as admin.
func (s *Server) LoginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.Cfg.AdminEnabled() || s.Tokens == nil {
			writeJSON(w, http.StatusNotFound, errorEnvelope{Error: apiError{Code: "NOT_FOUND", Message: "admin login not configured"}})
			return
		}
		var req loginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, &domain.InvalidRequestError{Message: "invalid login payload"})
			return
		}
		if err := validate.Struct(req); err != nil {
			writeError(w, &domain.InvalidRequestError{Message: "username and password are required"})
			return
		}
		if req.Username != s.Cfg.AdminUsername || !auth.VerifyPassword(req.Password, s.Cfg.AdminPasswordHash) {
			LoggerFrom(r).Warn("admin login rejected", slog.String("username", req.Username))
			writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: apiError{Code: "UNAUTHORIZED", Message: "invalid credentials"}})
			return
		}
		ttl := s.Cfg.AdminTokenTTL
		if ttl <= 0 {
			ttl = 12 * time.Hour
		}
		token := s.Tokens.Issue(domain.AuthClaims{UserID: 1, Role: domain.RoleAdmin, Tier: domain.TierEnterprise}, ttl)
		http.SetCookie(w, &http.Cookie{
			Name:     "auth_token",
			Value:    token,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
			MaxAge:   int(ttl / time.Second),
		})
		writeJSON(w, http.StatusOK, map[string]string{"token": token})
	}
}

// AdminAPIGuard rejects requests that do not carry a valid admin token, via
// either the Authorization header or the auth_token cookie.
func (s *Server) AdminAPIGuard() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := s.claimsFrom(r)
			if claims == nil || claims.Role != domain.RoleAdmin {
				writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: apiError{Code: "UNAUTHORIZED", Message: "admin token required"}})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) claimsFrom(r *http.Request) *domain.AuthClaims {
	token := ""
	if c, err := r.Cookie("auth_token"); err == nil {
		token = c.Value
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		token = strings.TrimPrefix(h, "Bearer ")
	}
	if token == "" || s.Tokens == nil {
		return nil
	}
	claims, err := s.Tokens.Verify(token)
	if err != nil {
		return nil
	}
	return claims
}

// NodesListHandler returns every registered node with its live status.
func (s *Server) NodesListHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"nodes": s.Cluster.GetNodes(),
			"stats": s.Cluster.GetStats(),
		})
	}
}

type addNodeRequest struct {
	Host string `json:"host" validate:"required,hostname|ip"`
	Port int    `json:"port" validate:"required,min=1,max=65535"`
	Name string `json:"name" validate:"omitempty,max=64"`
}

// NodesAddHandler registers an inference node and probes it immediately.
func (s *Server) NodesAddHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req addNodeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, &domain.InvalidRequestError{Message: "invalid node payload"})
			return
		}
		if err := validate.Struct(req); err != nil {
			writeError(w, &domain.InvalidRequestError{Message: "host and port are required"})
			return
		}
		node := s.Cluster.AddNode(r.Context(), req.Host, req.Port, req.Name)
		if node == nil {
			writeJSON(w, http.StatusConflict, errorEnvelope{Error: apiError{Code: "CONFLICT", Message: "node already registered"}})
			return
		}
		LoggerFrom(r).Info("node registered",
			slog.String("node_id", node.ID),
			slog.String("status", string(node.Status)))
		writeJSON(w, http.StatusCreated, node)
	}
}

// NodesRemoveHandler deregisters a node by id.
func (s *Server) NodesRemoveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !s.Cluster.RemoveNode(id) {
			writeError(w, domain.ErrNotFound)
			return
		}
		LoggerFrom(r).Info("node removed", slog.String("node_id", id))
		w.WriteHeader(http.StatusNoContent)
	}
}

// MCPServersHandler lists external tool servers and their connection state.
func (s *Server) MCPServersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if s.MCP == nil {
			writeJSON(w, http.StatusOK, map[string]any{"servers": []mcp.ServerStatus{}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"servers": s.MCP.Statuses()})
	}
}

// StatsHandler reports cluster stats plus the open duplex session count.
func (s *Server) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		sessions := 0
		if s.WS != nil {
			sessions = s.WS.SessionCount()
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"cluster":  s.Cluster.GetStats(),
			"sessions": sessions,
		})
	}
}
