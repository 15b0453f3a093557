package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"cloudship/internal/deployment"
	"cloudship/internal/pipeline"
	"cloudship/internal/webhook"

	"github.com/go-chi/chi/v5"
)

const (
	MaxPayloadBytes = 1_000_000 // 1 MB

	DefaultListLimit = 50
	MaxListLimit     = 200
)

// HandleWebhook handles GitHub webhook requests
func (s *Server) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	// ContentLength can be -1 if not set; the limited read below catches that case
	if r.ContentLength > MaxPayloadBytes {
		s.respondError(w, http.StatusRequestEntityTooLarge, "Payload too large")
		return
	}

	if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mt != "application/json" {
		s.respondError(w, http.StatusUnsupportedMediaType, "Invalid content type")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxPayloadBytes+1))
	if err != nil {
		s.Logger.Error("Failed to read request body", "error", err)
		s.respondError(w, http.StatusInternalServerError, "Failed to read payload")
		return
	}
	if len(body) > MaxPayloadBytes {
		s.respondError(w, http.StatusRequestEntityTooLarge, "Payload too large")
		return
	}

	outcome, err := s.Webhooks.Handle(r.Context(), webhook.Delivery{
		Event:      r.Header.Get("X-GitHub-Event"),
		DeliveryID: r.Header.Get("X-GitHub-Delivery"),
		Signature:  r.Header.Get(webhook.SignatureHeader),
		Body:       body,
	})
	if err != nil {
		if errors.Is(err, deployment.ErrUnauthorized) {
			s.respondError(w, http.StatusUnauthorized, "Invalid signature")
			return
		}
		s.writeError(w, err)
		return
	}

	code := outcome.StatusCode()
	if code == http.StatusNoContent {
		w.WriteHeader(code)
		return
	}
	s.respondJSON(w, code, map[string]string{"outcome": string(outcome)})
}

// HandleHealth handles health check requests
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if s.Health != nil {
		if err := s.Health.Ping(); err != nil {
			s.Logger.Error("Database health check failed", "error", err)
			s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":   "degraded",
				"database": "unreachable",
			})
			return
		}
	}

	s.respondJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"database": "ok",
	})
}

// HandleCreateDeployment validates a deployment request and starts its
// pipeline. The response is sent before the build starts.
func (s *Server) HandleCreateDeployment(w http.ResponseWriter, r *http.Request) {
	var req createDeploymentRequest
	if err := s.decodeJSON(w, r, &req, false); err != nil {
		s.writeError(w, err)
		return
	}

	spec := req.spec(s.Settings)
	if spec.RepoFullName != "" && spec.Branch == "" && s.Branches != nil {
		branch, err := s.Branches.DefaultBranch(r.Context(), spec.RepoFullName)
		if err != nil {
			s.writeError(w, err)
			return
		}
		spec.Branch = branch
	}

	d, err := s.Pipeline.Submit(r.Context(), spec)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Location", "/api/v1/deployments/"+d.ID)
	s.respondJSON(w, http.StatusAccepted, d)
}

// HandleListDeployments returns deployments, newest first.
func (s *Server) HandleListDeployments(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", DefaultListLimit)
	if err != nil || limit < 1 || limit > MaxListLimit {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", MaxListLimit))
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		s.respondError(w, http.StatusBadRequest, "offset must not be negative")
		return
	}

	list, err := s.Pipeline.List(r.Context(), limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if list == nil {
		list = []*deployment.Deployment{}
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"deployments": list,
		"limit":       limit,
		"offset":      offset,
	})
}

// HandleGetDeployment returns one deployment, including its failure reason.
func (s *Server) HandleGetDeployment(w http.ResponseWriter, r *http.Request) {
	d, err := s.Pipeline.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, d)
}

// HandleTransitions returns the recorded state changes of a deployment.
func (s *Server) HandleTransitions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.Pipeline.Get(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}

	transitions, err := s.Transitions.Transitions(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"deployment_id": id,
		"transitions":   transitions,
	})
}

// HandleRedeploy starts a new cycle for a deployed service.
func (s *Server) HandleRedeploy(w http.ResponseWriter, r *http.Request) {
	var req redeployRequest
	if err := s.decodeJSON(w, r, &req, true); err != nil {
		s.writeError(w, err)
		return
	}

	d, err := s.Pipeline.Redeploy(r.Context(), chi.URLParam(r, "id"), pipeline.RedeployOptions{
		Region:      req.Region,
		ServiceName: req.ServiceName,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, d)
}

// HandleReload pushes the notebook's active artifact to the deployed service.
func (s *Server) HandleReload(w http.ResponseWriter, r *http.Request) {
	res, err := s.Reloads.Reload(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		// The caller is authorized; a rejected key is the deployed service's
		// answer to cloudship.
		if errors.Is(err, deployment.ErrUnauthorized) {
			s.respondError(w, http.StatusBadGateway, err.Error())
			return
		}
		s.writeError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

// HandleLinkRepository sets the repository whose pushes redeploy the service.
func (s *Server) HandleLinkRepository(w http.ResponseWriter, r *http.Request) {
	var req linkRepositoryRequest
	if err := s.decodeJSON(w, r, &req, false); err != nil {
		s.writeError(w, err)
		return
	}

	branch := req.Branch
	if branch == "" && s.Branches != nil {
		resolved, err := s.Branches.DefaultBranch(r.Context(), req.Repository)
		if err != nil {
			s.writeError(w, err)
			return
		}
		branch = resolved
	}

	d, err := s.Pipeline.LinkRepository(r.Context(), chi.URLParam(r, "id"), req.Repository, branch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, d)
}

// writeError maps sentinel errors onto HTTP status codes. Anything
// unrecognised is logged and answered with a generic 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.Logger.Error("Request failed", "error", err)
		s.respondError(w, code, "Internal server error")
		return
	}
	if code >= 500 {
		s.Logger.Warn("Upstream failure", "error", err, "status", code)
	}
	s.respondError(w, code, err.Error())
}

func statusFor(err error) int {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, deployment.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, deployment.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, deployment.ErrConflict), errors.Is(err, deployment.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, deployment.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, deployment.ErrExternalService):
		return http.StatusBadGateway
	case errors.Is(err, deployment.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

// respondJSON sends a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data any) {
	writeJSON(w, s.Logger, statusCode, data)
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, s.Logger, statusCode, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response", "error", err)
	}
}
