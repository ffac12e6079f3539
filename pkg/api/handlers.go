package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/fleetmon/fleetd/pkg/auth"
	"github.com/fleetmon/fleetd/pkg/log"
	"github.com/fleetmon/fleetd/pkg/metrics"
	"github.com/fleetmon/fleetd/pkg/security"
	"github.com/fleetmon/fleetd/pkg/types"
)

// maxBodyBytes bounds any request body; agents batch metrics well below this.
const maxBodyBytes = 1 << 20

// decodeAgentBody reads a request body that is either plain JSON or an
// encrypted envelope, and unmarshals the plaintext into v.
func (s *Server) decodeAgentBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return err
	}

	if env, ok := security.IsEnvelope(body); ok {
		if len(s.payloadKey) == 0 {
			metrics.DecryptFailuresTotal.Inc()
			return security.ErrDecrypt
		}
		body, err = security.DecryptPayload(s.payloadKey, env)
		if err != nil {
			metrics.DecryptFailuresTotal.Inc()
			return err
		}
	}

	if err := json.Unmarshal(body, v); err != nil {
		return errBadBody
	}
	return nil
}

var errBadBody = errors.New("malformed request body")

type reportRequest struct {
	MachineID string         `json:"machine_id"`
	Info      map[string]any `json:"info"`
	Metrics   map[string]any `json:"metrics"`
}

// handleReport ingests one telemetry sample and returns the machine's
// pending commands on the same round trip.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req reportRequest
	if err := s.decodeAgentBody(r, &req); err != nil {
		if errors.Is(err, security.ErrDecrypt) || errors.Is(err, errBadBody) {
			writeError(w, r, http.StatusBadRequest, errBadRequest)
			return
		}
		writeDomainError(w, r, err)
		return
	}
	if req.MachineID == "" {
		writeError(w, r, http.StatusBadRequest, errBadRequest)
		return
	}

	commands, err := s.store.Update(req.MachineID, req.Info, req.Metrics)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	metrics.ReportsTotal.Inc()
	metrics.CommandsTotal.WithLabelValues("delivered").Add(float64(len(commands)))
	if commands == nil {
		commands = []types.Command{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"commands": commands,
	})
}

// handlePollCommands drains and delivers the machine's pending commands
// without a telemetry report.
func (s *Server) handlePollCommands(w http.ResponseWriter, r *http.Request, params map[string]string) {
	commands := s.store.DeliverPending(params["machine_id"])
	metrics.CommandsTotal.WithLabelValues("delivered").Add(float64(len(commands)))
	if commands == nil {
		commands = []types.Command{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": commands})
}

type ackRequest struct {
	CommandID string         `json:"command_id"`
	Result    map[string]any `json:"result"`
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var req ackRequest
	if err := s.decodeAgentBody(r, &req); err != nil {
		if errors.Is(err, security.ErrDecrypt) || errors.Is(err, errBadBody) {
			writeError(w, r, http.StatusBadRequest, errBadRequest)
			return
		}
		writeDomainError(w, r, err)
		return
	}

	// The command must belong to the machine in the path.
	cmd, err := s.store.Command(req.CommandID)
	if err != nil || cmd.MachineID != params["machine_id"] {
		writeError(w, r, http.StatusNotFound, errNotFound)
		return
	}

	if err := s.store.Ack(req.CommandID, req.Result); err != nil {
		writeDomainError(w, r, err)
		return
	}
	metrics.CommandsTotal.WithLabelValues("acknowledged").Inc()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type widgetLogsRequest struct {
	Entries []types.WidgetLogEntry `json:"entries"`
}

// handleWidgetLogs forwards display-widget log lines into the server log.
// Nothing is stored; the fleet dashboard only needs the count.
func (s *Server) handleWidgetLogs(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req widgetLogsRequest
	if err := s.decodeAgentBody(r, &req); err != nil {
		if errors.Is(err, security.ErrDecrypt) || errors.Is(err, errBadBody) {
			writeError(w, r, http.StatusBadRequest, errBadRequest)
			return
		}
		writeDomainError(w, r, err)
		return
	}

	logger := log.WithComponent("widget")
	for _, entry := range req.Entries {
		logger.Info().
			Str("machine_id", entry.MachineID).
			Time("at", entry.Timestamp).
			Str("level", entry.Level).
			Msg(entry.Message)
	}
	metrics.WidgetLogEntriesTotal.Add(float64(len(req.Entries)))
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":    true,
		"count": len(req.Entries),
	})
}

func (s *Server) handleMachines(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	writeJSON(w, http.StatusOK, map[string]any{"machines": s.store.List()})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	writeJSON(w, http.StatusOK, s.store.Summary())
}

func (s *Server) handleMachine(w http.ResponseWriter, r *http.Request, params map[string]string) {
	machine, err := s.store.Get(params["id"])
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"machine": machine})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, errBadRequest)
			return
		}
		since = parsed
	}

	entries, err := s.store.History(params["id"], since)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if entries == nil {
		entries = []types.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

type enqueueRequest struct {
	MachineID string         `json:"machine_id"`
	Action    string         `json:"action"`
	Params    map[string]any `json:"params"`
}

func (s *Server) handleEnqueueCommand(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req enqueueRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, errBadRequest)
		return
	}
	if req.MachineID == "" || req.Action == "" {
		writeError(w, r, http.StatusBadRequest, errBadRequest)
		return
	}

	id, err := s.store.Enqueue(req.MachineID, req.Action, req.Params)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	metrics.CommandsTotal.WithLabelValues("created").Inc()
	writeJSON(w, http.StatusOK, map[string]any{"command_id": id})
}

func (s *Server) handleClusterStatus(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	nodes, err := s.cluster.Peers(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"node_id": s.cluster.NodeID(),
		"backend": s.cluster.BackendName(),
		"nodes":   nodes,
	})
}

// handleClusterHealth is unauthenticated so load balancers can probe it.
func (s *Server) handleClusterHealth(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if err := s.cluster.Healthy(r.Context()); err != nil {
		logger := log.WithComponent("api")
		logger.Warn().Err(err).Msg("health check failed")
		writeError(w, r, http.StatusServiceUnavailable, errBackendUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"node_id": s.cluster.NodeID(),
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req loginRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, errBadRequest)
		return
	}

	user, err := s.users.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		metrics.LoginsTotal.WithLabelValues("failure").Inc()
		writeDomainError(w, r, err)
		return
	}

	sess, err := s.sessions.Create(r.Context(), user.Username)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sess.Token,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		Secure:   s.secureCookies,
		SameSite: http.SameSiteStrictMode,
	})

	metrics.LoginsTotal.WithLabelValues("success").Inc()
	logger := log.WithComponent("api")
	logger.Info().
		Str("username", user.Username).
		Str("request_id", requestID(r)).
		Msg("login")
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"csrf_token": sess.CSRFToken,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	sess := sessionFrom(r)
	if err := s.sessions.Revoke(r.Context(), sess.Token); err != nil {
		writeDomainError(w, r, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secureCookies,
		SameSite: http.SameSiteStrictMode,
	})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type createUserRequest struct {
	Username string     `json:"username"`
	Password string     `json:"password"`
	Role     types.Role `json:"role"`
}

// handleCreateUser lets an admin provision dashboard accounts.
func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	sess := sessionFrom(r)
	caller, err := s.users.Get(r.Context(), sess.UserID)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			// The session's account was deleted out from under it.
			writeError(w, r, http.StatusUnauthorized, errUnauthorized)
			return
		}
		writeDomainError(w, r, err)
		return
	}
	if caller.Role != types.RoleAdmin {
		writeError(w, r, http.StatusForbidden, errForbidden)
		return
	}

	var req createUserRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, errBadRequest)
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, errBadRequest)
		return
	}
	if req.Role == "" {
		req.Role = types.RoleViewer
	}
	if req.Role != types.RoleAdmin && req.Role != types.RoleViewer {
		writeError(w, r, http.StatusBadRequest, errBadRequest)
		return
	}

	user, err := s.users.Create(r.Context(), req.Username, req.Password, req.Role)
	if err != nil {
		if errors.Is(err, auth.ErrUserExists) {
			writeError(w, r, http.StatusConflict, errConflict)
			return
		}
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"ok":       true,
		"username": user.Username,
		"role":     user.Role,
	})
}
