// Package api exposes the gateway control plane over HTTP: command
// submission, discovery, fleet inspection and gateway parameter
// management.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fieldlink/fieldlink/internal/config"
	"github.com/fieldlink/fieldlink/internal/gateway"
	"github.com/fieldlink/fieldlink/internal/storage"
)

// Server handles the gateway control API.
type Server struct {
	Queue       *gateway.Queue
	Transceiver *gateway.Transceiver
	Coordinator *gateway.Coordinator
	Params      *gateway.ParamRegistry
	Rollout     *gateway.Rollout

	// SaveConfig persists the running configuration; nil disables the
	// savecfg endpoint.
	SaveConfig func() error

	started time.Time
}

// Setup starts the control API server.
func Setup(c config.Config, s *Server) error {
	if c.Gateway.API.Bind == "" {
		return nil
	}
	s.started = time.Now()

	log.WithFields(log.Fields{
		"bind": c.Gateway.API.Bind,
	}).Info("api: setting up control api")

	server := http.Server{
		Handler:     s,
		Addr:        c.Gateway.API.Bind,
		ReadTimeout: 30 * time.Second,
	}
	go func() {
		err := server.ListenAndServe()
		log.WithError(err).Error("api: api server error")
	}()
	return nil
}

type commandResponse struct {
	CommandID string                            `json:"command_id"`
	Status    string                            `json:"status"`
	Acked     []string                          `json:"acked,omitempty"`
	Response  map[string]interface{}            `json:"response,omitempty"`
	Responses map[string]map[string]interface{} `json:"responses,omitempty"`
	Attempts  int                               `json:"attempts,omitempty"`
	Error     string                            `json:"error,omitempty"`
}

// ServeHTTP routes a request. Everything is plain JSON over
// GET/POST/PUT; the catch-all GET /{cmd}/{node_id} form exists so a
// directed command is one curl away.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path)
	if len(parts) == 0 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	requestCounter(parts[0]).Inc()

	switch {
	case r.Method == http.MethodGet && parts[0] == "uptime":
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"uptime_sec": int64(time.Since(s.started).Seconds()),
		})

	case r.Method == http.MethodGet && parts[0] == "nodes":
		s.handleNodes(w, r)

	case r.Method == http.MethodGet && parts[0] == "node" && len(parts) == 3:
		s.handleNode(w, r, parts[1], parts[2])

	case r.Method == http.MethodGet && parts[0] == "discover":
		s.handleDiscover(w, r)

	case r.Method == http.MethodGet && parts[0] == "roster":
		s.handleRoster(w, r)

	case r.Method == http.MethodGet && parts[0] == "command" && len(parts) == 2:
		s.handleCommandStatus(w, parts[1])

	case r.Method == http.MethodDelete && parts[0] == "command" && len(parts) == 2:
		s.handleCommandCancel(w, parts[1])

	case r.Method == http.MethodPost && parts[0] == "command" && len(parts) == 1:
		s.handleCommandPost(w, r)

	case parts[0] == "gateway" && len(parts) > 1:
		s.handleGateway(w, r, parts[1:])

	case r.Method == http.MethodGet && len(parts) == 2:
		s.handleCommand(w, r, parts[0], parts[1])

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleGateway(w http.ResponseWriter, r *http.Request, parts []string) {
	switch {
	case r.Method == http.MethodGet && len(parts) == 1 && parts[0] == "params":
		writeJSON(w, http.StatusOK, s.Params.All())

	case r.Method == http.MethodGet && len(parts) == 2 && parts[0] == "param":
		v, err := s.Params.Get(parts[1])
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{parts[1]: v})

	case r.Method == http.MethodPut && len(parts) == 2 && parts[0] == "param":
		var body struct {
			Value interface{} `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		value := toParamString(body.Value)
		if err := s.Params.Set(parts[1], value); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{parts[1]: value})

	case r.Method == http.MethodPost && len(parts) == 1 && parts[0] == "rcfg_radio":
		s.handleRcfgRadio(w, r)

	case r.Method == http.MethodPost && len(parts) == 1 && parts[0] == "savecfg":
		if s.SaveConfig == nil {
			writeError(w, http.StatusServiceUnavailable, "config persistence not available")
			return
		}
		if err := s.SaveConfig(); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"r": "saved"})

	case r.Method == http.MethodPost && len(parts) == 1 && parts[0] == "flush_commands":
		n := s.Queue.Flush()
		writeJSON(w, http.StatusOK, map[string]int{"flushed": n})

	case r.Method == http.MethodPost && len(parts) == 1 && parts[0] == "rollout":
		s.handleRollout(w, r)

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleRcfgRadio(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	applied, err := s.Transceiver.ApplyRadioConfig(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if applied == nil {
		writeJSON(w, http.StatusOK, map[string]string{"r": "nothing"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"r": strings.Join(applied, ", ")})
}

func (s *Server) handleRollout(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Changes  map[string]string `json:"changes"`
		Nodes    []string          `json:"nodes"`
		Expected int               `json:"expected"`
		Force    bool              `json:"force"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	report, err := s.Rollout.Run(r.Context(), body.Changes, gateway.RolloutOptions{
		Expected: body.Expected,
		Nodes:    body.Nodes,
		Force:    body.Force,
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	if storage.RedisClient() == nil {
		writeError(w, http.StatusServiceUnavailable, "storage not configured")
		return
	}
	nodes, err := storage.ListNodes(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"nodes": nodes})
}

func (s *Server) handleNode(w http.ResponseWriter, r *http.Request, nodeID, what string) {
	if storage.RedisClient() == nil {
		writeError(w, http.StatusServiceUnavailable, "storage not configured")
		return
	}
	switch what {
	case "latest":
		t, err := storage.GetLatestTelemetry(r.Context(), nodeID)
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, t)
	case "history":
		if storage.DB() == nil {
			writeError(w, http.StatusServiceUnavailable, "telemetry history not configured")
			return
		}
		limit := queryInt(r, "limit", 100)
		rows, err := storage.GetTelemetryReadings(storage.DB(), nodeID, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"readings": rows})
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.Coordinator.Run(r.Context(), queryInt(r, "expected", 0))
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if storage.RedisClient() != nil {
		if err := storage.SaveRoster(r.Context(), nodes); err != nil {
			log.WithError(err).Error("api: save roster error")
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"nodes": nodes})
}

func (s *Server) handleRoster(w http.ResponseWriter, r *http.Request) {
	if storage.RedisClient() == nil {
		writeError(w, http.StatusServiceUnavailable, "storage not configured")
		return
	}
	nodes, err := storage.GetRoster(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"nodes": nodes})
}

func (s *Server) handleCommandPost(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Cmd          string   `json:"cmd"`
		Args         []string `json:"args"`
		NodeID       string   `json:"node_id"`
		ExpectedAcks int      `json:"expected_acks"`
		NoWait       bool     `json:"no_wait"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Cmd == "" {
		writeError(w, http.StatusBadRequest, "missing 'cmd' field")
		return
	}
	s.submit(w, gateway.CommandRequest{
		Name:         body.Cmd,
		Args:         body.Args,
		NodeID:       body.NodeID,
		ExpectedAcks: body.ExpectedAcks,
	}, body.NoWait)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request, cmd, nodeID string) {
	query := r.URL.Query()
	s.submit(w, gateway.CommandRequest{
		Name:         cmd,
		Args:         query["a"],
		NodeID:       nodeID,
		ExpectedAcks: queryInt(r, "expected_acks", 0),
	}, query.Get("no_wait") == "1")
}

// submit enqueues a command, optionally waiting for the result.
func (s *Server) submit(w http.ResponseWriter, req gateway.CommandRequest, noWait bool) {
	if noWait {
		// Fire-and-forget gets a short retry budget; nobody is
		// watching the outcome.
		req.MaxRetries = 2
	}

	id, err := s.Queue.Enqueue(req)
	if err == gateway.ErrQueueFull {
		writeError(w, http.StatusServiceUnavailable, "command queue full")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if noWait {
		writeJSON(w, http.StatusAccepted, commandResponse{CommandID: id, Status: "queued"})
		return
	}

	res, err := s.Queue.Wait(id, 0)
	if err == gateway.ErrWaitTimeout {
		writeJSON(w, http.StatusAccepted, commandResponse{CommandID: id, Status: "timeout"})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resultResponse(res))
}

func (s *Server) handleCommandStatus(w http.ResponseWriter, id string) {
	res, ok := s.Queue.Peek(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown or still pending command id")
		return
	}
	writeJSON(w, http.StatusOK, resultResponse(res))
}

func (s *Server) handleCommandCancel(w http.ResponseWriter, id string) {
	if err := s.Queue.Cancel(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, commandResponse{CommandID: id, Status: "cancelled"})
}

func resultResponse(res *gateway.Result) commandResponse {
	out := commandResponse{
		CommandID: res.CommandID,
		Acked:     res.Acked,
		Response:  res.Response(),
		Attempts:  res.Attempts,
	}
	if len(res.Responses) > 1 {
		out.Responses = res.Responses
	}
	switch {
	case res.Err == nil:
		out.Status = "acked"
	case res.Err == gateway.ErrCancelled:
		out.Status = "cancelled"
	default:
		out.Status = "failed"
		out.Error = res.Err.Error()
	}
	return out
}

func splitPath(p string) []string {
	var out []string
	for _, part := range strings.Split(p, "/") {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func toParamString(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		b, _ := json.Marshal(x)
		return string(b)
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("api: write response error")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
