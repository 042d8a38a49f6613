package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/bc-dunia/fleetmon/internal/model"
	"github.com/bc-dunia/fleetmon/internal/storage"
)

const defaultHistoryDays = 7

// handleIngest accepts a batch of samples and commits it in one transaction.
// 202 means the batch is durably stored; the agent may delete its local copy.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var batch []model.MetricsPayload
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(batch) == 0 {
		s.writeError(w, http.StatusBadRequest, "empty batch")
		return
	}

	if err := s.engine.StoreBatch(r.Context(), batch); err != nil {
		s.logger.Error("ingest_store_failed", "samples", len(batch), "error", err.Error())
		s.writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}

	s.metrics.RecordIngested(r.Context(), len(batch), "http")
	s.writeJSON(w, http.StatusAccepted, map[string]int{"accepted": len(batch)})
}

func (s *Server) handleListMachines(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	machines, err := s.engine.Machines(r.Context())
	if err != nil {
		s.logger.Error("machine_list_failed", "error", err.Error())
		s.writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	if machines == nil {
		machines = []model.MachineSummary{}
	}
	s.writeJSON(w, http.StatusOK, machines)
}

// routeMachines dispatches /api/v1/machines/{name}/... paths.
func (s *Server) routeMachines(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/machines/")
	parts := strings.Split(path, "/")

	name, err := url.PathUnescape(parts[0])
	if err != nil || name == "" {
		s.writeError(w, http.StatusNotFound, "endpoint not found")
		return
	}

	if len(parts) == 2 {
		switch parts[1] {
		case "current":
			s.handleCurrent(w, r, name)
			return
		case "history":
			s.handleHistory(w, r, name)
			return
		case "commands":
			s.handleCreateCommand(w, r, name)
			return
		}
	}

	if len(parts) == 3 && parts[1] == "commands" && parts[2] == "pending" {
		s.handlePendingCommands(w, r, name)
		return
	}

	s.writeError(w, http.StatusNotFound, "endpoint not found")
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	current, err := s.engine.Current(r.Context(), name)
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "unknown machine")
		return
	}
	if err != nil {
		s.logger.Error("current_read_failed", "machine_name", name, "error", err.Error())
		s.writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	s.writeJSON(w, http.StatusOK, current)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	days := defaultHistoryDays
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, "days must be a positive integer")
			return
		}
		days = parsed
	}

	points, err := s.engine.History(r.Context(), name, days)
	if err != nil {
		s.logger.Error("history_read_failed", "machine_name", name, "error", err.Error())
		s.writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	if len(points) == 0 {
		s.writeError(w, http.StatusNotFound, "no history for machine")
		return
	}
	s.writeJSON(w, http.StatusOK, points)
}

func (s *Server) handleCreateCommand(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req model.CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.CommandType == "" {
		s.writeError(w, http.StatusBadRequest, "command_type is required")
		return
	}

	if err := s.engine.EnqueueCommand(r.Context(), name, req.CommandType); err != nil {
		s.logger.Error("command_enqueue_failed", "machine_name", name, "error", err.Error())
		s.writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}

	s.metrics.RecordCommand(r.Context(), model.CommandStatusPending)
	s.logger.Info("command_enqueued", "machine_name", name, "command_type", req.CommandType)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handlePendingCommands(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	commands, err := s.engine.PendingCommands(r.Context(), name)
	if err != nil {
		s.logger.Error("pending_commands_failed", "machine_name", name, "error", err.Error())
		s.writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	if commands == nil {
		commands = []model.CommandView{}
	}
	s.writeJSON(w, http.StatusOK, commands)
}

// routeCommands dispatches /api/v1/commands/{id}/status.
func (s *Server) routeCommands(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/commands/")
	parts := strings.Split(path, "/")

	if len(parts) != 2 || parts[1] != "status" {
		s.writeError(w, http.StatusNotFound, "endpoint not found")
		return
	}

	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid command id")
		return
	}

	s.handleCommandStatus(w, r, id)
}

// handleCommandStatus overwrites the command's status with whatever the agent
// reports. The agent is the only writer past enqueue, so last write wins.
func (s *Server) handleCommandStatus(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var upd model.CommandStatusUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if upd.Status == "" {
		s.writeError(w, http.StatusBadRequest, "status is required")
		return
	}

	err := s.engine.UpdateCommandStatus(r.Context(), id, upd.Status, upd.Result)
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "unknown command")
		return
	}
	if err != nil {
		s.logger.Error("command_status_failed", "command_id", id, "error", err.Error())
		s.writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}

	s.metrics.RecordCommand(r.Context(), upd.Status)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
