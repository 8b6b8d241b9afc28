package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/budlink/internal/device"
	"github.com/nerrad567/budlink/internal/events"
	"github.com/nerrad567/budlink/internal/recorder"
)

// commandWaitTimeout bounds ?wait=true on POST /commands.
const commandWaitTimeout = 10 * time.Second

// deviceResponse is a device record with its link status.
type deviceResponse struct {
	device.Record
	Connected bool `json:"connected"`
}

// commandRequest is the body of POST /devices/{mac}/commands.
type commandRequest struct {
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters"`
}

// commandResponse describes a queued or finished command.
type commandResponse struct {
	CommandID string       `json:"command_id"`
	DeviceID  string       `json:"device_id"`
	Command   string       `json:"command"`
	Field     device.Field `json:"field,omitempty"`
	Value     any          `json:"value,omitempty"`
	Status    string       `json:"status"`
	Attempts  int          `json:"attempts,omitempty"`
	LatencyMS int64        `json:"latency_ms,omitempty"`
}

// handleListDevices returns every headset the store knows.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	records := s.devices.List()
	out := make([]deviceResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, deviceResponse{Record: rec, Connected: s.commander.Connected(rec.ID)})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": out,
		"count":   len(out),
	})
}

// deviceID reads and normalises the {mac} URL parameter. It writes a 400
// and returns false on failure.
func deviceID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := device.NormaliseMAC(chi.URLParam(r, "mac"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return "", false
	}
	return id, true
}

// handleGetDevice returns one headset.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceID(w, r)
	if !ok {
		return
	}
	rec, err := s.devices.Get(id)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to read device")
		return
	}
	writeJSON(w, http.StatusOK, deviceResponse{Record: *rec, Connected: s.commander.Connected(id)})
}

// handleCommand queues a command. The response is 202 with the command id;
// with ?wait=true it blocks until delivery and reports the outcome.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceID(w, r)
	if !ok {
		return
	}

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Command == "" {
		writeBadRequest(w, "command is required")
		return
	}

	sub, err := s.commander.Execute(r.Context(), id, req.Command, req.Parameters)
	if err != nil {
		writeCommandError(w, err)
		return
	}

	resp := commandResponse{
		CommandID: sub.CommandID,
		DeviceID:  sub.DeviceID,
		Command:   sub.Command,
		Field:     sub.Field,
		Value:     sub.Value,
		Status:    "queued",
	}
	if r.URL.Query().Get("wait") != "true" || sub.Ticket == nil {
		writeJSON(w, http.StatusAccepted, resp)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), commandWaitTimeout)
	defer cancel()
	if err := sub.Ticket.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			writeJSON(w, http.StatusAccepted, resp)
			return
		}
		writeCommandError(w, err)
		return
	}
	resp.Status = "delivered"
	resp.Attempts = sub.Ticket.Attempts()
	resp.LatencyMS = sub.Ticket.Latency().Milliseconds()
	writeJSON(w, http.StatusOK, resp)
}

// queryLimit parses ?limit=, returning 0 (repository default) when absent.
func queryLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return n, nil
}

// handleDeviceHistory returns recorded field transitions, newest first.
//
// Query parameters:
//   - field: restrict to one field
//   - limit: maximum entries
func (s *Server) handleDeviceHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "history is disabled")
		return
	}
	id, ok := deviceID(w, r)
	if !ok {
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	entries, err := s.history.GetHistory(r.Context(), id, device.Field(r.URL.Query().Get("field")), limit)
	if err != nil {
		s.logger.Error("history query failed", "device", id, "error", err)
		writeInternalError(w, "failed to read history")
		return
	}
	if entries == nil {
		entries = []device.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": id,
		"entries":   entries,
		"count":     len(entries),
	})
}

// handleCommandLog returns recent command outcomes, newest first.
func (s *Server) handleCommandLog(w http.ResponseWriter, r *http.Request) {
	if s.commands == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "command log is disabled")
		return
	}
	id, ok := deviceID(w, r)
	if !ok {
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	entries, err := s.commands.Recent(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("command log query failed", "device", id, "error", err)
		writeInternalError(w, "failed to read command log")
		return
	}
	if entries == nil {
		entries = []recorder.CommandLogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": id,
		"entries":   entries,
		"count":     len(entries),
	})
}

// handleOpenWindow emits an open_window event, the signal that a UI is
// showing and wants fresh state.
func (s *Server) handleOpenWindow(w http.ResponseWriter, _ *http.Request) {
	ev := events.OpenWindow()
	s.bus.Publish(ev)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"event_id": ev.ID,
		"kind":     ev.Kind,
	})
}
