package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/roelfdiedericks/personagate/internal/chat"
	. "github.com/roelfdiedericks/personagate/internal/logging"
	"github.com/roelfdiedericks/personagate/internal/metrics"
)

const maxBodyBytes = 64 << 10

// sendBody is the JSON body of both send endpoints.
type sendBody struct {
	Text        string   `json:"text"`
	Temperature *float64 `json:"temperature,omitempty"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Limit   int    `json:"limit,omitempty"`
}

// doneEvent is the payload of the final SSE event.
type doneEvent struct {
	*chat.SendResult
	Error string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		L_warn("http: failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string, limit int) {
	writeJSON(w, status, errorBody{Error: code, Message: message, Limit: limit})
}

// writeSendError maps orchestrator errors to HTTP statuses.
func writeSendError(w http.ResponseWriter, err error) {
	if rej, ok := chat.IsRejected(err); ok {
		status := http.StatusBadRequest
		switch rej.Reason {
		case chat.ReasonSessionNotFound, chat.ReasonPersonaNotFound:
			status = http.StatusNotFound
		case chat.ReasonForbidden:
			status = http.StatusForbidden
		case chat.ReasonQuotaExceeded:
			status = http.StatusTooManyRequests
		}
		msg := rej.Message
		if rej.Reason == chat.ReasonQuotaExceeded {
			msg = fmt.Sprintf("You have reached your daily limit of %d messages.", rej.Limit)
		}
		writeError(w, status, rej.Reason, msg, rej.Limit)
		return
	}
	if errors.Is(err, chat.ErrPersistence) {
		writeError(w, http.StatusInternalServerError, "internal", "the message could not be saved", 0)
		return
	}
	writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error(), 0)
}

func decodeSend(w http.ResponseWriter, r *http.Request) (chat.SendRequest, bool) {
	var body sendBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		L_debug("http: invalid send body", "error", err)
		writeError(w, http.StatusBadRequest, chat.ReasonInvalidMessage, "invalid JSON body", 0)
		return chat.SendRequest{}, false
	}
	id := getIdentity(r)
	return chat.SendRequest{
		SessionID:   chi.URLParam(r, "sessionID"),
		UserID:      id.UserID,
		Tier:        id.Tier,
		Text:        body.Text,
		Temperature: body.Temperature,
	}, true
}

// handleSend handles POST /v1/sessions/{sessionID}/messages
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSend(w, r)
	if !ok {
		return
	}
	res, err := s.orch.SendMessage(r.Context(), req)
	if err != nil {
		writeSendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleStream handles POST /v1/sessions/{sessionID}/messages/stream.
// Rejections are plain JSON errors; once the stream starts, chunks are sent
// as "chunk" events followed by one "done" event.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming unsupported", 0)
		return
	}
	req, ok := decodeSend(w, r)
	if !ok {
		return
	}

	ms, err := s.orch.StreamMessage(r.Context(), req)
	if err != nil {
		writeSendError(w, err)
		return
	}
	defer ms.Close()

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		chunk, err := ms.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				L_debug("http: stream ended early", "session", req.SessionID, "error", err)
			}
			break
		}
		if err := writeEvent(w, "chunk", map[string]string{"text": chunk}); err != nil {
			L_debug("http: client went away", "session", req.SessionID, "error", err)
			ms.Close()
			return
		}
		flusher.Flush()
	}

	res, err := ms.Result()
	done := doneEvent{SendResult: res}
	if err != nil {
		done.Error = err.Error()
	}
	if err := writeEvent(w, "done", done); err != nil {
		L_debug("http: failed to write done event", "error", err)
		return
	}
	flusher.Flush()
}

func writeEvent(w io.Writer, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

// handleUsage handles GET /v1/usage
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	id := getIdentity(r)
	usage, err := s.orch.Limiter().Remaining(r.Context(), id.UserID, id.Tier)
	if err != nil {
		L_error("http: usage lookup failed", "user", id.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "usage unavailable", 0)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

// handleHealth handles GET /healthz
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		L_warn("http: health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleMetrics handles GET /debug/metrics
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, metrics.GetInstance().GetSnapshot())
}
