package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/deepsearch-client/internal/core/domain"
	"github.com/tjfontaine/deepsearch-client/internal/session"
	"github.com/tjfontaine/deepsearch-client/internal/storage"
)

// maxBodyBytes bounds submit request bodies.
const maxBodyBytes = 1 << 20

// updateBuffer is how many transcript updates a slow stream reader may lag.
const updateBuffer = 256

// SubmitRequest is the body of POST /v1/session.
type SubmitRequest struct {
	Query string `json:"query"`
	domain.ResearchOptions
}

// SubmitResponse is returned when a session starts.
type SubmitResponse struct {
	SessionID string               `json:"session_id"`
	Status    domain.SessionStatus `json:"status"`
}

type errorResponse struct {
	Error *domain.APIError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	AddError(r.Context(), err)

	var apiErr *domain.APIError
	if !errors.As(err, &apiErr) {
		apiErr = domain.NewAPIError(domain.ErrorTypeTransport, err.Error())
	}
	writeJSON(w, apiErr.HTTPStatusCode(), errorResponse{Error: apiErr})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	body := io.LimitReader(r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, r, domain.ErrInvalidRequest(fmt.Sprintf("invalid request body: %v", err)))
		return
	}

	// The stream outlives this request; it ends on stop, close or completion.
	id, err := s.sessions.Submit(context.WithoutCancel(r.Context()), req.Query, req.ResearchOptions)
	AddLogField(r.Context(), "session_id", id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, SubmitResponse{SessionID: id, Status: s.sessions.Snapshot().Status})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.Snapshot())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.sessions.Stop()
	writeJSON(w, http.StatusOK, s.sessions.Snapshot())
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	s.sessions.Close()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	AddLogField(r.Context(), "session_id", id)

	events, err := s.recorder.ListEvents(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: domain.ErrInvalidRequest("session not recorded").WithParam("id")})
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "events": events})
}

// handleStream replays the current transcript as server-sent events, then
// follows it live until the session ends, is replaced, or the client leaves.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, domain.NewAPIError(domain.ErrorTypeTransport, "streaming unsupported"))
		return
	}

	updates := make(chan session.Update, updateBuffer)
	unsubscribe := s.sessions.Subscribe(func(u session.Update) {
		select {
		case updates <- u:
		default:
			s.logger.Warn("transcript stream lagging, update dropped",
				slog.String("request_id", GetRequestID(r.Context())),
				slog.String("session_id", u.SessionID),
				slog.Int("index", u.Index),
			)
		}
	})
	defer unsubscribe()

	snap := s.sessions.Snapshot()
	if snap.ID == "" {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: domain.ErrInvalidRequest("no session")})
		return
	}
	AddLogField(r.Context(), "session_id", snap.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for i := range snap.Transcript {
		u := session.Update{SessionID: snap.ID, Status: snap.Status, Index: i, Entry: &snap.Transcript[i]}
		if err := writeEvent(w, "entry", u); err != nil {
			return
		}
	}
	flusher.Flush()
	if snap.Status.IsTerminal() {
		return
	}

	next := len(snap.Transcript)
	for {
		select {
		case <-r.Context().Done():
			return
		case u := <-updates:
			if u.SessionID != snap.ID {
				// Late updates from the session this one replaced.
				if s.sessions.Snapshot().ID == snap.ID {
					continue
				}
				_ = writeEvent(w, "replaced", map[string]string{"session_id": u.SessionID})
				flusher.Flush()
				return
			}
			if u.Index < next {
				continue
			}
			next = u.Index + 1
			if err := writeEvent(w, "entry", u); err != nil {
				return
			}
			flusher.Flush()
			if u.Status.IsTerminal() {
				return
			}
		}
	}
}

func writeEvent(w io.Writer, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}
