package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"claude-relay/internal/errkind"
	"claude-relay/internal/protocol"
	"claude-relay/internal/session"
)

type createCheckpointRequest struct {
	Label string `json:"label"`
}

type restoreRequest struct {
	StopRunning bool `json:"stopRunning"`
}

type cancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

var statusByCode = map[string]int{
	errkind.CodeInvalidProject:     http.StatusBadRequest,
	errkind.CodeInvalidRequest:     http.StatusBadRequest,
	protocol.ErrInvalidMessage:     http.StatusBadRequest,
	errkind.CodeSessionNotFound:    http.StatusNotFound,
	errkind.CodeCheckpointNotFound: http.StatusNotFound,
	errkind.CodeSessionBusy:        http.StatusConflict,
	errkind.CodeRestoreConflict:    http.StatusConflict,
	errkind.CodeHasDescendants:     http.StatusConflict,
	errkind.CodeTooManySessions:    http.StatusTooManyRequests,
	errkind.CodeBinaryNotFound:     http.StatusServiceUnavailable,
}

func statusFor(code string) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := errkind.Code(err)
	s.writeErrorCode(w, code, err.Error())
}

func (s *Server) writeErrorCode(w http.ResponseWriter, code, message string) {
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "code", code, "error", message)
	}
	writeJSON(w, status, protocol.ErrorPayload{Code: code, Message: message})
}

// decodeBody decodes an optional JSON body into v. An empty body leaves v
// untouched.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("%w: invalid request body: %v", errkind.ErrInvalidRequest, err)
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var spec session.Spec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		s.writeErrorCode(w, errkind.CodeInvalidRequest, "invalid request body")
		return
	}

	if spec.ProjectPath == "" {
		s.writeErrorCode(w, errkind.CodeInvalidRequest, "projectPath is required")
		return
	}

	sess, err := s.eng.Start(r.Context(), spec)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.Sessions())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.eng.Session(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.eng.Session(id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse{Cancelled: s.eng.Cancel(id)})
}

func (s *Server) handleCreateCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req createCheckpointRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	cp, err := s.eng.Checkpoint(r.Context(), r.PathValue("id"), req.Label)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cp)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	tl, err := s.eng.Timeline(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tl)
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	var req restoreRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	cp, err := s.eng.Restore(r.Context(), r.PathValue("id"), req.StopRunning)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (s *Server) handleDeleteCheckpoint(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.DeleteCheckpoint(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	events, err := s.eng.Conversation(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	from, to := r.URL.Query().Get("from"), r.URL.Query().Get("to")
	if from == "" || to == "" {
		s.writeErrorCode(w, errkind.CodeInvalidRequest, "from and to are required")
		return
	}

	diff, err := s.eng.Diff(from, to)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, diff)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.Health(r.Context()))
}
