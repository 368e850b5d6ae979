package realtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"

	"hotpatch/internal/console"
	"hotpatch/internal/protocol"
	"hotpatch/internal/session"
)

type namespaceEntry struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrClosed):
		status = http.StatusGone
	case errors.Is(err, session.ErrUnsupported):
		status = http.StatusNotImplemented
	}
	writeJSON(w, status, protocol.ErrorPayload{Code: session.ErrorCode(err), Message: err.Error()})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.sessionMgr.List()
	infos := make([]protocol.SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sess.Info())
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionMgr.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.sessionMgr.History(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	pending, err := s.sessionMgr.Interrupt(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, protocol.AckPayload{
		Request:   protocol.TypeInterrupt,
		SessionID: id,
		Pending:   pending,
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := s.sessionMgr.Kill(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "killed"})
}

func (s *Server) handleNamespace(w http.ResponseWriter, r *http.Request) {
	snapshot := s.sessionMgr.Namespace().Snapshot()
	entries := make([]namespaceEntry, 0, len(snapshot))
	for name, v := range snapshot {
		entries = append(entries, namespaceEntry{
			Name:  name,
			Type:  console.TypeName(v),
			Value: console.Repr(v),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	writeJSON(w, http.StatusOK, entries)
}
