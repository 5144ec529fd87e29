package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/drossel-lang/keel/internal/proc"
)

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

type healthResponse struct {
	Status      string `json:"status"`
	UptimeSecs  int64  `json:"uptime_secs"`
	Live        int    `json:"live"`
	TotalSpawns int    `json:"total_spawns"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		UptimeSecs:  int64(time.Since(s.startedAt).Seconds()),
		Live:        s.table.Occupied(),
		TotalSpawns: s.table.TotalSpawns(),
	})
}

type processListResponse struct {
	Processes []proc.Snapshot `json:"processes"`
}

func (s *Server) handleListProcesses(w http.ResponseWriter, r *http.Request) {
	snaps := s.table.Snapshots()
	if snaps == nil {
		snaps = []proc.Snapshot{}
	}
	s.writeJSON(w, http.StatusOK, processListResponse{Processes: snaps})
}

func (s *Server) handleGetProcess(w http.ResponseWriter, r *http.Request) {
	h, err := proc.ParseHandle(chi.URLParam(r, "handle"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	snap, err := s.table.SnapshotOf(h)
	if errors.Is(err, proc.ErrStaleHandle) {
		s.writeError(w, http.StatusNotFound, "no live entry for handle")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.table.Policy())
}

func (s *Server) handleListLedger(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		s.writeError(w, http.StatusNotFound, "run ledger is not enabled")
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	rows, err := s.runs.List(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": rows})
}

func (s *Server) handleGetLedger(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		s.writeError(w, http.StatusNotFound, "run ledger is not enabled")
		return
	}
	rec, err := s.runs.Get(r.Context(), chi.URLParam(r, "spawnID"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rec == nil {
		s.writeError(w, http.StatusNotFound, "no such spawn")
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}
