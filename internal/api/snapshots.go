package api

import (
	"errors"
	"net/http"

	"github.com/banshee-data/steering/internal/db"
	"github.com/banshee-data/steering/internal/httputil"
	"github.com/banshee-data/steering/internal/orbit"
	"github.com/banshee-data/steering/internal/security"
)

type snapshotResponse struct {
	db.SnapshotInfo
	File  string         `json:"file,omitempty"`
	Orbit orbit.Snapshot `json:"orbit"`
}

func (s *Server) requireDB(w http.ResponseWriter) bool {
	if s.opts.DB == nil {
		httputil.ServiceUnavailable(w, "no database")
		return false
	}
	return true
}

func (s *Server) listSnapshots(w http.ResponseWriter, r *http.Request) {
	if !s.requireDB(w) {
		return
	}
	limit, err := queryLimit(r, 50)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	list, err := s.opts.DB.ListSnapshots(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, list)
}

// saveSnapshot freezes the live orbit and stores it. An optional body
// {"name": "..."} names the snapshot.
func (s *Server) saveSnapshot(w http.ResponseWriter, r *http.Request) {
	if !s.requireDB(w) {
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if err := httputil.ReadJSON(w, r, &body); err != nil && !errors.Is(err, httputil.ErrEmptyBody) {
		httputil.BadRequest(w, "snapshot: "+err.Error())
		return
	}

	now := s.opts.Clock.Now()
	opts := s.opts.Freeze
	opts.Name = body.Name
	if opts.Name == "" {
		opts.Name = orbit.DefaultFileName(now)
	}
	frozen, err := s.opts.Orbit.Freeze(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	snap := frozen.Snapshot()
	id, err := s.opts.DB.SaveSnapshot(r.Context(), frozen.Name, snap, now)
	if err != nil {
		writeError(w, err)
		return
	}
	s.opts.Metrics.SnapshotSaved()

	resp := snapshotResponse{
		SnapshotInfo: db.SnapshotInfo{ID: id, Name: frozen.Name, TakenAt: now.UTC(), ReadingCount: len(snap.Names)},
		Orbit:        snap,
	}
	if dir := s.opts.SnapshotDir; dir != "" {
		if err := s.opts.FS.MkdirAll(dir, 0o755); err != nil {
			writeError(w, err)
			return
		}
		path, err := security.JoinWithin(dir, orbit.DefaultFileName(now))
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		if err := frozen.SaveJSON(s.opts.FS, path); err != nil {
			writeError(w, err)
			return
		}
		resp.File = path
	}
	opsf("saved snapshot %s (%d readings)", frozen.Name, len(snap.Names))
	httputil.WriteJSON(w, http.StatusCreated, resp)
}

func (s *Server) showSnapshot(w http.ResponseWriter, r *http.Request) {
	if !s.requireDB(w) {
		return
	}
	info, snap, err := s.opts.DB.LoadSnapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, snapshotResponse{SnapshotInfo: info, Orbit: snap})
}

func (s *Server) deleteSnapshot(w http.ResponseWriter, r *http.Request) {
	if !s.requireDB(w) {
		return
	}
	if err := s.opts.DB.DeleteSnapshot(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
