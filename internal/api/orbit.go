package api

import (
	"net/http"

	"github.com/banshee-data/steering/internal/httputil"
	"github.com/banshee-data/steering/internal/orbit"
)

type orbitResponse struct {
	Name      string         `json:"name"`
	Connected bool           `json:"connected"`
	EDEF      int            `json:"edef"`
	Channels  int            `json:"channels"`
	Orbit     orbit.Snapshot `json:"orbit"`
}

func (s *Server) showOrbit(w http.ResponseWriter, r *http.Request) {
	o := s.opts.Orbit
	httputil.WriteJSONOK(w, orbitResponse{
		Name:      o.Name,
		Connected: o.Connected(),
		EDEF:      o.EDEF(),
		Channels:  o.ChannelCount(),
		Orbit:     o.Snapshot(),
	})
}

func (s *Server) showSectors(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.opts.Orbit.SectorBoundaries())
}

// fitRequest is the body of POST /api/orbit/fit. Refs are reading names or
// indexes; an omitted end means the last reading.
type fitRequest struct {
	Start               orbit.Ref         `json:"start"`
	End                 *orbit.Ref        `json:"end"`
	FitPoint            orbit.Ref         `json:"fit_point"`
	Options             *orbit.FitOptions `json:"options"`
	DispersionThreshold *float64          `json:"dispersion_threshold"`
}

func (s *Server) runFit(w http.ResponseWriter, r *http.Request) {
	var body fitRequest
	if err := httputil.ReadJSON(w, r, &body); err != nil {
		httputil.BadRequest(w, "fit: "+err.Error())
		return
	}

	o := s.opts.Orbit
	req := orbit.FitRequest{
		Start:               body.Start,
		End:                 orbit.Index(o.Len() - 1),
		FitPoint:            body.FitPoint,
		Options:             body.Options,
		DispersionThreshold: s.opts.DispersionThreshold,
	}
	if body.End != nil {
		req.End = *body.End
	}
	if body.DispersionThreshold != nil {
		req.DispersionThreshold = *body.DispersionThreshold
	}

	start := s.opts.Clock.Now()
	res, err := o.Fit(r.Context(), s.opts.Gateway, req)
	s.opts.Metrics.ObserveFit(o.Name, res, s.opts.Clock.Since(start), err)
	if err != nil {
		writeError(w, err)
		return
	}
	opsf("%s: fit %s", o.Name, res.FormatParams())

	if s.opts.DB != nil {
		if _, err := s.opts.DB.SaveFitResult(r.Context(), o.Name, res, s.opts.Clock.Now()); err != nil {
			diagf("store fit: %v", err)
		}
	}
	s.live.Publish("fit", res)
	httputil.WriteJSONOK(w, res)
}

func (s *Server) showLastFit(w http.ResponseWriter, r *http.Request) {
	res := s.opts.Orbit.LastFit()
	if res == nil {
		httputil.NotFound(w, "no fit yet")
		return
	}
	httputil.WriteJSONOK(w, res)
}

func (s *Server) listFits(w http.ResponseWriter, r *http.Request) {
	if s.opts.DB == nil {
		httputil.ServiceUnavailable(w, "no database")
		return
	}
	limit, err := queryLimit(r, 20)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	fits, err := s.opts.DB.RecentFits(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, fits)
}

func (s *Server) setEDEF(w http.ResponseWriter, r *http.Request) {
	var body struct {
		EDEF *int `json:"edef"`
	}
	if err := httputil.ReadJSON(w, r, &body); err != nil || body.EDEF == nil || *body.EDEF < 0 {
		httputil.BadRequest(w, "edef must be a non-negative integer")
		return
	}
	if err := s.opts.Orbit.SetEDEF(r.Context(), *body.EDEF); err != nil {
		writeError(w, err)
		return
	}
	opsf("%s: switched to EDEF %d", s.opts.Orbit.Name, *body.EDEF)
	httputil.WriteJSONOK(w, map[string]int{"edef": *body.EDEF})
}
