package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/banshee-data/steering/internal/httputil"
	"github.com/banshee-data/steering/internal/magnet"
)

type magnetView struct {
	Name     string      `json:"name"`
	Axis     magnet.Axis `json:"axis"`
	Z        float64     `json:"z"`
	Setpoint *float64    `json:"setpoint"`
	Readback *float64    `json:"readback"`
}

func valueOrNil(v float64, err error) *float64 {
	if err != nil {
		return nil
	}
	return &v
}

// lists returns the magnet lists selected by the axis query parameter, or
// every list when it is absent.
func (s *Server) lists(r *http.Request) ([]*magnet.List, error) {
	q := r.URL.Query().Get("axis")
	if q == "" {
		return s.opts.Magnets, nil
	}
	axis, err := magnet.ParseAxis(q)
	if err != nil {
		return nil, err
	}
	var out []*magnet.List
	for _, l := range s.opts.Magnets {
		if l.Axis == axis {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *Server) listMagnets(w http.ResponseWriter, r *http.Request) {
	lists, err := s.lists(r)
	if err != nil {
		writeError(w, err)
		return
	}
	views := []magnetView{}
	for _, l := range lists {
		for _, m := range l.Magnets() {
			views = append(views, magnetView{
				Name:     m.Name(),
				Axis:     l.Axis,
				Z:        m.Z(),
				Setpoint: valueOrNil(m.Setpoint()),
				Readback: valueOrNil(m.Readback()),
			})
		}
	}
	httputil.WriteJSONOK(w, views)
}

func (s *Server) findMagnet(name string) (*magnet.Magnet, error) {
	for _, l := range s.opts.Magnets {
		if m, err := l.ByName(name); err == nil {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", magnet.ErrNotFound, name)
}

func (s *Server) stepMagnet(w http.ResponseWriter, r *http.Request) {
	m, err := s.findMagnet(r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	op := r.PathValue("op")
	switch op {
	case "increase":
		err = m.Increase(r.Context())
	case "decrease":
		err = m.Decrease(r.Context())
	default:
		httputil.NotFound(w, "unknown magnet operation "+op)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	s.opts.Metrics.MagnetAdjusted(op)
	setpoint, _ := m.Setpoint()
	opsf("%s: %s to %g", m.Name(), op, setpoint)
	httputil.WriteJSONOK(w, magnetView{Name: m.Name(), Z: m.Z(), Setpoint: &setpoint, Readback: valueOrNil(m.Readback())})
}

func (s *Server) saveMagnets(w http.ResponseWriter, r *http.Request) {
	lists, err := s.lists(r)
	if err != nil {
		writeError(w, err)
		return
	}
	saved := 0
	for _, l := range lists {
		if err := l.SaveSetpoints(); err != nil {
			writeError(w, err)
			return
		}
		saved += len(l.SavedSetpoints())
	}
	httputil.WriteJSONOK(w, map[string]int{"saved": saved})
}

func (s *Server) restoreMagnets(w http.ResponseWriter, r *http.Request) {
	lists, err := s.lists(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var errs []error
	for _, l := range lists {
		if err := l.LoadSavedSetpoints(r.Context()); err != nil {
			errs = append(errs, err)
			continue
		}
		s.opts.Metrics.MagnetAdjusted("restore")
	}
	if err := errors.Join(errs...); err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"status": "restored"})
}
