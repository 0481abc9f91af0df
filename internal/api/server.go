// Package api serves the steering HTTP and websocket interface.
package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/steering/internal/channel"
	"github.com/banshee-data/steering/internal/connect"
	"github.com/banshee-data/steering/internal/db"
	"github.com/banshee-data/steering/internal/fit"
	"github.com/banshee-data/steering/internal/fsutil"
	"github.com/banshee-data/steering/internal/httputil"
	"github.com/banshee-data/steering/internal/lattice"
	"github.com/banshee-data/steering/internal/magnet"
	"github.com/banshee-data/steering/internal/metrics"
	"github.com/banshee-data/steering/internal/orbit"
	"github.com/banshee-data/steering/internal/timeutil"
	"github.com/banshee-data/steering/internal/version"
)

const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Options wires a Server. Orbit is required; a nil DB disables the
// snapshot endpoints and a nil Metrics records nothing.
type Options struct {
	Orbit   *orbit.Live
	Gateway lattice.Gateway
	Magnets []*magnet.List
	DB      *db.DB
	Metrics *metrics.Manager

	// FS and SnapshotDir receive a JSON copy of every stored snapshot
	// when SnapshotDir is set.
	FS          fsutil.FileSystem
	SnapshotDir string

	Freeze              orbit.FreezeOptions
	DispersionThreshold float64
	Clock               timeutil.Clock
}

type Server struct {
	opts     Options
	progress *Hub
	live     *Hub
}

func NewServer(opts Options) *Server {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.FS == nil {
		opts.FS = fsutil.OSFileSystem{}
	}
	return &Server{
		opts:     opts,
		progress: NewHub("progress"),
		live:     NewHub("orbit"),
	}
}

// Run serves the websocket hubs until ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
	go s.progress.Run(ctx)
	go s.live.Run(ctx)
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, status and duration. Websocket
// upgrades pass through untouched so the hijack still works.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Upgrade") != "" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/version", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, version.Get())
	})
	mux.HandleFunc("GET /api/orbit", s.showOrbit)
	mux.HandleFunc("GET /api/orbit/sectors", s.showSectors)
	mux.HandleFunc("GET /api/orbit/fit", s.showLastFit)
	mux.HandleFunc("POST /api/orbit/fit", s.runFit)
	mux.HandleFunc("GET /api/orbit/fits", s.listFits)
	mux.HandleFunc("POST /api/orbit/edef", s.setEDEF)

	mux.HandleFunc("GET /api/snapshots", s.listSnapshots)
	mux.HandleFunc("POST /api/snapshots", s.saveSnapshot)
	mux.HandleFunc("GET /api/snapshots/{id}", s.showSnapshot)
	mux.HandleFunc("DELETE /api/snapshots/{id}", s.deleteSnapshot)

	mux.HandleFunc("GET /api/magnets", s.listMagnets)
	mux.HandleFunc("POST /api/magnets/save", s.saveMagnets)
	mux.HandleFunc("POST /api/magnets/restore", s.restoreMagnets)
	mux.HandleFunc("POST /api/magnets/{name}/{op}", s.stepMagnet)

	mux.HandleFunc("GET /ws/progress", s.progress.HandleWS)
	mux.HandleFunc("GET /ws/orbit", s.live.HandleWS)
	return mux
}

// ProgressEvent is the JSON form of a connect event.
type ProgressEvent struct {
	Collection string   `json:"collection"`
	Kind       string   `json:"kind"`
	State      string   `json:"state"`
	Step       int      `json:"step"`
	Total      int      `json:"total"`
	Dropped    []string `json:"dropped,omitempty"`
	Error      string   `json:"error,omitempty"`
}

func progressEvent(e connect.Event) ProgressEvent {
	p := ProgressEvent{
		Collection: e.Collection,
		State:      e.State.String(),
		Step:       e.Step,
		Total:      e.Total,
		Dropped:    e.Dropped,
	}
	switch e.Kind {
	case connect.StateChanged:
		p.Kind = "state"
	case connect.Progress:
		p.Kind = "progress"
	case connect.DevicesDropped:
		p.Kind = "dropped"
	}
	if e.Err != nil {
		p.Error = e.Err.Error()
	}
	return p
}

// OnConnectEvent forwards a connect event to metrics and to /ws/progress.
// It is meant as a connect.Runner OnEvent callback.
func (s *Server) OnConnectEvent(e connect.Event) {
	s.opts.Metrics.ObserveConnect(e)
	if e.Kind == connect.DevicesDropped {
		opsf("%s: dropped %d unreachable devices", e.Collection, len(e.Dropped))
	}
	s.progress.Publish("connect", progressEvent(e))
}

// StreamOrbit publishes the live orbit to /ws/orbit every interval until
// ctx is cancelled.
func (s *Server) StreamOrbit(ctx context.Context, interval time.Duration) {
	ticker := s.opts.Clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if s.live.ClientCount() == 0 || !s.opts.Orbit.Connected() {
				continue
			}
			s.live.Publish("orbit", s.opts.Orbit.Snapshot())
		}
	}
}

// writeError maps domain errors to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orbit.ErrNotFound),
		errors.Is(err, magnet.ErrNotFound),
		errors.Is(err, db.ErrSnapshotNotFound):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, orbit.ErrOutOfRange),
		errors.Is(err, orbit.ErrInvalidRange),
		errors.Is(err, magnet.ErrInvalidAxis),
		errors.Is(err, orbit.ErrMalformedSnapshot):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, orbit.ErrInsufficientData),
		errors.Is(err, fit.ErrUnderdetermined),
		errors.Is(err, fit.ErrSingular),
		errors.Is(err, fit.ErrInvalidSigma),
		errors.Is(err, fit.ErrDimension),
		errors.Is(err, magnet.ErrNoSnapshot):
		httputil.WriteJSONError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, channel.ErrNotConnected),
		errors.Is(err, connect.ErrAllDevicesDropped):
		httputil.WriteJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, orbit.ErrModelUnavailable),
		errors.Is(err, orbit.ErrShapeMismatch):
		httputil.ServiceUnavailable(w, err.Error())
	default:
		httputil.InternalServerError(w, err.Error())
	}
}

func queryLimit(r *http.Request, def int) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, errors.New("invalid 'limit' parameter")
	}
	return n, nil
}
