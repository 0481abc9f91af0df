package orbit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/steering/internal/bpm"
	"github.com/banshee-data/steering/internal/channel"
	"github.com/banshee-data/steering/internal/fit"
	"github.com/banshee-data/steering/internal/lattice"
)

var (
	// ErrModelUnavailable wraps any failure of the model service.
	ErrModelUnavailable = errors.New("model unavailable")
	// ErrInsufficientData is returned when no reading in range passes the
	// quality filter.
	ErrInsufficientData = errors.New("no readings with sufficient beam for fit")
	// ErrShapeMismatch is returned when the model returns a different
	// number of transport matrices than there are readings.
	ErrShapeMismatch = errors.New("transport matrix count does not match readings")
	ErrInvalidRange  = errors.New("invalid fit range")
)

// DefaultDispersionThreshold is the smallest |R16| or |R36| in the fit
// range for which dE/E is fitted.
const DefaultDispersionThreshold = 0.010

// Parameter is one trajectory parameter at the fit point.
type Parameter int

const (
	XPos Parameter = iota
	XAng
	YPos
	YAng
	Energy
	XKick
	YKick
)

// Parameters lists every parameter in design matrix column order.
var Parameters = [...]Parameter{XPos, XAng, YPos, YAng, Energy, XKick, YKick}

func (p Parameter) String() string {
	switch p {
	case XPos:
		return "xpos0"
	case XAng:
		return "xang0"
	case YPos:
		return "ypos0"
	case YAng:
		return "yang0"
	case Energy:
		return "dE/E"
	case XKick:
		return "xkick"
	case YKick:
		return "ykick"
	}
	return fmt.Sprintf("Parameter(%d)", int(p))
}

func (p Parameter) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Parameter) UnmarshalText(text []byte) error {
	for _, q := range Parameters {
		if q.String() == string(text) {
			*p = q
			return nil
		}
	}
	return fmt.Errorf("unknown fit parameter %q", text)
}

// transportColumn is the R-matrix column a parameter reads from its row.
// The kicks reuse the angle columns.
var transportColumn = [...]int{
	XPos:   0,
	XAng:   1,
	YPos:   2,
	YAng:   3,
	Energy: 5,
	XKick:  1,
	YKick:  3,
}

// FitOptions selects the fitted parameters.
type FitOptions struct {
	XPos   bool `json:"xpos"`
	XAng   bool `json:"xang"`
	YPos   bool `json:"ypos"`
	YAng   bool `json:"yang"`
	Energy bool `json:"energy"`
	XKick  bool `json:"xkick"`
	YKick  bool `json:"ykick"`
}

// AllParameters enables every parameter.
func AllParameters() FitOptions {
	return FitOptions{XPos: true, XAng: true, YPos: true, YAng: true, Energy: true, XKick: true, YKick: true}
}

// ParseFitOptions reads a comma separated parameter list such as
// "xpos0,xang0,dE/E". "all" enables every parameter.
func ParseFitOptions(s string) (FitOptions, error) {
	var f FitOptions
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		switch field {
		case "":
			continue
		case "all":
			return AllParameters(), nil
		}
		var p Parameter
		if err := p.UnmarshalText([]byte(field)); err != nil {
			return FitOptions{}, err
		}
		f.enable(p)
	}
	return f, nil
}

func (f *FitOptions) enable(p Parameter) {
	switch p {
	case XPos:
		f.XPos = true
	case XAng:
		f.XAng = true
	case YPos:
		f.YPos = true
	case YAng:
		f.YAng = true
	case Energy:
		f.Energy = true
	case XKick:
		f.XKick = true
	case YKick:
		f.YKick = true
	}
}

func (f FitOptions) enabled(p Parameter) bool {
	switch p {
	case XPos:
		return f.XPos
	case XAng:
		return f.XAng
	case YPos:
		return f.YPos
	case YAng:
		return f.YAng
	case Energy:
		return f.Energy
	case XKick:
		return f.XKick
	case YKick:
		return f.YKick
	}
	return false
}

// Ref identifies a reading by index or by name.
type Ref struct {
	index int
	name  string
}

// Index refers to the i'th reading.
func Index(i int) Ref { return Ref{index: i} }

// Named refers to the reading called name.
func Named(name string) Ref { return Ref{name: name} }

// ParseRef reads a command line reference: a number is an index, anything
// else a reading name.
func ParseRef(s string) Ref {
	if i, err := strconv.Atoi(s); err == nil {
		return Index(i)
	}
	return Named(s)
}

// At refers to r by its name.
func At(r bpm.Reading) Ref { return Named(r.Name()) }

func (r Ref) String() string {
	if r.name != "" {
		return r.name
	}
	return fmt.Sprintf("#%d", r.index)
}

// MarshalJSON writes a named ref as a string and an index as a number.
func (r Ref) MarshalJSON() ([]byte, error) {
	if r.name != "" {
		return json.Marshal(r.name)
	}
	return json.Marshal(r.index)
}

// UnmarshalJSON accepts a reading name or an index.
func (r *Ref) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*r = Named(name)
		return nil
	}
	var i int
	if err := json.Unmarshal(data, &i); err != nil {
		return fmt.Errorf("reading ref must be a name or an index: %s", data)
	}
	*r = Index(i)
	return nil
}

// resolve returns the index of r. Callers hold o.mu.
func (o *Orbit) resolve(r Ref) (int, error) {
	if r.name != "" {
		i, ok := o.byName[r.name]
		if !ok {
			return -1, fmt.Errorf("%w: %s", ErrNotFound, r.name)
		}
		return i, nil
	}
	if r.index < 0 || r.index >= len(o.readings) {
		return -1, fmt.Errorf("%w: %d of %d", ErrOutOfRange, r.index, len(o.readings))
	}
	return r.index, nil
}

// FitRequest describes one fit.
type FitRequest struct {
	Start, End, FitPoint Ref
	// Options defaults to AllParameters when nil.
	Options *FitOptions
	// Quality reports whether a reading may take part. The default keeps
	// readings whose TMIT severity is NO_ALARM.
	Quality func(bpm.Reading) bool
	// DispersionThreshold defaults to DefaultDispersionThreshold.
	DispersionThreshold float64
}

// GoodTMIT is the default quality filter.
func GoodTMIT(r bpm.Reading) bool {
	sev, err := r.Severity(bpm.TMIT)
	return err == nil && sev == channel.NoAlarm
}

// Param is a fitted value with its uncertainty.
type Param struct {
	Value float64 `json:"value"`
	Error float64 `json:"error"`
}

// FitResult is the trajectory through the readings that took part in a
// fit. Parameters that were not fitted are nil.
type FitResult struct {
	Names []string  `json:"names"`
	Z     []float64 `json:"z"`
	X     []float64 `json:"x"`
	Y     []float64 `json:"y"`
	XErr  []float64 `json:"x_err"`
	YErr  []float64 `json:"y_err"`

	XPos0  *Param `json:"xpos0"`
	XAng0  *Param `json:"xang0"`
	YPos0  *Param `json:"ypos0"`
	YAng0  *Param `json:"yang0"`
	Energy *Param `json:"energy"`
	XKick  *Param `json:"xkick"`
	YKick  *Param `json:"ykick"`

	ChiSquare  float64     `json:"chi_square"`
	NDF        int         `json:"ndf"`
	Covariance [][]float64 `json:"covariance"`
	Active     []Parameter `json:"active"`
	// EnergyDisabled is set when dE/E was requested but the range has too
	// little dispersion to constrain it.
	EnergyDisabled bool    `json:"energy_disabled"`
	Weighted       bool    `json:"weighted"`
	FitPoint       string  `json:"fit_point"`
	Z0             float64 `json:"z0"`
}

// Param returns the fitted value of p, or nil.
func (r *FitResult) Param(p Parameter) *Param {
	switch p {
	case XPos:
		return r.XPos0
	case XAng:
		return r.XAng0
	case YPos:
		return r.YPos0
	case YAng:
		return r.YAng0
	case Energy:
		return r.Energy
	case XKick:
		return r.XKick
	case YKick:
		return r.YKick
	}
	return nil
}

func (r *FitResult) setParam(p Parameter, v *Param) {
	switch p {
	case XPos:
		r.XPos0 = v
	case XAng:
		r.XAng0 = v
	case YPos:
		r.YPos0 = v
	case YAng:
		r.YAng0 = v
	case Energy:
		r.Energy = v
	case XKick:
		r.XKick = v
	case YKick:
		r.YKick = v
	}
}

// LastFit returns the most recent successful fit, or nil.
func (o *Orbit) LastFit() *FitResult {
	o.cacheMu.Lock()
	defer o.cacheMu.Unlock()
	return o.lastFit
}

var tracer = otel.Tracer("github.com/banshee-data/steering/internal/orbit")

// Fit fits a trajectory to the readings from Start to End inclusive, with
// parameters defined at FitPoint. The reading set cannot change while a
// fit runs. A failed fit leaves the previous result in place.
func (o *Orbit) Fit(ctx context.Context, gw lattice.Gateway, req FitRequest) (*FitResult, error) {
	ctx, span := tracer.Start(ctx, "orbit.Fit",
		trace.WithAttributes(
			attribute.String("orbit", o.Name),
			attribute.String("start", req.Start.String()),
			attribute.String("end", req.End.String()),
			attribute.String("fit_point", req.FitPoint.String()),
		),
	)
	defer span.End()

	o.mu.Lock()
	defer o.mu.Unlock()

	res, err := o.fitLocked(ctx, gw, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fit failed")
		diagf("%s: fit failed: %v", o.Name, err)
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("readings", len(res.Names)),
		attribute.Float64("chi_square", res.ChiSquare),
	)

	o.cacheMu.Lock()
	o.lastFit = res
	o.cacheMu.Unlock()
	tracef("%s: fit %d readings chi2=%g", o.Name, len(res.Names), res.ChiSquare)
	return res, nil
}

func (o *Orbit) fitLocked(ctx context.Context, gw lattice.Gateway, req FitRequest) (*FitResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start, err := o.resolve(req.Start)
	if err != nil {
		return nil, fmt.Errorf("fit start: %w", err)
	}
	end, err := o.resolve(req.End)
	if err != nil {
		return nil, fmt.Errorf("fit end: %w", err)
	}
	fp, err := o.resolve(req.FitPoint)
	if err != nil {
		return nil, fmt.Errorf("fit point: %w", err)
	}
	if start > end {
		return nil, fmt.Errorf("%w: start %d after end %d", ErrInvalidRange, start, end)
	}

	rmats, err := o.transportMatrices(ctx, gw, start, end, fp)
	if err != nil {
		return nil, err
	}

	quality := req.Quality
	if quality == nil {
		quality = GoodTMIT
	}
	var kept []bpm.Reading
	var keptR []lattice.Matrix6
	for i := start; i <= end; i++ {
		if quality(o.readings[i]) {
			kept = append(kept, o.readings[i])
			keptR = append(keptR, rmats[i])
		}
	}
	if len(kept) == 0 {
		return nil, fmt.Errorf("%w: %d readings in range", ErrInsufficientData, end-start+1)
	}

	opts := AllParameters()
	if req.Options != nil {
		opts = *req.Options
	}
	threshold := req.DispersionThreshold
	if threshold <= 0 {
		threshold = DefaultDispersionThreshold
	}
	energyDisabled := false
	if opts.Energy && !dispersive(keptR, threshold) {
		opts.Energy = false
		energyDisabled = true
		diagf("%s: dispersion below %g in fit range, dE/E not fitted", o.Name, threshold)
	}
	var active []Parameter
	for _, p := range Parameters {
		if opts.enabled(p) {
			active = append(active, p)
		}
	}
	if len(active) == 0 {
		return nil, fmt.Errorf("fit %s: %w: no parameters selected", o.Name, fit.ErrDimension)
	}

	n := len(kept)
	z0 := o.readings[fp].Z()
	zs := make([]float64, n)
	s := make([]float64, 2*n)
	sigma := make([]float64, 2*n)
	for i, r := range kept {
		zs[i] = r.Z()
		x, _ := bpm.Data(r, bpm.X)
		y, _ := bpm.Data(r, bpm.Y)
		s[i], s[n+i] = x.Value, y.Value
		sigma[i], sigma[n+i] = x.RMS, y.RMS
	}
	if usable := usableSigmas(sigma); usable == 0 {
		sigma = nil
	} else if usable < len(sigma) {
		diagf("%s: %d of %d observations have no usable RMS, fitting unweighted",
			o.Name, len(sigma)-usable, len(sigma))
		sigma = nil
	}

	q := designMatrix(keptR, zs, z0, active)
	sol, err := fit.Solve(q, s, sigma)
	if err != nil {
		return nil, fmt.Errorf("fit %s: %w", o.Name, err)
	}

	res := &FitResult{
		Names:          make([]string, n),
		Z:              zs,
		X:              sol.Fitted[:n],
		Y:              sol.Fitted[n:],
		XErr:           sol.FittedErr[:n],
		YErr:           sol.FittedErr[n:],
		ChiSquare:      sol.ChiSquare,
		NDF:            sol.NDF,
		Active:         active,
		EnergyDisabled: energyDisabled,
		Weighted:       sol.Weighted,
		FitPoint:       o.readings[fp].Name(),
		Z0:             z0,
	}
	for i, r := range kept {
		res.Names[i] = r.Name()
	}
	for j, p := range active {
		res.setParam(p, &Param{Value: sol.Params[j], Error: sol.ParamErr[j]})
	}
	rows, cols := sol.Covariance.Dims()
	res.Covariance = make([][]float64, rows)
	for i := range res.Covariance {
		res.Covariance[i] = mat.Row(make([]float64, cols), i, sol.Covariance)
	}
	return res, nil
}

// usableSigmas counts the entries that can weight an observation.
func usableSigmas(sigma []float64) int {
	n := 0
	for _, v := range sigma {
		if v > 0 && !math.IsInf(v, 0) {
			n++
		}
	}
	return n
}

// transportMatrices returns one matrix per reading, from the fit point to
// that reading. The last fetch is reused while start, end and fit point
// are unchanged. Callers hold o.mu.
func (o *Orbit) transportMatrices(ctx context.Context, gw lattice.Gateway, start, end, fp int) ([]lattice.Matrix6, error) {
	key := rmatKey{start: start, end: end, fitPoint: fp}
	o.cacheMu.Lock()
	if o.rmats != nil && o.rmatKey == key {
		rmats := o.rmats
		o.cacheMu.Unlock()
		return rmats, nil
	}
	o.cacheMu.Unlock()

	if gw == nil {
		return nil, fmt.Errorf("%w: no model configured", ErrModelUnavailable)
	}
	names := make([]string, len(o.readings))
	for i, r := range o.readings {
		names[i] = r.Name()
	}
	rmats, err := gw.RMats(ctx, names[fp], names)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModelUnavailable, err)
	}
	if len(rmats) != len(names) {
		return nil, fmt.Errorf("%w: %d matrices for %d readings", ErrShapeMismatch, len(rmats), len(names))
	}

	o.cacheMu.Lock()
	o.rmatKey = key
	o.rmats = rmats
	o.cacheMu.Unlock()
	return rmats, nil
}

func dispersive(rmats []lattice.Matrix6, threshold float64) bool {
	for _, m := range rmats {
		if math.Abs(m[0][5]) > threshold || math.Abs(m[2][5]) > threshold {
			return true
		}
	}
	return false
}

// designMatrix stacks the horizontal rows (R1x) above the vertical rows
// (R3x), one column per active parameter. Kick columns are zero for
// readings at or upstream of z0.
func designMatrix(rmats []lattice.Matrix6, zs []float64, z0 float64, active []Parameter) *mat.Dense {
	n := len(rmats)
	q := mat.NewDense(2*n, len(active), nil)
	for i, m := range rmats {
		downstream := zs[i] > z0
		for j, p := range active {
			if (p == XKick || p == YKick) && !downstream {
				continue
			}
			col := transportColumn[p]
			q.Set(i, j, m[0][col])
			q.Set(n+i, j, m[2][col])
		}
	}
	return q
}

// FormatParams renders the fitted parameters on one line.
func (r *FitResult) FormatParams() string {
	var b strings.Builder
	for _, p := range Parameters {
		v := r.Param(p)
		if v == nil {
			continue
		}
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "%s=%.4g±%.2g", p, v.Value, v.Error)
	}
	return b.String()
}
