package orbit

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/steering/internal/bpm"
	"github.com/banshee-data/steering/internal/channel"
	"github.com/banshee-data/steering/internal/fsutil"
)

var ErrMalformedSnapshot = errors.New("malformed orbit snapshot")

// Floats is a float slice whose JSON form writes NaN as null and the
// infinities as the strings "Infinity" and "-Infinity".
type Floats []float64

const (
	posInf = `"Infinity"`
	negInf = `"-Infinity"`
)

func (f Floats) MarshalJSON() ([]byte, error) {
	var b bytes.Buffer
	b.WriteByte('[')
	for i, v := range f {
		if i > 0 {
			b.WriteByte(',')
		}
		switch {
		case math.IsNaN(v):
			b.WriteString("null")
		case math.IsInf(v, 1):
			b.WriteString(posInf)
		case math.IsInf(v, -1):
			b.WriteString(negInf)
		default:
			b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
		}
	}
	b.WriteByte(']')
	return b.Bytes(), nil
}

func (f *Floats) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Floats, len(raw))
	for i, r := range raw {
		switch string(bytes.TrimSpace(r)) {
		case "null":
			out[i] = math.NaN()
		case posInf:
			out[i] = math.Inf(1)
		case negInf:
			out[i] = math.Inf(-1)
		default:
			if err := json.Unmarshal(r, &out[i]); err != nil {
				return fmt.Errorf("element %d: %w", i, err)
			}
		}
	}
	*f = out
	return nil
}

// Snapshot is the persisted form of an orbit: parallel arrays in reading
// order.
type Snapshot struct {
	Names        []string           `json:"names"`
	Z            Floats             `json:"z"`
	X            Floats             `json:"x"`
	Y            Floats             `json:"y"`
	TMIT         Floats             `json:"tmit"`
	XRMS         Floats             `json:"x_rms"`
	YRMS         Floats             `json:"y_rms"`
	TMITRMS      Floats             `json:"tmit_rms"`
	XSeverity    []channel.Severity `json:"x_severity"`
	YSeverity    []channel.Severity `json:"y_severity"`
	TMITSeverity []channel.Severity `json:"tmit_severity"`
}

func (s *Snapshot) values(a bpm.Axis) *Floats {
	switch a {
	case bpm.X:
		return &s.X
	case bpm.Y:
		return &s.Y
	}
	return &s.TMIT
}

func (s *Snapshot) rms(a bpm.Axis) *Floats {
	switch a {
	case bpm.X:
		return &s.XRMS
	case bpm.Y:
		return &s.YRMS
	}
	return &s.TMITRMS
}

func (s *Snapshot) severities(a bpm.Axis) *[]channel.Severity {
	switch a {
	case bpm.X:
		return &s.XSeverity
	case bpm.Y:
		return &s.YSeverity
	}
	return &s.TMITSeverity
}

// Snapshot flattens the orbit. Live readings contribute their current
// values.
func (o *Orbit) Snapshot() Snapshot {
	readings := o.Readings()
	n := len(readings)
	s := Snapshot{Names: make([]string, n), Z: make(Floats, n)}
	for _, a := range bpm.Axes {
		*s.values(a) = make(Floats, n)
		*s.rms(a) = make(Floats, n)
		*s.severities(a) = make([]channel.Severity, n)
	}
	for i, r := range readings {
		s.Names[i] = r.Name()
		s.Z[i] = r.Z()
		for _, a := range bpm.Axes {
			d, _ := bpm.Data(r, a)
			(*s.values(a))[i] = d.Value
			(*s.rms(a))[i] = d.RMS
			(*s.severities(a))[i] = d.Severity
		}
	}
	return s
}

// FromSnapshot rebuilds an orbit of Frozen readings in file order.
func FromSnapshot(name string, s Snapshot) (*Orbit, error) {
	n := len(s.Names)
	lengths := map[string]int{"z": len(s.Z)}
	for _, a := range bpm.Axes {
		lengths[a.String()] = len(*s.values(a))
		lengths[a.String()+"_rms"] = len(*s.rms(a))
		lengths[a.String()+"_severity"] = len(*s.severities(a))
	}
	for key, l := range lengths {
		if l != n {
			return nil, fmt.Errorf("%w: %s has %d entries, names has %d", ErrMalformedSnapshot, key, l, n)
		}
	}
	readings := make([]bpm.Reading, n)
	for i := range s.Names {
		var axes [len(bpm.Axes)]bpm.AxisData
		for _, a := range bpm.Axes {
			axes[a] = bpm.AxisData{
				Value:    (*s.values(a))[i],
				RMS:      (*s.rms(a))[i],
				Severity: (*s.severities(a))[i],
			}
		}
		readings[i] = bpm.NewFrozen(strings.TrimSpace(s.Names[i]), s.Z[i], axes[bpm.X], axes[bpm.Y], axes[bpm.TMIT])
	}
	return New(name, readings...)
}

// DefaultFileName is the snapshot file name for a save at t.
func DefaultFileName(t time.Time) string {
	return "orbit-" + t.Format("2006-01-02-150405") + ".json"
}

// SaveJSON writes the orbit's snapshot to path.
func (o *Orbit) SaveJSON(fs fsutil.FileSystem, path string) error {
	data, err := json.Marshal(o.Snapshot())
	if err != nil {
		return fmt.Errorf("encode %s: %w", o.Name, err)
	}
	if err := fs.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("save orbit %s: %w", o.Name, err)
	}
	return nil
}

// LoadJSON reads a snapshot file. The orbit is named after the file.
func LoadJSON(fs fsutil.FileSystem, path string) (*Orbit, error) {
	data, err := fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load orbit: %w", err)
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedSnapshot, path, err)
	}
	return FromSnapshot(filepath.Base(path), s)
}
