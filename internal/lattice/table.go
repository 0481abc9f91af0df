package lattice

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/steering/internal/fsutil"
)

// Element is one entry of a Table: its position and the transport matrix
// from the start of the beamline to it.
type Element struct {
	Name string  `json:"name"`
	Z    float64 `json:"z"`
	RMat Matrix6 `json:"rmat"`
}

// Table is a Gateway over a fixed list of elements. The matrix from A to
// B is R_B * inverse(R_A).
type Table struct {
	mu       sync.RWMutex
	elements map[string]Element
	inverse  map[string]Matrix6
}

func NewTable(elements []Element) *Table {
	t := &Table{
		elements: make(map[string]Element, len(elements)),
		inverse:  make(map[string]Matrix6),
	}
	for _, e := range elements {
		t.elements[e.Name] = e
	}
	return t
}

type tableFile struct {
	Elements []Element `json:"elements"`
}

// LoadTable reads {"elements":[{"name","z","rmat"}]} from path.
func LoadTable(fs fsutil.FileSystem, path string) (*Table, error) {
	data, err := fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read lattice table: %w", err)
	}
	var f tableFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse lattice table %s: %w", path, err)
	}
	return NewTable(f.Elements), nil
}

// Save writes the table in the format LoadTable reads, sorted by Z.
func (t *Table) Save(fs fsutil.FileSystem, path string) error {
	data, err := json.MarshalIndent(tableFile{Elements: t.Elements()}, "", "  ")
	if err != nil {
		return err
	}
	return fs.WriteFile(path, data, 0o644)
}

// Elements returns every element sorted by Z.
func (t *Table) Elements() []Element {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Element, 0, len(t.elements))
	for _, e := range t.elements {
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Z == out[j].Z {
			return out[i].Name < out[j].Name
		}
		return out[i].Z < out[j].Z
	})
	return out
}

// Names returns the element names matching pattern, sorted by Z. A "%"
// in pattern matches any run of characters.
func (t *Table) Names(pattern string) []string {
	var out []string
	for _, e := range t.Elements() {
		if Match(pattern, e.Name) {
			out = append(out, e.Name)
		}
	}
	return out
}

// Match reports whether name matches pattern, where "%" is a wildcard.
func Match(pattern, name string) bool {
	parts := strings.Split(pattern, "%")
	if len(parts) == 1 {
		return pattern == name
	}
	if !strings.HasPrefix(name, parts[0]) {
		return false
	}
	rest := name[len(parts[0]):]
	for _, p := range parts[1 : len(parts)-1] {
		i := strings.Index(rest, p)
		if i < 0 {
			return false
		}
		rest = rest[i+len(p):]
	}
	return strings.HasSuffix(rest, parts[len(parts)-1])
}

func (t *Table) lookup(name string) (Element, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.elements[name]
	if !ok {
		return Element{}, fmt.Errorf("%w: %s", ErrUnknownElement, name)
	}
	return e, nil
}

func (t *Table) inverseOf(e Element) (Matrix6, error) {
	t.mu.RLock()
	inv, ok := t.inverse[e.Name]
	t.mu.RUnlock()
	if ok {
		return inv, nil
	}
	var d mat.Dense
	if err := d.Inverse(e.RMat.Dense()); err != nil {
		return Matrix6{}, fmt.Errorf("invert transport matrix of %s: %w", e.Name, err)
	}
	inv = FromDense(&d)
	t.mu.Lock()
	t.inverse[e.Name] = inv
	t.mu.Unlock()
	return inv, nil
}

// RMats implements Gateway. An empty from means the start of the beamline.
func (t *Table) RMats(ctx context.Context, from string, names []string) ([]Matrix6, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	origin := Identity()
	if from != "" {
		e, err := t.lookup(from)
		if err != nil {
			return nil, err
		}
		if origin, err = t.inverseOf(e); err != nil {
			return nil, err
		}
	}
	out := make([]Matrix6, len(names))
	for i, name := range names {
		e, err := t.lookup(name)
		if err != nil {
			return nil, err
		}
		out[i] = e.RMat.Mul(origin)
	}
	return out, nil
}

// ZPositions implements Gateway.
func (t *Table) ZPositions(ctx context.Context, names []string) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	out := make([]float64, len(names))
	for i, name := range names {
		e, err := t.lookup(name)
		if err != nil {
			return nil, err
		}
		out[i] = e.Z
	}
	return out, nil
}
