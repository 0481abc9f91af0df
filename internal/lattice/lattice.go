// Package lattice is the client side of the accelerator model service.
// The model supplies 6x6 linear transport matrices between elements and
// the beamline position of each element.
package lattice

import (
	"context"
	"errors"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrUnavailable is returned when the model service cannot be reached.
	ErrUnavailable = errors.New("model service unavailable")
	// ErrUnknownElement is returned for names the model does not know.
	ErrUnknownElement = errors.New("unknown element")
)

// Matrix6 is a transport matrix in (x, x', y, y', z, delta) coordinates.
type Matrix6 [6][6]float64

// Identity returns the 6x6 identity matrix.
func Identity() Matrix6 {
	var m Matrix6
	for i := range m {
		m[i][i] = 1
	}
	return m
}

// Drift returns the transport matrix of a field-free drift of length l.
func Drift(l float64) Matrix6 {
	m := Identity()
	m[0][1] = l
	m[2][3] = l
	return m
}

// Dense copies m into a gonum matrix.
func (m Matrix6) Dense() *mat.Dense {
	d := mat.NewDense(6, 6, nil)
	for i := range m {
		for j := range m[i] {
			d.Set(i, j, m[i][j])
		}
	}
	return d
}

// FromDense copies a 6x6 gonum matrix.
func FromDense(d mat.Matrix) Matrix6 {
	var m Matrix6
	for i := range m {
		for j := range m[i] {
			m[i][j] = d.At(i, j)
		}
	}
	return m
}

// Mul returns m * o.
func (m Matrix6) Mul(o Matrix6) Matrix6 {
	var out mat.Dense
	out.Mul(m.Dense(), o.Dense())
	return FromDense(&out)
}

// Gateway is the model service.
type Gateway interface {
	// RMats returns the transport matrix from element from to each of
	// names, in order.
	RMats(ctx context.Context, from string, names []string) ([]Matrix6, error)
	// ZPositions returns the beamline position of each of names.
	ZPositions(ctx context.Context, names []string) ([]float64, error)
}
