// Package fit solves linear weighted least-squares problems.
//
// Given a design matrix Q (rows are observations, columns are parameters),
// observations s and their standard deviations sigma, Solve finds the
// parameters R minimising sum(((s - Q R) / sigma)^2) together with the
// propagated uncertainties of R and of the fitted values Q R.
package fit

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrUnderdetermined is returned when there are more parameters than
	// observations.
	ErrUnderdetermined = errors.New("more parameters than observations")
	// ErrSingular is returned when the normal matrix cannot be inverted.
	ErrSingular = errors.New("normal matrix is singular")
	// ErrInvalidSigma is returned for a non-positive or non-finite sigma.
	ErrInvalidSigma = errors.New("invalid observation uncertainty")
	// ErrDimension is returned when s or sigma does not match the rows of
	// Q, or Q has no columns.
	ErrDimension = errors.New("dimension mismatch")
)

// Result is the outcome of a fit.
type Result struct {
	// Fitted is Q R, one entry per observation.
	Fitted    []float64
	FittedErr []float64
	Params    []float64
	ParamErr  []float64
	// ChiSquare is the reduced chi-square of the residuals before any
	// renormalisation.
	ChiSquare float64
	// NDF is the degrees of freedom used to reduce ChiSquare.
	NDF int
	// Covariance of Params.
	Covariance *mat.Dense
	// Weighted is false when sigma was not supplied and errors were scaled
	// by the residual chi-square instead.
	Weighted bool
}

// Solve fits Q R = s. A nil sigma fits unweighted and then scales the
// covariance by the reduced chi-square, using the residual scatter as the
// noise estimate.
//
// When there are exactly as many observations as parameters the degrees
// of freedom are taken as 1 rather than 0.
func Solve(q mat.Matrix, s, sigma []float64) (*Result, error) {
	rows, cols := q.Dims()
	if len(s) != rows {
		return nil, fmt.Errorf("%w: %d observations for %d rows", ErrDimension, len(s), rows)
	}
	if cols == 0 {
		return nil, fmt.Errorf("%w: no parameters", ErrDimension)
	}
	if cols > rows {
		return nil, fmt.Errorf("%w: %d parameters, %d observations", ErrUnderdetermined, cols, rows)
	}

	weighted := sigma != nil
	sig := make([]float64, rows)
	if weighted {
		if len(sigma) != rows {
			return nil, fmt.Errorf("%w: %d sigmas for %d rows", ErrDimension, len(sigma), rows)
		}
		for i, v := range sigma {
			if !(v > 0) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%w: sigma[%d] = %v", ErrInvalidSigma, i, v)
			}
			sig[i] = v
		}
	} else {
		for i := range sig {
			sig[i] = 1
		}
	}

	// G is Q with each row weighted by 1/sigma^2.
	g := mat.DenseCopyOf(q)
	for i := 0; i < rows; i++ {
		w := 1 / (sig[i] * sig[i])
		for j := 0; j < cols; j++ {
			g.Set(i, j, g.At(i, j)*w)
		}
	}

	ndf := rows - cols
	if ndf == 0 {
		ndf = 1
	}

	var normal mat.Dense
	normal.Mul(q.T(), g)
	var cov mat.Dense
	if err := cov.Inverse(&normal); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) || math.IsInf(float64(cond), 1) {
			return nil, fmt.Errorf("%w: %v", ErrSingular, err)
		}
		diagf("normal matrix is ill-conditioned: %v", err)
	}

	// t maps observations to parameters.
	var t mat.Dense
	t.Mul(&cov, g.T())

	sv := mat.NewVecDense(rows, append([]float64(nil), s...))
	var params mat.VecDense
	params.MulVec(&t, sv)

	var fitted mat.VecDense
	fitted.MulVec(q, &params)

	var hat mat.Dense
	hat.Mul(q, &t)

	res := &Result{
		Fitted:    make([]float64, rows),
		FittedErr: make([]float64, rows),
		Params:    make([]float64, cols),
		ParamErr:  make([]float64, cols),
		NDF:       ndf,
		Weighted:  weighted,
	}

	var chisq float64
	for i := 0; i < rows; i++ {
		res.Fitted[i] = fitted.AtVec(i)
		chi := (s[i] - res.Fitted[i]) / sig[i]
		chisq += chi * chi
		var v float64
		for j := 0; j < rows; j++ {
			h := hat.At(i, j) * sig[j]
			v += h * h
		}
		res.FittedErr[i] = math.Sqrt(v)
	}
	chisq /= float64(ndf)
	res.ChiSquare = chisq

	for j := 0; j < cols; j++ {
		res.Params[j] = params.AtVec(j)
		res.ParamErr[j] = math.Sqrt(cov.At(j, j))
	}

	if !weighted {
		scale := math.Sqrt(chisq)
		for i := range res.FittedErr {
			res.FittedErr[i] *= scale
		}
		for j := range res.ParamErr {
			res.ParamErr[j] *= scale
		}
		cov.Scale(chisq, &cov)
	}
	res.Covariance = &cov
	tracef("fit rows=%d cols=%d ndf=%d chi2=%g weighted=%t", rows, cols, ndf, chisq, weighted)
	return res, nil
}
