// Package fdiff estimates objective gradients with one-sided (forward)
// finite differences.  Estimating a gradient costs one baseline evaluation
// plus one evaluation per dimension; callers refining k elites should budget
// steps*(ndims+1) evaluations per refinement pass per elite.
package fdiff

import (
	"math"

	"github.com/rwcarlsen/memopt"
)

// DefaultEps is the relative perturbation scale used when Estimator.Eps is
// zero.
const DefaultEps = 1e-6

// Sampler is implemented by objectives computed over a resampled subset of
// data (e.g. a mini-batch loss).  When an Estimator's objective implements
// Sampler, each Gradient call draws exactly one sample and uses it for the
// baseline and every perturbed evaluation, keeping the components of a single
// gradient mutually consistent while successive gradients remain stochastic.
type Sampler interface {
	Sample() memopt.Objectiver
}

// Estimator approximates the gradient of Obj using forward differences with
// the relative step Eps*(1+|w[d]|).  The relative step avoids vanishing
// perturbations near zero and oversized perturbations at large magnitudes.
type Estimator struct {
	Obj memopt.Objectiver
	Eps float64
}

// Gradient estimates the gradient of the estimator's objective at x.  x is
// never modified; perturbations happen on a private copy.  neval reports the
// len(x)+1 objective evaluations performed.
func (e *Estimator) Gradient(x []float64) (grad []float64, neval int, err error) {
	obj := e.Obj
	if s, ok := obj.(Sampler); ok {
		obj = s.Sample()
	}
	eps := e.Eps
	if eps == 0 {
		eps = DefaultEps
	}

	w := make([]float64, len(x))
	copy(w, x)

	f0, err := obj.Objective(w)
	neval++
	if err != nil {
		return nil, neval, err
	}

	grad = make([]float64, len(w))
	for d := range w {
		step := eps * (1 + math.Abs(w[d]))
		orig := w[d]
		w[d] = orig + step
		f1, err := obj.Objective(w)
		neval++
		if err != nil {
			return nil, neval, err
		}
		grad[d] = (f1 - f0) / step
		w[d] = orig
	}
	return grad, neval, nil
}
