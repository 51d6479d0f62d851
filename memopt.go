// Package memopt provides building blocks for memetic particle-swarm
// optimization of unconstrained, real-valued objective functions.  The root
// package holds the contracts shared by the solvers in the swarm and memetic
// subpackages along with common evaluation strategies.
package memopt

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"

	"golang.org/x/sync/errgroup"

	"github.com/rwcarlsen/memopt/mesh"
)

// Rng is the minimal source of randomness threaded through the library.
// *math/rand.Rand satisfies it.
type Rng interface {
	Float64() float64
}

// Rand is the default random number source used wherever an explicit Rng is
// not supplied.  Reseed or replace it for global determinism, or pass
// per-component sources for reproducible, independently seeded runs.
var Rand Rng = rand.New(rand.NewSource(1))

// RandFloat returns a uniform random number in [0, 1) drawn from Rand.
func RandFloat() float64 { return Rand.Float64() }

// Point represents a position in the search space together with the objective
// value at that position (+infinity if not yet evaluated).  Points are
// value-safe: the position is copied on construction and on read.
type Point struct {
	pos []float64
	Val float64
}

func NewPoint(pos []float64, val float64) Point {
	cpos := make([]float64, len(pos))
	copy(cpos, pos)
	return Point{pos: cpos, Val: val}
}

func (p Point) At(i int) float64 { return p.pos[i] }

func (p Point) Len() int { return len(p.pos) }

func (p Point) Pos() []float64 {
	pos := make([]float64, len(p.pos))
	copy(pos, p.pos)
	return pos
}

func hashPoint(p Point) [sha1.Size]byte {
	data := make([]byte, p.Len()*8)
	for i := 0; i < p.Len(); i++ {
		binary.BigEndian.PutUint64(data[i*8:], math.Float64bits(p.At(i)))
	}
	return sha1.Sum(data)
}

// RandPop generates n randomly positioned points in the boxed bounds defined
// by low and up.  The number of dimensions is equal to len(low).  Returned
// points have their values initialized to +infinity.  Rand is used for random
// numbers.
func RandPop(n int, low, up []float64) []Point {
	if len(low) != len(up) {
		panic("memopt: low and up vectors are not same length")
	}

	ndims := len(low)

	points := make([]Point, n)
	for i := 0; i < n; i++ {
		pos := make([]float64, ndims)
		for j := range pos {
			pos[j] = low[j] + RandFloat()*(up[j]-low[j])
		}
		points[i] = NewPoint(pos, math.Inf(1))
	}
	return points
}

// Iterator is the interface implemented by all solvers in this module
// (swarm.Iterator and memetic.Iterator).
type Iterator interface {
	// Iterate runs a single iteration of a solver and reports the number of
	// function evaluations n and the best point found so far.
	Iterate(obj Objectiver, m mesh.Mesh) (best Point, n int, err error)

	// AddPoint informs the solver of a good starting point or externally
	// discovered position.
	AddPoint(p Point)
}

// Objectiver is the fitness contract: lower values are better.  If the
// evaluation fails, positive infinity should be returned along with an error.
// Implementations must be pure or externally synchronized - solvers do not
// serialize calls on the caller's behalf.
type Objectiver interface {
	Objective(v []float64) (float64, error)
}

// Gradienter supplies (possibly stochastic, possibly approximate) gradients
// of an objective.  Implementations must return a gradient with exactly
// len(x) components; consumers treat any other length as a contract
// violation.  neval reports the number of underlying objective evaluations
// spent producing the gradient (zero for analytic gradients).
type Gradienter interface {
	Gradient(x []float64) (grad []float64, neval int, err error)
}

// Evaler performs batch objective evaluations.
type Evaler interface {
	// Eval evaluates each point using obj and returns the values and number
	// of function evaluations n.  Unevaluated points should not be returned
	// in the results slice.
	Eval(obj Objectiver, points ...Point) (results []Point, n int, err error)
}

// SerialEvaler evaluates points one at a time in the order given.
type SerialEvaler struct {
	// ContinueOnErr causes evaluation to continue through objective errors;
	// the last error is still returned.
	ContinueOnErr bool
}

func (ev SerialEvaler) Eval(obj Objectiver, points ...Point) (results []Point, n int, err error) {
	results = make([]Point, 0, len(points))
	for _, p := range points {
		p.Val, err = obj.Objective(p.Pos())
		results = append(results, p)
		if err != nil && !ev.ContinueOnErr {
			return results, len(results), err
		}
	}
	return results, len(results), nil
}

// ConcEvaler evaluates points concurrently.  Evaluations of distinct points
// are independent, so this is safe as long as the objective itself is
// reentrant; solvers keep all best-tracking writes on the calling goroutine.
type ConcEvaler struct {
	// NConcurrent limits the number of in-flight evaluations.  Zero means no
	// limit.
	NConcurrent int
}

func (ev ConcEvaler) Eval(obj Objectiver, points ...Point) (results []Point, n int, err error) {
	results = make([]Point, len(points))
	var g errgroup.Group
	if ev.NConcurrent > 0 {
		g.SetLimit(ev.NConcurrent)
	}

	for i, p := range points {
		i, p := i, p
		g.Go(func() error {
			val, err := obj.Objective(p.Pos())
			p.Val = val
			results[i] = p
			return err
		})
	}

	err = g.Wait()
	return results, len(results), err
}

// CacheEvaler wraps another evaler and memoizes results by exact position so
// re-evaluations of previously visited points are free.  Do not use it with
// stochastic objectives - the cache would freeze the first sample drawn for
// each position.
type CacheEvaler struct {
	ev    Evaler
	cache map[[sha1.Size]byte]float64
	// UseCount reports how many evaluations were avoided via cache hits.
	UseCount int
}

func NewCacheEvaler(ev Evaler) *CacheEvaler {
	return &CacheEvaler{
		ev:    ev,
		cache: map[[sha1.Size]byte]float64{},
	}
}

func (ev *CacheEvaler) Eval(obj Objectiver, points ...Point) (results []Point, n int, err error) {
	fromnew := make([]int, 0, len(points))
	newp := make([]Point, 0, len(points))
	for i, p := range points {
		if val, ok := ev.cache[hashPoint(p)]; ok {
			points[i].Val = val
			ev.UseCount++
		} else {
			fromnew = append(fromnew, i)
			newp = append(newp, p)
		}
	}

	newresults, n, err := ev.ev.Eval(obj, newp...)
	for i, p := range newresults {
		ev.cache[hashPoint(p)] = p.Val
		points[fromnew[i]].Val = p.Val
	}

	// shrink if an error cut the underlying evaluation short, keeping
	// results position-aligned with the points passed in
	if len(newresults) < len(newp) {
		if len(newresults) == 0 {
			return nil, 0, err
		}
		points = points[:fromnew[len(newresults)-1]+1]
	}
	return points, n, err
}

// SimpleObjectiver adapts a plain float-valued function to the Objectiver
// interface.
type SimpleObjectiver func([]float64) float64

func (so SimpleObjectiver) Objective(v []float64) (float64, error) { return so(v), nil }

// SimpleGradienter adapts a plain analytic gradient function to the
// Gradienter interface.  It reports zero objective evaluations and never
// fails.
type SimpleGradienter func([]float64) []float64

func (sg SimpleGradienter) Gradient(x []float64) (grad []float64, neval int, err error) {
	return sg(x), 0, nil
}

// ObjectivePrinter wraps an Objectiver and prints every evaluation performed
// through it along with a running count.
type ObjectivePrinter struct {
	Objectiver
	Count int
}

func NewObjectivePrinter(obj Objectiver) *ObjectivePrinter {
	return &ObjectivePrinter{Objectiver: obj}
}

func (op *ObjectivePrinter) Objective(v []float64) (float64, error) {
	val, err := op.Objectiver.Objective(v)

	op.Count++
	fmt.Print(op.Count, " ")
	for _, x := range v {
		fmt.Print(x, " ")
	}
	fmt.Println("    ", val)

	return val, err
}
