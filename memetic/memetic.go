// Package memetic layers periodic local gradient refinement on top of a
// standard PSO iterator.  Every Period-th iteration the lowest-valued
// particles (the elites) are re-ranked with fresh objective evaluations and
// each is refined by a fixed number of gradient-descent steps on a private
// copy of its position.  A refined position replaces its particle only when
// it strictly improves on the particle's fresh value, so refinement can only
// help or be a no-op - it never regresses a particle's recorded best.
package memetic

import (
	"database/sql"
	"fmt"
	"math"
	"sort"

	"github.com/rwcarlsen/memopt"
	"github.com/rwcarlsen/memopt/mesh"
	"github.com/rwcarlsen/memopt/swarm"
)

const (
	DefaultLearnRate = 0.01
	DefaultSteps     = 3
	DefaultElites    = 5
	DefaultPeriod    = 10
)

// TblRefines is the name of the sql database table that records each
// refinement attempt and whether it was accepted.
const TblRefines = "memeticrefines"

type Option func(*Iterator)

// LearnRate sets the gradient-descent step size used during refinement.
func LearnRate(eta float64) Option {
	return func(it *Iterator) {
		it.LearnRate = eta
	}
}

// Steps sets the number of gradient-descent steps applied to each elite per
// refinement pass.  Zero or negative makes refinement a no-op.
func Steps(n int) Option {
	return func(it *Iterator) {
		it.Steps = n
	}
}

// Elites sets how many of the lowest-valued particles are refined per pass.
// Zero or negative makes refinement a no-op.
func Elites(k int) Option {
	return func(it *Iterator) {
		it.Elites = k
	}
}

// Period sets refinement to run every n-th call to Iterate.  Zero disables
// refinement entirely; negative periods are rejected at construction.
func Period(n int) Option {
	return func(it *Iterator) {
		it.Period = n
	}
}

// DB enables logging of refinement attempts to the given database.
func DB(db *sql.DB) Option {
	return func(it *Iterator) {
		it.Db = db
	}
}

// Iterator wraps a swarm.Iterator with a refinement schedule.  It satisfies
// the same memopt.Iterator contract as the wrapped swarm and is its drop-in
// replacement for best-point queries.
type Iterator struct {
	*swarm.Iterator
	// Grad supplies gradients during refinement.  A nil Grad disables
	// refinement regardless of schedule.
	Grad      memopt.Gradienter
	LearnRate float64
	Steps     int
	Elites    int
	Period    int
	Db        *sql.DB
	count     int
}

// NewIterator wraps inner with periodic gradient refinement using grad.  A
// nil grad disables refinement.  Defaults: LearnRate 0.01, Steps 3, Elites 5,
// Period 10.
func NewIterator(inner *swarm.Iterator, grad memopt.Gradienter, opts ...Option) (*Iterator, error) {
	if inner == nil {
		return nil, fmt.Errorf("memetic: inner swarm iterator must not be nil")
	}

	it := &Iterator{
		Iterator:  inner,
		Grad:      grad,
		LearnRate: DefaultLearnRate,
		Steps:     DefaultSteps,
		Elites:    DefaultElites,
		Period:    DefaultPeriod,
	}

	for _, opt := range opts {
		opt(it)
	}

	if it.Period < 0 {
		return nil, fmt.Errorf("memetic: refinement period must be non-negative (got %v)", it.Period)
	}

	if err := it.initdb(); err != nil {
		return nil, err
	}
	return it, nil
}

// Count returns the number of completed hybrid iterations.  It drives the
// refinement schedule: refinement runs whenever Count is a positive multiple
// of Period.
func (it *Iterator) Count() int { return it.count }

// Iterate performs one full PSO iteration and then, when the schedule fires,
// one refinement pass.  n includes objective evaluations spent on the PSO
// pass, elite re-ranking, gradient estimation, and acceptance tests.
func (it *Iterator) Iterate(obj memopt.Objectiver, m mesh.Mesh) (best memopt.Point, n int, err error) {
	best, n, err = it.Iterator.Iterate(obj, m)
	if err != nil {
		return best, n, err
	}
	it.count++

	if it.Grad == nil || it.Period == 0 || it.count%it.Period != 0 {
		return best, n, nil
	}
	if it.Steps < 1 || it.Elites < 1 {
		return best, n, nil
	}

	nr, err := it.refine(obj, m)
	n += nr
	return it.Best(), n, err
}

// refine re-ranks the population with fresh evaluations, then runs bounded
// gradient descent on each elite and commits strictly improving results.
// Like the PSO pass, evaluations occur at mesh-projected positions when m is
// non-nil while committed positions stay raw.
func (it *Iterator) refine(obj memopt.Objectiver, m mesh.Mesh) (n int, err error) {
	pop := it.Pop

	// Rank particles by fresh evaluations of their current positions rather
	// than reusing the PSO pass values: for stochastic (e.g. mini-batch)
	// objectives the ranking and the acceptance test below must share a
	// comparable sample.
	points := pop.Points()
	if m != nil {
		for i, p := range points {
			points[i] = memopt.NewPoint(m.Nearest(p.Pos()), p.Val)
		}
	}
	results, n, err := it.Evaler.Eval(obj, points...)
	if err != nil {
		return n, err
	}

	order := make([]int, len(pop))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return results[order[i]].Val < results[order[j]].Val
	})

	k := it.Elites
	if k > len(pop) {
		k = len(pop)
	}

	for _, idx := range order[:k] {
		p := pop[idx]
		freshval := results[idx].Val

		// descend on a private copy - the live particle is untouched until
		// the candidate passes the acceptance test
		w := p.Pos()
		for s := 0; s < it.Steps; s++ {
			g, ng, err := it.Grad.Gradient(w)
			n += ng
			if err != nil {
				return n, fmt.Errorf("memetic: gradient at particle %v: %v", p.Id, err)
			} else if len(g) != len(w) {
				return n, fmt.Errorf("memetic: gradient has %v dimensions, want %v", len(g), len(w))
			}
			for d := range w {
				w[d] -= it.LearnRate * g[d]
			}
		}

		wp := memopt.NewPoint(w, math.Inf(1))
		if m != nil {
			wp = memopt.NewPoint(m.Nearest(w), math.Inf(1))
		}
		cand, ne, err := it.Evaler.Eval(obj, wp)
		n += ne
		if err != nil {
			return n, err
		}
		newval := cand[0].Val

		accepted := finite(newval) && newval < freshval
		if accepted {
			// The refined point is a fresh local optimum: momentum from
			// before the descent no longer applies, so the velocity is
			// zeroed along with the position overwrite.
			p.Point = memopt.NewPoint(w, newval)
			for d := range p.Vel {
				p.Vel[d] = 0
			}
			p.Update(cand[0])
			it.AddPoint(cand[0])
		}

		if err := it.logRefine(p.Id, freshval, newval, accepted); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (it *Iterator) initdb() error {
	if it.Db == nil {
		return nil
	}

	s := "CREATE TABLE IF NOT EXISTS " + TblRefines +
		" (iter INTEGER, particle INTEGER, oldval REAL, newval REAL, accepted INTEGER);"
	if _, err := it.Db.Exec(s); err != nil {
		return fmt.Errorf("memetic: init %v table: %v", TblRefines, err)
	}
	return nil
}

func (it *Iterator) logRefine(id int, oldval, newval float64, accepted bool) error {
	if it.Db == nil {
		return nil
	}

	s := "INSERT INTO " + TblRefines + " (iter,particle,oldval,newval,accepted) VALUES (?,?,?,?,?);"
	if _, err := it.Db.Exec(s, it.count, id, oldval, newval, accepted); err != nil {
		return fmt.Errorf("memetic: update db: %v", err)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
