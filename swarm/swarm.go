// Package swarm implements standard particle swarm optimization (PSO) over
// unconstrained, real-valued search spaces.  A fixed-size population of
// particles tracks personal-best positions and a shared global best; each
// iteration evaluates every particle's position and then moves every particle
// under the usual inertia/cognition/social velocity rule with a per-dimension
// speed clamp.
package swarm

import (
	"database/sql"
	"fmt"
	"math"

	"github.com/rwcarlsen/memopt"
	"github.com/rwcarlsen/memopt/mesh"
)

// These params are calculated using a constriction factor originally
// described in:
//
//	Clerc, M. "The swarm and the queen: towards a deterministic and
//	adaptive particle swarm optimization" Proc. 1999 Congress on
//	Evolutionary Computation, pp. 1951-1957
//
// The cognition and social parameters correspond to c1 and c2 values of 2.05
// multiplied by their constriction coefficient - i.e. DefaultSocial =
// Constriction(2.05, 2.05)*2.05.  DefaultInertia is the constriction
// coefficient itself.
const (
	DefaultCognition = 1.49445
	DefaultSocial    = 1.49445
	DefaultInertia   = 0.729
)

// DefaultVmax is the per-dimension particle speed limit used when no Vmax
// option is given.
const DefaultVmax = 0.5

const (
	// TblParticles is the name of the sql database table that contains
	// positions and values for particles for each iteration.
	TblParticles = "swarmparticles"
	// TblParticlesBest is the name of the sql database table that contains
	// each particle's personal best position at each iteration.
	TblParticlesBest = "swarmparticlesbest"
	// TblBest is the name of the sql database table that contains the best
	// position for the entire swarm at each iteration.
	TblBest = "swarmbest"
)

// Constriction calculates the constriction coefficient for the given c1 and
// c2 for the particle velocity equation:
//
//	v_next = k(v_curr + c1*rand*(p_personal-x) + c2*rand*(p_glob-x))
//
// c1+c2 should usually be greater than (but close to) 4.  'w = k' is often
// referred to as the inertia in the traditional swarm equation.
func Constriction(c1, c2 float64) float64 {
	phi := c1 + c2
	return 2 / math.Abs(2-phi-math.Sqrt(phi*phi-4*phi))
}

// Particle is a single candidate solution: a current position and value, a
// velocity, and the best position the particle has ever visited.
type Particle struct {
	Id int
	memopt.Point
	Vel  []float64
	Best memopt.Point
}

// Move updates the particle's velocity and position.  For each dimension two
// fresh uniform random numbers are drawn - one weighting the pull toward the
// particle's personal best and one weighting the pull toward gbest.  Each
// velocity component is clamped to [-vmax[i], vmax[i]] before the position is
// advanced.
func (p *Particle) Move(gbest memopt.Point, vmax []float64, inertia, social, cognition float64, rng memopt.Rng) {
	// update velocity
	for i, currv := range p.Vel {
		// random numbers r1 and r2 MUST go inside this loop and be generated
		// uniquely for each dimension of p's velocity.
		r1 := rng.Float64()
		r2 := rng.Float64()
		p.Vel[i] = inertia*currv +
			cognition*r1*(p.Best.At(i)-p.At(i)) +
			social*r2*(gbest.At(i)-p.At(i))
		if math.Abs(p.Vel[i]) > vmax[i] {
			p.Vel[i] = math.Copysign(vmax[i], p.Vel[i])
		}
	}

	// update position
	pos := make([]float64, p.Len())
	for i := range pos {
		pos[i] = p.At(i) + p.Vel[i]
	}
	p.Point = memopt.NewPoint(pos, math.Inf(1))
}

// Update records the value of the particle's current position.  The personal
// best is overwritten only on strict improvement, so exact ties keep the
// older best and non-finite values never become a best.
func (p *Particle) Update(newp memopt.Point) {
	// DO NOT update p's position with newp's position - it may have been
	// projected onto a mesh and be different.
	p.Val = newp.Val
	if finite(newp.Val) && newp.Val < p.Best.Val {
		p.Best = newp
	}
}

type Population []*Particle

// NewPopulation initializes a population of particles using the given points
// and generates velocities for each dimension i initialized to uniform
// random values between -vmax[i] and vmax[i].  A nil rng uses memopt.Rand.
func NewPopulation(points []memopt.Point, vmax []float64, rng memopt.Rng) Population {
	if rng == nil {
		rng = memopt.Rand
	}
	pop := make(Population, len(points))
	for i, p := range points {
		pop[i] = &Particle{
			Id:    i,
			Point: p,
			Best:  p,
			Vel:   make([]float64, len(vmax)),
		}
		for j, v := range vmax {
			pop[i].Vel[j] = v * (1 - 2*rng.Float64())
		}
	}
	return pop
}

// NewPopulationRand creates a population of n particles in ndims dimensions
// with positions drawn uniformly from [-posRange, posRange] and velocities
// drawn uniformly from [-velRange, velRange] independently for every
// dimension.  Personal bests are seeded to the initial positions with
// +infinity values.  A nil rng uses memopt.Rand.
func NewPopulationRand(n, ndims int, posRange, velRange float64, rng memopt.Rng) (Population, error) {
	if n < 1 {
		return nil, fmt.Errorf("swarm: population size must be positive (got %v)", n)
	} else if ndims < 1 {
		return nil, fmt.Errorf("swarm: dimensionality must be positive (got %v)", ndims)
	}
	if rng == nil {
		rng = memopt.Rand
	}

	points := make([]memopt.Point, n)
	for i := range points {
		pos := make([]float64, ndims)
		for j := range pos {
			pos[j] = posRange * (1 - 2*rng.Float64())
		}
		points[i] = memopt.NewPoint(pos, math.Inf(1))
	}

	vmax := make([]float64, ndims)
	for i := range vmax {
		vmax[i] = velRange
	}
	return NewPopulation(points, vmax, rng), nil
}

// NewPopulationBox creates a population of randomly positioned particles
// uniformly distributed in the box-bounds described by low and up.
// memopt.Rand is used for random numbers.
func NewPopulationBox(n int, low, up []float64) Population {
	points := memopt.RandPop(n, low, up)
	return NewPopulation(points, vmaxfrombounds(low, up), nil)
}

func (pop Population) Points() []memopt.Point {
	points := make([]memopt.Point, 0, len(pop))
	for _, p := range pop {
		points = append(points, p.Point)
	}
	return points
}

// Best returns the particle with the lowest personal-best value.  Exact ties
// are broken in favor of the lowest population index.
func (pop Population) Best() *Particle {
	if len(pop) == 0 {
		return nil
	}

	best := pop[0]
	for _, p := range pop[1:] {
		if p.Best.Val < best.Best.Val {
			best = p
		}
	}
	return best
}

type Option func(*Iterator)

func Vmax(vmaxes []float64) Option {
	return func(it *Iterator) {
		it.Vmax = vmaxes
	}
}

func VmaxAll(vmax float64) Option {
	return func(it *Iterator) {
		for i := range it.Vmax {
			it.Vmax[i] = vmax
		}
	}
}

// VmaxBounds sets the maximum particle speed for each dimension equal to the
// bounded range for the problem.  This is a rule of thumb given in:
//
//	Eberhart, R.C.; Yuhui Shi, "Particle swarm optimization: developments,
//	applications and resources," Evolutionary Computation, 2001.
//	Proceedings of the 2001 Congress on, vol.1, pp.81-86, 2001
func VmaxBounds(low, up []float64) Option {
	return func(it *Iterator) {
		it.Vmax = vmaxfrombounds(low, up)
	}
}

// DB enables per-iteration logging of particle state to the given database.
func DB(db *sql.DB) Option {
	return func(it *Iterator) {
		it.Db = db
	}
}

func LearnFactors(cognition, social float64) Option {
	return func(it *Iterator) {
		it.Cognition = cognition
		it.Social = social
	}
}

// Rng sets the random number source used for velocity updates.  Iterators
// built from identically seeded sources over identically constructed
// populations produce identical trajectories.
func Rng(rng memopt.Rng) Option {
	return func(it *Iterator) {
		it.Rng = rng
	}
}

// LinInertia sets particle inertia for velocity updates to vary linearly from
// the start (high) to end (low) values from iteration 0 to maxiter.  Common
// values are start = 0.9 and end = 0.4.
func LinInertia(start, end float64, maxiter int) Option {
	return func(it *Iterator) {
		it.InertiaFn = func(iter int) float64 {
			return start - (start-end)*float64(iter)/float64(maxiter)
		}
	}
}

func FixedInertia(v float64) Option {
	return func(it *Iterator) {
		it.InertiaFn = func(iter int) float64 { return v }
	}
}

// Iterator runs one standard PSO iteration at a time over a fixed-size
// population.  The population is never grown or shrunk and particle positions
// are never bounded - pass a mesh to Iterate to evaluate within a feasible
// region.
type Iterator struct {
	Pop Population
	memopt.Evaler
	Cognition float64
	Social    float64
	InertiaFn func(iter int) float64
	// Vmax is the speed limit per dimension for particles.
	Vmax  []float64
	Rng   memopt.Rng
	Db    *sql.DB
	count int
	best  memopt.Point
}

// NewIterator creates a PSO iterator over pop.  A nil ev defaults to
// memopt.SerialEvaler.  The population must be non-empty; hyperparameters
// default to the constriction values and DefaultVmax unless overridden by
// opts.
func NewIterator(ev memopt.Evaler, pop Population, opts ...Option) (*Iterator, error) {
	if len(pop) == 0 {
		return nil, fmt.Errorf("swarm: population must not be empty")
	} else if pop[0].Len() == 0 {
		return nil, fmt.Errorf("swarm: dimensionality must be positive")
	}
	if ev == nil {
		ev = memopt.SerialEvaler{}
	}

	vmax := make([]float64, pop[0].Len())
	for i := range vmax {
		vmax[i] = DefaultVmax
	}

	it := &Iterator{
		Pop:       pop,
		Evaler:    ev,
		Cognition: DefaultCognition,
		Social:    DefaultSocial,
		InertiaFn: func(iter int) float64 { return DefaultInertia },
		Vmax:      vmax,
		Rng:       memopt.Rand,
		best:      pop.Best().Point,
	}

	for _, opt := range opts {
		opt(it)
	}

	if err := it.initdb(); err != nil {
		return nil, err
	}
	return it, nil
}

// Best returns the best point found across all particles across all
// iterations so far.
func (it *Iterator) Best() memopt.Point { return it.best }

// AddPoint makes p the swarm's global best if it strictly improves on it.
// Non-finite values are rejected.
func (it *Iterator) AddPoint(p memopt.Point) {
	if finite(p.Val) && p.Val < it.best.Val {
		it.best = p
	}
}

// Iterate performs one PSO iteration in two strictly ordered passes: first
// every particle's current position is evaluated and personal/global bests
// are updated, then every particle moves.  No movement is visible to any
// evaluation within the same call, and every move sees the same global best.
// If m is non-nil, evaluations occur at positions projected onto m.
func (it *Iterator) Iterate(obj memopt.Objectiver, m mesh.Mesh) (best memopt.Point, n int, err error) {
	it.count++

	// project positions onto mesh
	points := it.Pop.Points()
	if m != nil {
		for i, p := range points {
			points[i] = memopt.NewPoint(m.Nearest(p.Pos()), p.Val)
		}
	}

	// evaluation pass: global-best updates happen in population order, so
	// on exact ties the earliest particle keeps precedence
	results, n, err := it.Evaler.Eval(obj, points...)
	if err != nil {
		return memopt.Point{Val: math.Inf(1)}, n, err
	}
	for i := range results {
		it.Pop[i].Update(results[i])
		it.AddPoint(results[i])
	}
	if err := it.updateDb(); err != nil {
		return memopt.Point{Val: math.Inf(1)}, n, err
	}

	// movement pass
	for _, p := range it.Pop {
		p.Move(it.best, it.Vmax, it.InertiaFn(it.count), it.Social, it.Cognition, it.Rng)
	}

	return it.best, n, nil
}

func (it *Iterator) initdb() error {
	if it.Db == nil {
		return nil
	}

	s := "CREATE TABLE IF NOT EXISTS " + TblParticles + " (particle INTEGER, iter INTEGER, val REAL"
	s += it.xdbsql("define")
	s += ");"
	if _, err := it.Db.Exec(s); err != nil {
		return fmt.Errorf("swarm: init %v table: %v", TblParticles, err)
	}

	s = "CREATE TABLE IF NOT EXISTS " + TblParticlesBest + " (particle INTEGER, iter INTEGER, best REAL"
	s += it.xdbsql("define")
	s += ");"
	if _, err := it.Db.Exec(s); err != nil {
		return fmt.Errorf("swarm: init %v table: %v", TblParticlesBest, err)
	}

	s = "CREATE TABLE IF NOT EXISTS " + TblBest + " (iter INTEGER, val REAL"
	s += it.xdbsql("define")
	s += ");"
	if _, err := it.Db.Exec(s); err != nil {
		return fmt.Errorf("swarm: init %v table: %v", TblBest, err)
	}
	return nil
}

func (it *Iterator) xdbsql(op string) string {
	s := ""
	for i := 0; i < it.Pop[0].Len(); i++ {
		if op == "?" {
			s += ",?"
		} else if op == "define" {
			s += fmt.Sprintf(",x%v REAL", i)
		} else if op == "x" {
			s += fmt.Sprintf(",x%v", i)
		} else {
			panic("invalid db op " + op)
		}
	}
	return s
}

func (it *Iterator) updateDb() error {
	if it.Db == nil {
		return nil
	}

	tx, err := it.Db.Begin()
	if err != nil {
		return fmt.Errorf("swarm: update db: %v", err)
	}

	s0 := "INSERT INTO " + TblParticles + " (particle,iter,val" + it.xdbsql("x") + ") VALUES (?,?,?" + it.xdbsql("?") + ");"
	s1 := "INSERT INTO " + TblParticlesBest + " (particle,iter,best" + it.xdbsql("x") + ") VALUES (?,?,?" + it.xdbsql("?") + ");"
	for _, p := range it.Pop {
		args := []interface{}{p.Id, it.count, p.Val}
		args = append(args, pos2iface(p.Pos())...)
		if _, err := tx.Exec(s0, args...); err != nil {
			tx.Rollback()
			return fmt.Errorf("swarm: update db: %v", err)
		}

		args = []interface{}{p.Id, it.count, p.Best.Val}
		args = append(args, pos2iface(p.Best.Pos())...)
		if _, err := tx.Exec(s1, args...); err != nil {
			tx.Rollback()
			return fmt.Errorf("swarm: update db: %v", err)
		}
	}

	s2 := "INSERT INTO " + TblBest + " (iter,val" + it.xdbsql("x") + ") VALUES (?,?" + it.xdbsql("?") + ");"
	args := []interface{}{it.count, it.best.Val}
	args = append(args, pos2iface(it.best.Pos())...)
	if _, err := tx.Exec(s2, args...); err != nil {
		tx.Rollback()
		return fmt.Errorf("swarm: update db: %v", err)
	}
	return tx.Commit()
}

func pos2iface(pos []float64) []interface{} {
	iface := []interface{}{}
	for _, v := range pos {
		iface = append(iface, v)
	}
	return iface
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func vmaxfrombounds(low, up []float64) []float64 {
	vmax := make([]float64, len(low))
	for i := range vmax {
		// Eberhart et al. suggest (up-low)/2 - removing the divide by two
		// seems to help swarms avoid premature convergence on difficult
		// problems.
		vmax[i] = (up[i] - low[i])
	}
	return vmax
}
