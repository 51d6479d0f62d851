package memetic

import (
	"database/sql"
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	_ "github.com/mattn/go-sqlite3"

	"github.com/rwcarlsen/memopt"
	"github.com/rwcarlsen/memopt/swarm"
)

func sphere(v []float64) float64 {
	tot := 0.0
	for _, x := range v {
		tot += x * x
	}
	return tot
}

func sphereGrad(v []float64) []float64 {
	g := make([]float64, len(v))
	for i, x := range v {
		g[i] = 2 * x
	}
	return g
}

// countGrad wraps a gradient function and counts calls.
type countGrad struct {
	calls int
	fn    func([]float64) []float64
}

func (g *countGrad) Gradient(x []float64) ([]float64, int, error) {
	g.calls++
	return g.fn(x), 0, nil
}

func newSwarm(t *testing.T, seed int64, n, ndims int) *swarm.Iterator {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	pop, err := swarm.NewPopulationRand(n, ndims, 3, 0.5, rng)
	if err != nil {
		t.Fatal(err)
	}
	it, err := swarm.NewIterator(nil, pop, swarm.Rng(rng))
	if err != nil {
		t.Fatal(err)
	}
	return it
}

func zeros(v []float64) []float64 { return make([]float64, len(v)) }

func TestConstructErrs(t *testing.T) {
	if _, err := NewIterator(nil, nil); err == nil {
		t.Errorf("nil inner iterator did not fail construction")
	}
	if _, err := NewIterator(newSwarm(t, 1, 5, 2), nil, Period(-1)); err == nil {
		t.Errorf("negative period did not fail construction")
	}
}

// TestGating checks that with the default period of 10, nine iterations
// perform zero refinements and the tenth performs exactly one pass.
func TestGating(t *testing.T) {
	grad := &countGrad{fn: zeros}
	it, err := NewIterator(newSwarm(t, 1, 10, 2), grad)
	if err != nil {
		t.Fatal(err)
	}

	obj := memopt.SimpleObjectiver(sphere)
	for i := 0; i < 9; i++ {
		if _, _, err := it.Iterate(obj, nil); err != nil {
			t.Fatal(err)
		}
	}
	if it.Count() != 9 {
		t.Errorf("after 9 calls, count is %v", it.Count())
	}
	if grad.calls != 0 {
		t.Errorf("refinement ran before the period elapsed: %v gradient calls", grad.calls)
	}

	if _, _, err := it.Iterate(obj, nil); err != nil {
		t.Fatal(err)
	}
	// one pass = Elites particles x Steps gradient calls
	if want := DefaultElites * DefaultSteps; grad.calls != want {
		t.Errorf("10th call: expected %v gradient calls, got %v", want, grad.calls)
	}
}

func TestRefinementDisabled(t *testing.T) {
	cases := []struct {
		name string
		grad memopt.Gradienter
		opts []Option
	}{
		{"nil gradient", nil, nil},
		{"zero period", &countGrad{fn: zeros}, []Option{Period(0)}},
		{"zero steps", &countGrad{fn: zeros}, []Option{Period(1), Steps(0)}},
		{"zero elites", &countGrad{fn: zeros}, []Option{Period(1), Elites(0)}},
	}

	for _, c := range cases {
		it, err := NewIterator(newSwarm(t, 2, 6, 2), c.grad, c.opts...)
		if err != nil {
			t.Fatal(err)
		}

		obj := memopt.SimpleObjectiver(sphere)
		for i := 0; i < 12; i++ {
			if _, _, err := it.Iterate(obj, nil); err != nil {
				t.Fatal(err)
			}
		}

		if it.Count() != 12 {
			t.Errorf("%v: count is %v, expected 12", c.name, it.Count())
		}
		if g, ok := c.grad.(*countGrad); ok && g.calls != 0 {
			t.Errorf("%v: refinement ran anyway (%v gradient calls)", c.name, g.calls)
		}
	}
}

// TestZeroGradNoop checks that a gradient function that always returns the
// zero vector never changes any particle: the hybrid trajectory is
// bit-identical to an identically seeded plain swarm.
func TestZeroGradNoop(t *testing.T) {
	obj := memopt.SimpleObjectiver(sphere)

	plain := newSwarm(t, 5, 8, 2)
	hybrid, err := NewIterator(newSwarm(t, 5, 8, 2), &countGrad{fn: zeros}, Period(2))
	if err != nil {
		t.Fatal(err)
	}

	ptraj := [][]float64{}
	htraj := [][]float64{}
	for i := 0; i < 20; i++ {
		pb, _, err := plain.Iterate(obj, nil)
		if err != nil {
			t.Fatal(err)
		}
		hb, _, err := hybrid.Iterate(obj, nil)
		if err != nil {
			t.Fatal(err)
		}
		ptraj = append(ptraj, append(pb.Pos(), pb.Val))
		htraj = append(htraj, append(hb.Pos(), hb.Val))
	}

	if diff := cmp.Diff(ptraj, htraj); diff != "" {
		t.Errorf("zero-gradient refinement altered the swarm (-plain +hybrid):\n%v", diff)
	}
}

// TestMonotonic checks refinement safety: across hybrid iterations the global
// best never regresses, and it always dominates every personal best.
func TestMonotonic(t *testing.T) {
	grad := memopt.SimpleGradienter(sphereGrad)
	it, err := NewIterator(newSwarm(t, 9, 10, 2), grad, Period(2), LearnRate(0.1))
	if err != nil {
		t.Fatal(err)
	}

	obj := memopt.SimpleObjectiver(sphere)
	prevbest := math.Inf(1)
	for i := 0; i < 100; i++ {
		best, _, err := it.Iterate(obj, nil)
		if err != nil {
			t.Fatal(err)
		}
		if best.Val > prevbest {
			t.Fatalf("iter %v: global best regressed from %v to %v", i+1, prevbest, best.Val)
		}
		prevbest = best.Val

		for _, p := range it.Pop {
			if p.Best.Val < best.Val {
				t.Fatalf("iter %v: particle %v personal best %v beats global best %v", i+1, p.Id, p.Best.Val, best.Val)
			}
		}
	}

	if it.Best().Val >= 1e-3 {
		t.Errorf("after 100 hybrid iters on the sphere, best is %v, expected < 1e-3", it.Best().Val)
	} else {
		t.Logf("converged: best %v at %v", it.Best().Val, it.Best().Pos())
	}
}

// TestAccept checks that a committed refinement zeroes the particle's
// velocity and propagates the improvement to the global best.
func TestAccept(t *testing.T) {
	grad := memopt.SimpleGradienter(sphereGrad)
	it, err := NewIterator(newSwarm(t, 4, 1, 2), grad,
		Period(1), Elites(1), Steps(1), LearnRate(0.05))
	if err != nil {
		t.Fatal(err)
	}

	obj := memopt.SimpleObjectiver(sphere)
	if _, _, err := it.Iterate(obj, nil); err != nil {
		t.Fatal(err)
	}

	p := it.Pop[0]
	for i, v := range p.Vel {
		if v != 0 {
			t.Errorf("velocity dim %v=%v, expected zero after accepted refinement", i, v)
		}
	}
	if !math.IsInf(p.Val, 0) && it.Best().Val > p.Val {
		t.Errorf("global best %v worse than refined particle value %v", it.Best().Val, p.Val)
	}
}

func TestGradDimMismatch(t *testing.T) {
	grad := &countGrad{fn: func(v []float64) []float64 { return []float64{0} }}
	it, err := NewIterator(newSwarm(t, 6, 5, 3), grad, Period(1))
	if err != nil {
		t.Fatal(err)
	}

	obj := memopt.SimpleObjectiver(sphere)
	if _, _, err := it.Iterate(obj, nil); err == nil {
		t.Errorf("wrong-length gradient did not surface an error")
	}
}

func TestNonfiniteCandidateRejected(t *testing.T) {
	// a huge step size launches refined candidates far outside the region
	// where the objective is finite
	obj := memopt.SimpleObjectiver(func(v []float64) float64 {
		if math.Abs(v[0]) > 100 {
			return math.Inf(1)
		}
		return sphere(v)
	})
	grad := memopt.SimpleGradienter(func(v []float64) []float64 {
		g := make([]float64, len(v))
		for i := range g {
			g[i] = 1e9
		}
		return g
	})

	it, err := NewIterator(newSwarm(t, 8, 4, 2), grad, Period(1))
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		if _, _, err := it.Iterate(obj, nil); err != nil {
			t.Fatal(err)
		}
	}
	for _, p := range it.Pop {
		if math.Abs(p.At(0)) > 100 {
			t.Errorf("particle %v committed to a non-finite region at %v", p.Id, p.Pos())
		}
	}
}

func TestRefineDb(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	grad := memopt.SimpleGradienter(sphereGrad)
	it, err := NewIterator(newSwarm(t, 10, 6, 2), grad, Period(1), DB(db))
	if err != nil {
		t.Fatal(err)
	}

	obj := memopt.SimpleObjectiver(sphere)
	for i := 0; i < 3; i++ {
		if _, _, err := it.Iterate(obj, nil); err != nil {
			t.Fatal(err)
		}
	}

	var count int
	err = db.QueryRow("SELECT COUNT(*) FROM " + TblRefines).Scan(&count)
	if err != nil {
		t.Errorf("%v table query failed: %v", TblRefines, err)
	} else if count == 0 {
		t.Errorf("%v table has no rows", TblRefines)
	}
}
