package memopt

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const errcount = 3

type ErrObj struct {
	count int
}

func (o *ErrObj) Objective(x []float64) (float64, error) {
	o.count++
	if o.count >= errcount {
		return math.Inf(1), errors.New("fake error")
	}
	return 0, nil
}

func TestSerialEvalerErr(t *testing.T) {
	obj := &ErrObj{}
	ev := SerialEvaler{}

	results, n, err := ev.Eval(obj, Point{}, Point{}, Point{}, Point{}, Point{})
	if len(results) != errcount {
		t.Errorf("returned wrong number of results: expected %v, got %v", errcount, len(results))
	}
	if n != errcount {
		t.Errorf("returned wrong evaluation count: expected %v, got %v", errcount, n)
	}
	if err == nil {
		t.Errorf("did not propogate error through return")
	}
}

func TestConcEvaler(t *testing.T) {
	obj := SimpleObjectiver(func(v []float64) float64 { return v[0] * v[0] })
	points := []Point{
		NewPoint([]float64{1}, math.Inf(1)),
		NewPoint([]float64{-2}, math.Inf(1)),
		NewPoint([]float64{3}, math.Inf(1)),
		NewPoint([]float64{0}, math.Inf(1)),
	}

	serial, _, err := SerialEvaler{}.Eval(obj, points...)
	if err != nil {
		t.Fatal(err)
	}
	conc, n, err := ConcEvaler{NConcurrent: 2}.Eval(obj, points...)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(points) {
		t.Errorf("returned wrong evaluation count: expected %v, got %v", len(points), n)
	}

	vals := func(ps []Point) []float64 {
		v := make([]float64, len(ps))
		for i, p := range ps {
			v[i] = p.Val
		}
		return v
	}
	if diff := cmp.Diff(vals(serial), vals(conc)); diff != "" {
		t.Errorf("concurrent results differ from serial (-serial +conc):\n%v", diff)
	}
}

func TestCacheEvaler(t *testing.T) {
	ncalls := 0
	obj := SimpleObjectiver(func(v []float64) float64 {
		ncalls++
		return v[0] * v[0]
	})
	ev := NewCacheEvaler(SerialEvaler{})

	points := []Point{
		NewPoint([]float64{1}, math.Inf(1)),
		NewPoint([]float64{2}, math.Inf(1)),
		NewPoint([]float64{3}, math.Inf(1)),
	}

	results, n, err := ev.Eval(obj, points...)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 || ncalls != 3 {
		t.Errorf("first pass: expected 3 evals, got n=%v ncalls=%v", n, ncalls)
	}

	// same points again - everything should come from the cache in order
	results, n, err = ev.Eval(obj, points...)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 || ncalls != 3 {
		t.Errorf("second pass: expected 0 evals, got n=%v ncalls=%v", n, ncalls)
	}
	if ev.UseCount != 3 {
		t.Errorf("expected 3 cache hits, got %v", ev.UseCount)
	}

	exp := []float64{1, 4, 9}
	for i, p := range results {
		if p.Val != exp[i] {
			t.Errorf("result %v: expected val %v, got %v", i, exp[i], p.Val)
		}
	}
}

func TestPointCopySemantics(t *testing.T) {
	pos := []float64{1, 2, 3}
	p := NewPoint(pos, 0)

	pos[0] = 42
	if p.At(0) != 1 {
		t.Errorf("point position aliases the constructing slice")
	}

	got := p.Pos()
	got[1] = 42
	if p.At(1) != 2 {
		t.Errorf("point position aliases the slice returned from Pos")
	}
}

func TestRandPop(t *testing.T) {
	low := []float64{-2, 0, 10}
	up := []float64{2, 1, 11}

	points := RandPop(17, low, up)
	if len(points) != 17 {
		t.Fatalf("expected 17 points, got %v", len(points))
	}
	for i, p := range points {
		if !math.IsInf(p.Val, 1) {
			t.Errorf("point %v: val initialized to %v, expected +inf", i, p.Val)
		}
		for j := 0; j < p.Len(); j++ {
			if p.At(j) < low[j] || p.At(j) > up[j] {
				t.Errorf("point %v: dim %v=%v outside [%v, %v]", i, j, p.At(j), low[j], up[j])
			}
		}
	}
}
