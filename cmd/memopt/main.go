// Command memopt runs repeated optimization trials of a benchmark function
// and reports the success rate, optionally with periodic gradient refinement
// layered on the swarm.
package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"time"

	"github.com/rwcarlsen/memopt"
	"github.com/rwcarlsen/memopt/bench"
	"github.com/rwcarlsen/memopt/fdiff"
	"github.com/rwcarlsen/memopt/memetic"
	"github.com/rwcarlsen/memopt/swarm"
)

var (
	fnname  = flag.String("fn", "Ackley", "benchmark function to optimize")
	ntrials = flag.Int("trials", 20, "number of independent trials")
	maxeval = flag.Int("maxeval", 50000, "objective evaluation budget per trial")
	maxiter = flag.Int("maxiter", 1000, "iteration budget per trial")
	hybrid  = flag.Bool("hybrid", true, "refine elites with finite-difference gradient descent")
	period  = flag.Int("period", memetic.DefaultPeriod, "iterations between refinement passes")
	seed    = flag.Int64("seed", 0, "random seed (0 seeds from the clock)")
)

func main() {
	flag.Parse()

	if *seed == 0 {
		*seed = time.Now().Unix()
	}
	memopt.Rand = rand.New(rand.NewSource(*seed))

	fn := lookup(*fnname)
	optimum := fn.Optima()[0].Val

	nsuccess := 0
	for trial := 0; trial < *ntrials; trial++ {
		it := buildIter(fn)
		best, niter, neval, err := bench.Benchmark(it, fn, .01, *maxeval, *maxiter)
		if err != nil {
			log.Fatalf("trial %v failed: %v", trial, err)
		}

		thresh := math.Abs(optimum * .01)
		if thresh < 0.001 {
			thresh = 0.001
		}
		if math.Abs(best.Val-optimum) < thresh {
			nsuccess++
			fmt.Printf("trial %v succeeded (%v evals, %v iters): got %v, optimum is %v\n",
				trial, neval, niter, best.Val, optimum)
		} else {
			fmt.Printf("trial %v failed (%v evals, %v iters): got %v, optimum is %v\n",
				trial, neval, niter, best.Val, optimum)
		}
	}
	fmt.Printf("%v%% succeeded\n", float64(nsuccess)/float64(*ntrials)*100)
}

func lookup(name string) bench.Func {
	for _, fn := range bench.AllFuncs {
		if fn.Name() == name {
			return fn
		}
	}
	names := make([]string, 0, len(bench.AllFuncs))
	for _, fn := range bench.AllFuncs {
		names = append(names, fn.Name())
	}
	log.Fatalf("unknown benchmark function %q (have %v)", name, names)
	return nil
}

func buildIter(fn bench.Func) memopt.Iterator {
	low, up := fn.Bounds()

	n := 30 + len(low)
	pop := swarm.NewPopulationBox(n, low, up)
	swit, err := swarm.NewIterator(nil, pop, swarm.VmaxBounds(low, up))
	if err != nil {
		log.Fatal(err)
	}
	if !*hybrid {
		return swit
	}

	grad := &fdiff.Estimator{Obj: memopt.SimpleObjectiver(fn.Eval)}
	hit, err := memetic.NewIterator(swit, grad, memetic.Period(*period))
	if err != nil {
		log.Fatal(err)
	}
	return hit
}
