// Package consensus implements a PROSAC (progressive sample consensus)
// robust estimation loop, decoupled from any particular measurement model.
//
// A Problem supplies hypothesis generation from minimal subsets and
// per-sample residual evaluation.  The engine walks down a quality-ordered
// permutation of the samples, drawing early subsets from a short prefix of
// the best-quality samples and growing the prefix toward the full set as
// iterations proceed, so that it degrades gracefully to uniform random
// sampling when the quality scores carry no signal.
package consensus

import (
	"errors"
	"math"
)

// ErrExhausted is returned when the iteration budget runs out without a
// single viable hypothesis.
var ErrExhausted = errors.New("consensus: no viable hypothesis found")

// Problem is the model being robustly estimated.
type Problem interface {
	// NumSamples reports the total number of samples available.
	NumSamples() int
	// SubsetSize reports the minimal subset size for hypothesis generation.
	SubsetSize() int
	// FitSubset generates a hypothesis from the samples at the given
	// indices, retaining it as the problem's current hypothesis.  It
	// reports false when the subset is degenerate.
	FitSubset(indices []int) bool
	// Residual evaluates the absolute residual of sample i under the
	// current hypothesis.
	Residual(i int) float64
	// Keep snapshots the current hypothesis as the best seen so far.
	Keep()
}

// Rand is the source of randomness for subset selection.  *rand.Rand
// satisfies it; tests substitute a seeded source for repeatable runs.
type Rand interface {
	Intn(n int) int
	Float64() float64
}

// Config are the loop parameters.
type Config struct {
	// Threshold is the residual below which a sample counts as an inlier.
	Threshold float64
	// Confidence is the target probability of having sampled at least one
	// all-inlier subset, in (0,1).  It drives the adaptive budget.
	Confidence float64
	// MaxIterations bounds the loop regardless of confidence.
	MaxIterations int
	// ProgressDelta is the minimum progress advance, in [0,1], between
	// consecutive Progress callbacks.
	ProgressDelta float64
}

// Callbacks are optional lifecycle hooks, all invoked synchronously from
// Run on the calling goroutine.
type Callbacks struct {
	Start     func()
	End       func()
	Iteration func(iter int)
	Progress  func(progress float32)
}

// Result reports the consensus found by Run.
type Result struct {
	// Inliers flags, per sample, membership in the best consensus set.
	Inliers []bool
	// NumInliers is the size of the best consensus set.
	NumInliers int
	// Iterations is the number of iterations actually spent.
	Iterations int
}

// Run executes the PROSAC loop.  order is the sample index permutation in
// descending quality; it is read but never modified.  The problem is left
// holding the best hypothesis (via Keep) when the returned error is nil.
func Run(p Problem, order []int, cfg Config, cb Callbacks, rnd Rand) (Result, error) {
	n := p.NumSamples()
	m := p.SubsetSize()

	if cb.Start != nil {
		cb.Start()
	}

	// PROSAC growth schedule: tN is the expected number of uniform
	// iterations drawing from the first prefixLen samples that would touch
	// a subset of the top prefixLen; growthLimit is its running integer
	// ceiling.  Both follow the recurrence
	// T_{n+1} = T_n * (n+1)/(n+1-m).
	tN := float64(cfg.MaxIterations)
	for i := 0; i < m; i++ {
		tN *= float64(m-i) / float64(n-i)
	}
	prefixLen := m
	growthLimit := 1.0

	subset := make([]int, m)
	inliers := make([]bool, n)
	best := Result{Inliers: make([]bool, n)}
	found := false
	budget := cfg.MaxIterations
	var lastProgress float32

	iter := 0
	for ; iter < budget; iter++ {
		if float64(iter) > growthLimit && prefixLen < n {
			tNext := tN * float64(prefixLen+1) / float64(prefixLen+1-m)
			growthLimit += math.Ceil(tNext - tN)
			tN = tNext
			prefixLen++
		}

		if prefixLen < n {
			// the prefixLen-th ranked sample plus m-1 drawn from the
			// samples ranked above it
			subset[0] = order[prefixLen-1]
			drawDistinct(subset[1:], prefixLen-1, rnd)
			for i, s := range subset[1:] {
				subset[1+i] = order[s]
			}
		} else {
			drawDistinct(subset, n, rnd)
			for i, s := range subset {
				subset[i] = order[s]
			}
		}

		if cb.Iteration != nil {
			cb.Iteration(iter)
		}

		if !p.FitSubset(subset) {
			continue
		}

		count := 0
		for i := 0; i < n; i++ {
			in := p.Residual(i) < cfg.Threshold
			inliers[i] = in
			if in {
				count++
			}
		}
		if count > best.NumInliers {
			copy(best.Inliers, inliers)
			best.NumInliers = count
			found = true
			p.Keep()
			budget = adaptiveBudget(cfg, count, n, m)
		}

		if cb.Progress != nil {
			progress := float32(iter+1) / float32(budget)
			if progress > 1 {
				progress = 1
			}
			if progress-lastProgress >= float32(cfg.ProgressDelta) {
				lastProgress = progress
				cb.Progress(progress)
			}
		}
	}

	best.Iterations = iter
	if cb.End != nil {
		cb.End()
	}
	if !found {
		return best, ErrExhausted
	}
	return best, nil
}

// adaptiveBudget recomputes the iteration budget needed to reach the target
// confidence given the observed inlier ratio.  The budget only shrinks.
func adaptiveBudget(cfg Config, inliers, n, m int) int {
	w := float64(inliers) / float64(n)
	wm := math.Pow(w, float64(m))
	if wm >= 1 {
		return 1
	}
	k := math.Log(1-cfg.Confidence) / math.Log(1-wm)
	if math.IsNaN(k) || k >= float64(cfg.MaxIterations) {
		return cfg.MaxIterations
	}
	if k < 1 {
		return 1
	}
	return int(math.Ceil(k))
}

// drawDistinct fills dst with distinct values in [0,limit).  len(dst) must
// not exceed limit; redraws are rare as long as dst is short relative to
// limit.
func drawDistinct(dst []int, limit int, rnd Rand) {
	for i := range dst {
	redraw:
		v := rnd.Intn(limit)
		for j := 0; j < i; j++ {
			if dst[j] == v {
				goto redraw
			}
		}
		dst[i] = v
	}
}
