package magcal

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/navsense/magcal/geomag"
	"github.com/navsense/magcal/internal/consensus"
)

// calProblem adapts the calibration model to the consensus engine: a
// hypothesis is the ellipsoid fit of a minimal subset, residuals are norm
// discrepancies against the known field.
type calProblem struct {
	meas       []geomag.StandardDeviationBodyMagneticFluxDensity
	norm       float64
	commonAxis bool
	subsetSize int
	initial    params

	cur     hypothesis
	best    hypothesis
	hasBest bool
}

func (p *calProblem) NumSamples() int { return len(p.meas) }
func (p *calProblem) SubsetSize() int { return p.subsetSize }

func (p *calProblem) FitSubset(indices []int) bool {
	pts := make([]geomag.BodyMagneticFluxDensity, len(indices))
	for i, mi := range indices {
		pts[i] = p.meas[mi].Density
	}
	sol, ok := solveSubset(pts, p.norm, p.commonAxis, p.initial)
	if !ok {
		return false
	}
	h, ok := newHypothesis(sol)
	if !ok {
		return false
	}
	p.cur = h
	return true
}

func (p *calProblem) Residual(i int) float64 {
	r := p.cur.residual(p.meas[i].Density, p.norm)
	if r < 0 {
		return -r
	}
	return r
}

func (p *calProblem) Keep() {
	p.best = hypothesis{params: p.cur.params.clone(), inv: p.cur.inv}
	p.hasBest = true
}

// Calibrate runs the PROSAC robust calibration.  It requires Ready and
// rejects re-entrant invocations with ErrLocked.  The calibrator stays
// locked for the duration: listener callbacks run synchronously and any
// mutating call made from inside one fails with ErrLocked.
//
// On success every estimated accessor becomes populated and mutually
// consistent.  On failure all estimated accessors remain unset and the
// returned error wraps ErrCalibrationFailed; for randomized data this is a
// legitimate probabilistic outcome which callers may handle by retrying
// with fresh measurements.
func (c *Calibrator) Calibrate() error {
	if c.running {
		return ErrLocked
	}
	if !c.Ready() {
		return ErrNotReady
	}
	c.running = true
	defer func() { c.running = false }()

	c.est = nil
	c.inlierSet = nil
	c.residuals = nil

	if c.listener != nil {
		c.listener.CalibrateStart(c)
	}

	subsetSize := c.PreliminarySubsetSize()
	if subsetSize > len(c.measurements) {
		subsetSize = len(c.measurements)
	}
	problem := &calProblem{
		meas:       c.measurements,
		norm:       c.norm,
		commonAxis: c.commonAxis,
		subsetSize: subsetSize,
		initial:    c.initialParams(),
	}

	rnd := c.rnd
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	var cb consensus.Callbacks
	if c.listener != nil {
		cb.Iteration = func(iter int) { c.listener.CalibrateNextIteration(c, iter) }
		cb.Progress = func(p float32) { c.listener.CalibrateProgressChange(c, p) }
	}

	res, err := consensus.Run(problem, c.qualityOrder(), consensus.Config{
		Threshold:     c.threshold,
		Confidence:    c.confidence,
		MaxIterations: c.maxIterations,
		ProgressDelta: c.progressDelta,
	}, cb, rnd)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCalibrationFailed, err)
	}

	inliers := make([]int, 0, res.NumInliers)
	for i, in := range res.Inliers {
		if in {
			inliers = append(inliers, i)
		}
	}

	final := problem.best.params
	var covJac *mat.Dense
	var covWeights []float64
	if c.refineResult {
		if refined, jac, weights, ok := refine(c.measurements, inliers, c.norm, final, c.commonAxis); ok {
			final = refined
			if c.keepCovariance {
				covJac, covWeights = jac, weights
			}
		}
	}

	h, ok := newHypothesis(final)
	if !ok {
		return fmt.Errorf("%w: degenerate final estimate", ErrCalibrationFailed)
	}

	est := &estimate{hardIron: final.b, softIron: final.m}
	for _, mi := range inliers {
		r := h.residual(c.measurements[mi].Density, c.norm)
		est.mse += r * r
		if sd := c.measurements[mi].StandardDeviation; sd > 0 {
			est.chiSq += r * r / (sd * sd)
		} else {
			est.chiSq += r * r
		}
	}
	est.mse /= float64(len(inliers))
	if covJac != nil {
		est.covariance = covarianceFromJacobian(covJac, covWeights, c.commonAxis)
	}
	c.est = est

	if c.keepInliers {
		c.inlierSet = res.Inliers
	}
	if c.keepResiduals {
		all := make([]float64, len(c.measurements))
		for i := range c.measurements {
			all[i] = h.residual(c.measurements[i].Density, c.norm)
		}
		c.residuals = all
	}

	if c.listener != nil {
		c.listener.CalibrateEnd(c)
	}
	return nil
}

// initialParams assembles the configured initial guess.
func (c *Calibrator) initialParams() params {
	p := newParams()
	p.b = c.initialHardIron
	p.m.Copy(c.initialSoftIron)
	return p
}

// qualityOrder returns measurement indices sorted by descending quality
// score; ties keep original order so runs are repeatable for a fixed seed.
func (c *Calibrator) qualityOrder() []int {
	order := make([]int, len(c.qualityScores))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return c.qualityScores[order[a]] > c.qualityScores[order[b]]
	})
	return order
}
