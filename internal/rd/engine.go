// Package rd implements the rate-distortion computation engine: FGW
// (fused Gromov-Wasserstein) distortion, the Shannon rate-distortion bound
// for a Gaussian source, and knee-point detection over the accumulated
// curve.
//
// The engine is a pure in-memory computation and never suspends, so it is
// safe to call from latency-sensitive paths. It is NOT safe for concurrent
// mutation of the same series: callers must serialize AddRefinementPoint.
// Reads are safe once a writer releases its handle.
package rd

import (
	"fmt"
	"math"

	"github.com/tracegate/tracegate/pkg/models"
)

// FGWConfig holds the fused distortion parameters. Alpha balances the
// feature term against the structure term; Epsilon/MaxIter/Tol are the
// entropic solver parameters retained for configurability.
type FGWConfig struct {
	Alpha   float64 `json:"alpha" toml:"alpha"`
	Epsilon float64 `json:"epsilon" toml:"epsilon"`
	MaxIter int     `json:"max_iter" toml:"max_iter"`
	Tol     float64 `json:"tol" toml:"tol"`
}

// DefaultFGWConfig returns the balanced default parameters.
func DefaultFGWConfig() FGWConfig {
	return FGWConfig{
		Alpha:   0.5,
		Epsilon: 0.01,
		MaxIter: 100,
		Tol:     1e-6,
	}
}

// Validate checks that Alpha lies in [0,1].
func (c FGWConfig) Validate() error {
	if c.Alpha < 0 || c.Alpha > 1 {
		return fmt.Errorf("%w: alpha %v outside [0,1]", models.ErrInvalidConfig, c.Alpha)
	}
	return nil
}

// Engine accumulates refinement observations into an RD series and
// answers curve queries against it.
type Engine struct {
	config FGWConfig
	series models.RDSeries
}

// NewEngine creates an engine with the given FGW parameters.
// Fails with invalid configuration when alpha is outside [0,1].
func NewEngine(cfg FGWConfig) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{config: cfg}, nil
}

// BindSeries tags the engine's series with a session (and optionally
// trace) so persisted series attribute back to their run.
func (e *Engine) BindSeries(sessionID models.SessionID, traceID models.TraceID) {
	e.series.SessionID = sessionID
	e.series.TraceID = traceID
}

// ── FGW Distortion ──────────────────────────────────────────

// ComputeFGWDistortion combines a feature-space cost matrix and a
// structure-space cost matrix into one scalar distortion:
//
//	distortion = alpha*featureTerm + (1-alpha)*structureTerm
//
// Each term is the transport cost of the uniform product coupling between
// the two compared distributions (rows and columns sum to uniform
// marginals). alpha=0 is purely structural, alpha=1 purely feature-based.
// Both matrices must be rectangular and of identical dimensions.
// Complexity is O(n²) per call; call once per refinement step.
func (e *Engine) ComputeFGWDistortion(featureCost, structureCost [][]float64) (float64, error) {
	if err := e.config.Validate(); err != nil {
		return 0, err
	}
	if err := checkCompatible(featureCost, structureCost); err != nil {
		return 0, err
	}

	featureTerm := uniformCouplingCost(featureCost)
	structureTerm := uniformCouplingCost(structureCost)

	return e.config.Alpha*featureTerm + (1-e.config.Alpha)*structureTerm, nil
}

// checkCompatible validates that both cost matrices are non-empty,
// rectangular, and dimension-matched.
func checkCompatible(a, b [][]float64) error {
	if len(a) == 0 || len(b) == 0 {
		return fmt.Errorf("%w: empty cost matrix", models.ErrInvalidConfig)
	}
	if len(a) != len(b) {
		return fmt.Errorf("%w: matrix row counts differ (%d vs %d)", models.ErrInvalidConfig, len(a), len(b))
	}
	cols := len(a[0])
	if cols == 0 {
		return fmt.Errorf("%w: empty cost matrix row", models.ErrInvalidConfig)
	}
	for i := range a {
		if len(a[i]) != cols || len(b[i]) != cols {
			return fmt.Errorf("%w: ragged cost matrix at row %d", models.ErrInvalidConfig, i)
		}
	}
	return nil
}

// uniformCouplingCost is the transport cost under the independent coupling
// of two uniform marginals: pi_ij = 1/(n*m), cost = sum pi_ij * C_ij.
func uniformCouplingCost(cost [][]float64) float64 {
	n := len(cost)
	m := len(cost[0])
	var total float64
	for i := 0; i < n; i++ {
		for j := 0; j < m; j++ {
			total += cost[i][j]
		}
	}
	return total / float64(n*m)
}

// ── Rate ────────────────────────────────────────────────────

// ComputeRate applies the Shannon rate-distortion bound for a Gaussian
// source: rate = max(0, 0.5*log2(variance/distortion)). Zero distortion
// yields models.RateUnbounded. Variance must be positive and distortion
// non-negative.
func (e *Engine) ComputeRate(distortion, variance float64) (float64, error) {
	if variance <= 0 {
		return 0, fmt.Errorf("%w: variance must be > 0, got %v", models.ErrInvalidConfig, variance)
	}
	if distortion < 0 {
		return 0, fmt.Errorf("%w: distortion must be >= 0, got %v", models.ErrInvalidConfig, distortion)
	}
	if distortion == 0 {
		return models.RateUnbounded, nil
	}
	rate := 0.5 * math.Log2(variance/distortion)
	if rate < 0 {
		return 0, nil
	}
	return rate, nil
}

// ── Series ──────────────────────────────────────────────────

// AddRefinementPoint computes the rate for the observation and appends a
// point with the next step index. The series is an event log: calling
// twice with identical inputs appends two distinct points.
func (e *Engine) AddRefinementPoint(distortion, variance float64) (models.RDPoint, error) {
	rate, err := e.ComputeRate(distortion, variance)
	if err != nil {
		return models.RDPoint{}, err
	}
	p := models.RDPoint{
		Step:       len(e.series.Points),
		Rate:       rate,
		Distortion: distortion,
	}
	e.series.Points = append(e.series.Points, p)
	return p, nil
}

// ComputeCurve appends one point per (distortion, variance) observation
// and returns the accumulated series.
func (e *Engine) ComputeCurve(steps [][2]float64) (models.RDSeries, error) {
	for _, s := range steps {
		if _, err := e.AddRefinementPoint(s[0], s[1]); err != nil {
			return models.RDSeries{}, err
		}
	}
	return e.Series(), nil
}

// Series returns a copy of the accumulated series.
func (e *Engine) Series() models.RDSeries {
	out := models.RDSeries{
		SessionID: e.series.SessionID,
		TraceID:   e.series.TraceID,
		Points:    make([]models.RDPoint, len(e.series.Points)),
	}
	copy(out.Points, e.series.Points)
	return out
}

// Len returns the number of accumulated points.
func (e *Engine) Len() int { return len(e.series.Points) }

// ── Knee Detection ──────────────────────────────────────────

// FindKneePoint returns the point of maximum Menger curvature over the
// accumulated series, interpreted as the optimal operating point. For each
// interior point the curvature of the triangle formed with its neighbors
// in (rate, distortion) space is 4*area/(|AB|*|BC|*|CA|). Ties break to
// the smallest step index, preferring earlier convergence. Fewer than 3
// points is "no knee found", reported via ok=false, not an error. The
// returned point is always present in the series.
func (e *Engine) FindKneePoint() (models.RDPoint, bool) {
	pts := e.series.Points
	if len(pts) < 3 {
		return models.RDPoint{}, false
	}

	bestIdx := -1
	bestCurvature := 0.0
	for i := 1; i < len(pts)-1; i++ {
		c := mengerCurvature(pts[i-1], pts[i], pts[i+1])
		if bestIdx == -1 || c > bestCurvature {
			bestIdx = i
			bestCurvature = c
		}
	}
	return pts[bestIdx], true
}

// mengerCurvature computes 4A/(|AB||BC||CA|) for three points in
// (distortion, rate) space. Degenerate triangles have zero curvature.
// Points with unbounded rate cannot form a finite triangle; treat any
// such triple as flat.
func mengerCurvature(a, b, c models.RDPoint) float64 {
	if math.IsInf(a.Rate, 1) || math.IsInf(b.Rate, 1) || math.IsInf(c.Rate, 1) {
		return 0
	}
	area := 0.5 * math.Abs((b.Distortion-a.Distortion)*(c.Rate-a.Rate)-(c.Distortion-a.Distortion)*(b.Rate-a.Rate))
	dab := math.Hypot(b.Distortion-a.Distortion, b.Rate-a.Rate)
	dbc := math.Hypot(c.Distortion-b.Distortion, c.Rate-b.Rate)
	dca := math.Hypot(a.Distortion-c.Distortion, a.Rate-c.Rate)
	denom := dab * dbc * dca
	if denom == 0 {
		return 0
	}
	return 4 * area / denom
}

// ── Auxiliary Statistics ────────────────────────────────────

// EstimateVariance returns the population variance of data, 0 for empty
// input.
func EstimateVariance(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	var mean float64
	for _, x := range data {
		mean += x
	}
	mean /= float64(len(data))

	var sum float64
	for _, x := range data {
		d := x - mean
		sum += d * d
	}
	return sum / float64(len(data))
}

// ComputeDistortionReduction measures how much a refinement step reduced
// distortion relative to the self-distance of the original, floored at 0.
func (e *Engine) ComputeDistortionReduction(selfFeature, selfStructure, refinedFeature, refinedStructure [][]float64) (float64, error) {
	original, err := e.ComputeFGWDistortion(selfFeature, selfStructure)
	if err != nil {
		return 0, err
	}
	refined, err := e.ComputeFGWDistortion(refinedFeature, refinedStructure)
	if err != nil {
		return 0, err
	}
	if reduction := original - refined; reduction > 0 {
		return reduction, nil
	}
	return 0, nil
}
