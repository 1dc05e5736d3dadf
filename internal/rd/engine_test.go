package rd_test

import (
	"errors"
	"math"
	"testing"

	"github.com/tracegate/tracegate/internal/rd"
	"github.com/tracegate/tracegate/pkg/models"
)

func newTestEngine(t *testing.T, alpha float64) *rd.Engine {
	t.Helper()
	cfg := rd.DefaultFGWConfig()
	cfg.Alpha = alpha
	e, err := rd.NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return e
}

// ─── FGW Distortion ──────────────────────────────────────────

func TestComputeFGWDistortion_ZeroMatrices(t *testing.T) {
	e := newTestEngine(t, 0.5)

	zero := [][]float64{{0, 0}, {0, 0}}
	d, err := e.ComputeFGWDistortion(zero, zero)
	if err != nil {
		t.Fatalf("ComputeFGWDistortion() error = %v", err)
	}
	if d != 0 {
		t.Errorf("ComputeFGWDistortion(zero, zero) = %v, want 0", d)
	}
}

func TestComputeFGWDistortion_AlphaBalance(t *testing.T) {
	feature := [][]float64{{2, 2}, {2, 2}}   // mean cost 2
	structure := [][]float64{{4, 4}, {4, 4}} // mean cost 4

	cases := []struct {
		alpha float64
		want  float64
	}{
		{0, 4},   // purely structural
		{1, 2},   // purely feature-based
		{0.5, 3}, // balanced
	}
	for _, tc := range cases {
		e := newTestEngine(t, tc.alpha)
		d, err := e.ComputeFGWDistortion(feature, structure)
		if err != nil {
			t.Fatalf("ComputeFGWDistortion(alpha=%v) error = %v", tc.alpha, err)
		}
		if math.Abs(d-tc.want) > 1e-12 {
			t.Errorf("ComputeFGWDistortion(alpha=%v) = %v, want %v", tc.alpha, d, tc.want)
		}
	}
}

func TestComputeFGWDistortion_SymmetricInputs(t *testing.T) {
	e := newTestEngine(t, 0.3)

	// Symmetric cost matrices: swapping source and target transposes the
	// matrix, which leaves a symmetric matrix unchanged.
	a := [][]float64{{0, 1}, {1, 0}}
	b := [][]float64{{0, 2}, {2, 0}}

	d1, err := e.ComputeFGWDistortion(a, b)
	if err != nil {
		t.Fatalf("ComputeFGWDistortion() error = %v", err)
	}
	at := transpose(a)
	bt := transpose(b)
	d2, err := e.ComputeFGWDistortion(at, bt)
	if err != nil {
		t.Fatalf("ComputeFGWDistortion(transposed) error = %v", err)
	}
	if d1 != d2 {
		t.Errorf("distortion not symmetric: %v vs %v", d1, d2)
	}
}

func TestComputeFGWDistortion_InvalidInputs(t *testing.T) {
	e := newTestEngine(t, 0.5)

	cases := []struct {
		name      string
		feature   [][]float64
		structure [][]float64
	}{
		{"empty", nil, nil},
		{"row mismatch", [][]float64{{1}}, [][]float64{{1}, {2}}},
		{"ragged", [][]float64{{1, 2}, {3}}, [][]float64{{1, 2}, {3, 4}}},
	}
	for _, tc := range cases {
		if _, err := e.ComputeFGWDistortion(tc.feature, tc.structure); !errors.Is(err, models.ErrInvalidConfig) {
			t.Errorf("%s: error = %v, want ErrInvalidConfig", tc.name, err)
		}
	}
}

func TestNewEngine_InvalidAlpha(t *testing.T) {
	for _, alpha := range []float64{-0.1, 1.1} {
		cfg := rd.DefaultFGWConfig()
		cfg.Alpha = alpha
		if _, err := rd.NewEngine(cfg); !errors.Is(err, models.ErrInvalidConfig) {
			t.Errorf("NewEngine(alpha=%v) error = %v, want ErrInvalidConfig", alpha, err)
		}
	}
}

// ─── Rate ────────────────────────────────────────────────────

func TestComputeRate(t *testing.T) {
	e := newTestEngine(t, 0.5)

	// rate = 0.5 * log2(variance/distortion)
	r, err := e.ComputeRate(1.0, 4.0)
	if err != nil {
		t.Fatalf("ComputeRate() error = %v", err)
	}
	if math.Abs(r-1.0) > 1e-12 {
		t.Errorf("ComputeRate(1, 4) = %v, want 1.0", r)
	}

	// distortion equal to variance → rate 0
	r, err = e.ComputeRate(4.0, 4.0)
	if err != nil {
		t.Fatalf("ComputeRate() error = %v", err)
	}
	if r != 0 {
		t.Errorf("ComputeRate(v, v) = %v, want 0", r)
	}

	// distortion above variance clamps to 0, never negative
	r, err = e.ComputeRate(8.0, 4.0)
	if err != nil {
		t.Fatalf("ComputeRate() error = %v", err)
	}
	if r != 0 {
		t.Errorf("ComputeRate(2v, v) = %v, want 0", r)
	}
}

func TestComputeRate_UnboundedSentinel(t *testing.T) {
	e := newTestEngine(t, 0.5)

	r, err := e.ComputeRate(0, 4.0)
	if err != nil {
		t.Fatalf("ComputeRate(0, v) error = %v", err)
	}
	if !math.IsInf(r, 1) {
		t.Errorf("ComputeRate(0, v) = %v, want unbounded sentinel", r)
	}
}

func TestComputeRate_InvalidInputs(t *testing.T) {
	e := newTestEngine(t, 0.5)

	if _, err := e.ComputeRate(1.0, 0); !errors.Is(err, models.ErrInvalidConfig) {
		t.Errorf("ComputeRate(d, 0) error = %v, want ErrInvalidConfig", err)
	}
	if _, err := e.ComputeRate(1.0, -2.0); !errors.Is(err, models.ErrInvalidConfig) {
		t.Errorf("ComputeRate(d, -v) error = %v, want ErrInvalidConfig", err)
	}
	if _, err := e.ComputeRate(-1.0, 2.0); !errors.Is(err, models.ErrInvalidConfig) {
		t.Errorf("ComputeRate(-d, v) error = %v, want ErrInvalidConfig", err)
	}
}

// ─── Series & Knee ───────────────────────────────────────────

func TestAddRefinementPoint_StepIndices(t *testing.T) {
	e := newTestEngine(t, 0.5)

	// Event log: identical observations append distinct points.
	for i := 0; i < 3; i++ {
		p, err := e.AddRefinementPoint(0.5, 2.0)
		if err != nil {
			t.Fatalf("AddRefinementPoint() error = %v", err)
		}
		if p.Step != i {
			t.Errorf("point %d has Step = %d", i, p.Step)
		}
	}
	if e.Len() != 3 {
		t.Errorf("Len() = %d, want 3", e.Len())
	}
}

func TestFindKneePoint_TooFewPoints(t *testing.T) {
	e := newTestEngine(t, 0.5)

	e.AddRefinementPoint(1.0, 4.0)
	e.AddRefinementPoint(0.5, 4.0)

	if _, ok := e.FindKneePoint(); ok {
		t.Error("FindKneePoint() with 2 points: ok = true, want no knee")
	}
}

func TestFindKneePoint_RefinementScenario(t *testing.T) {
	e := newTestEngine(t, 0.5)

	// Three refinement steps with variance 4.0: rates follow
	// 0.5*log2(4/d) for distortions 1.0, 0.5, 0.48.
	wantRates := []float64{1.0, 1.5, 1.5294468445267844}
	for i, d := range []float64{1.0, 0.5, 0.48} {
		p, err := e.AddRefinementPoint(d, 4.0)
		if err != nil {
			t.Fatalf("AddRefinementPoint(%v) error = %v", d, err)
		}
		if math.Abs(p.Rate-wantRates[i]) > 1e-9 {
			t.Errorf("step %d rate = %v, want %v", i, p.Rate, wantRates[i])
		}
	}

	// A fourth point at 0.47 puts the sharpest bend at step 2.
	if _, err := e.AddRefinementPoint(0.47, 4.0); err != nil {
		t.Fatalf("AddRefinementPoint() error = %v", err)
	}
	knee, ok := e.FindKneePoint()
	if !ok {
		t.Fatal("FindKneePoint() found no knee")
	}
	if knee.Step != 2 {
		t.Errorf("knee at step %d, want 2", knee.Step)
	}
}

func TestFindKneePoint_Deterministic(t *testing.T) {
	e := newTestEngine(t, 0.5)
	for _, d := range []float64{1.0, 0.5, 0.25, 0.1} {
		e.AddRefinementPoint(d, 2.0)
	}

	first, ok := e.FindKneePoint()
	if !ok {
		t.Fatal("FindKneePoint() found no knee")
	}
	for i := 0; i < 5; i++ {
		again, ok := e.FindKneePoint()
		if !ok || again != first {
			t.Fatalf("FindKneePoint() call %d = (%+v, %v), want (%+v, true)", i, again, ok, first)
		}
	}

	// The knee is a point present in the series, never synthesized.
	found := false
	for _, p := range e.Series().Points {
		if p == first {
			found = true
		}
	}
	if !found {
		t.Errorf("knee %+v not present in series", first)
	}
}

func TestFindKneePoint_TieBreaksEarliest(t *testing.T) {
	e := newTestEngine(t, 0.5)

	// Repeated observations produce zero-length triangle sides, so every
	// interior point has curvature 0: a full tie. Earliest step must win.
	for _, d := range []float64{4.0, 2.0, 2.0, 1.0, 1.0} {
		if _, err := e.AddRefinementPoint(d, 4.0); err != nil {
			t.Fatalf("AddRefinementPoint() error = %v", err)
		}
	}
	knee, ok := e.FindKneePoint()
	if !ok {
		t.Fatal("FindKneePoint() found no knee")
	}
	if knee.Step != 1 {
		t.Errorf("knee at step %d, want earliest tied step 1", knee.Step)
	}
}

// ─── Auxiliary ───────────────────────────────────────────────

func TestEstimateVariance(t *testing.T) {
	if v := rd.EstimateVariance(nil); v != 0 {
		t.Errorf("EstimateVariance(nil) = %v, want 0", v)
	}
	if v := rd.EstimateVariance([]float64{3, 3, 3}); v != 0 {
		t.Errorf("EstimateVariance(constant) = %v, want 0", v)
	}
	// Population variance of {1, 3} is 1.
	if v := rd.EstimateVariance([]float64{1, 3}); math.Abs(v-1) > 1e-12 {
		t.Errorf("EstimateVariance({1,3}) = %v, want 1", v)
	}
}

func TestComputeDistortionReduction(t *testing.T) {
	e := newTestEngine(t, 0.5)

	self := [][]float64{{0, 0}, {0, 0}}
	refined := [][]float64{{1, 1}, {1, 1}}

	// Self-distance 0, refined distance 1 → no positive reduction.
	r, err := e.ComputeDistortionReduction(self, self, refined, refined)
	if err != nil {
		t.Fatalf("ComputeDistortionReduction() error = %v", err)
	}
	if r != 0 {
		t.Errorf("ComputeDistortionReduction() = %v, want 0 floor", r)
	}
}

func transpose(m [][]float64) [][]float64 {
	out := make([][]float64, len(m[0]))
	for i := range out {
		out[i] = make([]float64, len(m))
		for j := range m {
			out[i][j] = m[j][i]
		}
	}
	return out
}
