// Copyright 2026 fusedopt Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package optim

import (
	"errors"
	stdmath "math"
	"testing"

	"github.com/ajroetker/go-highway/hwy"
	"github.com/ajroetker/go-highway/hwy/contrib/workerpool"
)

// ---------- helpers ----------

func almostEqual(a, b, absTol, relTol float64) bool {
	diff := stdmath.Abs(a - b)
	if diff <= absTol {
		return true
	}
	scale := stdmath.Max(stdmath.Abs(a), stdmath.Abs(b))
	return diff <= relTol*scale
}

func checkClose[T hwy.Floats](t *testing.T, name string, got, want []T, absTol, relTol float64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s: length %d, want %d", name, len(got), len(want))
	}
	for i := range got {
		if !almostEqual(float64(got[i]), float64(want[i]), absTol, relTol) {
			t.Fatalf("%s[%d] = %v, want %v", name, i, got[i], want[i])
		}
	}
}

func clone[T any](x []T) []T {
	y := make([]T, len(x))
	copy(y, x)
	return y
}

// makeState builds deterministic test buffers of n elements. Second
// moments are kept non-negative; the running max starts slightly above
// them so both branches of the max are exercised.
func makeState[T hwy.FloatsNative](n int, amsgrad bool) State[T] {
	s := State[T]{
		Param:    make([]T, n),
		Grad:     make([]T, n),
		ExpAvg:   make([]T, n),
		ExpAvgSq: make([]T, n),
	}
	for i := 0; i < n; i++ {
		s.Param[i] = T(stdmath.Sin(float64(i)*0.7) + 0.3)
		s.Grad[i] = T(stdmath.Cos(float64(i)*1.3) * 0.4)
		s.ExpAvg[i] = T(stdmath.Sin(float64(i)*0.4) * 0.05)
		s.ExpAvgSq[i] = T(0.002 + 0.001*float64(i%13))
	}
	if amsgrad {
		s.MaxExpAvgSq = make([]T, n)
		for i := 0; i < n; i++ {
			if i%3 == 0 {
				s.MaxExpAvgSq[i] = s.ExpAvgSq[i] * T(1.5)
			} else {
				s.MaxExpAvgSq[i] = s.ExpAvgSq[i] * T(0.5)
			}
		}
	}
	return s
}

func cloneState[T hwy.Lanes](s State[T]) State[T] {
	return State[T]{
		Param:       clone(s.Param),
		Grad:        clone(s.Grad),
		ExpAvg:      clone(s.ExpAvg),
		ExpAvgSq:    clone(s.ExpAvgSq),
		MaxExpAvgSq: clone(s.MaxExpAvgSq),
	}
}

// refAdamStep is the unfused scalar reference for the native-precision
// path: the same substeps, one at a time, at storage precision, with
// the first-moment bias correction in float64.
func refAdamStep[T hwy.FloatsNative](s State[T], step float64, cfg Config) {
	c := NewStepCoeffs(step, cfg)
	stepSize := T(c.StepSize)
	beta2 := T(c.Beta2)
	mCoeff := T(c.ExpAvgCoeff)
	vCoeff := T(c.ExpAvgSqCoeff)
	biasCorr2Sqrt := T(c.BiasCorr2Sqrt)
	eps := T(c.Eps)
	decay := T(c.WeightDecay)
	lrDecay := T(c.LR) * T(c.WeightDecay)

	for i := range s.Param {
		g := s.Grad[i]
		if cfg.GradScale != nil {
			g = g / T(*cfg.GradScale)
			s.Grad[i] = g
		}
		if cfg.Maximize {
			g = -g
		}
		p := s.Param[i]
		if cfg.WeightDecay != 0 {
			if cfg.Mode == Coupled {
				g = g + p*decay
			} else {
				p = p - lrDecay*p
			}
		}
		m := s.ExpAvg[i]
		m = m + mCoeff*(g-m)
		s.ExpAvg[i] = m
		v := s.ExpAvgSq[i]
		v = v*beta2 + vCoeff*(g*g)
		s.ExpAvgSq[i] = v
		var denom T
		if cfg.AMSGrad {
			vMax := max(s.MaxExpAvgSq[i], v)
			s.MaxExpAvgSq[i] = vMax
			denom = T(stdmath.Sqrt(float64(vMax)))/biasCorr2Sqrt + eps
		} else {
			denom = T(stdmath.Sqrt(float64(v)))/biasCorr2Sqrt + eps
		}
		s.Param[i] = p - stepSize*m/denom
	}
}

func defaultConfig() Config {
	return Config{LR: 0.001, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8}
}

// ---------- reference equivalence ----------

type stepCase struct {
	name   string
	mutate func(*Config)
}

func stepCases() []stepCase {
	scale := float32(65536)
	return []stepCase{
		{"plain", func(c *Config) {}},
		{"coupled_decay", func(c *Config) { c.WeightDecay = 0.02 }},
		{"decoupled_decay", func(c *Config) { c.WeightDecay = 0.02; c.Mode = Decoupled }},
		{"amsgrad", func(c *Config) { c.AMSGrad = true }},
		{"maximize", func(c *Config) { c.Maximize = true }},
		{"grad_scale", func(c *Config) { c.GradScale = &scale }},
		{"everything", func(c *Config) {
			c.WeightDecay = 0.02
			c.Mode = Decoupled
			c.AMSGrad = true
			c.Maximize = true
			c.GradScale = &scale
		}},
	}
}

func testAdamStepVsReference[T hwy.FloatsNative](t *testing.T, absTol, relTol float64) {
	sizes := []int{1, 3, 7, 8, 31, 64, 257}
	for _, tc := range stepCases() {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultConfig()
			tc.mutate(&cfg)
			for _, n := range sizes {
				got := makeState[T](n, cfg.AMSGrad)
				want := cloneState(got)
				if err := AdamStep(nil, got, 3, cfg); err != nil {
					t.Fatalf("n=%d: %v", n, err)
				}
				refAdamStep(want, 3, cfg)
				checkClose(t, "param", got.Param, want.Param, absTol, relTol)
				checkClose(t, "grad", got.Grad, want.Grad, absTol, relTol)
				checkClose(t, "exp_avg", got.ExpAvg, want.ExpAvg, absTol, relTol)
				checkClose(t, "exp_avg_sq", got.ExpAvgSq, want.ExpAvgSq, absTol, relTol)
				if cfg.AMSGrad {
					checkClose(t, "max_exp_avg_sq", got.MaxExpAvgSq, want.MaxExpAvgSq, absTol, relTol)
				}
			}
		})
	}
}

func TestAdamStepVsReferenceFloat32(t *testing.T) {
	testAdamStepVsReference[float32](t, 1e-7, 1e-6)
}

func TestAdamStepVsReferenceFloat64(t *testing.T) {
	testAdamStepVsReference[float64](t, 1e-15, 1e-12)
}

// ---------- concrete scenario ----------

func TestAdamStepConcreteScenario(t *testing.T) {
	cfg := defaultConfig()
	s := State[float32]{
		Param:    []float32{1, 1, 1, 1},
		Grad:     []float32{0.1, 0.2, 0.3, 0.4},
		ExpAvg:   make([]float32, 4),
		ExpAvgSq: make([]float32, 4),
	}
	c := NewStepCoeffs(1, cfg)
	if !almostEqual(c.StepSize, 0.01, 0, 1e-12) {
		t.Fatalf("step size = %v, want 0.01", c.StepSize)
	}
	if err := AdamStep(nil, s, 1, cfg); err != nil {
		t.Fatal(err)
	}
	checkClose(t, "exp_avg", s.ExpAvg, []float32{0.01, 0.02, 0.03, 0.04}, 1e-9, 1e-6)
	checkClose(t, "exp_avg_sq", s.ExpAvgSq, []float32{1e-5, 4e-5, 9e-5, 1.6e-4}, 1e-11, 1e-6)
	for i, g := range []float64{0.1, 0.2, 0.3, 0.4} {
		m := 0.1 * g
		v := 0.001 * g * g
		denom := stdmath.Sqrt(v)/stdmath.Sqrt(0.001) + 1e-8
		want := 1 - 0.01*m/denom
		if !almostEqual(float64(s.Param[i]), want, 1e-7, 1e-6) {
			t.Fatalf("param[%d] = %v, want %v", i, s.Param[i], want)
		}
	}
}

// ---------- individual properties ----------

// A zero weight decay must behave exactly like a trace in which the
// decay branch does not exist, not like multiplying the term by zero.
func TestAdamStepWeightDecayZeroSkips(t *testing.T) {
	cfg := defaultConfig()
	cfg.WeightDecay = 0
	got := makeState[float32](100, false)
	want := cloneState(got)
	if err := AdamStep(nil, got, 2, cfg); err != nil {
		t.Fatal(err)
	}

	// Trace with no decay code at all.
	c := NewStepCoeffs(2, cfg)
	stepSize := float32(c.StepSize)
	beta2 := float32(c.Beta2)
	mCoeff := float32(c.ExpAvgCoeff)
	vCoeff := float32(c.ExpAvgSqCoeff)
	biasCorr2Sqrt := float32(c.BiasCorr2Sqrt)
	eps := float32(c.Eps)
	for i := range want.Param {
		g := want.Grad[i]
		m := want.ExpAvg[i]
		m = m + mCoeff*(g-m)
		want.ExpAvg[i] = m
		v := want.ExpAvgSq[i]
		v = v*beta2 + vCoeff*(g*g)
		want.ExpAvgSq[i] = v
		denom := float32(stdmath.Sqrt(float64(v)))/biasCorr2Sqrt + eps
		want.Param[i] = want.Param[i] - stepSize*m/denom
	}
	for i := range got.Param {
		if got.Param[i] != want.Param[i] || got.ExpAvg[i] != want.ExpAvg[i] || got.ExpAvgSq[i] != want.ExpAvgSq[i] {
			t.Fatalf("element %d diverges from the no-decay trace: param %v/%v exp_avg %v/%v exp_avg_sq %v/%v",
				i, got.Param[i], want.Param[i], got.ExpAvg[i], want.ExpAvg[i], got.ExpAvgSq[i], want.ExpAvgSq[i])
		}
	}
}

func TestAdamStepGradScaleVisibility(t *testing.T) {
	scale := float32(1024)
	cfg := defaultConfig()
	cfg.GradScale = &scale
	s := makeState[float32](50, false)
	orig := clone(s.Grad)
	if err := AdamStep(nil, s, 1, cfg); err != nil {
		t.Fatal(err)
	}
	for i := range s.Grad {
		if want := orig[i] / scale; s.Grad[i] != want {
			t.Fatalf("grad[%d] = %v, want %v (orig %v / %v)", i, s.Grad[i], want, orig[i], scale)
		}
	}
}

func TestAdamStepNoGradScaleLeavesGrad(t *testing.T) {
	s := makeState[float64](50, false)
	orig := clone(s.Grad)
	if err := AdamStep(nil, s, 1, defaultConfig()); err != nil {
		t.Fatal(err)
	}
	for i := range s.Grad {
		if s.Grad[i] != orig[i] {
			t.Fatalf("grad[%d] rewritten without a grad scale", i)
		}
	}
}

func TestAdamStepMaximizeEquivalence(t *testing.T) {
	cfgMax := defaultConfig()
	cfgMax.Maximize = true
	cfgMin := defaultConfig()

	a := makeState[float32](97, false)
	b := cloneState(a)
	for i := range b.Grad {
		b.Grad[i] = -b.Grad[i]
	}
	if err := AdamStep(nil, a, 1, cfgMax); err != nil {
		t.Fatal(err)
	}
	if err := AdamStep(nil, b, 1, cfgMin); err != nil {
		t.Fatal(err)
	}
	for i := range a.Param {
		if a.Param[i] != b.Param[i] || a.ExpAvg[i] != b.ExpAvg[i] || a.ExpAvgSq[i] != b.ExpAvgSq[i] {
			t.Fatalf("element %d: maximize and negated-gradient runs diverge", i)
		}
	}
}

func TestAdamStepAMSGradMonotonic(t *testing.T) {
	cfg := defaultConfig()
	cfg.AMSGrad = true
	s := makeState[float32](64, true)
	for step := 1; step <= 10; step++ {
		before := clone(s.MaxExpAvgSq)
		// Vary the gradient so the second moment rises and falls.
		for i := range s.Grad {
			s.Grad[i] = float32(stdmath.Sin(float64(step*31+i)) * 0.3)
		}
		if err := AdamStep(nil, s, float64(step), cfg); err != nil {
			t.Fatal(err)
		}
		for i := range s.MaxExpAvgSq {
			if s.MaxExpAvgSq[i] < before[i] {
				t.Fatalf("step %d: max_exp_avg_sq[%d] decreased from %v to %v", step, i, before[i], s.MaxExpAvgSq[i])
			}
		}
	}
}

func TestAdamStepEmpty(t *testing.T) {
	if err := AdamStep(nil, State[float32]{}, 1, defaultConfig()); err != nil {
		t.Fatal(err)
	}
	cfg := defaultConfig()
	cfg.AMSGrad = true
	if err := AdamStep(nil, State[float64]{}, 1, cfg); err != nil {
		t.Fatal(err)
	}
}

// A range shorter than one vector width must produce the same values
// the vectorized path produces for the same elements.
func TestAdamStepTailMatchesBatch(t *testing.T) {
	lanes := hwy.MaxLanes[float32]()
	if lanes < 2 {
		t.Skipf("vector width is %d lanes", lanes)
	}
	cfg := defaultConfig()
	cfg.WeightDecay = 0.01

	full := makeState[float32](lanes, false)
	short := State[float32]{
		Param:    clone(full.Param[:lanes-1]),
		Grad:     clone(full.Grad[:lanes-1]),
		ExpAvg:   clone(full.ExpAvg[:lanes-1]),
		ExpAvgSq: clone(full.ExpAvgSq[:lanes-1]),
	}
	if err := AdamStep(nil, full, 1, cfg); err != nil {
		t.Fatal(err)
	}
	if err := AdamStep(nil, short, 1, cfg); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < lanes-1; i++ {
		if short.Param[i] != full.Param[i] || short.ExpAvg[i] != full.ExpAvg[i] || short.ExpAvgSq[i] != full.ExpAvgSq[i] {
			t.Fatalf("element %d: scalar tail and vector batch disagree", i)
		}
	}
}

func TestAdamStepParallelMatchesSerial(t *testing.T) {
	pool := workerpool.New(4)
	defer pool.Close()

	cfg := defaultConfig()
	cfg.AMSGrad = true
	n := MinParallelAdamElems + 1234
	serial := makeState[float32](n, true)
	parallel := cloneState(serial)

	if err := AdamStep(nil, serial, 5, cfg); err != nil {
		t.Fatal(err)
	}
	if err := AdamStep(pool, parallel, 5, cfg); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < n; i++ {
		if serial.Param[i] != parallel.Param[i] ||
			serial.ExpAvg[i] != parallel.ExpAvg[i] ||
			serial.ExpAvgSq[i] != parallel.ExpAvgSq[i] ||
			serial.MaxExpAvgSq[i] != parallel.MaxExpAvgSq[i] {
			t.Fatalf("element %d: parallel run diverges from serial run", i)
		}
	}
}

// ---------- error taxonomy ----------

func TestAdamStepUnsupportedDType(t *testing.T) {
	s := State[int32]{
		Param:    make([]int32, 4),
		Grad:     make([]int32, 4),
		ExpAvg:   make([]int32, 4),
		ExpAvgSq: make([]int32, 4),
	}
	err := AdamStep(nil, s, 1, defaultConfig())
	if !errors.Is(err, ErrUnsupportedDType) {
		t.Fatalf("got %v, want ErrUnsupportedDType", err)
	}
}

func TestAdamStepMissingAMSGradState(t *testing.T) {
	cfg := defaultConfig()
	cfg.AMSGrad = true
	s := makeState[float32](8, false)
	err := AdamStep(nil, s, 1, cfg)
	if !errors.Is(err, ErrMissingState) {
		t.Fatalf("got %v, want ErrMissingState", err)
	}
}

func TestAdamStepSizeMismatchLeavesBuffers(t *testing.T) {
	s := makeState[float32](8, false)
	s.Grad = s.Grad[:5]
	before := cloneState(s)
	err := AdamStep(nil, s, 1, defaultConfig())
	if !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("got %v, want ErrSizeMismatch", err)
	}
	for i := range s.Param {
		if s.Param[i] != before.Param[i] || s.ExpAvg[i] != before.ExpAvg[i] || s.ExpAvgSq[i] != before.ExpAvgSq[i] {
			t.Fatalf("element %d mutated despite the failed size check", i)
		}
	}
	for i := range s.Grad {
		if s.Grad[i] != before.Grad[i] {
			t.Fatalf("grad[%d] mutated despite the failed size check", i)
		}
	}

	cfg := defaultConfig()
	cfg.AMSGrad = true
	s = makeState[float32](8, true)
	s.MaxExpAvgSq = s.MaxExpAvgSq[:3]
	if err := AdamStep(nil, s, 1, cfg); !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("got %v, want ErrSizeMismatch", err)
	}
}
