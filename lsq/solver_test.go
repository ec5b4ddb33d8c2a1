package lsq

import (
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/num/quat"

	"github.com/viamrobotics/viam-camodo-calib/geometry"
)

func TestProblemValidation(t *testing.T) {
	p := NewProblem()
	a := p.AddParameterBlock([]float64{1, 2, 3}, nil)
	test.That(t, p.AddParameterBlock(a.Values(), nil), test.ShouldEqual, a)
	test.That(t, p.NumParameterBlocks(), test.ShouldEqual, 1)

	cost := func(params [][]float64, residuals []float64) bool { return true }
	test.That(t, p.AddResidualBlock(0, cost, nil, a), test.ShouldNotBeNil)

	q := p.AddParameterBlock([]float64{1, 0, 0}, Quaternion{})
	test.That(t, p.AddResidualBlock(1, cost, nil, q), test.ShouldNotBeNil)

	x := p.AddParameterBlock([]float64{0}, nil)
	y := p.AddParameterBlock([]float64{0}, nil)
	x.SetEliminated(true)
	y.SetEliminated(true)
	err := p.AddResidualBlock(1, cost, nil, x, y)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "at most one eliminated")
	test.That(t, p.NumResidualBlocks(), test.ShouldEqual, 0)

	_, err = Solve(Options{}, p)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestCurveFit(t *testing.T) {
	// y = exp(m x + c)
	const m, c = 0.3, 0.1
	params := []float64{0, 0}
	p := NewProblem()
	b := p.AddParameterBlock(params, nil)
	for i := 0; i < 50; i++ {
		x := float64(i) / 10
		y := math.Exp(m*x + c)
		test.That(t, p.AddResidualBlock(1, func(ps [][]float64, r []float64) bool {
			r[0] = y - math.Exp(ps[0][0]*x+ps[0][1])
			return true
		}, nil, b), test.ShouldBeNil)
	}

	summary, err := Solve(DefaultOptions(), p)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, summary.FinalCost, test.ShouldBeLessThan, summary.InitialCost)
	test.That(t, summary.FinalCost, test.ShouldBeLessThan, 1e-8)
	test.That(t, params[0], test.ShouldAlmostEqual, m, 1e-4)
	test.That(t, params[1], test.ShouldAlmostEqual, c, 1e-4)
}

func TestRobustLoss(t *testing.T) {
	fit := func(loss Loss) float64 {
		mean := []float64{0}
		p := NewProblem()
		b := p.AddParameterBlock(mean, nil)
		for _, v := range []float64{1, 1.01, 0.99, 1.02, 0.98, 1, 50} {
			v := v
			test.That(t, p.AddResidualBlock(1, func(ps [][]float64, r []float64) bool {
				r[0] = ps[0][0] - v
				return true
			}, loss, b), test.ShouldBeNil)
		}
		opts := DefaultOptions()
		opts.MaxIterations = 100
		_, err := Solve(opts, p)
		test.That(t, err, test.ShouldBeNil)
		return mean[0]
	}

	test.That(t, fit(nil), test.ShouldAlmostEqual, 55.0/7, 1e-3)
	test.That(t, math.Abs(fit(CauchyLoss{Scale: 0.1})-1), test.ShouldBeLessThan, 0.05)
}

func TestConstantBlocks(t *testing.T) {
	x := []float64{5}
	y := []float64{0}
	p := NewProblem()
	bx := p.AddParameterBlock(x, nil)
	by := p.AddParameterBlock(y, nil)
	bx.SetConstant(true)
	test.That(t, bx.IsConstant(), test.ShouldBeTrue)
	test.That(t, p.AddResidualBlock(1, func(ps [][]float64, r []float64) bool {
		r[0] = ps[0][0] - ps[1][0]
		return true
	}, nil, bx, by), test.ShouldBeNil)

	_, err := Solve(DefaultOptions(), p)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, x[0], test.ShouldEqual, 5)
	test.That(t, y[0], test.ShouldAlmostEqual, 5, 1e-6)

	q := NewProblem()
	c := q.AddParameterBlock([]float64{1}, nil)
	c.SetConstant(true)
	test.That(t, q.AddResidualBlock(1, func(ps [][]float64, r []float64) bool {
		r[0] = ps[0][0]
		return true
	}, nil, c), test.ShouldBeNil)
	summary, err := Solve(DefaultOptions(), q)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, summary.Termination, test.ShouldEqual, "no variable parameters")
}

func TestQuaternionManifold(t *testing.T) {
	x := []float64{1, 0, 0, 0}
	dst := make([]float64, 4)
	Quaternion{}.Plus(x, []float64{0, 0, math.Pi / 2}, dst)
	got := geometry.Rotate(QuatFromSlice(dst), r3.Vector{X: 1})
	test.That(t, got.X, test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, got.Y, test.ShouldAlmostEqual, 1, 1e-9)
	test.That(t, quat.Abs(QuatFromSlice(dst)), test.ShouldAlmostEqual, 1, 1e-12)
}

// TestSchurBundle recovers a camera pose from noisy landmark guesses. The landmarks are
// eliminated, the first pose is held constant.
func TestSchurBundle(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	truth := []geometry.Transform{
		geometry.Identity(),
		geometry.NewTransform(geometry.RPYToQuat(0.02, -0.05, 0.1), r3.Vector{X: 0.5, Y: 0.1}),
	}
	type pose struct{ q, t []float64 }
	poses := make([]pose, len(truth))
	for i, tr := range truth {
		poses[i] = pose{q: make([]float64, 4), t: make([]float64, 3)}
		QuatToSlice(tr.Rotation, poses[i].q)
		Vec3ToSlice(tr.Translation, poses[i].t)
	}
	// perturb the second pose
	QuatToSlice(geometry.RPYToQuat(0, 0, 0.05), poses[1].q)
	Vec3ToSlice(r3.Vector{X: 0.45, Y: 0.15, Z: 0.02}, poses[1].t)

	p := NewProblem()
	poseBlocks := make([][2]*ParameterBlock, len(poses))
	for i := range poses {
		poseBlocks[i][0] = p.AddParameterBlock(poses[i].q, Quaternion{})
		poseBlocks[i][1] = p.AddParameterBlock(poses[i].t, nil)
	}
	poseBlocks[0][0].SetConstant(true)
	poseBlocks[0][1].SetConstant(true)

	points := make([][]float64, 40)
	for k := range points {
		w := r3.Vector{X: rng.Float64()*4 - 2, Y: rng.Float64()*4 - 2, Z: 4 + rng.Float64()*4}
		points[k] = []float64{w.X + 0.05*rng.NormFloat64(), w.Y + 0.05*rng.NormFloat64(), w.Z + 0.05*rng.NormFloat64()}
		pb := p.AddParameterBlock(points[k], nil)
		pb.SetEliminated(true)
		for i, tr := range truth {
			c := tr.Inverse().Apply(w)
			u, v := c.X/c.Z, c.Y/c.Z
			test.That(t, p.AddResidualBlock(2, func(ps [][]float64, r []float64) bool {
				world := NewTransformFromSlices(ps[0], ps[1])
				pc := world.Inverse().Apply(Vec3FromSlice(ps[2]))
				if pc.Z <= 0 {
					return false
				}
				r[0] = 300 * (pc.X/pc.Z - u)
				r[1] = 300 * (pc.Y/pc.Z - v)
				return true
			}, CauchyLoss{Scale: 1}, poseBlocks[i][0], poseBlocks[i][1], pb), test.ShouldBeNil)
		}
	}

	opts := DefaultOptions()
	opts.MaxIterations = 50
	summary, err := Solve(opts, p)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, summary.FinalCost, test.ShouldBeLessThan, 1e-3*summary.InitialCost)

	// the reconstruction is only defined up to scale, compare rotation and direction
	got := NewTransformFromSlices(poses[1].q, poses[1].t)
	test.That(t, got.AngleTo(truth[1]), test.ShouldBeLessThan, 0.01)
	dir := got.Translation.Normalize()
	want := truth[1].Translation.Normalize()
	test.That(t, dir.Dot(want), test.ShouldBeGreaterThan, 0.999)
	test.That(t, poses[0].t, test.ShouldResemble, []float64{0, 0, 0})
}
