package handeye

import (
	"math"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/viamrobotics/viam-camodo-calib/geometry"
)

// odometryAt returns the odometry-to-world transform of a vehicle that wobbles in all three
// axes while driving a curve.
func odometryAt(i int) geometry.Transform {
	f := float64(i)
	rot := geometry.RPYToQuat(0.15*math.Sin(0.7*f), 0.12*math.Cos(0.5*f), 0.2*f)
	pos := r3.Vector{X: 2 * math.Sin(0.2*f), Y: 2 - 2*math.Cos(0.2*f), Z: 0.1 * math.Sin(0.9*f)}
	return geometry.NewTransform(rot, pos)
}

// motions returns the camera and odometry motions of n+1 poses. Camera translations are scaled
// by scale to mimic a monocular reconstruction.
func motions(camOdo geometry.Transform, first, n int, scale float64) ([]geometry.Transform, []geometry.Transform) {
	var camMotions, odoMotions []geometry.Transform
	worldToCam := func(i int) geometry.Transform {
		c := camOdo.Inverse().Mul(odometryAt(i).Inverse())
		c.Translation = c.Translation.Mul(scale)
		return c
	}
	for i := first + 1; i <= first+n; i++ {
		camMotions = append(camMotions, worldToCam(i).Mul(worldToCam(i-1).Inverse()))
		odoMotions = append(odoMotions, odometryAt(i).Inverse().Mul(odometryAt(i-1)))
	}
	return camMotions, odoMotions
}

func TestAddMotionSegment(t *testing.T) {
	c := NewCalibration(10, golog.NewTestLogger(t))
	test.That(t, c.MotionCount(), test.ShouldEqual, 10)
	test.That(t, c.CurrentMotionCount(), test.ShouldEqual, 0)

	cam, odo := motions(geometry.Identity(), 0, 4, 1)
	test.That(t, c.AddMotionSegment(cam, odo[:3]), test.ShouldBeFalse)
	test.That(t, c.AddMotionSegment(nil, nil), test.ShouldBeFalse)
	test.That(t, c.CurrentMotionCount(), test.ShouldEqual, 0)

	test.That(t, c.AddMotionSegment(cam, odo), test.ShouldBeTrue)
	test.That(t, c.CurrentMotionCount(), test.ShouldEqual, 4)
	test.That(t, c.Segments(), test.ShouldHaveLength, 1)

	cam[0] = geometry.Identity()
	test.That(t, c.Segments()[0].Camera[0].AlmostEqual(geometry.Identity(), 1e-9), test.ShouldBeFalse)
}

func TestSolveWithoutMotions(t *testing.T) {
	c := NewCalibration(10, golog.NewTestLogger(t))
	_, err := c.Solve()
	test.That(t, err, test.ShouldBeError, ErrNotEnoughMotions)
}

func TestSolveRecoversTransform(t *testing.T) {
	camOdo := geometry.NewTransform(
		geometry.RPYToQuat(-math.Pi/2, 0.05, -math.Pi/2),
		r3.Vector{X: 0.4, Y: -0.1, Z: 0.8},
	)
	c := NewCalibration(30, golog.NewTestLogger(t))
	cam, odo := motions(camOdo, 0, 15, 0.5)
	test.That(t, c.AddMotionSegment(cam, odo), test.ShouldBeTrue)
	cam, odo = motions(camOdo, 20, 15, 2)
	test.That(t, c.AddMotionSegment(cam, odo), test.ShouldBeTrue)

	got, err := c.Solve()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.AngleTo(camOdo), test.ShouldBeLessThan, 1e-4)
	test.That(t, got.Translation.Sub(camOdo.Translation).Norm(), test.ShouldBeLessThan, 1e-3)
}

func TestSolveStraightLine(t *testing.T) {
	// a camera looking along the direction of travel without rotating only constrains the
	// rotation through the translation direction
	c := NewCalibration(10, golog.NewTestLogger(t))
	var cam, odo []geometry.Transform
	for i := 0; i < 10; i++ {
		odo = append(odo, geometry.NewTransform(geometry.Identity().Rotation, r3.Vector{X: -0.2}))
		cam = append(cam, geometry.NewTransform(geometry.Identity().Rotation, r3.Vector{X: -0.1}))
	}
	test.That(t, c.AddMotionSegment(cam, odo), test.ShouldBeTrue)
	got, err := c.Solve()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, geometry.Angle(got.Rotation), test.ShouldBeLessThan, 1e-6)
	test.That(t, got.IsFinite(), test.ShouldBeTrue)
}

func TestMinNormSolve(t *testing.T) {
	// the z component is unobservable from rotations about z
	var cam, odo []geometry.Transform
	for i := 1; i <= 6; i++ {
		rot := geometry.RPYToQuat(0, 0, 0.3)
		odoMotion := geometry.NewTransform(rot, r3.Vector{X: 0.2, Y: 0.05 * float64(i)})
		x := geometry.NewTransform(geometry.Identity().Rotation, r3.Vector{X: 0.5, Y: 0.2, Z: 1})
		odo = append(odo, odoMotion)
		cam = append(cam, x.Mul(odoMotion).Mul(x.Inverse()))
	}
	segments := []MotionSegment{{Camera: cam, Odometry: odo}}
	translation, scales, err := estimateTranslation(segments, geometry.Identity().Rotation)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, translation.X, test.ShouldAlmostEqual, 0.5, 1e-6)
	test.That(t, translation.Y, test.ShouldAlmostEqual, 0.2, 1e-6)
	test.That(t, translation.Z, test.ShouldAlmostEqual, 0, 1e-6)
	test.That(t, scales[0], test.ShouldAlmostEqual, 1, 1e-6)
}
