package sensorbuffer

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"go.viam.com/utils"

	"github.com/viamrobotics/viam-camodo-calib/geometry"
	"github.com/viamrobotics/viam-camodo-calib/sparsegraph"
)

func odo(ts uint64, x float64) sparsegraph.Odometry {
	return sparsegraph.Odometry{Timestamp: ts, X: x}
}

func TestBuffer(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		b := NewBuffer[sparsegraph.Odometry](3)
		test.That(t, b.Empty(), test.ShouldBeTrue)
		_, ok := b.Current()
		test.That(t, ok, test.ShouldBeFalse)
		_, _, ok = b.Straddle(10)
		test.That(t, ok, test.ShouldBeFalse)
	})

	t.Run("ring evicts oldest", func(t *testing.T) {
		b := NewBuffer[sparsegraph.Odometry](3)
		for i := uint64(1); i <= 5; i++ {
			test.That(t, b.Push(odo(i*10, float64(i))), test.ShouldBeTrue)
		}
		test.That(t, b.Len(), test.ShouldEqual, 3)
		oldest, _ := b.Oldest()
		test.That(t, oldest.Timestamp, test.ShouldEqual, 30)
		current, _ := b.Current()
		test.That(t, current.Timestamp, test.ShouldEqual, 50)
		snap := b.Snapshot()
		test.That(t, []uint64{snap[0].Timestamp, snap[1].Timestamp, snap[2].Timestamp},
			test.ShouldResemble, []uint64{30, 40, 50})
	})

	t.Run("ordering", func(t *testing.T) {
		b := NewBuffer[sparsegraph.Odometry](3)
		test.That(t, b.Push(odo(20, 1)), test.ShouldBeTrue)
		test.That(t, b.Push(odo(10, 1)), test.ShouldBeFalse)
		test.That(t, b.Push(odo(20, 2)), test.ShouldBeTrue)
		test.That(t, b.Len(), test.ShouldEqual, 1)
		v, ok := b.Find(20)
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, v.X, test.ShouldEqual, 2)
	})

	t.Run("straddle", func(t *testing.T) {
		b := NewBuffer[sparsegraph.Odometry](10)
		b.Push(odo(10, 1))
		b.Push(odo(20, 2))
		b.Push(odo(30, 3))

		before, after, ok := b.Straddle(25)
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, before.Timestamp, test.ShouldEqual, 20)
		test.That(t, after.Timestamp, test.ShouldEqual, 30)

		before, after, ok = b.Straddle(10)
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, before.Timestamp, test.ShouldEqual, 10)
		test.That(t, after.Timestamp, test.ShouldEqual, 10)

		_, _, ok = b.Straddle(5)
		test.That(t, ok, test.ShouldBeFalse)
		_, _, ok = b.Straddle(31)
		test.That(t, ok, test.ShouldBeFalse)
	})
}

func TestInterpolation(t *testing.T) {
	t.Run("odometry", func(t *testing.T) {
		a := sparsegraph.Odometry{Timestamp: 100, X: 0, Y: 2, Yaw: math.Pi - 0.1}
		b := sparsegraph.Odometry{Timestamp: 200, X: 1, Y: 4, Yaw: -math.Pi + 0.1}
		mid := InterpolateOdometry(a, b, 150)
		test.That(t, mid.Timestamp, test.ShouldEqual, 150)
		test.That(t, mid.X, test.ShouldAlmostEqual, 0.5)
		test.That(t, mid.Y, test.ShouldAlmostEqual, 3)
		// the short way around crosses pi
		test.That(t, math.Abs(mid.Yaw), test.ShouldAlmostEqual, math.Pi, 1e-9)
	})

	t.Run("pose", func(t *testing.T) {
		a := sparsegraph.NewPose(0, geometry.Identity())
		b := sparsegraph.NewPose(10, geometry.NewTransform(
			geometry.RPYToQuat(0, 0, 1), r3.Vector{X: 2, Y: 0, Z: 4}))
		mid := InterpolatePose(a, b, 5)
		test.That(t, mid.Timestamp, test.ShouldEqual, 5)
		test.That(t, mid.Translation.X, test.ShouldAlmostEqual, 1, 1e-6)
		test.That(t, mid.Translation.Z, test.ShouldAlmostEqual, 2, 1e-6)
		_, _, yaw := geometry.QuatToRPY(mid.Rotation)
		test.That(t, yaw, test.ShouldAlmostEqual, 0.5, 1e-6)
	})

	t.Run("lookup caches results", func(t *testing.T) {
		ip := NewOdometryInterpolator(10, nil)
		_, ok := ip.Lookup(15)
		test.That(t, ok, test.ShouldBeFalse)

		ip.Raw().Push(odo(10, 1))
		ip.Raw().Push(odo(20, 3))
		v, ok := ip.Lookup(15)
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, v.X, test.ShouldAlmostEqual, 2)

		// the cached answer survives the raw samples being evicted
		for i := uint64(3); i < 20; i++ {
			ip.Raw().Push(odo(i*10, 0))
		}
		v, ok = ip.Lookup(15)
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, v.X, test.ShouldAlmostEqual, 2)
	})
}

func TestWait(t *testing.T) {
	t.Run("wakes when a straddling sample arrives", func(t *testing.T) {
		ip := NewOdometryInterpolator(10, nil)
		ip.Raw().Push(odo(10, 0))

		result := make(chan sparsegraph.Odometry, 1)
		errs := make(chan error, 1)
		utils.PanicCapturingGo(func() {
			v, err := ip.Wait(context.Background(), 15, 4*time.Second)
			errs <- err
			result <- v
		})
		ip.Raw().Push(odo(20, 10))
		test.That(t, <-errs, test.ShouldBeNil)
		test.That(t, (<-result).X, test.ShouldAlmostEqual, 5)
	})

	t.Run("times out on simulated time", func(t *testing.T) {
		mock := clock.NewMock()
		ip := NewOdometryInterpolator(10, mock)
		ip.Raw().Push(odo(10, 0))

		errs := make(chan error, 1)
		utils.PanicCapturingGo(func() {
			_, err := ip.Wait(context.Background(), 15, 4*time.Second)
			errs <- err
		})

		var err error
		for done := false; !done; {
			select {
			case err = <-errs:
				done = true
			case <-time.After(5 * time.Millisecond):
				mock.Add(500 * time.Millisecond)
			}
		}
		test.That(t, errors.Is(err, ErrInterpolationTimeout), test.ShouldBeTrue)
		test.That(t, mock.Now().Sub(time.Unix(0, 0)), test.ShouldBeGreaterThanOrEqualTo, 4*time.Second)
	})

	t.Run("context cancellation", func(t *testing.T) {
		ip := NewOdometryInterpolator(10, nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := ip.Wait(ctx, 15, time.Minute)
		test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
	})
}
