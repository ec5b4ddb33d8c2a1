package sensorbuffer

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/rdk/spatialmath"

	"github.com/viamrobotics/viam-camodo-calib/geometry"
	"github.com/viamrobotics/viam-camodo-calib/sparsegraph"
)

// ErrInterpolationTimeout is returned when no straddling samples arrive before the deadline.
var ErrInterpolationTimeout = errors.New("timed out waiting for samples to interpolate")

// LerpFunc interpolates between two samples at a timestamp between them.
type LerpFunc[T Stamped] func(before, after T, timestamp uint64) T

// Interpolator answers interpolated lookups against a Buffer and caches the results by timestamp.
// Several pipelines may share one Interpolator.
type Interpolator[T Stamped] struct {
	raw   *Buffer[T]
	lerp  LerpFunc[T]
	clock clock.Clock

	mu        sync.Mutex
	cache     map[uint64]T
	order     []uint64
	cacheSize int
}

// NewInterpolator returns an interpolator over raw. A nil clock uses the wall clock.
func NewInterpolator[T Stamped](raw *Buffer[T], cacheSize int, lerp LerpFunc[T], clk clock.Clock) *Interpolator[T] {
	if cacheSize <= 0 {
		cacheSize = DefaultCapacity
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Interpolator[T]{
		raw:       raw,
		lerp:      lerp,
		clock:     clk,
		cache:     make(map[uint64]T, cacheSize),
		cacheSize: cacheSize,
	}
}

// Raw returns the underlying sample buffer.
func (ip *Interpolator[T]) Raw() *Buffer[T] { return ip.raw }

// Lookup makes one attempt to produce the sample at ts, first from the cache and then by
// interpolating the raw buffer.
func (ip *Interpolator[T]) Lookup(ts uint64) (T, bool) {
	ip.mu.Lock()
	v, ok := ip.cache[ts]
	ip.mu.Unlock()
	if ok {
		return v, true
	}

	before, after, ok := ip.raw.Straddle(ts)
	if !ok {
		return v, false
	}
	if before.Stamp() == after.Stamp() {
		v = before
	} else {
		v = ip.lerp(before, after, ts)
	}

	ip.mu.Lock()
	defer ip.mu.Unlock()
	if cached, ok := ip.cache[ts]; ok {
		return cached, true
	}
	if len(ip.order) >= ip.cacheSize {
		delete(ip.cache, ip.order[0])
		ip.order = ip.order[1:]
	}
	ip.cache[ts] = v
	ip.order = append(ip.order, ts)
	return v, true
}

// Wait blocks until the sample at ts can be produced, the timeout elapses, or ctx is done.
// No lock is held while waiting.
func (ip *Interpolator[T]) Wait(ctx context.Context, ts uint64, timeout time.Duration) (T, error) {
	deadline := ip.clock.Now().Add(timeout)
	for {
		updated := ip.raw.Updated()
		if v, ok := ip.Lookup(ts); ok {
			return v, nil
		}
		remaining := deadline.Sub(ip.clock.Now())
		if remaining <= 0 {
			var zero T
			return zero, errors.Wrapf(ErrInterpolationTimeout, "timestamp %d after %v", ts, timeout)
		}
		timer := ip.clock.Timer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			var zero T
			return zero, ctx.Err()
		case <-updated:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func fraction(t0, t1, ts uint64) float64 {
	if t1 == t0 {
		return 0
	}
	return float64(ts-t0) / float64(t1-t0)
}

// InterpolateOdometry linearly interpolates position and attitude angles, taking the short way
// around for angles.
func InterpolateOdometry(before, after sparsegraph.Odometry, ts uint64) sparsegraph.Odometry {
	alpha := fraction(before.Timestamp, after.Timestamp, ts)
	lerp := func(a, b float64) float64 { return a + alpha*(b-a) }
	angle := func(a, b float64) float64 { return geometry.WrapAngle(a + alpha*geometry.WrapAngle(b-a)) }
	return sparsegraph.Odometry{
		Timestamp: ts,
		X:         lerp(before.X, after.X),
		Y:         lerp(before.Y, after.Y),
		Z:         lerp(before.Z, after.Z),
		Yaw:       angle(before.Yaw, after.Yaw),
		Pitch:     angle(before.Pitch, after.Pitch),
		Roll:      angle(before.Roll, after.Roll),
	}
}

// InterpolatePose slerps the rotation and linearly interpolates the translation.
func InterpolatePose(before, after sparsegraph.Pose, ts uint64) sparsegraph.Pose {
	alpha := fraction(before.Timestamp, after.Timestamp, ts)
	p := spatialmath.Interpolate(before.Transform.Pose(), after.Transform.Pose(), alpha)
	return sparsegraph.NewPose(ts, geometry.FromPose(p))
}

// NewOdometryInterpolator returns an interpolator for wheel odometry samples.
func NewOdometryInterpolator(capacity int, clk clock.Clock) *Interpolator[sparsegraph.Odometry] {
	return NewInterpolator(NewBuffer[sparsegraph.Odometry](capacity), capacity, InterpolateOdometry, clk)
}

// NewPoseInterpolator returns an interpolator for GPS/INS pose samples.
func NewPoseInterpolator(capacity int, clk clock.Clock) *Interpolator[sparsegraph.Pose] {
	return NewInterpolator(NewBuffer[sparsegraph.Pose](capacity), capacity, InterpolatePose, clk)
}
