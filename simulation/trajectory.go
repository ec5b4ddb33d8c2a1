package simulation

import (
	"math"
	"sort"

	"github.com/golang/geo/r3"

	"github.com/viamrobotics/viam-camodo-calib/geometry"
	"github.com/viamrobotics/viam-camodo-calib/sensorbuffer"
	"github.com/viamrobotics/viam-camodo-calib/sparsegraph"
)

// Trajectory is a vehicle path sampled at a fixed interval. Timestamps are in microseconds.
type Trajectory struct {
	Samples []sparsegraph.Odometry
}

// Straight drives n samples along the world x axis, step apart.
func Straight(n int, step float64, start, interval uint64) *Trajectory {
	return Arc(n, step, 0, start, interval)
}

// Arc drives n samples, step apart, turning by yawRate radians per sample.
func Arc(n int, step, yawRate float64, start, interval uint64) *Trajectory {
	traj := &Trajectory{Samples: make([]sparsegraph.Odometry, n)}
	var pos r3.Vector
	yaw := 0.0
	for i := 0; i < n; i++ {
		traj.Samples[i] = sparsegraph.Odometry{
			Timestamp: start + uint64(i)*interval,
			X:         pos.X,
			Y:         pos.Y,
			Yaw:       yaw,
		}
		pos = pos.Add(r3.Vector{X: step * math.Cos(yaw), Y: step * math.Sin(yaw)})
		yaw = geometry.WrapAngle(yaw + yawRate)
	}
	return traj
}

// Wobble adds a periodic roll and pitch, making every rotation axis observable.
func (t *Trajectory) Wobble(amplitude, period float64) *Trajectory {
	for i := range t.Samples {
		phase := 2 * math.Pi * float64(i) / period
		t.Samples[i].Roll = amplitude * math.Sin(phase)
		t.Samples[i].Pitch = amplitude * math.Cos(1.3*phase)
	}
	return t
}

// At returns the interpolated sample at ts, the way the acquisition pipeline interpolates
// odometry.
func (t *Trajectory) At(ts uint64) (sparsegraph.Odometry, bool) {
	n := len(t.Samples)
	if n == 0 || ts < t.Samples[0].Timestamp || ts > t.Samples[n-1].Timestamp {
		return sparsegraph.Odometry{}, false
	}
	i := sort.Search(n, func(i int) bool { return t.Samples[i].Timestamp >= ts })
	if t.Samples[i].Timestamp == ts {
		return t.Samples[i], true
	}
	return sensorbuffer.InterpolateOdometry(t.Samples[i-1], t.Samples[i], ts), true
}

// Truth returns the odometry-to-world transform at ts.
func (t *Trajectory) Truth(ts uint64) (geometry.Transform, bool) {
	o, ok := t.At(ts)
	if !ok {
		return geometry.Transform{}, false
	}
	return o.Transform(), true
}

// GPSINS returns the samples as GPS/INS poses, undoing the axis change the acquisition
// pipeline applies to GPS/INS data. Only planar trajectories survive the round trip.
func (t *Trajectory) GPSINS() []sparsegraph.Pose {
	poses := make([]sparsegraph.Pose, len(t.Samples))
	for i, o := range t.Samples {
		poses[i] = sparsegraph.NewPose(o.Timestamp, geometry.NewTransform(
			geometry.RPYToQuat(0, 0, -o.Yaw),
			r3.Vector{X: -o.Y, Y: o.X, Z: o.Z},
		))
	}
	return poses
}
