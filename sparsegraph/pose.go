// Package sparsegraph holds the frame and feature graph shared by the tracker, the windowed
// estimator and the acquisition pipeline.
package sparsegraph

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"github.com/viamrobotics/viam-camodo-calib/geometry"
)

// Odometry is a planar or full 3D vehicle pose reported by the proprioceptive sensor.
// Angles are in radians; the attitude is Rz(Yaw)*Ry(Pitch)*Rx(Roll).
type Odometry struct {
	Timestamp uint64
	X         float64
	Y         float64
	Z         float64
	Yaw       float64
	Pitch     float64
	Roll      float64
}

// Stamp returns the sample timestamp.
func (o Odometry) Stamp() uint64 { return o.Timestamp }

// Position returns the translation component.
func (o Odometry) Position() r3.Vector {
	return r3.Vector{X: o.X, Y: o.Y, Z: o.Z}
}

// Attitude returns the rotation as a unit quaternion.
func (o Odometry) Attitude() quat.Number {
	return geometry.RPYToQuat(o.Roll, o.Pitch, o.Yaw)
}

// Transform returns the odometry-to-world transform.
func (o Odometry) Transform() geometry.Transform {
	return geometry.Transform{Rotation: o.Attitude(), Translation: o.Position()}
}

// OdometryFromTransform builds an odometry sample from an odometry-to-world transform.
func OdometryFromTransform(timestamp uint64, t geometry.Transform) Odometry {
	roll, pitch, yaw := geometry.QuatToRPY(t.Rotation)
	return Odometry{
		Timestamp: timestamp,
		X:         t.Translation.X,
		Y:         t.Translation.Y,
		Z:         t.Translation.Z,
		Yaw:       yaw,
		Pitch:     pitch,
		Roll:      roll,
	}
}

// Pose is a timestamped rigid transform. It is used for GPS/INS samples and for camera poses,
// where it maps world coordinates into the camera frame.
type Pose struct {
	Timestamp uint64
	geometry.Transform
}

// Stamp returns the sample timestamp.
func (p Pose) Stamp() uint64 { return p.Timestamp }

// NewPose returns a pose at the given time.
func NewPose(timestamp uint64, t geometry.Transform) Pose {
	return Pose{Timestamp: timestamp, Transform: t}
}
