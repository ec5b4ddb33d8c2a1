package lsq

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"github.com/viamrobotics/viam-camodo-calib/geometry"
)

// QuatFromSlice reads a quaternion stored as [w, x, y, z].
func QuatFromSlice(s []float64) quat.Number {
	return quat.Number{Real: s[0], Imag: s[1], Jmag: s[2], Kmag: s[3]}
}

// QuatToSlice stores q as [w, x, y, z].
func QuatToSlice(q quat.Number, dst []float64) {
	dst[0], dst[1], dst[2], dst[3] = q.Real, q.Imag, q.Jmag, q.Kmag
}

// Vec3FromSlice reads a 3-vector.
func Vec3FromSlice(s []float64) r3.Vector {
	return vec3(s)
}

// Vec3ToSlice stores v into dst.
func Vec3ToSlice(v r3.Vector, dst []float64) {
	dst[0], dst[1], dst[2] = v.X, v.Y, v.Z
}

func vec3(s []float64) r3.Vector {
	return r3.Vector{X: s[0], Y: s[1], Z: s[2]}
}

func mulQuat(a, b quat.Number) quat.Number {
	return quat.Mul(a, b)
}

// NewTransformFromSlices builds a transform from a [w, x, y, z] rotation block and a translation
// block.
func NewTransformFromSlices(rotation, translation []float64) geometry.Transform {
	return geometry.NewTransform(geometry.Normalize(QuatFromSlice(rotation)), vec3(translation))
}
