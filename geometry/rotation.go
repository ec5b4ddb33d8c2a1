package geometry

import (
	"math"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// Normalize returns q scaled to unit norm. The zero quaternion maps to identity.
func Normalize(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/n, q)
}

// Rotate rotates v by the unit quaternion q.
func Rotate(q quat.Number, v r3.Vector) r3.Vector {
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q, p), quat.Conj(q))
	return r3.Vector{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// QuatToMatrix returns the rotation matrix of a unit quaternion.
func QuatToMatrix(q quat.Number) *mat.Dense {
	q = Normalize(q)
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	})
}

// MatrixToQuat converts a rotation matrix into a unit quaternion with a non-negative real part.
func MatrixToQuat(m mat.Matrix) quat.Number {
	m00, m01, m02 := m.At(0, 0), m.At(0, 1), m.At(0, 2)
	m10, m11, m12 := m.At(1, 0), m.At(1, 1), m.At(1, 2)
	m20, m21, m22 := m.At(2, 0), m.At(2, 1), m.At(2, 2)

	var q quat.Number
	trace := m00 + m11 + m22
	switch {
	case trace > 0:
		s := 2 * math.Sqrt(trace+1)
		q = quat.Number{Real: s / 4, Imag: (m21 - m12) / s, Jmag: (m02 - m20) / s, Kmag: (m10 - m01) / s}
	case m00 > m11 && m00 > m22:
		s := 2 * math.Sqrt(1+m00-m11-m22)
		q = quat.Number{Real: (m21 - m12) / s, Imag: s / 4, Jmag: (m01 + m10) / s, Kmag: (m02 + m20) / s}
	case m11 > m22:
		s := 2 * math.Sqrt(1+m11-m00-m22)
		q = quat.Number{Real: (m02 - m20) / s, Imag: (m01 + m10) / s, Jmag: s / 4, Kmag: (m12 + m21) / s}
	default:
		s := 2 * math.Sqrt(1+m22-m00-m11)
		q = quat.Number{Real: (m10 - m01) / s, Imag: (m02 + m20) / s, Jmag: (m12 + m21) / s, Kmag: s / 4}
	}
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	return Normalize(q)
}

// AngleAxisToQuat converts a rotation vector (axis scaled by angle) into a quaternion.
func AngleAxisToQuat(v r3.Vector) quat.Number {
	theta := v.Norm()
	if theta < 1e-12 {
		return Normalize(quat.Number{Real: 1, Imag: v.X / 2, Jmag: v.Y / 2, Kmag: v.Z / 2})
	}
	s := math.Sin(theta/2) / theta
	return quat.Number{Real: math.Cos(theta / 2), Imag: v.X * s, Jmag: v.Y * s, Kmag: v.Z * s}
}

// QuatToAngleAxis returns the rotation vector of q with angle in [0, pi].
func QuatToAngleAxis(q quat.Number) r3.Vector {
	q = Normalize(q)
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	v := r3.Vector{X: q.Imag, Y: q.Jmag, Z: q.Kmag}
	sinHalf := v.Norm()
	if sinHalf < 1e-12 {
		return v.Mul(2)
	}
	theta := 2 * math.Atan2(sinHalf, q.Real)
	return v.Mul(theta / sinHalf)
}

// Angle returns the rotation angle of q in radians.
func Angle(q quat.Number) float64 {
	return QuatToAngleAxis(q).Norm()
}

// RPYToQuat returns the rotation Rz(yaw)*Ry(pitch)*Rx(roll).
func RPYToQuat(roll, pitch, yaw float64) quat.Number {
	ea := &spatialmath.EulerAngles{Roll: roll, Pitch: pitch, Yaw: yaw}
	return Normalize(ea.Quaternion())
}

// QuatToRPY is the inverse of RPYToQuat.
func QuatToRPY(q quat.Number) (roll, pitch, yaw float64) {
	sq := spatialmath.Quaternion(Normalize(q))
	ea := sq.EulerAngles()
	return ea.Roll, ea.Pitch, ea.Yaw
}

// Skew returns the cross product matrix [v]x.
func Skew(v r3.Vector) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		0, -v.Z, v.Y,
		v.Z, 0, -v.X,
		-v.Y, v.X, 0,
	})
}

// NearestRotation projects m onto SO(3) using its singular value decomposition.
func NearestRotation(m mat.Matrix) *mat.Dense {
	var svd mat.SVD
	if !svd.Factorize(m, mat.SVDFull) {
		return QuatToMatrix(quat.Number{Real: 1})
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	var r mat.Dense
	r.Mul(&u, v.T())
	if mat.Det(&r) < 0 {
		d := mat.NewDiagDense(3, []float64{1, 1, -1})
		var ud mat.Dense
		ud.Mul(&u, d)
		r.Mul(&ud, v.T())
	}
	return &r
}

// WrapAngle maps an angle into (-pi, pi].
func WrapAngle(a float64) float64 {
	for a > math.Pi {
		a -= 2 * math.Pi
	}
	for a <= -math.Pi {
		a += 2 * math.Pi
	}
	return a
}
