// Package geometry implements rigid body transforms shared by the calibration packages.
package geometry

import (
	"math"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// Transform is a rigid transform p' = R*p + t, with R stored as a unit quaternion.
type Transform struct {
	Rotation    quat.Number
	Translation r3.Vector
}

// Identity returns the identity transform.
func Identity() Transform {
	return Transform{Rotation: quat.Number{Real: 1}}
}

// NewTransform returns a transform with a normalized copy of the given rotation.
func NewTransform(rotation quat.Number, translation r3.Vector) Transform {
	return Transform{Rotation: Normalize(rotation), Translation: translation}
}

// FromRotationTranslation builds a transform from a 3x3 rotation matrix and a translation.
func FromRotationTranslation(rotation mat.Matrix, translation r3.Vector) Transform {
	return Transform{Rotation: MatrixToQuat(rotation), Translation: translation}
}

// FromMatrix builds a transform from a 4x4 (or 3x4) homogeneous matrix.
func FromMatrix(m mat.Matrix) Transform {
	rot := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rot.Set(i, j, m.At(i, j))
		}
	}
	return FromRotationTranslation(rot, r3.Vector{X: m.At(0, 3), Y: m.At(1, 3), Z: m.At(2, 3)})
}

// FromPose converts an rdk pose into a transform.
func FromPose(p spatialmath.Pose) Transform {
	return NewTransform(p.Orientation().Quaternion(), p.Point())
}

// Apply maps a point through the transform.
func (t Transform) Apply(p r3.Vector) r3.Vector {
	return Rotate(t.Rotation, p).Add(t.Translation)
}

// Mul returns the composition t*o, which applies o first and then t.
func (t Transform) Mul(o Transform) Transform {
	return Transform{
		Rotation:    Normalize(quat.Mul(t.Rotation, o.Rotation)),
		Translation: Rotate(t.Rotation, o.Translation).Add(t.Translation),
	}
}

// Inverse returns the inverse transform.
func (t Transform) Inverse() Transform {
	inv := quat.Conj(Normalize(t.Rotation))
	return Transform{Rotation: inv, Translation: Rotate(inv, t.Translation).Mul(-1)}
}

// RotationMatrix returns R as a 3x3 matrix.
func (t Transform) RotationMatrix() *mat.Dense {
	return QuatToMatrix(t.Rotation)
}

// Matrix returns the 4x4 homogeneous matrix of the transform.
func (t Transform) Matrix() *mat.Dense {
	m := mat.NewDense(4, 4, nil)
	m.Slice(0, 3, 0, 3).(*mat.Dense).Copy(t.RotationMatrix())
	m.Set(0, 3, t.Translation.X)
	m.Set(1, 3, t.Translation.Y)
	m.Set(2, 3, t.Translation.Z)
	m.Set(3, 3, 1)
	return m
}

// Pose converts the transform into an rdk pose.
func (t Transform) Pose() spatialmath.Pose {
	q := spatialmath.Quaternion(Normalize(t.Rotation))
	return spatialmath.NewPose(t.Translation, &q)
}

// AngleTo returns the rotation angle in radians between t and o.
func (t Transform) AngleTo(o Transform) float64 {
	return Angle(quat.Mul(quat.Conj(t.Rotation), o.Rotation))
}

// AlmostEqual reports whether both rotation angle and translation differ by less than eps.
func (t Transform) AlmostEqual(o Transform, eps float64) bool {
	return t.AngleTo(o) < eps && t.Translation.Sub(o.Translation).Norm() < eps
}

// IsFinite reports whether every component of the transform is a finite number.
func (t Transform) IsFinite() bool {
	for _, v := range []float64{
		t.Rotation.Real, t.Rotation.Imag, t.Rotation.Jmag, t.Rotation.Kmag,
		t.Translation.X, t.Translation.Y, t.Translation.Z,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
