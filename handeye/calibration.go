// Package handeye accumulates paired camera and odometry motions and solves for the rigid
// transform between the two sensors.
package handeye

import (
	"math"
	"sync"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/viamrobotics/viam-camodo-calib/geometry"
	"github.com/viamrobotics/viam-camodo-calib/lsq"
)

// ErrNotEnoughMotions is returned by Solve when no motion has been added.
var ErrNotEnoughMotions = errors.New("not enough motions to calibrate")

const (
	// below this rotation angle a motion's rotation axis is too noisy to use
	minAxisAngle = 1e-3
	// below this rotation angle the camera translation direction is used as a rotation
	// constraint
	maxTranslationPairAngle = 0.02
	minTranslation          = 1e-6
	identityPriorWeight     = 1e-3
)

// MotionSegment is a run of consecutive relative motions observed by both sensors. Camera
// motions map the previous camera frame into the current one; odometry motions map the
// previous odometry frame into the current one. Camera translations are known up to one scale
// per segment.
type MotionSegment struct {
	Camera   []geometry.Transform
	Odometry []geometry.Transform
}

// Calibration accumulates motion segments. It is safe for concurrent use.
type Calibration struct {
	logger      golog.Logger
	motionCount int

	mu       sync.Mutex
	segments []MotionSegment
	motions  int
}

// NewCalibration returns an accumulator that considers itself complete after motionCount
// motions.
func NewCalibration(motionCount int, logger golog.Logger) *Calibration {
	return &Calibration{logger: logger, motionCount: motionCount}
}

// AddMotionSegment stores a segment. It returns false, storing nothing, when the two lists
// differ in length or are empty.
func (c *Calibration) AddMotionSegment(camMotions, odoMotions []geometry.Transform) bool {
	if len(camMotions) != len(odoMotions) || len(camMotions) == 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.segments = append(c.segments, MotionSegment{
		Camera:   append([]geometry.Transform(nil), camMotions...),
		Odometry: append([]geometry.Transform(nil), odoMotions...),
	})
	c.motions += len(camMotions)
	return true
}

// CurrentMotionCount returns the number of motions added so far.
func (c *Calibration) CurrentMotionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.motions
}

// MotionCount returns the number of motions wanted for a calibration.
func (c *Calibration) MotionCount() int { return c.motionCount }

// Segments returns a copy of the stored segments.
func (c *Calibration) Segments() []MotionSegment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]MotionSegment(nil), c.segments...)
}

// Solve returns the camera pose in the odometry frame.
func (c *Calibration) Solve() (geometry.Transform, error) {
	segments := c.Segments()
	if len(segments) == 0 {
		return geometry.Transform{}, ErrNotEnoughMotions
	}

	rotation, err := estimateRotation(segments)
	if err != nil {
		return geometry.Transform{}, err
	}
	translation, scales, err := estimateTranslation(segments, rotation)
	if err != nil {
		return geometry.Transform{}, err
	}
	odoToCam := geometry.NewTransform(rotation, translation)
	if refined, err := refine(segments, odoToCam, scales); err == nil {
		odoToCam = refined
	} else {
		c.logger.Warnw("hand-eye refinement failed, keeping the linear estimate", "error", err)
	}
	camOdo := odoToCam.Inverse()
	roll, pitch, yaw := geometry.QuatToRPY(camOdo.Rotation)
	c.logger.Infow("calibrated camera-odometry transform",
		"motions", c.CurrentMotionCount(),
		"segments", len(segments),
		"roll", roll, "pitch", pitch, "yaw", yaw,
		"translation", camOdo.Translation)
	return camOdo, nil
}

// estimateRotation finds R with A R = R B for the rotation parts, aligning rotation axes and,
// for motions that barely rotate, translation directions. A weak identity prior fixes
// directions no motion constrains.
func estimateRotation(segments []MotionSegment) (quat.Number, error) {
	h := mat.NewDense(3, 3, nil)
	add := func(a, b r3.Vector, w float64) {
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				h.Set(i, j, h.At(i, j)+w*component(b, i)*component(a, j))
			}
		}
	}
	for k := 0; k < 3; k++ {
		e := unit(k)
		add(e, e, identityPriorWeight)
	}

	for _, s := range segments {
		for i := range s.Camera {
			a, b := s.Camera[i], s.Odometry[i]
			axisA := geometry.QuatToAngleAxis(a.Rotation)
			axisB := geometry.QuatToAngleAxis(b.Rotation)
			angle := axisA.Norm()
			if angle > minAxisAngle && axisB.Norm() > minAxisAngle {
				add(axisA.Normalize(), axisB.Normalize(), angle)
			}
			if angle < maxTranslationPairAngle &&
				a.Translation.Norm() > minTranslation && b.Translation.Norm() > minTranslation {
				add(a.Translation.Normalize(), b.Translation.Normalize(), 1)
			}
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(h, mat.SVDFull); !ok {
		return quat.Number{}, errors.New("rotation estimate did not converge")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	var vut mat.Dense
	vut.Mul(&v, u.T())
	d := mat.NewDiagDense(3, []float64{1, 1, math.Copysign(1, mat.Det(&vut))})
	var vd, r mat.Dense
	vd.Mul(&v, d)
	r.Mul(&vd, u.T())
	return geometry.MatrixToQuat(&r), nil
}

// estimateTranslation solves (R_A - I) t + s_k t_A = R t_B for t and one camera scale s_k per
// segment. Directions no motion constrains, such as the rotation axis of planar motion, come
// out as zero.
func estimateTranslation(segments []MotionSegment, rotation quat.Number) (r3.Vector, []float64, error) {
	rows := 0
	for _, s := range segments {
		rows += 3 * len(s.Camera)
	}
	cols := 3 + len(segments)
	a := mat.NewDense(rows, cols, nil)
	b := mat.NewVecDense(rows, nil)

	row := 0
	for k, s := range segments {
		for i := range s.Camera {
			ra := s.Camera[i].RotationMatrix()
			rhs := geometry.Rotate(rotation, s.Odometry[i].Translation)
			ta := s.Camera[i].Translation
			for r := 0; r < 3; r++ {
				for c := 0; c < 3; c++ {
					v := ra.At(r, c)
					if r == c {
						v--
					}
					a.Set(row+r, c, v)
				}
				a.Set(row+r, 3+k, component(ta, r))
				b.SetVec(row+r, component(rhs, r))
			}
			row += 3
		}
	}

	x, err := minNormSolve(a, b)
	if err != nil {
		return r3.Vector{}, nil, err
	}
	scales := make([]float64, len(segments))
	for k := range scales {
		scales[k] = x.AtVec(3 + k)
	}
	return r3.Vector{X: x.AtVec(0), Y: x.AtVec(1), Z: x.AtVec(2)}, scales, nil
}

// minNormSolve returns the minimum norm least squares solution of a x = b.
func minNormSolve(a *mat.Dense, b *mat.VecDense) (*mat.VecDense, error) {
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return nil, errors.New("translation estimate did not converge")
	}
	values := svd.Values(nil)
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var utb mat.VecDense
	utb.MulVec(u.T(), b)
	tol := 1e-9
	if len(values) > 0 {
		tol *= values[0]
	}
	for i, sigma := range values {
		if sigma > tol {
			utb.SetVec(i, utb.AtVec(i)/sigma)
		} else {
			utb.SetVec(i, 0)
		}
	}
	var x mat.VecDense
	x.MulVec(&v, &utb)
	return &x, nil
}

// refine minimizes the rotation and translation residuals of every motion pair jointly. The
// scale blocks are eliminated.
func refine(segments []MotionSegment, odoToCam geometry.Transform, scales []float64) (geometry.Transform, error) {
	problem := lsq.NewProblem()
	q := make([]float64, 4)
	t := make([]float64, 3)
	lsq.QuatToSlice(geometry.Normalize(odoToCam.Rotation), q)
	lsq.Vec3ToSlice(odoToCam.Translation, t)
	qb := problem.AddParameterBlock(q, lsq.Quaternion{})
	tb := problem.AddParameterBlock(t, nil)

	scaleValues := make([][]float64, len(segments))
	for k, s := range segments {
		scaleValues[k] = []float64{scales[k]}
		sb := problem.AddParameterBlock(scaleValues[k], nil)
		sb.SetEliminated(true)
		for i := range s.Camera {
			if err := problem.AddResidualBlock(6,
				motionResidual(s.Camera[i], s.Odometry[i]), nil, qb, tb, sb); err != nil {
				return geometry.Transform{}, err
			}
		}
	}

	opts := lsq.DefaultOptions()
	opts.MaxIterations = 50
	if _, err := lsq.Solve(opts, problem); err != nil {
		return geometry.Transform{}, err
	}
	refined := lsq.NewTransformFromSlices(q, t)
	if !refined.IsFinite() {
		return geometry.Transform{}, errors.New("refined transform is not finite")
	}
	return refined, nil
}

// motionResidual is the error of A X = X B for one motion pair, with the camera translation
// scaled by the segment scale.
func motionResidual(camMotion, odoMotion geometry.Transform) lsq.CostFunction {
	qa := geometry.Normalize(camMotion.Rotation)
	qbConj := quat.Conj(geometry.Normalize(odoMotion.Rotation))
	ra := camMotion.RotationMatrix()
	return func(params [][]float64, residuals []float64) bool {
		x := lsq.NewTransformFromSlices(params[0], params[1])
		scale := params[2][0]

		rot := quat.Mul(quat.Mul(qa, x.Rotation), quat.Mul(qbConj, quat.Conj(x.Rotation)))
		lsq.Vec3ToSlice(geometry.QuatToAngleAxis(rot), residuals[:3])

		var rt mat.VecDense
		rt.MulVec(ra, mat.NewVecDense(3, []float64{x.Translation.X, x.Translation.Y, x.Translation.Z}))
		lhs := r3.Vector{X: rt.AtVec(0), Y: rt.AtVec(1), Z: rt.AtVec(2)}.
			Add(camMotion.Translation.Mul(scale))
		rhs := x.Apply(odoMotion.Translation)
		lsq.Vec3ToSlice(lhs.Sub(rhs), residuals[3:])
		return true
	}
}

func component(v r3.Vector, i int) float64 {
	switch i {
	case 0:
		return v.X
	case 1:
		return v.Y
	default:
		return v.Z
	}
}

func unit(i int) r3.Vector {
	var v r3.Vector
	switch i {
	case 0:
		v.X = 1
	case 1:
		v.Y = 1
	default:
		v.Z = 1
	}
	return v
}
