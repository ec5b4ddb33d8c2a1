package swba

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"github.com/viamrobotics/viam-camodo-calib/geometry"
	"github.com/viamrobotics/viam-camodo-calib/sparsegraph"
)

// poseStrategy is how an estimator obtains and refines frame poses.
type poseStrategy interface {
	mode() Mode
	// anchor returns the pose of the first frame of a window.
	anchor(f *sparsegraph.Frame) (geometry.Transform, bool)
	// bootstrap returns the pose of the second frame and which correspondences are consistent
	// with it.
	bootstrap(e *Estimator, prev, curr *sparsegraph.Frame, obs [][2]r2.Point,
		relRotation quat.Number, relTranslation r3.Vector) (geometry.Transform, []bool, bool)
	// track returns the pose of a later frame from correspondences with known scene points.
	track(e *Estimator, prev, curr *sparsegraph.Frame, points []r3.Vector, obs []r2.Point,
		relRotation quat.Number, relTranslation r3.Vector) (geometry.Transform, bool)
	// worldToCamera returns the committed world-to-camera transform of a window frame.
	worldToCamera(f *sparsegraph.Frame) geometry.Transform
	// commit stores the pose computed for a frame that enters the window.
	commit(f *sparsegraph.Frame, pose geometry.Transform)
	// gated reports whether triangulated points and tracked observations are checked against
	// the pixel thresholds. Otherwise only cheirality is enforced.
	gated() bool
	optimize(e *Estimator)
	camOdoTransform() geometry.Transform
}

// selfPose estimates camera poses visually. Poses are stored on the frames.
type selfPose struct{}

func (selfPose) mode() Mode { return ModeVisualOdometry }

func (selfPose) anchor(*sparsegraph.Frame) (geometry.Transform, bool) {
	return geometry.Identity(), true
}

func (s selfPose) bootstrap(
	e *Estimator,
	prev, curr *sparsegraph.Frame,
	obs [][2]r2.Point,
	relRotation quat.Number,
	relTranslation r3.Vector,
) (geometry.Transform, []bool, bool) {
	x1 := make([]r2.Point, len(obs))
	x2 := make([]r2.Point, len(obs))
	for i, o := range obs {
		x1[i] = r2Of(rectify(e.camera, o[0]))
		x2[i] = r2Of(rectify(e.camera, o[1]))
	}
	thresh := e.cfg.ReprojErrorThresh / e.cfg.NominalFocalLength
	essential, inliers, ok := findEssentialRansac(x1, x2, thresh, e.cfg.RansacIterations, e.rng)
	if !ok {
		return geometry.Transform{}, nil, false
	}
	rel, mask, ok := recoverPose(essential, x1, x2, inliers)
	if !ok {
		return geometry.Transform{}, nil, false
	}
	e.logger.Debugw("bootstrapped relative pose", "inliers", countTrue(mask), "correspondences", len(obs))
	return rel.Mul(s.worldToCamera(prev)), mask, true
}

func (s selfPose) track(
	e *Estimator,
	prev, curr *sparsegraph.Frame,
	points []r3.Vector,
	obs []r2.Point,
	relRotation quat.Number,
	relTranslation r3.Vector,
) (geometry.Transform, bool) {
	if len(points) < e.cfg.Min2D3DCorrespondences {
		e.logger.Debugw("not enough scene point correspondences for pnp", "count", len(points))
		return geometry.Transform{}, false
	}
	rays := make([]r2.Point, len(obs))
	for i, o := range obs {
		rays[i] = r2Of(rectify(e.camera, o))
	}
	prevPose := s.worldToCamera(prev)
	guess := geometry.NewTransform(
		geometry.Normalize(quat.Mul(geometry.Normalize(relRotation), prevPose.Rotation)),
		prevPose.Translation,
	)
	thresh := e.cfg.ReprojErrorThresh / e.cfg.NominalFocalLength
	pose, inliers, ok := solvePnPRansac(points, rays, guess, thresh, e.cfg.RansacIterations, e.rng, e.cfg.Solver)
	if !ok {
		e.logger.Debugw("pnp failed", "count", len(points))
		return geometry.Transform{}, false
	}
	e.logger.Debugw("computed pose with pnp", "inliers", countTrue(inliers), "count", len(points))
	return pose, true
}

func (selfPose) worldToCamera(f *sparsegraph.Frame) geometry.Transform {
	if f.CameraPose == nil {
		return geometry.Identity()
	}
	return f.CameraPose.Transform
}

func (selfPose) commit(f *sparsegraph.Frame, pose geometry.Transform) {
	f.SetCameraPose(pose)
}

func (selfPose) gated() bool { return true }

func (selfPose) optimize(e *Estimator) { e.optimizeSelfPose() }

func (selfPose) camOdoTransform() geometry.Transform { return geometry.Identity() }

// poseAnchored takes frame poses from the system pose and a camera-to-odometry transform,
// which is the camera pose in the odometry frame.
type poseAnchored struct {
	camOdo geometry.Transform
}

func (*poseAnchored) mode() Mode { return ModePoseAnchored }

func (p *poseAnchored) anchor(f *sparsegraph.Frame) (geometry.Transform, bool) {
	if f.SystemPose == nil {
		return geometry.Transform{}, false
	}
	return p.worldToCamera(f), true
}

func (p *poseAnchored) bootstrap(
	e *Estimator,
	prev, curr *sparsegraph.Frame,
	obs [][2]r2.Point,
	_ quat.Number,
	_ r3.Vector,
) (geometry.Transform, []bool, bool) {
	if curr.SystemPose == nil {
		return geometry.Transform{}, nil, false
	}
	inliers := make([]bool, len(obs))
	for i := range inliers {
		inliers[i] = true
	}
	return p.worldToCamera(curr), inliers, true
}

func (p *poseAnchored) track(
	_ *Estimator,
	_, curr *sparsegraph.Frame,
	_ []r3.Vector,
	_ []r2.Point,
	_ quat.Number,
	_ r3.Vector,
) (geometry.Transform, bool) {
	if curr.SystemPose == nil {
		return geometry.Transform{}, false
	}
	return p.worldToCamera(curr), true
}

func (p *poseAnchored) worldToCamera(f *sparsegraph.Frame) geometry.Transform {
	return anchoredWorldToCamera(p.camOdo, *f.SystemPose)
}

// anchoredWorldToCamera composes the inverse camera-to-odometry transform with the inverse
// odometry pose.
func anchoredWorldToCamera(camOdo geometry.Transform, odo sparsegraph.Odometry) geometry.Transform {
	return camOdo.Inverse().Mul(odo.Transform().Inverse())
}

func (*poseAnchored) commit(*sparsegraph.Frame, geometry.Transform) {}

func (*poseAnchored) gated() bool { return false }

func (p *poseAnchored) optimize(e *Estimator) { e.optimizeAnchored(p) }

func (p *poseAnchored) camOdoTransform() geometry.Transform { return p.camOdo }

func r2Of(v r3.Vector) r2.Point {
	return r2.Point{X: v.X, Y: v.Y}
}

func countTrue(mask []bool) int {
	n := 0
	for _, b := range mask {
		if b {
			n++
		}
	}
	return n
}
