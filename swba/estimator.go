// Package swba implements a sliding window bundle adjustment over a bounded window of frames and
// the scene points they observe.
package swba

import (
	"math/rand"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"

	"github.com/viamrobotics/viam-camodo-calib/cameramodel"
	"github.com/viamrobotics/viam-camodo-calib/geometry"
	"github.com/viamrobotics/viam-camodo-calib/sparsegraph"
)

// Estimator maintains a window of at most WindowSize frames. It is not safe for concurrent use.
type Estimator struct {
	cfg      Config
	camera   cameramodel.Camera
	strategy poseStrategy
	logger   golog.Logger
	rng      *rand.Rand

	window     []*sparsegraph.Frame
	frameCount int
}

// New returns an estimator. camOdo is the initial camera pose in the odometry frame; it is only
// used, and refined, in ModePoseAnchored.
func New(
	camera cameramodel.Camera,
	mode Mode,
	camOdo geometry.Transform,
	cfg Config,
	logger golog.Logger,
) (*Estimator, error) {
	if camera == nil {
		return nil, errors.New("estimator needs a camera model")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid estimator config")
	}
	var strategy poseStrategy
	switch mode {
	case ModeVisualOdometry:
		strategy = selfPose{}
	case ModePoseAnchored:
		if !camOdo.IsFinite() {
			return nil, errors.New("camera-odometry transform is not finite")
		}
		strategy = &poseAnchored{camOdo: camOdo}
	default:
		return nil, errors.Errorf("unknown estimator mode %d", mode)
	}
	return &Estimator{
		cfg:      cfg,
		camera:   camera,
		strategy: strategy,
		logger:   logger,
		rng:      rand.New(rand.NewSource(cfg.RansacSeed)),
	}, nil
}

// Mode returns the estimation mode.
func (e *Estimator) Mode() Mode { return e.strategy.mode() }

type newPoint struct {
	position r3.Vector
	observed [2]*sparsegraph.Point2DFeature
}

// frameUpdate is everything AddFrame changes once a frame is accepted.
type frameUpdate struct {
	pose   geometry.Transform
	extend [][2]*sparsegraph.Point2DFeature
	create []newPoint
	sever  [][2]*sparsegraph.Point2DFeature
}

// AddFrame adds frame to the window. relRotation and relTranslation are a prior of the frame's
// motion relative to the previous frame, ignored in ModePoseAnchored. The features of frame must
// be matched to the features of the current frame of the window.
//
// AddFrame returns false, leaving the estimator and the graph unchanged, when there are not
// enough correspondences to place the frame.
func (e *Estimator) AddFrame(frame *sparsegraph.Frame, relRotation quat.Number, relTranslation r3.Vector) bool {
	if frame == nil {
		return false
	}
	if e.frameCount == 0 {
		pose, ok := e.strategy.anchor(frame)
		if !ok {
			e.logger.Warnw("cannot anchor frame without a pose", "timestamp", frame.Timestamp)
			return false
		}
		e.accept(frame, &frameUpdate{pose: pose})
		return true
	}

	prev := e.window[len(e.window)-1]
	var update *frameUpdate
	var ok bool
	if e.frameCount == 1 {
		update, ok = e.bootstrap(prev, frame, relRotation, relTranslation)
	} else {
		update, ok = e.track(prev, frame, relRotation, relTranslation)
	}
	if !ok {
		return false
	}
	e.accept(frame, update)

	if e.hasScenePoints() {
		e.logger.Debugw("window reprojection error before optimization", "error", e.WindowReprojectionError())
		e.strategy.optimize(e)
	}
	if pruned := e.pruneBehindCamera(); pruned > 0 {
		e.logger.Debugw("pruned scene points behind cameras", "count", pruned)
	}
	return true
}

func (e *Estimator) accept(frame *sparsegraph.Frame, update *frameUpdate) {
	e.strategy.commit(frame, update.pose)
	for _, pair := range update.extend {
		pair[1].Attach(pair[0].Feature3D())
	}
	for _, np := range update.create {
		point := sparsegraph.NewPoint3DFeature(np.position)
		np.observed[0].Attach(point)
		np.observed[1].Attach(point)
	}
	for _, pair := range update.sever {
		sparsegraph.Sever(pair[0], pair[1])
	}

	e.window = append(e.window, frame)
	for len(e.window) > e.cfg.WindowSize {
		e.window[0] = nil
		e.window = e.window[1:]
	}
	e.frameCount++
}

func correspondencePairs(prev, curr *sparsegraph.Frame) [][2]*sparsegraph.Point2DFeature {
	chains := sparsegraph.FindCorrespondences([]*sparsegraph.Frame{prev, curr})
	pairs := make([][2]*sparsegraph.Point2DFeature, len(chains))
	for i, c := range chains {
		pairs[i] = [2]*sparsegraph.Point2DFeature{c[0], c[1]}
	}
	return pairs
}

func (e *Estimator) bootstrap(
	prev, curr *sparsegraph.Frame,
	relRotation quat.Number,
	relTranslation r3.Vector,
) (*frameUpdate, bool) {
	pairs := correspondencePairs(prev, curr)
	if len(pairs) < e.cfg.Min2D2DCorrespondences {
		e.logger.Debugw("not enough correspondences to bootstrap", "count", len(pairs))
		return nil, false
	}
	obs := make([][2]r2.Point, len(pairs))
	for i, p := range pairs {
		obs[i] = [2]r2.Point{p[0].Keypoint, p[1].Keypoint}
	}
	pose, inliers, ok := e.strategy.bootstrap(e, prev, curr, obs, relRotation, relTranslation)
	if !ok {
		e.logger.Debugw("cannot compute the relative pose of the first two frames")
		return nil, false
	}

	prevPose := e.strategy.worldToCamera(prev)
	update := &frameUpdate{pose: pose}
	for i, pair := range pairs {
		if inliers[i] && !pair[0].Pruned() && !pair[1].Pruned() {
			if p, ok := e.triangulateCheck(prevPose, pose, obs[i][0], obs[i][1], e.strategy.gated()); ok {
				update.create = append(update.create, newPoint{position: p, observed: pair})
				continue
			}
		}
		update.sever = append(update.sever, pair)
	}
	if len(update.create) < e.cfg.Min2D3DCorrespondences {
		e.logger.Debugw("not enough triangulated points to bootstrap", "count", len(update.create))
		return nil, false
	}
	return update, true
}

func (e *Estimator) track(
	prev, curr *sparsegraph.Frame,
	relRotation quat.Number,
	relTranslation r3.Vector,
) (*frameUpdate, bool) {
	pairs := correspondencePairs(prev, curr)
	var triangulated, untriangulated [][2]*sparsegraph.Point2DFeature
	var points []r3.Vector
	var observed []r2.Point
	for _, pair := range pairs {
		if pair[0].HasFeature3D() {
			triangulated = append(triangulated, pair)
			points = append(points, pair[0].Feature3D().Point)
			observed = append(observed, pair[1].Keypoint)
		} else {
			untriangulated = append(untriangulated, pair)
		}
	}

	pose, ok := e.strategy.track(e, prev, curr, points, observed, relRotation, relTranslation)
	if !ok {
		return nil, false
	}
	update := &frameUpdate{pose: pose}
	for i, pair := range triangulated {
		if e.strategy.gated() &&
			e.camera.ReprojectionError(points[i], pose.Rotation, pose.Translation, observed[i]) > e.cfg.ReprojErrorThresh {
			update.sever = append(update.sever, pair)
			continue
		}
		update.extend = append(update.extend, pair)
	}

	prevPose := e.strategy.worldToCamera(prev)
	for _, pair := range untriangulated {
		if !pair[0].Pruned() && !pair[1].Pruned() {
			if p, ok := e.triangulateCheck(prevPose, pose, pair[0].Keypoint, pair[1].Keypoint, e.strategy.gated()); ok {
				update.create = append(update.create, newPoint{position: p, observed: pair})
				continue
			}
		}
		update.sever = append(update.sever, pair)
	}
	e.logger.Debugw("tracked frame",
		"timestamp", curr.Timestamp,
		"extended", len(update.extend),
		"triangulated", len(update.create),
		"severed", len(update.sever))
	return update, true
}

func (e *Estimator) hasScenePoints() bool {
	for _, f := range e.window {
		for _, feature := range f.Features() {
			if feature.HasFeature3D() {
				return true
			}
		}
	}
	return false
}

// pruneBehindCamera removes every scene point that lies behind a window camera observing it.
func (e *Estimator) pruneBehindCamera() int {
	pruned := 0
	for _, f := range e.window {
		pose := e.strategy.worldToCamera(f)
		for _, feature := range f.Features() {
			point := feature.Feature3D()
			if point == nil {
				continue
			}
			if pose.Apply(point.Point).Z < 0 {
				point.Prune()
				pruned++
			}
		}
	}
	return pruned
}

// Clear empties the window. Frames already processed keep their poses and links.
func (e *Estimator) Clear() {
	e.window = nil
	e.frameCount = 0
}

// Empty reports whether the window holds no frames.
func (e *Estimator) Empty() bool { return len(e.window) == 0 }

// WindowSize returns the number of frames in the window.
func (e *Estimator) WindowSize() int { return len(e.window) }

// Frames returns a copy of the window, oldest first.
func (e *Estimator) Frames() []*sparsegraph.Frame {
	return append([]*sparsegraph.Frame(nil), e.window...)
}

// CurrentFrame returns the newest frame, or nil when the window is empty.
func (e *Estimator) CurrentFrame() *sparsegraph.Frame {
	if len(e.window) == 0 {
		return nil
	}
	return e.window[len(e.window)-1]
}

// Poses returns the world-to-camera transform of every window frame, oldest first.
func (e *Estimator) Poses() []geometry.Transform {
	poses := make([]geometry.Transform, len(e.window))
	for i, f := range e.window {
		poses[i] = e.strategy.worldToCamera(f)
	}
	return poses
}

// ScenePoints returns the positions of the scene points observed in the window, in order of
// first observation.
func (e *Estimator) ScenePoints() []r3.Vector {
	seen := make(map[*sparsegraph.Point3DFeature]struct{})
	var points []r3.Vector
	for _, f := range e.window {
		for _, feature := range f.Features() {
			p := feature.Feature3D()
			if p == nil {
				continue
			}
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			points = append(points, p.Point)
		}
	}
	return points
}

// CamOdoTransform returns the camera pose in the odometry frame. It is the identity in
// ModeVisualOdometry.
func (e *Estimator) CamOdoTransform() geometry.Transform {
	return e.strategy.camOdoTransform()
}

// FrameReprojectionError summarizes the reprojection error of the i-th window frame, oldest
// first.
func (e *Estimator) FrameReprojectionError(i int) (sparsegraph.ErrorStats, error) {
	if i < 0 || i >= len(e.window) {
		return sparsegraph.ErrorStats{}, errors.Errorf("window index %d out of range [0, %d)", i, len(e.window))
	}
	f := e.window[i]
	return sparsegraph.Summarize(sparsegraph.AppendReprojectionErrors(nil, e.camera, f, e.strategy.worldToCamera(f))), nil
}

// WindowReprojectionError summarizes the reprojection error of every scene point observation
// in the window.
func (e *Estimator) WindowReprojectionError() sparsegraph.ErrorStats {
	var errs []float64
	for _, f := range e.window {
		errs = sparsegraph.AppendReprojectionErrors(errs, e.camera, f, e.strategy.worldToCamera(f))
	}
	return sparsegraph.Summarize(errs)
}
