package simulation

import (
	"image"
	"math/rand"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"

	"github.com/viamrobotics/viam-camodo-calib/cameramodel"
	"github.com/viamrobotics/viam-camodo-calib/geometry"
	"github.com/viamrobotics/viam-camodo-calib/sparsegraph"
	"github.com/viamrobotics/viam-camodo-calib/swba"
)

// TrackerMode selects where a Tracker gets camera poses from.
type TrackerMode int

const (
	// GroundTruth reports the true camera poses and landmark positions.
	GroundTruth TrackerMode = iota
	// Estimated runs a visual odometry window over the synthetic observations.
	Estimated
)

// TruthFunc returns the true odometry-to-world transform at a timestamp.
type TruthFunc func(ts uint64) (geometry.Transform, bool)

// TrackerConfig configures a Tracker.
type TrackerConfig struct {
	Mode TrackerMode
	// CamOdo is the true camera pose in the odometry frame.
	CamOdo geometry.Transform
	// MinMatches is the number of landmarks a frame must share with the previous one.
	MinMatches int
	// PixelNoise is the standard deviation of the noise added to observations.
	PixelNoise float64
	Seed       int64
	// BreakAt lists frame timestamps at which the track is forced to break.
	BreakAt   []uint64
	Estimator swba.Config
}

// DefaultTrackerConfig returns a noiseless ground truth tracker config.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		Mode:       GroundTruth,
		CamOdo:     geometry.Identity(),
		MinMatches: 10,
		Seed:       1,
		Estimator:  swba.DefaultConfig(),
	}
}

// Tracker matches synthetic observations across frames by landmark identity. A frame on which
// the track breaks belongs to no track; the next frame starts a new one.
type Tracker struct {
	scene  *Scene
	camera cameramodel.Camera
	truth  TruthFunc
	cfg    TrackerConfig
	logger golog.Logger
	rng    *rand.Rand

	estimator *swba.Estimator
	breakAt   map[uint64]struct{}

	frames []*sparsegraph.Frame
	poses  []geometry.Transform
	prev   map[int]*sparsegraph.Point2DFeature
	points map[int]*sparsegraph.Point3DFeature
	// true world-to-camera transform of the last frame of the track
	prevTruth *geometry.Transform
	broken    bool
}

// NewTracker returns a tracker observing scene through camera.
func NewTracker(
	scene *Scene,
	camera cameramodel.Camera,
	truth TruthFunc,
	cfg TrackerConfig,
	logger golog.Logger,
) (*Tracker, error) {
	if scene == nil || camera == nil || truth == nil {
		return nil, errors.New("tracker needs a scene, a camera and a truth source")
	}
	if cfg.MinMatches <= 0 {
		cfg.MinMatches = 10
	}
	t := &Tracker{
		scene:   scene,
		camera:  camera,
		truth:   truth,
		cfg:     cfg,
		logger:  logger,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		breakAt: make(map[uint64]struct{}, len(cfg.BreakAt)),
		points:  make(map[int]*sparsegraph.Point3DFeature),
	}
	for _, ts := range cfg.BreakAt {
		t.breakAt[ts] = struct{}{}
	}
	if cfg.Mode == Estimated {
		estimator, err := swba.New(camera, swba.ModeVisualOdometry, geometry.Identity(), cfg.Estimator, logger)
		if err != nil {
			return nil, err
		}
		t.estimator = estimator
	}
	return t, nil
}

// AddFrame observes the scene at the frame's timestamp and extends the track. It returns the
// motion relative to the previous frame of the track.
func (t *Tracker) AddFrame(frame *sparsegraph.Frame, mask *image.Gray) (bool, quat.Number, r3.Vector) {
	if t.broken {
		t.reset()
	}
	identity := geometry.Identity()
	odoToWorld, ok := t.truth(frame.Timestamp)
	if !ok {
		t.logger.Warnw("no ground truth for frame", "timestamp", frame.Timestamp)
		return t.breakTrack()
	}
	worldToCamera := t.cfg.CamOdo.Inverse().Mul(odoToWorld.Inverse())

	if _, ok := t.breakAt[frame.Timestamp]; ok {
		return t.breakTrack()
	}

	obs := t.scene.Observe(t.camera, worldToCamera, mask)
	matched := 0
	for _, o := range obs {
		if _, ok := t.prev[o.Landmark]; ok {
			matched++
		}
	}
	if len(t.frames) > 0 && matched < t.cfg.MinMatches {
		t.logger.Debugw("too few matches, breaking track", "timestamp", frame.Timestamp, "matches", matched)
		return t.breakTrack()
	}

	curr := make(map[int]*sparsegraph.Point2DFeature, len(obs))
	for _, o := range obs {
		px := o.Pixel
		if t.cfg.PixelNoise > 0 {
			px = px.Add(r2.Point{X: t.rng.NormFloat64() * t.cfg.PixelNoise, Y: t.rng.NormFloat64() * t.cfg.PixelNoise})
		}
		feature := frame.AddFeature(px)
		curr[o.Landmark] = feature
		if prev, ok := t.prev[o.Landmark]; ok {
			if err := sparsegraph.Link(prev, feature); err != nil {
				t.logger.Warnw("cannot link features", "error", err)
			}
		}
	}

	relRotation, relTranslation := identity.Rotation, r3.Vector{}
	if t.prevTruth != nil {
		rel := worldToCamera.Mul(t.prevTruth.Inverse())
		relRotation, relTranslation = rel.Rotation, rel.Translation
	}

	var pose geometry.Transform
	switch t.cfg.Mode {
	case Estimated:
		if !t.estimator.AddFrame(frame, relRotation, relTranslation) {
			t.unlink(frame)
			return t.breakTrack()
		}
		pose = frame.CameraPose.Transform
	default:
		frame.SetCameraPose(worldToCamera)
		for id, feature := range curr {
			point, ok := t.points[id]
			if !ok {
				point = sparsegraph.NewPoint3DFeature(t.scene.Landmarks[id])
				t.points[id] = point
			}
			feature.Attach(point)
		}
		pose = worldToCamera
	}

	t.prev = curr
	t.prevTruth = &worldToCamera
	t.frames = append(t.frames, frame)
	t.poses = append(t.poses, pose)
	if len(t.poses) == 1 {
		return true, identity.Rotation, r3.Vector{}
	}
	rel := pose.Mul(t.poses[len(t.poses)-2].Inverse())
	return true, rel.Rotation, rel.Translation
}

// unlink severs the links of a rejected frame so the previous frame stays reusable.
func (t *Tracker) unlink(frame *sparsegraph.Frame) {
	for _, f := range frame.Features() {
		if prev := f.PrevMatch(); prev != nil {
			sparsegraph.Sever(prev, f)
		}
	}
}

func (t *Tracker) breakTrack() (bool, quat.Number, r3.Vector) {
	t.broken = true
	return false, geometry.Identity().Rotation, r3.Vector{}
}

func (t *Tracker) reset() {
	t.frames = nil
	t.poses = nil
	t.prev = nil
	t.prevTruth = nil
	t.points = make(map[int]*sparsegraph.Point3DFeature)
	t.broken = false
	if t.estimator != nil {
		t.estimator.Clear()
	}
}

// Poses returns the world-to-camera transform of every frame of the current track. In
// Estimated mode these reflect the latest bundle adjustment.
func (t *Tracker) Poses() []geometry.Transform {
	poses := make([]geometry.Transform, len(t.frames))
	for i, f := range t.frames {
		if f.CameraPose != nil {
			poses[i] = f.CameraPose.Transform
		} else {
			poses[i] = t.poses[i]
		}
	}
	return poses
}

// Frames returns the frames of the current track.
func (t *Tracker) Frames() []*sparsegraph.Frame {
	return append([]*sparsegraph.Frame(nil), t.frames...)
}
