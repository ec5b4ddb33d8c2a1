// Package pipeline implements the per camera acquisition worker: it pairs camera images with
// interpolated vehicle poses, feeds keyframes to a feature tracker and turns every sufficiently
// long visual track into paired camera and odometry motions.
package pipeline

import (
	"context"
	"fmt"
	"image"
	"sync"
	"sync/atomic"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
	"gonum.org/v1/gonum/num/quat"

	"github.com/viamrobotics/viam-camodo-calib/cameramodel"
	"github.com/viamrobotics/viam-camodo-calib/geometry"
	"github.com/viamrobotics/viam-camodo-calib/imageslot"
	"github.com/viamrobotics/viam-camodo-calib/sensorbuffer"
	"github.com/viamrobotics/viam-camodo-calib/sparsegraph"
)

// ErrMotionMismatch is raised when the accumulator rejects a motion segment.
var ErrMotionMismatch = errors.New("numbers of odometry and camera motions do not match")

// FeatureTracker extends a visual track one frame at a time.
//
// AddFrame returns false when the track breaks at frame. Poses and Frames keep describing the
// broken track until the next AddFrame call, which starts a new track. Poses are world-to-camera
// transforms, one per frame of the current track.
type FeatureTracker interface {
	AddFrame(frame *sparsegraph.Frame, mask *image.Gray) (bool, quat.Number, r3.Vector)
	Poses() []geometry.Transform
	Frames() []*sparsegraph.Frame
}

// MotionSegmentAccumulator collects paired motions and solves for the camera pose in the
// odometry frame.
type MotionSegmentAccumulator interface {
	AddMotionSegment(camMotions, odoMotions []geometry.Transform) bool
	CurrentMotionCount() int
	MotionCount() int
	Solve() (geometry.Transform, error)
}

// FatalFunc handles an unrecoverable error. The pipeline stops after calling it.
type FatalFunc func(err error)

// Params are the collaborators of a pipeline. GPSINS may be nil when no GPS/INS stream exists.
type Params struct {
	CameraID    int
	Camera      cameramodel.Camera
	Slot        *imageslot.Slot
	Odometry    *sensorbuffer.Interpolator[sparsegraph.Odometry]
	GPSINS      *sensorbuffer.Interpolator[sparsegraph.Pose]
	Tracker     FeatureTracker
	Accumulator MotionSegmentAccumulator
	Config      Config
	Fatal       FatalFunc
	Logger      golog.Logger
}

// Status is a snapshot of a pipeline's progress.
type Status struct {
	Motions     int
	TrackBreaks int
	Completed   bool
}

func (s Status) String() string {
	return fmt.Sprintf("# motions: %d | # track breaks: %d", s.Motions, s.TrackBreaks)
}

// Pipeline is the acquisition worker of one camera.
type Pipeline struct {
	cameraID    int
	camera      cameramodel.Camera
	slot        *imageslot.Slot
	odometry    *sensorbuffer.Interpolator[sparsegraph.Odometry]
	gpsIns      *sensorbuffer.Interpolator[sparsegraph.Pose]
	tracker     FeatureTracker
	accumulator MotionSegmentAccumulator
	cfg         Config
	fatal       FatalFunc
	logger      golog.Logger

	// owned by the worker goroutine
	prevFrame   *sparsegraph.Frame
	pending     []sparsegraph.Odometry
	trackBreaks int

	mu            sync.Mutex
	status        Status
	frameSegments [][]*sparsegraph.Frame
	camOdo        geometry.Transform
	solveErr      error

	running                 atomic.Bool
	launched                atomic.Bool
	finished                chan struct{}
	finishOnce              sync.Once
	cancelFunc              context.CancelFunc
	activeBackgroundWorkers sync.WaitGroup
}

// New returns a pipeline that is not running yet.
func New(p Params) (*Pipeline, error) {
	if p.Camera == nil || p.Slot == nil || p.Tracker == nil || p.Accumulator == nil {
		return nil, errors.New("pipeline needs a camera, an image slot, a tracker and an accumulator")
	}
	if err := p.Config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid pipeline config")
	}
	switch p.Config.PoseSource {
	case PoseSourceOdometry:
		if p.Odometry == nil {
			return nil, errors.New("odometry pose source needs an odometry stream")
		}
	case PoseSourceGPSINS:
		if p.GPSINS == nil {
			return nil, errors.New("gps_ins pose source needs a GPS/INS stream")
		}
	}
	pl := &Pipeline{
		cameraID:    p.CameraID,
		camera:      p.Camera,
		slot:        p.Slot,
		odometry:    p.Odometry,
		gpsIns:      p.GPSINS,
		tracker:     p.Tracker,
		accumulator: p.Accumulator,
		cfg:         p.Config,
		fatal:       p.Fatal,
		logger:      p.Logger,
		camOdo:      geometry.Identity(),
		finished:    make(chan struct{}),
	}
	if pl.fatal == nil {
		pl.fatal = func(err error) {
			pl.logger.Fatalw("camera-odometry pipeline failed", "camera", pl.cameraID, "error", err)
		}
	}
	return pl, nil
}

// Launch starts the worker. It must be called at most once.
func (p *Pipeline) Launch(ctx context.Context) {
	if !p.launched.CompareAndSwap(false, true) {
		p.logger.Warnw("pipeline already launched", "camera", p.cameraID)
		return
	}
	cancelCtx, cancelFunc := context.WithCancel(ctx)
	p.cancelFunc = cancelFunc
	p.running.Store(true)
	p.activeBackgroundWorkers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer p.activeBackgroundWorkers.Done()
		p.run(cancelCtx)
	})
}

// Stop signals the worker to drain its current track and finish.
func (p *Pipeline) Stop() {
	if p.cancelFunc != nil {
		p.cancelFunc()
	}
}

// Join blocks until the worker has exited.
func (p *Pipeline) Join() {
	p.activeBackgroundWorkers.Wait()
}

// Running reports whether the worker is running.
func (p *Pipeline) Running() bool { return p.running.Load() }

// Finished is closed once the worker has solved and exited.
func (p *Pipeline) Finished() <-chan struct{} { return p.finished }

// Completed reports whether enough motions have been collected.
func (p *Pipeline) Completed() bool { return p.Status().Completed }

// Status returns a snapshot of the progress counters.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// CameraID returns the id of the camera this pipeline serves.
func (p *Pipeline) CameraID() int { return p.cameraID }

// CamOdoTransform returns the camera pose in the odometry frame. It is the identity until the
// worker has finished.
func (p *Pipeline) CamOdoTransform() geometry.Transform {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.camOdo
}

// SolveErr returns the error of the final solve, if any.
func (p *Pipeline) SolveErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.solveErr
}

// FrameSegments returns the frames of every track whose motions were used.
func (p *Pipeline) FrameSegments() [][]*sparsegraph.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	segments := make([][]*sparsegraph.Frame, len(p.frameSegments))
	for i, s := range p.frameSegments {
		segments[i] = append([]*sparsegraph.Frame(nil), s...)
	}
	return segments
}

// ReprojectionError summarizes the reprojection error of every scene-point-backed feature of
// the retained frame segments. Frames without a camera pose are skipped.
func (p *Pipeline) ReprojectionError() sparsegraph.ErrorStats {
	var errs []float64
	for _, segment := range p.FrameSegments() {
		for _, frame := range segment {
			if frame.CameraPose == nil {
				continue
			}
			errs = sparsegraph.AppendReprojectionErrors(errs, p.camera, frame, frame.CameraPose.Transform)
		}
	}
	return sparsegraph.Summarize(errs)
}

func (p *Pipeline) run(ctx context.Context) {
	defer p.finish()
	for {
		// a closed slot never delivers another image
		if ctx.Err() != nil || p.slot.Closed() {
			if err := p.breakTrack(); err != nil {
				p.fatal(err)
				p.running.Store(false)
				return
			}
			break
		}
		img, ok := p.slot.WaitForData(ctx, p.cfg.ImagePollInterval)
		if !ok {
			continue
		}
		err := p.processImage(ctx, img)
		p.slot.ProcessingDone()
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				continue
			}
			p.fatal(err)
			p.running.Store(false)
			return
		}
		p.updateStatus()
	}
	p.updateStatus()

	p.logger.Infow("calibrating camera-odometry transform", "camera", p.cameraID)
	camOdo, err := p.accumulator.Solve()
	p.mu.Lock()
	if err != nil {
		p.solveErr = err
		p.logger.Warnw("camera-odometry calibration failed", "camera", p.cameraID, "error", err)
	} else {
		p.camOdo = camOdo
	}
	p.mu.Unlock()
	p.running.Store(false)
}

func (p *Pipeline) finish() {
	p.finishOnce.Do(func() {
		p.logger.Infow("camera-odometry pipeline finished", "camera", p.cameraID)
		close(p.finished)
	})
}

// processImage turns one image into a keyframe if the vehicle moved far enough since the last
// one. A returned error is fatal.
func (p *Pipeline) processImage(ctx context.Context, img imageslot.Image) error {
	if p.prevFrame != nil && img.Timestamp == p.prevFrame.Timestamp {
		return nil
	}

	switch p.cfg.PoseSource {
	case PoseSourceOdometry:
		if p.odometry.Raw().Empty() {
			p.logger.Warnw("no data in odometry buffer", "camera", p.cameraID)
			return nil
		}
	case PoseSourceGPSINS:
		if p.gpsIns.Raw().Empty() {
			p.logger.Warnw("no data in GPS/INS buffer", "camera", p.cameraID)
			return nil
		}
	}

	var odometry *sparsegraph.Odometry
	if p.cfg.PoseSource == PoseSourceOdometry {
		odo, err := p.odometry.Wait(ctx, img.Timestamp, p.cfg.PoseTimeout)
		if err != nil {
			return errors.Wrapf(err, "no odometry data for %v", p.cfg.PoseTimeout)
		}
		odometry = &odo
	}
	var gpsIns *sparsegraph.Pose
	if p.gpsIns != nil && (p.cfg.PoseSource == PoseSourceGPSINS || !p.gpsIns.Raw().Empty()) {
		pose, err := p.gpsIns.Wait(ctx, img.Timestamp, p.cfg.PoseTimeout)
		if err != nil {
			return errors.Wrapf(err, "no GPS/INS data for %v", p.cfg.PoseTimeout)
		}
		gpsIns = &pose
	}

	var systemPose sparsegraph.Odometry
	if p.cfg.PoseSource == PoseSourceGPSINS {
		systemPose = GPSINSToOdometry(*gpsIns)
	} else {
		systemPose = *odometry
	}

	if p.prevFrame != nil &&
		systemPose.Position().Sub(p.prevFrame.SystemPose.Position()).Norm() < p.cfg.KeyFrameDistance {
		return nil
	}

	frame := sparsegraph.NewFrame(p.cameraID, img.Data, img.Timestamp)
	frame.SystemPose = &systemPose
	if p.cfg.PoseSource == PoseSourceGPSINS {
		measured := systemPose
		frame.OdometryMeasurement = &measured
	} else {
		frame.OdometryMeasurement = odometry
	}
	frame.GPSINSMeasurement = gpsIns

	camValid, _, _ := p.tracker.AddFrame(frame, p.camera.Mask())
	if camValid {
		p.pending = append(p.pending, systemPose)
	}
	p.prevFrame = frame

	if !camValid {
		if err := p.breakTrack(); err != nil {
			return err
		}
	}
	return nil
}

// GPSINSToOdometry re-expresses a GPS/INS pose in the odometry axis convention.
func GPSINSToOdometry(pose sparsegraph.Pose) sparsegraph.Odometry {
	_, _, yaw := geometry.QuatToRPY(pose.Rotation)
	return sparsegraph.Odometry{
		Timestamp: pose.Timestamp,
		X:         pose.Translation.Y,
		Y:         -pose.Translation.X,
		Z:         pose.Translation.Z,
		Yaw:       -yaw,
	}
}

// breakTrack submits the pending track when it is long enough and keeps the newest
// pose as the seed of the next one.
func (p *Pipeline) breakTrack() error {
	var err error
	if len(p.pending) >= p.cfg.MinTrackLength {
		err = p.addCalibrationData(p.tracker.Poses(), p.pending, p.tracker.Frames())
	}
	if len(p.pending) > 0 {
		p.pending = append(p.pending[:0], p.pending[len(p.pending)-1])
	}
	p.trackBreaks++
	return err
}

// addCalibrationData converts a track into motion pairs and submits them. Camera and odometry
// poses are matched from the newest end.
func (p *Pipeline) addCalibrationData(
	camPoses []geometry.Transform,
	odoPoses []sparsegraph.Odometry,
	frames []*sparsegraph.Frame,
) error {
	n := len(odoPoses)
	if len(camPoses) != n {
		p.logger.Warnw("numbers of odometry and camera poses differ, using the most recent ones",
			"camera", p.cameraID, "odometry_poses", len(odoPoses), "camera_poses", len(camPoses))
		if len(camPoses) < n {
			n = len(camPoses)
		}
		camPoses = camPoses[len(camPoses)-n:]
		odoPoses = odoPoses[len(odoPoses)-n:]
	}
	if n < p.cfg.MinTrackLength {
		p.logger.Warnw("not enough poses in track", "camera", p.cameraID, "poses", n, "needed", p.cfg.MinTrackLength)
		return nil
	}

	camMotions, odoMotions := MotionPairs(camPoses, odoPoses)
	if !p.accumulator.AddMotionSegment(camMotions, odoMotions) {
		return errors.Wrapf(ErrMotionMismatch, "camera %d: %d camera and %d odometry motions",
			p.cameraID, len(camMotions), len(odoMotions))
	}

	p.mu.Lock()
	p.frameSegments = append(p.frameSegments, append([]*sparsegraph.Frame(nil), frames...))
	p.mu.Unlock()
	p.logger.Debugw("added motion segment", "camera", p.cameraID, "motions", len(camMotions))
	return nil
}

// MotionPairs returns, for every consecutive pair of poses, the camera motion
// cam[i] * cam[i-1]^-1 and the odometry motion odo[i]^-1 * odo[i-1].
func MotionPairs(camPoses []geometry.Transform, odoPoses []sparsegraph.Odometry) ([]geometry.Transform, []geometry.Transform) {
	var camMotions, odoMotions []geometry.Transform
	for i := 1; i < len(odoPoses) && i < len(camPoses); i++ {
		odoMotions = append(odoMotions, odoPoses[i].Transform().Inverse().Mul(odoPoses[i-1].Transform()))
		camMotions = append(camMotions, camPoses[i].Mul(camPoses[i-1].Inverse()))
	}
	return camMotions, odoMotions
}

func (p *Pipeline) updateStatus() {
	// counted the way addCalibrationData will match them: the seed of a track after a break
	// has no camera pose
	pendingMotions := 0
	n := len(p.pending)
	if camPoses := len(p.tracker.Poses()); camPoses < n {
		n = camPoses
	}
	if n >= p.cfg.MinTrackLength {
		pendingMotions = n - 1
	}
	current := p.accumulator.CurrentMotionCount()
	status := Status{
		Motions:     current + pendingMotions,
		TrackBreaks: p.trackBreaks,
	}
	status.Completed = status.Motions >= p.accumulator.MotionCount()

	p.mu.Lock()
	changed := status.Motions != p.status.Motions || status.TrackBreaks != p.status.TrackBreaks
	// completion latches
	status.Completed = status.Completed || p.status.Completed
	p.status = status
	p.mu.Unlock()
	if changed {
		p.logger.Debugw(status.String(), "camera", p.cameraID)
	}
}
