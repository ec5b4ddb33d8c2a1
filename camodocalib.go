// Package camodocalib calibrates the poses of the cameras of a vehicle rig relative to its
// odometry frame from camera images and odometry or GPS/INS poses.
package camodocalib

import (
	"context"
	"image"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	slamConfig "go.viam.com/slam/config"

	"github.com/viamrobotics/viam-camodo-calib/cameramodel"
	"github.com/viamrobotics/viam-camodo-calib/geometry"
	"github.com/viamrobotics/viam-camodo-calib/handeye"
	"github.com/viamrobotics/viam-camodo-calib/imageslot"
	"github.com/viamrobotics/viam-camodo-calib/pipeline"
	"github.com/viamrobotics/viam-camodo-calib/sensorbuffer"
	"github.com/viamrobotics/viam-camodo-calib/sparsegraph"
	"github.com/viamrobotics/viam-camodo-calib/swba"
)

// TrackerFactory builds the feature tracker of one camera.
type TrackerFactory func(
	cameraID int,
	camera *cameramodel.Pinhole,
	estimator swba.Config,
	logger golog.Logger,
) (pipeline.FeatureTracker, error)

// Dependencies are the pluggable collaborators of a Calibrator.
type Dependencies struct {
	NewTracker TrackerFactory
	// Clock drives pose deadlines and image polling. Defaults to the wall clock.
	Clock clock.Clock
	// Fatal handles unrecoverable pipeline errors. Defaults to logging and exiting.
	Fatal pipeline.FatalFunc
}

type rigCamera struct {
	name        string
	model       *cameramodel.Pinhole
	slot        *imageslot.Slot
	accumulator *handeye.Calibration
	pipeline    *pipeline.Pipeline
}

// Calibrator runs one acquisition pipeline per camera against shared pose streams.
type Calibrator struct {
	cfg           *Config
	tuning        tuning
	dataDirectory string
	clock         clock.Clock

	odometry *sensorbuffer.Interpolator[sparsegraph.Odometry]
	gpsIns   *sensorbuffer.Interpolator[sparsegraph.Pose]
	cameras  []*rigCamera

	started                 atomic.Bool
	closeOnce               sync.Once
	cancelFunc              func()
	logger                  golog.Logger
	activeBackgroundWorkers sync.WaitGroup
}

// New validates cfg and builds a calibrator. The pipelines start with Start.
func New(ctx context.Context, cfg *Config, deps Dependencies, logger golog.Logger) (*Calibrator, error) {
	_, span := trace.StartSpan(ctx, "camodocalib::New")
	defer span.End()

	if cfg == nil {
		return nil, errors.New("missing calibrator config")
	}
	if deps.NewTracker == nil {
		return nil, errors.New("missing tracker factory")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid calibrator config")
	}
	t, err := cfg.resolve(logger)
	if err != nil {
		return nil, err
	}

	if cfg.DataDirectory != "" {
		if err := slamConfig.SetupDirectories(cfg.DataDirectory, logger); err != nil {
			return nil, errors.Wrap(err, "unable to setup working directories")
		}
	}

	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}

	c := &Calibrator{
		cfg:           cfg,
		tuning:        t,
		dataDirectory: cfg.DataDirectory,
		clock:         clk,
		odometry:      sensorbuffer.NewOdometryInterpolator(t.bufferSize, clk),
		gpsIns:        sensorbuffer.NewPoseInterpolator(t.bufferSize, clk),
		cancelFunc:    func() {},
		logger:        logger,
	}

	var success bool
	defer func() {
		if !success {
			if err := c.Close(); err != nil {
				logger.Errorw("error closing out after error", "error", err)
			}
		}
	}()

	for id, camCfg := range cfg.Cameras {
		model, err := camCfg.Model()
		if err != nil {
			return nil, err
		}
		tracker, err := deps.NewTracker(id, model, t.estimator, logger)
		if err != nil {
			return nil, errors.Wrapf(err, "error creating tracker for camera %q", camCfg.Name)
		}
		cam := &rigCamera{
			name:        camCfg.Name,
			model:       model,
			slot:        imageslot.New(clk),
			accumulator: handeye.NewCalibration(t.motionCount, logger),
		}
		c.cameras = append(c.cameras, cam)
		cam.pipeline, err = pipeline.New(pipeline.Params{
			CameraID:    id,
			Camera:      model,
			Slot:        cam.slot,
			Odometry:    c.odometry,
			GPSINS:      c.gpsIns,
			Tracker:     tracker,
			Accumulator: cam.accumulator,
			Config:      t.pipeline,
			Fatal:       deps.Fatal,
			Logger:      logger,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "error creating pipeline for camera %q", camCfg.Name)
		}
	}

	success = true
	return c, nil
}

// Start launches every camera pipeline.
func (c *Calibrator) Start(ctx context.Context) error {
	ctx, span := trace.StartSpan(ctx, "camodocalib::Calibrator::Start")
	defer span.End()

	if !c.started.CompareAndSwap(false, true) {
		return errors.New("calibrator already started")
	}
	cancelCtx, cancelFunc := context.WithCancel(ctx)
	c.cancelFunc = cancelFunc
	for _, cam := range c.cameras {
		cam.pipeline.Launch(cancelCtx)
	}
	c.logger.Infow("started camera-odometry calibration",
		"cameras", len(c.cameras), "pose_source", c.tuning.pipeline.PoseSource, "motion_count", c.tuning.motionCount)
	return nil
}

// NumCameras returns the number of cameras of the rig.
func (c *Calibrator) NumCameras() int { return len(c.cameras) }

// CameraID returns the id of the named camera.
func (c *Calibrator) CameraID(name string) (int, bool) {
	for id, cam := range c.cameras {
		if cam.name == name {
			return id, true
		}
	}
	return 0, false
}

// Camera returns the model of a camera.
func (c *Calibrator) Camera(cameraID int) (*cameramodel.Pinhole, error) {
	cam, err := c.camera(cameraID)
	if err != nil {
		return nil, err
	}
	return cam.model, nil
}

func (c *Calibrator) camera(cameraID int) (*rigCamera, error) {
	if cameraID < 0 || cameraID >= len(c.cameras) {
		return nil, errors.Errorf("no camera with id %d", cameraID)
	}
	return c.cameras[cameraID], nil
}

// AddOdometry adds an odometry sample. Samples older than the newest one are dropped.
func (c *Calibrator) AddOdometry(sample sparsegraph.Odometry) bool {
	if !c.odometry.Raw().Push(sample) {
		c.logger.Debugw("dropping out of order odometry sample", "timestamp", sample.Timestamp)
		return false
	}
	return true
}

// AddGPSINS adds a GPS/INS pose sample. Samples older than the newest one are dropped.
func (c *Calibrator) AddGPSINS(sample sparsegraph.Pose) bool {
	if !c.gpsIns.Raw().Push(sample) {
		c.logger.Debugw("dropping out of order GPS/INS sample", "timestamp", sample.Timestamp)
		return false
	}
	return true
}

// AddImage hands the latest image of a camera to its pipeline, replacing an unconsumed one.
func (c *Calibrator) AddImage(cameraID int, img image.Image, timestamp uint64) error {
	cam, err := c.camera(cameraID)
	if err != nil {
		return err
	}
	cam.slot.Publish(img, timestamp)
	return nil
}

// PublishImageAndWait hands an image to a camera's pipeline and blocks until it is processed.
func (c *Calibrator) PublishImageAndWait(ctx context.Context, cameraID int, img image.Image, timestamp uint64) error {
	cam, err := c.camera(cameraID)
	if err != nil {
		return err
	}
	return cam.slot.PublishAndWait(ctx, img, timestamp)
}

// Completed reports whether every pipeline has collected enough motions.
func (c *Calibrator) Completed() bool {
	for _, cam := range c.cameras {
		if !cam.pipeline.Completed() {
			return false
		}
	}
	return len(c.cameras) > 0
}

// Status returns the progress of every camera, indexed by camera id.
func (c *Calibrator) Status() []pipeline.Status {
	status := make([]pipeline.Status, len(c.cameras))
	for i, cam := range c.cameras {
		status[i] = cam.pipeline.Status()
	}
	return status
}

// Stop stops every pipeline and waits for them to solve.
func (c *Calibrator) Stop(ctx context.Context) error {
	_, span := trace.StartSpan(ctx, "camodocalib::Calibrator::Stop")
	defer span.End()

	if !c.started.Load() {
		return errors.New("calibrator not started")
	}
	c.cancelFunc()
	for _, cam := range c.cameras {
		cam.pipeline.Stop()
	}
	for _, cam := range c.cameras {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-cam.pipeline.Finished():
		}
	}
	for _, cam := range c.cameras {
		cam.pipeline.Join()
	}
	return nil
}

// Wait blocks until every pipeline has completed, polling at the image poll interval.
func (c *Calibrator) Wait(ctx context.Context) error {
	ticker := c.clock.Ticker(c.tuning.pipeline.ImagePollInterval)
	defer ticker.Stop()
	for !c.Completed() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// CamOdoTransform returns the solved pose of a camera in the odometry frame. It is the identity
// until the camera's pipeline has finished.
func (c *Calibrator) CamOdoTransform(cameraID int) (geometry.Transform, error) {
	cam, err := c.camera(cameraID)
	if err != nil {
		return geometry.Transform{}, err
	}
	if err := cam.pipeline.SolveErr(); err != nil {
		return geometry.Identity(), err
	}
	return cam.pipeline.CamOdoTransform(), nil
}

// Close stops the pipelines and releases the image slots.
func (c *Calibrator) Close() error {
	c.closeOnce.Do(func() {
		c.cancelFunc()
		for _, cam := range c.cameras {
			if cam.pipeline != nil {
				cam.pipeline.Stop()
				cam.pipeline.Join()
			}
			cam.slot.Close()
		}
		c.activeBackgroundWorkers.Wait()
	})
	return nil
}
