// Package main runs a camera-odometry calibration against a simulated vehicle and writes the
// results.
package main

import (
	"context"
	"math"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/utils"

	camodocalib "github.com/viamrobotics/viam-camodo-calib"
	"github.com/viamrobotics/viam-camodo-calib/cameramodel"
	"github.com/viamrobotics/viam-camodo-calib/geometry"
	"github.com/viamrobotics/viam-camodo-calib/pipeline"
	"github.com/viamrobotics/viam-camodo-calib/simulation"
	"github.com/viamrobotics/viam-camodo-calib/swba"
)

const (
	defaultSamples     = 600
	defaultStepMm      = 300
	defaultYawRateMrad = 12
	defaultBreakEvery  = 25
	defaultLandmarks   = 6000
	defaultTimeoutSec  = 300
	sampleInterval     = 100000
	sceneMargin        = 20
)

var logger = golog.NewDevelopmentLogger("camodosim")

// Arguments for the command.
type Arguments struct {
	ConfigFile  string `flag:"config,usage=calibration config file, a single simulated camera when empty"`
	DataDir     string `flag:"data-dir,usage=directory the results are written to"`
	Estimated   bool   `flag:"estimated,usage=estimate camera poses with visual odometry instead of ground truth"`
	Samples     int    `flag:"samples,usage=number of odometry samples along the trajectory"`
	StepMm      int    `flag:"step-mm,usage=distance travelled between samples in millimeters"`
	YawRateMrad int    `flag:"yaw-rate-mrad,usage=heading change between samples in milliradians"`
	BreakEvery  int    `flag:"break-every,usage=force a track break every n samples, never when negative"`
	Landmarks   int    `flag:"landmarks,usage=number of landmarks in the scene"`
	Seed        int    `flag:"seed,usage=scene seed"`
	TimeoutSec  int    `flag:"timeout-sec,usage=give up after this many seconds"`
}

func main() {
	utils.ContextualMain(mainWithArgs, logger)
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) error {
	var argsParsed Arguments
	if err := utils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}
	applyDefaults(&argsParsed)

	cfg, err := loadConfig(argsParsed)
	if err != nil {
		return err
	}
	return runSimulation(ctx, cfg, argsParsed, logger)
}

func applyDefaults(a *Arguments) {
	if a.Samples == 0 {
		a.Samples = defaultSamples
	}
	if a.StepMm == 0 {
		a.StepMm = defaultStepMm
	}
	if a.YawRateMrad == 0 {
		a.YawRateMrad = defaultYawRateMrad
	}
	if a.BreakEvery == 0 {
		a.BreakEvery = defaultBreakEvery
	}
	if a.Landmarks == 0 {
		a.Landmarks = defaultLandmarks
	}
	if a.Seed == 0 {
		a.Seed = 7
	}
	if a.TimeoutSec == 0 {
		a.TimeoutSec = defaultTimeoutSec
	}
}

func loadConfig(a Arguments) (*camodocalib.Config, error) {
	var cfg *camodocalib.Config
	if a.ConfigFile != "" {
		loaded, err := camodocalib.LoadConfig(a.ConfigFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = &camodocalib.Config{
			MotionCount: 100,
			Cameras: []camodocalib.CameraConfig{{
				Name: "front", Width: 640, Height: 480, Fx: 300, Fy: 300, Ppx: 320, Ppy: 240,
			}},
			ConfigParams: map[string]string{"min_track_length": "5"},
		}
	}
	if a.DataDir != "" {
		cfg.DataDirectory = a.DataDir
	}
	return cfg, nil
}

// mountingPose returns the true pose of the i-th simulated camera in the odometry frame: looking
// forward, each further camera turned a little more to the left.
func mountingPose(i int) geometry.Transform {
	yaw := 0.3 * float64(i)
	rot := geometry.RPYToQuat(-math.Pi/2, 0, -math.Pi/2+yaw)
	return geometry.NewTransform(rot, r3.Vector{X: 0.8, Y: -0.1 + 0.2*float64(i), Z: 1.2})
}

func runSimulation(ctx context.Context, cfg *camodocalib.Config, a Arguments, logger golog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(a.TimeoutSec)*time.Second)
	defer cancel()

	traj := simulation.Arc(
		a.Samples, float64(a.StepMm)/1000, float64(a.YawRateMrad)/1000, 1000000, sampleInterval).Wobble(0.08, 13)
	lo, hi := r3.Vector{X: math.Inf(1), Y: math.Inf(1), Z: -3}, r3.Vector{X: math.Inf(-1), Y: math.Inf(-1), Z: 6}
	for _, sample := range traj.Samples {
		lo.X, lo.Y = math.Min(lo.X, sample.X-sceneMargin), math.Min(lo.Y, sample.Y-sceneMargin)
		hi.X, hi.Y = math.Max(hi.X, sample.X+sceneMargin), math.Max(hi.Y, sample.Y+sceneMargin)
	}
	scene := simulation.NewScene(a.Landmarks, lo, hi, int64(a.Seed))

	var breakAt []uint64
	if a.BreakEvery > 0 {
		for i := a.BreakEvery; i < len(traj.Samples); i += a.BreakEvery {
			breakAt = append(breakAt, traj.Samples[i].Timestamp)
		}
	}

	newTracker := func(id int, cam *cameramodel.Pinhole, est swba.Config, logger golog.Logger) (pipeline.FeatureTracker, error) {
		trackerCfg := simulation.DefaultTrackerConfig()
		trackerCfg.CamOdo = mountingPose(id)
		trackerCfg.Estimator = est
		trackerCfg.BreakAt = breakAt
		trackerCfg.Seed = int64(a.Seed + id)
		if a.Estimated {
			trackerCfg.Mode = simulation.Estimated
		}
		return simulation.NewTracker(scene, cam, traj.Truth, trackerCfg, logger)
	}

	c, err := camodocalib.New(ctx, cfg, camodocalib.Dependencies{NewTracker: newTracker}, logger)
	if err != nil {
		return err
	}
	defer utils.UncheckedErrorFunc(c.Close)
	if err := c.Start(ctx); err != nil {
		return err
	}

	replayCams := make([]simulation.ReplayCamera, 0, c.NumCameras())
	for id := 0; id < c.NumCameras(); id++ {
		model, err := c.Camera(id)
		if err != nil {
			return err
		}
		replayCams = append(replayCams, simulation.ReplayCamera{ID: id, Camera: model, CamOdo: mountingPose(id)})
	}
	pose, err := pipeline.ParsePoseSource(cfg.PoseSource)
	if err != nil {
		return err
	}

	replayed, err := simulation.Replay(ctx, c, traj, scene, simulation.ReplayConfig{
		Cameras: replayCams,
		GPSINS:  pose == pipeline.PoseSourceGPSINS,
		Done:    c.Completed,
	})
	if err != nil {
		return err
	}
	logger.Infow("replayed trajectory", "samples", replayed, "of", len(traj.Samples))
	if !c.Completed() {
		return errors.Errorf("trajectory ended after %d samples before enough motions were collected", replayed)
	}
	if err := c.Wait(ctx); err != nil {
		return err
	}
	if err := c.Stop(ctx); err != nil {
		return err
	}

	for id := 0; id < c.NumCameras(); id++ {
		solved, err := c.CamOdoTransform(id)
		if err != nil {
			logger.Errorw("calibration failed", "camera", id, "error", err)
			continue
		}
		truth := mountingPose(id)
		logger.Infow("calibrated camera",
			"camera", id,
			"status", c.Status()[id].String(),
			"rotation_error_rad", solved.AngleTo(truth),
			"translation_error_m", solved.Translation.Sub(truth.Translation).Norm(),
		)
	}

	if cfg.DataDirectory == "" {
		return nil
	}
	filename, err := c.SaveResults(ctx)
	if err != nil {
		return err
	}
	logger.Infow("wrote calibration results", "file", filename)
	return nil
}
