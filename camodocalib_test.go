package camodocalib

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/slam/dataprocess"
	"go.viam.com/test"

	"github.com/viamrobotics/viam-camodo-calib/cameramodel"
	"github.com/viamrobotics/viam-camodo-calib/geometry"
	"github.com/viamrobotics/viam-camodo-calib/internal/testhelper"
	"github.com/viamrobotics/viam-camodo-calib/pipeline"
	"github.com/viamrobotics/viam-camodo-calib/simulation"
	"github.com/viamrobotics/viam-camodo-calib/sparsegraph"
	"github.com/viamrobotics/viam-camodo-calib/swba"
)

func testCameraConfig(name string) CameraConfig {
	return CameraConfig{Name: name, Width: 640, Height: 480, Fx: 300, Fy: 300, Ppx: 320, Ppy: 240}
}

// forwardCamOdo looks along the odometry x axis, mounted above and ahead of the odometry origin.
func forwardCamOdo() geometry.Transform {
	return geometry.NewTransform(geometry.RPYToQuat(-math.Pi/2, 0, -math.Pi/2), r3.Vector{X: 0.8, Y: -0.1, Z: 1.2})
}

func simulatedTrackers(
	scene *simulation.Scene,
	traj *simulation.Trajectory,
	camOdo []geometry.Transform,
	breakAt []uint64,
) TrackerFactory {
	return func(id int, cam *cameramodel.Pinhole, est swba.Config, logger golog.Logger) (pipeline.FeatureTracker, error) {
		cfg := simulation.DefaultTrackerConfig()
		cfg.CamOdo = camOdo[id]
		cfg.Estimator = est
		cfg.BreakAt = breakAt
		tracker, err := simulation.NewTracker(scene, cam, traj.Truth, cfg, logger)
		if err != nil {
			return nil, err
		}
		return tracker, nil
	}
}

type fatalRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (f *fatalRecorder) fatal(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, err)
}

func (f *fatalRecorder) Errors() []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]error(nil), f.errs...)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()

	t.Run("valid file", func(t *testing.T) {
		path := filepath.Join(dir, "valid.yaml")
		data := []byte(`pose_source: gps_ins
motion_count: 50
data_dir: /tmp/calib
save_keyframes: true
cameras:
  - name: front
    width: 640
    height: 480
    fx: 300
    fy: 310
    ppx: 320
    ppy: 240
    distortion:
      k1: 0.01
      p1: 0.001
config_params:
  window_size: "12"
`)
		test.That(t, os.WriteFile(path, data, 0o600), test.ShouldBeNil)
		cfg, err := LoadConfig(path)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, cfg.PoseSource, test.ShouldEqual, "gps_ins")
		test.That(t, cfg.MotionCount, test.ShouldEqual, 50)
		test.That(t, cfg.SaveKeyframes, test.ShouldBeTrue)
		test.That(t, cfg.Cameras, test.ShouldHaveLength, 1)
		test.That(t, cfg.Cameras[0].Fy, test.ShouldEqual, 310)
		test.That(t, cfg.Cameras[0].Distortion.RadialK1, test.ShouldEqual, 0.01)
		test.That(t, cfg.ConfigParams["window_size"], test.ShouldEqual, "12")
		test.That(t, cfg.Validate(), test.ShouldBeNil)
	})

	t.Run("unknown field", func(t *testing.T) {
		path := filepath.Join(dir, "unknown.yaml")
		test.That(t, os.WriteFile(path, []byte("sensors: [cam]\n"), 0o600), test.ShouldBeNil)
		_, err := LoadConfig(path)
		test.That(t, err, test.ShouldNotBeNil)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(dir, "missing.yaml"))
		test.That(t, err, test.ShouldNotBeNil)
	})
}

func TestConfigValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{Cameras: []CameraConfig{testCameraConfig("front")}}
	}
	test.That(t, valid().Validate(), test.ShouldBeNil)

	cfg := valid()
	cfg.PoseSource = "lidar"
	test.That(t, cfg.Validate().Error(), test.ShouldContainSubstring, "pose_source \"lidar\" is not supported")

	cfg = valid()
	cfg.Cameras = nil
	test.That(t, cfg.Validate(), test.ShouldNotBeNil)

	cfg = valid()
	cfg.Cameras = append(cfg.Cameras, testCameraConfig("front"))
	test.That(t, cfg.Validate().Error(), test.ShouldContainSubstring, "used twice")

	cfg = valid()
	cfg.Cameras[0].Fx = 0
	test.That(t, cfg.Validate().Error(), test.ShouldContainSubstring, "invalid parameters for camera \"front\"")

	cfg = valid()
	cfg.MotionCount = -1
	test.That(t, cfg.Validate(), test.ShouldNotBeNil)
}

func TestConfigResolve(t *testing.T) {
	logger := golog.NewTestLogger(t)

	t.Run("defaults", func(t *testing.T) {
		cfg := &Config{Cameras: []CameraConfig{testCameraConfig("front")}}
		tn, err := cfg.resolve(logger)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, tn.motionCount, test.ShouldEqual, defaultMotionCount)
		test.That(t, tn.bufferSize, test.ShouldEqual, defaultBufferSize)
		test.That(t, tn.pipeline.PoseSource, test.ShouldEqual, pipeline.PoseSourceOdometry)
		test.That(t, tn.pipeline.KeyFrameDistance, test.ShouldEqual, 0.25)
		test.That(t, tn.pipeline.MinTrackLength, test.ShouldEqual, 15)
		test.That(t, tn.pipeline.PoseTimeout, test.ShouldEqual, 4*time.Second)
		test.That(t, tn.estimator.WindowSize, test.ShouldEqual, 10)
		test.That(t, tn.estimator.FreeWindowSize, test.ShouldEqual, 3)
		test.That(t, tn.estimator.ReprojErrorThresh, test.ShouldEqual, 2.0)
		test.That(t, tn.estimator.TwoViewReprojErrorThresh, test.ShouldEqual, 3.0)
		test.That(t, tn.estimator.MinDisparity, test.ShouldEqual, 3.0)
		test.That(t, tn.estimator.NominalFocalLength, test.ShouldEqual, 300.0)
		test.That(t, tn.estimator.Min2D2DCorrespondences, test.ShouldEqual, 10)
	})

	t.Run("overrides", func(t *testing.T) {
		cfg := &Config{
			PoseSource:  "gps_ins",
			MotionCount: 30,
			Cameras:     []CameraConfig{testCameraConfig("front")},
			ConfigParams: map[string]string{
				"window_size":         "8",
				"fixed_window_size":   "2",
				"keyframe_distance":   "0.5",
				"min_track_length":    "6",
				"pose_timeout_sec":    "0.5",
				"min_correspondences": "12",
			},
		}
		tn, err := cfg.resolve(logger)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, tn.motionCount, test.ShouldEqual, 30)
		test.That(t, tn.pipeline.PoseSource, test.ShouldEqual, pipeline.PoseSourceGPSINS)
		test.That(t, tn.pipeline.KeyFrameDistance, test.ShouldEqual, 0.5)
		test.That(t, tn.pipeline.MinTrackLength, test.ShouldEqual, 6)
		test.That(t, tn.pipeline.PoseTimeout, test.ShouldEqual, 500*time.Millisecond)
		test.That(t, tn.estimator.WindowSize, test.ShouldEqual, 8)
		test.That(t, tn.estimator.FreeWindowSize, test.ShouldEqual, 2)
		test.That(t, tn.estimator.Min2D2DCorrespondences, test.ShouldEqual, 12)
		test.That(t, tn.estimator.Min2D3DCorrespondences, test.ShouldEqual, 12)
	})

	t.Run("invalid definition", func(t *testing.T) {
		cfg := &Config{
			Cameras:      []CameraConfig{testCameraConfig("front")},
			ConfigParams: map[string]string{"window_size": "ten"},
		}
		_, err := cfg.resolve(logger)
		test.That(t, err, test.ShouldBeError, "Parameter window_size has an invalid definition")
	})

	t.Run("inconsistent window", func(t *testing.T) {
		cfg := &Config{
			Cameras:      []CameraConfig{testCameraConfig("front")},
			ConfigParams: map[string]string{"window_size": "3", "fixed_window_size": "3"},
		}
		_, err := cfg.resolve(logger)
		test.That(t, err, test.ShouldNotBeNil)
	})
}

func TestCameraConfigModel(t *testing.T) {
	c := testCameraConfig("front")
	c.Distortion = &DistortionConfig{RadialK1: 0.1, TangentialP2: 0.01}
	model, err := c.Model()
	test.That(t, err, test.ShouldBeNil)
	w, h := model.ImageSize()
	test.That(t, w, test.ShouldEqual, 640)
	test.That(t, h, test.ShouldEqual, 480)
	test.That(t, CameraConfigFromModel("front", model), test.ShouldResemble, c)
}

func TestCalibratorSetup(t *testing.T) {
	logger := golog.NewTestLogger(t)
	ctx := context.Background()
	scene := simulation.NewScene(10, r3.Vector{}, r3.Vector{X: 1, Y: 1, Z: 1}, 1)
	traj := simulation.Straight(10, 0.3, 0, 100000)
	factory := simulatedTrackers(scene, traj, []geometry.Transform{forwardCamOdo(), forwardCamOdo()}, nil)

	t.Run("missing tracker factory", func(t *testing.T) {
		_, err := New(ctx, &Config{Cameras: []CameraConfig{testCameraConfig("front")}}, Dependencies{}, logger)
		test.That(t, err, test.ShouldBeError, "missing tracker factory")
	})

	t.Run("invalid config", func(t *testing.T) {
		_, err := New(ctx, &Config{}, Dependencies{NewTracker: factory}, logger)
		test.That(t, err, test.ShouldNotBeNil)
	})

	t.Run("camera lookup and sample ordering", func(t *testing.T) {
		dir := t.TempDir()
		cfg := &Config{
			DataDirectory: dir,
			Cameras:       []CameraConfig{testCameraConfig("front"), testCameraConfig("rear")},
		}
		c, err := New(ctx, cfg, Dependencies{NewTracker: factory}, logger)
		test.That(t, err, test.ShouldBeNil)
		defer func() { test.That(t, c.Close(), test.ShouldBeNil) }()

		for _, sub := range []string{"config", "data", "map"} {
			_, err := os.Stat(filepath.Join(dir, sub))
			test.That(t, err, test.ShouldBeNil)
		}

		test.That(t, c.NumCameras(), test.ShouldEqual, 2)
		id, ok := c.CameraID("rear")
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, id, test.ShouldEqual, 1)
		_, ok = c.CameraID("side")
		test.That(t, ok, test.ShouldBeFalse)
		_, err = c.Camera(2)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, c.AddImage(-1, nil, 0), test.ShouldNotBeNil)

		test.That(t, c.AddOdometry(sparsegraph.Odometry{Timestamp: 10}), test.ShouldBeTrue)
		test.That(t, c.AddOdometry(sparsegraph.Odometry{Timestamp: 5}), test.ShouldBeFalse)
		test.That(t, c.AddGPSINS(sparsegraph.NewPose(10, geometry.Identity())), test.ShouldBeTrue)
		test.That(t, c.AddGPSINS(sparsegraph.NewPose(9, geometry.Identity())), test.ShouldBeFalse)

		test.That(t, c.Completed(), test.ShouldBeFalse)
		test.That(t, c.Status(), test.ShouldHaveLength, 2)
		test.That(t, c.Stop(ctx), test.ShouldBeError, "calibrator not started")

		res := c.Results()
		test.That(t, res.PoseSource, test.ShouldEqual, "odometry")
		test.That(t, res.Cameras, test.ShouldHaveLength, 2)
		test.That(t, res.Cameras[1].Name, test.ShouldEqual, "rear")
		test.That(t, res.Cameras[1].Calibrated, test.ShouldBeFalse)
		test.That(t, res.Cameras[1].CamOdo.Quaternion, test.ShouldResemble, [4]float64{1, 0, 0, 0})
	})

	t.Run("start twice", func(t *testing.T) {
		c, err := New(ctx, &Config{Cameras: []CameraConfig{testCameraConfig("front")}}, Dependencies{NewTracker: factory}, logger)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, c.Start(ctx), test.ShouldBeNil)
		test.That(t, c.Start(ctx), test.ShouldNotBeNil)
		test.That(t, c.Stop(ctx), test.ShouldBeNil)
		test.That(t, c.Close(), test.ShouldBeNil)
	})
}

func TestCalibratorEndToEnd(t *testing.T) {
	logger := golog.NewTestLogger(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	traj := simulation.Arc(200, 0.3, 0.012, 1000000, 100000).Wobble(0.08, 13)
	scene := simulation.NewScene(4000, r3.Vector{X: -20, Y: -15, Z: -3}, r3.Vector{X: 45, Y: 40, Z: 6}, 7)
	camOdo := forwardCamOdo()

	var breakAt []uint64
	for i := 25; i < len(traj.Samples); i += 25 {
		breakAt = append(breakAt, traj.Samples[i].Timestamp)
	}

	dir := t.TempDir()
	cfg := &Config{
		MotionCount:   60,
		DataDirectory: dir,
		SaveKeyframes: true,
		Cameras:       []CameraConfig{testCameraConfig("front")},
		ConfigParams:  map[string]string{"min_track_length": "5"},
	}
	fatal := &fatalRecorder{}
	c, err := New(ctx, cfg, Dependencies{
		NewTracker: simulatedTrackers(scene, traj, []geometry.Transform{camOdo}, breakAt),
		Fatal:      fatal.fatal,
	}, logger)
	test.That(t, err, test.ShouldBeNil)
	defer func() { test.That(t, c.Close(), test.ShouldBeNil) }()
	test.That(t, c.Start(ctx), test.ShouldBeNil)

	model, err := c.Camera(0)
	test.That(t, err, test.ShouldBeNil)
	replayed, err := simulation.Replay(ctx, c, traj, scene, simulation.ReplayConfig{
		Cameras: []simulation.ReplayCamera{{ID: 0, Camera: model, CamOdo: camOdo}},
		Done:    c.Completed,
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, replayed, test.ShouldBeLessThan, len(traj.Samples))
	test.That(t, c.Wait(ctx), test.ShouldBeNil)
	test.That(t, c.Stop(ctx), test.ShouldBeNil)
	test.That(t, fatal.Errors(), test.ShouldBeEmpty)

	status := c.Status()[0]
	test.That(t, status.Completed, test.ShouldBeTrue)
	test.That(t, status.Motions, test.ShouldBeGreaterThanOrEqualTo, 60)
	test.That(t, status.TrackBreaks, test.ShouldBeGreaterThanOrEqualTo, 2)

	solved, err := c.CamOdoTransform(0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, solved.AngleTo(camOdo), test.ShouldBeLessThan, 1e-2)
	test.That(t, solved.Translation.Sub(camOdo.Translation).Norm(), test.ShouldBeLessThan, 0.05)

	path, err := c.SaveResults(ctx)
	test.That(t, err, test.ShouldBeNil)
	latest, err := LatestResultsFile(dir)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, latest, test.ShouldEqual, path)

	res, err := LoadResults(latest)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Cameras, test.ShouldHaveLength, 1)
	cam := res.Cameras[0]
	test.That(t, cam.Calibrated, test.ShouldBeTrue)
	test.That(t, cam.Error, test.ShouldBeEmpty)
	test.That(t, cam.CamOdo.Transform().AlmostEqual(solved, 1e-9), test.ShouldBeTrue)
	test.That(t, cam.Matrix[3], test.ShouldResemble, [4]float64{0, 0, 0, 1})
	test.That(t, cam.Matrix[0][3], test.ShouldAlmostEqual, solved.Translation.X, 1e-12)
	test.That(t, cam.ReprojectionError.Count, test.ShouldBeGreaterThan, 0)
	test.That(t, cam.ReprojectionError.Max, test.ShouldBeLessThan, 1e-6)
	test.That(t, len(cam.Segments), test.ShouldBeGreaterThanOrEqualTo, 2)

	first := cam.Segments[0][0]
	test.That(t, first.CameraPose, test.ShouldNotBeNil)
	test.That(t, first.Keyframe, test.ShouldNotBeEmpty)
	_, err = os.Stat(first.Keyframe)
	test.That(t, err, test.ShouldBeNil)
	keyframes := 0
	for _, segment := range cam.Segments {
		for _, frame := range segment {
			if frame.Keyframe != "" {
				keyframes++
			}
		}
	}
	test.That(t, testhelper.FilesWithExt(t, filepath.Join(dir, "data"), ".png"), test.ShouldHaveLength, keyframes)
	truth, ok := traj.At(first.Timestamp)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, first.SystemPose.X, test.ShouldAlmostEqual, truth.X, 1e-9)
	test.That(t, first.SystemPose.Yaw, test.ShouldAlmostEqual, truth.Yaw, 1e-9)
}

func TestCalibratorStraightLine(t *testing.T) {
	logger := golog.NewTestLogger(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	// a camera without rotation relative to the odometry frame looks up at the landmarks
	traj := simulation.Straight(20, 0.5, 1000000, 100000)
	scene := simulation.NewScene(1500, r3.Vector{X: -10, Y: -12, Z: 5}, r3.Vector{X: 30, Y: 12, Z: 15}, 3)
	camOdo := geometry.Identity()

	fatal := &fatalRecorder{}
	c, err := New(ctx, &Config{
		MotionCount: 19,
		Cameras:     []CameraConfig{testCameraConfig("up")},
	}, Dependencies{
		NewTracker: simulatedTrackers(scene, traj, []geometry.Transform{camOdo}, nil),
		Fatal:      fatal.fatal,
	}, logger)
	test.That(t, err, test.ShouldBeNil)
	defer func() { test.That(t, c.Close(), test.ShouldBeNil) }()
	test.That(t, c.Start(ctx), test.ShouldBeNil)

	model, err := c.Camera(0)
	test.That(t, err, test.ShouldBeNil)
	replayed, err := simulation.Replay(ctx, c, traj, scene, simulation.ReplayConfig{
		Cameras: []simulation.ReplayCamera{{ID: 0, Camera: model, CamOdo: camOdo}},
		Done:    c.Completed,
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, replayed, test.ShouldEqual, 20)
	// the only segment is submitted when the pipeline stops
	test.That(t, c.Stop(ctx), test.ShouldBeNil)
	test.That(t, fatal.Errors(), test.ShouldBeEmpty)

	status := c.Status()[0]
	test.That(t, status.Completed, test.ShouldBeTrue)
	test.That(t, status.Motions, test.ShouldEqual, 19)
	solved, err := c.CamOdoTransform(0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, geometry.Angle(solved.Rotation), test.ShouldBeLessThan, 1e-4)
}

func TestLatestResultsFile(t *testing.T) {
	dir := testhelper.CreateTempFolderArchitecture(t, golog.NewTestLogger(t))

	path, err := LatestResultsFile(dir)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, path, test.ShouldBeEmpty)

	stamp := func(day, hour int) string {
		return time.Date(2023, 4, day, hour, 0, 0, 0, time.UTC).Format(dataprocess.SlamTimeFormat)
	}
	for _, name := range []string{
		"calibration_data_" + stamp(10, 10) + ".yaml",
		"calibration_data_" + stamp(12, 9) + ".yaml",
		"calibration_data_" + stamp(11, 23) + ".yaml",
		"calibration_data_garbage.yaml",
		"notes.yaml",
		"calibration_data_" + stamp(13, 0) + ".txt",
	} {
		test.That(t, os.WriteFile(filepath.Join(dir, "config", name), []byte("cameras: []\n"), 0o600), test.ShouldBeNil)
	}
	path, err = LatestResultsFile(dir)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, filepath.Base(path), test.ShouldEqual, "calibration_data_"+stamp(12, 9)+".yaml")
	test.That(t, testhelper.FilesWithExt(t, filepath.Join(dir, "config"), ".yaml"), test.ShouldHaveLength, 5)

	test.That(t, testhelper.ResetFolder(filepath.Join(dir, "config")), test.ShouldBeNil)
	path, err = LatestResultsFile(dir)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, path, test.ShouldBeEmpty)

	_, err = LatestResultsFile(filepath.Join(dir, "missing"))
	test.That(t, err, test.ShouldNotBeNil)
}
