package camodocalib

import (
	"os"
	"strconv"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/rdk/rimage/transform"
	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v2"

	"github.com/viamrobotics/viam-camodo-calib/cameramodel"
	"github.com/viamrobotics/viam-camodo-calib/pipeline"
	"github.com/viamrobotics/viam-camodo-calib/swba"
)

const (
	defaultMotionCount      = 200
	defaultBufferSize       = 1000
	defaultPoseTimeoutSec   = 4
	defaultKeyFrameDistance = 0.25
	defaultMinTrackLength   = 15
)

// DistortionConfig holds Brown-Conrady distortion coefficients.
type DistortionConfig struct {
	RadialK1     float64 `yaml:"k1"`
	RadialK2     float64 `yaml:"k2"`
	RadialK3     float64 `yaml:"k3"`
	TangentialP1 float64 `yaml:"p1"`
	TangentialP2 float64 `yaml:"p2"`
}

// CameraConfig describes one camera of the rig.
type CameraConfig struct {
	Name       string            `yaml:"name"`
	Width      int               `yaml:"width"`
	Height     int               `yaml:"height"`
	Fx         float64           `yaml:"fx"`
	Fy         float64           `yaml:"fy"`
	Ppx        float64           `yaml:"ppx"`
	Ppy        float64           `yaml:"ppy"`
	Distortion *DistortionConfig `yaml:"distortion,omitempty"`
}

// Model validates the camera parameters and builds its projection model.
func (c CameraConfig) Model() (*cameramodel.Pinhole, error) {
	intrinsics := &transform.PinholeCameraIntrinsics{
		Width:  c.Width,
		Height: c.Height,
		Fx:     c.Fx,
		Fy:     c.Fy,
		Ppx:    c.Ppx,
		Ppy:    c.Ppy,
	}
	var distortion *transform.BrownConrady
	if c.Distortion != nil {
		distortion = &transform.BrownConrady{
			RadialK1:     c.Distortion.RadialK1,
			RadialK2:     c.Distortion.RadialK2,
			RadialK3:     c.Distortion.RadialK3,
			TangentialP1: c.Distortion.TangentialP1,
			TangentialP2: c.Distortion.TangentialP2,
		}
	}
	cam, err := cameramodel.NewPinhole(intrinsics, distortion)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid parameters for camera %q", c.Name)
	}
	return cam, nil
}

// CameraConfigFromModel describes an existing camera model.
func CameraConfigFromModel(name string, cam *cameramodel.Pinhole) CameraConfig {
	intr := cam.Intrinsics()
	c := CameraConfig{
		Name:   name,
		Width:  intr.Width,
		Height: intr.Height,
		Fx:     intr.Fx,
		Fy:     intr.Fy,
		Ppx:    intr.Ppx,
		Ppy:    intr.Ppy,
	}
	if d := cam.Distortion(); d != nil {
		c.Distortion = &DistortionConfig{
			RadialK1:     d.RadialK1,
			RadialK2:     d.RadialK2,
			RadialK3:     d.RadialK3,
			TangentialP1: d.TangentialP1,
			TangentialP2: d.TangentialP2,
		}
	}
	return c
}

// Config is the calibrator configuration.
type Config struct {
	PoseSource    string            `yaml:"pose_source"`
	MotionCount   int               `yaml:"motion_count"`
	DataDirectory string            `yaml:"data_dir"`
	SaveKeyframes bool              `yaml:"save_keyframes"`
	Cameras       []CameraConfig    `yaml:"cameras"`
	ConfigParams  map[string]string `yaml:"config_params"`
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (*Config, error) {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading config %v", path)
	}
	var cfg Config
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, errors.Wrapf(err, "error parsing config %v", path)
	}
	return &cfg, nil
}

// Validate checks the config without resolving the tuning parameters.
func (c *Config) Validate() error {
	if c.PoseSource != "" && !slices.Contains(pipeline.PoseSourceNames, c.PoseSource) {
		return errors.Errorf("pose_source %q is not supported, expected one of %v", c.PoseSource, pipeline.PoseSourceNames)
	}
	if len(c.Cameras) == 0 {
		return errors.New("at least one camera is required")
	}
	names := make([]string, 0, len(c.Cameras))
	for _, cam := range c.Cameras {
		if cam.Name == "" {
			return errors.New("every camera needs a name")
		}
		if slices.Contains(names, cam.Name) {
			return errors.Errorf("camera name %q is used twice", cam.Name)
		}
		names = append(names, cam.Name)
		if _, err := cam.Model(); err != nil {
			return err
		}
	}
	if c.MotionCount < 0 {
		return errors.Errorf("motion_count must not be negative, got %d", c.MotionCount)
	}
	return nil
}

// tuning is the resolved set of tuning parameters.
type tuning struct {
	motionCount int
	bufferSize  int
	pipeline    pipeline.Config
	estimator   swba.Config
}

func (c *Config) resolve(logger golog.Logger) (tuning, error) {
	var t tuning
	var err error
	poseSource, err := pipeline.ParsePoseSource(c.PoseSource)
	if err != nil {
		return t, err
	}
	t.motionCount = c.MotionCount
	if t.motionCount == 0 {
		logger.Debugf("Parameter motion_count not set, using default value %d", defaultMotionCount)
		t.motionCount = defaultMotionCount
	}
	if t.bufferSize, err = c.configToInt("buffer_size", defaultBufferSize, logger); err != nil {
		return t, err
	}

	t.pipeline = pipeline.DefaultConfig()
	t.pipeline.PoseSource = poseSource
	if t.pipeline.KeyFrameDistance, err = c.configToFloat("keyframe_distance", defaultKeyFrameDistance, logger); err != nil {
		return t, err
	}
	if t.pipeline.MinTrackLength, err = c.configToInt("min_track_length", defaultMinTrackLength, logger); err != nil {
		return t, err
	}
	timeoutSec, err := c.configToFloat("pose_timeout_sec", defaultPoseTimeoutSec, logger)
	if err != nil {
		return t, err
	}
	t.pipeline.PoseTimeout = time.Duration(timeoutSec * float64(time.Second))

	t.estimator = swba.DefaultConfig()
	if t.estimator.WindowSize, err = c.configToInt("window_size", t.estimator.WindowSize, logger); err != nil {
		return t, err
	}
	if t.estimator.FreeWindowSize, err = c.configToInt("fixed_window_size", t.estimator.FreeWindowSize, logger); err != nil {
		return t, err
	}
	if t.estimator.ReprojErrorThresh, err = c.configToFloat("reproj_thresh_px", t.estimator.ReprojErrorThresh, logger); err != nil {
		return t, err
	}
	if t.estimator.TwoViewReprojErrorThresh, err = c.configToFloat(
		"two_view_thresh_px", t.estimator.TwoViewReprojErrorThresh, logger); err != nil {
		return t, err
	}
	if t.estimator.MinDisparity, err = c.configToFloat("min_disparity_px", t.estimator.MinDisparity, logger); err != nil {
		return t, err
	}
	if t.estimator.NominalFocalLength, err = c.configToFloat(
		"nominal_focal_length", t.estimator.NominalFocalLength, logger); err != nil {
		return t, err
	}
	minCorrespondences, err := c.configToInt("min_correspondences", t.estimator.Min2D2DCorrespondences, logger)
	if err != nil {
		return t, err
	}
	t.estimator.Min2D2DCorrespondences = minCorrespondences
	t.estimator.Min2D3DCorrespondences = minCorrespondences

	if err := t.pipeline.Validate(); err != nil {
		return t, err
	}
	if err := t.estimator.Validate(); err != nil {
		return t, err
	}
	return t, nil
}

func (c *Config) configToInt(key string, def int, logger golog.Logger) (int, error) {
	valStr, ok := c.ConfigParams[key]
	if !ok {
		logger.Debugf("Parameter %s not found, using default value %d", key, def)
		return def, nil
	}

	val, err := strconv.Atoi(valStr)
	if err != nil {
		return 0, errors.Errorf("Parameter %s has an invalid definition", key)
	}

	return val, nil
}

func (c *Config) configToFloat(key string, def float64, logger golog.Logger) (float64, error) {
	valStr, ok := c.ConfigParams[key]
	if !ok {
		logger.Debugf("Parameter %s not found, using default value %f", key, def)
		return def, nil
	}

	val, err := strconv.ParseFloat(valStr, 64)
	if err != nil {
		return 0, errors.Errorf("Parameter %s has an invalid definition", key)
	}
	return val, nil
}
