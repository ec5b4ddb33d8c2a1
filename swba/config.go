package swba

import (
	"github.com/pkg/errors"

	"github.com/viamrobotics/viam-camodo-calib/lsq"
)

// Mode selects how frame poses are obtained.
type Mode int

const (
	// ModeVisualOdometry estimates every frame's camera pose from the images.
	ModeVisualOdometry Mode = iota
	// ModePoseAnchored takes frame poses from the system pose and refines only the
	// camera-to-odometry transform and the scene points.
	ModePoseAnchored
)

func (m Mode) String() string {
	switch m {
	case ModeVisualOdometry:
		return "visual_odometry"
	case ModePoseAnchored:
		return "pose_anchored"
	default:
		return "unknown"
	}
}

// Config holds the estimator tuning parameters. Pixel thresholds are measured in the image.
type Config struct {
	// WindowSize is the maximum number of frames kept (N).
	WindowSize int
	// FreeWindowSize is the number of newest frames whose poses are optimized once the window
	// is full (n). The older N-n frames are held fixed.
	FreeWindowSize int

	ReprojErrorThresh        float64
	TwoViewReprojErrorThresh float64
	MinDisparity             float64
	// NominalFocalLength converts pixel thresholds into normalized image coordinates.
	NominalFocalLength float64

	Min2D2DCorrespondences int
	Min2D3DCorrespondences int

	RansacIterations int
	RansacSeed       int64

	// LossScale is the Cauchy loss scale applied to every reprojection residual, in pixels.
	LossScale float64
	Solver    lsq.Options
}

// DefaultConfig returns the default estimator configuration.
func DefaultConfig() Config {
	return Config{
		WindowSize:               10,
		FreeWindowSize:           3,
		ReprojErrorThresh:        2.0,
		TwoViewReprojErrorThresh: 3.0,
		MinDisparity:             3.0,
		NominalFocalLength:       300.0,
		Min2D2DCorrespondences:   10,
		Min2D3DCorrespondences:   10,
		RansacIterations:         100,
		RansacSeed:               1,
		LossScale:                1.0,
		Solver:                   lsq.DefaultOptions(),
	}
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	if c.WindowSize < 2 {
		return errors.Errorf("window size must be at least 2, got %d", c.WindowSize)
	}
	if c.FreeWindowSize < 1 || c.FreeWindowSize >= c.WindowSize {
		return errors.Errorf("free window size must be in [1, %d), got %d", c.WindowSize, c.FreeWindowSize)
	}
	if c.ReprojErrorThresh <= 0 || c.TwoViewReprojErrorThresh <= 0 {
		return errors.New("reprojection error thresholds must be positive")
	}
	if c.MinDisparity < 0 {
		return errors.New("minimum disparity cannot be negative")
	}
	if c.NominalFocalLength <= 0 {
		return errors.New("nominal focal length must be positive")
	}
	if c.Min2D2DCorrespondences < 8 {
		return errors.Errorf("at least 8 two-view correspondences are needed, got %d", c.Min2D2DCorrespondences)
	}
	if c.Min2D3DCorrespondences < 4 {
		return errors.Errorf("at least 4 scene point correspondences are needed, got %d", c.Min2D3DCorrespondences)
	}
	if c.RansacIterations <= 0 {
		return errors.New("ransac iterations must be positive")
	}
	return nil
}

// fixedPrefix returns how many of the oldest frames of a window of the given size have their
// poses held constant during optimization.
func (c Config) fixedPrefix(size int) int {
	if size > c.WindowSize-c.FreeWindowSize {
		return c.WindowSize - c.FreeWindowSize
	}
	return 1
}
