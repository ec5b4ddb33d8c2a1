package pipeline

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// PoseSource selects the proprioceptive stream frames are anchored to.
type PoseSource int

const (
	// PoseSourceOdometry anchors frames to wheel odometry.
	PoseSourceOdometry PoseSource = iota
	// PoseSourceGPSINS anchors frames to GPS/INS poses re-expressed in the odometry convention.
	PoseSourceGPSINS
)

// PoseSourceNames lists the names accepted by ParsePoseSource.
var PoseSourceNames = []string{"odometry", "gps_ins"}

func (s PoseSource) String() string {
	switch s {
	case PoseSourceOdometry:
		return "odometry"
	case PoseSourceGPSINS:
		return "gps_ins"
	default:
		return "unknown"
	}
}

// ParsePoseSource returns the pose source with the given name. The empty name is odometry.
func ParsePoseSource(name string) (PoseSource, error) {
	switch strings.ToLower(name) {
	case "", "odometry":
		return PoseSourceOdometry, nil
	case "gps_ins":
		return PoseSourceGPSINS, nil
	default:
		return 0, errors.Errorf("unsupported pose source %q, expected one of %v", name, PoseSourceNames)
	}
}

// Config tunes a pipeline.
type Config struct {
	PoseSource PoseSource
	// KeyFrameDistance is the distance the vehicle has to travel between accepted frames.
	KeyFrameDistance float64
	// MinTrackLength is the number of frames a visual track needs before its motions are used.
	MinTrackLength int
	// PoseTimeout bounds the wait for pose samples around an image timestamp.
	PoseTimeout       time.Duration
	ImagePollInterval time.Duration
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		PoseSource:        PoseSourceOdometry,
		KeyFrameDistance:  0.25,
		MinTrackLength:    15,
		PoseTimeout:       4 * time.Second,
		ImagePollInterval: 10 * time.Millisecond,
	}
}

// Validate checks the config.
func (c Config) Validate() error {
	if c.PoseSource != PoseSourceOdometry && c.PoseSource != PoseSourceGPSINS {
		return errors.Errorf("unknown pose source %d", c.PoseSource)
	}
	if c.KeyFrameDistance < 0 {
		return errors.Errorf("keyframe distance must not be negative, got %v", c.KeyFrameDistance)
	}
	if c.MinTrackLength < 2 {
		return errors.Errorf("min track length must be at least 2, got %d", c.MinTrackLength)
	}
	if c.PoseTimeout <= 0 || c.ImagePollInterval <= 0 {
		return errors.New("pose timeout and image poll interval must be positive")
	}
	return nil
}
