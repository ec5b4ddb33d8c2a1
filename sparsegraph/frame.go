package sparsegraph

import (
	"image"

	"github.com/golang/geo/r2"

	"github.com/viamrobotics/viam-camodo-calib/geometry"
)

// Frame is one sampled instant of one camera together with the poses known at that instant.
type Frame struct {
	CameraID  int
	Image     image.Image
	Timestamp uint64

	// CameraPose maps world coordinates into the camera frame. Only set when the pose is
	// estimated visually.
	CameraPose *Pose
	// SystemPose is the interpolated proprioceptive pose at capture time, expressed in the
	// odometry axis convention.
	SystemPose *Odometry
	// OdometryMeasurement is the raw interpolated wheel odometry, if an odometry stream exists.
	OdometryMeasurement *Odometry
	// GPSINSMeasurement is the raw interpolated GPS/INS pose, if a GPS/INS stream exists.
	GPSINSMeasurement *Pose

	features []*Point2DFeature
}

// NewFrame returns an empty frame.
func NewFrame(cameraID int, img image.Image, timestamp uint64) *Frame {
	return &Frame{CameraID: cameraID, Image: img, Timestamp: timestamp}
}

// AddFeature appends a new 2D observation owned by the frame.
func (f *Frame) AddFeature(keypoint r2.Point) *Point2DFeature {
	feature := &Point2DFeature{
		Keypoint:        keypoint,
		index:           len(f.features),
		frame:           f,
		bestPrevMatchID: NoMatch,
		bestNextMatchID: NoMatch,
	}
	f.features = append(f.features, feature)
	return feature
}

// Features returns the frame's features in insertion order.
func (f *Frame) Features() []*Point2DFeature {
	return f.features
}

// Feature returns the i-th feature.
func (f *Frame) Feature(i int) *Point2DFeature {
	return f.features[i]
}

// SetCameraPose records the world-to-camera transform at the frame's timestamp.
func (f *Frame) SetCameraPose(t geometry.Transform) {
	f.CameraPose = &Pose{Timestamp: f.Timestamp, Transform: t}
}

// NumFeatures3D returns how many of the frame's features are linked to a scene point.
func (f *Frame) NumFeatures3D() int {
	n := 0
	for _, feature := range f.features {
		if feature.HasFeature3D() {
			n++
		}
	}
	return n
}

// FindCorrespondences follows the best-match chain backwards from each feature of the last frame
// and returns every chain that visits all frames in order. Each chain is ordered like frames.
func FindCorrespondences(frames []*Frame) [][]*Point2DFeature {
	if len(frames) == 0 {
		return nil
	}
	last := frames[len(frames)-1]
	var chains [][]*Point2DFeature
	for _, feature := range last.features {
		chain := make([]*Point2DFeature, len(frames))
		chain[len(frames)-1] = feature
		complete := true
		for j := len(frames) - 2; j >= 0; j-- {
			prev := chain[j+1].PrevMatch()
			if prev == nil || prev.frame != frames[j] {
				complete = false
				break
			}
			chain[j] = prev
		}
		if complete {
			chains = append(chains, chain)
		}
	}
	return chains
}
