// Package testhelper provides fakes of the calibration collaborators and injected rdk cameras
// shared by the package tests.
package testhelper

import (
	"context"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/edaniels/golog"
	"github.com/edaniels/gostream"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/pointcloud"
	"go.viam.com/rdk/rimage/transform"
	"go.viam.com/rdk/testutils/inject"
	"go.viam.com/slam/config"
	"go.viam.com/test"
	"gonum.org/v1/gonum/num/quat"

	"github.com/viamrobotics/viam-camodo-calib/geometry"
	"github.com/viamrobotics/viam-camodo-calib/sparsegraph"
)

// Intrinsics are plausible but fake camera parameters.
var Intrinsics = &transform.PinholeCameraIntrinsics{
	Width:  640,
	Height: 480,
	Fx:     300,
	Fy:     300,
	Ppx:    320,
	Ppy:    240,
}

// Distortion are fake Brown-Conrady coefficients matching Intrinsics.
var Distortion = &transform.BrownConrady{RadialK1: 0.001, RadialK2: 0.00004}

// ScriptedTracker is a feature tracker whose camera poses follow the system pose of every
// frame through a fixed camera-to-odometry transform. Frames whose timestamps are listed in
// Reject break the track.
type ScriptedTracker struct {
	// CamOdo is the camera pose in the odometry frame.
	CamOdo geometry.Transform
	Reject map[uint64]bool

	mu      sync.Mutex
	added   []*sparsegraph.Frame
	masks   []*image.Gray
	frames  []*sparsegraph.Frame
	poses   []geometry.Transform
	broken  bool
	onFrame func(frame *sparsegraph.Frame)
}

// NewScriptedTracker returns a tracker rejecting the given timestamps.
func NewScriptedTracker(camOdo geometry.Transform, reject ...uint64) *ScriptedTracker {
	t := &ScriptedTracker{CamOdo: camOdo, Reject: make(map[uint64]bool, len(reject))}
	for _, ts := range reject {
		t.Reject[ts] = true
	}
	return t
}

// OnFrame registers a callback run on every AddFrame before the frame is judged.
func (t *ScriptedTracker) OnFrame(f func(frame *sparsegraph.Frame)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onFrame = f
}

// AddFrame implements the feature tracker contract.
func (t *ScriptedTracker) AddFrame(frame *sparsegraph.Frame, mask *image.Gray) (bool, quat.Number, r3.Vector) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.added = append(t.added, frame)
	t.masks = append(t.masks, mask)
	if t.onFrame != nil {
		t.onFrame(frame)
	}
	if t.broken {
		t.frames, t.poses, t.broken = nil, nil, false
	}
	identity := geometry.Identity()
	if t.Reject[frame.Timestamp] || frame.SystemPose == nil {
		t.broken = true
		return false, identity.Rotation, r3.Vector{}
	}
	pose := t.CamOdo.Inverse().Mul(frame.SystemPose.Transform().Inverse())
	frame.SetCameraPose(pose)
	t.frames = append(t.frames, frame)
	t.poses = append(t.poses, pose)
	if len(t.poses) == 1 {
		return true, identity.Rotation, r3.Vector{}
	}
	rel := pose.Mul(t.poses[len(t.poses)-2].Inverse())
	return true, rel.Rotation, rel.Translation
}

// Poses implements the feature tracker contract.
func (t *ScriptedTracker) Poses() []geometry.Transform {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]geometry.Transform(nil), t.poses...)
}

// Frames implements the feature tracker contract.
func (t *ScriptedTracker) Frames() []*sparsegraph.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*sparsegraph.Frame(nil), t.frames...)
}

// Added returns every frame handed to AddFrame.
func (t *ScriptedTracker) Added() []*sparsegraph.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*sparsegraph.Frame(nil), t.added...)
}

// Masks returns the mask passed with every AddFrame call.
func (t *ScriptedTracker) Masks() []*image.Gray {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*image.Gray(nil), t.masks...)
}

// Segment is one motion segment handed to a RecordingAccumulator.
type Segment struct {
	Camera   []geometry.Transform
	Odometry []geometry.Transform
}

// RecordingAccumulator records motion segments. It rejects every segment once Reject is set.
type RecordingAccumulator struct {
	Target   int
	Reject   bool
	Result   geometry.Transform
	SolveErr error

	mu       sync.Mutex
	segments []Segment
	motions  int
	solves   int
}

// NewRecordingAccumulator returns an accumulator that completes after target motions and
// solves to result.
func NewRecordingAccumulator(target int, result geometry.Transform) *RecordingAccumulator {
	return &RecordingAccumulator{Target: target, Result: result}
}

// AddMotionSegment implements the accumulator contract.
func (a *RecordingAccumulator) AddMotionSegment(camMotions, odoMotions []geometry.Transform) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Reject || len(camMotions) != len(odoMotions) {
		return false
	}
	a.segments = append(a.segments, Segment{
		Camera:   append([]geometry.Transform(nil), camMotions...),
		Odometry: append([]geometry.Transform(nil), odoMotions...),
	})
	a.motions += len(camMotions)
	return true
}

// CurrentMotionCount implements the accumulator contract.
func (a *RecordingAccumulator) CurrentMotionCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.motions
}

// MotionCount implements the accumulator contract.
func (a *RecordingAccumulator) MotionCount() int { return a.Target }

// Solve implements the accumulator contract.
func (a *RecordingAccumulator) Solve() (geometry.Transform, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.solves++
	if a.SolveErr != nil {
		return geometry.Transform{}, a.SolveErr
	}
	return a.Result, nil
}

// Segments returns the recorded segments.
func (a *RecordingAccumulator) Segments() []Segment {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Segment(nil), a.segments...)
}

// Solves returns how often Solve was called.
func (a *RecordingAccumulator) Solves() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.solves
}

// TestImage returns a gradient image; different seeds give different images.
func TestImage(width, height int, seed uint8) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x) + seed, G: uint8(y), B: seed, A: 255})
		}
	}
	return img
}

func imageStream(next func() (image.Image, error)) func(
	ctx context.Context, errHandlers ...gostream.ErrorHandler,
) (gostream.VideoStream, error) {
	return func(ctx context.Context, errHandlers ...gostream.ErrorHandler) (gostream.VideoStream, error) {
		return gostream.NewEmbeddedVideoStreamFromReader(
			gostream.VideoReaderFunc(func(ctx context.Context) (image.Image, func(), error) {
				img, err := next()
				return img, func() {}, err
			}),
		), nil
	}
}

func baseCamera(next func() (image.Image, error)) *inject.Camera {
	cam := &inject.Camera{}
	cam.StreamFunc = imageStream(next)
	cam.NextPointCloudFunc = func(ctx context.Context) (pointcloud.PointCloud, error) {
		return nil, errors.New("camera not lidar")
	}
	cam.ProjectorFunc = func(ctx context.Context) (transform.Projector, error) {
		return Intrinsics, nil
	}
	return cam
}

// GoodCamera returns a camera with valid intrinsics and distortion that serves the images
// produced by next.
func GoodCamera(next func() (image.Image, error)) *inject.Camera {
	cam := baseCamera(next)
	cam.PropertiesFunc = func(ctx context.Context) (camera.Properties, error) {
		return camera.Properties{IntrinsicParams: Intrinsics, DistortionParams: Distortion}, nil
	}
	return cam
}

// MissingDistortionParamsCamera returns a camera without distortion parameters.
func MissingDistortionParamsCamera(next func() (image.Image, error)) *inject.Camera {
	cam := baseCamera(next)
	cam.PropertiesFunc = func(ctx context.Context) (camera.Properties, error) {
		return camera.Properties{IntrinsicParams: Intrinsics}, nil
	}
	return cam
}

// MissingIntrinsicsCamera returns a camera whose properties carry no intrinsics.
func MissingIntrinsicsCamera(next func() (image.Image, error)) *inject.Camera {
	cam := baseCamera(next)
	cam.ProjectorFunc = func(ctx context.Context) (transform.Projector, error) {
		return nil, transform.NewNoIntrinsicsError("")
	}
	cam.PropertiesFunc = func(ctx context.Context) (camera.Properties, error) {
		return camera.Properties{}, nil
	}
	return cam
}

// BadPropertiesCamera returns a camera whose properties cannot be read.
func BadPropertiesCamera() *inject.Camera {
	cam := baseCamera(func() (image.Image, error) { return TestImage(8, 8, 0), nil })
	cam.PropertiesFunc = func(ctx context.Context) (camera.Properties, error) {
		return camera.Properties{}, errors.New("somehow couldn't get properties")
	}
	return cam
}

// StreamErrorCamera returns a camera that does not stream images.
func StreamErrorCamera() *inject.Camera {
	cam := GoodCamera(nil)
	cam.StreamFunc = func(ctx context.Context, errHandlers ...gostream.ErrorHandler) (gostream.VideoStream, error) {
		return nil, errors.New("this device does not stream images")
	}
	return cam
}

// CreateTempFolderArchitecture creates a temporary data directory with the config, data and map
// subdirectories. It is removed when the test ends.
func CreateTempFolderArchitecture(t *testing.T, logger golog.Logger) string {
	t.Helper()
	dir := t.TempDir()
	test.That(t, config.SetupDirectories(dir, logger), test.ShouldBeNil)
	return dir
}

// ResetFolder removes all content in path and creates a new directory in its place.
func ResetFolder(path string) error {
	dirInfo, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !dirInfo.IsDir() {
		return errors.Errorf("the path passed ResetFolder does not point to a folder: %v", path)
	}
	if err = os.RemoveAll(path); err != nil {
		return err
	}
	return os.Mkdir(path, dirInfo.Mode())
}

// FilesWithExt returns the names of the files in dir with the given extension.
func FilesWithExt(t *testing.T, dir, ext string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	test.That(t, err, test.ShouldBeNil)
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ext {
			names = append(names, entry.Name())
		}
	}
	return names
}
