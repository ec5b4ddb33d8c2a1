package simulation

import (
	"context"
	"image"

	"github.com/pkg/errors"

	"github.com/viamrobotics/viam-camodo-calib/cameramodel"
	"github.com/viamrobotics/viam-camodo-calib/geometry"
	"github.com/viamrobotics/viam-camodo-calib/sparsegraph"
)

// Sink receives replayed sensor data.
type Sink interface {
	AddOdometry(sample sparsegraph.Odometry) bool
	AddGPSINS(sample sparsegraph.Pose) bool
	PublishImageAndWait(ctx context.Context, cameraID int, img image.Image, timestamp uint64) error
}

// ReplayCamera is one camera mounted on the simulated vehicle.
type ReplayCamera struct {
	ID     int
	Camera cameramodel.Camera
	// CamOdo is the camera pose in the odometry frame.
	CamOdo geometry.Transform
}

// ReplayConfig configures Replay.
type ReplayConfig struct {
	Cameras []ReplayCamera
	// GPSINS also feeds the trajectory as GPS/INS poses.
	GPSINS bool
	// Done is polled before every sample; replay stops once it returns true.
	Done func() bool
}

// Replay drives the vehicle along traj, feeding pose samples one interval ahead of the
// images so every image timestamp can be interpolated, and waits for each image to be
// consumed before moving on.
func Replay(ctx context.Context, sink Sink, traj *Trajectory, scene *Scene, cfg ReplayConfig) (int, error) {
	if len(traj.Samples) == 0 {
		return 0, errors.New("empty trajectory")
	}
	var gps []sparsegraph.Pose
	if cfg.GPSINS {
		gps = traj.GPSINS()
	}
	push := func(i int) {
		sink.AddOdometry(traj.Samples[i])
		if gps != nil {
			sink.AddGPSINS(gps[i])
		}
	}

	push(0)
	for i, sample := range traj.Samples {
		if cfg.Done != nil && cfg.Done() {
			return i, nil
		}
		if i+1 < len(traj.Samples) {
			push(i + 1)
		}
		odoToWorld := sample.Transform()
		for _, cam := range cfg.Cameras {
			worldToCamera := cam.CamOdo.Inverse().Mul(odoToWorld.Inverse())
			img := Draw(cam.Camera, scene.Observe(cam.Camera, worldToCamera, nil))
			if err := sink.PublishImageAndWait(ctx, cam.ID, img, sample.Timestamp); err != nil {
				return i, errors.Wrapf(err, "camera %d at %d", cam.ID, sample.Timestamp)
			}
		}
	}
	return len(traj.Samples), nil
}
