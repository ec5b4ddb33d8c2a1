// Package camerasource feeds images from an rdk camera into the calibrator.
package camerasource

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/edaniels/gostream"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/rimage"
	"go.viam.com/rdk/rimage/transform"
	"go.viam.com/rdk/utils"
	goutils "go.viam.com/utils"

	"github.com/viamrobotics/viam-camodo-calib/cameramodel"
)

// opTimeoutErrorMessage is returned by cameras that dropped a frame.
const opTimeoutErrorMessage = "bad scan: OpTimeout"

// DefaultDataRateMs is the default image polling period.
const DefaultDataRateMs = 200

// Sink receives the images read from a camera.
type Sink interface {
	AddImage(cameraID int, img image.Image, timestamp uint64) error
}

// ModelFromCamera builds the camera model from the intrinsics and distortion the camera
// reports. Cameras without distortion parameters get an undistorted model; distortion models
// other than Brown-Conrady are rejected.
func ModelFromCamera(ctx context.Context, cam camera.Camera, logger golog.Logger) (*cameramodel.Pinhole, error) {
	proj, err := cam.Projector(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "unable to get camera features for calibration")
	}
	intrinsics, ok := proj.(*transform.PinholeCameraIntrinsics)
	if !ok {
		return nil, transform.NewNoIntrinsicsError("Intrinsics do not exist")
	}

	props, err := cam.Properties(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "error getting camera properties for calibration")
	}
	var distortion *transform.BrownConrady
	switch params := props.DistortionParams.(type) {
	case nil:
		logger.Warnw("camera reports no distortion parameters, assuming an undistorted image")
	case *transform.BrownConrady:
		distortion = params
	default:
		return nil, errors.Errorf("error getting distortion_parameters for calibration, "+
			"only BrownConrady distortion parameters are supported, got %T", params)
	}
	return cameramodel.NewPinhole(intrinsics, distortion)
}

// ReadImage reads one image from the camera, hinting that a PNG is preferred. Lazily encoded
// images are decoded; everything else is copied so the camera's buffer can be released
// before returning.
func ReadImage(ctx context.Context, cam camera.Camera) (image.Image, error) {
	readImgCtx := gostream.WithMIMETypeHint(ctx, utils.WithLazyMIMEType(utils.MimeTypePNG))
	img, release, err := camera.ReadImage(readImgCtx, cam)
	if release != nil {
		defer release()
	}
	if err != nil {
		return nil, err
	}
	if lazyImg, ok := img.(*rimage.LazyEncodedImage); ok {
		decoded, err := rimage.DecodeImage(ctx, lazyImg.RawData(), lazyImg.MIMEType())
		if err != nil {
			return nil, errors.Wrapf(err, "error decoding %v image", lazyImg.MIMEType())
		}
		return decoded, nil
	}
	return rimage.ConvertImage(img), nil
}

// Source polls a camera at a fixed rate and hands every image to a sink, stamped with the
// time it was read.
type Source struct {
	name     string
	cameraID int
	cam      camera.Camera
	sink     Sink
	clock    clock.Clock
	dataRate time.Duration

	published atomic.Int64
	dropped   atomic.Int64

	cancelFunc              func()
	closeOnce               sync.Once
	activeBackgroundWorkers sync.WaitGroup
	logger                  golog.Logger
}

// Config configures a Source.
type Config struct {
	Name     string
	CameraID int
	// DataRateMs is the polling period, DefaultDataRateMs when zero.
	DataRateMs int
	// Clock paces the polling and stamps the images. Defaults to the wall clock.
	Clock clock.Clock
}

// New returns a source reading cam into sink. Polling begins with Start.
func New(cam camera.Camera, sink Sink, cfg Config, logger golog.Logger) (*Source, error) {
	if cam == nil {
		return nil, errors.New("missing camera")
	}
	if sink == nil {
		return nil, errors.New("missing image sink")
	}
	if cfg.DataRateMs < 0 {
		return nil, errors.Errorf("data_rate_ms must not be negative, got %d", cfg.DataRateMs)
	}
	dataRateMs := cfg.DataRateMs
	if dataRateMs == 0 {
		dataRateMs = DefaultDataRateMs
		logger.Debugf("no data_rate_ms given, setting to default value of %d", DefaultDataRateMs)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Source{
		name:     cfg.Name,
		cameraID: cfg.CameraID,
		cam:      cam,
		sink:     sink,
		clock:    clk,
		dataRate: time.Duration(dataRateMs) * time.Millisecond,
		logger:   logger,
	}, nil
}

// ReadOnce reads a single image and hands it to the sink. Dropped camera frames are skipped
// without an error.
func (s *Source) ReadOnce(ctx context.Context) error {
	ctx, span := trace.StartSpan(ctx, "camodocalib::camerasource::ReadOnce")
	defer span.End()

	img, err := ReadImage(ctx, s.cam)
	if err != nil {
		if err.Error() == opTimeoutErrorMessage {
			s.dropped.Add(1)
			s.logger.Warnw("Skipping this image due to error", "camera", s.name, "error", err)
			return nil
		}
		return errors.Wrapf(err, "error reading camera %q", s.name)
	}
	timestamp := uint64(s.clock.Now().UnixMicro())
	if err := s.sink.AddImage(s.cameraID, img, timestamp); err != nil {
		return errors.Wrapf(err, "error publishing image of camera %q", s.name)
	}
	s.published.Add(1)
	return nil
}

// Start polls the camera in the background until ctx is cancelled or the source is closed.
// Each successful read calls onImage, if set.
func (s *Source) Start(ctx context.Context, onImage func()) {
	cancelCtx, cancelFunc := context.WithCancel(ctx)
	s.cancelFunc = cancelFunc

	s.activeBackgroundWorkers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer s.activeBackgroundWorkers.Done()
		ticker := s.clock.Ticker(s.dataRate)
		defer ticker.Stop()

		for {
			select {
			case <-cancelCtx.Done():
				if err := cancelCtx.Err(); !errors.Is(err, context.Canceled) {
					s.logger.Errorw("unexpected error in camera source", "camera", s.name, "error", err)
				}
				return
			case <-ticker.C:
				if err := s.ReadOnce(cancelCtx); err != nil {
					if cancelCtx.Err() != nil {
						return
					}
					s.logger.Warn(err)
					continue
				}
				if onImage != nil {
					onImage()
				}
			}
		}
	})
}

// Published returns how many images reached the sink.
func (s *Source) Published() int { return int(s.published.Load()) }

// Dropped returns how many frames the camera dropped.
func (s *Source) Dropped() int { return int(s.dropped.Load()) }

// Close stops polling and waits for the background worker.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		if s.cancelFunc != nil {
			s.cancelFunc()
		}
		s.activeBackgroundWorkers.Wait()
	})
	return nil
}
