package camodocalib

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.uber.org/multierr"
	"go.viam.com/rdk/rimage"
	rdkutils "go.viam.com/rdk/utils"
	"go.viam.com/slam/dataprocess"
	goutils "go.viam.com/utils"
	"gopkg.in/yaml.v2"

	"github.com/viamrobotics/viam-camodo-calib/geometry"
	"github.com/viamrobotics/viam-camodo-calib/sparsegraph"
)

const (
	resultsExt     = ".yaml"
	keyframeExt    = ".png"
	timestampToken = "_data_"
)

// PoseResult is a rigid transform as a unit quaternion (w, x, y, z) and a translation.
type PoseResult struct {
	Quaternion  [4]float64 `yaml:"quaternion"`
	Translation [3]float64 `yaml:"translation"`
}

func newPoseResult(t geometry.Transform) PoseResult {
	q := geometry.Normalize(t.Rotation)
	return PoseResult{
		Quaternion:  [4]float64{q.Real, q.Imag, q.Jmag, q.Kmag},
		Translation: [3]float64{t.Translation.X, t.Translation.Y, t.Translation.Z},
	}
}

// Transform converts the result back into a transform.
func (p PoseResult) Transform() geometry.Transform {
	t := geometry.Identity()
	t.Rotation.Real, t.Rotation.Imag, t.Rotation.Jmag, t.Rotation.Kmag =
		p.Quaternion[0], p.Quaternion[1], p.Quaternion[2], p.Quaternion[3]
	t.Rotation = geometry.Normalize(t.Rotation)
	t.Translation.X, t.Translation.Y, t.Translation.Z = p.Translation[0], p.Translation[1], p.Translation[2]
	return t
}

// FrameResult is one keyframe of a motion segment.
type FrameResult struct {
	Timestamp  uint64               `yaml:"timestamp"`
	SystemPose sparsegraph.Odometry `yaml:"system_pose"`
	CameraPose *PoseResult          `yaml:"camera_pose,omitempty"`
	Keyframe   string               `yaml:"keyframe,omitempty"`
}

// CameraResult is the calibration of one camera.
type CameraResult struct {
	Name        string       `yaml:"name"`
	ID          int          `yaml:"id"`
	Camera      CameraConfig `yaml:"camera"`
	Calibrated  bool         `yaml:"calibrated"`
	Error       string       `yaml:"error,omitempty"`
	Motions     int          `yaml:"motions"`
	TrackBreaks int          `yaml:"track_breaks"`
	// CamOdo is the camera pose in the odometry frame.
	CamOdo            PoseResult             `yaml:"cam_odo"`
	Matrix            [4][4]float64          `yaml:"cam_odo_matrix"`
	ReprojectionError sparsegraph.ErrorStats `yaml:"reprojection_error"`
	Segments          [][]FrameResult        `yaml:"segments"`
}

// CalibrationResults is the calibration of the whole rig.
type CalibrationResults struct {
	PoseSource string         `yaml:"pose_source"`
	Cameras    []CameraResult `yaml:"cameras"`
}

// Results collects the current calibration of every camera. Calibrated is only set once the
// camera's pipeline has finished solving.
func (c *Calibrator) Results() CalibrationResults {
	res := CalibrationResults{PoseSource: c.tuning.pipeline.PoseSource.String()}
	for id, cam := range c.cameras {
		status := cam.pipeline.Status()
		camOdo := cam.pipeline.CamOdoTransform()
		r := CameraResult{
			Name:              cam.name,
			ID:                id,
			Camera:            CameraConfigFromModel(cam.name, cam.model),
			Motions:           status.Motions,
			TrackBreaks:       status.TrackBreaks,
			CamOdo:            newPoseResult(camOdo),
			ReprojectionError: cam.pipeline.ReprojectionError(),
		}
		select {
		case <-cam.pipeline.Finished():
			if err := cam.pipeline.SolveErr(); err != nil {
				r.Error = err.Error()
			} else {
				r.Calibrated = true
			}
		default:
		}
		m := camOdo.Matrix()
		for i := 0; i < 4; i++ {
			for j := 0; j < 4; j++ {
				r.Matrix[i][j] = m.At(i, j)
			}
		}
		for _, segment := range cam.pipeline.FrameSegments() {
			frames := make([]FrameResult, 0, len(segment))
			for _, frame := range segment {
				fr := FrameResult{Timestamp: frame.Timestamp}
				if frame.SystemPose != nil {
					fr.SystemPose = *frame.SystemPose
				}
				if frame.CameraPose != nil {
					pose := newPoseResult(frame.CameraPose.Transform)
					fr.CameraPose = &pose
				}
				frames = append(frames, fr)
			}
			r.Segments = append(r.Segments, frames)
		}
		res.Cameras = append(res.Cameras, r)
	}
	return res
}

// SaveResults writes the results to <data_dir>/config/calibration_data_<time>.yaml and returns
// the path. With save_keyframes set, the images of the segment frames are archived as PNGs
// under <data_dir>/data.
func (c *Calibrator) SaveResults(ctx context.Context) (string, error) {
	ctx, span := trace.StartSpan(ctx, "camodocalib::Calibrator::SaveResults")
	defer span.End()

	if c.dataDirectory == "" {
		return "", errors.New("no data directory configured")
	}
	res := c.Results()
	if c.cfg.SaveKeyframes {
		if err := c.saveKeyframes(ctx, &res); err != nil {
			return "", errors.Wrap(err, "error saving keyframes")
		}
	}

	yamlData, err := yaml.Marshal(&res)
	if err != nil {
		return "", errors.Wrap(err, "Error while Marshaling YAML file")
	}
	filename := dataprocess.CreateTimestampFilename(
		filepath.Join(c.dataDirectory, "config"), "calibration", resultsExt, c.clock.Now())
	if err := dataprocess.WriteBytesToFile(yamlData, filename); err != nil {
		return "", err
	}
	c.logger.Infow("saved calibration results", "file", filename)
	return filename, nil
}

// saveKeyframes encodes the segment frames of every camera in parallel and records the file
// names in res.
func (c *Calibrator) saveKeyframes(ctx context.Context, res *CalibrationResults) error {
	dataDir := filepath.Join(c.dataDirectory, "data")
	var (
		mu   sync.Mutex
		errs error
	)
	for id, cam := range c.cameras {
		iCam, segments := id, cam.pipeline.FrameSegments()
		name := cam.name
		c.activeBackgroundWorkers.Add(1)
		goutils.PanicCapturingGo(func() {
			defer c.activeBackgroundWorkers.Done()
			for i, segment := range segments {
				for j, frame := range segment {
					if frame.Image == nil {
						continue
					}
					pngImage, err := rimage.EncodeImage(ctx, frame.Image, rdkutils.MimeTypePNG)
					if err == nil {
						filename := dataprocess.CreateTimestampFilename(
							dataDir, name, keyframeExt, time.UnixMicro(int64(frame.Timestamp)))
						if err = dataprocess.WriteBytesToFile(pngImage, filename); err == nil {
							mu.Lock()
							// segments may have grown since res was collected
							if i < len(res.Cameras[iCam].Segments) && j < len(res.Cameras[iCam].Segments[i]) {
								res.Cameras[iCam].Segments[i][j].Keyframe = filename
							}
							mu.Unlock()
							continue
						}
					}
					mu.Lock()
					errs = multierr.Append(errs, errors.Wrapf(err, "camera %q frame %d", name, frame.Timestamp))
					mu.Unlock()
				}
			}
		})
	}
	c.activeBackgroundWorkers.Wait()
	return errs
}

// LatestResultsFile finds the most recent results file in the config folder of a data
// directory. It returns an empty path when there is none.
func LatestResultsFile(dataDirectory string) (string, error) {
	root := filepath.Join(dataDirectory, "config")
	latest := time.Time{}
	var latestPath string

	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || filepath.Ext(path) != resultsExt {
			return nil
		}
		timestampLoc := strings.Index(entry.Name(), timestampToken)
		if timestampLoc == -1 {
			return nil
		}
		timestampStr := strings.TrimSuffix(entry.Name()[timestampLoc+len(timestampToken):], resultsExt)
		timestamp, err := time.Parse(dataprocess.SlamTimeFormat, timestampStr)
		if err != nil {
			return nil
		}
		if timestamp.After(latest) {
			latest = timestamp
			latestPath = path
		}
		return nil
	})
	if err != nil {
		return "", errors.Wrapf(err, "error searching %v for results", root)
	}
	return latestPath, nil
}

// LoadResults reads a results file written by SaveResults.
func LoadResults(path string) (*CalibrationResults, error) {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading results %v", path)
	}
	var res CalibrationResults
	if err := yaml.Unmarshal(data, &res); err != nil {
		return nil, errors.Wrapf(err, "error parsing results %v", path)
	}
	return &res, nil
}
