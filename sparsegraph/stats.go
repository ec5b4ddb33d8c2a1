package sparsegraph

import (
	"fmt"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/stat"

	"github.com/viamrobotics/viam-camodo-calib/geometry"
)

// ErrorStats summarizes a set of reprojection errors in pixels.
type ErrorStats struct {
	Min   float64 `yaml:"min"`
	Max   float64 `yaml:"max"`
	Mean  float64 `yaml:"mean"`
	Count int     `yaml:"count"`
}

func (s ErrorStats) String() string {
	return fmt.Sprintf("min: %.3f | max: %.3f | avg: %.3f (%d observations)", s.Min, s.Max, s.Mean, s.Count)
}

// Summarize returns the statistics of errs, or all zeros when errs is empty.
func Summarize(errs []float64) ErrorStats {
	if len(errs) == 0 {
		return ErrorStats{}
	}
	return ErrorStats{
		Min:   floats.Min(errs),
		Max:   floats.Max(errs),
		Mean:  stat.Mean(errs, nil),
		Count: len(errs),
	}
}

// Reprojector measures the pixel error of a scene point seen by a camera at a given pose.
type Reprojector interface {
	ReprojectionError(point r3.Vector, rotation quat.Number, translation r3.Vector, observed r2.Point) float64
}

// AppendReprojectionErrors appends the error of every scene-point-backed feature of frame, seen
// through worldToCamera.
func AppendReprojectionErrors(
	errs []float64,
	cam Reprojector,
	frame *Frame,
	worldToCamera geometry.Transform,
) []float64 {
	for _, f := range frame.Features() {
		if !f.HasFeature3D() {
			continue
		}
		errs = append(errs, cam.ReprojectionError(
			f.Feature3D().Point, worldToCamera.Rotation, worldToCamera.Translation, f.Keypoint))
	}
	return errs
}
