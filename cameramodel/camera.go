// Package cameramodel implements the projection models used to measure reprojection error.
package cameramodel

import (
	"image"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/rimage/transform"
	"gonum.org/v1/gonum/num/quat"

	"github.com/viamrobotics/viam-camodo-calib/geometry"
)

const undistortIterations = 8

// Camera is a projection model from camera coordinates to pixels.
type Camera interface {
	// SpaceToPlane projects a point in camera coordinates to a pixel.
	SpaceToPlane(p r3.Vector) r2.Point
	// LiftProjective returns the ray through a pixel, scaled to z = 1.
	LiftProjective(p r2.Point) r3.Vector
	// ReprojectionError returns the pixel distance between the projection of a world point seen
	// from the given world-to-camera pose and an observed pixel.
	ReprojectionError(point r3.Vector, rotation quat.Number, translation r3.Vector, observed r2.Point) float64
	// Mask marks image regions to ignore with zero pixels. It may be nil.
	Mask() *image.Gray
	// ImageSize returns the image dimensions in pixels.
	ImageSize() (width, height int)
}

// Pinhole is a pinhole camera with optional Brown-Conrady distortion.
type Pinhole struct {
	intrinsics *transform.PinholeCameraIntrinsics
	distortion *transform.BrownConrady
	mask       *image.Gray
}

// NewPinhole validates the parameters and returns a pinhole camera. distortion may be nil.
func NewPinhole(
	intrinsics *transform.PinholeCameraIntrinsics,
	distortion *transform.BrownConrady,
) (*Pinhole, error) {
	if intrinsics == nil {
		return nil, transform.NewNoIntrinsicsError("Intrinsics do not exist")
	}
	if err := intrinsics.CheckValid(); err != nil {
		return nil, err
	}
	if distortion != nil {
		if err := distortion.CheckValid(); err != nil {
			return nil, errors.Wrap(err, "error validating distortion parameters")
		}
	}
	return &Pinhole{intrinsics: intrinsics, distortion: distortion}, nil
}

// FromModel builds a pinhole camera from an rdk camera model. Only Brown-Conrady distortion is
// supported.
func FromModel(model *transform.PinholeCameraModel) (*Pinhole, error) {
	if model == nil {
		return nil, transform.NewNoIntrinsicsError("Intrinsics do not exist")
	}
	var distortion *transform.BrownConrady
	if model.Distortion != nil {
		bc, ok := model.Distortion.(*transform.BrownConrady)
		if !ok {
			return nil, errors.Errorf("unsupported distortion model %T, only BrownConrady distortion is supported",
				model.Distortion)
		}
		distortion = bc
	}
	return NewPinhole(model.PinholeCameraIntrinsics, distortion)
}

// WithMask returns a copy of the camera using the given mask.
func (c *Pinhole) WithMask(mask *image.Gray) *Pinhole {
	cp := *c
	cp.mask = mask
	return &cp
}

// Intrinsics returns the camera intrinsics.
func (c *Pinhole) Intrinsics() *transform.PinholeCameraIntrinsics { return c.intrinsics }

// Distortion returns the distortion parameters, or nil.
func (c *Pinhole) Distortion() *transform.BrownConrady { return c.distortion }

// Mask implements Camera.
func (c *Pinhole) Mask() *image.Gray { return c.mask }

// ImageSize implements Camera.
func (c *Pinhole) ImageSize() (int, int) { return c.intrinsics.Width, c.intrinsics.Height }

// SpaceToPlane implements Camera.
func (c *Pinhole) SpaceToPlane(p r3.Vector) r2.Point {
	x, y := p.X/p.Z, p.Y/p.Z
	if c.distortion != nil {
		x, y = c.distortion.Transform(x, y)
	}
	u, v := c.intrinsics.PointToPixel(x, y, 1)
	return r2.Point{X: u, Y: v}
}

// LiftProjective implements Camera. Distortion is inverted by fixed point iteration.
func (c *Pinhole) LiftProjective(p r2.Point) r3.Vector {
	xd, yd, _ := c.intrinsics.PixelToPoint(p.X, p.Y, 1)
	if c.distortion == nil {
		return r3.Vector{X: xd, Y: yd, Z: 1}
	}
	x, y := xd, yd
	for i := 0; i < undistortIterations; i++ {
		dx, dy := c.distortion.Transform(x, y)
		x -= dx - xd
		y -= dy - yd
	}
	return r3.Vector{X: x, Y: y, Z: 1}
}

// ReprojectionError implements Camera.
func (c *Pinhole) ReprojectionError(
	point r3.Vector,
	rotation quat.Number,
	translation r3.Vector,
	observed r2.Point,
) float64 {
	cam := geometry.Rotate(geometry.Normalize(rotation), point).Add(translation)
	return c.SpaceToPlane(cam).Sub(observed).Norm()
}

// NominalFocalLength returns the mean of the focal lengths in pixels.
func (c *Pinhole) NominalFocalLength() float64 {
	return (c.intrinsics.Fx + c.intrinsics.Fy) / 2
}
