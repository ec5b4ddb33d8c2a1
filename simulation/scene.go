// Package simulation generates synthetic landmarks, vehicle trajectories and camera
// observations for exercising the calibration end to end without hardware.
package simulation

import (
	"image"
	"image/color"
	"math"
	"math/rand"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"github.com/viamrobotics/viam-camodo-calib/cameramodel"
	"github.com/viamrobotics/viam-camodo-calib/geometry"
)

// Scene is a static set of landmarks in world coordinates.
type Scene struct {
	Landmarks []r3.Vector
}

// NewScene scatters n landmarks uniformly in the box spanned by lo and hi.
func NewScene(n int, lo, hi r3.Vector, seed int64) *Scene {
	rng := rand.New(rand.NewSource(seed))
	landmarks := make([]r3.Vector, n)
	span := hi.Sub(lo)
	for i := range landmarks {
		landmarks[i] = r3.Vector{
			X: lo.X + rng.Float64()*span.X,
			Y: lo.Y + rng.Float64()*span.Y,
			Z: lo.Z + rng.Float64()*span.Z,
		}
	}
	return &Scene{Landmarks: landmarks}
}

// Observation is a landmark seen at a pixel.
type Observation struct {
	Landmark int
	Pixel    r2.Point
}

// Observe projects every landmark in front of the camera that lands inside the image and is not
// masked out. A nil mask keeps everything; otherwise zero mask pixels are ignored.
func (s *Scene) Observe(cam cameramodel.Camera, worldToCamera geometry.Transform, mask *image.Gray) []Observation {
	w, h := cam.ImageSize()
	var obs []Observation
	for id, l := range s.Landmarks {
		pc := worldToCamera.Apply(l)
		if pc.Z <= 0.1 {
			continue
		}
		px := cam.SpaceToPlane(pc)
		if math.IsNaN(px.X) || math.IsNaN(px.Y) ||
			px.X < 0 || px.Y < 0 || px.X >= float64(w) || px.Y >= float64(h) {
			continue
		}
		if mask != nil && mask.GrayAt(int(px.X), int(px.Y)).Y == 0 {
			continue
		}
		obs = append(obs, Observation{Landmark: id, Pixel: px})
	}
	return obs
}

// Draw renders observations as small bright squares on a dark image of the camera's size.
func Draw(cam cameramodel.Camera, obs []Observation) *image.Gray {
	w, h := cam.ImageSize()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for _, o := range obs {
		cx, cy := int(o.Pixel.X), int(o.Pixel.Y)
		for y := cy - 1; y <= cy+1; y++ {
			for x := cx - 1; x <= cx+1; x++ {
				img.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	return img
}
