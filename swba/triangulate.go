package swba

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/viamrobotics/viam-camodo-calib/cameramodel"
	"github.com/viamrobotics/viam-camodo-calib/geometry"
)

// triangulateRays intersects two rays, each given as a point on the z = 1 plane of its camera,
// with the linear (DLT) method. Poses map world into camera coordinates.
func triangulateRays(pose1, pose2 geometry.Transform, ray1, ray2 r3.Vector) (r3.Vector, bool) {
	p1 := pose1.Matrix()
	p2 := pose2.Matrix()
	j := mat.NewDense(4, 4, nil)
	for c := 0; c < 4; c++ {
		j.Set(0, c, p1.At(2, c)*ray1.X-p1.At(0, c))
		j.Set(1, c, p1.At(2, c)*ray1.Y-p1.At(1, c))
		j.Set(2, c, p2.At(2, c)*ray2.X-p2.At(0, c))
		j.Set(3, c, p2.At(2, c)*ray2.Y-p2.At(1, c))
	}
	var svd mat.SVD
	if ok := svd.Factorize(j, mat.SVDFull); !ok {
		return r3.Vector{}, false
	}
	var v mat.Dense
	svd.VTo(&v)
	w := v.At(3, 3)
	if math.Abs(w) < 1e-12 {
		return r3.Vector{}, false
	}
	p := r3.Vector{X: v.At(0, 3) / w, Y: v.At(1, 3) / w, Z: v.At(2, 3) / w}
	if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsNaN(p.Z) {
		return r3.Vector{}, false
	}
	return p, true
}

// rectify lifts a pixel to the z = 1 plane of its camera.
func rectify(cam cameramodel.Camera, p r2.Point) r3.Vector {
	ray := cam.LiftProjective(p)
	return ray.Mul(1 / ray.Z)
}

// project maps a world point into the image of a camera at pose. It returns false for points
// behind the camera.
func project(cam cameramodel.Camera, pose geometry.Transform, p r3.Vector) (r2.Point, bool) {
	pc := pose.Apply(p)
	if pc.Z < 0 {
		return r2.Point{}, false
	}
	return cam.SpaceToPlane(pc), true
}

// triangulateCheck triangulates one correspondence between two posed views and validates the
// result: the point must lie in front of both cameras and, when gated, reproject within
// TwoViewReprojErrorThresh in both views with at least MinDisparity pixels between the two
// projections.
func (e *Estimator) triangulateCheck(
	pose1, pose2 geometry.Transform,
	obs1, obs2 r2.Point,
	gated bool,
) (r3.Vector, bool) {
	p, ok := triangulateRays(pose1, pose2, rectify(e.camera, obs1), rectify(e.camera, obs2))
	if !ok {
		return r3.Vector{}, false
	}
	px1, ok := project(e.camera, pose1, p)
	if !ok {
		return r3.Vector{}, false
	}
	px2, ok := project(e.camera, pose2, p)
	if !ok {
		return r3.Vector{}, false
	}
	if !gated {
		return p, true
	}
	if px1.Sub(obs1).Norm() > e.cfg.TwoViewReprojErrorThresh ||
		px2.Sub(obs2).Norm() > e.cfg.TwoViewReprojErrorThresh {
		return r3.Vector{}, false
	}
	if px1.Sub(px2).Norm() < e.cfg.MinDisparity {
		return r3.Vector{}, false
	}
	return p, true
}
