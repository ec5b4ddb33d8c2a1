package cameramodel

import (
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/rdk/rimage/transform"
	"go.viam.com/test"
	"gonum.org/v1/gonum/num/quat"
)

func testIntrinsics() *transform.PinholeCameraIntrinsics {
	return &transform.PinholeCameraIntrinsics{
		Width:  1280,
		Height: 720,
		Fx:     900.538,
		Fy:     900.818,
		Ppx:    648.934,
		Ppy:    367.736,
	}
}

func TestNewPinhole(t *testing.T) {
	t.Run("missing intrinsics", func(t *testing.T) {
		_, err := NewPinhole(nil, nil)
		test.That(t, err, test.ShouldNotBeNil)
	})

	t.Run("model without distortion", func(t *testing.T) {
		cam, err := FromModel(&transform.PinholeCameraModel{PinholeCameraIntrinsics: testIntrinsics()})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, cam.Distortion(), test.ShouldBeNil)
		w, h := cam.ImageSize()
		test.That(t, w, test.ShouldEqual, 1280)
		test.That(t, h, test.ShouldEqual, 720)
	})
}

func TestProjection(t *testing.T) {
	distortion := &transform.BrownConrady{
		RadialK1:     0.158701,
		RadialK2:     -0.485405,
		RadialK3:     0.435342,
		TangentialP1: -0.00143327,
		TangentialP2: -0.000705919,
	}
	for _, tc := range []struct {
		name       string
		distortion *transform.BrownConrady
	}{
		{"pinhole", nil},
		{"brown conrady", distortion},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cam, err := NewPinhole(testIntrinsics(), tc.distortion)
			test.That(t, err, test.ShouldBeNil)

			p := r3.Vector{X: 0.2, Y: -0.1, Z: 2}
			px := cam.SpaceToPlane(p)
			ray := cam.LiftProjective(px)
			test.That(t, ray.Z, test.ShouldEqual, 1)
			test.That(t, ray.X, test.ShouldAlmostEqual, p.X/p.Z, 1e-6)
			test.That(t, ray.Y, test.ShouldAlmostEqual, p.Y/p.Z, 1e-6)

			identity := quat.Number{Real: 1}
			test.That(t, cam.ReprojectionError(p, identity, r3.Vector{}, px), test.ShouldAlmostEqual, 0)
			shifted := r2.Point{X: px.X + 3, Y: px.Y + 4}
			test.That(t, cam.ReprojectionError(p, identity, r3.Vector{}, shifted), test.ShouldAlmostEqual, 5)
		})
	}

	t.Run("principal point", func(t *testing.T) {
		cam, err := NewPinhole(testIntrinsics(), nil)
		test.That(t, err, test.ShouldBeNil)
		px := cam.SpaceToPlane(r3.Vector{Z: 5})
		test.That(t, px.X, test.ShouldAlmostEqual, 648.934)
		test.That(t, px.Y, test.ShouldAlmostEqual, 367.736)
		test.That(t, cam.NominalFocalLength(), test.ShouldAlmostEqual, 900.678)
	})
}
