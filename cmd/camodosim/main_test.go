package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	camodocalib "github.com/viamrobotics/viam-camodo-calib"
	"github.com/viamrobotics/viam-camodo-calib/geometry"
)

func TestMountingPose(t *testing.T) {
	forward := geometry.Rotate(mountingPose(0).Rotation, r3.Vector{Z: 1})
	test.That(t, forward.X, test.ShouldAlmostEqual, 1)
	test.That(t, forward.Y, test.ShouldAlmostEqual, 0)
	test.That(t, forward.Z, test.ShouldAlmostEqual, 0)

	left := geometry.Rotate(mountingPose(1).Rotation, r3.Vector{Z: 1})
	test.That(t, left.Y, test.ShouldBeGreaterThan, 0)
	test.That(t, left.Z, test.ShouldAlmostEqual, 0)
}

func TestLoadConfig(t *testing.T) {
	args := Arguments{}
	applyDefaults(&args)
	test.That(t, args.Samples, test.ShouldEqual, defaultSamples)
	test.That(t, args.BreakEvery, test.ShouldEqual, defaultBreakEvery)

	cfg, err := loadConfig(args)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.Validate(), test.ShouldBeNil)
	test.That(t, cfg.Cameras, test.ShouldHaveLength, 1)
	test.That(t, cfg.DataDirectory, test.ShouldBeEmpty)

	dir := t.TempDir()
	path := filepath.Join(dir, "calib.yaml")
	contents := []byte(`pose_source: gps_ins
motion_count: 40
cameras:
  - name: left
    width: 640
    height: 480
    fx: 300
    fy: 300
    ppx: 320
    ppy: 240
`)
	test.That(t, os.WriteFile(path, contents, 0o600), test.ShouldBeNil)
	args.ConfigFile = path
	args.DataDir = dir
	cfg, err = loadConfig(args)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.PoseSource, test.ShouldEqual, "gps_ins")
	test.That(t, cfg.Cameras[0].Name, test.ShouldEqual, "left")
	test.That(t, cfg.DataDirectory, test.ShouldEqual, dir)

	args.ConfigFile = filepath.Join(dir, "missing.yaml")
	_, err = loadConfig(args)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestRunSimulation(t *testing.T) {
	dir := t.TempDir()
	args := Arguments{Samples: 300, DataDir: dir, TimeoutSec: 120}
	applyDefaults(&args)
	cfg, err := loadConfig(args)
	test.That(t, err, test.ShouldBeNil)
	cfg.MotionCount = 40

	test.That(t, runSimulation(context.Background(), cfg, args, golog.NewTestLogger(t)), test.ShouldBeNil)

	latest, err := camodocalib.LatestResultsFile(dir)
	test.That(t, err, test.ShouldBeNil)
	res, err := camodocalib.LoadResults(latest)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Cameras, test.ShouldHaveLength, 1)
	test.That(t, res.Cameras[0].Calibrated, test.ShouldBeTrue)
	test.That(t, res.Cameras[0].CamOdo.Transform().AngleTo(mountingPose(0)), test.ShouldBeLessThan, 1e-2)
}
