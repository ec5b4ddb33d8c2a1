package swba

import (
	"math"

	"github.com/golang/geo/r2"

	"github.com/viamrobotics/viam-camodo-calib/cameramodel"
	"github.com/viamrobotics/viam-camodo-calib/geometry"
	"github.com/viamrobotics/viam-camodo-calib/lsq"
	"github.com/viamrobotics/viam-camodo-calib/sparsegraph"
)

// pointBlocks holds the parameter storage of every scene point in a problem.
type pointBlocks struct {
	problem *lsq.Problem
	values  map[*sparsegraph.Point3DFeature][]float64
	blocks  map[*sparsegraph.Point3DFeature]*lsq.ParameterBlock
}

func newPointBlocks(problem *lsq.Problem) *pointBlocks {
	return &pointBlocks{
		problem: problem,
		values:  make(map[*sparsegraph.Point3DFeature][]float64),
		blocks:  make(map[*sparsegraph.Point3DFeature]*lsq.ParameterBlock),
	}
}

func (pb *pointBlocks) block(p *sparsegraph.Point3DFeature) *lsq.ParameterBlock {
	if b, ok := pb.blocks[p]; ok {
		return b
	}
	v := make([]float64, 3)
	lsq.Vec3ToSlice(p.Point, v)
	b := pb.problem.AddParameterBlock(v, nil)
	b.SetEliminated(true)
	pb.values[p] = v
	pb.blocks[p] = b
	return b
}

func (pb *pointBlocks) writeBack() {
	for p, v := range pb.values {
		p.Point = lsq.Vec3FromSlice(v)
	}
}

// pixelResidual returns the cost of observing a world point at a pixel. pose maps the leading
// parameter blocks to the world-to-camera transform; the point is the last block.
func pixelResidual(
	cam cameramodel.Camera,
	observed r2.Point,
	pose func(params [][]float64) geometry.Transform,
) lsq.CostFunction {
	return func(params [][]float64, residuals []float64) bool {
		pc := pose(params).Apply(lsq.Vec3FromSlice(params[len(params)-1]))
		if math.Abs(pc.Z) < 1e-12 {
			return false
		}
		px := cam.SpaceToPlane(pc)
		residuals[0] = px.X - observed.X
		residuals[1] = px.Y - observed.Y
		return true
	}
}

func selfPoseTransform(params [][]float64) geometry.Transform {
	return lsq.NewTransformFromSlices(params[0], params[1])
}

func (e *Estimator) solve(problem *lsq.Problem) bool {
	summary, err := lsq.Solve(e.cfg.Solver, problem)
	if err != nil {
		e.logger.Warnw("bundle adjustment failed", "error", err)
		return false
	}
	e.logger.Debugw("bundle adjustment",
		"residual_blocks", problem.NumResidualBlocks(),
		"initial_cost", summary.InitialCost,
		"final_cost", summary.FinalCost,
		"iterations", summary.Iterations,
		"termination", summary.Termination)
	return true
}

// optimizeSelfPose refines the pose of every window frame that observes a scene point together
// with the scene points. The oldest frames are held fixed.
func (e *Estimator) optimizeSelfPose() {
	problem := lsq.NewProblem()
	points := newPointBlocks(problem)
	fixed := e.cfg.fixedPrefix(len(e.window))

	type frameBlocks struct {
		frame *sparsegraph.Frame
		q, t  []float64
	}
	var frames []frameBlocks
	loss := lsq.CauchyLoss{Scale: e.cfg.LossScale}
	for i, f := range e.window {
		if f.CameraPose == nil {
			continue
		}
		fb := frameBlocks{frame: f, q: make([]float64, 4), t: make([]float64, 3)}
		lsq.QuatToSlice(geometry.Normalize(f.CameraPose.Rotation), fb.q)
		lsq.Vec3ToSlice(f.CameraPose.Translation, fb.t)
		var qb, tb *lsq.ParameterBlock
		for _, feature := range f.Features() {
			point := feature.Feature3D()
			if point == nil {
				continue
			}
			if qb == nil {
				qb = problem.AddParameterBlock(fb.q, lsq.Quaternion{})
				tb = problem.AddParameterBlock(fb.t, nil)
				qb.SetConstant(i < fixed)
				tb.SetConstant(i < fixed)
			}
			if err := problem.AddResidualBlock(2,
				pixelResidual(e.camera, feature.Keypoint, selfPoseTransform),
				loss, qb, tb, points.block(point)); err != nil {
				e.logger.Warnw("cannot add observation to bundle adjustment", "error", err)
			}
		}
		if qb != nil {
			frames = append(frames, fb)
		}
	}
	if problem.NumResidualBlocks() == 0 || !e.solve(problem) {
		return
	}
	for _, fb := range frames {
		pose := lsq.NewTransformFromSlices(fb.q, fb.t)
		if !pose.IsFinite() {
			continue
		}
		fb.frame.SetCameraPose(pose)
	}
	points.writeBack()
}

// optimizeAnchored refines the camera-to-odometry transform and the scene points. Frame poses
// come from the system pose and are constant.
func (e *Estimator) optimizeAnchored(p *poseAnchored) {
	problem := lsq.NewProblem()
	points := newPointBlocks(problem)
	q := make([]float64, 4)
	t := make([]float64, 3)
	lsq.QuatToSlice(geometry.Normalize(p.camOdo.Rotation), q)
	lsq.Vec3ToSlice(p.camOdo.Translation, t)
	qb := problem.AddParameterBlock(q, lsq.Quaternion{})
	tb := problem.AddParameterBlock(t, nil)

	loss := lsq.CauchyLoss{Scale: e.cfg.LossScale}
	for _, f := range e.window {
		if f.SystemPose == nil {
			continue
		}
		odoInverse := f.SystemPose.Transform().Inverse()
		pose := func(params [][]float64) geometry.Transform {
			return lsq.NewTransformFromSlices(params[0], params[1]).Inverse().Mul(odoInverse)
		}
		for _, feature := range f.Features() {
			point := feature.Feature3D()
			if point == nil {
				continue
			}
			if err := problem.AddResidualBlock(2,
				pixelResidual(e.camera, feature.Keypoint, pose),
				loss, qb, tb, points.block(point)); err != nil {
				e.logger.Warnw("cannot add observation to bundle adjustment", "error", err)
			}
		}
	}
	if problem.NumResidualBlocks() == 0 || !e.solve(problem) {
		return
	}
	camOdo := lsq.NewTransformFromSlices(q, t)
	if camOdo.IsFinite() {
		p.camOdo = camOdo
	}
	points.writeBack()
}
