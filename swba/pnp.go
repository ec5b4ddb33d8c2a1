package swba

import (
	"math/rand"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"github.com/viamrobotics/viam-camodo-calib/geometry"
	"github.com/viamrobotics/viam-camodo-calib/lsq"
)

const pnpSampleSize = 6

// refinePose minimizes the normalized reprojection error of the given 2D-3D pairs starting
// from guess. Rays are points on the z = 1 plane.
func refinePose(points []r3.Vector, rays []r2.Point, guess geometry.Transform, opts lsq.Options) (geometry.Transform, bool) {
	q := make([]float64, 4)
	t := make([]float64, 3)
	lsq.QuatToSlice(geometry.Normalize(guess.Rotation), q)
	lsq.Vec3ToSlice(guess.Translation, t)

	problem := lsq.NewProblem()
	qb := problem.AddParameterBlock(q, lsq.Quaternion{})
	tb := problem.AddParameterBlock(t, nil)
	for i := range points {
		point, ray := points[i], rays[i]
		if err := problem.AddResidualBlock(2, func(params [][]float64, residuals []float64) bool {
			pc := lsq.NewTransformFromSlices(params[0], params[1]).Apply(point)
			if pc.Z <= 1e-9 {
				return false
			}
			residuals[0] = pc.X/pc.Z - ray.X
			residuals[1] = pc.Y/pc.Z - ray.Y
			return true
		}, nil, qb, tb); err != nil {
			return geometry.Transform{}, false
		}
	}
	if _, err := lsq.Solve(opts, problem); err != nil {
		return geometry.Transform{}, false
	}
	pose := lsq.NewTransformFromSlices(q, t)
	return pose, pose.IsFinite()
}

func pnpInliers(pose geometry.Transform, points []r3.Vector, rays []r2.Point, thresh float64) ([]bool, int) {
	inliers := make([]bool, len(points))
	count := 0
	for i, p := range points {
		pc := pose.Apply(p)
		if pc.Z <= 0 {
			continue
		}
		if (r2.Point{X: pc.X / pc.Z, Y: pc.Y / pc.Z}).Sub(rays[i]).Norm() < thresh {
			inliers[i] = true
			count++
		}
	}
	return inliers, count
}

// solvePnPRansac estimates the world-to-camera pose from 2D-3D correspondences. Each
// hypothesis is fitted to a random minimal subset starting from guess; the best consensus
// set is refitted. thresh is in normalized image units.
func solvePnPRansac(
	points []r3.Vector,
	rays []r2.Point,
	guess geometry.Transform,
	thresh float64,
	iterations int,
	rng *rand.Rand,
	opts lsq.Options,
) (geometry.Transform, []bool, bool) {
	n := len(points)
	if n < pnpSampleSize {
		return geometry.Transform{}, nil, false
	}
	opts.NumWorkers = 1

	best := guess
	bestInliers, bestCount := pnpInliers(guess, points, rays, thresh)

	sp := make([]r3.Vector, pnpSampleSize)
	sr := make([]r2.Point, pnpSampleSize)
	for it := 0; it < iterations && bestCount < n; it++ {
		for i, idx := range rng.Perm(n)[:pnpSampleSize] {
			sp[i], sr[i] = points[idx], rays[idx]
		}
		pose, ok := refinePose(sp, sr, guess, opts)
		if !ok {
			continue
		}
		inliers, count := pnpInliers(pose, points, rays, thresh)
		if count > bestCount {
			best, bestInliers, bestCount = pose, inliers, count
		}
	}
	if bestCount < pnpSampleSize {
		return geometry.Transform{}, nil, false
	}

	var ip []r3.Vector
	var ir []r2.Point
	for i, ok := range bestInliers {
		if ok {
			ip = append(ip, points[i])
			ir = append(ir, rays[i])
		}
	}
	if pose, ok := refinePose(ip, ir, best, opts); ok {
		if inliers, count := pnpInliers(pose, points, rays, thresh); count >= bestCount {
			best, bestInliers = pose, inliers
		}
	}
	return best, bestInliers, true
}
