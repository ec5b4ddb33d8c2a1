package swba

import (
	"math"
	"math/rand"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/viamrobotics/viam-camodo-calib/geometry"
)

const eightPoint = 8

// essentialFromPoints fits E with x2^T E x1 = 0 to normalized image points by the linear
// eight point method and projects it onto the essential manifold.
func essentialFromPoints(x1, x2 []r2.Point) (*mat.Dense, bool) {
	n := len(x1)
	if n < eightPoint || len(x2) != n {
		return nil, false
	}
	a := mat.NewDense(n, 9, nil)
	for i := 0; i < n; i++ {
		p, q := x1[i], x2[i]
		a.SetRow(i, []float64{
			q.X * p.X, q.X * p.Y, q.X,
			q.Y * p.X, q.Y * p.Y, q.Y,
			p.X, p.Y, 1,
		})
	}
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return nil, false
	}
	var v mat.Dense
	svd.VTo(&v)
	e := mat.NewDense(3, 3, nil)
	for i := 0; i < 9; i++ {
		e.Set(i/3, i%3, v.At(i, 8))
	}

	var esvd mat.SVD
	if ok := esvd.Factorize(e, mat.SVDFull); !ok {
		return nil, false
	}
	var u, vt mat.Dense
	esvd.UTo(&u)
	esvd.VTo(&vt)
	s := mat.NewDiagDense(3, []float64{1, 1, 0})
	var us mat.Dense
	us.Mul(&u, s)
	var out mat.Dense
	out.Mul(&us, vt.T())
	return &out, true
}

// sampsonError returns the squared first order geometric error of a correspondence.
func sampsonError(e mat.Matrix, p, q r2.Point) float64 {
	x1 := mat.NewVecDense(3, []float64{p.X, p.Y, 1})
	x2 := mat.NewVecDense(3, []float64{q.X, q.Y, 1})
	var ex1, etx2 mat.VecDense
	ex1.MulVec(e, x1)
	etx2.MulVec(e.T(), x2)
	num := mat.Dot(x2, &ex1)
	den := ex1.AtVec(0)*ex1.AtVec(0) + ex1.AtVec(1)*ex1.AtVec(1) +
		etx2.AtVec(0)*etx2.AtVec(0) + etx2.AtVec(1)*etx2.AtVec(1)
	if den == 0 {
		return math.Inf(1)
	}
	return num * num / den
}

func essentialInliers(e mat.Matrix, x1, x2 []r2.Point, thresh float64) ([]bool, int) {
	inliers := make([]bool, len(x1))
	count := 0
	for i := range x1 {
		if sampsonError(e, x1[i], x2[i]) < thresh*thresh {
			inliers[i] = true
			count++
		}
	}
	return inliers, count
}

// findEssentialRansac estimates the essential matrix robustly. thresh is in normalized image
// units.
func findEssentialRansac(x1, x2 []r2.Point, thresh float64, iterations int, rng *rand.Rand) (*mat.Dense, []bool, bool) {
	n := len(x1)
	if n < eightPoint {
		return nil, nil, false
	}
	var best *mat.Dense
	var bestInliers []bool
	bestCount := 0

	s1 := make([]r2.Point, eightPoint)
	s2 := make([]r2.Point, eightPoint)
	for it := 0; it < iterations; it++ {
		for i, idx := range rng.Perm(n)[:eightPoint] {
			s1[i], s2[i] = x1[idx], x2[idx]
		}
		e, ok := essentialFromPoints(s1, s2)
		if !ok {
			continue
		}
		inliers, count := essentialInliers(e, x1, x2, thresh)
		if count > bestCount {
			best, bestInliers, bestCount = e, inliers, count
		}
		if bestCount == n {
			break
		}
	}
	if bestCount < eightPoint {
		return nil, nil, false
	}

	// refit on the consensus set
	var in1, in2 []r2.Point
	for i, ok := range bestInliers {
		if ok {
			in1 = append(in1, x1[i])
			in2 = append(in2, x2[i])
		}
	}
	if e, ok := essentialFromPoints(in1, in2); ok {
		if inliers, count := essentialInliers(e, x1, x2, thresh); count >= bestCount {
			best, bestInliers = e, inliers
		}
	}
	return best, bestInliers, true
}

// recoverPose decomposes E into the relative motion x2 = R x1 + t with |t| = 1, choosing the
// solution that puts the most inliers in front of both cameras. The returned mask keeps only
// those inliers.
func recoverPose(e mat.Matrix, x1, x2 []r2.Point, inliers []bool) (geometry.Transform, []bool, bool) {
	var svd mat.SVD
	if ok := svd.Factorize(e, mat.SVDFull); !ok {
		return geometry.Transform{}, nil, false
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	if mat.Det(&u) < 0 {
		u.Scale(-1, &u)
	}
	if mat.Det(&v) < 0 {
		v.Scale(-1, &v)
	}
	w := mat.NewDense(3, 3, []float64{0, -1, 0, 1, 0, 0, 0, 0, 1})

	var uw, r1, r2m mat.Dense
	uw.Mul(&u, w)
	r1.Mul(&uw, v.T())
	uw.Reset()
	uw.Mul(&u, w.T())
	r2m.Mul(&uw, v.T())
	t := r3.Vector{X: u.At(0, 2), Y: u.At(1, 2), Z: u.At(2, 2)}.Normalize()

	candidates := []geometry.Transform{
		geometry.FromRotationTranslation(&r1, t),
		geometry.FromRotationTranslation(&r1, t.Mul(-1)),
		geometry.FromRotationTranslation(&r2m, t),
		geometry.FromRotationTranslation(&r2m, t.Mul(-1)),
	}

	var best geometry.Transform
	var bestMask []bool
	bestCount := -1
	for _, cand := range candidates {
		mask := make([]bool, len(x1))
		count := 0
		for i := range x1 {
			if !inliers[i] {
				continue
			}
			p, ok := triangulateRays(geometry.Identity(), cand, rayOf(x1[i]), rayOf(x2[i]))
			if !ok || p.Z <= 0 || cand.Apply(p).Z <= 0 {
				continue
			}
			mask[i] = true
			count++
		}
		if count > bestCount {
			best, bestMask, bestCount = cand, mask, count
		}
	}
	if bestCount <= 0 {
		return geometry.Transform{}, nil, false
	}
	return best, bestMask, true
}

func rayOf(p r2.Point) r3.Vector {
	return r3.Vector{X: p.X, Y: p.Y, Z: 1}
}
