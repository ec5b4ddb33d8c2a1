package lsq

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// normalEquations holds the Gauss-Newton system J^T J delta = -J^T r split into the reduced
// blocks (U, gr) and one small diagonal block per eliminated parameter block (V, ge), coupled
// by W.
type normalEquations struct {
	numReduced int
	u          *mat.Dense
	gr         []float64

	v  []*mat.Dense
	w  []*mat.Dense
	ge [][]float64
}

func (s *solver) buildNormalEquations() *normalEquations {
	nr := s.numReduced
	sys := &normalEquations{
		numReduced: nr,
		gr:         make([]float64, nr),
		v:          make([]*mat.Dense, len(s.eliminated)),
		w:          make([]*mat.Dense, len(s.eliminated)),
		ge:         make([][]float64, len(s.eliminated)),
	}
	if nr > 0 {
		sys.u = mat.NewDense(nr, nr, nil)
	}
	for i, b := range s.eliminated {
		n := b.manifold.TangentSize()
		sys.v[i] = mat.NewDense(n, n, nil)
		sys.ge[i] = make([]float64, n)
		if nr > 0 {
			sys.w[i] = mat.NewDense(nr, n, nil)
		}
	}

	for ri, rb := range s.problem.residuals {
		eval := s.evals[ri]
		if eval.jacobians == nil {
			continue
		}
		r := mat.NewVecDense(len(eval.residuals), eval.residuals)

		elim := -1
		for bi, b := range rb.blocks {
			if eval.jacobians[bi] != nil && b.eliminate {
				elim = bi
			}
		}

		for ai, a := range rb.blocks {
			ja := eval.jacobians[ai]
			if ja == nil {
				continue
			}
			if a.eliminate {
				e := a.elimIdx
				var jtj mat.Dense
				jtj.Mul(ja.T(), ja)
				sys.v[e].Add(sys.v[e], &jtj)
				addMulTVec(sys.ge[e], ja, r)
				continue
			}

			addMulTVec(sys.gr[a.offset:a.offset+a.manifold.TangentSize()], ja, r)
			for bi, b := range rb.blocks {
				jb := eval.jacobians[bi]
				if jb == nil || b.eliminate {
					continue
				}
				var jtj mat.Dense
				jtj.Mul(ja.T(), jb)
				addBlock(sys.u, &jtj, a.offset, b.offset)
			}
			if elim >= 0 {
				eb := rb.blocks[elim]
				var jtj mat.Dense
				jtj.Mul(ja.T(), eval.jacobians[elim])
				addBlock(sys.w[eb.elimIdx], &jtj, a.offset, 0)
			}
		}
	}
	return sys
}

func addMulTVec(dst []float64, j *mat.Dense, r *mat.VecDense) {
	var tmp mat.VecDense
	tmp.MulVec(j.T(), r)
	for i := range dst {
		dst[i] += tmp.AtVec(i)
	}
}

func addBlock(dst *mat.Dense, src *mat.Dense, row, col int) {
	rows, cols := src.Dims()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			dst.Set(row+i, col+j, dst.At(row+i, col+j)+src.At(i, j))
		}
	}
}

func (sys *normalEquations) gradient() []float64 {
	g := append([]float64(nil), sys.gr...)
	for _, ge := range sys.ge {
		g = append(g, ge...)
	}
	return g
}

func clampedDiagonal(m *mat.Dense, lambda float64) []float64 {
	n, _ := m.Dims()
	d := make([]float64, n)
	for i := range d {
		d[i] = lambda * math.Min(math.Max(m.At(i, i), minDiagonal), maxDiagonal)
	}
	return d
}

func choleskyOf(m *mat.Dense, damping []float64) (*mat.Cholesky, bool) {
	n := len(damping)
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := 0.5 * (m.At(i, j) + m.At(j, i))
			if i == j {
				v += damping[i]
			}
			sym.SetSym(i, j, v)
		}
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(sym); !ok {
		return nil, false
	}
	return &chol, true
}

// solve returns the damped step laid out as the reduced tangent vector followed by the
// eliminated tangent vectors, and the cost decrease predicted by the linear model.
func (sys *normalEquations) solve(lambda float64) ([]float64, float64, bool) {
	nr := sys.numReduced
	vinv := make([]*mat.Cholesky, len(sys.v))
	vdamp := make([][]float64, len(sys.v))
	for i, v := range sys.v {
		vdamp[i] = clampedDiagonal(v, lambda)
		chol, ok := choleskyOf(v, vdamp[i])
		if !ok {
			return nil, 0, false
		}
		vinv[i] = chol
	}

	var dr *mat.VecDense
	var udamp []float64
	if nr > 0 {
		udamp = clampedDiagonal(sys.u, lambda)
		schur := mat.DenseCopyOf(sys.u)
		rhs := mat.NewVecDense(nr, nil)
		for i := 0; i < nr; i++ {
			rhs.SetVec(i, -sys.gr[i])
		}
		for i, w := range sys.w {
			// W V^-1 W^T and W V^-1 ge
			var vinvWt mat.Dense
			if err := vinv[i].SolveTo(&vinvWt, w.T()); err != nil {
				return nil, 0, false
			}
			var wvw mat.Dense
			wvw.Mul(w, &vinvWt)
			schur.Sub(schur, &wvw)

			var vinvGe mat.VecDense
			if err := vinv[i].SolveVecTo(&vinvGe, mat.NewVecDense(len(sys.ge[i]), sys.ge[i])); err != nil {
				return nil, 0, false
			}
			var wg mat.VecDense
			wg.MulVec(w, &vinvGe)
			rhs.AddVec(rhs, &wg)
		}
		chol, ok := choleskyOf(schur, udamp)
		if !ok {
			return nil, 0, false
		}
		dr = mat.NewVecDense(nr, nil)
		if err := chol.SolveVecTo(dr, rhs); err != nil {
			return nil, 0, false
		}
	}

	step := make([]float64, 0, nr+3*len(sys.v))
	damping := make([]float64, 0, cap(step))
	for i := 0; i < nr; i++ {
		step = append(step, dr.AtVec(i))
	}
	damping = append(damping, udamp...)
	for i, v := range vinv {
		n := len(sys.ge[i])
		rhs := mat.NewVecDense(n, nil)
		for k := 0; k < n; k++ {
			rhs.SetVec(k, -sys.ge[i][k])
		}
		if dr != nil {
			var wtdr mat.VecDense
			wtdr.MulVec(sys.w[i].T(), dr)
			rhs.SubVec(rhs, &wtdr)
		}
		var de mat.VecDense
		if err := v.SolveVecTo(&de, rhs); err != nil {
			return nil, 0, false
		}
		for k := 0; k < n; k++ {
			step = append(step, de.AtVec(k))
		}
		damping = append(damping, vdamp[i]...)
	}

	g := sys.gradient()
	var predicted float64
	for i, d := range step {
		predicted += d * (damping[i]*d - g[i])
	}
	predicted *= 0.5
	for _, d := range step {
		if math.IsNaN(d) || math.IsInf(d, 0) {
			return nil, 0, false
		}
	}
	return step, predicted, true
}
