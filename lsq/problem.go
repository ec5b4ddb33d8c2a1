// Package lsq solves robust sparse nonlinear least squares problems of the form
// min 1/2 sum_i rho_i(|f_i(x)|^2) with a Levenberg-Marquardt iteration. Parameter blocks marked
// for elimination (typically scene points) are removed with a Schur complement so the dense
// system only spans the remaining blocks (typically poses).
package lsq

import (
	"math"

	"github.com/pkg/errors"

	"github.com/viamrobotics/viam-camodo-calib/geometry"
)

// Manifold describes how a parameter block is updated by a tangent space step.
type Manifold interface {
	AmbientSize() int
	TangentSize() int
	// Plus writes x boxplus delta into dst. dst never aliases x.
	Plus(x, delta, dst []float64)
}

// Euclidean is the n-dimensional vector space.
type Euclidean int

// AmbientSize implements Manifold.
func (e Euclidean) AmbientSize() int { return int(e) }

// TangentSize implements Manifold.
func (e Euclidean) TangentSize() int { return int(e) }

// Plus implements Manifold.
func (e Euclidean) Plus(x, delta, dst []float64) {
	for i := range dst {
		dst[i] = x[i] + delta[i]
	}
}

// Quaternion is the unit quaternion manifold stored as [w, x, y, z], updated by left
// multiplication with the exponential of a rotation vector.
type Quaternion struct{}

// AmbientSize implements Manifold.
func (Quaternion) AmbientSize() int { return 4 }

// TangentSize implements Manifold.
func (Quaternion) TangentSize() int { return 3 }

// Plus implements Manifold.
func (Quaternion) Plus(x, delta, dst []float64) {
	q := QuatFromSlice(x)
	dq := geometry.AngleAxisToQuat(vec3(delta))
	r := geometry.Normalize(mulQuat(dq, q))
	QuatToSlice(r, dst)
}

// Loss is a robust loss applied to the squared norm of a residual block.
type Loss interface {
	// Evaluate returns rho(s) and its first derivative.
	Evaluate(s float64) (rho, rho1 float64)
}

// TrivialLoss is the plain squared loss.
type TrivialLoss struct{}

// Evaluate implements Loss.
func (TrivialLoss) Evaluate(s float64) (float64, float64) { return s, 1 }

// CauchyLoss is rho(s) = b*log(1 + s/b) with b = Scale^2.
type CauchyLoss struct {
	Scale float64
}

// Evaluate implements Loss.
func (c CauchyLoss) Evaluate(s float64) (float64, float64) {
	b := c.Scale * c.Scale
	if b == 0 {
		b = 1
	}
	return b * math.Log1p(s/b), 1 / (1 + s/b)
}

// ParameterBlock is a slice of parameters owned by the caller and updated in place by Solve.
type ParameterBlock struct {
	values    []float64
	manifold  Manifold
	constant  bool
	eliminate bool

	offset  int
	elimIdx int
}

// Values returns the block's parameter storage.
func (b *ParameterBlock) Values() []float64 { return b.values }

// SetConstant holds the block fixed during the solve.
func (b *ParameterBlock) SetConstant(constant bool) { b.constant = constant }

// IsConstant reports whether the block is held fixed.
func (b *ParameterBlock) IsConstant() bool { return b.constant }

// SetEliminated marks the block for Schur elimination. Every residual may touch at most one
// eliminated block.
func (b *ParameterBlock) SetEliminated(eliminate bool) { b.eliminate = eliminate }

func (b *ParameterBlock) variable() bool {
	return !b.constant && b.manifold.TangentSize() > 0
}

// CostFunction writes the residuals for the given parameter values. It returns false if the
// residuals cannot be evaluated at this point.
type CostFunction func(params [][]float64, residuals []float64) bool

type residualBlock struct {
	numResiduals int
	cost         CostFunction
	loss         Loss
	blocks       []*ParameterBlock
}

// Problem is a set of parameter blocks and the residual blocks over them.
type Problem struct {
	blocks    []*ParameterBlock
	byData    map[*float64]*ParameterBlock
	residuals []*residualBlock
}

// NewProblem returns an empty problem.
func NewProblem() *Problem {
	return &Problem{byData: make(map[*float64]*ParameterBlock)}
}

// AddParameterBlock registers values as a parameter block. Adding the same storage twice returns
// the existing block. A nil manifold means Euclidean.
func (p *Problem) AddParameterBlock(values []float64, m Manifold) *ParameterBlock {
	if len(values) == 0 {
		return &ParameterBlock{manifold: Euclidean(0)}
	}
	if b, ok := p.byData[&values[0]]; ok {
		return b
	}
	if m == nil {
		m = Euclidean(len(values))
	}
	b := &ParameterBlock{values: values, manifold: m}
	p.blocks = append(p.blocks, b)
	p.byData[&values[0]] = b
	return b
}

// AddResidualBlock adds a residual block of numResiduals residuals. A nil loss is the plain
// squared loss.
func (p *Problem) AddResidualBlock(numResiduals int, cost CostFunction, loss Loss, blocks ...*ParameterBlock) error {
	if numResiduals <= 0 {
		return errors.New("residual block needs at least one residual")
	}
	eliminated := 0
	for _, b := range blocks {
		if len(b.values) != b.manifold.AmbientSize() {
			return errors.Errorf("parameter block has %d values but its manifold expects %d",
				len(b.values), b.manifold.AmbientSize())
		}
		if b.eliminate {
			eliminated++
		}
	}
	if eliminated > 1 {
		return errors.New("a residual block may depend on at most one eliminated parameter block")
	}
	if loss == nil {
		loss = TrivialLoss{}
	}
	p.residuals = append(p.residuals, &residualBlock{
		numResiduals: numResiduals,
		cost:         cost,
		loss:         loss,
		blocks:       blocks,
	})
	return nil
}

// NumResidualBlocks returns the number of residual blocks.
func (p *Problem) NumResidualBlocks() int { return len(p.residuals) }

// NumParameterBlocks returns the number of parameter blocks.
func (p *Problem) NumParameterBlocks() int { return len(p.blocks) }
