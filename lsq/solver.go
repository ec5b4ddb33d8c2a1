package lsq

import (
	"math"
	"runtime"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	minDiagonal     = 1e-6
	maxDiagonal     = 1e32
	maxInnerRetries = 10
)

// Options configures Solve.
type Options struct {
	MaxIterations      int
	FunctionTolerance  float64
	ParameterTolerance float64
	GradientTolerance  float64
	InitialLambda      float64
	JacobianStep       float64
	NumWorkers         int
}

// DefaultOptions returns the solver defaults used by the bundle adjustment.
func DefaultOptions() Options {
	return Options{
		MaxIterations:      20,
		FunctionTolerance:  1e-6,
		ParameterTolerance: 1e-8,
		GradientTolerance:  1e-10,
		InitialLambda:      1e-4,
		JacobianStep:       1e-7,
		NumWorkers:         runtime.GOMAXPROCS(0),
	}
}

// Summary reports what Solve did.
type Summary struct {
	InitialCost     float64
	FinalCost       float64
	Iterations      int
	SuccessfulSteps int
	Termination     string
}

type blockEval struct {
	residuals []float64
	jacobians []*mat.Dense
	cost      float64
}

type solver struct {
	opts       Options
	problem    *Problem
	reduced    []*ParameterBlock
	eliminated []*ParameterBlock
	numReduced int
	evals      []blockEval
}

// Solve minimizes the problem in place.
func Solve(opts Options, p *Problem) (Summary, error) {
	if opts.MaxIterations <= 0 {
		return Summary{}, errors.New("max iterations must be positive")
	}
	if opts.JacobianStep <= 0 {
		opts.JacobianStep = DefaultOptions().JacobianStep
	}
	if opts.InitialLambda <= 0 {
		opts.InitialLambda = DefaultOptions().InitialLambda
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}

	s := &solver{opts: opts, problem: p, evals: make([]blockEval, len(p.residuals))}
	for _, b := range p.blocks {
		b.offset, b.elimIdx = -1, -1
		if !b.variable() {
			continue
		}
		if b.eliminate {
			b.elimIdx = len(s.eliminated)
			s.eliminated = append(s.eliminated, b)
		} else {
			b.offset = s.numReduced
			s.numReduced += b.manifold.TangentSize()
			s.reduced = append(s.reduced, b)
		}
	}

	cost, err := s.evaluate(true)
	if err != nil {
		return Summary{}, err
	}
	summary := Summary{InitialCost: cost, FinalCost: cost}
	if len(s.reduced) == 0 && len(s.eliminated) == 0 {
		summary.Termination = "no variable parameters"
		return summary, nil
	}

	lambda, nu := opts.InitialLambda, 2.0
	for summary.Iterations < opts.MaxIterations {
		sys := s.buildNormalEquations()
		if floats.Norm(sys.gradient(), math.Inf(1)) < opts.GradientTolerance {
			summary.Termination = "gradient tolerance reached"
			break
		}

		accepted := false
		converged := false
		for retry := 0; retry < maxInnerRetries && !accepted; retry++ {
			summary.Iterations++
			step, predicted, ok := sys.solve(lambda)
			if !ok {
				lambda *= nu
				nu *= 2
				continue
			}
			saved := s.snapshot()
			s.applyStep(step)
			newCost, err := s.evaluate(false)
			if err != nil || math.IsNaN(newCost) || math.IsInf(newCost, 0) || newCost >= cost {
				s.restore(saved)
				lambda *= nu
				nu *= 2
				continue
			}

			accepted = true
			summary.SuccessfulSteps++
			rho := (cost - newCost) / math.Max(predicted, 1e-300)
			lambda *= math.Max(1.0/3, 1-math.Pow(2*rho-1, 3))
			nu = 2

			if cost-newCost < opts.FunctionTolerance*cost ||
				floats.Norm(step, 2) < opts.ParameterTolerance*(s.parameterNorm()+opts.ParameterTolerance) {
				converged = true
			}
			cost = newCost
		}
		if !accepted {
			summary.Termination = "no decreasing step found"
			break
		}
		if _, err := s.evaluate(true); err != nil {
			return summary, err
		}
		if converged {
			summary.Termination = "function tolerance reached"
			break
		}
	}
	if summary.Termination == "" {
		summary.Termination = "max iterations reached"
	}
	summary.FinalCost = cost
	return summary, nil
}

// evaluate computes the robustified residuals, and Jacobians when requested, of every residual
// block in parallel and returns the total cost.
func (s *solver) evaluate(withJacobians bool) (float64, error) {
	var g errgroup.Group
	g.SetLimit(s.opts.NumWorkers)
	for i := range s.problem.residuals {
		i := i
		g.Go(func() error {
			s.evals[i] = s.evaluateBlock(s.problem.residuals[i], withJacobians)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	var cost float64
	for _, e := range s.evals {
		cost += e.cost
	}
	return cost, nil
}

func (s *solver) evaluateBlock(rb *residualBlock, withJacobians bool) blockEval {
	params := make([][]float64, len(rb.blocks))
	for i, b := range rb.blocks {
		params[i] = b.values
	}
	res := make([]float64, rb.numResiduals)
	if !rb.cost(params, res) {
		if withJacobians {
			// an unevaluable residual contributes nothing to the linearization
			return blockEval{residuals: make([]float64, rb.numResiduals), jacobians: make([]*mat.Dense, len(rb.blocks))}
		}
		return blockEval{cost: math.Inf(1)}
	}

	sq := floats.Dot(res, res)
	rho, rho1 := rb.loss.Evaluate(sq)
	eval := blockEval{residuals: res, cost: 0.5 * rho}
	if !withJacobians {
		return eval
	}
	weight := math.Sqrt(math.Max(rho1, 0))

	tangentSize := 0
	for _, b := range rb.blocks {
		if b.variable() {
			tangentSize += b.manifold.TangentSize()
		}
	}
	eval.jacobians = make([]*mat.Dense, len(rb.blocks))
	if tangentSize > 0 {
		jac := mat.NewDense(rb.numResiduals, tangentSize, nil)
		perturbed := make([][]float64, len(rb.blocks))
		for i, b := range rb.blocks {
			if b.variable() {
				perturbed[i] = make([]float64, len(b.values))
			} else {
				perturbed[i] = b.values
			}
		}
		f := func(y, delta []float64) {
			off := 0
			for i, b := range rb.blocks {
				if !b.variable() {
					continue
				}
				n := b.manifold.TangentSize()
				b.manifold.Plus(b.values, delta[off:off+n], perturbed[i])
				off += n
			}
			if !rb.cost(perturbed, y) {
				for k := range y {
					y[k] = 0
				}
			}
		}
		fd.Jacobian(jac, f, make([]float64, tangentSize), &fd.JacobianSettings{
			Formula: fd.Central,
			Step:    s.opts.JacobianStep,
		})
		jac.Scale(weight, jac)

		off := 0
		for i, b := range rb.blocks {
			if !b.variable() {
				continue
			}
			n := b.manifold.TangentSize()
			eval.jacobians[i] = mat.DenseCopyOf(jac.Slice(0, rb.numResiduals, off, off+n))
			off += n
		}
	}
	weighted := make([]float64, len(res))
	floats.ScaleTo(weighted, weight, res)
	eval.residuals = weighted
	return eval
}

func (s *solver) snapshot() [][]float64 {
	saved := make([][]float64, 0, len(s.reduced)+len(s.eliminated))
	for _, b := range s.reduced {
		saved = append(saved, append([]float64(nil), b.values...))
	}
	for _, b := range s.eliminated {
		saved = append(saved, append([]float64(nil), b.values...))
	}
	return saved
}

func (s *solver) restore(saved [][]float64) {
	i := 0
	for _, b := range s.reduced {
		copy(b.values, saved[i])
		i++
	}
	for _, b := range s.eliminated {
		copy(b.values, saved[i])
		i++
	}
}

func (s *solver) parameterNorm() float64 {
	var sum float64
	for _, b := range s.reduced {
		sum += floats.Dot(b.values, b.values)
	}
	for _, b := range s.eliminated {
		sum += floats.Dot(b.values, b.values)
	}
	return math.Sqrt(sum)
}

// applyStep applies a step laid out as the reduced tangent vector followed by the tangent
// vectors of the eliminated blocks in order.
func (s *solver) applyStep(step []float64) {
	off := 0
	tmp := make([]float64, 0, 8)
	apply := func(b *ParameterBlock) {
		n := b.manifold.TangentSize()
		tmp = tmp[:len(b.values)]
		b.manifold.Plus(b.values, step[off:off+n], tmp)
		copy(b.values, tmp)
		off += n
	}
	for _, b := range s.reduced {
		apply(b)
	}
	for _, b := range s.eliminated {
		apply(b)
	}
}
