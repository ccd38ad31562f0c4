// Package lsq solves bound constrained nonlinear least squares problems with a projected
// Levenberg-Marquardt method. The Jacobian is estimated by central differences over a known
// sparsity pattern, perturbing columns that share no residual together.
package lsq

import (
	"context"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

// Pattern lists, for every residual, the parameters it depends on.
type Pattern [][]int

// DensePattern is the pattern of m residuals that each depend on all n parameters.
func DensePattern(m, n int) Pattern {
	cols := make([]int, n)
	for i := range cols {
		cols[i] = i
	}
	p := make(Pattern, m)
	for i := range p {
		p[i] = cols
	}
	return p
}

// NumEntries is the number of structurally nonzero Jacobian entries.
func (p Pattern) NumEntries() int {
	n := 0
	for _, row := range p {
		n += len(row)
	}
	return n
}

// Problem is a residual function over NumParams parameters.
type Problem struct {
	NumParams    int
	NumResiduals int
	// Func writes the residuals at x into dst.
	Func func(dst, x []float64)
	// Pattern is the Jacobian sparsity. A nil Pattern is dense.
	Pattern Pattern
	// Lower and Upper bound the parameters. Either may be nil for no bound; entries may be infinite.
	Lower, Upper []float64
}

// Settings control the solver. Zero values take the defaults of DefaultSettings.
type Settings struct {
	// MaxIterations bounds the number of Jacobian evaluations.
	MaxIterations int
	// FunctionTolerance stops when an accepted step lowers the cost by less than this fraction.
	FunctionTolerance float64
	// GradientTolerance stops when the infinity norm of the projected gradient falls below it.
	GradientTolerance float64
	// DiffStep is the relative finite difference step.
	DiffStep float64
	// InitialDamping is the starting Levenberg-Marquardt damping factor.
	InitialDamping float64
	// Callback, if set, is called after every accepted step.
	Callback func(iteration int, cost float64)
}

// DefaultSettings returns the solver defaults.
func DefaultSettings() Settings {
	return Settings{
		MaxIterations:     100,
		FunctionTolerance: 1e-8,
		GradientTolerance: 1e-10,
		DiffStep:          1e-6,
		InitialDamping:    1e-3,
	}
}

func (s Settings) withDefaults() Settings {
	def := DefaultSettings()
	if s.MaxIterations <= 0 {
		s.MaxIterations = def.MaxIterations
	}
	if s.FunctionTolerance <= 0 {
		s.FunctionTolerance = def.FunctionTolerance
	}
	if s.GradientTolerance <= 0 {
		s.GradientTolerance = def.GradientTolerance
	}
	if s.DiffStep <= 0 {
		s.DiffStep = def.DiffStep
	}
	if s.InitialDamping <= 0 {
		s.InitialDamping = def.InitialDamping
	}
	return s
}

const (
	minDamping = 1e-10
	maxDamping = 1e16
	// dampingFactor scales the damping up on a rejected step and down on an accepted one.
	dampingFactor = 10.
)

// Result is the outcome of Solve. Cost is half the squared residual norm.
type Result struct {
	X           []float64
	InitialCost float64
	Cost        float64
	Iterations  int
	// Evaluations counts calls of the residual function, Jacobian estimation included.
	Evaluations int
	Status      optimize.Status
}

// Solve minimizes half the squared norm of the residuals of p starting from x0, which must lie
// within the bounds. Every accepted step lowers the cost. Running out of iterations is reported in
// the Status, not as an error.
func Solve(ctx context.Context, p Problem, x0 []float64, settings Settings) (*Result, error) {
	if err := p.validate(x0); err != nil {
		return nil, err
	}
	settings = settings.withDefaults()
	pattern := p.Pattern
	if pattern == nil {
		pattern = DensePattern(p.NumResiduals, p.NumParams)
	}
	jac := newJacobian(pattern, p.NumParams)
	lower, upper := p.bounds()

	s := &solver{
		p:      p,
		lower:  lower,
		upper:  upper,
		jac:    jac,
		res:    make([]float64, p.NumResiduals),
		trial:  make([]float64, p.NumResiduals),
		xTrial: make([]float64, p.NumParams),
	}
	x := append([]float64(nil), x0...)
	cost := s.eval(s.res, x)
	if math.IsNaN(cost) || math.IsInf(cost, 0) {
		return nil, errors.New("residuals are not finite at the initial point")
	}
	result := &Result{InitialCost: cost, Cost: cost}

	n := p.NumParams
	normal := make([]float64, n*n)
	damped := make([]float64, n*n)
	grad := make([]float64, n)
	scale := make([]float64, n)
	step := mat.NewVecDense(n, nil)
	lambda := settings.InitialDamping

	result.Status = optimize.IterationLimit
	for result.Iterations < settings.MaxIterations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result.Iterations++
		s.estimateJacobian(x, settings.DiffStep)
		jac.normalEquations(s.res, normal, grad)

		if s.projectedGradientNorm(x, grad) < settings.GradientTolerance {
			result.Status = optimize.GradientThreshold
			break
		}
		marquardtScale(normal, scale, n)

		accepted := false
		for !accepted {
			if lambda > maxDamping {
				break
			}
			copy(damped, normal)
			for i := 0; i < n; i++ {
				damped[i*n+i] += lambda * scale[i]
			}
			var chol mat.Cholesky
			if ok := chol.Factorize(mat.NewSymDense(n, damped)); !ok {
				lambda *= dampingFactor
				continue
			}
			if err := chol.SolveVecTo(step, mat.NewVecDense(n, grad)); err != nil {
				lambda *= dampingFactor
				continue
			}
			for i := 0; i < n; i++ {
				s.xTrial[i] = clamp(x[i]-step.AtVec(i), lower[i], upper[i])
			}
			newCost := s.eval(s.trial, s.xTrial)
			if !(newCost < cost) {
				lambda *= dampingFactor
				continue
			}
			accepted = true
			lambda = math.Max(lambda/dampingFactor, minDamping)
			reduction := cost - newCost
			copy(x, s.xTrial)
			s.res, s.trial = s.trial, s.res
			prev := cost
			cost = newCost
			if settings.Callback != nil {
				settings.Callback(result.Iterations, cost)
			}
			if cost == 0 || reduction < settings.FunctionTolerance*prev {
				result.Status = optimize.FunctionConvergence
			}
		}
		if !accepted {
			// no damping gives a decrease, x is a minimum up to the difference step
			result.Status = optimize.StepConvergence
			break
		}
		if result.Status == optimize.FunctionConvergence {
			break
		}
	}
	result.X = x
	result.Cost = cost
	result.Evaluations = s.evaluations
	return result, nil
}

func (p Problem) validate(x0 []float64) error {
	if p.NumParams <= 0 || p.NumResiduals <= 0 {
		return errors.Errorf("problem needs parameters and residuals, got %d and %d", p.NumParams, p.NumResiduals)
	}
	if p.Func == nil {
		return errors.New("problem has no residual function")
	}
	if len(x0) != p.NumParams {
		return errors.Errorf("initial point has %d values, problem has %d parameters", len(x0), p.NumParams)
	}
	if p.Pattern != nil {
		if len(p.Pattern) != p.NumResiduals {
			return errors.Errorf("pattern has %d rows, problem has %d residuals", len(p.Pattern), p.NumResiduals)
		}
		for r, row := range p.Pattern {
			seen := map[int]bool{}
			for _, c := range row {
				if c < 0 || c >= p.NumParams {
					return errors.Errorf("pattern row %d references parameter %d", r, c)
				}
				if seen[c] {
					return errors.Errorf("pattern row %d lists parameter %d twice", r, c)
				}
				seen[c] = true
			}
		}
	}
	if p.Lower != nil && len(p.Lower) != p.NumParams {
		return errors.Errorf("lower bound has %d values, problem has %d parameters", len(p.Lower), p.NumParams)
	}
	if p.Upper != nil && len(p.Upper) != p.NumParams {
		return errors.Errorf("upper bound has %d values, problem has %d parameters", len(p.Upper), p.NumParams)
	}
	lower, upper := p.bounds()
	for i, v := range x0 {
		if lower[i] > upper[i] {
			return errors.Errorf("parameter %d has lower bound %v above upper bound %v", i, lower[i], upper[i])
		}
		if v < lower[i] || v > upper[i] {
			return errors.Errorf("parameter %d starts at %v outside its bounds [%v, %v]", i, v, lower[i], upper[i])
		}
	}
	return nil
}

func (p Problem) bounds() ([]float64, []float64) {
	lower := p.Lower
	if lower == nil {
		lower = make([]float64, p.NumParams)
		for i := range lower {
			lower[i] = math.Inf(-1)
		}
	}
	upper := p.Upper
	if upper == nil {
		upper = make([]float64, p.NumParams)
		for i := range upper {
			upper[i] = math.Inf(1)
		}
	}
	return lower, upper
}

type solver struct {
	p            Problem
	lower, upper []float64
	jac          *jacobian
	res, trial   []float64
	xTrial       []float64
	evaluations  int
}

func (s *solver) eval(dst, x []float64) float64 {
	s.evaluations++
	s.p.Func(dst, x)
	return 0.5 * floats.Dot(dst, dst)
}

// projectedGradientNorm is the infinity norm of the gradient with the components that would push
// an active bound outward removed.
func (s *solver) projectedGradientNorm(x, grad []float64) float64 {
	var norm float64
	for i, g := range grad {
		if (x[i] <= s.lower[i] && g > 0) || (x[i] >= s.upper[i] && g < 0) {
			continue
		}
		norm = math.Max(norm, math.Abs(g))
	}
	return norm
}

// marquardtScale sets the damping scale to the diagonal of the normal matrix, floored so that
// parameters no residual depends on still get damped.
func marquardtScale(normal, scale []float64, n int) {
	var maxDiag float64
	for i := 0; i < n; i++ {
		maxDiag = math.Max(maxDiag, normal[i*n+i])
	}
	floor := 1e-12 * math.Max(maxDiag, 1)
	for i := 0; i < n; i++ {
		scale[i] = math.Max(normal[i*n+i], floor)
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
