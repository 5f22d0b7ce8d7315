package solver

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/gvins/logging"
)

// TerminationType describes why Solve stopped.
type TerminationType int

const (
	// Convergence means one of the function, gradient or parameter tolerances was reached.
	Convergence TerminationType = iota
	// NoConvergence means the iteration limit was reached first.
	NoConvergence
	// Aborted means the context was cancelled; parameters hold the last accepted step.
	Aborted
	// Failure means the problem could not be evaluated at the starting point.
	Failure
)

func (t TerminationType) String() string {
	switch t {
	case Convergence:
		return "CONVERGENCE"
	case NoConvergence:
		return "NO_CONVERGENCE"
	case Aborted:
		return "ABORTED"
	case Failure:
		return "FAILURE"
	default:
		return fmt.Sprintf("TerminationType(%d)", int(t))
	}
}

// Options configures Solve. Zero values are replaced with the defaults of DefaultOptions.
type Options struct {
	MaxNumIterations int
	LinearSolverType LinearSolverType

	FunctionTolerance  float64
	GradientTolerance  float64
	ParameterTolerance float64

	InitialTrustRegionRadius float64
	MaxTrustRegionRadius     float64
	MinTrustRegionRadius     float64
	MinRelativeDecrease      float64
	MinLMDiagonal            float64
	MaxLMDiagonal            float64

	// MaxConsecutiveInvalidSteps bounds how many failed linear solves or evaluations in a row
	// are tolerated before giving up.
	MaxConsecutiveInvalidSteps int
	// NumericDiffStep is the central difference step on the tangent space. Zero uses the gonum default.
	NumericDiffStep float64

	Logger logging.Logger
	Clock  clock.Clock
}

// DefaultOptions returns the default solver options.
func DefaultOptions() Options {
	return Options{
		MaxNumIterations:           50,
		LinearSolverType:           SparseNormalCholesky,
		FunctionTolerance:          1e-6,
		GradientTolerance:          1e-10,
		ParameterTolerance:         1e-8,
		InitialTrustRegionRadius:   1e4,
		MaxTrustRegionRadius:       1e16,
		MinTrustRegionRadius:       1e-32,
		MinRelativeDecrease:        1e-3,
		MinLMDiagonal:              1e-6,
		MaxLMDiagonal:              1e32,
		MaxConsecutiveInvalidSteps: 5,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxNumIterations <= 0 {
		o.MaxNumIterations = d.MaxNumIterations
	}
	if o.LinearSolverType == "" {
		o.LinearSolverType = d.LinearSolverType
	}
	setIfZero := func(v *float64, def float64) {
		if *v <= 0 {
			*v = def
		}
	}
	setIfZero(&o.FunctionTolerance, d.FunctionTolerance)
	setIfZero(&o.GradientTolerance, d.GradientTolerance)
	setIfZero(&o.ParameterTolerance, d.ParameterTolerance)
	setIfZero(&o.InitialTrustRegionRadius, d.InitialTrustRegionRadius)
	setIfZero(&o.MaxTrustRegionRadius, d.MaxTrustRegionRadius)
	setIfZero(&o.MinTrustRegionRadius, d.MinTrustRegionRadius)
	setIfZero(&o.MinRelativeDecrease, d.MinRelativeDecrease)
	setIfZero(&o.MinLMDiagonal, d.MinLMDiagonal)
	setIfZero(&o.MaxLMDiagonal, d.MaxLMDiagonal)
	if o.MaxConsecutiveInvalidSteps <= 0 {
		o.MaxConsecutiveInvalidSteps = d.MaxConsecutiveInvalidSteps
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}

// Summary reports what Solve did.
type Summary struct {
	Termination TerminationType
	Message     string

	InitialCost float64
	FinalCost   float64

	Iterations        int
	SuccessfulSteps   int
	UnsuccessfulSteps int

	NumParameterBlocks     int
	NumParameters          int
	NumEffectiveParameters int
	NumResidualBlocks      int
	NumResiduals           int

	LinearSolverType LinearSolverType
	TotalTime        time.Duration
}

// IsSolutionUsable reports whether the parameters hold a point at least as good as the start.
func (s *Summary) IsSolutionUsable() bool {
	return s.Termination != Failure
}

// BriefReport returns a one line description of the solve.
func (s *Summary) BriefReport() string {
	return fmt.Sprintf("Levenberg-Marquardt, iterations: %d, initial cost: %e, final cost: %e, termination: %s",
		s.Iterations, s.InitialCost, s.FinalCost, s.Termination)
}

// Solve minimizes the problem's cost with Levenberg-Marquardt, writing accepted steps into the
// parameter blocks in place. The damping follows a trust region whose radius grows on good
// steps and shrinks on rejected ones.
func Solve(ctx context.Context, opts Options, p *Problem) (summary Summary) {
	opts = opts.withDefaults()
	start := opts.Clock.Now()
	summary = Summary{
		NumParameterBlocks: p.NumParameterBlocks(),
		NumParameters:      p.NumParameters(),
		NumResidualBlocks:  p.NumResidualBlocks(),
		NumResiduals:       p.NumResiduals(),
		LinearSolverType:   opts.LinearSolverType,
	}
	defer func() {
		summary.TotalTime = opts.Clock.Since(start)
	}()

	variable := make([]*parameterBlock, 0, len(p.order))
	n := 0
	for _, pb := range p.order {
		if pb.constant {
			continue
		}
		pb.offset = n
		n += pb.tangentSize()
		variable = append(variable, pb)
	}
	summary.NumEffectiveParameters = n

	values := p.currentValues()
	lin, ok := p.linearize(values, opts.NumericDiffStep)
	if !ok {
		summary.Termination = Failure
		summary.Message = "residual evaluation failed at the initial point"
		summary.InitialCost, summary.FinalCost = math.NaN(), math.NaN()
		return summary
	}
	summary.InitialCost = lin.cost
	summary.FinalCost = lin.cost
	if n == 0 || summary.NumResiduals == 0 {
		summary.Termination = Convergence
		summary.Message = "no variable parameters or residuals"
		return summary
	}

	radius := opts.InitialTrustRegionRadius
	decreaseFactor := 2.0
	invalidSteps := 0
	h, g := lin.normalEquations(n, summary.NumResiduals, opts.LinearSolverType)

	for summary.Iterations < opts.MaxNumIterations {
		if err := ctx.Err(); err != nil {
			summary.Termination = Aborted
			summary.Message = err.Error()
			return summary
		}
		if maxAbs(g.RawVector().Data) <= opts.GradientTolerance {
			summary.Termination = Convergence
			summary.Message = "gradient tolerance reached"
			return summary
		}
		summary.Iterations++

		diag := make([]float64, n)
		for i := range diag {
			diag[i] = math.Min(math.Max(h.At(i, i), opts.MinLMDiagonal), opts.MaxLMDiagonal)
		}
		dx, err := solveDamped(h, g, diag, radius)
		var candidate map[*parameterBlock][]float64
		newCost := math.NaN()
		if err == nil {
			stepNorm := floats.Norm(dx.RawVector().Data, 2)
			if stepNorm <= opts.ParameterTolerance*(stateNorm(variable)+opts.ParameterTolerance) {
				summary.Termination = Convergence
				summary.Message = "parameter tolerance reached"
				return summary
			}
			candidate, ok = plusState(values, variable, dx.RawVector().Data)
			if ok {
				newCost, ok = p.cost(candidate)
			}
			if !ok {
				err = errInvalidStep
			}
		}
		if err != nil {
			invalidSteps++
			summary.UnsuccessfulSteps++
			if opts.Logger != nil {
				opts.Logger.Debugw("invalid step", "iteration", summary.Iterations, "radius", radius, "error", err)
			}
			if invalidSteps >= opts.MaxConsecutiveInvalidSteps {
				summary.Termination = NoConvergence
				summary.Message = fmt.Sprintf("%d consecutive invalid steps", invalidSteps)
				return summary
			}
			radius /= decreaseFactor
			decreaseFactor *= 2
			continue
		}
		invalidSteps = 0

		modelChange := modelCostChange(h, g, dx)
		relativeDecrease := (lin.cost - newCost) / modelChange
		if modelChange > 0 && relativeDecrease > opts.MinRelativeDecrease {
			previousCost := lin.cost
			commitState(variable, candidate)
			values = p.currentValues()
			summary.SuccessfulSteps++
			summary.FinalCost = newCost

			radius /= math.Max(1.0/3.0, 1.0-math.Pow(2.0*relativeDecrease-1.0, 3))
			radius = math.Min(radius, opts.MaxTrustRegionRadius)
			decreaseFactor = 2

			if opts.Logger != nil {
				opts.Logger.Debugw("accepted step", "iteration", summary.Iterations, "cost", newCost, "radius", radius)
			}
			if math.Abs(previousCost-newCost) <= opts.FunctionTolerance*previousCost {
				summary.Termination = Convergence
				summary.Message = "function tolerance reached"
				return summary
			}

			lin, ok = p.linearize(values, opts.NumericDiffStep)
			if !ok {
				// the cost was finite here, only a jacobian can have failed
				summary.Termination = NoConvergence
				summary.Message = "jacobian evaluation failed"
				return summary
			}
			h, g = lin.normalEquations(n, summary.NumResiduals, opts.LinearSolverType)
			continue
		}

		summary.UnsuccessfulSteps++
		radius /= decreaseFactor
		decreaseFactor *= 2
		if radius < opts.MinTrustRegionRadius {
			summary.Termination = Convergence
			summary.Message = "trust region radius below minimum"
			return summary
		}
	}

	summary.Termination = NoConvergence
	summary.Message = "maximum number of iterations reached"
	return summary
}

var errInvalidStep = errors.New("step could not be evaluated")

// modelCostChange is the decrease of the linearized cost predicted for step dx.
func modelCostChange(h *mat.SymDense, g, dx *mat.VecDense) float64 {
	var hdx mat.VecDense
	hdx.MulVec(h, dx)
	return -(mat.Dot(g, dx) + 0.5*mat.Dot(dx, &hdx))
}

func plusState(values map[*parameterBlock][]float64, variable []*parameterBlock, dx []float64) (map[*parameterBlock][]float64, bool) {
	candidate := make(map[*parameterBlock][]float64, len(values))
	for pb, v := range values {
		candidate[pb] = v
	}
	for _, pb := range variable {
		out := make([]float64, len(pb.values))
		if !pb.plus(pb.values, dx[pb.offset:pb.offset+pb.tangentSize()], out) || !allFinite(out) {
			return nil, false
		}
		candidate[pb] = out
	}
	return candidate, true
}

func commitState(variable []*parameterBlock, candidate map[*parameterBlock][]float64) {
	for _, pb := range variable {
		copy(pb.values, candidate[pb])
	}
}

func stateNorm(variable []*parameterBlock) float64 {
	var s float64
	for _, pb := range variable {
		s += squaredNorm(pb.values)
	}
	return math.Sqrt(s)
}

func maxAbs(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	return math.Max(floats.Max(v), -floats.Min(v))
}
