// Package solver is a small robust nonlinear least squares solver. A Problem collects parameter
// blocks (slices owned by the caller and updated in place) and residual blocks tying them
// together; Solve minimizes 0.5 * Σ rho(|f_i(x)|²) with Levenberg-Marquardt.
package solver

import (
	"math"

	"github.com/pkg/errors"
)

// CostFunction computes the residuals of one residual block.
type CostFunction interface {
	NumResiduals() int
	ParameterBlockSizes() []int
	// Evaluate fills residuals from the parameter blocks. It reports false when the residual is
	// not defined at this point.
	Evaluate(parameters [][]float64, residuals []float64) bool
}

type parameterBlock struct {
	values   []float64
	manifold Manifold
	constant bool
	// offset into the tangent state vector, valid only while solving
	offset int
}

func (pb *parameterBlock) tangentSize() int {
	if pb.manifold != nil {
		return pb.manifold.TangentSize()
	}
	return len(pb.values)
}

func (pb *parameterBlock) plus(x, delta, out []float64) bool {
	if pb.manifold != nil {
		return pb.manifold.Plus(x, delta, out)
	}
	for i := range x {
		out[i] = x[i] + delta[i]
	}
	return true
}

type residualBlock struct {
	cost   CostFunction
	loss   LossFunction
	blocks []*parameterBlock
}

// Problem is a collection of parameter and residual blocks. Parameter blocks are identified by
// the address of their first element, so the caller must keep the backing arrays alive and
// unmoved until Solve returns.
type Problem struct {
	blocks    map[*float64]*parameterBlock
	order     []*parameterBlock
	residuals []*residualBlock
}

// NewProblem returns an empty problem.
func NewProblem() *Problem {
	return &Problem{blocks: map[*float64]*parameterBlock{}}
}

// AddParameterBlock registers values as a parameter block. A nil manifold means Euclidean
// updates. Adding an existing block again replaces its manifold when one is given.
func (p *Problem) AddParameterBlock(values []float64, manifold Manifold) error {
	if len(values) == 0 {
		return errors.New("parameter block must not be empty")
	}
	if manifold != nil && manifold.AmbientSize() != len(values) {
		return errors.Errorf("manifold ambient size %d does not match parameter block size %d",
			manifold.AmbientSize(), len(values))
	}
	if pb, ok := p.blocks[&values[0]]; ok {
		if len(pb.values) != len(values) {
			return errors.Errorf("parameter block re-added with size %d, was %d", len(values), len(pb.values))
		}
		if manifold != nil {
			pb.manifold = manifold
		}
		return nil
	}
	pb := &parameterBlock{values: values, manifold: manifold}
	p.blocks[&values[0]] = pb
	p.order = append(p.order, pb)
	return nil
}

func (p *Problem) block(values []float64) (*parameterBlock, error) {
	if len(values) == 0 {
		return nil, errors.New("parameter block must not be empty")
	}
	pb, ok := p.blocks[&values[0]]
	if !ok {
		return nil, errors.New("parameter block not found in problem")
	}
	return pb, nil
}

// SetParameterBlockConstant holds a block fixed during Solve.
func (p *Problem) SetParameterBlockConstant(values []float64) error {
	pb, err := p.block(values)
	if err != nil {
		return err
	}
	pb.constant = true
	return nil
}

// SetParameterBlockVariable lets Solve change a block previously held constant.
func (p *Problem) SetParameterBlockVariable(values []float64) error {
	pb, err := p.block(values)
	if err != nil {
		return err
	}
	pb.constant = false
	return nil
}

// IsParameterBlockConstant reports whether the block is held fixed.
func (p *Problem) IsParameterBlockConstant(values []float64) bool {
	pb, err := p.block(values)
	return err == nil && pb.constant
}

// AddResidualBlock adds a residual block over the given parameter blocks, which are added to
// the problem if needed. A nil loss means plain least squares.
func (p *Problem) AddResidualBlock(cost CostFunction, loss LossFunction, parameters ...[]float64) error {
	sizes := cost.ParameterBlockSizes()
	if len(sizes) != len(parameters) {
		return errors.Errorf("cost function expects %d parameter blocks, got %d", len(sizes), len(parameters))
	}
	if cost.NumResiduals() <= 0 {
		return errors.New("cost function must have at least one residual")
	}
	rb := &residualBlock{cost: cost, loss: loss}
	for i, values := range parameters {
		if len(values) != sizes[i] {
			return errors.Errorf("parameter block %d has size %d, cost function expects %d", i, len(values), sizes[i])
		}
		if err := p.AddParameterBlock(values, nil); err != nil {
			return err
		}
		rb.blocks = append(rb.blocks, p.blocks[&values[0]])
	}
	p.residuals = append(p.residuals, rb)
	return nil
}

// NumParameterBlocks returns the number of parameter blocks.
func (p *Problem) NumParameterBlocks() int {
	return len(p.order)
}

// NumParameters returns the total ambient size of all parameter blocks.
func (p *Problem) NumParameters() int {
	var n int
	for _, pb := range p.order {
		n += len(pb.values)
	}
	return n
}

// NumResidualBlocks returns the number of residual blocks.
func (p *Problem) NumResidualBlocks() int {
	return len(p.residuals)
}

// NumResiduals returns the total number of scalar residuals.
func (p *Problem) NumResiduals() int {
	var n int
	for _, rb := range p.residuals {
		n += rb.cost.NumResiduals()
	}
	return n
}

// Evaluate returns the cost 0.5 * Σ rho(|f_i|²) at the current parameter values.
func (p *Problem) Evaluate() (float64, error) {
	params := p.currentValues()
	cost, ok := p.cost(params)
	if !ok {
		return math.NaN(), errors.New("residual evaluation failed")
	}
	return cost, nil
}

// currentValues returns the live parameter slices in block order.
func (p *Problem) currentValues() map[*parameterBlock][]float64 {
	out := make(map[*parameterBlock][]float64, len(p.order))
	for _, pb := range p.order {
		out[pb] = pb.values
	}
	return out
}

// cost evaluates the robustified cost at the given parameter values.
func (p *Problem) cost(values map[*parameterBlock][]float64) (float64, bool) {
	var total float64
	for _, rb := range p.residuals {
		r := make([]float64, rb.cost.NumResiduals())
		if !rb.evaluate(values, r) {
			return math.NaN(), false
		}
		total += rb.robustCost(r)
	}
	return total, true
}

func (rb *residualBlock) parameters(values map[*parameterBlock][]float64) [][]float64 {
	params := make([][]float64, len(rb.blocks))
	for i, pb := range rb.blocks {
		params[i] = values[pb]
	}
	return params
}

func (rb *residualBlock) evaluate(values map[*parameterBlock][]float64, residuals []float64) bool {
	if !rb.cost.Evaluate(rb.parameters(values), residuals) {
		return false
	}
	return allFinite(residuals)
}

func (rb *residualBlock) robustCost(residuals []float64) float64 {
	s := squaredNorm(residuals)
	if rb.loss == nil {
		return 0.5 * s
	}
	return 0.5 * rb.loss.Evaluate(s)[0]
}

func squaredNorm(v []float64) float64 {
	var s float64
	for _, x := range v {
		s += x * x
	}
	return s
}

func allFinite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
