package solver

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
)

// LinearSolverType selects how the normal equations of each Levenberg-Marquardt step are formed.
type LinearSolverType string

const (
	// SparseNormalCholesky accumulates JᵀJ block by block from each residual block's jacobians.
	// Only blocks coupled by a residual are ever touched.
	SparseNormalCholesky = LinearSolverType("sparse_normal_cholesky")
	// DenseNormalCholesky assembles the full jacobian and forms JᵀJ in one product.
	DenseNormalCholesky = LinearSolverType("dense_normal_cholesky")
)

// linearizedBlock is one residual block linearized at the current point, with the robust loss
// folded into the residuals and jacobians.
type linearizedBlock struct {
	residuals []float64
	// jacobians[i] is nil for constant parameter blocks.
	jacobians []*mat.Dense
	offsets   []int
}

type linearization struct {
	cost   float64
	blocks []linearizedBlock
}

// linearize evaluates residuals and tangent space jacobians of every residual block by central
// differences. It reports false if any residual or jacobian is not finite.
func (p *Problem) linearize(values map[*parameterBlock][]float64, step float64) (*linearization, bool) {
	lin := &linearization{blocks: make([]linearizedBlock, len(p.residuals))}
	for i, rb := range p.residuals {
		m := rb.cost.NumResiduals()
		residuals := make([]float64, m)
		if !rb.evaluate(values, residuals) {
			return nil, false
		}

		lb := linearizedBlock{
			jacobians: make([]*mat.Dense, len(rb.blocks)),
			offsets:   make([]int, len(rb.blocks)),
		}
		params := rb.parameters(values)
		for j, pb := range rb.blocks {
			if pb.constant {
				continue
			}
			jac, ok := rb.numericJacobian(params, j, m, step)
			if !ok {
				return nil, false
			}
			lb.jacobians[j] = jac
			lb.offsets[j] = pb.offset
		}

		s := squaredNorm(residuals)
		if rb.loss == nil {
			lin.cost += 0.5 * s
		} else {
			rho := rb.loss.Evaluate(s)
			lin.cost += 0.5 * rho[0]
			c := newCorrector(s, rho)
			for _, jac := range lb.jacobians {
				if jac != nil {
					rows, cols := jac.Dims()
					c.correctJacobian(residuals, rows, cols, jac.RawMatrix().Data)
				}
			}
			c.correctResiduals(residuals)
		}
		lb.residuals = residuals
		lin.blocks[i] = lb
	}
	return lin, true
}

func (rb *residualBlock) numericJacobian(params [][]float64, j, m int, step float64) (*mat.Dense, bool) {
	pb := rb.blocks[j]
	x := params[j]
	perturbed := make([]float64, len(x))
	local := make([][]float64, len(params))
	copy(local, params)
	local[j] = perturbed

	ok := true
	jac := mat.NewDense(m, pb.tangentSize(), nil)
	fd.Jacobian(jac, func(y, delta []float64) {
		if !pb.plus(x, delta, perturbed) || !rb.cost.Evaluate(local, y) {
			ok = false
		}
	}, make([]float64, pb.tangentSize()), &fd.JacobianSettings{
		Formula: fd.Central,
		Step:    step,
	})
	return jac, ok && allFinite(jac.RawMatrix().Data)
}

// normalEquations returns H = JᵀJ and g = Jᵀr over the n dimensional tangent state.
func (lin *linearization) normalEquations(n, numResiduals int, kind LinearSolverType) (*mat.SymDense, *mat.VecDense) {
	if kind == DenseNormalCholesky {
		return lin.denseNormalEquations(n, numResiduals)
	}
	return lin.sparseNormalEquations(n)
}

func (lin *linearization) sparseNormalEquations(n int) (*mat.SymDense, *mat.VecDense) {
	h := mat.NewSymDense(n, nil)
	g := mat.NewVecDense(n, nil)
	var prod mat.Dense
	for _, lb := range lin.blocks {
		r := mat.NewVecDense(len(lb.residuals), lb.residuals)
		for a, ja := range lb.jacobians {
			if ja == nil {
				continue
			}
			oa := lb.offsets[a]
			var ga mat.VecDense
			ga.MulVec(ja.T(), r)
			for i := 0; i < ga.Len(); i++ {
				g.SetVec(oa+i, g.AtVec(oa+i)+ga.AtVec(i))
			}

			for b, jb := range lb.jacobians {
				if jb == nil {
					continue
				}
				ob := lb.offsets[b]
				prod.Reset()
				prod.Mul(ja.T(), jb)
				rows, cols := prod.Dims()
				for i := 0; i < rows; i++ {
					for k := 0; k < cols; k++ {
						// the other ordering of (a, b) fills the lower triangle
						if oa+i > ob+k {
							continue
						}
						h.SetSym(oa+i, ob+k, h.At(oa+i, ob+k)+prod.At(i, k))
					}
				}
			}
		}
	}
	return h, g
}

func (lin *linearization) denseNormalEquations(n, numResiduals int) (*mat.SymDense, *mat.VecDense) {
	jac := mat.NewDense(numResiduals, n, nil)
	r := mat.NewVecDense(numResiduals, nil)
	row := 0
	for _, lb := range lin.blocks {
		for i, v := range lb.residuals {
			r.SetVec(row+i, v)
		}
		for a, ja := range lb.jacobians {
			if ja == nil {
				continue
			}
			rows, cols := ja.Dims()
			for i := 0; i < rows; i++ {
				for k := 0; k < cols; k++ {
					jac.Set(row+i, lb.offsets[a]+k, jac.At(row+i, lb.offsets[a]+k)+ja.At(i, k))
				}
			}
		}
		row += len(lb.residuals)
	}

	h := mat.NewSymDense(n, nil)
	h.SymOuterK(1, jac.T())
	g := mat.NewVecDense(n, nil)
	g.MulVec(jac.T(), r)
	return h, g
}

// solveDamped solves (H + diag(D)/radius) dx = -g.
func solveDamped(h *mat.SymDense, g *mat.VecDense, diag []float64, radius float64) (*mat.VecDense, error) {
	n := h.SymmetricDim()
	a := mat.NewSymDense(n, nil)
	a.CopySym(h)
	for i := 0; i < n; i++ {
		a.SetSym(i, i, a.At(i, i)+diag[i]/radius)
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(a); !ok {
		return nil, errors.New("damped normal equations are not positive definite")
	}
	negG := mat.NewVecDense(n, nil)
	negG.ScaleVec(-1, g)
	dx := mat.NewVecDense(n, nil)
	if err := chol.SolveVecTo(dx, negG); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, errors.Wrap(err, "cholesky solve failed")
		}
	}
	if !allFinite(dx.RawVector().Data) {
		return nil, errors.New("linear solve produced non-finite step")
	}
	return dx, nil
}
