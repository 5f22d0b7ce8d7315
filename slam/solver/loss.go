package solver

import "math"

// LossFunction scales the squared norm s of a residual block. Evaluate returns rho(s) and its
// first and second derivatives with respect to s.
type LossFunction interface {
	Evaluate(s float64) [3]float64
}

// TrivialLoss is the plain least squares loss rho(s) = s.
type TrivialLoss struct{}

// Evaluate implements LossFunction.
func (TrivialLoss) Evaluate(s float64) [3]float64 {
	return [3]float64{s, 1, 0}
}

// HuberLoss is quadratic for residual norms below Scale and linear above it:
//
//	rho(s) = s                  s <= a²
//	rho(s) = 2a·sqrt(s) - a²    s >  a²
type HuberLoss struct {
	Scale float64
}

// NewHuberLoss returns a Huber loss with the given scale.
func NewHuberLoss(scale float64) *HuberLoss {
	return &HuberLoss{Scale: scale}
}

// Evaluate implements LossFunction.
func (h *HuberLoss) Evaluate(s float64) [3]float64 {
	b := h.Scale * h.Scale
	if s <= b {
		return [3]float64{s, 1, 0}
	}
	r := math.Sqrt(s)
	return [3]float64{2*h.Scale*r - b, h.Scale / r, -h.Scale / (2 * r * s)}
}

// corrector rescales a residual block and its jacobians so that a Gauss-Newton step on the
// rescaled block matches a step on the robustified cost (Triggs et al., "Bundle Adjustment: A
// Modern Synthesis", section 4.3).
type corrector struct {
	sqrtRho1        float64
	residualScaling float64
	alphaSqNorm     float64
}

func newCorrector(sqNorm float64, rho [3]float64) corrector {
	sqrtRho1 := math.Sqrt(rho[1])
	if sqNorm == 0 || rho[2] <= 0 {
		return corrector{sqrtRho1: sqrtRho1, residualScaling: sqrtRho1}
	}
	d := 1 + 2*sqNorm*rho[2]/rho[1]
	alpha := 1 - math.Sqrt(math.Max(d, 0))
	return corrector{
		sqrtRho1:        sqrtRho1,
		residualScaling: sqrtRho1 / (1 - alpha),
		alphaSqNorm:     alpha / sqNorm,
	}
}

func (c corrector) correctResiduals(residuals []float64) {
	for i := range residuals {
		residuals[i] *= c.residualScaling
	}
}

// correctJacobian must be called with the uncorrected residuals.
func (c corrector) correctJacobian(residuals []float64, rows, cols int, jac []float64) {
	if c.alphaSqNorm == 0 {
		for i := range jac {
			jac[i] *= c.sqrtRho1
		}
		return
	}
	for col := 0; col < cols; col++ {
		var rtj float64
		for row := 0; row < rows; row++ {
			rtj += residuals[row] * jac[row*cols+col]
		}
		for row := 0; row < rows; row++ {
			jac[row*cols+col] = c.sqrtRho1 * (jac[row*cols+col] - c.alphaSqNorm*residuals[row]*rtj)
		}
	}
}
