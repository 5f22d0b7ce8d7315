package transform

import (
	"math"

	"github.com/pkg/errors"
)

// ErrInvalidDistortion is wrapped by every error about unusable distortion parameters.
var ErrInvalidDistortion = errors.New("invalid distortion_parameters")

// BrownConrady is the radial-tangential lens model. All coefficients act on normalized
// image coordinates:
//
//	x_d = x_u * (1 + k1*r² + k2*r⁴ + k3*r⁶) + 2*p1*x_u*y_u + p2*(r² + 2*x_u²)
//	y_d = y_u * (1 + k1*r² + k2*r⁴ + k3*r⁶) + 2*p2*x_u*y_u + p1*(r² + 2*y_u²)
type BrownConrady struct {
	RadialK1     float64 `json:"rk1"`
	RadialK2     float64 `json:"rk2"`
	RadialK3     float64 `json:"rk3"`
	TangentialP1 float64 `json:"tp1"`
	TangentialP2 float64 `json:"tp2"`
}

// NewBrownConrady takes in a slice of floats that will be passed into the struct in order.
// Missing trailing values are zero.
func NewBrownConrady(inp []float64) (*BrownConrady, error) {
	if len(inp) > 5 {
		return nil, errors.Errorf("list of parameters too long, expected max 5, got %d", len(inp))
	}
	padded := make([]float64, 5)
	copy(padded, inp)
	return &BrownConrady{padded[0], padded[1], padded[2], padded[3], padded[4]}, nil
}

// CheckValid checks if the fields for BrownConrady have valid inputs.
func (bc *BrownConrady) CheckValid() error {
	if bc == nil {
		return errors.Wrap(ErrInvalidDistortion, "BrownConrady shaped distortion_parameters not provided")
	}
	for _, p := range bc.Parameters() {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return errors.Wrap(ErrInvalidDistortion, "BrownConrady parameters must be finite")
		}
	}
	return nil
}

// Parameters returns the parameters of the distortion model as a list of floats.
func (bc *BrownConrady) Parameters() []float64 {
	if bc == nil {
		return []float64{}
	}
	return []float64{bc.RadialK1, bc.RadialK2, bc.RadialK3, bc.TangentialP1, bc.TangentialP2}
}

// Transform distorts the ideal normalized point (x, y).
func (bc *BrownConrady) Transform(x, y float64) (float64, float64) {
	if bc == nil {
		return x, y
	}
	r2 := x*x + y*y
	radial := 1 + bc.RadialK1*r2 + bc.RadialK2*r2*r2 + bc.RadialK3*r2*r2*r2
	xd := x*radial + 2*bc.TangentialP1*x*y + bc.TangentialP2*(r2+2*x*x)
	yd := y*radial + 2*bc.TangentialP2*x*y + bc.TangentialP1*(r2+2*y*y)
	return xd, yd
}

// Inverse undistorts (xd, yd) with Newton-Raphson iterations on the forward model, starting
// from the distorted point.
func (bc *BrownConrady) Inverse(xd, yd float64) (float64, float64) {
	if bc == nil {
		return xd, yd
	}
	const (
		maxIterations = 20
		tolerance     = 1e-12
	)

	xu, yu := xd, yd
	for i := 0; i < maxIterations; i++ {
		estX, estY := bc.Transform(xu, yu)
		errX, errY := estX-xd, estY-yd
		if errX*errX+errY*errY < tolerance*tolerance {
			break
		}

		r2 := xu*xu + yu*yu
		radial := 1 + bc.RadialK1*r2 + bc.RadialK2*r2*r2 + bc.RadialK3*r2*r2*r2
		dRadial := 2 * (bc.RadialK1 + 2*bc.RadialK2*r2 + 3*bc.RadialK3*r2*r2)

		dxdx := radial + xu*xu*dRadial + 2*bc.TangentialP1*yu + 6*bc.TangentialP2*xu
		dxdy := xu*yu*dRadial + 2*bc.TangentialP1*xu + 2*bc.TangentialP2*yu
		dydx := xu*yu*dRadial + 2*bc.TangentialP2*yu + 2*bc.TangentialP1*xu
		dydy := radial + yu*yu*dRadial + 2*bc.TangentialP2*xu + 6*bc.TangentialP1*yu

		det := dxdx*dydy - dxdy*dydx
		if det == 0 {
			break
		}
		xu -= (dydy*errX - dxdy*errY) / det
		yu -= (-dydx*errX + dxdx*errY) / det
	}
	return xu, yu
}
