package factors

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/gvins/spatialmath"
)

// DefaultReprojectionStd is the assumed standard deviation of a keypoint, in pixels.
const DefaultReprojectionStd = 1.5

// ReprojectionFactor ties two observations of one landmark together. The landmark is
// parameterized by its inverse depth along the reference observation. Both observations are
// shifted along their image plane velocity to the instant given by the time delay estimate
// before the reference observation is reprojected into the observing frame.
//
// Parameter blocks: reference body pose (7), observing body pose (7), camera to body
// extrinsic (7), inverse depth (1), time delay (1).
type ReprojectionFactor struct {
	pts0, pts1 r3.Vector
	vel0, vel1 r2.Point
	td0, td1   float64
	std        float64
	scale      float64
}

// NewReprojectionFactor returns a factor for reference and observing points on the normalized
// image plane with their normalized plane velocities (per second), the time delays each frame
// was tracked with, the keypoint standard deviation in pixels and the focal length in pixels.
func NewReprojectionFactor(
	pts0, pts1 r3.Vector,
	vel0, vel1 r2.Point,
	td0, td1, std, focalLength float64,
) *ReprojectionFactor {
	if std <= 0 {
		std = DefaultReprojectionStd
	}
	return &ReprojectionFactor{
		pts0:  pts0,
		pts1:  pts1,
		vel0:  vel0,
		vel1:  vel1,
		td0:   td0,
		td1:   td1,
		std:   std,
		scale: focalLength / std,
	}
}

// NumResiduals implements solver.CostFunction.
func (f *ReprojectionFactor) NumResiduals() int {
	return 2
}

// ParameterBlockSizes implements solver.CostFunction.
func (f *ReprojectionFactor) ParameterBlockSizes() []int {
	return []int{PoseSize, PoseSize, PoseSize, 1, 1}
}

// Evaluate implements solver.CostFunction.
func (f *ReprojectionFactor) Evaluate(parameters [][]float64, residuals []float64) bool {
	r, ok := f.Residual(parameters)
	if !ok {
		return false
	}
	residuals[0], residuals[1] = r.X, r.Y
	return true
}

// Residual returns the whitened residual. It reports false when the reprojected point is not
// finite or lies on the camera plane.
func (f *ReprojectionFactor) Residual(parameters [][]float64) (r2.Point, bool) {
	pose0, pose1, extrinsic := parameters[0], parameters[1], parameters[2]
	invDepth := parameters[3][0]
	td := parameters[4][0]

	p0 := f.pts0.Sub(r3.Vector{X: f.vel0.X, Y: f.vel0.Y}.Mul(td - f.td0))
	p1 := f.pts1.Sub(r3.Vector{X: f.vel1.X, Y: f.vel1.Y}.Mul(td - f.td1))

	t0, q0 := translationFromParameters(pose0), unitQuaternion(pose0)
	t1, q1 := translationFromParameters(pose1), unitQuaternion(pose1)
	tic, qic := translationFromParameters(extrinsic), unitQuaternion(extrinsic)

	pc0 := p0.Mul(1 / invDepth)
	pb0 := spatialmath.RotatePoint(qic, pc0).Add(tic)
	pw := spatialmath.RotatePoint(q0, pb0).Add(t0)
	pb1 := spatialmath.RotatePoint(quat.Conj(q1), pw.Sub(t1))
	pc1 := spatialmath.RotatePoint(quat.Conj(qic), pb1.Sub(tic))
	if pc1.Z == 0 {
		return r2.Point{}, false
	}

	r := r2.Point{
		X: f.scale * (pc1.X/pc1.Z - p1.X),
		Y: f.scale * (pc1.Y/pc1.Z - p1.Y),
	}
	if !finite(r.X) || !finite(r.Y) {
		return r2.Point{}, false
	}
	return r, true
}

// PixelError returns the reprojection error in pixels.
func (f *ReprojectionFactor) PixelError(parameters [][]float64) (float64, bool) {
	r, ok := f.Residual(parameters)
	if !ok {
		return math.Inf(1), false
	}
	return r.Norm() * f.std, true
}

func translationFromParameters(x []float64) r3.Vector {
	return r3.Vector{X: x[0], Y: x[1], Z: x[2]}
}

func unitQuaternion(x []float64) quat.Number {
	q := quaternionFromParameters(x)
	n := quat.Abs(q)
	if n == 0 {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/n, q)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
