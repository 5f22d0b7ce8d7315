// Package factors holds the parameterizations and cost functions of the visual bundle adjustment.
package factors

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/gvins/spatialmath"
)

// PoseSize is the ambient size of a pose parameter block laid out as [tx ty tz qx qy qz qw].
const PoseSize = 7

// PoseManifold updates a pose block with a translation increment and a body frame rotation
// vector: t' = t + δt, q' = normalize(q ⊗ Exp(δθ)).
type PoseManifold struct{}

// AmbientSize implements solver.Manifold.
func (PoseManifold) AmbientSize() int {
	return PoseSize
}

// TangentSize implements solver.Manifold.
func (PoseManifold) TangentSize() int {
	return 6
}

// Plus implements solver.Manifold. A zero update returns x unchanged.
func (PoseManifold) Plus(x, delta, xPlusDelta []float64) bool {
	if isZero(delta) {
		copy(xPlusDelta, x)
		return true
	}
	xPlusDelta[0] = x[0] + delta[0]
	xPlusDelta[1] = x[1] + delta[1]
	xPlusDelta[2] = x[2] + delta[2]

	dq := spatialmath.RotationVectorToQuat(r3.Vector{X: delta[3], Y: delta[4], Z: delta[5]})
	q := quat.Mul(quaternionFromParameters(x), dq)
	n := quat.Abs(q)
	if n == 0 {
		return false
	}
	q = quat.Scale(1/n, q)
	xPlusDelta[3], xPlusDelta[4], xPlusDelta[5], xPlusDelta[6] = q.Imag, q.Jmag, q.Kmag, q.Real
	return true
}

func isZero(v []float64) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

func quaternionFromParameters(x []float64) quat.Number {
	return quat.Number{Real: x[6], Imag: x[3], Jmag: x[4], Kmag: x[5]}
}

// PoseToParameters lays a pose out as [tx ty tz qx qy qz qw].
func PoseToParameters(p spatialmath.Pose) []float64 {
	t := p.Point()
	q := p.Orientation().Quaternion()
	return []float64{t.X, t.Y, t.Z, q.Imag, q.Jmag, q.Kmag, q.Real}
}

// ParametersToPose rebuilds a pose from [tx ty tz qx qy qz qw]. The quaternion is normalized
// and the rotation stored as an orthonormal matrix.
func ParametersToPose(x []float64) spatialmath.Pose {
	return spatialmath.NewPose(
		r3.Vector{X: x[0], Y: x[1], Z: x[2]},
		spatialmath.NewQuaternion(quaternionFromParameters(x)),
	)
}
