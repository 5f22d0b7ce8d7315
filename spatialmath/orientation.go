// Package spatialmath defines the rotation and rigid-transform math used by the SLAM backend.
package spatialmath

import (
	"gonum.org/v1/gonum/num/quat"
)

// Orientation is a rotation in 3D that can be read back in any of the supported
// parameterizations.
type Orientation interface {
	AxisAngles() *R4AA
	Quaternion() quat.Number
	RotationMatrix() *RotationMatrix
}

// NewZeroOrientation returns the identity rotation.
func NewZeroOrientation() Orientation {
	return &quaternion{Real: 1}
}

// OrientationAlmostEqual compares two orientations to within 1e-5 per quaternion component.
func OrientationAlmostEqual(o1, o2 Orientation) bool {
	return OrientationAlmostEqualEps(o1, o2, 1e-5)
}

// OrientationAlmostEqualEps compares two orientations as unit quaternions. q and -q are the same
// rotation, so both signs are tried.
func OrientationAlmostEqualEps(o1, o2 Orientation, epsilon float64) bool {
	a, b := Normalize(o1.Quaternion()), Normalize(o2.Quaternion())
	return QuaternionAlmostEqual(a, b, epsilon) || QuaternionAlmostEqual(a, Flip(b), epsilon)
}

// OrientationBetween returns the rotation that takes o1 to o2, expressed in the frame o1 and o2
// are both given in.
func OrientationBetween(o1, o2 Orientation) Orientation {
	q := quaternion(quat.Mul(o2.Quaternion(), quat.Conj(o1.Quaternion())))
	return &q
}
