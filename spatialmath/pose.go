package spatialmath

import (
	"fmt"

	"github.com/golang/geo/r3"
)

// Pose represents a rigid transform: a 3D point and an orientation. Applied to a point p it
// yields R*p + t, i.e. it maps coordinates in the posed frame into the parent frame.
type Pose interface {
	Point() r3.Vector
	Orientation() Orientation
}

// matrixPose stores the orientation as an orthonormal rotation matrix so that readers never
// observe a quaternion mid-update.
type matrixPose struct {
	point    r3.Vector
	rotation RotationMatrix
}

// NewZeroPose returns a pose at (0,0,0) with no rotation.
func NewZeroPose() Pose {
	return &matrixPose{rotation: *NewIdentityRotationMatrix()}
}

// NewPoseFromPoint returns a pose at the given point with no rotation.
func NewPoseFromPoint(point r3.Vector) Pose {
	return &matrixPose{point: point, rotation: *NewIdentityRotationMatrix()}
}

// NewPose returns a pose at the given point with the given orientation. The orientation is
// re-orthonormalized through its quaternion.
func NewPose(point r3.Vector, o Orientation) Pose {
	if o == nil {
		return NewPoseFromPoint(point)
	}
	return &matrixPose{point: point, rotation: *QuatToRotationMatrix(o.Quaternion())}
}

func (p *matrixPose) Point() r3.Vector {
	return p.point
}

func (p *matrixPose) Orientation() Orientation {
	rm := p.rotation
	return &rm
}

func (p *matrixPose) String() string {
	q := p.rotation.Quaternion()
	return fmt.Sprintf("{X:%.6f Y:%.6f Z:%.6f QW:%.6f QX:%.6f QY:%.6f QZ:%.6f}",
		p.point.X, p.point.Y, p.point.Z, q.Real, q.Imag, q.Jmag, q.Kmag)
}

// Compose returns the pose a∘b, which applies b and then a.
func Compose(a, b Pose) Pose {
	ra := a.Orientation().RotationMatrix()
	rb := b.Orientation().RotationMatrix()
	return &matrixPose{
		point:    ra.Mul(b.Point()).Add(a.Point()),
		rotation: *ra.MulMatrix(rb),
	}
}

// PoseInverse returns the inverse of the pose.
func PoseInverse(p Pose) Pose {
	rt := p.Orientation().RotationMatrix().Transpose()
	return &matrixPose{point: rt.Mul(p.Point()).Mul(-1), rotation: *rt}
}

// TransformPoint maps v from the posed frame into the parent frame.
func TransformPoint(p Pose, v r3.Vector) r3.Vector {
	return p.Orientation().RotationMatrix().Mul(v).Add(p.Point())
}

// PoseDelta returns the translation and rotation-vector difference that takes a to b.
func PoseDelta(a, b Pose) (r3.Vector, r3.Vector) {
	between := OrientationBetween(a.Orientation(), b.Orientation())
	return b.Point().Sub(a.Point()), QuatToR3AA(between.Quaternion())
}

// PoseAlmostEqual will return a bool describing whether 2 poses are approximately the same.
func PoseAlmostEqual(a, b Pose) bool {
	return PoseAlmostEqualEps(a, b, 1e-8)
}

// PoseAlmostEqualEps is PoseAlmostEqual with a caller supplied tolerance.
func PoseAlmostEqualEps(a, b Pose, epsilon float64) bool {
	dt, dr := PoseDelta(a, b)
	return dt.Norm() <= epsilon && dr.Norm() <= epsilon
}
