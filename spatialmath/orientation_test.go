package spatialmath

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/num/quat"
)

// represent a 45 degree rotation around the x axis in all the representations
var (
	th    = math.Pi / 4.
	q45x  = quat.Number{Real: math.Cos(th / 2.), Imag: math.Sin(th / 2.)}
	aa45x = &R4AA{Theta: th, RX: 1.}
	rm45x = &RotationMatrix{[9]float64{
		1, 0, 0,
		0, math.Cos(th), -math.Sin(th),
		0, math.Sin(th), math.Cos(th),
	}}
)

func TestZeroOrientation(t *testing.T) {
	zero := NewZeroOrientation()
	test.That(t, zero.AxisAngles(), test.ShouldResemble, NewR4AA())
	test.That(t, zero.Quaternion(), test.ShouldResemble, quat.Number{Real: 1})
	test.That(t, zero.RotationMatrix(), test.ShouldResemble, NewIdentityRotationMatrix())
}

func TestQuaternions(t *testing.T) {
	qq45x := quaternion(q45x)
	test.That(t, qq45x.AxisAngles().Theta, test.ShouldAlmostEqual, aa45x.Theta)
	test.That(t, qq45x.AxisAngles().RX, test.ShouldAlmostEqual, aa45x.RX)
	test.That(t, qq45x.AxisAngles().RY, test.ShouldAlmostEqual, aa45x.RY)
	test.That(t, qq45x.AxisAngles().RZ, test.ShouldAlmostEqual, aa45x.RZ)
	for i := 0; i < 9; i++ {
		test.That(t, qq45x.RotationMatrix().mat[i], test.ShouldAlmostEqual, rm45x.mat[i])
	}
}

func TestAxisAngles(t *testing.T) {
	q := aa45x.Quaternion()
	test.That(t, q.Real, test.ShouldAlmostEqual, q45x.Real)
	test.That(t, q.Imag, test.ShouldAlmostEqual, q45x.Imag)
	test.That(t, q.Jmag, test.ShouldAlmostEqual, 0)
	test.That(t, q.Kmag, test.ShouldAlmostEqual, 0)

	r3aa := aa45x.ToR3()
	test.That(t, r3aa, test.ShouldResemble, r3.Vector{X: th})
	test.That(t, R3ToR4(r3aa), test.ShouldResemble, aa45x)

	// zero rotation vectors must not produce NaN axes
	zero := R3ToR4(r3.Vector{})
	test.That(t, zero, test.ShouldResemble, NewR4AA())

	unnormalized := &R4AA{Theta: th, RX: 3}
	test.That(t, OrientationAlmostEqual(unnormalized, aa45x), test.ShouldBeTrue)
	test.That(t, unnormalized.RX, test.ShouldAlmostEqual, 1)

	degenerate := &R4AA{Theta: 1}
	degenerate.Normalize()
	test.That(t, degenerate.RZ, test.ShouldEqual, 1.)
}

func TestRotationMatrix(t *testing.T) {
	q := rm45x.Quaternion()
	test.That(t, QuaternionAlmostEqual(q, q45x, 1e-12), test.ShouldBeTrue)
	test.That(t, rm45x.OrthonormalityError(), test.ShouldAlmostEqual, 0)
	test.That(t, rm45x.Determinant(), test.ShouldAlmostEqual, 1)

	v := r3.Vector{X: 1, Y: 2, Z: 3}
	rotated := rm45x.Mul(v)
	byQuat := RotatePoint(q45x, v)
	test.That(t, rotated.Sub(byQuat).Norm(), test.ShouldBeLessThan, 1e-12)
	test.That(t, rm45x.Transpose().Mul(rotated).Sub(v).Norm(), test.ShouldBeLessThan, 1e-12)
	test.That(t, rm45x.Row(1), test.ShouldResemble, r3.Vector{Y: math.Cos(th), Z: -math.Sin(th)})
	test.That(t, rm45x.Col(1), test.ShouldResemble, r3.Vector{Y: math.Cos(th), Z: math.Sin(th)})
	test.That(t, rm45x.Col(2), test.ShouldResemble, rm45x.Transpose().Row(2))

	ident := rm45x.MulMatrix(rm45x.Transpose())
	test.That(t, OrientationAlmostEqualEps(ident, NewZeroOrientation(), 1e-12), test.ShouldBeTrue)

	_, err := NewRotationMatrix([]float64{1, 2, 3})
	test.That(t, err, test.ShouldNotBeNil)
	rm, err := NewRotationMatrix(rm45x.mat[:])
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rm, test.ShouldResemble, rm45x)

	// every branch of the matrix to quaternion conversion
	for _, aa := range []*R4AA{
		{Theta: 0.3, RX: 0.2, RY: -0.5, RZ: 0.8},
		{Theta: 3.0, RX: 1},
		{Theta: 3.0, RY: 1},
		{Theta: 3.0, RZ: 1},
		{Theta: math.Pi, RX: 1, RY: 1},
	} {
		o := QuatToRotationMatrix(aa.ToQuat())
		test.That(t, o.OrthonormalityError(), test.ShouldBeLessThan, 1e-12)
		test.That(t, OrientationAlmostEqual(o, aa), test.ShouldBeTrue)
	}
}

func TestOrientationBetween(t *testing.T) {
	a := &R4AA{Theta: 0.4, RZ: 1}
	b := &R4AA{Theta: 1.1, RZ: 1}
	between := OrientationBetween(a, b)
	test.That(t, between.AxisAngles().Theta, test.ShouldAlmostEqual, 0.7)
	test.That(t, between.AxisAngles().RZ, test.ShouldAlmostEqual, 1)

	// q and -q describe the same orientation
	test.That(t, OrientationAlmostEqual(NewQuaternion(q45x), NewQuaternion(Flip(q45x))), test.ShouldBeTrue)
}

func TestRotationVectorRoundTrip(t *testing.T) {
	for _, v := range []r3.Vector{
		{},
		{X: 1e-10, Y: -2e-10},
		{X: 0.1, Y: 0.2, Z: -0.3},
		{X: 2.5},
	} {
		q := RotationVectorToQuat(v)
		test.That(t, quat.Abs(q), test.ShouldAlmostEqual, 1)
		back := QuatToR3AA(q)
		test.That(t, back.Sub(v).Norm(), test.ShouldBeLessThan, 1e-9)
	}
	test.That(t, Normalize(quat.Number{}), test.ShouldResemble, quat.Number{Real: 1})
	test.That(t, Normalize(quat.Number{Real: -2}), test.ShouldResemble, quat.Number{Real: 1})
}
