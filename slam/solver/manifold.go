package solver

// Manifold describes a parameter block whose ambient representation has more coordinates than
// its degrees of freedom, such as a unit quaternion.
type Manifold interface {
	AmbientSize() int
	TangentSize() int
	// Plus writes x ⊞ delta into xPlusDelta. It reports false if the update is not defined.
	Plus(x, delta, xPlusDelta []float64) bool
}

// EuclideanManifold is ordinary vector addition in n dimensions.
type EuclideanManifold struct {
	Size int
}

// AmbientSize implements Manifold.
func (m EuclideanManifold) AmbientSize() int {
	return m.Size
}

// TangentSize implements Manifold.
func (m EuclideanManifold) TangentSize() int {
	return m.Size
}

// Plus implements Manifold.
func (m EuclideanManifold) Plus(x, delta, xPlusDelta []float64) bool {
	for i := range x {
		xPlusDelta[i] = x[i] + delta[i]
	}
	return true
}
