package vmap

import (
	"sync"
	"weak"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.uber.org/atomic"
)

// DefaultDepth is the depth, in meters, assumed for a landmark that has not been triangulated.
const DefaultDepth = 10.0

// MapPoint is a landmark tracked across keyframes. It is parameterized by its depth along the
// ray of its reference keypoint in the reference frame.
type MapPoint struct {
	id          uint64
	refFrame    weak.Pointer[Frame]
	refKeypoint r2.Point

	mu    sync.RWMutex
	pos   r3.Vector
	depth float64

	obsMu        sync.Mutex
	observations []weak.Pointer[Feature]

	outlier        atomic.Bool
	optimizedTimes atomic.Int64
}

// NewMapPoint returns a landmark at pos in the world whose reference observation is keypoint in
// refFrame. A depth of zero means "not yet triangulated".
func NewMapPoint(id uint64, pos r3.Vector, depth float64, refFrame *Frame, refKeypoint r2.Point) *MapPoint {
	mp := &MapPoint{
		id:          id,
		refKeypoint: refKeypoint,
		pos:         pos,
		depth:       depth,
	}
	if refFrame != nil {
		mp.refFrame = weak.Make(refFrame)
	}
	return mp
}

// ID returns the landmark id.
func (mp *MapPoint) ID() uint64 {
	return mp.id
}

// Pos returns the world position.
func (mp *MapPoint) Pos() r3.Vector {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.pos
}

// Depth returns the depth along the reference ray.
func (mp *MapPoint) Depth() float64 {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.depth
}

// Update sets the world position and depth together.
func (mp *MapPoint) Update(pos r3.Vector, depth float64) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.pos = pos
	mp.depth = depth
}

// ReferenceFrame returns the reference frame, or nil once it has been retired or collected.
func (mp *MapPoint) ReferenceFrame() *Frame {
	frame := mp.refFrame.Value()
	if frame == nil || frame.IsRetired() {
		return nil
	}
	return frame
}

// ReferenceKeypoint returns the pixel of the reference observation.
func (mp *MapPoint) ReferenceKeypoint() r2.Point {
	return mp.refKeypoint
}

// AddObservation records a feature observing this landmark.
func (mp *MapPoint) AddObservation(feat *Feature) {
	mp.obsMu.Lock()
	defer mp.obsMu.Unlock()
	mp.observations = append(mp.observations, weak.Make(feat))
}

// Observations returns the observing features that are still alive. Features whose owning frame
// has been collected are pruned.
func (mp *MapPoint) Observations() []*Feature {
	mp.obsMu.Lock()
	defer mp.obsMu.Unlock()
	live := make([]*Feature, 0, len(mp.observations))
	kept := mp.observations[:0]
	for _, obs := range mp.observations {
		if feat := obs.Value(); feat != nil {
			live = append(live, feat)
			kept = append(kept, obs)
		}
	}
	clear(mp.observations[len(kept):])
	mp.observations = kept
	return live
}

// RemoveAllObservations drops every observation.
func (mp *MapPoint) RemoveAllObservations() {
	mp.obsMu.Lock()
	defer mp.obsMu.Unlock()
	mp.observations = nil
}

// IsOutlier reports whether the landmark has been excluded from optimization.
func (mp *MapPoint) IsOutlier() bool {
	return mp.outlier.Load()
}

// SetOutlier sets the outlier flag.
func (mp *MapPoint) SetOutlier(outlier bool) {
	mp.outlier.Store(outlier)
}

// OptimizedTimes returns how many optimization passes have included this landmark.
func (mp *MapPoint) OptimizedTimes() int64 {
	return mp.optimizedTimes.Load()
}

// AddOptimizedTimes increments the optimization counter.
func (mp *MapPoint) AddOptimizedTimes() {
	mp.optimizedTimes.Inc()
}
