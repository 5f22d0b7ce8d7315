package vmap

import (
	"weak"

	"github.com/golang/geo/r2"
	"go.uber.org/atomic"
)

// Feature is the observation of a landmark in one frame. The frame owns its features; the
// feature only refers back to it weakly.
type Feature struct {
	frame      weak.Pointer[Frame]
	landmarkID uint64
	keypoint   r2.Point
	velocity   r2.Point
	outlier    atomic.Bool
}

func newFeature(frame *Frame, landmarkID uint64, keypoint, velocity r2.Point) *Feature {
	return &Feature{
		frame:      weak.Make(frame),
		landmarkID: landmarkID,
		keypoint:   keypoint,
		velocity:   velocity,
	}
}

// Frame returns the owning frame, or nil once that frame has been retired or collected.
func (f *Feature) Frame() *Frame {
	frame := f.frame.Value()
	if frame == nil || frame.IsRetired() {
		return nil
	}
	return frame
}

// LandmarkID returns the id of the observed landmark.
func (f *Feature) LandmarkID() uint64 {
	return f.landmarkID
}

// Keypoint returns the pixel location of the observation.
func (f *Feature) Keypoint() r2.Point {
	return f.keypoint
}

// Velocity returns the pixel velocity in pixels per second.
func (f *Feature) Velocity() r2.Point {
	return f.velocity
}

// IsOutlier reports whether the observation was rejected.
func (f *Feature) IsOutlier() bool {
	return f.outlier.Load()
}

// SetOutlier sets the outlier flag.
func (f *Feature) SetOutlier(outlier bool) {
	f.outlier.Store(outlier)
}
