// Package vmap holds the visual map shared by the tracking front end and the optimization
// backend: frames, the features observed in them and the landmarks those features track.
package vmap

import (
	"sync"

	"github.com/golang/geo/r2"
	"go.uber.org/atomic"

	"go.viam.com/gvins/spatialmath"
)

// Frame is a camera frame. Once promoted to a keyframe it is owned by the Map until it is
// retired from the window.
type Frame struct {
	id    uint64
	stamp float64

	keyFrameID atomic.Uint64
	isKeyFrame atomic.Bool
	retired    atomic.Bool
	timeDelay  atomic.Float64

	poseMu sync.RWMutex
	pose   spatialmath.Pose

	featuresMu sync.RWMutex
	features   map[uint64]*Feature
}

// NewFrame returns a frame captured at stamp (seconds) with the given body pose in the world.
func NewFrame(id uint64, stamp float64, pose spatialmath.Pose) *Frame {
	if pose == nil {
		pose = spatialmath.NewZeroPose()
	}
	return &Frame{
		id:       id,
		stamp:    stamp,
		pose:     pose,
		features: map[uint64]*Feature{},
	}
}

// ID returns the frame id.
func (f *Frame) ID() uint64 {
	return f.id
}

// Stamp returns the capture time in seconds.
func (f *Frame) Stamp() float64 {
	return f.stamp
}

// SetKeyFrame promotes the frame to a keyframe with the given keyframe id.
func (f *Frame) SetKeyFrame(keyFrameID uint64) {
	f.keyFrameID.Store(keyFrameID)
	f.isKeyFrame.Store(true)
}

// IsKeyFrame reports whether the frame has been promoted.
func (f *Frame) IsKeyFrame() bool {
	return f.isKeyFrame.Load()
}

// KeyFrameID returns the keyframe id. It is only meaningful for keyframes.
func (f *Frame) KeyFrameID() uint64 {
	return f.keyFrameID.Load()
}

// Pose returns the body pose in the world frame.
func (f *Frame) Pose() spatialmath.Pose {
	f.poseMu.RLock()
	defer f.poseMu.RUnlock()
	return f.pose
}

// SetPose replaces the pose. Translation and rotation change together so concurrent readers
// never see a mix of old and new values.
func (f *Frame) SetPose(pose spatialmath.Pose) {
	f.poseMu.Lock()
	defer f.poseMu.Unlock()
	f.pose = pose
}

// TimeDelay returns the estimated capture time offset in seconds.
func (f *Frame) TimeDelay() float64 {
	return f.timeDelay.Load()
}

// SetTimeDelay sets the estimated capture time offset in seconds.
func (f *Frame) SetTimeDelay(td float64) {
	f.timeDelay.Store(td)
}

// Retire marks the frame as having left the window. Weak references to it resolve to nil until
// it is inserted into a map again.
func (f *Frame) Retire() {
	f.retired.Store(true)
}

func (f *Frame) unretire() {
	f.retired.Store(false)
}

// IsRetired reports whether the frame has left the window.
func (f *Frame) IsRetired() bool {
	return f.retired.Load()
}

// AddFeature records the observation of landmarkID at keypoint with the given pixel velocity
// (pixels per second). An existing observation of the same landmark is replaced.
func (f *Frame) AddFeature(landmarkID uint64, keypoint, velocity r2.Point) *Feature {
	feat := newFeature(f, landmarkID, keypoint, velocity)
	f.featuresMu.Lock()
	f.features[landmarkID] = feat
	f.featuresMu.Unlock()
	return feat
}

// Feature returns the observation of landmarkID in this frame.
func (f *Frame) Feature(landmarkID uint64) (*Feature, bool) {
	f.featuresMu.RLock()
	defer f.featuresMu.RUnlock()
	feat, ok := f.features[landmarkID]
	return feat, ok
}

// Features returns a copy of the landmark id to feature mapping.
func (f *Frame) Features() map[uint64]*Feature {
	f.featuresMu.RLock()
	defer f.featuresMu.RUnlock()
	out := make(map[uint64]*Feature, len(f.features))
	for id, feat := range f.features {
		out[id] = feat
	}
	return out
}

// NumFeatures returns the number of landmarks observed in this frame.
func (f *Frame) NumFeatures() int {
	f.featuresMu.RLock()
	defer f.featuresMu.RUnlock()
	return len(f.features)
}
