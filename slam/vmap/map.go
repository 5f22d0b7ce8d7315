package vmap

import (
	"maps"
	"slices"
	"sync"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// KeyFrames maps keyframe ids to keyframes.
type KeyFrames map[uint64]*Frame

// LandMarks maps landmark ids to landmarks.
type LandMarks map[uint64]*MapPoint

// Map is the sliding window of keyframes and the landmarks they observe. Collections are only
// ever read through copies; the objects inside them are shared and mutated in place.
type Map struct {
	mu         sync.RWMutex
	windowSize int
	keyFrames  KeyFrames
	landmarks  LandMarks
}

// NewMap returns an empty map. A positive windowSize retires the oldest keyframe whenever an
// insertion would exceed it.
func NewMap(windowSize int) *Map {
	return &Map{
		windowSize: windowSize,
		keyFrames:  KeyFrames{},
		landmarks:  LandMarks{},
	}
}

// KeyFrames returns a snapshot of the keyframes in the window.
func (m *Map) KeyFrames() KeyFrames {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.keyFrames)
}

// Landmarks returns a snapshot of the landmarks.
func (m *Map) Landmarks() LandMarks {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.landmarks)
}

// InsertKeyFrame adds a keyframe to the window. It returns the keyframe retired to make room, if any.
// A previously retired frame may re-enter the window, after which references to it resolve again.
func (m *Map) InsertKeyFrame(frame *Frame) (*Frame, error) {
	if frame == nil {
		return nil, errors.New("cannot insert nil frame")
	}
	if !frame.IsKeyFrame() {
		return nil, errors.Errorf("frame %d is not a keyframe", frame.ID())
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keyFrames[frame.KeyFrameID()]; ok {
		return nil, errors.Errorf("keyframe %d already in map", frame.KeyFrameID())
	}
	frame.unretire()
	m.keyFrames[frame.KeyFrameID()] = frame

	if m.windowSize <= 0 || len(m.keyFrames) <= m.windowSize {
		return nil, nil
	}
	oldest := slices.Min(lo.Keys(m.keyFrames))
	retired := m.keyFrames[oldest]
	m.removeKeyFrameLocked(oldest)
	return retired, nil
}

// RemoveKeyFrame retires the keyframe with the given id. It reports whether it was present.
func (m *Map) RemoveKeyFrame(keyFrameID uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeKeyFrameLocked(keyFrameID)
}

func (m *Map) removeKeyFrameLocked(keyFrameID uint64) bool {
	frame, ok := m.keyFrames[keyFrameID]
	if !ok {
		return false
	}
	frame.Retire()
	delete(m.keyFrames, keyFrameID)
	return true
}

// IsKeyFrameInMap reports whether the frame is a keyframe currently in the window.
func (m *Map) IsKeyFrameInMap(frame *Frame) bool {
	if frame == nil || !frame.IsKeyFrame() {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.keyFrames[frame.KeyFrameID()] == frame
}

// AddMapPoint adds or replaces a landmark.
func (m *Map) AddMapPoint(mp *MapPoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.landmarks[mp.ID()] = mp
}

// RemoveMapPoint removes a landmark and drops its observations.
func (m *Map) RemoveMapPoint(id uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.landmarks[id]
	if !ok {
		return false
	}
	mp.RemoveAllObservations()
	delete(m.landmarks, id)
	return true
}

// RemoveOutliers removes every landmark flagged as an outlier and returns how many were removed.
func (m *Map) RemoveOutliers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	outliers := lo.Filter(lo.Values(m.landmarks), func(mp *MapPoint, _ int) bool {
		return mp.IsOutlier()
	})
	for _, mp := range outliers {
		mp.RemoveAllObservations()
		delete(m.landmarks, mp.ID())
	}
	return len(outliers)
}

// NumKeyFrames returns the number of keyframes in the window.
func (m *Map) NumKeyFrames() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keyFrames)
}

// NumLandmarks returns the number of landmarks.
func (m *Map) NumLandmarks() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.landmarks)
}
