package backend

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"go.viam.com/gvins/slam/vmap"
	"go.viam.com/gvins/spatialmath"
)

// CameraModel is the camera projection used during a pass. It must be safe for concurrent reads.
type CameraModel interface {
	// PixelToNormalized lifts a pixel to the normalized image plane (z = 1).
	PixelToNormalized(px r2.Point) r3.Vector
	// PixelVelocityToNormalized converts pixels per second to normalized plane units per second.
	PixelVelocityToNormalized(vel r2.Point) r2.Point
	// NormalizedToWorld maps a camera frame point to the world given the camera pose.
	NormalizedToWorld(pc r3.Vector, cameraPose spatialmath.Pose) r3.Vector
	// WorldToPixel projects a world point; false means it is behind the camera.
	WorldToPixel(pw r3.Vector, cameraPose spatialmath.Pose) (r2.Point, bool)
	// FocalLength is the mean focal length in pixels.
	FocalLength() float64
}

// MapSource provides point in time snapshots of the window. *vmap.Map is a MapSource.
type MapSource interface {
	KeyFrames() vmap.KeyFrames
	Landmarks() vmap.LandMarks
}
