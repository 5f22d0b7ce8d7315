// Package transform holds the pinhole camera model used to move between pixels, the normalized
// image plane, the camera frame and the world frame.
package transform

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// ErrNoIntrinsics is wrapped by every error about missing or unusable intrinsics.
var ErrNoIntrinsics = errors.New("camera intrinsic parameters are not available")

// NewNoIntrinsicsError wraps ErrNoIntrinsics with msg.
func NewNoIntrinsicsError(msg string) error {
	return errors.Wrap(ErrNoIntrinsics, msg)
}

// PinholeCameraIntrinsics are the image size, focal lengths and principal point of a camera,
// all in pixels.
type PinholeCameraIntrinsics struct {
	Width  int     `json:"width_px"`
	Height int     `json:"height_px"`
	Fx     float64 `json:"fx"`
	Fy     float64 `json:"fy"`
	Ppx    float64 `json:"ppx"`
	Ppy    float64 `json:"ppy"`
}

// CheckValid reports the first problem found with the intrinsics.
func (params *PinholeCameraIntrinsics) CheckValid() error {
	if params == nil {
		return NewNoIntrinsicsError("intrinsics do not exist")
	}
	if params.Width <= 0 || params.Height <= 0 {
		return errors.Wrapf(ErrNoIntrinsics, "image size must be positive, got %dx%d", params.Width, params.Height)
	}
	for _, f := range []struct {
		name  string
		value float64
	}{{"Fx", params.Fx}, {"Fy", params.Fy}} {
		if !(f.value > 0) || math.IsInf(f.value, 0) {
			return errors.Wrapf(ErrNoIntrinsics, "focal length %s must be positive and finite, got %v", f.name, f.value)
		}
	}
	if !(params.Ppx >= 0) || !(params.Ppy >= 0) || math.IsInf(params.Ppx, 0) || math.IsInf(params.Ppy, 0) {
		return errors.Wrapf(ErrNoIntrinsics, "principal point must be finite and non-negative, got (%v, %v)",
			params.Ppx, params.Ppy)
	}
	return nil
}

// Unproject returns the camera frame point at depth z under the pixel, ignoring distortion.
func (params *PinholeCameraIntrinsics) Unproject(px r2.Point, z float64) r3.Vector {
	return r3.Vector{
		X: (px.X - params.Ppx) / params.Fx * z,
		Y: (px.Y - params.Ppy) / params.Fy * z,
		Z: z,
	}
}

// Project maps a camera frame point to sub-pixel image coordinates, ignoring distortion. Points
// on the camera plane project to (-1, -1), which is outside every image.
func (params *PinholeCameraIntrinsics) Project(pc r3.Vector) r2.Point {
	if pc.Z == 0 {
		return r2.Point{X: -1, Y: -1}
	}
	return r2.Point{
		X: pc.X/pc.Z*params.Fx + params.Ppx,
		Y: pc.Y/pc.Z*params.Fy + params.Ppy,
	}
}

// FocalLength returns the mean of the horizontal and vertical focal lengths.
func (params *PinholeCameraIntrinsics) FocalLength() float64 {
	return (params.Fx + params.Fy) / 2
}

// InBounds reports whether the pixel lies inside the image.
func (params *PinholeCameraIntrinsics) InBounds(px r2.Point) bool {
	return px.X >= 0 && px.Y >= 0 && px.X < float64(params.Width) && px.Y < float64(params.Height)
}
