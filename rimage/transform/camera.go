package transform

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/gvins/spatialmath"
)

// PinholeCameraModel is the model of a pinhole camera with an optional lens distortion.
type PinholeCameraModel struct {
	*PinholeCameraIntrinsics `json:"intrinsic_parameters"`
	Distortion               *BrownConrady `json:"distortion_parameters,omitempty"`
}

// NewPinholeCameraModel returns a camera model without lens distortion.
func NewPinholeCameraModel(intrinsics *PinholeCameraIntrinsics) *PinholeCameraModel {
	return &PinholeCameraModel{PinholeCameraIntrinsics: intrinsics}
}

// CheckValid checks the intrinsics and, when present, the distortion parameters.
func (params *PinholeCameraModel) CheckValid() error {
	if params == nil {
		return NewNoIntrinsicsError("camera model does not exist")
	}
	if err := params.PinholeCameraIntrinsics.CheckValid(); err != nil {
		return err
	}
	if params.Distortion != nil {
		return errors.Wrap(params.Distortion.CheckValid(), "distortion")
	}
	return nil
}

// PixelToNormalized lifts a pixel to the undistorted normalized image plane (z = 1).
func (params *PinholeCameraModel) PixelToNormalized(px r2.Point) r3.Vector {
	pc := params.Unproject(px, 1)
	if params.Distortion != nil {
		pc.X, pc.Y = params.Distortion.Inverse(pc.X, pc.Y)
	}
	return pc
}

// NormalizedToPixel projects a camera frame point onto the image, applying lens distortion.
func (params *PinholeCameraModel) NormalizedToPixel(pc r3.Vector) r2.Point {
	if pc.Z == 0 {
		return r2.Point{X: -1, Y: -1}
	}
	x, y := pc.X/pc.Z, pc.Y/pc.Z
	if params.Distortion != nil {
		x, y = params.Distortion.Transform(x, y)
	}
	return params.Project(r3.Vector{X: x, Y: y, Z: 1})
}

// PixelVelocityToNormalized converts a feature velocity in pixels per second to the normalized
// image plane. Distortion is ignored; velocities only feed a first order time-offset correction.
func (params *PinholeCameraModel) PixelVelocityToNormalized(vel r2.Point) r2.Point {
	return r2.Point{X: vel.X / params.Fx, Y: vel.Y / params.Fy}
}

// NormalizedToWorld maps a camera frame point into the world using the camera pose (camera to world).
func (params *PinholeCameraModel) NormalizedToWorld(pc r3.Vector, pose spatialmath.Pose) r3.Vector {
	return spatialmath.TransformPoint(pose, pc)
}

// WorldToCamera maps a world point into the camera frame given the camera pose (camera to world).
func (params *PinholeCameraModel) WorldToCamera(pw r3.Vector, pose spatialmath.Pose) r3.Vector {
	return spatialmath.TransformPoint(spatialmath.PoseInverse(pose), pw)
}

// WorldToPixel projects a world point into the image. The second return is false when the
// point lies behind the camera.
func (params *PinholeCameraModel) WorldToPixel(pw r3.Vector, pose spatialmath.Pose) (r2.Point, bool) {
	pc := params.WorldToCamera(pw, pose)
	if pc.Z <= 0 {
		return r2.Point{X: -1, Y: -1}, false
	}
	return params.NormalizedToPixel(pc), true
}
