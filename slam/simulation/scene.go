// Package simulation generates synthetic keyframe and landmark scenes and replays them into a
// map the way a visual front end would.
package simulation

import (
	"math"
	"math/rand"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/gvins/rimage/transform"
	"go.viam.com/gvins/spatialmath"
)

// Config describes a scene. Zero geometry fields take the values of DefaultConfig; zero noise
// fields mean no noise.
type Config struct {
	NumKeyFrames int     `json:"num_keyframes,omitempty"`
	NumLandmarks int     `json:"num_landmarks,omitempty"`
	RingRadiusM  float64 `json:"ring_radius_m,omitempty"`
	// ArcRad is the angle swept by the trajectory around the landmark cloud.
	ArcRad float64 `json:"arc_rad,omitempty"`
	// CloudHalfSizeM is the half size of the cube the landmarks are drawn from.
	CloudHalfSizeM float64 `json:"cloud_half_size_m,omitempty"`
	FrameIntervalS float64 `json:"frame_interval_s,omitempty"`

	PixelNoisePx       float64 `json:"pixel_noise_px,omitempty"`
	PositionNoiseM     float64 `json:"position_noise_m,omitempty"`
	RotationNoiseRad   float64 `json:"rotation_noise_rad,omitempty"`
	RelativeDepthNoise float64 `json:"relative_depth_noise,omitempty"`

	Seed int64 `json:"seed,omitempty"`
}

// DefaultConfig returns the default scene.
func DefaultConfig() Config {
	return Config{
		NumKeyFrames:       8,
		NumLandmarks:       60,
		RingRadiusM:        4,
		ArcRad:             math.Pi / 3,
		CloudHalfSizeM:     1,
		FrameIntervalS:     0.1,
		PixelNoisePx:       0.5,
		PositionNoiseM:     0.05,
		RotationNoiseRad:   0.01,
		RelativeDepthNoise: 0.2,
		Seed:               1,
	}
}

func (cfg Config) withDefaults() Config {
	d := DefaultConfig()
	if cfg.NumKeyFrames == 0 {
		cfg.NumKeyFrames = d.NumKeyFrames
	}
	if cfg.NumLandmarks == 0 {
		cfg.NumLandmarks = d.NumLandmarks
	}
	if cfg.RingRadiusM == 0 {
		cfg.RingRadiusM = d.RingRadiusM
	}
	if cfg.ArcRad == 0 {
		cfg.ArcRad = d.ArcRad
	}
	if cfg.CloudHalfSizeM == 0 {
		cfg.CloudHalfSizeM = d.CloudHalfSizeM
	}
	if cfg.FrameIntervalS == 0 {
		cfg.FrameIntervalS = d.FrameIntervalS
	}
	return cfg
}

// DefaultCamera is a 640x480 pinhole camera without distortion.
func DefaultCamera() *transform.PinholeCameraModel {
	return transform.NewPinholeCameraModel(&transform.PinholeCameraIntrinsics{
		Width:  640,
		Height: 480,
		Fx:     400,
		Fy:     400,
		Ppx:    320,
		Ppy:    240,
	})
}

// Scene is the ground truth of a simulated run. Keyframe i has frame id and keyframe id i+1;
// landmark j has id j+1.
type Scene struct {
	Camera *transform.PinholeCameraModel
	Poses  []spatialmath.Pose
	Stamps []float64
	Points []r3.Vector

	cfg Config
}

// NewScene builds a scene of camera poses on an arc around a cloud of landmarks, every camera
// looking at the center of the cloud. The extrinsic is the identity.
func NewScene(cfg Config, camera *transform.PinholeCameraModel) (*Scene, error) {
	cfg = cfg.withDefaults()
	if cfg.NumKeyFrames < 2 {
		return nil, errors.Errorf("a scene needs at least 2 keyframes, got %d", cfg.NumKeyFrames)
	}
	if cfg.NumLandmarks < 1 {
		return nil, errors.Errorf("a scene needs at least 1 landmark, got %d", cfg.NumLandmarks)
	}
	if cfg.CloudHalfSizeM >= cfg.RingRadiusM {
		return nil, errors.New("landmark cloud must fit inside the ring")
	}
	if camera == nil {
		camera = DefaultCamera()
	}
	if err := camera.CheckValid(); err != nil {
		return nil, err
	}

	s := &Scene{Camera: camera, cfg: cfg}
	for i := 0; i < cfg.NumKeyFrames; i++ {
		theta := cfg.ArcRad * (float64(i)/float64(cfg.NumKeyFrames-1) - 0.5)
		pose, err := lookAtOrigin(cfg.RingRadiusM, theta)
		if err != nil {
			return nil, err
		}
		s.Poses = append(s.Poses, pose)
		s.Stamps = append(s.Stamps, float64(i)*cfg.FrameIntervalS)
	}
	//nolint:gosec
	rng := rand.New(rand.NewSource(cfg.Seed))
	h := cfg.CloudHalfSizeM
	for j := 0; j < cfg.NumLandmarks; j++ {
		s.Points = append(s.Points, r3.Vector{
			X: h * (2*rng.Float64() - 1),
			Y: h * (2*rng.Float64() - 1),
			Z: h * (2*rng.Float64() - 1),
		})
	}
	return s, nil
}

// lookAtOrigin returns the pose of a camera on the ring at angle theta with its optical axis
// through the origin and its image y axis pointing down the world z axis.
func lookAtOrigin(radius, theta float64) (spatialmath.Pose, error) {
	center := r3.Vector{X: radius * math.Cos(theta), Y: radius * math.Sin(theta)}
	zc := center.Mul(-1).Normalize()
	yc := r3.Vector{Z: -1}
	xc := yc.Cross(zc)
	rm, err := spatialmath.NewRotationMatrix([]float64{
		xc.X, yc.X, zc.X,
		xc.Y, yc.Y, zc.Y,
		xc.Z, yc.Z, zc.Z,
	})
	if err != nil {
		return nil, err
	}
	return spatialmath.NewPose(center, rm), nil
}

// Project returns the noiseless pixel of landmark j in keyframe i, and false if it is behind
// the camera or outside the image.
func (s *Scene) Project(i, j int) (r2.Point, bool) {
	px, ok := s.Camera.WorldToPixel(s.Points[j], s.Poses[i])
	if !ok || !s.Camera.InBounds(px) {
		return r2.Point{}, false
	}
	return px, true
}

// Depth returns the depth of landmark j along the optical axis of keyframe i.
func (s *Scene) Depth(i, j int) float64 {
	return s.Camera.WorldToCamera(s.Points[j], s.Poses[i]).Z
}

// PixelVelocity is the image motion of landmark j at keyframe i, by backward difference. It is
// zero for the first keyframe and when the landmark is not visible in the previous one.
func (s *Scene) PixelVelocity(i, j int) r2.Point {
	if i == 0 {
		return r2.Point{}
	}
	cur, ok := s.Project(i, j)
	if !ok {
		return r2.Point{}
	}
	prev, ok := s.Project(i-1, j)
	if !ok {
		return r2.Point{}
	}
	return cur.Sub(prev).Mul(1 / (s.Stamps[i] - s.Stamps[i-1]))
}
