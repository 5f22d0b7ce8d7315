package simulation

import (
	"math"
	"math/rand"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/gvins/slam/vmap"
	"go.viam.com/gvins/spatialmath"
)

// Replayer inserts the keyframes of a scene into a map one at a time, with noisy initial poses
// and depths. Landmarks are created the first time a keyframe sees them, with that keyframe as
// their reference.
type Replayer struct {
	scene *Scene
	m     *vmap.Map
	rng   *rand.Rand

	next      int
	landmarks map[int]*vmap.MapPoint
	frames    []*vmap.Frame
}

// NewReplayer returns a replayer of scene into m.
func NewReplayer(scene *Scene, m *vmap.Map) *Replayer {
	return &Replayer{
		scene: scene,
		m:     m,
		//nolint:gosec
		rng:       rand.New(rand.NewSource(scene.cfg.Seed + 1)),
		landmarks: map[int]*vmap.MapPoint{},
	}
}

// Done reports whether every keyframe has been inserted.
func (r *Replayer) Done() bool {
	return r.next >= len(r.scene.Poses)
}

// Frames returns the frames inserted so far, in order.
func (r *Replayer) Frames() []*vmap.Frame {
	return r.frames
}

// MapPoint returns the landmark created for scene point j, if it has been seen.
func (r *Replayer) MapPoint(j int) (*vmap.MapPoint, bool) {
	mp, ok := r.landmarks[j]
	return mp, ok
}

// Step inserts the next keyframe with its observations and returns it.
func (r *Replayer) Step() (*vmap.Frame, error) {
	if r.Done() {
		return nil, errors.New("scene fully replayed")
	}
	i := r.next
	cfg := r.scene.cfg
	cam := r.scene.Camera

	pose := r.scene.Poses[i]
	// the first keyframe is exact so the run has an anchor
	if i > 0 {
		pose = r.perturb(pose)
	}
	id := uint64(i + 1)
	frame := vmap.NewFrame(id, r.scene.Stamps[i], pose)
	frame.SetKeyFrame(id)

	for j := range r.scene.Points {
		px, ok := r.scene.Project(i, j)
		if !ok {
			continue
		}
		kp := px.Add(r2.Point{X: r.rng.NormFloat64(), Y: r.rng.NormFloat64()}.Mul(cfg.PixelNoisePx))
		feat := frame.AddFeature(uint64(j+1), kp, r.scene.PixelVelocity(i, j))

		mp, seen := r.landmarks[j]
		if !seen {
			depth := r.scene.Depth(i, j) * math.Max(0.1, 1+cfg.RelativeDepthNoise*r.rng.NormFloat64())
			pos := cam.NormalizedToWorld(cam.PixelToNormalized(kp).Mul(depth), pose)
			mp = vmap.NewMapPoint(uint64(j+1), pos, depth, frame, kp)
			r.landmarks[j] = mp
			r.m.AddMapPoint(mp)
		}
		mp.AddObservation(feat)
	}

	if _, err := r.m.InsertKeyFrame(frame); err != nil {
		return nil, err
	}
	r.frames = append(r.frames, frame)
	r.next++
	return frame, nil
}

// Run inserts every remaining keyframe.
func (r *Replayer) Run() error {
	for !r.Done() {
		if _, err := r.Step(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Replayer) perturb(pose spatialmath.Pose) spatialmath.Pose {
	cfg := r.scene.cfg
	dt := r3.Vector{X: r.rng.NormFloat64(), Y: r.rng.NormFloat64(), Z: r.rng.NormFloat64()}.Mul(cfg.PositionNoiseM)
	dr := r3.Vector{X: r.rng.NormFloat64(), Y: r.rng.NormFloat64(), Z: r.rng.NormFloat64()}.Mul(cfg.RotationNoiseRad)
	delta := spatialmath.NewPose(dt, spatialmath.NewQuaternion(spatialmath.RotationVectorToQuat(dr)))
	return spatialmath.Compose(pose, delta)
}

// PositionError returns the distance between the frame's estimated position and the ground
// truth of the keyframe it was created from.
func (s *Scene) PositionError(frame *vmap.Frame) float64 {
	i := int(frame.ID()) - 1
	if i < 0 || i >= len(s.Poses) {
		return math.NaN()
	}
	return frame.Pose().Point().Distance(s.Poses[i].Point())
}

// LandmarkError returns the distance between a landmark's estimated position and the ground truth.
func (s *Scene) LandmarkError(mp *vmap.MapPoint) float64 {
	j := int(mp.ID()) - 1
	if j < 0 || j >= len(s.Points) {
		return math.NaN()
	}
	return mp.Pos().Distance(s.Points[j])
}

// ReprojectionError returns the pixel distance between where the frame's current pose projects
// the landmark's current position and the keypoint the frame observed it at. It reports false
// if the frame did not observe the landmark or it projects behind the camera.
func (s *Scene) ReprojectionError(frame *vmap.Frame, mp *vmap.MapPoint) (float64, bool) {
	feat, ok := frame.Feature(mp.ID())
	if !ok {
		return 0, false
	}
	px, ok := s.Camera.WorldToPixel(mp.Pos(), frame.Pose())
	if !ok {
		return 0, false
	}
	return px.Sub(feat.Keypoint()).Norm(), true
}

// MeanReprojectionError averages ReprojectionError over every non-outlier landmark observed by
// every keyframe currently in the map.
func (s *Scene) MeanReprojectionError(m *vmap.Map) float64 {
	var sum float64
	var n int
	landmarks := m.Landmarks()
	for _, frame := range m.KeyFrames() {
		for id := range frame.Features() {
			mp, ok := landmarks[id]
			if !ok || mp.IsOutlier() {
				continue
			}
			if e, ok := s.ReprojectionError(frame, mp); ok {
				sum += e
				n++
			}
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
