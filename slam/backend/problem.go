package backend

import (
	"math"
	"slices"

	"github.com/golang/geo/r3"
	"github.com/samber/lo"

	"go.viam.com/gvins/slam/factors"
	"go.viam.com/gvins/slam/solver"
	"go.viam.com/gvins/slam/vmap"
	"go.viam.com/gvins/spatialmath"
)

// landmarkBlock is a landmark given an inverse depth block in this pass.
type landmarkBlock struct {
	mp       *vmap.MapPoint
	refFrame *vmap.Frame
	pts0     r3.Vector
	invDepth []float64
}

// observation is one reprojection residual of a landmark into an observing keyframe.
type observation struct {
	landmark *landmarkBlock
	feature  *vmap.Feature
	frame    *vmap.Frame
	factor   *factors.ReprojectionFactor
	params   [][]float64
}

// windowProblem is the least squares problem built from one snapshot of the window. All
// parameter storage lives here so that the solver's blocks stay valid for the whole pass.
type windowProblem struct {
	problem   *solver.Problem
	keyFrames vmap.KeyFrames
	poses     map[uint64][]float64
	landmarks []*landmarkBlock
	extrinsic []float64
	timeDelay []float64
	obs       []*observation

	newOutliers      int
	droppedResiduals int
}

// inWindow reports whether frame is the keyframe the snapshot holds under its keyframe id.
func (wp *windowProblem) inWindow(frame *vmap.Frame) bool {
	if frame == nil || !frame.IsKeyFrame() {
		return false
	}
	return wp.keyFrames[frame.KeyFrameID()] == frame
}

// initialInverseDepth returns the inverse depth to seed a landmark with, and false if the
// stored depth is invalid. Unset depths (zero, or infinite which gives a zero inverse) fall back
// to the default depth.
func initialInverseDepth(depth, defaultDepth float64) (float64, bool) {
	if depth == 0 {
		return 1 / defaultDepth, true
	}
	invDepth := 1 / depth
	if invDepth == 0 {
		return 1 / defaultDepth, true
	}
	if math.IsNaN(invDepth) || math.IsInf(invDepth, 0) || invDepth < 0 {
		return invDepth, false
	}
	return invDepth, true
}

// buildProblem builds the problem for one pass. It returns nil when there are no landmarks.
func (b *Backend) buildProblem(keyFrames vmap.KeyFrames, landmarks vmap.LandMarks) *windowProblem {
	if len(landmarks) == 0 {
		return nil
	}

	wp := &windowProblem{
		problem:   solver.NewProblem(),
		keyFrames: keyFrames,
		poses:     make(map[uint64][]float64, len(keyFrames)),
	}
	manifold := factors.PoseManifold{}

	kfIDs := lo.Keys(keyFrames)
	slices.Sort(kfIDs)
	for _, id := range kfIDs {
		pose := factors.PoseToParameters(keyFrames[id].Pose())
		wp.poses[id] = pose
		b.mustAdd(wp.problem.AddParameterBlock(pose, manifold))
	}

	lmIDs := lo.Keys(landmarks)
	slices.Sort(lmIDs)
	for _, id := range lmIDs {
		mp := landmarks[id]
		if mp == nil || mp.IsOutlier() {
			continue
		}
		ref := mp.ReferenceFrame()
		if !wp.inWindow(ref) {
			b.logger.Debugw("skipping landmark, reference frame not in window", "landmark", id)
			continue
		}
		if _, ok := ref.Feature(id); !ok {
			b.logger.Debugw("skipping landmark, reference frame has no feature for it", "landmark", id)
			continue
		}

		invDepth, ok := initialInverseDepth(mp.Depth(), b.cfg.DefaultDepthM)
		if !ok {
			mp.SetOutlier(true)
			wp.newOutliers++
			b.logger.Infow("landmark marked outlier", "landmark", id, "depth", mp.Depth())
			continue
		}

		lb := &landmarkBlock{
			mp:       mp,
			refFrame: ref,
			pts0:     b.camera.PixelToNormalized(mp.ReferenceKeypoint()),
			invDepth: []float64{invDepth},
		}
		b.mustAdd(wp.problem.AddParameterBlock(lb.invDepth, nil))
		mp.AddOptimizedTimes()
		wp.landmarks = append(wp.landmarks, lb)
	}

	wp.extrinsic = factors.PoseToParameters(b.extrinsic)
	b.mustAdd(wp.problem.AddParameterBlock(wp.extrinsic, manifold))
	if !b.cfg.EstimateExtrinsic {
		b.mustAdd(wp.problem.SetParameterBlockConstant(wp.extrinsic))
	}
	wp.timeDelay = []float64{b.timeDelay}
	b.mustAdd(wp.problem.AddParameterBlock(wp.timeDelay, nil))
	if !b.cfg.EstimateTimeDelay {
		b.mustAdd(wp.problem.SetParameterBlockConstant(wp.timeDelay))
	}

	loss := solver.NewHuberLoss(b.cfg.HuberScale)
	focal := b.camera.FocalLength()
	for _, lb := range wp.landmarks {
		ref := lb.refFrame
		refFeature, _ := ref.Feature(lb.mp.ID())
		vel0 := b.camera.PixelVelocityToNormalized(refFeature.Velocity())

		seen := map[*vmap.Frame]struct{}{}
		for _, feat := range lb.mp.Observations() {
			if feat.IsOutlier() {
				continue
			}
			frame := feat.Frame()
			if frame == nil || frame == ref || !wp.inWindow(frame) {
				continue
			}
			if _, dup := seen[frame]; dup {
				continue
			}
			seen[frame] = struct{}{}

			o := &observation{
				landmark: lb,
				feature:  feat,
				frame:    frame,
				factor: factors.NewReprojectionFactor(
					lb.pts0,
					b.camera.PixelToNormalized(feat.Keypoint()),
					vel0,
					b.camera.PixelVelocityToNormalized(feat.Velocity()),
					ref.TimeDelay(),
					frame.TimeDelay(),
					b.cfg.ReprojectionStdPx,
					focal,
				),
				params: [][]float64{
					wp.poses[ref.KeyFrameID()],
					wp.poses[frame.KeyFrameID()],
					wp.extrinsic,
					lb.invDepth,
					wp.timeDelay,
				},
			}
			// the solver fails outright if any residual cannot be evaluated at the start
			if _, ok := o.factor.Residual(o.params); !ok {
				wp.droppedResiduals++
				b.logger.Debugw("dropping residual that cannot be evaluated",
					"landmark", lb.mp.ID(), "frame", frame.ID())
				continue
			}
			b.mustAdd(wp.problem.AddResidualBlock(o.factor, loss, o.params...))
			wp.obs = append(wp.obs, o)
		}
	}
	return wp
}

// pixelErrors returns the reprojection error in pixels of every residual at the current
// parameter values.
func (wp *windowProblem) pixelErrors() []float64 {
	errs := make([]float64, 0, len(wp.obs))
	for _, o := range wp.obs {
		if e, ok := o.factor.PixelError(o.params); ok {
			errs = append(errs, e)
		}
	}
	return errs
}

// cameraPose composes a body pose with the camera extrinsic.
func cameraPose(body, extrinsic spatialmath.Pose) spatialmath.Pose {
	return spatialmath.Compose(body, extrinsic)
}

// mustAdd panics on problem construction errors, which can only come from mismatched block
// sizes in this file. The pass recovers and logs the panic.
func (b *Backend) mustAdd(err error) {
	if err != nil {
		panic(err)
	}
}
