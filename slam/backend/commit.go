package backend

import (
	"math"

	"go.viam.com/gvins/slam/factors"
	"go.viam.com/gvins/slam/solver"
)

// commit writes the solved window back to the map. It returns false if the commit policy
// refused the solution.
func (b *Backend) commit(wp *windowProblem, summary *solver.Summary) bool {
	if b.cfg.CommitPolicy == CommitUsable && !summary.IsSolutionUsable() {
		b.logger.Warnw("not committing unusable solution", "termination", summary.Termination, "message", summary.Message)
		return false
	}

	for id, pose := range wp.poses {
		wp.keyFrames[id].SetPose(factors.ParametersToPose(pose))
	}
	b.calibMu.Lock()
	if b.cfg.EstimateExtrinsic {
		b.extrinsic = factors.ParametersToPose(wp.extrinsic)
	}
	if b.cfg.EstimateTimeDelay {
		b.timeDelay = wp.timeDelay[0]
	}
	b.calibMu.Unlock()
	if b.cfg.EstimateTimeDelay {
		for _, kf := range wp.keyFrames {
			kf.SetTimeDelay(wp.timeDelay[0])
		}
	}

	for _, lb := range wp.landmarks {
		mp := lb.mp
		if mp.IsOutlier() {
			continue
		}
		ref := mp.ReferenceFrame()
		if !wp.inWindow(ref) {
			continue
		}
		invDepth := lb.invDepth[0]
		if math.IsNaN(invDepth) || math.IsInf(invDepth, 0) || invDepth <= 0 {
			mp.SetOutlier(true)
			wp.newOutliers++
			b.logger.Infow("landmark marked outlier after solve", "landmark", mp.ID(), "inverse_depth", invDepth)
			continue
		}
		depth := 1 / invDepth
		pos := b.camera.NormalizedToWorld(lb.pts0.Mul(depth), cameraPose(ref.Pose(), b.extrinsic))
		mp.Update(pos, depth)
	}
	return true
}

// rejectOutliers marks landmarks whose committed position reprojects further than the
// configured threshold from any of their in-window observations. It returns how many
// landmarks were rejected.
func (b *Backend) rejectOutliers(wp *windowProblem) int {
	threshold := b.cfg.MinReprojectionErrorPx
	if threshold <= 0 {
		return 0
	}
	rejected := 0
	done := map[uint64]struct{}{}
	for _, o := range wp.obs {
		mp := o.landmark.mp
		if _, ok := done[mp.ID()]; ok || mp.IsOutlier() {
			continue
		}
		px, ok := b.camera.WorldToPixel(mp.Pos(), cameraPose(o.frame.Pose(), b.extrinsic))
		if ok {
			kp := o.feature.Keypoint()
			if px.Sub(kp).Norm() <= threshold {
				continue
			}
		}
		done[mp.ID()] = struct{}{}
		mp.SetOutlier(true)
		o.feature.SetOutlier(true)
		mp.RemoveAllObservations()
		rejected++
		b.logger.Infow("landmark rejected by reprojection error", "landmark", mp.ID(), "frame", o.frame.ID())
	}
	return rejected
}

