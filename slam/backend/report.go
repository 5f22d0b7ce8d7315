package backend

import (
	"time"

	"github.com/montanaflynn/stats"

	"go.viam.com/gvins/slam/solver"
)

// ErrorStats summarizes reprojection errors in pixels over every residual of a pass.
type ErrorStats struct {
	Mean   float64
	Median float64
	Max    float64
}

func newErrorStats(errs []float64) ErrorStats {
	if len(errs) == 0 {
		return ErrorStats{}
	}
	data := stats.Float64Data(errs)
	var out ErrorStats
	// errors from stats only signal empty input, which is handled above
	out.Mean, _ = data.Mean()
	out.Median, _ = data.Median()
	out.Max, _ = data.Max()
	return out
}

// PassReport describes one optimization pass.
type PassReport struct {
	Pass    uint64
	Skipped bool
	// Committed is false when the commit policy refused the solution.
	Committed bool

	KeyFrames         int
	Landmarks         int
	Residuals         int
	DroppedResiduals  int
	NewOutliers       int
	RejectedLandmarks int

	Summary      solver.Summary
	InitialError ErrorStats
	FinalError   ErrorStats
	Duration     time.Duration
}

// PassPublisher receives a report after every pass, on the goroutine that ran the pass. Map
// viewers hang off this hook. It runs while the pass lock is held: it may read Extrinsic and
// TimeDelay but must not call Optimize, nor RequestUpdate when requests are serialized.
type PassPublisher interface {
	PublishPass(report PassReport)
}

// PassPublisherFunc adapts a function to a PassPublisher.
type PassPublisherFunc func(report PassReport)

// PublishPass implements PassPublisher.
func (f PassPublisherFunc) PublishPass(report PassReport) {
	f(report)
}
