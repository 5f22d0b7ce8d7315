package backend

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"go.viam.com/gvins/logging"
	"go.viam.com/gvins/rimage/transform"
	"go.viam.com/gvins/slam/simulation"
	"go.viam.com/gvins/slam/solver"
	"go.viam.com/gvins/slam/vmap"
	"go.viam.com/gvins/spatialmath"
)

func newKeyFrame(id uint64, pose spatialmath.Pose) *vmap.Frame {
	frame := vmap.NewFrame(id, float64(id)*0.1, pose)
	frame.SetKeyFrame(id)
	return frame
}

// addLandmark creates a landmark at pw referenced to ref, observed by ref and every frame in
// others, and adds it to m.
func addLandmark(
	m *vmap.Map,
	cam *transform.PinholeCameraModel,
	id uint64,
	pw r3.Vector,
	depth float64,
	ref *vmap.Frame,
	others ...*vmap.Frame,
) *vmap.MapPoint {
	kp, _ := cam.WorldToPixel(pw, ref.Pose())
	mp := vmap.NewMapPoint(id, pw, depth, ref, kp)
	mp.AddObservation(ref.AddFeature(id, kp, r2.Point{}))
	for _, frame := range others {
		px, _ := cam.WorldToPixel(pw, frame.Pose())
		mp.AddObservation(frame.AddFeature(id, px, r2.Point{}))
	}
	m.AddMapPoint(mp)
	return mp
}

// twoFrameMap returns a map holding a keyframe at the origin and one half a meter to its right.
func twoFrameMap(t *testing.T) (*vmap.Map, *vmap.Frame, *vmap.Frame) {
	t.Helper()
	m := vmap.NewMap(10)
	a := newKeyFrame(1, spatialmath.NewZeroPose())
	b := newKeyFrame(2, spatialmath.NewPoseFromPoint(r3.Vector{X: 0.5}))
	_, err := m.InsertKeyFrame(a)
	test.That(t, err, test.ShouldBeNil)
	_, err = m.InsertKeyFrame(b)
	test.That(t, err, test.ShouldBeNil)
	return m, a, b
}

func newTestBackend(t *testing.T, m MapSource, cfg *Config, opts ...Option) *Backend {
	t.Helper()
	b, err := New(m, cfg, logging.NewTestLogger(t), opts...)
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(b.Stop)
	return b
}

func TestOptimizeImprovesReprojection(t *testing.T) {
	for _, kfs := range []int{2, 6} {
		cfg := simulation.DefaultConfig()
		cfg.NumKeyFrames = kfs
		scene, err := simulation.NewScene(cfg, nil)
		test.That(t, err, test.ShouldBeNil)
		m := vmap.NewMap(10)
		test.That(t, simulation.NewReplayer(scene, m).Run(), test.ShouldBeNil)

		before := scene.MeanReprojectionError(m)
		b := newTestBackend(t, m, NewDefaultConfig(scene.Camera))
		report, err := b.Optimize(context.Background())
		test.That(t, err, test.ShouldBeNil)

		test.That(t, report.Skipped, test.ShouldBeFalse)
		test.That(t, report.Committed, test.ShouldBeTrue)
		test.That(t, report.KeyFrames, test.ShouldEqual, kfs)
		test.That(t, report.Landmarks, test.ShouldEqual, m.NumLandmarks())
		test.That(t, report.Residuals, test.ShouldBeGreaterThan, 0)
		test.That(t, report.Summary.Iterations, test.ShouldBeLessThanOrEqualTo, defaultMaxIterations)
		test.That(t, report.Summary.FinalCost, test.ShouldBeLessThan, report.Summary.InitialCost)
		test.That(t, report.FinalError.Mean, test.ShouldBeLessThan, report.InitialError.Mean)
		test.That(t, scene.MeanReprojectionError(m), test.ShouldBeLessThan, before)

		for _, mp := range m.Landmarks() {
			test.That(t, mp.OptimizedTimes(), test.ShouldEqual, 1)
			test.That(t, mp.Depth(), test.ShouldBeGreaterThan, 0)
		}
	}
}

func TestOptimizeNoLandmarks(t *testing.T) {
	m, a, _ := twoFrameMap(t)
	pose := a.Pose()
	b := newTestBackend(t, m, NewDefaultConfig(simulation.DefaultCamera()))

	report, err := b.Optimize(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, report.Skipped, test.ShouldBeTrue)
	test.That(t, report.Committed, test.ShouldBeFalse)
	test.That(t, report.Pass, test.ShouldEqual, 1)
	test.That(t, b.Passes(), test.ShouldEqual, 1)
	test.That(t, spatialmath.PoseAlmostEqual(a.Pose(), pose), test.ShouldBeTrue)
}

func TestZeroDepthUsesDefault(t *testing.T) {
	cam := simulation.DefaultCamera()
	m, a, b := twoFrameMap(t)
	pw := r3.Vector{X: 0.2, Y: -0.1, Z: 5}
	unobserved := addLandmark(m, cam, 1, pw, 0, a)
	observed := addLandmark(m, cam, 2, pw, 0, a, b)

	be := newTestBackend(t, m, NewDefaultConfig(cam))
	report, err := be.Optimize(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, report.Landmarks, test.ShouldEqual, 2)
	test.That(t, report.Residuals, test.ShouldEqual, 1)
	test.That(t, report.NewOutliers, test.ShouldEqual, 0)

	test.That(t, unobserved.IsOutlier(), test.ShouldBeFalse)
	test.That(t, unobserved.Depth(), test.ShouldAlmostEqual, vmap.DefaultDepth)
	ray := cam.PixelToNormalized(unobserved.ReferenceKeypoint())
	expected := cam.NormalizedToWorld(ray.Mul(vmap.DefaultDepth), a.Pose())
	test.That(t, unobserved.Pos().Distance(expected), test.ShouldBeLessThan, 1e-9)

	depth := observed.Depth()
	test.That(t, observed.IsOutlier(), test.ShouldBeFalse)
	test.That(t, math.IsNaN(depth) || math.IsInf(depth, 0), test.ShouldBeFalse)
	test.That(t, depth, test.ShouldBeGreaterThan, 0)
	test.That(t, observed.OptimizedTimes(), test.ShouldEqual, 1)
}

func TestInvalidDepthMarksOutlier(t *testing.T) {
	cam := simulation.DefaultCamera()
	m, a, b := twoFrameMap(t)
	pw := r3.Vector{X: 0.2, Y: -0.1, Z: 5}
	nan := addLandmark(m, cam, 1, pw, math.NaN(), a, b)
	negative := addLandmark(m, cam, 2, pw, -3, a, b)
	good := addLandmark(m, cam, 3, pw, 5, a, b)

	logger, logs := logging.NewObservedTestLogger(t)
	be, err := New(m, NewDefaultConfig(cam), logger)
	test.That(t, err, test.ShouldBeNil)
	defer be.Stop()

	report, err := be.Optimize(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, report.NewOutliers, test.ShouldEqual, 2)
	test.That(t, report.Landmarks, test.ShouldEqual, 1)
	test.That(t, report.Residuals, test.ShouldEqual, 1)
	test.That(t, logs.FilterMessage("landmark marked outlier").Len(), test.ShouldEqual, 2)

	test.That(t, nan.IsOutlier(), test.ShouldBeTrue)
	test.That(t, negative.IsOutlier(), test.ShouldBeTrue)
	test.That(t, good.IsOutlier(), test.ShouldBeFalse)
	test.That(t, nan.OptimizedTimes(), test.ShouldEqual, 0)

	report, err = be.Optimize(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, report.NewOutliers, test.ShouldEqual, 0)
	test.That(t, nan.IsOutlier(), test.ShouldBeTrue)
	test.That(t, negative.Depth(), test.ShouldEqual, -3)
	test.That(t, nan.OptimizedTimes(), test.ShouldEqual, 0)
	test.That(t, good.OptimizedTimes(), test.ShouldEqual, 2)
}

func TestMissingReferenceFrameUntouched(t *testing.T) {
	cam := simulation.DefaultCamera()
	m, a, b := twoFrameMap(t)
	c := newKeyFrame(3, spatialmath.NewPoseFromPoint(r3.Vector{X: 1}))
	_, err := m.InsertKeyFrame(c)
	test.That(t, err, test.ShouldBeNil)

	pw := r3.Vector{X: 0.1, Y: 0.3, Z: 6}
	retired := addLandmark(m, cam, 1, pw.Add(r3.Vector{X: 0.01}), 4, a, b, c)
	orphan := vmap.NewMapPoint(2, pw, 3, nil, r2.Point{X: 320, Y: 240})
	orphan.AddObservation(b.AddFeature(2, r2.Point{X: 300, Y: 250}, r2.Point{}))
	m.AddMapPoint(orphan)
	noRefFeature := vmap.NewMapPoint(3, pw, 3, b, r2.Point{X: 320, Y: 240})
	noRefFeature.AddObservation(c.AddFeature(3, r2.Point{X: 300, Y: 250}, r2.Point{}))
	m.AddMapPoint(noRefFeature)
	addLandmark(m, cam, 4, pw, 6, b, c)

	test.That(t, m.RemoveKeyFrame(a.KeyFrameID()), test.ShouldBeTrue)

	be := newTestBackend(t, m, NewDefaultConfig(cam))
	report, err := be.Optimize(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, report.KeyFrames, test.ShouldEqual, 2)
	test.That(t, report.Landmarks, test.ShouldEqual, 1)
	test.That(t, report.Residuals, test.ShouldEqual, 1)

	for _, mp := range []*vmap.MapPoint{retired, orphan, noRefFeature} {
		test.That(t, mp.IsOutlier(), test.ShouldBeFalse)
		test.That(t, mp.OptimizedTimes(), test.ShouldEqual, 0)
	}
	test.That(t, retired.Depth(), test.ShouldEqual, 4)
	test.That(t, retired.Pos(), test.ShouldResemble, pw.Add(r3.Vector{X: 0.01}))
	test.That(t, orphan.Depth(), test.ShouldEqual, 3)
	test.That(t, noRefFeature.Pos(), test.ShouldResemble, pw)
}

func TestReferenceFrameReentersWindow(t *testing.T) {
	cam := simulation.DefaultCamera()
	m, a, b := twoFrameMap(t)
	c := newKeyFrame(3, spatialmath.NewPoseFromPoint(r3.Vector{X: 1}))
	_, err := m.InsertKeyFrame(c)
	test.That(t, err, test.ShouldBeNil)
	mp := addLandmark(m, cam, 1, r3.Vector{X: 0.4, Y: 0.2, Z: 5}, 4, a, b, c)

	be := newTestBackend(t, m, NewDefaultConfig(cam))
	test.That(t, m.RemoveKeyFrame(a.KeyFrameID()), test.ShouldBeTrue)
	report, err := be.Optimize(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, report.Landmarks, test.ShouldEqual, 0)
	test.That(t, mp.OptimizedTimes(), test.ShouldEqual, 0)
	test.That(t, mp.IsOutlier(), test.ShouldBeFalse)

	_, err = m.InsertKeyFrame(a)
	test.That(t, err, test.ShouldBeNil)
	report, err = be.Optimize(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, report.KeyFrames, test.ShouldEqual, 3)
	test.That(t, report.Landmarks, test.ShouldEqual, 1)
	test.That(t, report.Residuals, test.ShouldEqual, 2)
	test.That(t, mp.OptimizedTimes(), test.ShouldEqual, 1)
}

func TestObservationFiltering(t *testing.T) {
	cam := simulation.DefaultCamera()
	m, a, b := twoFrameMap(t)
	pw := r3.Vector{X: -0.2, Y: 0.1, Z: 4}
	mp := addLandmark(m, cam, 1, pw, 4, a, b)

	// the same observation twice
	feat, ok := b.Feature(1)
	test.That(t, ok, test.ShouldBeTrue)
	mp.AddObservation(feat)

	// a frame that is not a keyframe
	plain := vmap.NewFrame(10, 1, spatialmath.NewPoseFromPoint(r3.Vector{X: 0.2}))
	px, _ := cam.WorldToPixel(pw, plain.Pose())
	mp.AddObservation(plain.AddFeature(1, px, r2.Point{}))

	// a keyframe that is not in the window
	outside := newKeyFrame(11, spatialmath.NewPoseFromPoint(r3.Vector{X: 0.3}))
	px, _ = cam.WorldToPixel(pw, outside.Pose())
	mp.AddObservation(outside.AddFeature(1, px, r2.Point{}))

	// an outlier observation from a keyframe in the window
	c := newKeyFrame(3, spatialmath.NewPoseFromPoint(r3.Vector{X: 1}))
	_, err := m.InsertKeyFrame(c)
	test.That(t, err, test.ShouldBeNil)
	px, _ = cam.WorldToPixel(pw, c.Pose())
	bad := c.AddFeature(1, px, r2.Point{})
	bad.SetOutlier(true)
	mp.AddObservation(bad)

	be := newTestBackend(t, m, NewDefaultConfig(cam))
	report, err := be.Optimize(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, report.Landmarks, test.ShouldEqual, 1)
	test.That(t, report.Residuals, test.ShouldEqual, 1)
	test.That(t, report.InitialError.Max, test.ShouldBeLessThan, 1e-6)
}

func TestUnevaluableResidualDropped(t *testing.T) {
	cam := simulation.DefaultCamera()
	m, a, b := twoFrameMap(t)
	// the landmark lands exactly on the observing camera's plane
	b.SetPose(spatialmath.NewPoseFromPoint(r3.Vector{Z: 1}))
	a.AddFeature(1, r2.Point{X: 320, Y: 240}, r2.Point{})
	onPlane := vmap.NewMapPoint(1, r3.Vector{Z: 1}, 1, a, r2.Point{X: 320, Y: 240})
	onPlane.AddObservation(b.AddFeature(1, r2.Point{X: 320, Y: 240}, r2.Point{}))
	m.AddMapPoint(onPlane)
	pw := r3.Vector{X: 0.3, Y: -0.2, Z: 4}
	visible := addLandmark(m, cam, 2, pw, 3, a, b)

	logger, logs := logging.NewObservedTestLogger(t)
	be, err := New(m, NewDefaultConfig(cam), logger)
	test.That(t, err, test.ShouldBeNil)
	defer be.Stop()

	report, err := be.Optimize(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, report.Landmarks, test.ShouldEqual, 2)
	test.That(t, report.Residuals, test.ShouldEqual, 1)
	test.That(t, report.DroppedResiduals, test.ShouldEqual, 1)
	test.That(t, report.Summary.Termination, test.ShouldNotEqual, solver.Failure)
	test.That(t, report.Committed, test.ShouldBeTrue)
	test.That(t, logs.FilterMessage("dropping residual that cannot be evaluated").Len(), test.ShouldEqual, 1)

	// the remaining residual was solved and committed
	test.That(t, report.FinalError.Mean, test.ShouldBeLessThan, report.InitialError.Mean)
	test.That(t, visible.Depth(), test.ShouldNotEqual, 3)
	test.That(t, onPlane.IsOutlier(), test.ShouldBeFalse)
}

func TestCommitPolicy(t *testing.T) {
	cam := simulation.DefaultCamera()
	for _, policy := range []CommitPolicy{CommitAlways, CommitUsable} {
		m, a, b := twoFrameMap(t)
		unset := addLandmark(m, cam, 1, r3.Vector{X: 0.3, Z: 2}, 0, a, b)

		cfg := NewDefaultConfig(cam)
		cfg.CommitPolicy = policy
		be := newTestBackend(t, m, cfg)
		wp := be.buildProblem(m.KeyFrames(), m.Landmarks())
		test.That(t, wp, test.ShouldNotBeNil)
		committed := be.commit(wp, &solver.Summary{Termination: solver.Failure})

		if policy == CommitAlways {
			test.That(t, committed, test.ShouldBeTrue)
			test.That(t, unset.Depth(), test.ShouldAlmostEqual, vmap.DefaultDepth)
		} else {
			test.That(t, committed, test.ShouldBeFalse)
			test.That(t, unset.Depth(), test.ShouldEqual, 0)
		}
	}
}

func TestOutlierRejection(t *testing.T) {
	scene, err := simulation.NewScene(simulation.DefaultConfig(), nil)
	test.That(t, err, test.ShouldBeNil)

	for _, tc := range []struct {
		threshold float64
		rejects   bool
	}{
		{0, false},
		{1e6, false},
		{1e-6, true},
	} {
		m := vmap.NewMap(10)
		test.That(t, simulation.NewReplayer(scene, m).Run(), test.ShouldBeNil)
		cfg := NewDefaultConfig(scene.Camera)
		cfg.MinReprojectionErrorPx = tc.threshold
		be := newTestBackend(t, m, cfg)

		report, err := be.Optimize(context.Background())
		test.That(t, err, test.ShouldBeNil)
		if !tc.rejects {
			test.That(t, report.RejectedLandmarks, test.ShouldEqual, 0)
			continue
		}
		test.That(t, report.RejectedLandmarks, test.ShouldBeGreaterThan, 0)
		rejected := 0
		for _, mp := range m.Landmarks() {
			if mp.IsOutlier() {
				rejected++
				test.That(t, mp.Observations(), test.ShouldBeEmpty)
			}
		}
		test.That(t, rejected, test.ShouldEqual, report.RejectedLandmarks)
		test.That(t, m.RemoveOutliers(), test.ShouldEqual, rejected)
	}
}

func TestEstimateTimeDelay(t *testing.T) {
	scene, err := simulation.NewScene(simulation.DefaultConfig(), nil)
	test.That(t, err, test.ShouldBeNil)
	m := vmap.NewMap(10)
	test.That(t, simulation.NewReplayer(scene, m).Run(), test.ShouldBeNil)

	cfg := NewDefaultConfig(scene.Camera)
	cfg.EstimateTimeDelay = true
	cfg.TimeDelayS = 0.001
	be := newTestBackend(t, m, cfg)
	test.That(t, be.TimeDelay(), test.ShouldEqual, 0.001)

	report, err := be.Optimize(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, report.Committed, test.ShouldBeTrue)
	td := be.TimeDelay()
	test.That(t, math.IsNaN(td), test.ShouldBeFalse)
	for _, kf := range m.KeyFrames() {
		test.That(t, kf.TimeDelay(), test.ShouldEqual, td)
	}
	test.That(t, spatialmath.PoseAlmostEqual(be.Extrinsic(), spatialmath.NewZeroPose()), test.ShouldBeTrue)
}

func TestPassDurationUsesClock(t *testing.T) {
	scene, err := simulation.NewScene(simulation.Config{NumKeyFrames: 3, NumLandmarks: 10}, nil)
	test.That(t, err, test.ShouldBeNil)
	m := vmap.NewMap(10)
	test.That(t, simulation.NewReplayer(scene, m).Run(), test.ShouldBeNil)

	be := newTestBackend(t, m, NewDefaultConfig(scene.Camera), WithClock(clock.NewMock()))
	report, err := be.Optimize(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, report.Duration, test.ShouldEqual, time.Duration(0))
	test.That(t, report.Summary.TotalTime, test.ShouldEqual, time.Duration(0))
}

func TestRequestUpdateRunsPass(t *testing.T) {
	scene, err := simulation.NewScene(simulation.Config{NumKeyFrames: 3, NumLandmarks: 10}, nil)
	test.That(t, err, test.ShouldBeNil)
	m := vmap.NewMap(10)
	test.That(t, simulation.NewReplayer(scene, m).Run(), test.ShouldBeNil)

	reports := make(chan PassReport, 10)
	be := newTestBackend(t, m, NewDefaultConfig(scene.Camera), WithPublisher(PassPublisherFunc(func(r PassReport) {
		reports <- r
	})))
	be.RequestUpdate()

	var report PassReport
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		select {
		case report = <-reports:
		default:
		}
		test.That(tb, report.Pass, test.ShouldEqual, 1)
	})
	test.That(t, report.Committed, test.ShouldBeTrue)
	test.That(t, report.Residuals, test.ShouldBeGreaterThan, 0)
}

// blockingPublisher holds the first pass open until release is closed.
type blockingPublisher struct {
	started chan uint64
	release chan struct{}
}

func newBlockingPublisher() *blockingPublisher {
	return &blockingPublisher{started: make(chan uint64, 10), release: make(chan struct{})}
}

func (p *blockingPublisher) PublishPass(r PassReport) {
	p.started <- r.Pass
	if r.Pass == 1 {
		<-p.release
	}
}

func TestRequestsCoalesce(t *testing.T) {
	m := vmap.NewMap(10)
	pub := newBlockingPublisher()
	be := newTestBackend(t, m, NewDefaultConfig(simulation.DefaultCamera()), WithPublisher(pub))

	be.RequestUpdate()
	test.That(t, <-pub.started, test.ShouldEqual, 1)
	for i := 0; i < 5; i++ {
		be.RequestUpdate()
	}
	close(pub.release)
	test.That(t, <-pub.started, test.ShouldEqual, 2)

	time.Sleep(50 * time.Millisecond)
	test.That(t, be.Passes(), test.ShouldEqual, 2)
	test.That(t, len(pub.started), test.ShouldEqual, 0)
}

func TestStop(t *testing.T) {
	m := vmap.NewMap(10)
	pub := newBlockingPublisher()
	be, err := New(m, NewDefaultConfig(simulation.DefaultCamera()), logging.NewTestLogger(t), WithPublisher(pub))
	test.That(t, err, test.ShouldBeNil)

	be.RequestUpdate()
	test.That(t, <-pub.started, test.ShouldEqual, 1)
	be.RequestUpdate()

	stopped := make(chan struct{})
	go func() {
		be.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Stop returned while a pass was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(pub.release)
	<-stopped

	// the pending request is dropped once stopped
	test.That(t, be.Passes(), test.ShouldEqual, 1)

	be.Stop()
	be.RequestUpdate()
	time.Sleep(20 * time.Millisecond)
	test.That(t, be.Passes(), test.ShouldEqual, 1)

	_, err = be.Optimize(context.Background())
	test.That(t, err, test.ShouldBeError, ErrBackendStopped)
}

func TestOptimizeAfterStopWhileWaiting(t *testing.T) {
	m := vmap.NewMap(10)
	pub := newBlockingPublisher()
	be, err := New(m, NewDefaultConfig(simulation.DefaultCamera()), logging.NewTestLogger(t), WithPublisher(pub))
	test.That(t, err, test.ShouldBeNil)

	be.RequestUpdate()
	test.That(t, <-pub.started, test.ShouldEqual, 1)

	optimized := make(chan error, 1)
	go func() {
		_, err := be.Optimize(context.Background())
		optimized <- err
	}()
	// let Optimize block on the running pass
	time.Sleep(50 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		be.Stop()
		close(stopped)
	}()
	time.Sleep(50 * time.Millisecond)
	close(pub.release)
	<-stopped

	test.That(t, <-optimized, test.ShouldBeError, ErrBackendStopped)
	test.That(t, be.Passes(), test.ShouldEqual, 1)
	test.That(t, len(pub.started), test.ShouldEqual, 0)
}

func TestPublisherReadsCalibration(t *testing.T) {
	m, a, b := twoFrameMap(t)
	cam := simulation.DefaultCamera()
	addLandmark(m, cam, 1, r3.Vector{X: 0.2, Y: -0.1, Z: 5}, 5, a, b)

	cfg := NewDefaultConfig(cam)
	cfg.TimeDelayS = 0.01
	type calibration struct {
		extrinsic spatialmath.Pose
		timeDelay float64
	}
	seen := make(chan calibration, 10)
	var be *Backend
	be = newTestBackend(t, m, cfg, WithPublisher(PassPublisherFunc(func(PassReport) {
		seen <- calibration{be.Extrinsic(), be.TimeDelay()}
	})))

	be.RequestUpdate()
	select {
	case c := <-seen:
		test.That(t, spatialmath.PoseAlmostEqual(c.extrinsic, spatialmath.NewZeroPose()), test.ShouldBeTrue)
		test.That(t, c.timeDelay, test.ShouldEqual, 0.01)
	case <-time.After(5 * time.Second):
		t.Fatal("publisher reading the calibration never returned")
	}

	_, err := be.Optimize(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, (<-seen).timeDelay, test.ShouldEqual, 0.01)
}

func TestSerializeRequests(t *testing.T) {
	m := vmap.NewMap(10)
	pub := newBlockingPublisher()
	cfg := NewDefaultConfig(simulation.DefaultCamera())
	cfg.SerializeRequests = true
	be := newTestBackend(t, m, cfg, WithPublisher(pub))

	be.RequestUpdate()
	test.That(t, <-pub.started, test.ShouldEqual, 1)

	requested := make(chan struct{})
	go func() {
		be.RequestUpdate()
		close(requested)
	}()
	select {
	case <-requested:
		t.Fatal("RequestUpdate returned while a pass was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(pub.release)
	<-requested
	test.That(t, <-pub.started, test.ShouldEqual, 2)
}

func TestPanicInPassIsRecovered(t *testing.T) {
	m := vmap.NewMap(10)
	passes := make(chan uint64, 10)
	logger, logs := logging.NewObservedTestLogger(t)
	be, err := New(m, NewDefaultConfig(simulation.DefaultCamera()), logger, WithPublisher(PassPublisherFunc(func(r PassReport) {
		passes <- r.Pass
		if r.Pass == 1 {
			panic("viewer crashed")
		}
	})))
	test.That(t, err, test.ShouldBeNil)
	defer be.Stop()

	be.RequestUpdate()
	test.That(t, <-passes, test.ShouldEqual, 1)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, logs.FilterMessage("optimization pass panicked").Len(), test.ShouldEqual, 1)
	})
	be.RequestUpdate()
	test.That(t, <-passes, test.ShouldEqual, 2)
}

func TestConcurrentFrontEnd(t *testing.T) {
	scene, err := simulation.NewScene(simulation.Config{NumKeyFrames: 12, NumLandmarks: 40, PixelNoisePx: 0.5}, nil)
	test.That(t, err, test.ShouldBeNil)
	m := vmap.NewMap(5)
	reports := make(chan PassReport, 100)
	be := newTestBackend(t, m, NewDefaultConfig(scene.Camera), WithPublisher(PassPublisherFunc(func(r PassReport) {
		select {
		case reports <- r:
		default:
		}
	})))

	replayer := simulation.NewReplayer(scene, m)
	for !replayer.Done() {
		_, err := replayer.Step()
		test.That(t, err, test.ShouldBeNil)
		be.RequestUpdate()
	}
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, be.Passes(), test.ShouldBeGreaterThan, 0)
	})
	be.Stop()

	test.That(t, m.NumKeyFrames(), test.ShouldEqual, 5)
	for _, kf := range m.KeyFrames() {
		rm := kf.Pose().Orientation().RotationMatrix()
		test.That(t, rm.OrthonormalityError(), test.ShouldBeLessThan, 1e-9)
	}
	test.That(t, len(reports), test.ShouldEqual, int(be.Passes()))
}

func TestNewValidation(t *testing.T) {
	logger := logging.NewTestLogger(t)
	_, err := New(nil, NewDefaultConfig(simulation.DefaultCamera()), logger)
	test.That(t, err, test.ShouldNotBeNil)

	m := vmap.NewMap(10)
	_, err = New(m, nil, logger)
	test.That(t, err, test.ShouldNotBeNil)

	_, err = New(m, &Config{}, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "camera")

	// a camera option makes the config's camera optional
	be, err := New(m, &Config{}, logger, WithCamera(simulation.DefaultCamera()))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, be.cfg.MaxIterations, test.ShouldEqual, defaultMaxIterations)
	be.Stop()

	_, err = New(m, &Config{HuberScale: -1}, logger, WithCamera(simulation.DefaultCamera()))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "huber_scale")
}

func TestLogConfiguration(t *testing.T) {
	m := vmap.NewMap(10)
	cfg := NewDefaultConfig(simulation.DefaultCamera())
	cfg.LogConfiguration = []logging.LoggerPatternConfig{{Pattern: "backend.solver", Level: "error"}}
	be := newTestBackend(t, m, cfg)
	test.That(t, be.solverLogger.GetLevel(), test.ShouldEqual, logging.ERROR)
	test.That(t, be.logger.GetLevel(), test.ShouldNotEqual, logging.ERROR)

	test.That(t, be.UpdateLogConfiguration(nil), test.ShouldBeNil)
	test.That(t, be.solverLogger.GetLevel(), test.ShouldEqual, be.logger.GetLevel())
	test.That(t, be.UpdateLogConfiguration([]logging.LoggerPatternConfig{{Pattern: "backend", Level: "loud"}}),
		test.ShouldNotBeNil)
}
