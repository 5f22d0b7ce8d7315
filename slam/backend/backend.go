// Package backend implements the asynchronous sliding window bundle adjustment backend. A
// front end inserts keyframes and landmarks into a map and calls RequestUpdate; a single
// worker goroutine then snapshots the window, jointly refines keyframe poses and landmark
// inverse depths against their reprojection residuals, and writes the result back.
package backend

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	goutils "go.viam.com/utils"

	"go.viam.com/gvins/logging"
	"go.viam.com/gvins/slam/solver"
	"go.viam.com/gvins/spatialmath"
)

// ErrBackendStopped is returned by Optimize after Stop.
var ErrBackendStopped = errors.New("backend stopped")

// Option customizes a Backend.
type Option func(*Backend)

// WithCamera overrides the camera built from the config's intrinsics. The config's camera is
// then optional.
func WithCamera(camera CameraModel) Option {
	return func(b *Backend) {
		b.camera = camera
	}
}

// WithClock sets the clock used to time passes.
func WithClock(clk clock.Clock) Option {
	return func(b *Backend) {
		b.clock = clk
	}
}

// WithPublisher registers a publisher called after every pass.
func WithPublisher(publisher PassPublisher) Option {
	return func(b *Backend) {
		b.publisher = publisher
	}
}

// Backend runs optimization passes over a MapSource in the background.
type Backend struct {
	cfg       Config
	source    MapSource
	camera    CameraModel
	clock     clock.Clock
	publisher PassPublisher

	loggers      *logging.Registry
	logger       logging.Logger
	solverLogger logging.Logger

	// passMu is held for the whole of a pass. Only a pass writes the calibration below, and it
	// also holds calibMu while doing so.
	passMu    sync.Mutex
	calibMu   sync.RWMutex
	extrinsic spatialmath.Pose
	timeDelay float64

	pending chan struct{}
	stopped atomic.Bool
	passes  atomic.Uint64
	workers *goutils.StoppableWorkers
}

// New validates the config and starts the backend worker.
func New(source MapSource, cfg *Config, logger logging.Logger, opts ...Option) (*Backend, error) {
	if source == nil {
		return nil, errors.New("backend needs a map source")
	}
	if cfg == nil {
		return nil, errors.New("backend needs a config")
	}
	b := &Backend{
		cfg:     *cfg,
		source:  source,
		pending: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(b)
	}

	if b.camera == nil || b.cfg.Camera != nil {
		if err := b.cfg.Validate("backend"); err != nil {
			return nil, err
		}
	} else if err := b.cfg.validateTunables("backend"); err != nil {
		return nil, err
	}
	if b.camera == nil {
		b.camera = b.cfg.Camera
	}
	b.cfg.applyDefaults()
	if b.clock == nil {
		b.clock = clock.New()
	}

	b.loggers = logging.NewRegistry()
	b.logger = b.loggers.GetOrRegister("backend", logger.Sublogger("backend"))
	b.solverLogger = b.loggers.GetOrRegister("backend.solver", b.logger.Sublogger("solver"))
	if err := b.loggers.UpdateConfig(b.cfg.LogConfiguration, logger); err != nil {
		return nil, err
	}

	b.extrinsic = b.cfg.Extrinsic.Pose()
	b.timeDelay = b.cfg.TimeDelayS

	b.workers = goutils.NewBackgroundStoppableWorkers(b.run)
	return b, nil
}

// UpdateLogConfiguration changes the levels of the backend's loggers.
func (b *Backend) UpdateLogConfiguration(cfg []logging.LoggerPatternConfig) error {
	return b.loggers.UpdateConfig(cfg, b.logger)
}

// RequestUpdate asks for an optimization pass. Requests made while a pass is pending or running
// coalesce into one further pass. It does not block unless the backend serializes requests, in
// which case it waits for the running pass to finish. It does nothing after Stop.
func (b *Backend) RequestUpdate() {
	if b.stopped.Load() {
		return
	}
	if b.cfg.SerializeRequests {
		b.passMu.Lock()
		defer b.passMu.Unlock()
	}
	select {
	case b.pending <- struct{}{}:
	default:
	}
}

// Stop stops the worker and waits for it to exit. A pass in flight runs to completion. Calling
// Stop more than once is harmless.
func (b *Backend) Stop() {
	b.stopped.Store(true)
	b.workers.Stop()
}

// Optimize runs one pass on the calling goroutine. It returns ErrBackendStopped if Stop was
// called before the pass could start.
func (b *Backend) Optimize(ctx context.Context) (PassReport, error) {
	if b.stopped.Load() {
		return PassReport{}, ErrBackendStopped
	}
	b.passMu.Lock()
	defer b.passMu.Unlock()
	if b.stopped.Load() {
		return PassReport{}, ErrBackendStopped
	}
	return b.pass(ctx), nil
}

// Passes returns how many passes have run, including skipped ones.
func (b *Backend) Passes() uint64 {
	return b.passes.Load()
}

// Extrinsic returns the current camera to body extrinsic. It may be called from a PassPublisher.
func (b *Backend) Extrinsic() spatialmath.Pose {
	b.calibMu.RLock()
	defer b.calibMu.RUnlock()
	return b.extrinsic
}

// TimeDelay returns the current time delay estimate in seconds. It may be called from a
// PassPublisher.
func (b *Backend) TimeDelay() float64 {
	b.calibMu.RLock()
	defer b.calibMu.RUnlock()
	return b.timeDelay
}

func (b *Backend) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.pending:
		}
		// a stop that raced with a pending request wins
		if ctx.Err() != nil {
			return
		}
		b.runPass(context.WithoutCancel(ctx))
	}
}

func (b *Backend) runPass(ctx context.Context) {
	b.passMu.Lock()
	defer b.passMu.Unlock()
	// a stop that raced with taking the lock wins
	if b.stopped.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorw("optimization pass panicked", "panic", r)
		}
	}()
	b.pass(ctx)
}

// pass runs one optimization pass. Callers hold passMu.
func (b *Backend) pass(ctx context.Context) (report PassReport) {
	start := b.clock.Now()
	report.Pass = b.passes.Inc()
	defer func() {
		report.Duration = b.clock.Since(start)
		b.logger.Debugw("optimization pass",
			"pass", report.Pass,
			"skipped", report.Skipped,
			"committed", report.Committed,
			"keyframes", report.KeyFrames,
			"landmarks", report.Landmarks,
			"residuals", report.Residuals,
			"dropped_residuals", report.DroppedResiduals,
			"new_outliers", report.NewOutliers,
			"rejected", report.RejectedLandmarks,
			"initial_error_px", report.InitialError.Mean,
			"final_error_px", report.FinalError.Mean,
			"duration", report.Duration,
		)
		if b.publisher != nil {
			b.publisher.PublishPass(report)
		}
	}()

	keyFrames := b.source.KeyFrames()
	landmarks := b.source.Landmarks()
	report.KeyFrames = len(keyFrames)

	wp := b.buildProblem(keyFrames, landmarks)
	if wp == nil {
		report.Skipped = true
		return report
	}
	report.Landmarks = len(wp.landmarks)
	report.Residuals = len(wp.obs)
	report.DroppedResiduals = wp.droppedResiduals
	report.InitialError = newErrorStats(wp.pixelErrors())

	report.Summary = solver.Solve(ctx, solver.Options{
		MaxNumIterations: b.cfg.MaxIterations,
		LinearSolverType: b.cfg.LinearSolver,
		Logger:           b.solverLogger,
		Clock:            b.clock,
	}, wp.problem)
	b.solverLogger.Debug(report.Summary.BriefReport())
	report.FinalError = newErrorStats(wp.pixelErrors())

	report.Committed = b.commit(wp, &report.Summary)
	if report.Committed {
		report.RejectedLandmarks = b.rejectOutliers(wp)
	}
	report.NewOutliers = wp.newOutliers
	return report
}
