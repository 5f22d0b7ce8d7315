package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"go.viam.com/gvins/logging"
	"go.viam.com/gvins/slam/backend"
	"go.viam.com/gvins/slam/simulation"
	"go.viam.com/gvins/slam/vmap"
)

type replayOptions struct {
	ConfigPath   string
	KeyFrames    int
	Landmarks    int
	Window       int
	Seed         int64
	PixelNoisePx float64
	Sync         bool
	PlotPath     string
}

type replayResult struct {
	Reports              []backend.PassReport
	Passes               int
	InitialReprojection  float64
	FinalReprojection    float64
	MeanPositionErrorM   float64
	MedianLandmarkErrorM float64
	Outliers             int
}

func replayAction(c *cli.Context) error {
	level := logging.INFO
	if c.Bool(flagDebug) {
		level = logging.DEBUG
	}
	logger := logging.NewLogger("ba_replay")
	logger.SetLevel(level)
	logging.ReplaceGlobal(logger)

	opts := replayOptions{
		ConfigPath:   c.String(flagConfig),
		KeyFrames:    c.Int(flagKeyFrames),
		Landmarks:    c.Int(flagLandmarks),
		Window:       c.Int(flagWindow),
		Seed:         c.Int64(flagSeed),
		PixelNoisePx: c.Float64(flagPixelNoise),
		Sync:         c.Bool(flagSync),
		PlotPath:     c.String(flagPlot),
	}
	_, err := runReplay(c.Context, opts, c.App.Writer, logger)
	return err
}

func loadConfig(path string) (*backend.Config, error) {
	if path == "" {
		return backend.NewDefaultConfig(simulation.DefaultCamera()), nil
	}
	cfg, err := backend.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if cfg.Camera == nil {
		cfg.Camera = simulation.DefaultCamera()
	}
	return cfg, nil
}

func runReplay(ctx context.Context, opts replayOptions, w io.Writer, logger logging.Logger) (replayResult, error) {
	var result replayResult
	if opts.Window <= 0 {
		return result, errors.Errorf("window must be positive, got %d", opts.Window)
	}
	cfg, err := loadConfig(opts.ConfigPath)
	if err != nil {
		return result, err
	}

	sceneCfg := simulation.DefaultConfig()
	sceneCfg.NumKeyFrames = opts.KeyFrames
	sceneCfg.NumLandmarks = opts.Landmarks
	sceneCfg.Seed = opts.Seed
	sceneCfg.PixelNoisePx = opts.PixelNoisePx
	scene, err := simulation.NewScene(sceneCfg, cfg.Camera)
	if err != nil {
		return result, err
	}

	m := vmap.NewMap(opts.Window)
	var mu sync.Mutex
	printReport := backend.PassPublisherFunc(func(r backend.PassReport) {
		mu.Lock()
		defer mu.Unlock()
		result.Passes++
		result.Reports = append(result.Reports, r)
		if r.Skipped {
			fmt.Fprintf(w, "pass %d: skipped, no landmarks\n", r.Pass)
			return
		}
		fmt.Fprintf(w, "pass %d: %d keyframes, %d landmarks, %d residuals, %d iterations, %s, error %.3f px -> %.3f px (median %.3f), %v\n",
			r.Pass, r.KeyFrames, r.Landmarks, r.Residuals, r.Summary.Iterations, r.Summary.Termination,
			r.InitialError.Mean, r.FinalError.Mean, r.FinalError.Median, r.Duration)
	})

	be, err := backend.New(m, cfg, logger, backend.WithPublisher(printReport))
	if err != nil {
		return result, err
	}
	defer be.Stop()

	replayer := simulation.NewReplayer(scene, m)
	for !replayer.Done() {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if _, err := replayer.Step(); err != nil {
			return result, err
		}
		if opts.Sync {
			if _, err := be.Optimize(ctx); err != nil {
				return result, err
			}
			continue
		}
		be.RequestUpdate()
	}
	// settle on the final window
	if !opts.Sync {
		result.InitialReprojection = scene.MeanReprojectionError(m)
		if _, err := be.Optimize(ctx); err != nil {
			return result, err
		}
	}
	be.Stop()

	mu.Lock()
	defer mu.Unlock()
	result.FinalReprojection = scene.MeanReprojectionError(m)

	var positionErrs []float64
	for _, kf := range m.KeyFrames() {
		positionErrs = append(positionErrs, scene.PositionError(kf))
	}
	var landmarkErrs []float64
	for _, mp := range m.Landmarks() {
		if mp.IsOutlier() {
			result.Outliers++
			continue
		}
		landmarkErrs = append(landmarkErrs, scene.LandmarkError(mp))
	}
	// stats only fails on empty input, which leaves the zero value
	result.MeanPositionErrorM, _ = stats.Mean(positionErrs)
	result.MedianLandmarkErrorM, _ = stats.Median(landmarkErrs)
	if math.IsNaN(result.MedianLandmarkErrorM) {
		result.MedianLandmarkErrorM = 0
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, renderSummary(result, opts))
	if opts.PlotPath != "" {
		if err := writeErrorPlot(opts.PlotPath, result.Reports); err != nil {
			return result, err
		}
	}
	return result, nil
}

// renderSummary returns a table of the run's final errors.
func renderSummary(result replayResult, opts replayOptions) string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Metric", "Value"})
	t.AppendRow(table.Row{"passes", fmt.Sprintf("%d over %d keyframes", result.Passes, opts.KeyFrames)})
	if !opts.Sync {
		t.AppendRow(table.Row{"reprojection error before final pass", fmt.Sprintf("%.3f px", result.InitialReprojection)})
	}
	t.AppendRow(table.Row{"final reprojection error", fmt.Sprintf("%.3f px", result.FinalReprojection)})
	t.AppendRow(table.Row{"mean keyframe position error", fmt.Sprintf("%.3f m", result.MeanPositionErrorM)})
	t.AppendRow(table.Row{"median landmark error", fmt.Sprintf("%.3f m", result.MedianLandmarkErrorM)})
	t.AppendRow(table.Row{"outliers", result.Outliers})
	return t.Render()
}
