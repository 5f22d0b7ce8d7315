package backend

import (
	"encoding/json"
	"math"
	"os"
	"slices"

	"github.com/go-viper/mapstructure/v2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/gvins/logging"
	"go.viam.com/gvins/rimage/transform"
	"go.viam.com/gvins/slam/factors"
	"go.viam.com/gvins/slam/solver"
	"go.viam.com/gvins/slam/vmap"
	"go.viam.com/gvins/spatialmath"
)

// CommitPolicy decides whether a pass writes its solution back to the map.
type CommitPolicy string

const (
	// CommitAlways writes the solution back whatever the solver's termination.
	CommitAlways = CommitPolicy("always")
	// CommitUsable skips the write back when the solver reports an unusable solution.
	CommitUsable = CommitPolicy("usable")
)

const (
	defaultMaxIterations = 20
	defaultHuberScale    = 1.0
)

// ExtrinsicConfig is the camera to body transform.
type ExtrinsicConfig struct {
	TranslationM   [3]float64 `json:"translation_m"`
	QuaternionWXYZ [4]float64 `json:"quaternion_wxyz"`
}

// Pose returns the extrinsic as a pose. An all zero quaternion means no rotation.
func (e *ExtrinsicConfig) Pose() spatialmath.Pose {
	if e == nil {
		return spatialmath.NewZeroPose()
	}
	q := quat.Number{Real: e.QuaternionWXYZ[0], Imag: e.QuaternionWXYZ[1], Jmag: e.QuaternionWXYZ[2], Kmag: e.QuaternionWXYZ[3]}
	return spatialmath.NewPose(
		r3.Vector{X: e.TranslationM[0], Y: e.TranslationM[1], Z: e.TranslationM[2]},
		spatialmath.NewQuaternion(q),
	)
}

// Config configures the bundle adjustment backend.
type Config struct {
	Camera                 *transform.PinholeCameraModel `json:"camera"`
	MaxIterations          int                           `json:"max_iterations,omitempty"`
	HuberScale             float64                       `json:"huber_scale,omitempty"`
	ReprojectionStdPx      float64                       `json:"reprojection_std_px,omitempty"`
	DefaultDepthM          float64                       `json:"default_depth_m,omitempty"`
	Extrinsic              *ExtrinsicConfig              `json:"extrinsic,omitempty"`
	TimeDelayS             float64                       `json:"time_delay_s,omitempty"`
	EstimateExtrinsic      bool                          `json:"estimate_extrinsic,omitempty"`
	EstimateTimeDelay      bool                          `json:"estimate_time_delay,omitempty"`
	CommitPolicy           CommitPolicy                  `json:"commit_policy,omitempty"`
	SerializeRequests      bool                          `json:"serialize_requests,omitempty"`
	MinReprojectionErrorPx float64                       `json:"min_reprojection_error_px,omitempty"`
	LinearSolver           solver.LinearSolverType       `json:"linear_solver,omitempty"`
	LogConfiguration       []logging.LoggerPatternConfig `json:"log_configuration,omitempty"`
}

// NewDefaultConfig returns a config for the given camera with every other field at its default.
func NewDefaultConfig(camera *transform.PinholeCameraModel) *Config {
	cfg := &Config{Camera: camera}
	cfg.applyDefaults()
	return cfg
}

func (cfg *Config) applyDefaults() {
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.HuberScale == 0 {
		cfg.HuberScale = defaultHuberScale
	}
	if cfg.ReprojectionStdPx == 0 {
		cfg.ReprojectionStdPx = factors.DefaultReprojectionStd
	}
	if cfg.DefaultDepthM == 0 {
		cfg.DefaultDepthM = vmap.DefaultDepth
	}
	if cfg.CommitPolicy == "" {
		cfg.CommitPolicy = CommitAlways
	}
	if cfg.LinearSolver == "" {
		cfg.LinearSolver = solver.SparseNormalCholesky
	}
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	if cfg.Camera == nil || cfg.Camera.PinholeCameraIntrinsics == nil {
		return goutils.NewConfigValidationFieldRequiredError(path, "camera")
	}

	var errs error
	if err := cfg.Camera.CheckValid(); err != nil {
		errs = multierr.Append(errs, goutils.NewConfigValidationError(path, errors.Wrap(err, "camera")))
	}
	return multierr.Append(errs, cfg.validateTunables(path))
}

func (cfg *Config) validateTunables(path string) error {
	var errs error
	nonNegative := map[string]float64{
		"max_iterations":            float64(cfg.MaxIterations),
		"huber_scale":               cfg.HuberScale,
		"reprojection_std_px":       cfg.ReprojectionStdPx,
		"default_depth_m":           cfg.DefaultDepthM,
		"min_reprojection_error_px": cfg.MinReprojectionErrorPx,
	}
	names := make([]string, 0, len(nonNegative))
	for name := range nonNegative {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if v := nonNegative[name]; v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			errs = multierr.Append(errs, goutils.NewConfigValidationError(path,
				errors.Errorf("%s must be a finite non-negative number, got %v", name, v)))
		}
	}
	if math.IsNaN(cfg.TimeDelayS) || math.IsInf(cfg.TimeDelayS, 0) {
		errs = multierr.Append(errs, goutils.NewConfigValidationError(path, errors.New("time_delay_s must be finite")))
	}
	if cfg.Extrinsic != nil {
		for _, v := range append(cfg.Extrinsic.TranslationM[:], cfg.Extrinsic.QuaternionWXYZ[:]...) {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				errs = multierr.Append(errs, goutils.NewConfigValidationError(path, errors.New("extrinsic must be finite")))
				break
			}
		}
	}
	switch cfg.CommitPolicy {
	case "", CommitAlways, CommitUsable:
	default:
		errs = multierr.Append(errs, goutils.NewConfigValidationError(path,
			errors.Errorf("unknown commit_policy %q, expected %q or %q", cfg.CommitPolicy, CommitAlways, CommitUsable)))
	}
	switch cfg.LinearSolver {
	case "", solver.SparseNormalCholesky, solver.DenseNormalCholesky:
	default:
		errs = multierr.Append(errs, goutils.NewConfigValidationError(path,
			errors.Errorf("unknown linear_solver %q", cfg.LinearSolver)))
	}
	return errs
}

// NewConfigFromAttributes decodes a config from an attribute map. It returns the keys that did
// not correspond to any config field.
func NewConfigFromAttributes(attributes map[string]interface{}) (*Config, []string, error) {
	var conf Config
	var md mapstructure.Metadata
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:  "json",
		Result:   &conf,
		Metadata: &md,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := decoder.Decode(attributes); err != nil {
		return nil, nil, errors.Wrap(err, "error decoding backend config")
	}
	unused := slices.Clone(md.Unused)
	slices.Sort(unused)
	return &conf, unused, nil
}

// LoadConfig reads a JSON config file. Unknown keys are an error.
func LoadConfig(path string) (*Config, error) {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "error reading config file")
	}
	var attributes map[string]interface{}
	if err := json.Unmarshal(data, &attributes); err != nil {
		return nil, errors.Wrap(err, "error parsing config file")
	}
	conf, unused, err := NewConfigFromAttributes(attributes)
	if err != nil {
		return nil, err
	}
	if len(unused) > 0 {
		return nil, errors.Errorf("unknown config keys %v", unused)
	}
	return conf, nil
}
