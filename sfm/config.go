package sfm

import (
	"encoding/json"
	"io"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"go.viam.com/sfm/ransac"
)

// Config holds every tunable of a reconstruction. Thresholds in pixels are compared against
// reprojection errors; the essential matrix threshold is in normalized image units.
type Config struct {
	EssentialRANSAC ransac.Config `json:"essential_ransac"`
	PnPRANSAC       ransac.Config `json:"pnp_ransac"`

	// ReprojectionThreshold is the error below which an observation is kept, in pixels.
	ReprojectionThreshold float64 `json:"reprojection_threshold_px"`
	// HuberDelta is the error at which the pose refinement loss turns linear, in pixels.
	HuberDelta          float64 `json:"huber_delta_px"`
	RefineMaxIterations int     `json:"refine_max_iterations"`

	// FocalMin and FocalMax bound the focal length during bundle adjustment. When both are zero
	// the bounds are [f/FocalRange, f*FocalRange] around the focal length f of the scene.
	FocalMin            float64 `json:"focal_min"`
	FocalMax            float64 `json:"focal_max"`
	FocalRange          float64 `json:"focal_range"`
	BundleTolerance     float64 `json:"bundle_tolerance"`
	BundleMaxIterations int     `json:"bundle_max_iterations"`
	// BundleEvery runs bundle adjustment after every BundleEvery registrations. Zero disables it.
	BundleEvery int  `json:"bundle_every"`
	FinalBundle bool `json:"final_bundle"`

	// SeedPair fixes the two-view seed. When nil the pair with the most matches is used.
	SeedPair           *[2]int `json:"seed_pair,omitempty"`
	MinCorrespondences int     `json:"min_correspondences"`
	MinInlierRatio     float64 `json:"min_inlier_ratio"`
}

// DefaultConfig returns the default reconstruction settings.
func DefaultConfig() *Config {
	return &Config{
		EssentialRANSAC:       ransac.Config{Threshold: 2e-4, Iterations: 15000, Seed: 1},
		PnPRANSAC:             ransac.Config{Threshold: 25, Iterations: 25000, Seed: 1},
		ReprojectionThreshold: 5,
		HuberDelta:            1,
		RefineMaxIterations:   100,
		FocalRange:            2,
		BundleTolerance:       1e-5,
		BundleMaxIterations:   100,
		FinalBundle:           true,
		MinCorrespondences:    6,
		MinInlierRatio:        0.3,
	}
}

// LoadConfig reads a JSON config file over the defaults.
func LoadConfig(path string) (*Config, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open config %q", path)
	}
	defer goutils.UncheckedErrorFunc(f.Close)
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read config %q", path)
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "cannot parse config %q", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config %q", path)
	}
	return cfg, nil
}

// Validate returns every problem with the config.
func (cfg *Config) Validate() error {
	var err error
	if e := cfg.EssentialRANSAC.Validate(); e != nil {
		err = multierr.Append(err, errors.Wrap(e, "essential_ransac"))
	}
	if e := cfg.PnPRANSAC.Validate(); e != nil {
		err = multierr.Append(err, errors.Wrap(e, "pnp_ransac"))
	}
	if cfg.ReprojectionThreshold <= 0 {
		err = multierr.Append(err, errors.Errorf("reprojection_threshold_px must be positive, got %v",
			cfg.ReprojectionThreshold))
	}
	if cfg.HuberDelta <= 0 {
		err = multierr.Append(err, errors.Errorf("huber_delta_px must be positive, got %v", cfg.HuberDelta))
	}
	if cfg.RefineMaxIterations <= 0 {
		err = multierr.Append(err, errors.Errorf("refine_max_iterations must be positive, got %d",
			cfg.RefineMaxIterations))
	}
	switch {
	case cfg.FocalMin == 0 && cfg.FocalMax == 0:
		if cfg.FocalRange <= 1 {
			err = multierr.Append(err, errors.Errorf("focal_range must be above 1, got %v", cfg.FocalRange))
		}
	case cfg.FocalMin <= 0 || cfg.FocalMax <= cfg.FocalMin:
		err = multierr.Append(err, errors.Errorf("focal bounds must satisfy 0 < focal_min < focal_max, got [%v, %v]",
			cfg.FocalMin, cfg.FocalMax))
	}
	if cfg.BundleTolerance <= 0 {
		err = multierr.Append(err, errors.Errorf("bundle_tolerance must be positive, got %v", cfg.BundleTolerance))
	}
	if cfg.BundleMaxIterations <= 0 {
		err = multierr.Append(err, errors.Errorf("bundle_max_iterations must be positive, got %d",
			cfg.BundleMaxIterations))
	}
	if cfg.BundleEvery < 0 {
		err = multierr.Append(err, errors.Errorf("bundle_every cannot be negative, got %d", cfg.BundleEvery))
	}
	if cfg.SeedPair != nil && cfg.SeedPair[0] == cfg.SeedPair[1] {
		err = multierr.Append(err, errors.Errorf("seed_pair must name two different images, got %v", *cfg.SeedPair))
	}
	if cfg.MinCorrespondences < 6 {
		err = multierr.Append(err, errors.Errorf("min_correspondences must be at least 6, got %d",
			cfg.MinCorrespondences))
	}
	if cfg.MinInlierRatio < 0 || cfg.MinInlierRatio > 1 {
		err = multierr.Append(err, errors.Errorf("min_inlier_ratio must be in [0, 1], got %v", cfg.MinInlierRatio))
	}
	return err
}

// FocalBounds returns the bundle adjustment bounds of a focal length starting at focal.
func (cfg *Config) FocalBounds(focal float64) (float64, float64) {
	if cfg.FocalMin == 0 && cfg.FocalMax == 0 {
		return focal / cfg.FocalRange, focal * cfg.FocalRange
	}
	return cfg.FocalMin, cfg.FocalMax
}
