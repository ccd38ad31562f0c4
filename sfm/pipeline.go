package sfm

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/sfm/logging"
	"go.viam.com/sfm/scene"
)

// Stage names a step of the reconstruction.
type Stage string

// The stages of a reconstruction.
const (
	StageTwoView  Stage = "two-view"
	StageRegister Stage = "register"
	StageBundle   Stage = "bundle-adjust"
)

// StageReport is the outcome of one stage. Camera is -1 for stages that do not concern one camera.
type StageReport struct {
	Stage     Stage
	Camera    int
	Inliers   int
	Total     int
	MeanError float64
	Status    string
	Warning   string
	Err       error
}

// InlierRatio is Inliers over Total.
func (sr StageReport) InlierRatio() float64 {
	if sr.Total == 0 {
		return 0
	}
	return float64(sr.Inliers) / float64(sr.Total)
}

// Report is the outcome of Reconstruct.
type Report struct {
	Stages []StageReport
	// Registered lists the registered cameras in ascending order, Unregistered the others.
	Registered   []int
	Unregistered []int
	Points       int
}

// Warnings returns the stages that raised a warning or failed.
func (r *Report) Warnings() []StageReport {
	return lo.Filter(r.Stages, func(sr StageReport, _ int) bool { return sr.Warning != "" || sr.Err != nil })
}

// Reconstruct runs a full reconstruction on a scene whose matches are set. The seed pair is
// initialized from the essential matrix, then the unregistered camera with the most 2D-3D
// correspondences is registered until none has at least MinCorrespondences. Cameras whose
// registration fails are reported and skipped. Only a failure of the seed pair aborts.
func Reconstruct(ctx context.Context, s *scene.Scene, cfg *Config, logger logging.Logger) (*Report, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	report := &Report{}
	left, right, err := seedPair(s, cfg)
	if err != nil {
		return nil, err
	}
	logger.Infow("starting reconstruction", "images", s.NumImages(), "seed", []int{left, right})

	tv, err := InitializeTwoView(ctx, s, left, right, cfg, logger.Sublogger("twoview"))
	if err != nil {
		return nil, errors.Wrapf(err, "initializing from pair (%d, %d)", left, right)
	}
	report.add(StageReport{
		Stage:     StageTwoView,
		Camera:    right,
		Inliers:   tv.Inliers,
		Total:     tv.Total,
		MeanError: tv.MeanError,
		Status:    fmt.Sprintf("%d points", tv.Points),
	}, cfg.MinInlierRatio, logger)

	registrar := logger.Sublogger("registrar")
	bundler := logger.Sublogger("bundle")
	failed := map[int]bool{}
	registered := 2
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		cam, n, ok := nextBestView(s, failed)
		if !ok || n < cfg.MinCorrespondences {
			break
		}
		reg, err := RegisterCamera(ctx, s, cam, cfg, registrar)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return report, ctxErr
			}
			if s.IsRegistered(cam) {
				// the scene was written to, it cannot be rolled back
				return report, errors.Wrapf(err, "registering camera %d", cam)
			}
			failed[cam] = true
			registrar.Warnw("camera registration failed", "camera", cam, "error", err)
			report.Stages = append(report.Stages, StageReport{Stage: StageRegister, Camera: cam, Total: n, Err: err})
			continue
		}
		report.add(StageReport{
			Stage:     StageRegister,
			Camera:    cam,
			Inliers:   reg.Inliers,
			Total:     reg.Correspondences,
			MeanError: reg.RefinedError,
			Status:    reg.RefineStatus.String(),
		}, cfg.MinInlierRatio, registrar)
		registered++

		if cfg.BundleEvery > 0 && registered%cfg.BundleEvery == 0 {
			if err := report.bundle(ctx, s, cfg, bundler); err != nil {
				return report, err
			}
		}
	}
	if cfg.FinalBundle {
		if err := report.bundle(ctx, s, cfg, bundler); err != nil {
			return report, err
		}
	}

	report.Registered = s.RegisteredCameras()
	for cam := 0; cam < s.NumImages(); cam++ {
		if !s.IsRegistered(cam) {
			report.Unregistered = append(report.Unregistered, cam)
		}
	}
	if len(report.Unregistered) > 0 {
		logger.Warnw("cameras left unregistered", "cameras", report.Unregistered)
	}
	report.Points = s.NumPoints()
	logger.Infow("reconstruction done", "registered", len(report.Registered), "points", report.Points)
	return report, nil
}

func (r *Report) add(sr StageReport, minRatio float64, logger logging.Logger) {
	if ratio := sr.InlierRatio(); ratio < minRatio {
		sr.Warning = fmt.Sprintf("inlier ratio %.2f is below %.2f, consider another RANSAC seed", ratio, minRatio)
		logger.Warnw("low inlier ratio", "stage", sr.Stage, "camera", sr.Camera, "ratio", ratio)
	}
	r.Stages = append(r.Stages, sr)
}

func (r *Report) bundle(ctx context.Context, s *scene.Scene, cfg *Config, logger logging.Logger) error {
	br, err := BundleAdjust(ctx, s, cfg, logger)
	if err != nil {
		return err
	}
	r.Stages = append(r.Stages, StageReport{
		Stage:     StageBundle,
		Camera:    -1,
		Inliers:   br.Observations,
		Total:     br.Observations,
		MeanError: br.FinalRMSE,
		Status:    br.Status.String(),
	})
	return nil
}

// seedPair returns the configured seed pair, or else the pair with the most matches.
func seedPair(s *scene.Scene, cfg *Config) (int, int, error) {
	if cfg.SeedPair != nil {
		return cfg.SeedPair[0], cfg.SeedPair[1], nil
	}
	pairs := s.MatchedPairs()
	if len(pairs) == 0 {
		return 0, 0, errors.Wrap(ErrInsufficientCorrespondences, "scene has no matched image pair")
	}
	best := lo.MaxBy(pairs, func(a, b scene.ImagePair) bool {
		return len(s.Matches(a.I, a.J)) > len(s.Matches(b.I, b.J))
	})
	return best.I, best.J, nil
}

// nextBestView returns the unregistered camera with the most 2D-3D correspondences, lowest id first
// on ties, skipping cameras in exclude.
func nextBestView(s *scene.Scene, exclude map[int]bool) (int, int, bool) {
	bestCam, bestN := -1, -1
	for cam := 0; cam < s.NumImages(); cam++ {
		if s.IsRegistered(cam) || exclude[cam] {
			continue
		}
		if n := len(s.Correspondences2D3D(cam)); n > bestN {
			bestCam, bestN = cam, n
		}
	}
	return bestCam, bestN, bestCam >= 0
}
