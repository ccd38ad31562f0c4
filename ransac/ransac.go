// Package ransac implements random sample consensus over any model type.
package ransac

import (
	"context"
	"math/rand"

	"github.com/pkg/errors"

	"go.viam.com/sfm/logging"
)

var (
	// ErrInsufficientData is returned when there are fewer data than the minimal sample size.
	ErrInsufficientData = errors.New("not enough data for a minimal sample")
	// ErrNoConsensus is returned when no hypothesis gathers at least a minimal sample of inliers.
	ErrNoConsensus = errors.New("no consensus found")
)

// Estimator fits models to subsets of a data set indexed 0..n-1 and measures each datum against a model.
type Estimator[M any] interface {
	// SampleSize is the number of data the minimal solver needs.
	SampleSize() int
	// Fit fits a model to the data at indices. It is called with minimal samples and with inlier sets.
	Fit(indices []int) (M, error)
	// Residual is the distance of datum i to the model.
	Residual(model M, i int) float64
}

// Config controls a RANSAC run.
type Config struct {
	// Threshold is the residual below which a datum is an inlier.
	Threshold float64 `json:"threshold"`
	// Iterations is the number of minimal samples drawn. There is no adaptive early stop.
	Iterations int `json:"iterations"`
	// Seed makes the sample sequence reproducible.
	Seed int64 `json:"seed"`
}

// Validate checks the config values.
func (cfg Config) Validate() error {
	if cfg.Threshold <= 0 {
		return errors.Errorf("ransac threshold must be positive, got %v", cfg.Threshold)
	}
	if cfg.Iterations <= 0 {
		return errors.Errorf("ransac iterations must be positive, got %d", cfg.Iterations)
	}
	return nil
}

// Result is the best hypothesis found.
type Result[M any] struct {
	Model M
	// Inliers are the indices of the data below threshold for Model, in ascending order.
	Inliers []int
	// MeanError is the mean residual over Inliers.
	MeanError float64
	// Iterations is the number of samples drawn.
	Iterations int
}

// InlierRatio returns the fraction of the n data that are inliers.
func (r *Result[M]) InlierRatio(n int) float64 {
	if n == 0 {
		return 0
	}
	return float64(len(r.Inliers)) / float64(n)
}

// contextCheckInterval is how many iterations run between checks of the context.
const contextCheckInterval = 256

// Run draws cfg.Iterations minimal samples and keeps the model with the most inliers. Whenever a
// sample improves on the best inlier count, the model is refit on all of that sample's inliers and
// the refit is scored again on the full data; it replaces the sample's model only if it keeps at
// least as many inliers. Samples whose fit fails score zero.
func Run[M any](ctx context.Context, est Estimator[M], n int, cfg Config, logger logging.Logger) (*Result[M], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := est.SampleSize()
	if n < m {
		return nil, errors.Wrapf(ErrInsufficientData, "need %d, have %d", m, n)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	sample := make([]int, m)

	var best *Result[M]
	for iter := 0; iter < cfg.Iterations; iter++ {
		if iter%contextCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		drawSample(rng, perm, sample)
		best = step(est, n, cfg.Threshold, sample, best, iter, logger)
	}

	if best == nil || len(best.Inliers) < m {
		return nil, errors.Wrapf(ErrNoConsensus, "best hypothesis has fewer than %d inliers after %d iterations",
			m, cfg.Iterations)
	}
	best.Iterations = cfg.Iterations
	return best, nil
}

// step folds one sample into the best-so-far accumulator and returns the new accumulator.
func step[M any](est Estimator[M], n int, threshold float64, sample []int, best *Result[M], iter int,
	logger logging.Logger,
) *Result[M] {
	model, err := est.Fit(sample)
	if err != nil {
		return best
	}
	inliers, meanErr := score(est, model, n, threshold)
	if best != nil && len(inliers) <= len(best.Inliers) {
		return best
	}
	if len(inliers) == 0 {
		return best
	}
	candidate := &Result[M]{Model: model, Inliers: inliers, MeanError: meanErr}
	if len(inliers) >= est.SampleSize() {
		if refit, err := est.Fit(inliers); err == nil {
			refitInliers, refitErr := score(est, refit, n, threshold)
			if len(refitInliers) >= len(inliers) {
				candidate = &Result[M]{Model: refit, Inliers: refitInliers, MeanError: refitErr}
			}
		}
	}
	if logger != nil {
		logger.Debugw("ransac improved", "iteration", iter, "inliers", len(candidate.Inliers),
			"mean_error", candidate.MeanError)
	}
	return candidate
}

func score[M any](est Estimator[M], model M, n int, threshold float64) ([]int, float64) {
	var inliers []int
	var sum float64
	for i := 0; i < n; i++ {
		// NaN residuals fail the comparison and are never inliers
		if r := est.Residual(model, i); r < threshold {
			inliers = append(inliers, i)
			sum += r
		}
	}
	if len(inliers) == 0 {
		return nil, 0
	}
	return inliers, sum / float64(len(inliers))
}

// drawSample fills sample with distinct indices by a partial Fisher-Yates shuffle of perm.
func drawSample(rng *rand.Rand, perm, sample []int) {
	n := len(perm)
	for k := range sample {
		j := k + rng.Intn(n-k)
		perm[k], perm[j] = perm[j], perm[k]
		sample[k] = perm[k]
	}
}
