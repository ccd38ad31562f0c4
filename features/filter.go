package features

import (
	"context"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/sfm/logging"
	"go.viam.com/sfm/ransac"
	"go.viam.com/sfm/rimage/transform"
	"go.viam.com/sfm/scene"
)

// MinPairMatches is the number of matches a pair needs to be filtered and kept.
const MinPairMatches = 8

// FundamentalFilter keeps the matches of an image pair that agree with a fundamental matrix
// found by RANSAC, measured by Sampson distance in pixels.
type FundamentalFilter struct {
	RANSAC ransac.Config `json:"ransac"`
}

// NewFundamentalFilter returns a filter with a 1 pixel threshold and 2000 iterations.
func NewFundamentalFilter() *FundamentalFilter {
	return &FundamentalFilter{RANSAC: ransac.Config{Threshold: 1, Iterations: 2000, Seed: 1}}
}

type fundamentalEstimator struct {
	left, right []r2.Point
}

func (fe *fundamentalEstimator) SampleSize() int {
	return MinPairMatches
}

func (fe *fundamentalEstimator) Fit(indices []int) (*mat.Dense, error) {
	pts1 := make([]r2.Point, len(indices))
	pts2 := make([]r2.Point, len(indices))
	for k, i := range indices {
		pts1[k] = fe.left[i]
		pts2[k] = fe.right[i]
	}
	return transform.ComputeFundamentalMatrixAllPoints(pts1, pts2, true)
}

func (fe *fundamentalEstimator) Residual(F *mat.Dense, i int) float64 {
	return transform.SampsonDistance(F, fe.left[i], fe.right[i])
}

// Filter returns the geometrically consistent subset of matches between left and right, in
// their original order. Fewer than MinPairMatches matches is ErrInsufficientCorrespondences.
func (ff *FundamentalFilter) Filter(ctx context.Context, left, right []scene.Keypoint, matches []scene.Match,
	logger logging.Logger,
) ([]scene.Match, error) {
	if len(matches) < MinPairMatches {
		return nil, errors.Wrapf(transform.ErrInsufficientCorrespondences, "%d matches, need %d",
			len(matches), MinPairMatches)
	}
	est := &fundamentalEstimator{
		left:  make([]r2.Point, len(matches)),
		right: make([]r2.Point, len(matches)),
	}
	for k, m := range matches {
		if m.Left < 0 || m.Left >= len(left) || m.Right < 0 || m.Right >= len(right) {
			return nil, errors.Wrapf(scene.ErrIndexOutOfRange, "match %d (%d, %d)", k, m.Left, m.Right)
		}
		est.left[k] = left[m.Left].Point
		est.right[k] = right[m.Right].Point
	}
	res, err := ransac.Run[*mat.Dense](ctx, est, len(matches), ff.RANSAC, logger)
	if err != nil {
		return nil, err
	}
	kept := make([]scene.Match, len(res.Inliers))
	for k, i := range res.Inliers {
		kept[k] = matches[i]
	}
	return kept, nil
}
