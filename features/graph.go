package features

import (
	"context"

	"github.com/pkg/errors"

	"go.viam.com/sfm/logging"
	"go.viam.com/sfm/ransac"
	"go.viam.com/sfm/rimage/transform"
	"go.viam.com/sfm/scene"
)

// PairReport describes the matching of one image pair.
type PairReport struct {
	I, J int
	// Raw is the number of descriptor matches, Kept those stored after filtering.
	Raw  int
	Kept int
}

// BuildMatchGraph matches every image pair i < j of the scene, filters the matches when filter is
// not nil, and stores pairs left with at least MinPairMatches matches. The scene must not hold
// matches yet.
func BuildMatchGraph(ctx context.Context, s *scene.Scene, matcher Matcher, filter *FundamentalFilter,
	logger logging.Logger,
) ([]PairReport, error) {
	if len(s.MatchedPairs()) > 0 {
		return nil, errors.Wrap(scene.ErrMatchesExist, "scene is already matched")
	}
	n := s.NumImages()
	keypoints := make([][]scene.Keypoint, n)
	for i := range keypoints {
		keypoints[i] = s.Keypoints(i)
	}
	filterLogger := logger.Sublogger("ransac")

	var reports []PairReport
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			pr := PairReport{I: i, J: j}
			matches, err := matcher.Match(keypoints[i], keypoints[j])
			if err != nil {
				return nil, errors.Wrapf(err, "matching images %d and %d", i, j)
			}
			pr.Raw = len(matches)
			if filter != nil && len(matches) >= MinPairMatches {
				matches, err = filter.Filter(ctx, keypoints[i], keypoints[j], matches, filterLogger)
				switch {
				case err == nil:
				case errors.Is(err, ransac.ErrNoConsensus) || errors.Is(err, transform.ErrInsufficientCorrespondences):
					matches = nil
				default:
					return nil, errors.Wrapf(err, "filtering images %d and %d", i, j)
				}
			}
			if len(matches) >= MinPairMatches {
				if err := s.AddMatches(i, j, matches); err != nil {
					return nil, err
				}
				pr.Kept = len(matches)
			}
			logger.Debugw("matched pair", "images", []int{i, j}, "raw", pr.Raw, "kept", pr.Kept)
			reports = append(reports, pr)
		}
	}
	return reports, nil
}
