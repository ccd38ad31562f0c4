// Package features turns keypoints into the match graph a reconstruction starts from: binary
// descriptor matching with a ratio test, geometric filtering against a fundamental matrix, and
// the pairwise graph over a scene.
package features

import (
	"image"

	"github.com/pkg/errors"
	"github.com/steakknife/hamming"

	"go.viam.com/sfm/scene"
)

// Detector finds keypoints with binary descriptors in an image.
type Detector interface {
	Detect(img image.Image) ([]scene.Keypoint, error)
}

// Matcher pairs the keypoints of two images.
type Matcher interface {
	Match(left, right []scene.Keypoint) ([]scene.Match, error)
}

// DefaultRatio is the ratio test threshold of a HammingMatcher.
const DefaultRatio = 0.7

// HammingMatcher matches binary descriptors by brute force. A left keypoint is matched to its
// nearest right keypoint when the nearest distance is below Ratio times the second nearest.
// When several left keypoints pick the same right keypoint only the closest is kept.
type HammingMatcher struct {
	Ratio float64 `json:"ratio"`
	// MaxDistance rejects matches above this many differing bits. Zero disables it.
	MaxDistance int `json:"max_distance"`
}

// NewHammingMatcher returns a matcher with the default ratio.
func NewHammingMatcher() *HammingMatcher {
	return &HammingMatcher{Ratio: DefaultRatio}
}

// DescriptorDistance is the number of differing bits between two descriptors of the same length.
func DescriptorDistance(a, b []byte) (int, error) {
	if len(a) != len(b) {
		return 0, errors.Errorf("descriptor lengths differ: %d and %d", len(a), len(b))
	}
	return hamming.Bytes(a, b), nil
}

// Match returns the matches between left and right ordered by left index.
func (hm *HammingMatcher) Match(left, right []scene.Keypoint) ([]scene.Match, error) {
	if hm.Ratio <= 0 || hm.Ratio > 1 {
		return nil, errors.Errorf("ratio must be in (0, 1], got %v", hm.Ratio)
	}
	if len(right) < 2 {
		return nil, nil
	}
	type candidate struct {
		left, dist int
	}
	best := make(map[int]candidate, len(left))
	for i, kpL := range left {
		first, second := -1, -1
		firstDist, secondDist := 0, 0
		for j, kpR := range right {
			d, err := DescriptorDistance(kpL.Descriptor, kpR.Descriptor)
			if err != nil {
				return nil, errors.Wrapf(err, "keypoints %d and %d", i, j)
			}
			switch {
			case first < 0 || d < firstDist:
				second, secondDist = first, firstDist
				first, firstDist = j, d
			case second < 0 || d < secondDist:
				second, secondDist = j, d
			}
		}
		if float64(firstDist) >= hm.Ratio*float64(secondDist) {
			continue
		}
		if hm.MaxDistance > 0 && firstDist > hm.MaxDistance {
			continue
		}
		if prev, ok := best[first]; ok && prev.dist <= firstDist {
			continue
		}
		best[first] = candidate{left: i, dist: firstDist}
	}

	taken := make([]int, len(left))
	for i := range taken {
		taken[i] = -1
	}
	for j, c := range best {
		taken[c.left] = j
	}
	matches := make([]scene.Match, 0, len(best))
	for i, j := range taken {
		if j >= 0 {
			matches = append(matches, scene.Match{Left: i, Right: j})
		}
	}
	return matches, nil
}
