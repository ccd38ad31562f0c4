package scene

import (
	"slices"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/sfm/rimage/transform"
)

// Correspondence2D3D ties a keypoint of an unregistered camera to a mapped point.
type Correspondence2D3D struct {
	Pixel         r2.Point
	Point         r3.Vector
	PointIndex    int
	KeypointIndex int
}

// Correspondences2D3D collects the 2D-3D correspondences of camera newCam. Points are visited in
// index order. For each point, the registered cameras observing it are tried in ascending order
// and the first one whose keypoint is matched into newCam gives the correspondence. A keypoint of
// newCam is used at most once, and never if it already observes another point.
func (s *Scene) Correspondences2D3D(newCam int) []Correspondence2D3D {
	if !s.validImage(newCam) {
		return nil
	}
	cams := lo.Filter(s.RegisteredCameras(), func(cam, _ int) bool { return cam != newCam })
	used := map[int]bool{}
	var out []Correspondence2D3D
	for pt, pos := range s.points {
		for _, cam := range cams {
			kp, ok := s.observations[cam][pt]
			if !ok {
				continue
			}
			newKp, ok := s.MatchedKeypoint(cam, kp, newCam)
			if !ok {
				continue
			}
			if used[newKp] {
				break
			}
			if other, ok := s.observedBy[newCam][newKp]; ok && other != pt {
				break
			}
			used[newKp] = true
			out = append(out, Correspondence2D3D{
				Pixel:         s.keypoints[newCam][newKp].Point,
				Point:         pos,
				PointIndex:    pt,
				KeypointIndex: newKp,
			})
			break
		}
	}
	return out
}

// UnmappedMatches returns the matches from a to b where neither keypoint observes a point yet.
func (s *Scene) UnmappedMatches(a, b int) []Match {
	if !s.validImage(a) || !s.validImage(b) {
		return nil
	}
	return lo.Filter(s.Matches(a, b), func(m Match, _ int) bool {
		_, seenA := s.observedBy[a][m.Left]
		_, seenB := s.observedBy[b][m.Right]
		return !seenA && !seenB
	})
}

// Visibility is the observation matrix of a set of cameras over the whole point map.
// Pixels[j][i] is the keypoint location of point i in camera Cameras[j] when Visible[j][i].
type Visibility struct {
	Cameras []int
	Pixels  [][]r2.Point
	Visible [][]bool
}

// NumObserved counts the visible entries.
func (v *Visibility) NumObserved() int {
	n := 0
	for _, row := range v.Visible {
		n += lo.Count(row, true)
	}
	return n
}

// VisibilityMatrix builds the observation matrix of cams in the given order.
func (s *Scene) VisibilityMatrix(cams []int) *Visibility {
	v := &Visibility{
		Cameras: append([]int(nil), cams...),
		Pixels:  make([][]r2.Point, len(cams)),
		Visible: make([][]bool, len(cams)),
	}
	for j, cam := range cams {
		v.Pixels[j] = make([]r2.Point, len(s.points))
		v.Visible[j] = make([]bool, len(s.points))
		if !s.validImage(cam) {
			continue
		}
		for pt, kp := range s.observations[cam] {
			v.Pixels[j][pt] = s.keypoints[cam][kp].Point
			v.Visible[j][pt] = true
		}
	}
	return v
}

// ReprojectionErrors returns the pixel reprojection error of every point camera cam observes, in
// point index order.
func (s *Scene) ReprojectionErrors(cam int) ([]float64, error) {
	pose, ok := s.poses[cam]
	if !ok {
		return nil, errors.Wrapf(ErrNotRegistered, "camera %d", cam)
	}
	pts := lo.Keys(s.observations[cam])
	slices.Sort(pts)
	errs := make([]float64, len(pts))
	for k, pt := range pts {
		kp := s.observations[cam][pt]
		errs[k] = transform.ReprojectionError(&s.intrinsics, pose, s.points[pt], s.keypoints[cam][kp].Point)
	}
	return errs, nil
}
