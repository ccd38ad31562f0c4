// Package testutils builds synthetic reconstruction problems with known ground truth.
package testutils

import (
	"math/rand"
	"sort"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"go.viam.com/sfm/rimage/transform"
	"go.viam.com/sfm/scene"
	"go.viam.com/sfm/spatialmath"
)

// DescriptorBytes is the length of the synthetic binary descriptors.
const DescriptorBytes = 32

// DefaultIntrinsics are the intrinsics of the synthetic scenes.
var DefaultIntrinsics = transform.PinholeCameraIntrinsics{
	Width:  640,
	Height: 480,
	Fx:     1000,
	Fy:     1000,
	Ppx:    320,
	Ppy:    240,
}

// PoseFromCenter builds the world to camera pose of a camera at center with rotation vector rv.
func PoseFromCenter(rv, center r3.Vector) *transform.CamPose {
	rot := spatialmath.RotationVectorToMatrix(rv)
	return transform.NewCamPose(rot, rot.Mul(center).Mul(-1))
}

// ThreeCameraRig is three cameras looking down +z, 0.3 apart along x, each turned slightly.
func ThreeCameraRig() []*transform.CamPose {
	return []*transform.CamPose{
		transform.NewIdentityCamPose(),
		PoseFromCenter(r3.Vector{X: 0.01, Y: -0.05, Z: 0.005}, r3.Vector{X: 0.3}),
		PoseFromCenter(r3.Vector{X: -0.02, Y: -0.09, Z: 0.01}, r3.Vector{X: 0.6, Y: 0.05, Z: -0.1}),
	}
}

// SyntheticScene is a set of cameras looking at random points, with exact projections.
type SyntheticScene struct {
	Intrinsics  transform.PinholeCameraIntrinsics
	Poses       []*transform.CamPose
	Points      []r3.Vector
	Descriptors [][]byte
	// Pixels[cam][pt] is where point pt is observed in camera cam.
	Pixels  [][]r2.Point
	Visible [][]bool

	rng        *rand.Rand
	keypointOf []map[int]int
}

// NewSyntheticScene places nPoints random points in front of the cameras and projects them.
func NewSyntheticScene(poses []*transform.CamPose, nPoints int, seed int64) *SyntheticScene {
	rng := rand.New(rand.NewSource(seed))
	ss := &SyntheticScene{
		Intrinsics:  DefaultIntrinsics,
		Poses:       poses,
		Points:      make([]r3.Vector, nPoints),
		Descriptors: make([][]byte, nPoints),
		Pixels:      make([][]r2.Point, len(poses)),
		Visible:     make([][]bool, len(poses)),
		rng:         rng,
	}
	for i := range ss.Points {
		ss.Points[i] = r3.Vector{X: rng.Float64()*2 - 1, Y: rng.Float64()*2 - 1, Z: 4 + rng.Float64()*4}
		ss.Descriptors[i] = make([]byte, DescriptorBytes)
		rng.Read(ss.Descriptors[i])
	}
	for c, pose := range poses {
		ss.Pixels[c] = make([]r2.Point, nPoints)
		ss.Visible[c] = make([]bool, nPoints)
		for i, pt := range ss.Points {
			ss.Pixels[c][i], _ = transform.Project(&ss.Intrinsics, pose, pt)
			ss.Visible[c][i] = true
		}
	}
	return ss
}

// Hide makes the points invisible to camera cam.
func (ss *SyntheticScene) Hide(cam int, pts ...int) {
	for _, pt := range pts {
		ss.Visible[cam][pt] = false
	}
}

// AddPoints appends random points that only the given cameras see and returns their indices.
func (ss *SyntheticScene) AddPoints(n int, cams ...int) []int {
	seen := map[int]bool{}
	for _, c := range cams {
		seen[c] = true
	}
	var added []int
	for k := 0; k < n; k++ {
		pt := r3.Vector{X: ss.rng.Float64()*2 - 1, Y: ss.rng.Float64()*2 - 1, Z: 4 + ss.rng.Float64()*4}
		desc := make([]byte, DescriptorBytes)
		ss.rng.Read(desc)
		idx := len(ss.Points)
		ss.Points = append(ss.Points, pt)
		ss.Descriptors = append(ss.Descriptors, desc)
		for c, pose := range ss.Poses {
			px, _ := transform.Project(&ss.Intrinsics, pose, pt)
			ss.Pixels[c] = append(ss.Pixels[c], px)
			ss.Visible[c] = append(ss.Visible[c], seen[c])
		}
		added = append(added, idx)
	}
	return added
}

// Displace moves the observation of a random fraction of the visible points of camera cam by
// exactly dist pixels in a random direction, and returns the displaced point indices in order.
func (ss *SyntheticScene) Displace(cam int, fraction, dist float64) []int {
	var visible []int
	for pt, ok := range ss.Visible[cam] {
		if ok {
			visible = append(visible, pt)
		}
	}
	ss.rng.Shuffle(len(visible), func(i, j int) { visible[i], visible[j] = visible[j], visible[i] })
	n := int(fraction * float64(len(visible)))
	displaced := append([]int(nil), visible[:n]...)
	sort.Ints(displaced)
	for _, pt := range displaced {
		dir := r2.Point{X: ss.rng.NormFloat64(), Y: ss.rng.NormFloat64()}
		ss.Pixels[cam][pt] = ss.Pixels[cam][pt].Add(dir.Normalize().Mul(dist))
	}
	return displaced
}

// AddNoise adds gaussian pixel noise to every observation.
func (ss *SyntheticScene) AddNoise(sigma float64) {
	for c := range ss.Pixels {
		for i := range ss.Pixels[c] {
			ss.Pixels[c][i] = ss.Pixels[c][i].Add(r2.Point{X: ss.rng.NormFloat64() * sigma, Y: ss.rng.NormFloat64() * sigma})
		}
	}
}

// Keypoints lays out the visible observations of every camera as keypoints in a shuffled order,
// so that keypoint indices differ between images.
func (ss *SyntheticScene) Keypoints() [][]scene.Keypoint {
	ss.keypointOf = make([]map[int]int, len(ss.Poses))
	kps := make([][]scene.Keypoint, len(ss.Poses))
	for c := range ss.Poses {
		var pts []int
		for pt, ok := range ss.Visible[c] {
			if ok {
				pts = append(pts, pt)
			}
		}
		ss.rng.Shuffle(len(pts), func(i, j int) { pts[i], pts[j] = pts[j], pts[i] })
		ss.keypointOf[c] = make(map[int]int, len(pts))
		kps[c] = make([]scene.Keypoint, len(pts))
		for k, pt := range pts {
			ss.keypointOf[c][pt] = k
			kps[c][k] = scene.Keypoint{Point: ss.Pixels[c][pt], Descriptor: append([]byte(nil), ss.Descriptors[pt]...)}
		}
	}
	return kps
}

// KeypointIndex returns the keypoint of camera cam observing point pt. Keypoints must have been called.
func (ss *SyntheticScene) KeypointIndex(cam, pt int) (int, bool) {
	if ss.keypointOf == nil {
		return 0, false
	}
	k, ok := ss.keypointOf[cam][pt]
	return k, ok
}

// TrueMatches returns the ground truth matches between images i and j. Keypoints must have been called.
func (ss *SyntheticScene) TrueMatches(i, j int) []scene.Match {
	var matches []scene.Match
	for pt := range ss.Points {
		ki, okI := ss.KeypointIndex(i, pt)
		kj, okJ := ss.KeypointIndex(j, pt)
		if okI && okJ {
			matches = append(matches, scene.Match{Left: ki, Right: kj})
		}
	}
	return matches
}

// Scene builds a scene with the keypoints of every camera and the true matches of every pair.
func (ss *SyntheticScene) Scene() (*scene.Scene, error) {
	s, err := scene.New(ss.Intrinsics, ss.Keypoints())
	if err != nil {
		return nil, err
	}
	for i := range ss.Poses {
		for j := i + 1; j < len(ss.Poses); j++ {
			if err := s.AddMatches(i, j, ss.TrueMatches(i, j)); err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}
