// Package scene holds the state of a reconstruction: keypoints per image, pairwise matches and
// the match graph built from them, the 3D point map, which keypoint observes which point in
// each camera, and the registered camera poses.
//
// A Scene is mutated in place by one pipeline stage at a time and is not safe for concurrent use.
package scene

import (
	"fmt"
	"maps"
	"slices"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/sfm/rimage/transform"
)

var (
	// ErrIndexOutOfRange is returned for image, keypoint or point indices that do not exist.
	ErrIndexOutOfRange = errors.New("index out of range")
	// ErrObservationConflict is returned when an observation would overwrite a different one.
	ErrObservationConflict = errors.New("conflicting observation")
	// ErrMatchesExist is returned when matches for an image pair are set twice.
	ErrMatchesExist = errors.New("matches already set for image pair")
	// ErrNotRegistered is returned when a camera needs a pose it does not have.
	ErrNotRegistered = errors.New("camera is not registered")
)

// Keypoint is a detected image location with its descriptor.
type Keypoint struct {
	Point      r2.Point
	Descriptor []byte
}

// Match links keypoint Left of one image to keypoint Right of another.
type Match struct {
	Left  int
	Right int
}

// CameraState is where a camera is in the registration process.
type CameraState int

const (
	// Unregistered cameras have no pose.
	Unregistered CameraState = iota
	// PoseEstimated cameras have a linear pose estimate.
	PoseEstimated
	// PoseRefined cameras have a nonlinearly refined pose.
	PoseRefined
	// Contributing cameras have added observations to the map.
	Contributing
)

func (cs CameraState) String() string {
	switch cs {
	case Unregistered:
		return "unregistered"
	case PoseEstimated:
		return "pose-estimated"
	case PoseRefined:
		return "pose-refined"
	case Contributing:
		return "contributing"
	}
	return fmt.Sprintf("CameraState(%d)", int(cs))
}

type pairKey struct {
	from, to int
}

// Scene is the reconstruction state.
type Scene struct {
	intrinsics transform.PinholeCameraIntrinsics
	keypoints  [][]Keypoint

	// matches holds the matches of pair (i, j) with i < j, oriented i to j.
	matches map[pairKey][]Match
	// graph maps a keypoint of image from to its match in image to, for both orientations.
	graph map[pairKey]map[int]int

	points []r3.Vector
	// observations[cam] maps point index to keypoint index; observedBy[cam] is its inverse.
	observations []map[int]int
	observedBy   []map[int]int

	poses  map[int]*transform.CamPose
	states []CameraState
}

// New creates a scene over the keypoints of every image.
func New(intrinsics transform.PinholeCameraIntrinsics, keypoints [][]Keypoint) (*Scene, error) {
	if err := intrinsics.CheckValid(); err != nil {
		return nil, err
	}
	s := &Scene{
		intrinsics:   intrinsics,
		keypoints:    make([][]Keypoint, len(keypoints)),
		matches:      map[pairKey][]Match{},
		graph:        map[pairKey]map[int]int{},
		observations: make([]map[int]int, len(keypoints)),
		observedBy:   make([]map[int]int, len(keypoints)),
		poses:        map[int]*transform.CamPose{},
		states:       make([]CameraState, len(keypoints)),
	}
	for i, kps := range keypoints {
		s.keypoints[i] = slices.Clone(kps)
		s.observations[i] = map[int]int{}
		s.observedBy[i] = map[int]int{}
	}
	return s, nil
}

// Intrinsics returns the shared camera intrinsics.
func (s *Scene) Intrinsics() *transform.PinholeCameraIntrinsics {
	intrinsics := s.intrinsics
	return &intrinsics
}

// SetIntrinsics replaces the shared intrinsics.
func (s *Scene) SetIntrinsics(intrinsics transform.PinholeCameraIntrinsics) error {
	if err := intrinsics.CheckValid(); err != nil {
		return err
	}
	s.intrinsics = intrinsics
	return nil
}

// NumImages returns the number of images.
func (s *Scene) NumImages() int {
	return len(s.keypoints)
}

// Keypoints returns the keypoints of an image.
func (s *Scene) Keypoints(img int) []Keypoint {
	if !s.validImage(img) {
		return nil
	}
	return slices.Clone(s.keypoints[img])
}

// Keypoint returns one keypoint of an image.
func (s *Scene) Keypoint(img, kp int) (Keypoint, error) {
	if err := s.checkKeypoint(img, kp); err != nil {
		return Keypoint{}, err
	}
	return s.keypoints[img][kp], nil
}

func (s *Scene) validImage(img int) bool {
	return img >= 0 && img < len(s.keypoints)
}

func (s *Scene) checkImage(img int) error {
	if !s.validImage(img) {
		return errors.Wrapf(ErrIndexOutOfRange, "image %d of %d", img, len(s.keypoints))
	}
	return nil
}

func (s *Scene) checkKeypoint(img, kp int) error {
	if err := s.checkImage(img); err != nil {
		return err
	}
	if kp < 0 || kp >= len(s.keypoints[img]) {
		return errors.Wrapf(ErrIndexOutOfRange, "keypoint %d of %d in image %d", kp, len(s.keypoints[img]), img)
	}
	return nil
}

func (s *Scene) checkPoint(pt int) error {
	if pt < 0 || pt >= len(s.points) {
		return errors.Wrapf(ErrIndexOutOfRange, "point %d of %d", pt, len(s.points))
	}
	return nil
}

// AddMatches sets the matches between images i and j, oriented from i to j. Matches of a pair are
// set once; they are stored under the ordered pair (min, max).
func (s *Scene) AddMatches(i, j int, matches []Match) error {
	if i == j {
		return errors.Errorf("cannot match image %d with itself", i)
	}
	if err := s.checkImage(i); err != nil {
		return err
	}
	if err := s.checkImage(j); err != nil {
		return err
	}
	if i > j {
		i, j = j, i
		matches = flip(matches)
	}
	key := pairKey{i, j}
	if _, ok := s.matches[key]; ok {
		return errors.Wrapf(ErrMatchesExist, "(%d, %d)", i, j)
	}
	forward := make(map[int]int, len(matches))
	backward := make(map[int]int, len(matches))
	for _, m := range matches {
		if err := s.checkKeypoint(i, m.Left); err != nil {
			return err
		}
		if err := s.checkKeypoint(j, m.Right); err != nil {
			return err
		}
		if _, dup := forward[m.Left]; dup {
			return errors.Errorf("keypoint %d of image %d is matched twice in image %d", m.Left, i, j)
		}
		if _, dup := backward[m.Right]; dup {
			return errors.Errorf("keypoint %d of image %d is matched twice in image %d", m.Right, j, i)
		}
		forward[m.Left] = m.Right
		backward[m.Right] = m.Left
	}
	s.matches[key] = slices.Clone(matches)
	s.graph[pairKey{i, j}] = forward
	s.graph[pairKey{j, i}] = backward
	return nil
}

func flip(matches []Match) []Match {
	return lo.Map(matches, func(m Match, _ int) Match { return Match{Left: m.Right, Right: m.Left} })
}

// Matches returns the matches between images a and b oriented from a to b.
func (s *Scene) Matches(a, b int) []Match {
	if a < b {
		return slices.Clone(s.matches[pairKey{a, b}])
	}
	return flip(s.matches[pairKey{b, a}])
}

// MatchedKeypoint follows the match graph from keypoint kp of image a into image b.
func (s *Scene) MatchedKeypoint(a, kp, b int) (int, bool) {
	m, ok := s.graph[pairKey{a, b}][kp]
	return m, ok
}

// ImagePair is an unordered pair of images with I < J.
type ImagePair struct {
	I, J int
}

// MatchedPairs returns every image pair with at least one match, ordered by (I, J).
func (s *Scene) MatchedPairs() []ImagePair {
	pairs := make([]ImagePair, 0, len(s.matches))
	for key, m := range s.matches {
		if len(m) > 0 {
			pairs = append(pairs, ImagePair{key.from, key.to})
		}
	}
	slices.SortFunc(pairs, func(a, b ImagePair) int {
		if a.I != b.I {
			return a.I - b.I
		}
		return a.J - b.J
	})
	return pairs
}

// NumPoints returns the size of the point map.
func (s *Scene) NumPoints() int {
	return len(s.points)
}

// Point returns a point of the map.
func (s *Scene) Point(pt int) (r3.Vector, error) {
	if err := s.checkPoint(pt); err != nil {
		return r3.Vector{}, err
	}
	return s.points[pt], nil
}

// Points returns a copy of the point map.
func (s *Scene) Points() []r3.Vector {
	return slices.Clone(s.points)
}

// SetPoint moves an existing point. Only bundle adjustment moves points.
func (s *Scene) SetPoint(pt int, pos r3.Vector) error {
	if err := s.checkPoint(pt); err != nil {
		return err
	}
	s.points[pt] = pos
	return nil
}

// AddPoint appends a point observed by keypoint obs[cam] in each camera and returns its index.
// Nothing is written unless every observation is valid.
func (s *Scene) AddPoint(pos r3.Vector, obs map[int]int) (int, error) {
	for cam, kp := range obs {
		if err := s.checkKeypoint(cam, kp); err != nil {
			return -1, err
		}
		if other, ok := s.observedBy[cam][kp]; ok {
			return -1, errors.Wrapf(ErrObservationConflict, "keypoint %d of camera %d already observes point %d",
				kp, cam, other)
		}
	}
	idx := len(s.points)
	s.points = append(s.points, pos)
	for cam, kp := range obs {
		s.observations[cam][idx] = kp
		s.observedBy[cam][kp] = idx
	}
	return idx, nil
}

// SetObservation records that keypoint kp of camera cam observes point pt. Writing an existing
// observation again is a no-op; replacing it with a different keypoint is an error.
func (s *Scene) SetObservation(cam, pt, kp int) error {
	if err := s.checkKeypoint(cam, kp); err != nil {
		return err
	}
	if err := s.checkPoint(pt); err != nil {
		return err
	}
	if existing, ok := s.observations[cam][pt]; ok {
		if existing == kp {
			return nil
		}
		return errors.Wrapf(ErrObservationConflict, "point %d is observed by keypoint %d in camera %d, not %d",
			pt, existing, cam, kp)
	}
	if other, ok := s.observedBy[cam][kp]; ok {
		return errors.Wrapf(ErrObservationConflict, "keypoint %d of camera %d already observes point %d",
			kp, cam, other)
	}
	s.observations[cam][pt] = kp
	s.observedBy[cam][kp] = pt
	return nil
}

// Observation returns the keypoint of camera cam observing point pt, if any.
func (s *Scene) Observation(cam, pt int) (int, bool) {
	if !s.validImage(cam) {
		return 0, false
	}
	kp, ok := s.observations[cam][pt]
	return kp, ok
}

// ObservedPoint returns the point observed by keypoint kp of camera cam, if any.
func (s *Scene) ObservedPoint(cam, kp int) (int, bool) {
	if !s.validImage(cam) {
		return 0, false
	}
	pt, ok := s.observedBy[cam][kp]
	return pt, ok
}

// Observations returns the point to keypoint map of camera cam.
func (s *Scene) Observations(cam int) map[int]int {
	if !s.validImage(cam) {
		return nil
	}
	return maps.Clone(s.observations[cam])
}

// NumObservations returns how many points camera cam observes.
func (s *Scene) NumObservations(cam int) int {
	if !s.validImage(cam) {
		return 0
	}
	return len(s.observations[cam])
}

// RegisterCamera gives a camera its first pose and moves it to PoseEstimated.
func (s *Scene) RegisterCamera(cam int, pose *transform.CamPose) error {
	if err := s.checkImage(cam); err != nil {
		return err
	}
	if pose == nil {
		return errors.Errorf("nil pose for camera %d", cam)
	}
	if _, ok := s.poses[cam]; ok {
		return errors.Errorf("camera %d is already registered", cam)
	}
	s.poses[cam] = pose
	s.states[cam] = PoseEstimated
	return nil
}

// UpdatePose replaces the pose of a registered camera.
func (s *Scene) UpdatePose(cam int, pose *transform.CamPose) error {
	if _, ok := s.poses[cam]; !ok {
		return errors.Wrapf(ErrNotRegistered, "camera %d", cam)
	}
	s.poses[cam] = pose
	return nil
}

// SetCameraState advances the registration state of a registered camera.
func (s *Scene) SetCameraState(cam int, state CameraState) error {
	if _, ok := s.poses[cam]; !ok {
		return errors.Wrapf(ErrNotRegistered, "camera %d", cam)
	}
	if state == Unregistered {
		return errors.Errorf("camera %d has a pose and cannot be unregistered", cam)
	}
	s.states[cam] = state
	return nil
}

// CameraState returns the registration state of a camera.
func (s *Scene) CameraState(cam int) CameraState {
	if !s.validImage(cam) {
		return Unregistered
	}
	return s.states[cam]
}

// Pose returns the pose of a registered camera.
func (s *Scene) Pose(cam int) (*transform.CamPose, bool) {
	pose, ok := s.poses[cam]
	return pose, ok
}

// IsRegistered reports whether a camera has a pose.
func (s *Scene) IsRegistered(cam int) bool {
	_, ok := s.poses[cam]
	return ok
}

// RegisteredCameras returns the registered camera indices in ascending order.
func (s *Scene) RegisteredCameras() []int {
	cams := lo.Keys(s.poses)
	slices.Sort(cams)
	return cams
}
