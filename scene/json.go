package scene

import (
	"encoding/json"
	"io"
	"os"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"go.viam.com/sfm/rimage/transform"
)

type keypointJSON struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Descriptor []byte  `json:"descriptor,omitempty"`
}

type imageJSON struct {
	Keypoints []keypointJSON `json:"keypoints"`
}

type matchesJSON struct {
	LeftImage  int      `json:"left_image"`
	RightImage int      `json:"right_image"`
	Pairs      [][2]int `json:"pairs"`
}

type poseJSON struct {
	Camera      int        `json:"camera"`
	Rotation    [3]float64 `json:"rotation"`
	Translation [3]float64 `json:"translation"`
	State       string     `json:"state,omitempty"`
}

type observationJSON struct {
	Camera   int `json:"camera"`
	Point    int `json:"point"`
	Keypoint int `json:"keypoint"`
}

type sceneJSON struct {
	Intrinsics   transform.PinholeCameraIntrinsics `json:"intrinsics"`
	Images       []imageJSON                       `json:"images"`
	Matches      []matchesJSON                     `json:"matches,omitempty"`
	Points       [][3]float64                      `json:"points,omitempty"`
	Poses        []poseJSON                        `json:"poses,omitempty"`
	Observations []observationJSON                 `json:"observations,omitempty"`
}

// Load reads a scene from a JSON file.
func Load(path string) (*Scene, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open scene file %q", path)
	}
	defer goutils.UncheckedErrorFunc(f.Close)
	s, err := ReadJSON(f)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot load scene %q", path)
	}
	return s, nil
}

// Save writes the scene to a JSON file.
func (s *Scene) Save(path string) (err error) {
	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "cannot create scene file %q", path)
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	return s.WriteJSON(f)
}

// ReadJSON decodes a scene and checks every index it references.
func ReadJSON(r io.Reader) (*Scene, error) {
	var doc sceneJSON
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, err
	}
	keypoints := make([][]Keypoint, len(doc.Images))
	for i, img := range doc.Images {
		keypoints[i] = make([]Keypoint, len(img.Keypoints))
		for k, kp := range img.Keypoints {
			keypoints[i][k] = Keypoint{Point: r2.Point{X: kp.X, Y: kp.Y}, Descriptor: kp.Descriptor}
		}
	}
	s, err := New(doc.Intrinsics, keypoints)
	if err != nil {
		return nil, err
	}
	for _, m := range doc.Matches {
		matches := make([]Match, len(m.Pairs))
		for k, pair := range m.Pairs {
			matches[k] = Match{Left: pair[0], Right: pair[1]}
		}
		if err := s.AddMatches(m.LeftImage, m.RightImage, matches); err != nil {
			return nil, err
		}
	}
	for _, p := range doc.Points {
		s.points = append(s.points, r3.Vector{X: p[0], Y: p[1], Z: p[2]})
	}
	for _, p := range doc.Poses {
		pose := transform.NewCamPoseFromRotationVector(
			r3.Vector{X: p.Rotation[0], Y: p.Rotation[1], Z: p.Rotation[2]},
			r3.Vector{X: p.Translation[0], Y: p.Translation[1], Z: p.Translation[2]},
		)
		if err := s.RegisterCamera(p.Camera, pose); err != nil {
			return nil, err
		}
		if p.State != "" {
			state, err := cameraStateFromString(p.State)
			if err != nil {
				return nil, err
			}
			if err := s.SetCameraState(p.Camera, state); err != nil {
				return nil, err
			}
		}
	}
	for _, o := range doc.Observations {
		if err := s.SetObservation(o.Camera, o.Point, o.Keypoint); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// WriteJSON encodes the scene.
func (s *Scene) WriteJSON(w io.Writer) error {
	doc := sceneJSON{
		Intrinsics: s.intrinsics,
		Images:     make([]imageJSON, len(s.keypoints)),
	}
	for i, kps := range s.keypoints {
		doc.Images[i].Keypoints = make([]keypointJSON, len(kps))
		for k, kp := range kps {
			doc.Images[i].Keypoints[k] = keypointJSON{X: kp.Point.X, Y: kp.Point.Y, Descriptor: kp.Descriptor}
		}
	}
	for _, pair := range s.MatchedPairs() {
		m := matchesJSON{LeftImage: pair.I, RightImage: pair.J}
		for _, match := range s.matches[pairKey{pair.I, pair.J}] {
			m.Pairs = append(m.Pairs, [2]int{match.Left, match.Right})
		}
		doc.Matches = append(doc.Matches, m)
	}
	for _, p := range s.points {
		doc.Points = append(doc.Points, [3]float64{p.X, p.Y, p.Z})
	}
	for _, cam := range s.RegisteredCameras() {
		pose := s.poses[cam]
		rv := pose.RotationVector()
		t := pose.Translation
		doc.Poses = append(doc.Poses, poseJSON{
			Camera:      cam,
			Rotation:    [3]float64{rv.X, rv.Y, rv.Z},
			Translation: [3]float64{t.X, t.Y, t.Z},
			State:       s.states[cam].String(),
		})
	}
	for cam := range s.observations {
		for pt := 0; pt < len(s.points); pt++ {
			if kp, ok := s.observations[cam][pt]; ok {
				doc.Observations = append(doc.Observations, observationJSON{Camera: cam, Point: pt, Keypoint: kp})
			}
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

func cameraStateFromString(str string) (CameraState, error) {
	for _, cs := range []CameraState{Unregistered, PoseEstimated, PoseRefined, Contributing} {
		if cs.String() == str {
			return cs, nil
		}
	}
	return Unregistered, errors.Errorf("unknown camera state %q", str)
}
