package transform

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/sfm/spatialmath"
)

// CamPose is the world to camera rigid transform of a registered camera: x_cam = R*X + t.
type CamPose struct {
	Rotation    *spatialmath.RotationMatrix
	Translation r3.Vector
}

// NewCamPose creates a camera pose from a rotation and a translation.
func NewCamPose(rotation *spatialmath.RotationMatrix, translation r3.Vector) *CamPose {
	return &CamPose{Rotation: rotation, Translation: translation}
}

// NewIdentityCamPose returns the pose of the reference camera.
func NewIdentityCamPose() *CamPose {
	return NewCamPose(spatialmath.NewIdentityRotationMatrix(), r3.Vector{})
}

// NewCamPoseFromRotationVector creates a camera pose from a rotation vector and a translation.
func NewCamPoseFromRotationVector(rv, translation r3.Vector) *CamPose {
	return NewCamPose(spatialmath.RotationVectorToMatrix(rv), translation)
}

// PoseMat returns the 3x4 [R|t] matrix.
func (cp *CamPose) PoseMat() *mat.Dense {
	var pose mat.Dense
	pose.Augment(cp.Rotation.Dense(), mat.NewDense(3, 1, []float64{cp.Translation.X, cp.Translation.Y, cp.Translation.Z}))
	return &pose
}

// Transform maps a world point into the camera frame.
func (cp *CamPose) Transform(pt r3.Vector) r3.Vector {
	return cp.Rotation.Mul(pt).Add(cp.Translation)
}

// Center returns the camera center in world coordinates, -R^T*t.
func (cp *CamPose) Center() r3.Vector {
	return cp.Rotation.TransposeMul(cp.Translation).Mul(-1)
}

// RotationVector returns the rotation in axis-angle (Rodrigues) form.
func (cp *CamPose) RotationVector() r3.Vector {
	return cp.Rotation.RotationVector()
}

// ProjectNormalized projects a world point to normalized image coordinates and returns its depth.
func (cp *CamPose) ProjectNormalized(pt r3.Vector) (r2.Point, float64) {
	c := cp.Transform(pt)
	if c.Z == 0 {
		return r2.Point{X: math.NaN(), Y: math.NaN()}, 0
	}
	return r2.Point{X: c.X / c.Z, Y: c.Y / c.Z}, c.Z
}

// Project projects a world point to pixel coordinates and returns its depth in the camera.
func Project(intrinsics *PinholeCameraIntrinsics, pose *CamPose, pt r3.Vector) (r2.Point, float64) {
	c := pose.Transform(pt)
	x, y := intrinsics.PointToPixel(c.X, c.Y, c.Z)
	return r2.Point{X: x, Y: y}, c.Z
}

// ReprojectionError returns the pixel distance between the projection of pt and the observed pixel.
// Non finite points yield NaN, which fails every threshold comparison.
func ReprojectionError(intrinsics *PinholeCameraIntrinsics, pose *CamPose, pt r3.Vector, observed r2.Point) float64 {
	projected, _ := Project(intrinsics, pose, pt)
	return projected.Sub(observed).Norm()
}

// PoseHypotheses returns the 4 candidate poses (R1, t), (R1, -t), (R2, t), (R2, -t) of the right
// camera encoded by the essential matrix, with the left camera at the identity.
func PoseHypotheses(essMat *mat.Dense) ([]*CamPose, error) {
	rotations, t, err := DecomposeEssentialMatrix(essMat)
	if err != nil {
		return nil, err
	}
	poses := make([]*CamPose, 0, 4)
	for _, rot := range rotations {
		poses = append(poses, NewCamPose(rot, t), NewCamPose(rot, t.Mul(-1)))
	}
	return poses, nil
}

// TriangulatePoints computes 3D points from normalized correspondences seen by two cameras with
// the linear method. For each pair the 4x4 system built from x*P[2]-P[0] and y*P[2]-P[1] of both
// views is solved by SVD. Points at or near infinity come back with NaN coordinates.
func TriangulatePoints(left, right *CamPose, pts1, pts2 []r2.Point) ([]r3.Vector, error) {
	if len(pts1) != len(pts2) {
		return nil, errors.New("the 2 sets of points don't have the same number of elements")
	}
	P := left.PoseMat()
	Pdash := right.PoseMat()
	pts3d := make([]r3.Vector, len(pts1))
	A := mat.NewDense(4, 4, nil)
	for i := range pts1 {
		setTriangulationRows(A, 0, P, pts1[i])
		setTriangulationRows(A, 2, Pdash, pts2[i])
		pts3d[i] = solveHomogeneousPoint(A)
	}
	return pts3d, nil
}

func setTriangulationRows(A *mat.Dense, row int, P *mat.Dense, pt r2.Point) {
	for j := 0; j < 4; j++ {
		A.Set(row, j, pt.X*P.At(2, j)-P.At(0, j))
		A.Set(row+1, j, pt.Y*P.At(2, j)-P.At(1, j))
	}
}

// farPointRatio is the smallest |w| of a unit homogeneous solution taken as a finite point. Below
// it the point lies more than 1/farPointRatio scene units away.
const farPointRatio = 1e-8

func solveHomogeneousPoint(A *mat.Dense) r3.Vector {
	nan := r3.Vector{X: math.NaN(), Y: math.NaN(), Z: math.NaN()}
	var svd mat.SVD
	if ok := svd.Factorize(A, mat.SVDFull); !ok {
		return nan
	}
	var V mat.Dense
	svd.VTo(&V)
	// the solution column has unit norm, so w is relative to the whole homogeneous point
	w := V.At(3, 3)
	if math.Abs(w) < farPointRatio {
		return nan
	}
	return r3.Vector{X: V.At(0, 3) / w, Y: V.At(1, 3) / w, Z: V.At(2, 3) / w}
}

// PoseScore is the cheirality and reprojection score of one pose hypothesis.
type PoseScore struct {
	Pose *CamPose
	// PositiveDepth is the number of triangulated points in front of both cameras.
	PositiveDepth int
	// MeanError is the mean reprojection error over both views, in normalized units.
	MeanError float64
	Score     float64
}

// minScoreError keeps the score finite for noiseless data.
const minScoreError = 1e-9

// ScorePose triangulates the normalized correspondences with the left camera at the identity and
// the hypothesis as the right camera, and scores it by positive depth count over mean error.
func ScorePose(pose *CamPose, pts1, pts2 []r2.Point) (PoseScore, error) {
	identity := NewIdentityCamPose()
	pts3D, err := TriangulatePoints(identity, pose, pts1, pts2)
	if err != nil {
		return PoseScore{}, err
	}
	score := PoseScore{Pose: pose, MeanError: math.Inf(1)}
	var sumErr float64
	var nFinite int
	for i, pt := range pts3D {
		if !IsFinitePoint(pt) {
			continue
		}
		p1, d1 := identity.ProjectNormalized(pt)
		p2, d2 := pose.ProjectNormalized(pt)
		if d1 > 0 && d2 > 0 {
			score.PositiveDepth++
		}
		sumErr += p1.Sub(pts1[i]).Norm() + p2.Sub(pts2[i]).Norm()
		nFinite++
	}
	if nFinite > 0 {
		score.MeanError = sumErr / float64(2*nFinite)
	}
	if score.PositiveDepth > 0 {
		score.Score = float64(score.PositiveDepth) / math.Max(score.MeanError, minScoreError)
	}
	return score, nil
}

// SelectPose returns the hypothesis with the highest score, preferring the lower error on ties,
// along with the score of every hypothesis.
func SelectPose(poses []*CamPose, pts1, pts2 []r2.Point) (*PoseScore, []PoseScore, error) {
	if len(poses) == 0 {
		return nil, nil, errors.New("no pose hypotheses to select from")
	}
	scores := make([]PoseScore, 0, len(poses))
	bestIdx := -1
	for _, pose := range poses {
		score, err := ScorePose(pose, pts1, pts2)
		if err != nil {
			return nil, nil, err
		}
		scores = append(scores, score)
		if bestIdx < 0 {
			bestIdx = 0
			continue
		}
		best := scores[bestIdx]
		if score.Score > best.Score || (score.Score == best.Score && score.MeanError < best.MeanError) {
			bestIdx = len(scores) - 1
		}
	}
	best := scores[bestIdx]
	return &best, scores, nil
}

// IsFinitePoint reports whether all coordinates of pt are finite.
func IsFinitePoint(pt r3.Vector) bool {
	for _, v := range []float64{pt.X, pt.Y, pt.Z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
