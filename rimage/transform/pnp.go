package transform

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/sfm/spatialmath"
)

// MinPnPPoints is the number of 2D-3D correspondences needed by the linear pose solver.
const MinPnPPoints = 6

// SolvePnP estimates a camera pose from 2D-3D correspondences with the direct linear transform.
// pixels are normalized image points (intrinsics removed). The 3x4 projection matrix is the
// null vector of the 2n x 12 constraint matrix; its sign is fixed so the rotation block has a
// positive determinant, the rotation is re-orthonormalized as U*V^T and the translation is
// rescaled by 3 / (sum of singular values of the rotation block).
func SolvePnP(points []r3.Vector, pixels []r2.Point) (*CamPose, error) {
	if len(points) != len(pixels) {
		return nil, errors.Errorf("got %d 3D points and %d 2D points", len(points), len(pixels))
	}
	if len(points) < MinPnPPoints {
		return nil, errors.Wrapf(ErrInsufficientCorrespondences, "pose estimation needs %d points, got %d",
			MinPnPPoints, len(points))
	}
	A := mat.NewDense(2*len(points), 12, nil)
	for i, X := range points {
		x, y := pixels[i].X, pixels[i].Y
		A.SetRow(2*i, []float64{X.X, X.Y, X.Z, 1, 0, 0, 0, 0, -x * X.X, -x * X.Y, -x * X.Z, -x})
		A.SetRow(2*i+1, []float64{0, 0, 0, 0, X.X, X.Y, X.Z, 1, -y * X.X, -y * X.Y, -y * X.Z, -y})
	}
	mats, err := performSVD(A)
	if err != nil {
		return nil, err
	}
	if mats.Values[10] <= rankTolerance*mats.Values[0] {
		return nil, errors.Wrap(ErrDegenerateConfiguration, "pose constraints are rank deficient")
	}
	lastColV := mats.V.ColView(11)
	pData := make([]float64, 12)
	for i := range pData {
		pData[i] = lastColV.AtVec(i)
	}
	P := mat.NewDense(3, 4, pData)
	if mat.Det(P.Slice(0, 3, 0, 3)) < 0 {
		P.Scale(-1, P)
	}

	rotMats, err := performSVD(P.Slice(0, 3, 0, 3))
	if err != nil {
		return nil, err
	}
	var rHat mat.Dense
	rHat.Mul(rotMats.U, rotMats.VT)
	sigmaSum := rotMats.Values[0] + rotMats.Values[1] + rotMats.Values[2]
	if sigmaSum == 0 {
		return nil, errors.Wrap(ErrDegenerateConfiguration, "projection matrix has a zero rotation block")
	}
	scale := 3 / sigmaSum

	rot, err := spatialmath.NewRotationMatrixFromDense(&rHat)
	if err != nil {
		return nil, err
	}
	t := r3.Vector{X: P.At(0, 3) * scale, Y: P.At(1, 3) * scale, Z: P.At(2, 3) * scale}
	if !IsFinitePoint(t) {
		return nil, errors.Wrap(ErrDegenerateConfiguration, "pose translation is not finite")
	}
	return NewCamPose(rot, t), nil
}
