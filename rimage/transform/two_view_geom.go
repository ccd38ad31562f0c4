// Package transform contains the two-view and multi-view geometry used by the reconstruction:
// camera intrinsics and poses, essential and fundamental matrices, triangulation and the
// linear camera pose solver.
package transform

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/sfm/spatialmath"
)

var (
	// ErrInsufficientCorrespondences is returned when a solver receives fewer points than it needs.
	ErrInsufficientCorrespondences = errors.New("insufficient correspondences")
	// ErrDegenerateConfiguration is returned when the points do not constrain a unique solution.
	ErrDegenerateConfiguration = errors.New("degenerate point configuration")
)

// MinEssentialPoints is the number of correspondences needed by the linear essential matrix solver.
const MinEssentialPoints = 8

// rankTolerance is the relative singular value below which a constraint matrix is considered rank deficient.
const rankTolerance = 1e-12

// EssentialMatrixFromPoints estimates the essential matrix from normalized (intrinsics removed)
// correspondences with the linear 8-point method. Each row of the constraint matrix is the
// Kronecker product of the right and left homogeneous points, so that right^T * E * left = 0.
func EssentialMatrixFromPoints(left, right []r2.Point) (*mat.Dense, error) {
	if len(left) != len(right) {
		return nil, errors.Errorf("sets of points must have the same number of elements, got %d and %d",
			len(left), len(right))
	}
	if len(left) < MinEssentialPoints {
		return nil, errors.Wrapf(ErrInsufficientCorrespondences, "essential matrix needs %d points, got %d",
			MinEssentialPoints, len(left))
	}
	m := mat.NewDense(len(left), 9, nil)
	for i := range left {
		l, r := left[i], right[i]
		m.SetRow(i, []float64{
			r.X * l.X, r.X * l.Y, r.X,
			r.Y * l.X, r.Y * l.Y, r.Y,
			l.X, l.Y, 1,
		})
	}

	mats, err := performSVD(m)
	if err != nil {
		return nil, err
	}
	// the null space must be one dimensional: the 8th singular value has to be clear of zero
	if mats.Values[7] <= rankTolerance*mats.Values[0] {
		return nil, errors.Wrap(ErrDegenerateConfiguration, "essential matrix constraints are rank deficient")
	}
	lastColV := mats.V.ColView(8)
	essData := make([]float64, 9)
	for i := range essData {
		essData[i] = lastColV.AtVec(i)
	}
	return projectToEssentialSpace(mat.NewDense(3, 3, essData))
}

// projectToEssentialSpace replaces the singular values of m by (1, 1, 0).
func projectToEssentialSpace(m *mat.Dense) (*mat.Dense, error) {
	mats, err := performSVD(m)
	if err != nil {
		return nil, err
	}
	S := eye(3)
	S.Set(2, 2, 0)

	var essMat mat.Dense
	essMat.Mul(mats.U, S)
	essMat.Mul(&essMat, mats.VT)
	if !isFinite(&essMat) {
		return nil, errors.Wrap(ErrDegenerateConfiguration, "essential matrix is not finite")
	}
	return &essMat, nil
}

// EpipolarResidual returns |right^T * E * left| for normalized points.
func EpipolarResidual(essMat mat.Matrix, left, right r2.Point) float64 {
	l := r3.Vector{X: left.X, Y: left.Y, Z: 1}
	r := r3.Vector{X: right.X, Y: right.Y, Z: 1}
	el := r3.Vector{
		X: essMat.At(0, 0)*l.X + essMat.At(0, 1)*l.Y + essMat.At(0, 2)*l.Z,
		Y: essMat.At(1, 0)*l.X + essMat.At(1, 1)*l.Y + essMat.At(1, 2)*l.Z,
		Z: essMat.At(2, 0)*l.X + essMat.At(2, 1)*l.Y + essMat.At(2, 2)*l.Z,
	}
	return math.Abs(r.Dot(el))
}

// DecomposeEssentialMatrix decomposes the essential matrix into its 2 possible rotations and the
// translation direction (defined up to sign). Of the candidates U*W*V^T, U*W^T*V^T and their
// negations, the first two with a positive determinant are kept.
func DecomposeEssentialMatrix(essMat *mat.Dense) ([]*spatialmath.RotationMatrix, r3.Vector, error) {
	mats, err := performSVD(essMat)
	if err != nil {
		return nil, r3.Vector{}, err
	}
	// W is a 90 degree rotation about z
	W := mat.NewDense(3, 3, []float64{
		0, -1, 0,
		1, 0, 0,
		0, 0, 1,
	})
	var r1, r2 mat.Dense
	r1.Mul(mats.U, W)
	r1.Mul(&r1, mats.VT)
	r2.Mul(mats.U, W.T())
	r2.Mul(&r2, mats.VT)
	var r3Neg, r4Neg mat.Dense
	r3Neg.Scale(-1, &r1)
	r4Neg.Scale(-1, &r2)

	rotations := make([]*spatialmath.RotationMatrix, 0, 2)
	for _, candidate := range []*mat.Dense{&r1, &r2, &r3Neg, &r4Neg} {
		if len(rotations) == 2 {
			break
		}
		if mat.Det(candidate) <= 0 {
			continue
		}
		rot, err := spatialmath.NewRotationMatrixFromDense(candidate)
		if err != nil {
			return nil, r3.Vector{}, err
		}
		rotations = append(rotations, rot)
	}
	if len(rotations) != 2 {
		return nil, r3.Vector{}, errors.Wrap(ErrDegenerateConfiguration, "essential matrix has no valid rotations")
	}
	U3 := mats.U.ColView(2)
	t := r3.Vector{X: U3.AtVec(0), Y: U3.AtVec(1), Z: U3.AtVec(2)}
	return rotations, t, nil
}

// ComputeFundamentalMatrixAllPoints compute the fundamental matrix from all points, such that
// pts2^T * F * pts1 = 0.
func ComputeFundamentalMatrixAllPoints(pts1, pts2 []r2.Point, normalize bool) (*mat.Dense, error) {
	if len(pts1) != len(pts2) {
		return nil, errors.New("sets of points pts1 and pts2 must have the same number of elements")
	}
	if len(pts1) < 8 {
		return nil, errors.Wrapf(ErrInsufficientCorrespondences, "fundamental matrix needs 8 points, got %d", len(pts1))
	}
	nPoints := len(pts1)

	var points1, points2 []r2.Point
	var T1, T2 *mat.Dense

	// if normalize, normalize points and get transform
	if normalize {
		points1, T1 = normalizePoints(pts1)
		points2, T2 = normalizePoints(pts2)
	} else {
		points1 = make([]r2.Point, nPoints)
		copy(points1, pts1)
		points2 = make([]r2.Point, nPoints)
		copy(points2, pts2)
		T1 = eye(3)
		T2 = eye(3)
	}

	m := mat.NewDense(nPoints, 9, nil)
	for i := range points1 {
		v1 := points1[i]
		v2 := points2[i]
		m.SetRow(i, []float64{
			v2.X * v1.X, v2.X * v1.Y, v2.X,
			v2.Y * v1.X, v2.Y * v1.Y, v2.Y,
			v1.X, v1.Y, 1,
		})
	}

	mats1, err := performSVD(m)
	if err != nil {
		return nil, err
	}
	lastColV := mats1.V.ColView(8)

	// reshape into F
	lastColVdata := make([]float64, 9)
	for i := range lastColVdata {
		lastColVdata[i] = lastColV.AtVec(i)
	}
	F := mat.NewDense(3, 3, lastColVdata)

	// enforce rank 2 of F
	mats2, err := performSVD(F)
	if err != nil {
		return nil, err
	}
	S := mats2.S
	S.Set(2, 2, 0)

	// get refined F: U@S@V2^T
	Fhat := mat.NewDense(3, 3, nil)
	Fhat.Mul(mats2.U, S)
	F.Mul(Fhat, mats2.VT)
	// rescale F: T2^T @ F @ T1
	F.Mul(T2.T(), F)
	F.Mul(F, T1)

	if norm := mat.Norm(F, 2); norm > 0 {
		F.Scale(1/norm, F)
	}
	if !isFinite(F) {
		return nil, errors.Wrap(ErrDegenerateConfiguration, "fundamental matrix is not finite")
	}
	return F, nil
}

// SampsonDistance returns the first order geometric distance, in pixels, of the correspondence
// (p1, p2) to the epipolar geometry described by F.
func SampsonDistance(F mat.Matrix, p1, p2 r2.Point) float64 {
	x1 := mat.NewVecDense(3, []float64{p1.X, p1.Y, 1})
	x2 := mat.NewVecDense(3, []float64{p2.X, p2.Y, 1})
	var fx1, ftx2 mat.VecDense
	fx1.MulVec(F, x1)
	ftx2.MulVec(F.T(), x2)
	num := mat.Dot(x2, &fx1)
	den := fx1.AtVec(0)*fx1.AtVec(0) + fx1.AtVec(1)*fx1.AtVec(1) +
		ftx2.AtVec(0)*ftx2.AtVec(0) + ftx2.AtVec(1)*ftx2.AtVec(1)
	if den == 0 {
		return math.Inf(1)
	}
	return math.Abs(num) / math.Sqrt(den)
}

// helpers
// normalizePoints normalizes points as described in Multiple View Geometry, Alg 11.1.
func normalizePoints(pts []r2.Point) ([]r2.Point, *mat.Dense) {
	nPoints := len(pts)
	// computer centroid of points
	mu := r2.Point{X: 0, Y: 0}

	for _, pt := range pts {
		mu.X += pt.X
		mu.Y += pt.Y
	}
	mu = mu.Mul(1. / float64(nPoints))
	// compute scale factor
	d := 0.0
	for _, pt := range pts {
		x2 := (pt.X - mu.X) * (pt.X - mu.X)
		y2 := (pt.Y - mu.Y) * (pt.Y - mu.Y)
		d += math.Sqrt(x2+y2) / float64(nPoints)
	}
	scale := 1.
	if d > 0 {
		scale = math.Sqrt(2) / d
	}
	transformData := []float64{
		scale, 0, -scale * mu.X,
		0, scale, -scale * mu.Y,
		0, 0, 1,
	}
	T := mat.NewDense(3, 3, transformData)
	// apply transform to points
	pointsTransformed := make([]r2.Point, nPoints)
	for i := range pointsTransformed {
		pointsTransformed[i] = r2.Point{X: scale * (pts[i].X - mu.X), Y: scale * (pts[i].Y - mu.Y)}
	}
	return pointsTransformed, T
}

// mat.Dense utils.

// eye create an identity matrix of size nxn.
func eye(n int) *mat.Dense {
	if n <= 0 {
		return nil
	}
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

func isFinite(m mat.Matrix) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := m.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}

// matsSVD stores the matrices from SVD decomposition.
type matsSVD struct {
	U      *mat.Dense
	V      *mat.Dense
	VT     *mat.Dense
	S      *mat.Dense
	Values []float64
}

// performSVD performs a full SVD on inputMatrix and returns matrices U, Sigma and V from the decomposition.
func performSVD(inputMatrix mat.Matrix) (*matsSVD, error) {
	var svd mat.SVD
	if ok := svd.Factorize(inputMatrix, mat.SVDFull); !ok {
		return nil, errors.Wrap(ErrDegenerateConfiguration, "failed to factorize matrix")
	}

	u, v, sigma, vt := &mat.Dense{}, &mat.Dense{}, &mat.Dense{}, &mat.Dense{}

	svd.UTo(u)
	svd.VTo(v)
	vt.CloneFrom(v.T())

	singularValues := svd.Values(nil)
	sigma.CloneFrom(mat.NewDiagDense(len(singularValues), singularValues))

	return &matsSVD{u, v, vt, sigma, singularValues}, nil
}
