package transform

import (
	"math/rand"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
)

// syntheticTwoView returns random points in front of two cameras, the right camera pose and the
// noiseless normalized observations in both views. The left camera is the identity.
func syntheticTwoView(n int, seed int64) ([]r3.Vector, *CamPose, []r2.Point, []r2.Point) {
	rng := rand.New(rand.NewSource(seed))
	right := NewCamPoseFromRotationVector(r3.Vector{X: 0.05, Y: -0.2, Z: 0.03}, r3.Vector{X: -0.3, Y: 0.02, Z: 0.05})
	identity := NewIdentityCamPose()
	pts3d := make([]r3.Vector, n)
	left2d := make([]r2.Point, n)
	right2d := make([]r2.Point, n)
	for i := range pts3d {
		pts3d[i] = r3.Vector{X: rng.Float64()*4 - 2, Y: rng.Float64()*3 - 1.5, Z: 4 + rng.Float64()*4}
		left2d[i], _ = identity.ProjectNormalized(pts3d[i])
		right2d[i], _ = right.ProjectNormalized(pts3d[i])
	}
	return pts3d, right, left2d, right2d
}

func TestEssentialMatrixFromPoints(t *testing.T) {
	_, _, l, r := syntheticTwoView(30, 1)
	E, err := EssentialMatrixFromPoints(l, r)
	test.That(t, err, test.ShouldBeNil)

	var svd mat.SVD
	test.That(t, svd.Factorize(E, mat.SVDNone), test.ShouldBeTrue)
	values := svd.Values(nil)
	test.That(t, values[0], test.ShouldAlmostEqual, 1, 1e-12)
	test.That(t, values[1], test.ShouldAlmostEqual, 1, 1e-12)
	test.That(t, values[2], test.ShouldAlmostEqual, 0, 1e-12)

	for i := range l {
		test.That(t, EpipolarResidual(E, l[i], r[i]), test.ShouldBeLessThan, 1e-10)
	}

	// the minimal set works too
	E8, err := EssentialMatrixFromPoints(l[:8], r[:8])
	test.That(t, err, test.ShouldBeNil)
	for i := range l {
		test.That(t, EpipolarResidual(E8, l[i], r[i]), test.ShouldBeLessThan, 1e-9)
	}
}

func TestEssentialMatrixErrors(t *testing.T) {
	_, _, l, r := syntheticTwoView(7, 2)
	_, err := EssentialMatrixFromPoints(l, r)
	test.That(t, errors.Is(err, ErrInsufficientCorrespondences), test.ShouldBeTrue)

	_, err = EssentialMatrixFromPoints(l, r[:6])
	test.That(t, err, test.ShouldNotBeNil)

	// the same point repeated cannot constrain anything
	same := make([]r2.Point, 10)
	for i := range same {
		same[i] = r2.Point{X: 0.1, Y: 0.2}
	}
	_, err = EssentialMatrixFromPoints(same, same)
	test.That(t, errors.Is(err, ErrDegenerateConfiguration), test.ShouldBeTrue)
}

func TestDecomposeEssentialMatrix(t *testing.T) {
	_, truth, l, r := syntheticTwoView(20, 3)
	E, err := EssentialMatrixFromPoints(l, r)
	test.That(t, err, test.ShouldBeNil)

	rotations, tr, err := DecomposeEssentialMatrix(E)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rotations, test.ShouldHaveLength, 2)
	for _, rot := range rotations {
		test.That(t, rot.Det(), test.ShouldAlmostEqual, 1, 1e-9)
	}
	test.That(t, tr.Norm(), test.ShouldAlmostEqual, 1, 1e-9)

	hyps, err := PoseHypotheses(E)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, hyps, test.ShouldHaveLength, 4)

	trueDir := truth.Translation.Normalize()
	matched := 0
	for _, hyp := range hyps {
		if hyp.Rotation.AlmostEqual(truth.Rotation, 1e-6) && hyp.Translation.Sub(trueDir).Norm() < 1e-6 {
			matched++
		}
	}
	test.That(t, matched, test.ShouldEqual, 1)

	best, scores, err := SelectPose(hyps, l, r)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, scores, test.ShouldHaveLength, 4)
	test.That(t, best.PositiveDepth, test.ShouldEqual, len(l))
	test.That(t, best.Pose.Rotation.AlmostEqual(truth.Rotation, 1e-6), test.ShouldBeTrue)
	test.That(t, best.Pose.Translation.Sub(trueDir).Norm(), test.ShouldBeLessThan, 1e-6)
	for _, s := range scores {
		if s.Pose != best.Pose {
			test.That(t, s.Score, test.ShouldBeLessThan, best.Score)
		}
	}
}

func TestFundamentalMatrix(t *testing.T) {
	intrinsics := &PinholeCameraIntrinsics{Width: 640, Height: 480, Fx: 1000, Fy: 1000, Ppx: 320, Ppy: 240}
	_, _, l, r := syntheticTwoView(25, 4)
	lPx := make([]r2.Point, len(l))
	rPx := make([]r2.Point, len(r))
	for i := range l {
		lPx[i] = intrinsics.NormalizedToPixel(l[i])
		rPx[i] = intrinsics.NormalizedToPixel(r[i])
	}
	F, err := ComputeFundamentalMatrixAllPoints(lPx, rPx, true)
	test.That(t, err, test.ShouldBeNil)
	for i := range lPx {
		test.That(t, SampsonDistance(F, lPx[i], rPx[i]), test.ShouldBeLessThan, 1e-6)
	}
	// a point moved off its epipolar line is far from the model
	test.That(t, SampsonDistance(F, lPx[0], rPx[0].Add(r2.Point{X: 0, Y: 40})), test.ShouldBeGreaterThan, 1)

	_, err = ComputeFundamentalMatrixAllPoints(lPx[:5], rPx[:5], true)
	test.That(t, errors.Is(err, ErrInsufficientCorrespondences), test.ShouldBeTrue)
}
