package transform

import (
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
)

func TestTriangulatePoints(t *testing.T) {
	pts3d, right, l, r := syntheticTwoView(40, 5)
	got, err := TriangulatePoints(NewIdentityCamPose(), right, l, r)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got, test.ShouldHaveLength, len(pts3d))
	for i := range got {
		test.That(t, got[i].Sub(pts3d[i]).Norm(), test.ShouldBeLessThan, 1e-6)
	}

	// neither camera needs to be the reference
	left := NewCamPoseFromRotationVector(r3.Vector{X: 0, Y: 0.1, Z: 0}, r3.Vector{X: 0.5, Y: 0, Z: 0.2})
	l2 := make([]r2.Point, len(pts3d))
	for i, pt := range pts3d {
		l2[i], _ = left.ProjectNormalized(pt)
	}
	got, err = TriangulatePoints(left, right, l2, r)
	test.That(t, err, test.ShouldBeNil)
	for i := range got {
		test.That(t, got[i].Sub(pts3d[i]).Norm(), test.ShouldBeLessThan, 1e-6)
	}

	_, err = TriangulatePoints(left, right, l2, r[:3])
	test.That(t, err, test.ShouldNotBeNil)

	// rays that are parallel up to rounding meet at infinity
	shifted := NewCamPose(NewIdentityCamPose().Rotation, r3.Vector{X: -1})
	var near, far []r2.Point
	var nearR, farR []r2.Point
	for _, pt := range []r3.Vector{{X: 0.3, Y: 0.2, Z: 1}, {X: -0.1, Y: 0.4, Z: 1}} {
		n, _ := NewIdentityCamPose().ProjectNormalized(pt.Mul(1e3))
		nR, _ := shifted.ProjectNormalized(pt.Mul(1e3))
		f, _ := NewIdentityCamPose().ProjectNormalized(pt.Mul(1e10))
		fR, _ := shifted.ProjectNormalized(pt.Mul(1e10))
		near, nearR = append(near, n), append(nearR, nR)
		far, farR = append(far, f), append(farR, fR)
	}
	got, err = TriangulatePoints(NewIdentityCamPose(), shifted, near, nearR)
	test.That(t, err, test.ShouldBeNil)
	for _, pt := range got {
		test.That(t, IsFinitePoint(pt), test.ShouldBeTrue)
		test.That(t, pt.Z, test.ShouldAlmostEqual, 1e3, 1e-3)
	}
	got, err = TriangulatePoints(NewIdentityCamPose(), shifted, far, farR)
	test.That(t, err, test.ShouldBeNil)
	for _, pt := range got {
		test.That(t, IsFinitePoint(pt), test.ShouldBeFalse)
	}
}

func TestCamPose(t *testing.T) {
	pose := NewCamPoseFromRotationVector(r3.Vector{X: 0.1, Y: 0.2, Z: -0.3}, r3.Vector{X: 1, Y: -2, Z: 3})
	pt := r3.Vector{X: 0.4, Y: -0.7, Z: 5}

	// [R|t] applied to the homogeneous point is the camera frame point
	var camPt mat.VecDense
	camPt.MulVec(pose.PoseMat(), mat.NewVecDense(4, []float64{pt.X, pt.Y, pt.Z, 1}))
	test.That(t, r3.Vector{X: camPt.AtVec(0), Y: camPt.AtVec(1), Z: camPt.AtVec(2)}.Sub(pose.Transform(pt)).Norm(),
		test.ShouldBeLessThan, 1e-12)

	// the camera center maps to the camera origin
	test.That(t, pose.Transform(pose.Center()).Norm(), test.ShouldBeLessThan, 1e-12)

	rv := pose.RotationVector()
	test.That(t, rv.Sub(r3.Vector{X: 0.1, Y: 0.2, Z: -0.3}).Norm(), test.ShouldBeLessThan, 1e-9)

	intrinsics := &PinholeCameraIntrinsics{Width: 640, Height: 480, Fx: 1000, Fy: 1000, Ppx: 320, Ppy: 240}
	px, depth := Project(intrinsics, pose, pt)
	test.That(t, depth, test.ShouldAlmostEqual, pose.Transform(pt).Z, 1e-12)
	test.That(t, ReprojectionError(intrinsics, pose, pt, px), test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, ReprojectionError(intrinsics, pose, pt, px.Add(r2.Point{X: 3, Y: 4})), test.ShouldAlmostEqual, 5, 1e-9)

	nan := r3.Vector{X: math.NaN(), Y: 0, Z: 1}
	test.That(t, IsFinitePoint(nan), test.ShouldBeFalse)
	test.That(t, ReprojectionError(intrinsics, pose, nan, px) < 5, test.ShouldBeFalse)
}
