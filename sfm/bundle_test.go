package sfm

import (
	"context"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/sfm/logging"
	"go.viam.com/sfm/rimage/transform"
	"go.viam.com/sfm/scene"
	"go.viam.com/sfm/testutils"
)

func TestBundleSparsity(t *testing.T) {
	nCams, nPts := 3, 25
	pattern := BundleSparsity(nCams, nPts)
	test.That(t, len(pattern), test.ShouldEqual, 2*nCams*nPts)
	nParams := NumBundleParams(nCams, nPts)
	test.That(t, nParams, test.ShouldEqual, 18+3+75)
	for j := 0; j < nCams; j++ {
		for i := 0; i < nPts; i++ {
			row := 2*i + j*nPts*2
			for _, r := range []int{row, row + 1} {
				cols := pattern[r]
				test.That(t, len(cols), test.ShouldEqual, 12)
				test.That(t, cols[:6], test.ShouldResemble, []int{6 * j, 6*j + 1, 6*j + 2, 6*j + 3, 6*j + 4, 6*j + 5})
				test.That(t, cols[6:9], test.ShouldResemble, []int{18, 19, 20})
				test.That(t, cols[9:], test.ShouldResemble, []int{21 + 3*i, 22 + 3*i, 23 + 3*i})
			}
		}
	}
}

func TestEncodeDecodeParams(t *testing.T) {
	poses := []*transform.CamPose{
		transform.NewIdentityCamPose(),
		transform.NewCamPoseFromRotationVector(r3.Vector{X: 0.1, Y: 0.2, Z: -0.3}, r3.Vector{X: 1, Y: 2, Z: 3}),
	}
	intrinsics := transform.PinholeCameraIntrinsics{Width: 640, Height: 480, Fx: 990, Fy: 1010, Ppx: 321, Ppy: 239}
	points := []r3.Vector{{X: 1, Y: 2, Z: 3}, {X: -4, Y: 5, Z: 6}}

	x := EncodeParams(poses, &intrinsics, points)
	test.That(t, len(x), test.ShouldEqual, NumBundleParams(2, 2))
	test.That(t, x[6:12], test.ShouldResemble, packPose(poses[1]))
	test.That(t, x[12:15], test.ShouldResemble, []float64{1000, 321, 239})
	test.That(t, x[15:], test.ShouldResemble, []float64{1, 2, 3, -4, 5, 6})

	gotPoses, gotIntrinsics, gotPoints, err := DecodeParams(x, 2, 2, intrinsics)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, gotPoints, test.ShouldResemble, points)
	test.That(t, *gotIntrinsics, test.ShouldResemble,
		transform.PinholeCameraIntrinsics{Width: 640, Height: 480, Fx: 1000, Fy: 1000, Ppx: 321, Ppy: 239})
	for j, pose := range gotPoses {
		test.That(t, pose.Rotation.AlmostEqual(poses[j].Rotation, 1e-12), test.ShouldBeTrue)
		test.That(t, pose.Translation, test.ShouldResemble, poses[j].Translation)
	}

	_, _, _, err = DecodeParams(x[1:], 2, 2, intrinsics)
	test.That(t, err, test.ShouldNotBeNil)
}

// perturbedScene registers every synthetic camera and point with noise added to poses and points.
func perturbedScene(t *testing.T, ss *testutils.SyntheticScene, seed int64) *scene.Scene {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	jitter := func(scale float64) r3.Vector {
		return r3.Vector{X: rng.NormFloat64(), Y: rng.NormFloat64(), Z: rng.NormFloat64()}.Mul(scale)
	}
	s, err := scene.New(ss.Intrinsics, ss.Keypoints())
	test.That(t, err, test.ShouldBeNil)
	for cam, pose := range ss.Poses {
		noisy := pose
		if cam > 0 {
			noisy = transform.NewCamPoseFromRotationVector(pose.RotationVector().Add(jitter(0.005)),
				pose.Translation.Add(jitter(0.01)))
		}
		test.That(t, s.RegisterCamera(cam, noisy), test.ShouldBeNil)
	}
	for pt, X := range ss.Points {
		obs := map[int]int{}
		for cam := range ss.Poses {
			if kp, ok := ss.KeypointIndex(cam, pt); ok {
				obs[cam] = kp
			}
		}
		_, err := s.AddPoint(X.Add(jitter(0.03)), obs)
		test.That(t, err, test.ShouldBeNil)
	}
	return s
}

func TestBundleAdjust(t *testing.T) {
	logger := logging.NewTestLogger(t)
	ss := testutils.NewSyntheticScene(threeCameras(), 30, 19)
	ss.Hide(2, 0, 1, 2, 3)
	s := perturbedScene(t, ss, 2)
	test.That(t, s.SetIntrinsics(transform.PinholeCameraIntrinsics{
		Width: 640, Height: 480, Fx: 1010, Fy: 1010, Ppx: 318, Ppy: 243,
	}), test.ShouldBeNil)

	cfg := testConfig()
	cfg.BundleTolerance = 1e-10
	report, err := BundleAdjust(context.Background(), s, cfg, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, report.Cameras, test.ShouldEqual, 3)
	test.That(t, report.Points, test.ShouldEqual, 30)
	test.That(t, report.Observations, test.ShouldEqual, 3*30-4)
	test.That(t, report.FinalCost, test.ShouldBeLessThanOrEqualTo, report.InitialCost)
	test.That(t, report.FinalCost, test.ShouldBeLessThan, report.InitialCost/10)
	test.That(t, report.FinalRMSE, test.ShouldBeLessThan, report.InitialRMSE)

	// the scene holds the adjusted state
	intrinsics := s.Intrinsics()
	test.That(t, intrinsics.Fx, test.ShouldEqual, intrinsics.Fy)
	var sum float64
	var n int
	for _, cam := range s.RegisteredCameras() {
		pose, _ := s.Pose(cam)
		for pt, kp := range s.Observations(cam) {
			X, err := s.Point(pt)
			test.That(t, err, test.ShouldBeNil)
			k, err := s.Keypoint(cam, kp)
			test.That(t, err, test.ShouldBeNil)
			e := transform.ReprojectionError(intrinsics, pose, X, k.Point)
			sum += e * e
			n++
		}
	}
	test.That(t, n, test.ShouldEqual, report.Observations)
	test.That(t, sum/2, test.ShouldAlmostEqual, report.FinalCost, 1e-6*report.InitialCost+1e-9)
}

func TestBundleAdjustErrors(t *testing.T) {
	logger := logging.NewTestLogger(t)
	ss := testutils.NewSyntheticScene(threeCameras(), 10, 23)
	s := perturbedScene(t, ss, 4)

	// the synthetic focal length of 1000 is outside fixed bounds
	narrow := DefaultConfig()
	narrow.FocalMin, narrow.FocalMax = 100, 800
	_, err := BundleAdjust(context.Background(), s, narrow, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "outside the bundle adjustment bounds")

	empty, err := scene.New(ss.Intrinsics, ss.Keypoints())
	test.That(t, err, test.ShouldBeNil)
	_, err = BundleAdjust(context.Background(), empty, testConfig(), logger)
	test.That(t, err, test.ShouldNotBeNil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = BundleAdjust(ctx, s, testConfig(), logger)
	test.That(t, err, test.ShouldNotBeNil)
}
