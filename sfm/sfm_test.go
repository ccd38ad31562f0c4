package sfm

import (
	"context"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/zap/zapcore"
	"go.viam.com/test"
	"gonum.org/v1/gonum/optimize"

	"go.viam.com/sfm/logging"
	"go.viam.com/sfm/ransac"
	"go.viam.com/sfm/rimage/transform"
	"go.viam.com/sfm/scene"
	"go.viam.com/sfm/testutils"
)

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.EssentialRANSAC.Iterations = 300
	cfg.PnPRANSAC.Iterations = 300
	return cfg
}

func threeCameras() []*transform.CamPose {
	return testutils.ThreeCameraRig()
}

// recoveredScale maps ground truth distances to the reconstruction, whose seed baseline has unit length.
func recoveredScale(truth []*transform.CamPose) float64 {
	return 1 / truth[1].Center().Sub(truth[0].Center()).Norm()
}

func TestInitializeTwoView(t *testing.T) {
	logger := logging.NewTestLogger(t)
	truth := threeCameras()[:2]
	ss := testutils.NewSyntheticScene(truth, 50, 11)
	s, err := ss.Scene()
	test.That(t, err, test.ShouldBeNil)

	report, err := InitializeTwoView(context.Background(), s, 0, 1, testConfig(), logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, report.Total, test.ShouldEqual, 50)
	test.That(t, report.Inliers, test.ShouldEqual, 50)
	test.That(t, report.Points, test.ShouldEqual, 50)
	test.That(t, report.MeanError, test.ShouldBeLessThan, 1e-3)
	test.That(t, len(report.Hypotheses), test.ShouldEqual, 4)
	test.That(t, report.Pose.PositiveDepth, test.ShouldEqual, 50)

	test.That(t, s.RegisteredCameras(), test.ShouldResemble, []int{0, 1})
	test.That(t, s.CameraState(1), test.ShouldEqual, scene.Contributing)
	pose, ok := s.Pose(1)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, pose.Rotation.AlmostEqual(truth[1].Rotation, 1e-6), test.ShouldBeTrue)
	test.That(t, pose.Translation.Norm(), test.ShouldAlmostEqual, 1, 1e-9)
	scale := recoveredScale(truth)
	test.That(t, pose.Translation.Sub(truth[1].Translation.Mul(scale)).Norm(), test.ShouldBeLessThan, 1e-6)

	// every point reprojects within a pixel in both views
	intrinsics := s.Intrinsics()
	test.That(t, s.NumPoints(), test.ShouldEqual, 50)
	for pt := 0; pt < s.NumPoints(); pt++ {
		X, err := s.Point(pt)
		test.That(t, err, test.ShouldBeNil)
		for _, cam := range []int{0, 1} {
			p, _ := s.Pose(cam)
			kp, ok := s.Observation(cam, pt)
			test.That(t, ok, test.ShouldBeTrue)
			k, err := s.Keypoint(cam, kp)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, transform.ReprojectionError(intrinsics, p, X, k.Point), test.ShouldBeLessThan, 1)
		}
	}

	_, err = InitializeTwoView(context.Background(), s, 0, 1, testConfig(), logger)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestInitializeTwoViewErrors(t *testing.T) {
	logger := logging.NewTestLogger(t)
	ss := testutils.NewSyntheticScene(threeCameras()[:2], 7, 3)
	s, err := ss.Scene()
	test.That(t, err, test.ShouldBeNil)
	_, err = InitializeTwoView(context.Background(), s, 0, 1, testConfig(), logger)
	test.That(t, errors.Is(err, ErrInsufficientCorrespondences), test.ShouldBeTrue)
	test.That(t, s.RegisteredCameras(), test.ShouldBeEmpty)

	_, err = InitializeTwoView(context.Background(), s, 1, 1, testConfig(), logger)
	test.That(t, err, test.ShouldNotBeNil)

	// every point coincides, no essential matrix can be fit
	ss = testutils.NewSyntheticScene(threeCameras()[:2], 12, 3)
	for c := range ss.Pixels {
		for i := range ss.Pixels[c] {
			ss.Pixels[c][i] = ss.Pixels[c][0]
		}
	}
	s, err = ss.Scene()
	test.That(t, err, test.ShouldBeNil)
	_, err = InitializeTwoView(context.Background(), s, 0, 1, testConfig(), logger)
	test.That(t, errors.Is(err, ErrReconstructionFailed), test.ShouldBeTrue)
	test.That(t, errors.Is(err, ransac.ErrNoConsensus), test.ShouldBeTrue)
}

func TestRegisterCameraRejectsOutliers(t *testing.T) {
	logger := logging.NewTestLogger(t)
	truth := threeCameras()
	ss := testutils.NewSyntheticScene(truth, 50, 21)
	displaced := ss.Displace(2, 0.2, 50)
	test.That(t, len(displaced), test.ShouldEqual, 10)
	s, err := ss.Scene()
	test.That(t, err, test.ShouldBeNil)

	cfg := testConfig()
	_, err = InitializeTwoView(context.Background(), s, 0, 1, cfg, logger)
	test.That(t, err, test.ShouldBeNil)

	report, err := RegisterCamera(context.Background(), s, 2, cfg, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, report.Correspondences, test.ShouldEqual, 50)
	test.That(t, report.Inliers, test.ShouldEqual, 40)
	test.That(t, report.RefinedError, test.ShouldBeLessThan, 1e-3)
	test.That(t, report.Observations, test.ShouldEqual, 40)
	test.That(t, report.NewPoints, test.ShouldEqual, 0)
	test.That(t, s.CameraState(2), test.ShouldEqual, scene.Contributing)

	// no displaced observation made it into the visibility relation
	for _, pt := range displaced {
		kp, _ := ss.KeypointIndex(2, pt)
		_, observed := s.ObservedPoint(2, kp)
		test.That(t, observed, test.ShouldBeFalse)
	}

	pose, ok := s.Pose(2)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, pose.Rotation.AlmostEqual(truth[2].Rotation, 1e-3), test.ShouldBeTrue)
	expected := truth[2].Translation.Mul(recoveredScale(truth))
	test.That(t, pose.Translation.Sub(expected).Norm(), test.ShouldBeLessThan, 1e-3)

	_, err = RegisterCamera(context.Background(), s, 2, cfg, logger)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestRegisterCameraTriangulates(t *testing.T) {
	logger := logging.NewTestLogger(t)
	truth := threeCameras()
	ss := testutils.NewSyntheticScene(truth, 40, 5)
	extra := ss.AddPoints(15, 1, 2)
	s, err := ss.Scene()
	test.That(t, err, test.ShouldBeNil)

	cfg := testConfig()
	_, err = InitializeTwoView(context.Background(), s, 0, 1, cfg, logger)
	test.That(t, err, test.ShouldBeNil)
	// the extra points are matched between 1 and 2 only and are not mapped by the seed pair
	test.That(t, s.NumPoints(), test.ShouldEqual, 40)

	report, err := RegisterCamera(context.Background(), s, 2, cfg, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, report.NewPoints, test.ShouldEqual, len(extra))
	test.That(t, s.NumPoints(), test.ShouldEqual, 40+len(extra))

	// new points follow the match order, and the map frame is the first camera frame
	scale := recoveredScale(truth)
	for k, truthIdx := range extra {
		X, err := s.Point(40 + k)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, X.Sub(ss.Points[truthIdx].Mul(scale)).Norm(), test.ShouldBeLessThan, 1e-6)
	}
}

func TestRegisterCameraInsufficient(t *testing.T) {
	logger := logging.NewTestLogger(t)
	truth := threeCameras()
	ss := testutils.NewSyntheticScene(truth, 30, 8)
	for pt := 5; pt < 30; pt++ {
		ss.Hide(2, pt)
	}
	s, err := ss.Scene()
	test.That(t, err, test.ShouldBeNil)
	_, err = InitializeTwoView(context.Background(), s, 0, 1, testConfig(), logger)
	test.That(t, err, test.ShouldBeNil)

	report, err := RegisterCamera(context.Background(), s, 2, testConfig(), logger)
	test.That(t, errors.Is(err, ErrInsufficientCorrespondences), test.ShouldBeTrue)
	test.That(t, report.Correspondences, test.ShouldEqual, 5)
	test.That(t, s.IsRegistered(2), test.ShouldBeFalse)
}

func TestRefinePose(t *testing.T) {
	truth := threeCameras()
	ss := testutils.NewSyntheticScene(truth, 30, 13)
	intrinsics := ss.Intrinsics
	start := transform.NewCamPoseFromRotationVector(
		truth[2].RotationVector().Add(r3.Vector{X: 0.002, Y: -0.003}),
		truth[2].Translation.Add(r3.Vector{X: 0.01, Z: -0.01}),
	)
	refined, cost, status, err := refinePose(context.Background(), &intrinsics, start, ss.Points, ss.Pixels[2], 1, 100)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, refineConverged(status), test.ShouldBeTrue)
	test.That(t, status, test.ShouldBeIn, optimize.FunctionConvergence, optimize.GradientThreshold,
		optimize.StepConvergence)
	test.That(t, cost, test.ShouldBeLessThan, 1e-4)
	test.That(t, refined.Rotation.AlmostEqual(truth[2].Rotation, 1e-4), test.ShouldBeTrue)
	test.That(t, refined.Translation.Sub(truth[2].Translation).Norm(), test.ShouldBeLessThan, 1e-4)

	// one iteration cannot settle a perturbed start
	_, _, status, err = refinePose(context.Background(), &intrinsics, start, ss.Points, ss.Pixels[2], 1, 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, status, test.ShouldEqual, optimize.IterationLimit)
	test.That(t, refineConverged(status), test.ShouldBeFalse)

	test.That(t, huber(0.5, 1), test.ShouldEqual, 0.25)
	test.That(t, huber(3, 1), test.ShouldEqual, 5)
	w := huberWeight(3, 1)
	test.That(t, w*w*9, test.ShouldAlmostEqual, huber(3, 1))
	test.That(t, huberWeight(0.5, 1), test.ShouldEqual, 1)
}

func TestRefinePoseRobust(t *testing.T) {
	truth := threeCameras()
	ss := testutils.NewSyntheticScene(truth, 30, 13)
	intrinsics := ss.Intrinsics
	pixels := append([]r2.Point(nil), ss.Pixels[2]...)
	// gross outliers are down weighted by the linear tail of the loss
	pixels[3] = pixels[3].Add(r2.Point{X: 40, Y: -25})
	pixels[11] = pixels[11].Add(r2.Point{X: -30, Y: 35})
	start := transform.NewCamPoseFromRotationVector(
		truth[2].RotationVector().Add(r3.Vector{Y: 0.002}),
		truth[2].Translation.Add(r3.Vector{X: -0.01}),
	)
	refined, _, status, err := refinePose(context.Background(), &intrinsics, start, ss.Points, pixels, 1, 100)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, refineConverged(status), test.ShouldBeTrue)
	var sum float64
	for i, pt := range ss.Points {
		if i == 3 || i == 11 {
			continue
		}
		sum += transform.ReprojectionError(&intrinsics, refined, pt, ss.Pixels[2][i])
	}
	test.That(t, sum/float64(len(ss.Points)-2), test.ShouldBeLessThan, 0.5)
}

func TestReconstruct(t *testing.T) {
	logger := logging.NewTestLogger(t)
	truth := append(threeCameras(),
		testutils.PoseFromCenter(r3.Vector{X: 0.03, Y: -0.12, Z: -0.01}, r3.Vector{X: 0.9, Y: -0.05, Z: -0.05}))
	ss := testutils.NewSyntheticScene(truth, 60, 17)
	ss.AddNoise(0.3)
	s, err := ss.Scene()
	test.That(t, err, test.ShouldBeNil)

	cfg := DefaultConfig()
	cfg.EssentialRANSAC.Threshold = 1e-3
	cfg.BundleEvery = 3
	report, err := Reconstruct(context.Background(), s, cfg, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, report.Registered, test.ShouldResemble, []int{0, 1, 2, 3})
	test.That(t, report.Unregistered, test.ShouldBeEmpty)
	test.That(t, report.Points, test.ShouldBeGreaterThanOrEqualTo, 55)

	stages := map[Stage]int{}
	for _, sr := range report.Stages {
		stages[sr.Stage]++
		test.That(t, sr.Err, test.ShouldBeNil)
		if sr.Stage != StageTwoView {
			test.That(t, sr.Status, test.ShouldNotEqual, optimize.IterationLimit.String())
			test.That(t, sr.Status, test.ShouldNotEqual, optimize.Failure.String())
		}
	}
	test.That(t, stages[StageTwoView], test.ShouldEqual, 1)
	test.That(t, stages[StageRegister], test.ShouldEqual, 2)
	test.That(t, stages[StageBundle], test.ShouldEqual, 2)

	last := report.Stages[len(report.Stages)-1]
	test.That(t, last.Stage, test.ShouldEqual, StageBundle)
	test.That(t, last.MeanError, test.ShouldBeLessThan, 1)
	test.That(t, s.Intrinsics().Fx, test.ShouldAlmostEqual, 1000, 50)
}

func TestReconstructDefaultConfig(t *testing.T) {
	logger, observed := logging.NewObservedTestLogger(t)
	truth := threeCameras()
	ss := testutils.NewSyntheticScene(truth, 50, 19)
	s, err := ss.Scene()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, s.Intrinsics().Fx, test.ShouldEqual, 1000)

	report, err := Reconstruct(context.Background(), s, DefaultConfig(), logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, report.Registered, test.ShouldResemble, []int{0, 1, 2})
	test.That(t, report.Points, test.ShouldEqual, 50)
	test.That(t, report.Warnings(), test.ShouldBeEmpty)
	test.That(t, observed.FilterMessage("low inlier ratio").Len(), test.ShouldEqual, 0)
	test.That(t, observed.FilterMessage("pose refinement did not converge").Len(), test.ShouldEqual, 0)

	last := report.Stages[len(report.Stages)-1]
	test.That(t, last.Stage, test.ShouldEqual, StageBundle)
	test.That(t, last.MeanError, test.ShouldBeLessThan, 1e-3)
	test.That(t, s.Intrinsics().Fx, test.ShouldAlmostEqual, 1000, 1)
}

func TestReportLowInlierRatio(t *testing.T) {
	logger, observed := logging.NewObservedTestLogger(t)
	var report Report
	report.add(StageReport{Stage: StageRegister, Camera: 2, Inliers: 9, Total: 10}, 0.3, logger)
	report.add(StageReport{Stage: StageRegister, Camera: 3, Inliers: 2, Total: 10}, 0.3, logger)

	test.That(t, report.Stages, test.ShouldHaveLength, 2)
	warnings := report.Warnings()
	test.That(t, warnings, test.ShouldHaveLength, 1)
	test.That(t, warnings[0].Camera, test.ShouldEqual, 3)
	test.That(t, warnings[0].Warning, test.ShouldContainSubstring, "0.20 is below 0.30")

	logs := observed.FilterMessage("low inlier ratio").All()
	test.That(t, logs, test.ShouldHaveLength, 1)
	test.That(t, logs[0].Level, test.ShouldEqual, zapcore.WarnLevel)
	test.That(t, logs[0].ContextMap()["camera"], test.ShouldEqual, int64(3))
	test.That(t, logs[0].ContextMap()["ratio"], test.ShouldAlmostEqual, 0.2)
}

func TestReconstructSeedFailure(t *testing.T) {
	logger := logging.NewTestLogger(t)
	ss := testutils.NewSyntheticScene(threeCameras(), 5, 1)
	s, err := ss.Scene()
	test.That(t, err, test.ShouldBeNil)
	_, err = Reconstruct(context.Background(), s, testConfig(), logger)
	test.That(t, errors.Is(err, ErrInsufficientCorrespondences), test.ShouldBeTrue)

	bad := testConfig()
	bad.HuberDelta = 0
	_, err = Reconstruct(context.Background(), s, bad, logger)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestSeedPairAndNextBestView(t *testing.T) {
	ss := testutils.NewSyntheticScene(threeCameras(), 20, 4)
	ss.Hide(0, 0, 1, 2)
	s, err := ss.Scene()
	test.That(t, err, test.ShouldBeNil)

	left, right, err := seedPair(s, testConfig())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, []int{left, right}, test.ShouldResemble, []int{1, 2})

	cfg := testConfig()
	cfg.SeedPair = &[2]int{0, 2}
	left, right, err = seedPair(s, cfg)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, []int{left, right}, test.ShouldResemble, []int{0, 2})

	_, _, ok := nextBestView(s, map[int]bool{0: true, 1: true, 2: true})
	test.That(t, ok, test.ShouldBeFalse)
	cam, n, ok := nextBestView(s, nil)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, cam, test.ShouldEqual, 0)
	test.That(t, n, test.ShouldEqual, 0)
}
