package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"go.viam.com/test"

	"go.viam.com/sfm/logging"
	"go.viam.com/sfm/pointcloud"
	"go.viam.com/sfm/scene"
	"go.viam.com/sfm/testutils"
)

const testConfig = `{
	"essential_ransac": {"threshold": 0.0002, "iterations": 500, "seed": 1},
	"pnp_ransac": {"threshold": 25, "iterations": 500, "seed": 1},
	"focal_min": 500,
	"focal_max": 1500
}`

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := NewApp(logging.NewTestLogger(t))
	app.Writer = &out
	app.ErrWriter = &out
	err := app.Run(append([]string{"sfm"}, args...))
	return out.String(), err
}

func TestMatchReconstructStats(t *testing.T) {
	dir := t.TempDir()
	ss := testutils.NewSyntheticScene(testutils.ThreeCameraRig(), 40, 31)
	s, err := scene.New(ss.Intrinsics, ss.Keypoints())
	test.That(t, err, test.ShouldBeNil)
	unmatched := filepath.Join(dir, "keypoints.json")
	test.That(t, s.Save(unmatched), test.ShouldBeNil)
	cfgPath := filepath.Join(dir, "sfm.json")
	test.That(t, os.WriteFile(cfgPath, []byte(testConfig), 0o600), test.ShouldBeNil)

	matched := filepath.Join(dir, "matched.json")
	out, err := runApp(t, "match", "--scene", unmatched, "--out", matched)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "KEPT")
	s, err = scene.Load(matched)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, s.MatchedPairs(), test.ShouldHaveLength, 3)
	test.That(t, s.Matches(0, 1), test.ShouldHaveLength, 40)

	reconstructed := filepath.Join(dir, "map.json")
	cloud := filepath.Join(dir, "map.pcd")
	out, err = runApp(t, "--debug", "reconstruct", "--scene", matched, "--config", cfgPath,
		"--out", reconstructed, "--cloud", cloud)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "two-view")
	test.That(t, out, test.ShouldContainSubstring, "register")
	test.That(t, out, test.ShouldContainSubstring, "bundle-adjust")
	test.That(t, out, test.ShouldContainSubstring, "wrote 3 cameras and 40 points")

	s, err = scene.Load(reconstructed)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, s.RegisteredCameras(), test.ShouldResemble, []int{0, 1, 2})
	test.That(t, s.NumPoints(), test.ShouldEqual, 40)
	pc, err := pointcloud.NewFromFile(cloud)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pc.Size(), test.ShouldEqual, 40)

	out, err = runApp(t, "stats", "--scene", reconstructed)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "contributing")
	test.That(t, out, test.ShouldContainSubstring, "40 POINTS")
	test.That(t, out, test.ShouldContainSubstring, "focal")
}

func TestAppErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := runApp(t, "reconstruct", "--out", filepath.Join(dir, "out.json"))
	test.That(t, err, test.ShouldNotBeNil)

	_, err = runApp(t, "stats", "--scene", filepath.Join(dir, "missing.json"))
	test.That(t, err, test.ShouldNotBeNil)

	_, err = runApp(t, "--log-level", "loud", "stats", "--scene", filepath.Join(dir, "missing.json"))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "unknown log level")

	// a scene without matches has no seed pair
	ss := testutils.NewSyntheticScene(testutils.ThreeCameraRig(), 10, 2)
	s, err := scene.New(ss.Intrinsics, ss.Keypoints())
	test.That(t, err, test.ShouldBeNil)
	in := filepath.Join(dir, "in.json")
	test.That(t, s.Save(in), test.ShouldBeNil)
	_, err = runApp(t, "reconstruct", "--scene", in, "--out", filepath.Join(dir, "out.json"))
	test.That(t, err, test.ShouldNotBeNil)
	_, err = os.Stat(filepath.Join(dir, "out.json"))
	test.That(t, os.IsNotExist(err), test.ShouldBeTrue)
}

func TestLogLevelFlag(t *testing.T) {
	logger := logging.NewTestLogger(t)
	app := NewApp(logger)
	app.Writer = &bytes.Buffer{}
	dir := t.TempDir()
	// the command fails on the missing scene after the level is applied
	err := app.Run([]string{"sfm", "--log-level", "warn", "stats", "--scene", filepath.Join(dir, "missing.json")})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, logger.GetLevel(), test.ShouldEqual, logging.WARN)

	err = app.Run([]string{"sfm", "--log-level", "warn", "--debug", "stats", "--scene", filepath.Join(dir, "missing.json")})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, logger.GetLevel(), test.ShouldEqual, logging.DEBUG)
}

func TestComputeCameraStats(t *testing.T) {
	cs, err := computeCameraStats(3, []float64{1, 2, 3, 4})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cs.Camera, test.ShouldEqual, 3)
	test.That(t, cs.Observations, test.ShouldEqual, 4)
	test.That(t, cs.Mean, test.ShouldEqual, 2.5)
	test.That(t, cs.Median, test.ShouldEqual, 2.5)
	test.That(t, cs.Max, test.ShouldEqual, 4)
	test.That(t, cs.RMSE, test.ShouldAlmostEqual, 2.7386127875258306, 1e-12)

	cs, err = computeCameraStats(0, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cs.Observations, test.ShouldEqual, 0)
}
