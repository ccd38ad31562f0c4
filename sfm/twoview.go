package sfm

import (
	"context"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/sfm/logging"
	"go.viam.com/sfm/ransac"
	"go.viam.com/sfm/rimage/transform"
	"go.viam.com/sfm/scene"
)

// essentialEstimator fits essential matrices to normalized correspondences.
type essentialEstimator struct {
	left, right []r2.Point
}

func (ee *essentialEstimator) SampleSize() int {
	return transform.MinEssentialPoints
}

func (ee *essentialEstimator) Fit(indices []int) (*mat.Dense, error) {
	left := make([]r2.Point, len(indices))
	right := make([]r2.Point, len(indices))
	for k, i := range indices {
		left[k] = ee.left[i]
		right[k] = ee.right[i]
	}
	return transform.EssentialMatrixFromPoints(left, right)
}

func (ee *essentialEstimator) Residual(essMat *mat.Dense, i int) float64 {
	return transform.EpipolarResidual(essMat, ee.left[i], ee.right[i])
}

// TwoViewReport describes the initialization of the map from a seed pair.
type TwoViewReport struct {
	Left, Right int
	// Total is the number of matches of the pair, Inliers those consistent with the essential matrix.
	Total   int
	Inliers int
	// Points is the number of triangulated points that passed the reprojection filter.
	Points int
	// MeanError is the mean reprojection error of the kept points over both views, in pixels.
	MeanError  float64
	Pose       transform.PoseScore
	Hypotheses []transform.PoseScore
}

// InlierRatio is the fraction of matches that are essential matrix inliers.
func (r *TwoViewReport) InlierRatio() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Inliers) / float64(r.Total)
}

// InitializeTwoView seeds an empty scene from the matches between images left and right. The left
// camera becomes the world frame and the right camera's translation has unit norm. Every match is
// triangulated and kept when it lies in front of both cameras and reprojects within the threshold.
func InitializeTwoView(ctx context.Context, s *scene.Scene, left, right int, cfg *Config,
	logger logging.Logger,
) (*TwoViewReport, error) {
	if len(s.RegisteredCameras()) > 0 || s.NumPoints() > 0 {
		return nil, errors.New("two view initialization needs an empty map")
	}
	if left == right || left < 0 || right < 0 || left >= s.NumImages() || right >= s.NumImages() {
		return nil, errors.Errorf("invalid seed pair (%d, %d) for %d images", left, right, s.NumImages())
	}
	matches := s.Matches(left, right)
	if len(matches) < transform.MinEssentialPoints {
		return nil, errors.Wrapf(ErrInsufficientCorrespondences, "pair (%d, %d) has %d matches, need %d",
			left, right, len(matches), transform.MinEssentialPoints)
	}

	intrinsics := s.Intrinsics()
	leftKps := s.Keypoints(left)
	rightKps := s.Keypoints(right)
	pxLeft := make([]r2.Point, len(matches))
	pxRight := make([]r2.Point, len(matches))
	for k, m := range matches {
		pxLeft[k] = leftKps[m.Left].Point
		pxRight[k] = rightKps[m.Right].Point
	}
	est := &essentialEstimator{
		left:  intrinsics.PixelsToNormalized(pxLeft),
		right: intrinsics.PixelsToNormalized(pxRight),
	}

	res, err := ransac.Run[*mat.Dense](ctx, est, len(matches), cfg.EssentialRANSAC, logger.Sublogger("ransac"))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, reconstructionFailed(err, "essential matrix for pair (%d, %d)", left, right)
	}
	report := &TwoViewReport{Left: left, Right: right, Total: len(matches), Inliers: len(res.Inliers)}

	hypotheses, err := transform.PoseHypotheses(res.Model)
	if err != nil {
		return nil, reconstructionFailed(err, "decomposing essential matrix for pair (%d, %d)", left, right)
	}
	inLeft := make([]r2.Point, len(res.Inliers))
	inRight := make([]r2.Point, len(res.Inliers))
	for k, i := range res.Inliers {
		inLeft[k] = est.left[i]
		inRight[k] = est.right[i]
	}
	best, scores, err := transform.SelectPose(hypotheses, inLeft, inRight)
	if err != nil {
		return nil, reconstructionFailed(err, "selecting pose for pair (%d, %d)", left, right)
	}
	report.Pose = *best
	report.Hypotheses = scores
	logger.Debugw("pose selected", "positive_depth", best.PositiveDepth, "mean_error", best.MeanError,
		"score", best.Score)

	leftPose := transform.NewIdentityCamPose()
	rightPose := best.Pose
	pts3D, err := transform.TriangulatePoints(leftPose, rightPose, est.left, est.right)
	if err != nil {
		return nil, err
	}
	type kept struct {
		idx int
		err float64
	}
	var survivors []kept
	for k, pt := range pts3D {
		if e, ok := twoViewError(intrinsics, leftPose, rightPose, pt, pxLeft[k], pxRight[k],
			cfg.ReprojectionThreshold); ok {
			survivors = append(survivors, kept{k, e})
		}
	}
	if len(survivors) == 0 {
		return nil, reconstructionFailed(nil, "no triangulated point of pair (%d, %d) passes the %v px filter",
			left, right, cfg.ReprojectionThreshold)
	}

	if err := s.RegisterCamera(left, leftPose); err != nil {
		return nil, err
	}
	if err := s.RegisterCamera(right, rightPose); err != nil {
		return nil, err
	}
	var sumErr float64
	for _, sv := range survivors {
		m := matches[sv.idx]
		if _, err := s.AddPoint(pts3D[sv.idx], map[int]int{left: m.Left, right: m.Right}); err != nil {
			return nil, err
		}
		sumErr += sv.err
	}
	for _, cam := range []int{left, right} {
		if err := s.SetCameraState(cam, scene.Contributing); err != nil {
			return nil, err
		}
	}
	report.Points = len(survivors)
	report.MeanError = sumErr / float64(len(survivors))

	logger.Infow("two view initialization", "left", left, "right", right, "matches", report.Total,
		"inliers", report.Inliers, "points", report.Points, "mean_error_px", report.MeanError)
	if ratio := report.InlierRatio(); ratio < cfg.MinInlierRatio {
		logger.Warnw("low essential matrix inlier ratio, consider another seed or RANSAC seed",
			"ratio", ratio, "min", cfg.MinInlierRatio)
	}
	return report, nil
}

// twoViewError is the mean pixel reprojection error of pt in two views, and whether pt is finite,
// in front of both cameras and within threshold in both views.
func twoViewError(intrinsics *transform.PinholeCameraIntrinsics, poseA, poseB *transform.CamPose,
	pt r3.Vector, pxA, pxB r2.Point, threshold float64,
) (float64, bool) {
	if !transform.IsFinitePoint(pt) {
		return 0, false
	}
	projA, depthA := transform.Project(intrinsics, poseA, pt)
	projB, depthB := transform.Project(intrinsics, poseB, pt)
	if depthA <= 0 || depthB <= 0 {
		return 0, false
	}
	errA := projA.Sub(pxA).Norm()
	errB := projB.Sub(pxB).Norm()
	if !(errA < threshold && errB < threshold) {
		return 0, false
	}
	return (errA + errB) / 2, true
}
