package sfm

import (
	"context"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/optimize"

	"go.viam.com/sfm/logging"
	"go.viam.com/sfm/ransac"
	"go.viam.com/sfm/rimage/transform"
	"go.viam.com/sfm/scene"
)

// pnpEstimator fits camera poses to 2D-3D correspondences and scores them in pixels.
type pnpEstimator struct {
	intrinsics *transform.PinholeCameraIntrinsics
	points     []r3.Vector
	pixels     []r2.Point
	normalized []r2.Point
}

func (pe *pnpEstimator) SampleSize() int {
	return transform.MinPnPPoints
}

func (pe *pnpEstimator) Fit(indices []int) (*transform.CamPose, error) {
	points := make([]r3.Vector, len(indices))
	pixels := make([]r2.Point, len(indices))
	for k, i := range indices {
		points[k] = pe.points[i]
		pixels[k] = pe.normalized[i]
	}
	return transform.SolvePnP(points, pixels)
}

func (pe *pnpEstimator) Residual(pose *transform.CamPose, i int) float64 {
	return transform.ReprojectionError(pe.intrinsics, pose, pe.points[i], pe.pixels[i])
}

// RegistrationReport describes the registration of one camera.
type RegistrationReport struct {
	Camera int
	// Correspondences is the number of 2D-3D correspondences found, Inliers those kept by PnP RANSAC.
	Correspondences int
	Inliers         int
	// LinearError and RefinedError are mean pixel reprojection errors over the inliers.
	LinearError  float64
	RefinedError float64
	RefineStatus optimize.Status
	// Observations is the number of map points the camera now observes.
	Observations int
	// NewPoints is the number of points triangulated with previously registered cameras.
	NewPoints int
}

// InlierRatio is the fraction of correspondences kept by PnP RANSAC.
func (r *RegistrationReport) InlierRatio() float64 {
	if r.Correspondences == 0 {
		return 0
	}
	return float64(r.Inliers) / float64(r.Correspondences)
}

// RegisterCamera adds camera cam to a reconstruction. Its pose is estimated by PnP RANSAC over the
// 2D-3D correspondences the match graph gives against the map, then refined under a Huber loss over
// the inliers. The camera then observes every corresponding point within the reprojection threshold
// and new points are triangulated from its unmapped matches with each registered camera.
func RegisterCamera(ctx context.Context, s *scene.Scene, cam int, cfg *Config, logger logging.Logger,
) (*RegistrationReport, error) {
	if cam < 0 || cam >= s.NumImages() {
		return nil, errors.Wrapf(scene.ErrIndexOutOfRange, "camera %d of %d", cam, s.NumImages())
	}
	if s.IsRegistered(cam) {
		return nil, errors.Errorf("camera %d is already registered", cam)
	}
	corrs := s.Correspondences2D3D(cam)
	report := &RegistrationReport{Camera: cam, Correspondences: len(corrs)}
	if len(corrs) < transform.MinPnPPoints {
		return report, errors.Wrapf(ErrInsufficientCorrespondences, "camera %d has %d 2D-3D correspondences, need %d",
			cam, len(corrs), transform.MinPnPPoints)
	}

	intrinsics := s.Intrinsics()
	est := &pnpEstimator{
		intrinsics: intrinsics,
		points:     make([]r3.Vector, len(corrs)),
		pixels:     make([]r2.Point, len(corrs)),
	}
	for k, c := range corrs {
		est.points[k] = c.Point
		est.pixels[k] = c.Pixel
	}
	est.normalized = intrinsics.PixelsToNormalized(est.pixels)

	res, err := ransac.Run[*transform.CamPose](ctx, est, len(corrs), cfg.PnPRANSAC, logger.Sublogger("ransac"))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return report, ctxErr
		}
		return report, reconstructionFailed(err, "pnp for camera %d", cam)
	}
	report.Inliers = len(res.Inliers)
	report.LinearError = res.MeanError
	if err := s.RegisterCamera(cam, res.Model); err != nil {
		return report, err
	}

	inPoints := make([]r3.Vector, len(res.Inliers))
	inPixels := make([]r2.Point, len(res.Inliers))
	for k, i := range res.Inliers {
		inPoints[k] = est.points[i]
		inPixels[k] = est.pixels[i]
	}
	refined, _, status, err := refinePose(ctx, intrinsics, res.Model, inPoints, inPixels, cfg.HuberDelta,
		cfg.RefineMaxIterations)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return report, ctxErr
		}
		logger.Debugw("pose refinement failed, keeping the linear pose", "camera", cam, "error", err)
	}
	report.RefineStatus = status
	if !refineConverged(status) {
		logger.Warnw("pose refinement did not converge", "camera", cam, "status", status.String())
	}
	if err := s.UpdatePose(cam, refined); err != nil {
		return report, err
	}
	if err := s.SetCameraState(cam, scene.PoseRefined); err != nil {
		return report, err
	}
	var sumErr float64
	for k := range inPoints {
		sumErr += transform.ReprojectionError(intrinsics, refined, inPoints[k], inPixels[k])
	}
	report.RefinedError = sumErr / float64(len(inPoints))

	for _, c := range corrs {
		if transform.ReprojectionError(intrinsics, refined, c.Point, c.Pixel) >= cfg.ReprojectionThreshold {
			continue
		}
		if err := s.SetObservation(cam, c.PointIndex, c.KeypointIndex); err != nil {
			return report, err
		}
	}
	report.Observations = s.NumObservations(cam)

	newPoints, err := triangulateNewPoints(s, cam, cfg.ReprojectionThreshold, logger)
	if err != nil {
		return report, err
	}
	report.NewPoints = newPoints
	if report.Observations > 0 || report.NewPoints > 0 {
		if err := s.SetCameraState(cam, scene.Contributing); err != nil {
			return report, err
		}
	}

	logger.Infow("registered camera", "camera", cam, "correspondences", report.Correspondences,
		"inliers", report.Inliers, "linear_error_px", report.LinearError, "refined_error_px", report.RefinedError,
		"refine_status", report.RefineStatus.String(), "observations", report.Observations,
		"new_points", report.NewPoints)
	if ratio := report.InlierRatio(); ratio < cfg.MinInlierRatio {
		logger.Warnw("low PnP inlier ratio", "camera", cam, "ratio", ratio, "min", cfg.MinInlierRatio)
	}
	return report, nil
}

// triangulateNewPoints triangulates the matches between cam and every other registered camera
// that neither side has mapped yet, and appends those in front of both cameras and within the
// threshold in both views.
func triangulateNewPoints(s *scene.Scene, cam int, threshold float64, logger logging.Logger) (int, error) {
	intrinsics := s.Intrinsics()
	camPose, ok := s.Pose(cam)
	if !ok {
		return 0, errors.Wrapf(scene.ErrNotRegistered, "camera %d", cam)
	}
	camKps := s.Keypoints(cam)
	added := 0
	for _, other := range s.RegisteredCameras() {
		if other == cam {
			continue
		}
		matches := s.UnmappedMatches(other, cam)
		if len(matches) == 0 {
			continue
		}
		otherPose, _ := s.Pose(other)
		otherKps := s.Keypoints(other)
		pxOther := make([]r2.Point, len(matches))
		pxCam := make([]r2.Point, len(matches))
		for k, m := range matches {
			pxOther[k] = otherKps[m.Left].Point
			pxCam[k] = camKps[m.Right].Point
		}
		pts3D, err := transform.TriangulatePoints(otherPose, camPose,
			intrinsics.PixelsToNormalized(pxOther), intrinsics.PixelsToNormalized(pxCam))
		if err != nil {
			return added, err
		}
		pairAdded := 0
		for k, pt := range pts3D {
			if _, ok := twoViewError(intrinsics, otherPose, camPose, pt, pxOther[k], pxCam[k], threshold); !ok {
				continue
			}
			m := matches[k]
			if _, err := s.AddPoint(pt, map[int]int{other: m.Left, cam: m.Right}); err != nil {
				return added, err
			}
			pairAdded++
		}
		if pairAdded > 0 {
			if err := s.SetCameraState(other, scene.Contributing); err != nil {
				return added, err
			}
		}
		logger.Debugw("triangulated pair", "cameras", []int{other, cam}, "unmapped_matches", len(matches),
			"points", pairAdded)
		added += pairAdded
	}
	return added, nil
}
