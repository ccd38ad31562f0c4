package sfm

import (
	"context"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/optimize"

	"go.viam.com/sfm/logging"
	"go.viam.com/sfm/lsq"
	"go.viam.com/sfm/rimage/transform"
	"go.viam.com/sfm/scene"
	"go.viam.com/sfm/spatialmath"
)

// The bundle adjustment parameter vector is laid out as
//
//	[cam_0: rx ry rz tx ty tz] ... [cam_{n-1}] [f cx cy] [X_0 Y_0 Z_0] ... [X_{m-1} Y_{m-1} Z_{m-1}]
//
// with cameras in ascending id and points in map order. The rotation is a rotation vector.
const (
	cameraParams     = 6
	intrinsicsParams = 3
	pointParams      = 3
)

// NumBundleParams is the length of the parameter vector for nCams cameras and nPts points.
func NumBundleParams(nCams, nPts int) int {
	return cameraParams*nCams + intrinsicsParams + pointParams*nPts
}

// EncodeParams packs poses, the shared focal length and principal point, and points.
func EncodeParams(poses []*transform.CamPose, intrinsics *transform.PinholeCameraIntrinsics, points []r3.Vector,
) []float64 {
	x := make([]float64, 0, NumBundleParams(len(poses), len(points)))
	for _, pose := range poses {
		x = append(x, packPose(pose)...)
	}
	x = append(x, intrinsics.Focal(), intrinsics.Ppx, intrinsics.Ppy)
	for _, pt := range points {
		x = append(x, pt.X, pt.Y, pt.Z)
	}
	return x
}

// DecodeParams unpacks a parameter vector of nCams cameras and nPts points. The image size of the
// returned intrinsics comes from base; fx and fy are both set to the packed focal length.
func DecodeParams(x []float64, nCams, nPts int, base transform.PinholeCameraIntrinsics,
) ([]*transform.CamPose, *transform.PinholeCameraIntrinsics, []r3.Vector, error) {
	if len(x) != NumBundleParams(nCams, nPts) {
		return nil, nil, nil, errors.Errorf("parameter vector has %d values, %d cameras and %d points need %d",
			len(x), nCams, nPts, NumBundleParams(nCams, nPts))
	}
	poses := make([]*transform.CamPose, nCams)
	for j := range poses {
		poses[j] = unpackPose(x[cameraParams*j : cameraParams*(j+1)])
	}
	off := cameraParams * nCams
	intrinsics := base
	intrinsics.Fx, intrinsics.Fy = x[off], x[off]
	intrinsics.Ppx, intrinsics.Ppy = x[off+1], x[off+2]
	off += intrinsicsParams
	points := make([]r3.Vector, nPts)
	for i := range points {
		p := x[off+pointParams*i:]
		points[i] = r3.Vector{X: p[0], Y: p[1], Z: p[2]}
	}
	return poses, &intrinsics, points, nil
}

// bundleRow is the first of the two residual rows of point i in camera j.
func bundleRow(j, i, nPts int) int {
	return 2*i + j*nPts*2
}

// BundleSparsity is the Jacobian pattern of the bundle residuals: both rows of (camera j, point i)
// depend on the 6 parameters of camera j, the 3 intrinsics and the 3 coordinates of point i.
func BundleSparsity(nCams, nPts int) lsq.Pattern {
	pattern := make(lsq.Pattern, 2*nCams*nPts)
	intrinsicsOff := cameraParams * nCams
	pointsOff := intrinsicsOff + intrinsicsParams
	for j := 0; j < nCams; j++ {
		for i := 0; i < nPts; i++ {
			cols := make([]int, 0, cameraParams+intrinsicsParams+pointParams)
			for k := 0; k < cameraParams; k++ {
				cols = append(cols, cameraParams*j+k)
			}
			for k := 0; k < intrinsicsParams; k++ {
				cols = append(cols, intrinsicsOff+k)
			}
			for k := 0; k < pointParams; k++ {
				cols = append(cols, pointsOff+pointParams*i+k)
			}
			row := bundleRow(j, i, nPts)
			pattern[row] = cols
			pattern[row+1] = cols
		}
	}
	return pattern
}

// bundleResiduals writes observed minus projected for every visible (camera, point) and zeros for
// the others.
func bundleResiduals(vis *scene.Visibility, nPts int) func(dst, x []float64) {
	nCams := len(vis.Cameras)
	rotations := make([]*spatialmath.RotationMatrix, nCams)
	return func(dst, x []float64) {
		for j := 0; j < nCams; j++ {
			c := x[cameraParams*j:]
			rotations[j] = spatialmath.RotationVectorToMatrix(r3.Vector{X: c[0], Y: c[1], Z: c[2]})
		}
		off := cameraParams * nCams
		f, cx, cy := x[off], x[off+1], x[off+2]
		off += intrinsicsParams
		for j := 0; j < nCams; j++ {
			c := x[cameraParams*j:]
			t := r3.Vector{X: c[3], Y: c[4], Z: c[5]}
			for i := 0; i < nPts; i++ {
				row := bundleRow(j, i, nPts)
				if !vis.Visible[j][i] {
					dst[row], dst[row+1] = 0, 0
					continue
				}
				p := x[off+pointParams*i:]
				pc := rotations[j].Mul(r3.Vector{X: p[0], Y: p[1], Z: p[2]}).Add(t)
				projected := r2.Point{X: f*pc.X/pc.Z + cx, Y: f*pc.Y/pc.Z + cy}
				obs := vis.Pixels[j][i]
				dst[row] = obs.X - projected.X
				dst[row+1] = obs.Y - projected.Y
			}
		}
	}
}

// BundleReport describes one bundle adjustment run. Costs are half the sum of squared pixel residuals.
type BundleReport struct {
	Cameras      int
	Points       int
	Observations int
	InitialCost  float64
	FinalCost    float64
	// InitialRMSE and FinalRMSE are root mean square reprojection errors over observations, in pixels.
	InitialRMSE float64
	FinalRMSE   float64
	Iterations  int
	Evaluations int
	Status      optimize.Status
}

// BundleAdjust jointly refines the poses of every registered camera, the shared intrinsics and every
// point of the map by minimizing the squared reprojection error of all observations. The focal length
// is bounded by Config.FocalBounds and the principal point to the image. Results are written back
// to the scene whether or not the solver converged.
func BundleAdjust(ctx context.Context, s *scene.Scene, cfg *Config, logger logging.Logger) (*BundleReport, error) {
	cams := s.RegisteredCameras()
	points := s.Points()
	if len(cams) < 2 {
		return nil, errors.Errorf("bundle adjustment needs 2 registered cameras, have %d", len(cams))
	}
	if len(points) == 0 {
		return nil, errors.New("bundle adjustment needs a non empty map")
	}
	intrinsics := s.Intrinsics()
	f := intrinsics.Focal()
	focalMin, focalMax := cfg.FocalBounds(f)
	if f < focalMin || f > focalMax {
		return nil, errors.Errorf("focal length %v is outside the bundle adjustment bounds [%v, %v]",
			f, focalMin, focalMax)
	}

	poses := make([]*transform.CamPose, len(cams))
	for j, cam := range cams {
		poses[j], _ = s.Pose(cam)
	}
	vis := s.VisibilityMatrix(cams)
	nParams := NumBundleParams(len(cams), len(points))
	lower := make([]float64, nParams)
	upper := make([]float64, nParams)
	for k := range lower {
		lower[k], upper[k] = math.Inf(-1), math.Inf(1)
	}
	off := cameraParams * len(cams)
	lower[off], upper[off] = focalMin, focalMax
	lower[off+1], upper[off+1] = 0, float64(intrinsics.Width)
	lower[off+2], upper[off+2] = 0, float64(intrinsics.Height)

	problem := lsq.Problem{
		NumParams:    nParams,
		NumResiduals: 2 * len(cams) * len(points),
		Func:         bundleResiduals(vis, len(points)),
		Pattern:      BundleSparsity(len(cams), len(points)),
		Lower:        lower,
		Upper:        upper,
	}
	settings := lsq.DefaultSettings()
	settings.MaxIterations = cfg.BundleMaxIterations
	settings.FunctionTolerance = cfg.BundleTolerance
	settings.Callback = func(iter int, cost float64) {
		logger.Debugw("bundle adjustment step", "iteration", iter, "cost", cost)
	}
	res, err := lsq.Solve(ctx, problem, EncodeParams(poses, intrinsics, points), settings)
	if err != nil {
		return nil, errors.Wrap(err, "bundle adjustment")
	}

	newPoses, newIntrinsics, newPoints, err := DecodeParams(res.X, len(cams), len(points), *intrinsics)
	if err != nil {
		return nil, err
	}
	for j, cam := range cams {
		if err := s.UpdatePose(cam, newPoses[j]); err != nil {
			return nil, err
		}
	}
	if err := s.SetIntrinsics(*newIntrinsics); err != nil {
		return nil, err
	}
	for i, pt := range newPoints {
		if err := s.SetPoint(i, pt); err != nil {
			return nil, err
		}
	}

	nObs := vis.NumObserved()
	report := &BundleReport{
		Cameras:      len(cams),
		Points:       len(points),
		Observations: nObs,
		InitialCost:  res.InitialCost,
		FinalCost:    res.Cost,
		Iterations:   res.Iterations,
		Evaluations:  res.Evaluations,
		Status:       res.Status,
	}
	if nObs > 0 {
		report.InitialRMSE = math.Sqrt(2 * res.InitialCost / float64(nObs))
		report.FinalRMSE = math.Sqrt(2 * res.Cost / float64(nObs))
	}
	logger.Infow("bundle adjustment", "cameras", report.Cameras, "points", report.Points,
		"observations", nObs, "initial_rmse_px", report.InitialRMSE, "final_rmse_px", report.FinalRMSE,
		"iterations", report.Iterations, "status", report.Status.String(), "focal", newIntrinsics.Fx)
	return report, nil
}
