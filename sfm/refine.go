package sfm

import (
	"context"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/optimize"

	"go.viam.com/sfm/lsq"
	"go.viam.com/sfm/rimage/transform"
)

// huber is the Huber loss of a residual norm: quadratic up to delta, linear beyond.
func huber(e, delta float64) float64 {
	if e <= delta {
		return e * e
	}
	return 2*delta*e - delta*delta
}

// huberWeight scales a residual of norm e so that its squared norm becomes huber(e, delta).
func huberWeight(e, delta float64) float64 {
	if e <= delta {
		return 1
	}
	return math.Sqrt(2*delta*e-delta*delta) / e
}

func packPose(pose *transform.CamPose) []float64 {
	rv := pose.RotationVector()
	t := pose.Translation
	return []float64{rv.X, rv.Y, rv.Z, t.X, t.Y, t.Z}
}

func unpackPose(x []float64) *transform.CamPose {
	return transform.NewCamPoseFromRotationVector(r3.Vector{X: x[0], Y: x[1], Z: x[2]}, r3.Vector{X: x[3], Y: x[4], Z: x[5]})
}

// poseResiduals returns the residual function of a pose packed as [rx ry rz tx ty tz]: for every
// correspondence, observed minus projected pixel scaled by its Huber weight.
func poseResiduals(intrinsics *transform.PinholeCameraIntrinsics, points []r3.Vector, pixels []r2.Point,
	delta float64,
) func(dst, x []float64) {
	return func(dst, x []float64) {
		pose := unpackPose(x)
		for i, pt := range points {
			projected, _ := transform.Project(intrinsics, pose, pt)
			dx, dy := pixels[i].X-projected.X, pixels[i].Y-projected.Y
			w := huberWeight(math.Hypot(dx, dy), delta)
			dst[2*i] = w * dx
			dst[2*i+1] = w * dy
		}
	}
}

// refinePose minimizes the Huber reprojection cost of the pose over the given correspondences and
// returns the refined pose with its cost, the sum of huber losses of the pixel errors. Every accepted
// step lowers the cost, so the result is never worse than start. Running out of iterations is
// reported through the status.
func refinePose(ctx context.Context, intrinsics *transform.PinholeCameraIntrinsics, start *transform.CamPose,
	points []r3.Vector, pixels []r2.Point, delta float64, maxIterations int,
) (*transform.CamPose, float64, optimize.Status, error) {
	problem := lsq.Problem{
		NumParams:    6,
		NumResiduals: 2 * len(points),
		Func:         poseResiduals(intrinsics, points, pixels, delta),
	}
	settings := lsq.DefaultSettings()
	settings.MaxIterations = maxIterations
	res, err := lsq.Solve(ctx, problem, packPose(start), settings)
	if err != nil {
		return start, math.Inf(1), optimize.Failure, err
	}
	return unpackPose(res.X), 2 * res.Cost, res.Status, nil
}

// refineConverged reports whether a refinement status means the minimizer reached a minimum.
func refineConverged(status optimize.Status) bool {
	switch status {
	case optimize.FunctionConvergence, optimize.GradientThreshold, optimize.StepConvergence:
		return true
	default:
		return false
	}
}
