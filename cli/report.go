package cli

import (
	"fmt"
	"io"
	"math"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/montanaflynn/stats"

	"go.viam.com/sfm/features"
	"go.viam.com/sfm/scene"
	"go.viam.com/sfm/sfm"
)

func printReport(w io.Writer, report *sfm.Report) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"#", "Stage", "Camera", "Inliers", "Total", "Ratio", "Mean error", "Status"})
	for i, sr := range report.Stages {
		camera := "-"
		if sr.Camera >= 0 {
			camera = fmt.Sprint(sr.Camera)
		}
		status := sr.Status
		if sr.Err != nil {
			status = "failed: " + sr.Err.Error()
		}
		t.AppendRow(table.Row{
			i, sr.Stage, camera, sr.Inliers, sr.Total,
			fmt.Sprintf("%.2f", sr.InlierRatio()), fmt.Sprintf("%.3f", sr.MeanError), status,
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "", "registered", fmt.Sprintf("%v", report.Registered)})
	t.Render()
	for _, sr := range report.Warnings() {
		if sr.Warning != "" {
			fmt.Fprintf(w, "warning: %s camera %d: %s\n", sr.Stage, sr.Camera, sr.Warning)
		}
	}
}

func printPairs(w io.Writer, pairs []features.PairReport) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Left", "Right", "Raw", "Kept"})
	for _, pr := range pairs {
		t.AppendRow(table.Row{pr.I, pr.J, pr.Raw, pr.Kept})
	}
	t.Render()
}

// cameraStats summarizes the reprojection errors of one camera, in pixels.
type cameraStats struct {
	Camera       int
	Observations int
	Mean         float64
	Median       float64
	P90          float64
	Max          float64
	RMSE         float64
}

func computeCameraStats(cam int, errs []float64) (cameraStats, error) {
	cs := cameraStats{Camera: cam, Observations: len(errs)}
	if len(errs) == 0 {
		return cs, nil
	}
	data := stats.Float64Data(errs)
	var err error
	if cs.Mean, err = data.Mean(); err != nil {
		return cs, err
	}
	if cs.Median, err = data.Median(); err != nil {
		return cs, err
	}
	if cs.P90, err = data.Percentile(90); err != nil {
		return cs, err
	}
	if cs.Max, err = data.Max(); err != nil {
		return cs, err
	}
	sq := make(stats.Float64Data, len(errs))
	for i, e := range errs {
		sq[i] = e * e
	}
	meanSq, err := sq.Mean()
	if err != nil {
		return cs, err
	}
	cs.RMSE = math.Sqrt(meanSq)
	return cs, nil
}

func sceneStats(s *scene.Scene) ([]cameraStats, cameraStats, error) {
	var perCamera []cameraStats
	var all []float64
	for _, cam := range s.RegisteredCameras() {
		errs, err := s.ReprojectionErrors(cam)
		if err != nil {
			return nil, cameraStats{}, err
		}
		cs, err := computeCameraStats(cam, errs)
		if err != nil {
			return nil, cameraStats{}, err
		}
		perCamera = append(perCamera, cs)
		all = append(all, errs...)
	}
	total, err := computeCameraStats(-1, all)
	return perCamera, total, err
}

func printStats(w io.Writer, s *scene.Scene) error {
	perCamera, total, err := sceneStats(s)
	if err != nil {
		return err
	}
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Camera", "State", "Observations", "Mean", "Median", "P90", "Max", "RMSE"})
	for _, cs := range perCamera {
		t.AppendRow(table.Row{
			cs.Camera, s.CameraState(cs.Camera), cs.Observations,
			fmt.Sprintf("%.3f", cs.Mean), fmt.Sprintf("%.3f", cs.Median), fmt.Sprintf("%.3f", cs.P90),
			fmt.Sprintf("%.3f", cs.Max), fmt.Sprintf("%.3f", cs.RMSE),
		})
	}
	t.AppendFooter(table.Row{
		"all", fmt.Sprintf("%d points", s.NumPoints()), total.Observations,
		fmt.Sprintf("%.3f", total.Mean), fmt.Sprintf("%.3f", total.Median), fmt.Sprintf("%.3f", total.P90),
		fmt.Sprintf("%.3f", total.Max), fmt.Sprintf("%.3f", total.RMSE),
	})
	t.Render()
	intrinsics := s.Intrinsics()
	fmt.Fprintf(w, "focal %.2f principal point (%.2f, %.2f)\n", intrinsics.Fx, intrinsics.Ppx, intrinsics.Ppy)
	return nil
}
