// Package cli contains the sfm command line application.
package cli

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"go.viam.com/sfm/features"
	"go.viam.com/sfm/logging"
	"go.viam.com/sfm/pointcloud"
	"go.viam.com/sfm/scene"
	"go.viam.com/sfm/sfm"
)

const (
	// Flags.
	flagScene     = "scene"
	flagConfig    = "config"
	flagOut       = "out"
	flagCloud     = "cloud"
	flagDebug     = "debug"
	flagLogLevel  = "log-level"
	flagRatio     = "ratio"
	flagThreshold = "threshold"
	flagNoFilter  = "no-filter"
)

// NewApp returns the sfm application logging to logger.
func NewApp(logger logging.Logger) *cli.App {
	return &cli.App{
		Name:  "sfm",
		Usage: "reconstruct sparse 3D maps and camera poses from matched keypoints",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    flagDebug,
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
			&cli.StringFlag{
				Name:  flagLogLevel,
				Value: logging.INFO.String(),
				Usage: "log `LEVEL`, one of debug, info, warn and error",
			},
		},
		Before: func(c *cli.Context) error {
			level, err := logging.LevelFromString(c.String(flagLogLevel))
			if err != nil {
				return err
			}
			if c.Bool(flagDebug) {
				level = logging.DEBUG
			}
			logger.SetLevel(level)
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "reconstruct",
				Usage: "register the cameras of a matched scene and triangulate its map",
				Flags: []cli.Flag{
					&cli.PathFlag{
						Name:     flagScene,
						Required: true,
						Usage:    "read the matched scene from `FILE`",
					},
					&cli.PathFlag{
						Name:  flagConfig,
						Usage: "load reconstruction settings from `FILE` over the defaults",
					},
					&cli.PathFlag{
						Name:     flagOut,
						Required: true,
						Usage:    "write the reconstructed scene to `FILE`",
					},
					&cli.PathFlag{
						Name:  flagCloud,
						Usage: "write the map points to `FILE`, a .pcd or .las",
					},
				},
				Action: func(c *cli.Context) error {
					return reconstructAction(c, logger)
				},
			},
			{
				Name:  "match",
				Usage: "match the keypoints of every image pair of a scene",
				Flags: []cli.Flag{
					&cli.PathFlag{
						Name:     flagScene,
						Required: true,
						Usage:    "read the scene keypoints from `FILE`",
					},
					&cli.PathFlag{
						Name:     flagOut,
						Required: true,
						Usage:    "write the matched scene to `FILE`",
					},
					&cli.Float64Flag{
						Name:  flagRatio,
						Value: features.DefaultRatio,
						Usage: "nearest to second nearest descriptor distance ratio",
					},
					&cli.Float64Flag{
						Name:  flagThreshold,
						Value: features.NewFundamentalFilter().RANSAC.Threshold,
						Usage: "Sampson distance in pixels under which a match agrees with the fundamental matrix",
					},
					&cli.BoolFlag{
						Name:  flagNoFilter,
						Usage: "keep matches without fundamental matrix filtering",
					},
				},
				Action: func(c *cli.Context) error {
					return matchAction(c, logger)
				},
			},
			{
				Name:  "stats",
				Usage: "print reprojection error statistics of a reconstructed scene",
				Flags: []cli.Flag{
					&cli.PathFlag{
						Name:     flagScene,
						Required: true,
						Usage:    "read the reconstructed scene from `FILE`",
					},
				},
				Action: func(c *cli.Context) error {
					s, err := scene.Load(c.Path(flagScene))
					if err != nil {
						return err
					}
					return printStats(c.App.Writer, s)
				},
			},
		},
	}
}

func reconstructAction(c *cli.Context, logger logging.Logger) error {
	s, err := scene.Load(c.Path(flagScene))
	if err != nil {
		return err
	}
	cfg := sfm.DefaultConfig()
	if path := c.Path(flagConfig); path != "" {
		if cfg, err = sfm.LoadConfig(path); err != nil {
			return err
		}
	}
	report, err := sfm.Reconstruct(c.Context, s, cfg, logger.Sublogger("sfm"))
	if report != nil {
		printReport(c.App.Writer, report)
	}
	if err != nil {
		return errors.Wrap(err, "reconstruction failed")
	}
	if err := s.Save(c.Path(flagOut)); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "wrote %d cameras and %d points to %s\n", len(report.Registered), report.Points,
		c.Path(flagOut))
	if path := c.Path(flagCloud); path != "" {
		if err := pointcloud.WriteToFile(pointcloud.NewFromScene(s), path); err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "wrote point cloud to %s\n", path)
	}
	return nil
}

func matchAction(c *cli.Context, logger logging.Logger) error {
	s, err := scene.Load(c.Path(flagScene))
	if err != nil {
		return err
	}
	matcher := &features.HammingMatcher{Ratio: c.Float64(flagRatio)}
	var filter *features.FundamentalFilter
	if !c.Bool(flagNoFilter) {
		filter = features.NewFundamentalFilter()
		filter.RANSAC.Threshold = c.Float64(flagThreshold)
	}
	pairs, err := features.BuildMatchGraph(c.Context, s, matcher, filter, logger.Sublogger("features"))
	if err != nil {
		return err
	}
	printPairs(c.App.Writer, pairs)
	return s.Save(c.Path(flagOut))
}
