// Package main is the sfm command.
package main

import (
	"os"

	"go.viam.com/sfm/cli"
	"go.viam.com/sfm/logging"
)

func main() {
	logger := logging.NewLogger("sfm")
	app := cli.NewApp(logger)
	if err := app.Run(os.Args); err != nil {
		logger.Error(err)
		//nolint:errcheck
		logger.Sync()
		os.Exit(1)
	}
	//nolint:errcheck
	logger.Sync()
}
