// Package sfm reconstructs a sparse point map and the camera poses observing it: a two-view
// initialization from the essential matrix, incremental registration of further cameras by PnP,
// and bundle adjustment of everything at once.
package sfm

import (
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/sfm/rimage/transform"
)

var (
	// ErrInsufficientCorrespondences is returned when a stage has fewer matches than its solver needs.
	ErrInsufficientCorrespondences = transform.ErrInsufficientCorrespondences
	// ErrReconstructionFailed is returned when no acceptable model is found for a pair or a view.
	ErrReconstructionFailed = errors.New("reconstruction failed")
)

// reconstructionFailed returns an error matching both ErrReconstructionFailed and cause.
func reconstructionFailed(cause error, format string, args ...interface{}) error {
	if cause == nil {
		return errors.Wrapf(ErrReconstructionFailed, format, args...)
	}
	return errors.Wrapf(multierr.Combine(ErrReconstructionFailed, cause), format, args...)
}
