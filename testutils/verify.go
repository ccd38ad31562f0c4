package testutils

import (
	"go.uber.org/goleak"
)

// VerifyTestMain runs a package's tests and fails when goroutines started by them are still running.
func VerifyTestMain(m goleak.TestingM) {
	goleak.VerifyTestMain(m)
}
