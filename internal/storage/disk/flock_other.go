//go:build !unix

package disk

import (
	"errors"
	"os"
)

// Without flock there is no exclusion to offer, so New refuses to build a
// store rather than pretend.
const lockingSupported = false

func tryLock(*os.File) (bool, error) { return false, errors.ErrUnsupported }

func unlock(*os.File) error { return errors.ErrUnsupported }
