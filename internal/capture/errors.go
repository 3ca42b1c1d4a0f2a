package capture

import (
	"errors"
	"fmt"
)

var ErrInvalidTransition = errors.New("capture: invalid state transition")

// CaptureFailure ends a session. Stage names the pipeline call that failed.
type CaptureFailure struct {
	Stage string
	Mode  Mode
	Err   error
}

func (e *CaptureFailure) Error() string {
	return fmt.Sprintf("capture %s failed mode=%s: %v", e.Stage, e.Mode, e.Err)
}

func (e *CaptureFailure) Unwrap() error { return e.Err }
