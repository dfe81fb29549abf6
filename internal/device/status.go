package device

import (
	"fmt"

	"github.com/mzyy94/airscan-core/internal/status"
)

// Status codes a caller of the frontend API observes. Re-exported
// from internal/status so callers of this package don't need to
// import a second package for a handful of constants.
type Status = status.Status

const (
	StatusGood      = status.Good
	StatusInval     = status.Inval
	StatusBusy      = status.Busy
	StatusIOError   = status.IOError
	StatusNoMem     = status.NoMem
	StatusCancelled = status.Cancelled
	StatusEOF       = status.EOF
)

// StatusError is a terminal Status surfaced by a blocking ReadLine
// once the read queue drains: either the job's sticky error status or
// Cancelled, matching device_read's status/job_status return path.
type StatusError struct {
	Status Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("device: %s", e.Status)
}

// FrameFormat identifies the raster layout a decoded image line uses.
type FrameFormat = status.FrameFormat

const (
	FrameGray = status.FrameGray
	FrameRGB  = status.FrameRGB
)
