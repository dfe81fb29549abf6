package device

import (
	"log/slog"
	"sync"
)

// job tracks the completion status of the scan currently in progress,
// mirroring device_job_set_status's precedence rules: GOOD never
// overwrites anything, CANCELLED always wins, and any other error is
// recorded only if no image has been delivered yet and no error is
// already pending. It has its own lock because it is read from the
// reader's goroutine (readState.terminalError) as well as written
// from the event loop (stateMachine.handleResult/start).
type job struct {
	mu             sync.Mutex
	status         Status
	imagesReceived uint
}

// setStatus applies status using the same precedence as
// device_job_set_status. It reports whether the job's queued images
// should be purged (true only when status transitions to Cancelled).
func (j *job) setStatus(log *slog.Logger, status Status) (purge bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	switch status {
	case StatusGood:
		return false

	case StatusCancelled:
		// falls through to the update below

	default:
		if j.imagesReceived > 0 {
			return false
		}
		if j.status != StatusGood {
			return false
		}
	}

	if status != j.status {
		if log != nil {
			log.Debug("job status", "status", status.String())
		}
		j.status = status
		if status == StatusCancelled {
			return true
		}
	}
	return false
}

func (j *job) reset() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status = StatusGood
	j.imagesReceived = 0
}

func (j *job) imageReceived() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.imagesReceived++
}

// currentStatus returns the job's current sticky status, matching a
// read of job_status in device_read.
func (j *job) currentStatus() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}
