package device

import "testing"

func TestJobSetStatusGoodNeverOverwrites(t *testing.T) {
	var j job
	if purge := j.setStatus(nil, StatusGood); purge {
		t.Fatal("GOOD should never request a purge")
	}
	if j.status != StatusGood {
		t.Fatalf("status = %v, want Good", j.status)
	}
}

func TestJobSetStatusFirstErrorSticks(t *testing.T) {
	var j job
	j.setStatus(nil, StatusIOError)
	if j.status != StatusIOError {
		t.Fatalf("status = %v, want IOError", j.status)
	}

	j.setStatus(nil, StatusBusy)
	if j.status != StatusIOError {
		t.Fatalf("status changed to %v, want to stay IOError", j.status)
	}
}

func TestJobSetStatusIgnoredAfterImageReceived(t *testing.T) {
	var j job
	j.imageReceived()
	j.setStatus(nil, StatusIOError)
	if j.status != StatusGood {
		t.Fatalf("status = %v, want Good (error ignored once an image arrived)", j.status)
	}
}

func TestJobSetStatusCancelledAlwaysWins(t *testing.T) {
	var j job
	j.imageReceived()
	j.setStatus(nil, StatusIOError) // ignored, image already received

	purge := j.setStatus(nil, StatusCancelled)
	if !purge {
		t.Fatal("expected CANCELLED transition to request a purge")
	}
	if j.status != StatusCancelled {
		t.Fatalf("status = %v, want Cancelled", j.status)
	}
}

func TestJobSetStatusCancelledOverridesExistingError(t *testing.T) {
	var j job
	j.setStatus(nil, StatusIOError)
	j.setStatus(nil, StatusCancelled)
	if j.status != StatusCancelled {
		t.Fatalf("status = %v, want Cancelled to override pending IOError", j.status)
	}
}

func TestJobReset(t *testing.T) {
	var j job
	j.imageReceived()
	j.setStatus(nil, StatusCancelled)
	j.reset()
	if j.status != StatusGood || j.imagesReceived != 0 {
		t.Fatalf("reset left job = %+v", &j)
	}
}
