package device

import (
	"context"
	"fmt"

	"github.com/OpenPrinting/go-mfp/abstract"

	"github.com/mzyy94/airscan-core/internal/pollable"
)

// Handle is the frontend-facing session on an opened device: it owns
// one reference to the underlying Device and enforces the
// open/close/start/cancel/read state discipline, matching
// device_open/close/start/cancel/set_io_mode/get_select_fd/read.
type Handle struct {
	dev         *Device
	nonBlocking bool
}

// Open finds the named device in reg (or, if name is empty, any
// ready device) and returns a Handle on it, matching device_open. The
// device must not already have an open Handle.
func Open(reg *Registry, name string) (*Handle, error) {
	var dev *Device

	if name != "" {
		dev = reg.Find(name)
	} else {
		ready := reg.Collect(FlagReady)
		if len(ready) > 0 {
			dev = ready[0]
		}
	}

	if dev == nil || dev.flags.Load()&uint32(FlagReady) == 0 {
		return nil, fmt.Errorf("device: %w", errInval)
	}

	if dev.State() != StateClosed {
		return nil, fmt.Errorf("device: %w", errBusy)
	}

	dev.stm.setState(StateIdle)
	dev.Ref()

	return &Handle{dev: dev}, nil
}

// Close cancels any scan in progress and waits for it to fully stop,
// then releases the Handle's reference, matching device_close.
func (h *Handle) Close() {
	if h.dev.State() == StateClosed {
		return
	}

	if h.dev.State().working() {
		h.dev.stm.requestCancel()
		h.dev.stm.mu.Lock()
		for h.dev.stm.state.working() {
			h.dev.stm.cond.Wait()
		}
		h.dev.stm.mu.Unlock()
	}

	h.dev.stm.setState(StateClosed)
	h.dev.Unref()
}

// SetOptions updates the scan configuration for the next Start,
// matching device_set_option (options can't change mid-scan).
func (h *Handle) SetOptions(opt Options) error {
	if h.dev.flags.Load()&uint32(FlagScanning) != 0 {
		return errInval
	}
	h.dev.SetOptions(opt)
	return nil
}

// Capabilities returns the device's advertised capabilities.
func (h *Handle) Capabilities() *abstract.ScannerCapabilities {
	return h.dev.Capabilities()
}

// SetIOMode toggles blocking vs. non-blocking ReadLine semantics,
// matching device_set_io_mode: it only applies while scanning.
func (h *Handle) SetIOMode(nonBlocking bool) error {
	if h.dev.flags.Load()&uint32(FlagScanning) == 0 {
		return errInval
	}
	h.nonBlocking = nonBlocking
	return nil
}

// SelectFD exposes the pollable read-ready signal so a frontend can
// multiplex it with other file descriptors, matching
// device_get_select_fd.
func (h *Handle) SelectFD() (*pollable.Pollable, error) {
	if h.dev.flags.Load()&uint32(FlagScanning) == 0 {
		return nil, errInval
	}
	return h.dev.Pollable(), nil
}

// Start begins a scan session using the Handle's current options,
// matching device_start: it marks the device scanning, resets the
// read-ready pollable, and blocks the caller until a job location is
// known or the state machine leaves SCANNING.
//
// If the device is already scanning but has at least one image
// buffered, this is the §4.5 step 1 reuse case: Start just re-arms
// FlagReading over the existing job instead of rejecting the call,
// so the caller can keep pulling pages already in the queue.
func (h *Handle) Start(ctx context.Context) error {
	if h.dev.flags.Load()&uint32(FlagScanning) != 0 {
		if !h.dev.reader.empty() {
			h.dev.setFlag(FlagReading)
			return nil
		}
		return errInval
	}

	h.dev.setFlag(FlagScanning)
	h.dev.Pollable().Reset()

	status := h.dev.Start(ctx)
	if status != StatusGood {
		h.dev.clearFlag(FlagScanning)
		return fmt.Errorf("device: start: %s", status)
	}

	h.dev.setFlag(FlagReading)
	return nil
}

// Cancel requests cancellation of the scan in progress, matching
// device_cancel.
func (h *Handle) Cancel() {
	h.dev.Cancel()
}

// ReadLine reads the next line of decoded image data. In blocking
// mode (the default) it waits for data, a terminal job status, or
// cancellation; in non-blocking mode it returns (0, nil) immediately
// if nothing is ready yet. Matches device_read.
func (h *Handle) ReadLine(buf []byte) (int, error) {
	if h.dev.flags.Load()&uint32(FlagReading) == 0 {
		return 0, errInval
	}

	n, err := h.dev.ReadLine(buf, h.nonBlocking)
	if err != nil {
		h.dev.clearFlag(FlagReading)
		h.dev.clearFlag(FlagScanning)
	}
	return n, err
}

var (
	errInval = fmt.Errorf("invalid argument")
	errBusy  = fmt.Errorf("device busy")
)
