// Package device implements the per-scanner state machine: it turns a
// discovered eSCL endpoint into an open-able, scannable device handle,
// running the protocol operation chain (BuildScan/DecodeScan/BuildLoad/
// DecodeLoad/...) to completion, driving cancellation and retry, and
// buffering decoded image lines for pull-based delivery to a reader.
//
// It is grounded on airscan-device.c's device management module:
// struct device, device_add/device_del/device_ref/device_unref, and
// the DEVICE_STM_* state machine.
package device

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/OpenPrinting/go-mfp/abstract"

	"github.com/mzyy94/airscan-core/internal/eventloop"
	"github.com/mzyy94/airscan-core/internal/httpclient"
	"github.com/mzyy94/airscan-core/internal/pollable"
	"github.com/mzyy94/airscan-core/internal/protocol"
	"github.com/mzyy94/airscan-core/internal/rasterdecode"
)

// Options is a device's current scan configuration: the parameters
// device_stm_start_scan reads from devopt before building the first
// operation in the chain.
type Options struct {
	Source     string
	ColorMode  abstract.ColorMode
	Resolution abstract.Resolution

	// Scan region, in abstract.Millimeter units (hundredths of a mm),
	// top-left/bottom-right, matching the coordinate system
	// abstract.InputCapabilities' Min/MaxWidth and Min/MaxHeight use.
	TLX, TLY abstract.Dimension
	BRX, BRY abstract.Dimension
}

// Endpoint is one address a device may be reached at, mirroring
// zeroconf_endpoint: a base URI plus the protocol handler that speaks
// to it.
type Endpoint struct {
	BaseURI string
	Handler protocol.Handler
}

// Device is one scanner: its identity, capabilities, current options,
// and the machinery to run a scan session end to end. A Device is
// created with refcount 1 by a Registry and is only ever released
// through Unref.
type Device struct {
	name string
	log  *slog.Logger

	refcnt int32
	flags  atomic.Uint32

	mu   sync.Mutex
	caps *abstract.ScannerCapabilities
	opt  Options

	endpoints       []Endpoint
	endpointCurrent int

	loop   *eventloop.Loop
	http   *httpclient.Client
	stm    *stateMachine
	job    job
	reader *readState
}

// New constructs a device in the CLOSED state with DEVICE_LISTED |
// DEVICE_INIT_WAIT flags set, matching device_add. The caller supplies
// the eventloop the device's I/O and timers run on and the endpoints
// discovered for it; New does not itself start probing. DEVICE_INIT_WAIT
// is set whatever initScan says: it marks probing in progress and is
// cleared once probing succeeds.
func New(name string, log *slog.Logger, loop *eventloop.Loop, hc *httpclient.Client, endpoints []Endpoint, initScan bool) *Device {
	if log == nil {
		log = slog.Default()
	}
	d := &Device{
		name:      name,
		log:       log.With("device", name),
		refcnt:    1,
		endpoints: endpoints,
		loop:      loop,
		http:      hc,
	}
	d.flags.Store(uint32(FlagListed | FlagInitWait))
	d.stm = newStateMachine(d)
	d.reader = newReadState(rasterdecode.New())
	d.reader.working = func() bool { return d.stm.currentState().working() }
	d.reader.jobStatus = func() Status { return d.job.currentStatus() }
	d.reader.setJobStatus = func(st Status) { d.job.setStatus(d.log, st) }
	d.reader.requestCancel = func() { d.stm.requestCancel() }
	return d
}

// Name returns the device's stable identity, as reported by discovery.
func (d *Device) Name() string { return d.name }

// Ref increments the device's reference count and returns d, matching
// device_ref.
func (d *Device) Ref() *Device {
	atomic.AddInt32(&d.refcnt, 1)
	return d
}

// Unref decrements the device's reference count, releasing its
// resources once it drops to zero. Matches device_unref: it asserts
// the device has already been delisted and halted before destruction.
func (d *Device) Unref() {
	if atomic.AddInt32(&d.refcnt, -1) != 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.hasFlag(FlagListed) {
		d.log.Error("device destroyed while still listed")
	}
	if !d.hasFlag(FlagHalted) {
		d.log.Error("device destroyed while not halted")
	}
	d.log.Debug("device destroyed")
}

func (d *Device) hasFlag(f Flags) bool {
	return d.flags.Load()&uint32(f) != 0
}

func (d *Device) setFlag(f Flags) {
	for {
		old := d.flags.Load()
		if old&uint32(f) != 0 {
			return
		}
		if d.flags.CompareAndSwap(old, old|uint32(f)) {
			return
		}
	}
}

func (d *Device) clearFlag(f Flags) {
	for {
		old := d.flags.Load()
		if old&uint32(f) == 0 {
			return
		}
		if d.flags.CompareAndSwap(old, old&^uint32(f)) {
			return
		}
	}
}

// Halt marks the device as removed from the registry and stops all
// pending I/O, matching device_del: flags lose LISTED, gain HALTED,
// and lose READY.
func (d *Device) Halt() {
	d.clearFlag(FlagListed)
	d.http.CancelAll()
	d.stm.cancelAll()
	d.setFlag(FlagHalted)
	d.clearFlag(FlagReady)
}

// SetOptions updates the device's scan configuration. It has no effect
// on a scan already in progress; the next Start call picks it up.
func (d *Device) SetOptions(opt Options) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opt = opt
}

// Capabilities returns the device's advertised scanner capabilities,
// or nil if the initial capability probe has not completed.
func (d *Device) Capabilities() *abstract.ScannerCapabilities {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.caps
}

// setCapabilities records a device's freshly probed capabilities and
// resets its scan options to capability-derived defaults, matching
// spec.md §3's "options reset to capability-derived defaults on
// capability acquisition."
func (d *Device) setCapabilities(caps *abstract.ScannerCapabilities) {
	d.mu.Lock()
	d.caps = caps
	d.opt = defaultOptionsFromCapabilities(caps)
	d.mu.Unlock()
}

// defaultOptionsFromCapabilities derives a device's initial scan
// options from its just-acquired capabilities: the full advertised
// window at the input's first supported resolution, matching
// device_scanner_capabilities_callback's devopt reset.
func defaultOptionsFromCapabilities(caps *abstract.ScannerCapabilities) Options {
	opt := Options{
		Source:     "platen",
		ColorMode:  abstract.ColorModeColor,
		Resolution: abstract.Resolution{XResolution: 300, YResolution: 300},
	}

	ic := caps.ADFSimplex
	if ic == nil {
		ic = caps.ADFDuplex
	}
	if ic == nil {
		return opt
	}

	opt.BRX, opt.BRY = ic.MaxWidth, ic.MaxHeight

	if len(ic.Profiles) > 0 && len(ic.Profiles[0].Resolutions) > 0 {
		opt.Resolution = ic.Profiles[0].Resolutions[0]
	}

	return opt
}

// inputCapabilities returns the capability-derived window bounds for
// source ("adf"/"feeder" selects the ADF input, anything else the
// primary/platen input), or nil before the device's first successful
// probe.
func (d *Device) inputCapabilities(source string) *abstract.InputCapabilities {
	d.mu.Lock()
	caps := d.caps
	d.mu.Unlock()

	if caps == nil {
		return nil
	}

	switch strings.ToLower(source) {
	case "adf", "feeder":
		if caps.ADFDuplex != nil {
			return caps.ADFDuplex
		}
	}
	return caps.ADFSimplex
}

// currentEndpoint returns the endpoint the state machine is currently
// bound to.
func (d *Device) currentEndpoint() *Endpoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.endpointCurrent >= len(d.endpoints) {
		return nil
	}
	ep := d.endpoints[d.endpointCurrent]
	return &ep
}

// Pollable exposes the read-ready signal so a frontend can multiplex
// it into a select loop, matching device_get_select_fd.
func (d *Device) Pollable() *pollable.Pollable {
	return d.reader.pollable
}

// State reports the device's current life-cycle state.
func (d *Device) State() State {
	return d.stm.currentState()
}

// Start begins a scan session, building and dispatching the first
// protocol operation of the chain. If the device is already scanning
// and has an image buffered, it returns StatusGood without starting a
// new job; it does not otherwise reject a call made while scanning
// (Handle.Start does). Matches device_start.
func (d *Device) Start(ctx context.Context) Status {
	d.mu.Lock()
	opt := d.opt
	d.mu.Unlock()
	return d.stm.start(ctx, opt)
}

// Cancel requests cancellation of the scan currently in progress,
// matching device_cancel: it is safe to call from any goroutine and
// is delivered to the state machine's single event-loop actor.
func (d *Device) Cancel() {
	d.stm.requestCancel()
}

// ReadLine pulls the next line of decoded image data, blocking (unless
// nonBlocking) until a line is available or the job reaches a
// terminal state. Matches device_read.
func (d *Device) ReadLine(buf []byte, nonBlocking bool) (int, error) {
	return d.reader.readLine(buf, nonBlocking)
}
