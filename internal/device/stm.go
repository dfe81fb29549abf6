package device

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/mzyy94/airscan-core/internal/eventloop"
	"github.com/mzyy94/airscan-core/internal/protocol"
)

// stateMachine drives one device's operation chain to completion.
// Protocol callbacks run on the device's eventloop; the state and
// protocol context are guarded by mu, and cond is broadcast on every
// transition, so frontend goroutines can observe and wait on them.
// Cancellation must be requestable from any goroutine, which is why
// it goes through a compare-and-swap plus an event-loop-delivered
// callback rather than a direct call.
//
// Grounded on airscan-device.c's DEVICE_STM_* state machine:
// device_stm_state_set/get, device_stm_cancel_req/perform, and
// device_stm_op_callback.
type stateMachine struct {
	dev *Device
	log *slog.Logger

	mu   sync.Mutex
	cond *sync.Cond

	state State
	pctx  protocol.Context

	handler protocol.Handler
	scanCtx context.Context
	timer   *eventloop.Timer
}

func newStateMachine(dev *Device) *stateMachine {
	sm := &stateMachine{dev: dev, log: dev.log, state: StateClosed}
	sm.cond = sync.NewCond(&sm.mu)
	return sm
}

func (sm *stateMachine) currentState() State {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state
}

func (sm *stateMachine) setState(s State) {
	sm.mu.Lock()
	changed := sm.state != s
	if changed {
		sm.log.Debug("state", "state", s.String())
		sm.state = s
	}
	sm.mu.Unlock()

	if changed {
		sm.cond.Broadcast()
		// The read-ready signal becomes readable whenever the state or
		// the queue changes, not just when the machine stops working:
		// a blocked reader also needs to recheck job status transitions
		// (e.g. SCANNING -> CANCEL_REQ) that don't by themselves queue
		// an image.
		sm.dev.reader.wake()
	}
}

// requestCancel atomically moves SCANNING to CANCEL_REQ and, if that
// succeeded, wakes the event loop to actually perform the cancel.
// Matches device_stm_cancel_req.
func (sm *stateMachine) requestCancel() {
	sm.mu.Lock()
	ok := sm.state == StateScanning
	if ok {
		sm.state = StateCancelReq
	}
	sm.mu.Unlock()

	if ok {
		sm.dev.loop.Call(sm.performCancelEvent)
	}
}

func (sm *stateMachine) performCancelEvent() {
	sm.log.Debug("cancel requested")
	if !sm.performCancel() {
		sm.setState(StateCancelWait)
	}
}

// performCancel submits the protocol's cancel operation if a job
// location is known, matching device_stm_cancel_perform.
func (sm *stateMachine) performCancel() bool {
	sm.mu.Lock()
	location := sm.pctx.Location
	sm.mu.Unlock()

	if location == "" {
		return false
	}

	if sm.timer != nil {
		sm.timer.Cancel()
		sm.timer = nil
	}
	sm.dev.http.CancelAll()
	sm.setState(StateCancelling)

	if sm.dev.job.setStatus(sm.log, StatusCancelled) {
		sm.dev.reader.purge()
	}

	sm.submit(protocol.OpCancel)
	return true
}

func (sm *stateMachine) cancelAll() {
	sm.dev.http.CancelAll()
}

// start builds and submits the scan operation, matching
// device_stm_start_scan, then blocks the caller until a job location
// is known or the session ends, matching device_start's wait loop.
//
// If a previous job is still SCANNING but has already buffered at
// least one complete image, this is the §4.5 step 1 reuse case: the
// caller gets to read what is already queued without a fresh SCAN
// being issued, matching device_start's early-return branch when the
// device is already busy producing.
func (sm *stateMachine) start(ctx context.Context, opt Options) Status {
	ep := sm.dev.currentEndpoint()
	if ep == nil || ep.Handler == nil {
		return StatusIOError
	}

	if sm.currentState() == StateScanning && !sm.dev.reader.empty() {
		return StatusGood
	}

	xres, yres := int(opt.Resolution.XResolution), int(opt.Resolution.YResolution)
	if xres <= 0 {
		xres = 300
	}
	if yres <= 0 {
		yres = 300
	}

	// Window offsets/lengths and their min/max bounds all live in
	// ReferenceDPI units on the wire (eSCL ScanRegion is always
	// expressed at a fixed 300 DPI regardless of the requested scan
	// resolution); res carries the actual capture resolution so
	// ComputeGeometry can translate any resulting clip into the
	// decoder's own pixel domain.
	const units = protocol.ReferenceDPI
	minLenPx, maxWPx, maxHPx := 1, 1<<30, 1<<30
	if ic := sm.dev.inputCapabilities(opt.Source); ic != nil {
		if w := MMToPixels(int(ic.MinWidth), units); w > 0 {
			minLenPx = w
		}
		if w := MMToPixels(int(ic.MaxWidth), units); w > 0 {
			maxWPx = w
		}
		if h := MMToPixels(int(ic.MaxHeight), units); h > 0 {
			maxHPx = h
		}
	}

	tlxPx := MMToPixels(int(opt.TLX), units)
	brxPx := MMToPixels(int(opt.BRX), units)
	tlyPx := MMToPixels(int(opt.TLY), units)
	bryPx := MMToPixels(int(opt.BRY), units)

	geomX := ComputeGeometry(tlxPx, brxPx, minLenPx, maxWPx, xres, units)
	geomY := ComputeGeometry(tlyPx, bryPx, minLenPx, maxHPx, yres, units)

	// The decoded image itself comes back at the requested capture
	// resolution, not at ReferenceDPI, so the queue's expected line
	// length/count must be rescaled from geometry's reference-DPI
	// domain into the capture resolution's pixel domain.
	widthPx := muldiv(geomX.Len, xres, units)
	heightPx := muldiv(geomY.Len, yres, units)

	sm.dev.reader.setExpected(FrameRGB, widthPx*3, heightPx, geomX.Skip, geomY.Skip)
	sm.dev.job.reset()
	sm.handler = ep.Handler
	sm.scanCtx = ctx

	sm.mu.Lock()
	sm.pctx = protocol.Context{
		BaseURI: ep.BaseURI,
		Params: protocol.Params{
			XOff:      geomX.Off,
			YOff:      geomY.Off,
			Wid:       geomX.Len,
			Hei:       geomY.Len,
			XRes:      xres,
			YRes:      yres,
			Source:    opt.Source,
			ColorMode: fmt.Sprintf("%v", opt.ColorMode),
		},
	}
	sm.mu.Unlock()

	sm.setState(StateScanning)
	sm.submit(protocol.OpScan)

	sm.mu.Lock()
	for sm.state == StateScanning && sm.pctx.Location == "" {
		sm.cond.Wait()
	}
	sm.mu.Unlock()

	return StatusGood
}

func (sm *stateMachine) submit(op protocol.Op) {
	sm.dev.loop.Call(func() { sm.runOp(op) })
}

func (sm *stateMachine) runOp(op protocol.Op) {
	sm.mu.Lock()
	pctx := sm.pctx
	sm.mu.Unlock()

	req := protocol.Build(sm.handler, &pctx, op)

	sm.dev.http.Submit(sm.scanCtx, req, func(resp *http.Response, body []byte, httpErr error) {
		sm.dev.loop.Call(func() {
			sm.handleResult(op, pctx, resp, body, httpErr)
		})
	})
}

func (sm *stateMachine) handleResult(op protocol.Op, pctx protocol.Context, resp *http.Response, body []byte, httpErr error) {
	var result protocol.Result
	if httpErr != nil {
		result = protocol.Result{Next: protocol.OpFinish, Status: StatusIOError, Err: httpErr}
	} else {
		result = protocol.Decode(sm.handler, &pctx, op, resp, body)
	}

	if result.Err != nil {
		sm.log.Debug("op result", "op", op.String(), "err", result.Err)
	}

	// Decode may have mutated pctx (e.g. bumping FailedAttempt on a
	// retryable status); persist it before Location/reset updates below.
	sm.mu.Lock()
	sm.pctx.FailedAttempt = pctx.FailedAttempt
	sm.mu.Unlock()

	switch op {
	case protocol.OpScan:
		if result.Location != "" {
			sm.mu.Lock()
			sm.pctx.Location = result.Location
			sm.pctx.FailedAttempt = 0
			sm.mu.Unlock()
			sm.cond.Broadcast()
		}
	case protocol.OpLoad:
		if len(result.Image) > 0 {
			sm.dev.reader.pushImage(result.Image)
			sm.dev.job.imageReceived()
			sm.mu.Lock()
			sm.pctx.FailedAttempt = 0
			sm.mu.Unlock()
			sm.cond.Broadcast()
		}
	}

	if sm.dev.job.setStatus(sm.log, result.Status) {
		sm.dev.reader.purge()
	}

	if result.Next == protocol.OpFinish {
		if sm.dev.job.imagesReceived == 0 {
			sm.dev.job.setStatus(sm.log, StatusIOError)
		}
		sm.setState(StateDone)
		return
	}

	if sm.currentState() == StateCancelWait {
		if !sm.performCancel() {
			sm.setState(StateDone)
		}
		return
	}

	switch result.Next {
	case protocol.OpCancel:
		sm.setState(StateCancelling)
	case protocol.OpCleanup:
		sm.setState(StateCleanup)
	}

	if result.Delay > 0 {
		sm.timer = sm.dev.loop.AfterFunc(result.Delay, func() {
			sm.runOp(result.Next)
		})
		return
	}

	sm.submit(result.Next)
}
