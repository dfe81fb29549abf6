// Package protocol defines the pluggable per-endpoint protocol
// handler contract (spec.md §4.3, §6, §9 "Protocol handler
// polymorphism") and dispatch helpers shared by every concrete
// handler. It knows nothing about a specific wire family; internal/
// protocol/escl.go supplies the eSCL implementation.
package protocol

import (
	"net/http"
	"time"

	"github.com/OpenPrinting/go-mfp/abstract"

	"github.com/mzyy94/airscan-core/internal/httpclient"
	"github.com/mzyy94/airscan-core/internal/status"
)

// Op identifies a step in the operation chain the state machine
// drives (spec.md §4.3 "Operation chain").
type Op int

const (
	OpNone Op = iota
	OpScan
	OpLoad
	OpCheck
	OpCancel
	OpCleanup
	OpFinish
)

func (op Op) String() string {
	switch op {
	case OpNone:
		return "NONE"
	case OpScan:
		return "SCAN"
	case OpLoad:
		return "LOAD"
	case OpCheck:
		return "CHECK"
	case OpCancel:
		return "CANCEL"
	case OpCleanup:
		return "CLEANUP"
	case OpFinish:
		return "FINISH"
	default:
		return "UNKNOWN"
	}
}

// Params carries the geometry and mode a SCAN request builds from
// (spec.md §4.3 "device_stm_start_scan" equivalent).
type Params struct {
	XOff, YOff int
	Wid, Hei   int
	XRes, YRes int
	Source     string
	ColorMode  string
}

// Context is the per-device state a Handler's build/decode functions
// need: the endpoint to talk to, the operation currently in flight,
// the job resource URI once known, and the scan parameters for the
// next SCAN request. It is analogous to the C source's proto_ctx.
type Context struct {
	BaseURI       string
	Location      string // job resource URI ("location"), empty until SCAN succeeds
	Params        Params
	FailedAttempt int // consecutive 503/transient failures on the current op, for backoff
}

// Result is what decoding an operation's HTTP reply produces: where
// to go next, how long to wait before going there, the job status
// implied (StatusGood if none), and any payload (job URI for SCAN,
// encoded image bytes for LOAD). At most one of Location/Image is
// ever set, and only for the operation that produces it.
type Result struct {
	Next     Op
	Delay    time.Duration
	Status   status.Status
	Location string
	Image    []byte
	Err      error
}

// Handler is the per-protocol-family function table spec.md §9
// describes: build a request for a given operation, decode its
// reply into a Result. CANCEL and CLEANUP share a trivial decoder
// that always advances to FINISH (DummyDecode).
type Handler interface {
	Name() string

	BuildCaps(ctx *Context) httpclient.Request
	// DecodeCaps parses the reply to BuildCaps into the abstract
	// capability model the rest of the device layer works with (window
	// bounds, sources, resolutions), matching
	// device_scanner_capabilities_callback.
	DecodeCaps(ctx *Context, resp *http.Response, body []byte) (*abstract.ScannerCapabilities, error)

	BuildScan(ctx *Context) httpclient.Request
	DecodeScan(ctx *Context, resp *http.Response, body []byte) Result

	BuildLoad(ctx *Context) httpclient.Request
	DecodeLoad(ctx *Context, resp *http.Response, body []byte) Result

	BuildStatus(ctx *Context) httpclient.Request
	DecodeStatus(ctx *Context, resp *http.Response, body []byte) Result

	BuildCancel(ctx *Context) httpclient.Request
	BuildCleanup(ctx *Context) httpclient.Request
}

// DummyDecode is the shared CANCEL/CLEANUP decoder: it always
// finishes the chain, regardless of the reply, matching
// device_proto_dummy_decode in the C source.
func DummyDecode(*Context, *http.Response, []byte) Result {
	return Result{Next: OpFinish}
}

// Build dispatches to the Handler function that builds the request
// for op.
func Build(h Handler, ctx *Context, op Op) httpclient.Request {
	switch op {
	case OpScan:
		return h.BuildScan(ctx)
	case OpLoad:
		return h.BuildLoad(ctx)
	case OpCheck:
		return h.BuildStatus(ctx)
	case OpCancel:
		return h.BuildCancel(ctx)
	case OpCleanup:
		return h.BuildCleanup(ctx)
	default:
		panic("protocol: Build called with " + op.String())
	}
}

// Decode dispatches to the Handler function that decodes the reply
// for op, or to DummyDecode for CANCEL/CLEANUP.
func Decode(h Handler, ctx *Context, op Op, resp *http.Response, body []byte) Result {
	switch op {
	case OpScan:
		return h.DecodeScan(ctx, resp, body)
	case OpLoad:
		return h.DecodeLoad(ctx, resp, body)
	case OpCheck:
		return h.DecodeStatus(ctx, resp, body)
	case OpCancel, OpCleanup:
		return DummyDecode(ctx, resp, body)
	default:
		panic("protocol: Decode called with " + op.String())
	}
}
