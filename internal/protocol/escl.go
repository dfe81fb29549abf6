package protocol

import (
	"encoding/xml"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/OpenPrinting/go-mfp/abstract"
	"github.com/OpenPrinting/go-mfp/util/generic"

	"github.com/mzyy94/airscan-core/internal/httpclient"
	"github.com/mzyy94/airscan-core/internal/status"
)

// ReferenceDPI is the fixed resolution the eSCL wire format expresses
// window and scan-region dimensions in ("three-hundredths of an
// inch"), regardless of the XResolution/YResolution a scan actually
// requests.
const ReferenceDPI = 300

// esclScannerCapabilities is the subset of the eSCL ScannerCapabilities
// document DecodeCaps needs: the Platen and/or Adf input sources, each
// with their window bounds (in ReferenceDPI units) and the color
// modes/resolutions their setting profiles advertise.
type esclScannerCapabilities struct {
	XMLName      xml.Name    `xml:"ScannerCapabilities"`
	MakeAndModel string      `xml:"MakeAndModel"`
	Manufacturer string      `xml:"Manufacturer"`
	SerialNumber string      `xml:"SerialNumber"`
	Platen       *esclPlaten `xml:"Platen"`
	Adf          *esclAdf    `xml:"Adf"`
}

type esclPlaten struct {
	InputCaps esclInputCaps `xml:"PlatenInputCaps"`
}

type esclAdf struct {
	Simplex        *esclInputCaps `xml:"AdfSimplexInputCaps"`
	Duplex         *esclInputCaps `xml:"AdfDuplexInputCaps"`
	FeederCapacity int            `xml:"FeederCapacity"`
}

type esclInputCaps struct {
	MinWidth              int                  `xml:"MinWidth"`
	MaxWidth              int                  `xml:"MaxWidth"`
	MinHeight             int                  `xml:"MinHeight"`
	MaxHeight             int                  `xml:"MaxHeight"`
	MaxOpticalXResolution int                  `xml:"MaxOpticalXResolution"`
	MaxOpticalYResolution int                  `xml:"MaxOpticalYResolution"`
	SettingProfiles       []esclSettingProfile `xml:"SettingProfiles>SettingProfile"`
}

type esclSettingProfile struct {
	ColorModes  []string             `xml:"ColorModes>ColorMode"`
	Resolutions []esclCapsResolution `xml:"SupportedResolutions>DiscreteResolutions>DiscreteResolution"`
}

type esclCapsResolution struct {
	XResolution int `xml:"XResolution"`
	YResolution int `xml:"YResolution"`
}

// esclScanSettings is the request body BuildScan POSTs to
// eSCL/ScanJobs, in the wire shape the eSCL specification defines
// (a subset sufficient for a document flatbed/ADF scan).
type esclScanSettings struct {
	XMLName          xml.Name `xml:"scan:ScanSettings"`
	XMLNSPWG         string   `xml:"xmlns:pwg,attr"`
	XMLNSScan        string   `xml:"xmlns:scan,attr"`
	Version          string   `xml:"pwg:Version"`
	Intent           string   `xml:"scan:Intent,omitempty"`
	InputSource      string   `xml:"pwg:InputSource"`
	ColorMode        string   `xml:"scan:ColorMode"`
	XResolution      int      `xml:"scan:XResolution"`
	YResolution      int      `xml:"scan:YResolution"`
	ScanRegionXOff   int      `xml:"pwg:ScanRegion>pwg:XOffset"`
	ScanRegionYOff   int      `xml:"pwg:ScanRegion>pwg:YOffset"`
	ScanRegionWidth  int      `xml:"pwg:ScanRegion>pwg:Width"`
	ScanRegionHeight int      `xml:"pwg:ScanRegion>pwg:Height"`
}

// esclJobStatus is the subset of the eSCL ScannerStatus/JobInfo
// document DecodeStatus/DecodeLoad look at to learn whether the job
// is done, still processing, or has failed.
type esclJobStatus struct {
	XMLName         xml.Name `xml:"ScannerStatus"`
	JobState        string   `xml:"Jobs>JobInfo>JobState"`
	JobStateReasons []string `xml:"Jobs>JobInfo>JobStateReasons>JobStateReason"`
}

// esclHandler implements Handler for the eSCL wire protocol: HTTP
// POST/GET/DELETE against a device's /eSCL endpoints, grounded on
// the capability-building shape of the teacher's ESCLAdapter and on
// airscan-device.c's proto_handler_escl (SCAN/LOAD/STATUS/CANCEL
// operation semantics).
type esclHandler struct{}

// NewESCLHandler returns the eSCL Handler used by devices discovered
// with an eSCL zeroconf service type.
func NewESCLHandler() Handler {
	return esclHandler{}
}

func (esclHandler) Name() string { return "eSCL" }

func (esclHandler) BuildCaps(ctx *Context) httpclient.Request {
	return httpclient.Request{
		Method: http.MethodGet,
		URI:    joinPath(ctx.BaseURI, "ScannerCapabilities"),
	}
}

// DecodeCaps parses the eSCL ScannerCapabilities reply, deriving the
// device's real min/max window dimensions (converted from
// ReferenceDPI units to abstract.Millimeter), sources, and
// resolutions, matching device_scanner_capabilities_callback. A
// document advertising neither Platen nor Adf input is rejected: the
// device has nothing scannable.
func (esclHandler) DecodeCaps(ctx *Context, resp *http.Response, body []byte) (*abstract.ScannerCapabilities, error) {
	if resp == nil || resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("escl: capabilities request failed: %s", statusText(resp))
	}

	var doc esclScannerCapabilities
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("escl: decode capabilities: %w", err)
	}

	var primary *esclInputCaps
	switch {
	case doc.Platen != nil:
		primary = &doc.Platen.InputCaps
	case doc.Adf != nil && doc.Adf.Simplex != nil:
		primary = doc.Adf.Simplex
	}
	if primary == nil {
		return nil, fmt.Errorf("escl: capabilities document advertises no Platen or Adf input source")
	}

	caps := &abstract.ScannerCapabilities{
		MakeAndModel: doc.MakeAndModel,
		Manufacturer: doc.Manufacturer,
		SerialNumber: doc.SerialNumber,
		ADFSimplex:   esclConvertInputCaps(*primary),
	}

	switch {
	case doc.Adf != nil && doc.Adf.Duplex != nil:
		caps.ADFDuplex = esclConvertInputCaps(*doc.Adf.Duplex)
		caps.ADFCapacity = doc.Adf.FeederCapacity
	case doc.Adf != nil && doc.Adf.Simplex != nil:
		caps.ADFDuplex = esclConvertInputCaps(*doc.Adf.Simplex)
		caps.ADFCapacity = doc.Adf.FeederCapacity
	default:
		caps.ADFDuplex = caps.ADFSimplex
	}

	return caps, nil
}

// esclConvertInputCaps translates one wire InputCaps section into the
// abstract package's InputCapabilities, converting window bounds from
// ReferenceDPI units into abstract.Millimeter (hundredths of a
// millimeter).
func esclConvertInputCaps(ic esclInputCaps) *abstract.InputCapabilities {
	out := &abstract.InputCapabilities{
		MinWidth:              esclUnitsToMillimeter(ic.MinWidth),
		MaxWidth:              esclUnitsToMillimeter(ic.MaxWidth),
		MinHeight:             esclUnitsToMillimeter(ic.MinHeight),
		MaxHeight:             esclUnitsToMillimeter(ic.MaxHeight),
		MaxOpticalXResolution: ic.MaxOpticalXResolution,
		MaxOpticalYResolution: ic.MaxOpticalYResolution,
	}

	for _, sp := range ic.SettingProfiles {
		var profile abstract.SettingsProfile

		var modes []abstract.ColorMode
		for _, m := range sp.ColorModes {
			if mode := parseEsclColorModeCaps(m); mode != abstract.ColorModeUnset {
				modes = append(modes, mode)
			}
		}
		if len(modes) > 0 {
			profile.ColorModes = generic.MakeBitset(modes...)
		}

		for _, r := range sp.Resolutions {
			profile.Resolutions = append(profile.Resolutions, abstract.Resolution{
				XResolution: r.XResolution,
				YResolution: r.YResolution,
			})
		}

		out.Profiles = append(out.Profiles, profile)
	}

	return out
}

// esclUnitsToMillimeter converts a dimension given in ReferenceDPI
// units into abstract.Millimeter.
func esclUnitsToMillimeter(v int) abstract.Dimension {
	return abstract.Dimension(v * 2540 / ReferenceDPI)
}

// parseEsclColorModeCaps parses one <ColorMode> wire value from a
// capabilities document, the reverse of esclColorMode.
func parseEsclColorModeCaps(mode string) abstract.ColorMode {
	switch strings.ToUpper(mode) {
	case "RGB24":
		return abstract.ColorModeColor
	case "GRAYSCALE8":
		return abstract.ColorModeMono
	case "BLACKANDWHITE1":
		return abstract.ColorModeBinary
	default:
		return abstract.ColorModeUnset
	}
}

func (esclHandler) BuildScan(ctx *Context) httpclient.Request {
	settings := esclScanSettings{
		XMLNSPWG:         "http://www.pwg.org/schemas/2010/12/sm",
		XMLNSScan:        "http://schemas.hp.com/imaging/escl/2011/05/03",
		Version:          "2.0",
		Intent:           "Document",
		InputSource:      esclSource(ctx.Params.Source),
		ColorMode:        esclColorMode(ctx.Params.ColorMode),
		XResolution:      ctx.Params.XRes,
		YResolution:      ctx.Params.YRes,
		ScanRegionXOff:   ctx.Params.XOff,
		ScanRegionYOff:   ctx.Params.YOff,
		ScanRegionWidth:  ctx.Params.Wid,
		ScanRegionHeight: ctx.Params.Hei,
	}

	body, err := xml.Marshal(settings)
	if err != nil {
		body = nil
	}

	return httpclient.Request{
		Method: http.MethodPost,
		URI:    joinPath(ctx.BaseURI, "ScanJobs"),
		Body:   body,
		Header: http.Header{"Content-Type": []string{"text/xml"}},
	}
}

func (esclHandler) DecodeScan(ctx *Context, resp *http.Response, body []byte) Result {
	if resp == nil {
		return Result{Next: OpFinish, Status: status.IOError, Err: fmt.Errorf("escl: no response")}
	}

	switch resp.StatusCode {
	case http.StatusCreated:
		loc := resp.Header.Get("Location")
		if loc == "" {
			return Result{Next: OpFinish, Status: status.IOError, Err: fmt.Errorf("escl: SCAN response missing Location")}
		}
		return Result{Next: OpLoad, Location: loc, Status: status.Good}

	case http.StatusServiceUnavailable:
		ctx.FailedAttempt++
		if ctx.FailedAttempt > maxRetryAttempts {
			return Result{Next: OpFinish, Status: status.Busy, Err: fmt.Errorf("escl: device busy, giving up after %d attempts", ctx.FailedAttempt)}
		}
		return Result{Next: OpScan, Delay: retryDelay(ctx.FailedAttempt), Status: status.Good}

	default:
		return Result{Next: OpFinish, Status: status.IOError, Err: fmt.Errorf("escl: SCAN failed: %s", resp.Status)}
	}
}

func (esclHandler) BuildLoad(ctx *Context) httpclient.Request {
	return httpclient.Request{
		Method: http.MethodGet,
		URI:    ctx.Location + "/NextDocument",
	}
}

func (esclHandler) DecodeLoad(ctx *Context, resp *http.Response, body []byte) Result {
	if resp == nil {
		return Result{Next: OpFinish, Status: status.IOError, Err: fmt.Errorf("escl: no response")}
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return Result{Next: OpLoad, Image: body, Status: status.Good}

	case http.StatusNotFound, http.StatusGone:
		// No more documents: the job has produced everything it will.
		return Result{Next: OpCleanup, Status: status.EOF}

	case http.StatusServiceUnavailable:
		ctx.FailedAttempt++
		if ctx.FailedAttempt > maxRetryAttempts {
			return Result{Next: OpCleanup, Status: status.IOError, Err: fmt.Errorf("escl: device busy fetching document")}
		}
		return Result{Next: OpLoad, Delay: retryDelay(ctx.FailedAttempt), Status: status.Good}

	default:
		return Result{Next: OpCleanup, Status: status.IOError, Err: fmt.Errorf("escl: LOAD failed: %s", resp.Status)}
	}
}

func (esclHandler) BuildStatus(ctx *Context) httpclient.Request {
	return httpclient.Request{
		Method: http.MethodGet,
		URI:    ctx.Location,
	}
}

func (esclHandler) DecodeStatus(ctx *Context, resp *http.Response, body []byte) Result {
	if resp == nil || resp.StatusCode != http.StatusOK {
		return Result{Next: OpCleanup, Status: status.IOError, Err: fmt.Errorf("escl: STATUS failed: %s", statusText(resp))}
	}

	var js esclJobStatus
	if err := xml.Unmarshal(body, &js); err != nil {
		return Result{Next: OpLoad, Status: status.Good}
	}

	switch strings.ToLower(js.JobState) {
	case "completed":
		return Result{Next: OpCleanup, Status: status.Good}
	case "aborted", "canceled":
		return Result{Next: OpCleanup, Status: status.Cancelled}
	default:
		return Result{Next: OpLoad, Status: status.Good}
	}
}

func (esclHandler) BuildCancel(ctx *Context) httpclient.Request {
	return httpclient.Request{
		Method: http.MethodDelete,
		URI:    ctx.Location,
	}
}

func (esclHandler) BuildCleanup(ctx *Context) httpclient.Request {
	return httpclient.Request{
		Method: http.MethodDelete,
		URI:    ctx.Location,
	}
}

func esclSource(source string) string {
	switch strings.ToLower(source) {
	case "adf", "feeder":
		return "Feeder"
	case "flatbed", "platen":
		return "Platen"
	default:
		return "Platen"
	}
}

func esclColorMode(mode string) string {
	switch strings.ToLower(mode) {
	case "colormodecolor", "color", "rgb24":
		return "RGB24"
	case "colormodemono", "grayscale", "gray8":
		return "Grayscale8"
	case "colormodebinary", "blackandwhite1":
		return "BlackAndWhite1"
	default:
		return "RGB24"
	}
}

func joinPath(base, suffix string) string {
	if strings.HasSuffix(base, "/") {
		return base + suffix
	}
	return base + "/" + suffix
}

func statusText(resp *http.Response) string {
	if resp == nil {
		return "<no response>"
	}
	return resp.Status
}

const (
	// maxRetryAttempts caps the number of consecutive 503 retries
	// before an operation gives up and finishes the chain, matching
	// airscan-device.c's DEVICE_HTTP_RETRY_ATTEMPTS.
	maxRetryAttempts = 10
	// retryPause is the fixed pause between retries, matching
	// airscan-device.c's DEVICE_HTTP_RETRY_PAUSE: a constant one
	// second, not exponential backoff.
	retryPause = 1 * time.Second
)

// retryDelay returns the pause before the next retry of an operation
// that got a 503. The delay is constant regardless of attempt count,
// matching airscan-device.c's fixed DEVICE_HTTP_RETRY_PAUSE.
func retryDelay(attempt int) time.Duration {
	return retryPause
}
