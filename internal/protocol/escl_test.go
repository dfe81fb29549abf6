package protocol

import (
	"net/http"
	"strings"
	"testing"

	"github.com/OpenPrinting/go-mfp/abstract"

	"github.com/mzyy94/airscan-core/internal/status"
)

func resp(statusCode int, headers map[string]string) *http.Response {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	return &http.Response{StatusCode: statusCode, Status: http.StatusText(statusCode), Header: h}
}

func TestESCLBuildScanRequest(t *testing.T) {
	h := NewESCLHandler()
	ctx := &Context{
		BaseURI: "http://printer.local/eSCL/",
		Params: Params{
			XOff: 0, YOff: 0, Wid: 2550, Hei: 3300,
			XRes: 300, YRes: 300,
			Source:    "flatbed",
			ColorMode: "ColorModeColor",
		},
	}

	req := h.BuildScan(ctx)
	if req.Method != http.MethodPost {
		t.Errorf("Method = %s, want POST", req.Method)
	}
	if !strings.HasSuffix(req.URI, "ScanJobs") {
		t.Errorf("URI = %s, want suffix ScanJobs", req.URI)
	}
	if !strings.Contains(string(req.Body), "RGB24") {
		t.Errorf("body missing ColorMode: %s", req.Body)
	}
	if !strings.Contains(string(req.Body), "Platen") {
		t.Errorf("body missing InputSource: %s", req.Body)
	}
}

func TestESCLDecodeScanCreated(t *testing.T) {
	h := NewESCLHandler()
	ctx := &Context{}
	r := resp(http.StatusCreated, map[string]string{"Location": "http://printer.local/eSCL/ScanJobs/123"})

	result := h.DecodeScan(ctx, r, nil)
	if result.Next != OpLoad {
		t.Errorf("Next = %v, want LOAD", result.Next)
	}
	if result.Location != "http://printer.local/eSCL/ScanJobs/123" {
		t.Errorf("Location = %q", result.Location)
	}
	if result.Status != status.Good {
		t.Errorf("Status = %v, want Good", result.Status)
	}
}

func TestESCLDecodeScanBusyRetries(t *testing.T) {
	h := NewESCLHandler()
	ctx := &Context{}
	r := resp(http.StatusServiceUnavailable, nil)

	result := h.DecodeScan(ctx, r, nil)
	if result.Next != OpScan {
		t.Errorf("Next = %v, want SCAN (retry)", result.Next)
	}
	if result.Delay <= 0 {
		t.Error("expected a nonzero retry delay")
	}
	if ctx.FailedAttempt != 1 {
		t.Errorf("FailedAttempt = %d, want 1", ctx.FailedAttempt)
	}
}

func TestESCLDecodeScanBusyGivesUpAfterMaxAttempts(t *testing.T) {
	h := NewESCLHandler()
	ctx := &Context{FailedAttempt: maxRetryAttempts}
	r := resp(http.StatusServiceUnavailable, nil)

	result := h.DecodeScan(ctx, r, nil)
	if result.Next != OpFinish {
		t.Errorf("Next = %v, want FINISH after exceeding retry budget", result.Next)
	}
	if result.Err == nil {
		t.Error("expected an error once retries are exhausted")
	}
}

func TestESCLDecodeLoadImage(t *testing.T) {
	h := NewESCLHandler()
	ctx := &Context{}
	r := resp(http.StatusOK, nil)
	body := []byte("fake-jpeg-bytes")

	result := h.DecodeLoad(ctx, r, body)
	if result.Next != OpLoad {
		t.Errorf("Next = %v, want LOAD (keep pulling)", result.Next)
	}
	if string(result.Image) != string(body) {
		t.Errorf("Image = %q, want %q", result.Image, body)
	}
}

func TestESCLDecodeLoadNotFoundFinishesJob(t *testing.T) {
	h := NewESCLHandler()
	ctx := &Context{}
	r := resp(http.StatusNotFound, nil)

	result := h.DecodeLoad(ctx, r, nil)
	if result.Next != OpCleanup {
		t.Errorf("Next = %v, want CLEANUP", result.Next)
	}
	if result.Status != status.EOF {
		t.Errorf("Status = %v, want EOF", result.Status)
	}
}

func TestESCLBuildCancelUsesJobLocation(t *testing.T) {
	h := NewESCLHandler()
	ctx := &Context{Location: "http://printer.local/eSCL/ScanJobs/123"}

	req := h.BuildCancel(ctx)
	if req.Method != http.MethodDelete {
		t.Errorf("Method = %s, want DELETE", req.Method)
	}
	if req.URI != ctx.Location {
		t.Errorf("URI = %s, want %s", req.URI, ctx.Location)
	}
}

const testCapsBody = `<?xml version="1.0" encoding="UTF-8"?>
<scan:ScannerCapabilities xmlns:scan="http://schemas.hp.com/imaging/escl/2011/05/03" xmlns:pwg="http://www.pwg.org/schemas/2010/12/sm">
  <pwg:MakeAndModel>Test Scanner</pwg:MakeAndModel>
  <pwg:SerialNumber>SN123</pwg:SerialNumber>
  <scan:Manufacturer>Acme</scan:Manufacturer>
  <scan:Platen>
    <scan:PlatenInputCaps>
      <scan:MinWidth>1</scan:MinWidth>
      <scan:MaxWidth>2550</scan:MaxWidth>
      <scan:MinHeight>1</scan:MinHeight>
      <scan:MaxHeight>3300</scan:MaxHeight>
      <scan:SettingProfiles>
        <scan:SettingProfile>
          <scan:ColorModes>
            <scan:ColorMode>RGB24</scan:ColorMode>
            <scan:ColorMode>Grayscale8</scan:ColorMode>
          </scan:ColorModes>
          <scan:SupportedResolutions>
            <scan:DiscreteResolutions>
              <scan:DiscreteResolution>
                <scan:XResolution>300</scan:XResolution>
                <scan:YResolution>300</scan:YResolution>
              </scan:DiscreteResolution>
            </scan:DiscreteResolutions>
          </scan:SupportedResolutions>
        </scan:SettingProfile>
      </scan:SettingProfiles>
    </scan:PlatenInputCaps>
  </scan:Platen>
</scan:ScannerCapabilities>`

func TestESCLDecodeCapsParsesWindowBounds(t *testing.T) {
	h := NewESCLHandler()
	r := resp(http.StatusOK, nil)

	caps, err := h.DecodeCaps(&Context{}, r, []byte(testCapsBody))
	if err != nil {
		t.Fatalf("DecodeCaps: %v", err)
	}
	if caps.MakeAndModel != "Test Scanner" {
		t.Errorf("MakeAndModel = %q, want %q", caps.MakeAndModel, "Test Scanner")
	}
	if caps.SerialNumber != "SN123" {
		t.Errorf("SerialNumber = %q, want SN123", caps.SerialNumber)
	}
	if caps.ADFSimplex == nil {
		t.Fatal("expected ADFSimplex to be populated from Platen")
	}
	// 2550 (three-hundredths-of-an-inch units) -> 2550*2540/300 = 21590.
	if caps.ADFSimplex.MaxWidth != 21590 {
		t.Errorf("MaxWidth = %d, want 21590", caps.ADFSimplex.MaxWidth)
	}
	if caps.ADFDuplex != caps.ADFSimplex {
		t.Error("expected ADFDuplex to alias ADFSimplex when the document has no distinct ADF duplex profile")
	}
	if len(caps.ADFSimplex.Profiles) != 1 {
		t.Fatalf("Profiles = %d, want 1", len(caps.ADFSimplex.Profiles))
	}
	res := caps.ADFSimplex.Profiles[0].Resolutions
	if len(res) != 1 || res[0] != (abstract.Resolution{XResolution: 300, YResolution: 300}) {
		t.Errorf("Resolutions = %+v, want [{300 300}]", res)
	}
}

func TestESCLDecodeCapsRejectsDocumentWithNoInputSource(t *testing.T) {
	h := NewESCLHandler()
	r := resp(http.StatusOK, nil)

	_, err := h.DecodeCaps(&Context{}, r, []byte(`<ScannerCapabilities></ScannerCapabilities>`))
	if err == nil {
		t.Fatal("expected an error for a capabilities document with no Platen or Adf input")
	}
}

func TestESCLDecodeCapsRejectsNonOKStatus(t *testing.T) {
	h := NewESCLHandler()
	r := resp(http.StatusInternalServerError, nil)

	if _, err := h.DecodeCaps(&Context{}, r, nil); err == nil {
		t.Fatal("expected an error for a non-200 capabilities response")
	}
}

func TestRetryDelayIsConstantOneSecond(t *testing.T) {
	if d := retryDelay(1); d != retryPause {
		t.Errorf("retryDelay(1) = %v, want %v", d, retryPause)
	}
	if d := retryDelay(9); d != retryPause {
		t.Errorf("retryDelay(9) = %v, want %v (constant regardless of attempt)", d, retryPause)
	}
	if maxRetryAttempts != 10 {
		t.Errorf("maxRetryAttempts = %d, want 10", maxRetryAttempts)
	}
}

func TestDummyDecodeAlwaysFinishes(t *testing.T) {
	result := DummyDecode(&Context{}, nil, nil)
	if result.Next != OpFinish {
		t.Errorf("Next = %v, want FINISH", result.Next)
	}
}

func TestBuildDispatchesByOp(t *testing.T) {
	h := NewESCLHandler()
	ctx := &Context{Location: "http://printer.local/eSCL/ScanJobs/1"}

	if req := Build(h, ctx, OpCancel); req.Method != http.MethodDelete {
		t.Errorf("Build(OpCancel).Method = %s, want DELETE", req.Method)
	}
	if req := Build(h, ctx, OpScan); req.Method != http.MethodPost {
		t.Errorf("Build(OpScan).Method = %s, want POST", req.Method)
	}
}
