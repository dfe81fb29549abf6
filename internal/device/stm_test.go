package device

import (
	"testing"

	"github.com/mzyy94/airscan-core/internal/eventloop"
	"github.com/mzyy94/airscan-core/internal/httpclient"
	"github.com/mzyy94/airscan-core/internal/protocol"
)

func TestStartReusesBufferedJobWithoutResubmitting(t *testing.T) {
	loop := eventloop.New(8, nil)
	dev := New("dev-a", nil, loop, httpclient.New(nil, nil), []Endpoint{
		{BaseURI: "http://scanner.local/eSCL/", Handler: protocol.NewESCLHandler()},
	}, false)

	dev.stm.setState(StateScanning)
	dev.reader.pushImage([]byte("buffered-page"))

	status := dev.stm.start(nil, Options{})
	if status != StatusGood {
		t.Fatalf("start with a buffered image = %v, want Good", status)
	}
	if dev.stm.currentState() != StateScanning {
		t.Fatalf("state = %v, want to remain Scanning (no job reset)", dev.stm.currentState())
	}
}
