package device

import (
	"context"
	"fmt"
	"net/http"

	"github.com/OpenPrinting/go-mfp/abstract"
	"github.com/hashicorp/go-multierror"

	"github.com/mzyy94/airscan-core/internal/protocol"
)

// probe walks the device's endpoints in order, trying to fetch
// scanner capabilities from each until one succeeds, matching
// device_probe_endpoint/device_scanner_capabilities_callback: a
// failed endpoint falls through to the next one, and only once every
// endpoint has failed is the device considered unreachable.
//
// Every endpoint's failure is preserved (not just the last one) via
// go-multierror, so a caller logging the outcome can see exactly why
// each address was rejected instead of only the final attempt.
func (d *Device) probe(ctx context.Context) error {
	d.mu.Lock()
	endpoints := append([]Endpoint(nil), d.endpoints...)
	d.mu.Unlock()

	if len(endpoints) == 0 {
		return fmt.Errorf("device: no endpoints to probe")
	}

	var errs *multierror.Error

	for i, ep := range endpoints {
		if ep.Handler == nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: no protocol handler", ep.BaseURI))
			continue
		}

		d.mu.Lock()
		d.endpointCurrent = i
		d.mu.Unlock()

		caps, err := d.probeEndpoint(ctx, ep)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", ep.BaseURI, err))
			continue
		}

		d.setCapabilities(caps)
		d.setFlag(FlagReady)
		d.clearFlag(FlagInitWait)
		d.http.SetOnError(func(err error) {
			d.log.Debug("http transport error", "err", err)
		})
		return nil
	}

	return errs.ErrorOrNil()
}

// probeEndpoint issues one synchronous capabilities request against
// ep, translating the async httpclient.Client callback into a
// blocking call: probe only ever runs before the device starts
// scanning, so blocking its caller is acceptable, unlike the scan
// operation chain which must never block the event loop.
func (d *Device) probeEndpoint(ctx context.Context, ep Endpoint) (*abstract.ScannerCapabilities, error) {
	pctx := &protocol.Context{BaseURI: ep.BaseURI}
	req := ep.Handler.BuildCaps(pctx)

	type outcome struct {
		resp *http.Response
		body []byte
		err  error
	}
	done := make(chan outcome, 1)
	d.http.Submit(ctx, req, func(resp *http.Response, body []byte, err error) {
		done <- outcome{resp, body, err}
	})

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if out.err != nil {
		return nil, out.err
	}

	caps, err := ep.Handler.DecodeCaps(pctx, out.resp, out.body)
	if err != nil {
		return nil, err
	}
	if caps.MakeAndModel == "" {
		caps.MakeAndModel = d.name
	}
	return caps, nil
}
