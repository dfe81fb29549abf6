// Package discovery bridges mDNS/DNS-SD service discovery to the
// device registry: it browses for eSCL scanner services with
// github.com/grandcat/zeroconf and turns entries into
// Registry.OnFound/OnRemoved/OnInitScanFinished calls, matching
// zeroconf's role in airscan-device.c (device_event_found/removed/
// init_scan_finished).
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/mzyy94/airscan-core/internal/device"
	"github.com/mzyy94/airscan-core/internal/protocol"
)

// esclServiceType is the DNS-SD service type eSCL scanners advertise.
const esclServiceType = "_uscan._tcp"

// Sink is the subset of *device.Registry the watcher drives; declared
// as an interface so tests can substitute a recorder.
type Sink interface {
	OnFound(ctx context.Context, name string, initScan bool, endpoints []device.Endpoint)
	OnRemoved(name string)
	OnInitScanFinished()
}

// Watcher continuously browses for eSCL services and forwards
// found/removed/init-scan-finished events to a Sink.
type Watcher struct {
	log      *slog.Logger
	sink     Sink
	domain   string
	initWait time.Duration

	seen map[string]bool
}

// New creates a Watcher that reports discovered devices to sink.
// initWait bounds how long the first browse pass is treated as the
// "initial scan" (after which OnInitScanFinished fires), matching the
// zeroconf module's own init-scan timeout in the C source.
func New(log *slog.Logger, sink Sink, initWait time.Duration) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	if initWait <= 0 {
		initWait = 5 * time.Second
	}
	return &Watcher{
		log:      log,
		sink:     sink,
		domain:   "local.",
		initWait: initWait,
		seen:     make(map[string]bool),
	}
}

// Run browses for eSCL services until ctx is cancelled, delivering
// events to the Watcher's Sink as they arrive. It blocks and should
// be run in its own goroutine.
func (w *Watcher) Run(ctx context.Context) error {
	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return fmt.Errorf("discovery: create resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry, 16)

	initTimer := time.NewTimer(w.initWait)
	defer initTimer.Stop()
	var initDone atomic.Bool

	go func() {
		for {
			select {
			case entry, ok := <-entries:
				if !ok {
					return
				}
				w.handleEntry(ctx, entry)
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		<-initTimer.C
		if initDone.CompareAndSwap(false, true) {
			w.sink.OnInitScanFinished()
		}
	}()

	if err := resolver.Browse(ctx, esclServiceType, w.domain, entries); err != nil {
		return fmt.Errorf("discovery: browse: %w", err)
	}

	<-ctx.Done()
	return ctx.Err()
}

func (w *Watcher) handleEntry(ctx context.Context, entry *zeroconf.ServiceEntry) {
	name := entry.Instance
	if name == "" {
		return
	}

	if len(entry.AddrIPv4) == 0 && len(entry.AddrIPv6) == 0 {
		if w.seen[name] {
			w.seen[name] = false
			w.sink.OnRemoved(name)
		}
		return
	}

	baseURI := endpointURI(entry)
	endpoints := []device.Endpoint{{
		BaseURI: baseURI,
		Handler: protocol.NewESCLHandler(),
	}}

	initScan := !w.seen[name]
	w.seen[name] = true
	w.sink.OnFound(ctx, name, initScan, endpoints)
}

func endpointURI(entry *zeroconf.ServiceEntry) string {
	host := entry.HostName
	if len(entry.AddrIPv4) > 0 {
		host = entry.AddrIPv4[0].String()
	} else if len(entry.AddrIPv6) > 0 {
		host = entry.AddrIPv6[0].String()
	}

	scheme := "http"
	root := "/eSCL/"
	for _, txt := range entry.Text {
		switch {
		case txt == "tls=1":
			scheme = "https"
		case strings.HasPrefix(txt, "rs="):
			if rs := strings.Trim(strings.TrimPrefix(txt, "rs="), "/"); rs != "" {
				root = "/" + rs + "/"
			} else {
				root = "/"
			}
		}
	}

	return fmt.Sprintf("%s://%s%s", scheme, net.JoinHostPort(host, fmt.Sprintf("%d", entry.Port)), root)
}
