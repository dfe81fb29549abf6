package device

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mzyy94/airscan-core/internal/eventloop"
	"github.com/mzyy94/airscan-core/internal/httpclient"
)

// Registry tracks every device that has ever been discovered, keyed
// by name, matching the C source's device_table GPtrArray plus
// device_add/device_find/device_del/device_table_collect/purge.
type Registry struct {
	log  *slog.Logger
	loop *eventloop.Loop

	mu           sync.Mutex
	cond         *sync.Cond
	devices      map[string]*Device
	initScanDone bool
}

// NewRegistry creates an empty registry. loop is the eventloop new
// devices' state machines will run their I/O and timers on.
func NewRegistry(log *slog.Logger, loop *eventloop.Loop) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		log:     log,
		loop:    loop,
		devices: make(map[string]*Device),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Add creates and registers a device for name if one doesn't already
// exist, then probes its endpoints for capabilities in the
// background. It matches device_add: a duplicate name is a no-op.
func (r *Registry) Add(ctx context.Context, name string, endpoints []Endpoint, initScan, statically bool) {
	r.mu.Lock()
	if _, exists := r.devices[name]; exists {
		r.mu.Unlock()
		r.log.Debug("device already exists", "device", name)
		return
	}

	kind := "dynamically"
	if statically {
		kind = "statically"
	}
	r.log.Debug("adding device", "device", name, "how", kind)

	hc := httpclient.New(nil, r.log.With("device", name))
	dev := New(name, r.log, r.loop, hc, endpoints, initScan)
	r.devices[name] = dev
	r.mu.Unlock()

	go func() {
		if err := dev.probe(ctx); err != nil {
			r.log.Debug("device probe failed, removing", "device", name, "err", err)
			r.Remove(name)
		}
		r.cond.Broadcast()
	}()
}

// Remove halts and delists a device, matching device_del. The device
// itself is only freed once its last reference (e.g. an open Handle)
// is released.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	dev, ok := r.devices[name]
	if ok {
		delete(r.devices, name)
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	r.log.Debug("removing device", "device", name)
	dev.Halt()
	dev.Unref()
	r.cond.Broadcast()
}

// Find looks up a device by name, matching device_find. The returned
// Device is not ref'd; callers that retain it beyond the current call
// must call Ref themselves.
func (r *Registry) Find(name string) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.devices[name]
}

// Collect returns every registered device whose flags intersect want,
// matching device_table_collect.
func (r *Registry) Collect(want Flags) []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Device, 0, len(r.devices))
	for _, dev := range r.devices {
		if dev.flags.Load()&uint32(want) != 0 {
			out = append(out, dev)
		}
	}
	return out
}

// Size reports the number of registered devices, matching
// device_table_size.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}

// Purge halts and removes every device, matching device_table_purge.
// Used at shutdown.
func (r *Registry) Purge() {
	r.mu.Lock()
	names := make([]string, 0, len(r.devices))
	for name := range r.devices {
		names = append(names, name)
	}
	r.mu.Unlock()

	for _, name := range names {
		r.Remove(name)
	}
}

// Ready reports whether discovery has completed its initial scan and
// every registered device has finished its initial capability probe
// (no device still carries FlagInitWait), matching
// device_table_ready's collect(INIT_WAIT)==0 check combined with the
// discovery layer's own initial-scan-complete condition.
func (r *Registry) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.initScanDone {
		return false
	}
	for _, dev := range r.devices {
		if dev.flags.Load()&uint32(FlagInitWait) != 0 {
			return false
		}
	}
	return true
}

// WaitReady blocks until Ready reports true or ctx is done, matching
// device_list_sync's wait loop (there bounded by a fixed timeout;
// here the caller supplies the deadline via ctx).
func (r *Registry) WaitReady(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.mu.Lock()
		for {
			ready := r.initScanDone
			if ready {
				for _, dev := range r.devices {
					if dev.flags.Load()&uint32(FlagInitWait) != 0 {
						ready = false
						break
					}
				}
			}
			if ready {
				break
			}
			r.cond.Wait()
		}
		r.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
