package device

import "context"

// AddStatic registers a device that came from static configuration
// rather than discovery, matching device_statically_configured: it is
// always added with init_scan=true, statically=true.
func (r *Registry) AddStatic(ctx context.Context, name string, endpoints []Endpoint) {
	r.Add(ctx, name, endpoints, true, true)
}

// OnFound handles a discovery "device found" event, matching
// device_event_found.
func (r *Registry) OnFound(ctx context.Context, name string, initScan bool, endpoints []Endpoint) {
	r.Add(ctx, name, endpoints, initScan, false)
}

// OnRemoved handles a discovery "device removed" event, matching
// device_event_removed.
func (r *Registry) OnRemoved(name string) {
	r.Remove(name)
}

// OnInitScanFinished handles the discovery layer's "initial scan
// complete" notification, matching device_event_init_scan_finished:
// it latches the condition Ready/WaitReady AND against
// collect(INIT_WAIT)==0, then wakes anyone blocked in WaitReady.
func (r *Registry) OnInitScanFinished() {
	r.mu.Lock()
	r.initScanDone = true
	r.mu.Unlock()
	r.cond.Broadcast()
}

// Start runs static device configuration, matching
// device_management_start. It is intended to be called once at
// startup, before the discovery watcher begins delivering events.
func (r *Registry) Start(ctx context.Context, staticDevices map[string][]Endpoint) {
	for name, endpoints := range staticDevices {
		r.AddStatic(ctx, name, endpoints)
	}
}

// Stop halts and removes every device, matching
// device_management_stop.
func (r *Registry) Stop() {
	r.Purge()
}
