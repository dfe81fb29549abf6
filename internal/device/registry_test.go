package device

import (
	"context"
	"testing"
	"time"

	"github.com/mzyy94/airscan-core/internal/eventloop"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	loop := eventloop.New(8, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go loop.Run(ctx)
	return NewRegistry(nil, loop)
}

func TestRegistryAddDuplicateIsNoOp(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	reg.Add(ctx, "scanner-1", nil, false, false)
	first := reg.Find("scanner-1")
	if first == nil {
		t.Fatal("expected device to be registered")
	}

	reg.Add(ctx, "scanner-1", nil, false, false)
	second := reg.Find("scanner-1")
	if first != second {
		t.Fatal("duplicate Add should not replace the existing device")
	}
}

func TestRegistryAddWithNoEndpointsIsRemoved(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	reg.Add(ctx, "unreachable", nil, false, false)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if reg.Find("unreachable") == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("device with no endpoints should have been removed after a failed probe")
}

func TestRegistryCollectFiltersByFlag(t *testing.T) {
	reg := newTestRegistry(t)
	loop := eventloop.New(8, nil)

	devA := New("dev-a", nil, loop, nil, nil, false)
	devB := New("dev-b", nil, loop, nil, nil, false)
	devB.setFlag(FlagReady)

	reg.mu.Lock()
	reg.devices["dev-a"] = devA
	reg.devices["dev-b"] = devB
	reg.mu.Unlock()

	if got := len(reg.Collect(FlagListed)); got != 2 {
		t.Fatalf("Collect(FlagListed) = %d, want 2", got)
	}
	if got := len(reg.Collect(FlagReady)); got != 1 {
		t.Fatalf("Collect(FlagReady) = %d, want 1", got)
	}
}

func TestRegistryNotReadyUntilInitScanFinished(t *testing.T) {
	reg := newTestRegistry(t)
	if reg.Ready() {
		t.Fatal("empty registry should not be Ready before the initial discovery scan finishes")
	}

	reg.OnInitScanFinished()
	if !reg.Ready() {
		t.Fatal("expected Ready once the initial discovery scan has finished with no InitWait devices left")
	}
}

func TestRegistryWaitReadyBlocksUntilInitScanFinished(t *testing.T) {
	reg := newTestRegistry(t)

	done := make(chan error, 1)
	go func() {
		done <- reg.WaitReady(context.Background())
	}()

	select {
	case <-done:
		t.Fatal("WaitReady returned before OnInitScanFinished was ever called")
	case <-time.After(50 * time.Millisecond):
	}

	reg.OnInitScanFinished()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitReady: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitReady did not unblock after OnInitScanFinished")
	}
}

func TestRegistrySize(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	if reg.Size() != 0 {
		t.Fatalf("Size() = %d, want 0", reg.Size())
	}
	reg.Add(ctx, "dev-a", nil, false, false)
	if reg.Size() != 1 {
		t.Fatalf("Size() = %d, want 1", reg.Size())
	}
}
