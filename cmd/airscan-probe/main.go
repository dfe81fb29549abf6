// Command airscan-probe discovers eSCL scanners on the local network,
// opens the first one that becomes ready, runs a single scan, and
// writes the received page data to stdout — a smoke test for the
// device package's discovery-to-read pipeline, in the same spirit as
// the teacher's cmd/airscap server but for the client-facing chain.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/OpenPrinting/go-mfp/abstract"

	"github.com/mzyy94/airscan-core/internal/config"
	"github.com/mzyy94/airscan-core/internal/device"
	"github.com/mzyy94/airscan-core/internal/discovery"
	"github.com/mzyy94/airscan-core/internal/eventloop"
	"github.com/mzyy94/airscan-core/internal/protocol"
)

func main() {
	logLevel := config.ParseLogLevel(envStr("AIRSCAN_LOG_LEVEL", "info"))
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(log)

	store, err := config.NewStore(envStr("AIRSCAN_DATA_DIR", "."))
	if err != nil {
		log.Error("failed to open config store", "err", err)
		os.Exit(1)
	}
	cfg := config.FromEnviron(store.Get())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	loop := eventloop.New(64, log)
	go loop.Run(ctx)

	reg := device.NewRegistry(log, loop)

	staticDevices := make(map[string][]device.Endpoint)
	for _, sd := range cfg.Devices {
		staticDevices[sd.Name] = []device.Endpoint{{BaseURI: sd.BaseURI, Handler: protocol.NewESCLHandler()}}
	}
	reg.Start(ctx, staticDevices)

	watcher := discovery.New(log, reg, cfg.InitScanTimeout)
	go func() {
		if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("discovery watcher stopped", "err", err)
		}
	}()

	waitCtx, waitCancel := context.WithTimeout(ctx, cfg.InitScanTimeout+2*time.Second)
	defer waitCancel()
	if err := reg.WaitReady(waitCtx); err != nil {
		log.Warn("timed out waiting for devices to become ready", "err", err)
	}

	handle, err := device.Open(reg, envStr("AIRSCAN_DEVICE_NAME", ""))
	if err != nil {
		log.Error("no scanner available", "err", err)
		os.Exit(1)
	}
	defer handle.Close()

	if err := handle.SetOptions(device.Options{
		Source:     "flatbed",
		ColorMode:  abstract.ColorModeColor,
		Resolution: abstract.Resolution{XResolution: 300, YResolution: 300},
		TLX:        0,
		TLY:        0,
		BRX:        210 * abstract.Millimeter,
		BRY:        297 * abstract.Millimeter,
	}); err != nil {
		log.Error("failed to set scan options", "err", err)
		os.Exit(1)
	}

	scanCtx, scanCancel := context.WithTimeout(ctx, 2*time.Minute)
	defer scanCancel()

	if err := handle.Start(scanCtx); err != nil {
		log.Error("failed to start scan", "err", err)
		os.Exit(1)
	}

	buf := make([]byte, 64*1024)
	total := 0
	for {
		n, err := handle.ReadLine(buf)
		if n > 0 {
			os.Stdout.Write(buf[:n])
			total += n
		}
		if err != nil {
			log.Debug("read stopped", "err", err)
			break
		}
		if n == 0 {
			break
		}
	}

	log.Info("scan complete", "bytes", total)
	reg.Stop()
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
