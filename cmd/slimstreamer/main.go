// Command slimstreamer is the process entry point for the SlimStreamer
// multi-room audio server (spec §6), grounded on the teacher's
// cmd/direwolf/main.go: pflag-driven CLI, a fixed set of short options,
// config/device-table resolution before anything is opened, then handing
// off to the long-running components.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gordonklaus/portaudio"
	"github.com/spf13/pflag"

	"github.com/slimstreamer/slimstreamer/internal/capture"
	"github.com/slimstreamer/slimstreamer/internal/config"
	"github.com/slimstreamer/slimstreamer/internal/encoder"
	"github.com/slimstreamer/slimstreamer/internal/logging"
	"github.com/slimstreamer/slimstreamer/internal/sched"
	"github.com/slimstreamer/slimstreamer/internal/server"
	"github.com/slimstreamer/slimstreamer/internal/streamer"
)

const version = "0.1.0"

const license = `SlimStreamer is free software: you can redistribute it and/or modify it
under the terms of a permissive open-source license, provided in full in
the repository's LICENSE file.`

func main() {
	os.Exit(run())
}

func run() int {
	maxClients := pflag.IntP("max-clients", "c", 10, "Maximum number of simultaneously connected SlimProto clients.")
	slimProtoPort := pflag.IntP("slimproto-port", "s", 3483, "SlimProto command TCP port.")
	httpPort := pflag.IntP("http-port", "t", 9000, "HTTP audio streaming TCP port.")
	configFile := pflag.StringP("config-file", "f", "", "Optional YAML overlay for ports, max clients, gain, and the capture-device table.")
	deviceTableFile := pflag.StringP("device-table", "d", "", "Optional YAML override of just the rate-to-capture-device table, without touching ports/max-clients/gain.")
	verbose := pflag.BoolP("verbose", "V", false, "Enable debug-level logging.")
	traceFormat := pflag.StringP("trace-format", "T", "", "Optional strftime pattern for a per-client protocol debug trace written to stderr; empty disables tracing.")
	help := pflag.BoolP("help", "h", false, "Display help text.")
	showLicense := pflag.BoolP("license", "l", false, "Display license text and exit.")
	showVersion := pflag.BoolP("version", "v", false, "Display version and exit.")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "slimstreamer - a multi-room bit-perfect audio streaming server.\n\n")
		fmt.Fprintf(os.Stderr, "Usage: slimstreamer [options]\n\n")
		pflag.PrintDefaults()
	}

	pflag.Parse()

	switch {
	case *help:
		pflag.Usage()

		return 0
	case *showLicense:
		fmt.Println(license)

		return 0
	case *showVersion:
		fmt.Printf("slimstreamer %s\n", version)

		return 0
	}

	level := log.InfoLevel
	if *verbose {
		level = log.DebugLevel
	}

	logger := logging.New(os.Stderr, level)

	cfg := config.Default()
	cfg.MaxClients = *maxClients
	cfg.SlimProtoPort = uint16(*slimProtoPort)
	cfg.HTTPPort = uint16(*httpPort)

	if *configFile != "" {
		var err error

		cfg, err = config.LoadOverlay(cfg, *configFile)
		if err != nil {
			logger.Error("loading config overlay", "error", err)

			return 1
		}

		// Flags explicitly set on the command line win over the overlay
		// file for the three scalar settings (teacher precedent:
		// direwolf's main.go layers CLI flags over config.go's file-read
		// defaults the same way).
		if flagChanged("slimproto-port") {
			cfg.SlimProtoPort = uint16(*slimProtoPort)
		}

		if flagChanged("http-port") {
			cfg.HTTPPort = uint16(*httpPort)
		}

		if flagChanged("max-clients") {
			cfg.MaxClients = *maxClients
		}
	}

	if *deviceTableFile != "" {
		devices, err := capture.LoadDeviceTable(*deviceTableFile)
		if err != nil {
			logger.Error("loading device table", "error", err)

			return 1
		}

		// -d is a narrower override than -f: it only ever replaces the
		// device table, whichever of the built-in default or a -f overlay's
		// own device list it would otherwise have resolved to.
		cfg.Devices = devices
	}

	var tracer *logging.SessionTracer
	if *traceFormat != "" {
		var err error

		tracer, err = logging.NewSessionTracer(os.Stderr, *traceFormat)
		if err != nil {
			logger.Error("invalid trace format", "error", err)

			return 1
		}
	}

	if err := portaudio.Initialize(); err != nil {
		logger.Error("initializing portaudio", "error", err)

		return 1
	}
	defer portaudio.Terminate()

	pipelines := make([]capture.Source, 0, len(cfg.Devices))
	for _, dev := range cfg.Devices {
		pipelines = append(pipelines, capture.NewPortAudioSource(dev, logger))
	}

	// Device-open failure at startup is fatal (spec §6/§7: "non-zero on
	// startup failure"), unlike a capture device failing permanently after
	// streaming has begun, which internal/capture/portaudio.go treats as a
	// pipeline-local, non-fatal runtime error.
	for i, p := range pipelines {
		if err := p.Start(); err != nil {
			logger.Error("capture device failed to start", "error", err)

			for _, started := range pipelines[:i] {
				started.Stop()
			}

			return 1
		}
	}

	builder := encoder.NewBuilder(16, encoder.LittleEndian)
	st := streamer.New(builder, cfg.HTTPPort, cfg.Gain, logger)
	st.SetSessionTracer(tracer)
	st.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scheduler := sched.New(pipelines, logger)
	go scheduler.Run(ctx, st.ConsumeChunk, st.ActiveRate)
	go runPingLoop(ctx, st)

	slimProtoAddr := fmt.Sprintf(":%d", cfg.SlimProtoPort)
	httpAddr := fmt.Sprintf(":%d", cfg.HTTPPort)

	slimSrv := server.NewSlimProtoServer(slimProtoAddr, cfg.MaxClients, st, cfg.Gain, logger)
	httpSrv := server.NewHTTPStreamServer(httpAddr, st, logger)

	errs := make(chan error, 2)
	go func() { errs <- slimSrv.ListenAndServe() }()
	go func() { errs <- httpSrv.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig)
	case err := <-errs:
		logger.Error("server failed to start", "error", err)
		cancel()

		return 1
	}

	cancel()

	done := make(chan struct{})
	st.Stop(func() { close(done) })
	<-done

	for _, p := range pipelines {
		p.Stop()
	}

	return 0
}

// pingTick is how often the ping loop wakes to check every session's
// Session.ShouldPing; it is finer than the 5-second STRM:t cadence itself
// (spec §4.5) so the actual ping time doesn't drift by more than a second.
const pingTick = time.Second

// runPingLoop drives spec §4.5's latency-measurement STRM:t pings: the
// Streamer owns every command session, so it alone decides which ones are
// due, on the cadence Session.ShouldPing gates.
func runPingLoop(ctx context.Context, st *streamer.Streamer) {
	ticker := time.NewTicker(pingTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			st.PingSessions(now)
		}
	}
}

// flagChanged reports whether the named flag was explicitly passed on the
// command line, letting CLI flags win over the config-file overlay only
// when the user actually set them.
func flagChanged(name string) bool {
	f := pflag.Lookup(name)

	return f != nil && f.Changed
}
