// vnetprobe opens a virtio-net backend the way the device frontend would,
// reports its capability bits, and can capture inbound frames to a pcap
// file. It is a plumbing check for backend specs before handing them to a
// VM configuration.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mdlayher/ethernet"

	"github.com/tinyrange/virtnet/internal/mevent"
	"github.com/tinyrange/virtnet/internal/netbe"
	"github.com/tinyrange/virtnet/internal/virtio"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vnetprobe: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "YAML config file")
	backendSpec := flag.String("backend", "", "Backend spec (e.g. tap0, netstack)")
	capturePath := flag.String("capture", "", "Write observed frames to this pcap file")
	count := flag.Int("count", 0, "Stop after this many inbound frames (default 10; 0 = run until interrupted with -capture, print capabilities only without it)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Open a network backend, print its capabilities and watch traffic.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s -backend tap0 -count 5\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -backend netstack:dns -capture out.pcap\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg := defaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = loadConfig(*configPath)
		if err != nil {
			return err
		}
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "backend":
			cfg.Backend = *backendSpec
		case "capture":
			cfg.Capture = *capturePath
		case "count":
			cfg.Count = *count
		case "debug":
			cfg.Debug = *debug
		}
	})
	if cfg.Backend == "" {
		flag.Usage()
		return fmt.Errorf("no backend spec given")
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	loop, err := mevent.New()
	if err != nil {
		slog.Warn("event loop unavailable, fd-backed backends will fail", "err", err)
		loop = nil
	} else {
		defer loop.Close()
	}

	frames := make(chan struct{}, 64)
	be, err := netbe.Open(cfg.Backend, func() {
		select {
		case frames <- struct{}{}:
		default:
		}
	}, loop)
	if err != nil {
		return err
	}
	defer be.Close()

	if cfg.Capture != "" {
		f, err := os.Create(cfg.Capture)
		if err != nil {
			return err
		}
		defer f.Close()
		be, err = netbe.WithCapture(be, f)
		if err != nil {
			return err
		}
	}
	if err := be.SetCapabilities(0, cfg.VhdrLen); err != nil {
		return err
	}

	printCaps(cfg.Backend, be.Capabilities())
	if cfg.Count == 0 && cfg.Capture == "" {
		return nil
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	buf := make([]byte, cfg.VhdrLen+65536)
	seen := 0
	for cfg.Count == 0 || seen < cfg.Count {
		select {
		case <-sigs:
			slog.Info("interrupted", "frames", seen)
			return nil
		case <-frames:
		}
		for cfg.Count == 0 || seen < cfg.Count {
			n, err := be.Recv([][]byte{buf})
			if err != nil {
				return err
			}
			if n == 0 {
				break
			}
			seen++
			summarize(seen, buf[cfg.VhdrLen:n])
		}
	}
	slog.Info("done", "frames", seen)
	return nil
}

func printCaps(spec string, caps uint64) {
	fmt.Printf("backend %s capabilities: %#x\n", spec, caps)
	for _, c := range []struct {
		bit  uint64
		name string
	}{
		{virtio.NetFCsum, "CSUM"},
		{virtio.NetFGuestCsum, "GUEST_CSUM"},
		{virtio.NetFGuestTSO4, "GUEST_TSO4"},
		{virtio.NetFGuestTSO6, "GUEST_TSO6"},
		{virtio.NetFHostTSO4, "HOST_TSO4"},
		{virtio.NetFHostTSO6, "HOST_TSO6"},
		{virtio.NetFMrgRxBuf, "MRG_RXBUF"},
	} {
		if caps&c.bit != 0 {
			fmt.Printf("  %s\n", c.name)
		}
	}
}

func summarize(n int, frame []byte) {
	var f ethernet.Frame
	if err := (&f).UnmarshalBinary(frame); err != nil {
		fmt.Printf("#%d %d bytes (not ethernet: %v)\n", n, len(frame), err)
		return
	}
	fmt.Printf("#%d %s -> %s type %#04x len %d\n", n, f.Source, f.Destination, uint16(f.EtherType), len(frame))
}
