// Demo CLI for the HID profile manager client.
//
// The transport and its address come from the config file (-config) or the
// HIDM_TRANSPORT / HIDM_ADDRESS environment variables. Without either, the
// client dials the Unix socket /tmp/hidm.sock.
//
// Modes
// 1) Run the simulated manager (leave it running in one terminal):
//
//	go run ./cmd/hid-demo -mode=sim -timeout=1h
//
// 2) Print every event and data event:
//
//	go run ./cmd/hid-demo -mode=listen -timeout=60s
//
// 3) Connect and wait for the outcome:
//
//	go run ./cmd/hid-demo -mode=connect -device 00:1A:7D:DA:71:13
//
// On Linux, an empty -device lists the HID devices BlueZ knows and prompts
// for one. -mode=devices prints the adapters and that list only.
//
// 4) Query, disconnect, send an output report:
//
//	go run ./cmd/hid-demo -mode=list
//	go run ./cmd/hid-demo -mode=disconnect -device 00:1A:7D:DA:71:13
//	go run ./cmd/hid-demo -mode=send -device 00:1A:7D:DA:71:13 -report 0102ff
//
// Exit/Ctrl-C cancels via context. With metrics.enabled the Prometheus
// endpoint is served on metrics.address for the lifetime of the command.
package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bluetooth-hid/internal/config"
	"bluetooth-hid/internal/hidclient"
	"bluetooth-hid/internal/hidmsg"
	"bluetooth-hid/internal/hidsim"
	"bluetooth-hid/internal/metrics"
	"bluetooth-hid/internal/transport"
	"bluetooth-hid/internal/transport/natsbus"
	"bluetooth-hid/internal/transport/stream"
)

func main() {
	cfgPath := flag.String("config", "", "YAML config file (defaults apply when empty)")
	mode := flag.String("mode", "listen", "mode: sim|listen|connect|disconnect|list|send|devices")
	device := flag.String("device", "", "device address AA:BB:CC:DD:EE:FF")
	report := flag.String("report", "", "hex-encoded output report (send mode)")
	timeout := flag.Duration("timeout", 15*time.Second, "operation timeout")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	level, _ := cfg.Level()
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	// Context with timeout + Ctrl-C cancellation
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	if err := run(ctx, cfg, log, strings.ToLower(*mode), *device, *report); err != nil {
		log.Error("failed", "mode", *mode, "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger, mode, device, report string) error {
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m = metrics.New(reg)
		stop := serveMetrics(cfg.Metrics.Address, reg, log)
		defer stop()
	}

	switch mode {
	case "sim":
		return runSim(ctx, cfg, log)
	case "devices":
		return runDevices(ctx)
	}

	tr, closer, err := openTransport(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closer.Close()

	c := hidclient.New(tr,
		hidclient.WithLogger(log),
		hidclient.WithMetrics(m),
		hidclient.WithRequestTimeout(cfg.RequestTimeout),
	)
	if err := c.Init(ctx); err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
		defer scancel()
		if err := c.Shutdown(sctx); err != nil {
			log.Warn("shutdown", "error", err)
		}
	}()

	switch mode {
	case "listen":
		return runListen(ctx, c)
	case "connect":
		return runConnect(ctx, c, device)
	case "disconnect":
		dev, err := hidmsg.ParseBDAddr(device)
		if err != nil {
			return err
		}
		if err := c.Disconnect(ctx, dev, 0); err != nil {
			return err
		}
		fmt.Printf("DISCONNECTED: %s\n", dev)
		return nil
	case "list":
		return runList(ctx, c)
	case "send":
		return runSend(ctx, c, device, report)
	default:
		return fmt.Errorf("unknown mode: %s", mode)
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, log *slog.Logger) (stop func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server", "error", err)
		}
	}()
	log.Info("serving metrics", "addr", addr)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func openTransport(ctx context.Context, cfg *config.Config, log *slog.Logger) (transport.Transport, io.Closer, error) {
	switch cfg.Transport {
	case config.TransportStream:
		dctx, cancel := context.WithTimeout(ctx, cfg.Stream.DialTimeout)
		defer cancel()
		conn, err := stream.Dial(dctx, cfg.Stream.Network, cfg.Stream.Address, stream.WithLogger(log))
		if err != nil {
			return nil, nil, err
		}
		return conn, conn, nil
	case config.TransportNATS:
		bus, err := natsbus.Connect(ctx, cfg.NATS.URL,
			natsbus.WithPrefix(cfg.NATS.SubjectPrefix),
			natsbus.WithName(cfg.ClientID),
			natsbus.WithReconnect(cfg.NATS.MaxReconnects, cfg.NATS.ReconnectWait),
			natsbus.WithLogger(log),
		)
		if err != nil {
			return nil, nil, err
		}
		return bus, bus, nil
	case config.TransportDBus:
		return openDBus(ctx, cfg, log)
	}
	return nil, nil, fmt.Errorf("unknown transport %q", cfg.Transport)
}

func runSim(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	if cfg.Stream.Network == "unix" {
		_ = os.Remove(cfg.Stream.Address)
		defer os.Remove(cfg.Stream.Address)
	}
	ln, err := net.Listen(cfg.Stream.Network, cfg.Stream.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Stream.Address, err)
	}
	log.Info("simulated manager running", "timeout", deadlineStr(ctx))
	return hidsim.New(hidsim.WithLogger(log)).Serve(ctx, ln)
}

func printEvent(prefix string, ev hidclient.Event) {
	fmt.Printf("%s %s dev=%s handle=%d %+v\n", prefix, ev.Function, ev.Device, ev.Handle, ev.Payload)
}

func runListen(ctx context.Context, c *hidclient.Client) error {
	if _, err := c.RegisterEventCallback(func(ev hidclient.Event) { printEvent("EVENT", ev) }); err != nil {
		return err
	}
	if _, err := c.RegisterDataEventCallback(ctx, func(ev hidclient.Event) { printEvent("DATA", ev) }); err != nil {
		return err
	}
	fmt.Printf("listening (timeout=%s)...\n", deadlineStr(ctx))
	<-ctx.Done()
	return nil
}

func runConnect(ctx context.Context, c *hidclient.Client, device string) error {
	var dev hidmsg.BDAddr
	if device == "" {
		fmt.Println("Listing HID devices to choose...")
		devs, err := listDevices(ctx)
		if err != nil {
			return err
		}
		if len(devs) == 0 {
			fmt.Println("no HID devices found")
			return nil
		}
		for i, d := range devs {
			fmt.Printf("[%d] %s\n", i, d)
		}
		fmt.Print("Choose index: ")
		dev = devs[readIndex(len(devs))].addr
	} else {
		var err error
		if dev, err = hidmsg.ParseBDAddr(device); err != nil {
			return err
		}
	}
	fmt.Printf("Connecting to %s (timeout=%s)...\n", dev, deadlineStr(ctx))
	st, err := c.ConnectAndWait(ctx, dev, hidmsg.ConnectionFlagParseBoot)
	if err != nil {
		return err
	}
	fmt.Printf("CONNECT: dev=%s status=%s\n", dev, st)
	return nil
}

func runList(ctx context.Context, c *hidclient.Client) error {
	devs, total, err := c.QueryConnectedDevices(ctx, 16)
	if err != nil {
		return err
	}
	if total == 0 {
		fmt.Println("no connected devices")
		return nil
	}
	for i, d := range devs {
		fmt.Printf("[%d] %s\n", i, d)
	}
	if total > len(devs) {
		fmt.Printf("... and %d more\n", total-len(devs))
	}
	return nil
}

func runSend(ctx context.Context, c *hidclient.Client, device, report string) error {
	dev, err := hidmsg.ParseBDAddr(device)
	if err != nil {
		return err
	}
	data, err := hex.DecodeString(report)
	if err != nil {
		return fmt.Errorf("-report: %w", err)
	}
	h, err := c.RegisterDataEventCallback(ctx, func(ev hidclient.Event) { printEvent("DATA", ev) })
	if err != nil {
		return err
	}
	if err := c.SendReportData(ctx, h, dev, data); err != nil {
		return err
	}
	fmt.Printf("SENT: dev=%s bytes=%d\n", dev, len(data))
	return nil
}

type deviceEntry struct {
	addr hidmsg.BDAddr
	desc string
}

func (d deviceEntry) String() string { return d.addr.String() + " " + d.desc }

func runDevices(ctx context.Context) error {
	adapters, err := listAdapters(ctx)
	if err != nil {
		return err
	}
	if len(adapters) == 0 {
		fmt.Println("no Bluetooth adapters found")
		return nil
	}
	fmt.Printf("adapters: %s\n", strings.Join(adapters, ", "))

	devs, err := listDevices(ctx)
	if err != nil {
		return err
	}
	if len(devs) == 0 {
		fmt.Println("no HID devices found")
		return nil
	}
	for i, d := range devs {
		fmt.Printf("[%d] %s\n", i, d)
	}
	return nil
}

func readIndex(n int) int {
	r := bufio.NewReader(os.Stdin)
	for {
		line, _ := r.ReadString('\n')
		line = strings.TrimSpace(line)
		i, err := strconv.Atoi(line)
		if err == nil && i >= 0 && i < n {
			return i
		}
		fmt.Printf("enter 0..%d: ", n-1)
	}
}

func deadlineStr(ctx context.Context) string {
	if d, ok := ctx.Deadline(); ok {
		return time.Until(d).Truncate(time.Second).String()
	}
	return "none"
}
