//go:build linux

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"bluetooth-hid/internal/config"
	"bluetooth-hid/internal/transport"
	"bluetooth-hid/internal/transport/dbusbus"
)

func openDBus(ctx context.Context, cfg *config.Config, log *slog.Logger) (transport.Transport, io.Closer, error) {
	opts := []dbusbus.Option{dbusbus.WithService(cfg.DBus.Service), dbusbus.WithLogger(log)}
	switch {
	case cfg.DBus.Address != "":
		opts = append(opts, dbusbus.WithAddress(cfg.DBus.Address))
	case cfg.DBus.Bus == "session":
		opts = append(opts, dbusbus.WithSessionBus())
	}
	bus, err := dbusbus.Connect(ctx, opts...)
	if err != nil {
		return nil, nil, err
	}
	return bus, bus, nil
}

func listDevices(ctx context.Context) ([]deviceEntry, error) {
	devs, err := dbusbus.HIDDevices(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]deviceEntry, 0, len(devs))
	for _, d := range devs {
		out = append(out, deviceEntry{
			addr: d.Addr,
			desc: fmt.Sprintf("Name=%s Alias=%s Paired=%t Connected=%t Path=%s", d.Name, d.Alias, d.Paired, d.Connected, d.Path),
		})
	}
	return out, nil
}

func listAdapters(ctx context.Context) ([]string, error) {
	return dbusbus.Adapters(ctx)
}
