//go:build !linux

package main

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"bluetooth-hid/internal/config"
	"bluetooth-hid/internal/transport"
)

var errLinuxOnly = errors.New("D-Bus and BlueZ are only available on Linux")

func openDBus(context.Context, *config.Config, *slog.Logger) (transport.Transport, io.Closer, error) {
	return nil, nil, errLinuxOnly
}

func listDevices(context.Context) ([]deviceEntry, error) {
	return nil, errLinuxOnly
}

func listAdapters(context.Context) ([]string, error) {
	return nil, errLinuxOnly
}
