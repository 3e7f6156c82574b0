//go:build linux

package dbusbus

import (
	"context"
	"fmt"
	"sort"
	"strings"

	dbus "github.com/godbus/dbus/v5"

	"bluetooth-hid/internal/hidmsg"
)

const (
	bluezService    = "org.bluez"
	deviceIface     = "org.bluez.Device1"
	adapterIface    = "org.bluez.Adapter1"
	objManagerIface = "org.freedesktop.DBus.ObjectManager"

	// HIDUUID is the HID profile service class UUID.
	HIDUUID = "00001124-0000-1000-8000-00805f9b34fb"
)

// Device is a BlueZ device object advertising the HID profile.
type Device struct {
	Path      string // BlueZ Device1 object path
	Addr      hidmsg.BDAddr
	Name      string
	Alias     string
	Paired    bool
	Connected bool
}

// HIDDevices returns the HID devices BlueZ currently knows about, sorted by
// object path. It opens its own system bus connection.
func HIDDevices(ctx context.Context) ([]Device, error) {
	conn, err := dbus.ConnectSystemBus(dbus.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("dbusbus: connect system bus: %w", err)
	}
	defer conn.Close()
	return hidDevices(ctx, conn)
}

// Adapters returns the object paths of the Bluetooth adapters.
func Adapters(ctx context.Context) ([]string, error) {
	conn, err := dbus.ConnectSystemBus(dbus.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("dbusbus: connect system bus: %w", err)
	}
	defer conn.Close()
	objs, err := managedObjects(ctx, conn)
	if err != nil {
		return nil, err
	}
	return adapterPaths(objs), nil
}

func adapterPaths(objs objectMap) []string {
	var out []string
	for path, ifaces := range objs {
		if _, ok := ifaces[adapterIface]; ok {
			out = append(out, string(path))
		}
	}
	sort.Strings(out)
	return out
}

type objectMap = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

func managedObjects(ctx context.Context, conn *dbus.Conn) (objectMap, error) {
	obj := conn.Object(bluezService, dbus.ObjectPath("/"))
	var objs objectMap
	if call := obj.CallWithContext(ctx, objManagerIface+".GetManagedObjects", 0); call.Err != nil {
		return nil, fmt.Errorf("dbusbus: GetManagedObjects: %w", call.Err)
	} else if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("dbusbus: decode GetManagedObjects: %w", err)
	}
	return objs, nil
}

func hidDevices(ctx context.Context, conn *dbus.Conn) ([]Device, error) {
	objs, err := managedObjects(ctx, conn)
	if err != nil {
		return nil, err
	}
	out := make([]Device, 0, len(objs))
	for path, ifaces := range objs {
		if dev, ok := deviceFromIfaces(path, ifaces); ok {
			out = append(out, dev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func deviceFromIfaces(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant) (Device, bool) {
	props, ok := ifaces[deviceIface]
	if !ok {
		return Device{}, false
	}
	vUUIDs, ok := props["UUIDs"]
	if !ok {
		return Device{}, false
	}
	uu, _ := vUUIDs.Value().([]string)
	if !containsUUID(uu, HIDUUID) {
		return Device{}, false
	}
	dev := Device{Path: string(path)}
	var mac string
	if v, ok := props["Address"]; ok {
		mac, _ = v.Value().(string)
	}
	if v, ok := props["Name"]; ok {
		dev.Name, _ = v.Value().(string)
	}
	if v, ok := props["Alias"]; ok {
		dev.Alias, _ = v.Value().(string)
	}
	if v, ok := props["Paired"]; ok {
		dev.Paired, _ = v.Value().(bool)
	}
	if v, ok := props["Connected"]; ok {
		dev.Connected, _ = v.Value().(bool)
	}
	if mac == "" {
		mac = macFromPath(path)
	}
	addr, err := hidmsg.ParseBDAddr(mac)
	if err != nil {
		return Device{}, false
	}
	dev.Addr = addr
	return dev, true
}

func containsUUID(list []string, target string) bool {
	for _, s := range list {
		if strings.EqualFold(s, target) {
			return true
		}
	}
	return false
}

// macFromPath expects .../dev_XX_XX_XX_XX_XX_XX.
func macFromPath(p dbus.ObjectPath) string {
	s := string(p)
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	return strings.ReplaceAll(s[idx+5:], "_", ":")
}
