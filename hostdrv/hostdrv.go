// SPDX-License-Identifier: GPL-2.0-only

// Package hostdrv drives the host side of the usbip-host kernel driver
// through sysfs: claiming physical devices for export and releasing them
// back to their native drivers.
package hostdrv

import (
	"os"
	"path"
	"strings"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/spf13/afero"
)

const (
	sysBus          = "bus"
	hostDriverName  = "usbip-host"
	matchBusIdAttr  = "match_busid"
	driversProbeRel = "bus/usb/drivers_probe"
)

// Driver claims and releases devices for the sharing driver. Implementations
// must be safe for use from a single goroutine; the orchestrator serializes
// all calls.
type Driver interface {
	// Bind claims the device for usbip-host. Binding an already claimed
	// device is a no-op.
	Bind(busId string) error
	// Unbind releases the device from usbip-host and hands it back to the
	// kernel for native driver probing.
	Unbind(busId string) error
	// IsBound reports whether the device is currently claimed by usbip-host.
	IsBound(busId string) bool
	// ProductName returns a human-readable device name, falling back to the
	// bus id when sysfs has nothing better.
	ProductName(busId string) string
}

type sysfsDriver struct {
	fsys   afero.Fs
	logger log.Logger
}

// NewSysfsDriver returns a Driver operating on the given filesystem, which
// is expected to be rooted at /sys.
func NewSysfsDriver(fsys afero.Fs, logger log.Logger) Driver {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &sysfsDriver{fsys: fsys, logger: logger}
}

func usbDevicePath(busId string) string {
	return path.Join(sysBus, "usb", "devices", busId)
}

func hostDriverPath() string {
	return path.Join(sysBus, "usb", "drivers", hostDriverName)
}

func (d *sysfsDriver) writeAttribute(attrPath string, content string) error {
	f, err := d.fsys.OpenFile(attrPath, os.O_WRONLY, 0)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s for writing", attrPath)
	}
	defer func() { _ = f.Close() }()

	if _, err = f.WriteString(content); err != nil {
		return errors.Wrapf(err, "failed to write command to %s", attrPath)
	}
	return nil
}

func (d *sysfsDriver) IsBound(busId string) bool {
	_, err := d.fsys.Stat(path.Join(hostDriverPath(), busId))
	return err == nil
}

func (d *sysfsDriver) Bind(busId string) error {
	if d.IsBound(busId) {
		_ = d.logger.Log("msg", "device already claimed by usbip-host", "busid", busId)
		return nil
	}

	err := d.writeAttribute(path.Join(hostDriverPath(), matchBusIdAttr), "add "+busId)
	if err != nil {
		return errors.Wrapf(err, "failed to register %s with usbip-host", busId)
	}

	// Detach whatever driver currently owns the device. A device without a
	// driver has no unbind attribute, which is fine.
	nativeUnbind := path.Join(usbDevicePath(busId), "driver", "unbind")
	if _, statErr := d.fsys.Stat(nativeUnbind); statErr == nil {
		if err = d.writeAttribute(nativeUnbind, busId); err != nil {
			return errors.Wrapf(err, "failed to unbind native driver for %s", busId)
		}
	}

	if err = d.writeAttribute(path.Join(hostDriverPath(), "bind"), busId); err != nil {
		return errors.Wrapf(err, "failed to bind %s to usbip-host", busId)
	}
	_ = d.logger.Log("msg", "bound device to usbip-host", "busid", busId)
	return nil
}

func (d *sysfsDriver) Unbind(busId string) error {
	if d.IsBound(busId) {
		if err := d.writeAttribute(path.Join(hostDriverPath(), "unbind"), busId); err != nil {
			return errors.Wrapf(err, "failed to unbind %s from usbip-host", busId)
		}
	}
	err := d.writeAttribute(path.Join(hostDriverPath(), matchBusIdAttr), "del "+busId)
	if err != nil {
		return errors.Wrapf(err, "failed to deregister %s from usbip-host", busId)
	}

	// Let the kernel re-probe so the native driver can reclaim the device.
	if err = d.writeAttribute(driversProbeRel, busId); err != nil {
		_ = d.logger.Log("msg", "driver re-probe failed; device left unclaimed", "busid", busId, "err", err)
	}
	_ = d.logger.Log("msg", "unbound device from usbip-host", "busid", busId)
	return nil
}

func (d *sysfsDriver) ProductName(busId string) string {
	content, err := afero.ReadFile(d.fsys, path.Join(usbDevicePath(busId), "product"))
	if err != nil {
		return busId
	}
	name := strings.TrimSpace(string(content))
	if name == "" {
		return busId
	}
	return name
}
