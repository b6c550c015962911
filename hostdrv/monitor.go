// SPDX-License-Identifier: GPL-2.0-only

package hostdrv

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/afero"
)

// Action distinguishes plug from unplug.
type Action int

const (
	DeviceAdded Action = iota
	DeviceRemoved
)

// Event describes a change in the set of physically attached devices.
type Event struct {
	Action Action
	BusID  string
}

// Monitor watches the USB device tree in sysfs and reports plug and unplug
// events. It polls; sysfs offers no portable change notification without
// pulling in netlink.
type Monitor struct {
	fsys     afero.Fs
	interval time.Duration
	logger   log.Logger

	known map[string]bool
}

const defaultMonitorInterval = 2 * time.Second

func NewMonitor(fsys afero.Fs, interval time.Duration, logger log.Logger) *Monitor {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if interval <= 0 {
		interval = defaultMonitorInterval
	}
	return &Monitor{
		fsys:     fsys,
		interval: interval,
		logger:   logger,
		known:    make(map[string]bool),
	}
}

func (m *Monitor) scan() (map[string]bool, error) {
	entries, err := afero.ReadDir(m.fsys, path.Join(sysBus, "usb", "devices"))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read USB device directory")
	}
	present := make(map[string]bool, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		// entries with a colon are interfaces, not devices
		if strings.Contains(name, ":") {
			continue
		}
		present[name] = true
	}
	return present, nil
}

// Poll diffs the device tree against the previous observation and hands each
// change to emit. The first call reports every present device as added.
func (m *Monitor) Poll(emit func(Event)) error {
	present, err := m.scan()
	if err != nil {
		return err
	}
	for busId := range present {
		if !m.known[busId] {
			emit(Event{Action: DeviceAdded, BusID: busId})
		}
	}
	for busId := range m.known {
		if !present[busId] {
			emit(Event{Action: DeviceRemoved, BusID: busId})
		}
	}
	m.known = present
	return nil
}

// Run polls until the context is cancelled. Scan failures are logged and
// retried on the next tick; a missing sysfs tree must not take the
// orchestrator down.
func (m *Monitor) Run(ctx context.Context, emit func(Event)) error {
	if err := m.Poll(emit); err != nil {
		_ = level.Warn(m.logger).Log("msg", "initial device scan failed", "err", err)
	}
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := m.Poll(emit); err != nil {
				_ = level.Warn(m.logger).Log("msg", "device scan failed", "err", err)
			}
		}
	}
}
