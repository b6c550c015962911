// SPDX-License-Identifier: GPL-2.0-only

// Package registry tracks the physical devices the orchestrator is allowed
// to manage: which whitelisted ports currently have a device plugged in, and
// whether that device is claimed by the sharing driver.
package registry

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/MatthiasValvekens/usbip-orchestrator/hostdrv"
)

type BindState int

const (
	Unbound BindState = iota
	BoundLocal
)

func (s BindState) String() string {
	if s == BoundLocal {
		return "bound"
	}
	return "unbound"
}

// Device is the registry's view of one whitelisted physical port. Devices
// are never deleted; unplugging only clears Present so that a returning
// device keeps its history.
type Device struct {
	BusID     string
	Name      string
	Label     string
	Present   bool
	BindState BindState
}

// PortSpec describes one whitelisted physical port from configuration.
// The bus id matches the port itself and anything plugged in behind it
// (hub descendants such as 1-1.4).
type PortSpec struct {
	BusID string `json:"busid"`
	Label string `json:"label"`
}

// Notifier receives registry state changes. Calls are made without internal
// locks held, in the goroutine that delivered the device event.
type Notifier interface {
	// DeviceReady fires when a whitelisted device is present and bound
	// locally, i.e. eligible for export.
	DeviceReady(busId string)
	// DeviceGone fires when a previously present device is unplugged.
	DeviceGone(busId string)
}

type Registry struct {
	mu      sync.Mutex
	devices map[string]*Device

	ports       []PortSpec
	drv         hostdrv.Driver
	notifier    Notifier
	logger      log.Logger
	rebindDelay time.Duration

	presentGauge prometheus.Gauge
	boundGauge   prometheus.Gauge
}

func New(ports []PortSpec, drv hostdrv.Driver, notifier Notifier, logger log.Logger, reg prometheus.Registerer) *Registry {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	r := &Registry{
		devices:     make(map[string]*Device),
		ports:       ports,
		drv:         drv,
		notifier:    notifier,
		logger:      logger,
		rebindDelay: 200 * time.Millisecond,
		presentGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "usbip_orchestrator_present_devices",
			Help: "The number of whitelisted devices currently plugged in.",
		}),
		boundGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "usbip_orchestrator_bound_devices",
			Help: "The number of devices currently claimed by usbip-host.",
		}),
	}
	if reg != nil {
		reg.MustRegister(r.presentGauge, r.boundGauge)
	}
	return r
}

// SetRebindDelay overrides the pause between unbind and rebind in a recovery
// cycle. The default gives the kernel time to settle; tests set zero.
func (r *Registry) SetRebindDelay(d time.Duration) {
	r.rebindDelay = d
}

func (r *Registry) matchPort(busId string) (PortSpec, bool) {
	for _, spec := range r.ports {
		if busId == spec.BusID || strings.HasPrefix(busId, spec.BusID+".") {
			return spec, true
		}
	}
	return PortSpec{}, false
}

// IsWhitelisted reports whether the bus id falls under a configured port.
func (r *Registry) IsWhitelisted(busId string) bool {
	_, ok := r.matchPort(busId)
	return ok
}

func (r *Registry) updateGauges() {
	present, bound := 0, 0
	for _, dev := range r.devices {
		if dev.Present {
			present++
		}
		if dev.BindState == BoundLocal {
			bound++
		}
	}
	r.presentGauge.Set(float64(present))
	r.boundGauge.Set(float64(bound))
}

// OnDeviceAdded admits a discovered device if its port is whitelisted and
// immediately attempts a local bind. Events for other ports are ignored.
func (r *Registry) OnDeviceAdded(busId string) {
	spec, ok := r.matchPort(busId)
	if !ok {
		_ = level.Debug(r.logger).Log("msg", "ignoring device on non-whitelisted port", "busid", busId)
		return
	}

	bindErr := r.drv.Bind(busId)
	if bindErr != nil {
		_ = level.Warn(r.logger).Log("msg", "local bind failed", "busid", busId, "err", bindErr)
	}

	r.mu.Lock()
	dev, known := r.devices[busId]
	if !known {
		dev = &Device{BusID: busId}
		r.devices[busId] = dev
	}
	dev.Present = true
	dev.Label = spec.Label
	dev.Name = r.drv.ProductName(busId)
	if bindErr == nil {
		dev.BindState = BoundLocal
	} else {
		dev.BindState = Unbound
	}
	ready := dev.BindState == BoundLocal
	name := dev.Name
	r.updateGauges()
	r.mu.Unlock()

	_ = level.Info(r.logger).Log("msg", "device added", "busid", busId, "name", name, "bound", ready)
	if ready && r.notifier != nil {
		r.notifier.DeviceReady(busId)
	}
}

// OnDeviceRemoved marks the device absent. The record itself is kept so the
// historical assignment survives a replug.
func (r *Registry) OnDeviceRemoved(busId string) {
	r.mu.Lock()
	dev, known := r.devices[busId]
	if !known || !dev.Present {
		r.mu.Unlock()
		return
	}
	dev.Present = false
	dev.BindState = Unbound
	r.updateGauges()
	r.mu.Unlock()

	_ = level.Info(r.logger).Log("msg", "device removed", "busid", busId)
	if r.notifier != nil {
		r.notifier.DeviceGone(busId)
	}
}

// RecoverBind runs an unbind-rebind cycle to clear inconsistent kernel-side
// state, as force_free demands.
func (r *Registry) RecoverBind(busId string) error {
	if err := r.drv.Unbind(busId); err != nil {
		_ = level.Warn(r.logger).Log("msg", "unbind during recovery failed", "busid", busId, "err", err)
	}
	time.Sleep(r.rebindDelay)
	err := r.drv.Bind(busId)

	r.mu.Lock()
	if dev, known := r.devices[busId]; known {
		if err == nil {
			dev.BindState = BoundLocal
		} else {
			dev.BindState = Unbound
		}
	}
	r.updateGauges()
	r.mu.Unlock()
	return err
}

// RetryBind re-attempts the local bind for a present device whose earlier
// bind failed. Unlike RecoverBind it does not cycle the driver first, so it
// is safe to call from a reconcile pass.
func (r *Registry) RetryBind(busId string) error {
	err := r.drv.Bind(busId)

	r.mu.Lock()
	if dev, known := r.devices[busId]; known {
		if err == nil {
			dev.BindState = BoundLocal
		} else {
			dev.BindState = Unbound
		}
	}
	r.updateGauges()
	r.mu.Unlock()
	if err != nil {
		return errors.Wrapf(err, "failed to bind %s", busId)
	}
	return nil
}

// Get returns a copy of the device record for the bus id.
func (r *Registry) Get(busId string) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[busId]
	if !ok {
		return Device{}, false
	}
	return *dev, true
}

// ListPresent returns the currently plugged-in devices, sorted by bus id.
func (r *Registry) ListPresent() []Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Device, 0, len(r.devices))
	for _, dev := range r.devices {
		if dev.Present {
			out = append(out, *dev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BusID < out[j].BusID })
	return out
}

// Snapshot returns every known device, present or not, sorted by bus id.
func (r *Registry) Snapshot() []Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Device, 0, len(r.devices))
	for _, dev := range r.devices {
		out = append(out, *dev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BusID < out[j].BusID })
	return out
}
