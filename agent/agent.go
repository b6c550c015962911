// SPDX-License-Identifier: GPL-2.0-only

// Package agent implements the client side of the orchestrator's control
// protocol: it keeps a connection to the host, and attaches or detaches
// remote devices through the local VHCI driver as instructed.
package agent

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/MatthiasValvekens/usbip-orchestrator/driver"
	"github.com/MatthiasValvekens/usbip-orchestrator/usbip"
	"github.com/MatthiasValvekens/usbip-orchestrator/wire"
)

type Config struct {
	ClientID       string
	Server         string
	ReconnectDelay time.Duration
}

// Importer moves devices between the remote export and the local VHCI
// controller.
type Importer interface {
	Import(busId string) (driver.VirtualPort, error)
	Detach(port driver.VirtualPort) error
}

type vhciImporter struct {
	target usbip.Target
	vhci   driver.VHCIDriver
	mu     sync.Mutex
}

// NewVHCIImporter wires the USB/IP import flow to a local VHCI driver.
func NewVHCIImporter(target usbip.Target, vhci driver.VHCIDriver) Importer {
	return &vhciImporter{target: target, vhci: vhci}
}

func (i *vhciImporter) Import(busId string) (driver.VirtualPort, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	dev, err := usbip.Import(busId, i.target, i.vhci)
	if err != nil {
		return 0, err
	}
	return dev.Port, nil
}

func (i *vhciImporter) Detach(port driver.VirtualPort) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return usbip.Detach(port, i.vhci)
}

type Agent struct {
	cfg      Config
	importer Importer
	logger   log.Logger

	// attached maps the remote bus id to the local VHCI port it occupies.
	attached map[string]driver.VirtualPort

	attachesTotal  prometheus.Counter
	detachesTotal  prometheus.Counter
	commandsFailed prometheus.Counter
	reconnects     prometheus.Counter
}

func New(cfg Config, importer Importer, logger log.Logger, reg prometheus.Registerer) *Agent {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	a := &Agent{
		cfg:      cfg,
		importer: importer,
		logger:   logger,
		attached: make(map[string]driver.VirtualPort),
		attachesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usbip_agent_attaches_total",
			Help: "The total number of devices attached on command.",
		}),
		detachesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usbip_agent_detaches_total",
			Help: "The total number of devices detached on command.",
		}),
		commandsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usbip_agent_commands_failed_total",
			Help: "The total number of commands that could not be carried out.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usbip_agent_reconnects_total",
			Help: "The total number of control connection attempts.",
		}),
	}
	if reg != nil {
		reg.MustRegister(a.attachesTotal, a.detachesTotal, a.commandsFailed, a.reconnects)
	}
	return a
}

// Run dials the orchestrator and serves its commands, redialing after every
// lost connection until the context is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	for {
		a.reconnects.Inc()
		conn, err := net.Dial("tcp", a.cfg.Server)
		if err != nil {
			_ = level.Warn(a.logger).Log("msg", "failed to reach orchestrator", "server", a.cfg.Server, "err", err)
		} else {
			err = a.Session(ctx, conn)
			if err != nil {
				_ = level.Warn(a.logger).Log("msg", "control connection lost", "err", err)
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(a.cfg.ReconnectDelay):
		}
	}
}

// Session runs the command loop over an established connection. It returns
// when the connection breaks or the context is cancelled.
func (a *Agent) Session(ctx context.Context, conn net.Conn) error {
	defer func() { _ = conn.Close() }()

	if err := wire.WriteMessage(conn, wire.Hello{ClientID: a.cfg.ClientID}); err != nil {
		return errors.Wrap(err, "handshake failed")
	}
	_ = level.Info(a.logger).Log("msg", "connected to orchestrator", "client", a.cfg.ClientID)

	// unblock the read loop when the context goes away
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-watchdogDone:
		}
	}()

	for {
		msg, err := wire.ReadMessage(conn)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "failed to read command")
		}
		switch cmd := msg.(type) {
		case wire.Ping:
			if err := wire.WriteMessage(conn, wire.Pong{}); err != nil {
				return errors.Wrap(err, "failed to answer ping")
			}
		case wire.Attach:
			ok := a.handleAttach(cmd.BusID)
			if err := wire.WriteMessage(conn, wire.Ack{BusID: cmd.BusID, Transition: cmd.Transition, OK: ok}); err != nil {
				return errors.Wrap(err, "failed to acknowledge attach")
			}
		case wire.Detach:
			ok := a.handleDetach(cmd.BusID)
			if err := wire.WriteMessage(conn, wire.Ack{BusID: cmd.BusID, Transition: cmd.Transition, OK: ok}); err != nil {
				return errors.Wrap(err, "failed to acknowledge detach")
			}
		default:
			_ = level.Debug(a.logger).Log("msg", "ignoring unexpected message", "type", fmt.Sprintf("%T", msg))
		}
	}
}

func (a *Agent) handleAttach(busId string) bool {
	if _, exists := a.attached[busId]; exists {
		// already holding the device
		return true
	}
	port, err := a.importer.Import(busId)
	if err != nil {
		a.commandsFailed.Inc()
		_ = level.Warn(a.logger).Log("msg", "failed to attach device", "busid", busId, "err", err)
		return false
	}
	a.attached[busId] = port
	a.attachesTotal.Inc()
	_ = level.Info(a.logger).Log("msg", "attached device", "busid", busId, "port", port)
	return true
}

func (a *Agent) handleDetach(busId string) bool {
	port, exists := a.attached[busId]
	if !exists {
		// nothing held for this bus id; the desired state is already true
		return true
	}
	if err := a.importer.Detach(port); err != nil {
		a.commandsFailed.Inc()
		_ = level.Warn(a.logger).Log("msg", "failed to detach device", "busid", busId, "port", port, "err", err)
		return false
	}
	delete(a.attached, busId)
	a.detachesTotal.Inc()
	_ = level.Info(a.logger).Log("msg", "detached device", "busid", busId, "port", port)
	return true
}
