// SPDX-License-Identifier: GPL-2.0-only

// Package orchestrator contains the assignment state machine: the single
// component that decides, for every whitelisted port, which commands must be
// issued to drive the observed attachment state towards the persisted
// intent.
//
// All state lives behind one event loop. Device events, client connection
// events, acknowledgements and control operations are delivered as messages
// into that loop, so per-port transitions are serialized by construction.
package orchestrator

import (
	"context"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/MatthiasValvekens/usbip-orchestrator/registry"
	"github.com/MatthiasValvekens/usbip-orchestrator/store"
	"github.com/MatthiasValvekens/usbip-orchestrator/wire"
)

// RemoteState tracks what the owning client is believed to be doing with a
// port's device.
type RemoteState int

const (
	Detached RemoteState = iota
	Attaching
	Attached
	Detaching
)

func (s RemoteState) String() string {
	switch s {
	case Attaching:
		return "attaching"
	case Attached:
		return "attached"
	case Detaching:
		return "detaching"
	default:
		return "detached"
	}
}

var (
	// ErrNotWhitelisted indicates a control operation referenced a port the
	// orchestrator is not configured to manage.
	ErrNotWhitelisted = errors.New("port is not whitelisted")
	// ErrInvalidClient indicates an unusable client id in a control call.
	ErrInvalidClient = errors.New("invalid client id")
)

// unassignedClient is the client id operators use to mean "no client".
const unassignedClient = "none"

// Sender is the slice of the connection manager the orchestrator commands
// clients through.
type Sender interface {
	Send(clientId string, msg wire.Message) error
	IsConnected(clientId string) bool
}

// Devices is the slice of the device registry the orchestrator consults.
type Devices interface {
	Get(busId string) (registry.Device, bool)
	ListPresent() []registry.Device
	Snapshot() []registry.Device
	IsWhitelisted(busId string) bool
	RetryBind(busId string) error
	RecoverBind(busId string) error
}

// Config carries the orchestrator's policy knobs.
type Config struct {
	// ReconcileInterval bounds how long a transient failure can delay
	// convergence.
	ReconcileInterval time.Duration
	// AckTimeout is how long an issued command may remain unacknowledged
	// before it is reissued under a fresh transition id.
	AckTimeout time.Duration
	// AssignAllOverrides selects the assign_all policy: when true, devices
	// already assigned to a different client are reassigned; when false
	// they are skipped.
	AssignAllOverrides bool
	// Backoff is the retry schedule for failed sends; the last entry
	// repeats.
	Backoff []time.Duration
}

var defaultBackoffSchedule = []time.Duration{
	1 * time.Second,
	1 * time.Second,
	2 * time.Second,
	3 * time.Second,
	5 * time.Second,
	8 * time.Second,
}

func (c Config) withDefaults() Config {
	if c.ReconcileInterval == 0 {
		c.ReconcileInterval = 5 * time.Second
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 10 * time.Second
	}
	if len(c.Backoff) == 0 {
		c.Backoff = defaultBackoffSchedule
	}
	return c
}

// assignment is the per-port state machine record. intent is the durable
// desired client; holder is the client that currently owns (or is
// transitioning) the remote side. At most one holder exists per port.
type assignment struct {
	busId      string
	intent     string
	holder     string
	state      RemoteState
	transition uint64
	attempts   int
	nextAction time.Time
}

// PortStatus is one row of the read-only snapshot exposed to the control
// surface.
type PortStatus struct {
	BusID          string      `json:"busid"`
	Name           string      `json:"name,omitempty"`
	Label          string      `json:"label,omitempty"`
	Present        bool        `json:"present"`
	Bound          bool        `json:"bound"`
	AssignedClient string      `json:"assigned_to,omitempty"`
	HolderClient   string      `json:"in_use_by,omitempty"`
	RemoteState    RemoteState `json:"-"`
	RemoteStateStr string      `json:"remote_state"`
	Transition     uint64      `json:"transition"`
}

// Snapshot is the full observable state at one instant.
type Snapshot struct {
	Ports             []PortStatus `json:"ports"`
	AssignAllClientID string       `json:"assign_all_client_id,omitempty"`
}

type Orchestrator struct {
	cfg     Config
	devices Devices
	sender  Sender
	st      *store.Store
	logger  log.Logger

	events chan event

	// loop-owned state, never touched outside Run
	assignments     map[string]*assignment
	assignAllClient string

	attachCommands prometheus.Counter
	detachCommands prometheus.Counter
	commandRetries prometheus.Counter
	staleAcks      prometheus.Counter
	attachedGauge  prometheus.Gauge
}

// New builds an orchestrator and restores persisted intent from the store.
// Restored assignments only become live once the device shows up and the
// client connects.
func New(cfg Config, devices Devices, sender Sender, st *store.Store, logger log.Logger, reg prometheus.Registerer) (*Orchestrator, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	o := &Orchestrator{
		cfg:         cfg.withDefaults(),
		devices:     devices,
		sender:      sender,
		st:          st,
		logger:      logger,
		events:      make(chan event, 256),
		assignments: make(map[string]*assignment),
		attachCommands: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usbip_orchestrator_attach_commands_total",
			Help: "The total number of attach commands issued to clients.",
		}),
		detachCommands: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usbip_orchestrator_detach_commands_total",
			Help: "The total number of detach commands issued to clients.",
		}),
		commandRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usbip_orchestrator_command_retries_total",
			Help: "The total number of command sends that entered backoff.",
		}),
		staleAcks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usbip_orchestrator_stale_acks_total",
			Help: "The total number of acknowledgements discarded as stale.",
		}),
		attachedGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "usbip_orchestrator_attached_assignments",
			Help: "The number of assignments currently in the attached state.",
		}),
	}
	if reg != nil {
		reg.MustRegister(o.attachCommands, o.detachCommands, o.commandRetries, o.staleAcks, o.attachedGauge)
	}

	data, err := st.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to restore assignments")
	}
	for busId, clientId := range data.DeviceAssignments {
		if clientId == "" || clientId == unassignedClient {
			continue
		}
		o.assignments[busId] = &assignment{busId: busId, intent: clientId}
	}
	if data.AssignAllClientID != unassignedClient {
		o.assignAllClient = data.AssignAllClientID
	}
	return o, nil
}

// Run drains the event queue until the context is cancelled. It must be
// running before any events are delivered.
func (o *Orchestrator) Run(ctx context.Context) error {
	t := time.NewTicker(o.cfg.ReconcileInterval)
	defer t.Stop()
	_ = level.Info(o.logger).Log("msg", "orchestrator started", "restored", len(o.assignments))
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-o.events:
			o.handle(ev)
		case <-t.C:
			o.reconcile()
		}
	}
}

func (o *Orchestrator) updateAttachedGauge() {
	attached := 0
	for _, a := range o.assignments {
		if a.state == Attached {
			attached++
		}
	}
	o.attachedGauge.Set(float64(attached))
}

func (o *Orchestrator) persist() error {
	data := store.Data{
		AssignAllClientID: o.assignAllClient,
		DeviceAssignments: make(map[string]string, len(o.assignments)),
	}
	for busId, a := range o.assignments {
		if a.intent != "" {
			data.DeviceAssignments[busId] = a.intent
		}
	}
	return o.st.Save(data)
}

func (o *Orchestrator) backoff(a *assignment) {
	idx := a.attempts
	if idx >= len(o.cfg.Backoff) {
		idx = len(o.cfg.Backoff) - 1
	}
	a.attempts++
	a.nextAction = time.Now().Add(o.cfg.Backoff[idx])
	o.commandRetries.Inc()
}

// evaluate drives one port a single step towards its intent. It never
// blocks on a client round trip: commands are sent, acknowledgements come
// back as events.
func (o *Orchestrator) evaluate(busId string) {
	a := o.assignments[busId]
	if a == nil {
		return
	}
	defer o.updateAttachedGauge()
	now := time.Now()

	// A holder with no live transition is inconsistent; resolve to the
	// safe side rather than guessing.
	if a.holder == "" && (a.state == Attaching || a.state == Attached || a.state == Detaching) {
		_ = level.Error(o.logger).Log("msg", "assignment state without holder; forcing detached", "busid", busId, "state", a.state)
		a.state = Detached
	}

	// Current holder differs from intent: detach first. Attach to the new
	// client is deferred until the old one acknowledges or disconnects, so
	// no two clients ever hold the port.
	if a.holder != "" && a.holder != a.intent {
		if !o.sender.IsConnected(a.holder) {
			// connection gone, nothing to trust, nothing to send
			a.holder = ""
			a.state = Detached
			a.attempts = 0
		} else if a.state != Detaching || !now.Before(a.nextAction) {
			a.transition++
			o.detachCommands.Inc()
			if err := o.sender.Send(a.holder, wire.Detach{BusID: busId, Transition: a.transition}); err != nil {
				_ = level.Warn(o.logger).Log("msg", "detach send failed", "busid", busId, "client", a.holder, "err", err)
				o.backoff(a)
				return
			}
			a.state = Detaching
			a.nextAction = now.Add(o.cfg.AckTimeout)
			_ = level.Info(o.logger).Log("msg", "issued detach", "busid", busId, "client", a.holder, "transition", a.transition)
			return
		} else {
			return
		}
	}

	if a.intent == "" {
		if a.holder == "" && a.state == Detached {
			delete(o.assignments, busId)
		}
		return
	}
	if a.state == Attached {
		return
	}
	if a.state == Attaching && now.Before(a.nextAction) {
		return
	}

	// preconditions: device present and bound, client connected, backoff
	// elapsed
	dev, known := o.devices.Get(busId)
	if !known || !dev.Present {
		return
	}
	if dev.BindState != registry.BoundLocal {
		// a failed local bind is not terminal; retry it under the same
		// backoff schedule as remote commands
		if now.Before(a.nextAction) {
			return
		}
		if err := o.devices.RetryBind(busId); err != nil {
			_ = level.Warn(o.logger).Log("msg", "local bind retry failed", "busid", busId, "err", err)
			o.backoff(a)
			return
		}
		_ = level.Info(o.logger).Log("msg", "local bind recovered", "busid", busId)
	}
	if !o.sender.IsConnected(a.intent) {
		return
	}
	if now.Before(a.nextAction) {
		return
	}

	a.transition++
	o.attachCommands.Inc()
	if err := o.sender.Send(a.intent, wire.Attach{BusID: busId, Transition: a.transition}); err != nil {
		_ = level.Warn(o.logger).Log("msg", "attach send failed", "busid", busId, "client", a.intent, "err", err)
		a.state = Detached
		a.holder = ""
		o.backoff(a)
		return
	}
	a.state = Attaching
	a.holder = a.intent
	a.nextAction = now.Add(o.cfg.AckTimeout)
	_ = level.Info(o.logger).Log("msg", "issued attach", "busid", busId, "client", a.intent, "transition", a.transition)
}

func (o *Orchestrator) reconcile() {
	for busId := range o.assignments {
		o.evaluate(busId)
	}
}
