// SPDX-License-Identifier: GPL-2.0-only

package orchestrator

import (
	"context"
	"time"

	"github.com/go-kit/log/level"

	"github.com/MatthiasValvekens/usbip-orchestrator/wire"
)

type event interface{}

type evDeviceReady struct{ busId string }
type evDeviceGone struct{ busId string }
type evClientConnected struct{ clientId string }
type evClientDisconnected struct{ clientId string }

type evAck struct {
	clientId   string
	busId      string
	transition uint64
	ok         bool
}

// evRequest carries a control operation into the loop; fn runs with
// exclusive access to the state.
type evRequest struct {
	fn    func() error
	reply chan error
}

// DeviceReady implements registry.Notifier.
func (o *Orchestrator) DeviceReady(busId string) {
	o.events <- evDeviceReady{busId: busId}
}

// DeviceGone implements registry.Notifier.
func (o *Orchestrator) DeviceGone(busId string) {
	o.events <- evDeviceGone{busId: busId}
}

// ClientConnected implements clients.Handler.
func (o *Orchestrator) ClientConnected(clientId string) {
	o.events <- evClientConnected{clientId: clientId}
}

// ClientDisconnected implements clients.Handler.
func (o *Orchestrator) ClientDisconnected(clientId string) {
	o.events <- evClientDisconnected{clientId: clientId}
}

// AckReceived implements clients.Handler.
func (o *Orchestrator) AckReceived(clientId, busId string, transition uint64, ok bool) {
	o.events <- evAck{clientId: clientId, busId: busId, transition: transition, ok: ok}
}

// request runs fn inside the event loop and waits for its result.
func (o *Orchestrator) request(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	select {
	case o.events <- evRequest{fn: fn, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) handle(ev event) {
	switch e := ev.(type) {
	case evDeviceReady:
		o.onDeviceReady(e.busId)
	case evDeviceGone:
		o.onDeviceGone(e.busId)
	case evClientConnected:
		o.onClientConnected(e.clientId)
	case evClientDisconnected:
		o.onClientDisconnected(e.clientId)
	case evAck:
		o.onAck(e.clientId, e.busId, e.transition, e.ok)
	case evRequest:
		e.reply <- e.fn()
	}
}

// onDeviceReady fires when a whitelisted device is present and locally
// bound. A configured assign-all client picks up any unassigned device at
// this point.
func (o *Orchestrator) onDeviceReady(busId string) {
	a := o.assignments[busId]
	if a == nil && o.assignAllClient != "" {
		a = &assignment{busId: busId, intent: o.assignAllClient}
		o.assignments[busId] = a
		if err := o.persist(); err != nil {
			_ = level.Warn(o.logger).Log("msg", "failed to persist auto-assignment", "busid", busId, "err", err)
		}
		_ = level.Info(o.logger).Log("msg", "auto-assigned new device", "busid", busId, "client", o.assignAllClient)
	}
	if a != nil {
		// a device that went away mid-transition starts from a clean slate
		a.attempts = 0
		a.nextAction = time.Time{}
		o.evaluate(busId)
	}
}

// onDeviceGone marks the port's remote state unusable. The owning client is
// told to let go (best effort); the intent survives so a replug re-attaches
// automatically.
func (o *Orchestrator) onDeviceGone(busId string) {
	a := o.assignments[busId]
	if a == nil {
		return
	}
	if a.holder != "" && o.sender.IsConnected(a.holder) {
		a.transition++
		o.detachCommands.Inc()
		if err := o.sender.Send(a.holder, wire.Detach{BusID: busId, Transition: a.transition}); err != nil {
			_ = level.Debug(o.logger).Log("msg", "detach on unplug failed", "busid", busId, "client", a.holder, "err", err)
		}
	}
	a.holder = ""
	a.state = Detached
	a.attempts = 0
	o.updateAttachedGauge()
}

func (o *Orchestrator) onClientConnected(clientId string) {
	for busId, a := range o.assignments {
		if a.intent == clientId {
			a.attempts = 0
			a.nextAction = time.Time{}
			o.evaluate(busId)
		}
	}
}

// onClientDisconnected forces every assignment held by the client to
// detached: after a silent drop no acknowledgement can be trusted, and no
// detach can be delivered anyway.
func (o *Orchestrator) onClientDisconnected(clientId string) {
	for busId, a := range o.assignments {
		if a.holder != clientId {
			continue
		}
		a.holder = ""
		a.state = Detached
		a.attempts = 0
		a.nextAction = time.Time{}
		_ = level.Info(o.logger).Log("msg", "client lost; assignment detached", "busid", busId, "client", clientId)
		// a pending reassignment no longer has to wait for this client
		o.evaluate(busId)
	}
	o.updateAttachedGauge()
}

// onAck correlates an acknowledgement with the port transition that caused
// it. Transition ids are monotonic per port, not globally, so the match is
// on the echoed bus id as well as the transition and the holder. Acks for
// superseded transitions are discarded: the newer intent has already moved
// the state machine on.
func (o *Orchestrator) onAck(clientId, busId string, transition uint64, ok bool) {
	a := o.assignments[busId]
	if a != nil && a.holder == clientId && a.transition == transition {
		switch a.state {
		case Attaching:
			if ok {
				a.state = Attached
				a.attempts = 0
				_ = level.Info(o.logger).Log("msg", "attach confirmed", "busid", busId, "client", clientId)
			} else {
				a.state = Detached
				a.holder = ""
				o.backoff(a)
				_ = level.Warn(o.logger).Log("msg", "client rejected attach", "busid", busId, "client", clientId)
			}
			o.updateAttachedGauge()
			return
		case Detaching:
			if ok {
				a.state = Detached
				a.holder = ""
				a.attempts = 0
				a.nextAction = time.Time{}
				_ = level.Info(o.logger).Log("msg", "detach confirmed", "busid", busId, "client", clientId)
				// a waiting reassignment may proceed now
				o.evaluate(busId)
			} else {
				o.backoff(a)
				_ = level.Warn(o.logger).Log("msg", "client rejected detach", "busid", busId, "client", clientId)
			}
			o.updateAttachedGauge()
			return
		}
	}
	o.staleAcks.Inc()
	_ = level.Debug(o.logger).Log("msg", "discarding stale ack", "client", clientId, "busid", busId, "transition", transition)
}
