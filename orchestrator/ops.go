// SPDX-License-Identifier: GPL-2.0-only

package orchestrator

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log/level"
	"k8s.io/apimachinery/pkg/util/validation"

	"github.com/MatthiasValvekens/usbip-orchestrator/registry"
	"github.com/MatthiasValvekens/usbip-orchestrator/wire"
)

// Assign records the intent that the device on busId belongs to clientId
// and starts driving towards it. It returns once the intent is durable;
// attachment completes asynchronously and is observable via GetSnapshot.
// The client id "none" clears the assignment.
func (o *Orchestrator) Assign(ctx context.Context, busId, clientId string) error {
	return o.request(ctx, func() error { return o.doAssign(busId, clientId) })
}

// AssignAll assigns every present whitelisted device to clientId and makes
// clientId the default owner for devices discovered later. Whether devices
// already assigned elsewhere are taken over is controlled by
// Config.AssignAllOverrides. The client id "none" clears everything.
func (o *Orchestrator) AssignAll(ctx context.Context, clientId string) error {
	return o.request(ctx, func() error { return o.doAssignAll(clientId) })
}

// ForceFree drives a best-effort detach, runs a local unbind-rebind cycle
// to clear any wedged kernel state, and removes the assignment.
func (o *Orchestrator) ForceFree(ctx context.Context, busId string) error {
	return o.request(ctx, func() error { return o.doForceFree(busId) })
}

// ForceReattach is ForceFree followed by reassignment to the client that
// held the port before.
func (o *Orchestrator) ForceReattach(ctx context.Context, busId string) error {
	return o.request(ctx, func() error { return o.doForceReattach(busId) })
}

// GetSnapshot returns the current per-port state as the control surface
// sees it.
func (o *Orchestrator) GetSnapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := o.request(ctx, func() error {
		snap = o.buildSnapshot()
		return nil
	})
	return snap, err
}

func normalizeClientId(clientId string) (string, error) {
	clientId = strings.ToLower(strings.TrimSpace(clientId))
	if clientId == "" {
		return "", errors.Wrap(ErrInvalidClient, "empty client id")
	}
	if clientId == unassignedClient {
		return clientId, nil
	}
	if errs := validation.IsDNS1123Subdomain(clientId); len(errs) > 0 {
		return "", errors.Wrapf(ErrInvalidClient, "%q: %s", clientId, strings.Join(errs, ", "))
	}
	return clientId, nil
}

func (o *Orchestrator) doAssign(busId, clientId string) error {
	clientId, err := normalizeClientId(clientId)
	if err != nil {
		return err
	}
	if clientId == unassignedClient {
		return o.doUnassign(busId)
	}
	if !o.devices.IsWhitelisted(busId) {
		return errors.Wrapf(ErrNotWhitelisted, "cannot assign %s", busId)
	}

	a := o.assignments[busId]
	if a == nil {
		a = &assignment{busId: busId}
		o.assignments[busId] = a
	}
	prev := a.intent
	a.intent = clientId
	// durable before any command leaves the host: a crash from here on
	// resumes with the new intent
	if err := o.persist(); err != nil {
		a.intent = prev
		return errors.Wrapf(err, "failed to persist assignment of %s", busId)
	}
	if prev != clientId {
		a.attempts = 0
		a.nextAction = time.Time{}
		_ = level.Info(o.logger).Log("msg", "assignment recorded", "busid", busId, "client", clientId, "previous", prev)
	}
	o.evaluate(busId)
	return nil
}

func (o *Orchestrator) doUnassign(busId string) error {
	a := o.assignments[busId]
	if a == nil {
		return nil
	}
	prev := a.intent
	a.intent = ""
	if err := o.persist(); err != nil {
		a.intent = prev
		return errors.Wrapf(err, "failed to persist unassignment of %s", busId)
	}
	_ = level.Info(o.logger).Log("msg", "assignment cleared", "busid", busId)
	o.evaluate(busId)
	return nil
}

func (o *Orchestrator) doAssignAll(clientId string) error {
	clientId, err := normalizeClientId(clientId)
	if err != nil {
		return err
	}

	if clientId == unassignedClient {
		prevDefault := o.assignAllClient
		prevIntents := make(map[string]string, len(o.assignments))
		o.assignAllClient = ""
		for busId, a := range o.assignments {
			prevIntents[busId] = a.intent
			a.intent = ""
		}
		if err := o.persist(); err != nil {
			o.assignAllClient = prevDefault
			for busId, a := range o.assignments {
				a.intent = prevIntents[busId]
			}
			return errors.Wrap(err, "failed to persist cleared assignments")
		}
		_ = level.Info(o.logger).Log("msg", "all assignments cleared")
		for busId := range o.assignments {
			o.evaluate(busId)
		}
		return nil
	}

	prevDefault := o.assignAllClient
	o.assignAllClient = clientId
	prevIntents := make(map[string]string)
	var changed []string
	for _, dev := range o.devices.ListPresent() {
		a := o.assignments[dev.BusID]
		if a == nil {
			a = &assignment{busId: dev.BusID}
			o.assignments[dev.BusID] = a
		}
		if a.intent != "" && a.intent != clientId && !o.cfg.AssignAllOverrides {
			continue
		}
		if a.intent != clientId {
			prevIntents[dev.BusID] = a.intent
			a.intent = clientId
			a.attempts = 0
			a.nextAction = time.Time{}
			changed = append(changed, dev.BusID)
		}
	}
	if err := o.persist(); err != nil {
		o.assignAllClient = prevDefault
		// intent-less leftovers are collected by the next evaluate pass
		for busId, intent := range prevIntents {
			if a := o.assignments[busId]; a != nil {
				a.intent = intent
			}
		}
		return errors.Wrap(err, "failed to persist assignments")
	}
	_ = level.Info(o.logger).Log("msg", "assign-all recorded", "client", clientId, "changed", len(changed))
	// each port converges independently; one failed send must not hold
	// back the rest
	for busId := range o.assignments {
		o.evaluate(busId)
	}
	return nil
}

func (o *Orchestrator) doForceFree(busId string) error {
	a := o.assignments[busId]
	if a == nil {
		// already free: no second unbind/rebind cycle
		return nil
	}
	if a.holder != "" && o.sender.IsConnected(a.holder) {
		a.transition++
		o.detachCommands.Inc()
		// best effort: the unbind below severs the export regardless
		if err := o.sender.Send(a.holder, wire.Detach{BusID: busId, Transition: a.transition}); err != nil {
			_ = level.Debug(o.logger).Log("msg", "detach during force-free failed", "busid", busId, "client", a.holder, "err", err)
		}
	}
	a.intent = ""
	a.holder = ""
	a.state = Detached
	if err := o.persist(); err != nil {
		return errors.Wrapf(err, "failed to persist release of %s", busId)
	}
	delete(o.assignments, busId)
	o.updateAttachedGauge()

	if _, known := o.devices.Get(busId); known {
		if err := o.devices.RecoverBind(busId); err != nil {
			_ = level.Warn(o.logger).Log("msg", "rebind cycle failed during force-free", "busid", busId, "err", err)
		}
	}
	_ = level.Info(o.logger).Log("msg", "port forcibly freed", "busid", busId)
	return nil
}

func (o *Orchestrator) doForceReattach(busId string) error {
	a := o.assignments[busId]
	if a == nil {
		return nil
	}
	captured := a.intent
	if err := o.doForceFree(busId); err != nil {
		return err
	}
	if captured == "" {
		return nil
	}
	return o.doAssign(busId, captured)
}

func (o *Orchestrator) buildSnapshot() Snapshot {
	rows := make(map[string]*PortStatus)
	for _, dev := range o.devices.Snapshot() {
		rows[dev.BusID] = &PortStatus{
			BusID:   dev.BusID,
			Name:    dev.Name,
			Label:   dev.Label,
			Present: dev.Present,
			Bound:   dev.BindState == registry.BoundLocal,
		}
	}
	for busId, a := range o.assignments {
		row := rows[busId]
		if row == nil {
			// intent for a port whose device was never seen this run
			row = &PortStatus{BusID: busId}
			rows[busId] = row
		}
		row.AssignedClient = a.intent
		if a.state == Attaching || a.state == Attached {
			row.HolderClient = a.holder
		}
		row.RemoteState = a.state
		row.Transition = a.transition
	}

	snap := Snapshot{AssignAllClientID: o.assignAllClient}
	for _, row := range rows {
		row.RemoteStateStr = row.RemoteState.String()
		snap.Ports = append(snap.Ports, *row)
	}
	sort.Slice(snap.Ports, func(i, j int) bool { return snap.Ports[i].BusID < snap.Ports[j].BusID })
	return snap
}
