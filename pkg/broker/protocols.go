package broker

import (
	"context"
	"fmt"
	"sort"

	"github.com/openfroyo/pbus/pkg/platform"
	"github.com/openfroyo/pbus/pkg/telemetry"
)

// protocolSlot holds one protocol id. ready is closed on the first
// SetProtocol and never reopened.
type protocolSlot struct {
	handle  any
	ready   chan struct{}
	set     bool
	waiters int
}

// slot returns the slot for id, creating it. Callers hold b.mu.
func (b *Broker) slot(id platform.ProtocolID) *protocolSlot {
	s, ok := b.protocols[id]
	if !ok {
		s = &protocolSlot{ready: make(chan struct{})}
		b.protocols[id] = s
	}
	return s
}

// SetProtocol publishes handle as the implementation of id and wakes every
// WaitProtocol parked on it. Under ProtocolPolicyReplace a later call
// replaces the handle; under ProtocolPolicyReject it fails with AlreadyBound.
func (b *Broker) SetProtocol(ctx context.Context, id platform.ProtocolID, handle any) (err error) {
	op := b.tel.StartOperation(ctx, "set_protocol", telemetry.AttrProtocol.String(id.String()))
	defer func() { endOperation(op, err) }()

	if handle == nil {
		return platform.InvalidArgument("protocol handle is nil", nil).WithOperation("set_protocol")
	}

	b.mu.Lock()
	s := b.slot(id)
	replaced := s.set
	if replaced && b.opts.ProtocolPolicy == ProtocolPolicyReject {
		b.mu.Unlock()
		return platform.AlreadyBound(fmt.Sprintf("protocol %s is already published", id), nil).
			WithOperation("set_protocol").
			WithDetail("protocol", id.String())
	}
	s.handle = handle
	if !s.set {
		s.set = true
		close(s.ready)
	}
	waiters := s.waiters
	b.mu.Unlock()

	b.tel.Metrics.RecordProtocolPublished(id.String())
	_ = b.tel.Events.PublishProtocolPublished(id.String(), replaced, waiters)

	op.Logger.WithProtocol(id.String()).WithFields(map[string]interface{}{
		"replaced": replaced,
		"waiters":  waiters,
	}).Debug("Protocol published")

	return nil
}

// WaitProtocol returns the handle published for id, parking until some
// driver publishes it. The broker adds no timeout; the wait ends early only
// when ctx is done, in which case ctx.Err() is returned.
func (b *Broker) WaitProtocol(ctx context.Context, id platform.ProtocolID) (handle any, err error) {
	op := b.tel.StartOperation(ctx, "wait_protocol", telemetry.AttrProtocol.String(id.String()))
	defer func() { endOperation(op, err) }()

	b.mu.Lock()
	s := b.slot(id)
	if s.set {
		handle = s.handle
		b.mu.Unlock()
		return handle, nil
	}
	s.waiters++
	ready := s.ready
	b.mu.Unlock()

	b.tel.Metrics.WaiterParked()
	defer b.tel.Metrics.WaiterReleased()

	op.Logger.WithProtocol(id.String()).Debug("Waiting for protocol")

	select {
	case <-ready:
		b.mu.Lock()
		s.waiters--
		handle = s.handle
		b.mu.Unlock()
		return handle, nil
	case <-ctx.Done():
		b.mu.Lock()
		s.waiters--
		b.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Protocol returns the handle published for id without waiting.
func (b *Broker) Protocol(id platform.ProtocolID) (any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.protocols[id]
	if !ok || !s.set {
		return nil, false
	}
	return s.handle, true
}

// Protocols returns the published protocol ids in ascending order.
func (b *Broker) Protocols() []platform.ProtocolID {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]platform.ProtocolID, 0, len(b.protocols))
	for id, s := range b.protocols {
		if s.set {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Waiters returns the number of callers parked on id.
func (b *Broker) Waiters(id platform.ProtocolID) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.protocols[id]; ok {
		return s.waiters
	}
	return 0
}
