// Package transport defines the outbox contract the data plane sends
// through. Real transports (tcp, udp, relays) live outside this repository;
// the Loopback implementation wires nodes living in one process together,
// which is also what the tests use.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hivekeep/hivekeep/pkg/model"
)

// ErrUnreachable is returned when no route to the remote exists.
var ErrUnreachable = errors.New("transport: remote unreachable")

// Handler consumes one inbound packet and produces the reply to hand back
// to the sender (usually an Ack, Fail, Data or Files packet).
type Handler func(ctx context.Context, pkt *model.Packet) (*model.Packet, error)

// Outbox delivers one packet to a remote peer and returns the remote's
// reply. Cancellation and timeouts propagate through ctx.
type Outbox interface {
	Send(ctx context.Context, remoteID string, pkt *model.Packet) (*model.Packet, error)
}

// Loopback is an in-process Outbox: packets are delivered synchronously to
// the handler registered under the remote's global id.
type Loopback struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	offline  map[string]bool
}

// NewLoopback returns an empty loopback fabric.
func NewLoopback() *Loopback {
	return &Loopback{
		handlers: make(map[string]Handler),
		offline:  make(map[string]bool),
	}
}

// Attach registers the packet handler of one node.
func (l *Loopback) Attach(globalID string, h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[globalID] = h
}

// SetOffline simulates a dead peer; sends to it fail with ErrUnreachable.
func (l *Loopback) SetOffline(globalID string, offline bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.offline[globalID] = offline
}

// Send implements Outbox.
func (l *Loopback) Send(ctx context.Context, remoteID string, pkt *model.Packet) (*model.Packet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	h, ok := l.handlers[remoteID]
	off := l.offline[remoteID]
	l.mu.RUnlock()
	if !ok || off {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, remoteID)
	}
	return h(ctx, pkt)
}

var _ Outbox = (*Loopback)(nil)
