package transport

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/danmuck/audiocast/internal/replicator"
	"github.com/rs/zerolog/log"
)

// LossPolicy shapes unreliable delivery on a Hub. The zero value delivers
// every message immediately and in order.
type LossPolicy struct {
	// DropProbability in [0,1] is applied to each message per receiver.
	DropProbability float64
	// ReorderWindow > 1 holds up to that many messages per receiver and
	// releases a random one when the window is full.
	ReorderWindow int
	Seed          int64
}

// Hub connects in-process endpoints. Reliable sends are delivered
// synchronously and in order; unreliable sends go through the LossPolicy.
type Hub struct {
	mu        sync.Mutex
	policy    LossPolicy
	rng       *rand.Rand
	endpoints map[string]*Endpoint
	groups    map[replicator.PeerGroup][]string
}

func NewHub(policy LossPolicy) *Hub {
	return &Hub{
		policy:    policy,
		rng:       rand.New(rand.NewSource(policy.Seed)),
		endpoints: make(map[string]*Endpoint),
		groups:    make(map[replicator.PeerGroup][]string),
	}
}

// Endpoint is one peer's view of a Hub.
type Endpoint struct {
	hub    *Hub
	peerID string

	mu         sync.Mutex
	dispatcher Dispatcher
	pending    []replicator.Message
	delivered  int
	dropped    int
}

// Join registers peerID. Joining twice returns the existing endpoint.
func (h *Hub) Join(peerID string) *Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ep, ok := h.endpoints[peerID]; ok {
		return ep
	}
	ep := &Endpoint{hub: h, peerID: peerID}
	h.endpoints[peerID] = ep
	return ep
}

// DefineGroup names a subset of peers. Unknown ids are resolved lazily at send time.
func (h *Hub) DefineGroup(group replicator.PeerGroup, peerIDs ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.groups[group] = append([]string(nil), peerIDs...)
}

// Flush releases every held unreliable message in random order.
func (h *Hub) Flush() {
	for _, ep := range h.members(GroupAll, "") {
		for {
			msg, ok := h.release(ep, true)
			if !ok {
				break
			}
			ep.deliver(msg)
		}
	}
}

// members resolves group, excluding the sender, in peer id order.
func (h *Hub) members(group replicator.PeerGroup, sender string) []*Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	var ids []string
	if group == GroupAll {
		for id := range h.endpoints {
			ids = append(ids, id)
		}
	} else {
		ids = append(ids, h.groups[group]...)
	}
	sort.Strings(ids)
	out := make([]*Endpoint, 0, len(ids))
	for _, id := range ids {
		ep, ok := h.endpoints[id]
		if !ok || id == sender {
			continue
		}
		out = append(out, ep)
	}
	return out
}

func (h *Hub) knownGroup(group replicator.PeerGroup) bool {
	if group == GroupAll {
		return true
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.groups[group]
	return ok
}

func (h *Hub) roll() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rng.Float64()
}

// release pops one held message from ep. Unless force is set, it only does so
// when the reorder window is full.
func (h *Hub) release(ep *Endpoint, force bool) (replicator.Message, bool) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	n := len(ep.pending)
	if n == 0 || (!force && n < h.policy.ReorderWindow) {
		return nil, false
	}
	h.mu.Lock()
	i := h.rng.Intn(n)
	h.mu.Unlock()
	msg := ep.pending[i]
	ep.pending = append(ep.pending[:i], ep.pending[i+1:]...)
	return msg, true
}

func (e *Endpoint) PeerID() string {
	return e.peerID
}

// Attach sets the dispatcher that receives this endpoint's deliveries.
func (e *Endpoint) Attach(d Dispatcher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dispatcher = d
}

// Stats returns delivered and dropped counts for messages addressed to this endpoint.
func (e *Endpoint) Stats() (delivered, dropped int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.delivered, e.dropped
}

func (e *Endpoint) SendReliable(group replicator.PeerGroup, msg replicator.Message) error {
	if !e.hub.knownGroup(group) {
		return fmt.Errorf("%w: %q", ErrUnknownGroup, group)
	}
	var errs []error
	for _, ep := range e.hub.members(group, e.peerID) {
		if err := ep.deliver(msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SendUnreliable never reports delivery failures; drops are silent.
func (e *Endpoint) SendUnreliable(group replicator.PeerGroup, msg replicator.Message) error {
	if !e.hub.knownGroup(group) {
		return fmt.Errorf("%w: %q", ErrUnknownGroup, group)
	}
	policy := e.hub.policy
	for _, ep := range e.hub.members(group, e.peerID) {
		if policy.DropProbability > 0 && e.hub.roll() < policy.DropProbability {
			ep.mu.Lock()
			ep.dropped++
			ep.mu.Unlock()
			continue
		}
		if policy.ReorderWindow <= 1 {
			_ = ep.deliver(msg)
			continue
		}
		ep.mu.Lock()
		ep.pending = append(ep.pending, msg)
		ep.mu.Unlock()
		if held, ok := e.hub.release(ep, false); ok {
			_ = ep.deliver(held)
		}
	}
	return nil
}

func (e *Endpoint) deliver(msg replicator.Message) error {
	e.mu.Lock()
	d := e.dispatcher
	if d != nil {
		e.delivered++
	}
	e.mu.Unlock()
	if d == nil {
		return fmt.Errorf("%w: peer %q", ErrNotAttached, e.peerID)
	}
	if err := d.Dispatch(msg); err != nil {
		log.Debug().Str("peer", e.peerID).Err(err).Msg("transport.Hub dispatch failed")
		return err
	}
	return nil
}
