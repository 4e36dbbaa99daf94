// Package gcsclient is the contract this process uses to reach the cluster
// metadata and pub/sub service (spec.md §1, §6: treated as an external
// collaborator, out of scope to implement in full). It exposes exactly the
// two capabilities the core runtime needs from it: object location
// publish/subscribe (for pkg/objecttransport's Pull) and worker-failure
// notifications (for pkg/refcount's NotifyWorkerFailed).
//
// The in-process implementation here is a stand-in suitable for single-node
// tests and for wiring the rest of the runtime end to end; a real deployment
// replaces it with a client that talks to the cluster's GCS over pkg/corerpc.
package gcsclient

import (
	"sync"

	"github.com/cuemby/warren/pkg/coreids"
	"github.com/cuemby/warren/pkg/corelog"
	"github.com/cuemby/warren/pkg/events"
	"github.com/rs/zerolog"
)

// Location is one node known to hold a copy of an object.
type Location struct {
	NodeAddress string
}

// Client is the capability surface the core runtime needs from GCS.
type Client interface {
	// PublishLocation announces that addr now holds a copy of id.
	PublishLocation(id coreids.ObjectID, addr string)
	// SubscribeLocations delivers every currently known location for id,
	// followed by any future PublishLocation for id, until cancel is called.
	SubscribeLocations(id coreids.ObjectID) (locations <-chan Location, cancel func())
	// SubscribeWorkerFailures delivers the address of every worker GCS has
	// marked dead, until cancel is called.
	SubscribeWorkerFailures() (failures <-chan string, cancel func())
	// NotifyWorkerFailed reports addr as dead to every other subscriber.
	NotifyWorkerFailed(addr string)
}

// InMemory is a single-process stand-in for the cluster GCS pub/sub and
// failure-detector feed, built directly on pkg/events.Broker: both location
// updates and worker-failure notices travel as events.Event over one shared
// broker, the same distribution mechanism the teacher used for cluster
// events (service/task/node changes). Because the broker fans every event
// out to every subscriber regardless of type, each SubscribeLocations call
// runs its own filter goroutine keeping only events for its object id.
type InMemory struct {
	broker *events.Broker

	mu     sync.Mutex
	known  map[coreids.ObjectID][]Location
	logger zerolog.Logger
}

// NewInMemory creates an empty in-memory GCS stand-in.
func NewInMemory() *InMemory {
	broker := events.NewBroker()
	broker.Start()
	return &InMemory{
		broker: broker,
		known:  make(map[coreids.ObjectID][]Location),
		logger: corelog.WithComponent("gcsclient"),
	}
}

// PublishLocation implements Client.
func (g *InMemory) PublishLocation(id coreids.ObjectID, addr string) {
	loc := Location{NodeAddress: addr}

	g.mu.Lock()
	for _, known := range g.known[id] {
		if known == loc {
			g.mu.Unlock()
			return
		}
	}
	g.known[id] = append(g.known[id], loc)
	g.mu.Unlock()

	g.broker.Publish(&events.Event{
		Type:     events.EventObjectLocationUpdated,
		Metadata: map[string]string{events.MetaObjectID: id.String(), events.MetaNodeAddress: addr},
	})
}

// SubscribeLocations implements Client.
func (g *InMemory) SubscribeLocations(id coreids.ObjectID) (<-chan Location, func()) {
	sub := g.broker.Subscribe()
	out := make(chan Location, 16)

	g.mu.Lock()
	backlog := append([]Location(nil), g.known[id]...)
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, loc := range backlog {
			select {
			case out <- loc:
			case <-done:
				return
			}
		}
		for {
			select {
			case ev, ok := <-sub:
				if !ok {
					return
				}
				if ev.Type != events.EventObjectLocationUpdated || ev.Metadata[events.MetaObjectID] != id.String() {
					continue
				}
				select {
				case out <- Location{NodeAddress: ev.Metadata[events.MetaNodeAddress]}:
				default:
					g.logger.Warn().Str("object_id", id.String()).Msg("location subscriber channel full, dropping update")
				}
			case <-done:
				return
			}
		}
	}()

	cancel := func() {
		close(done)
		g.broker.Unsubscribe(sub)
	}
	return out, cancel
}

// SubscribeWorkerFailures implements Client.
func (g *InMemory) SubscribeWorkerFailures() (<-chan string, func()) {
	sub := g.broker.Subscribe()
	out := make(chan string, 16)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-sub:
				if !ok {
					return
				}
				if ev.Type != events.EventWorkerFailed {
					continue
				}
				select {
				case out <- ev.Metadata[events.MetaNodeAddress]:
				default:
					g.logger.Warn().Str("addr", ev.Metadata[events.MetaNodeAddress]).Msg("failure subscriber channel full, dropping notification")
				}
			case <-done:
				return
			}
		}
	}()

	cancel := func() {
		close(done)
		g.broker.Unsubscribe(sub)
	}
	return out, cancel
}

// NotifyWorkerFailed implements Client.
func (g *InMemory) NotifyWorkerFailed(addr string) {
	g.broker.Publish(&events.Event{
		Type:     events.EventWorkerFailed,
		Metadata: map[string]string{events.MetaNodeAddress: addr},
	})
}

var _ Client = (*InMemory)(nil)
