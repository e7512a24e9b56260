package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

// Publisher is the entry point the mutation layer calls after a commit.
// Publish stamps the event and fans it out to the organization's group
// without ever blocking on client i/o: each connection owns a buffered
// outbound queue, enqueue is non-blocking, and a full queue evicts that
// one connection instead of stalling the broadcast.
//
// Delivery is fire and forget. A publish that races process shutdown is
// dropped; clients recover through catch-up on reconnect, not through the
// publisher.
type Publisher struct {
	ctx context.Context

	registry *ConnectionRegistry

	forwardMutex sync.Mutex
	forward      func(event *Event)
}

func NewPublisher(ctx context.Context, registry *ConnectionRegistry) *Publisher {
	return &Publisher{
		ctx:      ctx,
		registry: registry,
	}
}

// Publish announces that an event of `eventType` happened in organization
// `orgId`. Returns as soon as the event is enqueued to every live group
// member. The event type is not validated against the taxonomy - clients
// ignore types they do not know.
func (self *Publisher) Publish(orgId Id, eventType EventType, payload EventPayload) {
	select {
	case <-self.ctx.Done():
		// shutting down, drop
		return
	default:
	}

	event := &Event{
		EventId:   NewId(),
		Type:      eventType,
		OrgId:     orgId,
		Payload:   payload,
		EmittedAt: time.Now(),
	}

	self.Dispatch(event)

	self.forwardMutex.Lock()
	forward := self.forward
	self.forwardMutex.Unlock()
	if forward != nil {
		forward(event)
	}
}

// Dispatch fans an already-stamped event out to the local registry only.
// The bridge calls this for events that arrive from other bus processes.
func (self *Publisher) Dispatch(event *Event) {
	self.registry.ForEachInOrg(event.OrgId, func(connection *Connection) {
		if connection.offer(event) {
			glog.V(2).Infof("[b]%s %s->%s\n", event.Type, event.OrgId, connection.ConnectionId())
		} else {
			// the outbound queue is full. evict rather than block or
			// reorder - the client recovers with catch-up on reconnect.
			glog.Infof("[b]evict slow consumer %s\n", connection.ConnectionId())
			connection.Close()
			self.registry.Unregister(connection)
		}
	})
}

// setForward installs the bridge hook called once per locally published
// event. The hook must not block.
func (self *Publisher) setForward(forward func(event *Event)) {
	self.forwardMutex.Lock()
	defer self.forwardMutex.Unlock()
	self.forward = forward
}
