package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func drainOne(t *testing.T, connection *Connection, timeout time.Duration) *Event {
	select {
	case event := <-connection.sendQueue:
		return event
	case <-time.After(timeout):
		t.Fatal("timeout waiting for event")
		return nil
	}
}

func TestPublishTenantIsolation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := NewConnectionRegistry(ctx)
	publisher := NewPublisher(ctx, registry)

	orgA := NewId()
	orgB := NewId()

	a := NewConnection(ctx, NewId(), orgA, NewId(), 8)
	b := NewConnection(ctx, NewId(), orgB, NewId(), 8)
	registry.Register(a)
	registry.Register(b)

	publisher.Publish(orgA, EventInvoiceCreated, EventPayload{EntityId: "inv-1"})

	event := drainOne(t, a, 1*time.Second)
	assert.Equal(t, event.Type, EventInvoiceCreated)
	assert.Equal(t, event.OrgId, orgA)
	assert.Equal(t, event.Payload.EntityId, "inv-1")

	select {
	case event := <-b.sendQueue:
		t.Fatalf("cross-tenant delivery: %s", event.Type)
	default:
	}
}

func TestPublishOrdering(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := NewConnectionRegistry(ctx)
	publisher := NewPublisher(ctx, registry)

	orgId := NewId()

	a1 := NewConnection(ctx, NewId(), orgId, NewId(), 64)
	a2 := NewConnection(ctx, NewId(), orgId, NewId(), 64)
	registry.Register(a1)
	registry.Register(a2)

	n := 32
	for i := 0; i < n; i += 1 {
		eventType := EventLeadCreated
		if i%2 == 1 {
			eventType = EventLeadUpdated
		}
		publisher.Publish(orgId, eventType, EventPayload{})
	}

	// each connection observes the serialized publish sequence in order.
	// event ids from one publisher are time ordered.
	for _, connection := range []*Connection{a1, a2} {
		previous := drainOne(t, connection, 1*time.Second)
		for i := 1; i < n; i += 1 {
			event := drainOne(t, connection, 1*time.Second)
			assert.Equal(t, previous.EventId.LessThan(event.EventId), true)
			previous = event
		}
	}
}

func TestPublishSlowConsumerEviction(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := NewConnectionRegistry(ctx)
	publisher := NewPublisher(ctx, registry)

	orgId := NewId()

	slow := NewConnection(ctx, NewId(), orgId, NewId(), 2)
	fast := NewConnection(ctx, NewId(), orgId, NewId(), 8)
	registry.Register(slow)
	registry.Register(fast)

	// the third publish overflows the slow queue and evicts only that
	// connection
	publisher.Publish(orgId, EventJobCreated, EventPayload{})
	publisher.Publish(orgId, EventJobUpdated, EventPayload{})
	publisher.Publish(orgId, EventJobStatusChanged, EventPayload{})

	select {
	case <-slow.Done():
	case <-time.After(1 * time.Second):
		t.Fatal("slow consumer not evicted")
	}
	assert.Equal(t, registry.ConnectionCount(), 1)

	assert.Equal(t, drainOne(t, fast, 1*time.Second).Type, EventJobCreated)
	assert.Equal(t, drainOne(t, fast, 1*time.Second).Type, EventJobUpdated)
	assert.Equal(t, drainOne(t, fast, 1*time.Second).Type, EventJobStatusChanged)

	// a later publish still works for the rest of the group
	publisher.Publish(orgId, EventJobDeleted, EventPayload{})
	assert.Equal(t, drainOne(t, fast, 1*time.Second).Type, EventJobDeleted)
}

func TestPublishEmptyOrg(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := NewConnectionRegistry(ctx)
	publisher := NewPublisher(ctx, registry)

	// no registered connections, no error
	publisher.Publish(NewId(), EventMessageSent, EventPayload{})
}

func TestPublishAfterShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	registry := NewConnectionRegistry(ctx)
	publisher := NewPublisher(ctx, registry)

	orgId := NewId()
	connection := NewConnection(ctx, NewId(), orgId, NewId(), 8)
	registry.Register(connection)

	cancel()

	// dropped, not delivered and not an error
	publisher.Publish(orgId, EventInvoiceCreated, EventPayload{})

	select {
	case event := <-connection.sendQueue:
		t.Fatalf("delivery after shutdown: %s", event.Type)
	default:
	}
}
