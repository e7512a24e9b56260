package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testClientSettings() *ClientSettings {
	settings := DefaultClientSettings()
	settings.ReconnectMinTimeout = 50 * time.Millisecond
	settings.ReconnectMaxTimeout = 250 * time.Millisecond
	return settings
}

func TestClientConnectCatchUpAndDispatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := newTestBus(ctx)
	defer bus.close()

	orgId := NewId()
	token, err := MintSessionToken(bus.secret, orgId, NewId(), 1*time.Minute)
	assert.Equal(t, err, nil)

	cache := &testInvalidator{}
	client := NewClient(ctx, bus.url, token, DefaultDispatchTable(), cache, testClientSettings())
	defer client.Close()

	pollUntil(t, 5*time.Second, func() bool {
		return client.IsConnected()
	})
	assert.Equal(t, client.RetryCount(), 0)

	// catch-up applies the full conservative set on first connect
	pollUntil(t, 5*time.Second, func() bool {
		return cache.Count("dashboard") == 1
	})
	for _, key := range DefaultCatchUpKeys() {
		assert.Equal(t, cache.Count(key), 1)
	}

	pollUntil(t, 5*time.Second, func() bool {
		return bus.registry.ConnectionCount() == 1
	})

	// an unknown type is ignored, a known type invalidates its keys
	bus.publisher.Publish(orgId, EventType("weather_alert_issued"), EventPayload{})
	bus.publisher.Publish(orgId, EventLeadCreated, EventPayload{EntityId: "lead-1"})

	// "dashboard" is the last pattern applied for lead_created, so once it
	// lands the "leads" invalidation has landed too
	pollUntil(t, 5*time.Second, func() bool {
		return cache.Count("dashboard") == 2
	})
	assert.Equal(t, cache.Count("leads"), 2)
	assert.Equal(t, client.IsConnected(), true)
}

func TestClientReconnectAppliesCatchUp(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := newTestBus(ctx)
	defer bus.close()

	orgId := NewId()
	token, err := MintSessionToken(bus.secret, orgId, NewId(), 1*time.Minute)
	assert.Equal(t, err, nil)

	cache := &testInvalidator{}
	client := NewClient(ctx, bus.url, token, DefaultDispatchTable(), cache, testClientSettings())
	defer client.Close()

	pollUntil(t, 5*time.Second, func() bool {
		return client.IsConnected() && cache.Count("dashboard") == 1
	})

	// drop the connection server side. the client must reconnect with
	// backoff and run catch-up again.
	bus.registry.Close()

	pollUntil(t, 5*time.Second, func() bool {
		return cache.Count("dashboard") == 2
	})
	pollUntil(t, 5*time.Second, func() bool {
		return client.IsConnected()
	})
	assert.Equal(t, client.LastDisconnectedAt().IsZero(), false)
}

func TestClientAuthRejectedIsTerminal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := newTestBus(ctx)
	defer bus.close()

	badToken, err := MintSessionToken([]byte("other-secret"), NewId(), NewId(), 1*time.Minute)
	assert.Equal(t, err, nil)

	cache := &testInvalidator{}
	client := NewClient(ctx, bus.url, badToken, DefaultDispatchTable(), cache, testClientSettings())
	defer client.Close()

	pollUntil(t, 5*time.Second, func() bool {
		return client.State() == StateDisconnected && !client.LastDisconnectedAt().IsZero()
	})

	// no reconnect loop against a credential that will keep failing
	transitions := 0
	removeCallback := client.AddStateCallback(func(state ClientState) {
		transitions += 1
	})
	defer removeCallback()

	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, transitions, 0)
	assert.Equal(t, client.State(), StateDisconnected)
	// catch-up never ran
	assert.Equal(t, len(cache.Patterns()), 0)
}

func TestClientDeliberateClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := newTestBus(ctx)
	defer bus.close()

	token, err := MintSessionToken(bus.secret, NewId(), NewId(), 1*time.Minute)
	assert.Equal(t, err, nil)

	cache := &testInvalidator{}
	client := NewClient(ctx, bus.url, token, DefaultDispatchTable(), cache, testClientSettings())

	pollUntil(t, 5*time.Second, func() bool {
		return client.IsConnected() && bus.registry.ConnectionCount() == 1
	})

	client.Close()

	pollUntil(t, 5*time.Second, func() bool {
		return client.State() == StateDisconnected
	})
	// the server notices the socket close and unregisters
	pollUntil(t, 5*time.Second, func() bool {
		return bus.registry.ConnectionCount() == 0
	})

	// no reconnect after a deliberate close
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, client.State(), StateDisconnected)
	assert.Equal(t, bus.registry.ConnectionCount(), 0)
}
