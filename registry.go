package realtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/exp/maps"
)

// Connection is one live client socket after a successful handshake.
// The registry owns it for its lifetime. The broadcast engine only ever
// touches the outbound queue, never the socket, so one slow socket cannot
// stall anything but itself.
type Connection struct {
	ctx    context.Context
	cancel context.CancelFunc

	connectionId Id
	orgId        Id
	userId       Id
	connectedAt  time.Time

	// unix nanos of the last inbound activity
	lastActivityTime atomic.Int64

	sendQueue chan *Event
}

func NewConnection(ctx context.Context, connectionId Id, orgId Id, userId Id, sendQueueSize int) *Connection {
	cancelCtx, cancel := context.WithCancel(ctx)
	connection := &Connection{
		ctx:          cancelCtx,
		cancel:       cancel,
		connectionId: connectionId,
		orgId:        orgId,
		userId:       userId,
		connectedAt:  time.Now(),
		sendQueue:    make(chan *Event, sendQueueSize),
	}
	connection.touch()
	return connection
}

func (self *Connection) ConnectionId() Id {
	return self.connectionId
}

func (self *Connection) OrgId() Id {
	return self.orgId
}

func (self *Connection) UserId() Id {
	return self.userId
}

func (self *Connection) ConnectedAt() time.Time {
	return self.connectedAt
}

func (self *Connection) LastActivityTime() time.Time {
	return time.Unix(0, self.lastActivityTime.Load())
}

func (self *Connection) touch() {
	self.lastActivityTime.Store(time.Now().UnixNano())
}

// offer enqueues without blocking. A false return means the outbound queue
// is full and the connection should be treated as dead.
func (self *Connection) offer(event *Event) bool {
	select {
	case <-self.ctx.Done():
		return true
	case self.sendQueue <- event:
		return true
	default:
		return false
	}
}

func (self *Connection) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *Connection) Close() {
	self.cancel()
}

// ConnectionRegistry is the one shared mutable structure on the server.
// All membership mutation serializes on the mutex; iteration snapshots the
// group under the mutex and visits members outside it, so no i/o ever
// happens while the mutex is held.
type ConnectionRegistry struct {
	ctx context.Context

	mutex sync.Mutex

	// orgId -> connectionId -> connection
	orgConnections map[Id]map[Id]*Connection
	// connectionId -> orgId
	connectionOrgs map[Id]Id
}

func NewConnectionRegistry(ctx context.Context) *ConnectionRegistry {
	return &ConnectionRegistry{
		ctx:            ctx,
		orgConnections: map[Id]map[Id]*Connection{},
		connectionOrgs: map[Id]Id{},
	}
}

// Register adds the connection to its organization's group.
// Idempotent per connection id.
func (self *ConnectionRegistry) Register(connection *Connection) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	connectionId := connection.ConnectionId()
	if _, ok := self.connectionOrgs[connectionId]; ok {
		// already registered
		return
	}

	orgId := connection.OrgId()
	connections, ok := self.orgConnections[orgId]
	if !ok {
		connections = map[Id]*Connection{}
		self.orgConnections[orgId] = connections
	}
	connections[connectionId] = connection
	self.connectionOrgs[connectionId] = orgId
}

// Unregister removes the connection from whatever group it belongs to.
// Safe to call repeatedly or for a connection that was never registered.
func (self *ConnectionRegistry) Unregister(connection *Connection) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	connectionId := connection.ConnectionId()
	orgId, ok := self.connectionOrgs[connectionId]
	if !ok {
		// not registered, no-op
		return
	}
	delete(self.connectionOrgs, connectionId)

	if connections, ok := self.orgConnections[orgId]; ok {
		delete(connections, connectionId)
		if len(connections) == 0 {
			delete(self.orgConnections, orgId)
		}
	}
}

// ForEachInOrg visits every connection registered to the organization at
// the time of the call.
func (self *ConnectionRegistry) ForEachInOrg(orgId Id, callback func(connection *Connection)) {
	self.mutex.Lock()
	connections := maps.Values(self.orgConnections[orgId])
	self.mutex.Unlock()

	for _, connection := range connections {
		callback(connection)
	}
}

func (self *ConnectionRegistry) ConnectionCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return len(self.connectionOrgs)
}

// OrgConnectionCounts is a point-in-time view of group sizes, keyed by
// organization id.
func (self *ConnectionRegistry) OrgConnectionCounts() map[Id]int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	counts := map[Id]int{}
	for orgId, connections := range self.orgConnections {
		counts[orgId] = len(connections)
	}
	return counts
}

// Close closes every registered connection. The owning connection
// lifecycles unregister themselves as they wind down.
func (self *ConnectionRegistry) Close() {
	self.mutex.Lock()
	allConnections := [][]*Connection{}
	for _, connections := range self.orgConnections {
		allConnections = append(allConnections, maps.Values(connections))
	}
	self.mutex.Unlock()

	for _, connections := range allConnections {
		for _, connection := range connections {
			connection.Close()
		}
	}
}
