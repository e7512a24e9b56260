package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type ClientState int

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateHandshaking
	StateConnected
)

func (self ClientState) String() string {
	switch self {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

type ClientSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	PingTimeout        time.Duration

	// reconnect backoff, jittered exponential between min and max
	ReconnectMinTimeout time.Duration
	ReconnectMaxTimeout time.Duration
	CatchUpKeys         []string
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		WsHandshakeTimeout:  5 * time.Second,
		AuthTimeout:         10 * time.Second,
		WriteTimeout:        5 * time.Second,
		ReadTimeout:         45 * time.Second,
		PingTimeout:         15 * time.Second,
		ReconnectMinTimeout: 1 * time.Second,
		ReconnectMaxTimeout: 30 * time.Second,
		CatchUpKeys:         DefaultCatchUpKeys(),
	}
}

// Client is the connection manager on the receiving side. It owns the
// state machine
//
//	disconnected -> connecting -> handshaking -> connected -> disconnected
//
// and reconnects with jittered exponential backoff on any unintended
// disconnect. On every entry into connected, first connect included, it
// applies the catch-up policy: invalidate the conservative `CatchUpKeys`
// set, because there is no replay and anything might have been missed.
// While connected, each received event runs through the dispatch table.
//
// An auth rejection (close code 4401) is terminal: the credential will keep
// failing, so the client stops and a new one must be created after
// re-authenticating at a higher layer. `Close` is the deliberate teardown
// and also suppresses reconnects.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	url  string
	auth string

	table *DispatchTable
	cache Invalidator

	settings *ClientSettings

	stateMutex         sync.Mutex
	state              ClientState
	retryCount         int
	lastDisconnectedAt time.Time
	stateCallbacks     map[int64]func(state ClientState)
	nextCallbackId     int64
}

func NewClientWithDefaults(
	ctx context.Context,
	url string,
	auth string,
	table *DispatchTable,
	cache Invalidator,
) *Client {
	return NewClient(ctx, url, auth, table, cache, DefaultClientSettings())
}

func NewClient(
	ctx context.Context,
	url string,
	auth string,
	table *DispatchTable,
	cache Invalidator,
	settings *ClientSettings,
) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)
	client := &Client{
		ctx:            cancelCtx,
		cancel:         cancel,
		url:            url,
		auth:           auth,
		table:          table,
		cache:          cache,
		settings:       settings,
		state:          StateDisconnected,
		stateCallbacks: map[int64]func(state ClientState){},
	}
	go client.run()
	return client
}

func (self *Client) run() {
	defer self.setState(StateDisconnected)

	reconnect := backoff.NewExponentialBackOff()
	reconnect.InitialInterval = self.settings.ReconnectMinTimeout
	reconnect.MaxInterval = self.settings.ReconnectMaxTimeout
	// retry until closed
	reconnect.MaxElapsedTime = 0

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.setState(StateConnecting)

		ws, err := self.connect()
		if err != nil {
			if errors.Is(err, ErrAuthInvalid) {
				// terminal. the credential will keep failing, so stop
				// until a new client is created with a fresh session.
				glog.Infof("[c]auth rejected = %s\n", err)
				return
			}
			glog.V(1).Infof("[c]connect error = %s\n", err)
			self.setState(StateDisconnected)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(reconnect.NextBackOff()):
				continue
			}
		}

		reconnect.Reset()
		self.setState(StateConnected)
		self.catchUp()

		self.handle(ws)

		self.setState(StateDisconnected)
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(reconnect.NextBackOff()):
		}
	}
}

// connect dials and runs the auth handshake. An `ErrAuthInvalid` return
// means the server rejected the credential and reconnecting is pointless.
func (self *Client) connect() (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(self.ctx, self.url, nil)
	if err != nil {
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	self.setState(StateHandshaking)

	frameBytes, err := json.Marshal(&handshakeFrame{
		Auth: self.auth,
	})
	if err != nil {
		return nil, err
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, frameBytes); err != nil {
		return nil, err
	}

	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	_, message, err := ws.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, CloseCodeAuthFailed) {
			return nil, fmt.Errorf("%w: server rejected credential", ErrAuthInvalid)
		}
		return nil, err
	}

	var hello helloFrame
	if err := json.Unmarshal(message, &hello); err != nil || hello.Type != helloFrameType {
		return nil, fmt.Errorf("handshake ack error")
	}

	success = true
	return ws, nil
}

// handle runs the receive and ping loops until the connection drops or the
// client is closed.
func (self *Client) handle(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	// unblock the read loop on deliberate close
	go func() {
		<-handleCtx.Done()
		ws.Close()
	}()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		_, message, err := ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[c]<- error = %s\n", err)
			return
		}

		if 0 == len(message) {
			// ping
			glog.V(2).Infof("[c]ping<-\n")
			continue
		}

		var event Event
		if err := json.Unmarshal(message, &event); err != nil {
			glog.Infof("[c]malformed event = %s\n", err)
			continue
		}
		self.table.Apply(&event, self.cache)
	}
}

// catchUp refreshes the conservative key set on every entry into
// connected. With no durable replay this is the only recovery that covers
// an arbitrary gap.
func (self *Client) catchUp() {
	for _, key := range self.settings.CatchUpKeys {
		self.cache.Invalidate(key)
	}
	glog.V(1).Infof("[c]catch-up invalidated %d keys\n", len(self.settings.CatchUpKeys))
}

func (self *Client) setState(state ClientState) {
	self.stateMutex.Lock()
	if self.state == state {
		self.stateMutex.Unlock()
		return
	}
	self.state = state
	switch state {
	case StateConnecting:
		self.retryCount += 1
	case StateConnected:
		self.retryCount = 0
	case StateDisconnected:
		self.lastDisconnectedAt = time.Now()
	}
	callbackIds := maps.Keys(self.stateCallbacks)
	slices.Sort(callbackIds)
	callbacks := []func(state ClientState){}
	for _, callbackId := range callbackIds {
		callbacks = append(callbacks, self.stateCallbacks[callbackId])
	}
	self.stateMutex.Unlock()

	for _, callback := range callbacks {
		callback(state)
	}
}

func (self *Client) State() ClientState {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.state
}

func (self *Client) IsConnected() bool {
	return self.State() == StateConnected
}

// RetryCount is the number of connect attempts since the last successful
// connection.
func (self *Client) RetryCount() int {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.retryCount
}

func (self *Client) LastDisconnectedAt() time.Time {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.lastDisconnectedAt
}

// AddStateCallback registers a state transition observer and returns the
// function that removes it.
func (self *Client) AddStateCallback(callback func(state ClientState)) func() {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()

	callbackId := self.nextCallbackId
	self.nextCallbackId += 1
	self.stateCallbacks[callbackId] = callback

	return func() {
		self.stateMutex.Lock()
		defer self.stateMutex.Unlock()
		delete(self.stateCallbacks, callbackId)
	}
}

// Close is the deliberate teardown. The client transitions to disconnected
// and makes no further reconnect attempts.
func (self *Client) Close() {
	self.cancel()
}
