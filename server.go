package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type ServerSettings struct {
	AuthTimeout   time.Duration
	WriteTimeout  time.Duration
	ReadTimeout   time.Duration
	PingTimeout   time.Duration
	SendQueueSize int
}

func DefaultServerSettings() *ServerSettings {
	return &ServerSettings{
		AuthTimeout:   10 * time.Second,
		WriteTimeout:  5 * time.Second,
		ReadTimeout:   45 * time.Second,
		PingTimeout:   15 * time.Second,
		SendQueueSize: 32,
	}
}

// Server accepts websocket connections, runs the authentication handshake,
// and owns the per-connection send and receive loops. A connection becomes
// eligible for events only by passing the handshake and entering the
// registry; a failed handshake closes the socket and touches nothing else.
type Server struct {
	ctx context.Context

	registry *ConnectionRegistry
	verifier SessionVerifier

	settings *ServerSettings

	upgrader *websocket.Upgrader
}

func NewServerWithDefaults(
	ctx context.Context,
	registry *ConnectionRegistry,
	verifier SessionVerifier,
) *Server {
	return NewServer(ctx, registry, verifier, DefaultServerSettings())
}

func NewServer(
	ctx context.Context,
	registry *ConnectionRegistry,
	verifier SessionVerifier,
	settings *ServerSettings,
) *Server {
	return &Server{
		ctx:      ctx,
		registry: registry,
		verifier: verifier,
		settings: settings,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (self *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[s]upgrade error = %s\n", err)
		return
	}

	claims, err := self.handshake(ws)
	if err != nil {
		// handshake closed the socket with a distinguishable reason
		glog.Infof("[s]handshake error = %s\n", err)
		return
	}

	connection := NewConnection(
		self.ctx,
		NewId(),
		claims.OrgId,
		claims.UserId,
		self.settings.SendQueueSize,
	)

	// the hello ack completes the handshake on the client side.
	// written before registration so it precedes any event.
	hello := &helloFrame{
		Type:         helloFrameType,
		ConnectionId: connection.ConnectionId(),
	}
	helloBytes, _ := json.Marshal(hello)
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, helloBytes); err != nil {
		connection.Close()
		ws.Close()
		return
	}

	self.registry.Register(connection)
	glog.V(1).Infof("[s]connect %s org=%s\n", connection.ConnectionId(), connection.OrgId())

	self.handleConnection(ws, connection)
}

// handshake reads the single auth frame within the auth timeout.
// On failure the socket is closed with 4400 (malformed or late frame) or
// 4401 (credential rejected) and an error is returned.
func (self *Server) handshake(ws *websocket.Conn) (*SessionClaims, error) {
	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	_, message, err := ws.ReadMessage()
	if err != nil {
		self.closeWith(ws, CloseCodeBadHandshake, "handshake timeout")
		return nil, fmt.Errorf("handshake read error = %s", err)
	}

	var frame handshakeFrame
	if err := json.Unmarshal(message, &frame); err != nil || frame.Auth == "" {
		self.closeWith(ws, CloseCodeBadHandshake, "malformed handshake")
		return nil, fmt.Errorf("malformed handshake frame")
	}

	claims, err := self.verifier.Verify(frame.Auth)
	if err != nil {
		self.closeWith(ws, CloseCodeAuthFailed, "authentication failed")
		return nil, err
	}

	return claims, nil
}

func (self *Server) closeWith(ws *websocket.Conn, closeCode int, reason string) {
	message := websocket.FormatCloseMessage(closeCode, reason)
	ws.WriteControl(websocket.CloseMessage, message, time.Now().Add(self.settings.WriteTimeout))
	ws.Close()
}

func (self *Server) handleConnection(ws *websocket.Conn, connection *Connection) {
	defer func() {
		self.registry.Unregister(connection)
		connection.Close()
		ws.Close()
		glog.V(1).Infof("[s]disconnect %s\n", connection.ConnectionId())
	}()

	// closing the connection from anywhere (eviction, registry close,
	// send error) unblocks the read loop promptly
	go func() {
		<-connection.Done()
		ws.Close()
	}()

	go self.connSendLoop(ws, connection)
	self.connReadLoop(ws, connection)
}

func (self *Server) connSendLoop(ws *websocket.Conn, connection *Connection) {
	defer connection.Close()

	for {
		select {
		case <-connection.Done():
			return
		case event := <-connection.sendQueue:
			eventBytes, err := json.Marshal(event)
			if err != nil {
				glog.Errorf("[ss]marshal error = %s\n", err)
				continue
			}
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, eventBytes); err != nil {
				// a websocket write deadline cannot be recovered
				glog.Infof("[ss]%s-> error = %s\n", connection.ConnectionId(), err)
				return
			}
			glog.V(2).Infof("[ss]%s->\n", connection.ConnectionId())
		case <-time.After(self.settings.PingTimeout):
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
				return
			}
		}
	}
}

func (self *Server) connReadLoop(ws *websocket.Conn, connection *Connection) {
	defer connection.Close()

	for {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		_, message, err := ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[sr]%s<- error = %s\n", connection.ConnectionId(), err)
			return
		}

		// after the handshake a client only sends liveness pings
		// (empty messages). anything else is ignored.
		if 0 == len(message) {
			glog.V(2).Infof("[sr]ping %s<-\n", connection.ConnectionId())
		}
		connection.touch()
	}
}
