package realtime

import (
	"context"
	"encoding/json"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"
)

type RedisBridgeSettings struct {
	Channel    string
	OutboxSize int
}

func DefaultRedisBridgeSettings() *RedisBridgeSettings {
	return &RedisBridgeSettings{
		Channel:    "realtime:events",
		OutboxSize: 256,
	}
}

// bridgeFrame wraps an event on the redis channel. The origin id keeps a
// process from re-broadcasting its own events.
type bridgeFrame struct {
	OriginId Id     `json:"origin_id"`
	Event    *Event `json:"event"`
}

// RedisBridge connects bus processes in one deployment through a single
// redis pub/sub channel, so an event published on any process reaches the
// organization's connections on every process. Same best-effort contract
// as local broadcast: redis i/o runs on the bridge's own goroutine, the
// publisher never waits on it, and an overflowing outbox drops frames
// (clients recover via catch-up).
type RedisBridge struct {
	ctx    context.Context
	cancel context.CancelFunc

	client    *redis.Client
	publisher *Publisher

	processId Id
	outbox    chan *Event

	settings *RedisBridgeSettings
}

func NewRedisBridgeWithDefaults(
	ctx context.Context,
	client *redis.Client,
	publisher *Publisher,
) *RedisBridge {
	return NewRedisBridge(ctx, client, publisher, DefaultRedisBridgeSettings())
}

func NewRedisBridge(
	ctx context.Context,
	client *redis.Client,
	publisher *Publisher,
	settings *RedisBridgeSettings,
) *RedisBridge {
	cancelCtx, cancel := context.WithCancel(ctx)
	bridge := &RedisBridge{
		ctx:       cancelCtx,
		cancel:    cancel,
		client:    client,
		publisher: publisher,
		processId: NewId(),
		outbox:    make(chan *Event, settings.OutboxSize),
		settings:  settings,
	}
	publisher.setForward(bridge.forward)
	go bridge.run()
	return bridge
}

// forward is called by the publisher once per locally published event.
// Non-blocking by contract.
func (self *RedisBridge) forward(event *Event) {
	select {
	case <-self.ctx.Done():
	case self.outbox <- event:
	default:
		glog.Infof("[br]outbox full, dropped %s\n", event.Type)
	}
}

func (self *RedisBridge) run() {
	pubsub := self.client.Subscribe(self.ctx, self.settings.Channel)
	defer pubsub.Close()

	remote := pubsub.Channel()

	for {
		select {
		case <-self.ctx.Done():
			return
		case event := <-self.outbox:
			frameBytes, err := json.Marshal(&bridgeFrame{
				OriginId: self.processId,
				Event:    event,
			})
			if err != nil {
				glog.Errorf("[br]marshal error = %s\n", err)
				continue
			}
			if err := self.client.Publish(self.ctx, self.settings.Channel, frameBytes).Err(); err != nil {
				glog.Infof("[br]publish error = %s\n", err)
			}
		case message, ok := <-remote:
			if !ok {
				return
			}
			var frame bridgeFrame
			if err := json.Unmarshal([]byte(message.Payload), &frame); err != nil || frame.Event == nil {
				glog.Infof("[br]malformed frame = %s\n", err)
				continue
			}
			if frame.OriginId == self.processId {
				// our own publish echoed back
				continue
			}
			glog.V(2).Infof("[br]%s<-\n", frame.Event.Type)
			self.publisher.Dispatch(frame.Event)
		}
	}
}

func (self *RedisBridge) Close() {
	self.publisher.setForward(nil)
	self.cancel()
}
