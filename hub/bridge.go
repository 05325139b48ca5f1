package hub

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

// Bridge relays broadcasts between hub instances over a Redis pub/sub
// channel so every client sees one logical event stream no matter
// which instance it is connected to.
type Bridge struct {
	hub     *Hub
	redis   *redis.Client
	channel string
	log     *log.Logger
}

// NewBridge wires the hub's outgoing broadcasts to rc and returns the
// bridge whose Run loop feeds remote broadcasts back in.
func NewBridge(h *Hub, rc *redis.Client, channel string, logger *log.Logger) *Bridge {
	if logger == nil {
		logger = log.StandardLogger()
	}
	b := &Bridge{hub: h, redis: rc, channel: channel, log: logger}
	h.setPublisher(b.publishBroadcast)
	return b
}

func (b *Bridge) publishBroadcast(ctx context.Context, payload []byte) {
	if err := b.redis.Publish(ctx, b.channel, payload).Err(); err != nil {
		b.log.Errorf("publish broadcast: %v", err)
	}
}

// Run subscribes to the bridge channel and delivers remote broadcasts
// to local sessions until ctx is cancelled. Envelopes originated by
// this instance are skipped; their sessions already received them.
func (b *Bridge) Run(ctx context.Context) {
	for {
		sub := b.redis.Subscribe(ctx, b.channel)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				var env domain.Envelope
				if err := sonic.Unmarshal([]byte(msg.Payload), &env); err != nil {
					b.log.Errorf("unable to parse bridged broadcast: %v", err)
					continue
				}
				if env.Origin == b.hub.instanceID {
					continue
				}
				b.hub.broadcastLocal([]byte(msg.Payload))
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		b.log.Error("bridge pubsub channel closed, resubscribing")
		time.Sleep(time.Second)
	}
}
