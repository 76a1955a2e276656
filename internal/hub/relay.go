package hub

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Relay is a Notifier that fans messages out to the hub of every replica
// through a Redis pub/sub channel. Messages are published asynchronously and
// delivered to the local hub when they come back from the channel.
type Relay struct {
	rdb     *redis.Client
	channel string
	local   *Hub
	out     chan []byte
	ready   chan struct{}
	logger  *slog.Logger
}

// relayed is the wire form on the channel. An empty UserID means everyone.
type relayed struct {
	UserID string          `json:"user_id,omitempty"`
	Data   json.RawMessage `json:"data"`
}

func NewRelay(rdb *redis.Client, channel string, local *Hub, logger *slog.Logger) *Relay {
	return &Relay{
		rdb:     rdb,
		channel: channel,
		local:   local,
		out:     make(chan []byte, 256),
		ready:   make(chan struct{}),
		logger:  logger,
	}
}

func (r *Relay) Broadcast(msg Message) {
	r.enqueue("", msg)
}

func (r *Relay) SendTo(userID string, msg Message) {
	if userID == "" {
		return
	}
	r.enqueue(userID, msg)
}

func (r *Relay) enqueue(userID string, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error("ws message marshal failed", "type", msg.Type, "err", err)
		return
	}
	raw, err := json.Marshal(relayed{UserID: userID, Data: data})
	if err != nil {
		r.logger.Error("relay envelope marshal failed", "type", msg.Type, "err", err)
		return
	}
	select {
	case r.out <- raw:
	default:
		r.logger.Warn("relay queue full, dropping message", "type", msg.Type)
	}
}

// Ready is closed once the subscription is confirmed.
func (r *Relay) Ready() <-chan struct{} {
	return r.ready
}

// Run subscribes to the channel and publishes queued messages until ctx is
// cancelled. If the subscription cannot be established, messages are
// delivered to the local hub only.
func (r *Relay) Run(ctx context.Context) {
	sub := r.rdb.Subscribe(ctx, r.channel)
	defer sub.Close()

	var incoming <-chan *redis.Message
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		r.logger.Error("relay subscribe failed, notifications stay local", "channel", r.channel, "err", err)
	} else {
		incoming = sub.Channel()
		close(r.ready)
		r.logger.Info("hub relay subscribed", "channel", r.channel)
	}

	for {
		select {
		case <-ctx.Done():
			return

		case raw := <-r.out:
			if incoming == nil {
				r.deliver(raw)
				continue
			}
			if err := r.rdb.Publish(ctx, r.channel, raw).Err(); err != nil {
				if ctx.Err() != nil {
					return
				}
				r.logger.Warn("relay publish failed, delivering locally", "err", err)
				r.deliver(raw)
			}

		case m, ok := <-incoming:
			if !ok {
				return
			}
			r.deliver([]byte(m.Payload))
		}
	}
}

func (r *Relay) deliver(raw []byte) {
	var env relayed
	if err := json.Unmarshal(raw, &env); err != nil {
		r.logger.Warn("relay message malformed", "err", err)
		return
	}
	r.local.push(env.UserID, env.Data)
}
