package relay

import (
	"context"
	"time"
)

// channel returns the Redis pub/sub channel bridging this room across
// relay instances.
func (r *room) channel() string {
	return "collabcanvas:room:" + r.name
}

func (r *room) publish(payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.hub.cfg.Redis.Publish(ctx, r.channel(), payload).Err(); err != nil {
		r.log.Error("redis publish failed", "error", err)
	}
}

// redisLoop forwards frames published on the room channel, by this
// instance or any other, into the room loop for local delivery.
func (r *room) redisLoop() {
	pubsub := r.hub.cfg.Redis.Subscribe(context.Background(), r.channel())
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			select {
			case r.fromRedis <- []byte(msg.Payload):
			case <-r.closed:
				return
			case <-r.hub.done:
				return
			}
		case <-r.closed:
			return
		case <-r.hub.done:
			return
		}
	}
}
