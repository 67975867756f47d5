package broker

import (
	"context"
	"encoding/json"
	"log"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// subscribeWait bounds the wait for Redis to confirm a subscription.
const subscribeWait = 2 * time.Second

// RedisBroker implements EventBroker over Redis Pub/Sub so every API
// replica sees points ingested by the others.
type RedisBroker struct {
	rdb *redis.Client
}

func NewRedisBroker(url string) (*RedisBroker, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RedisBroker{rdb: redis.NewClient(opt)}, nil
}

func NewRedisBrokerFromClient(rdb *redis.Client) *RedisBroker { return &RedisBroker{rdb: rdb} }

func (b *RedisBroker) Subscribe(topic, clientID string) *Subscription {
	sub := newSubscription(topic, clientID, 32)
	ctx := context.Background()
	ps := b.rdb.Subscribe(ctx, b.chanName(topic))
	// wait for the subscription confirmation so publishes right after Subscribe are seen
	recvCtx, cancel := context.WithTimeout(ctx, subscribeWait)
	_, err := ps.Receive(recvCtx)
	cancel()
	if err != nil {
		log.Printf("broker: redis subscribe %s: %v", topic, err)
	}
	done := make(chan struct{})
	sub.cleanup = func() {
		_ = ps.Close()
		<-done
	}
	go func() {
		defer close(done)
		for msg := range ps.Channel() {
			var evt Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				continue
			}
			if sub.wants(evt) {
				sub.offer(evt)
			}
		}
	}()
	return sub
}

func (b *RedisBroker) Unsubscribe(sub *Subscription) { sub.close() }

func (b *RedisBroker) Publish(topic string, evt Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, _ := json.Marshal(evt)
	if err := b.rdb.Publish(ctx, b.chanName(topic), data).Err(); err != nil {
		log.Printf("broker: redis publish %s: %v", topic, err)
	}
}

// Close releases the Redis connection pool.
func (b *RedisBroker) Close() error { return b.rdb.Close() }

func (b *RedisBroker) chanName(topic string) string { return "ridertrack:live:" + topic }
