package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"track-record-engine/cache"
	"track-record-engine/ledger"
)

// DefaultChannel is the Redis channel chain heads are fanned out on.
const DefaultChannel = "ledger:heads"

const publishTimeout = time.Second

// Relay fans chain heads out through Redis so every API replica's broker sees
// appends committed by any replica.
type Relay struct {
	redis   *cache.RedisClient
	channel string
	broker  *Broker
	logger  zerolog.Logger
}

// NewRelay creates a Relay.
func NewRelay(redis *cache.RedisClient, channel string, broker *Broker, logger zerolog.Logger) *Relay {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Relay{
		redis:   redis,
		channel: channel,
		broker:  broker,
		logger:  logger.With().Str("component", "realtime_relay").Logger(),
	}
}

// EventAccepted publishes the new head. If publishing fails the head is
// delivered to the local broker only.
func (r *Relay) EventAccepted(e ledger.Event, state ledger.State) {
	head := HeadOf(e, state)
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := r.redis.Publish(ctx, r.channel, head); err != nil {
		r.logger.Warn().Err(err).Str("instance_id", head.InstanceID).Msg("publish chain head failed, broadcasting locally")
		r.broker.Broadcast(head)
	}
}

// Run forwards published heads to the local broker until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.redis.Subscribe(ctx, r.channel)
	if sub == nil {
		return nil
	}
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var head ChainHead
			if err := json.Unmarshal([]byte(msg.Payload), &head); err != nil {
				r.logger.Warn().Err(err).Msg("invalid chain head message")
				continue
			}
			r.broker.Broadcast(head)
		}
	}
}
