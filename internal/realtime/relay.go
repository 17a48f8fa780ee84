package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// relayEnvelope is what travels over the Redis channel. Frame is already the
// encoded client message so the realtime process forwards it verbatim.
type relayEnvelope struct {
	OwnerID string          `json:"ownerId"`
	Frame   json.RawMessage `json:"frame"`
}

type redisPublisher interface {
	Publish(ctx context.Context, channel string, message any) *goredis.IntCmd
}

// RelayPublisher is the Notifier used by workers running outside the
// realtime process.
type RelayPublisher struct {
	client  redisPublisher
	channel string
}

func NewRelayPublisher(client redisPublisher, channel string) *RelayPublisher {
	return &RelayPublisher{client: client, channel: channel}
}

func (p *RelayPublisher) Notify(ctx context.Context, ownerID string, msg any) error {
	frame, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	body, err := json.Marshal(relayEnvelope{OwnerID: ownerID, Frame: frame})
	if err != nil {
		return fmt.Errorf("encode relay envelope: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, body).Err(); err != nil {
		return fmt.Errorf("relay publish: %w", err)
	}
	return nil
}

// RelaySubscriber forwards relayed frames into the local hub.
type RelaySubscriber struct {
	client  *goredis.Client
	channel string
	hub     *Hub
	logger  *zap.Logger
}

func NewRelaySubscriber(client *goredis.Client, channel string, hub *Hub, logger *zap.Logger) *RelaySubscriber {
	return &RelaySubscriber{client: client, channel: channel, hub: hub, logger: logger.Named("realtime.relay")}
}

// Run blocks until ctx is done.
func (s *RelaySubscriber) Run(ctx context.Context) error {
	sub := s.client.Subscribe(ctx, s.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", s.channel, err)
	}
	s.logger.Info("relay subscribed", zap.String("channel", s.channel))

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			s.dispatch([]byte(msg.Payload))
		}
	}
}

func (s *RelaySubscriber) dispatch(payload []byte) {
	var env relayEnvelope
	if err := json.Unmarshal(payload, &env); err != nil || env.OwnerID == "" || len(env.Frame) == 0 {
		s.logger.Warn("dropping malformed relay message", zap.Error(err))
		return
	}
	s.hub.broadcast(env.OwnerID, env.Frame)
}
