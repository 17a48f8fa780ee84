package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type capturePublisher struct {
	channel string
	body    []byte
}

func (p *capturePublisher) Publish(_ context.Context, channel string, message any) *goredis.IntCmd {
	p.channel = channel
	p.body = message.([]byte)
	return goredis.NewIntResult(1, nil)
}

func TestRelayRoundTripReachesHub(t *testing.T) {
	pub := &capturePublisher{}
	relay := NewRelayPublisher(pub, "tileflow.notifications")

	msg := AttachmentTags(uuid.New(), uuid.New(), "ready", []TagView{{Label: "river", Score: 0.9}}, "")
	require.NoError(t, relay.Notify(context.Background(), "owner-1", msg))
	assert.Equal(t, "tileflow.notifications", pub.channel)

	hub := NewHub(time.Minute, zap.NewNop())
	conn := newFakeConn()
	hub.Register("owner-1", conn)
	sub := &RelaySubscriber{hub: hub, logger: zap.NewNop()}
	sub.dispatch(pub.body)

	require.Len(t, conn.received(), 1)
	want, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(conn.received()[0]))
}

func TestRelayDropsMalformed(t *testing.T) {
	hub := NewHub(time.Minute, zap.NewNop())
	conn := newFakeConn()
	hub.Register("owner-1", conn)
	sub := &RelaySubscriber{hub: hub, logger: zap.NewNop()}

	sub.dispatch([]byte("not json"))
	sub.dispatch([]byte(`{"ownerId":"","frame":{}}`))
	assert.Empty(t, conn.received())
}
