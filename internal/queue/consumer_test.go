package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStream struct {
	groupErr error
	read     []redis.XStream
	pending  []redis.XPendingExt
	claimed  []redis.XMessage
	acked    []string
	claims   []string
}

func (f *fakeStream) XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx)
	if f.groupErr != nil {
		cmd.SetErr(f.groupErr)
	}
	return cmd
}

func (f *fakeStream) XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd {
	cmd := redis.NewXStreamSliceCmd(ctx)
	if f.read == nil {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	cmd.SetVal(f.read)
	f.read = nil
	return cmd
}

func (f *fakeStream) XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd {
	f.acked = append(f.acked, ids...)
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(ids)))
	return cmd
}

func (f *fakeStream) XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd {
	cmd := redis.NewXPendingExtCmd(ctx)
	cmd.SetVal(f.pending)
	return cmd
}

func (f *fakeStream) XClaim(ctx context.Context, a *redis.XClaimArgs) *redis.XMessageSliceCmd {
	f.claims = append(f.claims, a.Messages...)
	cmd := redis.NewXMessageSliceCmd(ctx)
	cmd.SetVal(f.claimed)
	return cmd
}

type handlerFunc func(ctx context.Context, msg redis.XMessage) error

func (h handlerFunc) Handle(ctx context.Context, msg redis.XMessage) error { return h(ctx, msg) }

func newTestConsumer(client StreamClient, h MessageHandler) *Consumer {
	return NewConsumer(client, Options{
		Stream:        "mail:outbox",
		Group:         "mailers",
		Consumer:      "w1",
		ClaimInterval: time.Minute,
		MaxDeliveries: 3,
	}, zerolog.Nop(), h)
}

func TestEnsureGroupIgnoresExistingGroup(t *testing.T) {
	c := newTestConsumer(&fakeStream{groupErr: errors.New("BUSYGROUP Consumer Group name already exists")}, nil)
	assert.NoError(t, c.EnsureGroup(context.Background()))

	c = newTestConsumer(&fakeStream{groupErr: errors.New("connection refused")}, nil)
	assert.Error(t, c.EnsureGroup(context.Background()))
}

func TestReadAcksOnlyHandledMessages(t *testing.T) {
	stream := &fakeStream{read: []redis.XStream{{
		Stream: "mail:outbox",
		Messages: []redis.XMessage{
			{ID: "1-0", Values: map[string]any{"to": "a@x.com"}},
			{ID: "2-0", Values: map[string]any{"to": "fail"}},
		},
	}}}
	c := newTestConsumer(stream, handlerFunc(func(ctx context.Context, msg redis.XMessage) error {
		if msg.Values["to"] == "fail" {
			return errors.New("smtp down")
		}
		return nil
	}))

	require.NoError(t, c.read(context.Background()))
	assert.Equal(t, []string{"1-0"}, stream.acked)

	// An empty read is not an error.
	require.NoError(t, c.read(context.Background()))
}

func TestClaimStalled(t *testing.T) {
	stream := &fakeStream{
		pending: []redis.XPendingExt{
			{ID: "1-0", Idle: 2 * time.Minute, RetryCount: 1},
			{ID: "2-0", Idle: time.Second, RetryCount: 1},
			{ID: "3-0", Idle: 2 * time.Minute, RetryCount: 3},
		},
		claimed: []redis.XMessage{{ID: "1-0"}},
	}
	handled := 0
	c := newTestConsumer(stream, handlerFunc(func(ctx context.Context, msg redis.XMessage) error {
		handled++
		return nil
	}))

	require.NoError(t, c.claimStalled(context.Background()))
	assert.Equal(t, []string{"1-0"}, stream.claims)
	assert.Equal(t, 1, handled)
	assert.ElementsMatch(t, []string{"1-0", "3-0"}, stream.acked)
}

func TestStartStopsOnCancel(t *testing.T) {
	c := newTestConsumer(&fakeStream{}, handlerFunc(func(context.Context, redis.XMessage) error { return nil }))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.Start(ctx), context.Canceled)
}
