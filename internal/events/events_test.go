package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeChannel struct {
	exchange string
	key      string
	msgs     []amqp091.Publishing
	err      error
	closed   bool
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp091.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.exchange = exchange
	f.key = key
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestPublishUsesTypeAsRoutingKey(t *testing.T) {
	ch := &fakeChannel{}
	p := newPublisher(ch, "bookroom.events", zap.NewNop())

	err := p.Publish(context.Background(), Event{Type: StoryPublished, StoryID: "story_1", UserIDs: []string{"a", "b"}})
	require.NoError(t, err)

	assert.Equal(t, "bookroom.events", ch.exchange)
	assert.Equal(t, StoryPublished, ch.key)
	require.Len(t, ch.msgs, 1)
	assert.Equal(t, "application/json", ch.msgs[0].ContentType)

	var decoded Event
	require.NoError(t, json.Unmarshal(ch.msgs[0].Body, &decoded))
	assert.Equal(t, "story_1", decoded.StoryID)
	assert.Equal(t, []string{"a", "b"}, decoded.UserIDs)
	assert.False(t, decoded.OccurredAt.IsZero())

	require.NoError(t, p.Close())
	assert.True(t, ch.closed)
}

func TestPublishWrapsChannelErrors(t *testing.T) {
	boom := errors.New("channel closed")
	p := newPublisher(&fakeChannel{err: boom}, "x", zap.NewNop())

	err := p.Publish(context.Background(), Event{Type: StoryJoined, StoryID: "story_1"})
	assert.ErrorIs(t, err, boom)
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = NopPublisher{}
	assert.NoError(t, p.Publish(context.Background(), Event{Type: StoryJoined}))
	assert.NoError(t, p.Close())
}
