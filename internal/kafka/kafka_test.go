package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poolhall-waitlist/internal/config"
	"github.com/poolhall-waitlist/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublisher_RecordEvent(t *testing.T) {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewAsyncProducer(t, cfg)

	producer.ExpectInputWithCheckerFunctionAndSucceed(func(val []byte) error {
		var event domain.MatchEvent
		if err := json.Unmarshal(val, &event); err != nil {
			return err
		}
		if event.Type != domain.EventWinConfirmed || event.OtherUserID != "b" {
			return fmt.Errorf("unexpected event %+v", event)
		}
		return nil
	})
	producer.ExpectInputAndFail(errors.New("leader not available"))

	p := NewPublisherWithProducer(producer, "matchmaking-events", discardLogger())
	ctx := context.Background()

	require.NoError(t, p.RecordEvent(ctx, domain.MatchEvent{
		Type:        domain.EventWinConfirmed,
		TableID:     1,
		UserID:      "a",
		OtherUserID: "b",
	}))
	require.NoError(t, p.RecordEvent(ctx, domain.MatchEvent{Type: domain.EventQueueCleared}))

	require.NoError(t, p.Close())
	published, failed := p.Stats()
	assert.Equal(t, int64(1), published)
	assert.Equal(t, int64(1), failed)
}

func TestEventKey(t *testing.T) {
	assert.Equal(t, "table-3", eventKey(domain.MatchEvent{Type: domain.EventInviteSent, TableID: 3, UserID: "u"}))
	assert.Equal(t, "user-u", eventKey(domain.MatchEvent{Type: domain.EventQueueJoined, UserID: "u"}))
	assert.Equal(t, "queue_cleared", eventKey(domain.MatchEvent{Type: domain.EventQueueCleared}))
}

func TestConsumer_Process(t *testing.T) {
	var got []domain.MatchEvent
	handler := EventHandlerFunc(func(_ context.Context, event domain.MatchEvent) error {
		if event.UserID == "broken" {
			return errors.New("sink unavailable")
		}
		got = append(got, event)
		return nil
	})
	c := newConsumer(&config.KafkaConfig{Topic: "matchmaking-events"}, handler, nil, discardLogger())
	ctx := context.Background()

	encode := func(e domain.MatchEvent) *sarama.ConsumerMessage {
		data, err := json.Marshal(e)
		require.NoError(t, err)
		return &sarama.ConsumerMessage{Value: data, Offset: 7}
	}

	assert.True(t, c.process(ctx, encode(domain.MatchEvent{Type: domain.EventTableJoined, TableID: 2, UserID: "a"})))
	assert.False(t, c.process(ctx, &sarama.ConsumerMessage{Value: []byte("{not json")}))
	assert.False(t, c.process(ctx, encode(domain.MatchEvent{UserID: "a"})))
	assert.False(t, c.process(ctx, encode(domain.MatchEvent{Type: domain.EventQueueJoined, UserID: "broken"})))

	require.Len(t, got, 1)
	assert.Equal(t, domain.EventTableJoined, got[0].Type)
	assert.Equal(t, 2, got[0].TableID)
}
