package kafka_test

import (
	"context"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/promokit/pkg/kafka"
)

func TestNewSaramaConfig(t *testing.T) {
	t.Parallel()

	sc := kafka.NewSaramaConfig(kafka.Config{ClientID: "promokit", MaxRetries: 5, MaxMessageKB: 500})
	assert.Equal(t, sarama.WaitForAll, sc.Producer.RequiredAcks)
	assert.True(t, sc.Producer.Return.Successes)
	assert.Equal(t, 5, sc.Producer.Retry.Max)
	assert.Equal(t, 500_000, sc.Producer.MaxMessageBytes)
	assert.Equal(t, 1, sc.Net.MaxOpenRequests)
	require.NoError(t, sc.Validate())
}

func TestNewProducerRequiresBrokers(t *testing.T) {
	t.Parallel()

	_, err := kafka.NewProducer(kafka.Config{Topic: "t"})
	require.ErrorIs(t, err, kafka.ErrInvalidConfig)
}

func TestProducerSend(t *testing.T) {
	t.Parallel()

	sp := mocks.NewSyncProducer(t, kafka.NewSaramaConfig(kafka.Config{}))
	sp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(m *sarama.ProducerMessage) error {
		if m.Topic != "events" {
			return errors.New("wrong topic " + m.Topic)
		}
		key, _ := m.Key.Encode()
		if string(key) != "p1" {
			return errors.New("wrong key " + string(key))
		}
		if len(m.Headers) != 1 || string(m.Headers[0].Key) != "event_type" || string(m.Headers[0].Value) != "payment.created" {
			return errors.New("missing event_type header")
		}
		return nil
	})
	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if string(val) != `{"n":2}` {
			return errors.New("unexpected value " + string(val))
		}
		return nil
	})

	p := kafka.NewProducerWith(sp, "events")
	err := p.Send(context.Background(),
		kafka.Message{Key: "p1", Value: []byte(`{"n":1}`), Headers: map[string]string{"event_type": "payment.created"}},
		kafka.Message{Key: "p1", Value: []byte(`{"n":2}`)},
	)
	require.NoError(t, err)
	require.NoError(t, p.Close())
}

func TestProducerSendFailure(t *testing.T) {
	t.Parallel()

	sp := mocks.NewSyncProducer(t, kafka.NewSaramaConfig(kafka.Config{}))
	sp.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)

	p := kafka.NewProducerWith(sp, "events")
	err := p.Send(context.Background(), kafka.Message{Key: "p1", Value: []byte(`{}`)})
	require.ErrorIs(t, err, kafka.ErrPublishFailed)
	require.NoError(t, p.Close())
}

func TestProducerSendNothing(t *testing.T) {
	t.Parallel()

	sp := mocks.NewSyncProducer(t, nil)
	p := kafka.NewProducerWith(sp, "events")
	require.NoError(t, p.Send(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, p.Send(ctx, kafka.Message{Value: []byte(`{}`)}), context.Canceled)
	require.NoError(t, p.Close())
}
