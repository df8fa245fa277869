package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/relaybench/transport"
	"github.com/drblury/relaybench/transport/transporttest"
)

func stubFactories(t *testing.T) {
	t.Helper()
	originalPubFactory := PublisherFactory
	originalSubFactory := SubscriberFactory
	t.Cleanup(func() {
		PublisherFactory = originalPubFactory
		SubscriberFactory = originalSubFactory
	})
}

func TestRegistered(t *testing.T) {
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "kafka", caps.Name)
	assert.Equal(t, transport.KafkaCapabilities, Capabilities())
}

func TestBuild(t *testing.T) {
	t.Run("creates transport with mocked factories", func(t *testing.T) {
		stubFactories(t)

		mockPub := &transporttest.Publisher{}
		mockSub := &transporttest.Subscriber{}

		PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			assert.Equal(t, []string{"localhost:9092"}, cfg.Brokers)
			require.NotNil(t, cfg.OverwriteSaramaConfig)
			assert.Equal(t, "relaybench", cfg.OverwriteSaramaConfig.ClientID)
			assert.Equal(t, sarama.WaitForAll, cfg.OverwriteSaramaConfig.Producer.RequiredAcks)
			return mockPub, nil
		}
		SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			assert.Equal(t, []string{"localhost:9092"}, cfg.Brokers)
			assert.Equal(t, "relaybench-run-1", cfg.ConsumerGroup)
			require.NotNil(t, cfg.OverwriteSaramaConfig)
			assert.Equal(t, "relaybench", cfg.OverwriteSaramaConfig.ClientID)
			assert.Equal(t, sarama.OffsetOldest, cfg.OverwriteSaramaConfig.Consumer.Offsets.Initial)
			return mockSub, nil
		}

		cfg := &transporttest.Config{
			KafkaBrokers:       []string{"localhost:9092"},
			KafkaClientID:      "relaybench",
			KafkaConsumerGroup: "relaybench-run-1",
		}
		tr, err := Build(context.Background(), cfg, watermill.NopLogger{})

		require.NoError(t, err)
		assert.Equal(t, mockPub, tr.Publisher)
		assert.Equal(t, mockSub, tr.Subscriber)
	})

	t.Run("requires brokers", func(t *testing.T) {
		stubFactories(t)
		_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "at least one broker")
	})

	t.Run("returns error when publisher factory fails", func(t *testing.T) {
		stubFactories(t)
		PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("publisher error")
		}

		cfg := &transporttest.Config{KafkaBrokers: []string{"localhost:9092"}}
		_, err := Build(context.Background(), cfg, watermill.NopLogger{})
		assert.ErrorContains(t, err, "publisher error")
	})

	t.Run("closes publisher when subscriber factory fails", func(t *testing.T) {
		stubFactories(t)
		pub := &transporttest.Publisher{}
		PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return pub, nil
		}
		SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			return nil, errors.New("subscriber error")
		}

		cfg := &transporttest.Config{KafkaBrokers: []string{"localhost:9092"}}
		_, err := Build(context.Background(), cfg, watermill.NopLogger{})
		assert.ErrorContains(t, err, "subscriber error")
		assert.True(t, pub.Closed)
	})
}

func TestSaramaConfigKeepsDefaultClientID(t *testing.T) {
	assert.Equal(t, kafka.DefaultSaramaSyncPublisherConfig().ClientID, publisherSaramaConfig("").ClientID)
	assert.Equal(t, kafka.DefaultSaramaSubscriberConfig().ClientID, subscriberSaramaConfig("").ClientID)
}
