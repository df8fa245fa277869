package channel

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/relaybench/transport"
	"github.com/drblury/relaybench/transport/transporttest"
)

func TestRegistered(t *testing.T) {
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "channel", caps.Name)
	assert.True(t, caps.SupportsOrdering)
	assert.Equal(t, transport.ChannelCapabilities, Capabilities())
}

func TestBuild(t *testing.T) {
	t.Run("publisher and subscriber share one pubsub", func(t *testing.T) {
		tr, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
		require.NoError(t, err)
		t.Cleanup(func() { _ = tr.Close() })

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		ch, err := tr.Subscriber.Subscribe(ctx, "mq-messages")
		require.NoError(t, err)

		msg := message.NewMessage("1", []byte("hello"))
		msg.Metadata.Set("correlationId", "c-1")
		require.NoError(t, tr.Publisher.Publish("mq-messages", msg))

		select {
		case got := <-ch:
			assert.Equal(t, "hello", string(got.Payload))
			assert.Equal(t, "c-1", got.Metadata.Get("correlationId"))
			got.Ack()
		case <-time.After(2 * time.Second):
			t.Fatal("message not delivered")
		}
	})

	t.Run("uses custom factory", func(t *testing.T) {
		originalFactory := Factory
		t.Cleanup(func() { Factory = originalFactory })

		mockPub := &transporttest.Publisher{}
		mockSub := &transporttest.Subscriber{}
		Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
			assert.Equal(t, int64(OutputBuffer), cfg.OutputChannelBuffer)
			return mockPub, mockSub
		}

		tr, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Equal(t, mockPub, tr.Publisher)
		assert.Equal(t, mockSub, tr.Subscriber)
	})
}
