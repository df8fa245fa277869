package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
)

type pubSub struct {
	mockPublisher
}

func (p *pubSub) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return nil, nil
}

type failingPublisher struct{ mockPublisher }

func (failingPublisher) Close() error { return errors.New("close failed") }

func TestTransport_CloseClosesBoth(t *testing.T) {
	pub := &mockPublisher{}
	sub := &mockSubscriber{}

	assert.NoError(t, Transport{Publisher: pub, Subscriber: sub}.Close())
	assert.Equal(t, 1, pub.closed)
	assert.Equal(t, 1, sub.closed)
}

func TestTransport_CloseSharedPairOnce(t *testing.T) {
	ps := &pubSub{}
	assert.NoError(t, Transport{Publisher: ps, Subscriber: ps}.Close())
	assert.Equal(t, 1, ps.closed)
}

func TestTransport_CloseReportsPublisherError(t *testing.T) {
	sub := &mockSubscriber{}
	err := Transport{Publisher: failingPublisher{}, Subscriber: sub}.Close()
	assert.EqualError(t, err, "close failed")
	assert.Equal(t, 1, sub.closed)
}

func TestTransport_CloseEmpty(t *testing.T) {
	assert.NoError(t, Transport{}.Close())
}

type testProvider struct{}

func (testProvider) Capabilities() Capabilities {
	return Capabilities{Name: "test"}
}

func TestInterfaces(t *testing.T) {
	var _ Config = (*mockConfig)(nil)
	var _ CapabilitiesProvider = testProvider{}
	assert.Equal(t, "test", testProvider{}.Capabilities().Name)
}
