// Package jetstream provides a NATS JetStream transport. Unlike core NATS,
// messages are persisted and a nacked message is redelivered, so a relay
// failure does not lose it.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	"github.com/drblury/relaybench/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "jetstream"

const (
	// DefaultStreamName is the stream every topic is stored in.
	DefaultStreamName = "RELAYBENCH"
	// DefaultMaxDeliver is the default max delivery attempts.
	DefaultMaxDeliver = 5
	// DefaultAckWait is how long the broker waits before redelivering an
	// unsettled message.
	DefaultAckWait = 30 * time.Second

	fetchBatch = 64
	fetchWait  = time.Second
)

// Connect allows overriding the connection for testing.
var Connect = func(url string, opts ...nats.Option) (*nats.Conn, error) {
	return nats.Connect(url, opts...)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.JetStreamCapabilities)
}

// Build creates a new JetStream transport. One connection serves both sides.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	t, err := New(Config{
		URL:        cfg.GetNATSURL(),
		ClientName: cfg.GetNATSClientName(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{
		Publisher:  t,
		Subscriber: t,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.JetStreamCapabilities
}

// Config holds JetStream-specific configuration.
type Config struct {
	URL string
	// ClientName names the connection and prefixes durable consumer names, so
	// relay instances sharing a name share the work.
	ClientName string
	StreamName string
	MaxDeliver int
	AckWait    time.Duration
}

func (c Config) withDefaults() Config {
	if c.ClientName == "" {
		c.ClientName = "relaybench"
	}
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	return c
}

// Transport implements Publisher and Subscriber on one JetStream context.
type Transport struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
	logger watermill.LoggerAdapter

	subMu         sync.Mutex
	subscriptions []*nats.Subscription

	closedMu   sync.RWMutex
	closed     bool
	closedChan chan struct{}
	wg         sync.WaitGroup
}

// New connects to the server and makes sure the stream exists.
func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	if cfg.URL == "" {
		return nil, errors.New("jetstream: url is required")
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	cfg = cfg.withDefaults()

	nc, err := Connect(cfg.URL,
		nats.Name(cfg.ClientName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("jetstream: connect: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: context: %w", err)
	}

	t := &Transport{
		nc:         nc,
		js:         js,
		config:     cfg,
		logger:     logger,
		closedChan: make(chan struct{}),
	}
	if err := t.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return t, nil
}

func (t *Transport) ensureStream() error {
	streamCfg := &nats.StreamConfig{
		Name:      t.config.StreamName,
		Subjects:  []string{t.config.StreamName + ".>"},
		Retention: nats.WorkQueuePolicy,
		MaxAge:    7 * 24 * time.Hour,
	}
	if _, err := t.js.AddStream(streamCfg); err == nil {
		return nil
	}
	if _, err := t.js.UpdateStream(streamCfg); err != nil {
		return fmt.Errorf("jetstream: ensure stream %s: %w", t.config.StreamName, err)
	}
	return nil
}

func (t *Transport) isClosed() bool {
	t.closedMu.RLock()
	defer t.closedMu.RUnlock()
	return t.closed
}

// Publish stores messages in the stream. The message UUID doubles as the
// JetStream deduplication id, so a retried publish is stored once.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	if t.isClosed() {
		return errors.New("jetstream: transport is closed")
	}
	subject := subjectFor(t.config.StreamName, topic)
	for _, msg := range messages {
		if _, err := t.js.PublishMsg(toNATS(subject, msg)); err != nil {
			return fmt.Errorf("jetstream: publish to %s: %w", subject, err)
		}
	}
	return nil
}

// Subscribe creates or updates a durable pull consumer for topic and streams
// its messages until ctx ends or the transport closes.
func (t *Transport) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if t.isClosed() {
		return nil, errors.New("jetstream: transport is closed")
	}

	subject := subjectFor(t.config.StreamName, topic)
	durable := durableFor(t.config.ClientName, topic)
	consumerCfg := &nats.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       t.config.AckWait,
		MaxDeliver:    t.config.MaxDeliver,
		DeliverPolicy: nats.DeliverAllPolicy,
	}
	if _, err := t.js.AddConsumer(t.config.StreamName, consumerCfg); err != nil {
		if _, err := t.js.UpdateConsumer(t.config.StreamName, consumerCfg); err != nil {
			return nil, fmt.Errorf("jetstream: consumer %s: %w", durable, err)
		}
	}

	sub, err := t.js.PullSubscribe(subject, durable, nats.Bind(t.config.StreamName, durable))
	if err != nil {
		return nil, fmt.Errorf("jetstream: subscribe %s: %w", subject, err)
	}
	t.subMu.Lock()
	t.subscriptions = append(t.subscriptions, sub)
	t.subMu.Unlock()

	output := make(chan *message.Message)
	t.wg.Add(1)
	go t.fetch(ctx, sub, topic, output)
	return output, nil
}

func (t *Transport) fetch(ctx context.Context, sub *nats.Subscription, topic string, output chan<- *message.Message) {
	defer t.wg.Done()
	defer close(output)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closedChan:
			return
		default:
		}

		msgs, err := sub.Fetch(fetchBatch, nats.MaxWait(fetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if t.isClosed() {
				return
			}
			t.logger.Error("Failed to fetch messages", err, watermill.LogFields{"topic": topic})
			continue
		}

		for _, natsMsg := range msgs {
			msg := toWatermill(natsMsg)
			select {
			case output <- msg:
			case <-ctx.Done():
				return
			case <-t.closedChan:
				return
			}
			if !t.settle(ctx, msg, natsMsg) {
				return
			}
		}
	}
}

// acker is the settlement side of a delivered message.
type acker interface {
	Ack(opts ...nats.AckOpt) error
	Nak(opts ...nats.AckOpt) error
}

// settle waits for the handler's verdict on msg and reports it to the broker.
// It returns false when the subscription ended first; the broker then
// redelivers the message after AckWait.
func (t *Transport) settle(ctx context.Context, msg *message.Message, src acker) bool {
	select {
	case <-msg.Acked():
		if err := src.Ack(); err != nil {
			t.logger.Error("Failed to ack message", err, watermill.LogFields{"message_uuid": msg.UUID})
		}
		return true
	case <-msg.Nacked():
		if err := src.Nak(); err != nil {
			t.logger.Error("Failed to nak message", err, watermill.LogFields{"message_uuid": msg.UUID})
		}
		return true
	case <-ctx.Done():
		return false
	case <-t.closedChan:
		return false
	}
}

func toNATS(subject string, msg *message.Message) *nats.Msg {
	header := nats.Header{}
	for k, v := range msg.Metadata {
		header.Set(k, v)
	}
	header.Set(nats.MsgIdHdr, msg.UUID)
	return &nats.Msg{Subject: subject, Data: msg.Payload, Header: header}
}

func toWatermill(natsMsg *nats.Msg) *message.Message {
	id := natsMsg.Header.Get(nats.MsgIdHdr)
	if id == "" {
		id = watermill.NewUUID()
	}
	msg := message.NewMessage(id, natsMsg.Data)
	for k, v := range natsMsg.Header {
		if k == nats.MsgIdHdr || len(v) == 0 {
			continue
		}
		msg.Metadata.Set(k, v[0])
	}
	return msg
}

func subjectFor(stream, topic string) string {
	return stream + "." + topic
}

var durableReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

// durableFor builds a consumer name from client and topic. Consumer names may
// not contain subject tokens or wildcards.
func durableFor(client, topic string) string {
	return durableReplacer.Replace(client + "_" + topic)
}

// Capabilities reports what this transport supports.
func (t *Transport) Capabilities() transport.Capabilities {
	return transport.JetStreamCapabilities
}

// Close stops the fetch loops and closes the connection.
func (t *Transport) Close() error {
	t.closedMu.Lock()
	if t.closed {
		t.closedMu.Unlock()
		return nil
	}
	t.closed = true
	close(t.closedChan)
	t.closedMu.Unlock()

	t.wg.Wait()

	t.subMu.Lock()
	for _, sub := range t.subscriptions {
		_ = sub.Unsubscribe()
	}
	t.subscriptions = nil
	t.subMu.Unlock()

	t.nc.Close()
	return nil
}
