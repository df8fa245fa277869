// Package transport defines the broker abstraction used on both sides of the
// relay. Each implementation (kafka, rabbitmq, nats, jetstream, sqlite,
// postgres, aws, http, channel) lives in its own sub-package and registers
// itself with the transport registry.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport combines a publisher and subscriber pair produced by a builder.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close closes the publisher and subscriber. A pair backed by one value is
// closed once.
func (t Transport) Close() error {
	var pubErr, subErr error
	if t.Publisher != nil {
		pubErr = t.Publisher.Close()
	}
	if t.Subscriber != nil && any(t.Subscriber) != any(t.Publisher) {
		subErr = t.Subscriber.Close()
	}
	if pubErr != nil {
		return pubErr
	}
	return subErr
}

// Builder is the function signature for creating a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the connection settings transports need without depending
// on the full config package.
type Config interface {
	// Kafka
	GetKafkaBrokers() []string
	GetKafkaClientID() string
	GetKafkaConsumerGroup() string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string
	GetNATSClientName() string

	// SQL queues
	GetSQLiteFile() string
	GetPostgresURL() string

	// HTTP
	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}

// Starter is implemented by subscribers that can only begin receiving once
// every subscription is in place, such as the server-backed HTTP subscriber.
// The service calls Start after its router is running.
type Starter interface {
	Start()
}
