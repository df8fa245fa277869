// Package postgres provides a queue transport stored in PostgreSQL. Consumers
// claim rows with SKIP LOCKED, so several relay instances can share a queue.
package postgres

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/drblury/relaybench/transport"
	"github.com/drblury/relaybench/transport/sqlqueue"
)

// TransportName is the name used to register this transport.
const TransportName = "postgres"

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.PostgresCapabilities)
}

// Build connects to the configured database and creates the queue tables
// when missing.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetPostgresURL()
	if url == "" {
		return transport.Transport{}, errors.New("postgres: url is required")
	}
	q, err := sqlqueue.Open(ctx, sqlqueue.Postgres, sqlqueue.Config{DSN: url}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{
		Publisher:  q,
		Subscriber: q,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.PostgresCapabilities
}
